package bulk

import (
	"fmt"
)

// Evolve returns a copy of a with e applied.
func Evolve(a *Aggregate, e StateEvent) (*Aggregate, error) {
	c := a.Clone()
	if err := c.Apply(e); err != nil {
		return a, err
	}
	return c, nil
}

// Apply folds e into a in place.
func (a *Aggregate) Apply(e StateEvent) error {
	switch ev := e.(type) {
	case *BulkCreated:
		return a.Apply(*ev)
	case *BulkStateChanged:
		return a.Apply(*ev)
	case *TransferUpdated:
		return a.Apply(*ev)
	case *CountersChanged:
		return a.Apply(*ev)
	case *BatchCreated:
		return a.Apply(*ev)
	case *BatchUpdated:
		return a.Apply(*ev)

	case BulkCreated:
		a.ID = ev.BulkID
		a.State = StateReceived
		a.HomeTransactionID = ev.Request.BulkHomeTransactionID
		a.Options = ev.Request.Options
		a.From = ev.Request.From
		if a.Transfers == nil {
			a.Transfers = map[string]Transfer{}
		}
		if a.Batches == nil {
			a.Batches = map[string]Batch{}
		}
		if len(ev.TransferIDs) != len(ev.Request.IndividualTransfers) {
			return fmt.Errorf("bulk %s: %d transfer ids for %d transfers", ev.BulkID, len(ev.TransferIDs), len(ev.Request.IndividualTransfers))
		}
		for i, tr := range ev.Request.IndividualTransfers {
			id := ev.TransferIDs[i]
			tr.TransferID = id
			a.Transfers[id] = Transfer{ID: id, State: StateReceived, Request: tr}
			a.TransferOrder = append(a.TransferOrder, id)
		}
	case BulkStateChanged:
		if globalRank[ev.State] < globalRank[a.State] {
			return fmt.Errorf("bulk %s: state %s cannot follow %s", a.ID, ev.State, a.State)
		}
		a.State = ev.State
	case TransferUpdated:
		t, ok := a.Transfers[ev.TransferID]
		if !ok {
			return fmt.Errorf("bulk %s: unknown transfer %s", a.ID, ev.TransferID)
		}
		if ev.State != "" {
			t.State = ev.State
		}
		if ev.PartyRequest != nil {
			pr := *ev.PartyRequest
			t.PartyRequest = &pr
		}
		if ev.PartyResponse != nil {
			t.PartyResponse = cloneRaw(ev.PartyResponse)
		}
		if ev.BatchID != "" {
			t.BatchID = ev.BatchID
		}
		if ev.QuoteID != "" {
			t.QuoteID = ev.QuoteID
		}
		if ev.QuoteResponse != nil {
			t.QuoteResponse = cloneRaw(ev.QuoteResponse)
		}
		if ev.LastError != nil {
			t.LastError = cloneRaw(ev.LastError)
		}
		a.Transfers[ev.TransferID] = t
	case CountersChanged:
		d := ev.Delta
		a.Counters.PartyLookupTotal += d.PartyLookupTotal
		a.Counters.PartyLookupSuccess += d.PartyLookupSuccess
		a.Counters.PartyLookupFailed += d.PartyLookupFailed
		a.Counters.BulkQuotesTotal += d.BulkQuotesTotal
		a.Counters.BulkQuotesSuccess += d.BulkQuotesSuccess
		a.Counters.BulkQuotesFailed += d.BulkQuotesFailed
	case BatchCreated:
		b := ev.Batch
		if _, dup := a.Batches[b.ID]; dup {
			return fmt.Errorf("bulk %s: duplicate batch %s", a.ID, b.ID)
		}
		b.TransferIDs = append([]string(nil), b.TransferIDs...)
		if a.Batches == nil {
			a.Batches = map[string]Batch{}
		}
		a.Batches[b.ID] = b
		a.BatchOrder = append(a.BatchOrder, b.ID)
	case BatchUpdated:
		b, ok := a.Batches[ev.BatchID]
		if !ok {
			return fmt.Errorf("bulk %s: unknown batch %s", a.ID, ev.BatchID)
		}
		if ev.State != "" {
			b.State = ev.State
		}
		if ev.QuotesResponse != nil {
			b.QuotesResponse = cloneRaw(ev.QuotesResponse)
		}
		if ev.LastError != nil {
			b.LastError = cloneRaw(ev.LastError)
		}
		a.Batches[ev.BatchID] = b
	default:
		return fmt.Errorf("bulk %s: unsupported state event %T", a.ID, e)
	}
	a.Version++
	return nil
}
