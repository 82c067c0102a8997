package bulk

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wilhg/schemeadapter/pkg/errmodel"
)

// ErrBulkNotFound is matched by every unknown-bulk rejection.
var ErrBulkNotFound = errmodel.NotFound("bulk_not_found", "bulk transaction not found", nil)

// Decider turns commands into events. It holds no state between calls.
type Decider struct {
	// NewID generates transfer, batch and quote ids.
	NewID            func() string
	MaxItemsPerBatch int
	Logger           *zap.Logger
}

// NewDecider returns a Decider with uuid ids.
func NewDecider(maxItemsPerBatch int, log *zap.Logger) *Decider {
	if log == nil {
		log = zap.NewNop()
	}
	return &Decider{NewID: uuid.NewString, MaxItemsPerBatch: maxItemsPerBatch, Logger: log}
}

// decision applies events to a working copy as they are emitted, so later steps
// of the same command see earlier effects.
type decision struct {
	agg    *Aggregate
	events []StateEvent
	out    []DomainEvent
}

func (d *decision) emit(e StateEvent) error {
	if err := d.agg.Apply(e); err != nil {
		return errmodel.System("invalid_state_event", err.Error(), nil, nil)
	}
	d.events = append(d.events, e)
	return nil
}

func (d *decision) publish(name string, payload any) {
	d.out = append(d.out, DomainEvent{Name: name, Payload: payload})
}

// Decide validates cmd against agg (nil or empty when the bulk does not exist)
// and returns the state events to log and the domain events to publish.
// Rejected commands return an error and no events; commands for a phase the bulk
// already left return no events and no error.
func (dc *Decider) Decide(agg *Aggregate, cmd Command) ([]StateEvent, []DomainEvent, error) {
	if cmd.BulkID == "" {
		return nil, nil, errmodel.Validation("bulk_id_required", "command has no bulk id", map[string]any{"command": cmd.Name})
	}
	if agg == nil {
		agg = New(cmd.BulkID)
	}
	d := &decision{agg: agg.Clone()}
	var err error
	switch cmd.Name {
	case ProcessSDKOutboundBulkRequest:
		err = dc.bulkRequest(d, cmd)
	case ProcessSDKOutboundBulkPartyInfoRequest:
		err = dc.partyInfoRequest(d, cmd)
	case ProcessPartyInfoCallback:
		err = dc.partyInfoCallback(d, cmd)
	case ProcessSDKOutboundBulkPartyInfoRequestComplete:
		err = dc.partyInfoRequestComplete(d, cmd)
	case ProcessSDKOutboundBulkAcceptPartyInfo:
		err = dc.acceptPartyInfo(d, cmd)
	case ProcessSDKOutboundBulkQuotesRequest:
		err = dc.quotesRequest(d, cmd)
	case ProcessBulkQuotesCallback:
		err = dc.bulkQuotesCallback(d, cmd)
	default:
		err = errmodel.Validation("unknown_command", "unknown command", map[string]any{"command": cmd.Name})
	}
	if err != nil {
		return nil, nil, err
	}
	return d.events, d.out, nil
}

func (dc *Decider) newID() string {
	if dc.NewID == nil {
		return uuid.NewString()
	}
	return dc.NewID()
}

func (dc *Decider) log() *zap.Logger {
	if dc.Logger == nil {
		return zap.NewNop()
	}
	return dc.Logger
}

func (dc *Decider) stale(cmd Command, state State, reason string) {
	dc.log().Warn("command ignored",
		zap.String("command", cmd.Name),
		zap.String("bulkId", cmd.BulkID),
		zap.String("state", string(state)),
		zap.String("reason", reason))
}

func notFound(bulkID string) error {
	return errmodel.NotFound("bulk_not_found", "bulk transaction not found", map[string]any{"bulkId": bulkID})
}

func transferNotFound(bulkID, transferID string) error {
	return errmodel.NotFound("transfer_not_found", "individual transfer not found", map[string]any{"bulkId": bulkID, "transferId": transferID})
}

func validateRequest(req Request) error {
	if len(req.IndividualTransfers) == 0 {
		return errmodel.Validation("no_transfers", "bulk request has no individual transfers", nil)
	}
	var missing []string
	seen := map[string]bool{}
	for i, t := range req.IndividualTransfers {
		if t.To.PartyIDInfo.PartyIDType == "" || t.To.PartyIDInfo.PartyIdentifier == "" {
			missing = append(missing, "individualTransfers["+strconv.Itoa(i)+"].to.partyIdInfo")
		}
		if t.Currency == "" || t.Amount == "" {
			missing = append(missing, "individualTransfers["+strconv.Itoa(i)+"].amount")
		}
		if t.TransferID != "" {
			if seen[t.TransferID] {
				return errmodel.Validation("duplicate_transfer", "transfer id used twice", map[string]any{"transferId": t.TransferID})
			}
			seen[t.TransferID] = true
		}
	}
	if len(missing) > 0 {
		return errmodel.Validation("invalid_bulk_request", "bulk request is incomplete", map[string]any{"fields": strings.Join(missing, ",")})
	}
	return nil
}

func (dc *Decider) bulkRequest(d *decision, cmd Command) error {
	var p BulkRequestPayload
	if err := decodePayload(cmd, &p); err != nil {
		return err
	}
	if d.agg.Exists() {
		dc.stale(cmd, d.agg.State, "bulk already exists")
		return nil
	}
	if err := validateRequest(p.Request); err != nil {
		return err
	}
	ids := make([]string, len(p.Request.IndividualTransfers))
	for i, t := range p.Request.IndividualTransfers {
		ids[i] = t.TransferID
		if ids[i] == "" {
			ids[i] = dc.newID()
		}
	}
	req := p.Request
	req.BulkTransactionID = cmd.BulkID
	if err := d.emit(BulkCreated{BulkID: cmd.BulkID, Request: req, TransferIDs: ids}); err != nil {
		return err
	}
	d.publish(SDKOutboundBulkRequestReceived, BulkRef{BulkID: cmd.BulkID})
	return nil
}

func (dc *Decider) partyInfoRequest(d *decision, cmd Command) error {
	a := d.agg
	if !a.Exists() {
		return notFound(cmd.BulkID)
	}
	if a.State != StateReceived {
		dc.stale(cmd, a.State, "discovery already started")
		return nil
	}
	lookups := 0
	for _, id := range a.TransfersIn(StateReceived) {
		t := a.Transfers[id]
		to := t.Request.To
		if a.Options.SkipPartyLookup || to.PartyIDInfo.FspID != "" {
			party, _ := json.Marshal(map[string]any{"party": to})
			if err := d.emit(TransferUpdated{TransferID: id, State: StateDiscoverySuccess, PartyResponse: party}); err != nil {
				return err
			}
			continue
		}
		req := to.PartyIDInfo
		if err := d.emit(TransferUpdated{TransferID: id, State: StateDiscoveryProcessing, PartyRequest: &req}); err != nil {
			return err
		}
		d.publish(PartyInfoRequested, PartyInfoRequestedPayload{BulkID: a.ID, TransferID: id, Request: req})
		lookups++
	}
	if err := d.emit(CountersChanged{Delta: Counters{PartyLookupTotal: lookups}}); err != nil {
		return err
	}
	if err := d.emit(BulkStateChanged{State: StateDiscoveryProcessing}); err != nil {
		return err
	}
	if lookups == 0 {
		d.publish(SDKOutboundBulkPartyInfoRequestProcessed, BulkRef{BulkID: a.ID})
	}
	return nil
}

func (dc *Decider) partyInfoCallback(d *decision, cmd Command) error {
	a := d.agg
	if !a.Exists() {
		return notFound(cmd.BulkID)
	}
	var p PartyInfoCallbackPayload
	if err := decodePayload(cmd, &p); err != nil {
		return err
	}
	t, ok := a.Transfers[p.TransferID]
	if !ok {
		return transferNotFound(a.ID, p.TransferID)
	}
	if a.State != StateDiscoveryProcessing || t.State != StateDiscoveryProcessing {
		dc.stale(cmd, t.State, "party lookup already processed")
		return nil
	}
	upd := TransferUpdated{TransferID: t.ID}
	var delta Counters
	if ei := errorInformation(p.Result); ei != nil {
		upd.State, upd.LastError = StateDiscoveryFailed, ei
		delta.PartyLookupFailed = 1
	} else {
		upd.State, upd.PartyResponse = StateDiscoverySuccess, p.Result
		delta.PartyLookupSuccess = 1
	}
	if err := d.emit(upd); err != nil {
		return err
	}
	if err := d.emit(CountersChanged{Delta: delta}); err != nil {
		return err
	}
	d.publish(PartyInfoCallbackProcessed, PartyInfoCallbackProcessedPayload{BulkID: a.ID, TransferID: t.ID, State: upd.State})
	c := d.agg.Counters
	if c.PartyLookupSuccess+c.PartyLookupFailed == c.PartyLookupTotal {
		d.publish(SDKOutboundBulkPartyInfoRequestProcessed, BulkRef{BulkID: a.ID})
	}
	return nil
}

func (dc *Decider) discoveryResults(a *Aggregate, states ...State) []TransferDiscovery {
	var out []TransferDiscovery
	for _, id := range a.TransfersIn(states...) {
		t := a.Transfers[id]
		out = append(out, TransferDiscovery{TransferID: id, State: t.State, PartyResponse: t.PartyResponse, LastError: t.LastError})
	}
	return out
}

func (dc *Decider) partyInfoRequestComplete(d *decision, cmd Command) error {
	a := d.agg
	if !a.Exists() {
		return notFound(cmd.BulkID)
	}
	if a.State != StateDiscoveryProcessing {
		dc.stale(cmd, a.State, "discovery not in progress")
		return nil
	}
	if pending := a.CountIn(StateDiscoveryProcessing); pending > 0 {
		return errmodel.Conflict("discovery_incomplete", "party lookups are still pending", map[string]any{"bulkId": a.ID, "pending": pending})
	}
	if err := d.emit(BulkStateChanged{State: StateDiscoveryCompleted}); err != nil {
		return err
	}
	payload := AcceptPartyInfoRequestedPayload{
		BulkID:    a.ID,
		Transfers: dc.discoveryResults(d.agg, StateDiscoverySuccess, StateDiscoveryFailed),
	}
	if a.Options.AutoAcceptParty.Enabled {
		d.publish(SDKOutboundBulkAutoAcceptPartyInfoRequested, payload)
		return nil
	}
	if err := d.emit(BulkStateChanged{State: StateDiscoveryAcceptancePending}); err != nil {
		return err
	}
	d.publish(SDKOutboundBulkAcceptPartyInfoRequested, payload)
	return nil
}

func (dc *Decider) acceptPartyInfo(d *decision, cmd Command) error {
	a := d.agg
	if !a.Exists() {
		return notFound(cmd.BulkID)
	}
	var p AcceptPartyInfoPayload
	if err := decodePayload(cmd, &p); err != nil {
		return err
	}
	for _, dec := range p.IndividualTransfers {
		if _, ok := a.Transfers[dec.TransferID]; !ok {
			return transferNotFound(a.ID, dec.TransferID)
		}
	}
	if a.State != StateDiscoveryAcceptancePending && a.State != StateDiscoveryCompleted {
		dc.stale(cmd, a.State, "acceptance not expected")
		return nil
	}
	for _, dec := range p.IndividualTransfers {
		t := a.Transfers[dec.TransferID]
		if t.State != StateDiscoverySuccess {
			dc.stale(cmd, t.State, "transfer "+t.ID+" is not awaiting acceptance")
			continue
		}
		next := StateDiscoveryRejected
		if dec.AcceptParty {
			next = StateDiscoveryAccepted
		}
		if err := d.emit(TransferUpdated{TransferID: t.ID, State: next}); err != nil {
			return err
		}
	}
	if d.agg.CountIn(StateDiscoverySuccess) > 0 {
		return nil
	}
	if err := d.emit(BulkStateChanged{State: StateDiscoveryAcceptanceCompleted}); err != nil {
		return err
	}
	d.publish(SDKOutboundBulkAcceptPartyInfoProcessed, AcceptPartyInfoRequestedPayload{
		BulkID:    a.ID,
		Transfers: dc.discoveryResults(d.agg, StateDiscoveryAccepted, StateDiscoveryRejected, StateDiscoveryFailed),
	})
	return nil
}

func (dc *Decider) quotesRequest(d *decision, cmd Command) error {
	a := d.agg
	if !a.Exists() {
		return notFound(cmd.BulkID)
	}
	if a.State != StateDiscoveryAcceptanceCompleted {
		dc.stale(cmd, a.State, "quotes not expected")
		return nil
	}
	if err := d.emit(BulkStateChanged{State: StateAgreementProcessing}); err != nil {
		return err
	}
	groups := a.groupByPayee(a.TransfersIn(StateDiscoveryAccepted), dc.MaxItemsPerBatch)
	for _, members := range groups {
		b := Batch{
			ID:          dc.newID(),
			State:       StateAgreementProcessing,
			PayeeFspID:  a.Transfers[members[0]].payeeFsp(),
			TransferIDs: members,
			BulkQuoteID: dc.newID(),
		}
		if err := d.emit(BatchCreated{Batch: b}); err != nil {
			return err
		}
		quotes := make([]QuoteRequest, 0, len(members))
		for _, id := range members {
			t := d.agg.Transfers[id]
			quoteID := dc.newID()
			if err := d.emit(TransferUpdated{TransferID: id, State: StateAgreementProcessing, BatchID: b.ID, QuoteID: quoteID}); err != nil {
				return err
			}
			quotes = append(quotes, QuoteRequest{
				QuoteID:       quoteID,
				TransactionID: id,
				To:            t.Request.To,
				AmountType:    t.Request.AmountType,
				Currency:      t.Request.Currency,
				Amount:        t.Request.Amount,
				Note:          t.Request.Note,
			})
		}
		d.publish(BulkQuotesRequested, BulkQuotesRequestedPayload{
			BulkID:      a.ID,
			BatchID:     b.ID,
			BulkQuoteID: b.BulkQuoteID,
			PayeeFspID:  b.PayeeFspID,
			From:        a.From,
			Quotes:      quotes,
		})
	}
	if err := d.emit(CountersChanged{Delta: Counters{BulkQuotesTotal: len(groups)}}); err != nil {
		return err
	}
	if len(groups) == 0 {
		return dc.completeAgreement(d)
	}
	return nil
}

type quoteResult struct {
	QuoteID          string          `json:"quoteId"`
	ErrorInformation json.RawMessage `json:"errorInformation,omitempty"`
}

// missingQuote is recorded on transfers the peer left out of its bulk quote response.
var missingQuote = json.RawMessage(`{"errorCode":"3200","errorDescription":"Generic client error: no quote result for transfer"}`)

func (dc *Decider) bulkQuotesCallback(d *decision, cmd Command) error {
	a := d.agg
	if !a.Exists() {
		return notFound(cmd.BulkID)
	}
	var p BulkQuotesCallbackPayload
	if err := decodePayload(cmd, &p); err != nil {
		return err
	}
	b, ok := a.Batches[p.BatchID]
	if !ok {
		return errmodel.NotFound("batch_not_found", "bulk batch not found", map[string]any{"bulkId": a.ID, "batchId": p.BatchID})
	}
	if a.State != StateAgreementProcessing || b.State != StateAgreementProcessing {
		dc.stale(cmd, b.State, "bulk quote already processed")
		return nil
	}

	if ei := errorInformation(p.Result); ei != nil {
		for _, id := range b.TransferIDs {
			if err := d.emit(TransferUpdated{TransferID: id, State: StateAgreementFailed, LastError: ei}); err != nil {
				return err
			}
		}
		if err := d.emit(BatchUpdated{BatchID: b.ID, State: StateAgreementFailed, LastError: ei}); err != nil {
			return err
		}
		if err := d.emit(CountersChanged{Delta: Counters{BulkQuotesFailed: 1}}); err != nil {
			return err
		}
	} else {
		var body struct {
			IndividualQuoteResults []json.RawMessage `json:"individualQuoteResults"`
		}
		if err := json.Unmarshal(p.Result, &body); err != nil {
			return errmodel.Validation("invalid_bulk_quotes_response", "bulk quotes response is not decodable", map[string]any{"batchId": b.ID})
		}
		byQuote := map[string]json.RawMessage{}
		for _, raw := range body.IndividualQuoteResults {
			var r quoteResult
			if json.Unmarshal(raw, &r) == nil && r.QuoteID != "" {
				byQuote[r.QuoteID] = raw
			}
		}
		for _, id := range b.TransferIDs {
			t := d.agg.Transfers[id]
			raw, found := byQuote[t.QuoteID]
			upd := TransferUpdated{TransferID: id}
			switch {
			case !found:
				upd.State, upd.LastError = StateAgreementFailed, missingQuote
			case errorInformation(raw) != nil:
				upd.State, upd.LastError = StateAgreementFailed, errorInformation(raw)
			default:
				upd.State, upd.QuoteResponse = StateAgreementSuccess, raw
			}
			if err := d.emit(upd); err != nil {
				return err
			}
		}
		if err := d.emit(BatchUpdated{BatchID: b.ID, State: StateAgreementCompleted, QuotesResponse: p.Result}); err != nil {
			return err
		}
		if err := d.emit(CountersChanged{Delta: Counters{BulkQuotesSuccess: 1}}); err != nil {
			return err
		}
	}
	d.publish(BulkQuotesCallbackProcessed, BatchProcessedPayload{BulkID: a.ID, BatchID: b.ID, State: d.agg.Batches[b.ID].State})

	for _, id := range d.agg.BatchOrder {
		if d.agg.Batches[id].State == StateAgreementProcessing {
			return nil
		}
	}
	return dc.completeAgreement(d)
}

func (dc *Decider) completeAgreement(d *decision) error {
	if err := d.emit(BulkStateChanged{State: StateAgreementCompleted}); err != nil {
		return err
	}
	d.publish(SDKOutboundBulkQuotesRequestProcessed, BulkRef{BulkID: d.agg.ID})
	return nil
}
