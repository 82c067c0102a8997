// Package bulk orchestrates outbound bulk transactions: party discovery, party
// acceptance and quote agreement for a set of individual transfers, batched by
// payee FSP.
//
// The aggregate is event sourced. Decide turns a command into state events and
// domain events without side effects; Apply folds state events into the aggregate.
// Persistence, locking and publishing live in package runtime.
package bulk

import (
	"encoding/json"
	"sort"
)

// State is a global, per-transfer or per-batch state.
type State string

// Global and per-item states.
const (
	StateReceived                     State = "RECEIVED"
	StateDiscoveryProcessing          State = "DISCOVERY_PROCESSING"
	StateDiscoveryCompleted           State = "DISCOVERY_COMPLETED"
	StateDiscoveryAcceptancePending   State = "DISCOVERY_ACCEPTANCE_PENDING"
	StateDiscoveryAcceptanceCompleted State = "DISCOVERY_ACCEPTANCE_COMPLETED"
	StateAgreementProcessing          State = "AGREEMENT_PROCESSING"
	StateAgreementCompleted           State = "AGREEMENT_COMPLETED"

	StateDiscoverySuccess  State = "DISCOVERY_SUCCESS"
	StateDiscoveryFailed   State = "DISCOVERY_FAILED"
	StateDiscoveryAccepted State = "DISCOVERY_ACCEPTED"
	StateDiscoveryRejected State = "DISCOVERY_REJECTED"
	StateAgreementSuccess  State = "AGREEMENT_SUCCESS"
	StateAgreementFailed   State = "AGREEMENT_FAILED"
)

// globalRank orders the global lattice; the global state never moves backwards.
var globalRank = map[State]int{
	StateReceived:                     0,
	StateDiscoveryProcessing:          1,
	StateDiscoveryCompleted:           2,
	StateDiscoveryAcceptancePending:   3,
	StateDiscoveryAcceptanceCompleted: 4,
	StateAgreementProcessing:          5,
	StateAgreementCompleted:           6,
}

// DefaultMaxItemsPerBatch caps the transfers of one bulk quote.
const DefaultMaxItemsPerBatch = 500

// PartyIDInfo identifies a party.
type PartyIDInfo struct {
	PartyIDType      string `json:"partyIdType"`
	PartyIdentifier  string `json:"partyIdentifier"`
	PartySubIDOrType string `json:"partySubIdOrType,omitempty"`
	FspID            string `json:"fspId,omitempty"`
}

// Party is the SDK view of a payer or payee.
type Party struct {
	PartyIDInfo PartyIDInfo     `json:"partyIdInfo"`
	Name        string          `json:"name,omitempty"`
	Extra       json.RawMessage `json:"personalInfo,omitempty"`
}

// AutoAccept toggles an automatic acceptance step.
type AutoAccept struct {
	Enabled bool `json:"enabled"`
}

// Options steer the bulk workflow.
type Options struct {
	OnlyValidateParty   bool       `json:"onlyValidateParty,omitempty"`
	AutoAcceptParty     AutoAccept `json:"autoAcceptParty"`
	AutoAcceptQuote     AutoAccept `json:"autoAcceptQuote"`
	SkipPartyLookup     bool       `json:"skipPartyLookup,omitempty"`
	SynchronousResponse bool       `json:"synchronousResponse,omitempty"`
	BulkExpiration      string     `json:"bulkExpiration,omitempty"`
}

// TransferRequest is one item of an outbound bulk request.
type TransferRequest struct {
	HomeTransactionID string          `json:"homeTransactionId"`
	TransferID        string          `json:"transferId,omitempty"`
	To                Party           `json:"to"`
	AmountType        string          `json:"amountType"`
	Currency          string          `json:"currency"`
	Amount            string          `json:"amount"`
	Note              string          `json:"note,omitempty"`
	Extensions        json.RawMessage `json:"extensions,omitempty"`
}

// Request is the SDK outbound bulk request.
type Request struct {
	BulkHomeTransactionID string            `json:"bulkHomeTransactionID"`
	BulkTransactionID     string            `json:"bulkTransactionId,omitempty"`
	Options               Options           `json:"options"`
	From                  Party             `json:"from"`
	IndividualTransfers   []TransferRequest `json:"individualTransfers"`
	Extensions            json.RawMessage   `json:"extensions,omitempty"`
}

// Transfer is the per-item sub-aggregate.
type Transfer struct {
	ID            string          `json:"id"`
	State         State           `json:"state"`
	Request       TransferRequest `json:"request"`
	PartyRequest  *PartyIDInfo    `json:"partyRequest,omitempty"`
	PartyResponse json.RawMessage `json:"partyResponse,omitempty"`
	BatchID       string          `json:"batchId,omitempty"`
	QuoteID       string          `json:"quoteId,omitempty"`
	QuoteResponse json.RawMessage `json:"quoteResponse,omitempty"`
	// LastError is the scheme error object, kept verbatim.
	LastError json.RawMessage `json:"lastError,omitempty"`
}

// Batch groups accepted transfers to one payee FSP for a bulk quote.
type Batch struct {
	ID             string          `json:"id"`
	State          State           `json:"state"`
	PayeeFspID     string          `json:"payeeFspId"`
	TransferIDs    []string        `json:"transferIds"`
	BulkQuoteID    string          `json:"bulkQuoteId"`
	QuotesResponse json.RawMessage `json:"quotesResponse,omitempty"`
	LastError      json.RawMessage `json:"lastError,omitempty"`
}

// Counters track per-phase progress.
type Counters struct {
	PartyLookupTotal   int `json:"partyLookupTotalCount"`
	PartyLookupSuccess int `json:"partyLookupSuccessCount"`
	PartyLookupFailed  int `json:"partyLookupFailedCount"`
	BulkQuotesTotal    int `json:"bulkQuotesTotalCount"`
	BulkQuotesSuccess  int `json:"bulkQuotesSuccessCount"`
	BulkQuotesFailed   int `json:"bulkQuotesFailedCount"`
}

// Aggregate is a bulk transaction with its transfers and batches.
type Aggregate struct {
	ID                string              `json:"id"`
	State             State               `json:"state"`
	HomeTransactionID string              `json:"bulkHomeTransactionId"`
	Options           Options             `json:"options"`
	From              Party               `json:"from"`
	Transfers         map[string]Transfer `json:"transfers"`
	TransferOrder     []string            `json:"transferOrder"`
	Batches           map[string]Batch    `json:"batches"`
	BatchOrder        []string            `json:"batchOrder"`
	Counters          Counters            `json:"counters"`
	// Version counts applied state events.
	Version int64 `json:"version"`
}

// New returns the empty aggregate for id.
func New(id string) *Aggregate {
	return &Aggregate{ID: id, Transfers: map[string]Transfer{}, Batches: map[string]Batch{}}
}

// Exists reports whether the bulk was created.
func (a *Aggregate) Exists() bool { return a != nil && a.State != "" }

// Clone returns a deep copy.
func (a *Aggregate) Clone() *Aggregate {
	if a == nil {
		return nil
	}
	c := *a
	c.Transfers = make(map[string]Transfer, len(a.Transfers))
	for k, t := range a.Transfers {
		c.Transfers[k] = t.clone()
	}
	c.Batches = make(map[string]Batch, len(a.Batches))
	for k, b := range a.Batches {
		b.TransferIDs = append([]string(nil), b.TransferIDs...)
		b.QuotesResponse = cloneRaw(b.QuotesResponse)
		b.LastError = cloneRaw(b.LastError)
		c.Batches[k] = b
	}
	c.TransferOrder = append([]string(nil), a.TransferOrder...)
	c.BatchOrder = append([]string(nil), a.BatchOrder...)
	c.From.Extra = cloneRaw(a.From.Extra)
	return &c
}

func (t Transfer) clone() Transfer {
	if t.PartyRequest != nil {
		pr := *t.PartyRequest
		t.PartyRequest = &pr
	}
	t.PartyResponse = cloneRaw(t.PartyResponse)
	t.QuoteResponse = cloneRaw(t.QuoteResponse)
	t.LastError = cloneRaw(t.LastError)
	t.Request.Extensions = cloneRaw(t.Request.Extensions)
	t.Request.To.Extra = cloneRaw(t.Request.To.Extra)
	return t
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}

// TransfersIn returns the ids of transfers in one of states, in request order.
func (a *Aggregate) TransfersIn(states ...State) []string {
	var out []string
	for _, id := range a.TransferOrder {
		st := a.Transfers[id].State
		for _, s := range states {
			if st == s {
				out = append(out, id)
				break
			}
		}
	}
	return out
}

// CountIn counts transfers in one of states.
func (a *Aggregate) CountIn(states ...State) int { return len(a.TransfersIn(states...)) }

// groupByPayee splits ids into batches per payee FSP of at most max items.
// Groups are ordered by FSP id so batch creation is deterministic.
func (a *Aggregate) groupByPayee(ids []string, max int) [][]string {
	if max <= 0 {
		max = DefaultMaxItemsPerBatch
	}
	byFsp := map[string][]string{}
	for _, id := range ids {
		fsp := a.Transfers[id].payeeFsp()
		byFsp[fsp] = append(byFsp[fsp], id)
	}
	fsps := make([]string, 0, len(byFsp))
	for f := range byFsp {
		fsps = append(fsps, f)
	}
	sort.Strings(fsps)
	var out [][]string
	for _, f := range fsps {
		members := byFsp[f]
		for len(members) > 0 {
			n := min(max, len(members))
			out = append(out, members[:n:n])
			members = members[n:]
		}
	}
	return out
}

// payeeFsp prefers the FSP resolved by discovery over the one in the request.
func (t Transfer) payeeFsp() string {
	if len(t.PartyResponse) > 0 {
		var pr struct {
			Party struct {
				PartyIDInfo PartyIDInfo `json:"partyIdInfo"`
			} `json:"party"`
		}
		if json.Unmarshal(t.PartyResponse, &pr) == nil && pr.Party.PartyIDInfo.FspID != "" {
			return pr.Party.PartyIDInfo.FspID
		}
	}
	return t.Request.To.PartyIDInfo.FspID
}
