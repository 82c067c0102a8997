package bulk

import (
	"encoding/json"
	"fmt"
)

// StateEvent is a logged change of the aggregate.
type StateEvent interface {
	StateEventName() string
}

// State event names.
const (
	EventBulkCreated      = "BulkTransactionCreated"
	EventBulkStateChanged = "BulkTransactionStateChanged"
	EventTransferUpdated  = "IndividualTransferUpdated"
	EventCountersChanged  = "BulkCountersChanged"
	EventBatchCreated     = "BulkBatchCreated"
	EventBatchUpdated     = "BulkBatchUpdated"
)

// BulkCreated creates the aggregate and its transfers in RECEIVED.
type BulkCreated struct {
	BulkID      string   `json:"bulkId"`
	Request     Request  `json:"request"`
	TransferIDs []string `json:"transferIds"`
}

// BulkStateChanged moves the global state.
type BulkStateChanged struct {
	State State `json:"state"`
}

// TransferUpdated patches one transfer; nil fields are left unchanged.
type TransferUpdated struct {
	TransferID    string          `json:"transferId"`
	State         State           `json:"state"`
	PartyRequest  *PartyIDInfo    `json:"partyRequest,omitempty"`
	PartyResponse json.RawMessage `json:"partyResponse,omitempty"`
	BatchID       string          `json:"batchId,omitempty"`
	QuoteID       string          `json:"quoteId,omitempty"`
	QuoteResponse json.RawMessage `json:"quoteResponse,omitempty"`
	LastError     json.RawMessage `json:"lastError,omitempty"`
}

// CountersChanged adds deltas to the counters.
type CountersChanged struct {
	Delta Counters `json:"delta"`
}

// BatchCreated adds a batch.
type BatchCreated struct {
	Batch Batch `json:"batch"`
}

// BatchUpdated patches a batch.
type BatchUpdated struct {
	BatchID        string          `json:"batchId"`
	State          State           `json:"state"`
	QuotesResponse json.RawMessage `json:"quotesResponse,omitempty"`
	LastError      json.RawMessage `json:"lastError,omitempty"`
}

func (BulkCreated) StateEventName() string      { return EventBulkCreated }
func (BulkStateChanged) StateEventName() string { return EventBulkStateChanged }
func (TransferUpdated) StateEventName() string  { return EventTransferUpdated }
func (CountersChanged) StateEventName() string  { return EventCountersChanged }
func (BatchCreated) StateEventName() string     { return EventBatchCreated }
func (BatchUpdated) StateEventName() string     { return EventBatchUpdated }

// DecodeStateEvent rebuilds a state event from its logged name and payload.
func DecodeStateEvent(name string, payload json.RawMessage) (StateEvent, error) {
	var e StateEvent
	switch name {
	case EventBulkCreated:
		e = &BulkCreated{}
	case EventBulkStateChanged:
		e = &BulkStateChanged{}
	case EventTransferUpdated:
		e = &TransferUpdated{}
	case EventCountersChanged:
		e = &CountersChanged{}
	case EventBatchCreated:
		e = &BatchCreated{}
	case EventBatchUpdated:
		e = &BatchUpdated{}
	default:
		return nil, fmt.Errorf("unknown state event %q", name)
	}
	if err := json.Unmarshal(payload, e); err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return e, nil
}

// Domain event names.
const (
	SDKOutboundBulkRequestReceived              = "SDKOutboundBulkRequestReceived"
	PartyInfoRequested                          = "PartyInfoRequested"
	PartyInfoCallbackProcessed                  = "PartyInfoCallbackProcessed"
	SDKOutboundBulkPartyInfoRequestProcessed    = "SDKOutboundBulkPartyInfoRequestProcessed"
	SDKOutboundBulkAutoAcceptPartyInfoRequested = "SDKOutboundBulkAutoAcceptPartyInfoRequested"
	SDKOutboundBulkAcceptPartyInfoRequested     = "SDKOutboundBulkAcceptPartyInfoRequested"
	SDKOutboundBulkAcceptPartyInfoProcessed     = "SDKOutboundBulkAcceptPartyInfoProcessed"
	BulkQuotesRequested                         = "BulkQuotesRequested"
	BulkQuotesCallbackProcessed                 = "BulkQuotesCallbackProcessed"
	SDKOutboundBulkQuotesRequestProcessed       = "SDKOutboundBulkQuotesRequestProcessed"
)

// DomainEvent is emitted after a command was applied.
type DomainEvent struct {
	Name    string
	Payload any
}

// BulkRef is the payload of domain events that only name the bulk.
type BulkRef struct {
	BulkID string `json:"bulkId"`
}

// PartyInfoRequestedPayload asks for one party lookup.
type PartyInfoRequestedPayload struct {
	BulkID     string      `json:"bulkId"`
	TransferID string      `json:"transferId"`
	Request    PartyIDInfo `json:"request"`
}

// PartyInfoCallbackProcessedPayload reports one processed lookup.
type PartyInfoCallbackProcessedPayload struct {
	BulkID     string `json:"bulkId"`
	TransferID string `json:"transferId"`
	State      State  `json:"state"`
}

// AcceptPartyInfoRequestedPayload lists the transfers awaiting an accept decision.
type AcceptPartyInfoRequestedPayload struct {
	BulkID    string              `json:"bulkId"`
	Transfers []TransferDiscovery `json:"individualTransferResults"`
}

// TransferDiscovery is the discovery outcome of one transfer.
type TransferDiscovery struct {
	TransferID    string          `json:"transferId"`
	State         State           `json:"state"`
	PartyResponse json.RawMessage `json:"partyResponse,omitempty"`
	LastError     json.RawMessage `json:"lastError,omitempty"`
}

// BulkQuotesRequestedPayload asks for one bulk quote.
type BulkQuotesRequestedPayload struct {
	BulkID      string         `json:"bulkId"`
	BatchID     string         `json:"batchId"`
	BulkQuoteID string         `json:"bulkQuoteId"`
	PayeeFspID  string         `json:"payeeFspId"`
	From        Party          `json:"from"`
	Quotes      []QuoteRequest `json:"individualQuotes"`
}

// QuoteRequest is one quote of a bulk quote.
type QuoteRequest struct {
	QuoteID       string `json:"quoteId"`
	TransactionID string `json:"transactionId"`
	To            Party  `json:"to"`
	AmountType    string `json:"amountType"`
	Currency      string `json:"currency"`
	Amount        string `json:"amount"`
	Note          string `json:"note,omitempty"`
}

// BatchProcessedPayload reports one processed bulk quote callback.
type BatchProcessedPayload struct {
	BulkID  string `json:"bulkId"`
	BatchID string `json:"batchId"`
	State   State  `json:"state"`
}
