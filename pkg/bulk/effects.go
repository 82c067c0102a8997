package bulk

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/wilhg/schemeadapter/pkg/async2sync"
	"github.com/wilhg/schemeadapter/pkg/bus"
	"github.com/wilhg/schemeadapter/pkg/deferred"
	"github.com/wilhg/schemeadapter/pkg/errmodel"
	"github.com/wilhg/schemeadapter/pkg/runtime"
	"github.com/wilhg/schemeadapter/pkg/workflows"
)

// Effects performs the scheme requests the orchestrator asks for.
type Effects struct {
	Workflows async2sync.Config
	Logger    *zap.Logger
}

// Handlers returns the effect handlers of the outbound bulk flow.
func (fx Effects) Handlers() []runtime.EffectHandler {
	log := fx.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return []runtime.EffectHandler{
		next{on: SDKOutboundBulkRequestReceived, command: ProcessSDKOutboundBulkPartyInfoRequest},
		next{on: SDKOutboundBulkPartyInfoRequestProcessed, command: ProcessSDKOutboundBulkPartyInfoRequestComplete},
		next{on: SDKOutboundBulkAcceptPartyInfoProcessed, command: ProcessSDKOutboundBulkQuotesRequest},
		autoAccept{},
		partyLookup{cfg: fx.Workflows, log: log},
		bulkQuote{cfg: fx.Workflows, log: log},
	}
}

// next moves the bulk to its next phase.
type next struct {
	on      string
	command string
}

func (h next) CanHandle(e bus.Event) bool { return e.Name == h.on }

func (h next) Handle(_ context.Context, e bus.Event) ([]bus.Event, error) {
	cmd, err := CommandEvent(h.command, e.Key, nil)
	if err != nil {
		return nil, err
	}
	return []bus.Event{cmd}, nil
}

// autoAccept accepts every discovered party.
type autoAccept struct{}

func (autoAccept) CanHandle(e bus.Event) bool {
	return e.Name == SDKOutboundBulkAutoAcceptPartyInfoRequested
}

func (autoAccept) Handle(_ context.Context, e bus.Event) ([]bus.Event, error) {
	var p AcceptPartyInfoRequestedPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, err
	}
	decisions := make([]AcceptDecision, 0, len(p.Transfers))
	for _, t := range p.Transfers {
		if t.State == StateDiscoverySuccess {
			decisions = append(decisions, AcceptDecision{TransferID: t.TransferID, AcceptParty: true})
		}
	}
	cmd, err := CommandEvent(ProcessSDKOutboundBulkAcceptPartyInfo, e.Key, AcceptPartyInfoPayload{IndividualTransfers: decisions})
	if err != nil {
		return nil, err
	}
	return []bus.Event{cmd}, nil
}

// partyLookup resolves one payee.
type partyLookup struct {
	cfg async2sync.Config
	log *zap.Logger
}

func (partyLookup) CanHandle(e bus.Event) bool { return e.Name == PartyInfoRequested }

func (h partyLookup) Handle(ctx context.Context, e bus.Event) ([]bus.Event, error) {
	var p PartyInfoRequestedPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, err
	}
	args := workflows.PartyArgs{
		Type:  p.Request.PartyIDType,
		ID:    p.Request.PartyIdentifier,
		SubID: p.Request.PartySubIDOrType,
		FSPID: p.Request.FspID,
	}
	result, err := runWorkflow(ctx, workflows.Parties, args, h.cfg)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		h.log.Info("party lookup failed", zap.String("bulkId", p.BulkID), zap.String("transferId", p.TransferID), zap.Error(err))
		result = schemeError(err)
	}
	cmd, err := CommandEvent(ProcessPartyInfoCallback, e.Key, PartyInfoCallbackPayload{TransferID: p.TransferID, Result: result})
	if err != nil {
		return nil, err
	}
	return []bus.Event{cmd}, nil
}

// bulkQuote requests the quotes of one batch.
type bulkQuote struct {
	cfg async2sync.Config
	log *zap.Logger
}

func (bulkQuote) CanHandle(e bus.Event) bool { return e.Name == BulkQuotesRequested }

func (h bulkQuote) Handle(ctx context.Context, e bus.Event) ([]bus.Event, error) {
	var p BulkQuotesRequestedPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, err
	}
	body, err := json.Marshal(bulkQuoteBody(p))
	if err != nil {
		return nil, err
	}
	args := workflows.BulkQuoteArgs{BulkQuoteID: p.BulkQuoteID, FSPID: p.PayeeFspID, Request: body}
	result, err := runWorkflow(ctx, workflows.BulkQuotes, args, h.cfg)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		h.log.Info("bulk quote failed", zap.String("bulkId", p.BulkID), zap.String("batchId", p.BatchID), zap.Error(err))
		result = schemeError(err)
	}
	cmd, err := CommandEvent(ProcessBulkQuotesCallback, e.Key, BulkQuotesCallbackPayload{BatchID: p.BatchID, Result: result})
	if err != nil {
		return nil, err
	}
	return []bus.Event{cmd}, nil
}

func runWorkflow[A any](ctx context.Context, g *async2sync.Generator[A], args A, cfg async2sync.Config) (json.RawMessage, error) {
	m, err := g.Create(ctx, args, "", cfg)
	if err != nil {
		return nil, err
	}
	resp, err := m.Run(ctx)
	if err != nil {
		return nil, err
	}
	return resp.Data.Response, nil
}

type money struct {
	Currency string `json:"currency"`
	Amount   string `json:"amount"`
}

type transactionType struct {
	Scenario      string `json:"scenario"`
	Initiator     string `json:"initiator"`
	InitiatorType string `json:"initiatorType"`
}

type individualQuote struct {
	QuoteID         string          `json:"quoteId"`
	TransactionID   string          `json:"transactionId"`
	Payee           Party           `json:"payee"`
	AmountType      string          `json:"amountType"`
	Amount          money           `json:"amount"`
	TransactionType transactionType `json:"transactionType"`
	Note            string          `json:"note,omitempty"`
}

type bulkQuoteRequest struct {
	BulkQuoteID      string            `json:"bulkQuoteId"`
	Payer            Party             `json:"payer"`
	IndividualQuotes []individualQuote `json:"individualQuotes"`
}

func bulkQuoteBody(p BulkQuotesRequestedPayload) bulkQuoteRequest {
	req := bulkQuoteRequest{BulkQuoteID: p.BulkQuoteID, Payer: p.From}
	for _, q := range p.Quotes {
		req.IndividualQuotes = append(req.IndividualQuotes, individualQuote{
			QuoteID:         q.QuoteID,
			TransactionID:   q.TransactionID,
			Payee:           q.To,
			AmountType:      q.AmountType,
			Amount:          money{Currency: q.Currency, Amount: q.Amount},
			TransactionType: transactionType{Scenario: "TRANSFER", Initiator: "PAYER", InitiatorType: "CONSUMER"},
			Note:            q.Note,
		})
	}
	return req
}

// schemeError renders err as a callback body: the peer's own errorInformation when
// it sent one, otherwise a generic FSPIOP error for the failure class.
func schemeError(err error) json.RawMessage {
	ce := errmodel.From(err)
	if ce != nil && errorInformation(ce.Scheme) != nil {
		return append(json.RawMessage(nil), ce.Scheme...)
	}
	code := "2001"
	switch {
	case errors.Is(err, deferred.ErrTimeout), errmodel.IsCategory(err, errmodel.CategoryTimeout):
		code = "2004"
	case errmodel.IsCategory(err, errmodel.CategoryNetwork):
		code = "1001"
	case errmodel.IsCategory(err, errmodel.CategoryValidation):
		code = "3100"
	}
	desc := "Generic server error"
	if ce != nil {
		desc = ce.Message
	}
	raw, _ := json.Marshal(map[string]any{"errorInformation": map[string]string{"errorCode": code, "errorDescription": desc}})
	return raw
}
