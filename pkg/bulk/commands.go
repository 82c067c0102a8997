package bulk

import (
	"encoding/json"

	"github.com/wilhg/schemeadapter/pkg/errmodel"
)

// Command names.
const (
	ProcessSDKOutboundBulkRequest                  = "ProcessSDKOutboundBulkRequest"
	ProcessSDKOutboundBulkPartyInfoRequest         = "ProcessSDKOutboundBulkPartyInfoRequest"
	ProcessPartyInfoCallback                       = "ProcessPartyInfoCallback"
	ProcessSDKOutboundBulkPartyInfoRequestComplete = "ProcessSDKOutboundBulkPartyInfoRequestComplete"
	ProcessSDKOutboundBulkAcceptPartyInfo          = "ProcessSDKOutboundBulkAcceptPartyInfo"
	ProcessSDKOutboundBulkQuotesRequest            = "ProcessSDKOutboundBulkQuotesRequest"
	ProcessBulkQuotesCallback                      = "ProcessBulkQuotesCallback"
)

// Command is an inbound instruction for one bulk.
type Command struct {
	Name    string
	BulkID  string
	Payload json.RawMessage
}

// BulkRequestPayload carries a new bulk request.
type BulkRequestPayload struct {
	Request Request `json:"request"`
}

// PartyInfoCallbackPayload carries a PUT /parties body: either party or errorInformation.
type PartyInfoCallbackPayload struct {
	TransferID string          `json:"transferId"`
	Result     json.RawMessage `json:"result"`
}

// AcceptDecision is one accept/reject decision.
type AcceptDecision struct {
	TransferID  string `json:"transferId"`
	AcceptParty bool   `json:"acceptParty"`
}

// AcceptPartyInfoPayload carries accept decisions.
type AcceptPartyInfoPayload struct {
	IndividualTransfers []AcceptDecision `json:"individualTransfers"`
}

// BulkQuotesCallbackPayload carries a PUT /bulkQuotes body for one batch:
// either individualQuoteResults or errorInformation.
type BulkQuotesCallbackPayload struct {
	BatchID string          `json:"batchId"`
	Result  json.RawMessage `json:"result"`
}

// NewCommand encodes payload into a command.
func NewCommand(name, bulkID string, payload any) (Command, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Command{}, errmodel.Validation("invalid_command", "command payload is not encodable", map[string]any{"command": name})
		}
		raw = b
	}
	return Command{Name: name, BulkID: bulkID, Payload: raw}, nil
}

func decodePayload(cmd Command, out any) error {
	if len(cmd.Payload) == 0 {
		return errmodel.Validation("invalid_command", "command payload is empty", map[string]any{"command": cmd.Name})
	}
	if err := json.Unmarshal(cmd.Payload, out); err != nil {
		return errmodel.Validation("invalid_command", "command payload is not decodable", map[string]any{"command": cmd.Name, "error": err.Error()})
	}
	return nil
}

// errorInformation extracts the errorInformation member of a callback body.
func errorInformation(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var env struct {
		ErrorInformation json.RawMessage `json:"errorInformation"`
	}
	if json.Unmarshal(raw, &env) != nil || len(env.ErrorInformation) == 0 || string(env.ErrorInformation) == "null" {
		return nil
	}
	return env.ErrorInformation
}
