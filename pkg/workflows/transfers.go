package workflows

import (
	"context"
	"encoding/json"

	"github.com/wilhg/schemeadapter/pkg/peer"
)

// TransferArgs identify one POST /transfers exchange.
type TransferArgs struct {
	TransferID string          `json:"transferId"`
	FSPID      string          `json:"fspId,omitempty"`
	Request    json.RawMessage `json:"request"`
}

var transferSchema = requestSchema("transfers", "transferId")

type transferStrategy struct{}

func (transferStrategy) ModelName() string { return "TransfersModel" }

func (transferStrategy) ChannelName(a TransferArgs) string { return "transfers-" + a.TransferID }

func (transferStrategy) ValidateArgs(a TransferArgs) error {
	if err := transferSchema.Validate(a); err != nil {
		return err
	}
	return checkPayloadID("TransfersModel", a.Request, "transferId", a.TransferID)
}

func (transferStrategy) RequestAction(ctx context.Context, c peer.Client, a TransferArgs) (*peer.Ack, error) {
	return c.PostTransfers(ctx, a.Request, a.FSPID)
}
