package workflows

import (
	"context"
	"encoding/json"

	"github.com/wilhg/schemeadapter/pkg/peer"
)

// BulkQuoteArgs identify one POST /bulkQuotes exchange.
type BulkQuoteArgs struct {
	BulkQuoteID string          `json:"bulkQuoteId"`
	FSPID       string          `json:"fspId,omitempty"`
	Request     json.RawMessage `json:"request"`
}

var bulkQuoteSchema = requestSchema("bulkQuotes", "bulkQuoteId")

type bulkQuoteStrategy struct{}

func (bulkQuoteStrategy) ModelName() string { return "BulkQuotesModel" }

func (bulkQuoteStrategy) ChannelName(a BulkQuoteArgs) string { return "bulkQuotes-" + a.BulkQuoteID }

func (bulkQuoteStrategy) ValidateArgs(a BulkQuoteArgs) error {
	if err := bulkQuoteSchema.Validate(a); err != nil {
		return err
	}
	return checkPayloadID("BulkQuotesModel", a.Request, "bulkQuoteId", a.BulkQuoteID)
}

func (bulkQuoteStrategy) RequestAction(ctx context.Context, c peer.Client, a BulkQuoteArgs) (*peer.Ack, error) {
	return c.PostBulkQuotes(ctx, a.Request, a.FSPID)
}
