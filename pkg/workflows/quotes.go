package workflows

import (
	"context"
	"encoding/json"

	"github.com/wilhg/schemeadapter/pkg/peer"
)

// QuoteArgs identify one POST /quotes exchange.
type QuoteArgs struct {
	QuoteID string          `json:"quoteId"`
	FSPID   string          `json:"fspId,omitempty"`
	Request json.RawMessage `json:"request"`
}

var quoteSchema = requestSchema("quotes", "quoteId")

type quoteStrategy struct{}

func (quoteStrategy) ModelName() string { return "QuotesModel" }

func (quoteStrategy) ChannelName(a QuoteArgs) string { return "quotes-" + a.QuoteID }

func (quoteStrategy) ValidateArgs(a QuoteArgs) error {
	if err := quoteSchema.Validate(a); err != nil {
		return err
	}
	return checkPayloadID("QuotesModel", a.Request, "quoteId", a.QuoteID)
}

func (quoteStrategy) RequestAction(ctx context.Context, c peer.Client, a QuoteArgs) (*peer.Ack, error) {
	return c.PostQuotes(ctx, a.Request, a.FSPID)
}
