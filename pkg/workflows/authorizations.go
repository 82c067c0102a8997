package workflows

import (
	"context"
	"encoding/json"

	"github.com/wilhg/schemeadapter/pkg/peer"
)

// AuthorizationArgs identify one POST /authorizations exchange.
type AuthorizationArgs struct {
	TransactionRequestID string          `json:"transactionRequestId"`
	FSPID                string          `json:"fspId,omitempty"`
	Request              json.RawMessage `json:"request"`
}

var authorizationSchema = requestSchema("authorizations", "transactionRequestId")

type authorizationStrategy struct{}

func (authorizationStrategy) ModelName() string { return "AuthorizationsModel" }

func (authorizationStrategy) ChannelName(a AuthorizationArgs) string {
	return "authorizations-" + a.TransactionRequestID
}

func (authorizationStrategy) ValidateArgs(a AuthorizationArgs) error {
	if err := authorizationSchema.Validate(a); err != nil {
		return err
	}
	return checkPayloadID("AuthorizationsModel", a.Request, "transactionRequestId", a.TransactionRequestID)
}

func (authorizationStrategy) RequestAction(ctx context.Context, c peer.Client, a AuthorizationArgs) (*peer.Ack, error) {
	return c.PostAuthorizations(ctx, a.Request, a.FSPID)
}
