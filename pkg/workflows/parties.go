package workflows

import (
	"context"
	"strings"

	schema "github.com/google/jsonschema-go/jsonschema"

	"github.com/wilhg/schemeadapter/pkg/async2sync"
	"github.com/wilhg/schemeadapter/pkg/peer"
)

// PartyArgs identify one GET /parties lookup.
type PartyArgs struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	SubID string `json:"subId,omitempty"`
	FSPID string `json:"fspId,omitempty"`
}

var partySchema = async2sync.CompileArgsSchema("parties", async2sync.Object(map[string]*schema.Schema{
	"type":  {Type: "string", Pattern: "^[A-Z_]+$"},
	"id":    async2sync.RequiredString(),
	"subId": {Type: "string"},
	"fspId": {Type: "string"},
}, "type", "id"))

type partyStrategy struct{}

func (partyStrategy) ModelName() string { return "PartiesModel" }

// ChannelName joins the lookup tokens, skipping an empty sub id.
func (partyStrategy) ChannelName(a PartyArgs) string {
	tokens := []string{"parties", a.Type, a.ID}
	if a.SubID != "" {
		tokens = append(tokens, a.SubID)
	}
	return strings.Join(tokens, "-")
}

func (partyStrategy) ValidateArgs(a PartyArgs) error { return partySchema.Validate(a) }

func (partyStrategy) RequestAction(ctx context.Context, c peer.Client, a PartyArgs) (*peer.Ack, error) {
	return c.GetParties(ctx, a.Type, a.ID, a.SubID, a.FSPID)
}
