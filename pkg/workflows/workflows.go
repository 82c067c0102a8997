// Package workflows holds the request/callback workflows built on async2sync.
package workflows

import (
	"encoding/json"

	schema "github.com/google/jsonschema-go/jsonschema"

	"github.com/wilhg/schemeadapter/pkg/async2sync"
	"github.com/wilhg/schemeadapter/pkg/errmodel"
)

// Generators, one per workflow.
var (
	Quotes         = async2sync.NewGenerator[QuoteArgs](quoteStrategy{})
	Transfers      = async2sync.NewGenerator[TransferArgs](transferStrategy{})
	Authorizations = async2sync.NewGenerator[AuthorizationArgs](authorizationStrategy{})
	Parties        = async2sync.NewGenerator[PartyArgs](partyStrategy{})
	BulkQuotes     = async2sync.NewGenerator[BulkQuoteArgs](bulkQuoteStrategy{})
)

// requestSchema is the shared shape of id + request body arguments.
func requestSchema(name, idField string) *async2sync.ArgsSchema {
	return async2sync.CompileArgsSchema(name, async2sync.Object(map[string]*schema.Schema{
		idField:   async2sync.RequiredString(),
		"fspId":   {Type: "string"},
		"request": {Type: "object"},
	}, idField, "request"))
}

// checkPayloadID fails when the request body carries field with a value other than id.
func checkPayloadID(model string, body json.RawMessage, field, id string) error {
	if len(body) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return errmodel.Validation("invalid_request", "request body is not a JSON object", map[string]any{"model": model})
	}
	v, ok := m[field]
	if !ok {
		return nil
	}
	if s, _ := v.(string); s != id {
		return errmodel.Validation("id_mismatch", field+" in request body differs from the request id", map[string]any{
			"model": model,
			"field": field,
			"id":    id,
		})
	}
	return nil
}
