// Package server exposes the workflows and the bulk orchestrator over HTTP.
package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/wilhg/schemeadapter/pkg/async2sync"
	"github.com/wilhg/schemeadapter/pkg/bulk"
	"github.com/wilhg/schemeadapter/pkg/bus"
	"github.com/wilhg/schemeadapter/pkg/errmodel"
	"github.com/wilhg/schemeadapter/pkg/metrics"
	"github.com/wilhg/schemeadapter/pkg/workflows"
)

const maxBody = 1 << 20

// BulkReader loads bulk aggregates.
type BulkReader interface {
	Load(ctx context.Context, id string) (*bulk.Aggregate, error)
}

// Deps are the collaborators of the HTTP handlers.
type Deps struct {
	// Workflows configures the request/callback workflows; its Cache also carries
	// the callbacks to waiting workflows.
	Workflows async2sync.Config
	Commands  bus.Publisher
	Bulk      BulkReader
	Gatherer  prometheus.Gatherer
	Logger    *zap.Logger
	NewID     func() string
}

type server struct {
	Deps
	log *zap.Logger
}

// New builds the instrumented HTTP handler.
func New(d Deps) http.Handler {
	s := &server{Deps: d, log: d.Logger}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.NewID == nil {
		s.NewID = uuid.NewString
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if d.Gatherer != nil {
		mux.Handle("GET /metrics", metrics.Handler(d.Gatherer))
	}

	mux.HandleFunc("POST /quotes", s.postQuotes)
	mux.HandleFunc("POST /transfers", s.postTransfers)
	mux.HandleFunc("POST /authorizations", s.postAuthorizations)
	mux.HandleFunc("GET /parties/{type}/{id}", s.getParties)
	mux.HandleFunc("GET /parties/{type}/{id}/{subId}", s.getParties)

	for _, suffix := range []string{"", "/error"} {
		mux.HandleFunc("PUT /quotes/{id}"+suffix, s.putQuotes)
		mux.HandleFunc("PUT /transfers/{id}"+suffix, s.putTransfers)
		mux.HandleFunc("PUT /authorizations/{id}"+suffix, s.putAuthorizations)
		mux.HandleFunc("PUT /bulkQuotes/{id}"+suffix, s.putBulkQuotes)
		mux.HandleFunc("PUT /parties/{type}/{id}"+suffix, s.putParties)
	}
	mux.HandleFunc("PUT /parties/{type}/{id}/{subId}", s.putParties)
	mux.HandleFunc("PUT /parties/{type}/{id}/{subId}/error", s.putParties)

	mux.HandleFunc("POST /bulkTransactions", s.postBulk)
	mux.HandleFunc("PUT /bulkTransactions/{id}", s.putBulkAccept)
	mux.HandleFunc("GET /bulkTransactions/{id}", s.getBulk)
	mux.HandleFunc("POST /bulkTransactions/commands", s.postBulkCommand)

	return otelhttp.NewHandler(mux, "schemeadapter")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// readObject returns the request body, which must be a JSON object.
func readObject(r *http.Request) (json.RawMessage, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return nil, errmodel.Validation("unreadable_body", "request body cannot be read", nil)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, errmodel.Validation("invalid_json", "request body must be a JSON object", nil)
	}
	return raw, nil
}

// field extracts a string member of a JSON object body.
func field(body json.RawMessage, name string) string {
	var m map[string]any
	_ = json.Unmarshal(body, &m)
	s, _ := m[name].(string)
	return s
}

func destination(r *http.Request) string { return r.Header.Get("FSPIOP-Destination") }

// runSync creates a workflow for args, waits for its callback and writes the result.
func runSync[A any](s *server, w http.ResponseWriter, r *http.Request, g *async2sync.Generator[A], args A) {
	m, err := g.Create(r.Context(), args, "", s.Workflows)
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	resp, err := m.Run(r.Context())
	if err != nil {
		s.log.Info("workflow failed", zap.String("model", g.ModelName()), zap.String("key", m.Key()), zap.Error(err))
		errmodel.WriteHTTP(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) postQuotes(w http.ResponseWriter, r *http.Request) {
	body, err := readObject(r)
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	runSync(s, w, r, workflows.Quotes, workflows.QuoteArgs{QuoteID: field(body, "quoteId"), FSPID: destination(r), Request: body})
}

func (s *server) postTransfers(w http.ResponseWriter, r *http.Request) {
	body, err := readObject(r)
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	runSync(s, w, r, workflows.Transfers, workflows.TransferArgs{TransferID: field(body, "transferId"), FSPID: destination(r), Request: body})
}

func (s *server) postAuthorizations(w http.ResponseWriter, r *http.Request) {
	body, err := readObject(r)
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	runSync(s, w, r, workflows.Authorizations, workflows.AuthorizationArgs{
		TransactionRequestID: field(body, "transactionRequestId"),
		FSPID:                destination(r),
		Request:              body,
	})
}

func (s *server) getParties(w http.ResponseWriter, r *http.Request) {
	runSync(s, w, r, workflows.Parties, workflows.PartyArgs{
		Type:  r.PathValue("type"),
		ID:    r.PathValue("id"),
		SubID: r.PathValue("subId"),
		FSPID: destination(r),
	})
}

// trigger hands a callback body to the workflow waiting on its channel.
func trigger[A any](s *server, w http.ResponseWriter, r *http.Request, g *async2sync.Generator[A], args func(body json.RawMessage) A) {
	body, err := readObject(r)
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	if err := g.TriggerDeferredJob(r.Context(), s.Workflows.Cache, body, args(body)); err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *server) putQuotes(w http.ResponseWriter, r *http.Request) {
	trigger(s, w, r, workflows.Quotes, func(body json.RawMessage) workflows.QuoteArgs {
		return workflows.QuoteArgs{QuoteID: r.PathValue("id"), Request: body}
	})
}

func (s *server) putTransfers(w http.ResponseWriter, r *http.Request) {
	trigger(s, w, r, workflows.Transfers, func(body json.RawMessage) workflows.TransferArgs {
		return workflows.TransferArgs{TransferID: r.PathValue("id"), Request: body}
	})
}

func (s *server) putAuthorizations(w http.ResponseWriter, r *http.Request) {
	trigger(s, w, r, workflows.Authorizations, func(body json.RawMessage) workflows.AuthorizationArgs {
		return workflows.AuthorizationArgs{TransactionRequestID: r.PathValue("id"), Request: body}
	})
}

func (s *server) putBulkQuotes(w http.ResponseWriter, r *http.Request) {
	trigger(s, w, r, workflows.BulkQuotes, func(body json.RawMessage) workflows.BulkQuoteArgs {
		return workflows.BulkQuoteArgs{BulkQuoteID: r.PathValue("id"), Request: body}
	})
}

func (s *server) putParties(w http.ResponseWriter, r *http.Request) {
	trigger(s, w, r, workflows.Parties, func(json.RawMessage) workflows.PartyArgs {
		return workflows.PartyArgs{Type: r.PathValue("type"), ID: r.PathValue("id"), SubID: r.PathValue("subId")}
	})
}

func (s *server) publish(w http.ResponseWriter, r *http.Request, name, bulkID string, payload any) {
	cmd, err := bulk.CommandEvent(name, bulkID, payload)
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	if err := s.Commands.Publish(r.Context(), bus.CommandsTopic, cmd); err != nil {
		errmodel.WriteHTTP(w, r, errmodel.Backend("command_publish_failed", "cannot publish command", map[string]any{"bulkId": bulkID}, err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"bulkTransactionId": bulkID})
}

func (s *server) postBulk(w http.ResponseWriter, r *http.Request) {
	body, err := readObject(r)
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	var req bulk.Request
	if err := json.Unmarshal(body, &req); err != nil {
		errmodel.WriteHTTP(w, r, errmodel.Validation("invalid_bulk_request", "bulk request is not decodable", nil))
		return
	}
	id := req.BulkTransactionID
	if id == "" {
		id = s.NewID()
	}
	s.publish(w, r, bulk.ProcessSDKOutboundBulkRequest, id, bulk.BulkRequestPayload{Request: req})
}

func (s *server) putBulkAccept(w http.ResponseWriter, r *http.Request) {
	body, err := readObject(r)
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	var p bulk.AcceptPartyInfoPayload
	if err := json.Unmarshal(body, &p); err != nil {
		errmodel.WriteHTTP(w, r, errmodel.Validation("invalid_accept", "accept decisions are not decodable", nil))
		return
	}
	s.publish(w, r, bulk.ProcessSDKOutboundBulkAcceptPartyInfo, r.PathValue("id"), p)
}

func (s *server) getBulk(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	agg, err := s.Bulk.Load(r.Context(), id)
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	if !agg.Exists() {
		errmodel.WriteHTTP(w, r, errmodel.NotFound("bulk_not_found", "bulk transaction not found", map[string]any{"bulkId": id}))
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

// postBulkCommand publishes an arbitrary command: {"name", "bulkId", "payload"}.
func (s *server) postBulkCommand(w http.ResponseWriter, r *http.Request) {
	body, err := readObject(r)
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	var c struct {
		Name    string          `json:"name"`
		BulkID  string          `json:"bulkId"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(body, &c); err != nil || c.Name == "" || c.BulkID == "" {
		errmodel.WriteHTTP(w, r, errmodel.Validation("invalid_command", "command needs a name and a bulkId", nil))
		return
	}
	s.publish(w, r, c.Name, c.BulkID, c.Payload)
}
