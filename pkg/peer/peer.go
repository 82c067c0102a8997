// Package peer is the outbound side of the scheme: one method per FSPIOP
// operation, each returning only the transport acknowledgement. Business
// results arrive later as callbacks.
package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/wilhg/schemeadapter/pkg/errmodel"
)

// Ack is the immediate acknowledgement of an outbound request.
type Ack struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// Client issues scheme requests. destination is the FSP id the request is
// routed to; empty means the switch decides.
type Client interface {
	PostQuotes(ctx context.Context, body any, destination string) (*Ack, error)
	PostTransfers(ctx context.Context, body any, destination string) (*Ack, error)
	PostAuthorizations(ctx context.Context, body any, destination string) (*Ack, error)
	GetParties(ctx context.Context, partyType, partyID, subID, destination string) (*Ack, error)
	PostBulkQuotes(ctx context.Context, body any, destination string) (*Ack, error)
}

// Config configures an HTTPClient.
type Config struct {
	// BaseURL of the switch (or peer FSP) endpoint.
	BaseURL string
	// Source is sent as FSPIOP-Source.
	Source  string
	Timeout time.Duration
}

// HTTPClient talks FSPIOP over HTTP.
type HTTPClient struct {
	base   *url.URL
	source string
	hc     *http.Client
	log    *zap.Logger
}

// Option customizes an HTTPClient.
type Option func(*HTTPClient)

// WithHTTPClient replaces the underlying client. Its transport is wrapped with otelhttp.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) {
		if hc != nil {
			c.hc = hc
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *HTTPClient) {
		if l != nil {
			c.log = l
		}
	}
}

// NewHTTPClient validates cfg and returns a client.
func NewHTTPClient(cfg Config, opts ...Option) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, errmodel.Validation("peer_base_url_required", "peer base url is empty", nil)
	}
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, errmodel.Validation("peer_base_url_invalid", "peer base url is invalid", map[string]any{"url": cfg.BaseURL})
	}
	to := cfg.Timeout
	if to <= 0 {
		to = 10 * time.Second
	}
	c := &HTTPClient{base: u, source: cfg.Source, hc: &http.Client{Timeout: to}, log: zap.NewNop()}
	for _, o := range opts {
		o(c)
	}
	base := c.hc.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	wrapped := *c.hc
	wrapped.Transport = otelhttp.NewTransport(base)
	c.hc = &wrapped
	return c, nil
}

func (c *HTTPClient) PostQuotes(ctx context.Context, body any, destination string) (*Ack, error) {
	return c.do(ctx, http.MethodPost, "quotes", "/quotes", body, destination)
}

func (c *HTTPClient) PostTransfers(ctx context.Context, body any, destination string) (*Ack, error) {
	return c.do(ctx, http.MethodPost, "transfers", "/transfers", body, destination)
}

func (c *HTTPClient) PostAuthorizations(ctx context.Context, body any, destination string) (*Ack, error) {
	return c.do(ctx, http.MethodPost, "authorizations", "/authorizations", body, destination)
}

func (c *HTTPClient) PostBulkQuotes(ctx context.Context, body any, destination string) (*Ack, error) {
	return c.do(ctx, http.MethodPost, "bulkQuotes", "/bulkQuotes", body, destination)
}

func (c *HTTPClient) GetParties(ctx context.Context, partyType, partyID, subID, destination string) (*Ack, error) {
	p := "/parties/" + url.PathEscape(partyType) + "/" + url.PathEscape(partyID)
	if subID != "" {
		p += "/" + url.PathEscape(subID)
	}
	return c.do(ctx, http.MethodGet, "parties", p, nil, destination)
}

func (c *HTTPClient) do(ctx context.Context, method, resource, path string, body any, destination string) (*Ack, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, errmodel.Validation("peer_body_encode", "request body is not encodable", map[string]any{"resource": resource})
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, rd)
	if err != nil {
		return nil, errmodel.System("peer_request_build", "cannot build peer request", map[string]any{"resource": resource}, err)
	}
	ct := fmt.Sprintf("application/vnd.interoperability.%s+json;version=1.0", resource)
	req.Header.Set("Accept", ct)
	if body != nil {
		req.Header.Set("Content-Type", ct)
	}
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	if c.source != "" {
		req.Header.Set("FSPIOP-Source", c.source)
	}
	if destination != "" {
		req.Header.Set("FSPIOP-Destination", destination)
	}

	res, err := c.hc.Do(req)
	if err != nil {
		return nil, errmodel.New(errmodel.CategoryNetwork, "peer_unreachable", "peer request failed", map[string]any{"resource": resource}, err)
	}
	defer func() { _ = res.Body.Close() }()
	raw, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))

	ack := &Ack{Status: res.StatusCode}
	if len(bytes.TrimSpace(raw)) > 0 && json.Valid(raw) {
		ack.Body = raw
	}
	if res.StatusCode >= 300 {
		c.log.Warn("peer rejected request", zap.String("resource", resource), zap.Int("status", res.StatusCode))
		if pe := ErrorFromPayload(raw); pe != nil {
			return ack, pe
		}
		return ack, errmodel.Peer(fmt.Sprintf("http_%d", res.StatusCode), "peer rejected request", ack.Body)
	}
	return ack, nil
}

// ErrorInformation is the FSPIOP error object.
type ErrorInformation struct {
	ErrorCode        string          `json:"errorCode"`
	ErrorDescription string          `json:"errorDescription"`
	ExtensionList    json.RawMessage `json:"extensionList,omitempty"`
}

// ErrorFromPayload returns a peer error when raw carries errorInformation, nil otherwise.
func ErrorFromPayload(raw []byte) *errmodel.Error {
	if len(raw) == 0 {
		return nil
	}
	var env struct {
		ErrorInformation *ErrorInformation `json:"errorInformation"`
	}
	if err := json.Unmarshal(raw, &env); err != nil || env.ErrorInformation == nil {
		return nil
	}
	ei := env.ErrorInformation
	return errmodel.Peer(ei.ErrorCode, ei.ErrorDescription, raw)
}
