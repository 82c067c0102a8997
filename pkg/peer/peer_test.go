package peer

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wilhg/schemeadapter/pkg/errmodel"
)

func TestPostQuotes_SendsSchemeHeaders(t *testing.T) {
	var gotPath, gotCT, gotSrc, gotDst string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotCT = r.Header.Get("Content-Type")
		gotSrc = r.Header.Get("FSPIOP-Source")
		gotDst = r.Header.Get("FSPIOP-Destination")
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &gotBody)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c, err := NewHTTPClient(Config{BaseURL: srv.URL + "/", Source: "payerfsp"})
	require.NoError(t, err)

	ack, err := c.PostQuotes(context.Background(), map[string]any{"quoteId": "q1"}, "payeefsp")
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, ack.Status)
	assert.Equal(t, "/quotes", gotPath)
	assert.Equal(t, "application/vnd.interoperability.quotes+json;version=1.0", gotCT)
	assert.Equal(t, "payerfsp", gotSrc)
	assert.Equal(t, "payeefsp", gotDst)
	assert.Equal(t, "q1", gotBody["quoteId"])
}

func TestGetParties_BuildsPath(t *testing.T) {
	var gotPath, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotMethod = r.URL.Path, r.Method
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c, err := NewHTTPClient(Config{BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = c.GetParties(context.Background(), "MSISDN", "123456", "sub", "")
	require.NoError(t, err)
	assert.Equal(t, http.MethodGet, gotMethod)
	assert.Equal(t, "/parties/MSISDN/123456/sub", gotPath)
}

func TestDo_RejectionCarriesErrorInformation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"errorInformation":{"errorCode":"3100","errorDescription":"Generic validation error"}}`))
	}))
	defer srv.Close()

	c, err := NewHTTPClient(Config{BaseURL: srv.URL})
	require.NoError(t, err)
	ack, err := c.PostTransfers(context.Background(), map[string]any{"transferId": "t1"}, "")
	require.Error(t, err)
	ce := errmodel.From(err)
	assert.Equal(t, errmodel.CategoryPeer, ce.Category)
	assert.Equal(t, "3100", ce.Code)
	assert.Contains(t, string(ce.Scheme), "Generic validation error")
	assert.Equal(t, http.StatusBadRequest, ack.Status)
}

func TestDo_UnreachableIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	base := srv.URL
	srv.Close()

	c, err := NewHTTPClient(Config{BaseURL: base})
	require.NoError(t, err)
	_, err = c.PostAuthorizations(context.Background(), map[string]any{}, "")
	assert.True(t, errmodel.IsCategory(err, errmodel.CategoryNetwork), "err=%v", err)
}

func TestErrorFromPayload(t *testing.T) {
	assert.Nil(t, ErrorFromPayload([]byte(`{"quoteId":"q1"}`)))
	assert.Nil(t, ErrorFromPayload(nil))
	pe := ErrorFromPayload([]byte(`{"errorInformation":{"errorCode":"5100","errorDescription":"Payee error"}}`))
	require.NotNil(t, pe)
	assert.Equal(t, "5100", pe.Code)
}

func TestNewHTTPClient_RequiresBaseURL(t *testing.T) {
	_, err := NewHTTPClient(Config{})
	assert.True(t, errmodel.IsCategory(err, errmodel.CategoryValidation))
}
