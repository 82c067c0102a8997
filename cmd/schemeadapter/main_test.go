package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wilhg/schemeadapter/internal/config"
	"github.com/wilhg/schemeadapter/pkg/bulk"
)

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.String(), "schemeadapter dev") {
		t.Fatalf("version output=%q", out.String())
	}
}

func TestApp_AcceptsBulkAndRecordsIt(t *testing.T) {
	cfg := config.Default()
	cfg.Bulk.PollInterval = 10 * time.Millisecond
	// unreachable peer: lookups fail fast and the bulk still progresses
	cfg.Peer.Endpoint = "http://127.0.0.1:1"
	cfg.Peer.CallbackTimeout = time.Second

	a, err := buildApp(t.Context(), cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(a.close)

	srv := httptest.NewServer(a.handler)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	a.consume(gctx, g)
	t.Cleanup(func() {
		cancel()
		_ = g.Wait()
		a.dispatcher.Wait()
		a.repo.WaitBackfills()
	})

	body := `{"bulkTransactionId":"bulk-1","bulkHomeTransactionID":"h1","options":{"autoAcceptParty":{"enabled":true}},
		"from":{"partyIdInfo":{"partyIdType":"MSISDN","partyIdentifier":"1"}},
		"individualTransfers":[{"homeTransactionId":"x","to":{"partyIdInfo":{"partyIdType":"MSISDN","partyIdentifier":"2"}},"amountType":"SEND","currency":"USD","amount":"1"}]}`
	res, err := http.Post(srv.URL+"/bulkTransactions", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	_ = res.Body.Close()
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("status=%d", res.StatusCode)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		res, err := http.Get(srv.URL + "/bulkTransactions/bulk-1")
		if err != nil {
			t.Fatal(err)
		}
		var agg bulk.Aggregate
		_ = json.NewDecoder(res.Body).Decode(&agg)
		_ = res.Body.Close()
		if res.StatusCode == http.StatusOK && agg.State == bulk.StateAgreementCompleted {
			if agg.Counters.PartyLookupFailed != 1 {
				t.Fatalf("counters=%+v", agg.Counters)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("bulk not completed, last state %q", agg.State)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
