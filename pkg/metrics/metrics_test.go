package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordDeferredJob(OutcomeTimeout, time.Second)
		c.RecordTransition("quotes", "requestAction", OutcomeSucceeded)
		c.RecordBulkCommand("ProcessPartyInfoCallback", OutcomeSucceeded)
		c.RecordDomainEvent("PartyInfoRequested")
		c.RecordStateLoad(time.Millisecond, 3)
		c.RecordOffsetBackfill()
	})
}

func TestCollectorCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordDeferredJob(OutcomeSucceeded, 10*time.Millisecond)
	c.RecordDeferredJob(OutcomeTimeout, 2*time.Second)
	c.RecordTransition("quotes", "requestAction", OutcomeSucceeded)
	c.RecordDomainEvent("PartyInfoRequested")
	c.RecordDomainEvent("PartyInfoRequested")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.deferredJobs.WithLabelValues(OutcomeTimeout)))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.domainEvents.WithLabelValues("PartyInfoRequested")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.transitions.WithLabelValues("quotes", "requestAction", OutcomeSucceeded)))

	rr := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rr.Code)
	assert.True(t, strings.Contains(rr.Body.String(), "adapter_deferred_jobs_total"))
}
