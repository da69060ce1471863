package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/search-projector/internal/fault"
	"github.com/d60-Lab/search-projector/internal/model"
)

func TestPrewarmedSeriesAreExposed(t *testing.T) {
	m := New()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)

	for _, want := range []string{
		`outbox_processed_total{op="upsert"} 0`,
		`outbox_retry_scheduled_total{op="delete",reason="es_429"} 0`,
		`outbox_terminal_failed_total{op="upsert",reason="es_4xx"} 0`,
		`outbox_failed_total{op="upsert",reason="es_unknown"} 0`,
		`outbox_idempotent_noop_total{op="delete",reason="not_found"} 0`,
		`outbox_es_bulk_requests_total{result="partial"} 0`,
		`outbox_es_bulk_items_total{op="index",result="success"} 0`,
		`outbox_es_bulk_item_failures_total{failure_class="4xx",op="index"} 0`,
		`outbox_owner_mismatch_skips_total 0`,
		`outbox_lag_events 0`,
	} {
		assert.Contains(t, text, want)
	}
}

func TestReasonSeriesCount(t *testing.T) {
	m := New()
	ch := make(chan prometheus.Metric, 64)
	m.RetryScheduled.Collect(ch)
	close(ch)
	assert.Len(t, ch, len(model.Ops)*len(fault.FailureReasons()))
}

func TestFailureClass(t *testing.T) {
	assert.Equal(t, "4xx", FailureClass(fault.ReasonES4xx))
	assert.Equal(t, "429", FailureClass(fault.ReasonES429))
	assert.Equal(t, "unknown", FailureClass(fault.ReasonESUnknown))
	assert.Equal(t, "request", FailureClass(fault.ReasonESTimeout))
}
