package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectorFlush(t *testing.T) {
	c := NewCollector("metrics-test-flush")

	c.RecordFlush("public.users", "size", 100, 10*time.Millisecond, nil)
	c.RecordFlush("public.users", "size", 50, time.Millisecond, errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(Flushes.WithLabelValues("metrics-test-flush", "public.users", "size", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(Flushes.WithLabelValues("metrics-test-flush", "public.users", "size", "failure")))
	assert.Equal(t, 100.0, testutil.ToFloat64(FlushedBytes.WithLabelValues("metrics-test-flush", "public.users")))
}

func TestCollectorGauges(t *testing.T) {
	c := NewCollector("metrics-test-gauges")

	c.SetMemory(30, 100)
	c.SetBuffer("orders", 12, 3)
	c.SetCheckpointsTracked(2)

	assert.Equal(t, 30.0, testutil.ToFloat64(MemoryAllocated.WithLabelValues("metrics-test-gauges")))
	assert.Equal(t, 100.0, testutil.ToFloat64(MemoryBudget.WithLabelValues("metrics-test-gauges")))
	assert.Equal(t, 12.0, testutil.ToFloat64(BufferBytes.WithLabelValues("metrics-test-gauges", "orders")))
	assert.Equal(t, 3.0, testutil.ToFloat64(BufferRecords.WithLabelValues("metrics-test-gauges", "orders")))
	assert.Equal(t, 2.0, testutil.ToFloat64(CheckpointsTracked.WithLabelValues("metrics-test-gauges")))
}

func TestHandlerServesMetrics(t *testing.T) {
	NewCollector("metrics-test-handler").RecordSkipped("malformed")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "nebula_sink_messages_skipped_total"))
}
