package telemetry

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spatialtag/internal/domain/entity"
)

func TestMetricsRecord(t *testing.T) {
	m := NewMetrics("spatialtag")

	m.Operation("create_tag", "success", 20*time.Millisecond)
	m.Operation("create_tag", "validation_failed", time.Millisecond)
	m.CacheResult("nearby", "hit")
	m.CacheResult("nearby", "hit")
	m.LifecycleTransitions(entity.StateExpired, 3)
	m.LifecycleTransitions(entity.StateDeleted, 0)
	m.LifecycleFailures(1)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("create_tag", "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.cache.WithLabelValues("nearby", "hit")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.transitions.WithLabelValues("expired")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sweepFailures))
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics("spatialtag")
	m.RegisterIndexSize("spatialtag", func() int { return 7 })
	m.Operation("get_nearby_tags", "success", time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "spatialtag_index_records 7")
	assert.Contains(t, string(body), `spatialtag_operations_total{operation="get_nearby_tags",status="success"} 1`)
}

func TestSetupTracingDisabled(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), TracingConfig{Enabled: true})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
