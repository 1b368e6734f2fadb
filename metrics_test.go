package edgepurge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/UniQw/edgepurge/driver/drivertest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	m.setDepth("q", 1, 1)
	m.intent("1", IntentPost, "expanded")
	m.items("1", "url", "ok", 3)
	m.request("d", "purge_urls", nil, time.Millisecond)
	m.burst("1", time.Millisecond)
}

func TestMetrics_BurstPublishesGauges(t *testing.T) {
	store, _ := newMiniStore(t)
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	drv := drivertest.New(30)
	drv.FailURLs(errors.New("upstream 502"))
	svc := newTestService(t, store, "1", newFakeResolver(), drv,
		WithMetrics(m), WithConfig(Config{MaxAttempts: 1, URLBatches: 1}))
	ctx := context.Background()

	_, err := svc.EnqueueURLPurge(ctx, "https://example.test/a/")
	require.NoError(t, err)
	_, err = svc.EnqueueURLPurge(ctx, "https://example.test/b/")
	require.NoError(t, err)

	_, skipped, err := svc.Burst(ctx)
	require.NoError(t, err)
	require.False(t, skipped)

	require.Equal(t, float64(0), testutil.ToFloat64(m.depth.WithLabelValues("urls:1")))
	require.Equal(t, float64(2), testutil.ToFloat64(m.failed.WithLabelValues("urls:1")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.requests.WithLabelValues("recorder", "purge_urls", "error")))
	require.Equal(t, float64(2), testutil.ToFloat64(m.dispatched.WithLabelValues("1", "url", "error")))

	n, err := testutil.GatherAndCount(reg, "edgepurge_queue_failed_items")
	require.NoError(t, err)
	require.Equal(t, 2, n, "one series per queue")
}

func TestNewMetrics_NilRegisterer(t *testing.T) {
	m := NewMetrics(nil)
	m.setDepth("q", 3, 0)
	require.Equal(t, float64(3), testutil.ToFloat64(m.depth.WithLabelValues("q")))
}
