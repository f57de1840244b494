package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveRequest("GET", 200, 10*time.Millisecond)
	m.ObserveRequest("GET", 204, time.Millisecond)
	m.ObserveRequest("POST", 401, time.Millisecond)
	m.ObserveRequest("POST", 0, time.Millisecond)
	m.IncRetry()
	m.IncRefresh(RefreshSuccess)
	m.IncCacheRead(CacheHit)
	m.IncCacheRead(CacheHit)
	m.IncRollback()

	require.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("GET", "2xx")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("POST", "4xx")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("POST", "error")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.retries))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Refreshes(RefreshSuccess)))
	require.Equal(t, 2.0, testutil.ToFloat64(m.CacheReads(CacheHit)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Rollbacks()))
}

// TestMetrics_NilSafe — nil-получатель не паникует.
func TestMetrics_NilSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	require.NotPanics(t, func() {
		m.ObserveRequest("GET", 200, time.Millisecond)
		m.IncRetry()
		m.IncRefresh(RefreshFailure)
		m.IncCacheRead(CacheMiss)
		m.IncRollback()
	})
}
