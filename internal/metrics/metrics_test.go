package metrics

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jfld/web3-fk/pkg/utils"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagersDoNotShareRegistry(t *testing.T) {
	a := NewManager()
	b := NewManager()

	a.ObserveBlock("ethereum", 10, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(a.GetPrometheusMetrics().BlocksProcessedTotal.WithLabelValues("ethereum")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.GetPrometheusMetrics().BlocksProcessedTotal.WithLabelValues("ethereum")))
	assert.Equal(t, 10.0, testutil.ToFloat64(a.GetPrometheusMetrics().CurrentBlockNumber.WithLabelValues("ethereum")))
}

func TestObserveErrorLabelsClass(t *testing.T) {
	m := NewManager()

	m.ObserveError("bsc", "ingest", errors.New("rpc timeout"))
	m.ObserveError("bsc", "publish", utils.NewAppError(utils.ErrCodeQueueFull, "full"))
	m.ObserveError("bsc", "publish", nil)

	p := m.GetPrometheusMetrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(p.ErrorsTotal.WithLabelValues("bsc", "ingest", utils.ClassTransient)))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.ErrorsTotal.WithLabelValues("bsc", "publish", utils.ClassResource)))
}

func TestUpdateChainHead(t *testing.T) {
	p := NewManager().GetPrometheusMetrics()

	p.UpdateChainHead("polygon", 120, 100)
	assert.Equal(t, 20.0, testutil.ToFloat64(p.BlocksBehind.WithLabelValues("polygon")))

	p.UpdateChainHead("polygon", 90, 100)
	assert.Equal(t, 0.0, testutil.ToFloat64(p.BlocksBehind.WithLabelValues("polygon")))
}

func TestHandlerServesRegistry(t *testing.T) {
	m := NewManager()
	m.ObserveTransaction("ethereum", time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `web3_transactions_processed_total{network="ethereum"} 1`)
}

func TestPerformanceTrackerWindow(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	pt := newPerformanceTracker(func() time.Time { return now })

	for i := 0; i < 60; i++ {
		pt.ObserveTransaction(10 * time.Millisecond)
	}
	pt.ObserveBlock(200 * time.Millisecond)
	pt.ObserveBlock(400 * time.Millisecond)
	pt.ObserveError()
	pt.ObserveAlert()

	// Two hours ago; outside a one hour window
	now = now.Add(-2 * time.Hour)
	pt.ObserveBlock(time.Second)
	now = now.Add(2 * time.Hour)

	stats := pt.Stats(time.Hour)
	assert.InDelta(t, 60.0/3600.0, stats.ProcessedTxPerSecond, 1e-9)
	assert.InDelta(t, 2.0, stats.ProcessedBlocksPerHour, 1e-9)
	assert.InDelta(t, 1.0/62.0, stats.ErrorRate, 1e-9)
	assert.Equal(t, 300*time.Millisecond, stats.AvgProcessingTime)
	assert.Equal(t, 10*time.Millisecond, stats.AvgTxProcessingTime)
	assert.InDelta(t, 1.0, stats.AlertsPerHour, 1e-9)

	wide := pt.Stats(3 * time.Hour)
	assert.InDelta(t, 1.0, wide.ProcessedBlocksPerHour, 1e-9)
}

func TestPerformanceTrackerEmpty(t *testing.T) {
	stats := NewPerformanceTracker().Stats(0)
	assert.Equal(t, time.Hour, stats.Window)
	assert.Zero(t, stats.ErrorRate)
	assert.Zero(t, stats.AvgProcessingTime)
}
