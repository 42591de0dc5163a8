package server

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jfld/web3-fk/internal/addrset"
	"github.com/jfld/web3-fk/internal/config"
	"github.com/jfld/web3-fk/internal/filter"
	"github.com/jfld/web3-fk/internal/metrics"
	"github.com/jfld/web3-fk/internal/models"
	"github.com/jfld/web3-fk/internal/monitor"
	"github.com/jfld/web3-fk/internal/publisher"
	"github.com/jfld/web3-fk/internal/risk"
	"github.com/jfld/web3-fk/internal/stats"
	"github.com/jfld/web3-fk/internal/storage"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice = "0x1111111111111111111111111111111111111111"
	bob   = "0x2222222222222222222222222222222222222222"
)

type fakeStatus struct {
	networks  []models.NetworkStatus
	unhealthy []string
}

func (f *fakeStatus) Networks() []models.NetworkStatus {
	return f.networks
}

func (f *fakeStatus) NetworkStats(name string) (monitor.NetworkStats, bool) {
	for _, n := range f.networks {
		if n.Name == name {
			return monitor.NetworkStats{NetworkStatus: n}, true
		}
	}
	return monitor.NetworkStats{}, false
}

func (f *fakeStatus) Healthy() (bool, []string) {
	return len(f.unhealthy) < len(f.networks), f.unhealthy
}

func (f *fakeStatus) IsRunning() bool { return true }

type fakePublisher struct{ stats publisher.Stats }

func (f *fakePublisher) Stats() publisher.Stats { return f.stats }

type testEnv struct {
	server   *HTTPServer
	status   *fakeStatus
	store    storage.Store
	stats    *stats.Aggregator
	filter   *filter.Engine
	detector *risk.Detector
	metrics  *metrics.Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	store := storage.NewRedisStore(storage.Options{Address: mr.Addr()})
	require.NoError(t, store.Connect(context.Background()))
	t.Cleanup(func() { store.Close() })

	m := metrics.NewManager()
	status := &fakeStatus{networks: []models.NetworkStatus{
		{Name: "bsc", IsHealthy: true, State: "CONNECTED", SourceKind: "poll"},
		{Name: "ethereum", IsHealthy: true, State: "CONNECTED", SourceKind: "push"},
	}}
	env := &testEnv{
		status:   status,
		store:    store,
		stats:    stats.NewAggregator(store),
		filter:   filter.NewEngine(nil, addrset.New(), addrset.New(), store, m),
		detector: risk.NewDetector(addrset.New(), addrset.New(), risk.Options{}),
		metrics:  m,
	}
	env.server = NewHTTPServer(
		config.ServerConfig{EnableHealth: true, EnableMetrics: true},
		config.AppConfig{Name: "web3-fk", Version: "test"},
		Dependencies{
			Monitor:   status,
			Store:     store,
			Stats:     env.stats,
			Filter:    env.filter,
			Detector:  env.detector,
			Publisher: &fakePublisher{stats: publisher.Stats{Transport: "log"}},
			Metrics:   m,
		},
	)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)

	var out map[string]interface{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	rec, body := env.do(t, http.MethodGet, "/api/v1/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "test", body["version"])

	env.status.unhealthy = []string{"ethereum"}
	_, body = env.do(t, http.MethodGet, "/api/v1/health", "")
	assert.Equal(t, "degraded", body["status"])

	env.status.unhealthy = []string{"bsc", "ethereum"}
	rec, body = env.do(t, http.MethodGet, "/api/v1/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unhealthy", body["status"])
}

func TestDetailedHealth(t *testing.T) {
	env := newTestEnv(t)

	rec, body := env.do(t, http.MethodGet, "/api/v1/health/detailed", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "redis", body["backend"])

	components := body["components"].(map[string]interface{})
	storageHealth := components["storage"].(map[string]interface{})
	assert.Equal(t, true, storageHealth["healthy"])
	assert.Contains(t, components, "publisher")

	gauge := env.metrics.GetPrometheusMetrics().ComponentHealth.WithLabelValues("storage")
	assert.Equal(t, 1.0, testutil.ToFloat64(gauge))
}

func TestStatusAndNetworks(t *testing.T) {
	env := newTestEnv(t)

	rec, body := env.do(t, http.MethodGet, "/api/v1/status", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "web3-fk", body["app"])
	assert.Equal(t, true, body["running"])
	assert.Contains(t, body, "publisher")
	assert.Contains(t, body, "performance")

	_, body = env.do(t, http.MethodGet, "/api/v1/networks", "")
	assert.Equal(t, 2.0, body["count"])
}

func TestNetworkStats(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec, _ := env.do(t, http.MethodGet, "/api/v1/networks/polygon/stats", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, env.store.SetLatestBlock(ctx, &models.LatestBlockInfo{
		Network: "ethereum", Number: 42, Hash: "0xabc", TxCount: 3, UpdatedAt: time.Now(),
	}))
	rec, body := env.do(t, http.MethodGet, "/api/v1/networks/ethereum/stats", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	latest := body["latest_block_info"].(map[string]interface{})
	assert.Equal(t, 42.0, latest["number"])
	network := body["network"].(map[string]interface{})
	assert.Equal(t, "push", network["source_kind"])
}

func TestAddressProfile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec, _ := env.do(t, http.MethodGet, "/api/v1/networks/ethereum/addresses/nothex", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = env.do(t, http.MethodGet, "/api/v1/networks/ethereum/addresses/"+alice, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, env.stats.Update(ctx, alice, "ethereum", big.NewInt(500), true, time.Unix(1700000000, 0)))
	rec, body := env.do(t, http.MethodGet, "/api/v1/networks/ethereum/addresses/"+alice, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.0, body["sent_count"])
	assert.Equal(t, alice, body["address"])
}

func TestAlerts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.store.RecordHighRisk(ctx, &models.HighRiskRecord{
		Hash:      "0xfeed",
		Network:   "bsc",
		RiskScore: 0.9,
		RiskType:  models.RiskTypeBlacklist,
		Timestamp: time.Unix(1700000000, 0),
	}))

	rec, body := env.do(t, http.MethodGet, "/api/v1/networks/bsc/alerts?limit=10", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.0, body["count"])

	rec, _ = env.do(t, http.MethodGet, "/api/v1/networks/bsc/alerts?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	_, body = env.do(t, http.MethodGet, "/api/v1/networks/ethereum/alerts", "")
	assert.Equal(t, 0.0, body["count"])
}

func TestPerformance(t *testing.T) {
	env := newTestEnv(t)
	env.metrics.ObserveBlock("ethereum", 1, 20*time.Millisecond)

	rec, body := env.do(t, http.MethodGet, "/api/v1/metrics/performance?window=30m", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Greater(t, body["processed_blocks_per_hour"].(float64), 0.0)

	rec, _ = env.do(t, http.MethodGet, "/api/v1/metrics/performance?window=soon", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFilterAdministration(t *testing.T) {
	env := newTestEnv(t)

	rec, body := env.do(t, http.MethodPost, "/api/v1/filter/exclude", `{"address":"`+bob+`"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []interface{}{bob}, body["exclude_contracts"])

	rec, _ = env.do(t, http.MethodPost, "/api/v1/filter/include", `{"addresses":["`+alice+`"]}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{alice}, env.filter.Stats().IncludeAddresses)

	rec, _ = env.do(t, http.MethodDelete, "/api/v1/filter/exclude", `{"address":"`+bob+`"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, env.filter.Stats().ExcludeContracts)

	rec, _ = env.do(t, http.MethodPost, "/api/v1/filter/exclude", `{"address":"0x12"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = env.do(t, http.MethodPost, "/api/v1/filter/exclude", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBlacklistAdministration(t *testing.T) {
	env := newTestEnv(t)

	rec, body := env.do(t, http.MethodPost, "/api/v1/risk/blacklist", `{"addresses":["`+alice+`","`+bob+`"]}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2.0, body["count"])
	assert.True(t, env.detector.IsBlacklisted(alice))

	rec, _ = env.do(t, http.MethodDelete, "/api/v1/risk/blacklist", `{"address":"`+alice+`"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, env.detector.IsBlacklisted(alice))

	_, body = env.do(t, http.MethodGet, "/api/v1/risk/blacklist", "")
	assert.Equal(t, []interface{}{bob}, body["addresses"])
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodGet, "/api/v1/networks", "")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/api/v1/networks")
}
