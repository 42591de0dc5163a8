package metrics

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/jfld/web3-fk/pkg/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Manager handles all application metrics
type Manager struct {
	registry    *prometheus.Registry
	prometheus  *PrometheusMetrics
	performance *PerformanceTracker
	logger      *logrus.Entry
	startTime   time.Time
}

// NewManager creates a metrics manager with its own registry
func NewManager() *Manager {
	registry := prometheus.NewRegistry()
	return &Manager{
		registry:    registry,
		prometheus:  NewPrometheusMetrics(registry),
		performance: NewPerformanceTracker(),
		logger:      utils.WithComponent("metrics"),
		startTime:   time.Now(),
	}
}

// GetPrometheusMetrics returns the Prometheus metrics instance
func (m *Manager) GetPrometheusMetrics() *PrometheusMetrics {
	return m.prometheus
}

// Registry returns the registry all metrics are registered on
func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}

// Performance returns the sliding window tracker
func (m *Manager) Performance() *PerformanceTracker {
	return m.performance
}

// Handler returns the /metrics HTTP handler
func (m *Manager) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveBlock records a fully processed block
func (m *Manager) ObserveBlock(network string, number uint64, d time.Duration) {
	m.prometheus.RecordBlockProcessed(network, number, d)
	m.performance.ObserveBlock(d)
}

// ObserveTransaction records a processed transaction
func (m *Manager) ObserveTransaction(network string, d time.Duration) {
	m.prometheus.RecordTransactionProcessed(network, d)
	m.performance.ObserveTransaction(d)
}

// ObserveAlert records a generated alert
func (m *Manager) ObserveAlert(network, level, riskType string) {
	m.prometheus.RecordAlert(network, level, riskType)
	m.performance.ObserveAlert()
}

// ObserveError records err against a pipeline stage, labelled by its class
func (m *Manager) ObserveError(network, stage string, err error) {
	if err == nil {
		return
	}
	m.prometheus.RecordError(network, stage, utils.Classify(err))
	m.performance.ObserveError()
}

// UpdateSystemMetrics updates system-level metrics like memory and goroutines
func (m *Manager) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.prometheus.UpdateMemoryUsage(memStats.Alloc)
	m.prometheus.UpdateGoroutineCount(runtime.NumGoroutine())
	m.prometheus.UpdateApplicationUptime(m.startTime)
}

// Run refreshes system metrics every interval until ctx is done
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.UpdateSystemMetrics()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.UpdateSystemMetrics()
		}
	}
}
