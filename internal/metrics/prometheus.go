package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics contains all Prometheus metrics for the collector
type PrometheusMetrics struct {
	// Pipeline metrics
	BlocksProcessedTotal          *prometheus.CounterVec
	TransactionsProcessedTotal    *prometheus.CounterVec
	TransactionsFilteredTotal     *prometheus.CounterVec
	BlockProcessingDuration       *prometheus.HistogramVec
	TransactionProcessingDuration *prometheus.HistogramVec
	ErrorsTotal                   *prometheus.CounterVec

	// Risk metrics
	AlertsGeneratedTotal  *prometheus.CounterVec
	RiskScoreDistribution *prometheus.HistogramVec

	// Chain metrics
	CurrentBlockNumber       *prometheus.GaugeVec
	ChainHeadBlock           *prometheus.GaugeVec
	BlocksBehind             *prometheus.GaugeVec
	ReorgsDetectedTotal      *prometheus.CounterVec
	PendingTransactionsTotal *prometheus.CounterVec
	TokenTransfersTotal      *prometheus.CounterVec

	// Connection metrics
	ConnectionStatus      *prometheus.GaugeVec
	ConnectionErrorsTotal *prometheus.CounterVec
	ReconnectsTotal       *prometheus.CounterVec
	RPCRequestsTotal      *prometheus.CounterVec
	RPCRequestDuration    *prometheus.HistogramVec

	// Publisher metrics
	MessagesPublishedTotal *prometheus.CounterVec
	MessagesDroppedTotal   *prometheus.CounterVec
	PublishRetriesTotal    prometheus.Counter
	PublishDuration        *prometheus.HistogramVec
	PublisherQueueDepth    prometheus.Gauge

	// Storage metrics
	StoreOperationsTotal   *prometheus.CounterVec
	StoreOperationDuration *prometheus.HistogramVec

	// Worker pool
	WorkersBusy prometheus.Gauge

	// API metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Application health metrics
	ApplicationUptime prometheus.Gauge
	ComponentHealth   *prometheus.GaugeVec
	MemoryUsage       prometheus.Gauge
	GoroutineCount    prometheus.Gauge
}

// NewPrometheusMetrics creates all metrics and registers them on reg
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	f := promauto.With(reg)

	return &PrometheusMetrics{
		BlocksProcessedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "web3_blocks_processed_total",
				Help: "Total number of blocks processed",
			},
			[]string{"network"},
		),

		TransactionsProcessedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "web3_transactions_processed_total",
				Help: "Total number of transactions that passed the filter and were processed",
			},
			[]string{"network"},
		),

		TransactionsFilteredTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "web3_transactions_filtered_total",
				Help: "Total number of filter reasons recorded for rejected transactions",
			},
			[]string{"network", "reason"},
		),

		BlockProcessingDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "web3_block_processing_duration_seconds",
				Help:    "Time spent processing blocks",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"network"},
		),

		TransactionProcessingDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "web3_transaction_processing_duration_seconds",
				Help:    "Time spent processing transactions",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"network"},
		),

		ErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "web3_errors_total",
				Help: "Total number of errors by stage and error class",
			},
			[]string{"network", "stage", "error_class"},
		),

		AlertsGeneratedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "web3_alerts_generated_total",
				Help: "Total number of risk alerts generated",
			},
			[]string{"network", "level", "type"},
		),

		RiskScoreDistribution: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "web3_risk_score_distribution",
				Help:    "Distribution of transaction risk scores",
				Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
			},
			[]string{"network"},
		),

		CurrentBlockNumber: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "web3_current_block_number",
				Help: "Latest block number processed per network",
			},
			[]string{"network"},
		),

		ChainHeadBlock: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "web3_chain_head_block",
				Help: "Latest head observed per network",
			},
			[]string{"network"},
		),

		BlocksBehind: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "web3_blocks_behind",
				Help: "Number of blocks between the observed head and the last processed block",
			},
			[]string{"network"},
		),

		ReorgsDetectedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "web3_reorgs_detected_total",
				Help: "Total number of chain reorganization signals observed",
			},
			[]string{"network", "signal"},
		),

		PendingTransactionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "web3_pending_transactions_total",
				Help: "Total number of pending transaction hashes observed",
			},
			[]string{"network"},
		),

		TokenTransfersTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "web3_token_transfers_total",
				Help: "Total number of ERC-20 transfer logs decoded",
			},
			[]string{"network"},
		),

		ConnectionStatus: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "web3_connection_status",
				Help: "Connection status per network (1=healthy, 0=unhealthy)",
			},
			[]string{"network"},
		),

		ConnectionErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "web3_connection_errors_total",
				Help: "Total number of connection errors",
			},
			[]string{"network", "error_type"},
		),

		ReconnectsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "web3_reconnects_total",
				Help: "Total number of reconnection attempts",
			},
			[]string{"network"},
		),

		RPCRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "web3_rpc_requests_total",
				Help: "Total number of RPC requests made to chain nodes",
			},
			[]string{"network", "method", "status"},
		),

		RPCRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "web3_rpc_request_duration_seconds",
				Help:    "Duration of RPC requests to chain nodes",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"network", "method"},
		),

		MessagesPublishedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "web3_messages_published_total",
				Help: "Total number of messages delivered to the outbound channel",
			},
			[]string{"topic"},
		),

		MessagesDroppedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "web3_messages_dropped_total",
				Help: "Total number of messages dropped before delivery",
			},
			[]string{"topic", "reason"},
		),

		PublishRetriesTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "web3_publish_retries_total",
				Help: "Total number of batch send retries",
			},
		),

		PublishDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "web3_kafka_publish_duration_seconds",
				Help:    "Time spent publishing batches to the outbound channel",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"transport"},
		),

		PublisherQueueDepth: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "web3_publisher_queue_depth",
				Help: "Number of messages waiting in the outbound queue",
			},
		),

		StoreOperationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "web3_store_operations_total",
				Help: "Total number of key-value store operations",
			},
			[]string{"backend", "operation", "status"},
		),

		StoreOperationDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "web3_store_operation_duration_seconds",
				Help:    "Duration of key-value store operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"backend", "operation"},
		),

		WorkersBusy: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "web3_workers_busy",
				Help: "Number of worker pool slots in use",
			},
		),

		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "web3_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),

		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "web3_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		ApplicationUptime: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "web3_application_uptime_seconds",
				Help: "Application uptime in seconds",
			},
		),

		ComponentHealth: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "web3_component_health",
				Help: "Health status of application components (1=healthy, 0=unhealthy)",
			},
			[]string{"component"},
		),

		MemoryUsage: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "web3_memory_usage_bytes",
				Help: "Current memory usage in bytes",
			},
		),

		GoroutineCount: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "web3_goroutines_count",
				Help: "Number of running goroutines",
			},
		),
	}
}

// RecordBlockProcessed records a processed block and its duration
func (m *PrometheusMetrics) RecordBlockProcessed(network string, blockNumber uint64, duration time.Duration) {
	m.BlocksProcessedTotal.WithLabelValues(network).Inc()
	m.BlockProcessingDuration.WithLabelValues(network).Observe(duration.Seconds())
	m.CurrentBlockNumber.WithLabelValues(network).Set(float64(blockNumber))
}

// RecordTransactionProcessed records a processed transaction
func (m *PrometheusMetrics) RecordTransactionProcessed(network string, duration time.Duration) {
	m.TransactionsProcessedTotal.WithLabelValues(network).Inc()
	m.TransactionProcessingDuration.WithLabelValues(network).Observe(duration.Seconds())
}

// RecordFiltered records the reasons a transaction was rejected
func (m *PrometheusMetrics) RecordFiltered(network string, reasons []string) {
	for _, reason := range reasons {
		m.TransactionsFilteredTotal.WithLabelValues(network, reason).Inc()
	}
}

// RecordError records an error for a pipeline stage
func (m *PrometheusMetrics) RecordError(network, stage, class string) {
	m.ErrorsTotal.WithLabelValues(network, stage, class).Inc()
}

// RecordAlert records a generated alert
func (m *PrometheusMetrics) RecordAlert(network, level, riskType string) {
	m.AlertsGeneratedTotal.WithLabelValues(network, level, riskType).Inc()
}

// RecordRiskScore records a computed risk score
func (m *PrometheusMetrics) RecordRiskScore(network string, score float64) {
	m.RiskScoreDistribution.WithLabelValues(network).Observe(score)
}

// UpdateChainHead updates the head and lag gauges
func (m *PrometheusMetrics) UpdateChainHead(network string, head, lastProcessed uint64) {
	m.ChainHeadBlock.WithLabelValues(network).Set(float64(head))
	behind := uint64(0)
	if head > lastProcessed {
		behind = head - lastProcessed
	}
	m.BlocksBehind.WithLabelValues(network).Set(float64(behind))
}

// RecordReorg records a reorganization signal
func (m *PrometheusMetrics) RecordReorg(network, signal string) {
	m.ReorgsDetectedTotal.WithLabelValues(network, signal).Inc()
}

// RecordPendingTransaction records an observed mempool hash
func (m *PrometheusMetrics) RecordPendingTransaction(network string) {
	m.PendingTransactionsTotal.WithLabelValues(network).Inc()
}

// RecordTokenTransfer records a decoded token transfer
func (m *PrometheusMetrics) RecordTokenTransfer(network string) {
	m.TokenTransfersTotal.WithLabelValues(network).Inc()
}

// UpdateConnectionStatus sets the connection gauge of a network
func (m *PrometheusMetrics) UpdateConnectionStatus(network string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.ConnectionStatus.WithLabelValues(network).Set(value)
}

// RecordConnectionError records a connection error
func (m *PrometheusMetrics) RecordConnectionError(network, errorType string) {
	m.ConnectionErrorsTotal.WithLabelValues(network, errorType).Inc()
}

// RecordReconnect records a reconnection attempt
func (m *PrometheusMetrics) RecordReconnect(network string) {
	m.ReconnectsTotal.WithLabelValues(network).Inc()
}

// RecordRPCRequest records an RPC request
func (m *PrometheusMetrics) RecordRPCRequest(network, method, status string, duration time.Duration) {
	m.RPCRequestsTotal.WithLabelValues(network, method, status).Inc()
	m.RPCRequestDuration.WithLabelValues(network, method).Observe(duration.Seconds())
}

// RecordPublished records delivered messages
func (m *PrometheusMetrics) RecordPublished(topic string, count int) {
	m.MessagesPublishedTotal.WithLabelValues(topic).Add(float64(count))
}

// RecordDropped records dropped messages
func (m *PrometheusMetrics) RecordDropped(topic, reason string, count int) {
	m.MessagesDroppedTotal.WithLabelValues(topic, reason).Add(float64(count))
}

// RecordPublishBatch records the duration of one transport send
func (m *PrometheusMetrics) RecordPublishBatch(transport string, duration time.Duration) {
	m.PublishDuration.WithLabelValues(transport).Observe(duration.Seconds())
}

// RecordStoreOperation records a store operation
func (m *PrometheusMetrics) RecordStoreOperation(backend, operation, status string, duration time.Duration) {
	m.StoreOperationsTotal.WithLabelValues(backend, operation, status).Inc()
	m.StoreOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
}

// RecordHTTPRequest records an HTTP request
func (m *PrometheusMetrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// UpdateApplicationUptime updates the application uptime metric
func (m *PrometheusMetrics) UpdateApplicationUptime(startTime time.Time) {
	m.ApplicationUptime.Set(time.Since(startTime).Seconds())
}

// UpdateComponentHealth updates the health status of a component
func (m *PrometheusMetrics) UpdateComponentHealth(component string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.ComponentHealth.WithLabelValues(component).Set(value)
}

// UpdateMemoryUsage updates the memory usage metric
func (m *PrometheusMetrics) UpdateMemoryUsage(bytes uint64) {
	m.MemoryUsage.Set(float64(bytes))
}

// UpdateGoroutineCount updates the goroutine count metric
func (m *PrometheusMetrics) UpdateGoroutineCount(count int) {
	m.GoroutineCount.Set(float64(count))
}
