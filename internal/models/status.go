package models

import "time"

// ConnectorState is a read-only snapshot of a network connector
type ConnectorState struct {
	Network            string    `json:"network"`
	ChainID            int64     `json:"chain_id"`
	State              string    `json:"state"`
	Connected          bool      `json:"connected"`
	Healthy            bool      `json:"healthy"`
	PushAvailable      bool      `json:"push_available"`
	LastProcessedBlock uint64    `json:"last_processed_block"`
	LatestBlock        uint64    `json:"latest_block"`
	ConsecutiveErrors  int       `json:"consecutive_errors"`
	ErrorCount         uint64    `json:"error_count"`
	Reconnects         uint64    `json:"reconnects"`
	LastUpdateTime     time.Time `json:"last_update_time"`
	LastError          string    `json:"last_error,omitempty"`
}

// NetworkStatus is the per-network view of the status surface
type NetworkStatus struct {
	Name               string    `json:"name"`
	LatestBlock        uint64    `json:"latest_block"`
	LastProcessedBlock uint64    `json:"last_processed_block"`
	IsHealthy          bool      `json:"is_healthy"`
	ErrorCount         uint64    `json:"error_count"`
	LastUpdateTime     time.Time `json:"last_update_time"`
	State              string    `json:"state"`
	SourceKind         string    `json:"source_kind"`
	BlocksProcessed    uint64    `json:"blocks_processed"`
	TxProcessed        uint64    `json:"tx_processed"`
}

// PerformanceStats is the process-wide view of the status surface
type PerformanceStats struct {
	Window                 time.Duration `json:"window"`
	ProcessedTxPerSecond   float64       `json:"processed_tx_per_second"`
	ProcessedBlocksPerHour float64       `json:"processed_blocks_per_hour"`
	ErrorRate              float64       `json:"error_rate"`
	AvgProcessingTime      time.Duration `json:"avg_processing_time"`
	AvgTxProcessingTime    time.Duration `json:"avg_tx_processing_time"`
	AlertsPerHour          float64       `json:"alerts_per_hour"`
}
