package storage

import (
	"context"
	"time"

	"github.com/jfld/web3-fk/internal/metrics"
	"github.com/jfld/web3-fk/internal/models"
)

// StoreWithMetrics wraps a store implementation with metrics
type StoreWithMetrics struct {
	Store
	metricsManager *metrics.Manager
}

// NewStoreWithMetrics creates a store wrapper with metrics
func NewStoreWithMetrics(store Store, metricsManager *metrics.Manager) *StoreWithMetrics {
	return &StoreWithMetrics{
		Store:          store,
		metricsManager: metricsManager,
	}
}

func (s *StoreWithMetrics) record(operation string, start time.Time, err error) {
	if s.metricsManager == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metricsManager.GetPrometheusMetrics().RecordStoreOperation(
		s.Store.Backend(),
		operation,
		status,
		time.Since(start),
	)
}

// GetCheckpoint reads a checkpoint and records metrics
func (s *StoreWithMetrics) GetCheckpoint(ctx context.Context, network string) (uint64, bool, error) {
	start := time.Now()
	n, ok, err := s.Store.GetCheckpoint(ctx, network)
	s.record("get_checkpoint", start, err)
	return n, ok, err
}

// SetCheckpoint writes a checkpoint and records metrics
func (s *StoreWithMetrics) SetCheckpoint(ctx context.Context, network string, block uint64) error {
	start := time.Now()
	err := s.Store.SetCheckpoint(ctx, network, block)
	s.record("set_checkpoint", start, err)
	return err
}

// MarkSeen marks a hash and records metrics
func (s *StoreWithMetrics) MarkSeen(ctx context.Context, network, hash string, ttl time.Duration) (bool, error) {
	start := time.Now()
	ok, err := s.Store.MarkSeen(ctx, network, hash, ttl)
	s.record("mark_seen", start, err)
	return ok, err
}

// Seen checks a hash and records metrics
func (s *StoreWithMetrics) Seen(ctx context.Context, network, hash string) (bool, error) {
	start := time.Now()
	ok, err := s.Store.Seen(ctx, network, hash)
	s.record("seen", start, err)
	return ok, err
}

// ApplyProfileDelta merges a delta and records metrics
func (s *StoreWithMetrics) ApplyProfileDelta(ctx context.Context, delta *models.ProfileDelta) error {
	start := time.Now()
	err := s.Store.ApplyProfileDelta(ctx, delta)
	s.record("apply_profile_delta", start, err)
	return err
}

// IncrementSuspicious bumps a counter and records metrics
func (s *StoreWithMetrics) IncrementSuspicious(ctx context.Context, network, address string) error {
	start := time.Now()
	err := s.Store.IncrementSuspicious(ctx, network, address)
	s.record("increment_suspicious", start, err)
	return err
}

// SetLatestBlock stores block info and records metrics
func (s *StoreWithMetrics) SetLatestBlock(ctx context.Context, info *models.LatestBlockInfo) error {
	start := time.Now()
	err := s.Store.SetLatestBlock(ctx, info)
	s.record("set_latest_block", start, err)
	return err
}

// RecordHighRisk indexes a record and records metrics
func (s *StoreWithMetrics) RecordHighRisk(ctx context.Context, record *models.HighRiskRecord) error {
	start := time.Now()
	err := s.Store.RecordHighRisk(ctx, record)
	s.record("record_high_risk", start, err)
	return err
}

// Cleanup runs maintenance and records metrics
func (s *StoreWithMetrics) Cleanup(ctx context.Context) (int64, error) {
	start := time.Now()
	n, err := s.Store.Cleanup(ctx)
	s.record("cleanup", start, err)
	return n, err
}
