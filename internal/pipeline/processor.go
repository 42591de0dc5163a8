// File: internal/pipeline/processor.go
package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jfld/web3-fk/internal/filter"
	"github.com/jfld/web3-fk/internal/metrics"
	"github.com/jfld/web3-fk/internal/models"
	"github.com/jfld/web3-fk/internal/risk"
	"github.com/jfld/web3-fk/internal/stats"
	"github.com/jfld/web3-fk/internal/timeseries"
	"github.com/jfld/web3-fk/pkg/utils"
	"github.com/sirupsen/logrus"
)

// Publisher is the outbound side of the pipeline
type Publisher interface {
	PublishTransaction(ctx context.Context, tx *models.Transaction) error
	PublishBlock(ctx context.Context, block *models.Block) error
	PublishAlert(ctx context.Context, alert *models.RiskAlert) error
	PublishTokenTransfer(ctx context.Context, t *models.TokenTransfer) error
}

// Store is the part of the shared store the pipeline writes to
type Store interface {
	MarkSeen(ctx context.Context, network, hash string, ttl time.Duration) (bool, error)
	SetLatestBlock(ctx context.Context, info *models.LatestBlockInfo) error
	RecordHighRisk(ctx context.Context, record *models.HighRiskRecord) error
}

// Config holds processor settings
type Config struct {
	DedupTTL       time.Duration
	ProcessTimeout time.Duration
}

// Result is the outcome of processing one transaction
type Result struct {
	Hash           string               `json:"hash"`
	Network        string               `json:"network"`
	Processed      bool                 `json:"processed"`
	Filter         *models.FilterResult `json:"filter"`
	Risk           *models.RiskResult   `json:"risk,omitempty"`
	Alert          *models.RiskAlert    `json:"alert,omitempty"`
	ProcessingTime time.Duration        `json:"processing_time"`
}

// BlockResult summarizes one processed block
type BlockResult struct {
	Network        string        `json:"network"`
	Number         uint64        `json:"number"`
	Transactions   int           `json:"transactions"`
	Processed      int           `json:"processed"`
	Filtered       int           `json:"filtered"`
	Skipped        int           `json:"skipped"`
	Alerts         int           `json:"alerts"`
	ProcessingTime time.Duration `json:"processing_time"`
}

// Processor runs a normalized block through filter, publish, risk and
// statistics. A transaction is marked seen only after every stage succeeded,
// so a block retried after a failure skips the transactions already done.
type Processor struct {
	filter    *filter.Engine
	detector  *risk.Detector
	stats     *stats.Aggregator
	publisher Publisher
	store     Store
	series    timeseries.Writer
	validator *Validator
	metrics   *metrics.Manager
	config    Config
	logger    *logrus.Entry

	now func() time.Time

	processedBlocks atomic.Uint64
	processedTxs    atomic.Uint64
	alerts          atomic.Uint64
}

// NewProcessor wires the pipeline stages. series may be nil.
func NewProcessor(
	f *filter.Engine,
	d *risk.Detector,
	a *stats.Aggregator,
	pub Publisher,
	store Store,
	series timeseries.Writer,
	m *metrics.Manager,
	cfg Config,
) *Processor {
	if series == nil {
		series = timeseries.NopWriter{}
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 10 * time.Minute
	}
	return &Processor{
		filter:    f,
		detector:  d,
		stats:     a,
		publisher: pub,
		store:     store,
		series:    series,
		validator: NewValidator(),
		metrics:   m,
		config:    cfg,
		logger:    utils.WithComponent("pipeline"),
		now:       time.Now,
	}
}

// ProcessBlock processes every transaction of block, then publishes the
// block itself. A validation error means the block should be skipped; any
// other error means it should be retried.
func (p *Processor) ProcessBlock(ctx context.Context, block *models.Block) (*BlockResult, error) {
	start := time.Now()
	if p.config.ProcessTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.ProcessTimeout)
		defer cancel()
	}

	logger := p.logger.WithFields(logrus.Fields{
		"network": block.Network,
		"block":   block.Number,
	})

	if err := p.validator.ValidateBlock(block); err != nil {
		p.metrics.ObserveError(block.Network, "validate", err)
		return nil, err
	}

	result := &BlockResult{
		Network:      block.Network,
		Number:       block.Number,
		Transactions: len(block.Transactions),
	}

	for i := range block.Transactions {
		tx := &block.Transactions[i]
		res, err := p.ProcessTransaction(ctx, tx)
		if err != nil {
			if utils.Classify(err) == utils.ClassValidation {
				result.Skipped++
				logger.WithError(err).WithField("hash", tx.Hash).Warn("Skipping invalid transaction")
				continue
			}
			return nil, err
		}
		if res.Processed {
			result.Processed++
		} else {
			result.Filtered++
		}
		if res.Alert != nil {
			result.Alerts++
		}
	}

	if err := p.publisher.PublishBlock(ctx, block); err != nil {
		if !p.dropOnResource(block.Network, err) {
			return nil, err
		}
	}

	if err := p.store.SetLatestBlock(ctx, &models.LatestBlockInfo{
		Network:   block.Network,
		Number:    block.Number,
		Hash:      block.Hash,
		Timestamp: block.Timestamp,
		TxCount:   block.TxCount,
		UpdatedAt: p.now().UTC(),
	}); err != nil {
		p.metrics.ObserveError(block.Network, "latest_block", err)
		logger.WithError(err).Warn("Failed to update latest block info")
	}

	if err := p.series.WriteBlock(ctx, block); err != nil {
		p.metrics.ObserveError(block.Network, "timeseries", err)
		logger.WithError(err).Warn("Failed to write block point")
	}

	result.ProcessingTime = time.Since(start)
	p.metrics.ObserveBlock(block.Network, block.Number, result.ProcessingTime)
	p.processedBlocks.Add(1)

	logger.WithFields(logrus.Fields{
		"transactions": result.Transactions,
		"processed":    result.Processed,
		"filtered":     result.Filtered,
		"alerts":       result.Alerts,
		"duration":     result.ProcessingTime,
	}).Debug("Block processed")

	return result, nil
}

// ProcessTransaction runs tx through the pipeline
func (p *Processor) ProcessTransaction(ctx context.Context, tx *models.Transaction) (*Result, error) {
	start := time.Now()
	result := &Result{Hash: tx.Hash, Network: tx.Network}

	if err := p.validator.ValidateTransaction(tx); err != nil {
		p.metrics.ObserveError(tx.Network, "validate", err)
		return nil, err
	}

	result.Filter = p.filter.ShouldProcess(ctx, tx)
	if !result.Filter.ShouldProcess {
		p.metrics.GetPrometheusMetrics().RecordFiltered(tx.Network, result.Filter.FilteredReasons)
		result.ProcessingTime = time.Since(start)
		return result, nil
	}

	if err := p.publisher.PublishTransaction(ctx, tx); err != nil {
		if !p.dropOnResource(tx.Network, err) {
			return nil, err
		}
	}

	result.Risk = p.detector.Analyze(tx)
	p.metrics.GetPrometheusMetrics().RecordRiskScore(tx.Network, result.Risk.RiskScore)

	if result.Risk.RiskDetected {
		alert, err := p.raiseAlert(ctx, tx, result.Risk)
		if err != nil {
			return nil, err
		}
		result.Alert = alert
	}

	if err := p.stats.UpdateTransaction(ctx, tx); err != nil {
		p.metrics.ObserveError(tx.Network, "stats", err)
		return nil, err
	}
	if result.Alert != nil {
		if err := p.stats.MarkSuspicious(ctx, tx.Network, tx.FromAddress); err != nil {
			p.metrics.ObserveError(tx.Network, "stats", err)
			return nil, err
		}
	}

	if err := p.series.WriteTransaction(ctx, tx); err != nil {
		p.metrics.ObserveError(tx.Network, "timeseries", err)
		p.logger.WithError(err).WithField("hash", tx.Hash).Debug("Failed to write transaction point")
	}

	if _, err := p.store.MarkSeen(ctx, tx.Network, tx.Hash, p.config.DedupTTL); err != nil {
		p.metrics.ObserveError(tx.Network, "dedup", err)
		p.logger.WithError(err).WithField("hash", tx.Hash).Warn("Failed to mark transaction seen")
	}

	result.Processed = true
	result.ProcessingTime = time.Since(start)
	p.metrics.ObserveTransaction(tx.Network, result.ProcessingTime)
	p.processedTxs.Add(1)
	return result, nil
}

func (p *Processor) raiseAlert(ctx context.Context, tx *models.Transaction, rr *models.RiskResult) (*models.RiskAlert, error) {
	alert := risk.NewAlert(tx, rr, p.now())

	if err := p.publisher.PublishAlert(ctx, alert); err != nil {
		if !p.dropOnResource(tx.Network, err) {
			return nil, err
		}
	}
	if err := p.store.RecordHighRisk(ctx, risk.HighRiskRecord(tx, rr)); err != nil {
		p.metrics.ObserveError(tx.Network, "high_risk_index", err)
		return nil, err
	}
	p.metrics.ObserveAlert(tx.Network, alert.Level, alert.Type)
	p.alerts.Add(1)

	p.logger.WithFields(logrus.Fields{
		"network":    tx.Network,
		"hash":       tx.Hash,
		"risk_type":  alert.Type,
		"risk_level": alert.Level,
		"risk_score": alert.RiskScore,
	}).Info("Risk alert raised")

	return alert, nil
}

// ProcessTokenTransfer publishes a decoded token transfer
func (p *Processor) ProcessTokenTransfer(ctx context.Context, t *models.TokenTransfer) error {
	if err := p.publisher.PublishTokenTransfer(ctx, t); err != nil {
		if !p.dropOnResource(t.Network, err) {
			return err
		}
		return nil
	}
	p.metrics.GetPrometheusMetrics().RecordTokenTransfer(t.Network)
	return nil
}

// dropOnResource reports whether a publish error is a resource error. Those
// were already counted as drops by the publisher and must not stall ingest.
func (p *Processor) dropOnResource(network string, err error) bool {
	p.metrics.ObserveError(network, "publish", err)
	if utils.Classify(err) != utils.ClassResource {
		return false
	}
	p.logger.WithError(err).WithField("network", network).Warn("Publish dropped")
	return true
}

// Stats is a snapshot of processor counters
type Stats struct {
	ProcessedBlocks       uint64 `json:"processed_blocks"`
	ProcessedTransactions uint64 `json:"processed_transactions"`
	Alerts                uint64 `json:"alerts"`
}

// Stats returns the processor counters
func (p *Processor) Stats() Stats {
	return Stats{
		ProcessedBlocks:       p.processedBlocks.Load(),
		ProcessedTransactions: p.processedTxs.Load(),
		Alerts:                p.alerts.Load(),
	}
}
