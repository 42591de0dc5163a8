// File: internal/monitor/monitor.go
package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jfld/web3-fk/internal/config"
	"github.com/jfld/web3-fk/internal/connection"
	"github.com/jfld/web3-fk/internal/ingest"
	"github.com/jfld/web3-fk/internal/metrics"
	"github.com/jfld/web3-fk/internal/models"
	"github.com/jfld/web3-fk/internal/pipeline"
	"github.com/jfld/web3-fk/internal/source"
	"github.com/jfld/web3-fk/internal/storage"
	"github.com/jfld/web3-fk/pkg/utils"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// NetworkMonitor drives ingestion of a single network: the connector health
// loop, head polling, push subscriptions and the block source run loop.
type NetworkMonitor struct {
	name       string
	connector  *connection.NetworkConnector
	poller     *HeadPoller
	source     *source.BlockSource
	ingester   *ingest.BlockIngester
	normalizer *ingest.Normalizer
	processor  *pipeline.Processor
	pool       *pipeline.WorkerPool
	parser     *TransferParser
	reorg      *ReorgDetector
	metrics    *metrics.Manager
	logger     *logrus.Entry

	backoff    time.Duration
	maxBackoff time.Duration

	running         atomic.Bool
	blocksProcessed atomic.Uint64
	txProcessed     atomic.Uint64
	pending         atomic.Uint64

	mu        sync.RWMutex
	startTime time.Time
	lastError string
}

// NewNetworkMonitor wires the per-network components around conn
func NewNetworkMonitor(
	conn *connection.NetworkConnector,
	store source.CheckpointStore,
	processor *pipeline.Processor,
	pool *pipeline.WorkerPool,
	cfg *config.Config,
	m *metrics.Manager,
) *NetworkMonitor {
	name := conn.Name()
	netCfg := conn.Config()

	nm := &NetworkMonitor{
		name:       name,
		connector:  conn,
		poller:     NewHeadPoller(conn),
		ingester:   ingest.NewBlockIngester(name, conn, cfg.Processing.ReceiptConcurrency),
		normalizer: ingest.NewNormalizer(name, netCfg.ChainID),
		processor:  processor,
		pool:       pool,
		parser:     NewTransferParser(name),
		reorg:      NewReorgDetector(name, 0, m.GetPrometheusMetrics()),
		metrics:    m,
		logger:     utils.WithComponent("monitor").WithField("network", name),
		backoff:    cfg.Connector.ReconnectBackoff,
		maxBackoff: cfg.Connector.MaxReconnectBackoff,
	}
	if nm.backoff <= 0 {
		nm.backoff = time.Second
	}
	if nm.maxBackoff < nm.backoff {
		nm.maxBackoff = nm.backoff
	}

	nm.source = source.New(name, source.KindFor(netCfg), nm.poller, store, source.Options{
		BatchSize:       uint64(cfg.Processing.BatchSize),
		StartBlock:      netCfg.StartBlock,
		Confirmations:   netCfg.Confirmations,
		PollInterval:    cfg.Connector.PollInterval,
		PollJitter:      cfg.Connector.PollJitter,
		EmitRate:        cfg.Processing.EmitRate,
		RetryBackoff:    cfg.Connector.ReconnectBackoff,
		MaxRetryBackoff: cfg.Connector.MaxReconnectBackoff,
		Checkpointed:    conn.SetLastProcessed,
	}, m)
	return nm
}

// Name returns the network name
func (nm *NetworkMonitor) Name() string {
	return nm.name
}

// Run blocks until ctx is done or the block source fails for good
func (nm *NetworkMonitor) Run(ctx context.Context) error {
	nm.mu.Lock()
	nm.startTime = time.Now()
	nm.mu.Unlock()
	nm.running.Store(true)
	defer nm.running.Store(false)

	nm.logger.WithField("kind", nm.source.Kind().String()).Info("Starting network monitor")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		nm.connector.Run(gctx)
		return nil
	})
	g.Go(func() error {
		nm.source.Poll(gctx)
		return nil
	})
	g.Go(func() error {
		return nm.source.Run(gctx, nm.handleBlock)
	})
	if nm.source.Kind() == source.KindPush {
		for name, fn := range map[string]feed{
			"heads":   nm.headFeed,
			"logs":    nm.transferFeed,
			"pending": nm.pendingFeed,
		} {
			g.Go(func() error {
				nm.keepSubscribed(gctx, name, fn)
				return nil
			})
		}
	}

	err := g.Wait()
	nm.logger.Info("Network monitor stopped")
	if err != nil && !isCanceled(err) {
		nm.setLastError(err)
		return err
	}
	return nil
}

// handleBlock fetches, normalizes and processes block n inside a worker
// slot. Returned errors make the source retry n.
func (nm *NetworkMonitor) handleBlock(ctx context.Context, n uint64) error {
	return nm.pool.Do(ctx, func(ctx context.Context) error {
		raw, err := nm.ingester.Fetch(ctx, n)
		if err != nil {
			nm.setLastError(err)
			return err
		}

		block, errs := nm.normalizer.NormalizeBlock(raw)
		for _, err := range errs {
			nm.metrics.ObserveError(nm.name, "normalize", err)
			nm.logger.WithError(err).WithField("block", n).Warn("Dropped unnormalizable transaction")
		}
		nm.reorg.ObserveBlock(block)

		res, err := nm.processor.ProcessBlock(ctx, block)
		if err != nil {
			nm.setLastError(err)
			return err
		}
		nm.blocksProcessed.Add(1)
		nm.txProcessed.Add(uint64(res.Processed))
		return nil
	})
}

func (nm *NetworkMonitor) setLastError(err error) {
	nm.mu.Lock()
	nm.lastError = err.Error()
	nm.mu.Unlock()
}

// NetworkStats is the detailed per-network view
type NetworkStats struct {
	models.NetworkStatus
	Connector   models.ConnectorState `json:"connector"`
	Poll        PollStats             `json:"poll"`
	Reorgs      uint64                `json:"reorgs"`
	LastReorg   *ReorgEvent           `json:"last_reorg,omitempty"`
	PendingSeen uint64                `json:"pending_seen"`
	Running     bool                  `json:"running"`
	Uptime      time.Duration         `json:"uptime"`
	LastError   string                `json:"last_error,omitempty"`
}

// Status returns the summary status of the network
func (nm *NetworkMonitor) Status() models.NetworkStatus {
	snap := nm.connector.Snapshot()
	return models.NetworkStatus{
		Name:               nm.name,
		LatestBlock:        snap.LatestBlock,
		LastProcessedBlock: nm.source.LastProcessed(),
		IsHealthy:          snap.Healthy,
		ErrorCount:         snap.ErrorCount,
		LastUpdateTime:     snap.LastUpdateTime,
		State:              snap.State,
		SourceKind:         nm.source.Kind().String(),
		BlocksProcessed:    nm.blocksProcessed.Load(),
		TxProcessed:        nm.txProcessed.Load(),
	}
}

// Stats returns the detailed network statistics
func (nm *NetworkMonitor) Stats() NetworkStats {
	reorgs, last := nm.reorg.Count()

	nm.mu.RLock()
	var uptime time.Duration
	if nm.running.Load() {
		uptime = time.Since(nm.startTime)
	}
	lastError := nm.lastError
	nm.mu.RUnlock()

	return NetworkStats{
		NetworkStatus: nm.Status(),
		Connector:     nm.connector.Snapshot(),
		Poll:          nm.poller.Stats(),
		Reorgs:        reorgs,
		LastReorg:     last,
		PendingSeen:   nm.pending.Load(),
		Running:       nm.running.Load(),
		Uptime:        uptime,
		LastError:     lastError,
	}
}

// Monitor runs one NetworkMonitor per enabled network plus store
// maintenance. A failing network never stops the others.
type Monitor struct {
	networks        []*NetworkMonitor
	byName          map[string]*NetworkMonitor
	store           storage.Store
	cleanupInterval time.Duration
	logger          *logrus.Entry

	running atomic.Bool
}

// New creates a Monitor for every connector in registry
func New(
	registry *connection.Registry,
	store storage.Store,
	processor *pipeline.Processor,
	pool *pipeline.WorkerPool,
	cfg *config.Config,
	m *metrics.Manager,
) *Monitor {
	mon := &Monitor{
		byName:          make(map[string]*NetworkMonitor),
		store:           store,
		cleanupInterval: cfg.Storage.CleanupInterval,
		logger:          utils.WithComponent("monitor"),
	}
	for _, name := range registry.Names() {
		conn, _ := registry.Get(name)
		nm := NewNetworkMonitor(conn, store, processor, pool, cfg, m)
		mon.networks = append(mon.networks, nm)
		mon.byName[name] = nm
	}
	return mon
}

// Run blocks until ctx is done and every network task has returned
func (m *Monitor) Run(ctx context.Context) error {
	m.running.Store(true)
	defer m.running.Store(false)

	m.logger.WithField("networks", len(m.networks)).Info("Starting monitor")

	var g errgroup.Group
	for _, nm := range m.networks {
		g.Go(func() error {
			if err := nm.Run(ctx); err != nil {
				m.logger.WithError(err).WithField("network", nm.Name()).Error("Network monitor failed")
			}
			return nil
		})
	}
	if m.cleanupInterval > 0 {
		g.Go(func() error {
			m.cleanupLoop(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (m *Monitor) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		removed, err := m.store.Cleanup(ctx)
		if err != nil {
			m.logger.WithError(err).Warn("Store cleanup failed")
			continue
		}
		if removed > 0 {
			m.logger.WithField("removed", removed).Debug("Expired dedup entries removed")
		}
	}
}

// IsRunning reports whether Run is active
func (m *Monitor) IsRunning() bool {
	return m.running.Load()
}

// Network returns the monitor of one network
func (m *Monitor) Network(name string) (*NetworkMonitor, bool) {
	nm, ok := m.byName[name]
	return nm, ok
}

// NetworkStats returns the detailed statistics of one network
func (m *Monitor) NetworkStats(name string) (NetworkStats, bool) {
	nm, ok := m.byName[name]
	if !ok {
		return NetworkStats{}, false
	}
	return nm.Stats(), true
}

// Networks returns the status of every network, sorted by name
func (m *Monitor) Networks() []models.NetworkStatus {
	out := make([]models.NetworkStatus, 0, len(m.networks))
	for _, nm := range m.networks {
		out = append(out, nm.Status())
	}
	return out
}

// Healthy reports whether at least one network is healthy, and which are not
func (m *Monitor) Healthy() (bool, []string) {
	var unhealthy []string
	for _, nm := range m.networks {
		if !nm.connector.IsHealthy() {
			unhealthy = append(unhealthy, nm.name)
		}
	}
	return len(unhealthy) < len(m.networks), unhealthy
}
