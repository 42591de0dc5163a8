package connection

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/jfld/web3-fk/internal/config"
	"github.com/jfld/web3-fk/internal/metrics"
	"github.com/jfld/web3-fk/internal/models"
	"github.com/jfld/web3-fk/pkg/utils"
	"github.com/sirupsen/logrus"
)

// State is the lifecycle state of a NetworkConnector
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateDegraded     State = "DEGRADED"
)

// ErrPushUnavailable is returned by subscriptions when no push transport is up
var ErrPushUnavailable = errors.New("push transport unavailable")

// NetworkConnector owns the chain connection of one network and its health
type NetworkConnector struct {
	name    string
	cfg     config.NetworkConfig
	opts    config.ConnectorConfig
	dial    Dialer
	metrics *metrics.PrometheusMetrics
	logger  *logrus.Entry

	mu                sync.RWMutex
	transport         *Transport
	state             State
	closed            bool
	misconfigured     bool
	ready             chan struct{}
	readyClosed       bool
	consecutiveErrors int
	errorCount        uint64
	reconnects        uint64
	latestBlock       uint64
	lastProcessed     uint64
	lastUpdate        time.Time
	lastError         string
}

// NewNetworkConnector creates a disconnected connector
func NewNetworkConnector(name string, cfg config.NetworkConfig, opts config.ConnectorConfig, dial Dialer, m *metrics.PrometheusMetrics) *NetworkConnector {
	if dial == nil {
		dial = DefaultDialer
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	if opts.MaxConsecutiveFailures <= 0 {
		opts.MaxConsecutiveFailures = 5
	}
	if opts.HealthCheckInterval <= 0 {
		opts.HealthCheckInterval = 30 * time.Second
	}
	return &NetworkConnector{
		name:    name,
		cfg:     cfg,
		opts:    opts,
		dial:    dial,
		metrics: m,
		logger:  utils.WithComponent("connection").WithField("network", name),
		state:   StateDisconnected,
		ready:   make(chan struct{}),
	}
}

// Name returns the network name
func (c *NetworkConnector) Name() string {
	return c.name
}

// Config returns the network configuration
func (c *NetworkConnector) Config() config.NetworkConfig {
	return c.cfg
}

// Connect dials the network and verifies its chain id
func (c *NetworkConnector) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return utils.NewAppError(utils.ErrCodeClosed, "Connector closed", c.name)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	t, err := c.dial(dialCtx, c.cfg)
	if err != nil {
		c.recordFailure("dial", err)
		return utils.WrapError(utils.ErrCodeConnection, "Failed to dial node", err)
	}

	chainID, err := t.RPC.ChainID(dialCtx)
	if err != nil {
		t.Close()
		c.recordFailure("chain_id", err)
		return utils.WrapError(utils.ErrCodeConnection, "Failed to get chain ID", err)
	}
	if chainID.Int64() != c.cfg.ChainID {
		t.Close()
		err := utils.NewAppError(utils.ErrCodeConfiguration, "Chain ID mismatch",
			fmt.Sprintf("expected %d, got %d", c.cfg.ChainID, chainID.Int64()))
		c.mu.Lock()
		c.misconfigured = true
		c.mu.Unlock()
		c.recordFailure("chain_id_mismatch", err)
		return err
	}

	head, err := t.RPC.BlockNumber(dialCtx)
	if err != nil {
		t.Close()
		c.recordFailure("block_number", err)
		return utils.WrapError(utils.ErrCodeConnection, "Failed to get latest block", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		t.Close()
		return utils.NewAppError(utils.ErrCodeClosed, "Connector closed", c.name)
	}
	old := c.transport
	c.transport = t
	c.state = StateConnected
	c.misconfigured = false
	c.consecutiveErrors = 0
	c.latestBlock = head
	c.lastUpdate = time.Now()
	c.lastError = ""
	if !c.readyClosed {
		close(c.ready)
		c.readyClosed = true
	}
	push := t.Push != nil
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}
	c.metrics.UpdateConnectionStatus(c.name, true)
	c.logger.WithFields(logrus.Fields{
		"chain_id":     chainID.Int64(),
		"latest_block": head,
		"push":         push,
	}).Info("Connected to node")
	return nil
}

// ReportError marks the connector degraded after an RPC or stream failure
func (c *NetworkConnector) ReportError(source string, err error) {
	if err == nil {
		return
	}
	c.recordFailure(source, err)
}

func (c *NetworkConnector) recordFailure(source string, err error) {
	c.mu.Lock()
	c.consecutiveErrors++
	c.errorCount++
	c.lastError = err.Error()
	if !c.closed {
		c.state = StateDegraded
		if c.readyClosed {
			c.ready = make(chan struct{})
			c.readyClosed = false
		}
	}
	consecutive := c.consecutiveErrors
	c.mu.Unlock()

	c.metrics.RecordConnectionError(c.name, source)
	c.metrics.UpdateConnectionStatus(c.name, false)
	entry := c.logger.WithError(err).WithFields(logrus.Fields{
		"source":             source,
		"consecutive_errors": consecutive,
	})
	if consecutive >= c.opts.MaxConsecutiveFailures {
		entry.Error("Connector unhealthy")
	} else {
		entry.Warn("Connector degraded")
	}
}

func (c *NetworkConnector) recordSuccess() {
	c.mu.Lock()
	c.lastUpdate = time.Now()
	c.mu.Unlock()
}

func (c *NetworkConnector) rpcClient() (ChainClient, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, utils.NewAppError(utils.ErrCodeClosed, "Connector closed", c.name)
	}
	if c.transport == nil {
		return nil, utils.NewAppError(utils.ErrCodeConnection, "Not connected", c.name)
	}
	return c.transport.RPC, nil
}

func (c *NetworkConnector) pushTransport() (*Transport, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, utils.NewAppError(utils.ErrCodeClosed, "Connector closed", c.name)
	}
	if c.transport == nil || c.transport.Push == nil {
		return nil, ErrPushUnavailable
	}
	return c.transport, nil
}

// call runs fn against the RPC client with a per-call timeout. Caller
// cancellation and missing data do not count as connection failures.
func (c *NetworkConnector) call(ctx context.Context, method string, fn func(ctx context.Context, client ChainClient) error) error {
	client, err := c.rpcClient()
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	start := time.Now()
	err = fn(callCtx, client)
	status := "success"
	switch {
	case err == nil:
		c.recordSuccess()
	case ctx.Err() != nil:
		status = "canceled"
		err = ctx.Err()
	case errors.Is(err, ethereum.NotFound):
		status = "not_found"
		err = utils.WrapError(utils.ErrCodeBlockchain, method+" returned no data", err)
	default:
		status = "error"
		c.recordFailure(method, err)
		err = utils.WrapError(utils.ErrCodeBlockchain, method+" failed", err)
	}
	c.metrics.RecordRPCRequest(c.name, method, status, time.Since(start))
	return err
}

// LatestBlockNumber returns the current chain head
func (c *NetworkConnector) LatestBlockNumber(ctx context.Context) (uint64, error) {
	var head uint64
	err := c.call(ctx, "eth_blockNumber", func(ctx context.Context, client ChainClient) error {
		n, err := client.BlockNumber(ctx)
		head = n
		return err
	})
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	if head > c.latestBlock {
		c.latestBlock = head
	}
	lastProcessed := c.lastProcessed
	c.mu.Unlock()
	c.metrics.UpdateChainHead(c.name, head, lastProcessed)
	return head, nil
}

// BlockByNumber fetches a full block
func (c *NetworkConnector) BlockByNumber(ctx context.Context, number uint64) (*types.Block, error) {
	var block *types.Block
	err := c.call(ctx, "eth_getBlockByNumber", func(ctx context.Context, client ChainClient) error {
		b, err := client.BlockByNumber(ctx, new(big.Int).SetUint64(number))
		block = b
		return err
	})
	return block, err
}

// TransactionReceipt fetches the receipt of a mined transaction
func (c *NetworkConnector) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := c.call(ctx, "eth_getTransactionReceipt", func(ctx context.Context, client ChainClient) error {
		r, err := client.TransactionReceipt(ctx, hash)
		receipt = r
		return err
	})
	return receipt, err
}

// SubscribeHeads subscribes to new chain heads over the push transport
func (c *NetworkConnector) SubscribeHeads(ctx context.Context) (<-chan *types.Header, ethereum.Subscription, error) {
	t, err := c.pushTransport()
	if err != nil {
		return nil, nil, err
	}
	ch := make(chan *types.Header, 16)
	sub, err := t.Push.SubscribeNewHead(ctx, ch)
	if err != nil {
		c.recordFailure("subscribe_heads", err)
		return nil, nil, utils.WrapError(utils.ErrCodeConnection, "Failed to subscribe to heads", err)
	}
	return ch, sub, nil
}

// SubscribeLogs subscribes to logs matching q over the push transport
func (c *NetworkConnector) SubscribeLogs(ctx context.Context, q ethereum.FilterQuery) (<-chan types.Log, ethereum.Subscription, error) {
	t, err := c.pushTransport()
	if err != nil {
		return nil, nil, err
	}
	ch := make(chan types.Log, 256)
	sub, err := t.Push.SubscribeFilterLogs(ctx, q, ch)
	if err != nil {
		c.recordFailure("subscribe_logs", err)
		return nil, nil, utils.WrapError(utils.ErrCodeConnection, "Failed to subscribe to logs", err)
	}
	return ch, sub, nil
}

// SubscribePending subscribes to pending transaction hashes
func (c *NetworkConnector) SubscribePending(ctx context.Context) (<-chan common.Hash, ethereum.Subscription, error) {
	t, err := c.pushTransport()
	if err != nil {
		return nil, nil, err
	}
	if t.Pending == nil {
		return nil, nil, ErrPushUnavailable
	}
	ch := make(chan common.Hash, 256)
	sub, err := t.Pending.SubscribePendingTransactions(ctx, ch)
	if err != nil {
		c.recordFailure("subscribe_pending", err)
		return nil, nil, utils.WrapError(utils.ErrCodeConnection, "Failed to subscribe to pending transactions", err)
	}
	return ch, sub, nil
}

// HealthCheck verifies the chain id and refreshes the head
func (c *NetworkConnector) HealthCheck(ctx context.Context) error {
	var chainID *big.Int
	err := c.call(ctx, "eth_chainId", func(ctx context.Context, client ChainClient) error {
		id, err := client.ChainID(ctx)
		chainID = id
		return err
	})
	if err != nil {
		return err
	}
	if chainID.Int64() != c.cfg.ChainID {
		err := utils.NewAppError(utils.ErrCodeConfiguration, "Chain ID mismatch",
			fmt.Sprintf("expected %d, got %d", c.cfg.ChainID, chainID.Int64()))
		c.mu.Lock()
		c.misconfigured = true
		c.mu.Unlock()
		c.recordFailure("chain_id_mismatch", err)
		return err
	}

	if _, err := c.LatestBlockNumber(ctx); err != nil {
		return err
	}

	c.metrics.UpdateConnectionStatus(c.name, true)
	return nil
}

// Run keeps the connector alive: a health check every interval and, when
// not connected, reconnection with capped exponential backoff. It returns
// when ctx is done or the connector is closed.
func (c *NetworkConnector) Run(ctx context.Context) {
	if c.State() != StateConnected {
		c.reconnect(ctx)
	}

	ticker := time.NewTicker(c.opts.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if c.isClosed() {
			return
		}

		if c.State() == StateConnected {
			if err := c.HealthCheck(ctx); err == nil {
				continue
			}
		}
		c.reconnect(ctx)
	}
}

func (c *NetworkConnector) reconnect(ctx context.Context) {
	policy := utils.RetryPolicy{
		BaseDelay: c.opts.ReconnectBackoff,
		MaxDelay:  c.opts.MaxReconnectBackoff,
		Jitter:    0.1,
		Retryable: func(err error) bool { return !utils.IsCode(err, utils.ErrCodeClosed) },
		OnRetry: func(attempt int, err error, delay time.Duration) {
			c.logger.WithError(err).WithFields(logrus.Fields{
				"attempt": attempt,
				"delay":   delay,
			}).Warn("Reconnect failed, backing off")
		},
	}

	_ = utils.Retry(ctx, policy, func(ctx context.Context) error {
		c.mu.Lock()
		c.reconnects++
		c.mu.Unlock()
		c.metrics.RecordReconnect(c.name)
		return c.Connect(ctx)
	})
}

// WaitConnected blocks until the connector is connected or ctx is done
func (c *NetworkConnector) WaitConnected(ctx context.Context) error {
	c.mu.RLock()
	ready := c.ready
	c.mu.RUnlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetLastProcessed records the checkpoint reported in snapshots
func (c *NetworkConnector) SetLastProcessed(n uint64) {
	c.mu.Lock()
	c.lastProcessed = n
	head := c.latestBlock
	c.mu.Unlock()
	c.metrics.UpdateChainHead(c.name, head, n)
}

// ObserveHead records a head seen outside LatestBlockNumber, e.g. from push
func (c *NetworkConnector) ObserveHead(n uint64) {
	c.mu.Lock()
	if n > c.latestBlock {
		c.latestBlock = n
	}
	c.lastUpdate = time.Now()
	c.mu.Unlock()
}

// State returns the current lifecycle state
func (c *NetworkConnector) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsHealthy reports whether the connector is usable and below the failure limit
func (c *NetworkConnector) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.healthyLocked()
}

func (c *NetworkConnector) healthyLocked() bool {
	if c.closed || c.misconfigured {
		return false
	}
	switch c.state {
	case StateConnected:
		return true
	case StateDegraded:
		return c.consecutiveErrors < c.opts.MaxConsecutiveFailures
	default:
		return false
	}
}

// PushAvailable reports whether head/log subscriptions can be opened
func (c *NetworkConnector) PushAvailable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.transport != nil && c.transport.Push != nil
}

func (c *NetworkConnector) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Snapshot returns a read-only copy of the connector state
func (c *NetworkConnector) Snapshot() models.ConnectorState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return models.ConnectorState{
		Network:            c.name,
		ChainID:            c.cfg.ChainID,
		State:              string(c.state),
		Connected:          c.state == StateConnected,
		Healthy:            c.healthyLocked(),
		PushAvailable:      c.transport != nil && c.transport.Push != nil,
		LastProcessedBlock: c.lastProcessed,
		LatestBlock:        c.latestBlock,
		ConsecutiveErrors:  c.consecutiveErrors,
		ErrorCount:         c.errorCount,
		Reconnects:         c.reconnects,
		LastUpdateTime:     c.lastUpdate,
		LastError:          c.lastError,
	}
}

// Close moves the connector to the terminal Disconnected state
func (c *NetworkConnector) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = StateDisconnected
	t := c.transport
	c.transport = nil
	c.mu.Unlock()

	t.Close()
	c.metrics.UpdateConnectionStatus(c.name, false)
	c.logger.Info("Connector closed")
	return nil
}
