package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jfld/web3-fk/internal/config"
	"github.com/jfld/web3-fk/internal/metrics"
	"github.com/jfld/web3-fk/internal/models"
	"github.com/jfld/web3-fk/pkg/utils"
	"github.com/sirupsen/logrus"
)

// Header keys
const (
	HeaderNetwork     = "network"
	HeaderBlockNumber = "block_number"
	HeaderTimestamp   = "timestamp"
	HeaderMessageType = "message_type"
	HeaderMessageID   = "message_id"
	HeaderTxCount     = "tx_count"
	HeaderAlertType   = "alert_type"
	HeaderAlertLevel  = "alert_level"
	HeaderRiskScore   = "risk_score"
)

// Message types
const (
	TypeTransaction   = "transaction"
	TypeBlock         = "block"
	TypeAlert         = "alert"
	TypeTokenTransfer = "token_transfer"
)

// Drop reasons
const (
	dropQueueFull  = "queue_full"
	dropCanceled   = "canceled"
	dropSendFailed = "send_failed"
	dropShutdown   = "shutdown"
)

// Stats is a snapshot of publisher counters
type Stats struct {
	Transport     string `json:"transport"`
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	Published     int64  `json:"published"`
	Dropped       int64  `json:"dropped"`
	Retries       int64  `json:"retries"`
	Closed        bool   `json:"closed"`
}

// Publisher queues messages and delivers them in batches from a single
// background loop. A full queue blocks callers up to the enqueue timeout, then
// the message is dropped with an error; nothing is dropped silently.
type Publisher struct {
	transport Transport
	cfg       config.PublisherConfig
	metrics   *metrics.Manager
	logger    *logrus.Entry

	queue chan *Message

	mu        sync.RWMutex
	closed    bool
	closing   chan struct{}
	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}

	published atomic.Int64
	dropped   atomic.Int64
	retries   atomic.Int64
}

// New creates a publisher and starts its delivery loop
func New(transport Transport, cfg config.PublisherConfig, m *metrics.Manager) *Publisher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 10000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = time.Second
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = 5 * time.Second
	}
	if cfg.CloseGracePeriod <= 0 {
		cfg.CloseGracePeriod = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Publisher{
		transport: transport,
		cfg:       cfg,
		metrics:   m,
		logger:    utils.WithComponent("publisher").WithField("transport", transport.Name()),
		queue:     make(chan *Message, cfg.QueueSize),
		closing:   make(chan struct{}),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go p.run(ctx)
	return p
}

// Publish queues one message
func (p *Publisher) Publish(ctx context.Context, topic, key string, payload []byte, headers []Header) error {
	return p.enqueue(ctx, &Message{
		Topic:   topic,
		Key:     key,
		Value:   payload,
		Headers: headers,
		Time:    time.Now(),
	})
}

// PublishBatch queues every message; failures are joined
func (p *Publisher) PublishBatch(ctx context.Context, msgs []*Message) error {
	var errs []error
	for _, m := range msgs {
		if err := p.enqueue(ctx, m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Publisher) enqueue(ctx context.Context, msg *Message) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return utils.NewAppError(utils.ErrCodeClosed, "Publisher is closed", msg.Topic)
	}

	select {
	case p.queue <- msg:
		p.observeDepth()
		return nil
	default:
	}

	timer := time.NewTimer(p.cfg.EnqueueTimeout)
	defer timer.Stop()

	select {
	case p.queue <- msg:
		p.observeDepth()
		return nil
	case <-timer.C:
		p.drop(msg.Topic, dropQueueFull, 1)
		return utils.NewAppError(utils.ErrCodeQueueFull, "Publisher queue full", msg.Topic)
	case <-ctx.Done():
		p.drop(msg.Topic, dropCanceled, 1)
		return utils.WrapError(utils.ErrCodeTimeout, "Publish canceled", ctx.Err())
	case <-p.closing:
		p.drop(msg.Topic, dropShutdown, 1)
		return utils.NewAppError(utils.ErrCodeClosed, "Publisher is closed", msg.Topic)
	}
}

func (p *Publisher) run(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.cfg.BatchTimeout)
	defer ticker.Stop()

	batch := make([]*Message, 0, p.cfg.BatchSize)
	for {
		select {
		case msg, ok := <-p.queue:
			if !ok {
				p.flush(ctx, batch)
				return
			}
			batch = append(batch, msg)
			if len(batch) >= p.cfg.BatchSize {
				p.flush(ctx, batch)
				batch = make([]*Message, 0, p.cfg.BatchSize)
			}
			p.observeDepth()
		case <-ticker.C:
			if len(batch) > 0 {
				p.flush(ctx, batch)
				batch = make([]*Message, 0, p.cfg.BatchSize)
			}
		}
	}
}

// flush sends batch, retrying with backoff. max_retries 0 retries until the
// loop context is canceled at the end of the close grace period.
func (p *Publisher) flush(ctx context.Context, batch []*Message) {
	if len(batch) == 0 {
		return
	}

	policy := utils.RetryPolicy{
		BaseDelay: p.cfg.RetryBackoff,
		MaxDelay:  30 * time.Second,
		Jitter:    0.2,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			p.retries.Add(1)
			if p.metrics != nil {
				p.metrics.GetPrometheusMetrics().PublishRetriesTotal.Inc()
			}
			p.logger.WithError(err).WithFields(logrus.Fields{
				"attempt": attempt,
				"batch":   len(batch),
				"delay":   delay,
			}).Warn("Publish failed, retrying")
		},
	}
	if p.cfg.MaxRetries > 0 {
		policy.MaxAttempts = p.cfg.MaxRetries + 1
	}

	start := time.Now()
	err := utils.Retry(ctx, policy, func(ctx context.Context) error {
		return p.transport.Send(ctx, batch)
	})
	if p.metrics != nil {
		p.metrics.GetPrometheusMetrics().RecordPublishBatch(p.transport.Name(), time.Since(start))
	}

	counts := make(map[string]int)
	for _, m := range batch {
		counts[m.Topic]++
	}

	if err != nil {
		reason := dropSendFailed
		if ctx.Err() != nil {
			reason = dropShutdown
		}
		for topic, n := range counts {
			p.drop(topic, reason, n)
		}
		p.logger.WithError(err).WithField("batch", len(batch)).Error("Dropped batch after failed delivery")
		return
	}

	p.published.Add(int64(len(batch)))
	if p.metrics != nil {
		for topic, n := range counts {
			p.metrics.GetPrometheusMetrics().RecordPublished(topic, n)
		}
	}
}

func (p *Publisher) drop(topic, reason string, n int) {
	p.dropped.Add(int64(n))
	if p.metrics != nil {
		p.metrics.GetPrometheusMetrics().RecordDropped(topic, reason, n)
	}
}

func (p *Publisher) observeDepth() {
	if p.metrics != nil {
		p.metrics.GetPrometheusMetrics().PublisherQueueDepth.Set(float64(len(p.queue)))
	}
}

// Close stops intake and flushes what is queued. Whatever is still undelivered
// when the grace period ends is dropped and counted.
func (p *Publisher) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closing)
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		close(p.queue)

		timer := time.NewTimer(p.cfg.CloseGracePeriod)
		defer timer.Stop()
		select {
		case <-p.done:
		case <-timer.C:
			p.logger.Warn("Close grace period expired, dropping undelivered messages")
			p.cancel()
			<-p.done
		}
		p.cancel()

		err = p.transport.Close()
		p.logger.WithFields(logrus.Fields{
			"published": p.published.Load(),
			"dropped":   p.dropped.Load(),
		}).Info("Publisher closed")
	})
	return err
}

// Stats returns a snapshot of the publisher counters
func (p *Publisher) Stats() Stats {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	return Stats{
		Transport:     p.transport.Name(),
		QueueDepth:    len(p.queue),
		QueueCapacity: cap(p.queue),
		Published:     p.published.Load(),
		Dropped:       p.dropped.Load(),
		Retries:       p.retries.Load(),
		Closed:        closed,
	}
}

func baseHeaders(network, messageType string, block uint64, ts time.Time) []Header {
	return []Header{
		{Key: HeaderNetwork, Value: network},
		{Key: HeaderBlockNumber, Value: strconv.FormatUint(block, 10)},
		{Key: HeaderTimestamp, Value: strconv.FormatInt(ts.Unix(), 10)},
		{Key: HeaderMessageType, Value: messageType},
		{Key: HeaderMessageID, Value: utils.GenerateID()},
	}
}

func (p *Publisher) publishJSON(ctx context.Context, topic, key string, v interface{}, headers []Header, ts time.Time) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return utils.WrapError(utils.ErrCodeValidation, "Failed to encode message", err)
	}
	return p.enqueue(ctx, &Message{
		Topic:   topic,
		Key:     key,
		Value:   payload,
		Headers: headers,
		Time:    ts,
	})
}

// PublishTransaction queues tx on the transactions topic keyed by hash
func (p *Publisher) PublishTransaction(ctx context.Context, tx *models.Transaction) error {
	headers := baseHeaders(tx.Network, TypeTransaction, tx.BlockNumber, tx.Timestamp)
	return p.publishJSON(ctx, p.cfg.Topics.Transactions, tx.Hash, tx, headers, tx.Timestamp)
}

// PublishBlock queues the block header on the blocks topic keyed by number.
// Transactions travel on their own topic and are left out.
func (p *Publisher) PublishBlock(ctx context.Context, block *models.Block) error {
	header := *block
	header.Transactions = nil

	headers := append(baseHeaders(block.Network, TypeBlock, block.Number, block.Timestamp),
		Header{Key: HeaderTxCount, Value: strconv.Itoa(block.TxCount)})
	return p.publishJSON(ctx, p.cfg.Topics.Blocks, strconv.FormatUint(block.Number, 10), &header, headers, block.Timestamp)
}

// PublishAlert queues alert on the alerts topic keyed by alert id
func (p *Publisher) PublishAlert(ctx context.Context, alert *models.RiskAlert) error {
	var block uint64
	if n, ok := alert.Metadata["block_number"].(uint64); ok {
		block = n
	}
	headers := append(baseHeaders(alert.Network, TypeAlert, block, alert.Timestamp),
		Header{Key: HeaderAlertType, Value: alert.Type},
		Header{Key: HeaderAlertLevel, Value: alert.Level},
		Header{Key: HeaderRiskScore, Value: fmt.Sprintf("%.2f", alert.RiskScore)},
	)
	return p.publishJSON(ctx, p.cfg.Topics.Alerts, alert.ID, alert, headers, alert.Timestamp)
}

// PublishTokenTransfer queues t on the events topic. It is a no-op when no
// events topic is configured.
func (p *Publisher) PublishTokenTransfer(ctx context.Context, t *models.TokenTransfer) error {
	if p.cfg.Topics.Events == "" {
		return nil
	}
	key := fmt.Sprintf("%s:%d", t.TransactionHash, t.LogIndex)
	headers := baseHeaders(t.Network, TypeTokenTransfer, t.BlockNumber, t.ObservedAt)
	return p.publishJSON(ctx, p.cfg.Topics.Events, key, t, headers, t.ObservedAt)
}
