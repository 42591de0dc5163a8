// Package source turns observed chain heads into an ordered, gap-free
// stream of block numbers per network.
package source

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/jfld/web3-fk/internal/config"
	"github.com/jfld/web3-fk/internal/metrics"
	"github.com/jfld/web3-fk/pkg/utils"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Kind selects how heads are observed for a network
type Kind int

const (
	// KindPoll observes heads by polling the RPC endpoint only
	KindPoll Kind = iota
	// KindPush adds a head subscription on top of polling
	KindPush
)

func (k Kind) String() string {
	if k == KindPush {
		return "push"
	}
	return "poll"
}

// KindFor picks the source kind of a network once, from its configuration
func KindFor(cfg config.NetworkConfig) Kind {
	if cfg.WSURL != "" && cfg.PushEnabled {
		return KindPush
	}
	return KindPoll
}

// HeadReader reads the current chain head
type HeadReader interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
}

// CheckpointStore persists the last processed block of a network
type CheckpointStore interface {
	GetCheckpoint(ctx context.Context, network string) (uint64, bool, error)
	SetCheckpoint(ctx context.Context, network string, block uint64) error
}

// Handler processes one block number. A non-nil error means the block must
// be retried.
type Handler func(ctx context.Context, number uint64) error

// Options tunes a BlockSource
type Options struct {
	BatchSize       uint64
	StartBlock      uint64
	Confirmations   uint64
	PollInterval    time.Duration
	PollJitter      time.Duration
	EmitRate        float64
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
	// Checkpointed is called after each block is committed
	Checkpointed func(block uint64)
}

// BlockSource merges head notifications from push and poll into one
// ascending emission loop for a single network.
type BlockSource struct {
	network string
	kind    Kind
	heads   HeadReader
	store   CheckpointStore
	opts    Options
	limiter *rate.Limiter
	metrics *metrics.Manager
	logger  *logrus.Entry

	signal chan struct{}

	mu            sync.Mutex
	pendingHead   uint64
	lastProcessed uint64
	initialized   bool
}

// New creates a BlockSource for network
func New(network string, kind Kind, heads HeadReader, store CheckpointStore, opts Options, m *metrics.Manager) *BlockSource {
	if opts.BatchSize == 0 {
		opts.BatchSize = 50
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 500 * time.Millisecond
	}
	if opts.MaxRetryBackoff <= 0 {
		opts.MaxRetryBackoff = 30 * time.Second
	}

	limit := rate.Inf
	if opts.EmitRate > 0 {
		limit = rate.Limit(opts.EmitRate)
	}

	return &BlockSource{
		network: network,
		kind:    kind,
		heads:   heads,
		store:   store,
		opts:    opts,
		limiter: rate.NewLimiter(limit, int(opts.BatchSize)),
		metrics: m,
		logger: utils.WithComponent("source").WithFields(logrus.Fields{
			"network": network,
			"kind":    kind.String(),
		}),
		signal: make(chan struct{}, 1),
	}
}

// Kind returns the source kind
func (s *BlockSource) Kind() Kind {
	return s.kind
}

// Notify records an observed head. Safe for concurrent callers; repeated or
// stale heads coalesce into a single wake-up.
func (s *BlockSource) Notify(head uint64) {
	s.mu.Lock()
	if head > s.pendingHead {
		s.pendingHead = head
	}
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// LastProcessed returns the last committed block number
func (s *BlockSource) LastProcessed() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastProcessed
}

// Head returns the highest head observed so far
func (s *BlockSource) Head() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingHead
}

// Init resolves the starting point: stored checkpoint, else start_block-1,
// else the current head minus one.
func (s *BlockSource) Init(ctx context.Context) error {
	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	var start uint64
	checkpoint, found, err := s.store.GetCheckpoint(ctx, s.network)
	if err != nil {
		return err
	}
	switch {
	case found:
		start = checkpoint
	case s.opts.StartBlock > 0:
		start = s.opts.StartBlock - 1
	default:
		head, err := s.heads.LatestBlockNumber(ctx)
		if err != nil {
			return err
		}
		start = s.safeTarget(head)
		if start > 0 {
			start--
		}
	}

	s.mu.Lock()
	s.lastProcessed = start
	s.initialized = true
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"last_processed": start,
		"from_store":     found,
	}).Info("Block source initialized")
	return nil
}

// Run emits blocks to handler until ctx is done. For every observed head H
// it emits lastProcessed+1 .. H-confirmations in ascending order, retrying a
// failed block until it succeeds before moving on.
func (s *BlockSource) Run(ctx context.Context, handler Handler) error {
	err := utils.Retry(ctx, s.retryPolicy("init"), s.Init)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.signal:
		}
		if err := s.drain(ctx, handler); err != nil {
			return err
		}
	}
}

func (s *BlockSource) safeTarget(head uint64) uint64 {
	if head < s.opts.Confirmations {
		return 0
	}
	return head - s.opts.Confirmations
}

func (s *BlockSource) drain(ctx context.Context, handler Handler) error {
	for {
		s.mu.Lock()
		target := s.safeTarget(s.pendingHead)
		last := s.lastProcessed
		s.mu.Unlock()

		if target <= last {
			return nil
		}

		ranges, err := SplitRange(last+1, target, s.opts.BatchSize)
		if err != nil {
			return err
		}
		if target-last > 1 {
			s.logger.WithFields(logrus.Fields{
				"from":   last + 1,
				"to":     target,
				"chunks": len(ranges),
			}).Debug("Gap fill")
		}

		for _, r := range ranges {
			for n := r.From; n <= r.To; n++ {
				if err := s.limiter.Wait(ctx); err != nil {
					return ctx.Err()
				}
				if err := s.emit(ctx, n, handler); err != nil {
					return err
				}
			}
		}
	}
}

func (s *BlockSource) emit(ctx context.Context, n uint64, handler Handler) error {
	policy := s.retryPolicy("block")
	policy.Retryable = func(err error) bool {
		return utils.Classify(err) != utils.ClassValidation
	}
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		s.metrics.ObserveError(s.network, "block", err)
		s.logger.WithError(err).WithFields(logrus.Fields{
			"block":   n,
			"attempt": attempt,
			"delay":   delay,
		}).Warn("Block processing failed, retrying")
	}

	err := utils.Retry(ctx, policy, func(ctx context.Context) error {
		return handler(ctx, n)
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Only validation errors get here: the block itself is unusable.
		s.metrics.ObserveError(s.network, "block", err)
		s.logger.WithError(err).WithField("block", n).Error("Skipping invalid block")
	}

	s.mu.Lock()
	s.lastProcessed = n
	s.mu.Unlock()

	if err := s.store.SetCheckpoint(ctx, s.network, n); err != nil {
		s.metrics.ObserveError(s.network, "checkpoint", err)
		s.logger.WithError(err).WithField("block", n).Warn("Failed to persist checkpoint")
	}
	if s.opts.Checkpointed != nil {
		s.opts.Checkpointed(n)
	}
	return nil
}

func (s *BlockSource) retryPolicy(op string) utils.RetryPolicy {
	return utils.RetryPolicy{
		BaseDelay: s.opts.RetryBackoff,
		MaxDelay:  s.opts.MaxRetryBackoff,
		Jitter:    0.1,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"op":      op,
				"attempt": attempt,
			}).Warn("Retrying")
		},
	}
}

// Poll reads the chain head every PollInterval plus jitter and feeds it to
// Notify until ctx is done. Read failures are left to the connector.
func (s *BlockSource) Poll(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		head, err := s.heads.LatestBlockNumber(ctx)
		if err != nil {
			s.logger.WithError(err).Debug("Head poll failed")
		} else {
			s.Notify(head)
		}

		timer.Reset(s.nextPollDelay())
	}
}

func (s *BlockSource) nextPollDelay() time.Duration {
	delay := s.opts.PollInterval
	if s.opts.PollJitter > 0 {
		delay += time.Duration(rand.Int63n(int64(2*s.opts.PollJitter))) - s.opts.PollJitter
	}
	if delay < time.Millisecond {
		delay = time.Millisecond
	}
	return delay
}
