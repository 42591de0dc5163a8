package pipeline

import (
	"context"
	"sync/atomic"

	"github.com/jfld/web3-fk/internal/metrics"
	"github.com/jfld/web3-fk/pkg/utils"
	"golang.org/x/sync/semaphore"
)

// WorkerPool bounds how many blocks are processed at once across all
// networks. Callers run synchronously inside a slot, so a network that waits
// for block N before submitting N+1 keeps its order.
type WorkerPool struct {
	sem     *semaphore.Weighted
	size    int64
	busy    atomic.Int64
	metrics *metrics.Manager
}

// NewWorkerPool creates a pool with size slots
func NewWorkerPool(size int, m *metrics.Manager) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		sem:     semaphore.NewWeighted(int64(size)),
		size:    int64(size),
		metrics: m,
	}
}

// Do waits for a free slot and runs fn in it
func (p *WorkerPool) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return utils.WrapError(utils.ErrCodeTimeout, "Waiting for worker slot", err)
	}
	p.setBusy(p.busy.Add(1))
	defer func() {
		p.setBusy(p.busy.Add(-1))
		p.sem.Release(1)
	}()
	return fn(ctx)
}

// Busy returns the number of slots in use
func (p *WorkerPool) Busy() int {
	return int(p.busy.Load())
}

// Size returns the pool capacity
func (p *WorkerPool) Size() int {
	return int(p.size)
}

func (p *WorkerPool) setBusy(n int64) {
	if p.metrics != nil {
		p.metrics.GetPrometheusMetrics().WorkersBusy.Set(float64(n))
	}
}
