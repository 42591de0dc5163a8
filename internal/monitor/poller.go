// File: internal/monitor/poller.go
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/jfld/web3-fk/internal/source"
)

// HeadPoller reads the chain head for the block source and keeps poll
// statistics for the status surface.
type HeadPoller struct {
	reader source.HeadReader

	mu           sync.RWMutex
	lastPollTime time.Time
	lastHead     uint64
	pollCount    uint64
	errorCount   uint64
}

// PollStats is a snapshot of HeadPoller counters
type PollStats struct {
	PollCount    uint64    `json:"poll_count"`
	ErrorCount   uint64    `json:"error_count"`
	LastHead     uint64    `json:"last_head"`
	LastPollTime time.Time `json:"last_poll_time"`
}

// NewHeadPoller wraps reader
func NewHeadPoller(reader source.HeadReader) *HeadPoller {
	return &HeadPoller{reader: reader}
}

// LatestBlockNumber returns the current head
func (hp *HeadPoller) LatestBlockNumber(ctx context.Context) (uint64, error) {
	head, err := hp.reader.LatestBlockNumber(ctx)

	hp.mu.Lock()
	defer hp.mu.Unlock()
	hp.pollCount++
	hp.lastPollTime = time.Now()
	if err != nil {
		hp.errorCount++
		return 0, err
	}
	if head > hp.lastHead {
		hp.lastHead = head
	}
	return head, nil
}

// Stats returns poller statistics
func (hp *HeadPoller) Stats() PollStats {
	hp.mu.RLock()
	defer hp.mu.RUnlock()
	return PollStats{
		PollCount:    hp.pollCount,
		ErrorCount:   hp.errorCount,
		LastHead:     hp.lastHead,
		LastPollTime: hp.lastPollTime,
	}
}
