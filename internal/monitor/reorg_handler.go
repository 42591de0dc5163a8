// File: internal/monitor/reorg_handler.go
package monitor

import (
	"sync"
	"time"

	"github.com/jfld/web3-fk/internal/metrics"
	"github.com/jfld/web3-fk/internal/models"
	"github.com/jfld/web3-fk/pkg/utils"
	"github.com/sirupsen/logrus"
)

// Reorg signals, used as the metric label
const (
	SignalParentMismatch = "parent_mismatch"
	SignalHashChanged    = "hash_changed"
	SignalRemovedLog     = "removed_log"
)

const defaultReorgWindow = 128

// ReorgEvent describes one observed reorganization signal
type ReorgEvent struct {
	Network      string    `json:"network"`
	Signal       string    `json:"signal"`
	BlockNumber  uint64    `json:"block_number"`
	OldBlockHash string    `json:"old_block_hash,omitempty"`
	NewBlockHash string    `json:"new_block_hash,omitempty"`
	DetectedAt   time.Time `json:"detected_at"`
}

// ReorgDetector remembers the hashes of recently processed blocks and reports
// when the chain no longer agrees with them. It only observes: processed
// data is never rolled back, later writes simply win.
type ReorgDetector struct {
	network string
	window  uint64
	metrics *metrics.PrometheusMetrics
	logger  *logrus.Entry

	mu     sync.Mutex
	hashes map[uint64]string
	count  uint64
	last   *ReorgEvent
}

// NewReorgDetector tracks the last window block hashes of network
func NewReorgDetector(network string, window uint64, m *metrics.PrometheusMetrics) *ReorgDetector {
	if window == 0 {
		window = defaultReorgWindow
	}
	return &ReorgDetector{
		network: network,
		window:  window,
		metrics: m,
		logger:  utils.WithComponent("reorg").WithField("network", network),
		hashes:  make(map[uint64]string),
	}
}

// ObserveBlock records block and returns a reorg event if its parent or its
// own hash disagrees with what was seen before.
func (rd *ReorgDetector) ObserveBlock(block *models.Block) *ReorgEvent {
	rd.mu.Lock()
	var event *ReorgEvent
	if old, ok := rd.hashes[block.Number]; ok && old != block.Hash {
		event = rd.newEvent(SignalHashChanged, block.Number, old, block.Hash)
	} else if block.Number > 0 {
		if parent, ok := rd.hashes[block.Number-1]; ok && parent != block.ParentHash {
			event = rd.newEvent(SignalParentMismatch, block.Number-1, parent, block.ParentHash)
		}
	}

	rd.hashes[block.Number] = block.Hash
	if block.Number >= rd.window {
		delete(rd.hashes, block.Number-rd.window)
	}
	rd.mu.Unlock()

	if event != nil {
		rd.report(event)
	}
	return event
}

// ObserveRemovedLog records a log the node retracted
func (rd *ReorgDetector) ObserveRemovedLog(t *models.TokenTransfer) *ReorgEvent {
	rd.mu.Lock()
	event := rd.newEvent(SignalRemovedLog, t.BlockNumber, t.BlockHash, "")
	rd.mu.Unlock()
	rd.report(event)
	return event
}

// newEvent must be called with mu held
func (rd *ReorgDetector) newEvent(signal string, number uint64, oldHash, newHash string) *ReorgEvent {
	event := &ReorgEvent{
		Network:      rd.network,
		Signal:       signal,
		BlockNumber:  number,
		OldBlockHash: oldHash,
		NewBlockHash: newHash,
		DetectedAt:   time.Now().UTC(),
	}
	rd.count++
	rd.last = event
	return event
}

func (rd *ReorgDetector) report(event *ReorgEvent) {
	if rd.metrics != nil {
		rd.metrics.RecordReorg(rd.network, event.Signal)
	}
	rd.logger.WithFields(logrus.Fields{
		"signal":   event.Signal,
		"block":    event.BlockNumber,
		"old_hash": event.OldBlockHash,
		"new_hash": event.NewBlockHash,
	}).Warn("Chain reorganization observed")
}

// Count returns the number of signals seen and the most recent one
func (rd *ReorgDetector) Count() (uint64, *ReorgEvent) {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	return rd.count, rd.last
}
