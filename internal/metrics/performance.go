package metrics

import (
	"sync"
	"time"

	"github.com/jfld/web3-fk/internal/models"
)

// retention bounds the longest window Stats can answer
const retention = 24 * time.Hour

type perfBucket struct {
	minute    int64
	blocks    uint64
	txs       uint64
	errors    uint64
	alerts    uint64
	blockTime time.Duration
	txTime    time.Duration
}

// PerformanceTracker keeps per-minute counters for the last 24 hours
type PerformanceTracker struct {
	mu      sync.Mutex
	buckets []perfBucket
	now     func() time.Time
}

// NewPerformanceTracker creates a tracker using the wall clock
func NewPerformanceTracker() *PerformanceTracker {
	return newPerformanceTracker(time.Now)
}

func newPerformanceTracker(now func() time.Time) *PerformanceTracker {
	return &PerformanceTracker{
		buckets: make([]perfBucket, int(retention/time.Minute)),
		now:     now,
	}
}

func (pt *PerformanceTracker) bucket() *perfBucket {
	minute := pt.now().Unix() / 60
	b := &pt.buckets[minute%int64(len(pt.buckets))]
	if b.minute != minute {
		*b = perfBucket{minute: minute}
	}
	return b
}

// ObserveBlock records a processed block
func (pt *PerformanceTracker) ObserveBlock(d time.Duration) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	b := pt.bucket()
	b.blocks++
	b.blockTime += d
}

// ObserveTransaction records a processed transaction
func (pt *PerformanceTracker) ObserveTransaction(d time.Duration) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	b := pt.bucket()
	b.txs++
	b.txTime += d
}

// ObserveError records a failed unit of work
func (pt *PerformanceTracker) ObserveError() {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.bucket().errors++
}

// ObserveAlert records a generated alert
func (pt *PerformanceTracker) ObserveAlert() {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.bucket().alerts++
}

// Stats aggregates the buckets that fall inside window. The window is
// rounded up to whole minutes and capped at 24h.
func (pt *PerformanceTracker) Stats(window time.Duration) models.PerformanceStats {
	if window <= 0 {
		window = time.Hour
	}
	if window > retention {
		window = retention
	}
	minutes := int64((window + time.Minute - 1) / time.Minute)

	pt.mu.Lock()
	nowMinute := pt.now().Unix() / 60
	var total perfBucket
	for _, b := range pt.buckets {
		if b.minute > nowMinute-minutes && b.minute <= nowMinute {
			total.blocks += b.blocks
			total.txs += b.txs
			total.errors += b.errors
			total.alerts += b.alerts
			total.blockTime += b.blockTime
			total.txTime += b.txTime
		}
	}
	pt.mu.Unlock()

	stats := models.PerformanceStats{
		Window:                 window,
		ProcessedTxPerSecond:   float64(total.txs) / window.Seconds(),
		ProcessedBlocksPerHour: float64(total.blocks) / window.Hours(),
		AlertsPerHour:          float64(total.alerts) / window.Hours(),
	}
	if units := total.blocks + total.txs; units > 0 {
		stats.ErrorRate = float64(total.errors) / float64(units)
	}
	if total.blocks > 0 {
		stats.AvgProcessingTime = total.blockTime / time.Duration(total.blocks)
	}
	if total.txs > 0 {
		stats.AvgTxProcessingTime = total.txTime / time.Duration(total.txs)
	}
	return stats
}
