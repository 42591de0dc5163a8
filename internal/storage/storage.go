// File: internal/storage/storage.go
package storage

import (
	"context"
	"time"

	"github.com/jfld/web3-fk/internal/models"
)

// Store is the shared key-value store used by every network: checkpoints,
// the dedup window, address profiles, latest block info and the high risk
// index. All mutations are merge-safe under concurrent writers.
type Store interface {
	// Connection management
	Connect(ctx context.Context) error
	Close() error
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Backend() string

	// Block checkpoints
	GetCheckpoint(ctx context.Context, network string) (uint64, bool, error)
	SetCheckpoint(ctx context.Context, network string, block uint64) error

	// Dedup window. MarkSeen reports whether the hash was newly marked.
	MarkSeen(ctx context.Context, network, hash string, ttl time.Duration) (bool, error)
	Seen(ctx context.Context, network, hash string) (bool, error)

	// Address profiles
	ApplyProfileDelta(ctx context.Context, delta *models.ProfileDelta) error
	IncrementSuspicious(ctx context.Context, network, address string) error
	GetProfile(ctx context.Context, network, address string) (*models.AddressProfile, error)

	// Latest block info
	SetLatestBlock(ctx context.Context, info *models.LatestBlockInfo) error
	GetLatestBlock(ctx context.Context, network string) (*models.LatestBlockInfo, error)

	// High risk index, newest first
	RecordHighRisk(ctx context.Context, record *models.HighRiskRecord) error
	RecentHighRisk(ctx context.Context, network string, limit int) ([]*models.HighRiskRecord, error)

	// Maintenance: removes expired dedup entries, returns how many
	Cleanup(ctx context.Context) (int64, error)
}

// Options holds backend settings resolved from configuration
type Options struct {
	Address          string
	Password         string
	DB               int
	ConnectionString string
	MaxConnections   int
	MaxIdleTime      time.Duration
	OperationTimeout time.Duration
}

const defaultOperationTimeout = 5 * time.Second

func (o Options) timeout() time.Duration {
	if o.OperationTimeout <= 0 {
		return defaultOperationTimeout
	}
	return o.OperationTimeout
}

// withTimeout bounds a single store operation
func withTimeout(ctx context.Context, o Options) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, o.timeout())
}
