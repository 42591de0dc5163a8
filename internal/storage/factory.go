// File: internal/storage/factory.go
package storage

import (
	"sort"
	"strings"

	"github.com/jfld/web3-fk/internal/config"
	"github.com/jfld/web3-fk/internal/metrics"
	"github.com/jfld/web3-fk/pkg/utils"
)

// Constructor builds a backend from resolved options
type Constructor func(opts Options) Store

var backends = map[string]Constructor{
	"redis":      func(o Options) Store { return NewRedisStore(o) },
	"sqlite":     func(o Options) Store { return NewSQLiteStore(o) },
	"postgres":   func(o Options) Store { return NewPostgresStore(o) },
	"postgresql": func(o Options) Store { return NewPostgresStore(o) },
}

// Backends lists the registered backend names
func Backends() []string {
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewStore creates the configured backend wrapped with metrics. It does not connect.
func NewStore(cfg *config.StorageConfig, m *metrics.Manager) (Store, error) {
	if err := ValidateStorageConfig(cfg); err != nil {
		return nil, err
	}
	ctor := backends[strings.ToLower(cfg.Type)]

	store := ctor(Options{
		Address:          cfg.Address,
		Password:         cfg.Password,
		DB:               cfg.DB,
		ConnectionString: cfg.ConnectionString,
		MaxConnections:   cfg.MaxConnections,
		MaxIdleTime:      cfg.MaxIdleTime,
		OperationTimeout: cfg.OperationTimeout,
	})
	return NewStoreWithMetrics(store, m), nil
}

// ValidateStorageConfig validates storage configuration
func ValidateStorageConfig(cfg *config.StorageConfig) error {
	if cfg.Type == "" {
		return utils.NewAppError(utils.ErrCodeConfiguration, "Storage type is required", "")
	}

	kind := strings.ToLower(cfg.Type)
	if _, ok := backends[kind]; !ok {
		return utils.NewAppError(utils.ErrCodeConfiguration,
			"Unsupported storage type",
			"Supported types: "+strings.Join(Backends(), ", "))
	}

	if kind == "redis" {
		if cfg.Address == "" {
			return utils.NewAppError(utils.ErrCodeConfiguration, "Redis address is required", "")
		}
		return nil
	}

	if cfg.ConnectionString == "" {
		return utils.NewAppError(utils.ErrCodeConfiguration, "Storage connection string is required", "")
	}
	if cfg.MaxConnections < 0 {
		return utils.NewAppError(utils.ErrCodeConfiguration, "Max connections must not be negative", "")
	}
	return nil
}
