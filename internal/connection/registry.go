package connection

import (
	"sort"
	"sync"

	"github.com/jfld/web3-fk/internal/config"
	"github.com/jfld/web3-fk/internal/metrics"
	"github.com/jfld/web3-fk/internal/models"
	"github.com/jfld/web3-fk/pkg/utils"
	"github.com/sirupsen/logrus"
)

// Registry holds one connector per enabled network, built once at startup
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]*NetworkConnector
	logger     *logrus.Entry
}

// NewRegistry creates connectors for every enabled network of cfg
func NewRegistry(cfg *config.Config, dial Dialer, m *metrics.PrometheusMetrics) *Registry {
	r := &Registry{
		connectors: make(map[string]*NetworkConnector),
		logger:     utils.WithComponent("connection"),
	}
	for _, name := range cfg.EnabledNetworks() {
		r.connectors[name] = NewNetworkConnector(name, cfg.Networks[name], cfg.Connector, dial, m)
	}
	r.logger.WithField("networks", len(r.connectors)).Info("Connector registry created")
	return r
}

// Get returns the connector of a network
func (r *Registry) Get(network string) (*NetworkConnector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[network]
	return c, ok
}

// Names returns the registered network names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.connectors))
	for name := range r.connectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshots returns the state of every connector, sorted by network
func (r *Registry) Snapshots() []models.ConnectorState {
	names := r.Names()
	out := make([]models.ConnectorState, 0, len(names))
	for _, name := range names {
		if c, ok := r.Get(name); ok {
			out = append(out, c.Snapshot())
		}
	}
	return out
}

// CloseAll closes every connector
func (r *Registry) CloseAll() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.connectors {
		_ = c.Close()
	}
	return nil
}
