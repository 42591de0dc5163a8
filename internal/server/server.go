// File: internal/server/server.go
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/jfld/web3-fk/internal/config"
	"github.com/jfld/web3-fk/internal/filter"
	"github.com/jfld/web3-fk/internal/metrics"
	"github.com/jfld/web3-fk/internal/models"
	"github.com/jfld/web3-fk/internal/monitor"
	"github.com/jfld/web3-fk/internal/pipeline"
	"github.com/jfld/web3-fk/internal/publisher"
	"github.com/jfld/web3-fk/internal/risk"
	"github.com/jfld/web3-fk/internal/stats"
	"github.com/jfld/web3-fk/internal/storage"
	"github.com/jfld/web3-fk/internal/timeseries"
	"github.com/jfld/web3-fk/pkg/utils"
	"github.com/sirupsen/logrus"
)

const (
	defaultAlertLimit = 50
	maxAlertLimit     = 1000
)

// StatusSource exposes per-network ingestion state
type StatusSource interface {
	Networks() []models.NetworkStatus
	NetworkStats(name string) (monitor.NetworkStats, bool)
	Healthy() (bool, []string)
	IsRunning() bool
}

// PublisherStats exposes outbound channel counters
type PublisherStats interface {
	Stats() publisher.Stats
}

// Dependencies are the components the status surface reads and administers.
// Timeseries and Processor may be nil.
type Dependencies struct {
	Monitor    StatusSource
	Store      storage.Store
	Stats      *stats.Aggregator
	Filter     *filter.Engine
	Detector   *risk.Detector
	Processor  *pipeline.Processor
	Publisher  PublisherStats
	Timeseries timeseries.Writer
	Metrics    *metrics.Manager
}

// HTTPServer serves the status and administration API
type HTTPServer struct {
	config    config.ServerConfig
	app       config.AppConfig
	deps      Dependencies
	server    *http.Server
	router    *mux.Router
	metrics   *metrics.Manager
	logger    *logrus.Entry
	startTime time.Time
}

// NewHTTPServer creates a new HTTP server
func NewHTTPServer(cfg config.ServerConfig, app config.AppConfig, deps Dependencies) *HTTPServer {
	s := &HTTPServer{
		config:    cfg,
		app:       app,
		deps:      deps,
		metrics:   deps.Metrics,
		logger:    utils.WithComponent("server"),
		startTime: time.Now(),
	}
	s.setupRouter()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *HTTPServer) setupRouter() {
	s.router = mux.NewRouter()

	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.corsMiddleware)
	if s.metrics != nil {
		s.router.Use(s.metricsMiddleware)
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()

	if s.config.EnableHealth {
		api.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
		api.HandleFunc("/health/detailed", s.detailedHealthHandler).Methods(http.MethodGet)
	}
	if s.config.EnableMetrics && s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler())
	}

	api.HandleFunc("/status", s.statusHandler).Methods(http.MethodGet)
	api.HandleFunc("/metrics/performance", s.performanceHandler).Methods(http.MethodGet)

	// Network endpoints
	api.HandleFunc("/networks", s.listNetworksHandler).Methods(http.MethodGet)
	api.HandleFunc("/networks/{network}/stats", s.networkStatsHandler).Methods(http.MethodGet)
	api.HandleFunc("/networks/{network}/addresses/{address}", s.addressProfileHandler).Methods(http.MethodGet)
	api.HandleFunc("/networks/{network}/alerts", s.alertsHandler).Methods(http.MethodGet)

	// Administration
	api.HandleFunc("/filter", s.filterStatsHandler).Methods(http.MethodGet)
	api.HandleFunc("/filter/exclude", s.addExcludeHandler).Methods(http.MethodPost)
	api.HandleFunc("/filter/exclude", s.removeExcludeHandler).Methods(http.MethodDelete)
	api.HandleFunc("/filter/include", s.addIncludeHandler).Methods(http.MethodPost)
	api.HandleFunc("/filter/include", s.removeIncludeHandler).Methods(http.MethodDelete)
	api.HandleFunc("/risk/blacklist", s.listBlacklistHandler).Methods(http.MethodGet)
	api.HandleFunc("/risk/blacklist", s.addBlacklistHandler).Methods(http.MethodPost)
	api.HandleFunc("/risk/blacklist", s.removeBlacklistHandler).Methods(http.MethodDelete)
}

// Handler returns the root handler
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and reports immediate bind errors
func (s *HTTPServer) Start() error {
	s.logger.WithFields(logrus.Fields{
		"address":         s.server.Addr,
		"metrics_enabled": s.config.EnableMetrics,
	}).Info("Starting HTTP server")

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("HTTP server error")
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("failed to start HTTP server: %w", err)
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop gracefully shuts the server down
func (s *HTTPServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

// Health Handlers

func (s *HTTPServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	healthy, unhealthy := s.deps.Monitor.Healthy()
	status, code := "healthy", http.StatusOK
	switch {
	case !healthy:
		status, code = "unhealthy", http.StatusServiceUnavailable
	case len(unhealthy) > 0:
		status = "degraded"
	}

	s.writeJSON(w, code, map[string]interface{}{
		"status":             status,
		"timestamp":          time.Now().UTC().Format(time.RFC3339Nano),
		"version":            s.app.Version,
		"unhealthy_networks": unhealthy,
	})
}

type componentHealth struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

func (s *HTTPServer) detailedHealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	components := map[string]componentHealth{}
	check := func(name string, err error) {
		c := componentHealth{Healthy: err == nil}
		if err != nil {
			c.Error = err.Error()
		}
		components[name] = c
		if s.metrics != nil {
			s.metrics.GetPrometheusMetrics().UpdateComponentHealth(name, c.Healthy)
		}
	}

	check("storage", s.deps.Store.Ping(ctx))
	if s.deps.Timeseries != nil {
		check("timeseries", s.deps.Timeseries.Ping(ctx))
	}
	if s.deps.Publisher != nil {
		var err error
		if s.deps.Publisher.Stats().Closed {
			err = utils.NewAppError(utils.ErrCodeClosed, "Publisher closed")
		}
		check("publisher", err)
	}

	networksHealthy, unhealthy := s.deps.Monitor.Healthy()
	var monitorErr error
	if !networksHealthy {
		monitorErr = utils.NewAppError(utils.ErrCodeConnection, "No healthy network")
	}
	check("monitor", monitorErr)

	overall := components["storage"].Healthy && networksHealthy
	status, code := "healthy", http.StatusOK
	switch {
	case !overall:
		status, code = "unhealthy", http.StatusServiceUnavailable
	case len(unhealthy) > 0:
		status = "degraded"
	}

	s.writeJSON(w, code, map[string]interface{}{
		"status":     status,
		"timestamp":  time.Now().UTC(),
		"version":    s.app.Version,
		"backend":    s.deps.Store.Backend(),
		"components": components,
		"networks":   s.deps.Monitor.Networks(),
	})
}

func (s *HTTPServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"app":         s.app.Name,
		"version":     s.app.Version,
		"environment": s.app.Environment,
		"uptime":      time.Since(s.startTime).String(),
		"running":     s.deps.Monitor.IsRunning(),
		"networks":    s.deps.Monitor.Networks(),
		"timestamp":   time.Now().UTC(),
	}
	if s.deps.Processor != nil {
		resp["processor"] = s.deps.Processor.Stats()
	}
	if s.deps.Publisher != nil {
		resp["publisher"] = s.deps.Publisher.Stats()
	}
	if s.deps.Filter != nil {
		resp["filter"] = s.deps.Filter.Stats()
	}
	if s.metrics != nil {
		resp["performance"] = s.metrics.Performance().Stats(time.Hour)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) performanceHandler(w http.ResponseWriter, r *http.Request) {
	window := time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			s.writeError(w, http.StatusBadRequest, "Invalid window", err)
			return
		}
		window = d
	}
	if s.metrics == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Metrics disabled", nil)
		return
	}
	s.writeJSON(w, http.StatusOK, s.metrics.Performance().Stats(window))
}

// Network Handlers

func (s *HTTPServer) listNetworksHandler(w http.ResponseWriter, r *http.Request) {
	networks := s.deps.Monitor.Networks()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"networks": networks,
		"count":    len(networks),
	})
}

func (s *HTTPServer) networkStatsHandler(w http.ResponseWriter, r *http.Request) {
	network := mux.Vars(r)["network"]
	ns, ok := s.deps.Monitor.NetworkStats(network)
	if !ok {
		s.writeError(w, http.StatusNotFound, "Unknown network", nil)
		return
	}

	resp := map[string]interface{}{"network": ns}
	latest, err := s.deps.Store.GetLatestBlock(r.Context(), network)
	switch {
	case err == nil:
		resp["latest_block_info"] = latest
	case !utils.IsCode(err, utils.ErrCodeNotFound):
		s.logger.WithError(err).WithField("network", network).Warn("Failed to read latest block info")
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) addressProfileHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	network, address := vars["network"], vars["address"]
	if _, ok := s.deps.Monitor.NetworkStats(network); !ok {
		s.writeError(w, http.StatusNotFound, "Unknown network", nil)
		return
	}
	if !utils.IsValidAddress(address) {
		s.writeError(w, http.StatusBadRequest, "Invalid address", nil)
		return
	}

	profile, err := s.deps.Stats.Profile(r.Context(), network, address)
	if err != nil {
		if utils.IsCode(err, utils.ErrCodeNotFound) {
			s.writeError(w, http.StatusNotFound, "Address profile not found", nil)
			return
		}
		s.writeError(w, http.StatusInternalServerError, "Failed to read address profile", err)
		return
	}
	s.writeJSON(w, http.StatusOK, profile)
}

func (s *HTTPServer) alertsHandler(w http.ResponseWriter, r *http.Request) {
	network := mux.Vars(r)["network"]
	if _, ok := s.deps.Monitor.NetworkStats(network); !ok {
		s.writeError(w, http.StatusNotFound, "Unknown network", nil)
		return
	}

	limit := defaultAlertLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}
	if limit > maxAlertLimit {
		limit = maxAlertLimit
	}

	records, err := s.deps.Store.RecentHighRisk(r.Context(), network, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to read high risk transactions", err)
		return
	}
	if records == nil {
		records = []*models.HighRiskRecord{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"network": network,
		"count":   len(records),
		"alerts":  records,
	})
}

// Administration Handlers

type addressRequest struct {
	Address   string   `json:"address"`
	Addresses []string `json:"addresses"`
}

// readAddresses decodes and validates the request body
func (s *HTTPServer) readAddresses(w http.ResponseWriter, r *http.Request) ([]string, bool) {
	var req addressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return nil, false
	}

	addresses := req.Addresses
	if req.Address != "" {
		addresses = append(addresses, req.Address)
	}
	if len(addresses) == 0 {
		s.writeError(w, http.StatusBadRequest, "No address given", nil)
		return nil, false
	}
	for _, a := range addresses {
		if !utils.IsValidAddress(a) {
			s.writeError(w, http.StatusBadRequest, "Invalid address", fmt.Errorf("%q", a))
			return nil, false
		}
	}
	return addresses, true
}

func (s *HTTPServer) filterStatsHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Filter.Stats())
}

func (s *HTTPServer) updateFilter(w http.ResponseWriter, r *http.Request, apply func(string)) {
	addresses, ok := s.readAddresses(w, r)
	if !ok {
		return
	}
	for _, a := range addresses {
		apply(a)
	}
	s.logger.WithFields(logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"count":  len(addresses),
	}).Info("Filter updated")
	s.writeJSON(w, http.StatusOK, s.deps.Filter.Stats())
}

func (s *HTTPServer) addExcludeHandler(w http.ResponseWriter, r *http.Request) {
	s.updateFilter(w, r, s.deps.Filter.AddExcludeContract)
}

func (s *HTTPServer) removeExcludeHandler(w http.ResponseWriter, r *http.Request) {
	s.updateFilter(w, r, s.deps.Filter.RemoveExcludeContract)
}

func (s *HTTPServer) addIncludeHandler(w http.ResponseWriter, r *http.Request) {
	s.updateFilter(w, r, s.deps.Filter.AddIncludeAddress)
}

func (s *HTTPServer) removeIncludeHandler(w http.ResponseWriter, r *http.Request) {
	s.updateFilter(w, r, s.deps.Filter.RemoveIncludeAddress)
}

func (s *HTTPServer) writeBlacklist(w http.ResponseWriter) {
	list := s.deps.Detector.Blacklist()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"addresses": list,
		"count":     len(list),
	})
}

func (s *HTTPServer) listBlacklistHandler(w http.ResponseWriter, r *http.Request) {
	s.writeBlacklist(w)
}

func (s *HTTPServer) addBlacklistHandler(w http.ResponseWriter, r *http.Request) {
	addresses, ok := s.readAddresses(w, r)
	if !ok {
		return
	}
	s.deps.Detector.UpdateBlacklist(addresses)
	s.writeBlacklist(w)
}

func (s *HTTPServer) removeBlacklistHandler(w http.ResponseWriter, r *http.Request) {
	addresses, ok := s.readAddresses(w, r)
	if !ok {
		return
	}
	for _, a := range addresses {
		s.deps.Detector.RemoveFromBlacklist(a)
	}
	s.writeBlacklist(w)
}

// Utility Methods

func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

func (s *HTTPServer) writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := map[string]interface{}{
		"error":     message,
		"status":    status,
		"timestamp": time.Now().UTC(),
	}

	entry := s.logger.WithFields(logrus.Fields{"status": status, "message": message})
	if err != nil {
		resp["details"] = err.Error()
		entry = entry.WithError(err)
	}
	if status >= http.StatusInternalServerError {
		entry.Error("HTTP error")
	} else {
		entry.Debug("HTTP client error")
	}

	s.writeJSON(w, status, resp)
}
