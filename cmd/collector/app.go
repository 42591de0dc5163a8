// File: cmd/collector/app.go
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jfld/web3-fk/internal/addrset"
	"github.com/jfld/web3-fk/internal/config"
	"github.com/jfld/web3-fk/internal/connection"
	"github.com/jfld/web3-fk/internal/filter"
	"github.com/jfld/web3-fk/internal/metrics"
	"github.com/jfld/web3-fk/internal/monitor"
	"github.com/jfld/web3-fk/internal/pipeline"
	"github.com/jfld/web3-fk/internal/publisher"
	"github.com/jfld/web3-fk/internal/risk"
	"github.com/jfld/web3-fk/internal/server"
	"github.com/jfld/web3-fk/internal/stats"
	"github.com/jfld/web3-fk/internal/storage"
	"github.com/jfld/web3-fk/internal/timeseries"
	"github.com/jfld/web3-fk/pkg/utils"
	"github.com/sirupsen/logrus"
)

const (
	metricsInterval = 15 * time.Second
	shutdownTimeout = 30 * time.Second
)

// Application owns every long-lived component of the collector
type Application struct {
	config *config.Config
	logger *logrus.Entry

	metrics   *metrics.Manager
	store     storage.Store
	series    timeseries.Writer
	publisher *publisher.Publisher
	registry  *connection.Registry
	filter    *filter.Engine
	detector  *risk.Detector
	processor *pipeline.Processor
	monitor   *monitor.Monitor
	server    *server.HTTPServer
}

// NewApplication builds and connects the components described by cfg
func NewApplication(ctx context.Context, cfg *config.Config) (*Application, error) {
	logCfg := cfg.Logging
	if err := utils.InitLogger(logCfg.Level, logCfg.Format, logCfg.Output, logCfg.File); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	app := &Application{
		config:  cfg,
		logger:  utils.WithComponent("app"),
		metrics: metrics.NewManager(),
	}

	if err := app.initializeStorage(ctx); err != nil {
		app.close()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	if err := app.initializePublisher(); err != nil {
		app.close()
		return nil, fmt.Errorf("failed to initialize publisher: %w", err)
	}
	if err := app.initializePipeline(); err != nil {
		app.close()
		return nil, fmt.Errorf("failed to initialize pipeline: %w", err)
	}
	app.initializeMonitor()
	app.initializeServer()

	app.logger.Info("All components initialized")
	return app, nil
}

func (app *Application) initializeStorage(ctx context.Context) error {
	store, err := storage.NewStore(&app.config.Storage, app.metrics)
	if err != nil {
		return err
	}
	if err := store.Connect(ctx); err != nil {
		return err
	}
	app.store = store

	if err := store.Migrate(ctx); err != nil {
		return err
	}

	app.series = timeseries.New(app.config.Timeseries)
	app.logger.WithFields(logrus.Fields{
		"backend":    store.Backend(),
		"timeseries": app.config.Timeseries.Enabled,
	}).Info("Storage initialized")
	return nil
}

func (app *Application) initializePublisher() error {
	transport, err := publisher.NewTransport(&app.config.Publisher)
	if err != nil {
		return err
	}
	app.publisher = publisher.New(transport, app.config.Publisher, app.metrics)
	return nil
}

func (app *Application) initializePipeline() error {
	filterCfg := app.config.Filter
	minValue, err := utils.ParseWei(filterCfg.MinValueWei)
	if err != nil {
		return err
	}
	app.filter = filter.NewEngine(
		minValue,
		addrset.New(filterCfg.ExcludeContracts...),
		addrset.New(filterCfg.IncludeAddresses...),
		app.store,
		app.metrics,
	)

	riskCfg := app.config.Risk
	highValue, err := utils.ParseWei(riskCfg.HighValueThresholdWei)
	if err != nil {
		return err
	}
	gasFee, err := utils.ParseWei(riskCfg.AbnormalGasFeeWei)
	if err != nil {
		return err
	}
	app.detector = risk.NewDetector(
		addrset.New(riskCfg.Blacklist...),
		addrset.New(riskCfg.SuspiciousContracts...),
		risk.Options{
			HighValueThreshold:   highValue,
			AbnormalGasFee:       gasFee,
			SuspiciousHoursStart: riskCfg.SuspiciousHoursStart,
			SuspiciousHoursEnd:   riskCfg.SuspiciousHoursEnd,
		},
	)

	app.processor = pipeline.NewProcessor(
		app.filter,
		app.detector,
		stats.NewAggregator(app.store),
		app.publisher,
		app.store,
		app.series,
		app.metrics,
		pipeline.Config{
			DedupTTL:       app.config.Processing.DedupTTL,
			ProcessTimeout: app.config.Processing.ProcessTimeout,
		},
	)
	return nil
}

func (app *Application) initializeMonitor() {
	app.registry = connection.NewRegistry(app.config, connection.DefaultDialer, app.metrics.GetPrometheusMetrics())
	pool := pipeline.NewWorkerPool(app.config.Processing.Workers, app.metrics)
	app.monitor = monitor.New(app.registry, app.store, app.processor, pool, app.config, app.metrics)
}

func (app *Application) initializeServer() {
	app.server = server.NewHTTPServer(app.config.Server, app.config.App, server.Dependencies{
		Monitor:    app.monitor,
		Store:      app.store,
		Stats:      stats.NewAggregator(app.store),
		Filter:     app.filter,
		Detector:   app.detector,
		Processor:  app.processor,
		Publisher:  app.publisher,
		Timeseries: app.series,
		Metrics:    app.metrics,
	})
}

// Run serves until ctx is done, then shuts everything down in order:
// network tasks, connectors, publisher flush, stores.
func (app *Application) Run(ctx context.Context) error {
	app.logger.WithFields(logrus.Fields{
		"version":     app.config.App.Version,
		"environment": app.config.App.Environment,
		"networks":    app.config.EnabledNetworks(),
	}).Info("Starting collector")

	if err := app.server.Start(); err != nil {
		app.close()
		return err
	}
	go app.metrics.Run(ctx, metricsInterval)

	err := app.monitor.Run(ctx)

	app.logger.Info("Shutting down collector")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.server.Stop(shutdownCtx); err != nil {
		app.logger.WithError(err).Warn("Failed to stop HTTP server")
	}
	app.close()

	app.logger.Info("Collector stopped")
	return err
}

// close releases components in shutdown order; nil components are skipped
func (app *Application) close() {
	if app.registry != nil {
		if err := app.registry.CloseAll(); err != nil {
			app.logger.WithError(err).Warn("Failed to close connectors")
		}
	}
	if app.publisher != nil {
		if err := app.publisher.Close(); err != nil {
			app.logger.WithError(err).Warn("Failed to close publisher")
		}
	}
	if app.series != nil {
		app.series.Close()
	}
	if app.store != nil {
		if err := app.store.Close(); err != nil {
			app.logger.WithError(err).Warn("Failed to close storage")
		}
	}
}
