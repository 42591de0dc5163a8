package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jfld/web3-fk/internal/config"
	"github.com/jfld/web3-fk/internal/connection"
	"github.com/jfld/web3-fk/internal/metrics"
	"github.com/jfld/web3-fk/internal/storage"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// AppVersion is overridden at build time with -ldflags
var AppVersion = "1.0.0"

const checkTimeout = 15 * time.Second

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

var rootCmd = &cobra.Command{
	Use:     "web3-fk",
	Short:   "Multi-network blockchain transaction collector",
	Long:    `Ingests blocks from several EVM networks, filters and risk-scores their transactions, and publishes them to downstream topics.`,
	Version: AppVersion,
	RunE:    runCollector,
}

// loadConfig loads and validates the configuration named by --config.
// --log-level overrides logging.level when set explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = viper.GetString("log-level")
	}
	if viper.GetBool("debug") {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runCollector(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.App.Version == "" {
		cfg.App.Version = AppVersion
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := NewApplication(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	return app.Run(ctx)
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the collector",
	RunE:  runCollector,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("web3-fk %s\n", AppVersion)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
}

var validateConfigCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := storage.ValidateStorageConfig(&cfg.Storage); err != nil {
			return fmt.Errorf("invalid storage configuration: %w", err)
		}

		fmt.Printf("Configuration is valid!\n")
		fmt.Printf("Environment: %s\n", cfg.App.Environment)
		fmt.Printf("Networks: %s\n", strings.Join(cfg.EnabledNetworks(), ", "))
		fmt.Printf("Storage: %s\n", cfg.Storage.Type)
		fmt.Printf("Publisher: %s\n", cfg.Publisher.Transport)
		return nil
	},
}

var networksCmd = &cobra.Command{
	Use:   "networks",
	Short: "Network commands",
}

var checkNetworksCmd = &cobra.Command{
	Use:   "check",
	Short: "Dial every enabled network and report its chain id and head",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		m := metrics.NewManager()
		failed := 0
		for _, name := range cfg.EnabledNetworks() {
			if err := checkNetwork(cmd.Context(), name, cfg, m.GetPrometheusMetrics()); err != nil {
				fmt.Printf("✗ %s: %v\n", name, err)
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d networks unreachable", failed, len(cfg.EnabledNetworks()))
		}
		fmt.Println("\nAll networks reachable ✓")
		return nil
	},
}

func checkNetwork(parent context.Context, name string, cfg *config.Config, pm *metrics.PrometheusMetrics) error {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	conn := connection.NewNetworkConnector(name, cfg.Networks[name], cfg.Connector, connection.DefaultDialer, pm)
	defer conn.Close()

	if err := conn.Connect(ctx); err != nil {
		return err
	}
	head, err := conn.LatestBlockNumber(ctx)
	if err != nil {
		return err
	}
	snap := conn.Snapshot()
	fmt.Printf("✓ %s: chain_id=%d head=%d push=%t\n", name, snap.ChainID, head, snap.PushAvailable)
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug mode")

	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(networksCmd)
	configCmd.AddCommand(validateConfigCmd)
	networksCmd.AddCommand(checkNetworksCmd)
}
