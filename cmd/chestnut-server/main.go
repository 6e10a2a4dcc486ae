package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/matteso1/chestnut/internal/catalog"
	"github.com/matteso1/chestnut/internal/config"
	"github.com/matteso1/chestnut/internal/metrics"
	"github.com/matteso1/chestnut/internal/server"
)

var (
	configPath  string
	addr        string
	dataDir     string
	logLevel    string
	writeConfig string
)

var rootCmd = &cobra.Command{
	Use:   "chestnut-server",
	Short: "Serve durable tiered lists of uint64 values over HTTP",
	Long: `chestnut-server keeps, per named list and per key, an append-only
sequence of non-zero uint64 values. Lists start in small fixed-size arrays
and are promoted to larger tiers as they grow.

Configuration is read from a YAML file (--config); flags and the
CHESTNUT_ADDR, CHESTNUT_DATA_DIR and CHESTNUT_LOG_LEVEL environment
variables override it.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	rootCmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides config)")
	rootCmd.Flags().StringVar(&dataDir, "data", "", "Data directory (overrides config)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (overrides config)")
	rootCmd.Flags().StringVar(&writeConfig, "write-config", "", "Write the effective config to this path and exit")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if writeConfig != "" {
		if err := cfg.Save(writeConfig); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", writeConfig)
		return nil
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	defaults, err := cfg.ListConfig()
	if err != nil {
		return err
	}

	m := metrics.NewMetrics()
	cat, err := catalog.Open(cfg.DataDir, defaults, logger, m)
	if err != nil {
		return fmt.Errorf("failed to open catalog: %w", err)
	}
	defer func() {
		if err := cat.Close(); err != nil {
			logger.Error("failed to close catalog", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Scavenger.Enabled {
		cat.StartScavengers(ctx, cfg.Scavenger.Interval)
	}

	srv := server.NewServer(server.ServerConfig{
		Addr:         cfg.Server.Addr,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, cat, m, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}
