package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/openquant/helix/pkg/api"
	"github.com/openquant/helix/pkg/bus"
	"github.com/openquant/helix/pkg/config"
	"github.com/openquant/helix/pkg/errdefs"
	"github.com/openquant/helix/pkg/eventstore"
	"github.com/openquant/helix/pkg/ingest"
	"github.com/openquant/helix/pkg/log"
	"github.com/openquant/helix/pkg/store"
	"github.com/openquant/helix/pkg/store/postgres"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "helix",
	Short: "Helix - Real-time market data event engine",
	Long: `Helix ingests closed candles from exchange WebSocket streams,
persists them, and dispatches them through a priority-ordered,
fault-isolated event bus to feature, signal, and decision stages.

Gaps accumulated during disconnects are recovered over REST and
replayed through the same pipeline.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Helix version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	runCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(migrateCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the market data engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return run(cfg)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cfg.Database.DSN == "" {
			return errdefs.NewConfigurationError("database.dsn is required for migrate", "cli", "migrate")
		}
		if err := postgres.RunMigrations(cfg.Database.DSN); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		fmt.Println("Migrations applied")
		return nil
	},
}

func init() {
	migrateCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
}

func run(cfg config.Config) error {
	log.Init(cfg.LogConfig())
	logger := log.WithComponent("main")
	logger.Info().Str("version", Version).Msg("Starting Helix")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Persistence port: postgres when a DSN is configured, memory otherwise
	var st store.Store
	if cfg.Database.DSN != "" {
		db, err := postgres.Open(ctx, cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		st = db
	} else {
		logger.Warn().Msg("No database configured, using in-memory store")
		st = store.NewMemoryStore()
	}
	defer st.Close()

	// Event bus with injected registry and processor
	registry := bus.NewRegistry(cfg.RegistryConfig())
	processor := bus.NewProcessor(cfg.ProcessingConfig(), nil)

	var busOpts []bus.Option
	if cfg.Bus.EnablePersistence {
		backend, err := eventstore.NewBoltBackend(cfg.DataDir, 0)
		if err != nil {
			return fmt.Errorf("open event store: %w", err)
		}
		defer backend.Close()
		busOpts = append(busOpts, bus.WithEventStore(backend))
	}

	eventBus, err := bus.New(cfg.BusConfig(), registry, processor, busOpts...)
	if err != nil {
		return err
	}
	eventBus.Start()
	defer eventBus.Stop()

	// Ingestion pipeline; the bus is passed explicitly, no global accessor
	var svc *ingest.Service
	if len(cfg.Ingest.Venues) > 0 {
		svc, err = ingest.NewService(cfg.IngestConfigs(), st, eventBus, nil)
		if err != nil {
			return err
		}
	} else {
		logger.Warn().Msg("No ingest venues configured")
	}

	// Operational surface: metrics exposition plus health, readiness, and
	// dead-letter readback computed from the live bus and store
	apiSrv := api.NewServer(cfg.Metrics.ListenAddr, eventBus, st, svc, Version)
	apiSrv.Start()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		apiSrv.Stop(shutdownCtx)
	}()

	if svc != nil {
		// Close any gap accumulated while the engine was down, then stream
		svc.Backfill(ctx)
		svc.Start(ctx)
		defer svc.Stop()
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Shutting down")

	cancel()
	return nil
}
