package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"hostd/internal/config"
	"hostd/internal/kernel"
	"hostd/internal/logging"
	"hostd/internal/memory"
	"hostd/internal/security"
	"hostd/internal/server"
	"hostd/internal/store"
	"hostd/internal/tools"
)

var version = "0.1.0"

// stateSnapshot names the dispatcher state blob in the snapshot store.
const stateSnapshot = "kernel_state"

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "hostd",
	Short: "hostd - host runtime supervisor",
	Long: `hostd is a resident supervisor that brokers resource access between a
privileged agent client and its subsystems: memory allocation, tool
invocation, and security enforcement. All access runs through a single
session-authenticated dispatch core.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := "info"
		if verbose {
			level = "debug"
		}
		if err := logging.Initialize(level); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the supervisor and serve the dispatch API",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the hostd version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("hostd %s\n", version)
	},
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the configuration file and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		fmt.Printf("%s: ok\n", configPath)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "hostd.yaml", "Configuration file path")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(checkConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	// The -v flag outranks the configured level.
	if !verbose && cfg.Logging.Level != "" {
		if err := logging.Initialize(cfg.Logging.Level); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
	}
	log := logging.L(logging.CategoryKernel)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level, err := cfg.SecurityLevel()
	if err != nil {
		return err
	}

	var (
		sink security.DecisionSink
		db   *store.Store
	)
	if cfg.Store.Enabled {
		db, err = store.Open(cfg.Store.DatabasePath)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer db.Close()
		sink = db
	}

	registry := tools.NewRegistry()
	discovery := tools.NewDiscovery(registry, cfg.Tools.Dirs)
	if _, err := discovery.Load(); err != nil {
		return fmt.Errorf("tool discovery failed: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Tools.Watch {
		if err := discovery.Watch(ctx); err != nil {
			log.Warn("tool watcher unavailable", zap.Error(err))
		} else {
			defer discovery.Stop()
		}
	}

	dispatcher := kernel.NewDispatcher(kernel.Options{
		Memory:       memory.NewRegistry(cfg.Quotas(), cfg.Thresholds()),
		Tools:        registry,
		Policy:       security.NewPolicy(level, cfg.Security.Rules),
		Audit:        security.NewAuditLog(cfg.Security.AuditCapacity, sink),
		DrainTimeout: cfg.DrainTimeout(),
		Version:      version,
	})

	// Restore persisted dispatch state before the listener opens, so no
	// request ever observes a half-restored table.
	if db != nil {
		var state kernel.State
		switch err := db.LoadSnapshot(stateSnapshot, &state); {
		case err == nil:
			if rerr := dispatcher.RestoreState(state); rerr != nil {
				log.Warn("state restore incomplete", zap.Error(rerr))
			}
		case errors.Is(err, os.ErrNotExist):
			// First boot, nothing to restore.
		default:
			log.Warn("failed to load state snapshot", zap.Error(err))
		}
	}

	srv := server.New(cfg.Addr(), dispatcher)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Info("hostd started",
		zap.String("version", version),
		zap.String("addr", cfg.Addr()),
		zap.String("security_level", level.String()),
		zap.Int("tools", registry.Count()))

	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		return err
	}

	// Snapshot before the drain sweeps the sessions away.
	if db != nil {
		if err := db.SaveSnapshot(stateSnapshot, dispatcher.ExportState()); err != nil {
			log.Warn("failed to save state snapshot", zap.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.DrainTimeout()+5*time.Second)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Warn("shutdown finished with errors", zap.Error(err))
	}
	return nil
}
