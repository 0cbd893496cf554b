package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/drewrad8/foreman/internal/api"
	"github.com/drewrad8/foreman/internal/breaker"
	"github.com/drewrad8/foreman/internal/config"
	"github.com/drewrad8/foreman/internal/history"
	"github.com/drewrad8/foreman/internal/log"
	"github.com/drewrad8/foreman/internal/orchestrator"
	"github.com/drewrad8/foreman/internal/templates"
	"github.com/drewrad8/foreman/internal/tmux"
	"github.com/drewrad8/foreman/internal/tracing"
	"github.com/drewrad8/foreman/internal/watcher"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the foreman daemon",
	Long: `Run foreman as a long-lived daemon. On startup it rehydrates workers from
the state snapshot, re-adopts live tmux sessions, and serves the HTTP API.

Example:
  foreman serve                      # listen on the configured address
  foreman serve --addr localhost:0   # auto-assign a port`,
	RunE: runServe,
}

var serveAddr string

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "address to listen on (overrides config)")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.API.Addr = serveAddr
	}

	if err := os.MkdirAll(cfg.StateDir, 0750); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	cleanup, err := log.Init(filepath.Join(cfg.StateDir, "foreman.log"))
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer cleanup()
	log.Info(log.CatConfig, "foreman starting", "version", version, "addr", cfg.API.Addr)

	tp, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}

	breakers := breaker.NewRegistry()
	store, err := history.Open(cfg.StateDir, history.WithBreaker(breakers.Get("history.write")))
	if err != nil {
		return fmt.Errorf("opening history store: %w", err)
	}

	hub := orchestrator.NewHub()
	registry := orchestrator.NewRegistry(orchestrator.Config{
		ProjectsDir: cfg.ProjectsDir,
		StateDir:    cfg.StateDir,
		Command:     cfg.Command,
		MaxRunning:  cfg.Limits.MaxRunning,
		RingSize:    cfg.Limits.RingSize,
	}, tmux.NewRunner(), store, hub)
	registry.SetTracer(tp.Tracer())

	// A recovered panic anywhere flushes the registry snapshot before the
	// process decides whether to die.
	log.SetCrashFlush(registry.SaveStateSync)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Adopt surviving sessions before anything can observe stale state.
	if err := registry.Rehydrate(ctx); err != nil {
		return fmt.Errorf("rehydrating workers: %w", err)
	}

	monitor := orchestrator.NewMonitor(registry, orchestrator.MonitorConfig{
		Interval:           cfg.Health.Interval,
		UnhealthyThreshold: cfg.Health.UnhealthyThreshold,
		HealthyThreshold:   cfg.Health.HealthyThreshold,
	})
	monitor.Start(ctx)

	sweeper := orchestrator.NewSweeper(registry, orchestrator.SweeperConfig{
		Interval:  cfg.Sweep.Interval,
		Retention: cfg.Sweep.Retention,
	})
	sweeper.Start(ctx)

	tmpls, err := templates.Load()
	if err != nil {
		return fmt.Errorf("loading templates: %w", err)
	}

	handler := api.NewHandler(registry, tmpls)
	server, err := api.NewServer(api.ServerConfig{
		Addr:       cfg.API.Addr,
		APIKey:     cfg.API.Key,
		CORSOrigin: cfg.API.CORSOrigin,
	}, handler)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	configWatcher := watchConfig(ctx, cfgPath(), registry, monitor)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	fmt.Printf("foreman listening on port %d\n", server.Port())

	select {
	case sig := <-sigCh:
		fmt.Printf("\nreceived %s, shutting down\n", sig)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		log.ErrorErr(log.CatAPI, "stopping API server", err)
	}
	if configWatcher != nil {
		_ = configWatcher.Stop()
	}
	sweeper.Stop()
	monitor.Stop()
	registry.Shutdown(shutdownCtx)
	if err := store.Close(); err != nil {
		log.ErrorErr(log.CatStore, "closing history store", err)
	}
	breakers.Close()
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.ErrorErr(log.CatConfig, "shutting down tracing", err)
	}

	fmt.Println("foreman stopped")
	return nil
}

func cfgPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultPath()
}

// watchConfig hot-reloads the running-worker cap and the health poll interval
// when the config file changes. Everything else requires a restart. Returns
// nil when the config file cannot be watched, which is fine: the daemon keeps
// its startup configuration.
func watchConfig(ctx context.Context, path string, registry *orchestrator.Registry, monitor *orchestrator.Monitor) *watcher.Watcher {
	w, err := watcher.New(watcher.DefaultConfig(path))
	if err != nil {
		log.Warn(log.CatWatch, "config watch unavailable", "path", path, "error", err)
		return nil
	}
	changes, err := w.Start()
	if err != nil {
		log.Warn(log.CatWatch, "config watch unavailable", "path", path, "error", err)
		return nil
	}

	log.SafeGo("config.watch", func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-changes:
				if !ok {
					return
				}
				cfg, err := config.Load(path)
				if err != nil {
					log.Warn(log.CatWatch, "ignoring invalid config change", "error", err)
					continue
				}
				registry.SetMaxRunning(cfg.Limits.MaxRunning)
				monitor.SetInterval(cfg.Health.Interval)
			}
		}
	})
	return w
}
