// Command companiond is the companion server daemon. It runs background
// tasks and streams their progress to WebSocket clients.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/companion/audit"
	"github.com/GoCodeAlone/companion/config"
	"github.com/GoCodeAlone/companion/events"
	"github.com/GoCodeAlone/companion/fileops"
	"github.com/GoCodeAlone/companion/internal/version"
	"github.com/GoCodeAlone/companion/jobs"
	"github.com/GoCodeAlone/companion/metrics"
	"github.com/GoCodeAlone/companion/server"
	"github.com/GoCodeAlone/companion/server/api"
	"github.com/GoCodeAlone/companion/server/ws"
	"github.com/GoCodeAlone/companion/task"
	"github.com/GoCodeAlone/companion/update"
)

const auditPruneInterval = time.Hour

var (
	configPath = flag.String("config", "companion.yaml", "path to config file")
	addr       = flag.String("addr", "", "listen address (overrides server.addr)")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config %s: %v", *configPath, err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	logger := newLogger(cfg)
	logger.Info("starting companiond",
		"version", version.Version,
		"commit", version.Commit,
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("companiond exited", slog.Any("err", err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level()}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func run(cfg *config.Config, logger *slog.Logger) error {
	bus := events.NewBus(events.Options{Buffer: cfg.Audit.Buffer, Logger: logger})

	var store *audit.SQLiteStore
	if cfg.Audit.Enabled {
		path := cfg.AuditPath()
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create audit dir: %w", err)
		}
		s, err := audit.NewSQLiteStore(path)
		if err != nil {
			return err
		}
		store = s
		defer store.Close() //nolint:errcheck
		bus.Subscribe(store.Handle)
	}

	hub := ws.NewHub(ws.Options{
		SendTimeout: cfg.Sessions.SendTimeout.Std(),
		Buffer:      cfg.Sessions.Buffer,
		Logger:      logger,
	})

	mgr := task.NewManager(hub, task.Options{
		MaxWorkers:    cfg.Tasks.MaxWorkers,
		QueueSize:     cfg.Tasks.QueueSize,
		ReapInterval:  cfg.Tasks.ReapInterval.Std(),
		Retention:     cfg.Tasks.Retention.Std(),
		ShutdownGrace: cfg.Tasks.ShutdownGrace.Std(),
		Logger:        logger,
		Listener:      bus,
	})

	m := metrics.New("companion", metrics.Sources{Stats: mgr.Stats, Sessions: hub.Count})
	bus.Subscribe(m.Handle)

	current := cfg.Updates.CurrentVersion
	if current == "" {
		current = version.Version
	}
	updater := update.New(update.Options{
		CurrentVersion: current,
		RepoOwner:      cfg.Updates.RepoOwner,
		RepoName:       cfg.Updates.RepoName,
		APIBase:        cfg.Updates.APIBase,
		MaxRetries:     cfg.Updates.MaxRetries,
		Logger:         logger,
	})

	handlers := &api.Handlers{
		Tasks: mgr,
		Jobs: &jobs.Factory{
			Files:       fileops.New(fileops.Options{Root: cfg.Files.Root, ProgressRate: cfg.Files.ProgressRate}),
			Updater:     updater,
			DownloadDir: cfg.DownloadDir(),
			Logger:      logger,
		},
		Sessions: hub,
		Events:   bus,
		Updates:  updater,
		Logger:   logger,
		Version:  version.Version,
		Commit:   version.Commit,
	}
	if store != nil {
		handlers.Audit = store
	}

	srv := server.New(server.Config{
		Addr:              cfg.Server.Addr,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout.Std(),
	}, handlers, hub, m.Handler(), logger)

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.Addr, err)
	}
	fmt.Printf("Companion server running on http://%s\n", ln.Addr())
	fmt.Printf("Version: %s (%s)\n", version.Version, version.Commit)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(ln) })
	if store != nil && cfg.Audit.Retention > 0 {
		g.Go(func() error {
			pruneAudit(ctx, store, cfg.Audit.Retention.Std(), logger)
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Tasks.ShutdownGrace.Std()+5*time.Second)
		defer cancel()

		if err := srv.Stop(shutdownCtx); err != nil {
			logger.Error("server stop", slog.Any("err", err))
		}
		if err := mgr.Shutdown(shutdownCtx); err != nil {
			logger.Warn("task manager shutdown", slog.Any("err", err))
		}
		hub.Close()
		if err := bus.Close(shutdownCtx); err != nil {
			logger.Warn("event bus close", slog.Any("err", err))
		}
		if n := bus.Dropped(); n > 0 {
			logger.Warn("lifecycle events dropped", slog.Uint64("count", n))
		}
		return nil
	})
	return g.Wait()
}

// pruneAudit deletes audit entries older than retention once an hour
// until ctx ends.
func pruneAudit(ctx context.Context, store *audit.SQLiteStore, retention time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(auditPruneInterval)
	defer ticker.Stop()
	for {
		n, err := store.Prune(ctx, time.Now().Add(-retention))
		if err != nil && ctx.Err() == nil {
			logger.Warn("audit prune", slog.Any("err", err))
		} else if n > 0 {
			logger.Info("audit pruned", slog.Int64("entries", n))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
