package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"qadeck/server/internal/api"
	"qadeck/server/internal/command"
	"qadeck/server/internal/config"
	"qadeck/server/internal/db"
	"qadeck/server/internal/global"
	"qadeck/server/internal/hub"
	"qadeck/server/internal/lifecycle"
	"qadeck/server/internal/logging"
	"qadeck/server/internal/orchestrator"
	"qadeck/server/internal/portpool"
	"qadeck/server/internal/queueengine"
	"qadeck/server/internal/sessions"
	"qadeck/server/internal/state"
	"qadeck/server/internal/stream"
)

var version = "dev"

const dbFileName = "qadeck.db"

func main() {
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := command.BuildApp(command.Deps{
		LoadConfig:   config.LoadConfig,
		RunServe:     runServe,
		RunMigrateUp: runMigrateUp,
	})
	if err := app.RunContext(rootCtx, os.Args); err != nil {
		logging.NewLogger(logging.Options{Level: "error", Writer: os.Stderr, Component: "qadeck"}).Error("qadeck failed", "err", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context, cfg config.Config) error {
	logger := logging.NewLogger(logging.Options{Level: cfg.LogLevel, Writer: os.Stderr, Component: "qadeck"})

	configDir, err := global.DefaultConfigDir()
	if err != nil {
		return fmt.Errorf("resolve config dir: %w", err)
	}
	backends, err := global.NewBackendsStore(configDir).LoadOrInit()
	if err != nil {
		return fmt.Errorf("load backends config: %w", err)
	}

	sqlDB, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	store := state.NewStore(sqlDB)

	pool := portpool.New(backends.PoolInventory())
	registry, err := sessions.NewRegistry(store, pool, logger.With("module", "sessions"))
	if err != nil {
		_ = sqlDB.Close()
		return fmt.Errorf("restore session registry: %w", err)
	}

	wsHub := hub.New()
	orch := orchestrator.New(orchestrator.Deps{
		Remote:   orchestrator.NewHTTPRemote(cfg.ExecutorBaseURL),
		Runs:     store,
		Sessions: registryHooks{reg: registry},
		Publish: func(taskID string, evt stream.Event) {
			wsHub.Publish("task.event", taskID, eventPayload(evt))
		},
		Logger: logger.With("module", "orchestrator"),
	})

	engine := queueengine.New(state.NewEngineStore(store), queueengine.Options{
		StepDelay: cfg.StepDelay,
		PassRate:  cfg.StepPassRate,
		Logger:    logger.With("module", "queue"),
	})
	if err := resumeQueuedWork(store, engine, logger); err != nil {
		logger.Warn("resume queued work items failed", "err", err)
	}

	srv := api.NewServer(api.Deps{
		Backends:  backends,
		Sessions:  registry,
		Tasks:     orch,
		Engine:    engine,
		Runs:      store,
		WorkItems: store,
		Hub:       wsHub,
		Logger:    logger.With("module", "api"),
	})

	addr := fmt.Sprintf("%s:%d", cfg.LocalHost, cfg.LocalPort)
	httpServer := &http.Server{Addr: addr, Handler: srv.Handler()}

	mgr := lifecycle.NewManager(logger.With("module", "lifecycle"))
	mgr.AddRun("http", func(runCtx context.Context) error {
		errCh := make(chan error, 1)
		go func() { errCh <- httpServer.ListenAndServe() }()
		select {
		case <-runCtx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		}
	})
	mgr.AddRun("queue-engine", engine.Run)
	mgr.AddShutdown("close-db", func(context.Context) error { return sqlDB.Close() })

	logger.Info("qadeck serving", "addr", addr, "executor", cfg.ExecutorBaseURL, "version", version)
	return mgr.StartAndWait(ctx)
}

func runMigrateUp(_ context.Context, cfg config.Config) error {
	sqlDB, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = sqlDB.Close() }()
	logging.NewLogger(logging.Options{Level: cfg.LogLevel, Writer: os.Stderr, Component: "qadeck"}).
		Info("migrations applied", "db", filepath.Join(cfg.DataDir, dbFileName))
	return nil
}

func openDatabase(cfg config.Config) (*sql.DB, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	sqlDB, err := db.OpenSQLiteWithMigrations(filepath.Join(cfg.DataDir, dbFileName))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return sqlDB, nil
}

// resumeQueuedWork puts interrupted and still-queued work items back on the
// engine's queue after a restart.
func resumeQueuedWork(store *state.Store, engine *queueengine.Engine, logger *slog.Logger) error {
	reset, err := store.ResetInterruptedWorkItems()
	if err != nil {
		return err
	}
	if reset > 0 {
		logger.Info("requeued interrupted work items", "count", reset)
	}
	items, err := store.ListWorkItems()
	if err != nil {
		return err
	}
	for _, item := range items {
		if item.Status == state.ItemStatusQueued {
			if err := engine.Enqueue(item.ItemID); err != nil {
				return err
			}
		}
	}
	return nil
}

type registryHooks struct {
	reg *sessions.Registry
}

func (h registryHooks) MarkTaskRun(sessionID string) error { return h.reg.MarkTaskRun(sessionID) }

func (h registryHooks) Touch(sessionID string) error {
	sess, ok := h.reg.Get(sessionID)
	if !ok {
		return nil
	}
	return h.reg.Touch(sess.BackendID, sessionID)
}

func eventPayload(evt stream.Event) map[string]any {
	payload := map[string]any{"type": evt.Type}
	if evt.Message != "" {
		payload["message"] = evt.Message
	}
	if evt.Status != "" {
		payload["status"] = evt.Status
	}
	if evt.ServerURL != "" {
		payload["serverUrl"] = evt.ServerURL
	}
	if evt.DisplayURL != "" {
		payload["displayUrl"] = evt.DisplayURL
	}
	return payload
}
