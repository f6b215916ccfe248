package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/grahama1970/cc-executor/internal/common/config"
	"github.com/grahama1970/cc-executor/internal/common/logger"
	"github.com/grahama1970/cc-executor/internal/events/bus"
	"github.com/grahama1970/cc-executor/internal/executor/history"
	"github.com/grahama1970/cc-executor/internal/executor/hooks"
	"github.com/grahama1970/cc-executor/internal/executor/metrics"
	"github.com/grahama1970/cc-executor/internal/executor/process"
	"github.com/grahama1970/cc-executor/internal/executor/session"
	"github.com/grahama1970/cc-executor/internal/gateway/websocket"
	"github.com/grahama1970/cc-executor/internal/sidecar"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting CC-Executor service...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Connect the event bus (NATS when configured, in-memory otherwise)
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		eventBus, err = bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 5. Open the execution history store
	var store history.Store
	switch strings.ToLower(cfg.History.Driver) {
	case "sqlite":
		store, err = history.NewSQLiteStore(cfg.History.Path)
		if err != nil {
			log.Fatal("Failed to open history store", zap.Error(err))
		}
		log.Info("Opened execution history store", zap.String("path", cfg.History.Path))
	default:
		store = history.NewMemoryStore()
		log.Info("Using in-memory execution history")
	}
	defer store.Close()

	// 6. Build the executor components
	sink := metrics.NewSink(eventBus, log)
	registry := session.NewRegistry(cfg.Executor.MaxSessions, log)
	supervisor := process.NewSupervisor(cfg.Executor.GracePeriodDuration(), log)
	hookRunner := hooks.NewRunner(nil, 4, 5*time.Second)

	// 7. Start the WebSocket gateway
	gateway := websocket.NewServer(cfg, registry, supervisor, hookRunner, sink, store, log)

	mux := http.NewServeMux()
	mux.Handle("/ws", gateway.Handler())

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		log.Info("WebSocket gateway listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("WebSocket gateway failed", zap.Error(err))
		}
	}()

	// 8. Start the HTTP health sidecar
	var side *sidecar.Server
	if cfg.Server.HealthPort > 0 {
		side = sidecar.New(cfg, registry, hookRunner, log)
		side.Start()
	}

	// 9. Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("Shutting down", zap.String("signal", sig.String()))

	// Stop accepting new connections, then cancel every session. Each
	// session's teardown reaps its subprocess before leaving the registry.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		cfg.Executor.GracePeriodDuration()+15*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("gateway shutdown incomplete", zap.Error(err))
	}
	registry.CancelAll()

	// Give in-flight teardowns a moment to drain before the process exits.
	deadline := time.After(cfg.Executor.GracePeriodDuration() + 10*time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for registry.Len() > 0 {
		select {
		case <-deadline:
			log.Error("sessions still registered at shutdown deadline",
				zap.Int("remaining", registry.Len()))
			if side != nil {
				side.Stop(ctx)
			}
			return
		case <-ticker.C:
		}
	}

	if side != nil {
		side.Stop(ctx)
	}
	log.Info("CC-Executor stopped")
}
