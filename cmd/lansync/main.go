package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/poslink/lansync/internal/config"
	"github.com/poslink/lansync/internal/coordinator"
	"github.com/poslink/lansync/internal/events"
	"github.com/poslink/lansync/internal/localstore"
	"github.com/poslink/lansync/internal/metrics"
	"github.com/poslink/lansync/internal/outbox"
	"github.com/poslink/lansync/internal/remote"
	"github.com/poslink/lansync/internal/replication"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("Starting LANSync replication layer")

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger.Info("Configuration loaded",
		zap.String("instance_id", cfg.Instance.ID),
		zap.String("tenant_id", cfg.Instance.TenantID),
		zap.Int("server_port", cfg.Server.Port),
		zap.Int("discovery_port", cfg.Discovery.BindPort))

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics()
		logger.Info("Metrics initialized")
	}

	local, err := localstore.Open(cfg.LocalStore.Path)
	if err != nil {
		logger.Fatal("Failed to open local store", zap.Error(err))
	}
	defer local.Close()
	logger.Info("Local store opened", zap.String("path", cfg.LocalStore.Path))

	outboxStore, err := outbox.Open(cfg.LocalStore.Path+".outbox", cfg.Remote.OutboxMaxRetries)
	if err != nil {
		logger.Fatal("Failed to open outbox store", zap.Error(err))
	}
	defer outboxStore.Close()
	logger.Info("Outbox store opened")

	remoteStore, err := remote.NewPostgresStore(
		cfg.Remote.Host,
		cfg.Remote.Port,
		cfg.Remote.Database,
		cfg.Remote.User,
		cfg.Remote.Password,
		cfg.Remote.MaxConnections,
		logger.Named("remote"),
	)
	if err != nil {
		logger.Fatal("Failed to initialize remote store", zap.Error(err))
	}
	defer remoteStore.Close()

	var idem replication.IdempotencyStore
	if cfg.Redis.Host != "" {
		idem, err = replication.NewRedisIdempotencyStore(
			cfg.Redis.Host,
			cfg.Redis.Port,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Replication.IdempotencyTTL,
			logger.Named("idempotency"),
		)
		if err != nil {
			logger.Warn("Redis unavailable, falling back to in-memory idempotency store", zap.Error(err))
			idem = replication.NewMemoryIdempotencyStore(cfg.Replication.IdempotencyTTL)
		}
	} else {
		idem = replication.NewMemoryIdempotencyStore(cfg.Replication.IdempotencyTTL)
	}
	defer idem.Close()

	bus := events.NewBus(logger.Named("events"))

	coord := coordinator.New(cfg, local, outboxStore, remoteStore, idem, bus, m, logger)
	if err := coord.Initialize(context.Background()); err != nil {
		logger.Fatal("Failed to initialize replication layer", zap.Error(err))
	}

	router := mux.NewRouter()
	router.HandleFunc("/ws/client", coord.Hub().HandleClient)
	router.HandleFunc("/ws/peer", coord.Hub().HandlePeer)
	if cfg.Metrics.Enabled {
		router.Handle(cfg.Metrics.Path, promhttp.Handler())
	}

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Transport server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Transport server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Transport server shutdown error", zap.Error(err))
	}
	coord.Shutdown()
	logger.Info("Shutdown complete")
}
