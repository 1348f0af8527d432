// Command erebus-broker runs a single Erebus region's Gateway and Channel
// Broker set: the HTTP/WebSocket front door, the Redis-backed broker state,
// the NATS peer RPC transport, and the usage webhook drain, all in one
// process (spec §4 overview).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	_ "go.uber.org/automaxprocs"

	"github.com/erebus-io/erebus/internal/config"
	"github.com/erebus-io/erebus/internal/gateway"
	"github.com/erebus-io/erebus/internal/globalregistry"
	"github.com/erebus-io/erebus/internal/grant"
	"github.com/erebus-io/erebus/internal/logging"
	"github.com/erebus-io/erebus/internal/metrics"
	"github.com/erebus-io/erebus/internal/usage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("redis unreachable", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}

	nc, err := nats.Connect(cfg.NATS.URL,
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		nats.ReconnectJitter(cfg.NATS.ReconnectJitter, cfg.NATS.ReconnectJitter),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		logger.Fatal("nats connect failed", zap.String("url", cfg.NATS.URL), zap.Error(err))
	}
	defer nc.Close()

	verifier, err := grant.NewVerifier(cfg.Grant.PublicKeyPEM)
	if err != nil {
		logger.Fatal("invalid grant public key", zap.Error(err))
	}

	reg := metrics.New()
	globalReg := globalregistry.New(rdb)

	usageQueue := usage.New(cfg.Webhook.URL, cfg.Webhook.HMACSecret, cfg.Webhook.BatchSize, cfg.Webhook.RatePerSecond, reg, logger)
	go usageQueue.Run(ctx, cfg.Webhook.FlushInterval)

	brokers := gateway.NewBrokerSet(gateway.BrokerDeps{
		Redis:                  rdb,
		GlobalRedis:            rdb,
		NATSConn:               nc,
		Verifier:               verifier,
		Metrics:                reg,
		Logger:                 logger,
		Usage:                  usageQueue,
		Region:                 cfg.Broker.Region,
		MessageTTL:             cfg.Broker.MessageTTL,
		PruneLimit:             cfg.Broker.PruneLimit,
		GetAfterLimit:          cfg.Broker.GetAfterLimit,
		MaxSubscribersPerTopic: cfg.Broker.MaxSubscribersPerTopic,
		BroadcastBatchSize:     cfg.Broker.BroadcastBatchSize,
		BackpressureHighBytes:  cfg.Broker.BackpressureHighBytes,
		BackpressureLowBytes:   cfg.Broker.BackpressureLowBytes,
		PeerRPCTimeout:         cfg.Broker.PeerRPCTimeout,
	})

	gw := gateway.New(gateway.Config{
		DefaultRegion: cfg.Server.DefaultRegion,
		RootAPIKey:    cfg.Grant.RootAPIKey,
	}, brokers, globalReg, verifier, logger)

	mux := http.NewServeMux()
	gw.Routes(mux)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("erebus broker starting",
			zap.String("addr", httpServer.Addr),
			zap.String("region", cfg.Broker.Region))
		errCh <- httpServer.ListenAndServe()
	}()

	if cfg.Metrics.Enabled {
		go runMetricsServer(ctx, cfg, reg, logger)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", zap.Error(err))
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown error", zap.Error(err))
	}
}

func runMetricsServer(ctx context.Context, cfg config.Config, reg *metrics.Registry, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Endpoint, reg.Handler())

	srv := &http.Server{
		Addr:         cfg.Metrics.ListenAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics server starting", zap.String("addr", cfg.Metrics.ListenAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown error", zap.Error(err))
		}
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}
}
