// Command syncd runs the chain-state synchronization service: contract event
// watcher, durable store, cache, and realtime gateway.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/ElMartidel96/mbxarts-platform-sub008/internal/cache"
	"github.com/ElMartidel96/mbxarts-platform-sub008/internal/chain"
	"github.com/ElMartidel96/mbxarts-platform-sub008/internal/config"
	"github.com/ElMartidel96/mbxarts-platform-sub008/internal/gateway"
	"github.com/ElMartidel96/mbxarts-platform-sub008/internal/httpapi"
	"github.com/ElMartidel96/mbxarts-platform-sub008/internal/metrics"
	"github.com/ElMartidel96/mbxarts-platform-sub008/internal/storage/postgres"
	"github.com/ElMartidel96/mbxarts-platform-sub008/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "syncd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Durable store
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.WithError(err).Warn("error closing database connection")
		}
	}()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	if err := postgres.Migrate(db); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	store := postgres.New(db)

	// Cache + bus
	redisClient := cache.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	cacheLayer := cache.New(redisClient)
	defer cacheLayer.Close()
	if err := cacheLayer.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	// Realtime gateway, attached to the notification bus
	gw := gateway.New(store, cacheLayer, log, m)
	if err := gw.Run(ctx, cacheLayer); err != nil {
		return fmt.Errorf("attach gateway to bus: %w", err)
	}

	// Chain watcher
	client, err := chain.NewClient(chain.ClientConfig{RPCURL: cfg.Chain.RPCURL})
	if err != nil {
		return fmt.Errorf("chain client: %w", err)
	}
	sub := chain.NewSubscriber(cfg.Chain.WSURL, log)
	watcher := chain.NewWatcher(chain.WatcherConfig{
		EscrowContract:    cfg.Contracts.Escrow,
		TaskRulesContract: cfg.Contracts.TaskRules,
		TokenContract:     cfg.Contracts.Token,
		Platform:          cfg.Chain.Platform,
		RankingsLimit:     cfg.Chain.RankingsLimit,
	}, client, sub, store, cacheLayer, log, m)

	if err := watcher.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize watcher: %w", err)
	}

	// Periodic cache re-warm as a staleness backstop; eager invalidation on
	// events remains the correctness mechanism.
	c := cron.New()
	if _, err := c.AddFunc("@every 1m", func() {
		warmCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := gw.QueryRankings(warmCtx, 0); err != nil {
			log.WithError(err).Warn("rankings warm failed")
		}
		if _, err := gw.QueryStats(warmCtx); err != nil {
			log.WithError(err).Warn("stats warm failed")
		}
	}); err != nil {
		return fmt.Errorf("schedule cache warm: %w", err)
	}
	c.Start()

	// HTTP surface: read API, websocket endpoint, metrics
	cors := httpapi.NewCORS(strings.Split(cfg.Server.AllowedOrigins, ","))
	limiter := httpapi.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst, log)

	apiMux := http.NewServeMux()
	apiMux.Handle("/metrics", promhttp.Handler())
	apiMux.Handle("/", cors.Handler(limiter.Handler(httpapi.NewHandler(store, gw, log))))

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           apiMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("HTTP server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	// Tear down subscriptions and client connections; in-flight handlers
	// finish before the store closes.
	watcher.Stop()
	c.Stop()
	gw.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	return nil
}
