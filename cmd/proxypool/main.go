package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"

	"proxypool/internal/checker"
	"proxypool/internal/config"
	"proxypool/internal/database"
	"proxypool/internal/jobs/refresher"
	"proxypool/internal/metrics"
	"proxypool/internal/pool"
	"proxypool/internal/poolsync"
	"proxypool/internal/sources"
)

const (
	checkoutSample = 5
	lockTTLMargin  = time.Minute
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	loop := flag.Bool("loop", false, "keep refreshing on the configured interval")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("Could not load .env file", "error", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("Invalid configuration", "error", err)
	}
	setLogLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var dbOpts []database.Option
	if log.GetLevel() <= log.DebugLevel {
		dbOpts = append(dbOpts, database.WithLogger(database.QueryLogger()))
	}
	db, err := database.Open(cfg.DBPath, dbOpts...)
	if err != nil {
		log.Fatal("Could not open proxy database", "path", cfg.DBPath, "error", err)
	}
	store := database.NewStore(db, database.WithDefaultQuota(cfg.DefaultQuota))
	if err := store.Setup(ctx); err != nil {
		log.Fatal("Could not set up proxy table", "error", err)
	}

	collector := metrics.New()
	opts := []pool.Option{pool.WithMetrics(collector)}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		client, err := poolsync.Connect(ctx, cfg.RedisURL)
		if err != nil {
			log.Warn("Redis unavailable, running without cross-instance sync", "error", err)
		} else {
			defer client.Close()
			coordinator := poolsync.New(client, poolsync.WithLockTTL(lockTTL(cfg.RefreshDeadline)))
			opts = append(opts, pool.WithLocker(coordinator), pool.WithPublisher(coordinator))
			go coordinator.Subscribe(ctx, func(event poolsync.RefreshEvent) {
				log.Info("Pool refreshed by another instance",
					"origin", event.Origin,
					"persisted", event.Persisted,
					"available", event.Available,
				)
			})
		}
	}

	if cfg.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.MetricsAddr, collector)
	}

	manager := pool.New(
		cfg,
		store,
		sources.NewHTTPFetcher(cfg.SourceTimeout, sources.WithConcurrency(cfg.WorkerCount)),
		checker.New(cfg.LiveTarget, cfg.ProbeTimeout),
		opts...,
	)

	if *loop || cfg.RefreshInterval > 0 {
		log.Info("Refreshing proxy pool periodically", "interval", cfg.RefreshInterval)
		refresher.Run(ctx, manager, cfg.RefreshInterval)
		return
	}

	persisted, err := manager.Refresh(ctx)
	if err != nil {
		log.Fatal("Refresh failed", "error", err)
	}
	log.Info("Refresh complete", "persisted", persisted)

	proxies, err := manager.Checkout(ctx, checkoutSample)
	if err != nil {
		log.Fatal("Checkout failed", "error", err)
	}
	log.Info("Available proxies", "proxies", proxies)
	if len(proxies) == 0 {
		return
	}

	if err := manager.Consume(ctx, proxies[0]); err != nil {
		log.Error("Consume failed", "proxy", proxies[0], "error", err)
		return
	}
	log.Info("Consumed one use", "proxy", proxies[0])
}

// lockTTL keeps the refresh lock alive for a whole refresh. The deadline
// bounds probing, so a margin covers fetching and the final writes.
func lockTTL(refreshDeadline time.Duration) time.Duration {
	ttl := refreshDeadline + lockTTLMargin
	if ttl < poolsync.DefaultLockTTL {
		return poolsync.DefaultLockTTL
	}
	return ttl
}

func setLogLevel(raw string) {
	level, err := log.ParseLevel(raw)
	if err != nil {
		log.Warn("Unknown log level, keeping info", "level", raw)
		return
	}
	log.SetLevel(level)
}

func serveMetrics(ctx context.Context, addr string, collector *metrics.Collector) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Info("Serving metrics", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("Metrics listener stopped", "error", err)
	}
}
