package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zabview/zabview/internal/cache"
	"github.com/zabview/zabview/internal/config"
	"github.com/zabview/zabview/internal/events"
	"github.com/zabview/zabview/internal/logging"
	"github.com/zabview/zabview/internal/metrics"
	"github.com/zabview/zabview/internal/notify"
	"github.com/zabview/zabview/internal/poller"
	"github.com/zabview/zabview/internal/ratelimit"
	"github.com/zabview/zabview/internal/server"
	"github.com/zabview/zabview/internal/snapshot"
	"github.com/zabview/zabview/internal/upstream"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "ZABVIEW", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	promRegistry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(promRegistry)

	store := buildCacheStore(logger.With(slog.String("agent", "cache_factory")), cfg.Server.Cache)
	dataCache := cache.New(store, logger, recorder)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := dataCache.Close(shutdownCtx); err != nil {
			logger.Error("cache shutdown failed", slog.Any("error", err))
		}
	}()

	limiter := ratelimit.NewLimiter(logger, recorder, 10*time.Minute)
	defer limiter.Close()
	policies := ratelimit.PoliciesFromConfig(cfg.RateLimit)

	source := upstream.NewZabbixClient(cfg.Upstream)
	snapshots := snapshot.NewStore()
	hub := events.NewHub(logger, recorder)

	var sink notify.Sink = notify.NopSink{}
	if cfg.Notifier.Enabled {
		sink = notify.NewTelegramSink(cfg.Notifier.Telegram)
	}
	notifier, err := notify.New(cfg.Notifier, sink, logger, recorder)
	if err != nil {
		logger.Error("notifier setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	if cfg.Notifier.RulesFile != "" {
		watcher, err := config.WatchNotifyRules(ctx, cfg.Notifier.RulesFile, func(rules config.NotifyRules) {
			if err := notifier.ApplyRules(rules); err != nil {
				logger.Error("notification rules rejected", slog.Any("error", err))
			}
		}, func(err error) {
			if err != nil {
				logger.Error("notification rules watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("notification rules watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	cycle := poller.New(cfg.Poller, snapshot.NewBuilder(source), snapshots, hub, notifier, logger, recorder)
	go cycle.Run(ctx)

	handler := server.NewRouter(cfg, logger, recorder, dataCache, snapshots, hub, limiter, policies)
	srv, err := server.New(cfg, logger, handler)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("server shutdown complete")
}

// buildCacheStore picks the configured backend, falling back to memory when
// the shared store is unreachable so the dashboard still comes up.
func buildCacheStore(logger *slog.Logger, cfg config.CacheConfig) cache.Store {
	sweep := time.Duration(cfg.SweepSeconds) * time.Second
	switch strings.TrimSpace(strings.ToLower(cfg.Backend)) {
	case "", "memory":
		logger.Info("using memory cache backend", slog.Duration("sweep", sweep))
		return cache.NewMemory(sweep)
	case "valkey":
		store, err := cache.NewValkey(cache.ValkeyConfig{
			Address:  cfg.Valkey.Address,
			Username: cfg.Valkey.Username,
			Password: cfg.Valkey.Password,
			DB:       cfg.Valkey.DB,
			TLS: cache.ValkeyTLSConfig{
				Enabled: cfg.Valkey.TLS.Enabled,
				CAFile:  cfg.Valkey.TLS.CAFile,
			},
		})
		if err != nil {
			logger.Error("valkey cache initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory cache backend")
			return cache.NewMemory(sweep)
		}
		logger.Info("using valkey cache backend", slog.String("address", cfg.Valkey.Address))
		return store
	default:
		logger.Warn("unsupported cache backend, defaulting to memory", slog.String("backend", cfg.Backend))
		return cache.NewMemory(sweep)
	}
}
