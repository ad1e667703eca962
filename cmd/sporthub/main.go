package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/kibetmanuu/SportHublive-sub001/internal/cache"
	"github.com/kibetmanuu/SportHublive-sub001/internal/config"
	"github.com/kibetmanuu/SportHublive-sub001/internal/keypool"
	"github.com/kibetmanuu/SportHublive-sub001/internal/logger"
	"github.com/kibetmanuu/SportHublive-sub001/internal/metrics"
	"github.com/kibetmanuu/SportHublive-sub001/internal/remoteconfig"
	"github.com/kibetmanuu/SportHublive-sub001/internal/scores"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", getenvDefault("SPORTHUB_CONFIG", "/sporthub.yaml"), "path to sporthub.yaml")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		zlog.Fatal().Err(err).Str("path", configPath).Msg("load config")
	}
	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("sporthub stopped")
	}
}

func run(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	m := metrics.New()

	pool := keypool.New(
		keypool.WithLogger(log.With().Str("component", "keypool").Logger()),
		keypool.WithMetrics(m),
	)
	if len(cfg.Keys.List) > 0 {
		if err := pool.Initialize(cfg.Keys.List, keypool.Mode(cfg.Keys.Mode), cfg.Keys.ResetIntervalHours); err != nil {
			return fmt.Errorf("init key pool: %w", err)
		}
	}

	if cfg.RemoteConfig.URL != "" {
		reloader := &bootstrapReloader{
			pool:  pool,
			mode:  keypool.Mode(cfg.Keys.Mode),
			hours: cfg.Keys.ResetIntervalHours,
		}
		poller := remoteconfig.NewPoller(cfg.RemoteConfig.URL, reloader,
			remoteconfig.WithTimeout(cfg.RemoteConfig.TimeoutDur()),
			remoteconfig.WithLogger(log.With().Str("component", "remoteconfig").Logger()),
		)
		if err := poller.FetchOnce(ctx); err != nil {
			if len(cfg.Keys.List) == 0 {
				return fmt.Errorf("remote config: %w", err)
			}
			log.Warn().Err(err).Msg("remote config unavailable, using configured keys")
		}
		go poller.Run(ctx, cfg.RemoteConfig.PollEveryDur())
	}

	backend, err := openBackend(ctx, cfg.Cache)
	if err != nil {
		pool.Close()
		return fmt.Errorf("open cache backend: %w", err)
	}
	store := cache.NewStore(ctx, backend,
		cache.WithRAMLimit(cfg.Cache.RAMMaxBytes()),
		cache.WithLogger(log.With().Str("component", "cache").Logger()),
		cache.WithMetrics(m),
	)

	svc := scores.NewService(cfg, pool, store,
		scores.WithLogger(log),
		scores.WithMetrics(m, prometheus.DefaultGatherer),
	)
	defer svc.Close()

	addr := cfg.Server.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Str("backend", cfg.Cache.Backend).Int("domains", len(cfg.Upstream.Domains)).Msg("sporthub listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeoutDur())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("shutdown")
	}
	log.Info().Msg("sporthub stopped")
	return nil
}

func openBackend(ctx context.Context, c config.CacheConfig) (cache.Backend, error) {
	switch c.Backend {
	case "redis":
		return cache.OpenRedis(ctx, c.RedisURL)
	default:
		return cache.OpenLevelDB(c.Path)
	}
}

// bootstrapReloader initializes the pool on the first remote delivery when no
// keys were configured locally, and reloads it afterwards.
type bootstrapReloader struct {
	pool  *keypool.Pool
	mode  keypool.Mode
	hours float64
}

func (r *bootstrapReloader) Reload(keys []string, hours float64) error {
	if len(r.pool.Snapshot()) == 0 {
		if hours <= 0 {
			hours = r.hours
		}
		return r.pool.Initialize(keys, r.mode, hours)
	}
	return r.pool.Reload(keys, hours)
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
