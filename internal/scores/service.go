package scores

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/kibetmanuu/SportHublive-sub001/internal/cache"
	"github.com/kibetmanuu/SportHublive-sub001/internal/config"
	"github.com/kibetmanuu/SportHublive-sub001/internal/keypool"
	"github.com/kibetmanuu/SportHublive-sub001/internal/metrics"
	"github.com/kibetmanuu/SportHublive-sub001/internal/upstream"
)

const backgroundTimeout = 30 * time.Second

// Service owns the key pool, the cache store and the background loops. It
// takes over pool and store: Close releases both.
type Service struct {
	cfg config.Config

	pool    *keypool.Pool
	store   *cache.Store
	fetcher *Fetcher

	log      zerolog.Logger
	metrics  *metrics.Collector
	gatherer prometheus.Gatherer
	doer     upstream.Doer

	bgSem chan struct{}

	// bgCtx is cancelled by Close so in-flight background calls stop early.
	bgCtx    context.Context
	bgCancel context.CancelFunc

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type Option func(*Service)

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.log = l } }

func WithMetrics(m *metrics.Collector, g prometheus.Gatherer) Option {
	return func(s *Service) {
		s.metrics = m
		s.gatherer = g
	}
}

// WithDoer replaces the HTTP client used for upstream calls.
func WithDoer(d upstream.Doer) Option { return func(s *Service) { s.doer = d } }

func NewService(cfg config.Config, pool *keypool.Pool, store *cache.Store, opts ...Option) *Service {
	s := &Service{
		cfg:      cfg,
		pool:     pool,
		store:    store,
		log:      zerolog.Nop(),
		gatherer: prometheus.DefaultGatherer,
		bgSem:    make(chan struct{}, 8),
		stopCh:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.bgCtx, s.bgCancel = context.WithCancel(context.Background())
	if s.doer == nil {
		s.doer = &http.Client{Timeout: cfg.Upstream.TimeoutDur()}
	}

	domains := make(map[string]Domain, len(cfg.Upstream.Domains))
	for name, d := range cfg.Upstream.Domains {
		client := upstream.New(s.doer, pool, d.Host,
			upstream.WithMaxAttempts(cfg.Upstream.MaxAttempts),
			upstream.WithRetryDelay(cfg.Upstream.RetryDelayDur()),
			upstream.WithHeaders(cfg.Keys.KeyHeader, cfg.Keys.HostHeader),
			upstream.WithLogger(s.log.With().Str("domain", name).Logger()),
			upstream.WithMetrics(s.metrics),
		)
		domains[name] = Domain{BaseURL: d.BaseURL, Client: client}
	}
	s.fetcher = NewFetcher(domains, store, cfg.Cache.Policy(),
		WithFetchLogger(s.log),
		WithFetchMetrics(s.metrics),
	)

	if every := cfg.Cache.SweepEveryDur(); every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.sweepLoop(every)
		}()
	}

	if every := cfg.Logging.StatsEveryDur(); every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}

	if every := cfg.Warmup.EveryDur(); every > 0 && len(cfg.Warmup.Queries) > 0 {
		s.log.Info().Dur("every", every).Int("queries", len(cfg.Warmup.Queries)).Msg("warmup enabled")
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.warmupLoop(every)
		}()
	}

	return s
}

// Fetch answers q through the cache and the upstream API.
func (s *Service) Fetch(ctx context.Context, q Query) (Result, error) {
	return s.fetcher.Fetch(ctx, q)
}

// Close stops the background loops, then closes the store and the pool.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.bgCancel()
		s.wg.Wait()
		s.fetcher.Close()
		s.store.Close()
		s.pool.Close()
	})
}

func (s *Service) sweepLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.sweep()
		}
	}
}

func (s *Service) sweep() int {
	ctx, cancel := context.WithTimeout(s.bgCtx, backgroundTimeout)
	defer cancel()
	n := s.store.ClearExpiredCache(ctx)
	if n > 0 {
		s.log.Info().Int("deleted", n).Msg("expired cache entries swept")
	}
	return n
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	cs := s.store.GetCacheStats()
	ev := s.log.Info().
		Int("entries", cs.TotalEntries).
		Int("valid", cs.ValidEntries).
		Int("expired", cs.ExpiredEntries).
		Str("stored", units.BytesSize(float64(cs.TotalSizeBytes))).
		Str("ram", units.BytesSize(float64(s.store.RAMSize())))
	if n, sum := s.metrics.ResponseSizes(); n > 0 {
		ev = ev.Uint64("responses", n).Str("resp_avg", units.BytesSize(sum/float64(n)))
	}
	if rss, ok := processRSSBytes(); ok {
		ev = ev.Str("rss", units.BytesSize(float64(rss)))
	}
	if anon, ok := processAnonBytes(); ok {
		ev = ev.Str("rss_anon", units.BytesSize(float64(anon)))
	}
	ev.Msg("cache stats")
}

func (s *Service) warmupLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			for _, wq := range s.cfg.Warmup.Queries {
				select {
				case <-s.stopCh:
					return
				default:
				}
				q := Query{Domain: wq.Domain, Endpoint: wq.Endpoint, Params: wq.Params}
				if s.store.Fresh(q.CacheKey()) {
					continue
				}
				s.warm(q)
			}
		}
	}
}

// warm refreshes q in the background. It is skipped when every slot is busy.
func (s *Service) warm(q Query) {
	select {
	case s.bgSem <- struct{}{}:
	default:
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.bgSem }()
		ctx, cancel := context.WithTimeout(s.bgCtx, backgroundTimeout)
		defer cancel()
		if err := s.fetcher.Refresh(ctx, q); err != nil && ctx.Err() == nil {
			s.log.Warn().Err(err).Str("domain", q.Domain).Str("endpoint", q.Endpoint).Msg("warmup failed")
		}
	}()
}
