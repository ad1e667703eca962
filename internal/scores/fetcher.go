// Package scores serves live-sports queries: cache first, then the upstream
// API through the credential-rotating client.
package scores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/kibetmanuu/SportHublive-sub001/internal/cache"
	"github.com/kibetmanuu/SportHublive-sub001/internal/metrics"
)

const (
	SourceHit    = "hit"
	SourceMiss   = "miss"
	SourceBypass = "bypass"

	maxBodyBytes = 16 << 20

	// sharedFetchTimeout bounds a shared upstream call once it no longer
	// follows any caller's context.
	sharedFetchTimeout = 2 * time.Minute
)

var (
	ErrUnknownDomain = errors.New("scores: unknown domain")
	ErrInvalidJSON   = errors.New("scores: upstream returned invalid JSON")
	ErrClosed        = errors.New("scores: fetcher closed")
)

// Query is one logical request: an API family, an endpoint under it and the
// query parameters.
type Query struct {
	Domain   string
	Endpoint string
	Params   map[string]string
}

func (q Query) CacheKey() string {
	return cache.GenerateCacheKey(q.Domain, q.Endpoint, q.Params)
}

type Result struct {
	Data   json.RawMessage
	Source string
}

// StatusError is a final non-2xx answer from upstream, after retries.
type StatusError struct {
	Status int
	Body   []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("scores: upstream answered %d", e.Status)
}

// Doer is satisfied by *upstream.Client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Domain struct {
	BaseURL string
	Client  Doer
}

type Fetcher struct {
	domains map[string]Domain
	store   *cache.Store
	policy  cache.Policy
	group   singleflight.Group
	log     zerolog.Logger
	metrics *metrics.Collector

	// mu orders shared call starts against Close.
	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
	stopCtx  context.Context
	stop     context.CancelFunc
}

type FetcherOption func(*Fetcher)

func WithFetchLogger(l zerolog.Logger) FetcherOption { return func(f *Fetcher) { f.log = l } }

func WithFetchMetrics(m *metrics.Collector) FetcherOption {
	return func(f *Fetcher) { f.metrics = m }
}

func NewFetcher(domains map[string]Domain, store *cache.Store, policy cache.Policy, opts ...FetcherOption) *Fetcher {
	if policy == nil {
		policy = cache.DefaultPolicy()
	}
	f := &Fetcher{
		domains: domains,
		store:   store,
		policy:  policy,
		log:     zerolog.Nop(),
	}
	f.stopCtx, f.stop = context.WithCancel(context.Background())
	for _, o := range opts {
		o(f)
	}
	return f
}

// Close cancels shared upstream calls still running and waits for them.
// Later misses fail with ErrClosed.
func (f *Fetcher) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.stop()
	f.inflight.Wait()
}

func (f *Fetcher) track() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.inflight.Add(1)
	return true
}

// Fetch answers q from the cache when possible. Concurrent misses on the
// same key share one upstream call.
func (f *Fetcher) Fetch(ctx context.Context, q Query) (Result, error) {
	d, ok := f.domains[q.Domain]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownDomain, q.Domain)
	}
	ttl, bypass := f.policy.Lookup(q.Endpoint)
	key := q.CacheKey()

	if !bypass {
		var data json.RawMessage
		if f.store.GetCachedDataWithFallback(ctx, key, &data) {
			f.metrics.ObserveResponse(SourceHit, len(data))
			return Result{Data: data, Source: SourceHit}, nil
		}
	}

	source := SourceMiss
	if bypass {
		source = SourceBypass
	}
	data, err := f.load(ctx, d, q, key, ttl, bypass)
	if err != nil {
		return Result{}, err
	}
	f.metrics.ObserveResponse(source, len(data))
	return Result{Data: data, Source: source}, nil
}

// Refresh fetches q from upstream and rewrites its cache entry.
func (f *Fetcher) Refresh(ctx context.Context, q Query) error {
	d, ok := f.domains[q.Domain]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownDomain, q.Domain)
	}
	ttl, bypass := f.policy.Lookup(q.Endpoint)
	if bypass {
		return nil
	}
	_, err := f.load(ctx, d, q, q.CacheKey(), ttl, false)
	return err
}

// load runs one upstream call per key. The call is detached from the
// callers' contexts and ends only on success, failure, timeout or Close. A
// waiter that gives up returns its own ctx error while the others still
// receive the payload.
func (f *Fetcher) load(ctx context.Context, d Domain, q Query, key string, ttl time.Duration, bypass bool) (json.RawMessage, error) {
	ch := f.group.DoChan(key, func() (any, error) {
		if !f.track() {
			return nil, ErrClosed
		}
		defer f.inflight.Done()

		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedFetchTimeout)
		defer cancel()
		stop := context.AfterFunc(f.stopCtx, cancel)
		defer stop()

		start := time.Now()
		data, err := f.fetchUpstream(callCtx, d, q)
		f.metrics.ObserveFetch(q.Domain, fetchResult(err), time.Since(start).Seconds())
		if err != nil {
			return nil, err
		}
		if !bypass {
			f.store.CacheData(callCtx, key, data, ttl)
		}
		return data, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			f.log.Debug().Str("key", key).Msg("upstream call shared")
		}
		return res.Val.(json.RawMessage), nil
	}
}

func (f *Fetcher) fetchUpstream(ctx context.Context, d Domain, q Query) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, upstreamURL(d.BaseURL, q), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("scores: read upstream body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Status: resp.StatusCode, Body: body}
	}
	if !json.Valid(body) {
		return nil, ErrInvalidJSON
	}
	return json.RawMessage(body), nil
}

func upstreamURL(base string, q Query) string {
	u := strings.TrimRight(base, "/") + "/" + strings.TrimLeft(q.Endpoint, "/")
	if len(q.Params) == 0 {
		return u
	}
	vals := make(url.Values, len(q.Params))
	for k, v := range q.Params {
		vals.Set(k, v)
	}
	return u + "?" + vals.Encode()
}

func fetchResult(err error) string {
	var se *StatusError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &se):
		return "status"
	default:
		return "error"
	}
}
