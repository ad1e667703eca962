package scores

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kibetmanuu/SportHublive-sub001/internal/upstream"
)

const cacheHeader = "X-Sporthub-Cache"

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/{domain}/{endpoint...}", s.handleQuery)

	mux.HandleFunc("GET /admin/keys", s.handleKeys)
	mux.HandleFunc("POST /admin/keys/reset", s.handleKeysReset)
	mux.HandleFunc("GET /admin/cache/stats", s.handleCacheStats)
	mux.HandleFunc("POST /admin/cache/sweep", s.handleCacheSweep)
	mux.HandleFunc("DELETE /admin/cache", s.handleCacheClear)
	mux.HandleFunc("POST /admin/cache/invalidate", s.handleCacheInvalidate)

	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

func (s *Service) handleQuery(w http.ResponseWriter, r *http.Request) {
	q := Query{
		Domain:   r.PathValue("domain"),
		Endpoint: r.PathValue("endpoint"),
	}
	if q.Endpoint == "" {
		http.Error(w, "endpoint required", http.StatusBadRequest)
		return
	}
	if vals := r.URL.Query(); len(vals) > 0 {
		q.Params = make(map[string]string, len(vals))
		for k := range vals {
			q.Params[k] = vals.Get(k)
		}
	}

	res, err := s.fetcher.Fetch(r.Context(), q)
	if err != nil {
		s.writeFetchError(w, r, q, err)
		return
	}
	setCacheHeader(w.Header(), res.Source)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(res.Data)
}

func (s *Service) writeFetchError(w http.ResponseWriter, r *http.Request, q Query, err error) {
	var (
		se *StatusError
		te *upstream.TransportError
	)
	switch {
	case errors.As(err, &se):
		setCacheHeader(w.Header(), SourceMiss)
		if json.Valid(se.Body) {
			w.Header().Set("Content-Type", "application/json")
		}
		w.WriteHeader(se.Status)
		_, _ = w.Write(se.Body)
	case errors.Is(err, ErrUnknownDomain):
		http.Error(w, "unknown domain", http.StatusNotFound)
	case errors.Is(err, upstream.ErrNoCredentials):
		s.log.Error().Msg("no api keys configured")
		http.Error(w, "no upstream credentials", http.StatusServiceUnavailable)
	case errors.Is(err, ErrClosed):
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
	case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
		// client went away
	case errors.As(err, &te), errors.Is(err, context.DeadlineExceeded):
		setCacheHeader(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
	default:
		s.log.Warn().Err(err).Str("domain", q.Domain).Str("endpoint", q.Endpoint).Msg("fetch failed")
		setCacheHeader(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}
}

func (s *Service) handleKeys(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("format") == "json" {
		writeJSON(w, s.pool.Snapshot())
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(s.pool.DebugInfo()))
}

func (s *Service) handleKeysReset(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]int{"reset": s.pool.ResetFailed()})
}

func (s *Service) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.store.GetCacheStats())
}

func (s *Service) handleCacheSweep(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]int{"deleted": s.store.ClearExpiredCache(r.Context())})
}

func (s *Service) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	n := s.store.ClearAllCache(r.Context())
	s.log.Info().Int("deleted", n).Msg("cache cleared")
	writeJSON(w, map[string]int{"deleted": n})
}

func (s *Service) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	pattern := strings.TrimSpace(r.URL.Query().Get("pattern"))
	if pattern == "" {
		http.Error(w, "pattern required", http.StatusBadRequest)
		return
	}
	n := s.store.InvalidateCachePattern(r.Context(), pattern)
	s.log.Info().Str("pattern", pattern).Int("deleted", n).Msg("cache invalidated")
	writeJSON(w, map[string]int{"deleted": n})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func setCacheHeader(h http.Header, v string) {
	h.Set(cacheHeader, v)
	// browsers only let scripts read custom headers that are exposed
	ensureExposedHeader(h, cacheHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}
