// Package cache is the cache-aside layer in front of the scores API: record
// layout, key derivation, TTL rules and a two-tier store (in-process RAM over a
// persistent backend).
//
// Store never returns errors to its callers. Failed reads are misses and
// failed writes report false; the cause is logged.
package cache

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kibetmanuu/SportHublive-sub001/internal/logger"
	"github.com/kibetmanuu/SportHublive-sub001/internal/metrics"
)

// MaxBatchSize caps how many keys go into one backend delete.
const MaxBatchSize = 500

const (
	defaultRAMMax = 64 << 20
	bgSlots       = 16
	bgTimeout     = 10 * time.Second
)

type entryMeta struct {
	size      int64
	expiresAt int64
}

type Store struct {
	backend Backend
	ram     *ramCache
	log     zerolog.Logger
	warn    *logger.RateLimited
	metrics *metrics.Collector
	now     func() time.Time

	mu        sync.Mutex
	index     map[string]entryMeta
	totalSize int64

	// bgMu orders background task starts against Close.
	bgMu      sync.Mutex
	closed    bool
	bgSem     chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	ramMax int64
}

type Option func(*Store)

// WithRAMLimit bounds the in-process tier; 0 disables the bound.
func WithRAMLimit(n int64) Option { return func(s *Store) { s.ramMax = n } }

func WithLogger(l zerolog.Logger) Option { return func(s *Store) { s.log = l } }

func WithMetrics(m *metrics.Collector) Option { return func(s *Store) { s.metrics = m } }

func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// NewStore wraps backend and builds the size/expiry index by scanning it. A
// scan failure leaves a partial index and is only logged.
func NewStore(ctx context.Context, backend Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		log:     zerolog.Nop(),
		now:     time.Now,
		index:   map[string]entryMeta{},
		bgSem:   make(chan struct{}, bgSlots),
		ramMax:  defaultRAMMax,
	}
	for _, o := range opts {
		o(s)
	}
	s.ram = newRAMCache(s.ramMax)
	s.warn = logger.NewRateLimited(s.log, time.Minute)

	err := backend.Scan(ctx, func(key string, value []byte) error {
		var rec Record
		if json.Unmarshal(value, &rec) != nil {
			// unreadable records stay indexed as expired so a sweep removes them
			rec.ExpiresAt = 0
		}
		s.index[key] = entryMeta{size: int64(len(value)), expiresAt: rec.ExpiresAt}
		s.totalSize += int64(len(value))
		return nil
	})
	if err != nil {
		s.log.Warn().Err(err).Int("indexed", len(s.index)).Msg("cache index incomplete")
	}
	s.metrics.SetCacheSize(len(s.index), s.totalSize)
	return s
}

// CacheData stores payload under key for ttl. A non-positive ttl stores an
// entry that is already expired. It reports whether the write reached the
// backend.
func (s *Store) CacheData(ctx context.Context, key string, payload any, ttl time.Duration) bool {
	if key == "" {
		return false
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("cache payload not serializable")
		s.metrics.CacheWrite(false)
		return false
	}
	if ttl < 0 {
		ttl = 0
	}
	now := s.now()
	rec := Record{
		Key:       key,
		Data:      data,
		Timestamp: now.UnixMilli(),
		ExpiresAt: now.Add(ttl).UnixMilli(),
		Version:   RecordVersion,
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		s.metrics.CacheWrite(false)
		return false
	}
	if err := s.backend.Put(ctx, key, raw, time.UnixMilli(rec.ExpiresAt)); err != nil {
		s.warn.Warn(err, "cache write failed")
		s.metrics.CacheWrite(false)
		return false
	}
	s.ram.Put(key, rec, int64(len(raw)))
	s.remember(key, int64(len(raw)), rec.ExpiresAt)
	s.metrics.CacheWrite(true)
	return true
}

// GetCachedData decodes the entry for key into dst. Absent, expired,
// undecodable and unreadable entries are all misses; expired entries are
// removed in the background.
func (s *Store) GetCachedData(ctx context.Context, key string, dst any, src Source) bool {
	rec, ok := s.read(ctx, key, src)
	if ok && !rec.Valid(s.now()) {
		s.expireAsync(key, rec.ExpiresAt)
		ok = false
	}
	if ok {
		if err := json.Unmarshal(rec.Data, dst); err != nil {
			s.log.Debug().Err(err).Str("key", key).Msg("cached payload does not decode")
			ok = false
		}
	}
	s.metrics.CacheLookup(src.String(), ok)
	return ok
}

// GetCachedDataWithFallback reads the in-process tier, then the backend.
func (s *Store) GetCachedDataWithFallback(ctx context.Context, key string, dst any) bool {
	if s.GetCachedData(ctx, key, dst, CacheFirst) {
		return true
	}
	return s.GetCachedData(ctx, key, dst, ServerFirst)
}

// Lookup is GetCachedDataWithFallback for a typed result.
func Lookup[T any](ctx context.Context, s *Store, key string) (T, bool) {
	var v T
	if !s.GetCachedDataWithFallback(ctx, key, &v) {
		var zero T
		return zero, false
	}
	return v, true
}

// Fresh reports whether the index holds an unexpired entry for key.
func (s *Store) Fresh(key string) bool {
	s.mu.Lock()
	m, ok := s.index[key]
	s.mu.Unlock()
	return ok && s.now().UnixMilli() < m.expiresAt
}

func (s *Store) read(ctx context.Context, key string, src Source) (Record, bool) {
	if src == CacheFirst {
		return s.ram.Get(key)
	}
	raw, found, err := s.backend.Get(ctx, key)
	if err != nil {
		s.warn.Warn(err, "cache read failed")
		return Record{}, false
	}
	if !found {
		return Record{}, false
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		s.log.Debug().Err(err).Str("key", key).Msg("cache record corrupt")
		return Record{}, false
	}
	if rec.Valid(s.now()) {
		s.ram.Put(key, rec, int64(len(raw)))
	}
	return rec, true
}

// DeleteCachedData removes key from both tiers. Missing keys are fine.
func (s *Store) DeleteCachedData(ctx context.Context, key string) {
	s.ram.Delete(key)
	if err := s.backend.Delete(ctx, key); err != nil {
		s.warn.Warn(err, "cache delete failed")
		return
	}
	s.forget(key)
	s.metrics.CacheDeleted("explicit", 1)
}

// ClearExpiredCache removes every entry that is stale now, plus records that
// no longer decode, and returns how many backend entries were deleted.
func (s *Store) ClearExpiredCache(ctx context.Context) int {
	nowMs := s.now().UnixMilli()
	var expired []string
	seen := map[string]struct{}{}
	err := s.backend.Scan(ctx, func(key string, value []byte) error {
		if _, dup := seen[key]; dup {
			return nil
		}
		seen[key] = struct{}{}
		var rec Record
		if json.Unmarshal(value, &rec) != nil || nowMs >= rec.ExpiresAt {
			expired = append(expired, key)
		}
		return nil
	})
	if err != nil {
		s.warn.Warn(err, "cache sweep scan failed")
	}

	s.ram.DeleteExpired(nowMs)
	n := s.deleteBatched(ctx, expired, "expired")

	// entries the backend dropped on its own
	if err == nil {
		s.mu.Lock()
		for k, m := range s.index {
			if _, ok := seen[k]; !ok && nowMs >= m.expiresAt {
				s.forgetLocked(k)
			}
		}
		s.mu.Unlock()
		s.publishSize()
	}
	return n
}

// ClearAllCache removes every entry and returns how many backend entries
// were deleted.
func (s *Store) ClearAllCache(ctx context.Context) int {
	keys, err := s.scanKeys(ctx, func(string) bool { return true })
	if err != nil {
		s.warn.Warn(err, "cache clear scan failed")
	}
	n := s.deleteBatched(ctx, keys, "clear")
	s.ram.Clear()
	if err == nil {
		s.mu.Lock()
		s.index = map[string]entryMeta{}
		s.totalSize = 0
		s.mu.Unlock()
		s.publishSize()
	}
	return n
}

// InvalidateCachePattern removes every entry whose key contains pattern,
// ignoring case. An empty pattern matches nothing.
func (s *Store) InvalidateCachePattern(ctx context.Context, pattern string) int {
	p := strings.ToLower(pattern)
	if p == "" {
		return 0
	}
	keys, err := s.scanKeys(ctx, func(k string) bool {
		return strings.Contains(strings.ToLower(k), p)
	})
	if err != nil {
		s.warn.Warn(err, "cache invalidate scan failed")
	}
	return s.deleteBatched(ctx, keys, "invalidate")
}

// GetCacheStats summarizes the index. It does not touch the backend.
func (s *Store) GetCacheStats() Stats {
	now := s.now()
	nowMs := now.UnixMilli()
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		TotalEntries:   len(s.index),
		TotalSizeBytes: s.totalSize,
		LastChecked:    now,
	}
	for _, m := range s.index {
		if nowMs < m.expiresAt {
			st.ValidEntries++
		} else {
			st.ExpiredEntries++
		}
	}
	return st
}

// RAMSize is the encoded size held by the in-process tier.
func (s *Store) RAMSize() int64 { return s.ram.TotalSize() }

// Close waits for background deletes and closes the backend.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		s.bgMu.Lock()
		s.closed = true
		s.bgMu.Unlock()
		s.wg.Wait()
		if err := s.backend.Close(); err != nil {
			s.log.Warn().Err(err).Msg("cache backend close")
		}
	})
}

func (s *Store) scanKeys(ctx context.Context, match func(string) bool) ([]string, error) {
	var keys []string
	seen := map[string]struct{}{}
	err := s.backend.ScanKeys(ctx, func(key string) error {
		if _, dup := seen[key]; dup {
			return nil
		}
		seen[key] = struct{}{}
		if match(key) {
			keys = append(keys, key)
		}
		return nil
	})
	return keys, err
}

// deleteBatched removes keys from both tiers in chunks of MaxBatchSize and
// returns how many were deleted from the backend.
func (s *Store) deleteBatched(ctx context.Context, keys []string, reason string) int {
	deleted := 0
	for start := 0; start < len(keys); start += MaxBatchSize {
		batch := keys[start:min(start+MaxBatchSize, len(keys))]
		if err := s.backend.Delete(ctx, batch...); err != nil {
			s.warn.Warn(err, "cache batch delete failed")
			if ctx.Err() != nil {
				break
			}
			continue
		}
		s.mu.Lock()
		for _, k := range batch {
			s.ram.Delete(k)
			s.forgetLocked(k)
		}
		s.mu.Unlock()
		deleted += len(batch)
	}
	s.publishSize()
	s.metrics.CacheDeleted(reason, deleted)
	if deleted > 0 {
		s.log.Debug().Str("reason", reason).Int("deleted", deleted).Msg("cache entries deleted")
	}
	return deleted
}

// expireAsync deletes a stale entry in the background unless it was
// rewritten in the meantime. It is dropped when no slot is free.
func (s *Store) expireAsync(key string, seenExpiresAt int64) {
	s.bgMu.Lock()
	if s.closed {
		s.bgMu.Unlock()
		return
	}
	select {
	case s.bgSem <- struct{}{}:
	default:
		s.bgMu.Unlock()
		return
	}
	s.wg.Add(1)
	s.bgMu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() { <-s.bgSem }()
		ctx, cancel := context.WithTimeout(context.Background(), bgTimeout)
		defer cancel()

		if rec, ok := s.ram.Get(key); ok && rec.ExpiresAt <= seenExpiresAt {
			s.ram.Delete(key)
		}
		raw, found, err := s.backend.Get(ctx, key)
		if err != nil || !found {
			return
		}
		var rec Record
		if json.Unmarshal(raw, &rec) == nil && rec.ExpiresAt > seenExpiresAt {
			return
		}
		if err := s.backend.Delete(ctx, key); err != nil {
			s.log.Debug().Err(err).Str("key", key).Msg("stale cache entry not deleted")
			return
		}
		s.forget(key)
		s.metrics.CacheDeleted("expired", 1)
	}()
}

func (s *Store) remember(key string, size, expiresAt int64) {
	s.mu.Lock()
	if old, ok := s.index[key]; ok {
		s.totalSize -= old.size
	}
	s.index[key] = entryMeta{size: size, expiresAt: expiresAt}
	s.totalSize += size
	s.mu.Unlock()
	s.publishSize()
}

func (s *Store) forget(key string) {
	s.mu.Lock()
	s.forgetLocked(key)
	s.mu.Unlock()
	s.publishSize()
}

func (s *Store) forgetLocked(key string) {
	if old, ok := s.index[key]; ok {
		s.totalSize -= old.size
		delete(s.index, key)
	}
}

func (s *Store) publishSize() {
	if s.metrics == nil {
		return
	}
	s.mu.Lock()
	n, size := len(s.index), s.totalSize
	s.mu.Unlock()
	s.metrics.SetCacheSize(n, size)
}
