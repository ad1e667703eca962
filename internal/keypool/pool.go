// Package keypool owns the set of upstream API credentials, their health and
// the policy that decides which credential the next outbound call presents.
//
// A Pool is safe for concurrent use. It never refuses to hand out a
// credential once initialized: when every key is quarantined it fails open and
// returns one anyway, leaving the decision to keep retrying to the caller.
package keypool

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kibetmanuu/SportHublive-sub001/internal/metrics"
)

type Mode string

const (
	ModeRandom     Mode = "random"
	ModeRoundRobin Mode = "round_robin"
)

type Health int

const (
	Working Health = iota
	Failed
)

func (h Health) String() string {
	if h == Failed {
		return "FAILED"
	}
	return "WORKING"
}

var (
	ErrNoCredentials   = errors.New("keypool: no usable credentials")
	ErrInvalidInterval = errors.New("keypool: reset interval must be a positive number of hours")
)

type keyState struct {
	token       string
	health      Health
	failures    int
	lastFailure time.Time
}

// KeyStatus is a read-only view of one credential.
type KeyStatus struct {
	Key         string    `json:"key"`
	Health      string    `json:"health"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"lastFailure,omitempty"`
}

type Pool struct {
	log     zerolog.Logger
	metrics *metrics.Collector
	now     func() time.Time
	intn    func(n int) int

	// lifecycle serializes Initialize/Close so only one reset task is ever armed.
	lifecycle sync.Mutex
	stopReset func()

	mu          sync.Mutex
	keys        []*keyState
	byToken     map[string]*keyState
	mode        Mode
	cursor      int
	interval    time.Duration
	nextResetAt time.Time
	closed      bool
}

type Option func(*Pool)

func WithLogger(l zerolog.Logger) Option { return func(p *Pool) { p.log = l } }

func WithMetrics(m *metrics.Collector) Option { return func(p *Pool) { p.metrics = m } }

// WithClock replaces time.Now for failure timestamps and debug output.
func WithClock(now func() time.Time) Option { return func(p *Pool) { p.now = now } }

// WithRand replaces the uniform source used in random mode; intn must return a
// value in [0, n).
func WithRand(intn func(n int) int) Option { return func(p *Pool) { p.intn = intn } }

func New(opts ...Option) *Pool {
	p := &Pool{
		log:     zerolog.Nop(),
		now:     time.Now,
		intn:    rand.IntN,
		byToken: map[string]*keyState{},
		mode:    ModeRoundRobin,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Initialize replaces the credential set and (re)arms the periodic reset of
// failed credentials. On error the previous state is left untouched.
func (p *Pool) Initialize(keys []string, mode Mode, resetIntervalHours float64) error {
	clean, interval, err := validate(keys, mode, resetIntervalHours)
	if err != nil {
		return err
	}

	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()
	p.initializeLocked(clean, mode, interval)
	return nil
}

// Reload applies credentials and interval delivered by remote configuration.
// An empty key list keeps the current keys and a non-positive interval keeps
// the current interval; anything else behaves like Initialize. The current
// mode is read and reapplied under the same lifecycle lock as Initialize.
func (p *Pool) Reload(keys []string, resetIntervalHours float64) error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	p.mu.Lock()
	mode := p.mode
	current := make([]string, 0, len(p.keys))
	for _, st := range p.keys {
		current = append(current, st.token)
	}
	currentHours := p.interval.Hours()
	p.mu.Unlock()

	if len(normalizeKeys(keys)) == 0 {
		keys = current
	}
	if resetIntervalHours <= 0 || math.IsNaN(resetIntervalHours) {
		resetIntervalHours = currentHours
	}
	clean, interval, err := validate(keys, mode, resetIntervalHours)
	if err != nil {
		return err
	}
	p.initializeLocked(clean, mode, interval)
	return nil
}

func validate(keys []string, mode Mode, resetIntervalHours float64) ([]string, time.Duration, error) {
	clean := normalizeKeys(keys)
	if len(clean) == 0 {
		return nil, 0, ErrNoCredentials
	}
	if mode != ModeRandom && mode != ModeRoundRobin {
		return nil, 0, fmt.Errorf("keypool: unsupported selection mode %q", mode)
	}
	interval, err := hoursToDuration(resetIntervalHours)
	if err != nil {
		return nil, 0, err
	}
	return clean, interval, nil
}

// initializeLocked swaps in a fresh credential set. Callers hold p.lifecycle.
func (p *Pool) initializeLocked(clean []string, mode Mode, interval time.Duration) {
	if p.stopReset != nil {
		p.stopReset()
		p.stopReset = nil
	}

	states := make([]*keyState, 0, len(clean))
	byToken := make(map[string]*keyState, len(clean))
	for _, k := range clean {
		st := &keyState{token: k}
		states = append(states, st)
		byToken[k] = st
	}

	p.mu.Lock()
	p.keys = states
	p.byToken = byToken
	p.mode = mode
	p.cursor = 0
	p.interval = interval
	p.nextResetAt = p.now().Add(interval)
	p.closed = false
	p.mu.Unlock()

	p.metrics.SetFailedKeys(0)
	p.stopReset = p.startResetTask(interval)

	p.log.Info().
		Int("keys", len(states)).
		Str("mode", string(mode)).
		Dur("reset_interval", interval).
		Msg("key pool initialized")
}

// Next returns the credential the next attempt should present. It returns ""
// only when the pool was never initialized.
func (p *Pool) Next() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.keys)
	if n == 0 {
		return ""
	}

	var (
		picked   *keyState
		failOpen bool
	)
	switch p.mode {
	case ModeRandom:
		working := make([]*keyState, 0, n)
		for _, st := range p.keys {
			if st.health == Working {
				working = append(working, st)
			}
		}
		if len(working) > 0 {
			picked = working[p.intn(len(working))]
		} else {
			picked = p.keys[p.intn(n)]
			failOpen = true
		}
	default:
		for i := 0; i < n; i++ {
			idx := (p.cursor + i) % n
			if p.keys[idx].health == Working {
				picked = p.keys[idx]
				p.cursor = (idx + 1) % n
				break
			}
		}
		if picked == nil {
			picked = p.keys[p.cursor%n]
			p.cursor = (p.cursor + 1) % n
			failOpen = true
		}
	}

	p.metrics.KeySelected(string(p.mode), failOpen)
	if failOpen {
		p.log.Debug().Str("key", Mask(picked.token)).Msg("all keys failed, handing out a quarantined key")
	}
	return picked.token
}

// MarkFailed quarantines key. Unknown keys are ignored.
func (p *Pool) MarkFailed(key string) {
	p.markFailed(key, "unspecified")
}

// MarkFailedReason is MarkFailed with a reason label for metrics and logs.
func (p *Pool) MarkFailedReason(key, reason string) {
	p.markFailed(key, reason)
}

func (p *Pool) markFailed(key, reason string) {
	p.mu.Lock()
	st, ok := p.byToken[key]
	if !ok {
		p.mu.Unlock()
		return
	}
	st.health = Failed
	st.failures++
	st.lastFailure = p.now()
	failures := st.failures
	failed := p.failedCountLocked()
	p.mu.Unlock()

	p.metrics.KeyFailed(reason)
	p.metrics.SetFailedKeys(failed)
	p.log.Warn().
		Str("key", Mask(key)).
		Str("reason", reason).
		Int("failures", failures).
		Msg("api key marked as failed")
}

// MarkWorking clears the quarantine and failure count of key.
func (p *Pool) MarkWorking(key string) {
	p.mu.Lock()
	st, ok := p.byToken[key]
	if !ok {
		p.mu.Unlock()
		return
	}
	recovered := st.health == Failed
	st.health = Working
	st.failures = 0
	failed := p.failedCountLocked()
	p.mu.Unlock()

	if recovered {
		p.metrics.KeyRecovered()
		p.metrics.SetFailedKeys(failed)
		p.log.Info().Str("key", Mask(key)).Msg("api key recovered")
	}
}

// ResetFailed clears every quarantine immediately and returns how many keys
// were affected.
func (p *Pool) ResetFailed() int {
	p.mu.Lock()
	n := 0
	for _, st := range p.keys {
		if st.health == Failed {
			n++
		}
		st.health = Working
		st.failures = 0
	}
	p.mu.Unlock()

	p.metrics.KeysReset()
	p.metrics.SetFailedKeys(0)
	if n > 0 {
		p.log.Info().Int("keys", n).Msg("failed api keys reset")
	}
	return n
}

// Snapshot returns the per-key state with masked tokens.
func (p *Pool) Snapshot() []KeyStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]KeyStatus, 0, len(p.keys))
	for _, st := range p.keys {
		out = append(out, KeyStatus{
			Key:         Mask(st.token),
			Health:      st.health.String(),
			Failures:    st.failures,
			LastFailure: st.lastFailure,
		})
	}
	return out
}

// DebugInfo renders the pool for humans. It has no side effects.
func (p *Pool) DebugInfo() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "API key pool: %d keys, mode=%s, failed=%d\n", len(p.keys), p.mode, p.failedCountLocked())
	for i, st := range p.keys {
		fmt.Fprintf(&b, "  [%d] %s %s failures=%d", i, Mask(st.token), st.health, st.failures)
		if !st.lastFailure.IsZero() {
			fmt.Fprintf(&b, " lastFailure=%s", st.lastFailure.UTC().Format(time.RFC3339))
		}
		b.WriteByte('\n')
	}
	if p.closed || p.nextResetAt.IsZero() {
		b.WriteString("next reset: not scheduled\n")
	} else {
		fmt.Fprintf(&b, "next reset: %s (every %s)\n", p.nextResetAt.UTC().Format(time.RFC3339), p.interval)
	}
	return b.String()
}

// Close stops the reset task. It is safe to call more than once.
func (p *Pool) Close() {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()
	if p.stopReset != nil {
		p.stopReset()
		p.stopReset = nil
	}
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

// startResetTask arms the periodic reset and returns a function that cancels
// it and waits for the goroutine to exit. Callers hold p.lifecycle.
func (p *Pool) startResetTask(every time.Duration) func() {
	stopCh := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-t.C:
				p.ResetFailed()
				p.mu.Lock()
				p.nextResetAt = p.now().Add(every)
				p.mu.Unlock()
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(stopCh)
			<-done
		})
	}
}

func (p *Pool) failedCountLocked() int {
	n := 0
	for _, st := range p.keys {
		if st.health == Failed {
			n++
		}
	}
	return n
}

func normalizeKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

func hoursToDuration(h float64) (time.Duration, error) {
	if h <= 0 || math.IsNaN(h) || math.IsInf(h, 0) {
		return 0, ErrInvalidInterval
	}
	d := time.Duration(h * float64(time.Hour))
	if d <= 0 {
		return 0, ErrInvalidInterval
	}
	return d, nil
}

// Mask shortens a credential for logs: "abcd…wxyz".
func Mask(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + "…" + key[len(key)-4:]
}
