package logger

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RateLimited emits at most one event per interval; the rest are counted and
// reported as "suppressed" on the next emitted event.
type RateLimited struct {
	log      zerolog.Logger
	interval time.Duration
	now      func() time.Time

	mu         sync.Mutex
	lastAt     time.Time
	suppressed int
}

func NewRateLimited(log zerolog.Logger, interval time.Duration) *RateLimited {
	return &RateLimited{log: log, interval: interval, now: time.Now}
}

// Warn logs msg at warn level with err attached, unless another event was
// emitted less than interval ago. It reports whether the event was written.
func (l *RateLimited) Warn(err error, msg string) bool {
	l.mu.Lock()
	now := l.now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.suppressed++
		l.mu.Unlock()
		return false
	}
	l.lastAt = now
	suppressed := l.suppressed
	l.suppressed = 0
	l.mu.Unlock()

	ev := l.log.Warn().Err(err)
	if suppressed > 0 {
		ev = ev.Int("suppressed", suppressed)
	}
	ev.Msg(msg)
	return true
}
