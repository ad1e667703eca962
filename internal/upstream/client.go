// Package upstream sends requests to the scores API with credential rotation
// and bounded retries.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kibetmanuu/SportHublive-sub001/internal/metrics"
)

const (
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = time.Second
	DefaultKeyHeader   = "X-RapidAPI-Key"
	DefaultHostHeader  = "X-RapidAPI-Host"

	// drainLimit bounds how much of a discarded body is read so the
	// connection can be reused.
	drainLimit = 64 << 10
)

var ErrNoCredentials = errors.New("upstream: key pool has no credentials")

// Doer dispatches one HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// KeyPool is the part of keypool.Pool the client needs.
type KeyPool interface {
	Next() string
	MarkFailed(key string)
	MarkWorking(key string)
}

// reasonReporter is implemented by pools that label failures.
type reasonReporter interface {
	MarkFailedReason(key, reason string)
}

// TransportError is returned when every attempt failed below HTTP.
type TransportError struct {
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("upstream: transport failure after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

type Client struct {
	doer        Doer
	pool        KeyPool
	host        string
	keyHeader   string
	hostHeader  string
	maxAttempts int
	retryDelay  time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
	log         zerolog.Logger
	metrics     *metrics.Collector
}

type Option func(*Client)

func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) {
		if d >= 0 {
			c.retryDelay = d
		}
	}
}

func WithHeaders(keyHeader, hostHeader string) Option {
	return func(c *Client) {
		if keyHeader != "" {
			c.keyHeader = keyHeader
		}
		if hostHeader != "" {
			c.hostHeader = hostHeader
		}
	}
}

func WithLogger(l zerolog.Logger) Option { return func(c *Client) { c.log = l } }

func WithMetrics(m *metrics.Collector) Option { return func(c *Client) { c.metrics = m } }

// WithSleep replaces the backoff wait; sleep must return ctx.Err() if the
// context ends first.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = sleep }
}

// New returns a client that presents credentials from pool to host.
func New(doer Doer, pool KeyPool, host string, opts ...Option) *Client {
	c := &Client{
		doer:        doer,
		pool:        pool,
		host:        host,
		keyHeader:   DefaultKeyHeader,
		hostHeader:  DefaultHostHeader,
		maxAttempts: DefaultMaxAttempts,
		retryDelay:  DefaultRetryDelay,
		sleep:       sleepCtx,
		log:         zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) Host() string { return c.host }

// Do sends req, rotating credentials on quota and authorization failures.
//
// A final HTTP failure status is returned as a response, not an error. A
// transport failure is returned as *TransportError once attempts run out. If
// req's context ends, Do returns its error and reports nothing to the pool
// for the abandoned attempt.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	callID := uuid.NewString()
	log := c.log.With().Str("call_id", callID).Str("host", c.host).Str("path", req.URL.Path).Logger()

	var (
		resp    *http.Response
		lastErr error
	)
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		key := c.pool.Next()
		if key == "" {
			return nil, ErrNoCredentials
		}

		attemptReq, err := c.prepare(req, key, attempt)
		if err != nil {
			return nil, err
		}

		resp, lastErr = c.doer.Do(attemptReq)

		// The caller gave up while the attempt was in flight.
		if ctxErr := ctx.Err(); ctxErr != nil {
			discard(resp)
			return nil, ctxErr
		}

		status := 0
		if lastErr == nil {
			status = resp.StatusCode
		}
		c.report(key, status, lastErr)
		c.metrics.Attempt(c.host, outcomeLabel(status, lastErr))

		verdict := Classify(status, lastErr, attempt, c.maxAttempts, c.retryDelay)
		ev := log.Debug().Int("attempt", attempt).Str("decision", verdict.Decision.String())
		if lastErr != nil {
			ev = ev.Err(lastErr)
		} else {
			ev = ev.Int("status", status)
		}
		ev.Msg("upstream attempt")

		switch verdict.Decision {
		case Succeed:
			c.metrics.Call(c.host, status, attempt)
			return resp, nil
		case Terminal:
			if lastErr != nil {
				c.metrics.Call(c.host, 0, attempt)
				log.Warn().Err(lastErr).Int("attempts", attempt).Msg("upstream unreachable")
				return nil, &TransportError{Attempts: attempt, Err: lastErr}
			}
			c.metrics.Call(c.host, status, attempt)
			if _, fault := credentialFault(status); fault {
				log.Warn().Int("status", status).Int("attempts", attempt).Msg("upstream rejected every key tried")
			}
			return resp, nil
		case RetryWithDelay:
			discard(resp)
			if err := c.sleep(ctx, verdict.Delay); err != nil {
				return nil, err
			}
		case RetryImmediately:
			discard(resp)
		}
	}

	// unreachable while maxAttempts >= 1: the last attempt is always Terminal or Succeed.
	if lastErr != nil {
		return nil, &TransportError{Attempts: c.maxAttempts, Err: lastErr}
	}
	return resp, nil
}

func (c *Client) report(key string, status int, err error) {
	if err != nil {
		return
	}
	if status >= 200 && status < 300 {
		c.pool.MarkWorking(key)
		return
	}
	reason, fault := credentialFault(status)
	if !fault {
		return
	}
	if rr, ok := c.pool.(reasonReporter); ok {
		rr.MarkFailedReason(key, reason)
		return
	}
	c.pool.MarkFailed(key)
}

// prepare clones req for one attempt, reopening the body on retries and
// replacing the credential headers.
func (c *Client) prepare(req *http.Request, key string, attempt int) (*http.Request, error) {
	r := req.Clone(req.Context())
	if attempt > 1 && req.Body != nil && req.Body != http.NoBody {
		if req.GetBody == nil {
			return nil, errors.New("upstream: request body cannot be replayed (GetBody is nil)")
		}
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("upstream: reopen body: %w", err)
		}
		r.Body = body
	}
	r.Header.Set(c.keyHeader, key)
	r.Header.Set(c.hostHeader, c.host)
	return r, nil
}

func discard(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, drainLimit))
	_ = resp.Body.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
