// Package remoteconfig pulls API credentials and the key reset interval from
// a remote JSON document and hands them to the key pool.
package remoteconfig

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

var ErrMalformed = errors.New("remoteconfig: malformed document")

// Document is the remote payload. api_keys is either a JSON array of strings
// or a string that itself holds such an array; remote-config consoles often
// only store strings.
type Document struct {
	APIKeys            json.RawMessage `json:"api_keys"`
	ResetIntervalHours float64         `json:"key_reset_interval_hours"`
}

// Reloader receives parsed values. keypool.Pool implements it.
type Reloader interface {
	Reload(keys []string, resetIntervalHours float64) error
}

// Parse extracts the credential list and reset interval. A missing field
// comes back as nil or 0, which the pool treats as "keep current".
func Parse(doc Document) ([]string, float64, error) {
	h := doc.ResetIntervalHours
	if h < 0 || math.IsNaN(h) || math.IsInf(h, 0) {
		return nil, 0, fmt.Errorf("%w: key_reset_interval_hours %v", ErrMalformed, h)
	}

	raw := bytes.TrimSpace(doc.APIKeys)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, h, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, 0, fmt.Errorf("%w: api_keys: %v", ErrMalformed, err)
		}
		raw = bytes.TrimSpace([]byte(s))
		if len(raw) == 0 {
			return nil, h, nil
		}
	}
	var keys []string
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, 0, fmt.Errorf("%w: api_keys: %v", ErrMalformed, err)
	}
	return keys, h, nil
}

type Poller struct {
	url    string
	target Reloader
	client *resty.Client
	log    zerolog.Logger
}

type Option func(*Poller)

func WithTimeout(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.client.SetTimeout(d)
		}
	}
}

func WithLogger(l zerolog.Logger) Option { return func(p *Poller) { p.log = l } }

// WithHTTPClient replaces the transport, mostly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Poller) {
		p.client = resty.NewWithClient(c).SetHeader("Accept", "application/json")
	}
}

func NewPoller(url string, target Reloader, opts ...Option) *Poller {
	p := &Poller{
		url:    url,
		target: target,
		client: resty.New().
			SetHeader("Accept", "application/json").
			SetTimeout(10 * time.Second),
		log: zerolog.Nop(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// FetchOnce downloads the document and applies it. On any error the target
// is not touched.
func (p *Poller) FetchOnce(ctx context.Context) error {
	var doc Document
	resp, err := p.client.R().
		SetContext(ctx).
		ForceContentType("application/json").
		SetResult(&doc).
		Get(p.url)
	if err != nil {
		return fmt.Errorf("remoteconfig: fetch: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("remoteconfig: fetch: status %d", resp.StatusCode())
	}

	keys, hours, err := Parse(doc)
	if err != nil {
		return err
	}
	if err := p.target.Reload(keys, hours); err != nil {
		return fmt.Errorf("remoteconfig: apply: %w", err)
	}
	p.log.Info().Int("keys", len(keys)).Float64("reset_interval_hours", hours).Msg("remote config applied")
	return nil
}

// Run calls FetchOnce every interval until ctx ends. Failures are logged and
// the previous configuration stays in effect.
func (p *Poller) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := p.FetchOnce(ctx); err != nil && ctx.Err() == nil {
				p.log.Warn().Err(err).Msg("remote config refresh failed, keeping current keys")
			}
		}
	}
}
