package cache

import (
	"strings"
	"time"
)

// DefaultTTL applies when no rule matches an endpoint.
const DefaultTTL = 5 * time.Minute

// Rule matches an endpoint when it contains any of Contains (lower-case).
type Rule struct {
	Contains []string
	TTL      time.Duration
	// Bypass marks endpoints whose responses are never cached.
	Bypass bool
}

// Policy is an ordered rule list; the first match wins.
type Policy []Rule

var defaultPolicy = Policy{
	{Contains: []string{"live"}, TTL: 30 * time.Second},
	{Contains: []string{"today"}, TTL: 5 * time.Minute},
	{Contains: []string{"date"}, TTL: time.Hour},
	{Contains: []string{"fixtures"}, TTL: time.Hour},
	{Contains: []string{"standings"}, TTL: 30 * time.Minute},
	{Contains: []string{"scorers"}, TTL: 30 * time.Minute},
	{Contains: []string{"statistics"}, TTL: time.Hour},
	{Contains: []string{"team"}, TTL: 24 * time.Hour},
}

func DefaultPolicy() Policy {
	out := make(Policy, len(defaultPolicy))
	copy(out, defaultPolicy)
	return out
}

// Lookup returns the TTL for endpoint and whether caching is bypassed.
func (p Policy) Lookup(endpoint string) (time.Duration, bool) {
	e := strings.ToLower(endpoint)
	for _, r := range p {
		for _, sub := range r.Contains {
			if strings.Contains(e, sub) {
				return r.TTL, r.Bypass
			}
		}
	}
	return DefaultTTL, false
}

// CacheDuration is the TTL the built-in rule table assigns to endpoint.
func CacheDuration(endpoint string) time.Duration {
	d, _ := defaultPolicy.Lookup(endpoint)
	return d
}
