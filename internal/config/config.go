package config

import (
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"

	"github.com/kibetmanuu/SportHublive-sub001/internal/cache"
	"github.com/kibetmanuu/SportHublive-sub001/internal/keypool"
)

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Logging      LoggingConfig      `yaml:"logging"`
	Keys         KeysConfig         `yaml:"keys"`
	Upstream     UpstreamConfig     `yaml:"upstream"`
	Cache        CacheConfig        `yaml:"cache"`
	RemoteConfig RemoteConfigConfig `yaml:"remoteConfig"`
	Warmup       WarmupConfig       `yaml:"warmup"`
}

type ServerConfig struct {
	Port            int    `yaml:"port" env:"SPORTHUB_PORT"`
	ShutdownTimeout string `yaml:"shutdownTimeout" env:"SPORTHUB_SHUTDOWN_TIMEOUT"`

	shutdownDur time.Duration
}

type LoggingConfig struct {
	Level  string `yaml:"level" env:"SPORTHUB_LOG_LEVEL"`
	Format string `yaml:"format" env:"SPORTHUB_LOG_FORMAT"`
	// StatsEvery enables a periodic cache summary line when set.
	StatsEvery string `yaml:"logStatsEvery" env:"SPORTHUB_LOG_STATS_EVERY"`

	statsEveryDur time.Duration
}

type KeysConfig struct {
	List               []string `yaml:"list" env:"SPORTHUB_API_KEYS" envSeparator:","`
	Mode               string   `yaml:"mode" env:"SPORTHUB_KEY_MODE"`
	ResetIntervalHours float64  `yaml:"resetIntervalHours" env:"SPORTHUB_KEY_RESET_HOURS"`
	KeyHeader          string   `yaml:"keyHeader" env:"SPORTHUB_KEY_HEADER"`
	HostHeader         string   `yaml:"hostHeader" env:"SPORTHUB_HOST_HEADER"`
}

type UpstreamConfig struct {
	Timeout     string            `yaml:"timeout" env:"SPORTHUB_UPSTREAM_TIMEOUT"`
	RetryDelay  string            `yaml:"retryDelay" env:"SPORTHUB_UPSTREAM_RETRY_DELAY"`
	MaxAttempts int               `yaml:"maxAttempts" env:"SPORTHUB_UPSTREAM_MAX_ATTEMPTS"`
	Domains     map[string]Domain `yaml:"domains"`

	timeoutDur    time.Duration
	retryDelayDur time.Duration
}

// Domain is one upstream API family, e.g. football or basketball.
type Domain struct {
	BaseURL string `yaml:"baseURL"`
	Host    string `yaml:"host"`
}

type CacheConfig struct {
	Backend    string `yaml:"backend" env:"SPORTHUB_CACHE_BACKEND"`
	Path       string `yaml:"path" env:"SPORTHUB_CACHE_PATH"`
	RedisURL   string `yaml:"redisURL" env:"SPORTHUB_REDIS_URL"`
	RAMMax     string `yaml:"ramMax" env:"SPORTHUB_CACHE_RAM_MAX"`
	SweepEvery string `yaml:"sweepEvery" env:"SPORTHUB_CACHE_SWEEP_EVERY"`
	Rules      []Rule `yaml:"rules"`

	ramMaxBytes   int64
	sweepEveryDur time.Duration
	policy        cache.Policy
}

type RemoteConfigConfig struct {
	URL       string `yaml:"url" env:"SPORTHUB_REMOTE_CONFIG_URL"`
	PollEvery string `yaml:"pollEvery" env:"SPORTHUB_REMOTE_CONFIG_POLL_EVERY"`
	Timeout   string `yaml:"timeout" env:"SPORTHUB_REMOTE_CONFIG_TIMEOUT"`

	pollEveryDur time.Duration
	timeoutDur   time.Duration
}

type WarmupConfig struct {
	Every   string        `yaml:"every" env:"SPORTHUB_WARMUP_EVERY"`
	Queries []WarmupQuery `yaml:"queries"`

	everyDur time.Duration
}

type WarmupQuery struct {
	Domain   string            `yaml:"domain"`
	Endpoint string            `yaml:"endpoint"`
	Params   map[string]string `yaml:"params"`
}

type Rule struct {
	Match      string `yaml:"match"`
	Priority   int    `yaml:"priority"`
	Bypass     bool   `yaml:"bypass"`
	Expiration string `yaml:"expiration"`
}

// Load reads the YAML file at path, applies SPORTHUB_* environment overrides
// and validates the result.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

func Parse(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env overrides: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() error {
	var err error

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.shutdownDur, err = parseDur(cfg.Server.ShutdownTimeout, 10*time.Second); err != nil {
		return fmt.Errorf("server.shutdownTimeout: %w", err)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.statsEveryDur, err = parseDur(cfg.Logging.StatsEvery, 0); err != nil {
		return fmt.Errorf("logging.logStatsEvery: %w", err)
	}

	if err := cfg.Keys.normalize(cfg.RemoteConfig.URL != ""); err != nil {
		return err
	}

	if cfg.Upstream.timeoutDur, err = parseDur(cfg.Upstream.Timeout, 15*time.Second); err != nil {
		return fmt.Errorf("upstream.timeout: %w", err)
	}
	if cfg.Upstream.retryDelayDur, err = parseDur(cfg.Upstream.RetryDelay, time.Second); err != nil {
		return fmt.Errorf("upstream.retryDelay: %w", err)
	}
	if cfg.Upstream.MaxAttempts <= 0 {
		cfg.Upstream.MaxAttempts = 3
	}
	if len(cfg.Upstream.Domains) == 0 {
		return fmt.Errorf("upstream.domains: at least one domain is required")
	}
	for name, d := range cfg.Upstream.Domains {
		if d.BaseURL == "" {
			return fmt.Errorf("upstream.domains.%s.baseURL is required", name)
		}
		if d.Host == "" {
			return fmt.Errorf("upstream.domains.%s.host is required", name)
		}
		d.BaseURL = strings.TrimRight(d.BaseURL, "/")
		cfg.Upstream.Domains[name] = d
	}

	if err := cfg.Cache.normalize(); err != nil {
		return err
	}

	if cfg.RemoteConfig.pollEveryDur, err = parseDur(cfg.RemoteConfig.PollEvery, 12*time.Hour); err != nil {
		return fmt.Errorf("remoteConfig.pollEvery: %w", err)
	}
	if cfg.RemoteConfig.timeoutDur, err = parseDur(cfg.RemoteConfig.Timeout, 10*time.Second); err != nil {
		return fmt.Errorf("remoteConfig.timeout: %w", err)
	}

	if cfg.Warmup.everyDur, err = parseDur(cfg.Warmup.Every, 0); err != nil {
		return fmt.Errorf("warmup.every: %w", err)
	}
	for i, q := range cfg.Warmup.Queries {
		if _, ok := cfg.Upstream.Domains[q.Domain]; !ok {
			return fmt.Errorf("warmup.queries[%d]: unknown domain %q", i, q.Domain)
		}
		if strings.TrimSpace(q.Endpoint) == "" {
			return fmt.Errorf("warmup.queries[%d]: empty endpoint", i)
		}
	}
	return nil
}

func (k *KeysConfig) normalize(remote bool) error {
	if k.Mode == "" {
		k.Mode = string(keypool.ModeRoundRobin)
	}
	switch keypool.Mode(k.Mode) {
	case keypool.ModeRandom, keypool.ModeRoundRobin:
	default:
		return fmt.Errorf("keys.mode: unsupported %q", k.Mode)
	}
	if k.ResetIntervalHours == 0 {
		k.ResetIntervalHours = 1
	}
	if k.ResetIntervalHours < 0 || math.IsNaN(k.ResetIntervalHours) || math.IsInf(k.ResetIntervalHours, 0) {
		return fmt.Errorf("keys.resetIntervalHours: must be positive")
	}
	if k.KeyHeader == "" {
		k.KeyHeader = "X-RapidAPI-Key"
	}
	if k.HostHeader == "" {
		k.HostHeader = "X-RapidAPI-Host"
	}
	if len(k.List) == 0 && !remote {
		return fmt.Errorf("keys.list is required unless remoteConfig.url is set")
	}
	return nil
}

func (c *CacheConfig) normalize() error {
	var err error
	if c.Backend == "" {
		c.Backend = "leveldb"
	}
	switch c.Backend {
	case "leveldb":
		if c.Path == "" {
			c.Path = "./data/leveldb"
		}
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("cache.redisURL is required for the redis backend")
		}
	default:
		return fmt.Errorf("cache.backend: unsupported %q", c.Backend)
	}
	if c.RAMMax == "" {
		c.RAMMax = "64mb"
	}
	if c.ramMaxBytes, err = units.RAMInBytes(strings.TrimSpace(c.RAMMax)); err != nil {
		return fmt.Errorf("cache.ramMax: %w", err)
	}
	if c.sweepEveryDur, err = parseDur(c.SweepEvery, 10*time.Minute); err != nil {
		return fmt.Errorf("cache.sweepEvery: %w", err)
	}
	if len(c.Rules) == 0 {
		c.policy = cache.DefaultPolicy()
		return nil
	}

	rules := make([]Rule, len(c.Rules))
	copy(rules, c.Rules)
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority < rules[j].Priority
	})
	policy := make(cache.Policy, 0, len(rules))
	for i, r := range rules {
		subs, err := parseMatch(r.Match)
		if err != nil {
			return fmt.Errorf("cache.rules[%d].match: %w", i, err)
		}
		var ttl time.Duration
		if !r.Bypass {
			if r.Expiration == "" {
				return fmt.Errorf("cache.rules[%d].expiration is required", i)
			}
			if ttl, err = time.ParseDuration(r.Expiration); err != nil {
				return fmt.Errorf("cache.rules[%d].expiration: %w", i, err)
			}
		}
		policy = append(policy, cache.Rule{Contains: subs, TTL: ttl, Bypass: r.Bypass})
	}
	c.policy = policy
	return nil
}

// parseMatch splits "live|today" into lower-cased substrings.
func parseMatch(expr string) ([]string, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}
	parts := strings.Split(expr, "|")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	return out, nil
}

func parseDur(s string, def time.Duration) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

func (c ServerConfig) Addr() string                      { return fmt.Sprintf(":%d", c.Port) }
func (c ServerConfig) ShutdownTimeoutDur() time.Duration { return c.shutdownDur }
func (c LoggingConfig) StatsEveryDur() time.Duration     { return c.statsEveryDur }
func (c UpstreamConfig) TimeoutDur() time.Duration       { return c.timeoutDur }
func (c UpstreamConfig) RetryDelayDur() time.Duration    { return c.retryDelayDur }
func (c CacheConfig) RAMMaxBytes() int64                 { return c.ramMaxBytes }
func (c CacheConfig) SweepEveryDur() time.Duration       { return c.sweepEveryDur }
func (c CacheConfig) Policy() cache.Policy               { return c.policy }
func (c RemoteConfigConfig) PollEveryDur() time.Duration { return c.pollEveryDur }
func (c RemoteConfigConfig) TimeoutDur() time.Duration   { return c.timeoutDur }
func (c WarmupConfig) EveryDur() time.Duration           { return c.everyDur }
