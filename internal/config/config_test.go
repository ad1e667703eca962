package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kibetmanuu/SportHublive-sub001/internal/cache"
)

const minimal = `
keys:
  list: [k1, k2]
upstream:
  domains:
    football:
      baseURL: https://v3.football.api-sports.io/
      host: v3.football.api-sports.io
`

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimal))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr())
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeoutDur())
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Zero(t, cfg.Logging.StatsEveryDur())

	assert.Equal(t, "round_robin", cfg.Keys.Mode)
	assert.Equal(t, 1.0, cfg.Keys.ResetIntervalHours)
	assert.Equal(t, "X-RapidAPI-Key", cfg.Keys.KeyHeader)
	assert.Equal(t, "X-RapidAPI-Host", cfg.Keys.HostHeader)

	assert.Equal(t, 15*time.Second, cfg.Upstream.TimeoutDur())
	assert.Equal(t, time.Second, cfg.Upstream.RetryDelayDur())
	assert.Equal(t, 3, cfg.Upstream.MaxAttempts)
	assert.Equal(t, "https://v3.football.api-sports.io", cfg.Upstream.Domains["football"].BaseURL)

	assert.Equal(t, "leveldb", cfg.Cache.Backend)
	assert.Equal(t, "./data/leveldb", cfg.Cache.Path)
	assert.Equal(t, int64(64<<20), cfg.Cache.RAMMaxBytes())
	assert.Equal(t, 10*time.Minute, cfg.Cache.SweepEveryDur())
	assert.Equal(t, cache.DefaultPolicy(), cfg.Cache.Policy())

	assert.Equal(t, 12*time.Hour, cfg.RemoteConfig.PollEveryDur())
	assert.Equal(t, 10*time.Second, cfg.RemoteConfig.TimeoutDur())
	assert.Zero(t, cfg.Warmup.EveryDur())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SPORTHUB_API_KEYS", "e1,e2,e3")
	t.Setenv("SPORTHUB_PORT", "9090")
	t.Setenv("SPORTHUB_KEY_MODE", "random")
	t.Setenv("SPORTHUB_CACHE_BACKEND", "redis")
	t.Setenv("SPORTHUB_REDIS_URL", "redis://localhost:6379/1")

	cfg, err := Parse([]byte(minimal))
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2", "e3"}, cfg.Keys.List)
	assert.Equal(t, ":9090", cfg.Server.Addr())
	assert.Equal(t, "random", cfg.Keys.Mode)
	assert.Equal(t, "redis", cfg.Cache.Backend)
	assert.Equal(t, "redis://localhost:6379/1", cfg.Cache.RedisURL)
}

func TestRulesCompileInPriorityOrder(t *testing.T) {
	cfg, err := Parse([]byte(minimal + `
cache:
  rules:
    - match: team
      expiration: 12h
      priority: 5
    - match: " Live | InPlay "
      expiration: 20s
      priority: 1
    - match: odds
      bypass: true
      priority: 2
`))
	require.NoError(t, err)

	want := cache.Policy{
		{Contains: []string{"live", "inplay"}, TTL: 20 * time.Second},
		{Contains: []string{"odds"}, Bypass: true},
		{Contains: []string{"team"}, TTL: 12 * time.Hour},
	}
	assert.Equal(t, want, cfg.Cache.Policy())
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		msg  string
	}{
		{"no domains", "keys: {list: [k]}", "upstream.domains"},
		{"no keys", `
upstream:
  domains:
    football: {baseURL: "http://x", host: x}
`, "keys.list"},
		{"missing host", `
keys: {list: [k]}
upstream:
  domains:
    football: {baseURL: "http://x"}
`, "host is required"},
		{"redis without url", minimal + "cache: {backend: redis}\n", "redisURL"},
		{"unknown backend", minimal + "cache: {backend: memcached}\n", "cache.backend"},
		{"bad ram size", minimal + "cache: {ramMax: lots}\n", "cache.ramMax"},
		{"rule without expiration", minimal + "cache: {rules: [{match: live}]}\n", "expiration is required"},
		{"empty rule match", minimal + "cache: {rules: [{match: ' | ', expiration: 1s}]}\n", "match"},
		{"bad duration", `
keys: {list: [k]}
upstream:
  timeout: soon
  domains:
    football: {baseURL: "http://x", host: x}
`, "upstream.timeout"},
		{"bad mode", `
keys: {list: [k], mode: weighted}
upstream:
  domains:
    football: {baseURL: "http://x", host: x}
`, "keys.mode"},
		{"negative duration", minimal + "logging: {logStatsEvery: -1s}\n", "negative"},
		{"warmup unknown domain", minimal + "warmup: {queries: [{domain: cricket, endpoint: matches}]}\n", "unknown domain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.ErrorContains(t, err, tt.msg)
		})
	}
}

func TestRemoteConfigMakesKeysOptional(t *testing.T) {
	cfg, err := Parse([]byte(`
remoteConfig:
  url: https://config.example/sporthub.json
  pollEvery: 1h
upstream:
  domains:
    football: {baseURL: "http://x", host: x}
`))
	require.NoError(t, err)
	assert.Empty(t, cfg.Keys.List)
	assert.Equal(t, time.Hour, cfg.RemoteConfig.PollEveryDur())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sporthub.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimal), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"k1", "k2"}, cfg.Keys.List)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestRAMMaxSizes(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"512", 512, false},
		{"64kb", 64 << 10, false},
		{" 64K ", 64 << 10, false},
		{"1.5m", 3 << 19, false},
		{"2gb", 2 << 30, false},
		{"1GiB", 1 << 30, false},
		{"b", 0, true},
		{"-1k", 0, true},
		{"ten", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			doc := minimal + "cache:\n  ramMax: \"" + tt.in + "\"\n"
			cfg, err := Parse([]byte(doc))
			if tt.wantErr {
				assert.ErrorContains(t, err, "cache.ramMax")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.Cache.RAMMaxBytes())
		})
	}
}
