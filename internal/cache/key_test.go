package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGenerateCacheKeyIgnoresParamOrder(t *testing.T) {
	p1 := map[string]string{"league": "39", "season": "2025", "team": "33"}
	p2 := map[string]string{}
	for _, k := range []string{"team", "season", "league"} {
		p2[k] = p1[k]
	}
	for i := 0; i < 20; i++ {
		assert.Equal(t, GenerateCacheKey("football", "fixtures", p1), GenerateCacheKey("football", "fixtures", p2))
	}
}

func TestGenerateCacheKeyNormalizes(t *testing.T) {
	tests := []struct {
		name     string
		domain   string
		endpoint string
		params   map[string]string
		want     string
	}{
		{"plain", "football", "fixtures", nil, "football_fixtures"},
		{"sorted params", "football", "fixtures", map[string]string{"live": "all", "date": "2026-03-01"}, "football_fixtures_date=2026-03-01_live=all"},
		{"lower case", "Football", "Standings", map[string]string{"League": "PL"}, "football_standings_league=pl"},
		{"separators", "basketball", "/games/live", map[string]string{"team": `a\b c`}, "basketball_games_live_team=a_b_c"},
		{"tabs", "football", "players", map[string]string{"search": "de\tbruyne"}, "football_players_search=de_bruyne"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GenerateCacheKey(tt.domain, tt.endpoint, tt.params))
		})
	}
}

func TestCacheDuration(t *testing.T) {
	tests := []struct {
		endpoint string
		want     time.Duration
	}{
		{"fixtures/live", 30 * time.Second},
		{"LiveScores", 30 * time.Second},
		{"matches/today", 5 * time.Minute},
		{"fixtures/date", time.Hour},
		{"fixtures", time.Hour},
		{"standings", 30 * time.Minute},
		{"topscorers", 30 * time.Minute},
		{"fixtures/statistics", time.Hour},
		{"teams", 24 * time.Hour},
		{"team/live", 30 * time.Second},
		{"leagues", DefaultTTL},
		{"", DefaultTTL},
	}
	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			assert.Equal(t, tt.want, CacheDuration(tt.endpoint))
		})
	}
}

func TestPolicyLookupFirstMatchAndBypass(t *testing.T) {
	p := Policy{
		{Contains: []string{"odds"}, Bypass: true},
		{Contains: []string{"live", "inplay"}, TTL: 10 * time.Second},
	}

	ttl, bypass := p.Lookup("Odds/live")
	assert.True(t, bypass)
	assert.Zero(t, ttl)

	ttl, bypass = p.Lookup("games/INPLAY")
	assert.False(t, bypass)
	assert.Equal(t, 10*time.Second, ttl)

	ttl, _ = p.Lookup("leagues")
	assert.Equal(t, DefaultTTL, ttl)
}

func TestDefaultPolicyIsACopy(t *testing.T) {
	p := DefaultPolicy()
	p[0].TTL = time.Hour
	assert.Equal(t, 30*time.Second, CacheDuration("live"))
}
