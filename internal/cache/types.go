package cache

import (
	"encoding/json"
	"time"
)

// RecordVersion is written into every record; readers accept any version
// whose layout still decodes.
const RecordVersion = 1

// Record is the persisted form of one cache entry. Timestamps are unix
// milliseconds.
type Record struct {
	Key       string          `json:"key"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
	ExpiresAt int64           `json:"expiresAt"`
	Version   int             `json:"version"`
}

// Valid reports whether the record is still fresh at now.
func (r Record) Valid(now time.Time) bool {
	return now.UnixMilli() < r.ExpiresAt
}

// Source selects where a read looks.
type Source int

const (
	// CacheFirst reads the in-process tier only.
	CacheFirst Source = iota
	// ServerFirst reads the persistent backend, bypassing the in-process tier.
	ServerFirst
)

func (s Source) String() string {
	if s == ServerFirst {
		return "server"
	}
	return "cache"
}

// Stats is computed from the in-memory index, without touching the backend.
type Stats struct {
	TotalEntries   int       `json:"totalEntries"`
	ValidEntries   int       `json:"validEntries"`
	ExpiredEntries int       `json:"expiredEntries"`
	TotalSizeBytes int64     `json:"totalSizeBytes"`
	LastChecked    time.Time `json:"lastChecked"`
}
