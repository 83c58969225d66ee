package entity

import "time"

// CacheEntry is written once and overwritten wholesale when an equivalent
// fingerprint is stored again.
type CacheEntry struct {
	ID        string        `json:"id"`
	Query     string        `json:"query"`
	Type      string        `json:"type"`
	Sector    string        `json:"sector,omitempty"`
	Vector    []float32     `json:"-"`
	Result    string        `json:"result"`
	CreatedAt time.Time     `json:"created_at"`
	TTL       time.Duration `json:"ttl"`
}

// Expired reports whether the entry is past its TTL at now. A zero TTL never expires.
func (e CacheEntry) Expired(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return !now.Before(e.CreatedAt.Add(e.TTL))
}

// CacheHit is a cache entry together with the similarity that selected it.
type CacheHit struct {
	Entry CacheEntry `json:"entry"`
	Score float32    `json:"score"`
}
