package triage

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/intake-voice-lab/internal/logging"
)

// CachedResult is the immutable payload stored per fingerprint. It mirrors
// the reasoning boundary's output so a cache hit can short-circuit reasoning
// entirely.
type CachedResult struct {
	ResponseText     string
	Intent           string
	Confidence       float64
	SuggestedActions []string
	CachedAt         time.Time
}

// Cache is the fingerprint -> CachedResult store. Eviction is whole-entry,
// by capacity (LRU) or TTL; entries are never partially updated. Safe for
// concurrent use; duplicate concurrent writes for one fingerprint are
// last-write-wins, which is fine because entries for the same fingerprint
// are near-identical.
type Cache struct {
	lru       *expirable.LRU[string, CachedResult]
	threshold float64
}

// NewCache creates a cache with the given capacity, TTL and write-confidence
// threshold.
func NewCache(capacity int, ttl time.Duration, threshold float64) *Cache {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Cache{
		lru:       expirable.NewLRU[string, CachedResult](capacity, nil, ttl),
		threshold: threshold,
	}
}

// Normalize case-folds and whitespace-collapses message text. Two inputs
// differing only in case or whitespace normalize identically.
func Normalize(message string) string {
	return strings.Join(strings.Fields(strings.ToLower(message)), " ")
}

// Fingerprint derives the deterministic cache key for normalized text.
func Fingerprint(normalized string) string {
	sum := md5.Sum([]byte(normalized + "_"))
	return hex.EncodeToString(sum[:])
}

// Get returns the live entry for a fingerprint, if any. TTL expiry is
// checked by the store; payload contents are returned unchanged.
func (c *Cache) Get(fingerprint string) (CachedResult, bool) {
	return c.lru.Get(fingerprint)
}

// Put writes an entry iff the result's confidence exceeds the write
// threshold. Returns whether the entry was stored.
func (c *Cache) Put(fingerprint string, res CachedResult) bool {
	if fingerprint == "" || res.Confidence <= c.threshold {
		return false
	}
	if res.CachedAt.IsZero() {
		res.CachedAt = time.Now()
	}
	c.lru.Add(fingerprint, res)
	fpShort := fingerprint
	if len(fpShort) > 8 {
		fpShort = fpShort[:8]
	}
	logging.Debugw("cached reasoning result", "fingerprint", fpShort, "confidence", res.Confidence)
	return true
}

// Len reports the number of live entries.
func (c *Cache) Len() int { return c.lru.Len() }
