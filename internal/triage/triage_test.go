package triage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intake-voice-lab/internal/ratelimit"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, "hello there", Normalize("  Hello   THERE  "))
	assert.Equal(t, "hi", Normalize("Hi\n"))
	assert.Equal(t, "", Normalize("   "))
}

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint(Normalize("What are your business hours?"))
	b := Fingerprint(Normalize("what are  your business HOURS?"))
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)

	c := Fingerprint(Normalize("what are your prices?"))
	assert.NotEqual(t, a, c)
}

func TestTemplateMatch(t *testing.T) {
	tpl := DefaultTemplates()

	assert.Equal(t, "Hello! How can I help you today?", tpl.Match("hello"))
	assert.Equal(t, "Hello! How can I help you today?", tpl.Match("good morning"))
	assert.NotEmpty(t, tpl.Match("thank you"))
	assert.NotEmpty(t, tpl.Match("ok"))

	// Near-matches never hit: matching is exact.
	assert.Empty(t, tpl.Match("hello there"))
	assert.Empty(t, tpl.Match("well hello"))

	// Long messages skip the template stage entirely.
	assert.Empty(t, tpl.Match("yes i would like to know more about your premium offering"))
}

func TestCachePutRespectsThreshold(t *testing.T) {
	c := NewCache(16, time.Minute, 0.7)

	assert.False(t, c.Put("fp1", CachedResult{ResponseText: "a", Confidence: 0.5}))
	assert.False(t, c.Put("fp1", CachedResult{ResponseText: "a", Confidence: 0.7}))
	assert.True(t, c.Put("fp1", CachedResult{ResponseText: "a", Confidence: 0.8}))
	assert.Equal(t, 1, c.Len())

	got, ok := c.Get("fp1")
	require.True(t, ok)
	assert.Equal(t, "a", got.ResponseText)
	assert.False(t, got.CachedAt.IsZero())
}

func TestCacheTTLExpiry(t *testing.T) {
	c := NewCache(16, 30*time.Millisecond, 0.0)
	require.True(t, c.Put("fp1", CachedResult{ResponseText: "a", Confidence: 0.9}))

	_, ok := c.Get("fp1")
	require.True(t, ok)

	time.Sleep(60 * time.Millisecond)
	_, ok = c.Get("fp1")
	assert.False(t, ok)
}

func TestCacheCapacityEviction(t *testing.T) {
	c := NewCache(2, time.Minute, 0.0)
	c.Put("fp1", CachedResult{ResponseText: "1", Confidence: 0.9})
	c.Put("fp2", CachedResult{ResponseText: "2", Confidence: 0.9})
	c.Put("fp3", CachedResult{ResponseText: "3", Confidence: 0.9})

	assert.Equal(t, 2, c.Len())
	_, ok := c.Get("fp1")
	assert.False(t, ok)
}

func newTestRouter(t *testing.T, maxRequests int) (*Router, *ratelimit.Limiter) {
	t.Helper()
	limiter := ratelimit.New()
	t.Cleanup(limiter.Close)
	r := NewRouter(DefaultTemplates(), NewCache(64, time.Minute, 0.7), limiter, maxRequests, time.Minute)
	return r, limiter
}

func TestTriageTemplateShortCircuits(t *testing.T) {
	r, _ := newTestRouter(t, 1)

	// Template hits bypass admission: they never consume rate budget.
	for i := 0; i < 5; i++ {
		d := r.Triage("lead-1", "Hello")
		assert.Equal(t, DecisionTemplate, d.Kind)
		assert.Equal(t, 1.0, d.Confidence)
	}
}

func TestTriageEmptyMessageAdmitted(t *testing.T) {
	r, _ := newTestRouter(t, 10)
	d := r.Triage("lead-1", "   ")
	assert.Equal(t, DecisionAdmitted, d.Kind)
	assert.Empty(t, d.Fingerprint)
}

func TestTriageCacheHit(t *testing.T) {
	r, _ := newTestRouter(t, 10)

	d1 := r.Triage("lead-1", "What are your business hours?")
	require.Equal(t, DecisionAdmitted, d1.Kind)
	require.NotEmpty(t, d1.Fingerprint)

	stored := r.StoreResult(d1.Fingerprint, CachedResult{
		ResponseText: "We're open 9 to 5.",
		Intent:       "business_hours",
		Confidence:   0.92,
	})
	require.True(t, stored)

	// A different lead asking the same question hits the shared cache.
	d2 := r.Triage("lead-2", "what are  your business hours?")
	assert.Equal(t, DecisionCache, d2.Kind)
	assert.Equal(t, "We're open 9 to 5.", d2.Text)
	assert.InDelta(t, 0.92, d2.Confidence, 1e-9)
	require.NotNil(t, d2.Cached)
	assert.Equal(t, "business_hours", d2.Cached.Intent)
}

func TestTriageRateLimited(t *testing.T) {
	r, _ := newTestRouter(t, 2)

	require.Equal(t, DecisionAdmitted, r.Triage("lead-1", "question one").Kind)
	require.Equal(t, DecisionAdmitted, r.Triage("lead-1", "question two").Kind)

	d := r.Triage("lead-1", "question three")
	assert.Equal(t, DecisionRateLimited, d.Kind)
	assert.NotEmpty(t, d.Text)

	// Other identifiers are unaffected.
	assert.Equal(t, DecisionAdmitted, r.Triage("lead-2", "question three").Kind)
}

func TestTriageLowConfidenceNotCached(t *testing.T) {
	r, _ := newTestRouter(t, 10)

	d := r.Triage("lead-1", "a vague question")
	require.Equal(t, DecisionAdmitted, d.Kind)
	assert.False(t, r.StoreResult(d.Fingerprint, CachedResult{ResponseText: "maybe", Confidence: 0.4}))

	d2 := r.Triage("lead-1", "a vague question")
	assert.Equal(t, DecisionAdmitted, d2.Kind)
}
