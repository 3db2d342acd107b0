package triage

import (
	"strings"
	"time"

	"github.com/intake-voice-lab/internal/logging"
	"github.com/intake-voice-lab/internal/ratelimit"
)

// DecisionKind tags the triage outcome.
type DecisionKind int

const (
	// DecisionTemplate: an exact canned-response match, no further stages run.
	DecisionTemplate DecisionKind = iota
	// DecisionCache: a live cached reasoning result for the fingerprint.
	DecisionCache
	// DecisionRateLimited: admission denied; carries a canned apology. A
	// defined outcome, not an error.
	DecisionRateLimited
	// DecisionAdmitted: proceed to full reasoning.
	DecisionAdmitted
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionTemplate:
		return "template"
	case DecisionCache:
		return "cache"
	case DecisionRateLimited:
		return "rate_limited"
	case DecisionAdmitted:
		return "admitted"
	}
	return "unknown"
}

// Decision is the triage result for one inbound message. Computed fresh per
// message, never persisted.
type Decision struct {
	Kind        DecisionKind
	Text        string
	Confidence  float64
	Cached      *CachedResult
	Fingerprint string
}

// rateLimitedText is the canned reply when admission is denied.
const rateLimitedText = "You're sending messages a little too quickly. Please wait a moment and try again."

// Router runs the cheap-first triage stages: template, cache, admission.
type Router struct {
	templates *Templates
	cache     *Cache
	limiter   *ratelimit.Limiter

	maxRequests int
	window      time.Duration
}

// NewRouter assembles a router over the shared cache and limiter.
func NewRouter(templates *Templates, cache *Cache, limiter *ratelimit.Limiter, maxRequests int, window time.Duration) *Router {
	if templates == nil {
		templates = DefaultTemplates()
	}
	return &Router{
		templates:   templates,
		cache:       cache,
		limiter:     limiter,
		maxRequests: maxRequests,
		window:      window,
	}
}

// Triage decides how to handle message text from the given identifier.
// Empty or whitespace-only input is admitted so reasoning can decide what to
// do with it.
func (r *Router) Triage(identifier, message string) Decision {
	if strings.TrimSpace(message) == "" {
		return Decision{Kind: DecisionAdmitted}
	}

	normalized := Normalize(message)

	if resp := r.templates.Match(normalized); resp != "" {
		logging.Debugw("triage: template hit", "identifier", identifier)
		return Decision{Kind: DecisionTemplate, Text: resp, Confidence: 1.0}
	}

	fp := Fingerprint(normalized)
	if cached, ok := r.cache.Get(fp); ok {
		logging.Debugw("triage: cache hit", "identifier", identifier, "fingerprint", fp[:8])
		return Decision{Kind: DecisionCache, Text: cached.ResponseText, Confidence: cached.Confidence, Cached: &cached, Fingerprint: fp}
	}

	if !r.limiter.Allow(identifier, r.maxRequests, r.window) {
		logging.Warnw("triage: rate limited", "identifier", identifier)
		return Decision{Kind: DecisionRateLimited, Text: rateLimitedText, Fingerprint: fp}
	}

	return Decision{Kind: DecisionAdmitted, Fingerprint: fp}
}

// StoreResult writes a reasoning result into the cache under the
// fingerprint computed during triage, subject to the confidence threshold.
func (r *Router) StoreResult(fingerprint string, res CachedResult) bool {
	return r.cache.Put(fingerprint, res)
}
