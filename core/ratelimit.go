package core

// Per-provider dual token-bucket rate limiter (C2). Grounded on the mutex
// guarded, background-reaper style of core/connection_pool.go: a small
// struct protected by a single mutex, with refill computed lazily from
// elapsed wall-clock time rather than a ticking goroutine.

import (
	"context"
	"math"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// pollInterval bounds each sleep performed while queueing for tokens, per
// spec §4.2 ("blocking up to queue_timeout_ms across short sleeps ≤100ms").
const pollInterval = 100 * time.Millisecond

// TokenBucket is a single (capacity, refillPerMinute) bucket.
type TokenBucket struct {
	mu             sync.Mutex
	capacity       float64
	refillPerMin   float64
	tokens         float64
	lastRefillTime time.Time
}

// NewTokenBucket constructs a bucket starting at full capacity.
func NewTokenBucket(capacity, refillPerMinute float64) *TokenBucket {
	return &TokenBucket{
		capacity:       capacity,
		refillPerMin:   refillPerMinute,
		tokens:         capacity,
		lastRefillTime: time.Now(),
	}
}

func (b *TokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefillTime)
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.capacity, b.tokens+elapsed.Minutes()*b.refillPerMin)
	b.lastRefillTime = now
}

// TryConsume refills then atomically checks-and-debits n tokens.
func (b *TokenBucket) TryConsume(n float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}

// AddTokens refunds n tokens, capped at capacity. Used when a downstream
// acquisition fails after an earlier bucket already succeeded.
func (b *TokenBucket) AddTokens(n float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	b.tokens = math.Min(b.capacity, b.tokens+n)
}

// TimeUntilAvailable returns how long until n tokens would be available,
// given the current refill rate: ceil(deficit * 60000 / refillPerMinute).
func (b *TokenBucket) TimeUntilAvailable(n float64) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	if b.tokens >= n {
		return 0
	}
	if b.refillPerMin <= 0 {
		return time.Duration(math.MaxInt64)
	}
	deficit := n - b.tokens
	ms := math.Ceil(deficit * 60000 / b.refillPerMin)
	return time.Duration(ms) * time.Millisecond
}

// ProviderLimits configures the two buckets for one provider.
type ProviderLimits struct {
	RPM           int
	TPM           int
	QueueTimeout  time.Duration
}

// defaultProviderLimits are applied fail-closed for any unconfigured
// provider name, per spec §4.2.
var defaultProviderLimits = ProviderLimits{RPM: 60, TPM: 100_000, QueueTimeout: 30 * time.Second}

type providerBuckets struct {
	rpm *TokenBucket
	tpm *TokenBucket
}

// ProviderRateLimiter holds an RPM and a TPM bucket per provider.
type ProviderRateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*providerBuckets
	limits  map[string]ProviderLimits
	log     *log.Logger
}

// NewProviderRateLimiter constructs a limiter with the given per-provider
// configuration. Providers absent from limits fall back to
// defaultProviderLimits lazily on first use.
func NewProviderRateLimiter(limits map[string]ProviderLimits, logger *log.Logger) *ProviderRateLimiter {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &ProviderRateLimiter{
		buckets: make(map[string]*providerBuckets),
		limits:  limits,
		log:     logger,
	}
}

func (p *ProviderRateLimiter) bucketsFor(provider string) *providerBuckets {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.buckets[provider]; ok {
		return b
	}
	lim, ok := p.limits[provider]
	if !ok {
		lim = defaultProviderLimits
		p.log.WithField("provider", provider).Warn("rate limiter: unknown provider, using fail-closed defaults")
	}
	if lim.QueueTimeout == 0 {
		lim.QueueTimeout = defaultProviderLimits.QueueTimeout
	}
	b := &providerBuckets{
		rpm: NewTokenBucket(float64(lim.RPM), float64(lim.RPM)),
		tpm: NewTokenBucket(float64(lim.TPM), float64(lim.TPM)),
	}
	p.buckets[provider] = b
	p.limits[provider] = lim
	return b
}

// Acquire obtains exactly one RPM token and estimatedTokens TPM tokens for
// provider, blocking up to the provider's queue timeout across short polls.
// If the TPM token cannot be obtained before the deadline, any already
// consumed RPM token is refunded and Acquire returns false. Must be called
// exactly once per logical request, never per retry (spec §4.2).
func (p *ProviderRateLimiter) Acquire(ctx context.Context, provider string, estimatedTokens int) bool {
	b := p.bucketsFor(provider)
	timeout := p.limits[provider].QueueTimeout
	deadline := time.Now().Add(timeout)

	if !p.waitFor(ctx, b.rpm, 1, deadline) {
		return false
	}
	if !p.waitFor(ctx, b.tpm, float64(estimatedTokens), deadline) {
		b.rpm.AddTokens(1)
		return false
	}
	return true
}

func (p *ProviderRateLimiter) waitFor(ctx context.Context, bucket *TokenBucket, n float64, deadline time.Time) bool {
	for {
		if bucket.TryConsume(n) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		wait := pollInterval
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
		if wait <= 0 {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
	}
}

// Release is currently a no-op; reserved as a hook for a future
// semaphore-style acquisition scheme (spec §4.2).
func (p *ProviderRateLimiter) Release(string) {}
