// Package ratelimit provides token bucket rate limiting keyed by caller
// identity. The gateway holds one Limiter per limit family (general and
// query), each refilling at a per-minute rate.
package ratelimit

import (
	"math"
	"strings"
	"sync"
	"time"
)

// Config describes one limit family.
type Config struct {
	// PerMinute is the sustained request rate. Tokens refill at
	// PerMinute/60 per second.
	PerMinute int `yaml:"per_minute"`

	// Burst caps the bucket. Zero means the full per-minute quota may
	// be spent at once.
	Burst int `yaml:"burst"`

	Enabled bool `yaml:"enabled"`
}

func (c *Config) applyDefaults() {
	if c.PerMinute <= 0 {
		c.PerMinute = 60
	}
	if c.Burst <= 0 {
		c.Burst = c.PerMinute
	}
}

// Bucket is a single token bucket. Tokens are fractional so slow refill
// rates accumulate between requests.
type Bucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewBucket creates a full bucket from config.
func NewBucket(config Config) *Bucket {
	config.applyDefaults()
	return &Bucket{
		tokens:     float64(config.Burst),
		maxTokens:  float64(config.Burst),
		refillRate: float64(config.PerMinute) / 60.0,
		lastRefill: time.Now(),
	}
}

// Allow consumes one token if available.
func (b *Bucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens >= 1.0 {
		b.tokens -= 1.0
		return true
	}
	return false
}

func (b *Bucket) refill() {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now

	b.tokens += elapsed * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
}

// Tokens returns the current token count.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	return b.tokens
}

// WaitTime returns how long until the next token becomes available.
func (b *Bucket) WaitTime() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens >= 1.0 {
		return 0
	}
	needed := 1.0 - b.tokens
	seconds := needed / b.refillRate
	return time.Duration(seconds * float64(time.Second))
}

// Limiter maintains per-key buckets. Keys are caller user IDs.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*Bucket
	config  Config
	maxKeys int
}

// NewLimiter creates a keyed limiter.
func NewLimiter(config Config) *Limiter {
	config.applyDefaults()
	return &Limiter{
		buckets: make(map[string]*Bucket),
		config:  config,
		maxKeys: 10000,
	}
}

// Allow consumes one token for key.
func (l *Limiter) Allow(key string) bool {
	if !l.config.Enabled {
		return true
	}
	return l.getBucket(key).Allow()
}

// WaitTime returns how long key must wait for its next token.
func (l *Limiter) WaitTime(key string) time.Duration {
	if !l.config.Enabled {
		return 0
	}
	return l.getBucket(key).WaitTime()
}

// Reset removes the bucket for key, restoring its full quota.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

func (l *Limiter) getBucket(key string) *Bucket {
	l.mu.RLock()
	bucket, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return bucket
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Re-check under the write lock.
	if bucket, ok := l.buckets[key]; ok {
		return bucket
	}

	if len(l.buckets) >= l.maxKeys {
		l.prune()
	}

	bucket = NewBucket(l.config)
	l.buckets[key] = bucket
	return bucket
}

// prune drops near-idle buckets. A bucket at or above 90% capacity has
// not been used recently and is recreated full if the key returns.
// Caller must hold the write lock.
func (l *Limiter) prune() {
	for key, bucket := range l.buckets {
		if bucket.Tokens() >= bucket.maxTokens*0.9 {
			delete(l.buckets, key)
		}
	}
}

// RetryAfter converts a wait duration to whole seconds for the
// Retry-After response header. Any positive wait reports at least one
// second.
func RetryAfter(wait time.Duration) int {
	if wait <= 0 {
		return 0
	}
	seconds := int(math.Ceil(wait.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

// CompositeKey joins key parts with colons, for limits scoped finer
// than a single user.
func CompositeKey(parts ...string) string {
	return strings.Join(parts, ":")
}
