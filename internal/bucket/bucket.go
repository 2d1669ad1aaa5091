// Package bucket implements the byte-denominated token bucket used to
// enforce download and upload rates.
//
// Token bucket algorithm:
//   - Tokens are replenished at a constant rate (bytes per second)
//   - Each packet consumes tokens equal to its length
//   - The bucket holds at most two seconds worth of tokens (burst depth)
//   - A packet is admitted if enough tokens are available, dropped otherwise
//
// A drop is deliberate back-pressure: TCP congestion control reacts to the
// lost segment and slows the sender, so dropped packets never refund tokens.
package bucket

import (
	"math"
	"sync"
	"time"
)

// burstSeconds controls the bucket depth relative to the rate.
const burstSeconds = 2.0

// Bucket is a thread-safe token bucket with a live-updatable rate.
type Bucket struct {
	mu        sync.Mutex
	tokens    float64
	maxTokens float64
	rate      float64 // bytes per second
	last      time.Time
}

// New creates a bucket filled to capacity for the given rate in bytes/sec.
// A rate <= 0 yields a bucket that admits nothing but zero-length requests.
func New(rate float64) *Bucket {
	if rate < 0 {
		rate = 0
	}
	return &Bucket{
		tokens:    rate * burstSeconds,
		maxTokens: rate * burstSeconds,
		rate:      rate,
		last:      time.Now(),
	}
}

// SetRate updates the refill rate and burst capacity. Tokens above the new
// capacity are clamped down; tokens are never increased by a rate change.
func (b *Bucket) SetRate(rate float64) {
	if rate < 0 {
		rate = 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rate = rate
	b.maxTokens = rate * burstSeconds
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
}

// Rate returns the current refill rate in bytes/sec.
func (b *Bucket) Rate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rate
}

// TryConsume refills the bucket for the elapsed time since the last call,
// then attempts to take n tokens. Returns true and subtracts on success;
// returns false and subtracts nothing when fewer than n tokens are held.
//
// Refill measures elapsed time with time.Now and Time.Sub, which read the
// monotonic clock and are immune to wall-clock jumps.
func (b *Bucket) TryConsume(n uint32) bool {
	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now.Sub(b.last).Seconds()
	b.last = now
	if elapsed > 0 {
		b.tokens = math.Min(b.maxTokens, b.tokens+elapsed*b.rate)
	}

	need := float64(n)
	if b.tokens >= need {
		b.tokens -= need
		return true
	}
	return false
}

// Tokens reports the current token count without refilling. Intended for
// tests and diagnostics.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}
