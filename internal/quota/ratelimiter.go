// Package quota limits how often a user may upload.
package quota

import (
	"context"
	"math"
	"sync"
	"time"
)

// RateLimiter is a per-user token bucket. Every user gets a burst of rpm
// uploads that refills at rpm per minute; rpm <= 0 disables the limit.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[int]*bucket
	rpm     int
	now     func() time.Time
}

type bucket struct {
	tokens float64
	seen   time.Time
}

// NewRateLimiter creates a limiter allowing rpm uploads per minute per user.
func NewRateLimiter(rpm int) *RateLimiter {
	return &RateLimiter{
		buckets: make(map[int]*bucket),
		rpm:     rpm,
		now:     time.Now,
	}
}

// Limit returns the configured uploads per minute.
func (rl *RateLimiter) Limit() int { return rl.rpm }

// perSecond is the refill rate.
func (rl *RateLimiter) perSecond() float64 { return float64(rl.rpm) / 60 }

// refilled returns userID's bucket topped up to now. Callers hold mu.
func (rl *RateLimiter) refilled(userID int, now time.Time) *bucket {
	b, ok := rl.buckets[userID]
	if !ok {
		b = &bucket{tokens: float64(rl.rpm), seen: now}
		rl.buckets[userID] = b
		return b
	}
	b.tokens = math.Min(float64(rl.rpm), b.tokens+now.Sub(b.seen).Seconds()*rl.perSecond())
	b.seen = now
	return b
}

// Reserve takes a token for userID. When none is left it reports how long
// until one is, rounded up to whole seconds.
func (rl *RateLimiter) Reserve(userID int) (bool, time.Duration) {
	if rl.rpm <= 0 {
		return true, 0
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	b := rl.refilled(userID, rl.now())
	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	wait := math.Ceil((1 - b.tokens) / rl.perSecond())
	return false, time.Duration(wait) * time.Second
}

// Cleanup drops buckets idle for longer than maxAge. A dropped bucket comes
// back full, which an idle user would have reached anyway.
func (rl *RateLimiter) Cleanup(maxAge time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-maxAge)
	for id, b := range rl.buckets {
		if b.seen.Before(cutoff) {
			delete(rl.buckets, id)
		}
	}
}

// Run calls Cleanup every interval until ctx is done.
func (rl *RateLimiter) Run(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Cleanup(maxAge)
		}
	}
}

func (rl *RateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}
