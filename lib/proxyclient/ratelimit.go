package proxyclient

import (
	"context"
	"sync"
	"time"
)

// Counters is the single synchronized home for the request bookkeeping that
// drives spacing and periodic rotation.
type Counters struct {
	TotalRequests        int64
	SinceProxyRotation   int64
	SinceSessionRotation int64
	LastRequest          time.Time
}

// Gate tells the caller what to do before dispatching the next request.
type Gate struct {
	RotateProxy   bool
	RotateSession bool
}

// RateLimiter enforces minimum inter-request spacing and schedules the
// periodic preventive rotations. It never rejects a request, only delays it.
type RateLimiter struct {
	mu           sync.Mutex
	minInterval  time.Duration
	proxyEvery   int64
	sessionEvery int64
	counters     Counters
	nextSlot     time.Time

	now func() time.Time
}

func NewRateLimiter(minInterval time.Duration, proxyEvery, sessionEvery int64) *RateLimiter {
	return &RateLimiter{
		minInterval:  minInterval,
		proxyEvery:   proxyEvery,
		sessionEvery: sessionEvery,
		now:          time.Now,
	}
}

// Before blocks until the caller may dispatch. The dispatch slot is reserved
// under the lock so concurrent callers are spaced out minInterval apart, then
// the wait itself happens without holding the lock.
func (r *RateLimiter) Before(ctx context.Context) (Gate, error) {
	r.mu.Lock()
	now := r.now()

	slot := now
	if slot.Before(r.nextSlot) {
		slot = r.nextSlot
	}
	r.nextSlot = slot.Add(r.minInterval)

	r.counters.TotalRequests++
	r.counters.SinceProxyRotation++
	r.counters.SinceSessionRotation++
	r.counters.LastRequest = slot

	var gate Gate
	if r.sessionEvery > 0 && r.counters.SinceSessionRotation >= r.sessionEvery {
		gate.RotateSession = true
		r.counters.SinceSessionRotation = 0
		r.counters.SinceProxyRotation = 0
	} else if r.proxyEvery > 0 && r.counters.SinceProxyRotation >= r.proxyEvery {
		gate.RotateProxy = true
		r.counters.SinceProxyRotation = 0
	}
	r.mu.Unlock()

	if wait := slot.Sub(now); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return gate, ctx.Err()
		}
	}
	return gate, nil
}

func (r *RateLimiter) Counters() Counters {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters
}
