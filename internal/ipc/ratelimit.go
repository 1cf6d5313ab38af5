// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ipc

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"grimm.is/trafficctl/internal/constants"
)

// RateLimiter is a per-identity token bucket (spec.md §4.10, P8), keyed by
// the impersonated client's canonical username. Grounded on the per-key
// rate.Limiter map idiom from cuemby-warren's ingress middleware, guarded
// here by a mutex with short critical sections per §5.
//
// capacity/window translate to a continuous refill rate of capacity tokens
// per window via rate.Every: burst capacity tokens are available
// immediately, and a full window of inactivity always refills to capacity.
// The refill is smooth, not per-window: one token returns every
// window/capacity, so a sustained burst spread over part of a window is
// admitted more than capacity times (e.g. 20 calls over 2 s with the
// default 10/10 s admit about 12, not 10).
type RateLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucketEntry
	capacity int
	window   time.Duration
	ops      int
}

type bucketEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter returns a limiter using the spec's compile-time capacity
// and window constants (§2 C2).
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		buckets:  make(map[string]*bucketEntry),
		capacity: constants.RateLimitCapacity,
		window:   time.Duration(constants.RateLimitWindowSeconds) * time.Second,
	}
}

// Allow reports whether identity may proceed now, consuming a token if so.
// Every ~100 operations it prunes buckets idle for more than 2x the window
// (§4.10 "pruned ... every ~100 operations").
func (rl *RateLimiter) Allow(identity string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	b, ok := rl.buckets[identity]
	if !ok {
		b = &bucketEntry{limiter: rate.NewLimiter(rate.Every(rl.window/time.Duration(rl.capacity)), rl.capacity)}
		rl.buckets[identity] = b
	}
	b.lastSeen = now

	rl.ops++
	if rl.ops >= 100 {
		rl.ops = 0
		rl.pruneLocked(now)
	}

	return b.limiter.AllowN(now, 1)
}

func (rl *RateLimiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-2 * rl.window)
	for id, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, id)
		}
	}
}
