// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ipc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"grimm.is/trafficctl/internal/constants"
)

func TestRateLimiter_AllowsBurstUpToCapacity(t *testing.T) {
	rl := NewRateLimiter()
	for i := 0; i < constants.RateLimitCapacity; i++ {
		assert.True(t, rl.Allow("alice"), "call %d within capacity must be allowed", i)
	}
	assert.False(t, rl.Allow("alice"), "one more than capacity must be refused")
}

func TestRateLimiter_IdentitiesAreIndependent(t *testing.T) {
	rl := NewRateLimiter()
	for i := 0; i < constants.RateLimitCapacity; i++ {
		rl.Allow("alice")
	}
	assert.False(t, rl.Allow("alice"))
	assert.True(t, rl.Allow("bob"), "a distinct identity must have its own untouched bucket")
}

func TestRateLimiter_PruneDropsLongIdleBuckets(t *testing.T) {
	rl := NewRateLimiter()
	rl.buckets["stale"] = &bucketEntry{lastSeen: time.Now().Add(-1 * time.Hour)}
	rl.pruneLocked(time.Now())
	_, ok := rl.buckets["stale"]
	assert.False(t, ok, "a bucket idle past 2x the window must be pruned")
}
