package chatlink

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func TestReplyLimiter_BurstThenRefill(t *testing.T) {
	rl := newReplyLimiter(rate.Every(time.Second), 2, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.True(t, rl.allow("555", now))
	assert.True(t, rl.allow("555", now))
	assert.False(t, rl.allow("555", now))
	assert.True(t, rl.allow("777", now), "identities are limited independently")

	assert.True(t, rl.allow("555", now.Add(time.Second)))
}

func TestReplyLimiter_SweepsIdleIdentities(t *testing.T) {
	rl := newReplyLimiter(rate.Every(time.Second), 1, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	rl.allow("555", now)
	rl.allow("777", now.Add(90*time.Second))
	assert.Len(t, rl.limiters, 1)
	assert.Contains(t, rl.limiters, "777")
}

func TestReplyLimiter_Unlimited(t *testing.T) {
	rl := newReplyLimiter(rate.Inf, 0, time.Minute)
	now := time.Now()
	for i := 0; i < 100; i++ {
		assert.True(t, rl.allow("555", now))
	}
}
