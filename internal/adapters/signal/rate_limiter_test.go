package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterAllowsUpToLimit(t *testing.T) {
	rl := NewSignalRateLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("alice"), "attempt %d within limit", i+1)
	}
	assert.False(t, rl.Allow("alice"))
}

func TestRateLimiterIsPerUser(t *testing.T) {
	rl := NewSignalRateLimiter(1, time.Minute)

	assert.True(t, rl.Allow("alice"))
	assert.False(t, rl.Allow("alice"))
	assert.True(t, rl.Allow("bob"))
}

func TestRateLimiterWindowSlides(t *testing.T) {
	rl := NewSignalRateLimiter(1, 20*time.Millisecond)

	assert.True(t, rl.Allow("alice"))
	assert.False(t, rl.Allow("alice"))

	time.Sleep(30 * time.Millisecond)
	assert.True(t, rl.Allow("alice"))
}

func TestRateLimiterZeroLimitDisables(t *testing.T) {
	rl := NewSignalRateLimiter(0, time.Minute)
	for i := 0; i < 100; i++ {
		assert.True(t, rl.Allow("alice"))
	}
}

func TestRateLimiterForgetResetsWindow(t *testing.T) {
	rl := NewSignalRateLimiter(1, time.Minute)

	assert.True(t, rl.Allow("alice"))
	assert.False(t, rl.Allow("alice"))

	rl.Forget("alice")
	assert.True(t, rl.Allow("alice"))
}
