package creditengine

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsTransient_MatchesKnownRetryableMessages(t *testing.T) {
	assert.True(t, isTransient(errors.New("deadlock detected")))
	assert.True(t, isTransient(errors.New("pq: could not serialize access due to serialization failure")))
	assert.True(t, isTransient(errors.New("connection reset by peer")))
	assert.False(t, isTransient(errors.New("insufficient credits")))
}

func TestBackoff_StaysWithinZeroAndRetryMax(t *testing.T) {
	prev := time.Duration(0)
	for attempt := 0; attempt < 6; attempt++ {
		d := backoff(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, retryMax)
		prev = d
	}
	_ = prev
}

func TestBackoff_NeverExceedsRetryMax(t *testing.T) {
	d := backoff(10) // large attempt: 100ms << 10 is 102.4s before the cap
	assert.LessOrEqual(t, d, retryMax)
}
