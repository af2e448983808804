package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestL1_SetGet(t *testing.T) {
	l1 := NewL1(10)
	l1.Set("k1", []byte("v1"), time.Minute, PriorityMedium)

	v, ok := l1.Get("k1")
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), v)
}

func TestL1_ExpiredEntryIsAbsent(t *testing.T) {
	l1 := NewL1(10)
	l1.Set("k1", []byte("v1"), time.Millisecond, PriorityMedium)
	time.Sleep(5 * time.Millisecond)

	_, ok := l1.Get("k1")
	assert.False(t, ok)
	assert.Equal(t, 0, l1.Len())
}

func TestL1_EvictsLowestPriorityFirstAtCapacity(t *testing.T) {
	l1 := NewL1(2)
	l1.Set("low", []byte("v"), time.Minute, PriorityLow)
	l1.Set("high", []byte("v"), time.Minute, PriorityHigh)

	// third insert forces an eviction; the low-priority entry should go
	// even though it isn't the soonest to expire.
	l1.Set("new", []byte("v"), time.Minute, PriorityMedium)

	_, lowPresent := l1.Get("low")
	_, highPresent := l1.Get("high")
	_, newPresent := l1.Get("new")

	assert.False(t, lowPresent, "low-priority entry should be evicted first")
	assert.True(t, highPresent)
	assert.True(t, newPresent)
}

func TestL1_InvalidatePatternRemovesMatchingKeys(t *testing.T) {
	l1 := NewL1(10)
	l1.Set("authz:user1:res1", []byte("v"), time.Minute, PriorityMedium)
	l1.Set("authz:user1:res2", []byte("v"), time.Minute, PriorityMedium)
	l1.Set("balance:user1", []byte("v"), time.Minute, PriorityMedium)

	removed := l1.InvalidatePattern("authz:user1:*")
	assert.Equal(t, 2, removed)

	_, ok := l1.Get("balance:user1")
	assert.True(t, ok)
}

func TestL1_DeleteRemovesEntry(t *testing.T) {
	l1 := NewL1(10)
	l1.Set("k1", []byte("v1"), time.Minute, PriorityMedium)

	assert.True(t, l1.Delete("k1"))
	assert.False(t, l1.Delete("k1"))
	_, ok := l1.Get("k1")
	assert.False(t, ok)
}
