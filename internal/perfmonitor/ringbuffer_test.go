package perfmonitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingBuffer_OverwritesOldestWhenFull(t *testing.T) {
	rb := NewRingBuffer(3)
	base := time.Now()
	for i := 0; i < 5; i++ {
		rb.Push(Sample{Timestamp: base.Add(time.Duration(i) * time.Second), Type: "general", LatencyMs: float64(i)})
	}

	snap := rb.Snapshot()
	require.Len(t, snap, 3)
	// oldest two pushes (0, 1) should have been overwritten; remaining
	// order is oldest-to-newest among what's left (2, 3, 4).
	assert.Equal(t, 2.0, snap[0].LatencyMs)
	assert.Equal(t, 3.0, snap[1].LatencyMs)
	assert.Equal(t, 4.0, snap[2].LatencyMs)
}

func TestRingBuffer_SinceFiltersByCutoff(t *testing.T) {
	rb := NewRingBuffer(10)
	now := time.Now()
	rb.Push(Sample{Timestamp: now.Add(-10 * time.Minute), Type: "general", LatencyMs: 1})
	rb.Push(Sample{Timestamp: now, Type: "general", LatencyMs: 2})

	recent := rb.Since(now.Add(-time.Minute))
	require.Len(t, recent, 1)
	assert.Equal(t, 2.0, recent[0].LatencyMs)
}

func TestAggregate_ComputesAverageAndPercentiles(t *testing.T) {
	samples := make([]Sample, 0, 100)
	for i := 1; i <= 100; i++ {
		samples = append(samples, Sample{LatencyMs: float64(i), Success: true})
	}
	stats := Aggregate(samples)
	assert.Equal(t, 100, stats.Count)
	assert.InDelta(t, 50.5, stats.Average, 0.01)
	assert.Equal(t, 1.0, stats.SuccessRate)
	assert.Greater(t, stats.P99, stats.P95)
}

func TestAggregate_CacheHitRateOnlyCountsSamplesThatRecordedIt(t *testing.T) {
	hit := true
	miss := false
	samples := []Sample{
		{LatencyMs: 1, Success: true, CacheHit: &hit},
		{LatencyMs: 1, Success: true, CacheHit: &miss},
		{LatencyMs: 1, Success: true}, // no cache info at all
	}
	stats := Aggregate(samples)
	assert.True(t, stats.hasCacheSamples)
	assert.InDelta(t, 0.5, stats.CacheHitRate, 0.001)
}

func TestAggregate_EmptyInputReturnsZeroStats(t *testing.T) {
	stats := Aggregate(nil)
	assert.Equal(t, 0, stats.Count)
	assert.False(t, stats.hasCacheSamples)
}

func TestByType_GroupsSamplesByTypeField(t *testing.T) {
	samples := []Sample{
		{Type: "auth", LatencyMs: 1},
		{Type: "general", LatencyMs: 2},
		{Type: "auth", LatencyMs: 3},
	}
	grouped := ByType(samples)
	assert.Len(t, grouped["auth"], 2)
	assert.Len(t, grouped["general"], 1)
}
