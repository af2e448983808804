package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	Value string `json:"value"`
}

func TestCache_GetFallsThroughToFallbackOnMiss(t *testing.T) {
	c := New(NewL1(10), nil, nil)

	calls := 0
	var dest payload
	level, err := c.Get(context.Background(), "k1", PriorityMedium, time.Minute, time.Minute, &dest,
		func(ctx context.Context) (any, error) {
			calls++
			return payload{Value: "from-source"}, nil
		})

	require.NoError(t, err)
	assert.Equal(t, HitL3, level)
	assert.Equal(t, "from-source", dest.Value)
	assert.Equal(t, 1, calls)
}

func TestCache_GetHitsL1OnSecondCall(t *testing.T) {
	c := New(NewL1(10), nil, nil)

	calls := 0
	loader := func(ctx context.Context) (any, error) {
		calls++
		return payload{Value: "from-source"}, nil
	}

	var first payload
	_, err := c.Get(context.Background(), "k1", PriorityMedium, time.Minute, time.Minute, &first, loader)
	require.NoError(t, err)

	var second payload
	level, err := c.Get(context.Background(), "k1", PriorityMedium, time.Minute, time.Minute, &second, loader)
	require.NoError(t, err)
	assert.Equal(t, HitL1, level)
	assert.Equal(t, 1, calls, "fallback should not run again once L1 is warm")
}

func TestCache_InvalidatePatternClearsL1(t *testing.T) {
	c := New(NewL1(10), nil, nil)
	require.NoError(t, c.Set(context.Background(), "authz:u1:r1", payload{Value: "x"}, PriorityMedium, time.Minute, time.Minute))

	n := c.InvalidatePattern(context.Background(), "authz:u1:*")
	assert.Equal(t, 1, n)
}

func TestCache_StatsReportsL1OnlyWhenL2Disabled(t *testing.T) {
	c := New(NewL1(10), nil, nil)
	c.Set(context.Background(), "k1", payload{Value: "x"}, PriorityMedium, time.Minute, time.Minute)

	stats := c.Stats()
	assert.Equal(t, 1, stats.L1Size)
	assert.False(t, stats.L2Active)
}

func TestCache_WarmPopulatesL1(t *testing.T) {
	c := New(NewL1(10), nil, nil)
	c.Warm(context.Background(), time.Second, []WarmFunc{
		{
			Name: "hot-users",
			Load: func(ctx context.Context) (map[string]any, error) {
				return map[string]any{"u1": payload{Value: "a"}, "u2": payload{Value: "b"}}, nil
			},
			TTLL1: time.Minute,
		},
	})
	assert.Equal(t, 2, c.Stats().L1Size)
}
