package credentialgate

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate_StartsPrivilegedOptimistically(t *testing.T) {
	g := New(Config{CredentialFingerprint: "svc-key"}, func(ctx context.Context) error { return nil })
	assert.Equal(t, ModePrivileged, g.Mode(context.Background()))
}

func TestGate_DemotesOnRejection(t *testing.T) {
	g := New(Config{CredentialFingerprint: "svc-key", TTL: time.Millisecond}, func(ctx context.Context) error {
		return errors.New("invalid api key")
	})
	// force a probe
	g.Invalidate()
	mode := g.Mode(context.Background())
	assert.Equal(t, ModeDelegatedOnly, mode)
}

func TestGate_StaysPrivilegedOnHealthyProbe(t *testing.T) {
	var probes int32
	g := New(Config{CredentialFingerprint: "svc-key"}, func(ctx context.Context) error {
		atomic.AddInt32(&probes, 1)
		return nil
	})
	g.Invalidate()
	assert.Equal(t, ModePrivileged, g.Mode(context.Background()))
	assert.GreaterOrEqual(t, atomic.LoadInt32(&probes), int32(1))
}

func TestGate_BackoffSuppressesReprobeAfterRejection(t *testing.T) {
	var probes int32
	g := New(Config{
		CredentialFingerprint: "svc-key",
		TTL:                   time.Millisecond,
		ReprobeBackoff:        time.Hour,
	}, func(ctx context.Context) error {
		atomic.AddInt32(&probes, 1)
		return errors.New("invalid api key")
	})

	g.Invalidate()
	require.Equal(t, ModeDelegatedOnly, g.Mode(context.Background()))
	first := atomic.LoadInt32(&probes)

	time.Sleep(2 * time.Millisecond) // TTL expires, but backoff window should suppress re-probe
	assert.Equal(t, ModeDelegatedOnly, g.Mode(context.Background()))
	assert.Equal(t, first, atomic.LoadInt32(&probes), "should not re-probe inside the backoff window")
}

// TestGate_ReprobesAfterBackoffElapsesEvenWithLongTTL guards against
// caching a rejection for the full TTL: with TTL much longer than
// ReprobeBackoff, the gate must still re-probe once ReprobeBackoff has
// elapsed, not wait out the full TTL.
func TestGate_ReprobesAfterBackoffElapsesEvenWithLongTTL(t *testing.T) {
	var probes int32
	g := New(Config{
		CredentialFingerprint: "svc-key",
		TTL:                   time.Hour,
		ReprobeBackoff:        2 * time.Millisecond,
	}, func(ctx context.Context) error {
		atomic.AddInt32(&probes, 1)
		return errors.New("invalid api key")
	})

	g.Invalidate()
	require.Equal(t, ModeDelegatedOnly, g.Mode(context.Background()))
	first := atomic.LoadInt32(&probes)
	require.Equal(t, int32(1), first)

	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, ModeDelegatedOnly, g.Mode(context.Background()))
	assert.Greater(t, atomic.LoadInt32(&probes), first, "should re-probe once ReprobeBackoff elapses, not wait for the full TTL")
}

func TestIsRejection(t *testing.T) {
	assert.True(t, IsRejection(errors.New("Invalid API Key")))
	assert.True(t, IsRejection(errors.New("database error granting user")))
	assert.True(t, IsRejection(errors.New("jwt expired")))
	assert.False(t, IsRejection(nil))
	assert.False(t, IsRejection(errors.New("connection refused")))
}

func TestGate_StatsReportsHitRate(t *testing.T) {
	g := New(Config{CredentialFingerprint: "svc-key"}, func(ctx context.Context) error { return nil })
	g.Mode(context.Background()) // miss, probes
	g.Mode(context.Background()) // hit, cached
	stats := g.Stats()
	assert.Equal(t, ModePrivileged, stats.Mode)
	assert.Greater(t, stats.HitRate, 0.0)
}
