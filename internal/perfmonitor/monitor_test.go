package perfmonitor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeverityAbove_PicksHighestBreachedTier(t *testing.T) {
	sev, breached := severityAbove(120, 20, 50, 100)
	require.True(t, breached)
	assert.Equal(t, SeverityEmergency, sev)

	sev, breached = severityAbove(60, 20, 50, 100)
	require.True(t, breached)
	assert.Equal(t, SeverityCritical, sev)

	sev, breached = severityAbove(5, 20, 50, 100)
	assert.False(t, breached)
	assert.Equal(t, Severity(""), sev)
}

func TestSeverityBelow_FiresOnLowCacheHitRate(t *testing.T) {
	sev, breached := severityBelow(80, 90, 85, 0)
	require.True(t, breached)
	assert.Equal(t, SeverityCritical, sev)
}

func TestMonitor_RecordAndSummary(t *testing.T) {
	m := New(100, nil)
	m.Record(Sample{Type: "auth", LatencyMs: 5, Success: true})
	m.Record(Sample{Type: "auth", LatencyMs: 7, Success: false})
	m.Record(Sample{Type: "general", LatencyMs: 3, Success: true})

	summary := m.Summary()
	require.Contains(t, summary, "auth")
	require.Contains(t, summary, "general")
	assert.Equal(t, 2, summary["auth"].Count)
	assert.Equal(t, 1, summary["general"].Count)
	assert.Equal(t, 3, summary["overall"].Count)
}

func TestMonitor_EvaluateFiresAlertOnAuthLatencyBreach(t *testing.T) {
	m := New(100, nil)
	for i := 0; i < 5; i++ {
		m.Record(Sample{Type: "auth", LatencyMs: 200, Success: true})
	}

	var alerts []Alert
	m.OnAlert(func(a Alert) { alerts = append(alerts, a) })
	m.evaluate()

	require.NotEmpty(t, alerts)
	found := false
	for _, a := range alerts {
		if a.Rule == "auth_avg_latency" && a.State == AlertActive {
			found = true
			assert.Equal(t, SeverityEmergency, a.Severity)
		}
	}
	assert.True(t, found)
}

func TestMonitor_EvaluateDoesNotFireBelowMinSamples(t *testing.T) {
	m := New(100, nil)
	m.Record(Sample{Type: "auth", LatencyMs: 500, Success: true})

	var alerts []Alert
	m.OnAlert(func(a Alert) { alerts = append(alerts, a) })
	m.evaluate()

	assert.Empty(t, alerts, "a single sample should be below minSamples and not evaluated")
}

func TestMonitor_GeneralBucketUsesLooserThreshold(t *testing.T) {
	m := New(100, nil)
	for i := 0; i < 5; i++ {
		// 60ms breaches the general warn threshold (50) but would also
		// breach auth's warn (20) -- tagging as "general" must route it
		// through the single warn-only rule, not auth's three-tier one.
		m.Record(Sample{Type: "general", LatencyMs: 60, Success: true})
	}

	var alerts []Alert
	m.OnAlert(func(a Alert) { alerts = append(alerts, a) })
	m.evaluate()

	require.NotEmpty(t, alerts)
	for _, a := range alerts {
		if a.Rule == "general_avg_latency" {
			assert.Equal(t, SeverityWarning, a.Severity)
		}
		assert.NotEqual(t, "auth_avg_latency", a.Rule, "general samples must not feed the auth rule")
	}
}
