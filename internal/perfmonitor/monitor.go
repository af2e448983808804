package perfmonitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Severity classifies a threshold breach.
type Severity string

const (
	SeverityWarning   Severity = "warning"
	SeverityCritical  Severity = "critical"
	SeverityEmergency Severity = "emergency"
)

// AlertState is an alert rule's current lifecycle state.
type AlertState string

const (
	AlertActive   AlertState = "active"
	AlertResolved AlertState = "resolved"
)

// Alert is emitted to registered callbacks on a state transition.
type Alert struct {
	Rule     string
	Severity Severity
	State    AlertState
	Value    float64
	At       time.Time
}

// AlertFunc receives every alert transition.
type AlertFunc func(Alert)

const (
	reAlertWindow   = 5 * time.Minute
	evalWindow      = 5 * time.Minute
	evalInterval    = 30 * time.Second
	minSamples      = 3
)

// Metrics holds the Prometheus instruments C9 exports, grounded on the
// teacher's escrow/metrics.go promauto wiring.
type Metrics struct {
	OpLatency    *prometheus.HistogramVec
	OpTotal      *prometheus.CounterVec
	CacheHitRate *prometheus.GaugeVec
	PoolUtilization *prometheus.GaugeVec
	AlertsActive *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		OpLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "authcore_operation_latency_ms",
				Help:    "Latency of core operations in milliseconds",
				Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 200, 500, 1000},
			},
			[]string{"type"},
		),
		OpTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authcore_operation_total",
				Help: "Total operations processed, by type and outcome",
			},
			[]string{"type", "outcome"},
		),
		CacheHitRate: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "authcore_cache_hit_rate",
				Help: "Rolling cache hit rate over the evaluation window",
			},
			[]string{"tier"},
		),
		PoolUtilization: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "authcore_pool_utilization",
				Help: "Connection pool utilization (in-use / max)",
			},
			[]string{"pool"},
		),
		AlertsActive: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "authcore_alerts_active",
				Help: "Whether an alert rule is currently active (1) or resolved (0)",
			},
			[]string{"rule"},
		),
	}
}

// Monitor implements C9.
type Monitor struct {
	ring    *RingBuffer
	metrics *Metrics
	logger  *slog.Logger

	mu          sync.Mutex
	alertStates map[string]ruleState
	callbacks   []AlertFunc

	poolUtilization map[string]float64
}

type ruleState struct {
	state      AlertState
	lastChange time.Time
}

func New(capacity int, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		ring:            NewRingBuffer(capacity),
		metrics:         NewMetrics(),
		logger:          logger,
		alertStates:     make(map[string]ruleState),
		poolUtilization: make(map[string]float64),
	}
}

// Record stores a sample and updates the Prometheus counters. A sample
// with a zero Timestamp is stamped with the current time.
func (m *Monitor) Record(s Sample) {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}
	m.ring.Push(s)
	m.metrics.OpLatency.WithLabelValues(s.Type).Observe(s.LatencyMs)
	outcome := "success"
	if !s.Success {
		outcome = "failure"
	}
	m.metrics.OpTotal.WithLabelValues(s.Type, outcome).Inc()
}

// OnAlert registers a callback invoked on every alert transition.
func (m *Monitor) OnAlert(fn AlertFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// SetPoolUtilization records a pool's current utilization ratio
// [0,1], used by the pool-utilization threshold rule.
func (m *Monitor) SetPoolUtilization(pool string, ratio float64) {
	m.mu.Lock()
	m.poolUtilization[pool] = ratio
	m.mu.Unlock()
	m.metrics.PoolUtilization.WithLabelValues(pool).Set(ratio)
}

// Run evaluates the threshold rules every 30s until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(evalInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.evaluate()
			}
		}
	}()
}

func (m *Monitor) evaluate() {
	cutoff := time.Now().Add(-evalWindow)
	samples := m.ring.Since(cutoff)
	byType := ByType(samples)

	authStats := Aggregate(byType["auth"])
	generalStats := Aggregate(nonAuthSamples(byType))
	overall := Aggregate(samples)

	if authStats.Count >= minSamples {
		m.evaluateLatency("auth_avg_latency", authStats.Average, 20, 50, 100)
	}
	if generalStats.Count >= minSamples {
		m.evaluateLatency("general_avg_latency", generalStats.Average, 50, 0, 0)
	}
	if overall.Count >= minSamples && overall.hasCacheSamples {
		m.evaluateInverse("cache_hit_rate", overall.CacheHitRate*100, 90, 85, 0)
	}
	if overall.Count >= minSamples {
		errorRate := (1 - overall.SuccessRate) * 100
		m.evaluateLatency("error_rate", errorRate, 2, 5, 0)
	}

	m.mu.Lock()
	utilSnapshot := make(map[string]float64, len(m.poolUtilization))
	for k, v := range m.poolUtilization {
		utilSnapshot[k] = v
	}
	m.mu.Unlock()
	for pool, ratio := range utilSnapshot {
		m.evaluateLatency("pool_utilization:"+pool, ratio*100, 80, 90, 0)
	}
}

func nonAuthSamples(byType map[string][]Sample) []Sample {
	var out []Sample
	for t, samples := range byType {
		if t != "auth" {
			out = append(out, samples...)
		}
	}
	return out
}

// evaluateLatency fires when value exceeds the given thresholds
// (higher is worse). A zero threshold disables that severity level.
func (m *Monitor) evaluateLatency(rule string, value, warn, crit, emergency float64) {
	sev, breached := severityAbove(value, warn, crit, emergency)
	m.transition(rule, sev, breached, value)
}

// evaluateInverse fires when value falls below the given thresholds
// (lower is worse), used for cache hit rate.
func (m *Monitor) evaluateInverse(rule string, value, warn, crit, emergency float64) {
	sev, breached := severityBelow(value, warn, crit, emergency)
	m.transition(rule, sev, breached, value)
}

func severityAbove(value, warn, crit, emergency float64) (Severity, bool) {
	switch {
	case emergency > 0 && value > emergency:
		return SeverityEmergency, true
	case crit > 0 && value > crit:
		return SeverityCritical, true
	case warn > 0 && value > warn:
		return SeverityWarning, true
	default:
		return "", false
	}
}

func severityBelow(value, warn, crit, emergency float64) (Severity, bool) {
	switch {
	case emergency > 0 && value < emergency:
		return SeverityEmergency, true
	case crit > 0 && value < crit:
		return SeverityCritical, true
	case warn > 0 && value < warn:
		return SeverityWarning, true
	default:
		return "", false
	}
}

func (m *Monitor) transition(rule string, sev Severity, breached bool, value float64) {
	m.mu.Lock()
	prev, existed := m.alertStates[rule]
	now := time.Now()

	if !breached {
		if existed && prev.state == AlertActive {
			m.alertStates[rule] = ruleState{state: AlertResolved, lastChange: now}
			m.mu.Unlock()
			m.metrics.AlertsActive.WithLabelValues(rule).Set(0)
			m.fire(Alert{Rule: rule, Severity: sev, State: AlertResolved, Value: value, At: now})
			return
		}
		m.mu.Unlock()
		return
	}

	if existed && prev.state == AlertActive && now.Sub(prev.lastChange) < reAlertWindow {
		m.mu.Unlock()
		return // already active, not yet due for re-emission
	}

	m.alertStates[rule] = ruleState{state: AlertActive, lastChange: now}
	m.mu.Unlock()
	m.metrics.AlertsActive.WithLabelValues(rule).Set(1)
	m.fire(Alert{Rule: rule, Severity: sev, State: AlertActive, Value: value, At: now})
}

func (m *Monitor) fire(a Alert) {
	m.mu.Lock()
	callbacks := append([]AlertFunc(nil), m.callbacks...)
	m.mu.Unlock()

	m.logger.Warn("perfmonitor alert", "rule", a.Rule, "severity", a.Severity, "state", a.State, "value", a.Value)
	for _, cb := range callbacks {
		cb(a)
	}
}

// Summary reports the current rolling aggregates, for health/metrics
// endpoints.
func (m *Monitor) Summary() map[string]Stats {
	samples := m.ring.Since(time.Now().Add(-evalWindow))
	out := map[string]Stats{"overall": Aggregate(samples)}
	for t, s := range ByType(samples) {
		out[t] = Aggregate(s)
	}
	return out
}
