package bootstrap

import (
	"context"
	"sync"
	"time"

	"github.com/ocx/authcore/internal/authzengine"
	"github.com/ocx/authcore/internal/coredomain"
	"github.com/ocx/authcore/internal/creditengine"
	"github.com/ocx/authcore/internal/dbpool"
	"github.com/ocx/authcore/internal/perfmonitor"
)

// Authorize implements spec.md §6.1's authorize(token, claimed_user_id,
// resource_type, resource_id, op, deadline).
func (c *Core) Authorize(ctx context.Context, token, claimedUserID string, resourceType coredomain.ResourceType, resourceID string, op coredomain.Op, deadline time.Duration) (*coredomain.AuthorizationDecision, error) {
	// bucketAuth tags samples for C9's auth-specific latency thresholds
	// (spec.md §4.9); it must match perfmonitor's literal "auth" key.
	const bucketAuth = "auth"
	if deadline <= 0 {
		deadline = c.cfg.AuthDeadline()
	}
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	start := time.Now()
	info, err := c.validator.Validate(token, claimedUserID)
	if err != nil {
		c.record(bucketAuth, start, false, nil)
		return nil, err
	}

	decision, err := c.authz.Decide(callCtx, authzengine.Request{
		UserID:       info.UserID,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Op:           op,
		ClaimedRole:  info.Role,
	})
	hit := decision != nil && (decision.Method == coredomain.MethodCacheL1 || decision.Method == coredomain.MethodCacheL2)
	c.record(bucketAuth, start, err == nil, &hit)
	return decision, err
}

// GetUser implements get_user(token, user_id, deadline).
func (c *Core) GetUser(ctx context.Context, token, userID string, deadline time.Duration) (*coredomain.User, error) {
	if deadline <= 0 {
		deadline = c.cfg.GeneralDeadline()
	}
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	start := time.Now()
	u, err := c.users.GetUserByID(callCtx, userID, token)
	if err != nil {
		c.record(bucketGeneral, start, false, nil)
		return nil, err
	}
	if u == nil {
		provisioned, perr := c.users.EnsureUser(callCtx, userID, "")
		c.record(bucketGeneral, start, perr == nil, nil)
		return provisioned, perr
	}
	c.record(bucketGeneral, start, true, nil)
	return u, nil
}

// bucketGeneral tags every non-authorize operation so C9's threshold
// evaluator falls through to the general-latency rule (spec.md §4.9)
// rather than the tighter auth-specific one.
const bucketGeneral = "general"

// CreditResult is spend_credits/grant_credits's {new_balance,
// ledger_entry_id} result shape.
type CreditResult struct {
	NewBalance    int64
	LedgerEntryID string
}

const idempotencyTTL = 10 * time.Minute

type idempotencyEntry struct {
	result   CreditResult
	err      error
	storedAt time.Time
}

// idempotencyCache backs spend_credits's idempotency-key cache. It is a
// field on Core, constructed once in bootstrap.New, not a package-level
// singleton — spec.md §9's "no module-level mutable singletons" rule.
type idempotencyCache struct {
	mu      sync.Mutex
	entries map[string]idempotencyEntry
}

func newIdempotencyCache() *idempotencyCache {
	return &idempotencyCache{entries: make(map[string]idempotencyEntry)}
}

// SpendCredits implements spend_credits(token, user_id, amount, kind,
// linked_generation_id?, idempotency_key?, deadline). A supplied
// idempotency_key is cached for idempotencyTTL: a retry presenting the
// same key observes the first attempt's outcome instead of deducting
// twice, addressing spec.md §5's "in-flight writes... MUST be treated
// by the caller as unknown (idempotency keys recommended for deduct)."
func (c *Core) SpendCredits(ctx context.Context, token, userID string, amount int64, kind coredomain.LedgerKind, linkedGenerationID *string, idempotencyKey string, deadline time.Duration) (CreditResult, error) {
	if idempotencyKey != "" {
		if entry, ok := c.idempotency.lookup(idempotencyKey); ok {
			return entry.result, entry.err
		}
	}

	if deadline <= 0 {
		deadline = c.cfg.GeneralDeadline()
	}
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	start := time.Now()
	r, err := c.credits.Deduct(callCtx, creditengine.Transaction{
		UserID:             userID,
		Amount:             amount,
		Kind:               kind,
		LinkedGenerationID: linkedGenerationID,
		Token:              token,
	})
	c.record(bucketGeneral, start, err == nil, nil)

	var result CreditResult
	if err == nil {
		result = CreditResult{NewBalance: r.User.CreditsBalance, LedgerEntryID: r.LedgerEntryID}
	}
	if idempotencyKey != "" {
		c.idempotency.store(idempotencyKey, result, err)
	}
	return result, err
}

// GrantCredits implements grant_credits(token, user_id, amount, kind,
// metadata, deadline).
func (c *Core) GrantCredits(ctx context.Context, token, userID string, amount int64, kind coredomain.LedgerKind, metadata map[string]any, deadline time.Duration) (CreditResult, error) {
	if deadline <= 0 {
		deadline = c.cfg.GeneralDeadline()
	}
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	start := time.Now()
	r, err := c.credits.Add(callCtx, creditengine.Transaction{
		UserID:   userID,
		Amount:   amount,
		Kind:     kind,
		Metadata: metadata,
		Token:    token,
	})
	c.record(bucketGeneral, start, err == nil, nil)
	if err != nil {
		return CreditResult{}, err
	}
	return CreditResult{NewBalance: r.User.CreditsBalance, LedgerEntryID: r.LedgerEntryID}, nil
}

// HealthReport is health()'s {overall, components[], cache_hit_rates,
// pool_states} shape. CacheHitRates carries the L1 entry count under
// "l1_entries"; no hit rate is computed for it.
type HealthReport struct {
	Overall       string
	Components    map[string]string
	CacheHitRates map[string]float64
	PoolStates    map[dbpool.Name]dbpool.PoolHealth
	GateMode      string
}

// Health implements health().
func (c *Core) Health() HealthReport {
	poolHealth := c.pools.Health()
	gateStats := c.gate.Stats()
	cacheStats := c.cache.Stats()

	components := map[string]string{
		"credential_gate": string(gateStats.Mode),
		"cache_l2":        cacheStats.L2State,
	}

	overall := "HEALTHY"
	for _, ph := range poolHealth {
		components["pool_"+string(ph.Name)] = string(ph.Status)
		if ph.Status != "HEALTHY" {
			overall = "DEGRADED"
		}
	}
	if cacheStats.L2Active && cacheStats.L2State == "OPEN" {
		overall = "DEGRADED"
	}

	return HealthReport{
		Overall:    overall,
		Components: components,
		CacheHitRates: map[string]float64{
			"l1_entries": float64(cacheStats.L1Size),
		},
		PoolStates: poolHealth,
		GateMode:   string(gateStats.Mode),
	}
}

// MetricsReport is metrics()'s per-operation stats. Active alerts are
// not included; they reach OnAlert callbacks and the
// authcore_alerts_active gauge only.
type MetricsReport struct {
	OperationStats map[string]perfmonitor.Stats
}

// Metrics implements metrics().
func (c *Core) Metrics() MetricsReport {
	return MetricsReport{OperationStats: c.monitor.Summary()}
}

// record samples one operation's outcome. bucket classifies it for
// C9's threshold rules ("auth" gets the tighter latency budget, every
// other operation is "general" per spec.md §4.9's table).
func (c *Core) record(bucket string, start time.Time, success bool, cacheHit *bool) {
	c.monitor.Record(perfmonitor.Sample{
		Timestamp: start,
		Type:      bucket,
		LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0,
		Success:   success,
		CacheHit:  cacheHit,
	})
}

func (ic *idempotencyCache) lookup(key string) (idempotencyEntry, bool) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	entry, ok := ic.entries[key]
	if !ok {
		return idempotencyEntry{}, false
	}
	if time.Since(entry.storedAt) > idempotencyTTL {
		delete(ic.entries, key)
		return idempotencyEntry{}, false
	}
	return entry, true
}

func (ic *idempotencyCache) store(key string, result CreditResult, err error) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.entries[key] = idempotencyEntry{result: result, err: err, storedAt: time.Now()}
}
