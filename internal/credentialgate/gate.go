// Package credentialgate implements C2: caching whether the privileged
// service credential is currently accepted by the datastore, so the
// Query Executor does not pay a per-request probe cost (spec.md §4.2,
// §9 "Per-request service-key probe ... centralize in C2 with TTL
// cache, single-flight probe").
package credentialgate

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Mode is the datastore access mode the gate currently recommends.
type Mode string

const (
	ModePrivileged    Mode = "privileged"
	ModeDelegatedOnly Mode = "delegated_only"
)

var (
	ErrCredentialProbeTimeout = errors.New("credentialgate: probe timed out")
	ErrCredentialRejected     = errors.New("credentialgate: credential rejected")
)

// Prober performs the bounded privileged read used to test the
// credential. It should return an error classified by IsRejection.
type Prober func(ctx context.Context) error

// Config configures the gate.
type Config struct {
	CredentialFingerprint string        // the service credential; only its hash is ever retained
	TTL                   time.Duration // default 24h
	ProbeTimeout          time.Duration // default 3s
	ReprobeBackoff        time.Duration // default 60s, min delay before re-probing after a rejection
	Logger                *slog.Logger
}

// Gate implements C2.
type Gate struct {
	cfg    Config
	prober Prober

	mu                  sync.Mutex
	credentialHash      string
	mode                Mode
	validUntil          time.Time
	notBefore           time.Time // earliest time a re-probe may run after a rejection
	lastProbeMs         float64
	consecutiveFailures int
	hits                int64
	misses              int64
}

// New builds a Gate. prober performs the bounded privileged probe read.
func New(cfg Config, prober Prober) *Gate {
	if cfg.TTL == 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 3 * time.Second
	}
	if cfg.ReprobeBackoff == 0 {
		cfg.ReprobeBackoff = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	credentialHash := hashCredential(cfg.CredentialFingerprint)
	cfg.CredentialFingerprint = ""
	return &Gate{
		cfg:            cfg,
		prober:         prober,
		credentialHash: credentialHash,
		mode:           ModePrivileged, // optimistic until first probe says otherwise
	}
}

// hashCredential computes a one-way fingerprint of the service
// credential for logging, the same bcrypt the teacher uses for API
// key secrets. bcrypt caps input at 72 bytes; credentials longer than
// that are pre-truncated since only a stable fingerprint is needed,
// never the credential itself.
func hashCredential(cred string) string {
	if len(cred) > 72 {
		cred = cred[:72]
	}
	sum, err := bcrypt.GenerateFromPassword([]byte(cred), bcrypt.DefaultCost)
	if err != nil {
		return "unhashable"
	}
	return string(sum)
}

// Mode returns the cached privileged/delegated_only state, probing on
// cache miss. A single probe is ever in flight (mu serializes it); a
// concurrent caller that arrives mid-probe simply waits for the lock
// and then observes the freshly probed state, which is the "others
// coalesce" contract from spec.md §5.
func (g *Gate) Mode(ctx context.Context) Mode {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	if now.Before(g.validUntil) {
		g.hits++
		return g.mode
	}
	g.misses++

	if now.Before(g.notBefore) {
		// Still inside the post-rejection backoff window: stay delegated_only
		// without re-probing.
		return g.mode
	}

	g.probeLocked(ctx, now)
	return g.mode
}

func (g *Gate) probeLocked(ctx context.Context, now time.Time) {
	probeCtx, cancel := context.WithTimeout(ctx, g.cfg.ProbeTimeout)
	defer cancel()

	start := time.Now()
	err := g.prober(probeCtx)
	g.lastProbeMs = float64(time.Since(start).Microseconds()) / 1000.0

	if err == nil {
		g.setMode(ModePrivileged, now.Add(g.cfg.TTL))
		g.consecutiveFailures = 0
		return
	}

	g.consecutiveFailures++

	if errors.Is(err, context.DeadlineExceeded) {
		g.cfg.Logger.Warn("credential probe timed out", "consecutive_failures", g.consecutiveFailures)
		// Treat a timeout like a transient miss: retry again at next call,
		// but don't flip the mode — the credential itself wasn't rejected.
		g.validUntil = now // force re-probe next call
		return
	}

	if IsRejection(err) {
		prev := g.mode
		reprobeAt := now.Add(g.cfg.ReprobeBackoff)
		// validUntil must match notBefore, not the full TTL: Mode() checks
		// validUntil before notBefore, so caching a rejection for the full
		// TTL would make notBefore dead and the gate would never re-probe
		// at the intended backoff, only at TTL.
		g.setMode(ModeDelegatedOnly, reprobeAt)
		g.notBefore = reprobeAt
		if prev != ModeDelegatedOnly {
			g.cfg.Logger.Info("credential gate demoted to delegated_only",
				"credential", g.credentialHash, "reason", err.Error(), "reprobe_after", g.cfg.ReprobeBackoff)
		}
		return
	}

	// Unclassified error: don't change mode, just shorten the cache so we
	// reassess soon.
	g.validUntil = now
}

func (g *Gate) setMode(m Mode, validUntil time.Time) {
	g.mode = m
	g.validUntil = validUntil
}

// Invalidate forces the next Mode() call to re-probe.
func (g *Gate) Invalidate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.validUntil = time.Time{}
}

// Stats reports gate observability per spec.md §4.2.
type Stats struct {
	Mode                Mode
	HitRate             float64
	LastProbeMs         float64
	ConsecutiveFailures int
}

func (g *Gate) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()

	total := g.hits + g.misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(g.hits) / float64(total)
	}
	return Stats{
		Mode:                g.mode,
		HitRate:             hitRate,
		LastProbeMs:         g.lastProbeMs,
		ConsecutiveFailures: g.consecutiveFailures,
	}
}

// IsRejection classifies whether err is one of the "privileged call
// rejected" error classes named in spec.md §4.2: invalid api key,
// database error granting user, or a jwt/token error surfaced by a
// privileged call that should never need a JWT at all.
func IsRejection(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"invalid api key", "database error granting user", "jwt", "token"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
