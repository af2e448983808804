// Package bootstrap is the composition root: it constructs C1 through
// C9 once, in dependency order, and wires them into a single Core
// façade implementing spec.md §6.1's inbound operation surface. No
// component reaches for a package-level singleton; everything is
// constructed here and threaded through explicitly, mirroring the
// teacher's cmd/server/main.go (pool, gate, wallet built once and
// injected into the API server) generalized from three objects to
// nine.
package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ocx/authcore/internal/authzengine"
	"github.com/ocx/authcore/internal/cache"
	"github.com/ocx/authcore/internal/config"
	"github.com/ocx/authcore/internal/coredomain"
	"github.com/ocx/authcore/internal/credentialgate"
	"github.com/ocx/authcore/internal/creditengine"
	"github.com/ocx/authcore/internal/dbpool"
	"github.com/ocx/authcore/internal/perfmonitor"
	"github.com/ocx/authcore/internal/queryexec"
	"github.com/ocx/authcore/internal/tokenvalidator"
	"github.com/ocx/authcore/internal/userresolver"
)

// Core implements spec.md §6.1's inbound operation surface over the
// nine wired components.
type Core struct {
	cfg *config.Config

	validator *tokenvalidator.Validator
	gate      *credentialgate.Gate
	pools     *dbpool.Manager
	query     *queryexec.Executor
	cache     *cache.Cache
	users     *userresolver.Resolver
	authz     *authzengine.Engine
	credits   *creditengine.Engine
	monitor   *perfmonitor.Monitor

	idempotency *idempotencyCache

	logger *slog.Logger
	cancel context.CancelFunc
}

// New builds every component after the ones it depends on (C1 -> C3 ->
// C2 -> C4 -> C5 -> C6 -> C9 -> C7 -> C8) and starts their background loops.
// Callers must call Shutdown when done.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Core, error) {
	if logger == nil {
		logger = slog.Default()
	}

	runCtx, cancel := context.WithCancel(ctx)

	// C1: Token Validator — pure, synchronous, no I/O beyond the
	// bounded in-process key cache.
	keys, err := buildKeyProvider(cfg.TokenIssuer, cfg.SigningKeys)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("bootstrap: signing keys: %w", err)
	}
	validator := tokenvalidator.New(tokenvalidator.Config{
		Issuer:          cfg.TokenIssuer,
		Audience:        cfg.TokenAudience,
		AllowedAlgs:     cfg.TokenAlgs,
		Production:      cfg.IsProduction(),
		AllowMockTokens: cfg.AllowMockTokens,
		Keys:            keys,
	})

	// C3: Connection Pool Manager — opened before C2 since the gate's
	// prober runs through the auth pool.
	pools, err := dbpool.Open(cfg.Database.URL, cfg.Pools, logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("bootstrap: dbpool: %w", err)
	}
	pools.StartHealthLoop(runCtx)

	// C2: Credential Gate — its probe pings a connection from the auth
	// pool. The ping does not use the service credential, so it does not
	// detect a rejected credential.
	gate := credentialgate.New(credentialgate.Config{
		CredentialFingerprint: cfg.ServiceCredential,
		TTL:                   cfg.ServiceCredTTL(),
		Logger:                logger,
	}, func(probeCtx context.Context) error {
		return pools.Exec(probeCtx, dbpool.Auth, 3*time.Second, func(ctx context.Context, conn *sql.Conn) error {
			return conn.PingContext(ctx)
		})
	})

	// C4: Query Executor — the single façade through which C6/C7/C8
	// reach Postgres via PostgREST.
	query, err := queryexec.New(queryexec.Config{
		URL:        cfg.Database.SupabaseURL,
		ServiceKey: cfg.ServiceCredential,
		AnonKey:    cfg.Database.AnonKey,
		Gate:       gate,
		Logger:     logger,
	})
	if err != nil {
		pools.CloseAll()
		cancel()
		return nil, fmt.Errorf("bootstrap: queryexec: %w", err)
	}

	// C5: Multi-Tier Cache — L2 is optional; a configured Redis
	// address that fails to connect degrades to L1-only rather than
	// failing startup, per spec.md §4.5's "remain correct when the
	// cache is unavailable."
	l1 := cache.NewL1(cfg.CachePriority.L1Capacity)
	var l2 *cache.L2
	if cfg.CachePriority.RedisAddr != "" {
		l2, err = cache.NewL2(cfg.CachePriority.RedisAddr, cfg.CachePriority.RedisPass, cfg.CachePriority.RedisDB)
		if err != nil {
			logger.Warn("bootstrap: L2 cache unavailable at startup, continuing L1-only", "error", err)
			l2 = nil
		}
	}
	tieredCache := cache.New(l1, l2, logger)

	// C6: User Resolver
	allowList := make(map[string]bool, len(cfg.EmergencyAllowList))
	for _, id := range cfg.EmergencyAllowList {
		allowList[id] = true
	}
	users := userresolver.New(userresolver.Config{
		Query:              query,
		Pools:              pools,
		Validator:          validator,
		DefaultUserCredits: cfg.DefaultUserCredits,
		EmergencyAllowList: allowList,
		Logger:             logger,
	})

	// C9: Performance Monitor — built before C7/C8 so both can record
	// samples from their first call.
	monitor := perfmonitor.New(10000, logger)
	monitor.Run(runCtx)
	if cfg.AlertWebhookURL != "" {
		monitor.OnAlert(webhookAlertFunc(cfg.AlertWebhookURL, logger))
	}
	startPoolUtilizationLoop(runCtx, pools, monitor)

	// C7: Authorization Engine
	authz := authzengine.New(authzengine.Config{
		Query:                           query,
		Cache:                           tieredCache,
		Logger:                          logger,
		EnablePrivilegeEscalationGuards: true,
		OnSecurityEvent: func(event string, fields map[string]any) {
			logger.Warn("authcore security event", append([]any{"event", event}, flatten(fields)...)...)
		},
	})

	// C8: Credit Engine
	credits := creditengine.New(creditengine.Config{
		Query:     query,
		Pools:     pools,
		Cache:     tieredCache,
		Validator: validator,
		Logger:    logger,
	})

	return &Core{
		cfg:         cfg,
		validator:   validator,
		gate:        gate,
		pools:       pools,
		query:       query,
		cache:       tieredCache,
		users:       users,
		authz:       authz,
		credits:     credits,
		monitor:     monitor,
		idempotency: newIdempotencyCache(),
		logger:      logger,
		cancel:      cancel,
	}, nil
}

// Shutdown stops every background loop and closes the database pools;
// the L2 Redis client is not closed.
// It is safe to call once; the composition root owns this call.
func (c *Core) Shutdown() {
	c.cancel()
	c.pools.CloseAll()
}

// startPoolUtilizationLoop feeds C3's per-pool database/sql stats into
// C9's pool-utilization threshold rule (spec.md §4.9), supplementing
// the originating-pool tagging original_source/utils/database_performance_monitor.py
// does for latency samples.
func startPoolUtilizationLoop(ctx context.Context, pools *dbpool.Manager, monitor *perfmonitor.Monitor) {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for name, stats := range pools.Metrics() {
					if stats.MaxOpenConnections == 0 {
						continue
					}
					ratio := float64(stats.InUse) / float64(stats.MaxOpenConnections)
					monitor.SetPoolUtilization(string(name), ratio)
				}
			}
		}
	}()
}

func flatten(fields map[string]any) []any {
	out := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		out = append(out, k, v)
	}
	return out
}

func webhookAlertFunc(url string, logger *slog.Logger) perfmonitor.AlertFunc {
	return func(a perfmonitor.Alert) {
		logger.Info("authcore alert webhook", "url", url, "rule", a.Rule, "state", a.State, "severity", a.Severity)
	}
}

// buildKeyProvider keys the cache the same way Validator.Validate looks
// it up: issuer+"|"+kid via tokenvalidator.CacheKey, not the bare kid.
func buildKeyProvider(issuer string, keys map[string]string) (tokenvalidator.KeyProvider, error) {
	parsed := make(map[string]any, len(keys))
	for kid, material := range keys {
		key, err := parseSigningKey(material)
		if err != nil {
			return nil, fmt.Errorf("kid %q: %w", kid, err)
		}
		parsed[tokenvalidator.CacheKey(issuer, kid)] = key
	}
	return tokenvalidator.NewStaticKeyProvider(parsed), nil
}

// parseSigningKey accepts either a PEM-encoded RSA/EC public key or,
// failing that, treats material as a raw HS256 shared secret.
func parseSigningKey(material string) (any, error) {
	if key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(material)); err == nil {
		return key, nil
	}
	if key, err := jwt.ParseECPublicKeyFromPEM([]byte(material)); err == nil {
		return key, nil
	}
	return []byte(material), nil
}

// User is a thin re-export so callers of Core need not import
// coredomain directly for the common case.
type User = coredomain.User
