// Package dbpool implements C3: six named *sql.DB pools, each with its
// own sizing, statement timeout, and circuit breaker, grounded on the
// teacher's lib/pq wiring in cmd/server/main.go.
package dbpool

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/ocx/authcore/internal/circuitbreaker"
	"github.com/ocx/authcore/internal/config"
)

// Name identifies one of the six fixed pools.
type Name string

const (
	Auth      Name = "auth"
	Read      Name = "read"
	Write     Name = "write"
	Analytics Name = "analytics"
	Admin     Name = "admin"
	Batch     Name = "batch"

	leakThreshold = 60 * time.Second
)

var allPools = []Name{Auth, Read, Write, Analytics, Admin, Batch}

// Status is a pool's health classification (spec.md §4.3 health loop).
type Status string

const (
	StatusHealthy     Status = "HEALTHY"
	StatusDegraded    Status = "DEGRADED"
	StatusCritical    Status = "CRITICAL"
	StatusUnavailable Status = "UNAVAILABLE"
)

type pool struct {
	name   Name
	db     *sql.DB
	cfg    config.PoolConfig
	appName string
	breaker *circuitbreaker.CircuitBreaker

	mu                  sync.Mutex
	status              Status
	consecutiveFailures int

	leaseMu sync.Mutex
	leases  map[int64]lease
	nextID  int64
}

type lease struct {
	leasedAt time.Time
	caller   string
}

// Manager owns all six pools and their health loop.
type Manager struct {
	pools  map[Name]*pool
	logger *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Open opens all six pools against dbURL. Each pool's *sql.DB is lazy
// about actual network connections (database/sql semantics); Open only
// validates the DSN.
func Open(dbURL string, cfg config.PoolsConfig, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	specs := map[Name]config.PoolConfig{
		Auth:      cfg.Auth,
		Read:      cfg.Read,
		Write:     cfg.Write,
		Analytics: cfg.Analytics,
		Admin:     cfg.Admin,
		Batch:     cfg.Batch,
	}

	m := &Manager{
		pools:  make(map[Name]*pool, len(allPools)),
		logger: logger,
		stopCh: make(chan struct{}),
	}

	for _, name := range allPools {
		pc := specs[name]
		db, err := sql.Open("postgres", dbURL)
		if err != nil {
			m.CloseAll()
			return nil, fmt.Errorf("dbpool: open %s: %w", name, err)
		}
		db.SetMaxOpenConns(pc.MaxConns)
		db.SetMaxIdleConns(pc.MinConns)
		db.SetConnMaxLifetime(30 * time.Minute)

		m.pools[name] = &pool{
			name:    name,
			db:      db,
			cfg:     pc,
			appName: "authcore-" + string(name),
			breaker: circuitbreaker.New(circuitbreaker.FiveFailuresConfig(string(name))),
			status:  StatusHealthy,
			leases:  make(map[int64]lease),
		}
	}

	return m, nil
}

// StartHealthLoop runs spec.md §4.3's 30s SELECT 1 health check against
// every pool until ctx is done.
func (m *Manager) StartHealthLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.checkAll(ctx)
			}
		}
	}()
}

func (m *Manager) checkAll(ctx context.Context) {
	for _, name := range allPools {
		m.checkOne(ctx, m.pools[name])
	}
}

func (m *Manager) checkOne(ctx context.Context, p *pool) {
	checkCtx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	start := time.Now()
	err := p.db.PingContext(checkCtx)
	elapsed := time.Since(start)

	p.mu.Lock()
	defer p.mu.Unlock()

	if err == nil && elapsed <= 1*time.Second {
		p.consecutiveFailures = 0
		p.status = StatusHealthy
		return
	}

	p.consecutiveFailures++
	switch {
	case p.consecutiveFailures >= 10:
		p.status = StatusUnavailable
	case p.consecutiveFailures >= 3:
		p.status = StatusCritical
	default:
		p.status = StatusDegraded
	}
	m.logger.Warn("dbpool health check failed",
		"pool", p.name, "status", p.status, "consecutive_failures", p.consecutiveFailures, "error", err)
}

// Acquire checks out a connection from the named pool under timeout,
// recording a lease so a hold longer than 60s can be flagged as a
// leak. callerTag should identify the calling operation for the leak
// log (e.g. "authzengine.Decide").
func (m *Manager) Acquire(ctx context.Context, name Name, callerTag string) (*sql.Conn, func(), error) {
	p, ok := m.pools[name]
	if !ok {
		return nil, nil, fmt.Errorf("dbpool: unknown pool %q", name)
	}

	if err := p.breaker.Allow(); err != nil {
		return nil, nil, fmt.Errorf("dbpool: pool %s circuit open: %w", name, err)
	}

	conn, err := p.db.Conn(ctx)
	if err != nil {
		p.breaker.Execute(func() (interface{}, error) { return nil, err })
		return nil, nil, fmt.Errorf("dbpool: acquire %s: %w", name, err)
	}
	if err := p.applySessionSettings(ctx, conn); err != nil {
		conn.Close()
		p.breaker.Execute(func() (interface{}, error) { return nil, err })
		return nil, nil, fmt.Errorf("dbpool: session setup %s: %w", name, err)
	}
	p.breaker.Execute(func() (interface{}, error) { return nil, nil })

	id := p.startLease(callerTag)
	release := func() {
		held := p.endLease(id)
		if held > leakThreshold {
			m.logger.Warn("dbpool connection held beyond threshold",
				"pool", name, "caller", callerTag, "held_for", held, "stack", callerStack())
		}
		conn.Close()
	}
	return conn, release, nil
}

// applySessionSettings tunes a freshly acquired connection per spec.md
// §4.3: application name, statement timeout, and workload-sized
// work_mem/effective_cache_size. UUID values already round-trip through
// database/sql as strings, so no separate codec registration is needed
// in Go's driver model.
func (p *pool) applySessionSettings(ctx context.Context, conn *sql.Conn) error {
	workMem, cacheSize := workloadMemory(p.name)
	_, err := conn.ExecContext(ctx, fmt.Sprintf(
		"SET application_name = %s; SET statement_timeout = %d; SET work_mem = %s; SET effective_cache_size = %s",
		quoteLiteral(p.appName), p.cfg.StmtTimeout*1000, quoteLiteral(workMem), quoteLiteral(cacheSize)))
	return err
}

func quoteLiteral(s string) string {
	return "'" + s + "'"
}

// workloadMemory returns work_mem/effective_cache_size tuned for each
// pool's intended workload (spec.md §4.3's table).
func workloadMemory(name Name) (workMem, effectiveCacheSize string) {
	switch name {
	case Analytics, Batch:
		return "64MB", "4GB"
	case Write:
		return "16MB", "2GB"
	default:
		return "4MB", "1GB"
	}
}

func (p *pool) startLease(callerTag string) int64 {
	p.leaseMu.Lock()
	defer p.leaseMu.Unlock()
	p.nextID++
	id := p.nextID
	p.leases[id] = lease{leasedAt: time.Now(), caller: callerTag}
	return id
}

func (p *pool) endLease(id int64) time.Duration {
	p.leaseMu.Lock()
	defer p.leaseMu.Unlock()
	l, ok := p.leases[id]
	delete(p.leases, id)
	if !ok {
		return 0
	}
	return time.Since(l.leasedAt)
}

func callerStack() string {
	pc, file, line, ok := runtime.Caller(3)
	if !ok {
		return "unknown"
	}
	fn := runtime.FuncForPC(pc)
	name := "unknown"
	if fn != nil {
		name = fn.Name()
	}
	return fmt.Sprintf("%s (%s:%d)", name, file, line)
}

// Exec runs query against the named pool's circuit breaker, applying
// timeout to the outer scheduling scope as spec.md §4.4 requires (not
// relying on the driver's own timeout alone).
func (m *Manager) Exec(ctx context.Context, name Name, timeout time.Duration, fn func(ctx context.Context, conn *sql.Conn) error) error {
	p, ok := m.pools[name]
	if !ok {
		return fmt.Errorf("dbpool: unknown pool %q", name)
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, release, err := m.Acquire(execCtx, name, "dbpool.Exec")
	if err != nil {
		return err
	}
	defer release()

	_, err = circuitbreaker.ExecuteWithFallback(p.breaker,
		func() (struct{}, error) {
			return struct{}{}, fn(execCtx, conn)
		},
		func(cbErr error) (struct{}, error) {
			return struct{}{}, fmt.Errorf("dbpool: %s unavailable: %w", name, cbErr)
		},
	)
	return err
}

// PoolHealth is one pool's reported health for Health().
type PoolHealth struct {
	Name                Name
	Status              Status
	BreakerState        string
	ConsecutiveFailures int
	InFlightLeases      int
}

// Health reports every pool's status and breaker state.
func (m *Manager) Health() map[Name]PoolHealth {
	out := make(map[Name]PoolHealth, len(allPools))
	for _, name := range allPools {
		p := m.pools[name]
		p.mu.Lock()
		status := p.status
		fails := p.consecutiveFailures
		p.mu.Unlock()

		p.leaseMu.Lock()
		inFlight := len(p.leases)
		p.leaseMu.Unlock()

		out[name] = PoolHealth{
			Name:                name,
			Status:              status,
			BreakerState:        p.breaker.State().String(),
			ConsecutiveFailures: fails,
			InFlightLeases:      inFlight,
		}
	}
	return out
}

// Metrics reports database/sql's own pool stats per pool, for C9.
func (m *Manager) Metrics() map[Name]sql.DBStats {
	out := make(map[Name]sql.DBStats, len(allPools))
	for _, name := range allPools {
		out[name] = m.pools[name].db.Stats()
	}
	return out
}

// CloseAll closes every pool and stops the health loop.
func (m *Manager) CloseAll() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	for _, p := range m.pools {
		if p.db != nil {
			p.db.Close()
		}
	}
}
