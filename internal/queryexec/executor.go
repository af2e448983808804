// Package queryexec implements C4: the single façade C6/C7/C8 use to
// reach Postgres through Supabase's PostgREST layer, selecting between
// privileged, delegated, and anonymous clients per spec.md §4.4,
// grounded on the teacher's internal/database/supabase.go CRUD style.
package queryexec

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	supabase "github.com/supabase-community/supabase-go"

	"github.com/ocx/authcore/internal/apierr"
	"github.com/ocx/authcore/internal/credentialgate"
)

// Op is the PostgREST verb a call performs.
type Op string

const (
	OpSelect Op = "select"
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	OpRPC    Op = "rpc"
)

// Timeout defaults per spec.md §4.4's taxonomy.
const (
	TimeoutAuthSelect  = 1 * time.Second
	TimeoutAuthzCheck  = 500 * time.Millisecond
	TimeoutGeneral     = 2 * time.Second
	TimeoutBatch       = 5 * time.Second
	TimeoutAdmin       = 30 * time.Second
	demotionLogWindow  = 5 * time.Second
)

// Request describes one call through the façade.
type Request struct {
	Table         string
	Op            Op
	RPCName       string
	Filters       map[string]string // column -> value, combined with Eq
	FilterExprs   []FilterExpr      // column/operator/value, for comparisons Eq can't express
	Data          any
	Single        bool
	OrderBy       string
	Limit         int
	Offset        int
	UsePrivileged bool
	BearerToken   string // set for delegated mode
	Timeout       time.Duration
	CallerTag     string // for demotion log dedup
}

// FilterExpr is one PostgREST filter column/operator/value triple,
// e.g. {"created_at", "gte", since} for a range scan.
type FilterExpr struct {
	Column   string
	Operator string
	Value    string
}

// Executor implements C4.
type Executor struct {
	privileged *supabase.Client
	anonURL    string
	anonKey    string
	gate       *credentialgate.Gate
	logger     *slog.Logger

	mu            sync.Mutex
	lastDemotion  map[string]time.Time
}

// Config wires the Supabase endpoint and credentials.
type Config struct {
	URL            string
	ServiceKey     string // privileged
	AnonKey        string // anonymous, RLS-restricted
	Gate           *credentialgate.Gate
	Logger         *slog.Logger
}

func New(cfg Config) (*Executor, error) {
	privileged, err := supabase.NewClient(cfg.URL, cfg.ServiceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("queryexec: privileged client: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		privileged:   privileged,
		anonURL:      cfg.URL,
		anonKey:      cfg.AnonKey,
		gate:         cfg.Gate,
		logger:       logger,
		lastDemotion: make(map[string]time.Time),
	}, nil
}

// Run executes req, applying the client-selection and fallback rules
// of spec.md §4.4, and classifying any error into apierr's taxonomy.
func (e *Executor) Run(ctx context.Context, req Request, dest any) error {
	const op = "queryexec.Run"

	timeout := req.Timeout
	if timeout == 0 {
		timeout = TimeoutGeneral
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- e.run(runCtx, req, dest) }()

	select {
	case <-runCtx.Done():
		return apierr.New(op, apierr.KindDeadlineExceeded, "query_timeout", fmt.Errorf("timeout after %s", timeout))
	case err := <-done:
		return err
	}
}

func (e *Executor) run(ctx context.Context, req Request, dest any) error {
	const op = "queryexec.run"

	privilegedWanted := req.UsePrivileged && e.gate != nil && e.gate.Mode(ctx) == credentialgate.ModePrivileged

	if privilegedWanted {
		err := e.execute(e.privileged, req, dest)
		if err == nil {
			return nil
		}
		if credentialgate.IsRejection(err) {
			e.logDemotion(req.CallerTag, err)
			if req.BearerToken != "" {
				return e.delegated(ctx, req, dest)
			}
			return classify(op, err)
		}
		return classify(op, err)
	}

	if req.BearerToken != "" {
		return e.delegated(ctx, req, dest)
	}

	anon, err := supabase.NewClient(e.anonURL, e.anonKey, &supabase.ClientOptions{})
	if err != nil {
		return apierr.New(op, apierr.KindUnavailable, "anon_client_init_failed", err)
	}
	return classify(op, e.execute(anon, req, dest))
}

// delegated builds a short-lived client with the bearer token set as
// the session Authorization header for exactly this call, matching
// spec.md §4.4's "then cleared" contract — the client is discarded
// immediately after Execute returns, carrying no residual auth state.
func (e *Executor) delegated(ctx context.Context, req Request, dest any) error {
	const op = "queryexec.delegated"
	client, err := supabase.NewClient(e.anonURL, e.anonKey, &supabase.ClientOptions{
		Headers: map[string]string{"Authorization": "Bearer " + req.BearerToken},
	})
	if err != nil {
		return apierr.New(op, apierr.KindUnavailable, "delegated_client_init_failed", err)
	}
	return classify(op, e.execute(client, req, dest))
}

func (e *Executor) execute(client *supabase.Client, req Request, dest any) error {
	if req.Op == OpRPC {
		_, err := client.Rpc(req.RPCName, "", req.Data).ExecuteTo(dest)
		return err
	}

	qb := client.From(req.Table)
	for col, val := range req.Filters {
		qb = qb.Eq(col, val)
	}
	for _, f := range req.FilterExprs {
		qb = qb.Filter(f.Column, f.Operator, f.Value)
	}

	switch req.Op {
	case OpSelect:
		sel := qb.Select("*", "", false)
		if req.OrderBy != "" {
			sel = sel.Order(req.OrderBy, nil)
		}
		if req.Limit > 0 {
			sel = sel.Limit(req.Limit, "")
		}
		if req.Offset > 0 {
			sel = sel.Range(req.Offset, req.Offset+req.Limit-1, "")
		}
		return sel.ExecuteTo(dest)
	case OpInsert:
		return qb.Insert(req.Data, false, "", "", "").ExecuteTo(dest)
	case OpUpdate:
		return qb.Update(req.Data, "", "").ExecuteTo(dest)
	case OpDelete:
		return qb.Delete("", "").ExecuteTo(dest)
	default:
		return fmt.Errorf("queryexec: unsupported op %q", req.Op)
	}
}

func (e *Executor) logDemotion(callerTag string, cause error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.lastDemotion[callerTag]; ok && time.Since(t) < demotionLogWindow {
		return
	}
	e.lastDemotion[callerTag] = time.Now()
	e.logger.Warn("queryexec demoted from privileged to delegated", "caller", callerTag, "reason", cause.Error())
}

// classify maps a raw PostgREST/driver error into apierr's taxonomy,
// per spec.md §4.4's error list. Raw messages never reach the caller.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission denied") || strings.Contains(msg, "row-level security") || strings.Contains(msg, "policy"):
		return apierr.New(op, apierr.KindForbidden, "row_level_policy_denied", err)
	case strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint"):
		return apierr.New(op, apierr.KindConflict, "unique_violation", err)
	case strings.Contains(msg, "foreign key"):
		return apierr.New(op, apierr.KindConflict, "foreign_key_violation", err)
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return apierr.New(op, apierr.KindDeadlineExceeded, "database_timeout", err)
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") || strings.Contains(msg, "eof"):
		return apierr.New(op, apierr.KindUnavailable, "database_unavailable", err)
	default:
		return apierr.New(op, apierr.KindInternal, "unknown_query_error", err)
	}
}
