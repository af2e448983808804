// Package creditengine implements C8: atomic credit deduction via a
// conditional UPDATE with no read-then-write TOCTOU window, an
// append-only ledger with a reconciliation queue for failed writes,
// and retry with jittered exponential backoff on transient errors.
package creditengine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/authcore/internal/apierr"
	"github.com/ocx/authcore/internal/cache"
	"github.com/ocx/authcore/internal/coredomain"
	"github.com/ocx/authcore/internal/dbpool"
	"github.com/ocx/authcore/internal/queryexec"
	"github.com/ocx/authcore/internal/tokenvalidator"
)

const (
	retryBase    = 100 * time.Millisecond
	retryMax     = 2 * time.Second
	maxRetries   = 3
)

// Transaction describes a single credit-in or credit-out request.
type Transaction struct {
	UserID             string
	Amount             int64 // always positive; direction set by the caller (Deduct vs Add)
	Kind               coredomain.LedgerKind
	LinkedGenerationID *string
	Description        string
	Metadata           map[string]any
	Token              string
}

// Config wires the engine's dependencies.
type Config struct {
	Query     *queryexec.Executor
	Pools     *dbpool.Manager
	Cache     *cache.Cache
	Validator *tokenvalidator.Validator
	Logger    *slog.Logger
}

// Engine implements C8.
type Engine struct {
	cfg Config

	reconcileMu sync.Mutex
	reconcile   []ReconciliationEntry
}

// ReconciliationEntry records a balance update whose ledger write
// failed, so an operator job can replay it later.
type ReconciliationEntry struct {
	UserID       string
	Amount       int64
	Kind         coredomain.LedgerKind
	BalanceAfter int64
	FailedAt     time.Time
	Cause        string
}

func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{cfg: cfg}
}

// ValidateResult is validate()'s output.
type ValidateResult struct {
	OK             bool
	CurrentBalance int64
}

// Validate checks that user_id currently has at least requiredAmount,
// without mutating anything. This is advisory only — Deduct performs
// its own atomic check regardless.
func (e *Engine) Validate(ctx context.Context, userID string, requiredAmount int64) (ValidateResult, error) {
	balance, err := e.currentBalance(ctx, userID, "")
	if err != nil {
		return ValidateResult{}, err
	}
	return ValidateResult{OK: balance >= requiredAmount, CurrentBalance: balance}, nil
}

func (e *Engine) currentBalance(ctx context.Context, userID, token string) (int64, error) {
	var rows []struct {
		Credits int64 `json:"credits_balance"`
	}
	err := e.cfg.Query.Run(ctx, queryexec.Request{
		Table:         "users",
		Op:            queryexec.OpSelect,
		Filters:       map[string]string{"id": userID},
		Single:        true,
		UsePrivileged: token == "",
		BearerToken:   token,
		Timeout:       queryexec.TimeoutAuthSelect,
		CallerTag:     "creditengine.currentBalance",
	}, &rows)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, apierr.New("creditengine.currentBalance", apierr.KindNotFound, "user_not_found", fmt.Errorf("user %s not found", userID))
	}
	return rows[0].Credits, nil
}

// Result is the caller-visible outcome of Deduct or Add: the mutated
// user and the ledger entry id spec.md §6.1 returns alongside the new
// balance.
type Result struct {
	User          *coredomain.User
	LedgerEntryID string
}

// Deduct atomically decrements tx.UserID's balance by tx.Amount and
// appends a ledger entry, retrying transient failures with jittered
// backoff.
func (e *Engine) Deduct(ctx context.Context, tx Transaction) (*Result, error) {
	return e.apply(ctx, tx, -tx.Amount)
}

// Add is Deduct's mirror for credit-in flows.
func (e *Engine) Add(ctx context.Context, tx Transaction) (*Result, error) {
	return e.apply(ctx, tx, tx.Amount)
}

func (e *Engine) apply(ctx context.Context, tx Transaction, signedAmount int64) (*Result, error) {
	const op = "creditengine.apply"

	if tx.Token != "" {
		if _, err := e.cfg.Validator.Validate(tx.Token, tx.UserID); err != nil {
			return nil, apierr.New(op, apierr.KindUnauthenticated, "token_expired_for_delegated_call", err)
		}
	}

	// spend(u, 0) / add(u, 0) is a no-op success: no balance change, no
	// ledger entry. Skip straight to reporting the current balance.
	if tx.Amount == 0 {
		balance, err := e.currentBalance(ctx, tx.UserID, tx.Token)
		if err != nil {
			return nil, err
		}
		return &Result{User: &coredomain.User{ID: tx.UserID, CreditsBalance: balance}}, nil
	}

	var newBalance int64
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		newBalance, err = e.atomicUpdate(ctx, tx.UserID, signedAmount)
		if err == nil || !isTransient(err) {
			break
		}
		if attempt == maxRetries {
			return nil, apierr.New(op, apierr.KindUnavailable, "deduction_retry_exhausted", err)
		}
		time.Sleep(backoff(attempt))
	}
	if err != nil {
		var insufficient *insufficientError
		if errors.As(err, &insufficient) {
			return nil, apierr.Insufficient(op, tx.Amount, insufficient.available)
		}
		return nil, apierr.New(op, apierr.KindInternal, "deduction_failed", err)
	}

	entryID := e.appendLedger(ctx, tx, signedAmount, newBalance)
	e.invalidateCaches(ctx, tx.UserID)

	return &Result{
		User:          &coredomain.User{ID: tx.UserID, CreditsBalance: newBalance},
		LedgerEntryID: entryID,
	}, nil
}

type insufficientError struct{ available int64 }

func (e *insufficientError) Error() string { return "insufficient credits" }

// atomicUpdate performs the single conditional UPDATE spec.md §4.8
// names: "set balance = balance + :signed where id = :user and
// balance + :signed >= 0 returning balance". Zero rows affected means
// either the user does not exist or the balance would go negative;
// we distinguish by re-reading only to report the available balance.
func (e *Engine) atomicUpdate(ctx context.Context, userID string, signedAmount int64) (int64, error) {
	var newBalance int64
	var found bool

	err := e.cfg.Pools.Exec(ctx, dbpool.Write, queryexec.TimeoutGeneral, func(ctx context.Context, conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx,
			`UPDATE users SET credits_balance = credits_balance + $1 WHERE id = $2 AND credits_balance + $1 >= 0 RETURNING credits_balance`,
			signedAmount, userID)
		err := row.Scan(&newBalance)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return 0, err
	}
	if found {
		return newBalance, nil
	}

	balance, berr := e.currentBalance(ctx, userID, "")
	if berr != nil {
		return 0, berr
	}
	return 0, &insufficientError{available: balance}
}

func isTransient(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"deadlock", "serialization failure", "connection reset", "broken pipe"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

func backoff(attempt int) time.Duration {
	d := retryBase * time.Duration(1<<attempt)
	if d > retryMax {
		d = retryMax
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 2))
	return d/2 + jitter
}

// appendLedger writes the audit entry. A failure here never rolls
// back the balance update; it is queued for reconciliation instead,
// per spec.md §4.8's "ledger is a trailing audit log" rule.
func (e *Engine) appendLedger(ctx context.Context, tx Transaction, signedAmount, balanceAfter int64) string {
	entryID := uuid.NewString()
	entry := map[string]any{
		"id":                   entryID,
		"user_id":              tx.UserID,
		"amount":               signedAmount,
		"kind":                 string(tx.Kind),
		"balance_after":        balanceAfter,
		"generation_id":        tx.LinkedGenerationID,
		"description":          tx.Description,
		"metadata":             tx.Metadata,
	}

	var ignored []map[string]any
	err := e.cfg.Query.Run(ctx, queryexec.Request{
		Table:         "credit_ledger",
		Op:            queryexec.OpInsert,
		Data:          entry,
		UsePrivileged: true,
		Timeout:       queryexec.TimeoutGeneral,
		CallerTag:     "creditengine.appendLedger",
	}, &ignored)
	if err != nil {
		e.cfg.Logger.Error("creditengine: ledger append failed, queued for reconciliation",
			"user_id", tx.UserID, "balance_after", balanceAfter, "error", err)
		e.reconcileMu.Lock()
		e.reconcile = append(e.reconcile, ReconciliationEntry{
			UserID: tx.UserID, Amount: signedAmount, Kind: tx.Kind,
			BalanceAfter: balanceAfter, FailedAt: time.Now(), Cause: err.Error(),
		})
		e.reconcileMu.Unlock()
	}
	return entryID
}

// PendingReconciliation drains and returns queued ledger-write
// failures for an operator replay job.
func (e *Engine) PendingReconciliation() []ReconciliationEntry {
	e.reconcileMu.Lock()
	defer e.reconcileMu.Unlock()
	out := e.reconcile
	e.reconcile = nil
	return out
}

func (e *Engine) invalidateCaches(ctx context.Context, userID string) {
	e.cfg.Cache.InvalidatePattern(ctx, fmt.Sprintf("balance:%s", userID))
	e.cfg.Cache.InvalidatePattern(ctx, fmt.Sprintf("authz:%s:*", userID))
}

// BatchResult is one transaction's outcome within BatchDeduct.
type BatchResult struct {
	UserID        string
	Success       bool
	Balance       int64
	LedgerEntryID string
	Err           error
}

// BatchDeduct processes each transaction sequentially; a failure on
// one user does not affect the others. Batch is never atomic across
// users, per spec.md §4.8.
func (e *Engine) BatchDeduct(ctx context.Context, txs []Transaction) []BatchResult {
	results := make([]BatchResult, 0, len(txs))
	for _, tx := range txs {
		r, err := e.Deduct(ctx, tx)
		if err != nil {
			results = append(results, BatchResult{UserID: tx.UserID, Success: false, Err: err})
			continue
		}
		results = append(results, BatchResult{UserID: tx.UserID, Success: true, Balance: r.User.CreditsBalance, LedgerEntryID: r.LedgerEntryID})
	}
	return results
}

// UsageSummary is usage_analytics's aggregated output.
type UsageSummary struct {
	UserID       string
	WindowDays   int
	TotalUsage   int64
	TotalCredit  int64
	EntryCount   int
}

// UsageAnalytics aggregates the ledger over the trailing window_days.
func (e *Engine) UsageAnalytics(ctx context.Context, userID string, windowDays int) (*UsageSummary, error) {
	since := time.Now().AddDate(0, 0, -windowDays).Format(time.RFC3339)

	var rows []coredomain.CreditLedgerEntry
	err := e.cfg.Query.Run(ctx, queryexec.Request{
		Table:         "credit_ledger",
		Op:            queryexec.OpSelect,
		Filters:       map[string]string{"user_id": userID},
		FilterExprs:   []queryexec.FilterExpr{{Column: "created_at", Operator: "gte", Value: since}},
		UsePrivileged: true,
		Timeout:       queryexec.TimeoutBatch,
		CallerTag:     "creditengine.usageAnalytics",
	}, &rows)
	if err != nil {
		return nil, err
	}

	summary := &UsageSummary{UserID: userID, WindowDays: windowDays, EntryCount: len(rows)}
	for _, r := range rows {
		if r.Amount < 0 {
			summary.TotalUsage += -r.Amount
		} else {
			summary.TotalCredit += r.Amount
		}
	}
	return summary, nil
}
