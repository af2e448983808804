// Package userresolver implements C6: the layered user fetch spec.md
// §4.6 describes, escalating from a privileged lookup down to a
// logged emergency allow-list path, and refusing the Python source's
// hardcoded credit fallback (Design Notes §9, SPEC_FULL.md §11.1).
package userresolver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/authcore/internal/apierr"
	"github.com/ocx/authcore/internal/coredomain"
	"github.com/ocx/authcore/internal/dbpool"
	"github.com/ocx/authcore/internal/queryexec"
	"github.com/ocx/authcore/internal/tokenvalidator"
)

// Config wires the resolver's dependencies.
type Config struct {
	Query              *queryexec.Executor
	Pools              *dbpool.Manager
	Validator          *tokenvalidator.Validator
	DefaultUserCredits int64
	// EmergencyAllowList names the small set of well-known user ids
	// Layer 4 may rescue via a direct, uncached admin-pool read.
	EmergencyAllowList map[string]bool
	Logger             *slog.Logger
}

// Resolver implements C6.
type Resolver struct {
	cfg Config

	mu          sync.Mutex
	provisioning map[string]chan struct{} // in-flight ensure_user calls, for the concurrent-race contract
}

func New(cfg Config) *Resolver {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.EmergencyAllowList == nil {
		cfg.EmergencyAllowList = map[string]bool{}
	}
	return &Resolver{cfg: cfg, provisioning: make(map[string]chan struct{})}
}

type userRow struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	Role    string `json:"role"`
	Credits int64  `json:"credits_balance"`
}

func (r userRow) toDomain() *coredomain.User {
	return &coredomain.User{
		ID:             r.ID,
		Email:          r.Email,
		Role:           coredomain.Role(r.Role),
		CreditsBalance: r.Credits,
	}
}

// GetUserByID runs layers 1, 2 and 4 of the layered fetch (it does not
// auto-provision) and returns nil (not an error) if none of them finds
// the user.
func (r *Resolver) GetUserByID(ctx context.Context, userID, token string) (*coredomain.User, error) {
	const op = "userresolver.GetUserByID"

	if u, err, ok := r.layer1(ctx, userID); ok {
		return u, err
	}

	if token != "" {
		if u, err, ok := r.layer2(ctx, userID, token); ok {
			return u, err
		}
	}

	if r.cfg.EmergencyAllowList[userID] {
		return r.layer4(ctx, op, userID)
	}

	return nil, nil
}

// GetUserCredits is a thin projection over GetUserByID.
func (r *Resolver) GetUserCredits(ctx context.Context, userID, token string) (int64, error) {
	const op = "userresolver.GetUserCredits"
	u, err := r.GetUserByID(ctx, userID, token)
	if err != nil {
		return 0, err
	}
	if u == nil {
		return 0, apierr.New(op, apierr.KindNotFound, "user_not_found", fmt.Errorf("user %s not found", userID))
	}
	return u.CreditsBalance, nil
}

func (r *Resolver) layer1(ctx context.Context, userID string) (*coredomain.User, error, bool) {
	var rows []userRow
	err := r.cfg.Query.Run(ctx, queryexec.Request{
		Table:         "users",
		Op:            queryexec.OpSelect,
		Filters:       map[string]string{"id": userID},
		Single:        true,
		UsePrivileged: true,
		Timeout:       queryexec.TimeoutAuthSelect,
		CallerTag:     "userresolver.layer1",
	}, &rows)
	if err != nil {
		if apierr.KindOf(err) == apierr.KindForbidden {
			return nil, nil, false // try layer 2, not surfaced per §7
		}
		return nil, nil, false
	}
	if len(rows) == 0 {
		return nil, nil, false
	}
	return rows[0].toDomain(), nil, true
}

// layer2 validates the token's exp/issuer itself before ever placing
// it on a database connection, per spec.md §4.6's explicit requirement
// that an expired token must never reach the database.
func (r *Resolver) layer2(ctx context.Context, userID, token string) (*coredomain.User, error, bool) {
	const op = "userresolver.layer2"

	info, err := r.cfg.Validator.Validate(token, userID)
	if err != nil {
		r.cfg.Logger.Info("userresolver: delegated token failed pre-validation", "user_id", userID, "error", err)
		return nil, apierr.New(op, apierr.KindUnauthenticated, "token_expired_for_delegated_call", err), true
	}
	if time.Now().After(info.ExpiresAt) {
		return nil, apierr.New(op, apierr.KindUnauthenticated, "token_expired_for_delegated_call", errors.New("token expired")), true
	}

	var rows []userRow
	qerr := r.cfg.Query.Run(ctx, queryexec.Request{
		Table:       "users",
		Op:          queryexec.OpSelect,
		Filters:     map[string]string{"id": userID},
		Single:      true,
		BearerToken: token,
		Timeout:     queryexec.TimeoutAuthSelect,
		CallerTag:   "userresolver.layer2",
	}, &rows)
	if qerr != nil {
		return nil, nil, false // fall through to the next layer
	}
	if len(rows) == 0 {
		return nil, nil, false
	}
	return rows[0].toDomain(), nil, true
}

// layer4 is the logged emergency path: a direct, uncached read through
// the admin pool, bypassing the query façade entirely, restricted to
// identities named in EmergencyAllowList. Every call is logged.
func (r *Resolver) layer4(ctx context.Context, op, userID string) (*coredomain.User, error) {
	r.cfg.Logger.Warn("userresolver: layer 4 emergency direct read", "user_id", userID)

	var u *coredomain.User
	err := r.cfg.Pools.Exec(ctx, dbpool.Admin, queryexec.TimeoutAdmin, func(ctx context.Context, conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx, `SELECT id, email, role, credits_balance FROM users WHERE id = $1`, userID)
		var rec userRow
		if err := row.Scan(&rec.ID, &rec.Email, &rec.Role, &rec.Credits); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}
		u = rec.toDomain()
		return nil
	})
	if err != nil {
		return nil, apierr.New(op, apierr.KindInternal, "user_lookup_failed", err)
	}
	return u, nil
}

// EnsureUser auto-provisions userID if it does not exist, idempotently
// under concurrent callers: the first caller's insert wins, a
// unique-violation loser re-reads and returns the winner's row.
func (r *Resolver) EnsureUser(ctx context.Context, userID, claimedEmail string) (*coredomain.User, error) {
	const op = "userresolver.EnsureUser"

	if existing, err := r.tryGetAuthoritative(ctx, userID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	wait, isLeader := r.claimProvisioning(userID)
	if !isLeader {
		<-wait
		u, err := r.tryGetAuthoritative(ctx, userID)
		if err != nil {
			return nil, err
		}
		if u == nil {
			return nil, apierr.New(op, apierr.KindInternal, "auto_provision_failed", fmt.Errorf("provisioning by another caller did not produce a row"))
		}
		return u, nil
	}
	defer r.releaseProvisioning(userID)

	email := claimedEmail
	if email == "" {
		email = fmt.Sprintf("%s@users.invalid", userID)
	}

	row := map[string]any{
		"id":      userID,
		"email":   email,
		"role":    string(coredomain.RoleViewer),
		"credits_balance": r.cfg.DefaultUserCredits,
	}

	var inserted []userRow
	err := r.cfg.Query.Run(ctx, queryexec.Request{
		Table:         "users",
		Op:            queryexec.OpInsert,
		Data:          row,
		UsePrivileged: true,
		Timeout:       queryexec.TimeoutGeneral,
		CallerTag:     "userresolver.ensure_user",
	}, &inserted)
	if err == nil && len(inserted) > 0 {
		return inserted[0].toDomain(), nil
	}

	if apierr.KindOf(err) == apierr.KindConflict {
		u, gerr := r.tryGetAuthoritative(ctx, userID)
		if gerr != nil {
			return nil, gerr
		}
		if u != nil {
			return u, nil
		}
	}

	return nil, apierr.New(op, apierr.KindInternal, "auto_provision_failed", err)
}

func (r *Resolver) tryGetAuthoritative(ctx context.Context, userID string) (*coredomain.User, error) {
	var rows []userRow
	err := r.cfg.Query.Run(ctx, queryexec.Request{
		Table:         "users",
		Op:            queryexec.OpSelect,
		Filters:       map[string]string{"id": userID},
		Single:        true,
		UsePrivileged: true,
		Timeout:       queryexec.TimeoutAuthSelect,
		CallerTag:     "userresolver.tryGetAuthoritative",
	}, &rows)
	if err != nil {
		return nil, nil
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0].toDomain(), nil
}

func (r *Resolver) claimProvisioning(userID string) (<-chan struct{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.provisioning[userID]; ok {
		return ch, false
	}
	ch := make(chan struct{})
	r.provisioning[userID] = ch
	return ch, true
}

func (r *Resolver) releaseProvisioning(userID string) {
	r.mu.Lock()
	ch := r.provisioning[userID]
	delete(r.provisioning, userID)
	r.mu.Unlock()
	close(ch)
}

// UpdateCredits writes a new balance directly (used by administrative
// corrections; the hot-path credit mutation goes through C8 instead).
func (r *Resolver) UpdateCredits(ctx context.Context, userID string, newBalance int64, token string) (*coredomain.User, error) {
	const op = "userresolver.UpdateCredits"

	var rows []userRow
	err := r.cfg.Query.Run(ctx, queryexec.Request{
		Table:         "users",
		Op:            queryexec.OpUpdate,
		Filters:       map[string]string{"id": userID},
		Data:          map[string]any{"credits_balance": newBalance},
		UsePrivileged: token == "",
		BearerToken:   token,
		Timeout:       queryexec.TimeoutGeneral,
		CallerTag:     "userresolver.update_credits",
	}, &rows)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, apierr.New(op, apierr.KindNotFound, "user_not_found", fmt.Errorf("user %s not found", userID))
	}
	return rows[0].toDomain(), nil
}

// NewSyntheticID returns a fresh random user id. EnsureUser does not
// call it; it provisions the id it is given.
func NewSyntheticID() string { return uuid.NewString() }
