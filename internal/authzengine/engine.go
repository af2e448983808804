// Package authzengine implements C7: the ordered authorization
// decision algorithm of spec.md §4.7, fail-closed at every step and
// cached through C5 with CRITICAL priority.
package authzengine

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/ocx/authcore/internal/apierr"
	"github.com/ocx/authcore/internal/cache"
	"github.com/ocx/authcore/internal/coredomain"
	"github.com/ocx/authcore/internal/queryexec"
)

const decisionTTL = 5 * time.Minute

var adminOps = map[string]bool{
	"delete_user":       true,
	"modify_permissions": true,
	"view_logs":         true,
	"system_config":     true,
}

// Config wires the engine's dependencies.
type Config struct {
	Query  *queryexec.Executor
	Cache  *cache.Cache
	Logger *slog.Logger

	// EnablePrivilegeEscalationGuards toggles the advisory guards of
	// spec.md §4.7; off by default because they are explicitly advisory.
	EnablePrivilegeEscalationGuards bool
	OnSecurityEvent                 func(event string, fields map[string]any)
}

// Engine implements C7.
type Engine struct {
	cfg Config
}

func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.OnSecurityEvent == nil {
		cfg.OnSecurityEvent = func(string, map[string]any) {}
	}
	return &Engine{cfg: cfg}
}

// Request is the authorization question.
type Request struct {
	UserID        string
	ResourceType  coredomain.ResourceType
	ResourceID    string
	Op            coredomain.Op
	ClaimedRole   coredomain.Role // from the caller's token, for the escalation guard
	AdminOp       string          // set when the caller is attempting a named admin action
	LastAccessID  string          // for the enumeration guard
}

func decisionKey(r Request) string {
	return fmt.Sprintf("authz:%s:%s:%s:%s", r.UserID, r.ResourceType, r.ResourceID, r.Op)
}

// Decide runs the ordered algorithm and returns a cached, classified
// decision. The returned error is always nil: every failure, a context
// cancellation included, surfaces as a not-granted decision with
// method "error", per spec.md §4.7's fail-closed rule.
func (e *Engine) Decide(ctx context.Context, req Request) (*coredomain.AuthorizationDecision, error) {
	if e.cfg.EnablePrivilegeEscalationGuards {
		if d := e.escalationGuard(req); d != nil {
			return d, nil
		}
	}

	key := decisionKey(req)

	var cached coredomain.AuthorizationDecision
	level, err := e.cfg.Cache.Get(ctx, key, cacheLevelPriority(), decisionTTL, decisionTTL, &cached, func(ctx context.Context) (any, error) {
		return e.compute(ctx, req)
	})
	if err != nil {
		return e.denyOnError(req, err), nil
	}

	cached.Method = methodForHit(level, cached.Method)
	return &cached, nil
}

func cacheLevelPriority() cache.Priority { return cache.PriorityCritical }

func methodForHit(level cache.HitLevel, computed coredomain.DecisionMethod) coredomain.DecisionMethod {
	switch level {
	case cache.HitL1:
		return coredomain.MethodCacheL1
	case cache.HitL2:
		return coredomain.MethodCacheL2
	default:
		return computed
	}
}

func (e *Engine) denyOnError(req Request, err error) *coredomain.AuthorizationDecision {
	e.cfg.Logger.Error("authzengine: fail-closed deny", "user_id", req.UserID, "resource_id", req.ResourceID, "error", err)
	return &coredomain.AuthorizationDecision{
		UserID:       req.UserID,
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		Op:           req.Op,
		Granted:      false,
		Method:       coredomain.MethodError,
		Reason:       string(apierr.KindOf(err)),
		ComputedAt:   time.Now(),
		ExpiresAt:    time.Now(), // never cached as a grant
	}
}

// compute runs steps 2-6 of the algorithm; step 1 (cache lookup) is
// handled by Cache.Get's own L1/L2 check before this fallback runs.
func (e *Engine) compute(ctx context.Context, req Request) (*coredomain.AuthorizationDecision, error) {
	if req.ResourceType == coredomain.ResourceGeneration {
		if d, ok, err := e.materializedViewFastPath(ctx, req); err != nil {
			return nil, err
		} else if ok {
			return d, nil
		}
	}

	resource, err := e.fetchResource(ctx, req)
	if err != nil {
		return nil, err
	}
	if resource == nil {
		return e.decision(req, false, coredomain.EffectiveRoleNone, coredomain.MethodNotFound, "resource_not_found"), nil
	}

	if resource.OwnerUserID == req.UserID {
		return e.decision(req, true, coredomain.EffectiveRoleOwner, coredomain.MethodDirectOwnership, ""), nil
	}

	if resource.Visibility == coredomain.VisibilityPublic && req.Op == coredomain.OpRead {
		return e.decision(req, true, coredomain.EffectiveRoleViewer, coredomain.MethodPublicVisibility, ""), nil
	}

	if resource.Visibility == coredomain.VisibilityTeam {
		granted, role, err := e.teamVisibility(ctx, req, resource)
		if err != nil {
			return nil, err
		}
		if granted {
			return e.decision(req, true, role, coredomain.MethodTeamVisibility, ""), nil
		}
		return e.decision(req, false, coredomain.EffectiveRoleNone, coredomain.MethodTeamVisibility, "not_team_member"), nil
	}

	return e.decision(req, false, coredomain.EffectiveRoleNone, coredomain.MethodDefaultDeny, "default_deny"), nil
}

func (e *Engine) decision(req Request, granted bool, role coredomain.EffectiveRole, method coredomain.DecisionMethod, reason string) *coredomain.AuthorizationDecision {
	now := time.Now()
	return &coredomain.AuthorizationDecision{
		UserID:        req.UserID,
		ResourceType:  req.ResourceType,
		ResourceID:    req.ResourceID,
		Op:            req.Op,
		Granted:       granted,
		EffectiveRole: role,
		Method:        method,
		Reason:        reason,
		ComputedAt:    now,
		ExpiresAt:     now.Add(decisionTTL),
	}
}

type mvRow struct {
	IsOwner        bool   `json:"is_owner"`
	HasReadAccess  bool   `json:"has_read_access"`
	HasWriteAccess bool   `json:"has_write_access"`
	EffectiveRole  string `json:"effective_role"`
}

func (e *Engine) materializedViewFastPath(ctx context.Context, req Request) (*coredomain.AuthorizationDecision, bool, error) {
	var rows []mvRow
	err := e.cfg.Query.Run(ctx, queryexec.Request{
		Table:   "mv_user_authorization_context",
		Op:      queryexec.OpSelect,
		Filters: map[string]string{"user_id": req.UserID, "generation_id": req.ResourceID},
		Single:  true,
		UsePrivileged: true,
		Timeout: queryexec.TimeoutAuthzCheck,
		CallerTag: "authzengine.mv",
	}, &rows)
	if err != nil {
		if apierr.KindOf(err) == apierr.KindNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	row := rows[0]

	granted := false
	switch req.Op {
	case coredomain.OpRead:
		granted = row.IsOwner || row.HasReadAccess
	case coredomain.OpWrite, coredomain.OpDelete:
		granted = row.IsOwner || row.HasWriteAccess
	}

	role := coredomain.EffectiveRole(row.EffectiveRole)
	if role == "" && row.IsOwner {
		role = coredomain.EffectiveRoleOwner
	}

	return e.decision(req, granted, role, coredomain.MethodMaterializedView, ""), true, nil
}

func (e *Engine) fetchResource(ctx context.Context, req Request) (*coredomain.Resource, error) {
	var rows []coredomain.Resource
	err := e.cfg.Query.Run(ctx, queryexec.Request{
		Table:         resourceTable(req.ResourceType),
		Op:            queryexec.OpSelect,
		Filters:       map[string]string{"id": req.ResourceID},
		Single:        true,
		UsePrivileged: true,
		Timeout:       queryexec.TimeoutGeneral,
		CallerTag:     "authzengine.fetchResource",
	}, &rows)
	if err != nil {
		if apierr.KindOf(err) == apierr.KindNotFound {
			return nil, nil
		}
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func resourceTable(rt coredomain.ResourceType) string {
	switch rt {
	case coredomain.ResourceProject:
		return "projects"
	default:
		return "generations"
	}
}

type teamRow struct {
	TeamID string `json:"team_id"`
}

type membershipRow struct {
	Role     string `json:"role"`
	IsActive bool   `json:"is_active"`
}

func (e *Engine) teamVisibility(ctx context.Context, req Request, resource *coredomain.Resource) (bool, coredomain.EffectiveRole, error) {
	if resource.ProjectID == nil {
		return false, coredomain.EffectiveRoleNone, nil
	}

	var teams []teamRow
	err := e.cfg.Query.Run(ctx, queryexec.Request{
		Table:         "projects",
		Op:            queryexec.OpSelect,
		Filters:       map[string]string{"id": *resource.ProjectID},
		Single:        true,
		UsePrivileged: true,
		Timeout:       queryexec.TimeoutGeneral,
		CallerTag:     "authzengine.teamVisibility.project",
	}, &teams)
	if err != nil || len(teams) == 0 {
		return false, coredomain.EffectiveRoleNone, err
	}

	var memberships []membershipRow
	err = e.cfg.Query.Run(ctx, queryexec.Request{
		Table: "team_members",
		Op:    queryexec.OpSelect,
		Filters: map[string]string{
			"team_id": teams[0].TeamID,
			"user_id": req.UserID,
		},
		Single:        true,
		UsePrivileged: true,
		Timeout:       queryexec.TimeoutGeneral,
		CallerTag:     "authzengine.teamVisibility.membership",
	}, &memberships)
	if err != nil {
		if apierr.KindOf(err) == apierr.KindNotFound {
			return false, coredomain.EffectiveRoleNone, nil
		}
		return false, coredomain.EffectiveRoleNone, err
	}
	if len(memberships) == 0 || !memberships[0].IsActive {
		return false, coredomain.EffectiveRoleNone, nil
	}

	role := coredomain.TeamRole(memberships[0].Role)
	if !role.Allows(req.Op) {
		return false, coredomain.EffectiveRoleNone, nil
	}
	return true, teamRoleToEffective(role), nil
}

func teamRoleToEffective(r coredomain.TeamRole) coredomain.EffectiveRole {
	switch r {
	case coredomain.TeamRoleOwner:
		return coredomain.EffectiveRoleOwner
	case coredomain.TeamRoleEditor:
		return coredomain.EffectiveRoleEditor
	default:
		return coredomain.EffectiveRoleViewer
	}
}

var sequentialIDPattern = regexp.MustCompile(`^\d+$`)

// escalationGuard implements spec.md §4.7's two advisory guards. Both
// are heuristics; when either fires and EnablePrivilegeEscalationGuards
// is set, Decide returns its deny decision without consulting the
// cache or the datastore.
func (e *Engine) escalationGuard(req Request) *coredomain.AuthorizationDecision {
	if req.AdminOp != "" && adminOps[req.AdminOp] && req.ClaimedRole != coredomain.RoleAdmin {
		e.cfg.OnSecurityEvent("privilege_escalation_blocked", map[string]any{
			"user_id": req.UserID, "admin_op": req.AdminOp, "claimed_role": req.ClaimedRole,
		})
		return e.decision(req, false, coredomain.EffectiveRoleNone, coredomain.MethodDefaultDeny, "privilege_escalation_blocked")
	}

	if (req.Op == coredomain.OpWrite || req.Op == coredomain.OpDelete) && looksSequential(req.LastAccessID, req.ResourceID) {
		e.cfg.OnSecurityEvent("enumeration_blocked", map[string]any{
			"user_id": req.UserID, "resource_id": req.ResourceID, "last_access_id": req.LastAccessID,
		})
		return e.decision(req, false, coredomain.EffectiveRoleNone, coredomain.MethodDefaultDeny, "enumeration_blocked")
	}

	return nil
}

func looksSequential(lastID, currentID string) bool {
	if lastID == "" || !sequentialIDPattern.MatchString(lastID) || !sequentialIDPattern.MatchString(currentID) {
		return false
	}
	var last, cur int64
	fmt.Sscanf(lastID, "%d", &last)
	fmt.Sscanf(currentID, "%d", &cur)
	return cur == last+1
}

// InvalidateForResource drops cached decisions whose resource id is
// resourceID. Decisions cached for other resources in the same project
// or team are not dropped.
func (e *Engine) InvalidateForResource(ctx context.Context, resourceID string) int {
	return e.cfg.Cache.InvalidatePattern(ctx, fmt.Sprintf("authz:*:*:%s:*", resourceID))
}
