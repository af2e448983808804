// Package coredomain holds the entities shared across the authorization
// and credit core: users, resources, team memberships, ledger entries,
// and the cached authorization decision.
package coredomain

import "time"

// Role is a caller's global role, independent of any specific resource.
type Role string

const (
	RoleViewer  Role = "viewer"
	RoleUser    Role = "user"
	RoleAdmin   Role = "admin"
	RoleService Role = "service"
)

// Visibility controls who may read a Resource absent ownership.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityTeam    Visibility = "team"
	VisibilityPublic  Visibility = "public"
)

// Op is an operation requested against a resource.
type Op string

const (
	OpRead   Op = "read"
	OpWrite  Op = "write"
	OpDelete Op = "delete"
)

// User is the stable identity record the core resolves bearer tokens to.
type User struct {
	ID             string         `json:"id"`
	Email          string         `json:"email"`
	DisplayName    string         `json:"display_name"`
	Role           Role           `json:"role"`
	CreditsBalance int64          `json:"credits_balance"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	Profile        map[string]any `json:"profile,omitempty"`
}

// ResourceType names a concrete Resource variant.
type ResourceType string

const (
	ResourceGeneration ResourceType = "generation"
	ResourceProject    ResourceType = "project"
)

// Resource is the generic entity C7 authorizes access to.
type Resource struct {
	ID          string       `json:"id"`
	Type        ResourceType `json:"type"`
	OwnerUserID string       `json:"owner_user_id"`
	ProjectID   *string      `json:"project_id,omitempty"`
	Visibility  Visibility   `json:"visibility"`
	Status      string       `json:"status"`
	CreatedAt   time.Time    `json:"created_at"`
}

// TeamRole is a member's role within a specific team.
type TeamRole string

const (
	TeamRoleOwner  TeamRole = "owner"
	TeamRoleEditor TeamRole = "editor"
	TeamRoleViewer TeamRole = "viewer"
)

// TeamMembership binds a user to a team with a role.
type TeamMembership struct {
	UserID   string    `json:"user_id"`
	TeamID   string    `json:"team_id"`
	Role     TeamRole  `json:"role"`
	IsActive bool      `json:"is_active"`
	JoinedAt time.Time `json:"joined_at"`
}

// Allows reports whether a team role permits the given operation,
// per spec.md §4.7 step 5: owner→all, editor→read+write, viewer→read.
func (r TeamRole) Allows(op Op) bool {
	switch r {
	case TeamRoleOwner:
		return true
	case TeamRoleEditor:
		return op == OpRead || op == OpWrite
	case TeamRoleViewer:
		return op == OpRead
	default:
		return false
	}
}

// LedgerKind classifies a CreditLedgerEntry.
type LedgerKind string

const (
	LedgerPurchase LedgerKind = "purchase"
	LedgerUsage    LedgerKind = "usage"
	LedgerRefund   LedgerKind = "refund"
	LedgerBonus    LedgerKind = "bonus"
	LedgerReferral LedgerKind = "referral"
)

// CreditLedgerEntry is an append-only record of a balance change.
type CreditLedgerEntry struct {
	ID                string         `json:"id"`
	UserID            string         `json:"user_id"`
	Amount            int64          `json:"amount"` // signed
	Kind              LedgerKind     `json:"kind"`
	BalanceAfter      int64          `json:"balance_after"`
	LinkedGenerationID *string       `json:"linked_generation_id,omitempty"`
	Description       string         `json:"description"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// DecisionMethod tags how an AuthorizationDecision was derived, for
// observability (spec.md §4.7).
type DecisionMethod string

const (
	MethodCacheL1           DecisionMethod = "cache_l1"
	MethodCacheL2           DecisionMethod = "cache_l2"
	MethodMaterializedView  DecisionMethod = "materialized_view"
	MethodDirectOwnership   DecisionMethod = "direct_ownership"
	MethodPublicVisibility  DecisionMethod = "public_visibility"
	MethodTeamVisibility    DecisionMethod = "team_visibility"
	MethodDefaultDeny       DecisionMethod = "default_deny"
	MethodNotFound          DecisionMethod = "not_found"
	MethodError             DecisionMethod = "error"
)

// EffectiveRole is the caller's role relative to a specific resource.
type EffectiveRole string

const (
	EffectiveRoleOwner  EffectiveRole = "owner"
	EffectiveRoleEditor EffectiveRole = "editor"
	EffectiveRoleViewer EffectiveRole = "viewer"
	EffectiveRoleNone   EffectiveRole = ""
)

// AuthorizationDecision is the cached result of an access check.
type AuthorizationDecision struct {
	UserID        string         `json:"user_id"`
	ResourceType  ResourceType   `json:"resource_type"`
	ResourceID    string         `json:"resource_id"`
	Op            Op             `json:"op"`
	Granted       bool           `json:"granted"`
	EffectiveRole EffectiveRole  `json:"effective_role"`
	Method        DecisionMethod `json:"method"`
	Reason        string         `json:"reason,omitempty"`
	ComputedAt    time.Time      `json:"computed_at"`
	ExpiresAt     time.Time      `json:"expires_at"`
}

// Expired reports whether the decision's cache entry has expired as of now.
func (d AuthorizationDecision) Expired(now time.Time) bool {
	return !now.Before(d.ExpiresAt)
}
