package authzengine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ocx/authcore/internal/coredomain"
)

func TestDecisionKey_IncludesEveryDimension(t *testing.T) {
	k := decisionKey(Request{UserID: "u1", ResourceType: coredomain.ResourceProject, ResourceID: "r1", Op: coredomain.OpWrite})
	assert.Equal(t, "authz:u1:project:r1:write", k)
}

func TestResourceTable_MapsKnownAndFallback(t *testing.T) {
	assert.Equal(t, "projects", resourceTable(coredomain.ResourceProject))
	assert.Equal(t, "generations", resourceTable(coredomain.ResourceGeneration))
	assert.Equal(t, "generations", resourceTable(coredomain.ResourceType("unknown")))
}

func TestTeamRoleToEffective(t *testing.T) {
	assert.Equal(t, coredomain.EffectiveRoleOwner, teamRoleToEffective(coredomain.TeamRoleOwner))
	assert.Equal(t, coredomain.EffectiveRoleEditor, teamRoleToEffective(coredomain.TeamRoleEditor))
	assert.Equal(t, coredomain.EffectiveRoleViewer, teamRoleToEffective(coredomain.TeamRoleViewer))
}

func TestLooksSequential(t *testing.T) {
	assert.True(t, looksSequential("100", "101"))
	assert.False(t, looksSequential("100", "102"))
	assert.False(t, looksSequential("", "101"))
	assert.False(t, looksSequential("abc", "101"))
	assert.False(t, looksSequential("100", "100"))
}

func TestEscalationGuard_BlocksNonAdminAttemptingAdminOp(t *testing.T) {
	var fired string
	e := New(Config{
		EnablePrivilegeEscalationGuards: true,
		OnSecurityEvent: func(event string, _ map[string]any) { fired = event },
	})

	req := Request{UserID: "u1", AdminOp: "delete_user", ClaimedRole: coredomain.RoleUser}
	decision := e.escalationGuard(req)
	assert.NotNil(t, decision)
	assert.False(t, decision.Granted)
	assert.Equal(t, "privilege_escalation_blocked", fired)
}

func TestEscalationGuard_AllowsAdminAttemptingAdminOp(t *testing.T) {
	e := New(Config{EnablePrivilegeEscalationGuards: true})
	req := Request{UserID: "u1", AdminOp: "delete_user", ClaimedRole: coredomain.RoleAdmin}
	assert.Nil(t, e.escalationGuard(req))
}

func TestEscalationGuard_BlocksSequentialEnumerationOnWrite(t *testing.T) {
	var fired string
	e := New(Config{OnSecurityEvent: func(event string, _ map[string]any) { fired = event }})
	req := Request{UserID: "u1", Op: coredomain.OpWrite, LastAccessID: "5", ResourceID: "6"}
	decision := e.escalationGuard(req)
	assert.NotNil(t, decision)
	assert.Equal(t, "enumeration_blocked", fired)
}

func TestEscalationGuard_IgnoresSequentialReads(t *testing.T) {
	e := New(Config{})
	req := Request{UserID: "u1", Op: coredomain.OpRead, LastAccessID: "5", ResourceID: "6"}
	assert.Nil(t, e.escalationGuard(req))
}
