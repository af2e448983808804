package coredomain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTeamRole_Allows(t *testing.T) {
	assert.True(t, TeamRoleOwner.Allows(OpRead))
	assert.True(t, TeamRoleOwner.Allows(OpWrite))
	assert.True(t, TeamRoleOwner.Allows(OpDelete))

	assert.True(t, TeamRoleEditor.Allows(OpRead))
	assert.True(t, TeamRoleEditor.Allows(OpWrite))
	assert.False(t, TeamRoleEditor.Allows(OpDelete))

	assert.True(t, TeamRoleViewer.Allows(OpRead))
	assert.False(t, TeamRoleViewer.Allows(OpWrite))
	assert.False(t, TeamRoleViewer.Allows(OpDelete))

	assert.False(t, TeamRole("unknown").Allows(OpRead))
}

func TestAuthorizationDecision_Expired(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	d := AuthorizationDecision{ExpiresAt: now.Add(time.Minute)}
	assert.False(t, d.Expired(now))

	expired := AuthorizationDecision{ExpiresAt: now.Add(-time.Second)}
	assert.True(t, expired.Expired(now))

	onBoundary := AuthorizationDecision{ExpiresAt: now}
	assert.True(t, onBoundary.Expired(now))
}
