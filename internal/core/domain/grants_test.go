package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultGrantsLadder(t *testing.T) {
	g := DefaultGrants()

	assert.True(t, g.Granted(RoleUnregisteredUser, "", PermPlayback))
	assert.True(t, g.Granted(RoleUnregisteredUser, "", PermChat))
	assert.False(t, g.Granted(RoleUnregisteredUser, "", PermUndo))
	assert.False(t, g.Granted(RoleUnregisteredUser, "", PermQueueRemove))

	assert.True(t, g.Granted(RoleRegisteredUser, "", PermUndo))
	assert.False(t, g.Granted(RoleRegisteredUser, "", PermQueueOrder))

	assert.True(t, g.Granted(RoleTrustedUser, "", PermQueueRemove))
	assert.True(t, g.Granted(RoleTrustedUser, "", PermQueueOrder))
	assert.False(t, g.Granted(RoleTrustedUser, "", PermPromote))

	assert.True(t, g.Granted(RoleModerator, "", PermPromote))
	assert.False(t, g.Granted(RoleModerator, "", PermApplySettings))

	assert.True(t, g.Granted(RoleAdministrator, "", PermApplySettings))
	assert.True(t, g.Granted(RoleAdministrator, "", PermManageGrants))
	assert.True(t, g.Granted(RoleOwner, "", PermManageGrants))
}

func TestGrantsUserOverridesBeatRoleMask(t *testing.T) {
	g := DefaultGrants()

	g.DenyUser("u1", PermChat)
	assert.False(t, g.Granted(RoleAdministrator, "u1", PermChat))
	assert.True(t, g.Granted(RoleAdministrator, "u2", PermChat))

	g.AllowUser("u1", PermApplySettings)
	assert.True(t, g.Granted(RoleUnregisteredUser, "u1", PermApplySettings))

	// Allowing flips a prior deny of the same bit.
	g.AllowUser("u1", PermChat)
	assert.True(t, g.Granted(RoleAdministrator, "u1", PermChat))
}

func TestGrantsRoleInheritance(t *testing.T) {
	g := NewGrants()
	g.SetRoleMask(RoleRegisteredUser, PermChat|PermQueueAdd)

	// Higher roles without an explicit mask fall back to the nearest
	// lower defined one.
	assert.True(t, g.Granted(RoleModerator, "", PermChat))
	assert.False(t, g.Granted(RoleModerator, "", PermPromote))

	// Lower roles never inherit upward.
	assert.False(t, g.Granted(RoleUnregisteredUser, "", PermChat))
}

func TestGrantsEmptyTableDeniesEverything(t *testing.T) {
	g := NewGrants()
	for p := range permissionNames {
		assert.False(t, g.Granted(RoleOwner, "u1", p))
	}
}

func TestGrantsCloneIsIndependent(t *testing.T) {
	g := DefaultGrants()
	g.DenyUser("u1", PermSkip)

	c := g.Clone()
	c.SetRoleMask(RoleUnregisteredUser, 0)
	c.AllowUser("u1", PermSkip)

	assert.True(t, g.Granted(RoleUnregisteredUser, "", PermPlayback))
	assert.False(t, g.Granted(RoleModerator, "u1", PermSkip))
	assert.True(t, c.Granted(RoleModerator, "u1", PermSkip))
}

func TestGrantsJSONRoundTrip(t *testing.T) {
	g := DefaultGrants()
	g.AllowUser("u1", PermApplySettings)
	g.DenyUser("u2", PermChat)

	data, err := json.Marshal(g)
	require.NoError(t, err)

	var back Grants
	require.NoError(t, json.Unmarshal(data, &back))

	assert.Equal(t, g.RoleMask(RoleTrustedUser), back.RoleMask(RoleTrustedUser))
	assert.True(t, back.Granted(RoleUnregisteredUser, "u1", PermApplySettings))
	assert.False(t, back.Granted(RoleAdministrator, "u2", PermChat))
}

func TestParsePermission(t *testing.T) {
	p, ok := ParsePermission("queue.add")
	assert.True(t, ok)
	assert.Equal(t, PermQueueAdd, p)

	_, ok = ParsePermission("launch-missiles")
	assert.False(t, ok)
}
