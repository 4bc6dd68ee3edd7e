package domain

import (
	"encoding/json"
	"sort"
)

// Permission is a single bit in a grants mask.
type Permission uint32

const (
	PermPlayback Permission = 1 << iota
	PermSkip
	PermSeek
	PermQueueAdd
	PermQueueRemove
	PermQueueOrder
	PermQueueVote
	PermChat
	PermPromote
	PermDemote
	PermApplySettings
	PermManageGrants
	PermUndo
)

var permissionNames = map[Permission]string{
	PermPlayback:      "playback",
	PermSkip:          "skip",
	PermSeek:          "seek",
	PermQueueAdd:      "queue.add",
	PermQueueRemove:   "queue.remove",
	PermQueueOrder:    "queue.order",
	PermQueueVote:     "queue.vote",
	PermChat:          "chat",
	PermPromote:       "user.promote",
	PermDemote:        "user.demote",
	PermApplySettings: "settings.apply",
	PermManageGrants:  "manage-permissions",
	PermUndo:          "undo",
}

func (p Permission) Name() string {
	if name, ok := permissionNames[p]; ok {
		return name
	}
	return "unknown"
}

// ParsePermission maps a permission name back to its bit.
func ParsePermission(name string) (Permission, bool) {
	for p, n := range permissionNames {
		if n == name {
			return p, true
		}
	}
	return 0, false
}

// Grants is the permission table: a mask per role plus per-user
// overrides. Role masks inherit downward: a role with no explicit mask
// uses the nearest lower role that has one, and explicit masks for
// higher roles are expected to be supersets unless deliberately
// overridden per permission.
type Grants struct {
	roles     map[Role]Permission
	userAllow map[UserID]Permission
	userDeny  map[UserID]Permission
}

// DefaultGrants builds the standard role ladder.
func DefaultGrants() *Grants {
	g := NewGrants()
	g.roles[RoleUnregisteredUser] = PermPlayback | PermSkip | PermSeek |
		PermQueueAdd | PermQueueVote | PermChat
	g.roles[RoleRegisteredUser] = g.roles[RoleUnregisteredUser] | PermUndo
	g.roles[RoleTrustedUser] = g.roles[RoleRegisteredUser] | PermQueueRemove | PermQueueOrder
	g.roles[RoleModerator] = g.roles[RoleTrustedUser] | PermPromote | PermDemote
	g.roles[RoleAdministrator] = g.roles[RoleModerator] | PermApplySettings | PermManageGrants
	g.roles[RoleOwner] = g.roles[RoleAdministrator]
	return g
}

func NewGrants() *Grants {
	return &Grants{
		roles:     make(map[Role]Permission),
		userAllow: make(map[UserID]Permission),
		userDeny:  make(map[UserID]Permission),
	}
}

// Granted resolves a permission check. Resolution order: explicit
// per-user deny, explicit per-user allow, the role's own mask, the
// nearest lower role with a defined mask, otherwise deny.
func (g *Grants) Granted(role Role, user UserID, perm Permission) bool {
	if user != "" {
		if g.userDeny[user]&perm != 0 {
			return false
		}
		if g.userAllow[user]&perm != 0 {
			return true
		}
	}
	for r := role; r >= RoleUnregisteredUser; r-- {
		if mask, ok := g.roles[r]; ok {
			return mask&perm != 0
		}
	}
	return false
}

// RoleMask returns the effective mask for a role, following the
// downward inheritance used by Granted.
func (g *Grants) RoleMask(role Role) Permission {
	for r := role; r >= RoleUnregisteredUser; r-- {
		if mask, ok := g.roles[r]; ok {
			return mask
		}
	}
	return 0
}

func (g *Grants) SetRoleMask(role Role, mask Permission) {
	g.roles[role] = mask
}

func (g *Grants) AllowUser(user UserID, perm Permission) {
	g.userAllow[user] |= perm
	g.userDeny[user] &^= perm
}

func (g *Grants) DenyUser(user UserID, perm Permission) {
	g.userDeny[user] |= perm
	g.userAllow[user] &^= perm
}

// Clone deep-copies the table. Rooms hand out clones so a grants edit
// staged by ApplySettings never races the live table.
func (g *Grants) Clone() *Grants {
	out := NewGrants()
	for r, m := range g.roles {
		out.roles[r] = m
	}
	for u, m := range g.userAllow {
		out.userAllow[u] = m
	}
	for u, m := range g.userDeny {
		out.userDeny[u] = m
	}
	return out
}

// grantsWire is the serialized shape: permission names per role name.
// User overrides travel as allow/deny name lists keyed by user id.
type grantsWire struct {
	Roles map[string][]string `json:"roles"`
	Allow map[string][]string `json:"allow,omitempty"`
	Deny  map[string][]string `json:"deny,omitempty"`
}

func maskNames(mask Permission) []string {
	var names []string
	for p, n := range permissionNames {
		if mask&p != 0 {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}

func namesMask(names []string) Permission {
	var mask Permission
	for _, n := range names {
		if p, ok := ParsePermission(n); ok {
			mask |= p
		}
	}
	return mask
}

func (g *Grants) MarshalJSON() ([]byte, error) {
	w := grantsWire{Roles: make(map[string][]string)}
	for r, m := range g.roles {
		w.Roles[r.String()] = maskNames(m)
	}
	if len(g.userAllow) > 0 {
		w.Allow = make(map[string][]string)
		for u, m := range g.userAllow {
			w.Allow[string(u)] = maskNames(m)
		}
	}
	if len(g.userDeny) > 0 {
		w.Deny = make(map[string][]string)
		for u, m := range g.userDeny {
			w.Deny[string(u)] = maskNames(m)
		}
	}
	return json.Marshal(w)
}

func (g *Grants) UnmarshalJSON(data []byte) error {
	var w grantsWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*g = *NewGrants()
	for name, perms := range w.Roles {
		if r, ok := ParseRole(name); ok {
			g.roles[r] = namesMask(perms)
		}
	}
	for u, perms := range w.Allow {
		g.userAllow[UserID(u)] = namesMask(perms)
	}
	for u, perms := range w.Deny {
		g.userDeny[UserID(u)] = namesMask(perms)
	}
	return nil
}
