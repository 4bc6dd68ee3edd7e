package domain

type ClientID string

type Role int

const (
	RoleUnregisteredUser Role = iota
	RoleRegisteredUser
	RoleTrustedUser
	RoleModerator
	RoleAdministrator
	RoleOwner
)

func (r Role) String() string {
	switch r {
	case RoleUnregisteredUser:
		return "unregistered"
	case RoleRegisteredUser:
		return "registered"
	case RoleTrustedUser:
		return "trusted"
	case RoleModerator:
		return "moderator"
	case RoleAdministrator:
		return "administrator"
	case RoleOwner:
		return "owner"
	default:
		return "unknown"
	}
}

// ParseRole maps a wire role name back to a Role. Unknown names come
// back as UnregisteredUser with ok=false.
func ParseRole(s string) (Role, bool) {
	switch s {
	case "unregistered":
		return RoleUnregisteredUser, true
	case "registered":
		return RoleRegisteredUser, true
	case "trusted":
		return RoleTrustedUser, true
	case "moderator":
		return RoleModerator, true
	case "administrator":
		return RoleAdministrator, true
	case "owner":
		return RoleOwner, true
	default:
		return RoleUnregisteredUser, false
	}
}

type PlayerStatus string

const (
	PlayerStatusNone      PlayerStatus = "none"
	PlayerStatusReady     PlayerStatus = "ready"
	PlayerStatusBuffering PlayerStatus = "buffering"
	PlayerStatusError     PlayerStatus = "error"
)

// Client is one connected socket. The per-connection ID is ephemeral;
// User is set only for authenticated sessions.
type Client struct {
	ID           ClientID     `json:"id"`
	User         *User        `json:"user,omitempty"`
	Username     string       `json:"username"`
	Role         Role         `json:"role"`
	PlayerStatus PlayerStatus `json:"player_status"`
}

// DisplayName prefers the authenticated account's username over the
// session-derived one.
func (c *Client) DisplayName() string {
	if c.User != nil && c.User.Username != "" {
		return c.User.Username
	}
	return c.Username
}

// UserInfo is the public view of a client broadcast to the room.
type UserInfo struct {
	ID           ClientID     `json:"id"`
	Name         string       `json:"name"`
	Role         string       `json:"role"`
	IsLoggedIn   bool         `json:"is_logged_in"`
	PlayerStatus PlayerStatus `json:"player_status"`
}

func (c *Client) Info() UserInfo {
	return UserInfo{
		ID:           c.ID,
		Name:         c.DisplayName(),
		Role:         c.Role.String(),
		IsLoggedIn:   c.User != nil,
		PlayerStatus: c.PlayerStatus,
	}
}
