package permission

import "github.com/filament-chat/filament-server/internal/idkit"

// Role is a named, ordered permission grant within one guild. Position orders roles for both display
// (highest first) and override precedence: when two assigned roles disagree on a channel override, the
// role with the higher Position wins.
type Role struct {
	ID          idkit.RoleID
	GuildID     idkit.GuildID
	Name        string
	Permissions Permission
	Position    int
	IsSystem    bool
}

// PrincipalType distinguishes a role-targeted override from a user-targeted one.
type PrincipalType int

const (
	PrincipalRole PrincipalType = iota
	PrincipalUser
)

// Override is a channel-level allow/deny grant layered on top of the role union. Deny wins over allow
// within the same principal's override; across principals, user overrides always win over role overrides.
type Override struct {
	ChannelID     idkit.ChannelID
	PrincipalType PrincipalType
	PrincipalID   idkit.ID // RoleID or UserID depending on PrincipalType
	Allow         Permission
	Deny          Permission
}

// RoleAssignment pairs a member with a role they hold, scoped to one guild.
type RoleAssignment struct {
	GuildID idkit.GuildID
	UserID  idkit.UserID
	RoleID  idkit.RoleID
}
