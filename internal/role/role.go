// Package role owns role persistence and the seeding of the four system roles every guild is created
// with. The Role value itself is internal/permission.Role — this package doesn't redeclare it, since a
// role's shape and a role's storage are different concerns and the permission engine already owns the
// former.
package role

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/filament-chat/filament-server/internal/idkit"
	"github.com/filament-chat/filament-server/internal/permission"
)

// Sentinel errors for the role package.
var (
	ErrNotFound           = errors.New("role not found")
	ErrNameLength         = errors.New("role name must be between 1 and 100 characters")
	ErrInvalidPosition    = errors.New("position must be non-negative")
	ErrInvalidPermissions = errors.New("permissions bitfield contains invalid bits")
	ErrMaxRolesReached    = errors.New("maximum number of roles reached")
	ErrSystemRoleRename   = errors.New("system roles cannot be renamed")
)

// CreateParams groups the inputs for creating a custom (non-system) role.
type CreateParams struct {
	GuildID     idkit.GuildID
	Name        string
	Permissions permission.Permission
}

// UpdateParams groups the optional fields for updating a role.
type UpdateParams struct {
	Name        *string
	Position    *int
	Permissions *permission.Permission
}

// ValidateNameRequired validates and trims a name that must be present.
func ValidateNameRequired(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if utf8.RuneCountInString(trimmed) < 1 || utf8.RuneCountInString(trimmed) > idkit.MaxRoleNameLen {
		return "", ErrNameLength
	}
	return trimmed, nil
}

// ValidatePosition checks that a non-nil position is non-negative.
func ValidatePosition(pos *int) error {
	if pos == nil {
		return nil
	}
	if *pos < 0 {
		return ErrInvalidPosition
	}
	return nil
}

// ValidatePermissions checks that a non-nil permissions bitfield contains only known bits.
func ValidatePermissions(perms *permission.Permission) error {
	if perms == nil {
		return nil
	}
	if *perms & ^permission.AllPermissions != 0 {
		return ErrInvalidPermissions
	}
	return nil
}

// Repository defines the data-access contract for role operations.
type Repository interface {
	List(ctx context.Context, guildID idkit.GuildID) ([]permission.Role, error)
	GetByID(ctx context.Context, id idkit.RoleID) (*permission.Role, error)
	Create(ctx context.Context, params CreateParams, maxRoles int) (*permission.Role, error)
	Update(ctx context.Context, id idkit.RoleID, params UpdateParams) (*permission.Role, error)
	Delete(ctx context.Context, id idkit.RoleID) error
	// SeedSystemRoles creates the four system roles (@everyone, member, moderator, workspace_owner) for
	// a newly created guild and returns the @everyone role, which callers use as the default join role.
	SeedSystemRoles(ctx context.Context, guildID idkit.GuildID) (everyone *permission.Role, err error)
	// HighestPosition returns the highest position among roles currently assigned to userID in guildID.
	HighestPosition(ctx context.Context, guildID idkit.GuildID, userID idkit.UserID) (int, error)
}

// systemRoleSeeds describes the four roles SeedSystemRoles creates, in ascending position order.
var systemRoleSeeds = []struct {
	name        string
	permissions permission.Permission
}{
	{permission.RoleEveryone, permission.DefaultEveryonePermissions},
	{permission.RoleMember, permission.DefaultMemberPermissions},
	{permission.RoleModerator, permission.DefaultModeratorPermissions},
	{permission.RoleWorkspaceOwner, permission.AllPermissions},
}
