package permission

import "errors"

var (
	ErrSystemRoleUndeletable   = errors.New("permission: system roles cannot be deleted")
	ErrLastOwnerRole           = errors.New("permission: cannot remove the last holder of workspace_owner")
	ErrInsufficientPosition    = errors.New("permission: cannot assign or unassign a role at or above your own highest role")
	ErrMissingManageRoles      = errors.New("permission: ManageRoles permission required to assign or unassign roles")
	ErrOwnerGrantRequiresOwner = errors.New("permission: only an existing workspace_owner can grant workspace_owner")
)

// CheckDeletable enforces that a role cannot be deleted if it is one of the four system roles.
func CheckDeletable(role Role) error {
	if role.IsSystem {
		return ErrSystemRoleUndeletable
	}
	return nil
}

// CheckLastOwner enforces that removing roleID from userID must not leave workspace_owner with zero
// holders. remainingOwnerHolders is the count of other users (besides userID) who currently hold the
// workspace_owner role.
func CheckLastOwner(role Role, remainingOwnerHolders int) error {
	if role.Name == RoleWorkspaceOwner && remainingOwnerHolders == 0 {
		return ErrLastOwnerRole
	}
	return nil
}

// CheckAssignmentAuthority enforces the position + ManageRoles gate: an actor may only assign or unassign
// a role whose Position is strictly below their own highest-position role, and only if they hold
// ManageRoles (owner bypass is handled by the caller before reaching this check). Granting or revoking
// workspace_owner itself additionally requires the actor already hold workspace_owner, regardless of
// position or ManageRoles.
func CheckAssignmentAuthority(actorPermissions Permission, actorHighestPosition int, actorIsOwnerHolder bool, target Role) error {
	if target.Name == RoleWorkspaceOwner {
		if !actorIsOwnerHolder {
			return ErrOwnerGrantRequiresOwner
		}
		return nil
	}

	if !actorPermissions.Has(ManageRoles) {
		return ErrMissingManageRoles
	}
	if target.Position >= actorHighestPosition {
		return ErrInsufficientPosition
	}
	return nil
}
