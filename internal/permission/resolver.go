package permission

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/filament-chat/filament-server/internal/idkit"
)

// Store is the data access contract the resolver needs. Guild/member/channel packages implement it against
// whatever they use for storage; the resolver itself is storage-agnostic.
type Store interface {
	// IsOwner reports whether userID is the guild's owner, which bypasses every other check.
	IsOwner(ctx context.Context, guildID idkit.GuildID, userID idkit.UserID) (bool, error)

	// RolesForMember returns every role userID holds in guildID, including @everyone, ordered by
	// Position ascending (lowest precedence first).
	RolesForMember(ctx context.Context, guildID idkit.GuildID, userID idkit.UserID) ([]Role, error)

	// ChannelOverrides returns every override recorded against channelID.
	ChannelOverrides(ctx context.Context, channelID idkit.ChannelID) ([]Override, error)
}

// Resolver computes effective permissions for a member in a channel or at the guild level.
type Resolver struct {
	store Store
	cache Cache
	log   zerolog.Logger
}

// NewResolver builds a Resolver over store with no cache; every Resolve call hits store directly.
func NewResolver(store Store, logger zerolog.Logger) *Resolver {
	return &Resolver{store: store, log: logger}
}

// NewResolverWithCache builds a Resolver that checks cache before computing, and populates it afterward.
// Cache errors are logged and otherwise ignored — a cache outage degrades to "always compute", never to a
// wrong answer.
func NewResolverWithCache(store Store, cache Cache, logger zerolog.Logger) *Resolver {
	return &Resolver{store: store, cache: cache, log: logger}
}

// ResolveGuild returns the effective guild-wide permission set for userID: owner bypass, then the union of
// every role they hold. No channel overrides apply at this level.
func (r *Resolver) ResolveGuild(ctx context.Context, guildID idkit.GuildID, userID idkit.UserID) (Permission, error) {
	isOwner, err := r.store.IsOwner(ctx, guildID, userID)
	if err != nil {
		return 0, fmt.Errorf("permission: check owner: %w", err)
	}
	if isOwner {
		return AllPermissions, nil
	}

	roles, err := r.store.RolesForMember(ctx, guildID, userID)
	if err != nil {
		return 0, fmt.Errorf("permission: roles for member: %w", err)
	}

	base := unionRoles(roles)
	if base.Has(ManageGuild) {
		return AllPermissions, nil
	}
	return base, nil
}

// Resolve returns the effective permission set for userID in channelID: owner bypass, role union, then
// channel overrides (role overrides applied in ascending position order so the highest-position role's
// allow/deny wins ties, then the user-specific override applied last with the highest precedence of all).
func (r *Resolver) Resolve(ctx context.Context, guildID idkit.GuildID, channelID idkit.ChannelID, userID idkit.UserID) (Permission, error) {
	if r.cache != nil {
		if perm, ok, err := r.cache.Get(ctx, userID, channelID); err != nil {
			r.log.Warn().Err(err).Msg("permission cache get failed, falling through to compute")
		} else if ok {
			return perm, nil
		}
	}

	isOwner, err := r.store.IsOwner(ctx, guildID, userID)
	if err != nil {
		return 0, fmt.Errorf("permission: check owner: %w", err)
	}
	if isOwner {
		return AllPermissions, nil
	}

	roles, err := r.store.RolesForMember(ctx, guildID, userID)
	if err != nil {
		return 0, fmt.Errorf("permission: roles for member: %w", err)
	}

	base := unionRoles(roles)
	perm := base
	if !base.Has(ManageGuild) {
		overrides, err := r.store.ChannelOverrides(ctx, channelID)
		if err != nil {
			return 0, fmt.Errorf("permission: channel overrides: %w", err)
		}

		roleIDs := make(map[idkit.RoleID]int, len(roles))
		for _, role := range roles {
			roleIDs[role.ID] = role.Position
		}
		perm = applyOverrides(base, overrides, roleIDs, userID)
	} else {
		perm = AllPermissions
	}

	if r.cache != nil {
		if err := r.cache.Set(ctx, userID, channelID, perm); err != nil {
			r.log.Warn().Err(err).Msg("permission cache set failed")
		}
	}

	return perm, nil
}

// HasPermission is a convenience wrapper around Resolve for a single-bit check.
func (r *Resolver) HasPermission(ctx context.Context, guildID idkit.GuildID, channelID idkit.ChannelID, userID idkit.UserID, perm Permission) (bool, error) {
	effective, err := r.Resolve(ctx, guildID, channelID, userID)
	if err != nil {
		return false, err
	}
	return effective.Has(perm), nil
}

func unionRoles(roles []Role) Permission {
	var base Permission
	for _, role := range roles {
		base = base.Add(role.Permissions)
	}
	return base
}

// applyOverrides layers channel overrides on top of base. Role overrides are sorted ascending by the
// holder's role position and applied in that order, so a higher-position role's allow/deny is the last
// write and wins any conflict with a lower-position role's override on the same bits. The user-specific
// override, if any, is applied last of all.
func applyOverrides(base Permission, overrides []Override, userRolePositions map[idkit.RoleID]int, userID idkit.UserID) Permission {
	type posOverride struct {
		position int
		o        Override
	}

	var roleOverrides []posOverride
	var userOverride *Override

	for i := range overrides {
		o := overrides[i]
		switch o.PrincipalType {
		case PrincipalUser:
			if o.PrincipalID == userID {
				userOverride = &overrides[i]
			}
		case PrincipalRole:
			if pos, held := userRolePositions[o.PrincipalID]; held {
				roleOverrides = append(roleOverrides, posOverride{position: pos, o: o})
			}
		}
	}

	sort.Slice(roleOverrides, func(i, j int) bool { return roleOverrides[i].position < roleOverrides[j].position })

	for _, ro := range roleOverrides {
		base = base.Add(ro.o.Allow)
		base = base.Remove(ro.o.Deny)
	}

	if userOverride != nil {
		base = base.Add(userOverride.Allow)
		base = base.Remove(userOverride.Deny)
	}

	return base
}
