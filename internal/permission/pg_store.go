package permission

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/filament-chat/filament-server/internal/idkit"
)

var ErrOverrideNotFound = errors.New("permission: override not found")

// OverrideStore provides write access to channel-level permission overrides.
type OverrideStore interface {
	Set(ctx context.Context, channelID idkit.ChannelID, principalType PrincipalType, principalID idkit.ID, allow, deny Permission) error
	Delete(ctx context.Context, channelID idkit.ChannelID, principalType PrincipalType, principalID idkit.ID) error
}

// PGStore implements Store and OverrideStore using PostgreSQL.
type PGStore struct {
	db *pgxpool.Pool
}

// NewPGStore creates a new PostgreSQL-backed permission store.
func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) IsOwner(ctx context.Context, guildID idkit.GuildID, userID idkit.UserID) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM guilds WHERE id = $1 AND created_by_user_id = $2)",
		guildID.String(), userID.String(),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("permission: check owner: %w", err)
	}
	return exists, nil
}

// RolesForMember returns every role the member holds in the guild, including @everyone, ordered by
// position ascending.
func (s *PGStore) RolesForMember(ctx context.Context, guildID idkit.GuildID, userID idkit.UserID) ([]Role, error) {
	rows, err := s.db.Query(ctx, `
		SELECT r.id, r.guild_id, r.name, r.permissions, r.position, r.is_system
		FROM roles r
		JOIN member_roles mr ON mr.role_id = r.id
		WHERE mr.guild_id = $1 AND mr.user_id = $2
		UNION
		SELECT r.id, r.guild_id, r.name, r.permissions, r.position, r.is_system
		FROM roles r
		WHERE r.guild_id = $1 AND r.name = $3
		ORDER BY position ASC
	`, guildID.String(), userID.String(), RoleEveryone)
	if err != nil {
		return nil, fmt.Errorf("permission: query roles for member: %w", err)
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		var roleIDStr, guildIDStr string
		var role Role
		var perms int64
		if err := rows.Scan(&roleIDStr, &guildIDStr, &role.Name, &perms, &role.Position, &role.IsSystem); err != nil {
			return nil, fmt.Errorf("permission: scan role: %w", err)
		}
		roleID, err := idkit.Parse(roleIDStr)
		if err != nil {
			return nil, fmt.Errorf("permission: parse role id: %w", err)
		}
		gID, err := idkit.Parse(guildIDStr)
		if err != nil {
			return nil, fmt.Errorf("permission: parse guild id: %w", err)
		}
		role.ID = roleID
		role.GuildID = gID
		role.Permissions = Permission(perms)
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (s *PGStore) ChannelOverrides(ctx context.Context, channelID idkit.ChannelID) ([]Override, error) {
	rows, err := s.db.Query(ctx, `
		SELECT principal_type, principal_id, allow, deny
		FROM permission_overrides WHERE channel_id = $1
	`, channelID.String())
	if err != nil {
		return nil, fmt.Errorf("permission: query overrides: %w", err)
	}
	defer rows.Close()

	var overrides []Override
	for rows.Next() {
		var principalTypeInt int
		var principalIDStr string
		var allow, deny int64
		if err := rows.Scan(&principalTypeInt, &principalIDStr, &allow, &deny); err != nil {
			return nil, fmt.Errorf("permission: scan override: %w", err)
		}
		principalID, err := idkit.Parse(principalIDStr)
		if err != nil {
			return nil, fmt.Errorf("permission: parse principal id: %w", err)
		}
		overrides = append(overrides, Override{
			ChannelID:     channelID,
			PrincipalType: PrincipalType(principalTypeInt),
			PrincipalID:   principalID,
			Allow:         Permission(allow),
			Deny:          Permission(deny),
		})
	}
	return overrides, rows.Err()
}

// Set upserts a permission override for channelID/principal.
func (s *PGStore) Set(ctx context.Context, channelID idkit.ChannelID, principalType PrincipalType, principalID idkit.ID, allow, deny Permission) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO permission_overrides (channel_id, principal_type, principal_id, allow, deny)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (channel_id, principal_type, principal_id)
		DO UPDATE SET allow = EXCLUDED.allow, deny = EXCLUDED.deny, updated_at = now()
	`, channelID.String(), int(principalType), principalID.String(), int64(allow), int64(deny))
	if err != nil {
		return fmt.Errorf("permission: upsert override: %w", err)
	}
	return nil
}

// Delete removes a permission override. Returns ErrOverrideNotFound if no matching row exists.
func (s *PGStore) Delete(ctx context.Context, channelID idkit.ChannelID, principalType PrincipalType, principalID idkit.ID) error {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM permission_overrides WHERE channel_id = $1 AND principal_type = $2 AND principal_id = $3
	`, channelID.String(), int(principalType), principalID.String())
	if err != nil {
		return fmt.Errorf("permission: delete override: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOverrideNotFound
	}
	return nil
}
