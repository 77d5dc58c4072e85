package member

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/filament-chat/filament-server/internal/idkit"
	"github.com/filament-chat/filament-server/internal/postgres"
)

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed member repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// memberQuery is the shared SELECT used by List and GetByUserID. It joins members with users and
// aggregates role IDs from member_roles.
const memberQuery = `SELECT m.guild_id, m.user_id, u.username, u.avatar_key, m.nickname, m.joined_at,
       COALESCE(array_agg(mr.role_id) FILTER (WHERE mr.role_id IS NOT NULL), '{}') AS role_ids
FROM members m
JOIN users u ON u.id = m.user_id
LEFT JOIN member_roles mr ON mr.user_id = m.user_id AND mr.guild_id = m.guild_id
WHERE m.guild_id = $1`

const memberQueryGroupBy = `
GROUP BY m.guild_id, m.user_id, u.username, u.avatar_key, m.nickname, m.joined_at`

// List returns members of a guild ordered by (joined_at, user_id) using keyset pagination.
func (r *PGRepository) List(ctx context.Context, guildID idkit.GuildID, after *idkit.UserID, limit int) ([]MemberWithProfile, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if after == nil {
		rows, err = r.db.Query(ctx,
			memberQuery+memberQueryGroupBy+"\nORDER BY m.joined_at, m.user_id LIMIT $2", guildID, limit)
	} else {
		rows, err = r.db.Query(ctx,
			memberQuery+` AND (m.joined_at, m.user_id) > (
      SELECT m2.joined_at, m2.user_id FROM members m2 WHERE m2.guild_id = $1 AND m2.user_id = $2
  )`+memberQueryGroupBy+"\nORDER BY m.joined_at, m.user_id LIMIT $3", guildID, *after, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	var members []MemberWithProfile
	for rows.Next() {
		m, err := scanMemberWithProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return members, nil
}

// GetByUserID returns a single member of a guild by user ID.
func (r *PGRepository) GetByUserID(ctx context.Context, guildID idkit.GuildID, userID idkit.UserID) (*MemberWithProfile, error) {
	row := r.db.QueryRow(ctx,
		memberQuery+" AND m.user_id = $2"+memberQueryGroupBy, guildID, userID)

	m, err := scanMemberWithProfile(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query member by user id: %w", err)
	}
	return m, nil
}

// Join inserts a membership row and, if defaultRoleID is non-nil, assigns it (normally the guild's
// @everyone role) in the same transaction.
func (r *PGRepository) Join(ctx context.Context, guildID idkit.GuildID, userID idkit.UserID, defaultRoleID *idkit.RoleID) (*MemberWithProfile, error) {
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			"INSERT INTO members (guild_id, user_id) VALUES ($1, $2)", guildID, userID)
		if err != nil {
			if postgres.IsUniqueViolation(err) {
				return ErrAlreadyMember
			}
			return fmt.Errorf("insert member: %w", err)
		}

		if defaultRoleID != nil {
			_, err = tx.Exec(ctx,
				"INSERT INTO member_roles (guild_id, user_id, role_id) VALUES ($1, $2, $3)",
				guildID, userID, *defaultRoleID)
			if err != nil {
				return fmt.Errorf("assign default role: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r.GetByUserID(ctx, guildID, userID)
}

// UpdateNickname sets or clears a member's nickname and returns the updated profile.
func (r *PGRepository) UpdateNickname(ctx context.Context, guildID idkit.GuildID, userID idkit.UserID, nickname *string) (*MemberWithProfile, error) {
	tag, err := r.db.Exec(ctx,
		"UPDATE members SET nickname = $1 WHERE guild_id = $2 AND user_id = $3", nickname, guildID, userID)
	if err != nil {
		return nil, fmt.Errorf("update nickname: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}
	return r.GetByUserID(ctx, guildID, userID)
}

// Leave removes a member record. The member_roles rows cascade automatically.
func (r *PGRepository) Leave(ctx context.Context, guildID idkit.GuildID, userID idkit.UserID) error {
	tag, err := r.db.Exec(ctx, "DELETE FROM members WHERE guild_id = $1 AND user_id = $2", guildID, userID)
	if err != nil {
		return fmt.Errorf("delete member: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Ban inserts a ban record and removes the member in a single transaction. Returns ErrAlreadyBanned if a
// ban already exists for the user in this guild.
func (r *PGRepository) Ban(ctx context.Context, guildID idkit.GuildID, userID, bannedBy idkit.UserID, reason *string, expiresAt *time.Time) error {
	return postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			"INSERT INTO guild_bans (guild_id, user_id, reason, banned_by, expires_at) VALUES ($1, $2, $3, $4, $5)",
			guildID, userID, reason, bannedBy, expiresAt)
		if err != nil {
			if postgres.IsUniqueViolation(err) {
				return ErrAlreadyBanned
			}
			return fmt.Errorf("insert ban: %w", err)
		}

		_, err = tx.Exec(ctx, "DELETE FROM members WHERE guild_id = $1 AND user_id = $2", guildID, userID)
		if err != nil {
			return fmt.Errorf("remove member on ban: %w", err)
		}
		return nil
	})
}

// Unban removes a ban record. Returns ErrBanNotFound if no ban exists.
func (r *PGRepository) Unban(ctx context.Context, guildID idkit.GuildID, userID idkit.UserID) error {
	tag, err := r.db.Exec(ctx, "DELETE FROM guild_bans WHERE guild_id = $1 AND user_id = $2", guildID, userID)
	if err != nil {
		return fmt.Errorf("delete ban: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBanNotFound
	}
	return nil
}

// ListBans returns ban records for a guild joined with the banned user's public profile, ordered by
// creation time descending. The after cursor is not applied: every call returns the first limit records.
func (r *PGRepository) ListBans(ctx context.Context, guildID idkit.GuildID, after *idkit.UserID, limit int) ([]BanRecord, error) {
	rows, err := r.db.Query(ctx,
		`SELECT b.guild_id, b.user_id, u.username, u.avatar_key,
		        b.reason, b.banned_by, b.expires_at, b.created_at
		 FROM guild_bans b
		 JOIN users u ON u.id = b.user_id
		 WHERE b.guild_id = $1
		 ORDER BY b.created_at DESC
		 LIMIT $2`, guildID, limit)
	if err != nil {
		return nil, fmt.Errorf("query bans: %w", err)
	}
	defer rows.Close()

	var bans []BanRecord
	for rows.Next() {
		var b BanRecord
		if err := rows.Scan(&b.GuildID, &b.UserID, &b.Username, &b.AvatarKey,
			&b.Reason, &b.BannedBy, &b.ExpiresAt, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ban: %w", err)
		}
		bans = append(bans, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bans: %w", err)
	}
	_ = after
	return bans, nil
}

// IsBanned checks whether a ban record exists for the given user in the given guild.
func (r *PGRepository) IsBanned(ctx context.Context, guildID idkit.GuildID, userID idkit.UserID) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM guild_bans WHERE guild_id = $1 AND user_id = $2)", guildID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check ban: %w", err)
	}
	return exists, nil
}

// AssignRole inserts a member_roles record. Returns ErrAlreadyMember (as a role assignment conflict) on
// unique violation.
func (r *PGRepository) AssignRole(ctx context.Context, guildID idkit.GuildID, userID idkit.UserID, roleID idkit.RoleID) error {
	_, err := r.db.Exec(ctx,
		"INSERT INTO member_roles (guild_id, user_id, role_id) VALUES ($1, $2, $3)", guildID, userID, roleID)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return ErrAlreadyMember
		}
		return fmt.Errorf("assign role: %w", err)
	}
	return nil
}

// RemoveRole deletes a member_roles record. Returns ErrNotFound if the user did not hold the role.
func (r *PGRepository) RemoveRole(ctx context.Context, guildID idkit.GuildID, userID idkit.UserID, roleID idkit.RoleID) error {
	tag, err := r.db.Exec(ctx,
		"DELETE FROM member_roles WHERE guild_id = $1 AND user_id = $2 AND role_id = $3", guildID, userID, roleID)
	if err != nil {
		return fmt.Errorf("remove role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RoleIDs returns every role currently assigned to userID in guildID.
func (r *PGRepository) RoleIDs(ctx context.Context, guildID idkit.GuildID, userID idkit.UserID) ([]idkit.RoleID, error) {
	rows, err := r.db.Query(ctx,
		"SELECT role_id FROM member_roles WHERE guild_id = $1 AND user_id = $2", guildID, userID)
	if err != nil {
		return nil, fmt.Errorf("query role ids: %w", err)
	}
	defer rows.Close()

	var ids []idkit.RoleID
	for rows.Next() {
		var id idkit.RoleID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan role id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountOwnerHolders returns the number of members in guildID currently assigned ownerRoleID.
func (r *PGRepository) CountOwnerHolders(ctx context.Context, guildID idkit.GuildID, ownerRoleID idkit.RoleID) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		"SELECT COUNT(*) FROM member_roles WHERE guild_id = $1 AND role_id = $2", guildID, ownerRoleID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count owner holders: %w", err)
	}
	return count, nil
}

// scanMemberWithProfile scans a row into a MemberWithProfile.
func scanMemberWithProfile(row pgx.Row) (*MemberWithProfile, error) {
	var m MemberWithProfile
	err := row.Scan(&m.GuildID, &m.UserID, &m.Username, &m.AvatarKey, &m.Nickname, &m.JoinedAt, &m.RoleIDs)
	if err != nil {
		return nil, err
	}
	return &m, nil
}
