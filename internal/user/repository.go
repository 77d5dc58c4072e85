package user

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/filament-chat/filament-server/internal/filconst"
	"github.com/filament-chat/filament-server/internal/idkit"
	"github.com/filament-chat/filament-server/internal/postgres"
)

const selectColumns = `id, username, password_hash, about_markdown, avatar_key, avatar_version,
	failed_logins, locked_until, created_at, updated_at`

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed user repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*User, error) {
	id := idkit.New()

	_, err := r.db.Exec(ctx,
		`INSERT INTO users (id, username, password_hash) VALUES ($1, $2, $3)`,
		id, params.Username, params.PasswordHash,
	)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}

	return r.GetByID(ctx, id)
}

func (r *PGRepository) GetByID(ctx context.Context, id idkit.UserID) (*User, error) {
	row := r.db.QueryRow(ctx, fmt.Sprintf("SELECT %s FROM users WHERE id = $1", selectColumns), id)
	return scanUser(row)
}

func (r *PGRepository) GetByUsername(ctx context.Context, username string) (*User, error) {
	row := r.db.QueryRow(ctx, fmt.Sprintf("SELECT %s FROM users WHERE username = $1", selectColumns), username)
	return scanUser(row)
}

func (r *PGRepository) UpdateProfile(ctx context.Context, id idkit.UserID, params UpdateProfileParams) (*User, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE users SET
			about_markdown = COALESCE($2, about_markdown),
			avatar_key = CASE WHEN $3 THEN $4 ELSE avatar_key END,
			avatar_version = CASE WHEN $3 THEN avatar_version + 1 ELSE avatar_version END,
			updated_at = now()
		WHERE id = $1`,
		id, params.AboutMarkdown, params.Avatar != nil, avatarKey(params.Avatar),
	)
	if err != nil {
		return nil, fmt.Errorf("update user profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}
	return r.GetByID(ctx, id)
}

func avatarKey(avatar **AvatarRef) *string {
	if avatar == nil || *avatar == nil {
		return nil
	}
	key := (**avatar).Key
	return &key
}

func (r *PGRepository) RecordLoginFailure(ctx context.Context, id idkit.UserID, now time.Time) error {
	lockUntil := now.Add(filconst.LoginLockDuration)
	_, err := r.db.Exec(ctx, `
		UPDATE users SET
			failed_logins = CASE WHEN failed_logins + 1 >= $2 THEN 0 ELSE failed_logins + 1 END,
			locked_until = CASE WHEN failed_logins + 1 >= $2 THEN $3 ELSE locked_until END,
			updated_at = now()
		WHERE id = $1`,
		id, filconst.LoginLockThreshold, lockUntil,
	)
	if err != nil {
		return fmt.Errorf("record login failure: %w", err)
	}
	return nil
}

func (r *PGRepository) RecordLoginSuccess(ctx context.Context, id idkit.UserID) error {
	_, err := r.db.Exec(ctx,
		"UPDATE users SET failed_logins = 0, locked_until = NULL, updated_at = now() WHERE id = $1", id,
	)
	if err != nil {
		return fmt.Errorf("record login success: %w", err)
	}
	return nil
}

func scanUser(row pgx.Row) (*User, error) {
	var u User
	var avatarKey *string
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.AboutMarkdown, &avatarKey, &u.AvatarVersion,
		&u.FailedLogins, &u.LockedUntil, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	if avatarKey != nil {
		u.Avatar = &AvatarRef{Key: *avatarKey}
	}
	return &u, nil
}
