package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/filament-chat/filament-server/internal/filconst"
	"github.com/filament-chat/filament-server/internal/idkit"
	pg "github.com/filament-chat/filament-server/internal/postgres"
)

// PostgresStore is the production Store backend. Table shapes (see internal/postgres/migrations):
//
//	sessions(id, user_id, refresh_hash, created_at, last_used_at, expires_at, revoked_at)
//	used_refresh_hashes(session_id, hash, retired_at)
//	session_sweep_state(id bool primary key default true, last_sweep_unix bigint)
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing connection pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (p *PostgresStore) Create(ctx context.Context, userID idkit.UserID) (Session, string, error) {
	secret, hash, err := newSecret()
	if err != nil {
		return Session{}, "", err
	}

	s := Session{
		ID:          idkit.New(),
		UserID:      userID,
		RefreshHash: hash,
		CreatedAt:   time.Now(),
	}
	s.LastUsedAt = s.CreatedAt
	s.ExpiresAt = s.CreatedAt.Add(filconst.RefreshTokenTTL)

	_, err = p.pool.Exec(ctx, `
		INSERT INTO sessions (id, user_id, refresh_hash, created_at, last_used_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		s.ID.String(), s.UserID.String(), hashHex(hash), s.CreatedAt, s.LastUsedAt, s.ExpiresAt)
	if err != nil {
		return Session{}, "", fmt.Errorf("session: insert: %w", err)
	}

	return s, formatToken(s.ID, secret), nil
}

func (p *PostgresStore) Rotate(ctx context.Context, refreshToken string) (Session, string, error) {
	sessionID, presentedHash, err := parseToken(refreshToken)
	if err != nil {
		return Session{}, "", err
	}

	var result Session
	var newTokenStr string

	err = pg.WithTx(ctx, p.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT user_id, refresh_hash, created_at, last_used_at, expires_at, revoked_at
			FROM sessions WHERE id = $1 FOR UPDATE`, sessionID.String())

		var userIDStr, storedHashHex string
		var createdAt, lastUsedAt, expiresAt time.Time
		var revokedAt *time.Time

		if err := row.Scan(&userIDStr, &storedHashHex, &createdAt, &lastUsedAt, &expiresAt, &revokedAt); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("session: select for update: %w", err)
		}

		var replayed bool
		if err := tx.QueryRow(ctx, `
			SELECT EXISTS(SELECT 1 FROM used_refresh_hashes WHERE session_id = $1 AND hash = $2)`,
			sessionID.String(), hashHex(presentedHash)).Scan(&replayed); err != nil {
			return fmt.Errorf("session: check replay: %w", err)
		}
		if replayed {
			if _, err := tx.Exec(ctx, `UPDATE sessions SET revoked_at = now() WHERE id = $1 AND revoked_at IS NULL`,
				sessionID.String()); err != nil {
				return fmt.Errorf("session: revoke on replay: %w", err)
			}
			return ErrReplayed
		}

		if storedHashHex != hashHex(presentedHash) {
			return ErrNotFound
		}

		userID, err := idkit.Parse(userIDStr)
		if err != nil {
			return fmt.Errorf("session: parse user id: %w", err)
		}

		s := Session{
			ID: sessionID, UserID: userID, RefreshHash: presentedHash,
			CreatedAt: createdAt, LastUsedAt: lastUsedAt, ExpiresAt: expiresAt, RevokedAt: revokedAt,
		}
		now := time.Now()
		if err := s.isLive(now); err != nil {
			return err
		}

		newSecretVal, newHash, err := newSecret()
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO used_refresh_hashes (session_id, hash, retired_at) VALUES ($1, $2, $3)`,
			sessionID.String(), hashHex(presentedHash), now); err != nil {
			return fmt.Errorf("session: insert used hash: %w", err)
		}

		newExpiresAt := now.Add(filconst.RefreshTokenTTL)
		if _, err := tx.Exec(ctx, `
			UPDATE sessions SET refresh_hash = $1, last_used_at = $2, expires_at = $3 WHERE id = $4`,
			hashHex(newHash), now, newExpiresAt, sessionID.String()); err != nil {
			return fmt.Errorf("session: update rotated session: %w", err)
		}

		s.RefreshHash = newHash
		s.LastUsedAt = now
		s.ExpiresAt = newExpiresAt
		result = s
		newTokenStr = formatToken(sessionID, newSecretVal)
		return nil
	})
	if err != nil {
		return Session{}, "", err
	}

	return result, newTokenStr, nil
}

func (p *PostgresStore) Revoke(ctx context.Context, sessionID idkit.SessionID) error {
	tag, err := p.pool.Exec(ctx, `UPDATE sessions SET revoked_at = now() WHERE id = $1 AND revoked_at IS NULL`,
		sessionID.String())
	if err != nil {
		return fmt.Errorf("session: revoke: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := p.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM sessions WHERE id = $1)`,
			sessionID.String()).Scan(&exists); err == nil && !exists {
			return ErrNotFound
		}
	}
	return nil
}

func (p *PostgresStore) RevokeAllForUser(ctx context.Context, userID idkit.UserID) error {
	_, err := p.pool.Exec(ctx, `UPDATE sessions SET revoked_at = now() WHERE user_id = $1 AND revoked_at IS NULL`,
		userID.String())
	if err != nil {
		return fmt.Errorf("session: revoke all for user: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, sessionID idkit.SessionID) (Session, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT user_id, refresh_hash, created_at, last_used_at, expires_at, revoked_at
		FROM sessions WHERE id = $1`, sessionID.String())

	var userIDStr, hashHexVal string
	var s Session
	s.ID = sessionID
	if err := row.Scan(&userIDStr, &hashHexVal, &s.CreatedAt, &s.LastUsedAt, &s.ExpiresAt, &s.RevokedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("session: get: %w", err)
	}

	userID, err := idkit.Parse(userIDStr)
	if err != nil {
		return Session{}, fmt.Errorf("session: parse user id: %w", err)
	}
	s.UserID = userID
	return s, nil
}

func (p *PostgresStore) ListForUser(ctx context.Context, userID idkit.UserID) ([]Session, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, refresh_hash, created_at, last_used_at, expires_at, revoked_at
		FROM sessions WHERE user_id = $1 ORDER BY created_at DESC, id DESC`, userID.String())
	if err != nil {
		return nil, fmt.Errorf("session: list for user: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var idStr, hashHexVal string
		s := Session{UserID: userID}
		if err := rows.Scan(&idStr, &hashHexVal, &s.CreatedAt, &s.LastUsedAt, &s.ExpiresAt, &s.RevokedAt); err != nil {
			return nil, fmt.Errorf("session: scan list row: %w", err)
		}
		id, err := idkit.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("session: parse list row id: %w", err)
		}
		s.ID = id
		out = append(out, s)
	}
	return out, rows.Err()
}

// Sweep deletes dead sessions and stale used-hash rows past retention. The UPDATE ... WHERE last_sweep_unix
// < $1 RETURNING pattern is the single-row CAS equivalent of the in-memory backend's atomic.Int64
// compare-and-swap: only the caller that wins the UPDATE proceeds to the actual scan, so concurrent API
// processes hitting Sweep on every refresh don't all pay for the full table scan at once.
func (p *PostgresStore) Sweep(ctx context.Context, now time.Time) error {
	const minInterval = int64(10)

	var won bool
	err := p.pool.QueryRow(ctx, `
		UPDATE session_sweep_state
		SET last_sweep_unix = $1
		WHERE id = TRUE AND (now() - to_timestamp(last_sweep_unix)) > ($2 || ' seconds')::interval
		RETURNING TRUE`, now.Unix(), minInterval).Scan(&won)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("session: sweep cas: %w", err)
	}
	if !won {
		return nil
	}

	cutoff := now.Add(-filconst.UsedRefreshHashRetention)

	if _, err := p.pool.Exec(ctx, `DELETE FROM sessions WHERE revoked_at IS NOT NULL AND revoked_at < $1`, cutoff); err != nil {
		return fmt.Errorf("session: sweep revoked: %w", err)
	}
	if _, err := p.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at < $1`, cutoff); err != nil {
		return fmt.Errorf("session: sweep expired: %w", err)
	}
	if _, err := p.pool.Exec(ctx, `DELETE FROM used_refresh_hashes WHERE retired_at < $1`, cutoff); err != nil {
		return fmt.Errorf("session: sweep used hashes: %w", err)
	}

	return nil
}
