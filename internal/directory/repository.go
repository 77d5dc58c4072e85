package directory

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/filament-chat/filament-server/internal/idkit"
	"github.com/filament-chat/filament-server/internal/postgres"
)

const ipBanSelectColumns = "id, guild_id, network, source_user_id, reason, created_at, expires_at"

// PGIPBanRepository implements IPBanRepository using PostgreSQL's native cidr column type.
type PGIPBanRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGIPBanRepository creates a new PostgreSQL-backed IP ban repository.
func NewPGIPBanRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGIPBanRepository {
	return &PGIPBanRepository{db: db, log: logger}
}

func (r *PGIPBanRepository) Create(ctx context.Context, guildID idkit.GuildID, network netip.Prefix, sourceUserID *idkit.UserID, reason *string, expiresAt *time.Time) (*IPBan, error) {
	ban := &IPBan{ID: idkit.New(), GuildID: guildID, Network: network, SourceUserID: sourceUserID, Reason: reason, ExpiresAt: expiresAt}

	row := r.db.QueryRow(ctx,
		`INSERT INTO guild_ip_bans (id, guild_id, network, source_user_id, reason, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING created_at`,
		ban.ID, ban.GuildID, ban.Network, ban.SourceUserID, ban.Reason, ban.ExpiresAt,
	)
	if err := row.Scan(&ban.CreatedAt); err != nil {
		if postgres.IsUniqueViolation(err) {
			return nil, fmt.Errorf("ip ban already exists for this network: %w", err)
		}
		return nil, fmt.Errorf("insert ip ban: %w", err)
	}

	r.log.Debug().Stringer("ban_id", ban.ID).Stringer("guild_id", guildID).Str("network", network.String()).Msg("ip ban created")
	return ban, nil
}

func (r *PGIPBanRepository) Delete(ctx context.Context, guildID idkit.GuildID, banID idkit.BanID) error {
	tag, err := r.db.Exec(ctx, "DELETE FROM guild_ip_bans WHERE guild_id = $1 AND id = $2", guildID, banID)
	if err != nil {
		return fmt.Errorf("delete ip ban: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBanNotFound
	}
	return nil
}

func (r *PGIPBanRepository) List(ctx context.Context, guildID idkit.GuildID) ([]IPBan, error) {
	rows, err := r.db.Query(ctx,
		fmt.Sprintf("SELECT %s FROM guild_ip_bans WHERE guild_id = $1 AND (expires_at IS NULL OR expires_at > now()) ORDER BY created_at DESC", ipBanSelectColumns),
		guildID,
	)
	if err != nil {
		return nil, fmt.Errorf("query ip bans: %w", err)
	}
	defer rows.Close()

	var bans []IPBan
	for rows.Next() {
		ban, err := scanIPBan(rows)
		if err != nil {
			return nil, err
		}
		bans = append(bans, *ban)
	}
	return bans, rows.Err()
}

func (r *PGIPBanRepository) CountActive(ctx context.Context, guildID idkit.GuildID) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		"SELECT count(*) FROM guild_ip_bans WHERE guild_id = $1 AND (expires_at IS NULL OR expires_at > now())", guildID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count ip bans: %w", err)
	}
	return count, nil
}

func (r *PGIPBanRepository) FindMatch(ctx context.Context, guildID idkit.GuildID, ip netip.Addr) (*IPBan, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM guild_ip_bans
		 WHERE guild_id = $1 AND network >>= $2 AND (expires_at IS NULL OR expires_at > now())
		 LIMIT 1`, ipBanSelectColumns),
		guildID, ip,
	)
	ban, err := scanIPBan(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return ban, nil
}

func scanIPBan(row pgx.Row) (*IPBan, error) {
	var b IPBan
	if err := row.Scan(&b.ID, &b.GuildID, &b.Network, &b.SourceUserID, &b.Reason, &b.CreatedAt, &b.ExpiresAt); err != nil {
		return nil, fmt.Errorf("scan ip ban: %w", err)
	}
	return &b, nil
}
