package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/filament-chat/filament-server/internal/idkit"
)

// selectColumns lists the columns returned by queries that produce an Event, in the order scanEvent
// expects them.
const selectColumns = "id, guild_id, actor_user_id, target_user_id, action, detail_json, ip_ban_match, created_at"

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed audit log repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

func (r *PGRepository) Append(ctx context.Context, params AppendParams) (*Event, error) {
	if err := ValidateAction(params.Action); err != nil {
		return nil, err
	}

	var detail json.RawMessage
	if params.Detail != nil {
		raw, err := json.Marshal(params.Detail)
		if err != nil {
			return nil, fmt.Errorf("marshal audit detail: %w", err)
		}
		detail = raw
	}

	event := &Event{
		ID:           idkit.New(),
		GuildID:      params.GuildID,
		ActorUserID:  params.ActorUserID,
		TargetUserID: params.TargetUserID,
		Action:       params.Action,
		DetailJSON:   detail,
		IPBanMatch:   params.IPBanMatch,
	}

	row := r.db.QueryRow(ctx,
		`INSERT INTO audit_events (id, guild_id, actor_user_id, target_user_id, action, detail_json, ip_ban_match)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING created_at`,
		event.ID, event.GuildID, event.ActorUserID, event.TargetUserID, event.Action, event.DetailJSON, event.IPBanMatch,
	)
	if err := row.Scan(&event.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert audit event: %w", err)
	}

	r.log.Debug().
		Stringer("audit_id", event.ID).
		Str("action", event.Action).
		Bool("ip_ban_match", event.IPBanMatch).
		Msg("audit event appended")

	return event, nil
}

func (r *PGRepository) List(ctx context.Context, guildID idkit.GuildID, after *idkit.AuditID, actionPrefix string, limit int) ([]Event, error) {
	limit = ClampLimit(limit)

	query := fmt.Sprintf("SELECT %s FROM audit_events WHERE guild_id = $1", selectColumns)
	args := []any{guildID}

	if after != nil && !after.IsNil() {
		args = append(args, *after)
		query += fmt.Sprintf(" AND id < $%d", len(args))
	}
	if actionPrefix != "" {
		// "_" is a valid action character but a LIKE wildcard; escape it so the prefix matches literally.
		args = append(args, strings.ReplaceAll(actionPrefix, "_", `\_`)+"%")
		query += fmt.Sprintf(" AND action LIKE $%d", len(args))
	}

	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d", len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}

func scanEvent(row pgx.Row) (*Event, error) {
	var e Event
	if err := row.Scan(&e.ID, &e.GuildID, &e.ActorUserID, &e.TargetUserID, &e.Action, &e.DetailJSON, &e.IPBanMatch, &e.CreatedAt); err != nil {
		return nil, fmt.Errorf("scan audit event: %w", err)
	}
	return &e, nil
}
