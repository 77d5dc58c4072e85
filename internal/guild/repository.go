package guild

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/filament-chat/filament-server/internal/idkit"
)

const selectColumns = "id, name, visibility, created_by_user_id, default_join_role_id, created_at, updated_at"

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed guild repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Create inserts a new guild row. Seeding the four system roles and the owner's membership is the
// caller's responsibility (internal/role and internal/member), done in the same transaction by the
// bootstrap-level "create guild" operation so a guild never exists without its roles.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*Guild, error) {
	id := idkit.New()
	row := r.db.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO guilds (id, name, visibility, created_by_user_id)
			VALUES (@id, @name, @visibility, @owner)
			RETURNING %s`, selectColumns),
		pgx.NamedArgs{
			"id":         id,
			"name":       params.Name,
			"visibility": string(params.Visibility),
			"owner":      params.CreatedByUserID,
		},
	)
	g, err := scanGuild(row)
	if err != nil {
		return nil, fmt.Errorf("insert guild: %w", err)
	}
	return g, nil
}

func (r *PGRepository) Get(ctx context.Context, id idkit.GuildID) (*Guild, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM guilds WHERE id = @id", selectColumns),
		pgx.NamedArgs{"id": id},
	)
	g, err := scanGuild(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query guild: %w", err)
	}
	return g, nil
}

func (r *PGRepository) Update(ctx context.Context, id idkit.GuildID, params UpdateParams) (*Guild, error) {
	var setClauses []string
	namedArgs := pgx.NamedArgs{"id": id}

	if params.Name != nil {
		setClauses = append(setClauses, "name = @name")
		namedArgs["name"] = *params.Name
	}
	if params.Visibility != nil {
		setClauses = append(setClauses, "visibility = @visibility")
		namedArgs["visibility"] = string(*params.Visibility)
	}
	if params.DefaultJoinRoleID != nil {
		setClauses = append(setClauses, "default_join_role_id = @default_join_role_id")
		namedArgs["default_join_role_id"] = *params.DefaultJoinRoleID
	}

	if len(setClauses) == 0 {
		return r.Get(ctx, id)
	}

	query := "UPDATE guilds SET " + strings.Join(setClauses, ", ") +
		", updated_at = now() WHERE id = @id RETURNING " + selectColumns

	row := r.db.QueryRow(ctx, query, namedArgs)
	g, err := scanGuild(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update guild: %w", err)
	}
	return g, nil
}

func (r *PGRepository) Delete(ctx context.Context, id idkit.GuildID) error {
	tag, err := r.db.Exec(ctx, "DELETE FROM guilds WHERE id = @id", pgx.NamedArgs{"id": id})
	if err != nil {
		return fmt.Errorf("delete guild: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPublic returns public guilds ordered by ID (ULIDs are time-ordered, giving a stable cursor without
// a separate sequence column) starting strictly after cursor.
func (r *PGRepository) ListPublic(ctx context.Context, limit int, cursor string) ([]*Guild, string, error) {
	rows, err := r.db.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM guilds WHERE visibility = 'public' AND id > @cursor
			ORDER BY id LIMIT @limit`, selectColumns),
		pgx.NamedArgs{"cursor": cursor, "limit": limit},
	)
	if err != nil {
		return nil, "", fmt.Errorf("list public guilds: %w", err)
	}
	defer rows.Close()

	var guilds []*Guild
	for rows.Next() {
		g, err := scanGuild(rows)
		if err != nil {
			return nil, "", fmt.Errorf("scan guild row: %w", err)
		}
		guilds = append(guilds, g)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterate public guilds: %w", err)
	}

	next := cursor
	if len(guilds) > 0 {
		next = guilds[len(guilds)-1].ID.String()
	}
	return guilds, next, nil
}

// ListForUser returns every guild the user belongs to, via the member_roles join.
func (r *PGRepository) ListForUser(ctx context.Context, userID idkit.UserID) ([]*Guild, error) {
	rows, err := r.db.Query(ctx,
		fmt.Sprintf(`SELECT DISTINCT %s FROM guilds g
			JOIN member_roles mr ON mr.guild_id = g.id
			WHERE mr.user_id = @user_id
			ORDER BY g.id`, prefixColumns("g", selectColumns)),
		pgx.NamedArgs{"user_id": userID},
	)
	if err != nil {
		return nil, fmt.Errorf("list guilds for user: %w", err)
	}
	defer rows.Close()

	var guilds []*Guild
	for rows.Next() {
		g, err := scanGuild(rows)
		if err != nil {
			return nil, fmt.Errorf("scan guild row: %w", err)
		}
		guilds = append(guilds, g)
	}
	return guilds, rows.Err()
}

func prefixColumns(alias, cols string) string {
	parts := strings.Split(cols, ", ")
	for i, p := range parts {
		parts[i] = alias + "." + p
	}
	return strings.Join(parts, ", ")
}

func scanGuild(row pgx.Row) (*Guild, error) {
	var g Guild
	var visibility string
	err := row.Scan(&g.ID, &g.Name, &visibility, &g.CreatedByUserID, &g.DefaultJoinRoleID, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan guild: %w", err)
	}
	g.Visibility = Visibility(visibility)
	return &g, nil
}
