package role

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/filament-chat/filament-server/internal/idkit"
	"github.com/filament-chat/filament-server/internal/permission"
	"github.com/filament-chat/filament-server/internal/postgres"
)

// selectColumns lists the columns returned by queries that produce a permission.Role. Every method that
// scans into a Role must select these columns in this exact order. See scanRole.
const selectColumns = "id, guild_id, name, position, permissions, is_system"

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed role repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// List returns every role of a guild ordered by ascending position.
func (r *PGRepository) List(ctx context.Context, guildID idkit.GuildID) ([]permission.Role, error) {
	rows, err := r.db.Query(ctx,
		fmt.Sprintf("SELECT %s FROM roles WHERE guild_id = $1 ORDER BY position", selectColumns), guildID,
	)
	if err != nil {
		return nil, fmt.Errorf("query roles: %w", err)
	}
	defer rows.Close()

	var roles []permission.Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, *role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate roles: %w", err)
	}
	return roles, nil
}

// GetByID returns the role matching the given ID.
func (r *PGRepository) GetByID(ctx context.Context, id idkit.RoleID) (*permission.Role, error) {
	row := r.db.QueryRow(ctx, fmt.Sprintf("SELECT %s FROM roles WHERE id = $1", selectColumns), id)
	role, err := scanRole(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query role by id: %w", err)
	}
	return role, nil
}

// Create inserts a new custom role inside a transaction that enforces the per-guild maximum count and
// auto-assigns the next position above every existing role.
func (r *PGRepository) Create(ctx context.Context, params CreateParams, maxRoles int) (*permission.Role, error) {
	var role *permission.Role
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		var count int
		if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM roles WHERE guild_id = $1", params.GuildID).Scan(&count); err != nil {
			return fmt.Errorf("count roles: %w", err)
		}
		if count >= maxRoles {
			return ErrMaxRolesReached
		}

		row := tx.QueryRow(ctx,
			fmt.Sprintf(
				`INSERT INTO roles (id, guild_id, name, permissions, position, is_system)
				 VALUES ($1, $2, $3, $4, COALESCE((SELECT MAX(position) FROM roles WHERE guild_id = $2), -1) + 1, false)
				 RETURNING %s`, selectColumns),
			idkit.New(), params.GuildID, params.Name, uint64(params.Permissions),
		)
		var err error
		role, err = scanRole(row)
		if err != nil {
			return fmt.Errorf("insert role: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return role, nil
}

// Update applies the non-nil fields in params to the role row and returns the updated role. System roles
// are never modified: the WHERE clause excludes them, so an update aimed at one returns ErrNotFound.
// Callers must reject a rename attempt against a system role before calling this (see ErrSystemRoleRename).
//
// Safety: the query is built dynamically, but every SET clause and named arg key is a hardcoded string literal. No
// caller-supplied value enters the SQL structure; all values flow through pgx named parameter binding.
func (r *PGRepository) Update(ctx context.Context, id idkit.RoleID, params UpdateParams) (*permission.Role, error) {
	var setClauses []string
	namedArgs := pgx.NamedArgs{"id": id}

	if params.Name != nil {
		setClauses = append(setClauses, "name = @name")
		namedArgs["name"] = *params.Name
	}
	if params.Position != nil {
		setClauses = append(setClauses, "position = @position")
		namedArgs["position"] = *params.Position
	}
	if params.Permissions != nil {
		setClauses = append(setClauses, "permissions = @permissions")
		namedArgs["permissions"] = uint64(*params.Permissions)
	}

	if len(setClauses) == 0 {
		return r.GetByID(ctx, id)
	}

	query := "UPDATE roles SET " + strings.Join(setClauses, ", ") +
		" WHERE id = @id AND NOT is_system RETURNING " + selectColumns

	row := r.db.QueryRow(ctx, query, namedArgs)
	role, err := scanRole(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update role: %w", err)
	}
	return role, nil
}

// Delete removes the role with the given ID. System roles cannot be deleted; the caller is expected to
// have already checked permission.CheckDeletable, but the query's WHERE clause double-enforces it.
func (r *PGRepository) Delete(ctx context.Context, id idkit.RoleID) error {
	tag, err := r.db.Exec(ctx, "DELETE FROM roles WHERE id = $1 AND NOT is_system", id)
	if err != nil {
		return fmt.Errorf("delete role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SeedSystemRoles creates the four mandatory system roles for a newly created guild, in ascending
// position order so @everyone sits lowest and workspace_owner highest.
func (r *PGRepository) SeedSystemRoles(ctx context.Context, guildID idkit.GuildID) (*permission.Role, error) {
	var everyone *permission.Role
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		for position, seed := range systemRoleSeeds {
			row := tx.QueryRow(ctx,
				fmt.Sprintf(
					`INSERT INTO roles (id, guild_id, name, permissions, position, is_system)
					 VALUES ($1, $2, $3, $4, $5, true) RETURNING %s`, selectColumns),
				idkit.New(), guildID, seed.name, uint64(seed.permissions), position,
			)
			role, err := scanRole(row)
			if err != nil {
				return fmt.Errorf("seed system role %q: %w", seed.name, err)
			}
			if seed.name == permission.RoleEveryone {
				everyone = role
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return everyone, nil
}

// HighestPosition returns the highest position among roles currently assigned to userID in guildID
// (higher position = higher precedence, per the resolver's ordering). A user who holds no explicit roles
// beyond the implicit @everyone membership has no row in member_roles for @everyone either — this method
// only considers explicitly assigned roles — so -1 is returned, the lowest possible rank.
func (r *PGRepository) HighestPosition(ctx context.Context, guildID idkit.GuildID, userID idkit.UserID) (int, error) {
	var pos *int
	err := r.db.QueryRow(ctx,
		`SELECT MAX(r.position) FROM roles r
		 JOIN member_roles mr ON r.id = mr.role_id
		 WHERE mr.guild_id = $1 AND mr.user_id = $2`,
		guildID, userID,
	).Scan(&pos)
	if err != nil {
		return 0, fmt.Errorf("query highest role position: %w", err)
	}
	if pos == nil {
		return -1, nil
	}
	return *pos, nil
}

// scanRole scans a single row into a permission.Role. The row must contain the columns listed in selectColumns.
func scanRole(row pgx.Row) (*permission.Role, error) {
	var role permission.Role
	var perms uint64
	err := row.Scan(&role.ID, &role.GuildID, &role.Name, &role.Position, &perms, &role.IsSystem)
	if err != nil {
		return nil, fmt.Errorf("scan role: %w", err)
	}
	role.Permissions = permission.Permission(perms)
	return &role, nil
}
