package message

import (
	"context"
	"encoding/json"
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

const selectColumns = `m.id, m.guild_id, m.channel_id, m.author_id, m.content, m.markdown_tokens,
m.edited_at, m.deleted, m.created_at, m.updated_at, u.username, u.avatar_key`

const baseJoin = "FROM messages m JOIN users u ON u.id = m.author_id"

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed message repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Create inserts a message and, within the same transaction, binds any requested attachments that are
// owned by the author, unbound, and scoped to the same (guild, channel).
func (r *PGRepository) Create(ctx context.Context, params CreateParams, tokens []idkit.Node) (*Message, error) {
	tokenJSON, err := json.Marshal(tokens)
	if err != nil {
		return nil, fmt.Errorf("marshal markdown tokens: %w", err)
	}

	id := idkit.New()
	err = postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO messages (id, guild_id, channel_id, author_id, content, markdown_tokens)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			id, params.GuildID, params.ChannelID, params.AuthorID, params.Content, tokenJSON,
		)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		if len(params.AttachmentIDs) > 0 {
			tag, err := tx.Exec(ctx,
				`UPDATE message_attachments SET message_id = $1
				 WHERE id = ANY($2) AND uploader_id = $3 AND guild_id = $4 AND channel_id = $5 AND message_id IS NULL`,
				id, params.AttachmentIDs, params.AuthorID, params.GuildID, params.ChannelID,
			)
			if err != nil {
				return fmt.Errorf("bind attachments: %w", err)
			}
			if int(tag.RowsAffected()) != len(params.AttachmentIDs) {
				return ErrAttachmentNotBindable
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

// GetByID returns a single non-deleted message by ID with joined author information and its bound
// attachment IDs.
func (r *PGRepository) GetByID(ctx context.Context, id idkit.MessageID) (*Message, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s %s WHERE m.id = $1 AND m.deleted = false", selectColumns, baseJoin), id,
	)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query message by id: %w", err)
	}
	if err := r.loadAttachmentIDs(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// List returns non-deleted messages in a channel ordered newest-created first (ULID descending, which is
// also chronological). When before is non-nil, only messages minted before it are returned.
func (r *PGRepository) List(ctx context.Context, channelID idkit.ChannelID, before *idkit.MessageID, limit int) ([]Message, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if before != nil {
		rows, err = r.db.Query(ctx, fmt.Sprintf(
			`SELECT %s %s WHERE m.channel_id = $1 AND m.deleted = false AND m.id < $2
			 ORDER BY m.id DESC LIMIT $3`, selectColumns, baseJoin),
			channelID, *before, limit,
		)
	} else {
		rows, err = r.db.Query(ctx, fmt.Sprintf(
			`SELECT %s %s WHERE m.channel_id = $1 AND m.deleted = false
			 ORDER BY m.id DESC LIMIT $2`, selectColumns, baseJoin),
			channelID, limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	for i := range messages {
		if err := r.loadAttachmentIDs(ctx, &messages[i]); err != nil {
			return nil, err
		}
	}
	return messages, nil
}

// Update sets new content and tokens on a non-deleted message, stamping EditedAt.
func (r *PGRepository) Update(ctx context.Context, id idkit.MessageID, content string, tokens []idkit.Node) (*Message, error) {
	tokenJSON, err := json.Marshal(tokens)
	if err != nil {
		return nil, fmt.Errorf("marshal markdown tokens: %w", err)
	}

	row := r.db.QueryRow(ctx,
		`UPDATE messages SET content = $1, markdown_tokens = $2, edited_at = NOW()
		 WHERE id = $3 AND deleted = false
		 RETURNING id`, content, tokenJSON, id,
	)
	var updatedID idkit.MessageID
	if err := row.Scan(&updatedID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update message: %w", err)
	}
	return r.GetByID(ctx, updatedID)
}

// SoftDelete marks a message deleted and unlinks its attachments in one transaction, returning their
// storage keys for best-effort object cleanup.
func (r *PGRepository) SoftDelete(ctx context.Context, id idkit.MessageID) ([]string, error) {
	var storageKeys []string
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, "UPDATE messages SET deleted = true WHERE id = $1 AND deleted = false", id)
		if err != nil {
			return fmt.Errorf("soft delete message: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}

		rows, err := tx.Query(ctx,
			"UPDATE message_attachments SET message_id = NULL WHERE message_id = $1 RETURNING storage_key", id)
		if err != nil {
			return fmt.Errorf("unlink attachments: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var key string
			if err := rows.Scan(&key); err != nil {
				return fmt.Errorf("scan unlinked attachment key: %w", err)
			}
			storageKeys = append(storageKeys, key)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return storageKeys, nil
}

// AddReaction idempotently records userID as a reactor of emoji. Before inserting a reaction for an emoji
// the message doesn't already carry, it enforces filconst.MaxReactionsPerMessage.
func (r *PGRepository) AddReaction(ctx context.Context, messageID idkit.MessageID, emoji string, userID idkit.UserID) (int, error) {
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM message_reactions WHERE message_id = $1 AND emoji = $2)",
			messageID, emoji,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check existing emoji: %w", err)
		}

		if !exists {
			var distinctCount int
			if err := tx.QueryRow(ctx,
				"SELECT COUNT(DISTINCT emoji) FROM message_reactions WHERE message_id = $1", messageID,
			).Scan(&distinctCount); err != nil {
				return fmt.Errorf("count distinct reactions: %w", err)
			}
			if distinctCount >= filconst.MaxReactionsPerMessage {
				return ErrTooManyReactions
			}
		}

		_, err := tx.Exec(ctx,
			`INSERT INTO message_reactions (message_id, emoji, user_id) VALUES ($1, $2, $3)
			 ON CONFLICT (message_id, emoji, user_id) DO NOTHING`,
			messageID, emoji, userID,
		)
		if err != nil {
			return fmt.Errorf("insert reaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return r.reactionCount(ctx, messageID, emoji)
}

// RemoveReaction idempotently removes userID as a reactor of emoji.
func (r *PGRepository) RemoveReaction(ctx context.Context, messageID idkit.MessageID, emoji string, userID idkit.UserID) (int, error) {
	_, err := r.db.Exec(ctx,
		"DELETE FROM message_reactions WHERE message_id = $1 AND emoji = $2 AND user_id = $3",
		messageID, emoji, userID,
	)
	if err != nil {
		return 0, fmt.Errorf("remove reaction: %w", err)
	}
	return r.reactionCount(ctx, messageID, emoji)
}

func (r *PGRepository) reactionCount(ctx context.Context, messageID idkit.MessageID, emoji string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		"SELECT COUNT(*) FROM message_reactions WHERE message_id = $1 AND emoji = $2", messageID, emoji,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count reactions: %w", err)
	}
	return count, nil
}

// ListReactions returns one summary per distinct emoji on messageID, each capped to
// filconst.MaxReactorUserIDsPerReaction reactor IDs in ascending order.
func (r *PGRepository) ListReactions(ctx context.Context, messageID idkit.MessageID, viewerID idkit.UserID) ([]Reaction, error) {
	rows, err := r.db.Query(ctx,
		"SELECT emoji, user_id FROM message_reactions WHERE message_id = $1 ORDER BY emoji, user_id", messageID)
	if err != nil {
		return nil, fmt.Errorf("query reactions: %w", err)
	}
	defer rows.Close()

	var reactions []Reaction
	var current *Reaction
	for rows.Next() {
		var emoji string
		var userID idkit.UserID
		if err := rows.Scan(&emoji, &userID); err != nil {
			return nil, fmt.Errorf("scan reaction: %w", err)
		}
		if current == nil || current.Emoji != emoji {
			if current != nil {
				reactions = append(reactions, *current)
			}
			current = &Reaction{Emoji: emoji}
		}
		current.Count++
		if userID == viewerID {
			current.ReactedByMe = true
		}
		if len(current.ReactorIDs) < filconst.MaxReactorUserIDsPerReaction {
			current.ReactorIDs = append(current.ReactorIDs, userID)
		}
	}
	if current != nil {
		reactions = append(reactions, *current)
	}
	return reactions, rows.Err()
}

// ListForSearchReconcile returns up to limit non-deleted messages for guildID, newest first, projected to
// just the fields the search index keys on.
func (r *PGRepository) ListForSearchReconcile(ctx context.Context, guildID idkit.GuildID, limit int) ([]SearchDocument, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, guild_id, channel_id, author_id, content, created_at
		 FROM messages WHERE guild_id = $1 AND deleted = false
		 ORDER BY id DESC LIMIT $2`,
		guildID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages for search reconcile: %w", err)
	}
	defer rows.Close()

	var docs []SearchDocument
	for rows.Next() {
		var doc SearchDocument
		var createdAt time.Time
		if err := rows.Scan(&doc.MessageID, &doc.GuildID, &doc.ChannelID, &doc.AuthorID, &doc.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan search reconcile row: %w", err)
		}
		doc.CreatedAtUnix = createdAt.Unix()
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// loadAttachmentIDs populates msg.AttachmentIDs from the message_attachments table.
func (r *PGRepository) loadAttachmentIDs(ctx context.Context, msg *Message) error {
	rows, err := r.db.Query(ctx, "SELECT id FROM message_attachments WHERE message_id = $1 ORDER BY created_at", msg.ID)
	if err != nil {
		return fmt.Errorf("query message attachments: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id idkit.AttachmentID
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("scan attachment id: %w", err)
		}
		msg.AttachmentIDs = append(msg.AttachmentIDs, id)
	}
	return rows.Err()
}

// scanMessage scans a row into a Message, decoding its markdown_tokens JSON column.
func scanMessage(row pgx.Row) (*Message, error) {
	var msg Message
	var tokenJSON []byte
	err := row.Scan(
		&msg.ID, &msg.GuildID, &msg.ChannelID, &msg.AuthorID, &msg.Content, &tokenJSON,
		&msg.EditedAt, &msg.Deleted, &msg.CreatedAt, &msg.UpdatedAt,
		&msg.AuthorUsername, &msg.AuthorAvatarKey,
	)
	if err != nil {
		return nil, err
	}
	if len(tokenJSON) > 0 {
		if err := json.Unmarshal(tokenJSON, &msg.MarkdownTokens); err != nil {
			return nil, fmt.Errorf("unmarshal markdown tokens: %w", err)
		}
	}
	return &msg, nil
}
