// Package message implements the message pipeline: create/edit/delete with attachment binding, reaction
// aggregation, and the hooks that feed search indexing and gateway fan-out. The persistence contract
// (Repository) stays free of those side effects; Pipeline is the only thing that sequences them.
package message

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode"

	"github.com/filament-chat/filament-server/internal/filconst"
	"github.com/filament-chat/filament-server/internal/idkit"
)

var (
	ErrNotFound              = errors.New("message not found")
	ErrContentTooLong        = errors.New("message content exceeds the maximum length")
	ErrEmptyContent          = errors.New("message content must not be empty")
	ErrNotAuthor             = errors.New("you can only modify your own messages")
	ErrAlreadyDeleted        = errors.New("message has already been deleted")
	ErrForbidden             = errors.New("you do not have permission to perform this action")
	ErrAttachmentNotBindable = errors.New("one or more attachments are not available for linking")
	ErrTooManyAttachments    = errors.New("too many attachments on a single message")
	ErrEmptyEmoji            = errors.New("reaction emoji must not be empty")
	ErrEmojiTooLong          = errors.New("reaction emoji exceeds the maximum length")
	ErrEmojiWhitespace       = errors.New("reaction emoji must not contain whitespace")
	ErrTooManyReactions      = errors.New("message has reached the maximum number of distinct reactions")
)

// Content length bounds. A message with bound attachments may have empty content; one without must not.
const (
	MinContentLen = 1
	MaxContentLen = 2000

	DefaultLimit = 50
	MaxLimit     = 100
)

// Message is a persisted, possibly-edited chat message. MarkdownTokens is the tokenizer's output over
// Content, computed once at write time so readers never re-parse untrusted text.
type Message struct {
	ID             idkit.MessageID
	GuildID        idkit.GuildID
	ChannelID      idkit.ChannelID
	AuthorID       idkit.UserID
	Content        string
	MarkdownTokens []idkit.Node
	AttachmentIDs  []idkit.AttachmentID
	EditedAt       *time.Time
	Deleted        bool
	CreatedAt      time.Time
	UpdatedAt      time.Time

	AuthorUsername  string
	AuthorAvatarKey *string
}

// Reaction summarizes one (message, emoji) pair: the full reactor count plus a truncated, UserId-ordered
// sample, per filconst.MaxReactorUserIDsPerReaction.
type Reaction struct {
	Emoji       string
	Count       int
	ReactorIDs  []idkit.UserID
	ReactedByMe bool
}

// CreateParams groups the inputs to Repository.Create.
type CreateParams struct {
	GuildID       idkit.GuildID
	ChannelID     idkit.ChannelID
	AuthorID      idkit.UserID
	Content       string
	AttachmentIDs []idkit.AttachmentID
}

// ValidateContent trims content and checks its rune length. When hasAttachments is true, empty content
// after trimming is allowed (0..=MaxContentLen); otherwise content must be 1..=MaxContentLen.
func ValidateContent(content string, hasAttachments bool) (string, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" && !hasAttachments {
		return "", ErrEmptyContent
	}
	if len([]rune(trimmed)) > MaxContentLen {
		return "", ErrContentTooLong
	}
	return trimmed, nil
}

// ValidateEmoji checks a reaction emoji string: non-empty, no whitespace, within the codepoint cap.
func ValidateEmoji(emoji string) error {
	if emoji == "" {
		return ErrEmptyEmoji
	}
	runes := []rune(emoji)
	if len(runes) > filconst.MaxReactionEmojiChars {
		return ErrEmojiTooLong
	}
	for _, r := range runes {
		if unicode.IsSpace(r) {
			return ErrEmojiWhitespace
		}
	}
	return nil
}

// ClampLimit normalises a client-supplied page size to [1, MaxLimit], defaulting non-positive values to
// DefaultLimit.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// Repository is the persistence contract for messages, their attachment bindings, and their reactions.
// It has no knowledge of permissions, search, or the gateway; Pipeline sequences those around it.
type Repository interface {
	// Create inserts a message, atomically binding attachmentIDs (from params.AttachmentIDs) that are
	// owned by params.AuthorID, unbound, and scoped to the same (guild, channel). Returns
	// ErrAttachmentNotBindable if any attachment ID fails those checks.
	Create(ctx context.Context, params CreateParams, tokens []idkit.Node) (*Message, error)

	// GetByID returns a single non-deleted message by ID with joined author information.
	GetByID(ctx context.Context, id idkit.MessageID) (*Message, error)

	// List returns non-deleted messages in a channel ordered newest first (ULID descending). When before
	// is non-nil, only messages created before the referenced message are returned.
	List(ctx context.Context, channelID idkit.ChannelID, before *idkit.MessageID, limit int) ([]Message, error)

	// Update sets new content and tokens on a non-deleted message and stamps EditedAt.
	Update(ctx context.Context, id idkit.MessageID, content string, tokens []idkit.Node) (*Message, error)

	// SoftDelete marks a message deleted and unlinks its attachments, returning their storage keys so the
	// caller can remove the backing objects on a best-effort basis.
	SoftDelete(ctx context.Context, id idkit.MessageID) ([]string, error)

	// AddReaction idempotently adds userID as a reactor of emoji on messageID, returning the new reactor
	// count. Returns ErrTooManyReactions if emoji is new to the message and the message already holds
	// filconst.MaxReactionsPerMessage distinct emojis.
	AddReaction(ctx context.Context, messageID idkit.MessageID, emoji string, userID idkit.UserID) (int, error)

	// RemoveReaction idempotently removes userID as a reactor of emoji on messageID, returning the
	// remaining reactor count.
	RemoveReaction(ctx context.Context, messageID idkit.MessageID, emoji string, userID idkit.UserID) (int, error)

	// ListReactions returns reaction summaries for a message, each truncated to
	// filconst.MaxReactorUserIDsPerReaction reactor IDs sorted ascending, with ReactedByMe set relative to
	// viewerID.
	ListReactions(ctx context.Context, messageID idkit.MessageID, viewerID idkit.UserID) ([]Reaction, error)

	// ListForSearchReconcile returns up to limit non-deleted messages for guildID, newest first, carrying
	// just the fields the search index cares about (see SearchDocument in pipeline.go). Used by the search
	// engine's reconcile pass to compute a symmetric diff against what's indexed.
	ListForSearchReconcile(ctx context.Context, guildID idkit.GuildID, limit int) ([]SearchDocument, error)
}
