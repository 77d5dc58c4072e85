// Package attachment persists uploaded files bound to messages (§4.6/§4.10 data model: attachments are
// scoped to a single guild+channel, owned by their uploader, and may be bound to at most one message).
package attachment

import (
	"context"
	"errors"
	"time"

	"github.com/filament-chat/filament-server/internal/idkit"
)

// Sentinel errors for the attachment package.
var ErrNotFound = errors.New("one or more attachments not found or not available for linking")

// Attachment holds the fields read from the database for a message attachment.
type Attachment struct {
	ID           idkit.AttachmentID
	GuildID      idkit.GuildID
	MessageID    *idkit.MessageID
	ChannelID    idkit.ChannelID
	UploaderID   idkit.UserID
	Filename     string
	ContentType  string
	SizeBytes    int64
	Sha256Hex    string
	StorageKey   string
	Width        *int
	Height       *int
	ThumbnailKey *string
	CreatedAt    time.Time
}

// CreateParams groups the inputs for inserting a new pending attachment record.
type CreateParams struct {
	GuildID     idkit.GuildID
	ChannelID   idkit.ChannelID
	UploaderID  idkit.UserID
	Filename    string
	ContentType string
	SizeBytes   int64
	Sha256Hex   string
	StorageKey  string
	Width       *int
	Height      *int
}

// Repository defines the data-access contract for attachment operations.
type Repository interface {
	// Create inserts a new pending attachment (message_id is NULL).
	Create(ctx context.Context, params CreateParams) (*Attachment, error)

	// GetByID returns a single attachment by ID.
	GetByID(ctx context.Context, id idkit.AttachmentID) (*Attachment, error)

	// LinkToMessage atomically assigns the given attachment IDs to a message. Only pending attachments
	// (message_id IS NULL) owned by uploaderID and scoped to (guildID, channelID) are linked. Returns
	// ErrNotFound if any ID is missing, already linked, or belongs to a different user or channel.
	LinkToMessage(ctx context.Context, attachmentIDs []idkit.AttachmentID, messageID idkit.MessageID, guildID idkit.GuildID, channelID idkit.ChannelID, uploaderID idkit.UserID) ([]Attachment, error)

	// ListByMessage returns all attachments linked to the given message, ordered by creation time.
	ListByMessage(ctx context.Context, messageID idkit.MessageID) ([]Attachment, error)

	// ListByMessages returns attachments for multiple messages in a single query, keyed by message ID.
	ListByMessages(ctx context.Context, messageIDs []idkit.MessageID) (map[idkit.MessageID][]Attachment, error)

	// SetThumbnailKey records the storage key of a generated thumbnail.
	SetThumbnailKey(ctx context.Context, id idkit.AttachmentID, thumbnailKey string) error

	// SumUploaderBytes returns the total SizeBytes of every attachment (pending or linked) a user has
	// uploaded in a guild, the figure the per-user upload quota (§9 user_attachment_quota_bytes) is
	// checked against.
	SumUploaderBytes(ctx context.Context, guildID idkit.GuildID, uploaderID idkit.UserID) (int64, error)

	// PurgeOrphans deletes pending attachments older than the given threshold and returns their storage
	// keys (including thumbnail keys) so the caller can remove the files.
	PurgeOrphans(ctx context.Context, olderThan time.Time) ([]string, error)
}
