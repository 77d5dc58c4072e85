package message

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/filament-chat/filament-server/internal/filconst"
	"github.com/filament-chat/filament-server/internal/gwevent"
	"github.com/filament-chat/filament-server/internal/idkit"
	"github.com/filament-chat/filament-server/internal/permission"
)

// PermissionChecker is the slice of *permission.Resolver the pipeline needs. Defined locally so this
// package depends on a method set, not the concrete resolver type.
type PermissionChecker interface {
	HasPermission(ctx context.Context, guildID idkit.GuildID, channelID idkit.ChannelID, userID idkit.UserID, perm permission.Permission) (bool, error)
}

// GatewayEmitter dispatches a gateway event to every connection subscribed to channelKey. Satisfied by
// the gateway hub's publish-side.
type GatewayEmitter interface {
	Emit(ctx context.Context, channelKey string, eventType gwevent.Type, data any) error
}

// SearchDocument is the shape enqueued to the search index on create/edit.
type SearchDocument struct {
	MessageID     idkit.MessageID
	GuildID       idkit.GuildID
	ChannelID     idkit.ChannelID
	AuthorID      idkit.UserID
	Content       string
	CreatedAtUnix int64
}

// SearchIndexer enqueues index mutations. Upsert/Delete are expected to be non-blocking best-effort calls
// (an internal bounded queue); a full queue is reported via error but never fails the caller's request.
type SearchIndexer interface {
	Upsert(ctx context.Context, doc SearchDocument) error
	Delete(ctx context.Context, messageID idkit.MessageID) error
}

// AuditLogger appends a moderation audit event. Satisfied by the audit package's append-side.
type AuditLogger interface {
	Append(ctx context.Context, guildID idkit.GuildID, actorID idkit.UserID, action string, targetID idkit.ID) error
}

// Pipeline sequences permission checks, persistence, search indexing, and gateway fan-out around a
// Repository. It implements the create/edit/delete/react semantics; Repository itself only persists.
type Pipeline struct {
	messages Repository
	perms    PermissionChecker
	gateway  GatewayEmitter
	search   SearchIndexer
	audit    AuditLogger
	log      zerolog.Logger
}

// NewPipeline creates a message pipeline. gateway, search, and audit may be nil, in which case the
// corresponding side effect is skipped — useful for tests that only exercise persistence and permissions.
func NewPipeline(messages Repository, perms PermissionChecker, gateway GatewayEmitter, search SearchIndexer, audit AuditLogger, logger zerolog.Logger) *Pipeline {
	return &Pipeline{messages: messages, perms: perms, gateway: gateway, search: search, audit: audit, log: logger}
}

func channelKey(guildID idkit.GuildID, channelID idkit.ChannelID) string {
	return guildID.String() + ":" + channelID.String()
}

// Create validates and persists a new message, then emits message_create and enqueues a search upsert.
func (p *Pipeline) Create(ctx context.Context, guildID idkit.GuildID, channelID idkit.ChannelID, authorID idkit.UserID, content string, attachmentIDs []idkit.AttachmentID) (*Message, error) {
	allowed, err := p.perms.HasPermission(ctx, guildID, channelID, authorID, permission.SendMessages)
	if err != nil {
		return nil, fmt.Errorf("check send permission: %w", err)
	}
	if !allowed {
		return nil, ErrForbidden
	}

	if len(attachmentIDs) > filconst.MaxAttachmentsPerMsg {
		return nil, ErrTooManyAttachments
	}

	trimmed, err := ValidateContent(content, len(attachmentIDs) > 0)
	if err != nil {
		return nil, err
	}
	tokens := idkit.Tokenize(trimmed)

	msg, err := p.messages.Create(ctx, CreateParams{
		GuildID:       guildID,
		ChannelID:     channelID,
		AuthorID:      authorID,
		Content:       trimmed,
		AttachmentIDs: attachmentIDs,
	}, tokens)
	if err != nil {
		return nil, err
	}

	p.emit(ctx, guildID, channelID, gwevent.MessageCreate, msg)
	p.enqueueUpsert(ctx, msg)
	return msg, nil
}

// Edit re-validates and re-tokenizes content, then persists, emits message_update, and re-indexes. If the
// actor is not the author (a moderator edit), it appends a message.edit.moderation audit entry.
func (p *Pipeline) Edit(ctx context.Context, messageID idkit.MessageID, actorID idkit.UserID, content string) (*Message, error) {
	existing, err := p.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if existing.Deleted {
		return nil, ErrAlreadyDeleted
	}

	if existing.AuthorID != actorID {
		allowed, err := p.perms.HasPermission(ctx, existing.GuildID, existing.ChannelID, actorID, permission.ManageMessages)
		if err != nil {
			return nil, fmt.Errorf("check manage messages permission: %w", err)
		}
		if !allowed {
			return nil, ErrForbidden
		}
	}

	trimmed, err := ValidateContent(content, len(existing.AttachmentIDs) > 0)
	if err != nil {
		return nil, err
	}
	tokens := idkit.Tokenize(trimmed)

	msg, err := p.messages.Update(ctx, messageID, trimmed, tokens)
	if err != nil {
		return nil, err
	}

	p.emit(ctx, msg.GuildID, msg.ChannelID, gwevent.MessageUpdate, msg)
	p.enqueueUpsert(ctx, msg)

	if existing.AuthorID != actorID {
		p.appendAudit(ctx, msg.GuildID, actorID, "message.edit.moderation", messageID)
	}
	return msg, nil
}

// messageDeletePayload is the wire shape of a message_delete event: just enough to let clients remove the
// message from their view without re-fetching it.
type messageDeletePayload struct {
	ID        idkit.MessageID `json:"id"`
	ChannelID idkit.ChannelID `json:"channel_id"`
}

// Delete soft-deletes a message, emits message_delete, and removes it from the search index. If the actor
// is not the author, it appends a message.delete.moderation audit entry. Unlinked attachment object bytes
// are the caller's responsibility to remove given the returned storage keys (best effort).
func (p *Pipeline) Delete(ctx context.Context, messageID idkit.MessageID, actorID idkit.UserID) ([]string, error) {
	existing, err := p.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if existing.Deleted {
		return nil, ErrAlreadyDeleted
	}

	if existing.AuthorID != actorID {
		allowed, err := p.perms.HasPermission(ctx, existing.GuildID, existing.ChannelID, actorID, permission.ManageMessages)
		if err != nil {
			return nil, fmt.Errorf("check manage messages permission: %w", err)
		}
		if !allowed {
			return nil, ErrForbidden
		}
	}

	storageKeys, err := p.messages.SoftDelete(ctx, messageID)
	if err != nil {
		return nil, err
	}

	p.emit(ctx, existing.GuildID, existing.ChannelID, gwevent.MessageDelete, messageDeletePayload{
		ID:        messageID,
		ChannelID: existing.ChannelID,
	})
	if p.search != nil {
		if err := p.search.Delete(ctx, messageID); err != nil {
			p.log.Warn().Err(err).Str("message_id", messageID.String()).Msg("search delete enqueue failed")
		}
	}

	if existing.AuthorID != actorID {
		p.appendAudit(ctx, existing.GuildID, actorID, "message.delete.moderation", messageID)
	}
	return storageKeys, nil
}

// reactionPayload is the wire shape of a reaction_add/reaction_remove event.
type reactionPayload struct {
	MessageID idkit.MessageID `json:"message_id"`
	Emoji     string          `json:"emoji"`
	Count     int             `json:"count"`
}

// AddReaction validates the emoji, requires AddReactions on the message's channel, and records userID as a
// reactor. Idempotent: reacting twice with the same emoji does not change the count.
func (p *Pipeline) AddReaction(ctx context.Context, messageID idkit.MessageID, userID idkit.UserID, emoji string) (int, error) {
	if err := ValidateEmoji(emoji); err != nil {
		return 0, err
	}

	msg, err := p.messages.GetByID(ctx, messageID)
	if err != nil {
		return 0, err
	}
	if msg.Deleted {
		return 0, ErrAlreadyDeleted
	}

	allowed, err := p.perms.HasPermission(ctx, msg.GuildID, msg.ChannelID, userID, permission.AddReactions)
	if err != nil {
		return 0, fmt.Errorf("check add reactions permission: %w", err)
	}
	if !allowed {
		return 0, ErrForbidden
	}

	count, err := p.messages.AddReaction(ctx, messageID, emoji, userID)
	if err != nil {
		return 0, err
	}

	p.emit(ctx, msg.GuildID, msg.ChannelID, gwevent.ReactionAdd, reactionPayload{MessageID: messageID, Emoji: emoji, Count: count})
	return count, nil
}

// RemoveReaction removes userID as a reactor of emoji on messageID. Idempotent.
func (p *Pipeline) RemoveReaction(ctx context.Context, messageID idkit.MessageID, userID idkit.UserID, emoji string) (int, error) {
	if err := ValidateEmoji(emoji); err != nil {
		return 0, err
	}

	msg, err := p.messages.GetByID(ctx, messageID)
	if err != nil {
		return 0, err
	}

	count, err := p.messages.RemoveReaction(ctx, messageID, emoji, userID)
	if err != nil {
		return 0, err
	}

	p.emit(ctx, msg.GuildID, msg.ChannelID, gwevent.ReactionRemove, reactionPayload{MessageID: messageID, Emoji: emoji, Count: count})
	return count, nil
}

func (p *Pipeline) emit(ctx context.Context, guildID idkit.GuildID, channelID idkit.ChannelID, eventType gwevent.Type, data any) {
	if p.gateway == nil {
		return
	}
	if err := p.gateway.Emit(ctx, channelKey(guildID, channelID), eventType, data); err != nil {
		p.log.Warn().Err(err).Str("event", string(eventType)).Msg("gateway emit failed")
	}
}

func (p *Pipeline) enqueueUpsert(ctx context.Context, msg *Message) {
	if p.search == nil {
		return
	}
	err := p.search.Upsert(ctx, SearchDocument{
		MessageID:     msg.ID,
		GuildID:       msg.GuildID,
		ChannelID:     msg.ChannelID,
		AuthorID:      msg.AuthorID,
		Content:       msg.Content,
		CreatedAtUnix: msg.CreatedAt.Unix(),
	})
	if err != nil {
		p.log.Warn().Err(err).Str("message_id", msg.ID.String()).Msg("search upsert enqueue failed")
	}
}

func (p *Pipeline) appendAudit(ctx context.Context, guildID idkit.GuildID, actorID idkit.UserID, action string, targetID idkit.ID) {
	if p.audit == nil {
		return
	}
	if err := p.audit.Append(ctx, guildID, actorID, action, targetID); err != nil {
		p.log.Warn().Err(err).Str("action", action).Msg("audit append failed")
	}
}
