// Package audit implements the append-only per-guild audit log (§4.11): moderation and pipeline actions
// are recorded as dotted action strings and read back with cursor pagination.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"time"

	"github.com/filament-chat/filament-server/internal/filconst"
	"github.com/filament-chat/filament-server/internal/idkit"
)

var (
	ErrActionEmpty         = errors.New("audit action must not be empty")
	ErrActionTooLong       = errors.New("audit action exceeds the maximum length")
	ErrActionChars         = errors.New("audit action must be lowercase alphanumeric, dot, or underscore")
	ErrActionPrefixTooLong = errors.New("audit action prefix exceeds the maximum length")
	ErrCursorTooLong       = errors.New("audit cursor exceeds the maximum length")
)

var actionPattern = regexp.MustCompile(`^[a-z0-9._]+$`)

// Event is a single append-only audit record.
type Event struct {
	ID           idkit.AuditID
	GuildID      *idkit.GuildID
	ActorUserID  idkit.UserID
	TargetUserID *idkit.UserID
	Action       string
	DetailJSON   json.RawMessage
	IPBanMatch   bool
	CreatedAt    time.Time
}

// AppendParams groups the inputs to Repository.Append.
type AppendParams struct {
	GuildID      *idkit.GuildID
	ActorUserID  idkit.UserID
	TargetUserID *idkit.UserID
	Action       string
	Detail       any
	IPBanMatch   bool
}

// ValidateAction checks an action string against the dotted-lowercase grammar: 1..=64 chars of
// [a-z0-9._]. Used for both append (the action itself) and list (the action_prefix filter, via
// ValidateActionPrefix).
func ValidateAction(action string) error {
	if action == "" {
		return ErrActionEmpty
	}
	if len(action) > filconst.MaxAuditActionPrefixChars {
		return ErrActionTooLong
	}
	if !actionPattern.MatchString(action) {
		return ErrActionChars
	}
	return nil
}

// ValidateActionPrefix checks a list-query action_prefix filter. Empty is valid (no filter).
func ValidateActionPrefix(prefix string) error {
	if prefix == "" {
		return nil
	}
	if len(prefix) > filconst.MaxAuditActionPrefixChars {
		return ErrActionPrefixTooLong
	}
	if !actionPattern.MatchString(prefix) {
		return ErrActionChars
	}
	return nil
}

// ClampLimit normalises a client-supplied page size to [1, filconst.DefaultAuditListLimitMax].
func ClampLimit(limit int) int {
	if limit <= 0 {
		return filconst.DefaultAuditListLimitMax
	}
	if limit > filconst.DefaultAuditListLimitMax {
		return filconst.DefaultAuditListLimitMax
	}
	return limit
}

// ParseCursor decodes an opaque list cursor. Cursors are just the last-seen audit ID's canonical string
// form — already URL-safe alphanumeric and well under filconst.MaxAuditCursorChars — so no extra encoding
// is needed on top of idkit.Parse.
func ParseCursor(cursor string) (idkit.AuditID, error) {
	if cursor == "" {
		return idkit.Nil, nil
	}
	if len(cursor) > filconst.MaxAuditCursorChars {
		return idkit.Nil, ErrCursorTooLong
	}
	return idkit.Parse(cursor)
}

// EncodeCursor produces the opaque cursor for the last event on a page, for the client to pass back as
// the next page's cursor. Returns "" (no more pages) when events is empty.
func EncodeCursor(events []Event) string {
	if len(events) == 0 {
		return ""
	}
	return events[len(events)-1].ID.String()
}

// Repository is the persistence contract for the audit log.
type Repository interface {
	// Append records a new event with a freshly minted ULID and the current time.
	Append(ctx context.Context, params AppendParams) (*Event, error)

	// List returns events for a guild ordered newest first (ULID descending). When after is non-nil
	// (decoded from a cursor), only events minted before it are returned. When actionPrefix is non-empty,
	// only actions with that prefix are returned.
	List(ctx context.Context, guildID idkit.GuildID, after *idkit.AuditID, actionPrefix string, limit int) ([]Event, error)
}

// Appender adapts a Repository onto message.AuditLogger's narrower signature, so the message pipeline
// can append audit entries without importing this package's full Repository/Event surface. targetID is
// passed as idkit.Nil when an action has no single target (e.g. a pipeline-wide moderation sweep).
type Appender struct {
	Repo Repository
}

func (a Appender) Append(ctx context.Context, guildID idkit.GuildID, actorID idkit.UserID, action string, targetID idkit.ID) error {
	var target *idkit.UserID
	if !targetID.IsNil() {
		t := targetID
		target = &t
	}
	_, err := a.Repo.Append(ctx, AppendParams{
		GuildID:      &guildID,
		ActorUserID:  actorID,
		TargetUserID: target,
		Action:       action,
	})
	return err
}
