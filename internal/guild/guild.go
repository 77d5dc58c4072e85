// Package guild implements the Guild domain: a named workspace with a visibility flag, an owning
// creator, and a set of channels and members layered on top by internal/channel and internal/member.
package guild

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/filament-chat/filament-server/internal/idkit"
)

// Visibility controls whether a guild is discoverable via internal/directory.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// Sentinel errors for the guild package.
var (
	ErrNotFound         = errors.New("guild not found")
	ErrNameLength       = errors.New("name must be between 1 and 100 characters")
	ErrInvalidVisibility = errors.New("visibility must be \"private\" or \"public\"")
)

// Guild is a workspace: a named container for channels, members, and roles.
type Guild struct {
	ID                idkit.GuildID
	Name              string
	Visibility        Visibility
	CreatedByUserID   idkit.UserID
	DefaultJoinRoleID *idkit.RoleID
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// CreateParams groups the fields required to create a guild.
type CreateParams struct {
	Name            string
	Visibility      Visibility
	CreatedByUserID idkit.UserID
}

// UpdateParams groups the optional fields for a guild update (nil = no change).
type UpdateParams struct {
	Name              *string
	Visibility        *Visibility
	DefaultJoinRoleID *idkit.RoleID
}

// ValidateName trims whitespace and checks the 1..100 rune bound the data model requires.
func ValidateName(name *string) error {
	if name == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*name)
	if utf8.RuneCountInString(trimmed) < 1 || utf8.RuneCountInString(trimmed) > idkit.MaxGuildNameLen {
		return ErrNameLength
	}
	*name = trimmed
	return nil
}

// ValidateVisibility checks the visibility is one of the two closed values.
func ValidateVisibility(v *Visibility) error {
	if v == nil {
		return nil
	}
	switch *v {
	case VisibilityPrivate, VisibilityPublic:
		return nil
	default:
		return ErrInvalidVisibility
	}
}

// Repository defines the data-access contract for guild operations.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (*Guild, error)
	Get(ctx context.Context, id idkit.GuildID) (*Guild, error)
	Update(ctx context.Context, id idkit.GuildID, params UpdateParams) (*Guild, error)
	Delete(ctx context.Context, id idkit.GuildID) error
	ListPublic(ctx context.Context, limit int, cursor string) ([]*Guild, string, error)
	ListForUser(ctx context.Context, userID idkit.UserID) ([]*Guild, error)
}
