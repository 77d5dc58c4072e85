package channel

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/filament-chat/filament-server/internal/idkit"
)

// Kind is the closed set of channel kinds the data model allows.
type Kind string

const (
	KindText  Kind = "text"
	KindVoice Kind = "voice"
)

var validKinds = map[Kind]bool{KindText: true, KindVoice: true}

// Sentinel errors for the channel package.
var (
	ErrNotFound           = errors.New("channel not found")
	ErrMaxChannelsReached = errors.New("maximum number of channels reached")
	ErrNameLength         = errors.New("channel name must be between 1 and 100 characters")
	ErrInvalidKind        = errors.New("invalid channel kind")
	ErrTopicLength        = errors.New("channel topic must be 1024 characters or fewer")
	ErrInvalidPosition    = errors.New("position must be non-negative")
)

// Channel is a named text or voice channel scoped to one guild.
type Channel struct {
	ID        idkit.ChannelID
	GuildID   idkit.GuildID
	Name      string
	Kind      Kind
	Topic     string
	Position  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreateParams groups the inputs for creating a new channel.
type CreateParams struct {
	GuildID idkit.GuildID
	Name    string
	Kind    Kind
	Topic   string
}

// UpdateParams groups the optional fields for updating a channel (nil = no change).
type UpdateParams struct {
	Name     *string
	Topic    *string
	Position *int
}

// ValidateName checks that a non-nil name is between 1 and 100 characters (runes) after trimming whitespace.
func ValidateName(name *string) error {
	if name == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*name)
	if utf8.RuneCountInString(trimmed) < 1 || utf8.RuneCountInString(trimmed) > idkit.MaxChannelNameLen {
		return ErrNameLength
	}
	*name = trimmed
	return nil
}

// ValidateNameRequired validates and trims a name that must be present.
func ValidateNameRequired(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if utf8.RuneCountInString(trimmed) < 1 || utf8.RuneCountInString(trimmed) > idkit.MaxChannelNameLen {
		return "", ErrNameLength
	}
	return trimmed, nil
}

// ValidateKind checks that kind is one of the two values the data model allows.
func ValidateKind(k Kind) error {
	if !validKinds[k] {
		return ErrInvalidKind
	}
	return nil
}

// ValidateTopic checks that a non-nil topic is 1024 characters (runes) or fewer.
func ValidateTopic(topic *string) error {
	if topic == nil {
		return nil
	}
	if utf8.RuneCountInString(*topic) > 1024 {
		return ErrTopicLength
	}
	return nil
}

// ValidatePosition checks that a non-nil position is non-negative.
func ValidatePosition(pos *int) error {
	if pos == nil {
		return nil
	}
	if *pos < 0 {
		return ErrInvalidPosition
	}
	return nil
}

// Repository defines the data-access contract for channel operations.
type Repository interface {
	List(ctx context.Context, guildID idkit.GuildID) ([]Channel, error)
	GetByID(ctx context.Context, id idkit.ChannelID) (*Channel, error)
	Create(ctx context.Context, params CreateParams, maxChannels int) (*Channel, error)
	Update(ctx context.Context, id idkit.ChannelID, params UpdateParams) (*Channel, error)
	Delete(ctx context.Context, id idkit.ChannelID) error
}
