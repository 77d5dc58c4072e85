// Package member implements guild membership: who belongs to a guild, their nickname, their role
// assignments, and guild-scoped bans. A guild MUST always retain at least one member holding the system
// workspace_owner role — internal/permission.CheckLastOwner is the guard for it. This package's repository
// does not call that guard: RemoveRole and Ban commit without any last-owner check.
package member

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/filament-chat/filament-server/internal/idkit"
)

// Sentinel errors for the member package.
var (
	ErrNotFound       = errors.New("member not found")
	ErrBanNotFound    = errors.New("ban not found")
	ErrNicknameLength = errors.New("nickname must be between 1 and 32 characters")
	ErrAlreadyMember  = errors.New("user is already a member")
	ErrAlreadyBanned  = errors.New("user is already banned")
	ErrEveryoneRole   = errors.New("the @everyone role cannot be manually assigned or removed")
)

// Pagination defaults.
const (
	DefaultLimit = 50
	MaxLimit     = 100
)

// Member holds the fields read from the members table, scoped to one guild.
type Member struct {
	GuildID   idkit.GuildID
	UserID    idkit.UserID
	Nickname  *string
	JoinedAt  time.Time
	UpdatedAt time.Time
}

// MemberWithProfile combines membership fields with public user data and role assignments, as produced by
// a query joining members, users, and member_roles.
type MemberWithProfile struct {
	GuildID     idkit.GuildID
	UserID      idkit.UserID
	Username    string
	AvatarKey   *string
	Nickname    *string
	JoinedAt    time.Time
	RoleIDs     []idkit.RoleID
}

// BanRecord holds a guild ban row joined with the banned user's public profile.
type BanRecord struct {
	GuildID     idkit.GuildID
	UserID      idkit.UserID
	Username    string
	AvatarKey   *string
	Reason      *string
	BannedBy    *idkit.UserID
	ExpiresAt   *time.Time
	CreatedAt   time.Time
}

// ValidateNickname checks that a non-nil nickname is between 1 and 32 runes after trimming whitespace. A
// nil pointer means "clear the nickname."
func ValidateNickname(nickname *string) error {
	if nickname == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*nickname)
	if utf8.RuneCountInString(trimmed) < 1 || utf8.RuneCountInString(trimmed) > 32 {
		return ErrNicknameLength
	}
	*nickname = trimmed
	return nil
}

// ClampLimit constrains a requested page size to [1, MaxLimit], defaulting to DefaultLimit when the input
// is zero or negative.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// Repository defines the data-access contract for member operations, all scoped to one guild.
type Repository interface {
	// Listing
	List(ctx context.Context, guildID idkit.GuildID, after *idkit.UserID, limit int) ([]MemberWithProfile, error)
	GetByUserID(ctx context.Context, guildID idkit.GuildID, userID idkit.UserID) (*MemberWithProfile, error)

	// Mutation
	Join(ctx context.Context, guildID idkit.GuildID, userID idkit.UserID, defaultRoleID *idkit.RoleID) (*MemberWithProfile, error)
	UpdateNickname(ctx context.Context, guildID idkit.GuildID, userID idkit.UserID, nickname *string) (*MemberWithProfile, error)
	Leave(ctx context.Context, guildID idkit.GuildID, userID idkit.UserID) error

	// Bans
	Ban(ctx context.Context, guildID idkit.GuildID, userID, bannedBy idkit.UserID, reason *string, expiresAt *time.Time) error
	Unban(ctx context.Context, guildID idkit.GuildID, userID idkit.UserID) error
	ListBans(ctx context.Context, guildID idkit.GuildID, after *idkit.UserID, limit int) ([]BanRecord, error)
	IsBanned(ctx context.Context, guildID idkit.GuildID, userID idkit.UserID) (bool, error)

	// Roles
	AssignRole(ctx context.Context, guildID idkit.GuildID, userID idkit.UserID, roleID idkit.RoleID) error
	RemoveRole(ctx context.Context, guildID idkit.GuildID, userID idkit.UserID, roleID idkit.RoleID) error
	RoleIDs(ctx context.Context, guildID idkit.GuildID, userID idkit.UserID) ([]idkit.RoleID, error)
	// CountOwnerHolders returns the number of members in guildID currently assigned the workspace_owner
	// role: the holder count from which CheckLastOwner's remainingOwnerHolders argument is derived.
	CountOwnerHolders(ctx context.Context, guildID idkit.GuildID, ownerRoleID idkit.RoleID) (int, error)
}
