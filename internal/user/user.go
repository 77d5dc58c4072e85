// Package user implements the User domain model (§3): username/password identity, lockout bookkeeping,
// and avatar metadata. Generalized from the teacher's internal/user by dropping everything the teacher
// carried that this closed model doesn't define — MFA, email verification, tombstones, pronouns, banner,
// theme colours — down to exactly the fields the spec names.
package user

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/filament-chat/filament-server/internal/filconst"
	"github.com/filament-chat/filament-server/internal/idkit"
)

// Sentinel errors for the user package.
var (
	ErrNotFound         = errors.New("user not found")
	ErrAlreadyExists    = errors.New("username already taken")
	ErrAboutTooLong     = errors.New("about_markdown exceeds the maximum length")
	ErrAccountLocked    = errors.New("account is locked")
	ErrInvalidCredentials = errors.New("invalid username or password")
)

// MaxAboutMarkdownLen bounds a profile's free-text "about" field.
const MaxAboutMarkdownLen = 1024

// AvatarRef points at an uploaded avatar image in object storage.
type AvatarRef struct {
	Key string
}

// User is a registered account: the unique username/password identity behind every guild membership.
type User struct {
	ID              idkit.UserID
	Username        string
	PasswordHash    string
	AboutMarkdown   string
	Avatar          *AvatarRef
	AvatarVersion   int64
	FailedLogins    uint8
	LockedUntil     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsLocked reports whether the account is presently under a login lockout.
func (u *User) IsLocked(now time.Time) bool {
	return u.LockedUntil != nil && now.Before(*u.LockedUntil)
}

// CreateParams groups the fields required to register a new user. PasswordHash must already be an
// argon2 hash (see internal/auth's password hashing).
type CreateParams struct {
	Username     string
	PasswordHash string
}

// UpdateProfileParams groups the optional fields of a profile update (nil = no change).
type UpdateProfileParams struct {
	AboutMarkdown *string
	Avatar        **AvatarRef // double-pointer: nil = no change, pointer-to-nil = clear the avatar
}

// NormalizeAbout trims surrounding whitespace and validates length.
func NormalizeAbout(about string) (string, error) {
	trimmed := strings.TrimSpace(about)
	if len(trimmed) > MaxAboutMarkdownLen {
		return "", ErrAboutTooLong
	}
	return trimmed, nil
}

// Repository is the persistence contract for users.
type Repository interface {
	// Create registers a new user with a fresh ULID. The unique-username race is resolved atomically by
	// the underlying store (a unique constraint on username), surfaced here as ErrAlreadyExists.
	Create(ctx context.Context, params CreateParams) (*User, error)

	GetByID(ctx context.Context, id idkit.UserID) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)

	UpdateProfile(ctx context.Context, id idkit.UserID, params UpdateProfileParams) (*User, error)

	// RecordLoginFailure increments failed_logins; once it reaches filconst.LoginLockThreshold, the store
	// sets locked_until to now+filconst.LoginLockDuration and resets failed_logins to 0, atomically.
	RecordLoginFailure(ctx context.Context, id idkit.UserID, now time.Time) error

	// RecordLoginSuccess clears failed_logins and locked_until.
	RecordLoginSuccess(ctx context.Context, id idkit.UserID) error
}

// LoginLockThreshold and LoginLockDuration are re-exported for callers that don't want to import
// filconst directly (e.g. tests constructing expectations).
const (
	LoginLockThreshold = filconst.LoginLockThreshold
)

var LoginLockDuration = filconst.LoginLockDuration
