// Package session implements SessionStore: refresh-token lifecycle, rotation, and replay detection, behind
// one contract with both a Postgres-backed and an in-memory implementation, mirroring how the rest of this
// codebase keeps a production store and a test-friendly substitute behind the same interface.
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/filament-chat/filament-server/internal/filconst"
	"github.com/filament-chat/filament-server/internal/idkit"
)

var (
	ErrNotFound     = errors.New("session: not found")
	ErrRevoked      = errors.New("session: revoked")
	ErrExpired      = errors.New("session: expired")
	ErrReplayed     = errors.New("session: refresh token reused after rotation")
	ErrMalformed    = errors.New("session: malformed refresh token")
)

// Session is a single refresh-token lineage for a user. RefreshHash is the SHA-256 hash of the current
// secret half of the refresh token; the plaintext secret is never stored.
type Session struct {
	ID          idkit.SessionID
	UserID      idkit.UserID
	RefreshHash [32]byte
	CreatedAt   time.Time
	LastUsedAt  time.Time
	ExpiresAt   time.Time
	RevokedAt   *time.Time
}

func (s Session) isLive(now time.Time) error {
	if s.RevokedAt != nil {
		return ErrRevoked
	}
	if now.After(s.ExpiresAt) {
		return ErrExpired
	}
	return nil
}

// Store is the contract both backends satisfy. Every mutating method is expected to be atomic: a
// concurrent Rotate racing a Revoke must not leave a session half-updated.
type Store interface {
	// Create mints a new session for userID and returns it along with the bearer refresh token
	// ("session_id.secret") the caller hands to the client. Only RefreshHash is persisted.
	Create(ctx context.Context, userID idkit.UserID) (Session, string, error)

	// Rotate consumes refreshToken and, if valid and live, atomically issues a new token for the same
	// session, recording the old hash in the replay set. ErrReplayed means the presented token was
	// already consumed by an earlier rotation — treat this as a signal of token theft and revoke the
	// whole session.
	Rotate(ctx context.Context, refreshToken string) (Session, string, error)

	// Revoke marks a session dead; it is not deleted so LastUsedAt/ExpiresAt remain inspectable for
	// audit purposes.
	Revoke(ctx context.Context, sessionID idkit.SessionID) error

	// RevokeAllForUser revokes every live session belonging to userID, used on password change and
	// account compromise response.
	RevokeAllForUser(ctx context.Context, userID idkit.UserID) error

	// Get looks up a session by ID regardless of liveness, for audit/listing endpoints.
	Get(ctx context.Context, sessionID idkit.SessionID) (Session, error)

	// ListForUser returns every session for userID ordered by CreatedAt descending, ID descending on
	// ties, matching the order both backends expose.
	ListForUser(ctx context.Context, userID idkit.UserID) ([]Session, error)

	// Sweep deletes expired/revoked sessions and stale replay-hash entries older than
	// filconst.UsedRefreshHashRetention. Implementations throttle concurrent sweeps via a
	// compare-and-swap on their own last-sweep timestamp so a burst of callers doesn't all sweep at
	// once; Sweep is always safe to call liberally.
	Sweep(ctx context.Context, now time.Time) error
}

// secretLen is the byte length of the random secret half of a refresh token, before base64 encoding.
const secretLen = 32

// newSecret generates a fresh random secret and its SHA-256 hash.
func newSecret() (secret string, hash [32]byte, err error) {
	raw := make([]byte, secretLen)
	if _, err = rand.Read(raw); err != nil {
		return "", hash, fmt.Errorf("session: read random secret: %w", err)
	}
	secret = base64.RawURLEncoding.EncodeToString(raw)
	hash = sha256.Sum256([]byte(secret))
	return secret, hash, nil
}

// formatToken renders the bearer refresh token as "session_id.secret".
func formatToken(id idkit.SessionID, secret string) string {
	return id.String() + "." + secret
}

// parseToken splits a bearer refresh token into its session ID and secret hash. It never needs the
// plaintext secret again once the hash is computed.
func parseToken(token string) (idkit.SessionID, [32]byte, error) {
	idPart, secret, ok := strings.Cut(token, ".")
	if !ok || idPart == "" || secret == "" {
		return idkit.ID{}, [32]byte{}, ErrMalformed
	}
	id, err := idkit.Parse(idPart)
	if err != nil {
		return idkit.ID{}, [32]byte{}, ErrMalformed
	}
	return id, sha256.Sum256([]byte(secret)), nil
}

// hashEqual compares two hashes in constant time so a timing side channel can't be used to guess a valid
// refresh hash byte by byte.
func hashEqual(a, b [32]byte) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

func hashHex(h [32]byte) string { return hex.EncodeToString(h[:]) }
