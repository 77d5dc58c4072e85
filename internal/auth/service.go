// Package auth wires username/password registration and login onto internal/session (refresh-token
// rotation) and internal/tokenvault (sealed access tokens), replacing the teacher's JWT/HMAC/email-based
// flow with the closed User model (§3) this system defines: no email, no MFA, no disposable-domain
// checks. Login timing is still equalized against account enumeration the way the teacher's MFA flow
// equalized timing against a wrong TOTP code — by always paying the argon2 cost.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/filament-chat/filament-server/internal/idkit"
	"github.com/filament-chat/filament-server/internal/session"
	"github.com/filament-chat/filament-server/internal/tokenvault"
	"github.com/filament-chat/filament-server/internal/user"
)

// Argon2 parameters for password hashing. Chosen to match the OWASP-recommended floor for argon2id.
const (
	Argon2Memory      = 64 * 1024
	Argon2Iterations  = 1
	Argon2Parallelism = 4
	Argon2SaltLen     = 16
	Argon2KeyLen      = 32
)

// Tokens is the pair handed back to a client on register/login/refresh.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	Session      session.Session
}

// Service implements registration, login, refresh, and logout against a user.Repository and a
// session.Store, sealing access tokens with a tokenvault.Vault.
type Service struct {
	users     user.Repository
	sessions  session.Store
	vault     *tokenvault.Vault
	dummyHash string
	log       zerolog.Logger
}

// NewService wires an auth Service. dummyPassword is hashed once at construction time to produce the
// fixed comparison hash verify_credentials uses when no such user exists, so a nonexistent-username
// login takes the same argon2 time as a real one.
func NewService(users user.Repository, sessions session.Store, vault *tokenvault.Vault, dummyPassword string, logger zerolog.Logger) (*Service, error) {
	dummyHash, err := HashPassword(dummyPassword, Argon2Memory, Argon2Iterations, Argon2Parallelism, Argon2SaltLen, Argon2KeyLen)
	if err != nil {
		return nil, fmt.Errorf("auth: hash dummy password: %w", err)
	}
	return &Service{users: users, sessions: sessions, vault: vault, dummyHash: dummyHash, log: logger}, nil
}

// Register creates a new user with an argon2id password hash. Duplicate usernames surface as
// user.ErrAlreadyExists.
func (s *Service) Register(ctx context.Context, username, password string) (*user.User, error) {
	if err := idkit.ValidateUsername(username); err != nil {
		return nil, err
	}
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}

	hash, err := HashPassword(password, Argon2Memory, Argon2Iterations, Argon2Parallelism, Argon2SaltLen, Argon2KeyLen)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}

	return s.users.Create(ctx, user.CreateParams{Username: username, PasswordHash: hash})
}

// Login implements verify_credentials (§4, user lifecycle): the argon2 verify always runs, even against
// a dummy hash when the username doesn't exist, so a failed lookup and a wrong password are
// indistinguishable in both response and timing. On success it mints a new session and access token; on
// failure it increments the account's lockout counter.
func (s *Service) Login(ctx context.Context, username, password string, now time.Time) (*Tokens, error) {
	u, err := s.users.GetByUsername(ctx, username)
	if errors.Is(err, user.ErrNotFound) {
		_, _ = VerifyPassword(password, s.dummyHash)
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("auth: lookup user: %w", err)
	}

	if u.IsLocked(now) {
		return nil, ErrAccountLocked
	}

	match, err := VerifyPassword(password, u.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("auth: verify password: %w", err)
	}
	if !match {
		if err := s.users.RecordLoginFailure(ctx, u.ID, now); err != nil {
			s.log.Warn().Err(err).Stringer("user_id", u.ID).Msg("auth: failed to record login failure")
		}
		return nil, ErrInvalidCredentials
	}

	if err := s.users.RecordLoginSuccess(ctx, u.ID); err != nil {
		s.log.Warn().Err(err).Stringer("user_id", u.ID).Msg("auth: failed to record login success")
	}

	return s.issueTokens(u.ID)
}

// Refresh rotates a refresh token and mints a fresh access token for the same session. A reused token
// (session.ErrReplayed) means the presented refresh token was already consumed by an earlier rotation;
// the underlying session is revoked automatically and callers should treat this as possible token theft.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	sess, newRefreshToken, err := s.sessions.Rotate(ctx, refreshToken)
	if err != nil {
		return nil, err
	}

	accessToken, err := s.vault.Mint(sess.UserID, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("auth: mint access token: %w", err)
	}

	return &Tokens{AccessToken: accessToken, RefreshToken: newRefreshToken, Session: sess}, nil
}

// Logout revokes a single session.
func (s *Service) Logout(ctx context.Context, sessionID idkit.SessionID) error {
	return s.sessions.Revoke(ctx, sessionID)
}

// LogoutAll revokes every session belonging to a user, e.g. on password reset.
func (s *Service) LogoutAll(ctx context.Context, userID idkit.UserID) error {
	return s.sessions.RevokeAllForUser(ctx, userID)
}

// Authenticate opens a bearer access token and returns its claims. It never touches the session store —
// access tokens are short-lived (filconst.AccessTokenTTL) and trusted until expiry, so request-path
// authentication stays a single AEAD open with no database round trip.
func (s *Service) Authenticate(token string) (tokenvault.Claims, error) {
	return s.vault.Open(token)
}

func (s *Service) issueTokens(userID idkit.UserID) (*Tokens, error) {
	sess, refreshToken, err := s.sessions.Create(context.Background(), userID)
	if err != nil {
		return nil, fmt.Errorf("auth: create session: %w", err)
	}

	accessToken, err := s.vault.Mint(userID, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("auth: mint access token: %w", err)
	}

	return &Tokens{AccessToken: accessToken, RefreshToken: refreshToken, Session: sess}, nil
}
