// Package tokenvault mints and opens access tokens using authenticated encryption rather than a bare
// signature. A JWT-style MAC proves a token wasn't forged but leaves its claims readable by anyone holding
// the token; AEAD keeps the claims confidential as well, which matters because Filament's access tokens
// carry the session ID directly rather than an opaque reference to it.
package tokenvault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/filament-chat/filament-server/internal/filconst"
	"github.com/filament-chat/filament-server/internal/idkit"
)

// KeySize is the required AES-256 key length in bytes.
const KeySize = 32

var (
	ErrInvalidToken = errors.New("tokenvault: invalid or malformed token")
	ErrExpired      = errors.New("tokenvault: token has expired")
	ErrKeySize      = errors.New("tokenvault: key must be 32 bytes")
)

// Claims is the payload sealed inside an access token.
type Claims struct {
	UserID    idkit.UserID    `json:"uid"`
	SessionID idkit.SessionID `json:"sid"`
	IssuedAt  int64           `json:"iat"`
	ExpiresAt int64           `json:"exp"`
}

// Vault seals and opens access tokens with AES-256-GCM. A Vault is safe for concurrent use; the underlying
// cipher.AEAD is immutable after construction.
type Vault struct {
	aead cipher.AEAD
}

// New builds a Vault from a 32-byte key. Callers typically derive this key from a base64-encoded
// configuration value at startup.
func New(key []byte) (*Vault, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("tokenvault: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("tokenvault: new gcm: %w", err)
	}
	return &Vault{aead: gcm}, nil
}

// Mint seals a new access token for userID/sessionID, expiring after filconst.AccessTokenTTL.
func (v *Vault) Mint(userID idkit.UserID, sessionID idkit.SessionID) (string, error) {
	now := time.Now()
	return v.mintAt(userID, sessionID, now, now.Add(filconst.AccessTokenTTL))
}

func (v *Vault) mintAt(userID idkit.UserID, sessionID idkit.SessionID, issuedAt, expiresAt time.Time) (string, error) {
	claims := Claims{
		UserID:    userID,
		SessionID: sessionID,
		IssuedAt:  issuedAt.Unix(),
		ExpiresAt: expiresAt.Unix(),
	}

	plaintext, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("tokenvault: marshal claims: %w", err)
	}

	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("tokenvault: read nonce: %w", err)
	}

	sealed := v.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open decrypts and validates an access token, returning its Claims. A token with a valid seal but an
// expired timestamp returns ErrExpired so callers can distinguish "forged/corrupt" from "just needs a
// refresh" — both collapse to the same Unauthorized response at the HTTP layer, but logging wants the
// distinction.
func (v *Vault) Open(token string) (Claims, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}

	nonceSize := v.aead.NonceSize()
	if len(raw) < nonceSize {
		return Claims{}, ErrInvalidToken
	}

	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := v.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}

	var claims Claims
	if err := json.Unmarshal(plaintext, &claims); err != nil {
		return Claims{}, ErrInvalidToken
	}

	if time.Now().Unix() > claims.ExpiresAt {
		return Claims{}, ErrExpired
	}

	return claims, nil
}
