package auth

import (
	"errors"

	"github.com/gofiber/fiber/v3"

	"github.com/filament-chat/filament-server/internal/apierr"
	"github.com/filament-chat/filament-server/internal/httputil"
	"github.com/filament-chat/filament-server/internal/tokenvault"
)

// LocalsUserID and LocalsSessionID are the fiber.Ctx locals keys RequireAuth populates. Handlers downstream
// read the authenticated identity back out with these same keys rather than re-parsing the header.
const (
	LocalsUserID    = "userID"
	LocalsSessionID = "sessionID"
)

// RequireAuth returns middleware that opens a Bearer access token from the Authorization header and stores
// the authenticated user and session IDs in c.Locals. Every failure path — missing header, malformed
// header, expired token, corrupt token — returns the same byte-identical response so a caller can't
// distinguish "no such session" from "bad token" one bit at a time.
func RequireAuth(vault *tokenvault.Vault) fiber.Handler {
	return func(c fiber.Ctx) error {
		header := c.Get("Authorization")
		if header == "" {
			return httputil.FailUnauthorized(c)
		}

		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			return httputil.FailUnauthorized(c)
		}
		token := header[len(prefix):]

		claims, err := vault.Open(token)
		if err != nil {
			if errors.Is(err, tokenvault.ErrExpired) || errors.Is(err, tokenvault.ErrInvalidToken) {
				return httputil.FailUnauthorized(c)
			}
			return httputil.Fail(c, apierr.Internal, "Failed to validate token")
		}

		c.Locals(LocalsUserID, claims.UserID)
		c.Locals(LocalsSessionID, claims.SessionID)
		return c.Next()
	}
}
