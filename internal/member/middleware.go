package member

import (
	"errors"

	"github.com/gofiber/fiber/v3"

	"github.com/filament-chat/filament-server/internal/apierr"
	"github.com/filament-chat/filament-server/internal/httputil"
	"github.com/filament-chat/filament-server/internal/idkit"
)

// RequireActiveMember returns Fiber middleware that blocks users who are not a member of the guild named
// by the route's :guildId param. Must be placed after an auth middleware that populates
// c.Locals("userID").
func RequireActiveMember(members Repository) fiber.Handler {
	return func(c fiber.Ctx) error {
		userID, ok := c.Locals("userID").(idkit.UserID)
		if !ok {
			return httputil.FailUnauthorized(c)
		}
		guildID, err := idkit.Parse(c.Params("guildId"))
		if err != nil {
			return httputil.Fail(c, apierr.InvalidRequest, "invalid guild id")
		}
		if _, err := members.GetByUserID(c, guildID, userID); err != nil {
			if errors.Is(err, ErrNotFound) {
				return httputil.Fail(c, apierr.Forbidden, "guild membership is required")
			}
			return httputil.Fail(c, apierr.Internal, "an internal error occurred")
		}
		return c.Next()
	}
}
