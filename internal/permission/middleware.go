package permission

import (
	"github.com/gofiber/fiber/v3"

	"github.com/filament-chat/filament-server/internal/apierr"
	"github.com/filament-chat/filament-server/internal/httputil"
	"github.com/filament-chat/filament-server/internal/idkit"
)

// RequirePermission returns Fiber middleware that checks whether the authenticated user (stored in
// c.Locals("userID") by the auth middleware) has perm in the channel named by the "channelID" route
// parameter, scoped to the guild named by the "guildID" route parameter.
func RequirePermission(resolver *Resolver, perm Permission) fiber.Handler {
	return func(c fiber.Ctx) error {
		userID, ok := c.Locals("userID").(idkit.UserID)
		if !ok {
			return httputil.FailUnauthorized(c)
		}

		guildID, err := idkit.Parse(c.Params("guildID"))
		if err != nil {
			return httputil.Fail(c, apierr.InvalidRequest, "Invalid guild ID")
		}

		channelID, err := idkit.Parse(c.Params("channelID"))
		if err != nil {
			return httputil.Fail(c, apierr.InvalidRequest, "Invalid channel ID")
		}

		allowed, err := resolver.HasPermission(c.Context(), guildID, channelID, userID, perm)
		if err != nil {
			return httputil.Fail(c, apierr.Internal, "Failed to check permissions")
		}
		if !allowed {
			return httputil.Fail(c, apierr.Forbidden, "You do not have the required permissions")
		}

		return c.Next()
	}
}
