package httputil

import (
	"github.com/gofiber/fiber/v3"

	"github.com/filament-chat/filament-server/internal/apierr"
)

// SuccessResponse wraps successful API responses.
type SuccessResponse struct {
	Data any `json:"data"`
}

// ErrorResponse wraps failed API responses. Error carries the snake_case wire code directly rather than a
// nested {code, message} object.
type ErrorResponse struct {
	Error   apierr.Code `json:"error"`
	Message string      `json:"message"`
}

// Success sends a 200 JSON response with the given data.
func Success(c fiber.Ctx, data any) error {
	return c.JSON(SuccessResponse{Data: data})
}

// SuccessStatus sends a JSON response with a custom status code.
func SuccessStatus(c fiber.Ctx, status int, data any) error {
	return c.Status(status).JSON(SuccessResponse{Data: data})
}

// Fail sends a JSON error response. The HTTP status is derived from code via apierr.HTTPStatus, so callers
// never need to keep a status code and an error code in sync by hand.
func Fail(c fiber.Ctx, code apierr.Code, message string) error {
	return c.Status(apierr.HTTPStatus(code)).JSON(ErrorResponse{Error: code, Message: message})
}

// UnauthorizedMessage is the single message text used for every authentication failure, regardless of
// cause (missing header, malformed token, expired token, unknown session). Varying the message by cause
// would let an attacker distinguish "no such session" from "bad credentials" one bit at a time.
const UnauthorizedMessage = "Authentication required"

// FailUnauthorized sends the byte-identical Unauthorized response every auth failure path must produce.
func FailUnauthorized(c fiber.Ctx) error {
	return Fail(c, apierr.Unauthorized, UnauthorizedMessage)
}
