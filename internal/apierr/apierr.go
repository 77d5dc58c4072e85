// Package apierr defines the closed set of error codes returned to clients across every HTTP and gateway
// surface. The external uncord-protocol module that the teacher imports this enum from is not vendored into
// this repo, so the codes live here instead, scoped to exactly what the system needs.
package apierr

import "github.com/gofiber/fiber/v3"

// Code is a snake_case wire error code. The set is closed: handlers must map every error path to one of
// these, never to an ad-hoc string.
type Code string

const (
	InvalidRequest Code = "invalid_request"
	Unauthorized   Code = "unauthorized"
	Forbidden      Code = "forbidden"
	NotFound       Code = "not_found"
	Conflict       Code = "conflict"
	PayloadTooLarge Code = "payload_too_large"
	QuotaExceeded  Code = "quota_exceeded"
	RateLimited    Code = "rate_limited"
	CaptchaFailed  Code = "captcha_failed"
	Internal       Code = "internal"

	DirectoryJoinNotAllowed Code = "directory_join_not_allowed"
	DirectoryJoinUserBanned Code = "directory_join_user_banned"
	DirectoryJoinIPBanned   Code = "directory_join_ip_banned"
)

// Internal-only codes. These never cross the wire directly; they are mapped to one of the client-facing
// codes above before a response is written, but are distinguished internally for logging and for collapsing
// every authentication failure mode into a byte-identical Unauthorized response.
const (
	ReplayDetected       Code = "internal_replay_detected"
	SerializeError       Code = "internal_serialize_error"
	OutboundQueueFull    Code = "internal_outbound_queue_full"
	OutboundQueueClosed  Code = "internal_outbound_queue_closed"
	OutboundQueueOversize Code = "internal_outbound_queue_oversized"
)

// HTTPStatus maps a client-facing Code to the HTTP status it is always reported with. Internal-only codes
// have no direct HTTP mapping and must be translated to a client-facing code before a response is sent.
func HTTPStatus(code Code) int {
	switch code {
	case InvalidRequest:
		return fiber.StatusBadRequest
	case Unauthorized:
		return fiber.StatusUnauthorized
	case Forbidden:
		return fiber.StatusForbidden
	case NotFound:
		return fiber.StatusNotFound
	case Conflict:
		return fiber.StatusConflict
	case PayloadTooLarge:
		return fiber.StatusRequestEntityTooLarge
	case QuotaExceeded:
		return fiber.StatusForbidden
	case RateLimited:
		return fiber.StatusTooManyRequests
	case CaptchaFailed:
		return fiber.StatusBadRequest
	case DirectoryJoinNotAllowed, DirectoryJoinUserBanned, DirectoryJoinIPBanned:
		return fiber.StatusForbidden
	default:
		return fiber.StatusInternalServerError
	}
}

// Error is the error type handlers return up the call stack; it carries the wire code and a human message
// separately from the Go error chain so that wrapping with fmt.Errorf never loses the code.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds an Error carrying cause for logging, without leaking cause's text into the client-facing
// Message (callers choose what's safe to say to the client).
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}
