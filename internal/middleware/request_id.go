package middleware

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

const CtxRequestID = "request_id"

// RequestIDMiddleware propagates a caller-supplied X-Request-ID when it is
// a well-formed UUID and mints one otherwise; arbitrary caller strings are
// not trusted into the logs.
func RequestIDMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		reqID := c.Get("X-Request-ID")
		if _, err := uuid.Parse(reqID); err != nil {
			reqID = uuid.New().String()
		}
		c.Locals(CtxRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}
