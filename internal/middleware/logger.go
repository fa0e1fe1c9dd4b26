package middleware

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LoggerMiddleware emits one structured line per request. The authority id
// is included when auth ran first, so settlement actions are attributable.
func LoggerMiddleware(log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		reqID, _ := c.Locals(CtxRequestID).(string)
		fields := []zap.Field{
			zap.String("request_id", reqID),
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", c.Response().StatusCode()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.IP()),
		}
		if authorityID := GetAuthorityID(c); authorityID != uuid.Nil {
			fields = append(fields, zap.String("authority_id", authorityID.String()))
		}

		switch status := c.Response().StatusCode(); {
		case status >= 500:
			log.Error("request", fields...)
		case status >= 400:
			log.Warn("request", fields...)
		default:
			log.Info("request", fields...)
		}

		return err
	}
}
