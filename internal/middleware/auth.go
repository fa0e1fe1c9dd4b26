package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stakearena/fairness-engine/internal/auth"
	"github.com/stakearena/fairness-engine/internal/config"
	"github.com/stakearena/fairness-engine/internal/models"
)

const (
	CtxAuthorityID   = "authority_id"
	CtxAuthorityRole = "authority_role"
)

func AuthMiddleware(cfg *config.Config, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing authorization header"})
		}

		tokenStr := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenStr == authHeader {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid authorization format"})
		}

		claims, err := auth.ParseJWT(cfg.JWTSecret, tokenStr)
		if err != nil {
			log.Debug("jwt parse error", zap.Error(err))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid or expired token"})
		}

		c.Locals(CtxAuthorityID, claims.AuthorityID)
		c.Locals(CtxAuthorityRole, claims.Role)

		return c.Next()
	}
}

func GetAuthorityID(c *fiber.Ctx) uuid.UUID {
	id, _ := c.Locals(CtxAuthorityID).(uuid.UUID)
	return id
}

func GetAuthorityRole(c *fiber.Ctx) string {
	role, _ := c.Locals(CtxAuthorityRole).(string)
	return role
}

// AdminMiddleware gates pause/resume and dispute resolution. The admin
// role claim or an explicit allow-list entry qualifies.
func AdminMiddleware(cfg *config.Config) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if GetAuthorityRole(c) == models.AuthorityRoleAdmin {
			return c.Next()
		}
		if cfg.IsAdminAuthority(GetAuthorityID(c).String()) {
			return c.Next()
		}
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "admin access required"})
	}
}
