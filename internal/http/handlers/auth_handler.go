package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stakearena/fairness-engine/internal/http/dto"
	"github.com/stakearena/fairness-engine/internal/services"
)

type AuthHandler struct {
	authService *services.AuthService
	log         *zap.Logger
}

func NewAuthHandler(authService *services.AuthService, log *zap.Logger) *AuthHandler {
	return &AuthHandler{authService: authService, log: log}
}

// Challenge issues a single-use login nonce.
// POST /auth/challenge
func (h *AuthHandler) Challenge(c *fiber.Ctx) error {
	nonce, err := h.authService.Challenge(c.Context())
	if err != nil {
		h.log.Error("failed to issue challenge", zap.Error(err))
		return fail(c, err)
	}
	return c.JSON(dto.AuthChallengeResponse{Nonce: nonce})
}

// Token exchanges a signed nonce for a JWT.
// POST /auth/token
func (h *AuthHandler) Token(c *fiber.Ctx) error {
	var req dto.AuthTokenRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.AuthorityID == "" || req.Nonce == "" || req.Signature == "" {
		return badRequest(c, "authority_id, nonce and signature are required")
	}
	authorityID, err := uuid.Parse(req.AuthorityID)
	if err != nil {
		return badRequest(c, "authority_id must be a UUID")
	}

	token, authority, err := h.authService.IssueToken(c.Context(), authorityID, req.Nonce, req.Signature)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(dto.AuthTokenResponse{Token: token, Authority: authority})
}
