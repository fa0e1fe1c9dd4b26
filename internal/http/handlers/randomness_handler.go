package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/stakearena/fairness-engine/internal/http/dto"
	"github.com/stakearena/fairness-engine/internal/services"
	"github.com/stakearena/fairness-engine/internal/vrf"
)

type RandomnessHandler struct {
	randomness *services.RandomnessService
	log        *zap.Logger
}

func NewRandomnessHandler(randomness *services.RandomnessService, log *zap.Logger) *RandomnessHandler {
	return &RandomnessHandler{randomness: randomness, log: log}
}

// CommitSequence pre-commits the randomness for a match round.
// POST /randomness/commit
func (h *RandomnessHandler) CommitSequence(c *fiber.Ctx) error {
	var req dto.CommitSequenceRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	seq, err := h.randomness.CommitSequence(c.Context(), req.GameID, req.Round)
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: seq})
}

// GetCommitment returns the stored commitment for audit.
// GET /randomness/:gameId/:round
func (h *RandomnessHandler) GetCommitment(c *fiber.Ctx) error {
	gameID := c.Params("gameId")
	round, err := c.ParamsInt("round", -1)
	if err != nil || gameID == "" || round < 0 {
		return badRequest(c, "game id and round are required")
	}
	rec, err := h.randomness.GetCommitment(c.Context(), gameID, int64(round))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: rec})
}

// VerifySequence re-derives a published sequence. Public material only;
// anyone can call this against the derivation key.
// POST /randomness/verify
func (h *RandomnessHandler) VerifySequence(c *fiber.Ctx) error {
	var req dto.VerifySequenceRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	valid := h.randomness.VerifyCommitment(vrf.SequenceContext{
		GameID:    req.GameID,
		Round:     req.Round,
		Timestamp: req.Timestamp,
	}, req.Seed, req.Values, req.Proof)
	return c.JSON(dto.SuccessResponse{OK: true, Data: dto.VerifySequenceResponse{Valid: valid}})
}

// DerivationKey publishes the verification key.
// GET /randomness/derivation-key
func (h *RandomnessHandler) DerivationKey(c *fiber.Ctx) error {
	return c.JSON(dto.SuccessResponse{OK: true, Data: dto.DerivationKeyResponse{
		DerivationKey: h.randomness.DerivationKeyHex(),
	}})
}
