package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stakearena/fairness-engine/internal/http/dto"
	"github.com/stakearena/fairness-engine/internal/models"
	"github.com/stakearena/fairness-engine/internal/services"
)

type ProofHandler struct {
	proofService *services.ProofService
	log          *zap.Logger
}

func NewProofHandler(proofService *services.ProofService, log *zap.Logger) *ProofHandler {
	return &ProofHandler{proofService: proofService, log: log}
}

// SubmitProof accepts a verification request; the check runs async on
// the proof queue.
// POST /proofs
func (h *ProofHandler) SubmitProof(c *fiber.Ctx) error {
	var req dto.SubmitProofRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	rec := &models.ProofRecord{
		GameID:    req.GameID,
		ProofType: req.ProofType,
		Payload:   req.Payload,
	}
	if req.EscrowID != nil {
		escrowID, err := uuid.Parse(*req.EscrowID)
		if err != nil {
			return badRequest(c, "escrow_id must be a UUID")
		}
		rec.EscrowID = &escrowID
	}
	if req.Deadline != nil {
		rec.Deadline = *req.Deadline
	}

	if err := h.proofService.SubmitProof(c.Context(), rec); err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(dto.SuccessResponse{OK: true, Data: rec})
}

// GetProof returns the record with its verdict once resolved.
// GET /proofs/:id
func (h *ProofHandler) GetProof(c *fiber.Ctx) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return badRequest(c, "invalid proof id")
	}
	rec, err := h.proofService.GetProof(c.Context(), id)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: rec})
}

// ListGameProofs returns the proof history for a game.
// GET /games/:gameId/proofs
func (h *ProofHandler) ListGameProofs(c *fiber.Ctx) error {
	gameID := c.Params("gameId")
	if gameID == "" {
		return badRequest(c, "game id is required")
	}
	limit := c.QueryInt("limit", 50)
	records, err := h.proofService.ListGameProofs(c.Context(), gameID, limit)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: records})
}
