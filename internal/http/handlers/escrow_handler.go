package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stakearena/fairness-engine/internal/http/dto"
	"github.com/stakearena/fairness-engine/internal/middleware"
	"github.com/stakearena/fairness-engine/internal/models"
	"github.com/stakearena/fairness-engine/internal/services"
)

type EscrowHandler struct {
	escrowService *services.EscrowService
	hotWallet     string
	log           *zap.Logger
}

func NewEscrowHandler(escrowService *services.EscrowService, hotWallet string, log *zap.Logger) *EscrowHandler {
	return &EscrowHandler{escrowService: escrowService, hotWallet: hotWallet, log: log}
}

func parseIDParam(c *fiber.Ctx, name string) (uuid.UUID, error) {
	return uuid.Parse(c.Params(name))
}

// CreateEscrow opens an escrow for a match and returns per-participant
// deposit instructions.
// POST /escrows
func (h *EscrowHandler) CreateEscrow(c *fiber.Ctx) error {
	var req dto.CreateEscrowRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	input := services.CreateEscrowInput{
		EventType: req.EventType,
		EventID:   req.EventID,
	}
	for _, p := range req.Participants {
		input.Participants = append(input.Participants, services.ParticipantInput{
			PlayerID:      p.PlayerID,
			WalletAddress: p.WalletAddress,
			StakeNano:     p.StakeNano,
		})
	}

	escrow, participants, err := h.escrowService.CreateEscrow(c.Context(), input)
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{
		OK:   true,
		Data: dto.EscrowResponse{Escrow: escrow, Participants: participants},
	})
}

// GetEscrow returns the escrow with its participants.
// GET /escrows/:id
func (h *EscrowHandler) GetEscrow(c *fiber.Ctx) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return badRequest(c, "invalid escrow id")
	}
	escrow, participants, err := h.escrowService.GetEscrow(c.Context(), id)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(dto.SuccessResponse{
		OK:   true,
		Data: dto.EscrowResponse{Escrow: escrow, Participants: participants},
	})
}

// GetDeposits returns per-participant deposit instructions and status.
// GET /escrows/:id/deposits
func (h *EscrowHandler) GetDeposits(c *fiber.Ctx) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return badRequest(c, "invalid escrow id")
	}
	escrow, participants, err := h.escrowService.GetEscrow(c.Context(), id)
	if err != nil {
		return fail(c, err)
	}

	deposits := make([]dto.DepositInfoResponse, 0, len(participants))
	for _, p := range participants {
		deposits = append(deposits, dto.DepositInfoResponse{
			EscrowID:      escrow.ID.String(),
			WalletAddress: h.hotWallet,
			Memo:          p.DepositMemo,
			AmountNano:    p.RequiredAmountNano,
			Status:        p.DepositStatus,
		})
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: deposits})
}

// GetEvents returns the escrow's audit trail.
// GET /escrows/:id/events
func (h *EscrowHandler) GetEvents(c *fiber.Ctx) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return badRequest(c, "invalid escrow id")
	}
	entries, err := h.escrowService.GetEscrowEvents(c.Context(), id)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: entries})
}

// ProposeSettlement submits a payout table for signing.
// POST /escrows/:id/proposals
func (h *EscrowHandler) ProposeSettlement(c *fiber.Ctx) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return badRequest(c, "invalid escrow id")
	}
	var req dto.ProposeSettlementRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	payouts := make([]models.Payout, 0, len(req.Payouts))
	for _, p := range req.Payouts {
		participantID, err := uuid.Parse(p.ParticipantID)
		if err != nil {
			return badRequest(c, "participant_id must be a UUID")
		}
		payouts = append(payouts, models.Payout{
			ParticipantID: participantID,
			AmountNano:    p.AmountNano,
			Reason:        p.Reason,
		})
	}

	proposal, err := h.escrowService.ProposeSettlement(c.Context(), id, middleware.GetAuthorityID(c), payouts)
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: proposal})
}

// GetProposal returns a proposal with its signatures.
// GET /proposals/:id
func (h *EscrowHandler) GetProposal(c *fiber.Ctx) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return badRequest(c, "invalid proposal id")
	}
	proposal, err := h.escrowService.GetProposal(c.Context(), id)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: proposal})
}

// SignSettlement records the caller's signature over the proposal digest.
// POST /proposals/:id/signatures
func (h *EscrowHandler) SignSettlement(c *fiber.Ctx) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return badRequest(c, "invalid proposal id")
	}
	var req dto.SignSettlementRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Signature == "" {
		return badRequest(c, "signature is required")
	}

	if err := h.escrowService.SignSettlement(c.Context(), id, middleware.GetAuthorityID(c), req.Signature); err != nil {
		return fail(c, err)
	}
	proposal, err := h.escrowService.GetProposal(c.Context(), id)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: proposal})
}

// GetPayouts returns the durable payout records for a proposal.
// GET /proposals/:id/payouts
func (h *EscrowHandler) GetPayouts(c *fiber.Ctx) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return badRequest(c, "invalid proposal id")
	}
	payouts, err := h.escrowService.GetPayouts(c.Context(), id)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: payouts})
}

// InitiateDispute opens a dispute on behalf of a participant.
// POST /escrows/:id/disputes
func (h *EscrowHandler) InitiateDispute(c *fiber.Ctx) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return badRequest(c, "invalid escrow id")
	}
	var req dto.InitiateDisputeRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.InitiatorID == "" || req.Reason == "" {
		return badRequest(c, "initiator_id and reason are required")
	}

	dispute, err := h.escrowService.InitiateDispute(c.Context(), id, req.InitiatorID, req.Reason, req.Evidence)
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: dispute})
}

// ResolveDispute closes a dispute with a refund or resettle outcome.
// POST /disputes/:id/resolve  (admin)
func (h *EscrowHandler) ResolveDispute(c *fiber.Ctx) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return badRequest(c, "invalid dispute id")
	}
	var req dto.ResolveDisputeRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	if err := h.escrowService.ResolveDispute(c.Context(), id, middleware.GetAuthorityID(c), req.Resolution); err != nil {
		return fail(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true})
}

// Pause freezes an escrow.
// POST /escrows/:id/pause  (admin)
func (h *EscrowHandler) Pause(c *fiber.Ctx) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return badRequest(c, "invalid escrow id")
	}
	var req dto.PauseEscrowRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Reason == "" {
		return badRequest(c, "reason is required")
	}

	if err := h.escrowService.EmergencyPause(c.Context(), id, middleware.GetAuthorityID(c), req.Reason); err != nil {
		return fail(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true})
}

// Resume lifts a pause.
// POST /escrows/:id/resume  (admin)
func (h *EscrowHandler) Resume(c *fiber.Ctx) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return badRequest(c, "invalid escrow id")
	}
	if err := h.escrowService.ResumeEscrow(c.Context(), id, middleware.GetAuthorityID(c)); err != nil {
		return fail(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true})
}
