package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/stakearena/fairness-engine/internal/http/dto"
	"github.com/stakearena/fairness-engine/internal/services"
	"github.com/stakearena/fairness-engine/internal/ton"
)

// WalletHandler manages payout wallet binding for players. The calling
// game server relays the TON Connect proof the player produced.
type WalletHandler struct {
	walletService *services.WalletService
	log           *zap.Logger
}

func NewWalletHandler(walletService *services.WalletService, log *zap.Logger) *WalletHandler {
	return &WalletHandler{walletService: walletService, log: log}
}

// GeneratePayload issues a nonce for the TON Proof.
// POST /players/:playerId/wallet/proof-payload
func (h *WalletHandler) GeneratePayload(c *fiber.Ctx) error {
	playerID := c.Params("playerId")
	if playerID == "" {
		return badRequest(c, "player id is required")
	}
	payload, err := h.walletService.GeneratePayload(c.Context(), &playerID)
	if err != nil {
		h.log.Error("failed to generate proof payload", zap.Error(err))
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"payload": payload})
}

// ConnectWallet binds the wallet after TON Proof verification.
// POST /players/:playerId/wallet/connect
func (h *WalletHandler) ConnectWallet(c *fiber.Ctx) error {
	playerID := c.Params("playerId")
	if playerID == "" {
		return badRequest(c, "player id is required")
	}

	var req struct {
		Address         string    `json:"address"`
		AddressFriendly string    `json:"address_friendly"`
		Network         string    `json:"network"`
		PublicKey       string    `json:"public_key"`
		Proof           ton.Proof `json:"proof"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Address == "" || req.PublicKey == "" || req.Proof.Signature == "" {
		return badRequest(c, "address, public_key, and proof.signature are required")
	}
	if req.AddressFriendly == "" {
		req.AddressFriendly = req.Address
	}

	wallet, err := h.walletService.ConnectWallet(c.Context(), playerID, services.ConnectWalletRequest{
		Address:         req.Address,
		AddressFriendly: req.AddressFriendly,
		Network:         req.Network,
		PublicKey:       req.PublicKey,
		Proof:           req.Proof,
	})
	if err != nil {
		h.log.Debug("wallet connect failed", zap.Error(err))
		return fail(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: wallet})
}

// DisconnectWallet detaches the player's wallet.
// DELETE /players/:playerId/wallet
func (h *WalletHandler) DisconnectWallet(c *fiber.Ctx) error {
	playerID := c.Params("playerId")
	if playerID == "" {
		return badRequest(c, "player id is required")
	}
	if err := h.walletService.DisconnectWallet(c.Context(), playerID); err != nil {
		return fail(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true})
}

// GetWallet returns the player's active wallet, null when none is bound.
// GET /players/:playerId/wallet
func (h *WalletHandler) GetWallet(c *fiber.Ctx) error {
	playerID := c.Params("playerId")
	if playerID == "" {
		return badRequest(c, "player id is required")
	}
	wallet, err := h.walletService.GetActiveWallet(c.Context(), playerID)
	if err != nil {
		return c.JSON(dto.SuccessResponse{OK: true, Data: nil})
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: wallet})
}
