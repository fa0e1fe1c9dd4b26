package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/stakearena/fairness-engine/internal/apperr"
	"github.com/stakearena/fairness-engine/internal/config"
	"github.com/stakearena/fairness-engine/internal/models"
	"github.com/stakearena/fairness-engine/internal/ton"
)

// WalletStore is the persistence surface for TON Connect wallet binding.
type WalletStore interface {
	CreateProofPayload(ctx context.Context, playerID *string, ttl time.Duration) (*models.TonProofPayload, error)
	ConsumeProofPayload(ctx context.Context, payload string) (*models.TonProofPayload, error)
	ConnectWallet(ctx context.Context, w *models.PlayerWallet) error
	DeactivateAllWallets(ctx context.Context, playerID string) error
	GetActiveWallet(ctx context.Context, playerID string) (*models.PlayerWallet, error)
}

// WalletService binds payout wallets to players via TON Connect proof.
// Escrow participants must stake from and get paid to a wallet they have
// proven ownership of.
type WalletService struct {
	wallets   WalletStore
	auditRepo AuditStore
	cfg       *config.Config
	log       *zap.Logger
}

func NewWalletService(wallets WalletStore, auditRepo AuditStore, cfg *config.Config, log *zap.Logger) *WalletService {
	return &WalletService{wallets: wallets, auditRepo: auditRepo, cfg: cfg, log: log}
}

// GeneratePayload issues a single-use nonce for the TON Connect proof.
func (s *WalletService) GeneratePayload(ctx context.Context, playerID *string) (string, error) {
	p, err := s.wallets.CreateProofPayload(ctx, playerID, 5*time.Minute)
	if err != nil {
		return "", err
	}
	return p.Payload, nil
}

type ConnectWalletRequest struct {
	Address         string    `json:"address"`          // raw: "0:abc..."
	AddressFriendly string    `json:"address_friendly"` // "EQ..." / "UQ..."
	Network         string    `json:"network"`
	PublicKey       string    `json:"public_key"` // hex
	Proof           ton.Proof `json:"proof"`
}

// ConnectWallet verifies the TON Connect ownership proof and binds the
// wallet to the player, replacing any previously active wallet.
func (s *WalletService) ConnectWallet(ctx context.Context, playerID string, req ConnectWalletRequest) (*models.PlayerWallet, error) {
	// Consuming the nonce guards against replayed proofs.
	if _, err := s.wallets.ConsumeProofPayload(ctx, req.Proof.Payload); err != nil {
		return nil, apperr.Unauthorized("invalid or expired proof payload: %v", err)
	}

	workchain, addrHash, err := ton.ParseRawAddress(req.Address)
	if err != nil {
		return nil, apperr.Validation("invalid TON address: %v", err)
	}

	if req.Network != "" && req.Network != s.cfg.TONNetwork {
		return nil, apperr.Validation("network mismatch: expected %s, got %s", s.cfg.TONNetwork, req.Network)
	}

	if err := ton.VerifyProof(req.PublicKey, addrHash, workchain, req.Proof, s.cfg.TONProofAllowedDomains); err != nil {
		return nil, apperr.Unauthorized("TON proof verification failed: %v", err)
	}

	if err := s.wallets.DeactivateAllWallets(ctx, playerID); err != nil {
		s.log.Warn("failed to deactivate old wallets", zap.String("player_id", playerID), zap.Error(err))
	}

	wallet := &models.PlayerWallet{
		PlayerID:        playerID,
		Address:         req.Address,
		AddressFriendly: req.AddressFriendly,
		Network:         req.Network,
		PublicKey:       req.PublicKey,
		ProofPayload:    req.Proof.Payload,
		ProofSignature:  req.Proof.Signature,
		ProofTimestamp:  req.Proof.Timestamp,
		ProofDomain:     req.Proof.Domain.Value,
		Verified:        true,
		IsActive:        true,
	}
	if err := s.wallets.ConnectWallet(ctx, wallet); err != nil {
		return nil, err
	}

	_ = s.auditRepo.Log(ctx, models.AuditLog{
		ActorType:  "participant",
		Action:     "wallet_connected",
		EntityType: "player_wallet",
		EntityID:   &wallet.ID,
		Meta:       map[string]any{"player_id": playerID, "address": req.AddressFriendly, "network": req.Network},
	})

	s.log.Info("wallet connected",
		zap.String("player_id", playerID),
		zap.String("address", req.AddressFriendly),
	)
	return wallet, nil
}

// DisconnectWallet detaches the player's active wallet.
func (s *WalletService) DisconnectWallet(ctx context.Context, playerID string) error {
	if err := s.wallets.DeactivateAllWallets(ctx, playerID); err != nil {
		return err
	}
	_ = s.auditRepo.Log(ctx, models.AuditLog{
		ActorType:  "participant",
		Action:     "wallet_disconnected",
		EntityType: "player_wallet",
		Meta:       map[string]any{"player_id": playerID},
	})
	return nil
}

// GetActiveWallet returns the player's current verified wallet.
func (s *WalletService) GetActiveWallet(ctx context.Context, playerID string) (*models.PlayerWallet, error) {
	w, err := s.wallets.GetActiveWallet(ctx, playerID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindNotFound, err)
	}
	return w, nil
}
