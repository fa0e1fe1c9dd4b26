package services

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stakearena/fairness-engine/internal/apperr"
	"github.com/stakearena/fairness-engine/internal/config"
	"github.com/stakearena/fairness-engine/internal/events"
	"github.com/stakearena/fairness-engine/internal/jobs"
	"github.com/stakearena/fairness-engine/internal/metrics"
	"github.com/stakearena/fairness-engine/internal/models"
)

const settlementLockTTL = 2 * time.Minute

type EscrowService struct {
	escrows     EscrowStore
	proposals   ProposalStore
	authorities AuthorityStore
	disputes    DisputeStore
	auditRepo   AuditStore
	queue       Enqueuer
	transfer    Transferer
	locks       Locker
	publisher   events.Publisher
	cfg         *config.Config
	log         *zap.Logger
}

func NewEscrowService(
	escrows EscrowStore,
	proposals ProposalStore,
	authorities AuthorityStore,
	disputes DisputeStore,
	auditRepo AuditStore,
	queue Enqueuer,
	transfer Transferer,
	locks Locker,
	publisher events.Publisher,
	cfg *config.Config,
	log *zap.Logger,
) *EscrowService {
	return &EscrowService{
		escrows:     escrows,
		proposals:   proposals,
		authorities: authorities,
		disputes:    disputes,
		auditRepo:   auditRepo,
		queue:       queue,
		transfer:    transfer,
		locks:       locks,
		publisher:   publisher,
		cfg:         cfg,
		log:         log,
	}
}

// SigningDigest is the canonical byte string an authority signs to endorse
// a proposal. Field order is fixed; any change to the payout table changes
// the digest.
func SigningDigest(p *models.SettlementProposal) []byte {
	h := sha256.New()
	h.Write([]byte("settlement-proposal-v1/"))
	h.Write(p.ID[:])
	h.Write(p.EscrowID[:])
	for _, payout := range p.Payouts {
		h.Write(payout.ParticipantID[:])
		var amount [8]byte
		binary.BigEndian.PutUint64(amount[:], uint64(payout.AmountNano))
		h.Write(amount[:])
		h.Write([]byte(payout.Reason))
		h.Write([]byte{0})
	}
	var fee [8]byte
	binary.BigEndian.PutUint64(fee[:], uint64(p.PlatformFeeNano))
	h.Write(fee[:])
	return h.Sum(nil)
}

// transition validates and performs a guarded status change with audit
// logging. The store predicate is the arbiter under concurrency: a lost
// race surfaces as a conflict, never a double transition.
func (s *EscrowService) transition(ctx context.Context, e *models.Escrow, newStatus string, actorID *uuid.UUID, actorType string) error {
	if e.IsPaused() {
		return apperr.State("escrow %s is paused", e.ID)
	}
	if !models.IsValidTransition(e.Status, newStatus) {
		return apperr.State("invalid transition from %s to %s", e.Status, newStatus)
	}

	ok, err := s.escrows.UpdateStatus(ctx, e.ID, e.Status, newStatus)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Conflict("escrow %s left status %s concurrently", e.ID, e.Status)
	}

	oldStatus := e.Status
	e.Status = newStatus

	_ = s.auditRepo.Log(ctx, models.AuditLog{
		ActorID:    actorID,
		ActorType:  actorType,
		Action:     fmt.Sprintf("escrow_status_%s_to_%s", oldStatus, newStatus),
		EntityType: "escrow",
		EntityID:   &e.ID,
		Meta:       map[string]any{"old_status": oldStatus, "new_status": newStatus},
	})

	return nil
}

type ParticipantInput struct {
	PlayerID      string `json:"player_id"`
	WalletAddress string `json:"wallet_address"`
	StakeNano     int64  `json:"stake_nano"`
}

type CreateEscrowInput struct {
	EventType    string             `json:"event_type"`
	EventID      string             `json:"event_id"`
	Participants []ParticipantInput `json:"participants"`
}

func isValidEventType(t string) bool {
	switch t {
	case models.EventTypeMatch, models.EventTypeTournament, models.EventTypeBet:
		return true
	}
	return false
}

// CreateEscrow opens a deposit-collection window for a wagered event. Each
// participant gets a unique transfer memo; the on-chain indexer matches
// incoming payments against those memos.
func (s *EscrowService) CreateEscrow(ctx context.Context, input CreateEscrowInput) (*models.Escrow, []models.Participant, error) {
	if !isValidEventType(input.EventType) {
		return nil, nil, apperr.Validation("invalid event type %q", input.EventType)
	}
	if input.EventID == "" {
		return nil, nil, apperr.Validation("event_id is required")
	}
	if len(input.Participants) < 2 {
		return nil, nil, apperr.Validation("escrow requires at least two participants")
	}

	var total int64
	seen := make(map[string]bool, len(input.Participants))
	participants := make([]models.Participant, 0, len(input.Participants))
	for _, in := range input.Participants {
		if in.PlayerID == "" || in.WalletAddress == "" {
			return nil, nil, apperr.Validation("participant player_id and wallet_address are required")
		}
		if in.StakeNano <= 0 {
			return nil, nil, apperr.Validation("stake for player %s must be positive", in.PlayerID)
		}
		if seen[in.PlayerID] {
			return nil, nil, apperr.Validation("duplicate participant %s", in.PlayerID)
		}
		seen[in.PlayerID] = true
		total += in.StakeNano
		participants = append(participants, models.Participant{
			PlayerID:           in.PlayerID,
			WalletAddress:      in.WalletAddress,
			RequiredAmountNano: in.StakeNano,
			DepositStatus:      models.DepositStatusPending,
			DepositMemo:        "stake:" + uuid.New().String(),
		})
	}

	escrow := &models.Escrow{
		EventType:       input.EventType,
		EventID:         input.EventID,
		TotalAmountNano: total,
		PlatformFeeBPS:  s.cfg.PlatformFeeBPS,
		DepositAddress:  s.cfg.TONHotWalletAddress,
		Status:          models.EscrowStatusPendingDeposits,
		ExpiresAt:       time.Now().Add(s.cfg.EscrowTTL),
	}

	if err := s.escrows.Create(ctx, escrow, participants); err != nil {
		return nil, nil, err
	}

	_ = s.auditRepo.Log(ctx, models.AuditLog{
		ActorType:  "system",
		Action:     "escrow_created",
		EntityType: "escrow",
		EntityID:   &escrow.ID,
		Meta: map[string]any{
			"event_type":   input.EventType,
			"event_id":     input.EventID,
			"total_nano":   total,
			"participants": len(participants),
		},
	})

	s.log.Info("escrow created",
		zap.String("escrow_id", escrow.ID.String()),
		zap.String("event_id", input.EventID),
		zap.Int64("total_nano", total),
	)
	return escrow, participants, nil
}

// ProcessDeposit records a verified on-chain payment. Called by the deposit
// indexer with chain-confirmed amounts only; the engine never trusts a
// client-reported deposit. Activates the escrow once the last participant
// has paid in full.
func (s *EscrowService) ProcessDeposit(ctx context.Context, memo, txRef string, amountNano int64) error {
	participant, err := s.escrows.GetParticipantByMemo(ctx, memo)
	if err != nil {
		return apperr.NotFound("no participant for memo %q: %w", memo, err)
	}

	escrow, err := s.escrows.GetByID(ctx, participant.EscrowID)
	if err != nil {
		return err
	}
	if escrow.IsPaused() {
		return apperr.State("escrow %s is paused", escrow.ID)
	}
	if escrow.Status != models.EscrowStatusPendingDeposits {
		return apperr.State("escrow %s is not collecting deposits (status %s)", escrow.ID, escrow.Status)
	}
	if amountNano < participant.RequiredAmountNano {
		return apperr.Validation("deposit %d below required %d for memo %q",
			amountNano, participant.RequiredAmountNano, memo)
	}

	ok, err := s.escrows.MarkDeposit(ctx, participant.ID, txRef)
	if err != nil {
		return err
	}
	if !ok {
		// Replayed transaction for an already completed deposit.
		s.log.Debug("duplicate deposit ignored", zap.String("memo", memo), zap.String("tx_ref", txRef))
		return nil
	}

	_ = s.auditRepo.Log(ctx, models.AuditLog{
		ActorType:  "system",
		Action:     "deposit_received",
		EntityType: "escrow",
		EntityID:   &escrow.ID,
		Meta:       map[string]any{"player_id": participant.PlayerID, "amount_nano": amountNano, "tx_ref": txRef},
	})
	_ = s.publisher.Publish(ctx, events.Stream, events.Event{
		Type: events.EventDepositReceived,
		Payload: map[string]any{
			"escrow_id":   escrow.ID.String(),
			"player_id":   participant.PlayerID,
			"amount_nano": amountNano,
			"tx_ref":      txRef,
		},
	})

	pending, err := s.escrows.CountPendingDeposits(ctx, escrow.ID)
	if err != nil {
		return err
	}
	if pending > 0 {
		return nil
	}

	if err := s.transition(ctx, escrow, models.EscrowStatusActive, nil, "system"); err != nil {
		// Another deposit handler activated it first.
		if apperr.KindOf(err) == apperr.KindConflict {
			return nil
		}
		return err
	}
	_ = s.publisher.Publish(ctx, events.Stream, events.Event{
		Type:    events.EventEscrowActive,
		Payload: map[string]any{"escrow_id": escrow.ID.String()},
	})
	s.log.Info("escrow active, all deposits received", zap.String("escrow_id", escrow.ID.String()))
	return nil
}

// checkAuthority loads and vets an authority for the given roles.
func (s *EscrowService) checkAuthority(ctx context.Context, id uuid.UUID, roles ...string) (*models.Authority, error) {
	authority, err := s.authorities.GetByID(ctx, id)
	if err != nil {
		return nil, apperr.Unauthorized("unknown authority %s", id)
	}
	if !authority.IsActive {
		return nil, apperr.Unauthorized("authority %s is deactivated", id)
	}
	for _, r := range roles {
		if authority.Role == r {
			return authority, nil
		}
	}
	return nil, apperr.Unauthorized("authority %s role %s not permitted", id, authority.Role)
}

// ProposeSettlement opens a signature round over a payout table. The table
// must conserve the pot: payouts plus the platform fee equal the total
// staked amount within the rounding tolerance. A new proposal supersedes
// any open one.
func (s *EscrowService) ProposeSettlement(ctx context.Context, escrowID, proposerID uuid.UUID, payouts []models.Payout) (*models.SettlementProposal, error) {
	if _, err := s.checkAuthority(ctx, proposerID, models.AuthorityRoleSettlement, models.AuthorityRoleAdmin); err != nil {
		return nil, err
	}

	escrow, err := s.escrows.GetByID(ctx, escrowID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindNotFound, err)
	}
	if escrow.IsPaused() {
		return nil, apperr.State("escrow %s is paused", escrowID)
	}
	switch escrow.Status {
	case models.EscrowStatusActive, models.EscrowStatusDisputed, models.EscrowStatusPendingSettle:
	default:
		return nil, apperr.State("escrow %s cannot accept proposals in status %s", escrowID, escrow.Status)
	}

	participants, err := s.escrows.GetParticipants(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	known := make(map[uuid.UUID]bool, len(participants))
	for _, p := range participants {
		known[p.ID] = true
	}

	fee := escrow.PlatformFeeNano()
	var sum int64
	for _, payout := range payouts {
		if payout.AmountNano < 0 {
			return nil, apperr.Validation("negative payout for participant %s", payout.ParticipantID)
		}
		if !known[payout.ParticipantID] {
			return nil, apperr.Validation("participant %s does not belong to escrow %s", payout.ParticipantID, escrowID)
		}
		sum += payout.AmountNano
	}
	diff := escrow.TotalAmountNano - sum - fee
	if diff < -models.SumToleranceNano || diff > models.SumToleranceNano {
		return nil, apperr.Validation("payouts %d + fee %d do not conserve pot %d", sum, fee, escrow.TotalAmountNano)
	}

	if err := s.proposals.SupersedePending(ctx, escrowID); err != nil {
		return nil, err
	}

	proposal := &models.SettlementProposal{
		EscrowID:           escrowID,
		ProposerID:         proposerID,
		Payouts:            payouts,
		PlatformFeeNano:    fee,
		RequiredSignatures: s.cfg.SignatureThreshold,
		Status:             models.ProposalStatusPendingSignatures,
		ExpiresAt:          time.Now().Add(s.cfg.DisputeWindow),
	}
	if err := s.proposals.Create(ctx, proposal); err != nil {
		return nil, err
	}

	if escrow.Status != models.EscrowStatusPendingSettle {
		if err := s.transition(ctx, escrow, models.EscrowStatusPendingSettle, &proposerID, "authority"); err != nil {
			return nil, err
		}
	}
	if err := s.escrows.SetCurrentProposal(ctx, escrowID, proposal.ID); err != nil {
		return nil, err
	}

	_ = s.auditRepo.Log(ctx, models.AuditLog{
		ActorID:    &proposerID,
		ActorType:  "authority",
		Action:     "settlement_proposed",
		EntityType: "escrow",
		EntityID:   &escrowID,
		Meta:       map[string]any{"proposal_id": proposal.ID.String(), "payouts": len(payouts), "fee_nano": fee},
	})
	_ = s.publisher.Publish(ctx, events.Stream, events.Event{
		Type: events.EventSettlementProposed,
		Payload: map[string]any{
			"escrow_id":   escrowID.String(),
			"proposal_id": proposal.ID.String(),
		},
	})
	return proposal, nil
}

// SignSettlement records one authority endorsement. The signature is an
// ed25519 signature over SigningDigest. Reaching the threshold marks the
// proposal approved and schedules execution after the settlement delay.
func (s *EscrowService) SignSettlement(ctx context.Context, proposalID, authorityID uuid.UUID, signatureHex string) error {
	authority, err := s.checkAuthority(ctx, authorityID, models.AuthorityRoleSettlement, models.AuthorityRoleAdmin)
	if err != nil {
		return err
	}

	proposal, err := s.proposals.GetByID(ctx, proposalID)
	if err != nil {
		return apperr.Wrap(apperr.KindNotFound, err)
	}
	if proposal.Status != models.ProposalStatusPendingSignatures {
		return apperr.State("proposal %s is %s, not signable", proposalID, proposal.Status)
	}
	if time.Now().After(proposal.ExpiresAt) {
		return apperr.State("signing window for proposal %s closed at %s", proposalID, proposal.ExpiresAt)
	}

	pub, err := hex.DecodeString(authority.PublicKeyHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return apperr.Unauthorized("authority %s has no usable public key", authorityID)
	}
	sig, err := hex.DecodeString(signatureHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return apperr.Validation("signature must be 64 hex-encoded bytes")
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), SigningDigest(proposal), sig) {
		return apperr.Unauthorized("signature verification failed for authority %s", authorityID)
	}

	count, ok, err := s.proposals.AddSignature(ctx, proposalID, models.ProposalSignature{
		AuthorityID: authorityID,
		Signature:   signatureHex,
		SignedAt:    time.Now(),
	})
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Conflict("authority %s already signed proposal %s or it is closed", authorityID, proposalID)
	}

	_ = s.auditRepo.Log(ctx, models.AuditLog{
		ActorID:    &authorityID,
		ActorType:  "authority",
		Action:     "settlement_signed",
		EntityType: "settlement_proposal",
		EntityID:   &proposalID,
		Meta:       map[string]any{"signatures": count, "required": proposal.RequiredSignatures},
	})
	_ = s.publisher.Publish(ctx, events.Stream, events.Event{
		Type: events.EventSettlementSigned,
		Payload: map[string]any{
			"proposal_id": proposalID.String(),
			"escrow_id":   proposal.EscrowID.String(),
			"signatures":  count,
			"required":    proposal.RequiredSignatures,
		},
	})

	if count < proposal.RequiredSignatures {
		return nil
	}

	approved, err := s.proposals.MarkApproved(ctx, proposalID)
	if err != nil {
		return err
	}
	if !approved {
		// A concurrent signer crossed the threshold first.
		return nil
	}
	return s.scheduleExecution(ctx, proposal)
}

// scheduleExecution moves the escrow to ready_to_settle and enqueues the
// delayed settlement job. The idempotency key collapses duplicate schedules
// for the same escrow.
func (s *EscrowService) scheduleExecution(ctx context.Context, proposal *models.SettlementProposal) error {
	escrow, err := s.escrows.GetByID(ctx, proposal.EscrowID)
	if err != nil {
		return err
	}
	if err := s.transition(ctx, escrow, models.EscrowStatusReadyToSettle, nil, "system"); err != nil {
		if apperr.KindOf(err) == apperr.KindConflict || apperr.KindOf(err) == apperr.KindState {
			s.log.Warn("approved proposal but escrow moved on",
				zap.String("escrow_id", escrow.ID.String()),
				zap.String("status", escrow.Status),
			)
			return nil
		}
		return err
	}

	_, err = s.queue.Enqueue(ctx, jobs.QueueSettlement, jobs.KindExecuteSettlement,
		SettlementJobPayload{ProposalID: proposal.ID, EscrowID: proposal.EscrowID},
		jobs.EnqueueOptions{
			Priority:       1,
			Delay:          s.cfg.SettlementDelay,
			MaxAttempts:    s.cfg.SettlementMaxAttempts,
			Backoff:        jobs.Backoff{Policy: jobs.BackoffExponential, Base: 30 * time.Second},
			// Keyed on the proposal, not the escrow: a replacement proposal
			// approved after a resettled dispute must get its own job.
			IdempotencyKey: "settle:" + proposal.ID.String(),
		})
	if err != nil && !errors.Is(err, jobs.ErrDuplicate) {
		return err
	}

	_ = s.publisher.Publish(ctx, events.Stream, events.Event{
		Type: events.EventSettlementReady,
		Payload: map[string]any{
			"escrow_id":   proposal.EscrowID.String(),
			"proposal_id": proposal.ID.String(),
			"execute_at":  time.Now().Add(s.cfg.SettlementDelay).Unix(),
		},
	})
	return nil
}

// ExecuteSettlement performs the payout transfers for an approved proposal.
// At-most-once per transfer: a Redis lock serializes executors, and each
// transfer claims a durable payout row before any money moves. A transfer
// that fails mid-batch leaves its row failed; the retry re-attempts only
// the unpaid subset.
func (s *EscrowService) ExecuteSettlement(ctx context.Context, proposalID uuid.UUID) error {
	proposal, err := s.proposals.GetByID(ctx, proposalID)
	if err != nil {
		return err
	}
	if proposal.Status != models.ProposalStatusApproved {
		s.log.Info("skipping execution of non-approved proposal",
			zap.String("proposal_id", proposalID.String()),
			zap.String("status", proposal.Status),
		)
		return nil
	}

	escrow, err := s.escrows.GetByID(ctx, proposal.EscrowID)
	if err != nil {
		return err
	}
	if escrow.IsPaused() {
		return apperr.Transient("escrow %s is paused, deferring settlement", escrow.ID)
	}
	if escrow.Status != models.EscrowStatusReadyToSettle {
		// Disputed or already settled while the job sat in the queue.
		s.log.Info("skipping settlement, escrow not ready",
			zap.String("escrow_id", escrow.ID.String()),
			zap.String("status", escrow.Status),
		)
		return nil
	}

	lockKey := "settlement:" + escrow.ID.String()
	acquired, err := s.locks.Acquire(ctx, lockKey, settlementLockTTL)
	if err != nil {
		return apperr.Transient("settlement lock: %w", err)
	}
	if !acquired {
		return apperr.Transient("settlement for escrow %s already in flight", escrow.ID)
	}
	defer func() { _ = s.locks.Release(ctx, lockKey) }()

	participants, err := s.escrows.GetParticipants(ctx, escrow.ID)
	if err != nil {
		return err
	}
	wallets := make(map[uuid.UUID]string, len(participants))
	for _, p := range participants {
		wallets[p.ID] = p.WalletAddress
	}

	failed := 0
	for _, payout := range proposal.Payouts {
		if payout.AmountNano == 0 {
			continue
		}
		wallet, ok := wallets[payout.ParticipantID]
		if !ok {
			return apperr.State("payout references unknown participant %s", payout.ParticipantID)
		}
		sent, err := s.sendPayout(ctx, proposalID, payout.ParticipantID, payout.Reason, wallet,
			payout.AmountNano, "settle:"+escrow.ID.String())
		if err != nil {
			return err
		}
		if !sent {
			failed++
		}
	}

	// The platform fee stays in the hot wallet; the row makes the retention
	// auditable alongside the transfers.
	feeRow := &models.PayoutResult{
		ProposalID:    proposalID,
		ParticipantID: uuid.Nil,
		Reason:        models.FeeReason,
		AmountNano:    proposal.PlatformFeeNano,
		Status:        models.PayoutStatusSent,
	}
	if _, err := s.escrows.RecordPayout(ctx, feeRow); err != nil {
		return err
	}

	if failed > 0 {
		_ = s.publisher.Publish(ctx, events.Stream, events.Event{
			Type: events.EventSettlementFailed,
			Payload: map[string]any{
				"escrow_id":   escrow.ID.String(),
				"proposal_id": proposalID.String(),
				"failed":      failed,
			},
		})
		return apperr.Transient("%d of %d transfers failed", failed, len(proposal.Payouts))
	}

	settled, err := s.escrows.MarkSettled(ctx, escrow.ID)
	if err != nil {
		return err
	}
	if !settled {
		s.log.Warn("payouts sent but escrow left ready_to_settle concurrently",
			zap.String("escrow_id", escrow.ID.String()))
		return nil
	}

	_ = s.auditRepo.Log(ctx, models.AuditLog{
		ActorType:  "system",
		Action:     "settlement_executed",
		EntityType: "escrow",
		EntityID:   &escrow.ID,
		Meta:       map[string]any{"proposal_id": proposalID.String(), "fee_nano": proposal.PlatformFeeNano},
	})
	_ = s.publisher.Publish(ctx, events.Stream, events.Event{
		Type: events.EventSettlementExecuted,
		Payload: map[string]any{
			"escrow_id":   escrow.ID.String(),
			"proposal_id": proposalID.String(),
		},
	})
	s.log.Info("settlement executed",
		zap.String("escrow_id", escrow.ID.String()),
		zap.String("proposal_id", proposalID.String()),
	)
	return nil
}

// sendPayout performs one claim-then-transfer. Returns sent=false when the
// transfer itself failed (row downgraded for retry); a pre-existing claim
// counts as sent.
func (s *EscrowService) sendPayout(ctx context.Context, proposalID, participantID uuid.UUID, reason, wallet string, amountNano int64, comment string) (bool, error) {
	if err := s.escrows.DeleteFailedPayout(ctx, proposalID, participantID, reason); err != nil {
		return false, err
	}
	row := &models.PayoutResult{
		ProposalID:    proposalID,
		ParticipantID: participantID,
		Reason:        reason,
		AmountNano:    amountNano,
		Status:        models.PayoutStatusSent,
	}
	conflict, err := s.escrows.RecordPayout(ctx, row)
	if err != nil {
		return false, err
	}
	if conflict {
		// A previous attempt already claimed this transfer.
		return true, nil
	}

	txRef, err := s.transfer.Transfer(ctx, wallet, amountNano, comment)
	if err != nil {
		s.log.Error("transfer failed",
			zap.String("participant_id", participantID.String()),
			zap.Int64("amount_nano", amountNano),
			zap.Error(err),
		)
		if merr := s.escrows.MarkPayoutFailed(ctx, proposalID, participantID, reason, err.Error()); merr != nil {
			return false, merr
		}
		return false, nil
	}
	metrics.TransfersSent.Inc()
	return true, s.escrows.MarkPayoutSent(ctx, proposalID, participantID, reason, txRef)
}

// RefundEscrow cancels an escrow and returns completed deposits to their
// owners. Used for expired deposit windows and refund dispute resolutions.
// Refund rows reuse the payout machinery with a nil proposal id.
func (s *EscrowService) RefundEscrow(ctx context.Context, escrowID uuid.UUID) error {
	escrow, err := s.escrows.GetByID(ctx, escrowID)
	if err != nil {
		return err
	}
	if escrow.IsPaused() {
		return apperr.Transient("escrow %s is paused, deferring refund", escrowID)
	}

	switch escrow.Status {
	case models.EscrowStatusSettled:
		return nil
	case models.EscrowStatusCancelled:
		// Retry after a partial refund: fall through to re-attempt transfers.
	case models.EscrowStatusPendingDeposits, models.EscrowStatusDisputed:
		if err := s.transition(ctx, escrow, models.EscrowStatusCancelled, nil, "system"); err != nil {
			if apperr.KindOf(err) == apperr.KindConflict {
				return nil
			}
			return err
		}
	default:
		return apperr.State("escrow %s cannot be refunded from status %s", escrowID, escrow.Status)
	}

	lockKey := "settlement:" + escrowID.String()
	acquired, err := s.locks.Acquire(ctx, lockKey, settlementLockTTL)
	if err != nil {
		return apperr.Transient("refund lock: %w", err)
	}
	if !acquired {
		return apperr.Transient("refund for escrow %s already in flight", escrowID)
	}
	defer func() { _ = s.locks.Release(ctx, lockKey) }()

	participants, err := s.escrows.GetParticipants(ctx, escrowID)
	if err != nil {
		return err
	}

	failed := 0
	refunded := 0
	for _, p := range participants {
		if p.DepositStatus != models.DepositStatusCompleted {
			continue
		}
		sent, err := s.sendPayout(ctx, uuid.Nil, p.ID, "refund", p.WalletAddress,
			p.RequiredAmountNano, "refund:"+escrowID.String())
		if err != nil {
			return err
		}
		if sent {
			refunded++
		} else {
			failed++
		}
	}
	if failed > 0 {
		return apperr.Transient("%d refund transfers failed", failed)
	}

	_ = s.auditRepo.Log(ctx, models.AuditLog{
		ActorType:  "system",
		Action:     "escrow_refunded",
		EntityType: "escrow",
		EntityID:   &escrowID,
		Meta:       map[string]any{"refunded": refunded},
	})
	_ = s.publisher.Publish(ctx, events.Stream, events.Event{
		Type:    events.EventEscrowRefunded,
		Payload: map[string]any{"escrow_id": escrowID.String(), "refunded": refunded},
	})
	return nil
}

// ExpireEscrows sweeps deposit windows past their deadline, scheduling a
// refund for each. Runs on the maintenance queue.
func (s *EscrowService) ExpireEscrows(ctx context.Context) error {
	expired, err := s.escrows.ListExpiredPending(ctx, time.Now(), 100)
	if err != nil {
		return err
	}
	for _, e := range expired {
		_, err := s.queue.Enqueue(ctx, jobs.QueueSettlement, jobs.KindRefundEscrow,
			RefundJobPayload{EscrowID: e.ID},
			jobs.EnqueueOptions{
				MaxAttempts:    s.cfg.SettlementMaxAttempts,
				Backoff:        jobs.Backoff{Policy: jobs.BackoffExponential, Base: 30 * time.Second},
				IdempotencyKey: "refund:" + e.ID.String(),
			})
		if err != nil {
			if errors.Is(err, jobs.ErrDuplicate) {
				continue
			}
			return err
		}
		_ = s.publisher.Publish(ctx, events.Stream, events.Event{
			Type:    events.EventEscrowExpired,
			Payload: map[string]any{"escrow_id": e.ID.String()},
		})
		s.log.Info("deposit window expired, refund scheduled", zap.String("escrow_id", e.ID.String()))
	}
	return nil
}

// InitiateDispute freezes settlement for an escrow under contest. The
// dispute itself is arbitrated outside the engine; here it only gates the
// state machine.
func (s *EscrowService) InitiateDispute(ctx context.Context, escrowID uuid.UUID, initiatorID, reason string, evidence any) (*models.Dispute, error) {
	if initiatorID == "" || reason == "" {
		return nil, apperr.Validation("initiator_id and reason are required")
	}

	escrow, err := s.escrows.GetByID(ctx, escrowID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindNotFound, err)
	}
	switch escrow.Status {
	case models.EscrowStatusActive, models.EscrowStatusPendingSettle, models.EscrowStatusReadyToSettle:
	default:
		return nil, apperr.State("escrow %s cannot be disputed in status %s", escrowID, escrow.Status)
	}

	// Only a participant of this escrow may dispute it.
	participants, err := s.escrows.GetParticipants(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	isParticipant := false
	for _, p := range participants {
		if p.PlayerID == initiatorID {
			isParticipant = true
			break
		}
	}
	if !isParticipant {
		return nil, apperr.Unauthorized("player %s is not a participant of escrow %s", initiatorID, escrowID)
	}

	if existing, err := s.disputes.GetOpenByEscrow(ctx, escrowID); err == nil && existing != nil {
		return nil, apperr.Conflict("escrow %s already has open dispute %s", escrowID, existing.ID)
	}

	dispute := &models.Dispute{
		EscrowID:    escrowID,
		InitiatorID: initiatorID,
		Reason:      reason,
		Evidence:    evidence,
		Status:      models.DisputeStatusOpen,
	}
	if err := s.disputes.Create(ctx, dispute); err != nil {
		return nil, err
	}

	if err := s.transition(ctx, escrow, models.EscrowStatusDisputed, nil, "participant"); err != nil {
		return nil, err
	}
	if err := s.escrows.SetDispute(ctx, escrowID, dispute.ID); err != nil {
		return nil, err
	}

	_ = s.auditRepo.Log(ctx, models.AuditLog{
		ActorType:  "participant",
		Action:     "dispute_opened",
		EntityType: "escrow",
		EntityID:   &escrowID,
		Meta:       map[string]any{"dispute_id": dispute.ID.String(), "initiator": initiatorID, "reason": reason},
	})
	_ = s.publisher.Publish(ctx, events.Stream, events.Event{
		Type: events.EventDisputeOpened,
		Payload: map[string]any{
			"escrow_id":  escrowID.String(),
			"dispute_id": dispute.ID.String(),
		},
	})
	return dispute, nil
}

// Dispute resolutions.
const (
	ResolutionRefund   = "refund"
	ResolutionResettle = "resettle"
)

// ResolveDispute records the arbitration outcome and unblocks the escrow:
// either a full refund, or a return to pending_settlement for a fresh
// proposal.
func (s *EscrowService) ResolveDispute(ctx context.Context, disputeID, resolverID uuid.UUID, resolution string) error {
	if _, err := s.checkAuthority(ctx, resolverID, models.AuthorityRoleAdmin); err != nil {
		return err
	}
	if resolution != ResolutionRefund && resolution != ResolutionResettle {
		return apperr.Validation("unknown resolution %q", resolution)
	}

	dispute, err := s.disputes.GetByID(ctx, disputeID)
	if err != nil {
		return apperr.Wrap(apperr.KindNotFound, err)
	}

	ok, err := s.disputes.Resolve(ctx, disputeID, models.DisputeStatusResolved, resolution, resolverID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Conflict("dispute %s already resolved", disputeID)
	}

	escrow, err := s.escrows.GetByID(ctx, dispute.EscrowID)
	if err != nil {
		return err
	}

	switch resolution {
	case ResolutionRefund:
		_, err := s.queue.Enqueue(ctx, jobs.QueueSettlement, jobs.KindRefundEscrow,
			RefundJobPayload{EscrowID: escrow.ID},
			jobs.EnqueueOptions{
				MaxAttempts:    s.cfg.SettlementMaxAttempts,
				Backoff:        jobs.Backoff{Policy: jobs.BackoffExponential, Base: 30 * time.Second},
				IdempotencyKey: "refund:" + escrow.ID.String(),
			})
		if err != nil && !errors.Is(err, jobs.ErrDuplicate) {
			return err
		}
	case ResolutionResettle:
		if err := s.transition(ctx, escrow, models.EscrowStatusPendingSettle, &resolverID, "authority"); err != nil {
			return err
		}
	}

	_ = s.auditRepo.Log(ctx, models.AuditLog{
		ActorID:    &resolverID,
		ActorType:  "authority",
		Action:     "dispute_resolved",
		EntityType: "escrow",
		EntityID:   &dispute.EscrowID,
		Meta:       map[string]any{"dispute_id": disputeID.String(), "resolution": resolution},
	})
	_ = s.publisher.Publish(ctx, events.Stream, events.Event{
		Type: events.EventDisputeResolved,
		Payload: map[string]any{
			"escrow_id":  dispute.EscrowID.String(),
			"dispute_id": disputeID.String(),
			"resolution": resolution,
		},
	})
	return nil
}

// EmergencyPause freezes every transition and transfer on the escrow until
// an admin resumes it. In-flight settlement jobs observe the pause and
// retry later.
func (s *EscrowService) EmergencyPause(ctx context.Context, escrowID, actorID uuid.UUID, reason string) error {
	if _, err := s.checkAuthority(ctx, actorID, models.AuthorityRoleAdmin); err != nil {
		return err
	}
	if reason == "" {
		return apperr.Validation("pause reason is required")
	}
	return s.pause(ctx, escrowID, &actorID, "authority", reason)
}

// FlagEscrow is the system-actor pause used when automated verification
// rejects a proof tied to the escrow.
func (s *EscrowService) FlagEscrow(ctx context.Context, escrowID uuid.UUID, reason string) error {
	return s.pause(ctx, escrowID, nil, "system", reason)
}

func (s *EscrowService) pause(ctx context.Context, escrowID uuid.UUID, actorID *uuid.UUID, actorType, reason string) error {
	ok, err := s.escrows.Pause(ctx, escrowID, reason)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Conflict("escrow %s is already paused or terminal", escrowID)
	}
	_ = s.auditRepo.Log(ctx, models.AuditLog{
		ActorID:    actorID,
		ActorType:  actorType,
		Action:     "escrow_paused",
		EntityType: "escrow",
		EntityID:   &escrowID,
		Meta:       map[string]any{"reason": reason},
	})
	_ = s.publisher.Publish(ctx, events.Stream, events.Event{
		Type:    events.EventEscrowPaused,
		Payload: map[string]any{"escrow_id": escrowID.String(), "reason": reason},
	})
	s.log.Warn("escrow paused", zap.String("escrow_id", escrowID.String()), zap.String("reason", reason))
	return nil
}

// ResumeEscrow lifts an emergency pause.
func (s *EscrowService) ResumeEscrow(ctx context.Context, escrowID, actorID uuid.UUID) error {
	if _, err := s.checkAuthority(ctx, actorID, models.AuthorityRoleAdmin); err != nil {
		return err
	}
	ok, err := s.escrows.Resume(ctx, escrowID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Conflict("escrow %s is not paused", escrowID)
	}
	_ = s.auditRepo.Log(ctx, models.AuditLog{
		ActorID:    &actorID,
		ActorType:  "authority",
		Action:     "escrow_resumed",
		EntityType: "escrow",
		EntityID:   &escrowID,
	})
	_ = s.publisher.Publish(ctx, events.Stream, events.Event{
		Type:    events.EventEscrowResumed,
		Payload: map[string]any{"escrow_id": escrowID.String()},
	})
	return nil
}

// HandleVerifiedWin turns a verified win-condition proof into a
// winner-takes-all settlement proposal, proposed by the first active
// settlement authority. Without one the event trail still records the win
// and a human proposes manually.
func (s *EscrowService) HandleVerifiedWin(ctx context.Context, escrowID uuid.UUID, winnerPlayerID string) error {
	escrow, err := s.escrows.GetByID(ctx, escrowID)
	if err != nil {
		return err
	}
	if escrow.Status != models.EscrowStatusActive {
		s.log.Info("verified win but escrow not active, skipping auto-proposal",
			zap.String("escrow_id", escrowID.String()),
			zap.String("status", escrow.Status),
		)
		return nil
	}

	participants, err := s.escrows.GetParticipants(ctx, escrowID)
	if err != nil {
		return err
	}
	var winner *models.Participant
	for i := range participants {
		if participants[i].PlayerID == winnerPlayerID {
			winner = &participants[i]
			break
		}
	}
	if winner == nil {
		return apperr.Validation("winner %s is not a participant of escrow %s", winnerPlayerID, escrowID)
	}

	authorities, err := s.authorities.ListActive(ctx)
	if err != nil {
		return err
	}
	var proposer *models.Authority
	for i := range authorities {
		if authorities[i].Role == models.AuthorityRoleSettlement {
			proposer = &authorities[i]
			break
		}
	}
	if proposer == nil {
		s.log.Warn("no active settlement authority for auto-proposal", zap.String("escrow_id", escrowID.String()))
		return nil
	}

	payouts := []models.Payout{{
		ParticipantID: winner.ID,
		AmountNano:    escrow.TotalAmountNano - escrow.PlatformFeeNano(),
		Reason:        "winner",
	}}
	_, err = s.ProposeSettlement(ctx, escrowID, proposer.ID, payouts)
	return err
}

// Read surface for the HTTP handlers.

func (s *EscrowService) GetEscrow(ctx context.Context, id uuid.UUID) (*models.Escrow, []models.Participant, error) {
	escrow, err := s.escrows.GetByID(ctx, id)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.KindNotFound, err)
	}
	participants, err := s.escrows.GetParticipants(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return escrow, participants, nil
}

func (s *EscrowService) GetProposal(ctx context.Context, id uuid.UUID) (*models.SettlementProposal, error) {
	p, err := s.proposals.GetByID(ctx, id)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindNotFound, err)
	}
	return p, nil
}

func (s *EscrowService) GetPayouts(ctx context.Context, proposalID uuid.UUID) ([]models.PayoutResult, error) {
	return s.escrows.GetPayouts(ctx, proposalID)
}

func (s *EscrowService) GetEscrowEvents(ctx context.Context, escrowID uuid.UUID) ([]models.AuditLog, error) {
	return s.auditRepo.GetByEntity(ctx, "escrow", escrowID, 100, 0)
}
