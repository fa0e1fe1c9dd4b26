package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stakearena/fairness-engine/internal/apperr"
	"github.com/stakearena/fairness-engine/internal/config"
	"github.com/stakearena/fairness-engine/internal/events"
	"github.com/stakearena/fairness-engine/internal/jobs"
	"github.com/stakearena/fairness-engine/internal/metrics"
	"github.com/stakearena/fairness-engine/internal/models"
	"github.com/stakearena/fairness-engine/internal/vrf"
)

// defaultProofTTL bounds how long a submitted proof may sit unverified
// before it expires. Expiry is terminal and distinct from invalid: the
// claim was never judged.
const defaultProofTTL = 5 * time.Minute

// SettlementTrigger is the escrow-side hook the verification pipeline
// drives: a verified win starts settlement, a rejected proof freezes the
// attached escrow. Implemented by EscrowService.
type SettlementTrigger interface {
	HandleVerifiedWin(ctx context.Context, escrowID uuid.UUID, winnerPlayerID string) error
	FlagEscrow(ctx context.Context, escrowID uuid.UUID, reason string) error
}

type ProofService struct {
	proofs    ProofStore
	queue     Enqueuer
	engine    *vrf.Engine
	settle    SettlementTrigger
	locks     Locker
	publisher events.Publisher
	cfg       *config.Config
	log       *zap.Logger
}

func NewProofService(
	proofs ProofStore,
	queue Enqueuer,
	engine *vrf.Engine,
	settle SettlementTrigger,
	locks Locker,
	publisher events.Publisher,
	cfg *config.Config,
	log *zap.Logger,
) *ProofService {
	return &ProofService{
		proofs:    proofs,
		queue:     queue,
		engine:    engine,
		settle:    settle,
		locks:     locks,
		publisher: publisher,
		cfg:       cfg,
		log:       log,
	}
}

// SubmitProof accepts a verification request and schedules the async
// check. The submission never blocks on verification.
func (s *ProofService) SubmitProof(ctx context.Context, rec *models.ProofRecord) error {
	if !models.IsValidProofType(rec.ProofType) {
		return apperr.Validation("unknown proof type %q", rec.ProofType)
	}
	if rec.GameID == "" {
		return apperr.Validation("game_id is required")
	}
	if len(rec.Payload) == 0 || !json.Valid(rec.Payload) {
		return apperr.Validation("payload must be a JSON document")
	}
	if rec.Deadline.IsZero() {
		rec.Deadline = time.Now().Add(defaultProofTTL)
	}
	rec.Status = models.ProofStatusPending

	if err := s.proofs.Create(ctx, rec); err != nil {
		return err
	}

	_, err := s.queue.Enqueue(ctx, jobs.QueueProofVerify, jobs.KindVerifyProof,
		ProofJobPayload{ProofID: rec.ID},
		jobs.EnqueueOptions{
			MaxAttempts:    s.cfg.ProofMaxAttempts,
			Backoff:        jobs.Backoff{Policy: jobs.BackoffFixed, Base: 10 * time.Second},
			IdempotencyKey: "proof:" + rec.ID.String(),
		})
	if err != nil && !errors.Is(err, jobs.ErrDuplicate) {
		return err
	}

	s.log.Debug("proof submitted",
		zap.String("proof_id", rec.ID.String()),
		zap.String("game_id", rec.GameID),
		zap.String("type", rec.ProofType),
	)
	return nil
}

// VerifyProof is the proof_verify queue handler. The deadline check comes
// first: a proof past its deadline expires regardless of what the payload
// would have verified to.
func (s *ProofService) VerifyProof(ctx context.Context, proofID uuid.UUID) error {
	rec, err := s.proofs.GetByID(ctx, proofID)
	if err != nil {
		return err
	}
	if rec.Status != models.ProofStatusPending {
		return nil
	}

	if time.Now().After(rec.Deadline) {
		reason := "deadline passed before verification"
		ok, err := s.proofs.Resolve(ctx, rec.ID, models.ProofStatusExpired, &reason)
		if err != nil {
			return err
		}
		if ok {
			metrics.ProofsResolved.WithLabelValues(models.ProofStatusExpired).Inc()
			_ = s.publisher.Publish(ctx, events.Stream, events.Event{
				Type: events.EventProofExpired,
				Payload: map[string]any{
					"proof_id": rec.ID.String(),
					"game_id":  rec.GameID,
				},
			})
			s.log.Warn("proof expired unverified",
				zap.String("proof_id", rec.ID.String()),
				zap.String("game_id", rec.GameID),
			)
		}
		return nil
	}

	// Chain continuity reads the latest verified link, so two proofs for
	// the same game must not verify concurrently.
	if rec.ProofType == models.ProofTypeGameState {
		lockKey := "proof:chain:" + rec.GameID
		ok, err := s.locks.Acquire(ctx, lockKey, time.Minute)
		if err != nil {
			return apperr.Transient("chain lock: %w", err)
		}
		if !ok {
			return apperr.Transient("chain verification in progress for game %s", rec.GameID)
		}
		defer func() { _ = s.locks.Release(ctx, lockKey) }()
	}

	verdict, reason, err := s.check(ctx, rec)
	if err != nil {
		return err
	}
	if verdict {
		return s.accept(ctx, rec)
	}
	return s.reject(ctx, rec, reason)
}

func (s *ProofService) accept(ctx context.Context, rec *models.ProofRecord) error {
	ok, err := s.proofs.Resolve(ctx, rec.ID, models.ProofStatusVerified, nil)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	metrics.ProofsResolved.WithLabelValues(models.ProofStatusVerified).Inc()
	_ = s.publisher.Publish(ctx, events.Stream, events.Event{
		Type: events.EventProofVerified,
		Payload: map[string]any{
			"proof_id": rec.ID.String(),
			"game_id":  rec.GameID,
			"type":     rec.ProofType,
		},
	})

	if rec.ProofType == models.ProofTypeWinCondition && rec.EscrowID != nil {
		var pl models.WinConditionPayload
		if err := json.Unmarshal(rec.Payload, &pl); err == nil && pl.WinnerID != "" {
			if err := s.settle.HandleVerifiedWin(ctx, *rec.EscrowID, pl.WinnerID); err != nil {
				s.log.Error("verified win but settlement proposal failed",
					zap.String("escrow_id", rec.EscrowID.String()),
					zap.Error(err),
				)
			}
		}
	}
	return nil
}

func (s *ProofService) reject(ctx context.Context, rec *models.ProofRecord, reason string) error {
	ok, err := s.proofs.Resolve(ctx, rec.ID, models.ProofStatusInvalid, &reason)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	metrics.ProofsResolved.WithLabelValues(models.ProofStatusInvalid).Inc()
	s.log.Warn("proof rejected",
		zap.String("proof_id", rec.ID.String()),
		zap.String("game_id", rec.GameID),
		zap.String("type", rec.ProofType),
		zap.String("reason", reason),
	)
	_ = s.publisher.Publish(ctx, events.Stream, events.Event{
		Type: events.EventProofRejected,
		Payload: map[string]any{
			"proof_id": rec.ID.String(),
			"game_id":  rec.GameID,
			"reason":   reason,
		},
	})
	_ = s.publisher.Publish(ctx, events.Stream, events.Event{
		Type: events.EventGameFlagged,
		Payload: map[string]any{
			"game_id": rec.GameID,
			"reason":  reason,
		},
	})

	if rec.EscrowID != nil {
		if err := s.settle.FlagEscrow(ctx, *rec.EscrowID, "proof rejected: "+reason); err != nil {
			if apperr.KindOf(err) != apperr.KindConflict {
				s.log.Error("failed to pause escrow after rejected proof",
					zap.String("escrow_id", rec.EscrowID.String()),
					zap.Error(err),
				)
			}
		}
	}
	return nil
}

// check dispatches to the verifier for the proof type. A false verdict
// carries a human-readable reason; an error means infrastructure trouble
// and the job retries.
func (s *ProofService) check(ctx context.Context, rec *models.ProofRecord) (bool, string, error) {
	switch rec.ProofType {
	case models.ProofTypeRandomness:
		return s.checkRandomness(rec)
	case models.ProofTypeGameState:
		return s.checkGameState(ctx, rec)
	case models.ProofTypeActionValid:
		return checkAction(rec)
	case models.ProofTypeWinCondition:
		return checkWinCondition(rec)
	}
	return false, "unknown proof type " + rec.ProofType, nil
}

func (s *ProofService) checkRandomness(rec *models.ProofRecord) (bool, string, error) {
	var pl models.RandomnessPayload
	if err := json.Unmarshal(rec.Payload, &pl); err != nil {
		return false, "malformed randomness payload", nil
	}
	sc := vrf.SequenceContext{
		GameID:    pl.GameID,
		Round:     pl.Round,
		Timestamp: pl.Timestamp,
	}
	if sc.GameID == "" {
		sc.GameID = rec.GameID
	}
	if !s.engine.ValidateSequence(sc, pl.Seed, pl.Values, pl.Proof) {
		return false, "committed sequence does not re-derive from seed", nil
	}
	return true, "", nil
}

// checkGameState verifies one link of the append-only state hash chain:
// the claimed hash must recompute from (state, prev_hash, actions), and
// prev_hash must match the newest verified link for the game.
func (s *ProofService) checkGameState(ctx context.Context, rec *models.ProofRecord) (bool, string, error) {
	var pl models.GameStatePayload
	if err := json.Unmarshal(rec.Payload, &pl); err != nil {
		return false, "malformed game state payload", nil
	}
	if pl.ClaimedHex == "" {
		return false, "missing claimed hash", nil
	}
	if _, err := hex.DecodeString(pl.ClaimedHex); err != nil {
		return false, "claimed hash is not hex", nil
	}

	computed, err := StateChainHash(pl.State, pl.PrevHash, pl.Actions)
	if err != nil {
		return false, "unhashable game state payload", nil
	}
	if !strings.EqualFold(computed, pl.ClaimedHex) {
		return false, "claimed hash does not match recomputed state hash", nil
	}

	last, err := s.proofs.LatestVerifiedChainHash(ctx, rec.GameID)
	if err != nil {
		return false, "", apperr.Transient("chain lookup: %w", err)
	}
	if last != "" && !strings.EqualFold(pl.PrevHash, last) {
		return false, fmt.Sprintf("prev_hash %s breaks chain, expected %s", pl.PrevHash, last), nil
	}
	return true, "", nil
}

// StateChainHash computes the canonical hash of one game-state link.
func StateChainHash(state json.RawMessage, prevHash string, actions []models.GameAction) (string, error) {
	acts, err := json.Marshal(actions)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write(state)
	h.Write([]byte(prevHash))
	h.Write(acts)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func checkAction(rec *models.ProofRecord) (bool, string, error) {
	var pl models.ActionPayload
	if err := json.Unmarshal(rec.Payload, &pl); err != nil {
		return false, "malformed action payload", nil
	}
	if !containsString(pl.LegalPhases, pl.Phase) {
		return false, fmt.Sprintf("action %s not legal in phase %s", pl.Action.Kind, pl.Phase), nil
	}
	if pl.Action.Cost > pl.Resources {
		return false, fmt.Sprintf("action cost %d exceeds resources %d", pl.Action.Cost, pl.Resources), nil
	}
	if pl.Action.Target != "" && len(pl.LegalTargets) > 0 && !containsString(pl.LegalTargets, pl.Action.Target) {
		return false, fmt.Sprintf("target %s not legal for action %s", pl.Action.Target, pl.Action.Kind), nil
	}
	return true, "", nil
}

func checkWinCondition(rec *models.ProofRecord) (bool, string, error) {
	var pl models.WinConditionPayload
	if err := json.Unmarshal(rec.Payload, &pl); err != nil {
		return false, "malformed win condition payload", nil
	}
	winnerHP, inGame := pl.FinalState.PlayerHP[pl.WinnerID]
	if !inGame {
		return false, "claimed winner absent from final state", nil
	}

	switch pl.Condition {
	case models.WinByElimination:
		if winnerHP <= 0 {
			return false, "elimination winner has no health left", nil
		}
		for player, hp := range pl.FinalState.PlayerHP {
			if player != pl.WinnerID && hp > 0 {
				return false, fmt.Sprintf("player %s still alive at claimed elimination", player), nil
			}
		}
		return true, "", nil

	case models.WinByTimeout:
		if pl.FinalState.DeadlineAt == 0 || pl.FinalState.EndedAt < pl.FinalState.DeadlineAt {
			return false, "match ended before the timeout deadline", nil
		}
		for player, hp := range pl.FinalState.PlayerHP {
			if player != pl.WinnerID && hp >= winnerHP {
				return false, fmt.Sprintf("player %s does not trail winner on health at timeout", player), nil
			}
		}
		return true, "", nil

	case models.WinByForfeit:
		if pl.FinalState.ForfeitBy == "" {
			return false, "forfeit claim without a forfeiting player", nil
		}
		if pl.FinalState.ForfeitBy == pl.WinnerID {
			return false, "winner cannot be the forfeiting player", nil
		}
		if _, ok := pl.FinalState.PlayerHP[pl.FinalState.ForfeitBy]; !ok {
			return false, "forfeiting player absent from final state", nil
		}
		return true, "", nil
	}
	return false, "unknown win condition " + pl.Condition, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Read surface.

func (s *ProofService) GetProof(ctx context.Context, id uuid.UUID) (*models.ProofRecord, error) {
	rec, err := s.proofs.GetByID(ctx, id)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindNotFound, err)
	}
	return rec, nil
}

func (s *ProofService) ListGameProofs(ctx context.Context, gameID string, limit int) ([]models.ProofRecord, error) {
	return s.proofs.ListByGame(ctx, gameID, limit)
}
