package services

import (
	"context"
	"encoding/hex"
	"time"

	"go.uber.org/zap"

	"github.com/stakearena/fairness-engine/internal/apperr"
	"github.com/stakearena/fairness-engine/internal/models"
	"github.com/stakearena/fairness-engine/internal/vrf"
)

// RandomnessService issues pre-committed randomness for matches and keeps
// the commitments auditable. Generation needs the secret key; anyone
// holding the published derivation key can verify.
type RandomnessService struct {
	engine  *vrf.Engine
	records VRFStore
	log     *zap.Logger
}

func NewRandomnessService(engine *vrf.Engine, records VRFStore, log *zap.Logger) *RandomnessService {
	return &RandomnessService{engine: engine, records: records, log: log}
}

// CommitSequence generates and persists the value sequence for a match
// round. Committed before the match starts; the game server draws from the
// returned values in order.
func (s *RandomnessService) CommitSequence(ctx context.Context, gameID string, round int64) (*vrf.Sequence, error) {
	if gameID == "" {
		return nil, apperr.Validation("game_id is required")
	}
	if round < 0 {
		return nil, apperr.Validation("round must be non-negative")
	}

	if existing, err := s.records.GetByGameRound(ctx, gameID, round); err == nil && existing != nil {
		return nil, apperr.Conflict("sequence for game %s round %d already committed", gameID, round)
	}

	sc := vrf.SequenceContext{
		GameID:    gameID,
		Round:     round,
		Timestamp: time.Now().UnixNano(),
	}
	seq, err := s.engine.GenerateSequence(sc)
	if err != nil {
		return nil, err
	}

	rec := &models.VRFRecord{
		GameID:    gameID,
		Round:     round,
		Timestamp: sc.Timestamp,
		Seed:      seq.Seed,
		Proof:     seq.Proof,
		Values:    seq.Values,
	}
	if err := s.records.Create(ctx, rec); err != nil {
		return nil, err
	}

	s.log.Info("randomness committed",
		zap.String("game_id", gameID),
		zap.Int64("round", round),
	)
	return seq, nil
}

// GetCommitment returns the stored commitment for audit.
func (s *RandomnessService) GetCommitment(ctx context.Context, gameID string, round int64) (*models.VRFRecord, error) {
	rec, err := s.records.GetByGameRound(ctx, gameID, round)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindNotFound, err)
	}
	return rec, nil
}

// VerifyCommitment re-derives a submitted sequence against the derivation
// key. Pure check; no store access.
func (s *RandomnessService) VerifyCommitment(sc vrf.SequenceContext, seed []byte, values []int64, proof []byte) bool {
	return s.engine.ValidateSequence(sc, seed, values, proof)
}

// DerivationKeyHex exposes the public verification key.
func (s *RandomnessService) DerivationKeyHex() string {
	return hex.EncodeToString(s.engine.DerivationKey())
}
