package services

import (
	"context"
	"strconv"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/stakearena/fairness-engine/internal/apperr"
	"github.com/stakearena/fairness-engine/internal/models"
	"github.com/stakearena/fairness-engine/internal/vrf"
)

type memVRFStore struct {
	mu      sync.Mutex
	records map[string]*models.VRFRecord
}

func vrfKey(gameID string, round int64) string {
	return gameID + "/" + strconv.FormatInt(round, 10)
}

func (m *memVRFStore) Create(_ context.Context, rec *models.VRFRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.records == nil {
		m.records = make(map[string]*models.VRFRecord)
	}
	cp := *rec
	m.records[vrfKey(rec.GameID, rec.Round)] = &cp
	return nil
}

func (m *memVRFStore) GetByGameRound(_ context.Context, gameID string, round int64) (*models.VRFRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[vrfKey(gameID, round)]
	if !ok {
		return nil, errNotFound
	}
	cp := *rec
	return &cp, nil
}

func newRandomnessService(t *testing.T) (*RandomnessService, *memVRFStore) {
	t.Helper()
	engine, err := vrf.NewEngine([]byte("test-vrf-secret-key-0123456789ab"), []byte("test-vrf-derivation-key-01234567"))
	if err != nil {
		t.Fatal(err)
	}
	store := &memVRFStore{}
	return NewRandomnessService(engine, store, zap.NewNop()), store
}

func TestCommitSequence(t *testing.T) {
	svc, _ := newRandomnessService(t)
	ctx := context.Background()

	seq, err := svc.CommitSequence(ctx, "g1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(seq.Values) != vrf.SequenceLength {
		t.Fatalf("sequence length = %d, want %d", len(seq.Values), vrf.SequenceLength)
	}
	for _, v := range seq.Values {
		if v < 0 || v > 9999 {
			t.Fatalf("value %d outside [0, 9999]", v)
		}
	}

	// The commitment round-trips through verification.
	if !svc.VerifyCommitment(seq.Context, seq.Seed, seq.Values, seq.Proof) {
		t.Fatal("committed sequence failed verification")
	}

	// A second commitment for the same round is rejected.
	if _, err := svc.CommitSequence(ctx, "g1", 1); apperr.KindOf(err) != apperr.KindConflict {
		t.Fatalf("expected conflict for double commit, got %v", err)
	}

	rec, err := svc.GetCommitment(ctx, "g1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if rec.GameID != "g1" || rec.Round != 1 {
		t.Errorf("stored commitment mismatch: %+v", rec)
	}

	if _, err := svc.CommitSequence(ctx, "", 1); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation for empty game, got %v", err)
	}
}
