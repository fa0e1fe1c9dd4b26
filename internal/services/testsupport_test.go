package services

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stakearena/fairness-engine/internal/config"
	"github.com/stakearena/fairness-engine/internal/events"
	"github.com/stakearena/fairness-engine/internal/jobs"
	"github.com/stakearena/fairness-engine/internal/models"
)

var errNotFound = errors.New("not found")

// --- escrow store ---

type memEscrowStore struct {
	mu           sync.Mutex
	escrows      map[uuid.UUID]*models.Escrow
	participants map[uuid.UUID][]models.Participant
	payouts      map[string]*models.PayoutResult
}

func newMemEscrowStore() *memEscrowStore {
	return &memEscrowStore{
		escrows:      make(map[uuid.UUID]*models.Escrow),
		participants: make(map[uuid.UUID][]models.Participant),
		payouts:      make(map[string]*models.PayoutResult),
	}
}

func payoutKey(proposalID, participantID uuid.UUID, reason string) string {
	return proposalID.String() + "|" + participantID.String() + "|" + reason
}

func (m *memEscrowStore) Create(_ context.Context, e *models.Escrow, participants []models.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = uuid.New()
	e.CreatedAt = time.Now()
	cp := *e
	m.escrows[e.ID] = &cp
	for i := range participants {
		participants[i].ID = uuid.New()
		participants[i].EscrowID = e.ID
	}
	m.participants[e.ID] = append([]models.Participant(nil), participants...)
	return nil
}

func (m *memEscrowStore) GetByID(_ context.Context, id uuid.UUID) (*models.Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.escrows[id]
	if !ok {
		return nil, errNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *memEscrowStore) GetParticipants(_ context.Context, escrowID uuid.UUID) ([]models.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Participant(nil), m.participants[escrowID]...), nil
}

func (m *memEscrowStore) GetParticipantByMemo(_ context.Context, memo string) (*models.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ps := range m.participants {
		for _, p := range ps {
			if p.DepositMemo == memo {
				cp := p
				return &cp, nil
			}
		}
	}
	return nil, errNotFound
}

func (m *memEscrowStore) MarkDeposit(_ context.Context, participantID uuid.UUID, txRef string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for eid, ps := range m.participants {
		for i := range ps {
			if ps[i].ID == participantID {
				if ps[i].DepositStatus != models.DepositStatusPending {
					return false, nil
				}
				now := time.Now()
				m.participants[eid][i].DepositStatus = models.DepositStatusCompleted
				m.participants[eid][i].DepositTxRef = &txRef
				m.participants[eid][i].DepositedAt = &now
				return true, nil
			}
		}
	}
	return false, errNotFound
}

func (m *memEscrowStore) CountPendingDeposits(_ context.Context, escrowID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.participants[escrowID] {
		if p.DepositStatus == models.DepositStatusPending {
			n++
		}
	}
	return n, nil
}

func (m *memEscrowStore) UpdateStatus(_ context.Context, id uuid.UUID, from, to string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.escrows[id]
	if !ok || e.Status != from || e.PausedAt != nil {
		return false, nil
	}
	e.Status = to
	return true, nil
}

func (m *memEscrowStore) SetCurrentProposal(_ context.Context, id, proposalID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.escrows[id]; ok {
		e.CurrentProposalID = &proposalID
	}
	return nil
}

func (m *memEscrowStore) SetDispute(_ context.Context, id, disputeID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.escrows[id]; ok {
		e.DisputeID = &disputeID
	}
	return nil
}

func (m *memEscrowStore) MarkSettled(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.escrows[id]
	if !ok || e.Status != models.EscrowStatusReadyToSettle || e.PausedAt != nil {
		return false, nil
	}
	now := time.Now()
	e.Status = models.EscrowStatusSettled
	e.SettledAt = &now
	return true, nil
}

func (m *memEscrowStore) Pause(_ context.Context, id uuid.UUID, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.escrows[id]
	if !ok || e.PausedAt != nil || models.IsTerminal(e.Status) {
		return false, nil
	}
	now := time.Now()
	e.PausedAt = &now
	e.PauseReason = &reason
	return true, nil
}

func (m *memEscrowStore) Resume(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.escrows[id]
	if !ok || e.PausedAt == nil {
		return false, nil
	}
	e.PausedAt = nil
	e.PauseReason = nil
	return true, nil
}

func (m *memEscrowStore) ListExpiredPending(_ context.Context, now time.Time, limit int) ([]models.Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Escrow
	for _, e := range m.escrows {
		if e.Status == models.EscrowStatusPendingDeposits && e.ExpiresAt.Before(now) && e.PausedAt == nil {
			out = append(out, *e)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memEscrowStore) RecordPayout(_ context.Context, p *models.PayoutResult) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := payoutKey(p.ProposalID, p.ParticipantID, p.Reason)
	if _, exists := m.payouts[key]; exists {
		return true, nil
	}
	p.ID = uuid.New()
	p.CreatedAt = time.Now()
	cp := *p
	m.payouts[key] = &cp
	return false, nil
}

func (m *memEscrowStore) GetPayouts(_ context.Context, proposalID uuid.UUID) ([]models.PayoutResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.PayoutResult
	for _, p := range m.payouts {
		if p.ProposalID == proposalID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *memEscrowStore) MarkPayoutSent(_ context.Context, proposalID, participantID uuid.UUID, reason, txRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.payouts[payoutKey(proposalID, participantID, reason)]; ok {
		p.Status = models.PayoutStatusSent
		p.TxRef = &txRef
		p.Error = nil
	}
	return nil
}

func (m *memEscrowStore) MarkPayoutFailed(_ context.Context, proposalID, participantID uuid.UUID, reason, cause string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.payouts[payoutKey(proposalID, participantID, reason)]; ok && p.TxRef == nil {
		p.Status = models.PayoutStatusFailed
		p.Error = &cause
	}
	return nil
}

func (m *memEscrowStore) DeleteFailedPayout(_ context.Context, proposalID, participantID uuid.UUID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := payoutKey(proposalID, participantID, reason)
	if p, ok := m.payouts[key]; ok && p.Status == models.PayoutStatusFailed {
		delete(m.payouts, key)
	}
	return nil
}

// --- proposal store ---

type memProposalStore struct {
	mu        sync.Mutex
	proposals map[uuid.UUID]*models.SettlementProposal
}

func newMemProposalStore() *memProposalStore {
	return &memProposalStore{proposals: make(map[uuid.UUID]*models.SettlementProposal)}
}

func (m *memProposalStore) Create(_ context.Context, p *models.SettlementProposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = uuid.New()
	p.CreatedAt = time.Now()
	cp := *p
	cp.Payouts = append([]models.Payout(nil), p.Payouts...)
	m.proposals[p.ID] = &cp
	return nil
}

func (m *memProposalStore) GetByID(_ context.Context, id uuid.UUID) (*models.SettlementProposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proposals[id]
	if !ok {
		return nil, errNotFound
	}
	cp := *p
	cp.Payouts = append([]models.Payout(nil), p.Payouts...)
	cp.Signatures = append([]models.ProposalSignature(nil), p.Signatures...)
	return &cp, nil
}

func (m *memProposalStore) AddSignature(_ context.Context, id uuid.UUID, sig models.ProposalSignature) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proposals[id]
	if !ok || p.Status != models.ProposalStatusPendingSignatures || p.HasSigned(sig.AuthorityID) {
		return 0, false, nil
	}
	p.Signatures = append(p.Signatures, sig)
	return len(p.Signatures), true, nil
}

func (m *memProposalStore) MarkApproved(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proposals[id]
	if !ok || p.Status != models.ProposalStatusPendingSignatures {
		return false, nil
	}
	p.Status = models.ProposalStatusApproved
	return true, nil
}

func (m *memProposalStore) SupersedePending(_ context.Context, escrowID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.proposals {
		if p.EscrowID == escrowID && p.Status == models.ProposalStatusPendingSignatures {
			p.Status = models.ProposalStatusSuperseded
		}
	}
	return nil
}

// --- authority store ---

type memAuthorityStore struct {
	mu          sync.Mutex
	authorities map[uuid.UUID]models.Authority
}

func newMemAuthorityStore() *memAuthorityStore {
	return &memAuthorityStore{authorities: make(map[uuid.UUID]models.Authority)}
}

func (m *memAuthorityStore) add(a models.Authority) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authorities[a.ID] = a
}

func (m *memAuthorityStore) GetByID(_ context.Context, id uuid.UUID) (*models.Authority, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.authorities[id]
	if !ok {
		return nil, errNotFound
	}
	return &a, nil
}

func (m *memAuthorityStore) ListActive(_ context.Context) ([]models.Authority, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Authority
	for _, a := range m.authorities {
		if a.IsActive {
			out = append(out, a)
		}
	}
	return out, nil
}

// --- dispute store ---

type memDisputeStore struct {
	mu       sync.Mutex
	disputes map[uuid.UUID]*models.Dispute
}

func newMemDisputeStore() *memDisputeStore {
	return &memDisputeStore{disputes: make(map[uuid.UUID]*models.Dispute)}
}

func (m *memDisputeStore) Create(_ context.Context, d *models.Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.ID = uuid.New()
	d.CreatedAt = time.Now()
	cp := *d
	m.disputes[d.ID] = &cp
	return nil
}

func (m *memDisputeStore) GetByID(_ context.Context, id uuid.UUID) (*models.Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[id]
	if !ok {
		return nil, errNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *memDisputeStore) GetOpenByEscrow(_ context.Context, escrowID uuid.UUID) (*models.Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.disputes {
		if d.EscrowID == escrowID && (d.Status == models.DisputeStatusOpen || d.Status == models.DisputeStatusUnderReview) {
			cp := *d
			return &cp, nil
		}
	}
	return nil, errNotFound
}

func (m *memDisputeStore) Resolve(_ context.Context, id uuid.UUID, status, resolution string, resolvedBy uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[id]
	if !ok || (d.Status != models.DisputeStatusOpen && d.Status != models.DisputeStatusUnderReview) {
		return false, nil
	}
	now := time.Now()
	d.Status = status
	d.Resolution = &resolution
	d.ResolvedBy = &resolvedBy
	d.ResolvedAt = &now
	return true, nil
}

// --- proof store ---

type memProofStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]*models.ProofRecord
}

func newMemProofStore() *memProofStore {
	return &memProofStore{records: make(map[uuid.UUID]*models.ProofRecord)}
}

func (m *memProofStore) Create(_ context.Context, p *models.ProofRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = uuid.New()
	p.CreatedAt = time.Now()
	cp := *p
	m.records[p.ID] = &cp
	return nil
}

func (m *memProofStore) GetByID(_ context.Context, id uuid.UUID) (*models.ProofRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.records[id]
	if !ok {
		return nil, errNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memProofStore) Resolve(_ context.Context, id uuid.UUID, status string, reason *string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.records[id]
	if !ok || p.Status != models.ProofStatusPending {
		return false, nil
	}
	p.Status = status
	p.Reason = reason
	if status == models.ProofStatusVerified {
		now := time.Now()
		p.VerifiedAt = &now
	}
	return true, nil
}

func (m *memProofStore) ListByGame(_ context.Context, gameID string, limit int) ([]models.ProofRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ProofRecord
	for _, p := range m.records {
		if p.GameID == gameID {
			out = append(out, *p)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memProofStore) LatestVerifiedChainHash(_ context.Context, gameID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	best := ""
	bestSeq := int64(-1)
	for _, p := range m.records {
		if p.GameID != gameID || p.ProofType != models.ProofTypeGameState || p.Status != models.ProofStatusVerified {
			continue
		}
		var pl models.GameStatePayload
		if err := json.Unmarshal(p.Payload, &pl); err != nil {
			continue
		}
		if pl.Sequence > bestSeq {
			bestSeq = pl.Sequence
			best = pl.ClaimedHex
		}
	}
	return best, nil
}

// --- audit store ---

type memAuditStore struct {
	mu      sync.Mutex
	entries []models.AuditLog
}

func (m *memAuditStore) Log(_ context.Context, entry models.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memAuditStore) GetByEntity(_ context.Context, entityType string, entityID uuid.UUID, _, _ int) ([]models.AuditLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AuditLog
	for _, e := range m.entries {
		if e.EntityType == entityType && e.EntityID != nil && *e.EntityID == entityID {
			out = append(out, e)
		}
	}
	return out, nil
}

// --- queue ---

type queuedJob struct {
	Queue   string
	Kind    string
	Payload []byte
	Opts    jobs.EnqueueOptions
}

type memQueue struct {
	mu   sync.Mutex
	jobs []queuedJob
	idem map[string]bool
}

func newMemQueue() *memQueue {
	return &memQueue{idem: make(map[string]bool)}
}

func (m *memQueue) Enqueue(_ context.Context, queue, kind string, payload any, opts jobs.EnqueueOptions) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if opts.IdempotencyKey != "" {
		if m.idem[opts.IdempotencyKey] {
			return "", jobs.ErrDuplicate
		}
		m.idem[opts.IdempotencyKey] = true
	}
	m.jobs = append(m.jobs, queuedJob{Queue: queue, Kind: kind, Payload: body, Opts: opts})
	return uuid.New().String(), nil
}

func (m *memQueue) byKind(kind string) []queuedJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []queuedJob
	for _, j := range m.jobs {
		if j.Kind == kind {
			out = append(out, j)
		}
	}
	return out
}

// --- transfer ---

type transferCall struct {
	To         string
	AmountNano int64
	Comment    string
}

type memTransfer struct {
	mu        sync.Mutex
	calls     []transferCall
	failCount int // fail this many transfers before succeeding
}

func (m *memTransfer) Transfer(_ context.Context, toAddr string, amountNano int64, comment string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCount > 0 {
		m.failCount--
		return "", errors.New("lite server unavailable")
	}
	m.calls = append(m.calls, transferCall{To: toAddr, AmountNano: amountNano, Comment: comment})
	return fmt.Sprintf("tx-%d", len(m.calls)), nil
}

func (m *memTransfer) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// --- lock ---

type memLock struct {
	mu   sync.Mutex
	held map[string]bool
}

func newMemLock() *memLock {
	return &memLock{held: make(map[string]bool)}
}

func (m *memLock) Acquire(_ context.Context, key string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[key] {
		return false, nil
	}
	m.held[key] = true
	return true, nil
}

func (m *memLock) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.held, key)
	return nil
}

// --- publisher ---

type memPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (m *memPublisher) Publish(_ context.Context, _ string, event events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *memPublisher) byType(t string) []events.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []events.Event
	for _, e := range m.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// --- wiring ---

type escrowFixture struct {
	svc         *EscrowService
	escrows     *memEscrowStore
	proposals   *memProposalStore
	authorities *memAuthorityStore
	disputes    *memDisputeStore
	audit       *memAuditStore
	queue       *memQueue
	transfer    *memTransfer
	locks       *memLock
	publisher   *memPublisher
	cfg         *config.Config
}

func newEscrowFixture() *escrowFixture {
	f := &escrowFixture{
		escrows:     newMemEscrowStore(),
		proposals:   newMemProposalStore(),
		authorities: newMemAuthorityStore(),
		disputes:    newMemDisputeStore(),
		audit:       &memAuditStore{},
		queue:       newMemQueue(),
		transfer:    &memTransfer{},
		locks:       newMemLock(),
		publisher:   &memPublisher{},
		cfg: &config.Config{
			TONHotWalletAddress:   "EQHotWallet",
			PlatformFeeBPS:        500,
			SignatureThreshold:    2,
			DisputeWindow:         time.Hour,
			SettlementDelay:       5 * time.Minute,
			EscrowTTL:             30 * time.Minute,
			SettlementMaxAttempts: 5,
			ProofMaxAttempts:      3,
		},
	}
	f.svc = NewEscrowService(f.escrows, f.proposals, f.authorities, f.disputes, f.audit,
		f.queue, f.transfer, f.locks, f.publisher, f.cfg, zap.NewNop())
	return f
}

func (f *escrowFixture) addAuthority(role string) (models.Authority, ed25519.PrivateKey) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		panic(err)
	}
	a := models.Authority{
		ID:           uuid.New(),
		Name:         "authority-" + uuid.New().String()[:8],
		Role:         role,
		PublicKeyHex: hex.EncodeToString(pub),
		IsActive:     true,
	}
	f.authorities.add(a)
	return a, priv
}

func signProposal(priv ed25519.PrivateKey, p *models.SettlementProposal) string {
	return hex.EncodeToString(ed25519.Sign(priv, SigningDigest(p)))
}

// twoPlayerEscrow creates a 2x1 TON escrow with both deposits completed and
// the escrow in the given status.
func (f *escrowFixture) twoPlayerEscrow(status string) (*models.Escrow, []models.Participant) {
	escrow, participants, err := f.svc.CreateEscrow(context.Background(), CreateEscrowInput{
		EventType: models.EventTypeMatch,
		EventID:   "match-" + uuid.New().String()[:8],
		Participants: []ParticipantInput{
			{PlayerID: "alice", WalletAddress: "EQAlice", StakeNano: 1_000_000_000},
			{PlayerID: "bob", WalletAddress: "EQBob", StakeNano: 1_000_000_000},
		},
	})
	if err != nil {
		panic(err)
	}
	if status != models.EscrowStatusPendingDeposits {
		for _, p := range participants {
			if _, err := f.escrows.MarkDeposit(context.Background(), p.ID, "tx-seed"); err != nil {
				panic(err)
			}
		}
		f.escrows.mu.Lock()
		f.escrows.escrows[escrow.ID].Status = status
		f.escrows.mu.Unlock()
		escrow.Status = status
	}
	return escrow, f.escrows.participants[escrow.ID]
}
