package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/stakearena/fairness-engine/internal/apperr"
	"github.com/stakearena/fairness-engine/internal/events"
	"github.com/stakearena/fairness-engine/internal/jobs"
	"github.com/stakearena/fairness-engine/internal/models"
)

func TestCreateEscrowValidation(t *testing.T) {
	f := newEscrowFixture()
	ctx := context.Background()

	valid := CreateEscrowInput{
		EventType: models.EventTypeMatch,
		EventID:   "match-1",
		Participants: []ParticipantInput{
			{PlayerID: "alice", WalletAddress: "EQAlice", StakeNano: 100},
			{PlayerID: "bob", WalletAddress: "EQBob", StakeNano: 100},
		},
	}

	tests := []struct {
		name   string
		mutate func(*CreateEscrowInput)
	}{
		{"bad event type", func(in *CreateEscrowInput) { in.EventType = "lottery" }},
		{"missing event id", func(in *CreateEscrowInput) { in.EventID = "" }},
		{"single participant", func(in *CreateEscrowInput) { in.Participants = in.Participants[:1] }},
		{"zero stake", func(in *CreateEscrowInput) { in.Participants[0].StakeNano = 0 }},
		{"negative stake", func(in *CreateEscrowInput) { in.Participants[1].StakeNano = -5 }},
		{"duplicate player", func(in *CreateEscrowInput) { in.Participants[1].PlayerID = "alice" }},
		{"missing wallet", func(in *CreateEscrowInput) { in.Participants[0].WalletAddress = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := valid
			in.Participants = append([]ParticipantInput(nil), valid.Participants...)
			tt.mutate(&in)
			if _, _, err := f.svc.CreateEscrow(ctx, in); apperr.KindOf(err) != apperr.KindValidation {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}

	escrow, participants, err := f.svc.CreateEscrow(ctx, valid)
	if err != nil {
		t.Fatalf("valid input rejected: %v", err)
	}
	if escrow.TotalAmountNano != 200 {
		t.Errorf("total = %d, want 200", escrow.TotalAmountNano)
	}
	if escrow.Status != models.EscrowStatusPendingDeposits {
		t.Errorf("status = %s, want pending_deposits", escrow.Status)
	}
	if participants[0].DepositMemo == participants[1].DepositMemo {
		t.Error("participants share a deposit memo")
	}
}

func TestProcessDepositActivation(t *testing.T) {
	f := newEscrowFixture()
	ctx := context.Background()
	escrow, participants := f.twoPlayerEscrow(models.EscrowStatusPendingDeposits)

	if err := f.svc.ProcessDeposit(ctx, participants[0].DepositMemo, "tx-1", 1_000_000_000); err != nil {
		t.Fatalf("first deposit: %v", err)
	}
	got, _ := f.escrows.GetByID(ctx, escrow.ID)
	if got.Status != models.EscrowStatusPendingDeposits {
		t.Fatalf("escrow active after one deposit, status %s", got.Status)
	}

	// A replay of the same deposit is a no-op.
	if err := f.svc.ProcessDeposit(ctx, participants[0].DepositMemo, "tx-1-replay", 1_000_000_000); err != nil {
		t.Fatalf("replayed deposit should be benign: %v", err)
	}

	if err := f.svc.ProcessDeposit(ctx, participants[1].DepositMemo, "tx-2", 1_000_000_000); err != nil {
		t.Fatalf("second deposit: %v", err)
	}
	got, _ = f.escrows.GetByID(ctx, escrow.ID)
	if got.Status != models.EscrowStatusActive {
		t.Fatalf("escrow not active after all deposits, status %s", got.Status)
	}
	if len(f.publisher.byType(events.EventEscrowActive)) != 1 {
		t.Error("expected exactly one escrow_active event")
	}
}

func TestProcessDepositUnderpayment(t *testing.T) {
	f := newEscrowFixture()
	ctx := context.Background()
	_, participants := f.twoPlayerEscrow(models.EscrowStatusPendingDeposits)

	err := f.svc.ProcessDeposit(ctx, participants[0].DepositMemo, "tx-1", 999_999_999)
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error for underpayment, got %v", err)
	}

	if err := f.svc.ProcessDeposit(ctx, "stake:nonexistent", "tx-2", 1_000_000_000); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expected not_found for unknown memo, got %v", err)
	}
}

func TestProposeSettlementConservesPot(t *testing.T) {
	f := newEscrowFixture()
	ctx := context.Background()
	proposer, _ := f.addAuthority(models.AuthorityRoleSettlement)
	escrow, participants := f.twoPlayerEscrow(models.EscrowStatusActive)

	fee := escrow.PlatformFeeNano() // 500 bps of 2 TON = 0.1 TON
	if fee != 100_000_000 {
		t.Fatalf("fee = %d, want 100000000", fee)
	}

	// Winner takes the pot minus the fee.
	good := []models.Payout{{ParticipantID: participants[0].ID, AmountNano: 1_900_000_000, Reason: "winner"}}

	// Payouts that do not conserve the pot are rejected.
	bad := []models.Payout{{ParticipantID: participants[0].ID, AmountNano: 2_000_000_000, Reason: "winner"}}
	if _, err := f.svc.ProposeSettlement(ctx, escrow.ID, proposer.ID, bad); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error for unconserved pot, got %v", err)
	}

	// An outsider participant id is rejected.
	foreign := []models.Payout{{ParticipantID: uuid.New(), AmountNano: 1_900_000_000, Reason: "winner"}}
	if _, err := f.svc.ProposeSettlement(ctx, escrow.ID, proposer.ID, foreign); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error for foreign participant, got %v", err)
	}

	proposal, err := f.svc.ProposeSettlement(ctx, escrow.ID, proposer.ID, good)
	if err != nil {
		t.Fatalf("valid proposal rejected: %v", err)
	}
	if proposal.PlatformFeeNano != fee {
		t.Errorf("proposal fee = %d, want %d", proposal.PlatformFeeNano, fee)
	}
	got, _ := f.escrows.GetByID(ctx, escrow.ID)
	if got.Status != models.EscrowStatusPendingSettle {
		t.Errorf("escrow status = %s, want pending_settlement", got.Status)
	}

	// A second proposal supersedes the first.
	second, err := f.svc.ProposeSettlement(ctx, escrow.ID, proposer.ID, good)
	if err != nil {
		t.Fatalf("re-proposal rejected: %v", err)
	}
	first, _ := f.proposals.GetByID(ctx, proposal.ID)
	if first.Status != models.ProposalStatusSuperseded {
		t.Errorf("first proposal status = %s, want superseded", first.Status)
	}
	got, _ = f.escrows.GetByID(ctx, escrow.ID)
	if got.CurrentProposalID == nil || *got.CurrentProposalID != second.ID {
		t.Error("escrow does not point at the new proposal")
	}
}

func TestProposeSettlementRequiresAuthority(t *testing.T) {
	f := newEscrowFixture()
	ctx := context.Background()
	escrow, participants := f.twoPlayerEscrow(models.EscrowStatusActive)
	payouts := []models.Payout{{ParticipantID: participants[0].ID, AmountNano: 1_900_000_000, Reason: "winner"}}

	if _, err := f.svc.ProposeSettlement(ctx, escrow.ID, uuid.New(), payouts); apperr.KindOf(err) != apperr.KindUnauthorized {
		t.Fatalf("expected unauthorized for unknown proposer, got %v", err)
	}

	inactive, _ := f.addAuthority(models.AuthorityRoleSettlement)
	inactive.IsActive = false
	f.authorities.add(inactive)
	if _, err := f.svc.ProposeSettlement(ctx, escrow.ID, inactive.ID, payouts); apperr.KindOf(err) != apperr.KindUnauthorized {
		t.Fatalf("expected unauthorized for deactivated proposer, got %v", err)
	}
}

func TestSignSettlementThreshold(t *testing.T) {
	f := newEscrowFixture()
	ctx := context.Background()
	proposer, proposerKey := f.addAuthority(models.AuthorityRoleSettlement)
	second, secondKey := f.addAuthority(models.AuthorityRoleSettlement)
	escrow, participants := f.twoPlayerEscrow(models.EscrowStatusActive)

	proposal, err := f.svc.ProposeSettlement(ctx, escrow.ID, proposer.ID,
		[]models.Payout{{ParticipantID: participants[0].ID, AmountNano: 1_900_000_000, Reason: "winner"}})
	if err != nil {
		t.Fatal(err)
	}

	if err := f.svc.SignSettlement(ctx, proposal.ID, proposer.ID, signProposal(proposerKey, proposal)); err != nil {
		t.Fatalf("first signature: %v", err)
	}
	got, _ := f.proposals.GetByID(ctx, proposal.ID)
	if got.Status != models.ProposalStatusPendingSignatures {
		t.Fatalf("proposal approved below threshold, status %s", got.Status)
	}

	// Same signer again is rejected.
	err = f.svc.SignSettlement(ctx, proposal.ID, proposer.ID, signProposal(proposerKey, proposal))
	if apperr.KindOf(err) != apperr.KindConflict {
		t.Fatalf("expected conflict for duplicate signer, got %v", err)
	}

	if err := f.svc.SignSettlement(ctx, proposal.ID, second.ID, signProposal(secondKey, proposal)); err != nil {
		t.Fatalf("second signature: %v", err)
	}
	got, _ = f.proposals.GetByID(ctx, proposal.ID)
	if got.Status != models.ProposalStatusApproved {
		t.Fatalf("proposal not approved at threshold, status %s", got.Status)
	}

	e, _ := f.escrows.GetByID(ctx, escrow.ID)
	if e.Status != models.EscrowStatusReadyToSettle {
		t.Fatalf("escrow status = %s, want ready_to_settle", e.Status)
	}

	queued := f.queue.byKind(jobs.KindExecuteSettlement)
	if len(queued) != 1 {
		t.Fatalf("settlement jobs enqueued = %d, want 1", len(queued))
	}
	if queued[0].Opts.Delay != f.cfg.SettlementDelay {
		t.Errorf("settlement delay = %s, want %s", queued[0].Opts.Delay, f.cfg.SettlementDelay)
	}
	var payload SettlementJobPayload
	if err := json.Unmarshal(queued[0].Payload, &payload); err != nil || payload.ProposalID != proposal.ID {
		t.Errorf("settlement job payload wrong: %v %+v", err, payload)
	}
}

func TestSignSettlementRejectsBadSignature(t *testing.T) {
	f := newEscrowFixture()
	ctx := context.Background()
	proposer, _ := f.addAuthority(models.AuthorityRoleSettlement)
	other, otherKey := f.addAuthority(models.AuthorityRoleSettlement)
	escrow, participants := f.twoPlayerEscrow(models.EscrowStatusActive)

	proposal, err := f.svc.ProposeSettlement(ctx, escrow.ID, proposer.ID,
		[]models.Payout{{ParticipantID: participants[0].ID, AmountNano: 1_900_000_000, Reason: "winner"}})
	if err != nil {
		t.Fatal(err)
	}

	// Signature from the wrong key must not count for the proposer.
	err = f.svc.SignSettlement(ctx, proposal.ID, proposer.ID, signProposal(otherKey, proposal))
	if apperr.KindOf(err) != apperr.KindUnauthorized {
		t.Fatalf("expected unauthorized for wrong key, got %v", err)
	}

	// Signature over a tampered payout table must not verify.
	tampered := *proposal
	tampered.Payouts = []models.Payout{{ParticipantID: participants[1].ID, AmountNano: 1_900_000_000, Reason: "winner"}}
	err = f.svc.SignSettlement(ctx, proposal.ID, other.ID, signProposal(otherKey, &tampered))
	if apperr.KindOf(err) != apperr.KindUnauthorized {
		t.Fatalf("expected unauthorized for tampered digest, got %v", err)
	}

	if err := f.svc.SignSettlement(ctx, proposal.ID, other.ID, "zz-not-hex"); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation for malformed signature, got %v", err)
	}
}

// approvedProposal sets up an approved winner-takes-all proposal on a
// ready_to_settle escrow: 2x1 TON pot, 5% fee, winner gets 1.9 TON.
func approvedProposal(t *testing.T, f *escrowFixture) (*models.Escrow, *models.SettlementProposal, []models.Participant) {
	t.Helper()
	ctx := context.Background()
	proposer, proposerKey := f.addAuthority(models.AuthorityRoleSettlement)
	second, secondKey := f.addAuthority(models.AuthorityRoleSettlement)
	escrow, participants := f.twoPlayerEscrow(models.EscrowStatusActive)

	proposal, err := f.svc.ProposeSettlement(ctx, escrow.ID, proposer.ID,
		[]models.Payout{{ParticipantID: participants[0].ID, AmountNano: 1_900_000_000, Reason: "winner"}})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.svc.SignSettlement(ctx, proposal.ID, proposer.ID, signProposal(proposerKey, proposal)); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.SignSettlement(ctx, proposal.ID, second.ID, signProposal(secondKey, proposal)); err != nil {
		t.Fatal(err)
	}
	return escrow, proposal, participants
}

func TestExecuteSettlement(t *testing.T) {
	f := newEscrowFixture()
	ctx := context.Background()
	escrow, proposal, _ := approvedProposal(t, f)

	if err := f.svc.ExecuteSettlement(ctx, proposal.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if f.transfer.callCount() != 1 {
		t.Fatalf("transfers = %d, want 1", f.transfer.callCount())
	}
	if f.transfer.calls[0].To != "EQAlice" || f.transfer.calls[0].AmountNano != 1_900_000_000 {
		t.Errorf("unexpected transfer %+v", f.transfer.calls[0])
	}

	e, _ := f.escrows.GetByID(ctx, escrow.ID)
	if e.Status != models.EscrowStatusSettled {
		t.Fatalf("escrow status = %s, want settled", e.Status)
	}

	payouts, _ := f.escrows.GetPayouts(ctx, proposal.ID)
	var feeRow, winRow bool
	for _, p := range payouts {
		switch p.Reason {
		case models.FeeReason:
			feeRow = p.AmountNano == 100_000_000
		case "winner":
			winRow = p.Status == models.PayoutStatusSent && p.TxRef != nil
		}
	}
	if !feeRow || !winRow {
		t.Errorf("payout rows incomplete: %+v", payouts)
	}

	// Re-running the job after success sends nothing again.
	if err := f.svc.ExecuteSettlement(ctx, proposal.ID); err != nil {
		t.Fatalf("re-execute: %v", err)
	}
	if f.transfer.callCount() != 1 {
		t.Fatalf("re-execution moved money: %d transfers", f.transfer.callCount())
	}
}

func TestExecuteSettlementConcurrent(t *testing.T) {
	f := newEscrowFixture()
	_, proposal, _ := approvedProposal(t, f)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.svc.ExecuteSettlement(context.Background(), proposal.ID)
		}()
	}
	wg.Wait()

	if f.transfer.callCount() != 1 {
		t.Fatalf("concurrent executions sent %d transfers, want 1", f.transfer.callCount())
	}
}

func TestExecuteSettlementRetriesOnlyFailedTransfers(t *testing.T) {
	f := newEscrowFixture()
	ctx := context.Background()
	_, proposal, _ := approvedProposal(t, f)

	f.transfer.failCount = 1
	err := f.svc.ExecuteSettlement(ctx, proposal.ID)
	if apperr.KindOf(err) != apperr.KindTransient {
		t.Fatalf("expected transient error after failed transfer, got %v", err)
	}

	// Retry completes the remaining transfer exactly once.
	if err := f.svc.ExecuteSettlement(ctx, proposal.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if f.transfer.callCount() != 1 {
		t.Fatalf("transfers = %d, want 1", f.transfer.callCount())
	}
}

func TestPauseBlocksSettlement(t *testing.T) {
	f := newEscrowFixture()
	ctx := context.Background()
	admin, _ := f.addAuthority(models.AuthorityRoleAdmin)
	escrow, proposal, _ := approvedProposal(t, f)

	if err := f.svc.EmergencyPause(ctx, escrow.ID, admin.ID, "anomaly review"); err != nil {
		t.Fatal(err)
	}

	err := f.svc.ExecuteSettlement(ctx, proposal.ID)
	if apperr.KindOf(err) != apperr.KindTransient {
		t.Fatalf("expected transient deferral while paused, got %v", err)
	}
	if f.transfer.callCount() != 0 {
		t.Fatal("paused escrow moved money")
	}

	if err := f.svc.ResumeEscrow(ctx, escrow.ID, admin.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.ExecuteSettlement(ctx, proposal.ID); err != nil {
		t.Fatalf("execute after resume: %v", err)
	}
	if f.transfer.callCount() != 1 {
		t.Fatalf("transfers = %d, want 1", f.transfer.callCount())
	}
}

func TestEmergencyPauseRequiresAdmin(t *testing.T) {
	f := newEscrowFixture()
	ctx := context.Background()
	settlement, _ := f.addAuthority(models.AuthorityRoleSettlement)
	escrow, _ := f.twoPlayerEscrow(models.EscrowStatusActive)

	err := f.svc.EmergencyPause(ctx, escrow.ID, settlement.ID, "nope")
	if apperr.KindOf(err) != apperr.KindUnauthorized {
		t.Fatalf("expected unauthorized for settlement-role pause, got %v", err)
	}
}

func TestExpireEscrowsSchedulesRefunds(t *testing.T) {
	f := newEscrowFixture()
	ctx := context.Background()
	escrow, participants := f.twoPlayerEscrow(models.EscrowStatusPendingDeposits)

	// One deposit made, then the window lapses.
	if err := f.svc.ProcessDeposit(ctx, participants[0].DepositMemo, "tx-1", 1_000_000_000); err != nil {
		t.Fatal(err)
	}
	f.escrows.mu.Lock()
	f.escrows.escrows[escrow.ID].ExpiresAt = time.Now().Add(-time.Minute)
	f.escrows.mu.Unlock()

	if err := f.svc.ExpireEscrows(ctx); err != nil {
		t.Fatal(err)
	}
	refunds := f.queue.byKind(jobs.KindRefundEscrow)
	if len(refunds) != 1 {
		t.Fatalf("refund jobs = %d, want 1", len(refunds))
	}

	// A second sweep does not duplicate the job.
	if err := f.svc.ExpireEscrows(ctx); err != nil {
		t.Fatal(err)
	}
	if n := len(f.queue.byKind(jobs.KindRefundEscrow)); n != 1 {
		t.Fatalf("refund jobs after second sweep = %d, want 1", n)
	}

	if err := f.svc.RefundEscrow(ctx, escrow.ID); err != nil {
		t.Fatalf("refund: %v", err)
	}
	e, _ := f.escrows.GetByID(ctx, escrow.ID)
	if e.Status != models.EscrowStatusCancelled {
		t.Fatalf("escrow status = %s, want cancelled", e.Status)
	}
	// Only the completed deposit is refunded.
	if f.transfer.callCount() != 1 {
		t.Fatalf("refund transfers = %d, want 1", f.transfer.callCount())
	}
	if f.transfer.calls[0].To != "EQAlice" || f.transfer.calls[0].AmountNano != 1_000_000_000 {
		t.Errorf("unexpected refund %+v", f.transfer.calls[0])
	}

	// Refund rows live in payout_results under the nil proposal id; the
	// schema carries no FK on proposal_id exactly so these rows insert.
	rows, _ := f.escrows.GetPayouts(ctx, uuid.Nil)
	if len(rows) != 1 || rows[0].Reason != "refund" || rows[0].ProposalID != uuid.Nil {
		t.Fatalf("unexpected refund rows %+v", rows)
	}
	if rows[0].Status != models.PayoutStatusSent || rows[0].TxRef == nil {
		t.Errorf("refund row not marked sent: %+v", rows[0])
	}

	// A retried refund job is a no-op: the row is the durable marker.
	if err := f.svc.RefundEscrow(ctx, escrow.ID); err != nil {
		t.Fatalf("refund retry: %v", err)
	}
	if f.transfer.callCount() != 1 {
		t.Fatalf("refund transfers after retry = %d, want 1", f.transfer.callCount())
	}
}

func TestDisputeRequiresParticipant(t *testing.T) {
	f := newEscrowFixture()
	ctx := context.Background()
	escrow, _ := f.twoPlayerEscrow(models.EscrowStatusActive)

	if _, err := f.svc.InitiateDispute(ctx, escrow.ID, "mallory", "sore loser", nil); apperr.KindOf(err) != apperr.KindUnauthorized {
		t.Fatalf("expected unauthorized for non-participant, got %v", err)
	}
	e, _ := f.escrows.GetByID(ctx, escrow.ID)
	if e.Status != models.EscrowStatusActive {
		t.Fatalf("escrow status = %s, want active after rejected dispute", e.Status)
	}

	// A real participant still can.
	if _, err := f.svc.InitiateDispute(ctx, escrow.ID, "bob", "opponent used a modified client", nil); err != nil {
		t.Fatal(err)
	}
}

func TestResettledProposalSchedulesExecution(t *testing.T) {
	f := newEscrowFixture()
	ctx := context.Background()
	admin, _ := f.addAuthority(models.AuthorityRoleAdmin)
	escrow, first, participants := approvedProposal(t, f)

	dispute, err := f.svc.InitiateDispute(ctx, escrow.ID, "bob", "wrong winner", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.svc.ResolveDispute(ctx, dispute.ID, admin.ID, ResolutionResettle); err != nil {
		t.Fatal(err)
	}

	// Replacement proposal paying bob instead, signed to threshold.
	proposer, proposerKey := f.addAuthority(models.AuthorityRoleSettlement)
	second, secondKey := f.addAuthority(models.AuthorityRoleSettlement)
	replacement, err := f.svc.ProposeSettlement(ctx, escrow.ID, proposer.ID,
		[]models.Payout{{ParticipantID: participants[1].ID, AmountNano: 1_900_000_000, Reason: "winner"}})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.svc.SignSettlement(ctx, replacement.ID, proposer.ID, signProposal(proposerKey, replacement)); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.SignSettlement(ctx, replacement.ID, second.ID, signProposal(secondKey, replacement)); err != nil {
		t.Fatal(err)
	}

	e, _ := f.escrows.GetByID(ctx, escrow.ID)
	if e.Status != models.EscrowStatusReadyToSettle {
		t.Fatalf("escrow status = %s, want ready_to_settle", e.Status)
	}

	// The replacement approval must enqueue its own execution job; the
	// pre-dispute job's idempotency key must not suppress it.
	queued := f.queue.byKind(jobs.KindExecuteSettlement)
	if len(queued) != 2 {
		t.Fatalf("settlement jobs enqueued = %d, want 2 (one per approved proposal)", len(queued))
	}
	var payload SettlementJobPayload
	if err := json.Unmarshal(queued[len(queued)-1].Payload, &payload); err != nil || payload.ProposalID != replacement.ID {
		t.Errorf("replacement job payload wrong: %v %+v", err, payload)
	}
	if payload.ProposalID == first.ID {
		t.Error("replacement approval reused the original proposal's job")
	}
}

func TestDisputeBlocksSettlement(t *testing.T) {
	f := newEscrowFixture()
	ctx := context.Background()
	admin, _ := f.addAuthority(models.AuthorityRoleAdmin)
	escrow, proposal, _ := approvedProposal(t, f)

	dispute, err := f.svc.InitiateDispute(ctx, escrow.ID, "bob", "opponent used a modified client", nil)
	if err != nil {
		t.Fatal(err)
	}

	// A second dispute on the same escrow is rejected.
	if _, err := f.svc.InitiateDispute(ctx, escrow.ID, "alice", "counter", nil); apperr.KindOf(err) != apperr.KindConflict {
		t.Fatalf("expected conflict for second dispute, got %v", err)
	}

	// The queued settlement job lands on a disputed escrow and skips.
	if err := f.svc.ExecuteSettlement(ctx, proposal.ID); err != nil {
		t.Fatalf("execute on disputed escrow should be benign: %v", err)
	}
	if f.transfer.callCount() != 0 {
		t.Fatal("disputed escrow moved money")
	}

	if err := f.svc.ResolveDispute(ctx, dispute.ID, admin.ID, ResolutionResettle); err != nil {
		t.Fatal(err)
	}
	e, _ := f.escrows.GetByID(ctx, escrow.ID)
	if e.Status != models.EscrowStatusPendingSettle {
		t.Fatalf("escrow status = %s, want pending_settlement after resettle", e.Status)
	}

	// Resolution is one-shot.
	if err := f.svc.ResolveDispute(ctx, dispute.ID, admin.ID, ResolutionRefund); apperr.KindOf(err) != apperr.KindConflict {
		t.Fatalf("expected conflict for re-resolution, got %v", err)
	}
}

func TestHandleVerifiedWinProposesSettlement(t *testing.T) {
	f := newEscrowFixture()
	ctx := context.Background()
	f.addAuthority(models.AuthorityRoleSettlement)
	escrow, participants := f.twoPlayerEscrow(models.EscrowStatusActive)

	if err := f.svc.HandleVerifiedWin(ctx, escrow.ID, "alice"); err != nil {
		t.Fatal(err)
	}

	e, _ := f.escrows.GetByID(ctx, escrow.ID)
	if e.Status != models.EscrowStatusPendingSettle {
		t.Fatalf("escrow status = %s, want pending_settlement", e.Status)
	}
	if e.CurrentProposalID == nil {
		t.Fatal("no proposal created for verified win")
	}
	p, _ := f.proposals.GetByID(ctx, *e.CurrentProposalID)
	if len(p.Payouts) != 1 || p.Payouts[0].ParticipantID != participants[0].ID || p.Payouts[0].AmountNano != 1_900_000_000 {
		t.Errorf("unexpected auto-proposal payouts %+v", p.Payouts)
	}

	// Unknown winner is rejected.
	escrow2, _ := f.twoPlayerEscrow(models.EscrowStatusActive)
	if err := f.svc.HandleVerifiedWin(ctx, escrow2.ID, "mallory"); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation for unknown winner, got %v", err)
	}
}
