package models

import (
	"testing"

	"github.com/google/uuid"
)

func mustUUID(t *testing.T, s string) uuid.UUID {
	t.Helper()
	id, err := uuid.Parse(s)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		from     string
		to       string
		expected bool
	}{
		// Happy path
		{EscrowStatusPendingDeposits, EscrowStatusActive, true},
		{EscrowStatusActive, EscrowStatusPendingSettle, true},
		{EscrowStatusPendingSettle, EscrowStatusReadyToSettle, true},
		{EscrowStatusReadyToSettle, EscrowStatusSettled, true},

		// Dispute branches
		{EscrowStatusActive, EscrowStatusDisputed, true},
		{EscrowStatusPendingSettle, EscrowStatusDisputed, true},
		{EscrowStatusReadyToSettle, EscrowStatusDisputed, true},
		{EscrowStatusDisputed, EscrowStatusPendingSettle, true},
		{EscrowStatusDisputed, EscrowStatusCancelled, true},

		// Refund path
		{EscrowStatusPendingDeposits, EscrowStatusCancelled, true},

		// Invalid transitions
		{EscrowStatusPendingDeposits, EscrowStatusSettled, false},
		{EscrowStatusPendingDeposits, EscrowStatusDisputed, false},
		{EscrowStatusActive, EscrowStatusSettled, false},
		{EscrowStatusActive, EscrowStatusCancelled, false},
		{EscrowStatusSettled, EscrowStatusDisputed, false},
		{EscrowStatusSettled, EscrowStatusCancelled, false},
		{EscrowStatusCancelled, EscrowStatusActive, false},
		{EscrowStatusReadyToSettle, EscrowStatusActive, false},
		{"nonexistent", EscrowStatusActive, false},
		{EscrowStatusActive, "nonexistent", false},
	}

	for _, tt := range tests {
		t.Run(tt.from+"->"+tt.to, func(t *testing.T) {
			result := IsValidTransition(tt.from, tt.to)
			if result != tt.expected {
				t.Errorf("IsValidTransition(%q, %q) = %v, want %v", tt.from, tt.to, result, tt.expected)
			}
		})
	}
}

func TestAllStatusesHaveTransitionEntry(t *testing.T) {
	allStatuses := []string{
		EscrowStatusPendingDeposits, EscrowStatusActive,
		EscrowStatusPendingSettle, EscrowStatusReadyToSettle,
		EscrowStatusSettled, EscrowStatusDisputed, EscrowStatusCancelled,
	}

	for _, status := range allStatuses {
		if _, ok := ValidEscrowTransitions[status]; !ok {
			t.Errorf("status %q missing from ValidEscrowTransitions map", status)
		}
	}
}

func TestTerminalStatusesHaveNoTransitions(t *testing.T) {
	for _, status := range []string{EscrowStatusSettled, EscrowStatusCancelled} {
		if !IsTerminal(status) {
			t.Errorf("status %q should be terminal", status)
		}
	}
	for _, status := range []string{EscrowStatusActive, EscrowStatusDisputed, EscrowStatusReadyToSettle} {
		if IsTerminal(status) {
			t.Errorf("status %q should not be terminal", status)
		}
	}
}

func TestPlatformFeeNano(t *testing.T) {
	e := &Escrow{TotalAmountNano: 2_000_000_000, PlatformFeeBPS: 500}
	if fee := e.PlatformFeeNano(); fee != 100_000_000 {
		t.Errorf("fee = %d, want 100000000 (0.1 TON)", fee)
	}
}

func TestProposalHasSigned(t *testing.T) {
	a := mustUUID(t, "11111111-1111-1111-1111-111111111111")
	b := mustUUID(t, "22222222-2222-2222-2222-222222222222")

	p := &SettlementProposal{Signatures: []ProposalSignature{{AuthorityID: a}}}
	if !p.HasSigned(a) {
		t.Error("expected a to have signed")
	}
	if p.HasSigned(b) {
		t.Error("did not expect b to have signed")
	}
}
