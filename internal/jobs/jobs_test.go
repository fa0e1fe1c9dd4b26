package jobs

import (
	"encoding/json"
	"testing"
	"time"
)

func TestBackoffDelay_Fixed(t *testing.T) {
	b := Backoff{Policy: BackoffFixed, Base: 10 * time.Second}
	for attempt := 1; attempt <= 5; attempt++ {
		if d := b.Delay(attempt); d != 10*time.Second {
			t.Errorf("attempt %d: delay = %v, want 10s", attempt, d)
		}
	}
}

func TestBackoffDelay_Exponential(t *testing.T) {
	b := Backoff{Policy: BackoffExponential, Base: 5 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
	}
	for _, tt := range tests {
		if d := b.Delay(tt.attempt); d != tt.want {
			t.Errorf("attempt %d: delay = %v, want %v", tt.attempt, d, tt.want)
		}
	}
}

func TestBackoffDelay_ExponentialCap(t *testing.T) {
	b := Backoff{Policy: BackoffExponential, Base: time.Minute}
	if d := b.Delay(20); d != 10*time.Minute {
		t.Errorf("capped delay = %v, want 10m", d)
	}
}

func TestBackoffDelay_Defaults(t *testing.T) {
	var b Backoff
	if d := b.Delay(0); d != 5*time.Second {
		t.Errorf("zero-value backoff delay = %v, want 5s", d)
	}
}

func TestJobCodec(t *testing.T) {
	job := &Job{
		ID:             "j1",
		Queue:          QueueSettlement,
		Kind:           KindExecuteSettlement,
		Payload:        json.RawMessage(`{"escrow_id":"abc"}`),
		Priority:       10,
		MaxAttempts:    5,
		Backoff:        Backoff{Policy: BackoffExponential, Base: 5 * time.Second},
		IdempotencyKey: "escrow:abc",
		EnqueuedAt:     time.Unix(1700000000, 0).UTC(),
		ScheduledFor:   time.Unix(1700000300, 0).UTC(),
	}

	data, err := json.Marshal(job)
	if err != nil {
		t.Fatal(err)
	}
	var got Job
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != job.ID || got.Kind != job.Kind || got.Queue != job.Queue {
		t.Errorf("identity fields lost: %+v", got)
	}
	if got.MaxAttempts != 5 || got.Priority != 10 {
		t.Errorf("numeric fields lost: %+v", got)
	}
	if got.Backoff.Policy != BackoffExponential || got.Backoff.Base != 5*time.Second {
		t.Errorf("backoff lost: %+v", got.Backoff)
	}

	var payload struct {
		EscrowID string `json:"escrow_id"`
	}
	if err := got.Decode(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.EscrowID != "abc" {
		t.Errorf("payload escrow_id = %q", payload.EscrowID)
	}
}

func TestWindowKey_StableWithinWindow(t *testing.T) {
	base := time.Unix(1700000000, 0)
	k1 := WindowKey("stats_refresh", time.Hour, base)
	k2 := WindowKey("stats_refresh", time.Hour, base.Add(30*time.Minute))
	if k1 != k2 {
		t.Errorf("keys within one window differ: %q vs %q", k1, k2)
	}

	k3 := WindowKey("stats_refresh", time.Hour, base.Add(2*time.Hour))
	if k1 == k3 {
		t.Error("keys across windows should differ")
	}
}

func TestWindowKey_DistinctIDs(t *testing.T) {
	now := time.Now()
	if WindowKey("a", time.Minute, now) == WindowKey("b", time.Minute, now) {
		t.Error("different ids produced the same key")
	}
}

func TestScoreOrdersPriorityWithoutAdvancingDueTime(t *testing.T) {
	due := time.Unix(1700000000, 0)
	high := score(due, 10)
	low := score(due, 0)
	if high >= low {
		t.Error("higher priority should sort earlier at equal due time")
	}
	// A priority boost must never make a job due a full tick early.
	if low-high >= 1 {
		t.Error("priority bias crossed a millisecond boundary")
	}
}
