package jobs

import (
	"encoding/json"
	"strconv"
	"time"
)

// Queue names. ClaimFirst polls in this order, so settlement work is
// always drained ahead of proof verification when a pool serves both.
const (
	QueueSettlement  = "settlement"
	QueueProofVerify = "proof_verify"
	QueueMaintenance = "maintenance"
)

// Job kinds
const (
	KindExecuteSettlement = "execute_settlement"
	KindRefundEscrow      = "refund_escrow"
	KindVerifyProof       = "verify_proof"
	KindExpireEscrows     = "expire_escrows"
	KindRequeueLost       = "requeue_lost"
	KindRefreshStats      = "refresh_stats"
)

// Backoff policies
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

type Backoff struct {
	Policy string        `json:"policy"`
	Base   time.Duration `json:"base"`
}

// Delay returns the wait before the given retry attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = 5 * time.Second
	}
	if attempt < 1 {
		attempt = 1
	}
	switch b.Policy {
	case BackoffExponential:
		d := base
		for i := 1; i < attempt; i++ {
			d *= 2
			if d > 10*time.Minute {
				return 10 * time.Minute
			}
		}
		return d
	default:
		return base
	}
}

// Job is one unit of queued work. Payload is opaque to the queue.
type Job struct {
	ID             string          `json:"id"`
	Queue          string          `json:"queue"`
	Kind           string          `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	Priority       int             `json:"priority"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	Backoff        Backoff         `json:"backoff"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
	ScheduledFor   time.Time       `json:"scheduled_for"`
}

func (j *Job) Decode(v any) error {
	return json.Unmarshal(j.Payload, v)
}

type EnqueueOptions struct {
	Priority       int
	Delay          time.Duration
	MaxAttempts    int
	Backoff        Backoff
	IdempotencyKey string
}

// Counts is queue-depth introspection for monitoring.
type Counts struct {
	Scheduled  int64 `json:"scheduled"`
	Processing int64 `json:"processing"`
	Dead       int64 `json:"dead"`
}

// WindowKey returns a stable idempotency key for a recurring job: the same
// id within the same cadence window maps to the same key, so duplicate
// concurrent schedules collapse.
func WindowKey(id string, interval time.Duration, now time.Time) string {
	if interval <= 0 {
		interval = time.Minute
	}
	window := now.Unix() / int64(interval.Seconds())
	return id + ":" + strconv.FormatInt(window, 10)
}
