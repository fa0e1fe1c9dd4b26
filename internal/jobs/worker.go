package jobs

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/stakearena/fairness-engine/internal/apperr"
)

// HandlerFunc processes one job. Returned error kind decides the job's
// fate: transient errors retry with backoff, everything else dead-letters.
type HandlerFunc func(ctx context.Context, job *Job) error

const idlePoll = 500 * time.Millisecond

// Worker runs a fixed-concurrency pool over one or more queues, claimed
// in priority order.
type Worker struct {
	client      *Client
	queues      []string
	concurrency int
	handlers    map[string]HandlerFunc
	log         *zap.Logger

	// OnDeadLetter is invoked after a job exhausts its attempts, so the
	// owning component can record a safe resumable state.
	OnDeadLetter func(ctx context.Context, job *Job, cause error)
}

func NewWorker(client *Client, concurrency int, log *zap.Logger, queues ...string) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Worker{
		client:      client,
		queues:      queues,
		concurrency: concurrency,
		handlers:    make(map[string]HandlerFunc),
		log:         log,
	}
}

func (w *Worker) Handle(kind string, fn HandlerFunc) {
	w.handlers[kind] = fn
}

// Run blocks until ctx is cancelled. In-flight jobs finish normally on
// shutdown (cooperative cancellation).
func (w *Worker) Run(ctx context.Context) {
	done := make(chan struct{})
	for i := 0; i < w.concurrency; i++ {
		go func(slot int) {
			defer func() { done <- struct{}{} }()
			w.loop(ctx, slot)
		}(i)
	}
	for i := 0; i < w.concurrency; i++ {
		<-done
	}
}

func (w *Worker) loop(ctx context.Context, slot int) {
	log := w.log.With(zap.Int("slot", slot), zap.Strings("queues", w.queues))
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.client.ClaimFirst(ctx, w.queues...)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("claim failed", zap.Error(err))
			sleep(ctx, idlePoll)
			continue
		}
		if job == nil {
			sleep(ctx, idlePoll)
			continue
		}

		w.process(ctx, job, log)
	}
}

func (w *Worker) process(ctx context.Context, job *Job, log *zap.Logger) {
	handler, ok := w.handlers[job.Kind]
	if !ok {
		_ = w.client.Fail(ctx, job, errors.New("no handler registered for kind "+job.Kind))
		return
	}

	start := time.Now()
	err := handler(ctx, job)
	if err == nil {
		if ackErr := w.client.Complete(ctx, job); ackErr != nil {
			log.Error("ack failed", zap.String("job_id", job.ID), zap.Error(ackErr))
		}
		log.Debug("job done",
			zap.String("kind", job.Kind),
			zap.String("job_id", job.ID),
			zap.Duration("took", time.Since(start)),
		)
		return
	}

	if apperr.Retryable(err) {
		dead, retryErr := w.client.Retry(ctx, job, err)
		if retryErr != nil {
			log.Error("retry bookkeeping failed", zap.String("job_id", job.ID), zap.Error(retryErr))
			return
		}
		if dead && w.OnDeadLetter != nil {
			w.OnDeadLetter(ctx, job, err)
		}
		return
	}

	// Non-retryable: validation/state/auth outcomes surface to operators
	// via the dead letter, never loop.
	if failErr := w.client.Fail(ctx, job, err); failErr != nil {
		log.Error("fail bookkeeping failed", zap.String("job_id", job.ID), zap.Error(failErr))
		return
	}
	if w.OnDeadLetter != nil {
		w.OnDeadLetter(ctx, job, err)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
