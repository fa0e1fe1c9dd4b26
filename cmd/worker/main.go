package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/stakearena/fairness-engine/internal/config"
	"github.com/stakearena/fairness-engine/internal/db"
	"github.com/stakearena/fairness-engine/internal/events"
	"github.com/stakearena/fairness-engine/internal/jobs"
	"github.com/stakearena/fairness-engine/internal/metrics"
	"github.com/stakearena/fairness-engine/internal/repositories"
	"github.com/stakearena/fairness-engine/internal/services"
	"github.com/stakearena/fairness-engine/internal/ton"
	"github.com/stakearena/fairness-engine/internal/vrf"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// Repositories
	escrowRepo := repositories.NewEscrowRepo(pool)
	proposalRepo := repositories.NewProposalRepo(pool)
	authorityRepo := repositories.NewAuthorityRepo(pool)
	disputeRepo := repositories.NewDisputeRepo(pool)
	proofRepo := repositories.NewProofRepo(pool)
	auditRepo := repositories.NewAuditRepo(pool)

	publisher := events.NewRedisPublisher(rdb, log)
	queue := jobs.NewClient(rdb, cfg.JobRetention, log)

	// TON: the settlement handlers move real money through the hot wallet.
	tonClient, err := ton.Connect(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to connect to TON network", zap.Error(err))
	}

	secret, derivation, err := cfg.VRFKeys()
	if err != nil {
		log.Fatal("invalid VRF key material", zap.Error(err))
	}
	engine, err := vrf.NewEngine(secret, derivation)
	if err != nil {
		log.Fatal("failed to init VRF engine", zap.Error(err))
	}

	locker := services.NewRedisLocker(rdb)
	escrowService := services.NewEscrowService(escrowRepo, proposalRepo, authorityRepo, disputeRepo, auditRepo,
		queue, tonClient, locker, publisher, cfg, log)
	proofService := services.NewProofService(proofRepo, queue, engine, escrowService, locker, publisher, cfg, log)

	metrics.Serve(":"+cfg.MetricsPort, log)

	// Settlement queue: low concurrency, money moves here.
	settlementWorker := jobs.NewWorker(queue, cfg.SettlementConcurrency, log, jobs.QueueSettlement)
	settlementWorker.Handle(jobs.KindExecuteSettlement, func(ctx context.Context, job *jobs.Job) error {
		var p services.SettlementJobPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return fmt.Errorf("decode settlement payload: %w", err)
		}
		err := escrowService.ExecuteSettlement(ctx, p.ProposalID)
		observeJob(jobs.QueueSettlement, err)
		if err == nil {
			metrics.SettlementsExecuted.Inc()
		} else {
			metrics.SettlementFailures.Inc()
		}
		return err
	})
	settlementWorker.Handle(jobs.KindRefundEscrow, func(ctx context.Context, job *jobs.Job) error {
		var p services.RefundJobPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return fmt.Errorf("decode refund payload: %w", err)
		}
		err := escrowService.RefundEscrow(ctx, p.EscrowID)
		observeJob(jobs.QueueSettlement, err)
		return err
	})

	// Proof queue: verification is CPU + one chain lookup, higher fan-out.
	proofWorker := jobs.NewWorker(queue, cfg.ProofConcurrency, log, jobs.QueueProofVerify)
	proofWorker.Handle(jobs.KindVerifyProof, func(ctx context.Context, job *jobs.Job) error {
		var p services.ProofJobPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return fmt.Errorf("decode proof payload: %w", err)
		}
		err := proofService.VerifyProof(ctx, p.ProofID)
		observeJob(jobs.QueueProofVerify, err)
		return err
	})

	// Maintenance queue
	maintenanceWorker := jobs.NewWorker(queue, cfg.MaintenanceConcurrency, log, jobs.QueueMaintenance)
	maintenanceWorker.Handle(jobs.KindExpireEscrows, func(ctx context.Context, _ *jobs.Job) error {
		return escrowService.ExpireEscrows(ctx)
	})
	maintenanceWorker.Handle(jobs.KindRequeueLost, func(ctx context.Context, _ *jobs.Job) error {
		for _, q := range []string{jobs.QueueSettlement, jobs.QueueProofVerify, jobs.QueueMaintenance} {
			n, err := queue.RequeueLost(ctx, q)
			if err != nil {
				return err
			}
			if n > 0 {
				log.Warn("requeued lost jobs", zap.String("queue", q), zap.Int("count", n))
			}
		}
		return nil
	})
	maintenanceWorker.Handle(jobs.KindRefreshStats, func(ctx context.Context, _ *jobs.Job) error {
		for _, q := range []string{jobs.QueueSettlement, jobs.QueueProofVerify, jobs.QueueMaintenance} {
			counts, err := queue.QueueCounts(ctx, q)
			if err != nil {
				return err
			}
			metrics.QueueDepth.WithLabelValues(q, "scheduled").Set(float64(counts.Scheduled))
			metrics.QueueDepth.WithLabelValues(q, "processing").Set(float64(counts.Processing))
			metrics.QueueDepth.WithLabelValues(q, "dead").Set(float64(counts.Dead))
		}
		return nil
	})

	deadLetterHook := func(_ context.Context, job *jobs.Job, cause error) {
		metrics.JobsDeadLettered.WithLabelValues(job.Queue).Inc()
		log.Error("job dead-lettered",
			zap.String("queue", job.Queue),
			zap.String("kind", job.Kind),
			zap.String("job_id", job.ID),
			zap.Error(cause),
		)
	}
	settlementWorker.OnDeadLetter = deadLetterHook
	proofWorker.OnDeadLetter = deadLetterHook
	maintenanceWorker.OnDeadLetter = deadLetterHook

	go settlementWorker.Run(ctx)
	go proofWorker.Run(ctx)
	go maintenanceWorker.Run(ctx)
	go scheduleMaintenance(ctx, queue, cfg.MaintenanceInterval, log)

	log.Info("worker started",
		zap.Int("settlement_concurrency", cfg.SettlementConcurrency),
		zap.Int("proof_concurrency", cfg.ProofConcurrency),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		log.Info("shutting down worker")
		cancel()
	case <-ctx.Done():
	}
}

// scheduleMaintenance enqueues the recurring jobs each interval. The
// window-based idempotency key makes this safe to run on every worker
// replica: only one enqueue per window wins.
func scheduleMaintenance(ctx context.Context, queue *jobs.Client, interval time.Duration, log *zap.Logger) {
	kinds := []string{jobs.KindExpireEscrows, jobs.KindRequeueLost, jobs.KindRefreshStats}

	enqueue := func(now time.Time) {
		for _, kind := range kinds {
			_, err := queue.Enqueue(ctx, jobs.QueueMaintenance, kind, nil, jobs.EnqueueOptions{
				MaxAttempts:    1,
				IdempotencyKey: jobs.WindowKey(kind, interval, now),
			})
			if err != nil && !errors.Is(err, jobs.ErrDuplicate) {
				log.Error("failed to schedule maintenance job", zap.String("kind", kind), zap.Error(err))
			}
		}
	}

	enqueue(time.Now())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			enqueue(now)
		}
	}
}

func observeJob(queueName string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.JobsProcessed.WithLabelValues(queueName, outcome).Inc()
}
