package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/stakearena/fairness-engine/internal/config"
	"github.com/stakearena/fairness-engine/internal/db"
	"github.com/stakearena/fairness-engine/internal/events"
	apphttp "github.com/stakearena/fairness-engine/internal/http"
	"github.com/stakearena/fairness-engine/internal/http/handlers"
	"github.com/stakearena/fairness-engine/internal/jobs"
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

	// Database
	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	// Run migrations
	if err := db.RunMigrations(ctx, pool, "migrations", log); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}

	// Redis
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
	vrfRepo := repositories.NewVRFRepo(pool)
	auditRepo := repositories.NewAuditRepo(pool)
	walletRepo := repositories.NewWalletRepo(pool)

	// Events + queues
	publisher := events.NewRedisPublisher(rdb, log)
	subscriber := events.NewRedisSubscriber(rdb, log)
	queue := jobs.NewClient(rdb, cfg.JobRetention, log)

	// TON client. The API only needs the transfer side for manual refund
	// triggers; connect errors are fatal because payouts depend on it.
	tonClient, err := ton.Connect(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to connect to TON network", zap.Error(err))
	}

	// Randomness engine
	secret, derivation, err := cfg.VRFKeys()
	if err != nil {
		log.Fatal("invalid VRF key material", zap.Error(err))
	}
	engine, err := vrf.NewEngine(secret, derivation)
	if err != nil {
		log.Fatal("failed to init VRF engine", zap.Error(err))
	}

	// Services
	locker := services.NewRedisLocker(rdb)
	escrowService := services.NewEscrowService(escrowRepo, proposalRepo, authorityRepo, disputeRepo, auditRepo,
		queue, tonClient, locker, publisher, cfg, log)
	proofService := services.NewProofService(proofRepo, queue, engine, escrowService, locker, publisher, cfg, log)
	randomnessService := services.NewRandomnessService(engine, vrfRepo, log)
	walletService := services.NewWalletService(walletRepo, auditRepo, cfg, log)
	authService := services.NewAuthService(authorityRepo, services.NewRedisChallenges(rdb), cfg, log)

	// Handlers
	authHandler := handlers.NewAuthHandler(authService, log)
	escrowHandler := handlers.NewEscrowHandler(escrowService, cfg.TONHotWalletAddress, log)
	proofHandler := handlers.NewProofHandler(proofService, log)
	randomnessHandler := handlers.NewRandomnessHandler(randomnessService, log)
	walletHandler := handlers.NewWalletHandler(walletService, log)
	queueHandler := handlers.NewQueueHandler(queue, log)
	wsHub := handlers.NewWSHub(cfg, subscriber, log)

	// Start WS hub
	wsHub.Start(ctx)

	// Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	apphttp.SetupRouter(app, cfg, log, rdb, authHandler, escrowHandler, proofHandler, randomnessHandler, walletHandler, queueHandler, wsHub)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")
		cancel()
		_ = app.Shutdown()
	}()

	addr := fmt.Sprintf(":%s", cfg.APIPort)
	log.Info("starting API server", zap.String("addr", addr))
	if err := app.Listen(addr); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}
