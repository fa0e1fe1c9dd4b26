package http

import (
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/stakearena/fairness-engine/internal/config"
	"github.com/stakearena/fairness-engine/internal/http/handlers"
	"github.com/stakearena/fairness-engine/internal/middleware"
)

func SetupRouter(
	app *fiber.App,
	cfg *config.Config,
	log *zap.Logger,
	rdb *redis.Client,
	authHandler *handlers.AuthHandler,
	escrowHandler *handlers.EscrowHandler,
	proofHandler *handlers.ProofHandler,
	randomnessHandler *handlers.RandomnessHandler,
	walletHandler *handlers.WalletHandler,
	queueHandler *handlers.QueueHandler,
	wsHub *handlers.WSHub,
) {
	// Global middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
	}))
	app.Use(middleware.RequestIDMiddleware())
	app.Use(middleware.LoggerMiddleware(log))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api/v1")

	// Auth (public)
	api.Post("/auth/challenge", authHandler.Challenge)
	api.Post("/auth/token", authHandler.Token)

	// Rate-limited endpoints
	api.Use(middleware.RateLimitMiddleware(rdb, 100, time.Minute))

	// Public audit surface: anyone can verify published randomness.
	api.Get("/randomness/derivation-key", randomnessHandler.DerivationKey)
	api.Post("/randomness/verify", randomnessHandler.VerifySequence)

	// Meta (public)
	metaHandler := handlers.NewMetaHandler()
	api.Get("/meta/proof-types", metaHandler.GetProofTypes)
	api.Get("/meta/event-types", metaHandler.GetEventTypes)
	api.Get("/meta/win-conditions", metaHandler.GetWinConditions)

	// Protected endpoints (registered authorities)
	protected := api.Group("", middleware.AuthMiddleware(cfg, log))

	// Escrow lifecycle
	protected.Post("/escrows", escrowHandler.CreateEscrow)
	protected.Get("/escrows/:id", escrowHandler.GetEscrow)
	protected.Get("/escrows/:id/deposits", escrowHandler.GetDeposits)
	protected.Get("/escrows/:id/events", escrowHandler.GetEvents)
	protected.Post("/escrows/:id/proposals", escrowHandler.ProposeSettlement)
	protected.Post("/escrows/:id/disputes", escrowHandler.InitiateDispute)

	// Settlement proposals
	protected.Get("/proposals/:id", escrowHandler.GetProposal)
	protected.Post("/proposals/:id/signatures", escrowHandler.SignSettlement)
	protected.Get("/proposals/:id/payouts", escrowHandler.GetPayouts)

	// Proof verification
	protected.Post("/proofs", proofHandler.SubmitProof)
	protected.Get("/proofs/:id", proofHandler.GetProof)
	protected.Get("/games/:gameId/proofs", proofHandler.ListGameProofs)

	// Randomness commitments
	protected.Post("/randomness/commit", randomnessHandler.CommitSequence)
	protected.Get("/randomness/:gameId/:round", randomnessHandler.GetCommitment)

	// Player payout wallets (TON Connect proof, relayed by game servers)
	protected.Post("/players/:playerId/wallet/proof-payload", walletHandler.GeneratePayload)
	protected.Post("/players/:playerId/wallet/connect", walletHandler.ConnectWallet)
	protected.Get("/players/:playerId/wallet", walletHandler.GetWallet)
	protected.Delete("/players/:playerId/wallet", walletHandler.DisconnectWallet)

	// Admin operations
	admin := protected.Group("", middleware.AdminMiddleware(cfg))
	admin.Post("/escrows/:id/pause", escrowHandler.Pause)
	admin.Post("/escrows/:id/resume", escrowHandler.Resume)
	admin.Post("/disputes/:id/resolve", escrowHandler.ResolveDispute)
	admin.Get("/admin/queues", queueHandler.Stats)
	admin.Get("/admin/queues/:queue/dead", queueHandler.DeadLetters)

	// WebSocket event relay
	app.Use("/ws", handlers.WSUpgradeMiddleware())
	app.Get("/ws", websocket.New(wsHub.HandleWS))
}
