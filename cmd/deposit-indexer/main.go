package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xssnick/tonutils-go/address"
	"github.com/xssnick/tonutils-go/tlb"
	"go.uber.org/zap"

	"github.com/stakearena/fairness-engine/internal/apperr"
	"github.com/stakearena/fairness-engine/internal/config"
	"github.com/stakearena/fairness-engine/internal/db"
	"github.com/stakearena/fairness-engine/internal/events"
	"github.com/stakearena/fairness-engine/internal/jobs"
	"github.com/stakearena/fairness-engine/internal/metrics"
	"github.com/stakearena/fairness-engine/internal/repositories"
	"github.com/stakearena/fairness-engine/internal/services"
	"github.com/stakearena/fairness-engine/internal/ton"
)

const (
	redisCursorLT   = "deposit-indexer:cursor:lt"
	redisCursorHash = "deposit-indexer:cursor:hash"
	redisProcessed  = "deposit-indexer:tx:"
	processedTTL    = 7 * 24 * time.Hour
	pollInterval    = 5 * time.Second
	txBatchSize     = 100
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.TONHotWalletAddress == "" {
		log.Fatal("TON_HOT_WALLET_ADDRESS is required")
	}
	hotWallet, err := address.ParseAddr(cfg.TONHotWalletAddress)
	if err != nil {
		log.Fatal("invalid TON_HOT_WALLET_ADDRESS", zap.String("addr", cfg.TONHotWalletAddress), zap.Error(err))
	}

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

	escrowRepo := repositories.NewEscrowRepo(pool)
	proposalRepo := repositories.NewProposalRepo(pool)
	authorityRepo := repositories.NewAuthorityRepo(pool)
	disputeRepo := repositories.NewDisputeRepo(pool)
	auditRepo := repositories.NewAuditRepo(pool)

	publisher := events.NewRedisPublisher(rdb, log)
	queue := jobs.NewClient(rdb, cfg.JobRetention, log)

	tonClient, err := ton.Connect(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to connect to TON network", zap.Error(err))
	}

	escrowService := services.NewEscrowService(escrowRepo, proposalRepo, authorityRepo, disputeRepo, auditRepo,
		queue, tonClient, services.NewRedisLocker(rdb), publisher, cfg, log)

	log.Info("deposit indexer started",
		zap.String("hot_wallet", hotWallet.String()),
		zap.String("network", cfg.TONNetwork),
	)

	initCursor(ctx, tonClient, hotWallet, rdb, log)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-ticker.C:
			if err := pollAndProcess(ctx, tonClient, hotWallet, escrowService, rdb, log); err != nil {
				log.Error("poll cycle failed", zap.Error(err))
			}
		case <-sigCh:
			log.Info("shutting down deposit indexer")
			cancel()
			return
		case <-ctx.Done():
			return
		}
	}
}

// initCursor stores the current account LastTxLT on first run, so only
// transactions arriving after startup are processed.
func initCursor(ctx context.Context, client *ton.Client, addr *address.Address, rdb *redis.Client, log *zap.Logger) {
	existing, _ := rdb.Get(ctx, redisCursorLT).Result()
	if existing != "" {
		log.Info("resuming from saved cursor", zap.String("lt", existing))
		return
	}

	account, err := client.AccountState(ctx, addr)
	if err != nil || account == nil || !account.IsActive || account.LastTxLT == 0 {
		log.Info("hot wallet not active yet, starting from LT=0")
		rdb.Set(ctx, redisCursorLT, "0", 0)
		return
	}

	saveCursor(ctx, rdb, account.LastTxLT, account.LastTxHash)
	log.Info("cursor initialized at current account state",
		zap.Uint64("lt", account.LastTxLT),
		zap.String("hash", hex.EncodeToString(account.LastTxHash)),
	)
}

func loadCursorLT(ctx context.Context, rdb *redis.Client) uint64 {
	val, err := rdb.Get(ctx, redisCursorLT).Result()
	if err != nil || val == "" {
		return 0
	}
	lt, _ := strconv.ParseUint(val, 10, 64)
	return lt
}

func saveCursor(ctx context.Context, rdb *redis.Client, lt uint64, hash []byte) {
	rdb.Set(ctx, redisCursorLT, strconv.FormatUint(lt, 10), 0)
	rdb.Set(ctx, redisCursorHash, hex.EncodeToString(hash), 0)
}

// pollAndProcess fetches transactions newer than the cursor and feeds
// memo-carrying transfers to the escrow service.
func pollAndProcess(
	ctx context.Context,
	client *ton.Client,
	addr *address.Address,
	escrowService *services.EscrowService,
	rdb *redis.Client,
	log *zap.Logger,
) error {
	cursorLT := loadCursorLT(ctx, rdb)

	account, err := client.AccountState(ctx, addr)
	if err != nil {
		return fmt.Errorf("get account: %w", err)
	}
	if account == nil || !account.IsActive || account.LastTxLT == 0 {
		return nil
	}
	if account.LastTxLT <= cursorLT {
		return nil
	}

	newTxs, err := client.FetchNewTransactions(ctx, addr, account, cursorLT, txBatchSize)
	if err != nil {
		return fmt.Errorf("fetch transactions: %w", err)
	}

	if len(newTxs) > 0 {
		log.Info("found new transactions", zap.Int("count", len(newTxs)))
		for _, tx := range newTxs {
			if !processIncomingTx(ctx, tx, escrowService, rdb, log) {
				// Leave the cursor behind the failed transaction so the
				// next cycle retries it.
				return nil
			}
		}
	}

	saveCursor(ctx, rdb, account.LastTxLT, account.LastTxHash)
	return nil
}

// processIncomingTx matches one incoming transfer to a participant
// deposit memo. Returns false only on transient failures worth retrying.
func processIncomingTx(
	ctx context.Context,
	tx *tlb.Transaction,
	escrowService *services.EscrowService,
	rdb *redis.Client,
	log *zap.Logger,
) bool {
	if tx.IO.In == nil {
		return true
	}
	inMsg, ok := tx.IO.In.Msg.(*tlb.InternalMessage)
	if !ok || inMsg == nil || inMsg.Bounced {
		return true
	}
	amount := inMsg.Amount.Nano()
	if amount.Sign() <= 0 || !amount.IsInt64() {
		return true
	}

	memo := ton.ExtractComment(inMsg)
	if memo == "" {
		log.Debug("transfer without memo, skipping",
			zap.Uint64("lt", tx.LT),
			zap.String("from", inMsg.SrcAddr.String()),
			zap.String("amount", inMsg.Amount.String()),
		)
		return true
	}
	if !strings.HasPrefix(memo, "stake:") {
		return true
	}

	// Idempotency: skip if already processed
	txKey := fmt.Sprintf("%s%d", redisProcessed, tx.LT)
	if rdb.Exists(ctx, txKey).Val() > 0 {
		return true
	}

	txRef := strconv.FormatUint(tx.LT, 10)
	log.Info("incoming stake detected",
		zap.Uint64("lt", tx.LT),
		zap.String("from", inMsg.SrcAddr.String()),
		zap.String("amount", inMsg.Amount.String()),
		zap.String("memo", memo),
	)

	err := escrowService.ProcessDeposit(ctx, memo, txRef, amount.Int64())
	switch apperr.KindOf(err) {
	case apperr.KindNotFound:
		log.Debug("no participant for memo", zap.String("memo", memo))
		rdb.Set(ctx, txKey, "no_match", processedTTL)
		return true
	case apperr.KindValidation, apperr.KindState:
		// Wrong amount or escrow not accepting deposits: terminal for
		// this transfer, refunds are handled by escrow expiry.
		log.Warn("deposit rejected",
			zap.String("memo", memo),
			zap.String("amount", inMsg.Amount.String()),
			zap.Error(err),
		)
		rdb.Set(ctx, txKey, "rejected", processedTTL)
		return true
	default:
		if err != nil {
			log.Error("failed to process deposit", zap.String("memo", memo), zap.Error(err))
			return false
		}
	}

	metrics.DepositsProcessed.Inc()
	rdb.Set(ctx, txKey, "processed", processedTTL)
	return true
}
