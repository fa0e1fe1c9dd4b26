package ton

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/xssnick/tonutils-go/address"
	"github.com/xssnick/tonutils-go/liteclient"
	"github.com/xssnick/tonutils-go/tlb"
	tonsdk "github.com/xssnick/tonutils-go/ton"
	"github.com/xssnick/tonutils-go/ton/wallet"
	"go.uber.org/zap"

	"github.com/stakearena/fairness-engine/internal/config"
)

// Client wraps the lite-server API and the hot wallet. The indexer uses the
// read side to watch deposits; the settlement worker uses Transfer to pay
// out.
type Client struct {
	api    tonsdk.APIClientWrapped
	wallet *wallet.Wallet
	log    *zap.Logger
}

// Connect establishes a lite-server connection. With LITE_SERVER_HOST and
// LITE_SERVER_KEY set it connects to that server, otherwise it discovers
// servers from the global TON config for the configured network. The hot
// wallet is optional: read-only consumers can run without the seed.
func Connect(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Client, error) {
	client := liteclient.NewConnectionPool()

	if cfg.LiteServerHost != "" && cfg.LiteServerKey != "" {
		addr := fmt.Sprintf("%s:%d", cfg.LiteServerHost, cfg.LiteServerPort)
		log.Info("connecting to lite server", zap.String("addr", addr))
		if err := client.AddConnection(ctx, addr, cfg.LiteServerKey); err != nil {
			return nil, fmt.Errorf("connect to lite server %s: %w", addr, err)
		}
	} else {
		var configURL string
		switch strings.ToLower(cfg.TONNetwork) {
		case "mainnet":
			configURL = "https://ton.org/global.config.json"
		default:
			configURL = "https://ton.org/testnet-global.config.json"
		}
		log.Info("connecting via global config", zap.String("url", configURL), zap.String("network", cfg.TONNetwork))
		if err := client.AddConnectionsFromConfigUrl(ctx, configURL); err != nil {
			return nil, fmt.Errorf("connect via config %s: %w", configURL, err)
		}
	}

	proofPolicy := tonsdk.ProofCheckPolicyFast
	if strings.ToLower(cfg.TONNetwork) == "mainnet" {
		proofPolicy = tonsdk.ProofCheckPolicySecure
	}
	api := tonsdk.NewAPIClient(client, proofPolicy).WithRetry()

	c := &Client{api: api, log: log}
	if len(cfg.TONHotWalletSeed) > 0 {
		w, err := wallet.FromSeed(api, cfg.TONHotWalletSeed, wallet.V4R2)
		if err != nil {
			return nil, fmt.Errorf("open hot wallet from seed: %w", err)
		}
		log.Info("hot wallet opened", zap.String("address", w.WalletAddress().String()))
		c.wallet = w
	}
	return c, nil
}

// API exposes the raw lite-server client for block/account reads.
func (c *Client) API() tonsdk.APIClientWrapped {
	return c.api
}

// Transfer sends TON from the hot wallet and waits for the transaction to
// be accepted, returning its hash as the durable reference.
func (c *Client) Transfer(ctx context.Context, toAddr string, amountNano int64, comment string) (string, error) {
	if c.wallet == nil {
		return "", fmt.Errorf("hot wallet seed not configured, cannot transfer")
	}
	if amountNano <= 0 {
		return "", fmt.Errorf("transfer amount must be positive, got %d", amountNano)
	}

	to, err := address.ParseAddr(toAddr)
	if err != nil {
		return "", fmt.Errorf("parse destination %q: %w", toAddr, err)
	}

	msg, err := c.wallet.BuildTransfer(to, tlb.FromNanoTON(big.NewInt(amountNano)), false, comment)
	if err != nil {
		return "", fmt.Errorf("build transfer: %w", err)
	}

	tx, _, err := c.wallet.SendWaitTransaction(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("send transfer: %w", err)
	}

	txRef := hex.EncodeToString(tx.Hash)
	c.log.Info("transfer sent",
		zap.String("to", to.String()),
		zap.Int64("amount_nano", amountNano),
		zap.String("tx_hash", txRef),
	)
	return txRef, nil
}

// AccountState returns the current account for the address, nil when it is
// uninitialized.
func (c *Client) AccountState(ctx context.Context, addr *address.Address) (*tlb.Account, error) {
	block, err := c.api.CurrentMasterchainInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("get master block: %w", err)
	}
	account, err := c.api.GetAccount(ctx, block, addr)
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return account, nil
}

// FetchNewTransactions retrieves all account transactions with LT above
// the cursor, oldest first. ListTransactions pages backwards from the
// newest; we walk until the cursor and flip the order.
func (c *Client) FetchNewTransactions(ctx context.Context, addr *address.Address, account *tlb.Account, cursorLT uint64, batchSize uint32) ([]*tlb.Transaction, error) {
	var allTxs []*tlb.Transaction

	lt := account.LastTxLT
	hash := account.LastTxHash

	for {
		txs, err := c.api.ListTransactions(ctx, addr, batchSize, lt, hash)
		if err != nil {
			return nil, fmt.Errorf("list transactions (lt=%d): %w", lt, err)
		}
		if len(txs) == 0 {
			break
		}

		reachedCursor := false
		for _, tx := range txs {
			if tx.LT <= cursorLT {
				reachedCursor = true
				continue
			}
			allTxs = append(allTxs, tx)
		}

		if reachedCursor || uint32(len(txs)) < batchSize {
			break
		}

		oldest := txs[0]
		if oldest.PrevTxLT == 0 {
			break
		}
		lt = oldest.PrevTxLT
		hash = oldest.PrevTxHash
	}

	sort.Slice(allTxs, func(i, j int) bool {
		return allTxs[i].LT < allTxs[j].LT
	})

	return allTxs, nil
}

// ExtractComment parses a plain-text comment from an internal message
// body. TON text comments are opcode 0x00000000 followed by UTF-8 text.
func ExtractComment(inMsg *tlb.InternalMessage) string {
	body := inMsg.Body
	if body == nil {
		return ""
	}

	slice := body.BeginParse()
	if slice.BitsLeft() < 32 {
		return ""
	}

	op, err := slice.LoadUInt(32)
	if err != nil || op != 0 {
		return ""
	}

	remaining := slice.BitsLeft()
	if remaining < 8 {
		return ""
	}

	data, err := slice.LoadSlice(remaining)
	if err != nil {
		return ""
	}

	return strings.TrimSpace(string(data))
}
