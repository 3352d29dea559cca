package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
)

// solanaAdapter reads SPL token activity over Solana's JSON-RPC API. The
// generic go-ethereum rpc.Client speaks plain JSON-RPC 2.0, which is exactly
// what Solana HTTP endpoints serve; only the method names and shapes differ.
//
// SPL has no zero-address convention: mints come from mintTo/mintToChecked
// instructions and burns from burn/burnChecked, so MintBurnEvents parses
// instruction types instead of filtering the transfer stream.
type solanaAdapter struct {
	cfg    Config
	client *rpc.Client
}

func newSolanaAdapter(cfg Config) *solanaAdapter {
	return &solanaAdapter{cfg: cfg}
}

func (a *solanaAdapter) Connect(ctx context.Context) error {
	if a.client != nil {
		return nil
	}
	client, err := rpc.DialContext(ctx, a.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial %s: %w", a.cfg.URL, err)
	}
	a.client = client
	return nil
}

func (a *solanaAdapter) Disconnect() error {
	if a.client != nil {
		a.client.Close()
		a.client = nil
	}
	return nil
}

func (a *solanaAdapter) IsConnected() bool { return a.client != nil }

func (a *solanaAdapter) call(ctx context.Context, result any, method string, args ...any) error {
	if a.client == nil {
		return ErrNotConnected
	}
	if a.cfg.Limiter != nil {
		if err := a.cfg.Limiter.Acquire(ctx); err != nil {
			return err
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, rpcCallTimeout)
	defer cancel()
	err := a.client.CallContext(callCtx, result, method, args...)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w: %s: %v", ErrRpcTimeout, method, err)
	}
	return err
}

func (a *solanaAdapter) CurrentBlock(ctx context.Context) (uint64, error) {
	var slot uint64
	err := a.call(ctx, &slot, "getSlot", map[string]string{"commitment": "finalized"})
	return slot, err
}

func (a *solanaAdapter) BlockTimestamp(ctx context.Context, number uint64) (time.Time, error) {
	var unix *int64
	if err := a.call(ctx, &unix, "getBlockTime", number); err != nil {
		return time.Time{}, err
	}
	if unix == nil {
		return time.Time{}, fmt.Errorf("no block time for slot %d", number)
	}
	return time.Unix(*unix, 0).UTC(), nil
}

// CreationBlock: Solana RPC exposes no code-presence probe for a mint, so
// creation is unknown. Operators may supply it; sync otherwise starts at 0.
func (a *solanaAdapter) CreationBlock(ctx context.Context, address string) (uint64, error) {
	return 0, ErrCreationUnknown
}

type solTokenSupply struct {
	Value struct {
		Amount   string `json:"amount"`
		Decimals int    `json:"decimals"`
	} `json:"value"`
}

func (a *solanaAdapter) TokenDecimals(ctx context.Context, address string) (int, error) {
	var supply solTokenSupply
	if err := a.call(ctx, &supply, "getTokenSupply", address); err != nil {
		return 6, nil
	}
	return supply.Value.Decimals, nil
}

func (a *solanaAdapter) TotalSupply(ctx context.Context, address string) (*big.Int, error) {
	var supply solTokenSupply
	if err := a.call(ctx, &supply, "getTokenSupply", address); err != nil {
		return nil, fmt.Errorf("getTokenSupply %s: %w", address, err)
	}
	amount, ok := new(big.Int).SetString(supply.Value.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("bad token supply amount %q", supply.Value.Amount)
	}
	return amount, nil
}

// solBlock is the subset of a jsonParsed getBlock response we consume.
type solBlock struct {
	BlockTime    *int64 `json:"blockTime"`
	Transactions []struct {
		Meta *struct {
			Err json.RawMessage `json:"err"`
			Fee uint64          `json:"fee"`
		} `json:"meta"`
		Transaction struct {
			Signatures []string `json:"signatures"`
			Message    struct {
				Instructions []solInstruction `json:"instructions"`
			} `json:"message"`
		} `json:"transaction"`
	} `json:"transactions"`
}

type solInstruction struct {
	Program string `json:"program"`
	Parsed  *struct {
		Type string `json:"type"`
		Info struct {
			Mint        string `json:"mint"`
			Source      string `json:"source"`
			Destination string `json:"destination"`
			Account     string `json:"account"`
			Authority   string `json:"authority"`
			Amount      string `json:"amount"`
			TokenAmount struct {
				Amount string `json:"amount"`
			} `json:"tokenAmount"`
		} `json:"info"`
	} `json:"parsed"`
}

var solBlockOpts = map[string]any{
	"encoding":                       "jsonParsed",
	"transactionDetails":             "full",
	"rewards":                        false,
	"maxSupportedTransactionVersion": 0,
}

func (a *solanaAdapter) TransferEvents(ctx context.Context, address string, fromBlock, toBlock uint64) ([]TransferEvent, error) {
	transfers, _, err := a.scanRange(ctx, address, fromBlock, toBlock)
	return transfers, err
}

func (a *solanaAdapter) MintBurnEvents(ctx context.Context, address string, fromBlock, toBlock uint64) (MintBurnResult, error) {
	_, mintBurn, err := a.scanRange(ctx, address, fromBlock, toBlock)
	return mintBurn, err
}

// scanRange lists the non-empty slots in [fromBlock, toBlock] and walks each
// block's parsed SPL instructions for the given mint.
func (a *solanaAdapter) scanRange(ctx context.Context, mint string, fromBlock, toBlock uint64) ([]TransferEvent, MintBurnResult, error) {
	var slots []uint64
	if err := a.call(ctx, &slots, "getBlocks", fromBlock, toBlock); err != nil {
		return nil, MintBurnResult{}, fmt.Errorf("getBlocks [%d, %d]: %w", fromBlock, toBlock, err)
	}

	var transfers []TransferEvent
	var mintBurn MintBurnResult

	for _, slot := range slots {
		if err := ctx.Err(); err != nil {
			return nil, MintBurnResult{}, err
		}
		var block solBlock
		if err := a.call(ctx, &block, "getBlock", slot, solBlockOpts); err != nil {
			return nil, MintBurnResult{}, fmt.Errorf("getBlock %d: %w", slot, err)
		}

		var ts time.Time
		if block.BlockTime != nil {
			ts = time.Unix(*block.BlockTime, 0).UTC()
		}

		for _, tx := range block.Transactions {
			if tx.Meta != nil && len(tx.Meta.Err) > 0 && string(tx.Meta.Err) != "null" {
				continue
			}
			if len(tx.Transaction.Signatures) == 0 {
				continue
			}
			sig := tx.Transaction.Signatures[0]

			for idx, ins := range tx.Transaction.Message.Instructions {
				if ins.Program != "spl-token" || ins.Parsed == nil {
					continue
				}
				info := ins.Parsed.Info
				if info.Mint != mint {
					continue
				}

				amount := info.Amount
				if amount == "" {
					amount = info.TokenAmount.Amount
				}
				value, ok := new(big.Int).SetString(amount, 10)
				if !ok {
					continue
				}

				ev := TransferEvent{
					BlockNumber: slot,
					LogIndex:    uint(idx),
					TxHash:      sig,
					Value:       value,
					Timestamp:   ts,
				}

				switch ins.Parsed.Type {
				case "transfer", "transferChecked":
					ev.From = firstNonEmpty(info.Authority, info.Source)
					ev.To = info.Destination
					transfers = append(transfers, ev)
				case "mintTo", "mintToChecked":
					ev.To = info.Account
					mintBurn.Mints = append(mintBurn.Mints, ev)
				case "burn", "burnChecked":
					ev.From = firstNonEmpty(info.Authority, info.Account)
					mintBurn.Burns = append(mintBurn.Burns, ev)
				}
			}
		}
	}
	return transfers, mintBurn, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

type solTransactionMeta struct {
	Meta *struct {
		Fee uint64 `json:"fee"`
	} `json:"meta"`
}

func (a *solanaAdapter) TransactionFee(ctx context.Context, txHash string) (Fee, error) {
	backoff := receiptRetryBackoff
	for attempt := 1; attempt <= receiptRetries; attempt++ {
		var tx *solTransactionMeta
		err := a.call(ctx, &tx, "getTransaction", txHash, map[string]any{
			"encoding":                       "json",
			"maxSupportedTransactionVersion": 0,
		})
		if err == nil && tx != nil && tx.Meta != nil {
			return Fee{Native: new(big.Int).SetUint64(tx.Meta.Fee)}, nil
		}
		if ctx.Err() != nil {
			if err == nil {
				err = ctx.Err()
			}
			return Fee{}, err
		}
		if err != nil && !IsTransient(err) {
			return Fee{}, fmt.Errorf("getTransaction %s: %w", txHash, err)
		}
		if attempt < receiptRetries {
			select {
			case <-ctx.Done():
				return Fee{}, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	return Fee{}, fmt.Errorf("%w: %s after %d attempts", ErrReceiptMissing, txHash, receiptRetries)
}

func (a *solanaAdapter) TransactionFees(ctx context.Context, txHashes []string) (map[string]Fee, error) {
	fees := make(map[string]Fee, len(txHashes))
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, feeBatchWidth)

	for _, hash := range txHashes {
		if err := ctx.Err(); err != nil {
			break
		}
		hash := hash
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			fee, err := a.TransactionFee(ctx, hash)
			if err != nil {
				fee = Fee{Native: new(big.Int)}
			}
			mu.Lock()
			fees[hash] = fee
			mu.Unlock()
		}()
	}
	wg.Wait()

	for _, hash := range txHashes {
		if _, ok := fees[hash]; !ok {
			fees[hash] = Fee{Native: new(big.Int)}
		}
	}
	return fees, ctx.Err()
}
