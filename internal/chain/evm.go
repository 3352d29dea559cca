package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// transferTopic is keccak256("Transfer(address,address,uint256)").
var transferTopic = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// ERC-20 selectors.
var (
	selDecimals    = common.Hex2Bytes("313ce567") // decimals()
	selTotalSupply = common.Hex2Bytes("18160ddd") // totalSupply()
)

// evmAdapter reads an ERC-20 deployment over a standard JSON-RPC endpoint.
// It also backs the Tron adapter, whose /jsonrpc facade speaks the same
// protocol with 0x41-prefixed addresses.
type evmAdapter struct {
	cfg    Config
	client *ethclient.Client

	// defaultDecimals is the fallback when decimals() reverts: 18 for EVM,
	// 6 for Tron.
	defaultDecimals int
}

func newEVMAdapter(cfg Config) *evmAdapter {
	return &evmAdapter{cfg: cfg, defaultDecimals: 18}
}

func (a *evmAdapter) Connect(ctx context.Context) error {
	if a.client != nil {
		return nil
	}
	client, err := ethclient.DialContext(ctx, a.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial %s: %w", a.cfg.URL, err)
	}
	a.client = client
	return nil
}

func (a *evmAdapter) Disconnect() error {
	if a.client != nil {
		a.client.Close()
		a.client = nil
	}
	return nil
}

func (a *evmAdapter) IsConnected() bool { return a.client != nil }

// call gates one RPC behind the endpoint limiter and a hard per-call
// timeout. All adapter methods route through it, including connection tests.
func (a *evmAdapter) call(ctx context.Context, fn func(ctx context.Context) error) error {
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
	err := fn(callCtx)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w: %v", ErrRpcTimeout, err)
	}
	return err
}

func (a *evmAdapter) CurrentBlock(ctx context.Context) (uint64, error) {
	var head uint64
	err := a.call(ctx, func(ctx context.Context) error {
		var err error
		head, err = a.client.BlockNumber(ctx)
		return err
	})
	return head, err
}

func (a *evmAdapter) BlockTimestamp(ctx context.Context, number uint64) (time.Time, error) {
	var ts time.Time
	err := a.call(ctx, func(ctx context.Context) error {
		header, err := a.client.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
		if err != nil {
			return err
		}
		ts = time.Unix(int64(header.Time), 0).UTC()
		return nil
	})
	return ts, err
}

// CreationBlock binary-searches getCode over block heights. Endpoints that
// refuse historical state (non-archive nodes) fail the initial deep probe;
// those fall back to a linear forward scan of the Transfer filter.
func (a *evmAdapter) CreationBlock(ctx context.Context, address string) (uint64, error) {
	addr := common.HexToAddress(address)

	head, err := a.CurrentBlock(ctx)
	if err != nil {
		return 0, err
	}

	// Probe historical state well behind head. Any error means the endpoint
	// cannot serve the binary search.
	if head > 1000 {
		probeErr := a.call(ctx, func(ctx context.Context) error {
			_, err := a.client.CodeAt(ctx, addr, new(big.Int).SetUint64(head-1000))
			return err
		})
		if probeErr != nil {
			if ctx.Err() != nil {
				return 0, probeErr
			}
			return a.creationBlockByScan(ctx, addr, head)
		}
	}

	low, high := uint64(0), head
	for low < high {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		mid := low + (high-low)/2
		var code []byte
		err := a.call(ctx, func(ctx context.Context) error {
			var err error
			code, err = a.client.CodeAt(ctx, addr, new(big.Int).SetUint64(mid))
			return err
		})
		if err != nil {
			return 0, fmt.Errorf("getCode at %d: %w", mid, err)
		}
		if len(code) > 0 {
			high = mid
		} else {
			low = mid + 1
		}
	}

	var code []byte
	err = a.call(ctx, func(ctx context.Context) error {
		var err error
		code, err = a.client.CodeAt(ctx, addr, new(big.Int).SetUint64(low))
		return err
	})
	if err != nil {
		return 0, err
	}
	if len(code) == 0 {
		return 0, ErrCreationUnknown
	}
	return low, nil
}

// creationScanWindow is the span of each forward window when the endpoint
// refuses historical getCode.
const creationScanWindow uint64 = 10_000

func (a *evmAdapter) creationBlockByScan(ctx context.Context, addr common.Address, head uint64) (uint64, error) {
	for from := uint64(0); from <= head; from += creationScanWindow {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		to := from + creationScanWindow - 1
		if to > head {
			to = head
		}
		var logs []ethLog
		err := a.call(ctx, func(ctx context.Context) error {
			raw, err := a.client.FilterLogs(ctx, ethereum.FilterQuery{
				FromBlock: new(big.Int).SetUint64(from),
				ToBlock:   new(big.Int).SetUint64(to),
				Addresses: []common.Address{addr},
				Topics:    [][]common.Hash{{transferTopic}},
			})
			if err != nil {
				return err
			}
			for _, l := range raw {
				logs = append(logs, ethLog{blockNumber: l.BlockNumber})
			}
			return nil
		})
		if err != nil {
			return 0, fmt.Errorf("transfer scan [%d, %d]: %w", from, to, err)
		}
		if len(logs) > 0 {
			first := logs[0].blockNumber
			for _, l := range logs {
				if l.blockNumber < first {
					first = l.blockNumber
				}
			}
			return first, nil
		}
	}
	return 0, ErrCreationUnknown
}

type ethLog struct{ blockNumber uint64 }

func (a *evmAdapter) TokenDecimals(ctx context.Context, address string) (int, error) {
	addr := common.HexToAddress(address)
	var out []byte
	err := a.call(ctx, func(ctx context.Context) error {
		var err error
		out, err = a.client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: selDecimals}, nil)
		return err
	})
	if err != nil || len(out) == 0 {
		return a.defaultDecimals, nil
	}
	return int(new(big.Int).SetBytes(out).Int64()), nil
}

func (a *evmAdapter) TotalSupply(ctx context.Context, address string) (*big.Int, error) {
	addr := common.HexToAddress(address)
	var out []byte
	err := a.call(ctx, func(ctx context.Context) error {
		var err error
		out, err = a.client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: selTotalSupply}, nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("totalSupply %s: %w", address, err)
	}
	return new(big.Int).SetBytes(out), nil
}

func (a *evmAdapter) TransferEvents(ctx context.Context, address string, fromBlock, toBlock uint64) ([]TransferEvent, error) {
	addr := common.HexToAddress(address)
	limit := spanLimit(a.cfg.MaxBlocksPerQuery, evmLogSpanLimit)

	var events []TransferEvent
	timestamps := make(map[uint64]time.Time)

	for _, span := range spans(fromBlock, toBlock, limit) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var logs []logRecord
		err := a.call(ctx, func(ctx context.Context) error {
			raw, err := a.client.FilterLogs(ctx, ethereum.FilterQuery{
				FromBlock: new(big.Int).SetUint64(span[0]),
				ToBlock:   new(big.Int).SetUint64(span[1]),
				Addresses: []common.Address{addr},
				Topics:    [][]common.Hash{{transferTopic}},
			})
			if err != nil {
				return err
			}
			for _, l := range raw {
				if len(l.Topics) < 3 || l.Removed {
					continue
				}
				logs = append(logs, logRecord{
					blockNumber: l.BlockNumber,
					logIndex:    l.Index,
					txHash:      l.TxHash.Hex(),
					from:        common.BytesToAddress(l.Topics[1].Bytes()).Hex(),
					to:          common.BytesToAddress(l.Topics[2].Bytes()).Hex(),
					value:       new(big.Int).SetBytes(l.Data),
				})
			}
			return nil
		})
		if err != nil {
			if isRangeTooLarge(err) {
				return nil, fmt.Errorf("%w: span [%d, %d]: %v", ErrRangeTooLarge, span[0], span[1], err)
			}
			return nil, fmt.Errorf("getLogs [%d, %d]: %w", span[0], span[1], err)
		}

		// One timestamp lookup per unique block in the span.
		for _, l := range logs {
			if _, ok := timestamps[l.blockNumber]; ok {
				continue
			}
			ts, err := a.BlockTimestamp(ctx, l.blockNumber)
			if err != nil {
				return nil, fmt.Errorf("block timestamp %d: %w", l.blockNumber, err)
			}
			timestamps[l.blockNumber] = ts
		}

		for _, l := range logs {
			events = append(events, TransferEvent{
				BlockNumber: l.blockNumber,
				LogIndex:    l.logIndex,
				TxHash:      l.txHash,
				From:        l.from,
				To:          l.to,
				Value:       l.value,
				Timestamp:   timestamps[l.blockNumber],
			})
		}
	}

	sort.SliceStable(events, func(i, j int) bool {
		if events[i].BlockNumber != events[j].BlockNumber {
			return events[i].BlockNumber < events[j].BlockNumber
		}
		return events[i].LogIndex < events[j].LogIndex
	})
	return events, nil
}

type logRecord struct {
	blockNumber uint64
	logIndex    uint
	txHash      string
	from        string
	to          string
	value       *big.Int
}

func (a *evmAdapter) MintBurnEvents(ctx context.Context, address string, fromBlock, toBlock uint64) (MintBurnResult, error) {
	events, err := a.TransferEvents(ctx, address, fromBlock, toBlock)
	if err != nil {
		return MintBurnResult{}, err
	}
	return splitMintBurn(events, isEVMZeroAddress), nil
}

func isEVMZeroAddress(addr string) bool {
	return common.HexToAddress(addr) == (common.Address{})
}

func (a *evmAdapter) TransactionFee(ctx context.Context, txHash string) (Fee, error) {
	hash := common.HexToHash(txHash)

	var fee Fee
	backoff := receiptRetryBackoff
	for attempt := 1; attempt <= receiptRetries; attempt++ {
		err := a.call(ctx, func(ctx context.Context) error {
			receipt, err := a.client.TransactionReceipt(ctx, hash)
			if err != nil {
				return err
			}
			price := receipt.EffectiveGasPrice
			if price == nil {
				price = new(big.Int)
			}
			fee.Native = new(big.Int).Mul(new(big.Int).SetUint64(receipt.GasUsed), price)
			return nil
		})
		if err == nil {
			return fee, nil
		}
		if ctx.Err() != nil {
			return Fee{}, err
		}
		if !errors.Is(err, ethereum.NotFound) && !IsTransient(err) {
			return Fee{}, fmt.Errorf("receipt %s: %w", txHash, err)
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

// TransactionFees fans receipt lookups out in small parallel batches. The
// rate limiter still paces every call; a hash that fails terminally records
// a zero fee rather than failing the batch.
func (a *evmAdapter) TransactionFees(ctx context.Context, txHashes []string) (map[string]Fee, error) {
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

	// Hashes skipped by cancellation still get zero entries so callers can
	// index the map uniformly.
	for _, hash := range txHashes {
		if _, ok := fees[hash]; !ok {
			fees[hash] = Fee{Native: new(big.Int)}
		}
	}
	return fees, ctx.Err()
}
