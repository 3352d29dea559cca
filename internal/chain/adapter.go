// Package chain abstracts one blockchain's RPC surface behind a small
// capability set. One adapter exists per (chain type, endpoint) pair; every
// RPC a method issues first waits on the endpoint's rate-limit gate, so
// callers never deal with request budgets themselves.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"
)

// Limiter gates RPC calls for one endpoint. Acquire blocks until a token is
// granted, the context is cancelled, or the limiter's own timeout fires.
type Limiter interface {
	Acquire(ctx context.Context) error
}

// TransferEvent is one transfer-family event. Value is in token base units.
type TransferEvent struct {
	BlockNumber uint64
	LogIndex    uint
	TxHash      string
	From        string
	To          string
	Value       *big.Int
	Timestamp   time.Time
}

// MintBurnResult splits the transfer stream into mints and burns per the
// chain's zero-address (or SPL instruction) rules.
type MintBurnResult struct {
	Mints []TransferEvent
	Burns []TransferEvent
}

// Fee is the cost of one transaction in native-chain base units. FeeUSD is
// reserved for a future price oracle and always nil here.
type Fee struct {
	Native *big.Int
	USD    *big.Int
}

// Adapter is the uniform read interface over one chain's RPC.
type Adapter interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool

	CurrentBlock(ctx context.Context) (uint64, error)
	BlockTimestamp(ctx context.Context, number uint64) (time.Time, error)

	// CreationBlock returns the first block at which the contract's code is
	// present, or ErrCreationUnknown when the chain cannot reveal it.
	CreationBlock(ctx context.Context, address string) (uint64, error)

	TokenDecimals(ctx context.Context, address string) (int, error)
	TotalSupply(ctx context.Context, address string) (*big.Int, error)

	// TransferEvents returns events in [fromBlock, toBlock] ordered by
	// (block, intra-block index). The adapter chunks internally to respect
	// the endpoint's log-query limit.
	TransferEvents(ctx context.Context, address string, fromBlock, toBlock uint64) ([]TransferEvent, error)
	MintBurnEvents(ctx context.Context, address string, fromBlock, toBlock uint64) (MintBurnResult, error)

	TransactionFee(ctx context.Context, txHash string) (Fee, error)
	// TransactionFees fetches fees in bounded parallel batches. A hash whose
	// lookup fails terminally maps to a zero fee; the call never fails the
	// whole batch over one receipt.
	TransactionFees(ctx context.Context, txHashes []string) (map[string]Fee, error)
}

// Config carries what an adapter needs to know about its endpoint.
type Config struct {
	URL               string
	MaxBlocksPerQuery uint64
	Limiter           Limiter
}

// New returns the adapter for the given chain type.
func New(chainType string, cfg Config) (Adapter, error) {
	switch chainType {
	case "evm":
		return newEVMAdapter(cfg), nil
	case "tron":
		return newTronAdapter(cfg), nil
	case "solana":
		return newSolanaAdapter(cfg), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrChainUnsupported, chainType)
	}
}

// rpcCallTimeout bounds every single RPC round-trip.
const rpcCallTimeout = 60 * time.Second

// evmLogSpanLimit is the hard ceiling on one getLogs span; endpoints may
// impose tighter bounds via MaxBlocksPerQuery.
const evmLogSpanLimit uint64 = 10_000

// receipt retry budget
const (
	receiptRetries      = 5
	receiptRetryBackoff = 500 * time.Millisecond
)

// feeBatchWidth is how many receipt lookups run in parallel inside
// TransactionFees. The rate limiter still paces the individual calls.
const feeBatchWidth = 8

// spanLimit returns the effective chunk size for log scans.
func spanLimit(maxBlocksPerQuery, hardLimit uint64) uint64 {
	limit := hardLimit
	if maxBlocksPerQuery > 0 && maxBlocksPerQuery < limit {
		limit = maxBlocksPerQuery
	}
	if limit == 0 {
		limit = 1
	}
	return limit
}

// spans chunks [from, to] into inclusive spans no larger than limit.
func spans(from, to, limit uint64) [][2]uint64 {
	if to < from {
		return nil
	}
	out := make([][2]uint64, 0, (to-from)/limit+1)
	for start := from; start <= to; {
		end := start + limit - 1
		if end > to || end < start {
			end = to
		}
		out = append(out, [2]uint64{start, end})
		if end == to {
			break
		}
		start = end + 1
	}
	return out
}

// splitMintBurn derives mints and burns from a transfer stream using a
// zero-address predicate.
func splitMintBurn(events []TransferEvent, isZero func(string) bool) MintBurnResult {
	var res MintBurnResult
	for _, ev := range events {
		switch {
		case isZero(ev.From):
			res.Mints = append(res.Mints, ev)
		case isZero(ev.To):
			res.Burns = append(res.Burns, ev)
		}
	}
	return res
}
