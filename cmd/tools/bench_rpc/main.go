package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"stablescan/internal/chain"
	"stablescan/internal/ratelimit"
)

// Measures adapter call latency against a live RPC endpoint, through the
// same rate-limit gate the sync pipeline uses. Handy for sizing
// max_requests_per_sec and max_blocks_per_query before registering an
// endpoint.
//
// Env: RPC_URL (required), TOKEN (required, contract address),
// CHAIN_TYPE (default evm), RATE (req/s, default 5), SPAN (blocks,
// default 1000), BENCH_CREATION=true to also time creation lookup.
func main() {
	rpcURL := os.Getenv("RPC_URL")
	token := os.Getenv("TOKEN")
	if rpcURL == "" || token == "" {
		fmt.Fprintln(os.Stderr, "RPC_URL and TOKEN are required")
		os.Exit(2)
	}
	chainType := os.Getenv("CHAIN_TYPE")
	if chainType == "" {
		chainType = "evm"
	}
	rate := 5.0
	if v := os.Getenv("RATE"); v != "" {
		rate, _ = strconv.ParseFloat(v, 64)
	}
	span := uint64(1000)
	if v := os.Getenv("SPAN"); v != "" {
		span, _ = strconv.ParseUint(v, 10, 64)
	}

	limits := ratelimit.NewRegistry(nil)
	defer limits.Close()

	adapter, err := chain.New(chainType, chain.Config{
		URL:               rpcURL,
		MaxBlocksPerQuery: span,
		Limiter:           limits.Gate("bench", rate),
	})
	if err != nil {
		log.Fatalf("Bad adapter config: %v", err)
	}

	ctx := context.Background()
	fmt.Printf("========== %s @ %s (rate=%.1f/s span=%d) ==========\n", chainType, rpcURL, rate, span)

	t0 := time.Now()
	if err := adapter.Connect(ctx); err != nil {
		log.Fatalf("Connect: FAIL (%v) [%v]", err, time.Since(t0))
	}
	defer adapter.Disconnect()
	fmt.Printf("Connect: OK [%v]\n", time.Since(t0))

	t0 = time.Now()
	head, err := adapter.CurrentBlock(ctx)
	if err != nil {
		log.Fatalf("CurrentBlock: FAIL (%v) [%v]", err, time.Since(t0))
	}
	fmt.Printf("CurrentBlock: OK [%v] head=%d\n", time.Since(t0), head)

	t0 = time.Now()
	decimals, err := adapter.TokenDecimals(ctx, token)
	if err != nil {
		fmt.Printf("TokenDecimals: FAIL (%v) [%v]\n", err, time.Since(t0))
	} else {
		fmt.Printf("TokenDecimals: OK [%v] decimals=%d\n", time.Since(t0), decimals)
	}

	t0 = time.Now()
	supply, err := adapter.TotalSupply(ctx, token)
	if err != nil {
		fmt.Printf("TotalSupply: FAIL (%v) [%v]\n", err, time.Since(t0))
	} else {
		fmt.Printf("TotalSupply: OK [%v] supply=%s\n", time.Since(t0), supply)
	}

	if os.Getenv("BENCH_CREATION") == "true" {
		t0 = time.Now()
		creation, err := adapter.CreationBlock(ctx, token)
		if err != nil {
			fmt.Printf("CreationBlock: FAIL (%v) [%v]\n", err, time.Since(t0))
		} else {
			fmt.Printf("CreationBlock: OK [%v] block=%d\n", time.Since(t0), creation)
		}
	}

	from := uint64(0)
	if head > span {
		from = head - span
	}
	t0 = time.Now()
	events, err := adapter.TransferEvents(ctx, token, from, head)
	if err != nil {
		log.Fatalf("TransferEvents [%d, %d]: FAIL (%v) [%v]", from, head, err, time.Since(t0))
	}
	d := time.Since(t0)
	fmt.Printf("TransferEvents [%d, %d]: OK [%v] events=%d (%.0f blocks/s)\n",
		from, head, d, len(events), float64(head-from)/d.Seconds())

	n := len(events)
	if n > 8 {
		n = 8
	}
	if n > 0 {
		hashes := make([]string, 0, n)
		for _, ev := range events[:n] {
			hashes = append(hashes, ev.TxHash)
		}
		t0 = time.Now()
		fees, err := adapter.TransactionFees(ctx, hashes)
		if err != nil {
			fmt.Printf("TransactionFees (%d): FAIL (%v) [%v]\n", n, err, time.Since(t0))
		} else {
			fmt.Printf("TransactionFees (%d): OK [%v] (%v/receipt)\n", n, time.Since(t0), time.Since(t0)/time.Duration(len(fees)))
		}
	}
}
