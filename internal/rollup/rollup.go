// Package rollup derives coarser metrics resolutions from finer ones:
// 1d→10d→100d→1000d, each level grouping ten adjacent source periods on
// epoch-aligned boundaries. Runs are idempotent; a second pass over the
// same data changes nothing.
package rollup

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"time"

	"stablescan/internal/models"
)

// Store is the slice of the repository the engine needs.
type Store interface {
	ContractIDsWithMetrics(ctx context.Context, resolution int64) ([]string, error)
	PendingRollupPeriods(ctx context.Context, contractID string, srcRes, dstRes int64) ([]time.Time, error)
	ContractMetrics(ctx context.Context, contractID string, from, to time.Time, resolution int64) ([]models.MetricsRow, error)
	LatestSupplyBefore(ctx context.Context, contractID string, resolution int64, cutoff time.Time) (string, error)
	UpsertRollup(ctx context.Context, m models.MetricsRow) error
}

// levels are processed finest first so a fresh 10d row can feed the 100d
// pass within the same sweep.
var levels = [][2]int64{
	{models.ResolutionDay, models.Resolution10d},
	{models.Resolution10d, models.Resolution100d},
	{models.Resolution100d, models.Resolution1000d},
}

type Engine struct {
	store Store
	now   func() time.Time
}

func New(store Store) *Engine {
	return &Engine{store: store, now: time.Now}
}

// NewWithClock is the test constructor.
func NewWithClock(store Store, now func() time.Time) *Engine {
	return &Engine{store: store, now: now}
}

// Run sweeps every contract through every level.
func (e *Engine) Run(ctx context.Context) error {
	for _, level := range levels {
		srcRes, dstRes := level[0], level[1]
		ids, err := e.store.ContractIDsWithMetrics(ctx, srcRes)
		if err != nil {
			return fmt.Errorf("list contracts at %ds: %w", srcRes, err)
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := e.rollupContract(ctx, id, srcRes, dstRes); err != nil {
				return fmt.Errorf("contract %s %ds→%ds: %w", id, srcRes, dstRes, err)
			}
		}
	}
	return nil
}

func (e *Engine) rollupContract(ctx context.Context, contractID string, srcRes, dstRes int64) error {
	periods, err := e.store.PendingRollupPeriods(ctx, contractID, srcRes, dstRes)
	if err != nil {
		return err
	}

	emitted := 0
	for _, start := range periods {
		end := start.Add(time.Duration(dstRes) * time.Second)
		// Open windows wait for later passes; emitting them early would
		// freeze partial sums.
		if end.After(e.now().UTC()) {
			continue
		}

		row, err := e.aggregateWindow(ctx, contractID, srcRes, dstRes, start, end)
		if err != nil {
			return err
		}
		if err := e.store.UpsertRollup(ctx, row); err != nil {
			return err
		}
		emitted++
	}
	if emitted > 0 {
		log.Printf("[rollup] contract %s: %d new rows at %ds", contractID, emitted, dstRes)
	}
	return nil
}

func (e *Engine) aggregateWindow(ctx context.Context, contractID string, srcRes, dstRes int64, start, end time.Time) (models.MetricsRow, error) {
	src, err := e.store.ContractMetrics(ctx, contractID, start, end, srcRes)
	if err != nil {
		return models.MetricsRow{}, err
	}

	minted := new(big.Int)
	burned := new(big.Int)
	transferred := new(big.Int)
	feesNative := new(big.Int)
	feesUSD := new(big.Int)
	row := models.MetricsRow{
		ContractID:        contractID,
		PeriodStart:       start,
		ResolutionSeconds: dstRes,
	}

	for _, s := range src {
		addNumeric(minted, s.Minted)
		addNumeric(burned, s.Burned)
		addNumeric(transferred, s.TotalTransferred)
		addNumeric(feesNative, s.TotalFeesNative)
		addNumeric(feesUSD, s.TotalFeesUSD)
		row.TxCount += s.TxCount
		row.UniqueSenders += s.UniqueSenders
		row.UniqueReceivers += s.UniqueReceivers
		if s.StartBlock != nil && (row.StartBlock == nil || *s.StartBlock < *row.StartBlock) {
			v := *s.StartBlock
			row.StartBlock = &v
		}
		if s.EndBlock != nil && (row.EndBlock == nil || *s.EndBlock > *row.EndBlock) {
			v := *s.EndBlock
			row.EndBlock = &v
		}
	}

	row.Minted = minted.String()
	row.Burned = burned.String()
	row.TotalTransferred = transferred.String()
	row.TotalFeesNative = feesNative.String()
	row.TotalFeesUSD = feesUSD.String()

	// Supply is a snapshot, not a sum: the last in-window source supply,
	// else the nearest preceding one.
	for i := len(src) - 1; i >= 0; i-- {
		if src[i].TotalSupply != "" {
			row.TotalSupply = src[i].TotalSupply
			break
		}
	}
	if row.TotalSupply == "" {
		supply, err := e.store.LatestSupplyBefore(ctx, contractID, srcRes, start)
		if err != nil {
			return models.MetricsRow{}, err
		}
		row.TotalSupply = supply
	}
	return row, nil
}

func addNumeric(acc *big.Int, s string) {
	if s == "" {
		return
	}
	if v, ok := new(big.Int).SetString(s, 10); ok {
		acc.Add(acc, v)
	}
}
