package repository

import (
	"context"
	"fmt"
	"time"

	"stablescan/internal/models"
)

// WindowBatch carries everything one [from,to] sync window produced. The
// batch commits atomically: daily metrics merge, block rows, block
// addresses, and the cursor move to ToBlock all land in one transaction,
// or none of it does.
type WindowBatch struct {
	ContractID string
	ToBlock    uint64
	Daily      []models.MetricsRow
	Blocks     []models.BlockRow
	Addresses  []models.BlockAddress
}

// numericOrZero maps the empty string (unset accumulator) to a SQL-safe 0.
func numericOrZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

// nullableNumeric maps the empty string to NULL.
func nullableNumeric(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// CommitWindow persists one sync window. Daily counters merge additively on
// conflict: the cursor guarantees each block range is committed exactly
// once, so merges only ever combine disjoint ranges of the same day.
func (r *Repository) CommitWindow(ctx context.Context, batch WindowBatch) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, d := range batch.Daily {
		_, err := tx.Exec(ctx, `
			INSERT INTO metrics (contract_id, period_start, resolution_seconds,
			                     total_supply, minted, burned, tx_count,
			                     unique_senders, unique_receivers, total_transferred,
			                     total_fees_native, total_fees_usd, start_block, end_block)
			VALUES ($1, $2, 86400, $3::numeric, $4::numeric, $5::numeric, $6,
			        $7, $8, $9::numeric, $10::numeric, 0, $11, $12)
			ON CONFLICT (contract_id, period_start, resolution_seconds) DO UPDATE SET
				minted            = metrics.minted + EXCLUDED.minted,
				burned            = metrics.burned + EXCLUDED.burned,
				tx_count          = metrics.tx_count + EXCLUDED.tx_count,
				unique_senders    = metrics.unique_senders + EXCLUDED.unique_senders,
				unique_receivers  = metrics.unique_receivers + EXCLUDED.unique_receivers,
				total_transferred = metrics.total_transferred + EXCLUDED.total_transferred,
				total_fees_native = metrics.total_fees_native + EXCLUDED.total_fees_native,
				total_supply      = COALESCE(EXCLUDED.total_supply, metrics.total_supply),
				start_block       = LEAST(COALESCE(metrics.start_block, EXCLUDED.start_block), EXCLUDED.start_block),
				end_block         = GREATEST(COALESCE(metrics.end_block, EXCLUDED.end_block), EXCLUDED.end_block),
				updated_at        = NOW()
		`, batch.ContractID, d.PeriodStart.UTC(), nullableNumeric(d.TotalSupply),
			numericOrZero(d.Minted), numericOrZero(d.Burned), d.TxCount,
			d.UniqueSenders, d.UniqueReceivers, numericOrZero(d.TotalTransferred),
			numericOrZero(d.TotalFeesNative), d.StartBlock, d.EndBlock)
		if err != nil {
			return fmt.Errorf("upsert daily metrics %s: %w", d.PeriodStart.Format("2006-01-02"), err)
		}
	}

	if len(batch.Blocks) > 0 {
		numbers := make([]int64, len(batch.Blocks))
		timestamps := make([]*time.Time, len(batch.Blocks))
		minted := make([]string, len(batch.Blocks))
		burned := make([]string, len(batch.Blocks))
		txCounts := make([]int64, len(batch.Blocks))
		transferred := make([]string, len(batch.Blocks))
		fees := make([]string, len(batch.Blocks))
		supplies := make([]*string, len(batch.Blocks))

		for i, b := range batch.Blocks {
			numbers[i] = int64(b.BlockNumber)
			timestamps[i] = b.Timestamp
			minted[i] = numericOrZero(b.Minted)
			burned[i] = numericOrZero(b.Burned)
			txCounts[i] = b.TxCount
			transferred[i] = numericOrZero(b.TotalTransferred)
			fees[i] = numericOrZero(b.TotalFeesNative)
			supplies[i] = nullableNumeric(b.TotalSupply)
		}

		// Bulk upsert: one statement for the whole window instead of one
		// per block.
		_, err := tx.Exec(ctx, `
			INSERT INTO blocks (contract_id, block_number, timestamp, minted, burned,
			                    tx_count, total_transferred, total_fees_native, total_supply)
			SELECT $1, u.block_number, u.ts, u.minted, u.burned,
			       u.tx_count, u.total_transferred, u.total_fees_native, u.total_supply
			FROM UNNEST(
				$2::bigint[],      -- block_number
				$3::timestamptz[], -- ts
				$4::numeric[],     -- minted
				$5::numeric[],     -- burned
				$6::bigint[],      -- tx_count
				$7::numeric[],     -- total_transferred
				$8::numeric[],     -- total_fees_native
				$9::numeric[]      -- total_supply
			) AS u(block_number, ts, minted, burned, tx_count,
			       total_transferred, total_fees_native, total_supply)
			ON CONFLICT (contract_id, block_number) DO UPDATE SET
				timestamp         = EXCLUDED.timestamp,
				minted            = EXCLUDED.minted,
				burned            = EXCLUDED.burned,
				tx_count          = EXCLUDED.tx_count,
				total_transferred = EXCLUDED.total_transferred,
				total_fees_native = EXCLUDED.total_fees_native,
				total_supply      = COALESCE(EXCLUDED.total_supply, blocks.total_supply)
		`, batch.ContractID, numbers, timestamps, minted, burned, txCounts, transferred, fees, supplies)
		if err != nil {
			return fmt.Errorf("bulk upsert blocks: %w", err)
		}
	}

	if len(batch.Addresses) > 0 {
		numbers := make([]int64, len(batch.Addresses))
		addresses := make([]string, len(batch.Addresses))
		types := make([]string, len(batch.Addresses))
		for i, a := range batch.Addresses {
			numbers[i] = int64(a.BlockNumber)
			addresses[i] = a.Address
			types[i] = a.AddressType
		}

		// An address seen in a new role within the same block promotes to
		// 'both'; re-seeing the same role is a no-op.
		_, err := tx.Exec(ctx, `
			INSERT INTO block_addresses (contract_id, block_id, address, address_type)
			SELECT $1, b.id, u.address, u.address_type
			FROM UNNEST($2::bigint[], $3::text[], $4::text[]) AS u(block_number, address, address_type)
			JOIN blocks b ON b.contract_id = $1 AND b.block_number = u.block_number
			ON CONFLICT (block_id, address) DO UPDATE SET
				address_type = CASE
					WHEN block_addresses.address_type = EXCLUDED.address_type
					THEN block_addresses.address_type
					ELSE 'both'
				END
		`, batch.ContractID, numbers, addresses, types)
		if err != nil {
			return fmt.Errorf("upsert block addresses: %w", err)
		}
	}

	tag, err := tx.Exec(ctx, `
		UPDATE sync_state
		SET last_synced_block = $2, last_synced_at = NOW(), updated_at = NOW()
		WHERE contract_id = $1
	`, batch.ContractID, batch.ToBlock)
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("advance cursor: %w", ErrNotFound)
	}
	return tx.Commit(ctx)
}

// SetLatestDailySupply stamps the post-catch-up totalSupply snapshot onto
// the contract's most recent daily row.
func (r *Repository) SetLatestDailySupply(ctx context.Context, contractID, supply string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE metrics SET total_supply = $2::numeric, updated_at = NOW()
		WHERE id = (
			SELECT id FROM metrics
			WHERE contract_id = $1 AND resolution_seconds = 86400
			ORDER BY period_start DESC LIMIT 1
		)
	`, contractID, supply)
	return err
}
