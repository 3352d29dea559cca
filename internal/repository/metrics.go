package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"stablescan/internal/models"
)

func toBlockPtr(v *int64) *uint64 {
	if v == nil {
		return nil
	}
	u := uint64(*v)
	return &u
}

// QueryMetricsByTicker returns one row per period within [from, to), summed
// across every deployment of the stablecoin. Supply sums across chains to
// the circulating total.
func (r *Repository) QueryMetricsByTicker(ctx context.Context, ticker string, from, to time.Time, resolution int64) ([]models.MetricsRow, error) {
	rows, err := r.db.Query(ctx, `
		SELECT m.period_start,
		       SUM(COALESCE(m.total_supply, 0))::text,
		       SUM(m.minted)::text,
		       SUM(m.burned)::text,
		       SUM(m.tx_count),
		       SUM(m.unique_senders),
		       SUM(m.unique_receivers),
		       SUM(m.total_transferred)::text,
		       SUM(m.total_fees_native)::text,
		       SUM(m.total_fees_usd)::text,
		       MIN(m.start_block),
		       MAX(m.end_block)
		FROM metrics m
		JOIN contracts c ON c.id = m.contract_id
		JOIN stablecoins s ON s.id = c.stablecoin_id
		WHERE s.ticker = $1 AND m.resolution_seconds = $2
		  AND m.period_start >= $3 AND m.period_start < $4
		GROUP BY m.period_start
		ORDER BY m.period_start
	`, ticker, resolution, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.MetricsRow
	for rows.Next() {
		var m models.MetricsRow
		var sb, eb *int64
		if err := rows.Scan(&m.PeriodStart, &m.TotalSupply, &m.Minted, &m.Burned,
			&m.TxCount, &m.UniqueSenders, &m.UniqueReceivers, &m.TotalTransferred,
			&m.TotalFeesNative, &m.TotalFeesUSD, &sb, &eb); err != nil {
			return nil, err
		}
		m.ResolutionSeconds = resolution
		m.StartBlock = toBlockPtr(sb)
		m.EndBlock = toBlockPtr(eb)
		out = append(out, m)
	}
	return out, rows.Err()
}

const metricsRowColumns = `
	contract_id, period_start, resolution_seconds,
	COALESCE(total_supply::text, ''), minted::text, burned::text, tx_count,
	unique_senders, unique_receivers, total_transferred::text,
	total_fees_native::text, total_fees_usd::text, start_block, end_block`

func scanMetricsRow(row pgx.Row) (models.MetricsRow, error) {
	var m models.MetricsRow
	var sb, eb *int64
	err := row.Scan(&m.ContractID, &m.PeriodStart, &m.ResolutionSeconds,
		&m.TotalSupply, &m.Minted, &m.Burned, &m.TxCount,
		&m.UniqueSenders, &m.UniqueReceivers, &m.TotalTransferred,
		&m.TotalFeesNative, &m.TotalFeesUSD, &sb, &eb)
	m.StartBlock = toBlockPtr(sb)
	m.EndBlock = toBlockPtr(eb)
	return m, err
}

// ContractMetrics returns one contract's rows at a resolution, ascending by
// period, within [from, to).
func (r *Repository) ContractMetrics(ctx context.Context, contractID string, from, to time.Time, resolution int64) ([]models.MetricsRow, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+metricsRowColumns+`
		FROM metrics
		WHERE contract_id = $1 AND resolution_seconds = $2
		  AND period_start >= $3 AND period_start < $4
		ORDER BY period_start
	`, contractID, resolution, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.MetricsRow
	for rows.Next() {
		m, err := scanMetricsRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ContractIDsWithMetrics lists contracts holding at least one row at the
// given resolution; the rollup sweep iterates these.
func (r *Repository) ContractIDsWithMetrics(ctx context.Context, resolution int64) ([]string, error) {
	return r.contractIDsWhere(ctx, `
		SELECT DISTINCT contract_id::text FROM metrics WHERE resolution_seconds = $1
	`, resolution)
}

// PendingRollupPeriods computes the target period starts at dstRes that have
// at least one source row at srcRes but no target row yet.
func (r *Repository) PendingRollupPeriods(ctx context.Context, contractID string, srcRes, dstRes int64) ([]time.Time, error) {
	rows, err := r.db.Query(ctx, `
		SELECT s.bucket
		FROM (
			SELECT DISTINCT to_timestamp(floor(extract(epoch FROM period_start) / $3) * $3) AS bucket
			FROM metrics
			WHERE contract_id = $1 AND resolution_seconds = $2
		) s
		WHERE NOT EXISTS (
			SELECT 1 FROM metrics t
			WHERE t.contract_id = $1 AND t.resolution_seconds = $3 AND t.period_start = s.bucket
		)
		ORDER BY s.bucket
	`, contractID, srcRes, dstRes)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t.UTC())
	}
	return out, rows.Err()
}

// LatestSupplyBefore returns the most recent non-null total_supply at the
// source resolution strictly before the cutoff, or "" when none exists.
func (r *Repository) LatestSupplyBefore(ctx context.Context, contractID string, resolution int64, cutoff time.Time) (string, error) {
	var supply string
	err := r.db.QueryRow(ctx, `
		SELECT total_supply::text FROM metrics
		WHERE contract_id = $1 AND resolution_seconds = $2
		  AND period_start < $3 AND total_supply IS NOT NULL
		ORDER BY period_start DESC LIMIT 1
	`, contractID, resolution, cutoff.UTC()).Scan(&supply)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return supply, nil
}

// UpsertRollup writes one derived row, overwriting every aggregated field on
// conflict. Re-running a rollup therefore converges instead of accumulating.
func (r *Repository) UpsertRollup(ctx context.Context, m models.MetricsRow) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO metrics (contract_id, period_start, resolution_seconds,
		                     total_supply, minted, burned, tx_count,
		                     unique_senders, unique_receivers, total_transferred,
		                     total_fees_native, total_fees_usd, start_block, end_block)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7,
		        $8, $9, $10::numeric, $11::numeric, $12::numeric, $13, $14)
		ON CONFLICT (contract_id, period_start, resolution_seconds) DO UPDATE SET
			total_supply      = EXCLUDED.total_supply,
			minted            = EXCLUDED.minted,
			burned            = EXCLUDED.burned,
			tx_count          = EXCLUDED.tx_count,
			unique_senders    = EXCLUDED.unique_senders,
			unique_receivers  = EXCLUDED.unique_receivers,
			total_transferred = EXCLUDED.total_transferred,
			total_fees_native = EXCLUDED.total_fees_native,
			total_fees_usd    = EXCLUDED.total_fees_usd,
			start_block       = EXCLUDED.start_block,
			end_block         = EXCLUDED.end_block,
			updated_at        = NOW()
	`, m.ContractID, m.PeriodStart.UTC(), m.ResolutionSeconds,
		nullableNumeric(m.TotalSupply), numericOrZero(m.Minted), numericOrZero(m.Burned),
		m.TxCount, m.UniqueSenders, m.UniqueReceivers, numericOrZero(m.TotalTransferred),
		numericOrZero(m.TotalFeesNative), numericOrZero(m.TotalFeesUSD), m.StartBlock, m.EndBlock)
	return err
}
