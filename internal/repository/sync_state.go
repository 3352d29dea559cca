package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"stablescan/internal/models"
)

func (r *Repository) GetSyncState(ctx context.Context, contractID string) (*models.SyncState, error) {
	var s models.SyncState
	err := r.db.QueryRow(ctx, `
		SELECT contract_id, last_synced_block, last_synced_at, status,
		       COALESCE(error_message, ''), updated_at
		FROM sync_state WHERE contract_id = $1
	`, contractID).Scan(&s.ContractID, &s.LastSyncedBlock, &s.LastSyncedAt,
		&s.Status, &s.ErrorMessage, &s.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// SetSyncStatus transitions the state machine. Passing an empty message
// clears error_message; non-empty messages are only meaningful for 'error'.
func (r *Repository) SetSyncStatus(ctx context.Context, contractID, status, message string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE sync_state
		SET status = $2, error_message = NULLIF($3, ''), updated_at = NOW()
		WHERE contract_id = $1
	`, contractID, status, message)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSyncCursor moves last_synced_block outside a batch commit (discovery,
// operator rewinds). Batch commits move it inside CommitWindow instead.
func (r *Repository) SetSyncCursor(ctx context.Context, contractID string, block uint64) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE sync_state
		SET last_synced_block = $2, updated_at = NOW()
		WHERE contract_id = $1
	`, contractID, block)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ContractsForCatchUp lists active contracts whose sync settled in 'synced'
// or 'error'; the scheduler re-enqueues these unless a job is in flight.
func (r *Repository) ContractsForCatchUp(ctx context.Context) ([]string, error) {
	return r.contractIDsWhere(ctx, `
		SELECT c.id
		FROM contracts c
		JOIN sync_state s ON s.contract_id = c.id
		WHERE c.active AND s.status IN ('synced', 'error')
		ORDER BY s.updated_at
	`)
}

// ContractsPendingDiscovery lists active contracts never discovered.
func (r *Repository) ContractsPendingDiscovery(ctx context.Context) ([]string, error) {
	return r.contractIDsWhere(ctx, `
		SELECT c.id
		FROM contracts c
		JOIN sync_state s ON s.contract_id = c.id
		WHERE c.active AND s.status = 'pending'
		ORDER BY c.created_at
	`)
}

// StuckSyncingContracts lists contracts that claim to be syncing but whose
// state has not moved since the threshold.
func (r *Repository) StuckSyncingContracts(ctx context.Context, olderThan time.Duration) ([]string, error) {
	return r.contractIDsWhere(ctx, `
		SELECT c.id
		FROM contracts c
		JOIN sync_state s ON s.contract_id = c.id
		WHERE c.active AND s.status = 'syncing'
		  AND s.updated_at < NOW() - make_interval(secs => $1)
	`, olderThan.Seconds())
}

func (r *Repository) contractIDsWhere(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ResetContract wipes all derived data for the contract and rewinds its
// cursor to zero so discovery starts over. block_addresses cascade with
// their blocks.
func (r *Repository) ResetContract(ctx context.Context, contractID string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM metrics WHERE contract_id = $1`, contractID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM blocks WHERE contract_id = $1`, contractID); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `
		UPDATE sync_state
		SET last_synced_block = 0, last_synced_at = NULL,
		    status = 'pending', error_message = NULL, updated_at = NOW()
		WHERE contract_id = $1
	`, contractID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return tx.Commit(ctx)
}
