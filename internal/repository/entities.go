package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"stablescan/internal/models"
)

// Companies

func (r *Repository) CreateCompany(ctx context.Context, c *models.Company) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return r.db.QueryRow(ctx, `
		INSERT INTO companies (id, name, website)
		VALUES ($1, $2, $3)
		RETURNING created_at, updated_at
	`, c.ID, c.Name, c.Website).Scan(&c.CreatedAt, &c.UpdatedAt)
}

func (r *Repository) GetCompany(ctx context.Context, id string) (*models.Company, error) {
	var c models.Company
	err := r.db.QueryRow(ctx, `
		SELECT id, name, COALESCE(website, ''), created_at, updated_at
		FROM companies WHERE id = $1
	`, id).Scan(&c.ID, &c.Name, &c.Website, &c.CreatedAt, &c.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Repository) ListCompanies(ctx context.Context) ([]models.Company, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, name, COALESCE(website, ''), created_at, updated_at
		FROM companies ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Company
	for rows.Next() {
		var c models.Company
		if err := rows.Scan(&c.ID, &c.Name, &c.Website, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *Repository) UpdateCompany(ctx context.Context, c *models.Company) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE companies SET name = $2, website = $3, updated_at = NOW()
		WHERE id = $1
	`, c.ID, c.Name, c.Website)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) DeleteCompany(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM companies WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Stablecoins

func (r *Repository) CreateStablecoin(ctx context.Context, s *models.Stablecoin) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Peg == "" {
		s.Peg = "USD"
	}
	return r.db.QueryRow(ctx, `
		INSERT INTO stablecoins (id, company_id, name, ticker, peg)
		VALUES ($1, NULLIF($2, '')::uuid, $3, $4, $5)
		RETURNING created_at, updated_at
	`, s.ID, s.CompanyID, s.Name, s.Ticker, s.Peg).Scan(&s.CreatedAt, &s.UpdatedAt)
}

func (r *Repository) GetStablecoin(ctx context.Context, id string) (*models.Stablecoin, error) {
	var s models.Stablecoin
	err := r.db.QueryRow(ctx, `
		SELECT id, COALESCE(company_id::text, ''), name, ticker, peg, created_at, updated_at
		FROM stablecoins WHERE id = $1
	`, id).Scan(&s.ID, &s.CompanyID, &s.Name, &s.Ticker, &s.Peg, &s.CreatedAt, &s.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *Repository) ListStablecoins(ctx context.Context) ([]models.Stablecoin, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, COALESCE(company_id::text, ''), name, ticker, peg, created_at, updated_at
		FROM stablecoins ORDER BY ticker
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Stablecoin
	for rows.Next() {
		var s models.Stablecoin
		if err := rows.Scan(&s.ID, &s.CompanyID, &s.Name, &s.Ticker, &s.Peg, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *Repository) UpdateStablecoin(ctx context.Context, s *models.Stablecoin) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE stablecoins
		SET company_id = NULLIF($2, '')::uuid, name = $3, ticker = $4, peg = $5, updated_at = NOW()
		WHERE id = $1
	`, s.ID, s.CompanyID, s.Name, s.Ticker, s.Peg)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) DeleteStablecoin(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM stablecoins WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Networks

func (r *Repository) CreateNetwork(ctx context.Context, n *models.Network) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	return r.db.QueryRow(ctx, `
		INSERT INTO networks (id, name, chain_type, native_symbol)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`, n.ID, n.Name, n.ChainType, n.NativeSymbol).Scan(&n.CreatedAt, &n.UpdatedAt)
}

func (r *Repository) GetNetwork(ctx context.Context, id string) (*models.Network, error) {
	var n models.Network
	err := r.db.QueryRow(ctx, `
		SELECT id, name, chain_type, native_symbol, created_at, updated_at
		FROM networks WHERE id = $1
	`, id).Scan(&n.ID, &n.Name, &n.ChainType, &n.NativeSymbol, &n.CreatedAt, &n.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (r *Repository) ListNetworks(ctx context.Context) ([]models.Network, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, name, chain_type, native_symbol, created_at, updated_at
		FROM networks ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Network
	for rows.Next() {
		var n models.Network
		if err := rows.Scan(&n.ID, &n.Name, &n.ChainType, &n.NativeSymbol, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (r *Repository) UpdateNetwork(ctx context.Context, n *models.Network) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE networks SET name = $2, chain_type = $3, native_symbol = $4, updated_at = NOW()
		WHERE id = $1
	`, n.ID, n.Name, n.ChainType, n.NativeSymbol)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) DeleteNetwork(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM networks WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RPC endpoints

func (r *Repository) CreateRpcEndpoint(ctx context.Context, e *models.RpcEndpoint) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.MaxRequestsPerSec <= 0 {
		return fmt.Errorf("max_requests_per_sec must be positive, got %v", e.MaxRequestsPerSec)
	}
	if e.MaxBlocksPerQuery <= 0 {
		return fmt.Errorf("max_blocks_per_query must be positive, got %d", e.MaxBlocksPerQuery)
	}
	return r.db.QueryRow(ctx, `
		INSERT INTO rpc_endpoints (id, network_id, url, max_requests_per_sec, max_blocks_per_query, active)
		VALUES ($1, NULLIF($2, '')::uuid, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`, e.ID, e.NetworkID, e.URL, e.MaxRequestsPerSec, e.MaxBlocksPerQuery, e.Active).
		Scan(&e.CreatedAt, &e.UpdatedAt)
}

func (r *Repository) GetRpcEndpoint(ctx context.Context, id string) (*models.RpcEndpoint, error) {
	var e models.RpcEndpoint
	err := r.db.QueryRow(ctx, `
		SELECT id, COALESCE(network_id::text, ''), url, max_requests_per_sec,
		       max_blocks_per_query, active, created_at, updated_at
		FROM rpc_endpoints WHERE id = $1
	`, id).Scan(&e.ID, &e.NetworkID, &e.URL, &e.MaxRequestsPerSec,
		&e.MaxBlocksPerQuery, &e.Active, &e.CreatedAt, &e.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *Repository) ListRpcEndpoints(ctx context.Context) ([]models.RpcEndpoint, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, COALESCE(network_id::text, ''), url, max_requests_per_sec,
		       max_blocks_per_query, active, created_at, updated_at
		FROM rpc_endpoints ORDER BY url
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.RpcEndpoint
	for rows.Next() {
		var e models.RpcEndpoint
		if err := rows.Scan(&e.ID, &e.NetworkID, &e.URL, &e.MaxRequestsPerSec,
			&e.MaxBlocksPerQuery, &e.Active, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *Repository) UpdateRpcEndpoint(ctx context.Context, e *models.RpcEndpoint) error {
	if e.MaxRequestsPerSec <= 0 {
		return fmt.Errorf("max_requests_per_sec must be positive, got %v", e.MaxRequestsPerSec)
	}
	if e.MaxBlocksPerQuery <= 0 {
		return fmt.Errorf("max_blocks_per_query must be positive, got %d", e.MaxBlocksPerQuery)
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE rpc_endpoints
		SET network_id = NULLIF($2, '')::uuid, url = $3, max_requests_per_sec = $4,
		    max_blocks_per_query = $5, active = $6, updated_at = NOW()
		WHERE id = $1
	`, e.ID, e.NetworkID, e.URL, e.MaxRequestsPerSec, e.MaxBlocksPerQuery, e.Active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) DeleteRpcEndpoint(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM rpc_endpoints WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Contracts

// CreateContract inserts the contract and its sync_state row in one
// transaction so the one-to-one invariant holds from the start.
func (r *Repository) CreateContract(ctx context.Context, c *models.Contract) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO contracts (id, stablecoin_id, network_id, rpc_endpoint_id,
		                       chain_type, address, decimals, creation_block, creation_time, active)
		VALUES ($1, NULLIF($2, '')::uuid, NULLIF($3, '')::uuid, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`, c.ID, c.StablecoinID, c.NetworkID, c.RpcEndpointID, c.ChainType,
		c.Address, c.Decimals, c.CreationBlock, c.CreationTime, c.Active).
		Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO sync_state (contract_id, status) VALUES ($1, 'pending')
	`, c.ID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const contractColumns = `
	id, COALESCE(stablecoin_id::text, ''), COALESCE(network_id::text, ''),
	rpc_endpoint_id, chain_type, address, decimals,
	creation_block, creation_time, active, created_at, updated_at`

func scanContract(row pgx.Row) (*models.Contract, error) {
	var c models.Contract
	err := row.Scan(&c.ID, &c.StablecoinID, &c.NetworkID, &c.RpcEndpointID,
		&c.ChainType, &c.Address, &c.Decimals,
		&c.CreationBlock, &c.CreationTime, &c.Active, &c.CreatedAt, &c.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Repository) GetContract(ctx context.Context, id string) (*models.Contract, error) {
	return scanContract(r.db.QueryRow(ctx,
		`SELECT `+contractColumns+` FROM contracts WHERE id = $1`, id))
}

func (r *Repository) ListContracts(ctx context.Context) ([]models.Contract, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+contractColumns+` FROM contracts ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (r *Repository) UpdateContract(ctx context.Context, c *models.Contract) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE contracts
		SET stablecoin_id = NULLIF($2, '')::uuid, network_id = NULLIF($3, '')::uuid,
		    rpc_endpoint_id = $4, decimals = $5, active = $6, updated_at = NOW()
		WHERE id = $1
	`, c.ID, c.StablecoinID, c.NetworkID, c.RpcEndpointID, c.Decimals, c.Active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) DeleteContract(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM contracts WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetContractCreation persists discovered creation info.
func (r *Repository) SetContractCreation(ctx context.Context, id string, block uint64, at *time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE contracts SET creation_block = $2, creation_time = $3, updated_at = NOW()
		WHERE id = $1
	`, id, block, at)
	return err
}
