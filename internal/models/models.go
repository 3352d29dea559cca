package models

import (
	"time"
)

// Chain type discriminators for contracts and networks.
const (
	ChainEVM    = "evm"
	ChainTron   = "tron"
	ChainSolana = "solana"
)

// Sync state machine statuses.
const (
	SyncPending = "pending"
	SyncSyncing = "syncing"
	SyncSynced  = "synced"
	SyncError   = "error"
)

// Metrics resolutions in seconds.
const (
	ResolutionDay  int64 = 86400
	Resolution10d  int64 = 864000
	Resolution100d int64 = 8640000
	Resolution1000d int64 = 86400000
)

// Company represents the 'companies' table (the issuer behind a stablecoin).
type Company struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Website   string    `json:"website,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Stablecoin represents the 'stablecoins' table.
type Stablecoin struct {
	ID        string    `json:"id"`
	CompanyID string    `json:"company_id,omitempty"`
	Name      string    `json:"name"`
	Ticker    string    `json:"ticker"`
	Peg       string    `json:"peg"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Network represents the 'networks' table.
type Network struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	ChainType    string    `json:"chain_type"`
	NativeSymbol string    `json:"native_symbol"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// RpcEndpoint represents the 'rpc_endpoints' table. The rate-limit scope is
// the endpoint id: every contract bound to the same endpoint shares its
// request budget.
type RpcEndpoint struct {
	ID                string    `json:"id"`
	NetworkID         string    `json:"network_id,omitempty"`
	URL               string    `json:"url"`
	MaxRequestsPerSec float64   `json:"max_requests_per_sec"`
	MaxBlocksPerQuery int       `json:"max_blocks_per_query"`
	Active            bool      `json:"active"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Contract represents the 'contracts' table: one token deployment on one
// chain. Immutable after creation except for discovered creation info and
// the active flag.
type Contract struct {
	ID            string     `json:"id"`
	StablecoinID  string     `json:"stablecoin_id,omitempty"`
	NetworkID     string     `json:"network_id,omitempty"`
	RpcEndpointID string     `json:"rpc_endpoint_id"`
	ChainType     string     `json:"chain_type"`
	Address       string     `json:"address"`
	Decimals      int        `json:"decimals"`
	CreationBlock *uint64    `json:"creation_block,omitempty"`
	CreationTime  *time.Time `json:"creation_time,omitempty"`
	Active        bool       `json:"active"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// SyncState represents the 'sync_state' table: the sole cursor for a
// contract's walk through chain history.
type SyncState struct {
	ContractID      string     `json:"contract_id"`
	LastSyncedBlock uint64     `json:"last_synced_block"`
	LastSyncedAt    *time.Time `json:"last_synced_at,omitempty"`
	Status          string     `json:"status"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// MetricsRow represents one 'metrics' row at any resolution. Amount fields
// are exact integer base units carried as decimal strings; they are never
// routed through floats.
type MetricsRow struct {
	ContractID        string    `json:"contract_id"`
	PeriodStart       time.Time `json:"period_start"`
	ResolutionSeconds int64     `json:"resolution_seconds"`
	TotalSupply       string    `json:"total_supply,omitempty"`
	Minted            string    `json:"minted"`
	Burned            string    `json:"burned"`
	TxCount           int64     `json:"tx_count"`
	UniqueSenders     int64     `json:"unique_senders"`
	UniqueReceivers   int64     `json:"unique_receivers"`
	TotalTransferred  string    `json:"total_transferred"`
	TotalFeesNative   string    `json:"total_fees_native"`
	TotalFeesUSD      string    `json:"total_fees_usd"`
	StartBlock        *uint64   `json:"start_block,omitempty"`
	EndBlock          *uint64   `json:"end_block,omitempty"`
}

// BlockRow represents one 'blocks' row: the per-block summary for a contract.
// Timestamp is nil for event-less blocks seen inside a batch window.
type BlockRow struct {
	ID               int64      `json:"id,omitempty"`
	ContractID       string     `json:"contract_id"`
	BlockNumber      uint64     `json:"block_number"`
	Timestamp        *time.Time `json:"timestamp,omitempty"`
	Minted           string     `json:"minted"`
	Burned           string     `json:"burned"`
	TxCount          int64      `json:"tx_count"`
	TotalTransferred string     `json:"total_transferred"`
	TotalFeesNative  string     `json:"total_fees_native"`
	TotalSupply      string     `json:"total_supply,omitempty"`
}

// Address roles within a single block.
const (
	AddressSender   = "sender"
	AddressReceiver = "receiver"
	AddressBoth     = "both"
)

// BlockAddress represents one 'block_addresses' row. AddressType reflects
// the role observed within that block only.
type BlockAddress struct {
	ContractID  string `json:"contract_id"`
	BlockNumber uint64 `json:"block_number"`
	Address     string `json:"address"`
	AddressType string `json:"address_type"`
}
