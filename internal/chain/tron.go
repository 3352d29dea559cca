package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	base58 "github.com/jbenet/go-base58"
)

// tronAdapter reads TRC-20 deployments through Tron's JSON-RPC facade
// (e.g. https://api.trongrid.io/jsonrpc), which speaks the EVM wire protocol
// with 0x41-prefixed addresses. It reuses the EVM adapter mechanics and only
// differs in address normalization and the decimals fallback.
type tronAdapter struct {
	*evmAdapter
}

func newTronAdapter(cfg Config) *tronAdapter {
	inner := newEVMAdapter(cfg)
	inner.defaultDecimals = 6
	return &tronAdapter{evmAdapter: inner}
}

func (a *tronAdapter) CreationBlock(ctx context.Context, address string) (uint64, error) {
	hexAddr, err := tronToHexAddress(address)
	if err != nil {
		return 0, err
	}
	return a.evmAdapter.CreationBlock(ctx, hexAddr)
}

func (a *tronAdapter) TokenDecimals(ctx context.Context, address string) (int, error) {
	hexAddr, err := tronToHexAddress(address)
	if err != nil {
		return 0, err
	}
	return a.evmAdapter.TokenDecimals(ctx, hexAddr)
}

func (a *tronAdapter) TotalSupply(ctx context.Context, address string) (*big.Int, error) {
	hexAddr, err := tronToHexAddress(address)
	if err != nil {
		return nil, err
	}
	return a.evmAdapter.TotalSupply(ctx, hexAddr)
}

func (a *tronAdapter) TransferEvents(ctx context.Context, address string, fromBlock, toBlock uint64) ([]TransferEvent, error) {
	hexAddr, err := tronToHexAddress(address)
	if err != nil {
		return nil, err
	}
	return a.evmAdapter.TransferEvents(ctx, hexAddr, fromBlock, toBlock)
}

func (a *tronAdapter) MintBurnEvents(ctx context.Context, address string, fromBlock, toBlock uint64) (MintBurnResult, error) {
	events, err := a.TransferEvents(ctx, address, fromBlock, toBlock)
	if err != nil {
		return MintBurnResult{}, err
	}
	return splitMintBurn(events, isTronZeroAddress), nil
}

// tronZeroBase58 is the canonical Tron null address (hex 410000…000000).
const tronZeroBase58 = "T9yD14Nj9j7xAB4dbGeiX9h8unkKHxuWwb"

// isTronZeroAddress accepts the base58 form, the 41-prefixed hex form, and
// the 20-byte EVM form the JSON-RPC facade returns in log topics.
func isTronZeroAddress(addr string) bool {
	if addr == tronZeroBase58 {
		return true
	}
	trimmed := strings.TrimPrefix(strings.ToLower(addr), "0x")
	trimmed = strings.TrimPrefix(trimmed, "41")
	if trimmed == "" {
		return false
	}
	return strings.Trim(trimmed, "0") == ""
}

// tronToHexAddress normalizes a Tron address (base58 T…, hex 41…, or 0x…)
// to the 20-byte EVM hex form the JSON-RPC facade expects.
func tronToHexAddress(addr string) (string, error) {
	switch {
	case strings.HasPrefix(addr, "0x") || strings.HasPrefix(addr, "0X"):
		return common.HexToAddress(addr).Hex(), nil
	case strings.HasPrefix(addr, "41") && len(addr) == 42:
		raw, err := hex.DecodeString(addr)
		if err != nil {
			return "", fmt.Errorf("invalid tron hex address %q: %w", addr, err)
		}
		return common.BytesToAddress(raw[1:]).Hex(), nil
	case strings.HasPrefix(addr, "T"):
		raw := base58.Decode(addr)
		if len(raw) != 25 {
			return "", fmt.Errorf("invalid tron base58 address %q", addr)
		}
		payload, checksum := raw[:21], raw[21:]
		sum := sha256.Sum256(payload)
		sum = sha256.Sum256(sum[:])
		if !strings.EqualFold(hex.EncodeToString(sum[:4]), hex.EncodeToString(checksum)) {
			return "", fmt.Errorf("tron address checksum mismatch for %q", addr)
		}
		if payload[0] != 0x41 {
			return "", fmt.Errorf("unexpected tron address prefix 0x%02x in %q", payload[0], addr)
		}
		return common.BytesToAddress(payload[1:]).Hex(), nil
	default:
		return "", fmt.Errorf("unrecognized tron address format %q", addr)
	}
}
