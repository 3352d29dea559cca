package processor

import (
	"context"
	"fmt"
	"math/big"
	"reflect"
	"testing"
	"time"

	"stablescan/internal/chain"
	"stablescan/internal/models"
	"stablescan/internal/repository"
)

const zeroAddr = "0x0000000000000000000000000000000000000000"

// memStore is an in-memory Store with the same merge semantics as the
// Postgres CommitWindow: daily counters add, block rows replace, the
// cursor moves with the batch.
type memStore struct {
	contract *models.Contract
	endpoint *models.RpcEndpoint
	state    models.SyncState

	daily   map[time.Time]models.MetricsRow
	blocks  map[uint64]models.BlockRow
	addrs   map[string]string
	commits int
}

func newMemStore(contract *models.Contract, endpoint *models.RpcEndpoint) *memStore {
	return &memStore{
		contract: contract,
		endpoint: endpoint,
		state:    models.SyncState{ContractID: contract.ID, Status: models.SyncPending},
		daily:    make(map[time.Time]models.MetricsRow),
		blocks:   make(map[uint64]models.BlockRow),
		addrs:    make(map[string]string),
	}
}

func (s *memStore) GetContract(ctx context.Context, id string) (*models.Contract, error) {
	c := *s.contract
	return &c, nil
}

func (s *memStore) GetRpcEndpoint(ctx context.Context, id string) (*models.RpcEndpoint, error) {
	e := *s.endpoint
	return &e, nil
}

func (s *memStore) GetSyncState(ctx context.Context, contractID string) (*models.SyncState, error) {
	st := s.state
	return &st, nil
}

func (s *memStore) SetSyncStatus(ctx context.Context, contractID, status, message string) error {
	s.state.Status = status
	s.state.ErrorMessage = message
	s.state.UpdatedAt = time.Now()
	return nil
}

func (s *memStore) SetSyncCursor(ctx context.Context, contractID string, block uint64) error {
	s.state.LastSyncedBlock = block
	return nil
}

func (s *memStore) SetContractCreation(ctx context.Context, id string, block uint64, at *time.Time) error {
	s.contract.CreationBlock = &block
	s.contract.CreationTime = at
	return nil
}

func addNumeric(a, b string) string {
	x, _ := new(big.Int).SetString(orZero(a), 10)
	y, _ := new(big.Int).SetString(orZero(b), 10)
	return new(big.Int).Add(x, y).String()
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

func (s *memStore) CommitWindow(ctx context.Context, batch repository.WindowBatch) error {
	for _, d := range batch.Daily {
		key := d.PeriodStart.UTC()
		prev, ok := s.daily[key]
		if !ok {
			s.daily[key] = d
			continue
		}
		prev.Minted = addNumeric(prev.Minted, d.Minted)
		prev.Burned = addNumeric(prev.Burned, d.Burned)
		prev.TxCount += d.TxCount
		prev.UniqueSenders += d.UniqueSenders
		prev.UniqueReceivers += d.UniqueReceivers
		prev.TotalTransferred = addNumeric(prev.TotalTransferred, d.TotalTransferred)
		prev.TotalFeesNative = addNumeric(prev.TotalFeesNative, d.TotalFeesNative)
		if d.TotalSupply != "" {
			prev.TotalSupply = d.TotalSupply
		}
		if d.StartBlock != nil && (prev.StartBlock == nil || *d.StartBlock < *prev.StartBlock) {
			prev.StartBlock = d.StartBlock
		}
		if d.EndBlock != nil && (prev.EndBlock == nil || *d.EndBlock > *prev.EndBlock) {
			prev.EndBlock = d.EndBlock
		}
		s.daily[key] = prev
	}
	for _, b := range batch.Blocks {
		s.blocks[b.BlockNumber] = b
	}
	for _, a := range batch.Addresses {
		key := fmt.Sprintf("%d/%s", a.BlockNumber, a.Address)
		prev, ok := s.addrs[key]
		if ok && prev != a.AddressType {
			s.addrs[key] = models.AddressBoth
		} else {
			s.addrs[key] = a.AddressType
		}
	}
	s.state.LastSyncedBlock = batch.ToBlock
	s.commits++
	return nil
}

func (s *memStore) SetLatestDailySupply(ctx context.Context, contractID, supply string) error {
	var latest time.Time
	found := false
	for k := range s.daily {
		if !found || k.After(latest) {
			latest = k
			found = true
		}
	}
	if found {
		row := s.daily[latest]
		row.TotalSupply = supply
		s.daily[latest] = row
	}
	return nil
}

// reset mirrors the repository's ResetContract: wipe derived data, rewind.
func (s *memStore) reset(cursor uint64) {
	s.daily = make(map[time.Time]models.MetricsRow)
	s.blocks = make(map[uint64]models.BlockRow)
	s.addrs = make(map[string]string)
	s.state.LastSyncedBlock = cursor
	s.state.Status = models.SyncSyncing
	s.commits = 0
}

// fakeAdapter serves a fixed event log.
type fakeAdapter struct {
	head     uint64
	creation uint64
	events   []chain.TransferEvent
	fees     map[string]*big.Int
	failFees map[string]bool
	supply   *big.Int
}

func (f *fakeAdapter) Connect(ctx context.Context) error { return nil }
func (f *fakeAdapter) Disconnect() error                 { return nil }
func (f *fakeAdapter) IsConnected() bool                 { return true }

func (f *fakeAdapter) CurrentBlock(ctx context.Context) (uint64, error) { return f.head, nil }

func (f *fakeAdapter) BlockTimestamp(ctx context.Context, number uint64) (time.Time, error) {
	return time.Unix(int64(number)*10, 0).UTC(), nil
}

func (f *fakeAdapter) CreationBlock(ctx context.Context, address string) (uint64, error) {
	if f.creation == 0 {
		return 0, chain.ErrCreationUnknown
	}
	return f.creation, nil
}

func (f *fakeAdapter) TokenDecimals(ctx context.Context, address string) (int, error) {
	return 6, nil
}

func (f *fakeAdapter) TotalSupply(ctx context.Context, address string) (*big.Int, error) {
	if f.supply == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(f.supply), nil
}

func (f *fakeAdapter) inRange(fromBlock, toBlock uint64) []chain.TransferEvent {
	var out []chain.TransferEvent
	for _, ev := range f.events {
		if ev.BlockNumber >= fromBlock && ev.BlockNumber <= toBlock {
			out = append(out, ev)
		}
	}
	return out
}

func (f *fakeAdapter) TransferEvents(ctx context.Context, address string, fromBlock, toBlock uint64) ([]chain.TransferEvent, error) {
	return f.inRange(fromBlock, toBlock), nil
}

func (f *fakeAdapter) MintBurnEvents(ctx context.Context, address string, fromBlock, toBlock uint64) (chain.MintBurnResult, error) {
	var res chain.MintBurnResult
	for _, ev := range f.inRange(fromBlock, toBlock) {
		switch {
		case ev.From == zeroAddr:
			res.Mints = append(res.Mints, ev)
		case ev.To == zeroAddr:
			res.Burns = append(res.Burns, ev)
		}
	}
	return res, nil
}

func (f *fakeAdapter) TransactionFee(ctx context.Context, txHash string) (chain.Fee, error) {
	if f.failFees[txHash] {
		return chain.Fee{}, chain.ErrReceiptMissing
	}
	if fee, ok := f.fees[txHash]; ok {
		return chain.Fee{Native: new(big.Int).Set(fee)}, nil
	}
	return chain.Fee{Native: new(big.Int)}, nil
}

func (f *fakeAdapter) TransactionFees(ctx context.Context, txHashes []string) (map[string]chain.Fee, error) {
	out := make(map[string]chain.Fee, len(txHashes))
	for _, h := range txHashes {
		fee, err := f.TransactionFee(ctx, h)
		if err != nil {
			fee = chain.Fee{Native: new(big.Int)}
		}
		out[h] = fee
	}
	return out, nil
}

func testFixture(adapter *fakeAdapter) (*memStore, *Processor) {
	contract := &models.Contract{
		ID:            "contract-1",
		RpcEndpointID: "endpoint-1",
		ChainType:     models.ChainEVM,
		Address:       "0xA000000000000000000000000000000000000048",
		Decimals:      6,
		Active:        true,
	}
	endpoint := &models.RpcEndpoint{
		ID:                "endpoint-1",
		URL:               "http://localhost:0",
		MaxRequestsPerSec: 1000,
		MaxBlocksPerQuery: 5,
		Active:            true,
	}
	store := newMemStore(contract, endpoint)
	proc := NewWithFactory(store, nil, nil, func(chainType string, cfg chain.Config) (chain.Adapter, error) {
		return adapter, nil
	})
	return store, proc
}

// coldStartAdapter builds the cold-start fixture: creation at 100, head 110,
// a mint in block 101 and a pure transfer in block 103 on the same UTC day,
// fees 21000 each.
func coldStartAdapter() *fakeAdapter {
	return &fakeAdapter{
		head:     110,
		creation: 100,
		events: []chain.TransferEvent{
			{BlockNumber: 101, LogIndex: 0, TxHash: "0xmint", From: zeroAddr, To: "0xAA", Value: big.NewInt(1_000_000), Timestamp: time.Unix(1010, 0).UTC()},
			{BlockNumber: 103, LogIndex: 0, TxHash: "0xxfer", From: "0xAA", To: "0xBB", Value: big.NewInt(500_000), Timestamp: time.Unix(1030, 0).UTC()},
		},
		fees: map[string]*big.Int{
			"0xmint": big.NewInt(21_000),
			"0xxfer": big.NewInt(21_000),
		},
		supply: big.NewInt(1_000_000),
	}
}

func checkColdStartResult(t *testing.T, store *memStore) {
	t.Helper()

	if store.state.LastSyncedBlock != 110 {
		t.Fatalf("last_synced_block = %d, want 110", store.state.LastSyncedBlock)
	}
	if store.state.Status != models.SyncSynced {
		t.Fatalf("status = %s, want synced", store.state.Status)
	}

	if len(store.daily) != 1 {
		t.Fatalf("daily rows = %d, want 1", len(store.daily))
	}
	day := time.Unix(1030, 0).UTC().Truncate(24 * time.Hour)
	row, ok := store.daily[day]
	if !ok {
		t.Fatalf("no daily row at %s; have %v", day, store.daily)
	}
	if row.Minted != "1000000" {
		t.Errorf("minted = %s, want 1000000", row.Minted)
	}
	if row.TxCount != 1 {
		t.Errorf("tx_count = %d, want 1 (mint excluded)", row.TxCount)
	}
	if row.UniqueSenders != 1 || row.UniqueReceivers != 1 {
		t.Errorf("unique senders/receivers = %d/%d, want 1/1", row.UniqueSenders, row.UniqueReceivers)
	}
	if row.TotalTransferred != "500000" {
		t.Errorf("total_transferred = %s, want 500000", row.TotalTransferred)
	}
	if row.TotalFeesNative != "42000" {
		t.Errorf("total_fees_native = %s, want 42000", row.TotalFeesNative)
	}
	if row.TotalSupply != "1000000" {
		t.Errorf("total_supply snapshot = %s, want 1000000", row.TotalSupply)
	}

	if len(store.blocks) != 11 {
		t.Fatalf("block rows = %d, want 11 (100..110)", len(store.blocks))
	}
	withTS := 0
	for _, b := range store.blocks {
		if b.Timestamp != nil {
			withTS++
		}
	}
	if withTS != 2 {
		t.Errorf("blocks with timestamps = %d, want 2 (only blocks 101 and 103 had events)", withTS)
	}
	if b := store.blocks[101]; b.TxCount != 1 {
		t.Errorf("block 101 tx_count = %d, want 1 (mint)", b.TxCount)
	}
	if b := store.blocks[103]; b.TxCount != 1 {
		t.Errorf("block 103 tx_count = %d, want 1 (transfer)", b.TxCount)
	}
}

func TestDiscoverAndSyncColdStart(t *testing.T) {
	t.Parallel()

	store, proc := testFixture(coldStartAdapter())
	if err := proc.Discover(context.Background(), "contract-1"); err != nil {
		t.Fatalf("discover: %v", err)
	}

	if store.contract.CreationBlock == nil || *store.contract.CreationBlock != 100 {
		t.Fatalf("creation_block = %v, want 100", store.contract.CreationBlock)
	}
	checkColdStartResult(t, store)

	// head/B=5 over 100..110 → windows 100-104, 105-109, 110
	if store.commits != 3 {
		t.Errorf("window commits = %d, want 3", store.commits)
	}
}

func TestSyncReplayIsIdentical(t *testing.T) {
	t.Parallel()

	store, proc := testFixture(coldStartAdapter())
	if err := proc.Discover(context.Background(), "contract-1"); err != nil {
		t.Fatalf("discover: %v", err)
	}

	first := struct {
		daily  map[time.Time]models.MetricsRow
		blocks map[uint64]models.BlockRow
		addrs  map[string]string
	}{store.daily, store.blocks, store.addrs}

	store.reset(99)
	if err := proc.Sync(context.Background(), "contract-1"); err != nil {
		t.Fatalf("replay sync: %v", err)
	}

	if !reflect.DeepEqual(first.daily, store.daily) {
		t.Errorf("daily rows changed on replay:\nfirst:  %+v\nreplay: %+v", first.daily, store.daily)
	}
	if !reflect.DeepEqual(first.blocks, store.blocks) {
		t.Errorf("block rows changed on replay")
	}
	if !reflect.DeepEqual(first.addrs, store.addrs) {
		t.Errorf("block addresses changed on replay")
	}
}

func TestSyncZeroFeeTolerance(t *testing.T) {
	t.Parallel()

	adapter := coldStartAdapter()
	adapter.failFees = map[string]bool{"0xxfer": true}
	store, proc := testFixture(adapter)

	if err := proc.Discover(context.Background(), "contract-1"); err != nil {
		t.Fatalf("discover: %v", err)
	}
	if store.state.Status != models.SyncSynced {
		t.Fatalf("status = %s, want synced despite fee failures", store.state.Status)
	}

	day := time.Unix(1030, 0).UTC().Truncate(24 * time.Hour)
	row := store.daily[day]
	if row.TotalFeesNative != "21000" {
		t.Errorf("total_fees_native = %s, want 21000 (failed receipt counts 0)", row.TotalFeesNative)
	}
	if row.TotalTransferred != "500000" || row.Minted != "1000000" {
		t.Errorf("other values disturbed: transferred=%s minted=%s", row.TotalTransferred, row.Minted)
	}
}

func TestSyncSharedTxHashFeeCountedOnce(t *testing.T) {
	t.Parallel()

	// Mint and transfer in the same transaction: one fee per day, per block.
	ts := time.Unix(1030, 0).UTC()
	adapter := &fakeAdapter{
		head:     105,
		creation: 100,
		events: []chain.TransferEvent{
			{BlockNumber: 103, LogIndex: 0, TxHash: "0xshared", From: zeroAddr, To: "0xAA", Value: big.NewInt(100), Timestamp: ts},
			{BlockNumber: 103, LogIndex: 1, TxHash: "0xshared", From: "0xAA", To: "0xBB", Value: big.NewInt(100), Timestamp: ts},
		},
		fees:   map[string]*big.Int{"0xshared": big.NewInt(5_000)},
		supply: big.NewInt(100),
	}
	store, proc := testFixture(adapter)

	if err := proc.Discover(context.Background(), "contract-1"); err != nil {
		t.Fatalf("discover: %v", err)
	}

	day := time.Unix(1030, 0).UTC().Truncate(24 * time.Hour)
	if got := store.daily[day].TotalFeesNative; got != "5000" {
		t.Errorf("daily fees = %s, want 5000 (shared hash deduped)", got)
	}
	if got := store.blocks[103].TotalFeesNative; got != "5000" {
		t.Errorf("block fees = %s, want 5000 (shared hash deduped)", got)
	}
}

func TestSyncCancellationKeepsCursor(t *testing.T) {
	t.Parallel()

	store, proc := testFixture(coldStartAdapter())
	store.state.Status = models.SyncSyncing
	store.state.LastSyncedBlock = 99

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := proc.Sync(ctx, "contract-1"); err != nil {
		t.Fatalf("cancelled sync should return nil, got %v", err)
	}
	if store.state.LastSyncedBlock != 99 {
		t.Errorf("cursor moved to %d on cancelled run", store.state.LastSyncedBlock)
	}
	if store.state.Status == models.SyncError {
		t.Errorf("cancellation must not mark the contract errored")
	}
}

func TestSyncAlreadyCaughtUp(t *testing.T) {
	t.Parallel()

	adapter := coldStartAdapter()
	store, proc := testFixture(adapter)
	store.state.Status = models.SyncSyncing
	store.state.LastSyncedBlock = adapter.head

	if err := proc.Sync(context.Background(), "contract-1"); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if store.state.Status != models.SyncSynced {
		t.Fatalf("status = %s, want synced", store.state.Status)
	}
	if store.commits != 0 {
		t.Errorf("no windows should commit when already at head, got %d", store.commits)
	}
}

func TestBlockAddressRolePromotion(t *testing.T) {
	t.Parallel()

	// 0xAA both sends and receives within block 103.
	ts := time.Unix(1030, 0).UTC()
	adapter := &fakeAdapter{
		head:     105,
		creation: 100,
		events: []chain.TransferEvent{
			{BlockNumber: 103, LogIndex: 0, TxHash: "0xt1", From: "0xAA", To: "0xBB", Value: big.NewInt(1), Timestamp: ts},
			{BlockNumber: 103, LogIndex: 1, TxHash: "0xt2", From: "0xCC", To: "0xAA", Value: big.NewInt(1), Timestamp: ts},
		},
		supply: big.NewInt(0),
	}
	store, proc := testFixture(adapter)

	if err := proc.Discover(context.Background(), "contract-1"); err != nil {
		t.Fatalf("discover: %v", err)
	}
	if got := store.addrs["103/0xAA"]; got != models.AddressBoth {
		t.Errorf("0xAA role = %q, want both", got)
	}
	if got := store.addrs["103/0xBB"]; got != models.AddressReceiver {
		t.Errorf("0xBB role = %q, want receiver", got)
	}
	if got := store.addrs["103/0xCC"]; got != models.AddressSender {
		t.Errorf("0xCC role = %q, want sender", got)
	}
}
