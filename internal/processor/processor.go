// Package processor drives one contract's walk through chain history: the
// discover step finds where the contract begins, the sync step advances the
// cursor window by window, aggregating transfers into daily metrics and
// per-block summaries. At most one execution runs per contract; the job
// queue's idempotency keys enforce that.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"sort"
	"time"

	"stablescan/internal/chain"
	"stablescan/internal/eventbus"
	"stablescan/internal/models"
	"stablescan/internal/ratelimit"
	"stablescan/internal/repository"
)

// Store is the slice of the repository the processor needs.
type Store interface {
	GetContract(ctx context.Context, id string) (*models.Contract, error)
	GetRpcEndpoint(ctx context.Context, id string) (*models.RpcEndpoint, error)
	GetSyncState(ctx context.Context, contractID string) (*models.SyncState, error)
	SetSyncStatus(ctx context.Context, contractID, status, message string) error
	SetSyncCursor(ctx context.Context, contractID string, block uint64) error
	SetContractCreation(ctx context.Context, id string, block uint64, at *time.Time) error
	CommitWindow(ctx context.Context, batch repository.WindowBatch) error
	SetLatestDailySupply(ctx context.Context, contractID, supply string) error
}

// AdapterFactory builds a chain adapter; swapped for a fake in tests.
type AdapterFactory func(chainType string, cfg chain.Config) (chain.Adapter, error)

type Processor struct {
	store      Store
	limits     *ratelimit.Registry
	bus        *eventbus.Bus
	newAdapter AdapterFactory
}

func New(store Store, limits *ratelimit.Registry, bus *eventbus.Bus) *Processor {
	return &Processor{
		store:      store,
		limits:     limits,
		bus:        bus,
		newAdapter: chain.New,
	}
}

// NewWithFactory is the test constructor.
func NewWithFactory(store Store, limits *ratelimit.Registry, bus *eventbus.Bus, factory AdapterFactory) *Processor {
	p := New(store, limits, bus)
	p.newAdapter = factory
	return p
}

// open loads the contract and endpoint and returns a connected adapter.
func (p *Processor) open(ctx context.Context, contractID string) (*models.Contract, chain.Adapter, error) {
	contract, err := p.store.GetContract(ctx, contractID)
	if err != nil {
		return nil, nil, fmt.Errorf("load contract %s: %w", contractID, err)
	}
	endpoint, err := p.store.GetRpcEndpoint(ctx, contract.RpcEndpointID)
	if err != nil {
		return nil, nil, fmt.Errorf("load endpoint %s: %w", contract.RpcEndpointID, err)
	}
	if !endpoint.Active {
		return nil, nil, fmt.Errorf("endpoint %s is inactive", endpoint.ID)
	}

	var limiter chain.Limiter
	if p.limits != nil {
		limiter = p.limits.Gate(endpoint.ID, endpoint.MaxRequestsPerSec)
	}
	adapter, err := p.newAdapter(contract.ChainType, chain.Config{
		URL:               endpoint.URL,
		MaxBlocksPerQuery: uint64(endpoint.MaxBlocksPerQuery),
		Limiter:           limiter,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := adapter.Connect(ctx); err != nil {
		return nil, nil, fmt.Errorf("connect %s: %w", endpoint.URL, err)
	}
	return contract, adapter, nil
}

// Discover resolves the contract's creation block, rewinds the cursor to
// just before it, and runs an initial sync.
func (p *Processor) Discover(ctx context.Context, contractID string) error {
	contract, adapter, err := p.open(ctx, contractID)
	if err != nil {
		return p.fail(ctx, contractID, err)
	}
	defer adapter.Disconnect()

	start := uint64(0)
	if contract.CreationBlock != nil {
		start = *contract.CreationBlock
	} else {
		block, err := adapter.CreationBlock(ctx, contract.Address)
		switch {
		case errors.Is(err, chain.ErrCreationUnknown):
			// Chain cannot reveal creation; walk from genesis unless an
			// operator supplies the block later.
			log.Printf("[sync] contract %s: creation block unknown, starting at 0", contractID)
		case err != nil:
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return p.fail(ctx, contractID, fmt.Errorf("discover creation block: %w", err))
		default:
			start = block
			var at *time.Time
			if ts, tsErr := adapter.BlockTimestamp(ctx, block); tsErr == nil {
				at = &ts
			}
			if err := p.store.SetContractCreation(ctx, contractID, block, at); err != nil {
				return p.fail(ctx, contractID, fmt.Errorf("persist creation block: %w", err))
			}
			log.Printf("[sync] contract %s: created at block %d", contractID, block)
		}
	}

	cursor := uint64(0)
	if start > 0 {
		cursor = start - 1
	}
	if err := p.store.SetSyncCursor(ctx, contractID, cursor); err != nil {
		return p.fail(ctx, contractID, err)
	}
	if err := p.store.SetSyncStatus(ctx, contractID, models.SyncSyncing, ""); err != nil {
		return p.fail(ctx, contractID, err)
	}
	return p.sync(ctx, contractID, contract, adapter)
}

// Sync advances the contract from its persisted cursor to the current head.
func (p *Processor) Sync(ctx context.Context, contractID string) error {
	contract, adapter, err := p.open(ctx, contractID)
	if err != nil {
		return p.fail(ctx, contractID, err)
	}
	defer adapter.Disconnect()
	return p.sync(ctx, contractID, contract, adapter)
}

func (p *Processor) sync(ctx context.Context, contractID string, contract *models.Contract, adapter chain.Adapter) error {
	state, err := p.store.GetSyncState(ctx, contractID)
	if err != nil {
		return p.fail(ctx, contractID, err)
	}

	head, err := adapter.CurrentBlock(ctx)
	if err != nil {
		return p.fail(ctx, contractID, fmt.Errorf("current block: %w", err))
	}

	from := state.LastSyncedBlock + 1
	if from > head {
		if err := p.store.SetSyncStatus(ctx, contractID, models.SyncSynced, ""); err != nil {
			return err
		}
		return nil
	}
	if err := p.store.SetSyncStatus(ctx, contractID, models.SyncSyncing, ""); err != nil {
		return p.fail(ctx, contractID, err)
	}

	endpoint, err := p.store.GetRpcEndpoint(ctx, contract.RpcEndpointID)
	if err != nil {
		return p.fail(ctx, contractID, err)
	}
	window := uint64(endpoint.MaxBlocksPerQuery)
	if window == 0 {
		window = 1
	}

	log.Printf("[sync] contract %s: syncing blocks %d..%d (window %d)", contractID, from, head, window)

	started := time.Now()
	startBlock := from
	lastProgress := started

	for from <= head {
		// The cursor is persisted per committed window, so a shutdown here
		// loses nothing.
		if ctx.Err() != nil {
			return nil
		}

		to := from + window - 1
		if to > head || to < from {
			to = head
		}

		batch, err := p.processWindow(ctx, contract, adapter, from, to)
		if errors.Is(err, chain.ErrRangeTooLarge) && window > 1 {
			window = window / 2
			log.Printf("[sync] contract %s: range %d..%d too large, halving window to %d", contractID, from, to, window)
			continue
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return p.fail(ctx, contractID, fmt.Errorf("window %d..%d: %w", from, to, err))
		}

		if err := p.store.CommitWindow(ctx, batch); err != nil {
			return p.fail(ctx, contractID, fmt.Errorf("commit window %d..%d: %w", from, to, err))
		}
		from = to + 1

		if time.Since(lastProgress) >= 30*time.Second {
			elapsed := time.Since(started).Seconds()
			rate := float64(from-startBlock) / elapsed
			log.Printf("[sync] contract %s: at block %d, %d behind head (%.0f blocks/s)",
				contractID, from-1, head-from+1, rate)
			lastProgress = time.Now()
		}
	}

	if supply, err := adapter.TotalSupply(ctx, contract.Address); err != nil {
		log.Printf("[sync] contract %s: totalSupply snapshot failed: %v", contractID, err)
	} else if err := p.store.SetLatestDailySupply(ctx, contractID, supply.String()); err != nil {
		return p.fail(ctx, contractID, fmt.Errorf("record supply snapshot: %w", err))
	}

	if err := p.store.SetSyncStatus(ctx, contractID, models.SyncSynced, ""); err != nil {
		return err
	}
	log.Printf("[sync] contract %s: synced to block %d", contractID, head)
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{
			Type:       eventbus.SyncCompleted,
			ContractID: contractID,
			Timestamp:  time.Now(),
			Data:       head,
		})
	}
	return nil
}

// fail persists the error state and reports it to the queue for retry.
func (p *Processor) fail(ctx context.Context, contractID string, cause error) error {
	if errors.Is(cause, context.Canceled) {
		return nil
	}
	log.Printf("[sync] contract %s: %v", contractID, cause)
	if err := p.store.SetSyncStatus(context.WithoutCancel(ctx), contractID, models.SyncError, cause.Error()); err != nil {
		log.Printf("[sync] contract %s: persist error state: %v", contractID, err)
	}
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{
			Type:       eventbus.SyncFailed,
			ContractID: contractID,
			Timestamp:  time.Now(),
			Data:       cause.Error(),
		})
	}
	return cause
}

// dayStart truncates to the UTC calendar day.
func dayStart(ts time.Time) time.Time {
	return ts.UTC().Truncate(24 * time.Hour)
}

type dayAcc struct {
	minted      *big.Int
	burned      *big.Int
	txCount     int64
	senders     map[string]struct{}
	receivers   map[string]struct{}
	transferred *big.Int
	fees        *big.Int
	startBlock  uint64
	endBlock    uint64
}

func newDayAcc() *dayAcc {
	return &dayAcc{
		minted:      new(big.Int),
		burned:      new(big.Int),
		transferred: new(big.Int),
		fees:        new(big.Int),
		senders:     make(map[string]struct{}),
		receivers:   make(map[string]struct{}),
	}
}

func (d *dayAcc) observeBlock(n uint64) {
	if d.startBlock == 0 || n < d.startBlock {
		d.startBlock = n
	}
	if n > d.endBlock {
		d.endBlock = n
	}
}

type blockAcc struct {
	timestamp   *time.Time
	minted      *big.Int
	burned      *big.Int
	txCount     int64
	transferred *big.Int
	fees        *big.Int
	roles       map[string]string
}

func newBlockAcc() *blockAcc {
	return &blockAcc{
		minted:      new(big.Int),
		burned:      new(big.Int),
		transferred: new(big.Int),
		fees:        new(big.Int),
		roles:       make(map[string]string),
	}
}

// addRole records an address's role within the block, promoting to 'both'
// when it appears on both sides.
func (b *blockAcc) addRole(address, role string) {
	if address == "" {
		return
	}
	prev, ok := b.roles[address]
	if !ok {
		b.roles[address] = role
		return
	}
	if prev != role {
		b.roles[address] = models.AddressBoth
	}
}

// processWindow fetches and aggregates one [from, to] range. It does not
// commit; the caller owns the transaction boundary.
func (p *Processor) processWindow(ctx context.Context, contract *models.Contract, adapter chain.Adapter, from, to uint64) (repository.WindowBatch, error) {
	transfers, err := adapter.TransferEvents(ctx, contract.Address, from, to)
	if err != nil {
		return repository.WindowBatch{}, err
	}
	mintBurn, err := adapter.MintBurnEvents(ctx, contract.Address, from, to)
	if err != nil {
		return repository.WindowBatch{}, err
	}

	// Pure transfers are the stream minus anything classified mint or burn;
	// keyed by (block, index) so the subtraction works on every chain.
	classified := make(map[[2]uint64]struct{}, len(mintBurn.Mints)+len(mintBurn.Burns))
	for _, ev := range mintBurn.Mints {
		classified[[2]uint64{ev.BlockNumber, uint64(ev.LogIndex)}] = struct{}{}
	}
	for _, ev := range mintBurn.Burns {
		classified[[2]uint64{ev.BlockNumber, uint64(ev.LogIndex)}] = struct{}{}
	}
	pure := transfers[:0:0]
	for _, ev := range transfers {
		if _, ok := classified[[2]uint64{ev.BlockNumber, uint64(ev.LogIndex)}]; !ok {
			pure = append(pure, ev)
		}
	}

	days := make(map[time.Time]*dayAcc)
	blocks := make(map[uint64]*blockAcc)

	day := func(ts time.Time) *dayAcc {
		key := dayStart(ts)
		d, ok := days[key]
		if !ok {
			d = newDayAcc()
			days[key] = d
		}
		return d
	}
	block := func(ev chain.TransferEvent) *blockAcc {
		b, ok := blocks[ev.BlockNumber]
		if !ok {
			b = newBlockAcc()
			blocks[ev.BlockNumber] = b
		}
		if b.timestamp == nil && !ev.Timestamp.IsZero() {
			ts := ev.Timestamp.UTC()
			b.timestamp = &ts
		}
		return b
	}

	for _, ev := range pure {
		d := day(ev.Timestamp)
		d.txCount++
		d.transferred.Add(d.transferred, ev.Value)
		d.senders[ev.From] = struct{}{}
		d.receivers[ev.To] = struct{}{}
		d.observeBlock(ev.BlockNumber)

		b := block(ev)
		b.txCount++
		b.transferred.Add(b.transferred, ev.Value)
		b.addRole(ev.From, models.AddressSender)
		b.addRole(ev.To, models.AddressReceiver)
	}
	for _, ev := range mintBurn.Mints {
		d := day(ev.Timestamp)
		d.minted.Add(d.minted, ev.Value)
		d.observeBlock(ev.BlockNumber)

		b := block(ev)
		b.minted.Add(b.minted, ev.Value)
		b.txCount++
		b.addRole(ev.To, models.AddressReceiver)
	}
	for _, ev := range mintBurn.Burns {
		d := day(ev.Timestamp)
		d.burned.Add(d.burned, ev.Value)
		d.observeBlock(ev.BlockNumber)

		b := block(ev)
		b.burned.Add(b.burned, ev.Value)
		b.txCount++
		b.addRole(ev.From, models.AddressSender)
	}

	if err := p.attributeFees(ctx, adapter, pure, mintBurn, days, blocks); err != nil {
		return repository.WindowBatch{}, err
	}

	batch := repository.WindowBatch{ContractID: contract.ID, ToBlock: to}

	dayKeys := make([]time.Time, 0, len(days))
	for k := range days {
		dayKeys = append(dayKeys, k)
	}
	sort.Slice(dayKeys, func(i, j int) bool { return dayKeys[i].Before(dayKeys[j]) })
	for _, k := range dayKeys {
		d := days[k]
		start, end := d.startBlock, d.endBlock
		batch.Daily = append(batch.Daily, models.MetricsRow{
			ContractID:        contract.ID,
			PeriodStart:       k,
			ResolutionSeconds: models.ResolutionDay,
			Minted:            d.minted.String(),
			Burned:            d.burned.String(),
			TxCount:           d.txCount,
			UniqueSenders:     int64(len(d.senders)),
			UniqueReceivers:   int64(len(d.receivers)),
			TotalTransferred:  d.transferred.String(),
			TotalFeesNative:   d.fees.String(),
			StartBlock:        &start,
			EndBlock:          &end,
		})
	}

	// Every block in the window gets a row; event-less blocks carry a NULL
	// timestamp.
	for n := from; n <= to; n++ {
		b, ok := blocks[n]
		if !ok {
			batch.Blocks = append(batch.Blocks, models.BlockRow{
				ContractID:  contract.ID,
				BlockNumber: n,
			})
			continue
		}
		batch.Blocks = append(batch.Blocks, models.BlockRow{
			ContractID:       contract.ID,
			BlockNumber:      n,
			Timestamp:        b.timestamp,
			Minted:           b.minted.String(),
			Burned:           b.burned.String(),
			TxCount:          b.txCount,
			TotalTransferred: b.transferred.String(),
			TotalFeesNative:  b.fees.String(),
		})

		addrs := make([]string, 0, len(b.roles))
		for a := range b.roles {
			addrs = append(addrs, a)
		}
		sort.Strings(addrs)
		for _, a := range addrs {
			batch.Addresses = append(batch.Addresses, models.BlockAddress{
				ContractID:  contract.ID,
				BlockNumber: n,
				Address:     a,
				AddressType: b.roles[a],
			})
		}
	}
	return batch, nil
}

// attributeFees bulk-fetches fees for every tx hash in the window and adds
// each fee at most once per day and once per block, no matter how many
// events share the hash.
func (p *Processor) attributeFees(ctx context.Context, adapter chain.Adapter, pure []chain.TransferEvent, mintBurn chain.MintBurnResult, days map[time.Time]*dayAcc, blocks map[uint64]*blockAcc) error {
	all := make([]chain.TransferEvent, 0, len(pure)+len(mintBurn.Mints)+len(mintBurn.Burns))
	all = append(all, pure...)
	all = append(all, mintBurn.Mints...)
	all = append(all, mintBurn.Burns...)
	if len(all) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(all))
	hashes := make([]string, 0, len(all))
	for _, ev := range all {
		if _, ok := seen[ev.TxHash]; !ok {
			seen[ev.TxHash] = struct{}{}
			hashes = append(hashes, ev.TxHash)
		}
	}

	fees, err := adapter.TransactionFees(ctx, hashes)
	if err != nil {
		return err
	}

	type dayScope struct {
		day  time.Time
		hash string
	}
	type blockScope struct {
		block uint64
		hash  string
	}
	creditedDay := make(map[dayScope]struct{})
	creditedBlock := make(map[blockScope]struct{})

	for _, ev := range all {
		fee, ok := fees[ev.TxHash]
		if !ok || fee.Native == nil {
			continue
		}
		dk := dayScope{dayStart(ev.Timestamp), ev.TxHash}
		if _, done := creditedDay[dk]; !done {
			creditedDay[dk] = struct{}{}
			if d := days[dk.day]; d != nil {
				d.fees.Add(d.fees, fee.Native)
			}
		}
		bk := blockScope{ev.BlockNumber, ev.TxHash}
		if _, done := creditedBlock[bk]; !done {
			creditedBlock[bk] = struct{}{}
			if b := blocks[ev.BlockNumber]; b != nil {
				b.fees.Add(b.fees, fee.Native)
			}
		}
	}
	return nil
}
