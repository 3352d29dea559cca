// Package scheduler owns the worker side of the job queue: it reconciles
// state left by a previous run, executes queued jobs with per-type
// timeouts, and runs the three maintenance timers (catch-up, stuck
// recovery, aggregation).
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"stablescan/internal/queue"
)

// Store is the slice of the repository the scheduler needs.
type Store interface {
	ContractsForCatchUp(ctx context.Context) ([]string, error)
	ContractsPendingDiscovery(ctx context.Context) ([]string, error)
	StuckSyncingContracts(ctx context.Context, olderThan time.Duration) ([]string, error)
	SetSyncStatus(ctx context.Context, contractID, status, message string) error
}

// Jobs is the queue surface the scheduler drives; *queue.Queue satisfies it.
type Jobs interface {
	Enqueue(ctx context.Context, job queue.Job) error
	Next(ctx context.Context) (*queue.Job, error)
	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, job *queue.Job, cause string) (bool, error)
	InFlight(ctx context.Context, id string) (bool, error)
	Reconcile(ctx context.Context) (int, error)
	Pause()
	Resume()
}

// Runner executes discover and sync jobs; the processor satisfies it.
type Runner interface {
	Discover(ctx context.Context, contractID string) error
	Sync(ctx context.Context, contractID string) error
}

// Aggregator executes the metrics rollup sweep.
type Aggregator interface {
	Run(ctx context.Context) error
}

type Config struct {
	Workers             int
	PollInterval        time.Duration
	CatchUpInterval     time.Duration
	StuckInterval       time.Duration
	StuckThreshold      time.Duration
	AggregationInterval time.Duration
	DiscoverTimeout     time.Duration
	SyncTimeout         time.Duration
	DefaultTimeout      time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:             4,
		PollInterval:        time.Second,
		CatchUpInterval:     30 * time.Second,
		StuckInterval:       30 * time.Second,
		StuckThreshold:      2 * time.Hour,
		AggregationInterval: time.Hour,
		DiscoverTimeout:     2 * time.Hour,
		SyncTimeout:         24 * time.Hour,
		DefaultTimeout:      time.Hour,
	}
}

type Scheduler struct {
	cfg    Config
	jobs   Jobs
	store  Store
	runner Runner
	agg    Aggregator
	wg     sync.WaitGroup
}

func New(cfg Config, jobs Jobs, store Store, runner Runner, agg Aggregator) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Scheduler{cfg: cfg, jobs: jobs, store: store, runner: runner, agg: agg}
}

// Start reconciles the queue, then launches workers and timers. It returns
// once everything is running; Stop drains.
func (s *Scheduler) Start(ctx context.Context) error {
	s.jobs.Pause()
	n, err := s.jobs.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("reconcile queue: %w", err)
	}
	if n > 0 {
		log.Printf("[scheduler] failed %d jobs stuck from previous run", n)
	}
	s.jobs.Resume()

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.workerLoop(ctx)
		}()
	}

	s.startTicker(ctx, s.cfg.CatchUpInterval, s.runCatchUp)
	s.startTicker(ctx, s.cfg.StuckInterval, s.runStuckRecovery)
	s.startTicker(ctx, s.cfg.AggregationInterval, s.enqueueAggregation)

	log.Printf("[scheduler] started: %d workers, catch-up every %s, aggregation every %s",
		s.cfg.Workers, s.cfg.CatchUpInterval, s.cfg.AggregationInterval)
	return nil
}

// Stop pauses delivery and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	s.jobs.Pause()
	s.wg.Wait()
}

func (s *Scheduler) startTicker(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

func (s *Scheduler) workerLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := s.jobs.Next(ctx)
		if err != nil {
			log.Printf("[scheduler] next job: %v", err)
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.PollInterval):
			}
			continue
		}
		s.execute(ctx, job)
	}
}

func (s *Scheduler) execute(ctx context.Context, job *queue.Job) {
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	var err error
	switch job.Type {
	case queue.TypeDiscoverContract:
		err = s.runner.Discover(jobCtx, job.Payload.ContractID)
	case queue.TypeSyncContract:
		err = s.runner.Sync(jobCtx, job.Payload.ContractID)
	case queue.TypeAggregateMetrics:
		err = s.agg.Run(jobCtx)
	default:
		err = fmt.Errorf("unknown job type %q", job.Type)
	}

	// Completion state goes to Redis even when the root context is gone.
	doneCtx := context.WithoutCancel(ctx)
	if err != nil {
		retried, failErr := s.jobs.Fail(doneCtx, job, err.Error())
		if failErr != nil {
			log.Printf("[scheduler] job %s: record failure: %v", job.ID, failErr)
			return
		}
		if retried {
			log.Printf("[scheduler] job %s failed (attempt %d/%d), retrying in %s: %v",
				job.ID, job.Attempts, job.MaxAttempts, queue.RetryBackoff(job.Attempts), err)
		} else {
			log.Printf("[scheduler] job %s failed permanently after %d attempts: %v",
				job.ID, job.Attempts, err)
		}
		return
	}
	if err := s.jobs.Complete(doneCtx, job.ID); err != nil {
		log.Printf("[scheduler] job %s: record completion: %v", job.ID, err)
		return
	}
	log.Printf("[scheduler] job %s completed in %s", job.ID, time.Since(started).Round(time.Millisecond))
}

// EnqueueDiscover requests discovery for a contract; a duplicate in-flight
// job is not an error to callers.
func (s *Scheduler) EnqueueDiscover(ctx context.Context, contractID string) error {
	err := s.jobs.Enqueue(ctx, queue.Job{
		ID:      queue.DiscoverJobID(contractID),
		Type:    queue.TypeDiscoverContract,
		Payload: queue.Payload{ContractID: contractID},
		Timeout: s.cfg.DiscoverTimeout,
	})
	if errors.Is(err, queue.ErrDuplicateJob) {
		return nil
	}
	return err
}

// EnqueueSync requests a sync for a contract.
func (s *Scheduler) EnqueueSync(ctx context.Context, contractID string) error {
	err := s.jobs.Enqueue(ctx, queue.Job{
		ID:      queue.SyncJobID(contractID),
		Type:    queue.TypeSyncContract,
		Payload: queue.Payload{ContractID: contractID},
		Timeout: s.cfg.SyncTimeout,
	})
	if errors.Is(err, queue.ErrDuplicateJob) {
		return nil
	}
	return err
}

// runCatchUp enqueues discovery for never-synced contracts and fresh syncs
// for settled ones. The queue's idempotency keys skip anything in flight.
func (s *Scheduler) runCatchUp(ctx context.Context) {
	pending, err := s.store.ContractsPendingDiscovery(ctx)
	if err != nil {
		log.Printf("[scheduler] catch-up: list pending contracts: %v", err)
	}
	for _, id := range pending {
		if err := s.EnqueueDiscover(ctx, id); err != nil {
			log.Printf("[scheduler] catch-up: enqueue discover %s: %v", id, err)
		}
	}

	settled, err := s.store.ContractsForCatchUp(ctx)
	if err != nil {
		log.Printf("[scheduler] catch-up: list settled contracts: %v", err)
		return
	}
	for _, id := range settled {
		if err := s.EnqueueSync(ctx, id); err != nil {
			log.Printf("[scheduler] catch-up: enqueue sync %s: %v", id, err)
		}
	}
}

// runStuckRecovery flips contracts that claim to be syncing with no
// progress past the threshold, and no live job, into the error state so
// catch-up can pick them back up.
func (s *Scheduler) runStuckRecovery(ctx context.Context) {
	ids, err := s.store.StuckSyncingContracts(ctx, s.cfg.StuckThreshold)
	if err != nil {
		log.Printf("[scheduler] stuck recovery: %v", err)
		return
	}
	for _, id := range ids {
		if live := s.hasLiveJob(ctx, id); live {
			continue
		}
		msg := fmt.Sprintf("recovered from stuck syncing state: no progress for %s and no active job", s.cfg.StuckThreshold)
		if err := s.store.SetSyncStatus(ctx, id, "error", msg); err != nil {
			log.Printf("[scheduler] stuck recovery: contract %s: %v", id, err)
			continue
		}
		log.Printf("[scheduler] contract %s flagged stuck, moved to error", id)
	}
}

func (s *Scheduler) hasLiveJob(ctx context.Context, contractID string) bool {
	for _, id := range []string{queue.SyncJobID(contractID), queue.DiscoverJobID(contractID)} {
		inFlight, err := s.jobs.InFlight(ctx, id)
		if err != nil {
			log.Printf("[scheduler] in-flight check %s: %v", id, err)
			return true // assume live rather than double-dispatch
		}
		if inFlight {
			return true
		}
	}
	return false
}

// enqueueAggregation schedules the hourly full rollup sweep.
func (s *Scheduler) enqueueAggregation(ctx context.Context) {
	err := s.jobs.Enqueue(ctx, queue.Job{
		ID:      queue.AggregateJobID,
		Type:    queue.TypeAggregateMetrics,
		Timeout: s.cfg.DefaultTimeout,
	})
	if err != nil && !errors.Is(err, queue.ErrDuplicateJob) {
		log.Printf("[scheduler] enqueue aggregation: %v", err)
	}
}
