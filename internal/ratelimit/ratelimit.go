// Package ratelimit provides endpoint-scoped request gates. Every RPC an
// adapter issues first acquires a token from its endpoint's gate, so all
// contracts sharing one provider share one budget. Bucket state lives in
// Redis so multiple worker processes (and restarts) observe the same budget;
// without Redis the registry degrades to process-local pacing.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrStalled means an acquisition waited longer than the hard per-call
// timeout. Callers treat it as a transient RPC error.
var ErrStalled = errors.New("ratelimit: rate limit stalled")

// acquireTimeout is the hard ceiling on one Acquire call.
const acquireTimeout = 120 * time.Second

// Registry hands out one Gate per endpoint id. Reconfiguring an endpoint's
// rate replaces its gate atomically; in-flight acquisitions on the old gate
// may still complete.
type Registry struct {
	mu    sync.Mutex
	rdb   *redis.Client
	gates map[string]*Gate
}

// NewRegistry creates a registry. rdb may be nil, in which case buckets are
// process-local (tests, single-worker dev setups).
func NewRegistry(rdb *redis.Client) *Registry {
	return &Registry{rdb: rdb, gates: make(map[string]*Gate)}
}

// Gate returns the gate for the endpoint, creating or replacing it when the
// rate changed.
func (r *Registry) Gate(endpointID string, ratePerSec float64) *Gate {
	if ratePerSec <= 0 {
		ratePerSec = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if g, ok := r.gates[endpointID]; ok && g.rate == ratePerSec {
		return g
	}
	g := &Gate{
		endpointID: endpointID,
		rate:       ratePerSec,
		interval:   time.Duration(float64(time.Second) / ratePerSec),
		rdb:        r.rdb,
	}
	r.gates[endpointID] = g
	return g
}

// Close releases all gates. Redis keys expire on their own.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gates = make(map[string]*Gate)
}

// Gate paces acquisitions for one endpoint at a fixed rate with a burst of
// one. Grants are FIFO in arrival order: each waiter reserves the next free
// slot under the mutex, then sleeps until its slot.
type Gate struct {
	endpointID string
	rate       float64
	interval   time.Duration
	rdb        *redis.Client

	mu        sync.Mutex
	localNext time.Time
}

// reserveScript atomically advances the endpoint's next-grant timestamp in
// Redis and returns how long the caller must wait, in microseconds. The key
// expires after ten idle intervals so dead endpoints clean themselves up.
var reserveScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local interval = tonumber(ARGV[2])
local next = tonumber(redis.call('GET', key) or '0')
if next < now then
  next = now
end
redis.call('SET', key, next + interval, 'PX', math.ceil(interval * 10 / 1000) + 1000)
return next - now
`)

// Acquire blocks until a token is granted. It fails with ErrStalled after
// 120 s, or earlier if ctx is cancelled.
func (g *Gate) Acquire(ctx context.Context) error {
	wait, err := g.reserve(ctx)
	if err != nil {
		return err
	}
	if wait > acquireTimeout {
		return fmt.Errorf("%w: endpoint %s would wait %s", ErrStalled, g.endpointID, wait.Round(time.Millisecond))
	}
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	stall := time.NewTimer(acquireTimeout)
	defer stall.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-stall.C:
		return fmt.Errorf("%w: endpoint %s", ErrStalled, g.endpointID)
	case <-timer.C:
		return nil
	}
}

// reserve claims the next grant slot and returns the wait until it.
func (g *Gate) reserve(ctx context.Context) (time.Duration, error) {
	if g.rdb != nil {
		key := "ratelimit:" + g.endpointID
		waitMicros, err := reserveScript.Run(ctx, g.rdb, []string{key},
			time.Now().UnixMicro(), g.interval.Microseconds()).Int64()
		if err == nil {
			return time.Duration(waitMicros) * time.Microsecond, nil
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		// Redis hiccup: fall through to local pacing rather than letting
		// callers hammer the endpoint unthrottled.
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now()
	grant := g.localNext
	if grant.Before(now) {
		grant = now
	}
	g.localNext = grant.Add(g.interval)
	return grant.Sub(now), nil
}

// Rate returns the configured tokens-per-second for this gate.
func (g *Gate) Rate() float64 { return g.rate }
