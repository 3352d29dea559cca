package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"stablescan/internal/eventbus"
	"stablescan/internal/models"
)

// statusCache keeps recently read sync_state rows so pollers hammering
// /status do not hammer the database. Entries invalidate when the sync
// pipeline publishes a lifecycle event for the contract, or after a short
// TTL as a backstop.
type statusCache struct {
	mu      sync.Mutex
	entries map[string]statusEntry
	ttl     time.Duration
}

type statusEntry struct {
	state    models.SyncState
	cachedAt time.Time
}

func newStatusCache(bus *eventbus.Bus) *statusCache {
	c := &statusCache{
		entries: make(map[string]statusEntry),
		ttl:     5 * time.Second,
	}
	if bus != nil {
		events := make(chan eventbus.Event, 64)
		bus.Subscribe(eventbus.SyncCompleted, events)
		bus.Subscribe(eventbus.SyncFailed, events)
		go func() {
			for evt := range events {
				c.invalidate(evt.ContractID)
			}
		}()
	}
	return c
}

func (c *statusCache) get(contractID string) (models.SyncState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[contractID]
	if !ok || time.Since(e.cachedAt) > c.ttl {
		return models.SyncState{}, false
	}
	return e.state, true
}

func (c *statusCache) put(state models.SyncState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[state.ContractID] = statusEntry{state: state, cachedAt: time.Now()}
}

func (c *statusCache) invalidate(contractID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, contractID)
}

// handleTriggerSync enqueues a sync job for the contract. An already
// queued or running job makes this a no-op.
func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.repo.GetContract(r.Context(), id); err != nil {
		writeRepoError(w, err)
		return
	}
	if err := s.sched.EnqueueSync(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"contract_id": id, "job": "sync"})
}

// handleResetContract wipes the contract's derived data, rewinds its
// cursor, and schedules a fresh discovery.
func (s *Server) handleResetContract(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.repo.ResetContract(r.Context(), id); err != nil {
		writeRepoError(w, err)
		return
	}
	s.status.invalidate(id)
	if err := s.sched.EnqueueDiscover(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "reset done but discovery not scheduled: "+err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"contract_id": id, "job": "discover"})
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if state, ok := s.status.get(id); ok {
		writeJSON(w, http.StatusOK, state)
		return
	}
	state, err := s.repo.GetSyncState(r.Context(), id)
	if err != nil {
		writeRepoError(w, err)
		return
	}
	s.status.put(*state)
	writeJSON(w, http.StatusOK, state)
}
