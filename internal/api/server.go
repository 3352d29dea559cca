// Package api exposes the REST surface: entity CRUD, sync control, and the
// metrics query endpoint. Consumers poll; there is no push channel.
package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"stablescan/internal/eventbus"
	"stablescan/internal/repository"
)

// Enqueuer is the scheduler surface the API needs to trigger work.
type Enqueuer interface {
	EnqueueDiscover(ctx context.Context, contractID string) error
	EnqueueSync(ctx context.Context, contractID string) error
}

type Server struct {
	repo   *repository.Repository
	sched  Enqueuer
	router *mux.Router
	http   *http.Server
	status *statusCache
}

func NewServer(repo *repository.Repository, sched Enqueuer, bus *eventbus.Bus) *Server {
	s := &Server{
		repo:   repo,
		sched:  sched,
		router: mux.NewRouter(),
		status: newStatusCache(bus),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/companies", s.handleListCompanies).Methods(http.MethodGet)
	v1.HandleFunc("/companies", s.handleCreateCompany).Methods(http.MethodPost)
	v1.HandleFunc("/companies/{id}", s.handleGetCompany).Methods(http.MethodGet)
	v1.HandleFunc("/companies/{id}", s.handleUpdateCompany).Methods(http.MethodPut)
	v1.HandleFunc("/companies/{id}", s.handleDeleteCompany).Methods(http.MethodDelete)

	v1.HandleFunc("/stablecoins", s.handleListStablecoins).Methods(http.MethodGet)
	v1.HandleFunc("/stablecoins", s.handleCreateStablecoin).Methods(http.MethodPost)
	v1.HandleFunc("/stablecoins/{id}", s.handleGetStablecoin).Methods(http.MethodGet)
	v1.HandleFunc("/stablecoins/{id}", s.handleUpdateStablecoin).Methods(http.MethodPut)
	v1.HandleFunc("/stablecoins/{id}", s.handleDeleteStablecoin).Methods(http.MethodDelete)

	v1.HandleFunc("/networks", s.handleListNetworks).Methods(http.MethodGet)
	v1.HandleFunc("/networks", s.handleCreateNetwork).Methods(http.MethodPost)
	v1.HandleFunc("/networks/{id}", s.handleGetNetwork).Methods(http.MethodGet)
	v1.HandleFunc("/networks/{id}", s.handleUpdateNetwork).Methods(http.MethodPut)
	v1.HandleFunc("/networks/{id}", s.handleDeleteNetwork).Methods(http.MethodDelete)

	v1.HandleFunc("/endpoints", s.handleListEndpoints).Methods(http.MethodGet)
	v1.HandleFunc("/endpoints", s.handleCreateEndpoint).Methods(http.MethodPost)
	v1.HandleFunc("/endpoints/{id}", s.handleGetEndpoint).Methods(http.MethodGet)
	v1.HandleFunc("/endpoints/{id}", s.handleUpdateEndpoint).Methods(http.MethodPut)
	v1.HandleFunc("/endpoints/{id}", s.handleDeleteEndpoint).Methods(http.MethodDelete)

	v1.HandleFunc("/contracts", s.handleListContracts).Methods(http.MethodGet)
	v1.HandleFunc("/contracts", s.handleCreateContract).Methods(http.MethodPost)
	v1.HandleFunc("/contracts/{id}", s.handleGetContract).Methods(http.MethodGet)
	v1.HandleFunc("/contracts/{id}", s.handleUpdateContract).Methods(http.MethodPut)
	v1.HandleFunc("/contracts/{id}", s.handleDeleteContract).Methods(http.MethodDelete)

	v1.HandleFunc("/contracts/{id}/sync", s.handleTriggerSync).Methods(http.MethodPost)
	v1.HandleFunc("/contracts/{id}/reset", s.handleResetContract).Methods(http.MethodPost)
	v1.HandleFunc("/contracts/{id}/status", s.handleSyncStatus).Methods(http.MethodGet)

	v1.HandleFunc("/metrics", s.handleQueryMetrics).Methods(http.MethodGet)
}

// Handler returns the full middleware-wrapped handler; exposed for tests.
func (s *Server) Handler() http.Handler {
	return rateLimitMiddleware(s.router)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[api] listening on %s", addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
