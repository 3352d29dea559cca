package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"stablescan/internal/models"
)

// Companies

func (s *Server) handleListCompanies(w http.ResponseWriter, r *http.Request) {
	out, err := s.repo.ListCompanies(r.Context())
	if err != nil {
		writeRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateCompany(w http.ResponseWriter, r *http.Request) {
	var c models.Company
	if !decodeBody(w, r, &c) {
		return
	}
	if c.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := s.repo.CreateCompany(r.Context(), &c); err != nil {
		writeRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleGetCompany(w http.ResponseWriter, r *http.Request) {
	c, err := s.repo.GetCompany(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleUpdateCompany(w http.ResponseWriter, r *http.Request) {
	var c models.Company
	if !decodeBody(w, r, &c) {
		return
	}
	c.ID = mux.Vars(r)["id"]
	if c.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := s.repo.UpdateCompany(r.Context(), &c); err != nil {
		writeRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDeleteCompany(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.DeleteCompany(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeRepoError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Stablecoins

func (s *Server) handleListStablecoins(w http.ResponseWriter, r *http.Request) {
	out, err := s.repo.ListStablecoins(r.Context())
	if err != nil {
		writeRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateStablecoin(w http.ResponseWriter, r *http.Request) {
	var sc models.Stablecoin
	if !decodeBody(w, r, &sc) {
		return
	}
	if sc.Name == "" || sc.Ticker == "" {
		writeError(w, http.StatusBadRequest, "name and ticker are required")
		return
	}
	if err := s.repo.CreateStablecoin(r.Context(), &sc); err != nil {
		writeRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sc)
}

func (s *Server) handleGetStablecoin(w http.ResponseWriter, r *http.Request) {
	sc, err := s.repo.GetStablecoin(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (s *Server) handleUpdateStablecoin(w http.ResponseWriter, r *http.Request) {
	var sc models.Stablecoin
	if !decodeBody(w, r, &sc) {
		return
	}
	sc.ID = mux.Vars(r)["id"]
	if sc.Name == "" || sc.Ticker == "" {
		writeError(w, http.StatusBadRequest, "name and ticker are required")
		return
	}
	if err := s.repo.UpdateStablecoin(r.Context(), &sc); err != nil {
		writeRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (s *Server) handleDeleteStablecoin(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.DeleteStablecoin(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeRepoError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Networks

func (s *Server) handleListNetworks(w http.ResponseWriter, r *http.Request) {
	out, err := s.repo.ListNetworks(r.Context())
	if err != nil {
		writeRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateNetwork(w http.ResponseWriter, r *http.Request) {
	var n models.Network
	if !decodeBody(w, r, &n) {
		return
	}
	if n.Name == "" || !validChainType(n.ChainType) {
		writeError(w, http.StatusBadRequest, "name and a chain_type of evm, tron, or solana are required")
		return
	}
	if err := s.repo.CreateNetwork(r.Context(), &n); err != nil {
		writeRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

func (s *Server) handleGetNetwork(w http.ResponseWriter, r *http.Request) {
	n, err := s.repo.GetNetwork(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleUpdateNetwork(w http.ResponseWriter, r *http.Request) {
	var n models.Network
	if !decodeBody(w, r, &n) {
		return
	}
	n.ID = mux.Vars(r)["id"]
	if n.Name == "" || !validChainType(n.ChainType) {
		writeError(w, http.StatusBadRequest, "name and a chain_type of evm, tron, or solana are required")
		return
	}
	if err := s.repo.UpdateNetwork(r.Context(), &n); err != nil {
		writeRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleDeleteNetwork(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.DeleteNetwork(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeRepoError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RPC endpoints

func (s *Server) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	out, err := s.repo.ListRpcEndpoints(r.Context())
	if err != nil {
		writeRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateEndpoint(w http.ResponseWriter, r *http.Request) {
	var e models.RpcEndpoint
	if !decodeBody(w, r, &e) {
		return
	}
	if e.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	if e.MaxRequestsPerSec <= 0 || e.MaxBlocksPerQuery <= 0 {
		writeError(w, http.StatusBadRequest, "max_requests_per_sec and max_blocks_per_query must be positive")
		return
	}
	if err := s.repo.CreateRpcEndpoint(r.Context(), &e); err != nil {
		writeRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (s *Server) handleGetEndpoint(w http.ResponseWriter, r *http.Request) {
	e, err := s.repo.GetRpcEndpoint(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleUpdateEndpoint(w http.ResponseWriter, r *http.Request) {
	var e models.RpcEndpoint
	if !decodeBody(w, r, &e) {
		return
	}
	e.ID = mux.Vars(r)["id"]
	if e.MaxRequestsPerSec <= 0 || e.MaxBlocksPerQuery <= 0 {
		writeError(w, http.StatusBadRequest, "max_requests_per_sec and max_blocks_per_query must be positive")
		return
	}
	if err := s.repo.UpdateRpcEndpoint(r.Context(), &e); err != nil {
		writeRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleDeleteEndpoint(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.DeleteRpcEndpoint(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeRepoError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Contracts

func validChainType(chainType string) bool {
	switch chainType {
	case models.ChainEVM, models.ChainTron, models.ChainSolana:
		return true
	}
	return false
}

func (s *Server) handleListContracts(w http.ResponseWriter, r *http.Request) {
	out, err := s.repo.ListContracts(r.Context())
	if err != nil {
		writeRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateContract(w http.ResponseWriter, r *http.Request) {
	var c models.Contract
	if !decodeBody(w, r, &c) {
		return
	}
	if c.Address == "" || c.RpcEndpointID == "" {
		writeError(w, http.StatusBadRequest, "address and rpc_endpoint_id are required")
		return
	}
	if !validChainType(c.ChainType) {
		writeError(w, http.StatusBadRequest, "chain_type must be evm, tron, or solana")
		return
	}
	if err := s.repo.CreateContract(r.Context(), &c); err != nil {
		writeRepoError(w, err)
		return
	}
	// New contracts go straight into the discovery pipeline.
	if s.sched != nil {
		if err := s.sched.EnqueueDiscover(r.Context(), c.ID); err != nil {
			writeError(w, http.StatusInternalServerError, "contract created but discovery not scheduled: "+err.Error())
			return
		}
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleGetContract(w http.ResponseWriter, r *http.Request) {
	c, err := s.repo.GetContract(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleUpdateContract(w http.ResponseWriter, r *http.Request) {
	var c models.Contract
	if !decodeBody(w, r, &c) {
		return
	}
	c.ID = mux.Vars(r)["id"]
	if c.RpcEndpointID == "" {
		writeError(w, http.StatusBadRequest, "rpc_endpoint_id is required")
		return
	}
	if err := s.repo.UpdateContract(r.Context(), &c); err != nil {
		writeRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDeleteContract(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.DeleteContract(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeRepoError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
