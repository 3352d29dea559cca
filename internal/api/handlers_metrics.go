package api

import (
	"net/http"
	"time"

	"stablescan/internal/models"
)

type metricsResponse struct {
	Ticker            string              `json:"ticker"`
	From              time.Time           `json:"from"`
	To                time.Time           `json:"to"`
	ResolutionSeconds int64               `json:"resolution_seconds"`
	Rows              []models.MetricsRow `json:"rows"`
}

// handleQueryMetrics serves /v1/metrics?ticker=&from=&to=&resolution=.
// Rows aggregate over every deployment of the stablecoin.
func (s *Server) handleQueryMetrics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	ticker := q.Get("ticker")
	if ticker == "" {
		writeError(w, http.StatusBadRequest, "ticker is required")
		return
	}

	to := time.Now().UTC()
	if v := q.Get("to"); v != "" {
		t, err := parseTimeParam(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		to = t
	}
	from := to.AddDate(0, 0, -30)
	if v := q.Get("from"); v != "" {
		t, err := parseTimeParam(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		from = t
	}
	if !from.Before(to) {
		writeError(w, http.StatusBadRequest, "from must be before to")
		return
	}

	resolution, err := resolveResolution(q.Get("resolution"), from, to)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rows, err := s.repo.QueryMetricsByTicker(r.Context(), ticker, from, to, resolution)
	if err != nil {
		writeRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, metricsResponse{
		Ticker:            ticker,
		From:              from,
		To:                to,
		ResolutionSeconds: resolution,
		Rows:              rows,
	})
}
