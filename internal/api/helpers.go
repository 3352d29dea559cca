package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"stablescan/internal/models"
	"stablescan/internal/repository"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeRepoError maps repository errors onto HTTP statuses.
func writeRepoError(w http.ResponseWriter, err error) {
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// parseTimeParam accepts RFC 3339 or plain dates.
func parseTimeParam(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", value); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("bad time %q, want RFC 3339 or YYYY-MM-DD", value)
}

// resolveResolution maps the resolution query parameter to seconds. "auto"
// (or absent) picks by requested span: <30 days → daily, <300 → 10d,
// <3000 → 100d, else 1000d.
func resolveResolution(param string, from, to time.Time) (int64, error) {
	if param == "" || param == "auto" {
		days := to.Sub(from).Hours() / 24
		switch {
		case days < 30:
			return models.ResolutionDay, nil
		case days < 300:
			return models.Resolution10d, nil
		case days < 3000:
			return models.Resolution100d, nil
		default:
			return models.Resolution1000d, nil
		}
	}
	n, err := strconv.ParseInt(param, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad resolution %q", param)
	}
	switch n {
	case models.ResolutionDay, models.Resolution10d, models.Resolution100d, models.Resolution1000d:
		return n, nil
	}
	return 0, fmt.Errorf("unsupported resolution %d", n)
}
