package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/rcpops/savingsoor/pkg/store"
)

// defaultLimit bounds list queries when the caller does not pass one.
const defaultLimit = 10

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns(r.Context(), queryInt(r, "limit", defaultLimit))
	if err != nil {
		s.serverError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, runs)
}

func (s *server) handleLatestRun(w http.ResponseWriter, r *http.Request) {
	id, err := s.store.LatestCompletedRunID(r.Context())
	if err != nil {
		s.serverError(w, err)
		return
	}

	if id == nil {
		writeJSON(w, http.StatusNotFound,
			errorResponse{"no completed runs"})

		return
	}

	run, err := s.store.GetRun(r.Context(), *id)
	if err != nil {
		s.serverError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, run)
}

func (s *server) handleHistory(w http.ResponseWriter, r *http.Request) {
	mcUID := chi.URLParam(r, "mc_uid")
	if mcUID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{"mc_uid is required"})
		return
	}

	history, err := s.store.History(
		r.Context(), mcUID, queryInt(r, "limit", defaultLimit),
	)
	if err != nil {
		s.serverError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, history)
}

func (s *server) handleOpportunities(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.TopOpportunities(
		r.Context(), queryRunID(r), queryInt(r, "limit", 0),
	)
	if err != nil {
		s.serverError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, rows)
}

func (s *server) handleSavingsTrend(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.SavingsTrend(
		r.Context(), queryInt(r, "limit", defaultLimit),
	)
	if err != nil {
		s.serverError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, rows)
}

func (s *server) handleSavingsDistribution(
	w http.ResponseWriter, r *http.Request,
) {
	rows, err := s.store.SavingsDistribution(
		r.Context(), queryRunID(r), queryFilters(r),
	)
	if err != nil {
		s.serverError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, rows)
}

func (s *server) handleAgeDistribution(
	w http.ResponseWriter, r *http.Request,
) {
	rows, err := s.store.AgeDistribution(
		r.Context(), queryRunID(r), queryFilters(r),
	)
	if err != nil {
		s.serverError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, rows)
}

func (s *server) handleSavingsBreakdown(
	w http.ResponseWriter, r *http.Request,
) {
	breakdown, err := s.store.SavingsBreakdown(r.Context(), queryRunID(r))
	if err != nil {
		s.serverError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, breakdown)
}

func (s *server) handleProviderComparison(
	w http.ResponseWriter, r *http.Request,
) {
	rows, err := s.store.ProviderComparison(r.Context(), queryRunID(r))
	if err != nil {
		s.serverError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, rows)
}

func (s *server) handleVersionAnalysis(
	w http.ResponseWriter, r *http.Request,
) {
	rows, err := s.store.VersionAnalysis(r.Context(), queryRunID(r))
	if err != nil {
		s.serverError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, rows)
}

func (s *server) handleAgeSavingsCorrelation(
	w http.ResponseWriter, r *http.Request,
) {
	rows, err := s.store.AgeSavingsCorrelation(
		r.Context(), queryRunID(r), queryFilters(r),
	)
	if err != nil {
		s.serverError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, rows)
}

func (s *server) handleShardCostQuartiles(
	w http.ResponseWriter, r *http.Request,
) {
	rows, err := s.store.ShardCostQuartiles(
		r.Context(), queryRunID(r), queryFilters(r),
	)
	if err != nil {
		s.serverError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, rows)
}

func (s *server) serverError(w http.ResponseWriter, err error) {
	s.log.WithError(err).Error("Query failed")
	writeJSON(w, http.StatusInternalServerError, errorResponse{"query failed"})
}

// --- query param helpers ---

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}

	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}

	return v
}

// queryRunID parses the optional run_id parameter; nil means latest
// completed run.
func queryRunID(r *http.Request) *uint {
	raw := r.URL.Query().Get("run_id")
	if raw == "" {
		return nil
	}

	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return nil
	}

	id := uint(v)

	return &id
}

func queryFilters(r *http.Request) store.Filters {
	return store.Filters{
		CloudProvider:   r.URL.Query().Get("cloud_provider"),
		SoftwareVersion: r.URL.Query().Get("software_version"),
		MinSavings:      queryFloat(r, "min_savings"),
		MinPercent:      queryFloat(r, "min_percent"),
	}
}

func queryFloat(r *http.Request, name string) float64 {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0
	}

	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}

	return v
}
