package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"kirinuki-pipeline/internal/domain"
	"kirinuki-pipeline/internal/domain/model"
	"kirinuki-pipeline/internal/domain/ports/repository"
)

type errorResponse struct {
	Error string `json:"error"`
}

type healthResponse struct {
	Status  string `json:"status"`
	UptimeS int64  `json:"uptime_s"`
}

type ledgerListResponse struct {
	Data  []*model.LedgerEntry `json:"data"`
	Total int                  `json:"total"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		UptimeS: int64(time.Since(s.start).Seconds()),
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if s.states == nil {
		writeError(w, http.StatusServiceUnavailable, "state store not configured")
		return
	}
	st, err := s.states.Get(r.Context(), jobID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
		return
	case errors.Is(err, domain.ErrInvalidState):
		writeError(w, http.StatusUnprocessableEntity, "stored state is unreadable")
		return
	case err != nil:
		s.log.Error().Err(err).Str("job_id", jobID).Msg("get job state")
		writeError(w, http.StatusInternalServerError, "failed to load job state")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleListLedger(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "ledger not configured")
		return
	}
	entries, err := s.ledger.List(r.Context(), repository.NoTX)
	if err != nil {
		s.log.Error().Err(err).Msg("list ledger")
		writeError(w, http.StatusInternalServerError, "failed to list ledger")
		return
	}
	if entries == nil {
		entries = []*model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, ledgerListResponse{Data: entries, Total: len(entries)})
}

func (s *Server) handleGetLedgerEntry(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if s.ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "ledger not configured")
		return
	}
	e, err := s.ledger.FindByJobID(r.Context(), repository.NoTX, jobID)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not in ledger")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("job_id", jobID).Msg("find ledger entry")
		writeError(w, http.StatusInternalServerError, "failed to load ledger entry")
		return
	}
	writeJSON(w, http.StatusOK, e)
}
