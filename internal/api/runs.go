package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/syllabus-indexer/internal/syllabus"
)

const (
	defaultRunLimit = 20
	maxRunLimit     = 200
)

// listRuns handles GET /v1/runs?limit=.
func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runs == nil {
		s.writeError(w, http.StatusServiceUnavailable, "run ledger unavailable")
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := s.deps.Runs.ListRuns(r.Context(), limit)
	if err != nil {
		s.logger.Error("list runs failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []syllabus.Run{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// getRun handles GET /v1/runs/{generation}.
func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runs == nil {
		s.writeError(w, http.StatusServiceUnavailable, "run ledger unavailable")
		return
	}
	generation := chi.URLParam(r, "generation")
	if !revisionPattern.MatchString(generation) {
		s.writeError(w, http.StatusBadRequest, "invalid generation")
		return
	}
	run, err := s.deps.Runs.GetRun(r.Context(), generation)
	if err != nil {
		if errors.Is(err, syllabus.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("get run failed", zap.String("generation", generation), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

type startRunRequest struct {
	Category string `json:"category"`
}

// startRun handles POST /v1/runs with an optional {"category": "..."} body.
func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Starter == nil {
		s.writeError(w, http.StatusServiceUnavailable, "crawl starter unavailable")
		return
	}
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	run, err := s.deps.Starter.StartRun(r.Context(), req.Category)
	if err != nil {
		s.logger.Error("start run failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to start run")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"run": run})
}

// listGenerations handles GET /v1/generations with X-Lang.
func (s *Server) listGenerations(w http.ResponseWriter, r *http.Request) {
	locale, ok := parseLocale(r.Header.Get(HeaderLang))
	if !ok {
		s.writeError(w, http.StatusBadRequest, "X-Lang must be ja or en")
		return
	}
	gens, err := s.deps.Index.Generations(r.Context(), locale)
	if err != nil {
		s.logger.Error("list generations failed", zap.String("locale", string(locale)), zap.Error(err))
		s.writeError(w, http.StatusBadGateway, "index unavailable")
		return
	}
	if gens == nil {
		gens = []syllabus.Generation{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"generations": gens})
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultRunLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	if limit > maxRunLimit {
		limit = maxRunLimit
	}
	return limit, nil
}
