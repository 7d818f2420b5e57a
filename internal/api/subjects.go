package api

import (
	"errors"
	"net/http"
	"regexp"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/syllabus-indexer/internal/syllabus"
)

// Request headers selecting the view of a subject.
const (
	HeaderLang     = "X-Lang"
	HeaderRevision = "X-Revision"
)

var revisionPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// getSubject handles GET /subjects/{id}. X-Lang selects ja (default) or en;
// X-Revision selects latest (default) or a concrete generation.
func (s *Server) getSubject(w http.ResponseWriter, r *http.Request) {
	key, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || key <= 0 {
		s.writeError(w, http.StatusBadRequest, "id must be a positive integer")
		return
	}
	locale, ok := parseLocale(r.Header.Get(HeaderLang))
	if !ok {
		s.writeError(w, http.StatusBadRequest, "X-Lang must be ja or en")
		return
	}
	revision := r.Header.Get(HeaderRevision)
	if revision == "" {
		revision = syllabus.RevisionLatest
	}
	if !revisionPattern.MatchString(revision) {
		s.writeError(w, http.StatusBadRequest, "invalid X-Revision")
		return
	}

	subject, err := s.deps.Index.Get(r.Context(), locale, revision, key)
	if err != nil {
		if errors.Is(err, syllabus.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "subject not found")
			return
		}
		s.logger.Error("get subject failed",
			zap.Int("subject_id", key),
			zap.String("locale", string(locale)),
			zap.String("revision", revision),
			zap.Error(err),
		)
		s.writeError(w, http.StatusBadGateway, "index unavailable")
		return
	}
	w.Header().Set("Content-Language", string(locale))
	s.writeJSON(w, http.StatusOK, subject)
}

func parseLocale(raw string) (syllabus.Locale, bool) {
	switch raw {
	case "", string(syllabus.LocaleJA):
		return syllabus.LocaleJA, true
	case string(syllabus.LocaleEN):
		return syllabus.LocaleEN, true
	default:
		return "", false
	}
}
