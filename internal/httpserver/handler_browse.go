package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"lanvault/internal/fsutil"
)

func (s *Server) dirTree(w http.ResponseWriter, r *http.Request) {
	forest, err := s.browse.BuildAuthorizedTree(r.Context(), principal(r).Roots)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, forest)
}

// browseDir lists /api/browse/<absolute path without the leading slash>.
func (s *Server) browseDir(w http.ResponseWriter, r *http.Request) {
	dir := fsutil.AbsRequestPath(chi.URLParam(r, "*"))
	items, err := s.browse.ListDirectory(dir, principal(r).Roots)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}
