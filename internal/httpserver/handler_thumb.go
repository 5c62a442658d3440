package httpserver

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"lanvault/internal/fsutil"
	"lanvault/internal/retrieve"
)

func (s *Server) thumb(w http.ResponseWriter, r *http.Request) {
	size := retrieve.DefaultThumbSize
	if v := r.URL.Query().Get("s"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			size = n
		}
	}
	b, err := s.retrieve.Thumbnail(fsutil.AbsRequestPath(chi.URLParam(r, "*")), principal(r).Roots, size)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "private, max-age=3600")
	_, _ = w.Write(b)
}
