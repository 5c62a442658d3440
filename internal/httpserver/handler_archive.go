package httpserver

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"lanvault/internal/fsutil"
)

// downloadFolder zips a directory and sends it once. The optional token
// query parameter is echoed in a short-lived download-ready cookie so a
// browser page can tell when the download has started.
func (s *Server) downloadFolder(w http.ResponseWriter, r *http.Request) {
	a, err := s.retrieve.ArchiveDirectory(r.Context(), fsutil.AbsRequestPath(chi.URLParam(r, "*")), principal(r).Roots)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer a.Close()

	if token := r.URL.Query().Get("token"); token != "" {
		http.SetCookie(w, &http.Cookie{Name: "download-ready", Value: token, MaxAge: 20, Path: "/"})
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", a.Name))
	http.ServeContent(w, r, a.Name, a.ModTime, a)
}
