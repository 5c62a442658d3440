package httpserver

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"lanvault/internal/fsutil"
)

// download serves a file as an attachment with Range support.
func (s *Server) download(w http.ResponseWriter, r *http.Request) {
	st, err := s.retrieve.StreamFile(fsutil.AbsRequestPath(chi.URLParam(r, "*")), principal(r).Roots)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer st.Close()

	sandbox(w)
	w.Header().Set("Content-Type", st.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", st.Name))
	http.ServeContent(w, r, st.Name, st.ModTime, st)
}

// stream sends a file progressively in fixed-size pieces, flushing after
// each one.
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	st, err := s.retrieve.StreamFile(fsutil.AbsRequestPath(chi.URLParam(r, "*")), principal(r).Roots)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer st.Close()

	sandbox(w)
	w.Header().Set("Content-Type", st.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(st.Size, 10))
	rc := http.NewResponseController(w)
	err = st.Chunks(func(b []byte) error {
		if _, err := w.Write(b); err != nil {
			return err
		}
		if err := r.Context().Err(); err != nil {
			return err
		}
		_ = rc.Flush()
		return nil
	})
	if err != nil {
		s.log.WithError(err).WithField("path", st.Path).Debug("stream aborted")
	}
}

// sandbox stops uploaded HTML or SVG from running script on this origin
// when a browser renders it inline.
func sandbox(w http.ResponseWriter) {
	w.Header().Set("Content-Security-Policy", "sandbox; default-src 'none'; img-src 'self'; media-src 'self'; style-src 'unsafe-inline'")
}
