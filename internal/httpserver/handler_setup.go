package httpserver

import "net/http"

type credentials struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

// setup creates the first administrator. It is the only unauthenticated
// mutation and stops working once an administrator exists.
func (s *Server) setup(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.accounts.SetupAdmin(req.Name, req.Password); err != nil {
		s.fail(w, r, err)
		return
	}
	s.log.WithField("user", req.Name).Info("administrator created")
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "name": req.Name})
}
