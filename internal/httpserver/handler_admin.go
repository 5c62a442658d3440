package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"lanvault/internal/models"
)

type dirRequest struct {
	Path string `json:"path"`
}

type createUserRequest struct {
	Name        string   `json:"name"`
	Password    string   `json:"password"`
	AllowedDirs []string `json:"allowed_dirs"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(v); err != nil {
		return fmt.Errorf("%w: bad json", models.ErrInvalid)
	}
	return nil
}

func (s *Server) listDirs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"allowed_directories": s.accounts.AllowedDirectories()})
}

func (s *Server) addDir(w http.ResponseWriter, r *http.Request) {
	var req dirRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	abs, err := s.accounts.AddDirectory(req.Path)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.log.WithField("dir", abs).WithField("by", principal(r).Name).Info("allowed directory added")
	writeJSON(w, http.StatusCreated, dirRequest{Path: abs})
}

// removeDir takes the directory from the path query parameter.
func (s *Server) removeDir(w http.ResponseWriter, r *http.Request) {
	dir := r.URL.Query().Get("path")
	if dir == "" {
		s.fail(w, r, fmt.Errorf("%w: missing path", models.ErrInvalid))
		return
	}
	if err := s.accounts.RemoveDirectory(dir); err != nil {
		s.fail(w, r, err)
		return
	}
	s.log.WithField("dir", dir).WithField("by", principal(r).Name).Info("allowed directory removed")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.accounts.Users())
}

func (s *Server) createUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.accounts.CreateUser(req.Name, req.Password, req.AllowedDirs); err != nil {
		s.fail(w, r, err)
		return
	}
	s.log.WithField("user", req.Name).WithField("by", principal(r).Name).Info("user created")
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "name": req.Name})
}

func (s *Server) deleteUser(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.accounts.DeleteUser(name); err != nil {
		s.fail(w, r, err)
		return
	}
	s.log.WithField("user", name).WithField("by", principal(r).Name).Info("user deleted")
	w.WriteHeader(http.StatusNoContent)
}
