// Package accounts persists users and the global list of allowed
// directories in <state>/accounts.yaml.
package accounts

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"lanvault/internal/models"
)

const fileName = "accounts.yaml"

var nameRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// hashCost is lowered by tests.
var hashCost = bcrypt.DefaultCost

type User struct {
	PasswordHash string   `yaml:"password_hash"`
	IsAdmin      bool     `yaml:"is_admin"`
	AllowedDirs  []string `yaml:"allowed_dirs,omitempty"`
}

type document struct {
	AllowedDirectories []string        `yaml:"allowed_directories"`
	Users              map[string]User `yaml:"users"`
}

// UserInfo is a user as shown to administrators.
type UserInfo struct {
	Name        string   `json:"name"`
	IsAdmin     bool     `json:"is_admin"`
	AllowedDirs []string `json:"allowed_dirs"`
}

type Store struct {
	path string

	mu  sync.RWMutex
	doc document

	// dummy keeps Authenticate's cost the same for unknown users.
	dummy []byte
}

// Open loads the accounts file from stateDir. When the file does not exist
// yet, seed becomes the initial list of allowed directories (entries that are
// not existing directories are skipped).
func Open(stateDir string, seed []string) (*Store, error) {
	s := &Store{
		path: filepath.Join(stateDir, fileName),
		doc:  document{Users: map[string]User{}},
	}
	b, err := os.ReadFile(s.path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, &s.doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", s.path, err)
		}
		if s.doc.Users == nil {
			s.doc.Users = map[string]User{}
		}
	case errors.Is(err, fs.ErrNotExist):
		for _, d := range seed {
			if abs, err := existingDir(d); err == nil && !contains(s.doc.AllowedDirectories, abs) {
				s.doc.AllowedDirectories = append(s.doc.AllowedDirectories, abs)
			}
		}
		if err := s.save(); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}
	s.dummy, err = bcrypt.GenerateFromPassword([]byte(uuid.NewString()), hashCost)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// save writes the document atomically. Callers hold mu.
func (s *Store) save() error {
	b, err := yaml.Marshal(&s.doc)
	if err != nil {
		return err
	}
	tmp := s.path + "." + uuid.NewString() + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("%w: write accounts: %v", models.ErrStorage, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: write accounts: %v", models.ErrStorage, err)
	}
	return nil
}

func (s *Store) AllowedDirectories() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.doc.AllowedDirectories...)
}

// AddDirectory appends an existing directory, stored as an absolute path.
func (s *Store) AddDirectory(dir string) (string, error) {
	abs, err := existingDir(dir)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if contains(s.doc.AllowedDirectories, abs) {
		return abs, nil
	}
	s.doc.AllowedDirectories = append(s.doc.AllowedDirectories, abs)
	if err := s.save(); err != nil {
		s.doc.AllowedDirectories = s.doc.AllowedDirectories[:len(s.doc.AllowedDirectories)-1]
		return "", err
	}
	return abs, nil
}

// RemoveDirectory drops dir from the global list. Users keep it in their
// own list, but it no longer grants anything.
func (s *Store) RemoveDirectory(dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalid, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.doc.AllowedDirectories
	next := make([]string, 0, len(prev))
	for _, d := range prev {
		if d != abs {
			next = append(next, d)
		}
	}
	if len(next) == len(prev) {
		return fmt.Errorf("%w: %s is not an allowed directory", models.ErrNotFound, abs)
	}
	s.doc.AllowedDirectories = next
	if err := s.save(); err != nil {
		s.doc.AllowedDirectories = prev
		return err
	}
	return nil
}

// HasAdmin reports whether the first-run setup has happened.
func (s *Store) HasAdmin() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.doc.Users {
		if u.IsAdmin {
			return true
		}
	}
	return false
}

// SetupAdmin creates the first administrator. It fails with ErrConflict
// once any administrator exists.
func (s *Store) SetupAdmin(name, password string) error {
	if s.HasAdmin() {
		return fmt.Errorf("%w: an administrator is already configured", models.ErrConflict)
	}
	return s.create(name, password, true, nil, true)
}

// CreateUser adds a non-admin user limited to dirs, each of which must be
// one of the allowed directories.
func (s *Store) CreateUser(name, password string, dirs []string) error {
	return s.create(name, password, false, dirs, false)
}

func (s *Store) create(name, password string, admin bool, dirs []string, firstAdmin bool) error {
	if !nameRe.MatchString(name) {
		return fmt.Errorf("%w: user name must be 1-64 characters of [A-Za-z0-9._-]", models.ErrInvalid)
	}
	if password == "" {
		return fmt.Errorf("%w: empty password", models.ErrInvalid)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), hashCost)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalid, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if firstAdmin {
		for _, u := range s.doc.Users {
			if u.IsAdmin {
				return fmt.Errorf("%w: an administrator is already configured", models.ErrConflict)
			}
		}
	}
	if _, ok := s.doc.Users[name]; ok {
		return fmt.Errorf("%w: user %s", models.ErrConflict, name)
	}
	var granted []string
	for _, d := range dirs {
		abs, err := filepath.Abs(d)
		if err != nil || !contains(s.doc.AllowedDirectories, abs) {
			return fmt.Errorf("%w: %s is not an allowed directory", models.ErrInvalid, d)
		}
		if !contains(granted, abs) {
			granted = append(granted, abs)
		}
	}
	s.doc.Users[name] = User{PasswordHash: string(hash), IsAdmin: admin, AllowedDirs: granted}
	if err := s.save(); err != nil {
		delete(s.doc.Users, name)
		return err
	}
	return nil
}

// DeleteUser removes a non-admin user.
func (s *Store) DeleteUser(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.doc.Users[name]
	if !ok {
		return fmt.Errorf("%w: user %s", models.ErrNotFound, name)
	}
	if u.IsAdmin {
		return fmt.Errorf("%w: administrators cannot be deleted", models.ErrInvalid)
	}
	delete(s.doc.Users, name)
	if err := s.save(); err != nil {
		s.doc.Users[name] = u
		return err
	}
	return nil
}

func (s *Store) Users() []UserInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]UserInfo, 0, len(s.doc.Users))
	for name, u := range s.doc.Users {
		out = append(out, UserInfo{
			Name:        name,
			IsAdmin:     u.IsAdmin,
			AllowedDirs: append([]string{}, u.AllowedDirs...),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Authenticate checks a password and returns the user's principal with the
// roots currently granted.
func (s *Store) Authenticate(name, password string) (models.Principal, error) {
	s.mu.RLock()
	u, ok := s.doc.Users[name]
	s.mu.RUnlock()
	hash := s.dummy
	if ok {
		hash = []byte(u.PasswordHash)
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil || !ok {
		return models.Principal{}, models.ErrUnauthorized
	}
	roots, err := s.RootsFor(name)
	if err != nil {
		return models.Principal{}, err
	}
	return models.Principal{Name: name, IsAdmin: u.IsAdmin, Roots: roots}, nil
}

// RootsFor returns the directories name may operate in: the whole global
// list for administrators, otherwise the user's own list restricted to
// directories that are still globally allowed.
func (s *Store) RootsFor(name string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.doc.Users[name]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", models.ErrUnauthorized, name)
	}
	if u.IsAdmin {
		return append([]string(nil), s.doc.AllowedDirectories...), nil
	}
	var roots []string
	for _, d := range u.AllowedDirs {
		if contains(s.doc.AllowedDirectories, d) {
			roots = append(roots, d)
		}
	}
	return roots, nil
}

func existingDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrInvalid, err)
	}
	st, err := os.Stat(abs)
	if err != nil || !st.IsDir() {
		return "", fmt.Errorf("%w: %s is not an existing directory", models.ErrInvalid, dir)
	}
	return abs, nil
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
