package accounts

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"lanvault/internal/models"
)

func init() {
	hashCost = bcrypt.MinCost
}

func openStore(t *testing.T, seed ...string) (*Store, string) {
	t.Helper()
	state := t.TempDir()
	s, err := Open(state, seed)
	if err != nil {
		t.Fatal(err)
	}
	return s, state
}

func TestSeedAndPersistence(t *testing.T) {
	d1, d2 := t.TempDir(), t.TempDir()
	s, state := openStore(t, d1, d2, filepath.Join(d1, "missing"), d1)
	if got := s.AllowedDirectories(); len(got) != 2 || got[0] != d1 || got[1] != d2 {
		t.Fatalf("seeded = %v", got)
	}
	if err := s.SetupAdmin("root", "pw"); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateUser("bob", "secret", []string{d2}); err != nil {
		t.Fatal(err)
	}

	// reopening ignores the seed and reads the file back
	again, err := Open(state, []string{t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	if got := again.AllowedDirectories(); len(got) != 2 {
		t.Fatalf("reloaded dirs = %v", got)
	}
	users := again.Users()
	if len(users) != 2 || users[0].Name != "bob" || !users[1].IsAdmin {
		t.Fatalf("reloaded users = %+v", users)
	}
	ents, _ := os.ReadDir(state)
	if len(ents) != 1 {
		t.Fatalf("state dir has leftovers: %v", ents)
	}
}

func TestSetupAdminOnlyOnce(t *testing.T) {
	s, _ := openStore(t)
	if s.HasAdmin() {
		t.Fatal("fresh store has an admin")
	}
	if err := s.SetupAdmin("root", "pw"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetupAdmin("other", "pw"); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("second setup: %v", err)
	}
}

func TestAuthenticate(t *testing.T) {
	d := t.TempDir()
	s, _ := openStore(t, d)
	if err := s.SetupAdmin("root", "pw"); err != nil {
		t.Fatal(err)
	}
	p, err := s.Authenticate("root", "pw")
	if err != nil {
		t.Fatal(err)
	}
	if !p.IsAdmin || p.Name != "root" || len(p.Roots) != 1 || p.Roots[0] != d {
		t.Fatalf("principal = %+v", p)
	}
	if _, err := s.Authenticate("root", "wrong"); !errors.Is(err, models.ErrUnauthorized) {
		t.Fatalf("wrong password: %v", err)
	}
	if _, err := s.Authenticate("ghost", "pw"); !errors.Is(err, models.ErrUnauthorized) {
		t.Fatalf("unknown user: %v", err)
	}
}

func TestRootsForIntersectsGlobalList(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()
	s, _ := openStore(t, a, b)
	if err := s.CreateUser("bob", "pw", []string{a, b}); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveDirectory(b); err != nil {
		t.Fatal(err)
	}
	roots, err := s.RootsFor("bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(roots) != 1 || roots[0] != a {
		t.Fatalf("roots = %v", roots)
	}
	// granting the directory again restores access
	if _, err := s.AddDirectory(b); err != nil {
		t.Fatal(err)
	}
	if roots, _ := s.RootsFor("bob"); len(roots) != 2 {
		t.Fatalf("roots after re-add = %v", roots)
	}
}

func TestUserValidation(t *testing.T) {
	a := t.TempDir()
	s, _ := openStore(t, a)
	cases := []struct {
		name, pw string
		dirs     []string
		want     error
	}{
		{"", "pw", nil, models.ErrInvalid},
		{"bad/name", "pw", nil, models.ErrInvalid},
		{"ok", "", nil, models.ErrInvalid},
		{"ok", "pw", []string{t.TempDir()}, models.ErrInvalid},
	}
	for _, c := range cases {
		if err := s.CreateUser(c.name, c.pw, c.dirs); !errors.Is(err, c.want) {
			t.Errorf("CreateUser(%q): %v, want %v", c.name, err, c.want)
		}
	}
	if err := s.CreateUser("ok", "pw", []string{a}); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateUser("ok", "pw", nil); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("duplicate: %v", err)
	}
}

func TestDeleteUser(t *testing.T) {
	s, _ := openStore(t)
	if err := s.SetupAdmin("root", "pw"); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateUser("bob", "pw", nil); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteUser("root"); !errors.Is(err, models.ErrInvalid) {
		t.Fatalf("delete admin: %v", err)
	}
	if err := s.DeleteUser("bob"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteUser("bob"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("delete twice: %v", err)
	}
	if _, err := s.Authenticate("bob", "pw"); !errors.Is(err, models.ErrUnauthorized) {
		t.Fatalf("deleted user still authenticates: %v", err)
	}
}

func TestDirectoryManagement(t *testing.T) {
	s, _ := openStore(t)
	d := t.TempDir()
	f := filepath.Join(d, "file")
	if err := os.WriteFile(f, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddDirectory(f); !errors.Is(err, models.ErrInvalid) {
		t.Fatalf("file as dir: %v", err)
	}
	if _, err := s.AddDirectory(filepath.Join(d, "nope")); !errors.Is(err, models.ErrInvalid) {
		t.Fatalf("missing dir: %v", err)
	}
	abs, err := s.AddDirectory(d + "/.")
	if err != nil || abs != d {
		t.Fatalf("AddDirectory = %q, %v", abs, err)
	}
	if _, err := s.AddDirectory(d); err != nil {
		t.Fatal(err)
	}
	if got := s.AllowedDirectories(); len(got) != 1 {
		t.Fatalf("dirs = %v", got)
	}
	if err := s.RemoveDirectory(d); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveDirectory(d); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("remove twice: %v", err)
	}
}
