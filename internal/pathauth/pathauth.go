// Package pathauth decides whether a filesystem path lies under one of a
// caller's authorized roots.
//
// Both sides of the comparison are canonicalized first (absolute, cleaned,
// symlinks resolved) and compared segment-wise, so "/data" never matches
// "/data2" and a symlink inside a root cannot point a caller elsewhere.
// Anything that cannot be canonicalized is rejected.
package pathauth

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"lanvault/internal/models"
)

var errBadPath = errors.New("invalid path")

// maxRaceRetries bounds how often Canonicalize re-resolves a path that was
// created underneath it.
const maxRaceRetries = 8

// Canonicalize returns the absolute, symlink-free form of p.
//
// A path that does not exist yet resolves through its deepest existing
// ancestor with the missing tail appended. A missing component that is
// nevertheless present as a directory entry (a dangling symlink) is an error:
// creating through it would land wherever the link points.
func Canonicalize(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" || strings.ContainsRune(p, 0) {
		return "", errBadPath
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}

	var tail []string
	cur := abs
	retries := 0
	for {
		real, err := filepath.EvalSymlinks(cur)
		if err == nil {
			for i := len(tail) - 1; i >= 0; i-- {
				real = filepath.Join(real, tail[i])
			}
			return real, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		if fi, lerr := os.Lstat(cur); lerr == nil {
			if fi.Mode()&fs.ModeSymlink != 0 {
				return "", fmt.Errorf("unresolvable link %s: %w", cur, err)
			}
			// cur appeared after EvalSymlinks looked for it
			if retries < maxRaceRetries {
				retries++
				continue
			}
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", err
		}
		tail = append(tail, filepath.Base(cur))
		cur = parent
	}
}

// canonicalRoot is stricter than Canonicalize: a root has to exist.
func canonicalRoot(root string) (string, error) {
	root = strings.TrimSpace(root)
	if root == "" || strings.ContainsRune(root, 0) {
		return "", errBadPath
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

// within reports whether p equals root or descends from it. Both must be
// canonical.
func within(root, p string) bool {
	if p == root {
		return true
	}
	sep := string(filepath.Separator)
	if strings.HasSuffix(root, sep) {
		// filesystem root ("/")
		return strings.HasPrefix(p, root)
	}
	return strings.HasPrefix(p, root+sep)
}

// Set is an authorized root set canonicalized once for the lifetime of a
// single request. Build a new one per request so revocations apply
// immediately.
type Set struct {
	roots []string
	canon []string
}

// NewSet canonicalizes roots. Roots that cannot be resolved are dropped,
// which can only narrow what is authorized.
func NewSet(roots []string) *Set {
	s := &Set{roots: roots}
	for _, r := range roots {
		c, err := canonicalRoot(r)
		if err != nil {
			continue
		}
		s.canon = append(s.canon, c)
	}
	return s
}

// Roots returns the canonical roots in declaration order.
func (s *Set) Roots() []string {
	out := make([]string, len(s.canon))
	copy(out, s.canon)
	return out
}

// Contains reports whether an already canonical path is inside the set.
func (s *Set) Contains(canonical string) bool {
	for _, r := range s.canon {
		if within(r, canonical) {
			return true
		}
	}
	return false
}

// Resolve canonicalizes candidate and returns it if authorized. Any failure
// is reported as models.ErrForbidden.
func (s *Set) Resolve(candidate string) (string, error) {
	c, err := Canonicalize(candidate)
	if err != nil {
		return "", fmt.Errorf("%w: %s", models.ErrForbidden, candidate)
	}
	if !s.Contains(c) {
		return "", fmt.Errorf("%w: %s", models.ErrForbidden, candidate)
	}
	return c, nil
}

// IsAuthorized reports whether candidate lies under one of roots.
func IsAuthorized(candidate string, roots []string) bool {
	_, err := NewSet(roots).Resolve(candidate)
	return err == nil
}

// Resolve is the one-shot form of Set.Resolve.
func Resolve(candidate string, roots []string) (string, error) {
	return NewSet(roots).Resolve(candidate)
}
