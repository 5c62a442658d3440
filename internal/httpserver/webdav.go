package httpserver

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"

	"golang.org/x/net/webdav"

	"lanvault/internal/models"
	"lanvault/internal/pathauth"
)

// dav mounts the filesystem at /dav with the caller's roots as the only
// reachable paths: /dav/srv/media/x is /srv/media/x.
func (s *Server) dav(w http.ResponseWriter, r *http.Request) {
	h := &webdav.Handler{
		Prefix:     "/dav",
		FileSystem: &confinedFS{roots: pathauth.NewSet(principal(r).Roots)},
		LockSystem: s.davLocks,
		Logger: func(r *http.Request, err error) {
			if err != nil {
				s.log.WithError(err).WithField("method", r.Method).WithField("path", r.URL.Path).Debug("webdav")
			}
		},
	}
	h.ServeHTTP(w, r)
}

// confinedFS is a webdav.FileSystem over the real filesystem in which every
// name is resolved through the principal's root set.
type confinedFS struct {
	roots *pathauth.Set
}

func (c *confinedFS) resolve(op, name string) (string, error) {
	abs := filepath.FromSlash(path.Clean("/" + name))
	p, err := c.roots.Resolve(abs)
	if err != nil {
		if errors.Is(err, models.ErrForbidden) {
			return "", &fs.PathError{Op: op, Path: name, Err: fs.ErrPermission}
		}
		return "", err
	}
	return p, nil
}

// isRoot reports whether p is one of the granted roots. Roots themselves
// can be listed and written into but not removed or renamed.
func (c *confinedFS) isRoot(p string) bool {
	for _, r := range c.roots.Roots() {
		if r == p {
			return true
		}
	}
	return false
}

func (c *confinedFS) Mkdir(ctx context.Context, name string, perm os.FileMode) error {
	p, err := c.resolve("mkdir", name)
	if err != nil {
		return err
	}
	return os.Mkdir(p, perm)
}

func (c *confinedFS) OpenFile(ctx context.Context, name string, flag int, perm os.FileMode) (webdav.File, error) {
	p, err := c.resolve("open", name)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(p, flag, perm)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (c *confinedFS) RemoveAll(ctx context.Context, name string) error {
	p, err := c.resolve("remove", name)
	if err != nil {
		return err
	}
	if c.isRoot(p) {
		return &fs.PathError{Op: "remove", Path: name, Err: fs.ErrPermission}
	}
	return os.RemoveAll(p)
}

func (c *confinedFS) Rename(ctx context.Context, oldName, newName string) error {
	from, err := c.resolve("rename", oldName)
	if err != nil {
		return err
	}
	to, err := c.resolve("rename", newName)
	if err != nil {
		return err
	}
	if c.isRoot(from) {
		return &fs.PathError{Op: "rename", Path: oldName, Err: fs.ErrPermission}
	}
	return os.Rename(from, to)
}

func (c *confinedFS) Stat(ctx context.Context, name string) (os.FileInfo, error) {
	p, err := c.resolve("stat", name)
	if err != nil {
		return nil, err
	}
	return os.Stat(p)
}
