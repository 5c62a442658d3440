// Package browse lists directories and builds the directory forest a
// principal is allowed to see.
package browse

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"lanvault/internal/models"
	"lanvault/internal/pathauth"
)

const defaultMaxDepth = 32

type Entry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	IsDir   bool      `json:"is_dir"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mtime"`
}

type Node struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Children []Node `json:"children"`
}

type Service struct {
	log      logrus.FieldLogger
	maxDepth int

	// lstat is os.Lstat outside of tests.
	lstat func(string) (fs.FileInfo, error)
}

func New(log logrus.FieldLogger) *Service {
	return &Service{log: log, maxDepth: defaultMaxDepth, lstat: os.Lstat}
}

// ListDirectory returns the entries of dir, directories first and then by
// case-insensitive name. Entries that cannot be inspected are left out of
// the result instead of failing the whole listing, as are symlinks that
// lead outside roots.
func (s *Service) ListDirectory(dir string, roots []string) ([]Entry, error) {
	set := pathauth.NewSet(roots)
	canon, err := set.Resolve(dir)
	if err != nil {
		return nil, err
	}
	st, err := os.Stat(canon)
	if err != nil {
		return nil, classify(err, dir)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", models.ErrNotFound, dir)
	}
	ents, err := os.ReadDir(canon)
	if err != nil {
		return nil, classify(err, dir)
	}

	items := make([]Entry, 0, len(ents))
	for _, e := range ents {
		p := filepath.Join(canon, e.Name())
		info, err := s.lstat(p)
		if err != nil {
			s.log.WithError(err).WithField("path", p).Debug("skipping entry")
			continue
		}
		if info.Mode()&fs.ModeSymlink != 0 {
			target, err := set.Resolve(p)
			if err != nil {
				continue
			}
			if info, err = os.Stat(target); err != nil {
				s.log.WithError(err).WithField("path", p).Debug("skipping entry")
				continue
			}
		}
		it := Entry{
			Name:    e.Name(),
			Path:    p,
			IsDir:   info.IsDir(),
			ModTime: info.ModTime(),
		}
		if !it.IsDir {
			it.Size = info.Size()
		}
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].IsDir != items[j].IsDir {
			return items[i].IsDir
		}
		return strings.ToLower(items[i].Name) < strings.ToLower(items[j].Name)
	})
	return items, nil
}

// BuildAuthorizedTree returns one node per root with its authorized
// subdirectories expanded. Roots are expanded concurrently.
func (s *Service) BuildAuthorizedTree(ctx context.Context, roots []string) ([]Node, error) {
	set := pathauth.NewSet(roots)
	canon := set.Roots()
	forest := make([]Node, len(canon))

	g, ctx := errgroup.WithContext(ctx)
	for i, root := range canon {
		g.Go(func() error {
			visited := map[string]bool{root: true}
			children, err := s.expand(ctx, set, root, 1, visited)
			if err != nil {
				return err
			}
			name := filepath.Base(root)
			if name == string(filepath.Separator) {
				name = root
			}
			forest[i] = Node{Name: name, Path: root, Children: children}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return forest, nil
}

func (s *Service) expand(ctx context.Context, set *pathauth.Set, dir string, depth int, visited map[string]bool) ([]Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	nodes := []Node{}
	if depth > s.maxDepth {
		return nodes, nil
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		s.log.WithError(err).WithField("path", dir).Debug("tree: cannot read directory")
		return nodes, nil
	}
	for _, e := range ents {
		if !e.IsDir() && e.Type()&fs.ModeSymlink == 0 {
			continue
		}
		p := filepath.Join(dir, e.Name())
		// every node is re-authorized: a symlinked directory must resolve
		// inside the set
		real, err := set.Resolve(p)
		if err != nil || visited[real] {
			continue
		}
		if st, err := os.Stat(real); err != nil || !st.IsDir() {
			continue
		}
		visited[real] = true
		children, err := s.expand(ctx, set, p, depth+1, visited)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, Node{Name: e.Name(), Path: p, Children: children})
	}
	sort.Slice(nodes, func(i, j int) bool {
		return strings.ToLower(nodes[i].Name) < strings.ToLower(nodes[j].Name)
	})
	return nodes, nil
}

func classify(err error, p string) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %s", models.ErrNotFound, p)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %s", models.ErrPermissionDenied, p)
	default:
		return fmt.Errorf("%w: %s: %v", models.ErrStorage, p, err)
	}
}
