package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// FS keeps one directory per identity under <stateDir>/chunks, one file per
// index. Writes go to a temp file that is renamed over the final name, so a
// reader never observes a partial fragment.
type FS struct {
	dir string
}

func NewFS(stateDir string) (*FS, error) {
	dir := filepath.Join(stateDir, "chunks")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FS{dir: dir}, nil
}

func (s *FS) identityDir(identity string) string {
	return filepath.Join(s.dir, identity)
}

func (s *FS) chunkPath(identity string, index int) string {
	return filepath.Join(s.dir, identity, strconv.Itoa(index))
}

func (s *FS) Put(ctx context.Context, identity string, index int, payload io.Reader) (int64, error) {
	if err := checkKey(identity, index); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	dir := s.identityDir(identity)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, storageErr("mkdir", err)
	}
	tmp := filepath.Join(dir, ".tmp-"+uuid.NewString())
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return 0, storageErr("create", err)
	}
	n, err := io.Copy(f, payload)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return 0, storageErr("write chunk", err)
	}
	if err := os.Rename(tmp, s.chunkPath(identity, index)); err != nil {
		_ = os.Remove(tmp)
		return 0, storageErr("commit chunk", err)
	}
	return n, nil
}

func (s *FS) Has(identity string, index int) (bool, error) {
	if err := checkKey(identity, index); err != nil {
		return false, err
	}
	st, err := os.Stat(s.chunkPath(identity, index))
	if err == nil {
		return st.Mode().IsRegular(), nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, storageErr("stat chunk", err)
}

func (s *FS) AllPresent(identity string, total int) (bool, error) {
	for i := 0; i < total; i++ {
		ok, err := s.Has(identity, i)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (s *FS) ReadInOrder(ctx context.Context, identity string, total int, fn func(int, io.Reader) error) error {
	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := checkKey(identity, i); err != nil {
			return err
		}
		f, err := os.Open(s.chunkPath(identity, i))
		if err != nil {
			return storageErr(fmt.Sprintf("open chunk %d", i), err)
		}
		err = fn(i, f)
		_ = f.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *FS) Delete(identity string, index int) error {
	if err := checkKey(identity, index); err != nil {
		return err
	}
	err := os.Remove(s.chunkPath(identity, index))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return storageErr("delete chunk", err)
	}
	// drop the identity directory once it is empty; failure just means
	// another fragment is still there
	_ = os.Remove(s.identityDir(identity))
	return nil
}

func (s *FS) DeleteAll(identity string) error {
	if !identityRe.MatchString(identity) {
		return checkKey(identity, 0)
	}
	if err := os.RemoveAll(s.identityDir(identity)); err != nil {
		return storageErr("delete chunks", err)
	}
	return nil
}

func (s *FS) Sweep(ctx context.Context, ttl time.Duration) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	var swept []string
	for _, e := range entries {
		if ctx.Err() != nil {
			return swept, ctx.Err()
		}
		if !e.IsDir() || !identityRe.MatchString(e.Name()) {
			continue
		}
		dir := filepath.Join(s.dir, e.Name())
		newest, ok := newestModTime(dir)
		if !ok || now.Sub(newest) < ttl {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			continue
		}
		swept = append(swept, e.Name())
	}
	return swept, nil
}

func newestModTime(dir string) (time.Time, bool) {
	st, err := os.Stat(dir)
	if err != nil {
		return time.Time{}, false
	}
	newest := st.ModTime()
	ents, err := os.ReadDir(dir)
	if err != nil {
		return time.Time{}, false
	}
	for _, e := range ents {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
	}
	return newest, true
}

func (s *FS) Close() error { return nil }
