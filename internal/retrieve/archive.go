package retrieve

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"lanvault/internal/fsutil"
	"lanvault/internal/models"
	"lanvault/internal/pathauth"
)

// Archive is a finished zip of a directory, living in its own directory
// under <state>/archives until Close.
type Archive struct {
	Name    string
	Size    int64
	ModTime time.Time

	f    *os.File
	dir  string
	once sync.Once
	err  error
}

func (a *Archive) Read(p []byte) (int, error) { return a.f.Read(p) }

func (a *Archive) Seek(offset int64, whence int) (int64, error) { return a.f.Seek(offset, whence) }

// Close releases the archive and removes it from disk. Safe to call more
// than once.
func (a *Archive) Close() error {
	a.once.Do(func() {
		_ = a.f.Close()
		a.err = os.RemoveAll(a.dir)
	})
	return a.err
}

// ArchiveDirectory zips the directory at p. Symlinks are followed only to
// files inside roots; unreadable entries are skipped. The archive location
// is removed on every error, including cancellation of ctx.
func (s *Service) ArchiveDirectory(ctx context.Context, p string, roots []string) (*Archive, error) {
	set := pathauth.NewSet(roots)
	canon, err := set.Resolve(p)
	if err != nil {
		return nil, err
	}
	st, err := os.Stat(canon)
	if err != nil {
		return nil, classify(err, p)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", models.ErrNotFound, p)
	}

	dir := filepath.Join(s.archiveDir, uuid.NewString())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStorage, err)
	}
	name := fsutil.SanitizeZipBaseName(filepath.Base(canon)) + ".zip"
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("%w: %v", models.ErrStorage, err)
	}
	a := &Archive{Name: name, f: f, dir: dir}

	log := s.log.WithFields(logrus.Fields{"dir": canon, "archive": dir})
	if err := writeZip(ctx, log, f, set, canon); err != nil {
		_ = a.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", models.ErrStorage, err)
	}
	info, err := f.Stat()
	if err == nil {
		_, err = f.Seek(0, io.SeekStart)
	}
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("%w: %v", models.ErrStorage, err)
	}
	a.Size = info.Size()
	a.ModTime = info.ModTime()
	log.WithField("size", a.Size).Debug("archive ready")
	return a, nil
}

func writeZip(ctx context.Context, log logrus.FieldLogger, w io.Writer, set *pathauth.Set, base string) error {
	zw := zip.NewWriter(w)
	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if err != nil {
			if p == base {
				return err
			}
			log.WithError(err).WithField("path", p).Warn("archive: skipping entry")
			return nil
		}
		if p == base {
			return nil
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return nil
		}
		zipPath := fsutil.SanitizeZipPath(filepath.ToSlash(rel))
		if zipPath == "" {
			return nil
		}

		src := p
		if d.Type()&fs.ModeSymlink != 0 {
			target, err := set.Resolve(p)
			if err != nil {
				return nil
			}
			// linked directories are not descended into
			if st, err := os.Stat(target); err != nil || !st.Mode().IsRegular() {
				return nil
			}
			src = target
		} else if d.IsDir() {
			_, err := zw.CreateHeader(&zip.FileHeader{Name: zipPath + "/", Method: zip.Store})
			return err
		} else if !d.Type().IsRegular() {
			return nil
		}
		return addFile(zw, log, src, zipPath)
	})
	if err != nil {
		return err
	}
	return zw.Close()
}

func addFile(zw *zip.Writer, log logrus.FieldLogger, src, zipPath string) error {
	f, err := os.Open(src)
	if err != nil {
		log.WithError(err).WithField("path", src).Warn("archive: skipping file")
		return nil
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		log.WithError(err).WithField("path", src).Warn("archive: skipping file")
		return nil
	}
	h, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	h.Name = zipPath
	h.Method = zip.Deflate
	wr, err := zw.CreateHeader(h)
	if err != nil {
		return err
	}
	_, err = io.Copy(wr, f)
	return err
}
