// Package retrieve serves file contents: single-file streams, on-demand zip
// archives of directories and image thumbnails. Every entry point resolves
// the caller's path against its authorized roots first.
package retrieve

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"lanvault/internal/models"
	"lanvault/internal/pathauth"
)

// StreamChunkSize is the piece size handed out by Stream.Chunks.
const StreamChunkSize = 1 << 20

type Service struct {
	archiveDir string
	thumbDir   string
	log        logrus.FieldLogger
}

// New prepares <stateDir>/archives and <stateDir>/thumbs. Archives left
// behind by a previous process are removed.
func New(stateDir string, log logrus.FieldLogger) (*Service, error) {
	s := &Service{
		archiveDir: filepath.Join(stateDir, "archives"),
		thumbDir:   filepath.Join(stateDir, "thumbs"),
		log:        log,
	}
	if err := os.RemoveAll(s.archiveDir); err != nil {
		return nil, err
	}
	for _, d := range []string{s.archiveDir, s.thumbDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Stream is an open, authorized regular file.
type Stream struct {
	Name        string
	Path        string
	Size        int64
	ModTime     time.Time
	ContentType string

	f *os.File
}

func (s *Stream) Read(p []byte) (int, error) { return s.f.Read(p) }

func (s *Stream) Seek(offset int64, whence int) (int64, error) { return s.f.Seek(offset, whence) }

// Chunks calls fn with consecutive pieces of the file from the current
// offset until EOF. The slice is reused between calls.
func (s *Stream) Chunks(fn func([]byte) error) error {
	buf := make([]byte, StreamChunkSize)
	for {
		n, err := io.ReadFull(s.f, buf)
		if n > 0 {
			if ferr := fn(buf[:n]); ferr != nil {
				return ferr
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return nil
		default:
			return err
		}
	}
}

func (s *Stream) Close() error { return s.f.Close() }

// StreamFile opens the regular file at p for reading.
func (s *Service) StreamFile(p string, roots []string) (*Stream, error) {
	canon, err := pathauth.Resolve(p, roots)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(canon)
	if err != nil {
		return nil, classify(err, p)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, classify(err, p)
	}
	if !st.Mode().IsRegular() {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s is not a file", models.ErrNotFound, p)
	}
	return &Stream{
		Name:        st.Name(),
		Path:        canon,
		Size:        st.Size(),
		ModTime:     st.ModTime(),
		ContentType: ContentType(st.Name()),
		f:           f,
	}, nil
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
