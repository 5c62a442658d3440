package upload

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"lanvault/internal/models"
	"lanvault/internal/pathauth"
)

// assemble concatenates chunks 0..total-1 into dest and checks the sha256 of
// the written bytes against identity.
//
// Bytes go to a hidden temp file next to dest and are renamed into place
// only once verified, so a failed or mismatched assembly never shows up in
// a listing. Chunks are dropped only after the digest decision; on a storage
// error they are all still there for the retry.
func (c *Coordinator) assemble(ctx context.Context, identity string, total int, dest string, roots *pathauth.Set) (Outcome, error) {
	log := c.log.WithFields(logrus.Fields{"identity": identity, "chunks": total, "dest": dest})
	log.Debug("assembling upload")

	dir := filepath.Dir(dest)
	if _, err := roots.Resolve(dir); err != nil {
		return Outcome{}, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Outcome{}, storageErr("create directory", err)
	}
	// MkdirAll may have walked through something that changed underneath us
	if _, err := roots.Resolve(dir); err != nil {
		return Outcome{}, err
	}

	tmp := filepath.Join(dir, "."+filepath.Base(dest)+"."+uuid.NewString()+".part")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return Outcome{}, storageErr("create file", err)
	}

	h := sha256.New()
	w := io.MultiWriter(f, h)
	var size int64
	err = c.store.ReadInOrder(ctx, identity, total, func(_ int, r io.Reader) error {
		n, err := io.Copy(w, r)
		size += n
		return err
	})
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		log.WithError(err).Warn("assembly failed, upload stays open for retry")
		return Outcome{}, storageErr("write file", err)
	}

	sum := hex.EncodeToString(h.Sum(nil))
	if subtle.ConstantTimeCompare([]byte(sum), []byte(identity)) != 1 {
		_ = os.Remove(tmp)
		c.dropChunks(log, identity, total)
		log.WithField("digest", sum).Warn("upload failed verification")
		return Outcome{
			Status: StatusFailed,
			Reason: fmt.Sprintf("digest mismatch: declared %s, assembled %s", identity, sum),
		}, fmt.Errorf("%w: %s", models.ErrIntegrity, dest)
	}

	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return Outcome{}, storageErr("commit file", err)
	}
	c.dropChunks(log, identity, total)
	log.WithField("size", size).Info("upload verified")
	return Outcome{Status: StatusVerified, Path: dest, Size: size}, nil
}

// dropChunks removes the consumed fragments. Leftovers are only a disk
// space concern and are picked up by the sweeper.
func (c *Coordinator) dropChunks(log logrus.FieldLogger, identity string, total int) {
	for i := 0; i < total; i++ {
		if err := c.store.Delete(identity, i); err != nil {
			log.WithError(err).WithField("index", i).Warn("delete chunk")
		}
	}
	if err := c.store.DeleteAll(identity); err != nil {
		log.WithError(err).Warn("delete chunks")
	}
}

func storageErr(op string, err error) error {
	if errors.Is(err, models.ErrStorage) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", models.ErrStorage, op, err)
}
