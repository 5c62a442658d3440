package chunkstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/pierrec/lz4/v4"
)

const (
	flagRaw byte = 0
	flagLZ4 byte = 1
)

// Badger stores fragments as values in an embedded badger database under
// <stateDir>/chunkdb. Each value carries a one-byte codec flag so stores
// written with and without compression stay readable.
type Badger struct {
	db       *badger.DB
	compress bool
}

type BadgerOptions struct {
	// Compress lz4-compresses payloads before they are written.
	Compress bool
	// InMemory keeps the database off disk (tests).
	InMemory bool
}

func OpenBadger(stateDir string, opts BadgerOptions) (*Badger, error) {
	bo := badger.DefaultOptions(filepath.Join(stateDir, "chunkdb")).WithLogger(nil)
	if opts.InMemory {
		bo = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(bo)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	return &Badger{db: db, compress: opts.Compress}, nil
}

func chunkKey(identity string, index int) []byte {
	return []byte(fmt.Sprintf("chunk/%s/%010d", identity, index))
}

func chunkPrefix(identity string) []byte {
	return []byte("chunk/" + identity + "/")
}

func stampKey(identity string) []byte {
	return []byte("stamp/" + identity)
}

func (s *Badger) encode(data []byte) ([]byte, error) {
	if !s.compress {
		return append([]byte{flagRaw}, data...), nil
	}
	var buf bytes.Buffer
	buf.WriteByte(flagLZ4)
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("compression failed: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compression failed: %w", err)
	}
	return buf.Bytes(), nil
}

func decode(val []byte) ([]byte, error) {
	if len(val) == 0 {
		return nil, errors.New("empty chunk value")
	}
	switch val[0] {
	case flagRaw:
		return val[1:], nil
	case flagLZ4:
		out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(val[1:])))
		if err != nil {
			return nil, fmt.Errorf("decompression failed: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown chunk codec %d", val[0])
	}
}

func (s *Badger) Put(ctx context.Context, identity string, index int, payload io.Reader) (int64, error) {
	if err := checkKey(identity, index); err != nil {
		return 0, err
	}
	data, err := io.ReadAll(payload)
	if err != nil {
		return 0, storageErr("read chunk", err)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	val, err := s.encode(data)
	if err != nil {
		return 0, storageErr("encode chunk", err)
	}
	stamp := make([]byte, 8)
	binary.BigEndian.PutUint64(stamp, uint64(time.Now().UnixNano()))
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(chunkKey(identity, index), val); err != nil {
			return err
		}
		return txn.Set(stampKey(identity), stamp)
	})
	if err != nil {
		return 0, storageErr("write chunk", err)
	}
	return int64(len(data)), nil
}

func (s *Badger) Has(identity string, index int) (bool, error) {
	if err := checkKey(identity, index); err != nil {
		return false, err
	}
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(chunkKey(identity, index))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return false, storageErr("lookup chunk", err)
	}
	return found, nil
}

func (s *Badger) AllPresent(identity string, total int) (bool, error) {
	if err := checkKey(identity, 0); err != nil {
		return false, err
	}
	all := true
	err := s.db.View(func(txn *badger.Txn) error {
		for i := 0; i < total; i++ {
			_, err := txn.Get(chunkKey(identity, i))
			if errors.Is(err, badger.ErrKeyNotFound) {
				all = false
				return nil
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, storageErr("lookup chunks", err)
	}
	return all, nil
}

func (s *Badger) ReadInOrder(ctx context.Context, identity string, total int, fn func(int, io.Reader) error) error {
	if err := checkKey(identity, 0); err != nil {
		return err
	}
	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		var val []byte
		err := s.db.View(func(txn *badger.Txn) error {
			item, err := txn.Get(chunkKey(identity, i))
			if err != nil {
				return err
			}
			val, err = item.ValueCopy(nil)
			return err
		})
		if err != nil {
			return storageErr(fmt.Sprintf("read chunk %d", i), err)
		}
		data, err := decode(val)
		if err != nil {
			return storageErr(fmt.Sprintf("decode chunk %d", i), err)
		}
		if err := fn(i, bytes.NewReader(data)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Badger) Delete(identity string, index int) error {
	if err := checkKey(identity, index); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(chunkKey(identity, index))
	})
	if err != nil {
		return storageErr("delete chunk", err)
	}
	return nil
}

func (s *Badger) DeleteAll(identity string) error {
	if err := checkKey(identity, 0); err != nil {
		return err
	}
	keys := [][]byte{stampKey(identity)}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = chunkPrefix(identity)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return storageErr("list chunks", err)
	}

	// DropPrefix would block writes for every other identity while it runs.
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return storageErr("delete chunks", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return storageErr("delete chunks", err)
	}
	return nil
}

func (s *Badger) Sweep(ctx context.Context, ttl time.Duration) ([]string, error) {
	cutoff := uint64(time.Now().Add(-ttl).UnixNano())
	var stale []string
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte("stamp/")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			err := item.Value(func(v []byte) error {
				if len(v) == 8 && binary.BigEndian.Uint64(v) <= cutoff {
					stale = append(stale, string(item.Key()[len(prefix):]))
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	var swept []string
	for _, id := range stale {
		if ctx.Err() != nil {
			return swept, ctx.Err()
		}
		if err := s.DeleteAll(id); err != nil {
			continue
		}
		swept = append(swept, id)
	}
	if len(swept) > 0 {
		// ErrNoRewrite just means there was nothing worth collecting
		_ = s.db.RunValueLogGC(0.5)
	}
	return swept, nil
}

func (s *Badger) Close() error {
	return s.db.Close()
}
