// Package chunkstore stages the fragments of in-flight uploads until they are
// assembled. Fragments are keyed by (identity, index); a write for a key is
// atomic and overwrites any earlier payload for the same key.
package chunkstore

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"lanvault/internal/models"
)

// Store is implemented by the filesystem and badger backends.
type Store interface {
	// Put persists payload under (identity, index) and returns its size.
	Put(ctx context.Context, identity string, index int, payload io.Reader) (int64, error)
	Has(identity string, index int) (bool, error)
	// AllPresent reports whether indices 0..total-1 are all stored.
	AllPresent(identity string, total int) (bool, error)
	// ReadInOrder calls fn with each payload for indices 0..total-1 in order.
	// The reader is only valid during the call.
	ReadInOrder(ctx context.Context, identity string, total int, fn func(index int, r io.Reader) error) error
	Delete(identity string, index int) error
	DeleteAll(identity string) error
	// Sweep removes identities whose newest fragment is older than ttl and
	// returns them.
	Sweep(ctx context.Context, ttl time.Duration) ([]string, error)
	Close() error
}

var identityRe = regexp.MustCompile(`^[0-9a-f]{1,128}$`)

// NormalizeIdentity lowercases a client-declared hex digest and rejects
// anything that is not plain hex; identities become file and key names.
func NormalizeIdentity(identity string) (string, error) {
	id := strings.ToLower(strings.TrimSpace(identity))
	if !identityRe.MatchString(id) {
		return "", fmt.Errorf("%w: upload identity must be a hex digest", models.ErrInvalid)
	}
	return id, nil
}

func checkKey(identity string, index int) error {
	if !identityRe.MatchString(identity) {
		return fmt.Errorf("%w: bad identity %q", models.ErrInvalid, identity)
	}
	if index < 0 {
		return fmt.Errorf("%w: negative chunk index", models.ErrInvalid)
	}
	return nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", models.ErrStorage, op, err)
}
