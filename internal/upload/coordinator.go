// Package upload accepts files as independently delivered chunks and
// assembles each upload exactly once.
//
// Every chunk call is stateless with respect to the caller: chunks land in
// a chunkstore.Store and the first call that observes all of them present
// claims the upload (receiving -> completing) under a lock scoped to that
// upload's identity. Only the claimant assembles; concurrent and later
// callers wait for, or are handed, the claimant's outcome.
package upload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"lanvault/internal/chunkstore"
	"lanvault/internal/fsutil"
	"lanvault/internal/models"
	"lanvault/internal/pathauth"
)

type Coordinator struct {
	store chunkstore.Store
	log   logrus.FieldLogger

	mu      sync.Mutex
	records map[string]*record

	// onAssemble is called by the claimant before assembly starts.
	onAssemble func(identity string)
}

// record is the per-identity state. The record's own mutex serializes the
// completeness check and the claim.
type record struct {
	mu      sync.Mutex
	state   state
	dest    string
	cur     *attempt
	updated time.Time

	// users counts Receive calls holding the record; guarded by
	// Coordinator.mu. Forget never drops a record in use.
	users int
}

// attempt is one assembly run; waiters hold on to it so a later reset of the
// record cannot change the outcome they observe.
type attempt struct {
	done    chan struct{}
	outcome Outcome
	err     error
}

func New(store chunkstore.Store, log logrus.FieldLogger) *Coordinator {
	return &Coordinator{
		store:   store,
		log:     log,
		records: map[string]*record{},
	}
}

// acquire returns the record for identity and pins it until release.
func (c *Coordinator) acquire(identity string) *record {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.records[identity]
	if !ok {
		r = &record{state: receiving, updated: time.Now()}
		c.records[identity] = r
	}
	r.users++
	return r
}

func (c *Coordinator) release(r *record) {
	c.mu.Lock()
	r.users--
	c.mu.Unlock()
}

// Receive stores one chunk and, when it completes the set, assembles and
// verifies the file.
func (c *Coordinator) Receive(ctx context.Context, p models.Principal, req ChunkRequest) (Outcome, error) {
	id, err := chunkstore.NormalizeIdentity(req.Identity)
	if err != nil {
		return Outcome{}, err
	}
	if err := validateCounts(req.Index, req.Total); err != nil {
		return Outcome{}, err
	}
	name, err := fsutil.SanitizeName(req.Filename)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", models.ErrInvalid, err)
	}
	if !filepath.IsAbs(req.TargetDirectory) {
		return Outcome{}, fmt.Errorf("%w: target directory must be absolute", models.ErrInvalid)
	}

	roots := pathauth.NewSet(p.Roots)
	dir, err := roots.Resolve(filepath.Join(req.TargetDirectory, filepath.FromSlash(fsutil.RelDir(req.RelativePath))))
	if err != nil {
		return Outcome{}, err
	}
	dest, err := roots.Resolve(filepath.Join(dir, name))
	if err != nil {
		return Outcome{}, err
	}

	rec := c.acquire(id)
	defer c.release(rec)
	for {
		rec.mu.Lock()
		switch {
		case rec.state == completing:
			a := rec.cur
			rec.mu.Unlock()
			if rec.sameDest(dest) {
				return c.wait(ctx, a, req)
			}
			// a different destination has to wait for the running
			// assembly before it can start over
			if _, err := c.wait(ctx, a, req); ctx.Err() != nil {
				return Outcome{}, err
			}
			continue
		case rec.state == verified && rec.dest == dest && rec.cur.onDisk():
			a := rec.cur
			rec.mu.Unlock()
			return withChunk(a.outcome, req), nil
		case rec.state != receiving:
			// a finished upload is being sent again, or its file is gone:
			// start a fresh cycle
			rec.state = receiving
		}
		rec.dest = dest
		rec.updated = time.Now()
		rec.mu.Unlock()
		break
	}

	if req.Total > 0 {
		if _, err := c.store.Put(ctx, id, req.Index, req.Payload); err != nil {
			// the chunk may have raced a completed assembly for this file
			if out, ok := c.settled(rec, dest, req); ok {
				return out, nil
			}
			return Outcome{}, err
		}
	}

	rec.mu.Lock()
	if rec.state != receiving {
		a := rec.cur
		st := rec.state
		rec.mu.Unlock()
		if st == completing {
			return c.wait(ctx, a, req)
		}
		return withChunk(a.outcome, req), a.err
	}
	all, err := c.store.AllPresent(id, req.Total)
	if err != nil {
		rec.mu.Unlock()
		return Outcome{}, err
	}
	if !all {
		rec.updated = time.Now()
		rec.mu.Unlock()
		return Outcome{Status: StatusProgress, ChunkIndex: req.Index, TotalChunks: req.Total}, nil
	}
	a := &attempt{done: make(chan struct{})}
	rec.state = completing
	rec.cur = a
	rec.dest = dest
	rec.updated = time.Now()
	rec.mu.Unlock()

	if c.onAssemble != nil {
		c.onAssemble(id)
	}
	// assembly outlives the claimant's request so that waiters always get
	// an outcome
	a.outcome, a.err = c.assemble(context.WithoutCancel(ctx), id, req.Total, dest, roots)

	rec.mu.Lock()
	switch {
	case a.err == nil:
		rec.state = verified
	case errors.Is(a.err, models.ErrIntegrity):
		rec.state = failed
	default:
		// storage trouble: chunks are still in place, a retry of the last
		// chunk re-runs the completeness check
		rec.state = receiving
	}
	rec.updated = time.Now()
	close(a.done)
	rec.mu.Unlock()

	return withChunk(a.outcome, req), a.err
}

// onDisk reports whether the file a verified attempt produced is still in
// place with the size it was verified at.
func (a *attempt) onDisk() bool {
	fi, err := os.Stat(a.outcome.Path)
	return err == nil && fi.Mode().IsRegular() && fi.Size() == a.outcome.Size
}

func (r *record) sameDest(dest string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dest == dest
}

// settled returns the outcome of an assembly for dest that finished or is
// finishing while this caller was storing its chunk.
func (c *Coordinator) settled(rec *record, dest string, req ChunkRequest) (Outcome, bool) {
	rec.mu.Lock()
	st, a, same := rec.state, rec.cur, rec.dest == dest
	rec.mu.Unlock()
	if !same || a == nil {
		return Outcome{}, false
	}
	switch st {
	case verified:
		return withChunk(a.outcome, req), true
	case completing:
		<-a.done
		if a.err == nil {
			return withChunk(a.outcome, req), true
		}
	}
	return Outcome{}, false
}

func (c *Coordinator) wait(ctx context.Context, a *attempt, req ChunkRequest) (Outcome, error) {
	select {
	case <-a.done:
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
	return withChunk(a.outcome, req), a.err
}

// Forget drops bookkeeping for uploads idle longer than ttl. Uploads in the
// middle of assembly are kept.
func (c *Coordinator) Forget(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, r := range c.records {
		if r.users > 0 {
			continue
		}
		r.mu.Lock()
		drop := r.state != completing && r.updated.Before(cutoff)
		r.mu.Unlock()
		if drop {
			delete(c.records, id)
			n++
		}
	}
	return n
}

func validateCounts(index, total int) error {
	switch {
	case total < 0 || index < 0:
		return fmt.Errorf("%w: negative chunk index or count", models.ErrInvalid)
	case total == 0 && index != 0:
		return fmt.Errorf("%w: empty upload only has chunk 0", models.ErrInvalid)
	case total > 0 && index >= total:
		return fmt.Errorf("%w: chunk index %d out of range (total %d)", models.ErrInvalid, index, total)
	}
	return nil
}

func withChunk(o Outcome, req ChunkRequest) Outcome {
	o.ChunkIndex = req.Index
	o.TotalChunks = req.Total
	return o
}
