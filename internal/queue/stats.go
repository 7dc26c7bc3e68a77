package queue

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joseph-ayodele/fsqueue/constants"
	"github.com/joseph-ayodele/fsqueue/internal/common"
)

// Stats is a point-in-time summary of a queue.
type Stats struct {
	Index        IndexKind
	Pending      int // indexed, not yet dequeued
	InFlight     int // dequeued by any live instance, not yet resolved
	Completed    int
	Failed       int
	StaleDropped int // index entries dropped since Open because their file was gone
}

// Stats counts jobs in every state.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	q.mu.Lock()
	if err := q.begin(ctx); err != nil {
		q.mu.Unlock()
		return Stats{}, err
	}
	st := Stats{
		Index:        q.kind,
		Pending:      q.index.Len(),
		InFlight:     len(q.inflight),
		StaleDropped: q.staleDropped,
	}
	leased, err := q.leases.others(false)
	q.mu.Unlock()
	if err != nil {
		return st, common.WrapError(err, "count leases")
	}
	st.InFlight += len(leased)

	if st.Completed, err = q.CompletedSize(); err != nil {
		return st, common.WrapError(err, "count completed")
	}
	if st.Failed, err = q.FailedSize(); err != nil {
		return st, common.WrapError(err, "count failed")
	}
	return st, nil
}

// Entry describes one job file on disk.
type Entry struct {
	Ref       Ref
	State     constants.State
	Path      string
	Size      int64
	ModTime   time.Time
	CreatedAt time.Time // from the file name; zero if the name is foreign
	InFlight  bool
	Record    Record
	DecodeErr string
}

// List returns the job files in state s in name order. Files that cannot be
// read or decoded are still listed, with DecodeErr set.
func (q *Queue) List(ctx context.Context, s constants.State) ([]Entry, error) {
	dir := s.Dir()
	if dir == "" {
		return nil, fmt.Errorf("unknown state %q", s)
	}
	q.mu.Lock()
	if err := q.begin(ctx); err != nil {
		q.mu.Unlock()
		return nil, err
	}
	inflight, err := q.leases.others(false)
	if inflight == nil {
		inflight = make(map[string]struct{}, len(q.inflight))
	}
	for n := range q.inflight {
		inflight[n] = struct{}{}
	}
	q.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("list leases: %w", err)
	}

	abs := filepath.Join(q.root, dir)
	names, err := listJobFiles(abs)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", s, err)
	}

	entries := make([]Entry, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return entries, err
		}
		e := Entry{Ref: Ref(name), State: s, Path: filepath.Join(abs, name)}
		if st, ok := parseName(name); ok {
			e.CreatedAt = st.time()
		}
		if s == constants.StatePending {
			_, e.InFlight = inflight[name]
		}
		info, err := os.Stat(e.Path)
		if err != nil {
			// Moved by a concurrent operation since the listing.
			continue
		}
		e.Size = info.Size()
		e.ModTime = info.ModTime()

		data, err := os.ReadFile(e.Path)
		if err != nil {
			e.DecodeErr = err.Error()
		} else if rec, err := decodeRecord(data); err != nil {
			e.DecodeErr = err.Error()
		} else {
			e.Record = rec
		}
		entries = append(entries, e)
	}
	return entries, nil
}
