package queue

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/fsqueue/constants"
)

// leaseSet marks the jobs one Queue instance has dequeued but not resolved,
// as empty files under <root>/leases/<instance>/. The instance holds an flock
// on its owner.lock until Close, so other instances can tell live leases from
// ones left behind by a process that died: a lock that can be taken has no
// owner, and its leases are released back to the listing.
type leaseSet struct {
	base   string // <root>/leases
	id     string
	dir    string // <root>/leases/<id>
	owner  *os.File
	logger *slog.Logger
}

func openLeases(root string, logger *slog.Logger) (*leaseSet, error) {
	base := filepath.Join(root, constants.LeaseDir)
	id := uuid.NewString()
	dir := filepath.Join(base, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lease directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, constants.LeaseOwnerFile), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("open lease owner lock: %w", err)
	}
	held, err := tryLock(f)
	if err == nil && !held {
		err = fmt.Errorf("lease owner lock %s already held", id)
	}
	if err != nil {
		_ = f.Close()
		_ = os.RemoveAll(dir)
		return nil, err
	}
	return &leaseSet{base: base, id: id, dir: dir, owner: f, logger: logger}, nil
}

func (l *leaseSet) take(name string) error {
	return os.WriteFile(filepath.Join(l.dir, name), nil, 0o644)
}

func (l *leaseSet) drop(name string) error {
	err := os.Remove(filepath.Join(l.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// others returns the jobs leased by other live instances. With reap set, the
// lease directories of dead instances are removed.
func (l *leaseSet) others(reap bool) (map[string]struct{}, error) {
	entries, err := os.ReadDir(l.base)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list leases: %w", err)
	}

	leased := make(map[string]struct{})
	for _, e := range entries {
		if !e.IsDir() || e.Name() == l.id {
			continue
		}
		dir := filepath.Join(l.base, e.Name())
		f, err := os.OpenFile(filepath.Join(dir, constants.LeaseOwnerFile), os.O_RDWR, 0)
		if errors.Is(err, fs.ErrNotExist) {
			// Owner not locked yet or already gone; either way no leases.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("open lease owner lock: %w", err)
		}
		dead, err := tryLock(f)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		names, lerr := listJobFiles(dir)
		if lerr != nil && !errors.Is(lerr, fs.ErrNotExist) {
			_ = f.Close()
			return nil, fmt.Errorf("list leases of %s: %w", e.Name(), lerr)
		}
		if !dead {
			_ = f.Close()
			for _, n := range names {
				leased[n] = struct{}{}
			}
			continue
		}
		if reap {
			if err := os.RemoveAll(dir); err != nil {
				l.logger.Warn("remove dead lease directory", "instance", e.Name(), "error", err)
			} else if len(names) > 0 {
				l.logger.Warn("released leases of a dead instance", "instance", e.Name(), "jobs", len(names))
			}
		}
		// Closing the descriptor releases the lock.
		_ = f.Close()
	}
	return leased, nil
}

// close releases every lease of this instance and gives up ownership.
func (l *leaseSet) close() error {
	if l == nil || l.owner == nil {
		return nil
	}
	err := os.RemoveAll(l.dir)
	if cerr := l.owner.Close(); err == nil {
		err = cerr
	}
	l.owner = nil
	return err
}
