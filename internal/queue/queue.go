// Package queue implements a persistent job queue whose only storage is a
// directory tree:
//
//	<root>/jobs/       pending job files
//	<root>/completed/  completed job files
//	<root>/failed/     failed job files
//
// A job's lifecycle state is the directory holding its file, and the only
// legal transition is a rename between them. Dequeue order comes from an
// Index, which is validated against the pending listing at Open and on
// Reconcile; the listing always wins.
//
// A Queue serializes its own operations and may be shared by goroutines of
// one process. Other instances on the same directory (producers, operator
// tools, a second process) coordinate through an flock on queue.lock, and
// each instance records its in-flight jobs as leases so that nobody else
// re-indexes them while it is alive. Consuming from several instances at once
// is only safe with a shared persisted index (log or sqlite).
package queue

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/joseph-ayodele/fsqueue/constants"
	"github.com/joseph-ayodele/fsqueue/internal/common"
)

// Queue is one instance of a filesystem job queue rooted at a directory.
type Queue struct {
	mu sync.Mutex

	root         string
	pendingDir   string
	completedDir string
	failedDir    string

	kind     IndexKind
	index    Index
	names    *nameGenerator
	inflight map[string]struct{}
	leases   *leaseSet
	lockPath string
	logger   *slog.Logger
	sync     bool
	closed   bool

	staleDropped int
}

// ReconcileResult reports how the index was repaired against the listing.
type ReconcileResult struct {
	Added   int // pending files that were not indexed
	Dropped int // index entries without a pending file
	Pending int // index length afterwards
}

// Open creates the state directories if needed, recovers interrupted writes
// and establishes the ordering index. Any failure is an InitializationError.
func Open(ctx context.Context, dir string, opts ...Option) (*Queue, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	if dir == "" {
		return nil, common.InitializationError("queue directory is required", nil)
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, common.InitializationError("resolve queue directory", err)
	}

	q := &Queue{
		root:         root,
		pendingDir:   filepath.Join(root, constants.PendingDir),
		completedDir: filepath.Join(root, constants.CompletedDir),
		failedDir:    filepath.Join(root, constants.FailedDir),
		kind:         o.kind,
		names:        newNameGenerator(o.now),
		inflight:     make(map[string]struct{}),
		lockPath:     filepath.Join(root, constants.QueueLockFile),
		logger:       o.logger.With("queue", root),
		sync:         o.sync,
	}

	for _, d := range []string{q.pendingDir, q.completedDir, q.failedDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, common.InitializationError("create state directory "+d, err)
		}
	}

	if same, err := sameDevice(q.pendingDir, q.completedDir, q.failedDir); err != nil {
		q.logger.Warn("could not compare state directory devices", "error", err)
	} else if !same {
		q.logger.Warn("state directories span filesystems; moves are copy+delete (degraded, not atomic)")
	}

	if err := q.recoverTemps(); err != nil {
		return nil, common.InitializationError("recover interrupted writes", err)
	}
	if err := q.seedNames(); err != nil {
		return nil, common.InitializationError("scan existing job files", err)
	}

	q.index, err = q.openIndex(ctx)
	if err != nil {
		return nil, common.InitializationError("open "+string(q.kind)+" index", err)
	}

	q.leases, err = openLeases(root, q.logger)
	if err != nil {
		_ = q.index.Close()
		return nil, common.InitializationError("register instance", err)
	}

	res, err := q.reconcileLocked(ctx)
	if err != nil {
		_ = q.leases.close()
		_ = q.index.Close()
		return nil, common.InitializationError("rebuild index", err)
	}

	q.logger.Info("queue opened",
		"index", string(q.kind),
		"pending", res.Pending,
		"reindexed", res.Added,
		"stale_dropped", res.Dropped)
	return q, nil
}

func (q *Queue) openIndex(ctx context.Context) (Index, error) {
	switch q.kind {
	case IndexMemory:
		return newMemoryIndex(), nil
	case IndexLog:
		return newLogIndex(q.root, q.sync), nil
	case IndexSQLite:
		idx, err := openSQLiteIndex(ctx, q.root)
		if err == nil {
			return idx, nil
		}
		// An unreadable index is a cache miss: set it aside and rebuild from the listing.
		q.logger.Warn("sqlite index unreadable, rebuilding from listing", "error", err)
		path := filepath.Join(q.root, constants.IndexSQLiteFile)
		aside := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
		if rerr := os.Rename(path, aside); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
			return nil, errors.Join(err, rerr)
		}
		_ = os.Remove(path + "-wal")
		_ = os.Remove(path + "-shm")
		return openSQLiteIndex(ctx, q.root)
	}
	return nil, fmt.Errorf("unknown index kind %q", q.kind)
}

// recoverTemps resolves atomic writes cut short by a crash. A temp file in
// failed/ whose target already sits in failed/ is a Fail that moved the job
// but did not yet install the updated metadata: roll it forward. Every other
// temp file never became visible and is removed.
func (q *Queue) recoverTemps() error {
	for _, dir := range []string{q.root, q.pendingDir, q.completedDir, q.failedDir} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if !constants.IsTempFile(e.Name()) {
				continue
			}
			tmp := filepath.Join(dir, e.Name())
			if dir == q.failedDir {
				if target, ok := tempTarget(e.Name()); ok {
					dst := filepath.Join(dir, target)
					if ok, _ := exists(dst); ok {
						if err := os.Rename(tmp, dst); err != nil {
							return fmt.Errorf("roll forward %s: %w", target, err)
						}
						q.logger.Warn("rolled forward interrupted fail", "ref", target)
						continue
					}
				}
			}
			if err := os.Remove(tmp); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("remove temp file %s: %w", tmp, err)
			}
			q.logger.Warn("removed interrupted write", "path", tmp)
		}
	}
	return nil
}

// seedNames makes new names sort after every job file already on disk.
func (q *Queue) seedNames() error {
	for _, dir := range []string{q.pendingDir, q.completedDir, q.failedDir} {
		names, err := listJobFiles(dir)
		if err != nil {
			return err
		}
		if len(names) > 0 {
			q.names.observe(names[len(names)-1])
		}
	}
	return nil
}

// exclusive runs fn under the queue-wide flock shared by every instance on
// the directory.
func (q *Queue) exclusive(fn func() error) error {
	l, err := acquireLock(q.lockPath)
	if err != nil {
		return fmt.Errorf("queue lock: %w", err)
	}
	defer func() {
		if rerr := l.release(); rerr != nil {
			q.logger.Warn("release queue lock", "error", rerr)
		}
	}()
	return fn()
}

// reconcileLocked validates the index against the pending listing. Persisted
// order is kept for entries that still exist; unindexed pending files that are
// not in flight here or leased by another live instance are appended in name
// order.
func (q *Queue) reconcileLocked(ctx context.Context) (ReconcileResult, error) {
	var res ReconcileResult
	err := q.exclusive(func() error {
		var err error
		res, err = q.reconcileExclusive(ctx)
		return err
	})
	return res, err
}

func (q *Queue) reconcileExclusive(ctx context.Context) (ReconcileResult, error) {
	leased, err := q.leases.others(true)
	if err != nil {
		return ReconcileResult{}, err
	}
	flying := func(name string) bool {
		if _, ok := q.inflight[name]; ok {
			return true
		}
		_, ok := leased[name]
		return ok
	}

	listing, err := listJobFiles(q.pendingDir)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("list pending: %w", err)
	}
	listed := make(map[string]struct{}, len(listing))
	for _, n := range listing {
		listed[n] = struct{}{}
	}

	persisted, loadErr := q.index.Load(ctx)
	if loadErr != nil {
		q.logger.Warn("index unreadable, treating as empty", "index", string(q.kind), "error", loadErr)
		persisted = nil
	}

	var res ReconcileResult
	kept := make([]string, 0, len(listing))
	seen := make(map[string]struct{}, len(listing))
	for _, n := range persisted {
		_, onDisk := listed[n]
		_, dup := seen[n]
		if !onDisk || dup || flying(n) {
			res.Dropped++
			continue
		}
		seen[n] = struct{}{}
		kept = append(kept, n)
	}
	for _, n := range listing {
		if _, ok := seen[n]; ok {
			continue
		}
		if flying(n) {
			continue
		}
		seen[n] = struct{}{}
		kept = append(kept, n)
		res.Added++
	}

	if loadErr != nil || res.Added > 0 || res.Dropped > 0 {
		if err := q.index.Replace(ctx, kept); err != nil {
			return ReconcileResult{}, fmt.Errorf("repair index: %w", err)
		}
	}
	if res.Dropped > 0 {
		q.staleDropped += res.Dropped
		q.logger.Warn("dropped stale index entries", "count", res.Dropped, "error", common.CorruptIndexError("entries without pending file"))
	}
	res.Pending = q.index.Len()
	return res, nil
}

func (q *Queue) begin(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if q.closed {
		return common.ClosedError()
	}
	return nil
}

// Enqueue writes rec as a new pending job and appends it to the index.
func (q *Queue) Enqueue(ctx context.Context, rec Record) (Ref, error) {
	if err := validateRecord(rec); err != nil {
		return "", err
	}
	data, err := encodeRecord(rec)
	if err != nil {
		return "", err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.begin(ctx); err != nil {
		return "", err
	}

	name := q.names.next()
	target := filepath.Join(q.pendingDir, name)

	tmp, err := writeTemp(q.pendingDir, name, data, q.sync)
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	err = q.exclusive(func() error {
		return q.publish(ctx, name, tmp, target)
	})
	if err != nil {
		_ = os.Remove(tmp)
		return "", err
	}

	q.logger.Debug("job enqueued", "ref", name, "bytes", len(data))
	return Ref(name), nil
}

// publish renames a staged job file into pending and indexes it.
func (q *Queue) publish(ctx context.Context, name, tmp, target string) error {
	if ok, err := exists(target); err != nil || ok {
		_ = os.Remove(tmp)
		if err == nil {
			err = fs.ErrExist
		}
		return fmt.Errorf("enqueue %s: %w", name, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("enqueue %s: %w", name, err)
	}
	if q.sync {
		if err := syncDir(q.pendingDir); err != nil {
			q.logger.Warn("sync pending dir failed", "error", err)
		}
	}

	if err := q.index.Append(ctx, name); err != nil {
		// Unindexed pending files would reappear at the next open; undo instead.
		if rerr := os.Remove(target); rerr != nil {
			q.logger.Error("enqueue rollback failed", "ref", name, "error", rerr)
		}
		return fmt.Errorf("enqueue %s: index append: %w", name, err)
	}
	return nil
}

// Dequeue pops the oldest indexed job. It returns nil, nil when the queue is
// empty. The file stays in the pending directory until Complete or Fail.
//
// Index entries whose file has disappeared are dropped and the next entry is
// tried. A file that cannot be decoded is moved unchanged to the failed
// directory and reported as a SerializationError; the next call continues
// with the following job.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.begin(ctx); err != nil {
		return nil, err
	}

	var job *Job
	err := q.exclusive(func() error {
		var err error
		job, err = q.dequeueExclusive(ctx)
		return err
	})
	return job, err
}

func (q *Queue) dequeueExclusive(ctx context.Context) (*Job, error) {
	for {
		name, ok, err := q.index.PopFront(ctx)
		if err != nil {
			return nil, fmt.Errorf("dequeue: %w", err)
		}
		if !ok {
			return nil, nil
		}

		path := filepath.Join(q.pendingDir, name)
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			q.staleDropped++
			q.logger.Warn("skipping stale index entry", "ref", name, "error", common.CorruptIndexError(name))
			continue
		}
		if err != nil {
			q.restoreHead(ctx, name)
			return nil, fmt.Errorf("dequeue %s: read: %w", name, err)
		}

		rec, err := decodeRecord(data)
		if err != nil {
			return nil, q.quarantine(name, err)
		}

		if err := q.leases.take(name); err != nil {
			q.restoreHead(ctx, name)
			return nil, fmt.Errorf("dequeue %s: lease: %w", name, err)
		}
		q.inflight[name] = struct{}{}
		job := &Job{Ref: Ref(name), Record: rec}
		if st, ok := parseName(name); ok {
			job.CreatedAt = st.time()
		}
		q.logger.Debug("job dequeued", "ref", name, "retry_count", rec.RetryCount())
		return job, nil
	}
}

// restoreHead puts a popped job back at the head so a failed Dequeue keeps
// its position.
func (q *Queue) restoreHead(ctx context.Context, name string) {
	if err := q.index.PushFront(ctx, name); err != nil {
		// Unindexed but still pending; the next Reconcile or open picks it up.
		q.logger.Error("restore index head failed", "ref", name, "error", err)
	}
}

// quarantine moves an undecodable pending file to failed/ untouched.
func (q *Queue) quarantine(name string, cause error) error {
	serr := common.SerializationError("job "+name, cause)
	src := filepath.Join(q.pendingDir, name)
	dst := filepath.Join(q.failedDir, name)
	if err := moveFile(src, dst, q.sync, q.logger); err != nil {
		// Left in pending and out of the index; the next open re-indexes it.
		q.logger.Error("quarantine failed", "ref", name, "error", err)
		return errors.Join(serr, common.MoveError("quarantine "+name, err))
	}
	q.logger.Warn("quarantined malformed job file", "ref", name, "error", cause)
	return serr
}

// Complete moves a pending job to the completed directory.
func (q *Queue) Complete(ctx context.Context, ref Ref) error {
	if err := validateRef(ref); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.begin(ctx); err != nil {
		return err
	}

	name := string(ref)
	src := filepath.Join(q.pendingDir, name)
	dst := filepath.Join(q.completedDir, name)
	if err := moveFile(src, dst, q.sync, q.logger); err != nil {
		q.logger.Error("complete failed", "ref", name, "error", err)
		return common.MoveError("complete "+name, err)
	}
	q.syncDirs(q.pendingDir, q.completedDir)
	q.forget(ctx, name)

	q.logger.Debug("job completed", "ref", name)
	return nil
}

// Fail moves a pending job to the failed directory. With a non-nil cause the
// record's retry_count is incremented and last_error set before the move.
// Either both happen or the job stays pending and unchanged.
func (q *Queue) Fail(ctx context.Context, ref Ref, cause error) error {
	if err := validateRef(ref); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.begin(ctx); err != nil {
		return err
	}

	name := string(ref)
	src := filepath.Join(q.pendingDir, name)
	dst := filepath.Join(q.failedDir, name)

	if cause == nil {
		if err := moveFile(src, dst, q.sync, q.logger); err != nil {
			q.logger.Error("fail failed", "ref", name, "error", err)
			return common.MoveError("fail "+name, err)
		}
		q.syncDirs(q.pendingDir, q.failedDir)
		q.forget(ctx, name)
		q.logger.Info("job failed", "ref", name)
		return nil
	}

	data, err := os.ReadFile(src)
	if err != nil {
		return common.MoveError("fail "+name, err)
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return common.SerializationError("fail "+name, err)
	}
	retries := rec.RetryCount()
	if retries < math.MaxInt {
		retries++
	}
	rec[constants.MetaRetryCount] = retries
	rec[constants.MetaLastError] = cause.Error()
	updated, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	// 1. stage the updated record next to its destination
	tmp, err := writeTemp(q.failedDir, name, updated, q.sync)
	if err != nil {
		return common.MoveError("fail "+name+": stage metadata", err)
	}
	// 2. move the original; a crash from here on is rolled forward at open
	if err := moveFile(src, dst, q.sync, q.logger); err != nil {
		_ = os.Remove(tmp)
		q.logger.Error("fail failed", "ref", name, "error", err)
		return common.MoveError("fail "+name, err)
	}
	// 3. install the updated record over the moved one
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		if rerr := os.Rename(dst, src); rerr != nil {
			q.logger.Error("fail rollback failed; job left in failed without metadata", "ref", name, "error", rerr)
		}
		return common.MoveError("fail "+name+": install metadata", err)
	}
	q.syncDirs(q.pendingDir, q.failedDir)
	q.forget(ctx, name)

	q.logger.Info("job failed", "ref", name, "retry_count", retries, "error", cause.Error())
	return nil
}

// forget drops a resolved job from the in-flight set, its lease and the
// index, in case it was resolved without being dequeued. The job file has
// already left pending, so releasing the lease cannot expose it.
func (q *Queue) forget(ctx context.Context, name string) {
	delete(q.inflight, name)
	if err := q.leases.drop(name); err != nil {
		q.logger.Warn("lease release failed", "ref", name, "error", err)
	}
	if _, err := q.index.Remove(ctx, name); err != nil {
		// A stale entry is skipped by Dequeue and dropped by Reconcile.
		q.logger.Warn("index remove failed", "ref", name, "error", err)
	}
}

func (q *Queue) syncDirs(dirs ...string) {
	if !q.sync {
		return
	}
	for _, d := range dirs {
		if err := syncDir(d); err != nil {
			q.logger.Warn("sync dir failed", "dir", d, "error", err)
		}
	}
}

// RetryFailedJobs moves every failed job back to pending. See Requeue.
func (q *Queue) RetryFailedJobs(ctx context.Context) (int, error) {
	return q.Requeue(ctx, constants.StateFailed)
}

// Requeue moves every job in the failed or completed directory back to
// pending, appending each to the index in listing order. Listing order is
// name order, i.e. original creation order, which after repeated retries is
// not necessarily the order in which jobs failed. Per-file errors are joined;
// files moved before an error stay moved.
//
// Requeue from completed re-runs jobs that already succeeded and is logged as
// a manual action.
func (q *Queue) Requeue(ctx context.Context, from constants.State) (int, error) {
	dir, err := q.terminalDir(from)
	if err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.begin(ctx); err != nil {
		return 0, err
	}

	names, err := listJobFiles(dir)
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", from, err)
	}

	var moved int
	var errs []error
	lerr := q.exclusive(func() error {
		for _, name := range names {
			if err := ctx.Err(); err != nil {
				errs = append(errs, err)
				break
			}
			if err := q.requeueLocked(ctx, from, dir, name); err != nil {
				errs = append(errs, err)
				continue
			}
			moved++
		}
		return nil
	})
	if lerr != nil {
		errs = append(errs, lerr)
	}
	q.syncDirs(dir, q.pendingDir)

	q.logger.Info("requeued jobs", "from", string(from), "moved", moved, "errors", len(errs))
	return moved, errors.Join(errs...)
}

// RequeueJob moves a single failed or completed job back to pending.
func (q *Queue) RequeueJob(ctx context.Context, from constants.State, ref Ref) error {
	if err := validateRef(ref); err != nil {
		return err
	}
	dir, err := q.terminalDir(from)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.begin(ctx); err != nil {
		return err
	}
	err = q.exclusive(func() error {
		return q.requeueLocked(ctx, from, dir, string(ref))
	})
	if err != nil {
		return err
	}
	q.syncDirs(dir, q.pendingDir)
	return nil
}

func (q *Queue) requeueLocked(ctx context.Context, from constants.State, dir, name string) error {
	src := filepath.Join(dir, name)
	dst := filepath.Join(q.pendingDir, name)
	if err := moveFile(src, dst, q.sync, q.logger); err != nil {
		q.logger.Error("requeue move failed", "ref", name, "from", string(from), "error", err)
		return common.MoveError("requeue "+name, err)
	}
	if err := q.index.Append(ctx, name); err != nil {
		if rerr := moveFile(dst, src, q.sync, q.logger); rerr != nil {
			// Pending but unindexed: the next Reconcile or open picks it up.
			q.logger.Error("requeue rollback failed", "ref", name, "error", rerr)
		}
		return fmt.Errorf("requeue %s: index append: %w", name, err)
	}
	if from == constants.StateCompleted {
		q.logger.Warn("completed job requeued", "action", "requeue", "ref", name)
	} else {
		q.logger.Debug("job requeued", "ref", name, "from", string(from))
	}
	return nil
}

func (q *Queue) terminalDir(s constants.State) (string, error) {
	switch s {
	case constants.StateFailed:
		return q.failedDir, nil
	case constants.StateCompleted:
		return q.completedDir, nil
	}
	return "", common.InvalidStateErrorf("cannot requeue from %q", s)
}

// Reconcile re-validates the index against the pending directory: entries
// without a file are dropped and pending files written by another producer
// are indexed.
func (q *Queue) Reconcile(ctx context.Context) (ReconcileResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.begin(ctx); err != nil {
		return ReconcileResult{}, err
	}
	return q.reconcileLocked(ctx)
}

// Size is the number of pending jobs that have not been dequeued.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0
	}
	return q.index.Len()
}

// InFlight is the number of jobs this instance dequeued and has not yet
// completed or failed.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

// FailedSize counts the job files in the failed directory.
func (q *Queue) FailedSize() (int, error) {
	return q.countDir(q.failedDir)
}

// CompletedSize counts the job files in the completed directory.
func (q *Queue) CompletedSize() (int, error) {
	return q.countDir(q.completedDir)
}

func (q *Queue) countDir(dir string) (int, error) {
	names, err := listJobFiles(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return len(names), nil
}

// Root is the absolute queue directory.
func (q *Queue) Root() string { return q.root }

// Dir is the absolute directory holding jobs in state s.
func (q *Queue) Dir(s constants.State) string {
	return filepath.Join(q.root, s.Dir())
}

// Close releases the index. The directory tree is left intact.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	// Unresolved jobs become deliverable again for the next instance.
	lerr := q.leases.close()
	q.inflight = make(map[string]struct{})
	return errors.Join(q.index.Close(), lerr)
}

// Cleanup irreversibly deletes the whole queue directory, including every
// job in every state and any persisted index. Meant for tests and teardown.
// The Queue is closed afterwards.
func (q *Queue) Cleanup() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		if err := q.index.Close(); err != nil {
			q.logger.Warn("close index before cleanup", "error", err)
		}
		if err := q.leases.close(); err != nil {
			q.logger.Warn("release leases before cleanup", "error", err)
		}
		q.closed = true
	}
	q.inflight = make(map[string]struct{})
	if err := os.RemoveAll(q.root); err != nil {
		return fmt.Errorf("cleanup %s: %w", q.root, err)
	}
	q.logger.Warn("queue directory removed", "action", "cleanup")
	return nil
}
