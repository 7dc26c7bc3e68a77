package constants

import "strings"

// Directory names under the queue root.
const (
	PendingDir   = "jobs"
	CompletedDir = "completed"
	FailedDir    = "failed"
)

// Persisted index files under the queue root.
const (
	IndexLogFile    = "index.txt"
	IndexLockFile   = "index.lock"
	IndexSQLiteFile = "index.db"
)

// Cross-instance coordination under the queue root.
const (
	QueueLockFile  = "queue.lock"
	LeaseDir       = "leases"
	LeaseOwnerFile = "owner.lock"
)

// Job file naming.
const (
	JobFilePrefix = "job_"
	JobFileExt    = ".json"
	TempPrefix    = ".tmp-"
)

// Queue-owned metadata keys inside a job record.
const (
	MetaRetryCount = "retry_count"
	MetaLastError  = "last_error"
)

// ReservedKeys are the record keys owned by the queue.
var ReservedKeys = map[string]struct{}{
	MetaRetryCount: {},
	MetaLastError:  {},
}

// IsJobFile reports whether name looks like a job file (and not a temp file).
func IsJobFile(name string) bool {
	return strings.HasPrefix(name, JobFilePrefix) && strings.HasSuffix(name, JobFileExt)
}

// IsTempFile reports whether name is an in-progress atomic write.
func IsTempFile(name string) bool {
	return strings.HasPrefix(name, TempPrefix)
}
