package queue

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// fileLock is an advisory, whole-file flock(2) held for one critical section.
// The lock file is never renamed, so it stays valid while the data file it
// guards is replaced by rename.
type fileLock struct {
	f *os.File
}

func acquireLock(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	for {
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}
	return &fileLock{f: f}, nil
}

func (l *fileLock) release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}

// withLock runs fn while holding the lock at path.
func withLock(path string, fn func() error) (err error) {
	l, err := acquireLock(path)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := l.release(); err == nil && rerr != nil {
			err = fmt.Errorf("release lock: %w", rerr)
		}
	}()
	return fn()
}

// tryLock takes an exclusive flock on f without blocking. It reports false,
// with a nil error, when another open file description holds the lock.
func tryLock(f *os.File) (bool, error) {
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		switch err {
		case nil:
			return true, nil
		case unix.EWOULDBLOCK:
			return false, nil
		case unix.EINTR:
			continue
		}
		return false, fmt.Errorf("flock %s: %w", f.Name(), err)
	}
}
