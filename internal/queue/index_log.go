package queue

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joseph-ayodele/fsqueue/constants"
)

// logIndex persists the order as one job file name per line. Appends go to
// the end of the file; every other change rewrites it through a temp file and
// rename. All access happens under an flock on a sibling lock file, and every
// mutation re-reads the file inside the lock instead of trusting the mirror.
type logIndex struct {
	path     string
	lockPath string
	sync     bool
	mirror   []string
}

func newLogIndex(root string, sync bool) *logIndex {
	return &logIndex{
		path:     filepath.Join(root, constants.IndexLogFile),
		lockPath: filepath.Join(root, constants.IndexLockFile),
		sync:     sync,
	}
}

func (l *logIndex) read() ([]string, error) {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		// Older logs stored absolute paths.
		names = append(names, filepath.Base(line))
	}
	return names, sc.Err()
}

func (l *logIndex) write(names []string) error {
	var buf bytes.Buffer
	for _, n := range names {
		buf.WriteString(n)
		buf.WriteByte('\n')
	}
	dir := filepath.Dir(l.path)
	tmp, err := writeTemp(dir, constants.IndexLogFile, buf.Bytes(), l.sync)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, l.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace index log: %w", err)
	}
	if l.sync {
		return syncDir(dir)
	}
	return nil
}

func (l *logIndex) Load(context.Context) ([]string, error) {
	var names []string
	err := withLock(l.lockPath, func() error {
		var err error
		names, err = l.read()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read index log: %w", err)
	}
	l.mirror = names
	return append([]string(nil), names...), nil
}

func (l *logIndex) Append(_ context.Context, names ...string) error {
	if len(names) == 0 {
		return nil
	}
	return withLock(l.lockPath, func() error {
		f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open index log: %w", err)
		}
		w := bufio.NewWriter(f)
		for _, n := range names {
			_, _ = w.WriteString(n)
			_ = w.WriteByte('\n')
		}
		if err := w.Flush(); err != nil {
			_ = f.Close()
			return fmt.Errorf("append index log: %w", err)
		}
		if l.sync {
			if err := f.Sync(); err != nil {
				_ = f.Close()
				return fmt.Errorf("sync index log: %w", err)
			}
		}
		if err := f.Close(); err != nil {
			return err
		}
		current, err := l.read()
		if err != nil {
			return err
		}
		l.mirror = current
		return nil
	})
}

// mutate applies fn to the on-disk entries and persists the result.
func (l *logIndex) mutate(fn func([]string) []string) error {
	return withLock(l.lockPath, func() error {
		current, err := l.read()
		if err != nil {
			return fmt.Errorf("read index log: %w", err)
		}
		next := fn(current)
		if err := l.write(next); err != nil {
			return err
		}
		l.mirror = next
		return nil
	})
}

func (l *logIndex) PopFront(context.Context) (string, bool, error) {
	var head string
	var ok bool
	err := l.mutate(func(names []string) []string {
		if len(names) == 0 {
			return names
		}
		head, ok = names[0], true
		return names[1:]
	})
	if err != nil {
		return "", false, err
	}
	return head, ok, nil
}

func (l *logIndex) PushFront(_ context.Context, name string) error {
	return l.mutate(func(names []string) []string {
		return append([]string{name}, names...)
	})
}

func (l *logIndex) Remove(_ context.Context, name string) (bool, error) {
	var removed bool
	err := l.mutate(func(names []string) []string {
		out := names[:0]
		for _, n := range names {
			if n == name {
				removed = true
				continue
			}
			out = append(out, n)
		}
		return out
	})
	return removed, err
}

func (l *logIndex) Replace(_ context.Context, names []string) error {
	return l.mutate(func([]string) []string {
		return append([]string(nil), names...)
	})
}

func (l *logIndex) Len() int { return len(l.mirror) }

func (l *logIndex) Close() error { return nil }
