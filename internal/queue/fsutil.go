package queue

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/joseph-ayodele/fsqueue/constants"
)

// tempName is the in-progress name for an atomic write of target.
// Listings ignore it; recoverTemps resolves leftovers after a crash.
func tempName(target string) string {
	return constants.TempPrefix + target + "-" + uuid.NewString()
}

// tempTarget recovers the target name from a temp file name.
func tempTarget(name string) (string, bool) {
	rest, ok := strings.CutPrefix(name, constants.TempPrefix)
	if !ok {
		return "", false
	}
	i := strings.Index(rest, constants.JobFileExt+"-")
	if i < 0 {
		return "", false
	}
	return rest[:i+len(constants.JobFileExt)], true
}

// writeTemp writes data to a fresh temp file inside dir and returns its path.
func writeTemp(dir, target string, data []byte, sync bool) (string, error) {
	path := filepath.Join(dir, tempName(target))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if sync {
		if err := f.Sync(); err != nil {
			_ = f.Close()
			_ = os.Remove(path)
			return "", fmt.Errorf("sync temp file: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return path, nil
}

// syncDir flushes directory entries so renames survive a power loss.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, unix.EINVAL) {
		return err
	}
	return nil
}

func exists(path string) (bool, error) {
	_, err := os.Lstat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// moveFile renames src to dst without ever replacing an existing dst.
// Across filesystems it degrades to copy, sync and remove, which is not atomic.
func moveFile(src, dst string, sync bool, logger *slog.Logger) error {
	if ok, err := exists(dst); err != nil {
		return fmt.Errorf("stat destination: %w", err)
	} else if ok {
		return fmt.Errorf("destination %s: %w", dst, fs.ErrExist)
	}

	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.EXDEV) {
		return err
	}

	logger.Warn("cross-device move, falling back to copy (degraded, not atomic)", "src", src, "dst", dst)
	if err := copyFile(src, dst, sync); err != nil {
		_ = os.Remove(dst)
		return fmt.Errorf("copy across devices: %w", err)
	}
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("remove source after copy: %w", err)
	}
	return nil
}

func copyFile(src, dst string, sync bool) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if sync {
		if err := out.Sync(); err != nil {
			_ = out.Close()
			return err
		}
	}
	return out.Close()
}

// listJobFiles returns the job file names in dir, sorted by name.
func listJobFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || !constants.IsJobFile(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

// sameDevice reports whether every path lives on the same filesystem device.
func sameDevice(paths ...string) (bool, error) {
	var first uint64
	for i, p := range paths {
		var st unix.Stat_t
		if err := unix.Stat(p, &st); err != nil {
			return false, err
		}
		dev := uint64(st.Dev)
		if i == 0 {
			first = dev
			continue
		}
		if dev != first {
			return false, nil
		}
	}
	return true, nil
}
