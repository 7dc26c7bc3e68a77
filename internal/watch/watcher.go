package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/joseph-ayodele/fsqueue/constants"
)

// Config describes what Start watches and whom it notifies.
type Config struct {
	Dir         string               // pending directory to watch (not recursive)
	Debounce    time.Duration        // coalesce bursts of events into one OnChange
	InitialScan bool                 // call OnChange once at start with the job files already present
	OnChange    func(names []string) // job file names seen since the last call, sorted
	Logger      *slog.Logger
}

// Start watches cfg.Dir until ctx is done. Watcher errors are delivered on the
// returned channel without blocking; the channel is closed when watching stops.
func Start(ctx context.Context, cfg Config) (<-chan error, error) {
	if cfg.Dir == "" {
		return nil, errors.New("watch: no directory provided")
	}
	if cfg.OnChange == nil {
		return nil, errors.New("watch: OnChange is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("dir", cfg.Dir)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Error("failed to create fsnotify watcher", "error", err)
		return nil, err
	}
	if err := w.Add(cfg.Dir); err != nil {
		_ = w.Close()
		logger.Error("failed to watch directory", "error", err)
		return nil, fmt.Errorf("watch %s: %w", cfg.Dir, err)
	}

	var initial []string
	if cfg.InitialScan {
		entries, err := os.ReadDir(cfg.Dir)
		if err != nil {
			_ = w.Close()
			return nil, fmt.Errorf("scan %s: %w", cfg.Dir, err)
		}
		for _, e := range entries {
			if constants.IsJobFile(e.Name()) {
				initial = append(initial, e.Name())
			}
		}
	}

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		defer func() {
			if err := w.Close(); err != nil {
				logger.Warn("closing watcher failed", "error", err)
			}
		}()

		if len(initial) > 0 {
			cfg.OnChange(initial)
		}

		pending := map[string]struct{}{}
		var timer *time.Timer
		var fire <-chan time.Time

		flush := func() {
			if len(pending) == 0 {
				return
			}
			names := make([]string, 0, len(pending))
			for n := range pending {
				names = append(names, n)
			}
			clear(pending)
			sort.Strings(names)
			cfg.OnChange(names)
		}

		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case e, ok := <-w.Events:
				if !ok {
					return
				}
				name := filepath.Base(e.Name)
				if !constants.IsJobFile(name) || e.Op == fsnotify.Chmod {
					continue
				}
				pending[name] = struct{}{}
				if cfg.Debounce <= 0 {
					flush()
					continue
				}
				if timer == nil {
					timer = time.NewTimer(cfg.Debounce)
				} else {
					timer.Reset(cfg.Debounce)
				}
				fire = timer.C
			case <-fire:
				fire = nil
				flush()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Error("watcher error", "error", err)
				select {
				case errCh <- err:
				default:
				}
			}
		}
	}()

	logger.Info("watching pending directory", "debounce", cfg.Debounce.String())
	return errCh, nil
}
