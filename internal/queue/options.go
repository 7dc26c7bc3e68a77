package queue

import (
	"log/slog"
	"time"
)

// Option configures a Queue at Open.
type Option func(*options)

type options struct {
	logger *slog.Logger
	kind   IndexKind
	sync   bool
	now    func() time.Time
}

func defaultOptions() options {
	return options{
		logger: slog.Default(),
		kind:   IndexMemory,
		sync:   true,
		now:    time.Now,
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithIndex selects the ordering index implementation.
func WithIndex(kind IndexKind) Option {
	return func(o *options) {
		if kind != "" {
			o.kind = kind
		}
	}
}

// WithSync toggles fsync of job files and directory entries. Disabling it
// trades crash durability for speed and is meant for tests.
func WithSync(sync bool) Option {
	return func(o *options) {
		o.sync = sync
	}
}

// WithClock overrides the clock used for job file names.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}
