package common_test

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"strings"
	"testing"

	"github.com/joseph-ayodele/fsqueue/internal/common"
)

func TestErrorKinds(t *testing.T) {
	cause := fs.ErrNotExist
	tests := []struct {
		name        string
		err         error
		kind        error
		code        string
		recoverable bool
	}{
		{"initialization", common.InitializationError("open", cause), common.ErrInitialization, common.CodeInitialization, false},
		{"serialization", common.SerializationError("decode", cause), common.ErrSerialization, common.CodeSerialization, true},
		{"move", common.MoveError("complete", cause), common.ErrMove, common.CodeMove, true},
		{"corrupt index", common.CorruptIndexError("job_1.json"), common.ErrCorruptIndex, common.CodeCorruptIndex, true},
		{"invalid input", common.InvalidInputErrorf("bad %s", "ref"), common.ErrInvalidInput, common.CodeInvalidInput, false},
		{"invalid state", common.InvalidStateErrorf("from %q", "pending"), common.ErrInvalidState, common.CodeInvalidState, false},
		{"closed", common.ClosedError(), common.ErrClosed, common.CodeClosed, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.kind) {
				t.Errorf("errors.Is(%v, kind) = false", tt.err)
			}
			if got := common.CodeOf(tt.err); got != tt.code {
				t.Errorf("CodeOf = %q, want %q", got, tt.code)
			}
			if got := common.IsRecoverable(tt.err); got != tt.recoverable {
				t.Errorf("IsRecoverable = %v, want %v", got, tt.recoverable)
			}
			if strings.Contains(tt.err.Error(), "\n") {
				t.Errorf("message spans lines: %q", tt.err.Error())
			}
		})
	}
}

func TestErrorKinds_KeepCause(t *testing.T) {
	err := common.MoveError("complete job_1.json", fs.ErrExist)
	if !errors.Is(err, fs.ErrExist) {
		t.Error("cause lost")
	}
	wrapped := common.WrapError(err, "worker 1")
	if !errors.Is(wrapped, common.ErrMove) || common.CodeOf(wrapped) != common.CodeMove {
		t.Errorf("wrapping lost the kind: %v", wrapped)
	}
	want := "worker 1: MOVE_ERROR: complete job_1.json: job file move failed: file already exists"
	if wrapped.Error() != want {
		t.Errorf("message = %q, want %q", wrapped.Error(), want)
	}
	if common.WrapError(nil, "x") != nil {
		t.Error("WrapError(nil) != nil")
	}
}

func TestLoggerFromContext(t *testing.T) {
	if common.LoggerFromContext(context.Background()) != slog.Default() {
		t.Error("empty context should yield the default logger")
	}

	var buf bytes.Buffer
	logger := common.NewLogger(&buf, common.LogConfig{Level: "warn", Format: "text"})
	ctx := common.WithLogger(context.Background(), logger)
	common.LoggerFromContext(ctx).Info("hidden")
	common.LoggerFromContext(ctx).Warn("shown", "ref", "job_1.json")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "ref=job_1.json") {
		t.Errorf("log output = %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"chatty":  slog.LevelInfo,
	}
	for in, want := range tests {
		if got := common.ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
