package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/joseph-ayodele/fsqueue/internal/common"
)

// run executes the CLI against dir and returns stdout.
func run(t *testing.T, dir, stdin string, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := newRootCmd(&stdout, &stderr)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--dir", dir, "--sync=false", "--log-level", "error"}, args...))
	err := root.Execute()
	return stdout.String(), err
}

func mustRun(t *testing.T, dir, stdin string, args ...string) string {
	t.Helper()
	out, err := run(t, dir, stdin, args...)
	if err != nil {
		t.Fatalf("fsqueue %v: %v", args, err)
	}
	return out
}

func TestCLI_EnqueueWorkRetry(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "q")

	out := mustRun(t, dir, "", "enqueue", `{"task":"A"}`)
	if !strings.HasPrefix(out, "job_") {
		t.Fatalf("enqueue output = %q, want a ref", out)
	}
	out = mustRun(t, dir, `{"task":"B"} {"task":"C"}`, "enqueue", "-")
	if got := strings.Count(out, "job_"); got != 2 {
		t.Fatalf("stdin enqueue printed %d refs, want 2", got)
	}

	out = mustRun(t, dir, "", "work", "--once", `--exec`, `grep -q '"task":"B"' && exit 1 || exit 0`)
	if !strings.Contains(out, "completed 2, failed 1") {
		t.Fatalf("work output = %q", out)
	}

	out = mustRun(t, dir, "", "list", "--state", "failed")
	if !strings.Contains(out, "command exited with status 1") {
		t.Errorf("failed list = %q, want the recorded error", out)
	}

	out = mustRun(t, dir, "", "retry")
	if !strings.Contains(out, "requeued 1 failed jobs") {
		t.Errorf("retry output = %q", out)
	}
	out = mustRun(t, dir, "", "stats")
	for _, want := range []string{"pending", "completed", "failed", "index: memory"} {
		if !strings.Contains(strings.ToLower(out), want) {
			t.Errorf("stats output missing %q:\n%s", want, out)
		}
	}
}

func TestCLI_RequeueCompletedAndExport(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "q")
	mustRun(t, dir, "", "enqueue", `{"task":"A"}`)
	mustRun(t, dir, "", "work", "--once", "--exec", "true")

	out := mustRun(t, dir, "", "requeue", "--from", "completed")
	if !strings.Contains(out, "requeued 1 completed jobs") {
		t.Fatalf("requeue output = %q", out)
	}

	xlsx := filepath.Join(t.TempDir(), "out.xlsx")
	mustRun(t, dir, "", "export", "--out", xlsx)
	info, err := os.Stat(xlsx)
	if err != nil || info.Size() == 0 {
		t.Fatalf("export file: %v", err)
	}
}

func TestCLI_RejectsBadInput(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "q")
	tests := [][]string{
		{"enqueue", `[1,2]`},
		{"enqueue", `{"retry_count":1}`},
		{"list", "--state", "archived"},
		{"requeue", "--from", "pending"},
		{"cleanup"},
		{"--index", "redis", "stats"},
	}
	for _, args := range tests {
		_, err := run(t, dir, "", args...)
		if err == nil {
			t.Errorf("fsqueue %v succeeded", args)
			continue
		}
		if code := exitCode(err); code != 2 {
			t.Errorf("fsqueue %v exit code = %d (%v), want 2", args, code, err)
		}
	}
}

func TestCLI_Cleanup(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "q")
	mustRun(t, dir, "", "enqueue", `{"task":"A"}`)
	mustRun(t, dir, "", "cleanup", "--yes")
	if _, err := os.Stat(dir); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("queue dir still present: %v", err)
	}
}

func TestExitCode(t *testing.T) {
	if got := exitCode(common.InitializationError("x", nil)); got != 3 {
		t.Errorf("exitCode(init) = %d, want 3", got)
	}
	if got := exitCode(errors.New("other")); got != 1 {
		t.Errorf("exitCode(other) = %d, want 1", got)
	}
}

func TestClip_KeepsRunesWhole(t *testing.T) {
	got := clip("ошибка\nсоединения с сервером", 10)
	if got != "ошибка со…" {
		t.Errorf("clip = %q", got)
	}
	if !utf8.ValidString(got) {
		t.Errorf("clip produced invalid UTF-8: %q", got)
	}
	if got := clip("ok", 10); got != "ok" {
		t.Errorf("clip(short) = %q", got)
	}
}
