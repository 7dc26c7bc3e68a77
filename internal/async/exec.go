package async

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/joseph-ayodele/fsqueue/internal/common"
	"github.com/joseph-ayodele/fsqueue/internal/queue"
)

const stderrTail = 512

// ExecHandler runs command through sh -c for every job, with the job record
// as JSON on stdin and FSQ_JOB_REF / FSQ_RETRY_COUNT in the environment.
// Exit status 0 completes the job; anything else fails it with the tail of stderr.
func ExecHandler(command string) Handler {
	return func(ctx context.Context, job *queue.Job) error {
		logger := common.LoggerFromContext(ctx)

		input, err := json.Marshal(job.Record)
		if err != nil {
			return fmt.Errorf("encode job for command: %w", err)
		}

		start := time.Now()
		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		// Children of sh may outlive it and keep the output pipes open.
		cmd.WaitDelay = time.Second
		cmd.Stdin = bytes.NewReader(input)
		cmd.Env = append(os.Environ(),
			"FSQ_JOB_REF="+job.Ref.String(),
			fmt.Sprintf("FSQ_RETRY_COUNT=%d", job.Record.RetryCount()),
		)
		var out, errb bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &errb

		err = cmd.Run()
		dur := time.Since(start)
		if err == nil {
			logger.Debug("exec ok",
				"duration_ms", dur.Milliseconds(),
				"stdout_bytes", out.Len(),
				"stderr_bytes", errb.Len(),
			)
			return nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("command aborted: %w", ctxErr)
		}
		tail := tailString(strings.TrimSpace(errb.String()), stderrTail)
		logger.Debug("exec failed", "duration_ms", dur.Milliseconds(), "error", err, "stderr", tail)

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if tail == "" {
				return fmt.Errorf("command exited with status %d", exitErr.ExitCode())
			}
			return fmt.Errorf("command exited with status %d: %s", exitErr.ExitCode(), tail)
		}
		return fmt.Errorf("run command: %w", err)
	}
}

func tailString(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return "..." + s[len(s)-max:]
}
