package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/fsqueue/internal/common"
	"github.com/joseph-ayodele/fsqueue/internal/queue"
)

// app carries what every subcommand needs after flag parsing.
type app struct {
	cfg    *common.Config
	logger *slog.Logger
	stdout io.Writer
	stderr io.Writer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(os.Stdout, os.Stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{cfg: common.LoadConfig(), stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:           "fsqueue",
		Short:         "Operate a filesystem-backed job queue",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			a.logger = common.NewLogger(a.stderr, a.cfg.Log)
			slog.SetDefault(a.logger)
			return nil
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfg.Queue.Dir, "dir", a.cfg.Queue.Dir, "queue root directory (FSQ_DIR)")
	pf.StringVar(&a.cfg.Queue.Index, "index", a.cfg.Queue.Index, "ordering index: memory, log or sqlite (FSQ_INDEX)")
	pf.BoolVar(&a.cfg.Queue.Sync, "sync", a.cfg.Queue.Sync, "fsync job files and directories (FSQ_SYNC)")
	pf.StringVar(&a.cfg.Log.Level, "log-level", a.cfg.Log.Level, "debug, info, warn or error (FSQ_LOG_LEVEL)")
	pf.StringVar(&a.cfg.Log.Format, "log-format", a.cfg.Log.Format, "json or text (FSQ_LOG_FORMAT)")

	root.AddCommand(
		a.enqueueCmd(),
		a.statsCmd(),
		a.listCmd(),
		a.retryCmd(),
		a.requeueCmd(),
		a.exportCmd(),
		a.cleanupCmd(),
		a.workCmd(),
	)
	return root
}

// openQueue opens the configured queue; callers close it.
func (a *app) openQueue(ctx context.Context) (*queue.Queue, error) {
	kind, err := queue.ParseIndexKind(a.cfg.Queue.Index)
	if err != nil {
		return nil, common.NewAppError(common.CodeConfig, err.Error(), common.ErrInvalidInput)
	}
	return queue.Open(ctx, a.cfg.Queue.Dir,
		queue.WithIndex(kind),
		queue.WithSync(a.cfg.Queue.Sync),
		queue.WithLogger(a.logger),
	)
}

// withQueue runs fn against an open queue and closes it afterwards.
func (a *app) withQueue(cmd *cobra.Command, fn func(ctx context.Context, q *queue.Queue) error) error {
	ctx := cmd.Context()
	q, err := a.openQueue(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := q.Close(); cerr != nil {
			a.logger.Warn("close queue", "error", cerr)
		}
	}()
	return fn(ctx, q)
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, common.ErrInvalidInput), errors.Is(err, common.ErrInvalidState):
		return 2
	case errors.Is(err, common.ErrInitialization):
		return 3
	case errors.Is(err, context.Canceled):
		return 130
	}
	return 1
}
