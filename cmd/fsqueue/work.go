package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/fsqueue/constants"
	"github.com/joseph-ayodele/fsqueue/internal/async"
	"github.com/joseph-ayodele/fsqueue/internal/common"
	"github.com/joseph-ayodele/fsqueue/internal/queue"
	"github.com/joseph-ayodele/fsqueue/internal/watch"
)

func (a *app) workCmd() *cobra.Command {
	var command string
	var once bool
	cmd := &cobra.Command{
		Use:   "work --exec <command>",
		Short: "Run workers that pipe each job's JSON to a shell command",
		Long: `Each job record is written to the stdin of "sh -c <command>", with
FSQ_JOB_REF and FSQ_RETRY_COUNT set. Exit status 0 completes the job; any other
status fails it and records the tail of stderr as last_error.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if command == "" {
				return common.InvalidInputErrorf("--exec is required")
			}
			wc := a.cfg.Worker
			return a.withQueue(cmd, func(ctx context.Context, q *queue.Queue) error {
				opts := []async.Option{
					async.WithWorkers(wc.Workers),
					async.WithPollInterval(wc.PollInterval),
					async.WithProcessTimeout(wc.ProcessTimeout),
					async.WithDrain(once),
				}

				if wc.Watch && !once {
					wake := make(chan struct{}, 1)
					watchCtx, cancel := context.WithCancel(ctx)
					defer cancel()
					_, err := watch.Start(watchCtx, watch.Config{
						Dir:      q.Dir(constants.StatePending),
						Debounce: wc.WatchDebounce,
						Logger:   a.logger,
						OnChange: func(names []string) {
							a.logger.Debug("pending directory changed", "files", len(names))
							select {
							case wake <- struct{}{}:
							default:
							}
						},
					})
					if err != nil {
						// Polling still picks up new work.
						a.logger.Warn("watcher unavailable, polling only", "error", err)
					} else {
						opts = append(opts, async.WithWakeup(wake))
					}
				}

				w := async.NewWorker(q, async.ExecHandler(command), a.logger, opts...)
				start := time.Now()
				err := w.Run(ctx)
				c := w.Counters()
				a.logger.Info("workers finished",
					"completed", c.Completed,
					"failed", c.Failed,
					"skipped", c.Skipped,
					"interrupted", c.Interrupted,
					"elapsed_ms", time.Since(start).Milliseconds(),
				)
				if once {
					fmt.Fprintf(a.stdout, "completed %d, failed %d, skipped %d\n", c.Completed, c.Failed, c.Skipped)
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&command, "exec", "", "shell command run for every job")
	cmd.Flags().BoolVar(&once, "once", false, "exit when the queue is empty")
	cmd.Flags().IntVar(&a.cfg.Worker.Workers, "workers", a.cfg.Worker.Workers, "concurrent workers (FSQ_WORKERS)")
	cmd.Flags().BoolVar(&a.cfg.Worker.Watch, "watch", a.cfg.Worker.Watch, "wake workers on new files (FSQ_WATCH)")
	return cmd
}
