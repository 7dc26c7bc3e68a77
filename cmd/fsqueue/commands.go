package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/fsqueue/constants"
	"github.com/joseph-ayodele/fsqueue/internal/common"
	"github.com/joseph-ayodele/fsqueue/internal/export"
	"github.com/joseph-ayodele/fsqueue/internal/queue"
)

const errorColumnWidth = 60

func (a *app) enqueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue [json|-]",
		Short: "Add jobs; with no argument or '-', reads JSON objects from stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader
			if len(args) == 0 || args[0] == "-" {
				in = cmd.InOrStdin()
			} else {
				in = strings.NewReader(args[0])
			}
			records, err := decodeRecords(in)
			if err != nil {
				return err
			}
			return a.withQueue(cmd, func(ctx context.Context, q *queue.Queue) error {
				for _, rec := range records {
					ref, err := q.Enqueue(ctx, rec)
					if err != nil {
						return err
					}
					fmt.Fprintln(a.stdout, ref)
				}
				return nil
			})
		},
	}
}

// decodeRecords reads a stream of JSON objects (one or many, any whitespace between).
func decodeRecords(r io.Reader) ([]queue.Record, error) {
	dec := json.NewDecoder(bufio.NewReader(r))
	dec.UseNumber()
	var out []queue.Record
	for {
		var rec queue.Record
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, common.InvalidInputErrorf("job #%d is not a JSON object: %v", len(out)+1, err)
		}
		if rec == nil {
			return nil, common.InvalidInputErrorf("job #%d is null", len(out)+1)
		}
		out = append(out, rec)
	}
	if len(out) == 0 {
		return nil, common.InvalidInputErrorf("no jobs given")
	}
	return out, nil
}

func (a *app) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show job counts per state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withQueue(cmd, func(ctx context.Context, q *queue.Queue) error {
				st, err := q.Stats(ctx)
				if err != nil {
					return err
				}
				table := newTable(a.stdout, "State", "Jobs")
				table.Append([]string{string(constants.StatePending), strconv.Itoa(st.Pending)})
				table.Append([]string{string(constants.StateCompleted), strconv.Itoa(st.Completed)})
				table.Append([]string{string(constants.StateFailed), strconv.Itoa(st.Failed)})
				table.SetFooter([]string{"index: " + string(st.Index), ""})
				table.Render()
				return nil
			})
		},
	}
}

func (a *app) listCmd() *cobra.Command {
	var stateArg string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List job files in one state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			state, ok := constants.ParseState(stateArg)
			if !ok {
				return common.InvalidInputErrorf("unknown state %q", stateArg)
			}
			return a.withQueue(cmd, func(ctx context.Context, q *queue.Queue) error {
				entries, err := q.List(ctx, state)
				if err != nil {
					return err
				}
				if limit > 0 && len(entries) > limit {
					entries = entries[:limit]
				}
				table := newTable(a.stdout, "Ref", "Created", "Size", "Retries", "Last Error")
				now := time.Now()
				for _, e := range entries {
					created := "-"
					if !e.CreatedAt.IsZero() {
						created = humanize.RelTime(e.CreatedAt, now, "ago", "from now")
					}
					lastErr := e.Record.LastError()
					if e.DecodeErr != "" {
						lastErr = "unreadable: " + e.DecodeErr
					}
					table.Append([]string{
						e.Ref.String(),
						created,
						humanize.Bytes(uint64(e.Size)),
						strconv.Itoa(e.Record.RetryCount()),
						clip(lastErr, errorColumnWidth),
					})
				}
				table.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&stateArg, "state", string(constants.StatePending), "pending, completed or failed")
	cmd.Flags().IntVar(&limit, "limit", 0, "show at most this many jobs (0 = all)")
	return cmd
}

func (a *app) retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Move every failed job back to pending",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withQueue(cmd, func(ctx context.Context, q *queue.Queue) error {
				n, err := q.RetryFailedJobs(ctx)
				fmt.Fprintf(a.stdout, "requeued %d failed jobs\n", n)
				return err
			})
		},
	}
}

func (a *app) requeueCmd() *cobra.Command {
	var fromArg string
	cmd := &cobra.Command{
		Use:   "requeue [ref...]",
		Short: "Move failed or completed jobs back to pending",
		RunE: func(cmd *cobra.Command, refs []string) error {
			from, ok := constants.ParseState(fromArg)
			if !ok {
				return common.InvalidInputErrorf("unknown state %q", fromArg)
			}
			return a.withQueue(cmd, func(ctx context.Context, q *queue.Queue) error {
				if len(refs) == 0 {
					n, err := q.Requeue(ctx, from)
					fmt.Fprintf(a.stdout, "requeued %d %s jobs\n", n, from)
					return err
				}
				var errs []error
				for _, r := range refs {
					if err := q.RequeueJob(ctx, from, queue.Ref(r)); err != nil {
						errs = append(errs, err)
						continue
					}
					fmt.Fprintln(a.stdout, r)
				}
				return errors.Join(errs...)
			})
		},
	}
	cmd.Flags().StringVar(&fromArg, "from", string(constants.StateFailed), "failed or completed")
	return cmd
}

func (a *app) exportCmd() *cobra.Command {
	var out string
	var stateArgs []string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write an XLSX snapshot of the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var states []constants.State
			for _, s := range stateArgs {
				st, ok := constants.ParseState(s)
				if !ok {
					return common.InvalidInputErrorf("unknown state %q", s)
				}
				states = append(states, st)
			}
			return a.withQueue(cmd, func(ctx context.Context, q *queue.Queue) error {
				data, err := export.NewService(q, a.logger).QueueXLSX(ctx, states...)
				if err != nil {
					return err
				}
				if err := os.WriteFile(out, data, 0o644); err != nil {
					return fmt.Errorf("write %s: %w", out, err)
				}
				fmt.Fprintf(a.stdout, "wrote %s (%s)\n", out, humanize.Bytes(uint64(len(data))))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "queue.xlsx", "output file")
	cmd.Flags().StringSliceVar(&stateArgs, "state", nil, "states to include (default all)")
	return cmd
}

func (a *app) cleanupCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete the whole queue directory, every job in every state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return common.InvalidInputErrorf("cleanup deletes %s irreversibly; pass --yes to confirm", a.cfg.Queue.Dir)
			}
			q, err := a.openQueue(cmd.Context())
			if err != nil {
				return err
			}
			if err := q.Cleanup(); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "removed %s\n", q.Root())
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")
	return cmd
}

func newTable(w io.Writer, headers ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(headers)
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	return table
}

func clip(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}
