package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/fsqueue/constants"
	"github.com/joseph-ayodele/fsqueue/internal/queue"
)

const (
	SheetName      = "Jobs"
	payloadPreview = 140
)

// Lister is the read side of a queue used for exports. *queue.Queue satisfies it.
type Lister interface {
	List(ctx context.Context, s constants.State) ([]queue.Entry, error)
}

// Service produces XLSX snapshots of queue contents.
type Service struct {
	queue  Lister
	logger *slog.Logger
}

func NewService(q Lister, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{queue: q, logger: logger}
}

// QueueXLSX returns a workbook (as bytes) with one row per job file in the
// given states, in state then creation order. No states means all of them.
func (s *Service) QueueXLSX(ctx context.Context, states ...constants.State) ([]byte, error) {
	start := time.Now()
	if len(states) == 0 {
		states = constants.States()
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	// Rename the default sheet rather than leaving an empty "Sheet1" behind.
	if err := f.SetSheetName(f.GetSheetName(0), SheetName); err != nil {
		return nil, fmt.Errorf("xlsx sheet: %w", err)
	}

	headers := []string{
		"Ref",
		"State",
		"Created At",
		"Retry Count",
		"Last Error",
		"Size",
		"In Flight",
		"Payload",
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(SheetName, cell, h)
	}

	row := 2
	for _, st := range states {
		entries, err := s.queue.List(ctx, st)
		if err != nil {
			return nil, fmt.Errorf("list %s jobs: %w", st, err)
		}
		for _, e := range entries {
			write := func(col int, v any) {
				cell, _ := excelize.CoordinatesToCellName(col, row)
				_ = f.SetCellValue(SheetName, cell, v)
			}

			write(1, e.Ref.String())
			write(2, string(e.State))
			if !e.CreatedAt.IsZero() {
				write(3, e.CreatedAt.UTC().Format(time.RFC3339))
			} else {
				write(3, "")
			}
			write(4, e.Record.RetryCount())
			write(5, truncate(e.Record.LastError(), payloadPreview))
			write(6, e.Size)
			write(7, e.InFlight)
			write(8, truncate(preview(e), payloadPreview))
			row++
		}
	}

	_ = f.SetColWidth(SheetName, "A", "A", 40) // ref
	_ = f.SetColWidth(SheetName, "B", "B", 12) // state
	_ = f.SetColWidth(SheetName, "C", "C", 22) // created
	_ = f.SetColWidth(SheetName, "D", "D", 12) // retries
	_ = f.SetColWidth(SheetName, "E", "E", 48) // last error
	_ = f.SetColWidth(SheetName, "F", "G", 10)
	_ = f.SetColWidth(SheetName, "H", "H", 60) // payload

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"rows", row-2,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

func preview(e queue.Entry) string {
	if e.DecodeErr != "" {
		return "unreadable: " + e.DecodeErr
	}
	data, err := json.Marshal(e.Record.Payload())
	if err != nil {
		return ""
	}
	return string(data)
}

// truncate shortens s to at most n runes, never splitting one.
func truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	if n == 1 {
		return string(r[:1])
	}
	return string(r[:n-1]) + "…"
}
