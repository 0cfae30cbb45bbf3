package turnmetrics

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/xuri/excelize/v2"
)

const (
	sheetName    = "Metrics"
	averageLabel = "Average"
	runIDLayout  = "20060102_150405"
)

var header = []any{"Timestamp", "EOU Delay", "TTFT", "TTFB", "Total Latency"}

// ExportOptions controls where and how the log is written.
type ExportOptions struct {
	Dir        string
	AverageRow bool
}

// DefaultExportOptions writes to ./metrics with an Average row.
func DefaultExportOptions() ExportOptions {
	return ExportOptions{Dir: "metrics", AverageRow: true}
}

// Log is the ordered sequence of records for one process run. It is shared
// by all sessions and safe for concurrent use.
type Log struct {
	startedAt time.Time

	mu      sync.Mutex
	records []Record
}

// NewLog creates an empty log. startedAt names the exported file.
func NewLog(startedAt time.Time) *Log {
	return &Log{startedAt: startedAt}
}

// RunID is the run timestamp embedded in the export filename.
func (l *Log) RunID() string {
	return l.startedAt.Format(runIDLayout)
}

// Append adds r at the end of the log.
func (l *Log) Append(r Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, r)
}

// Len returns the number of records.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Records returns a copy of the records in flush order.
func (l *Log) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.records)
}

// Summary is a point-in-time view of the log.
type Summary struct {
	RunID   string   `json:"run_id"`
	Records []Record `json:"records"`
	Average *Record  `json:"average,omitempty"`
}

// Summary returns the records and, when there are any, their column means.
func (l *Log) Summary() Summary {
	records := l.Records()
	s := Summary{RunID: l.RunID(), Records: records}
	if avg, ok := average(records); ok {
		s.Average = &avg
	}
	return s
}

// Path returns the file Export writes to under dir.
func (l *Log) Path(dir string) string {
	return filepath.Join(dir, fmt.Sprintf("session_metrics_%s.xlsx", l.RunID()))
}

// Export writes the log as a spreadsheet and returns its path. The Average
// row is added only when the log is non-empty and opts.AverageRow is set; it
// is never stored in the log. The file is written to a temporary name and
// renamed, so a failed export leaves no partial file behind.
func (l *Log) Export(opts ExportOptions) (string, error) {
	if opts.Dir == "" {
		opts.Dir = DefaultExportOptions().Dir
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create metrics dir: %w", err)
	}

	records := l.Records()
	f, err := buildWorkbook(records, opts.AverageRow)
	if err != nil {
		return "", err
	}
	defer f.Close()

	path := l.Path(opts.Dir)
	if err = writeAtomic(f, path); err != nil {
		return "", err
	}
	return path, nil
}

func buildWorkbook(records []Record, withAverage bool) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		f.Close()
		return nil, fmt.Errorf("rename sheet: %w", err)
	}

	rows := make([][]any, 0, len(records)+2)
	rows = append(rows, header)
	for _, r := range records {
		rows = append(rows, []any{r.Timestamp, r.EOUDelay, r.TTFT, r.TTFB, r.TotalLatency})
	}
	if avg, ok := average(records); ok && withAverage {
		rows = append(rows, []any{averageLabel, avg.EOUDelay, avg.TTFT, avg.TTFB, avg.TotalLatency})
	}

	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			f.Close()
			return nil, err
		}
		if err = f.SetSheetRow(sheetName, cell, &row); err != nil {
			f.Close()
			return nil, fmt.Errorf("write row %d: %w", i+1, err)
		}
	}
	return f, nil
}

func writeAtomic(f *excelize.File, path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".session_metrics_*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err = f.WriteTo(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write xlsx: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync xlsx: %w", err)
	}
	if err = tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close xlsx: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename xlsx: %w", err)
	}
	return nil
}
