// Package excel is the tabular sink of the pipeline: it appends rows to
// an .xlsx artifact and provides the byte-level snapshot/restore pair
// the orchestrator's rollback depends on.
package excel

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/rmunteanu/imap-to-excel/model"
)

// Sink writes export rows to a single workbook file. One run owns the
// artifact exclusively; there is no locking against concurrent runs.
type Sink struct {
	path   string
	logger *slog.Logger
}

func NewSink(path string, logger *slog.Logger) *Sink {
	return &Sink{path: path, logger: logger}
}

// Path returns the artifact path this sink writes to.
func (s *Sink) Path() string {
	return s.path
}

// TimestampedPath derives a per-run artifact name from a base path,
// e.g. out/orders.xlsx -> out/2025-08-29_10-30-00_orders.xlsx.
func TimestampedPath(base string, now time.Time) string {
	dir := filepath.Dir(base)
	name := filepath.Base(base)
	return filepath.Join(dir, now.Format("2006-01-02_15-04-05")+"_"+name)
}

// Snapshot copies the current artifact bytes aside so a failed run can
// be undone. Callable when the artifact does not exist yet; the absence
// is recorded and Restore then removes whatever the run created.
func (s *Sink) Snapshot() (model.BackupHandle, error) {
	handle := model.BackupHandle{ArtifactPath: s.path}

	src, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Debug("artifact does not exist yet, empty snapshot", "path", s.path)
		return handle, nil
	}
	if err != nil {
		return handle, fmt.Errorf("snapshot open artifact: %w", err)
	}
	defer src.Close()

	backup, err := os.CreateTemp(filepath.Dir(s.path), ".backup-*.xlsx")
	if err != nil {
		return handle, fmt.Errorf("snapshot create backup: %w", err)
	}
	if _, err := io.Copy(backup, src); err != nil {
		backup.Close()
		_ = os.Remove(backup.Name())
		return handle, fmt.Errorf("snapshot copy artifact: %w", err)
	}
	if err := backup.Close(); err != nil {
		_ = os.Remove(backup.Name())
		return handle, fmt.Errorf("snapshot close backup: %w", err)
	}

	handle.Existed = true
	handle.CopyPath = backup.Name()
	s.logger.Debug("artifact snapshot taken", "path", s.path, "backup", handle.CopyPath)
	return handle, nil
}

// Restore undoes whatever the run wrote: the pre-run bytes are copied
// back, or the artifact is deleted when it did not exist before.
func (s *Sink) Restore(handle model.BackupHandle) error {
	if !handle.Existed {
		if err := os.Remove(handle.ArtifactPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("restore remove new artifact: %w", err)
		}
		s.logger.Debug("artifact created by this run removed", "path", handle.ArtifactPath)
		return nil
	}

	src, err := os.Open(handle.CopyPath)
	if err != nil {
		return fmt.Errorf("restore open backup: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(handle.ArtifactPath)
	if err != nil {
		return fmt.Errorf("restore recreate artifact: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("restore copy backup: %w", err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("restore close artifact: %w", err)
	}

	_ = os.Remove(handle.CopyPath)
	s.logger.Debug("artifact restored from snapshot", "path", handle.ArtifactPath)
	return nil
}

// Discard releases a snapshot after a successful run.
func (s *Sink) Discard(handle model.BackupHandle) error {
	if handle.CopyPath == "" {
		return nil
	}
	if err := os.Remove(handle.CopyPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("discard backup: %w", err)
	}
	return nil
}

// Append writes the rows under the artifact's header, creating the
// workbook with a header row when none exists. When the artifact
// already has a header, rows are written under it and any resolved
// column the header lacks is added at the end, so no used column is
// ever dropped.
func (s *Sink) Append(rows []model.Row, columnOrder []string) (string, error) {
	var (
		f      *excelize.File
		header []string
		next   int
		create bool
	)

	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		create = true
	} else if err != nil {
		return "", fmt.Errorf("stat artifact: %w", err)
	}

	if create {
		if dir := filepath.Dir(s.path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return "", fmt.Errorf("create artifact directory: %w", err)
			}
		}
		f = excelize.NewFile()
		header = columnOrder
		next = 1
	} else {
		var err error
		f, err = excelize.OpenFile(s.path)
		if err != nil {
			return "", fmt.Errorf("open artifact: %w", err)
		}
		sheet := f.GetSheetName(0)
		existing, err := f.GetRows(sheet)
		if err != nil {
			return "", fmt.Errorf("read artifact rows: %w", err)
		}
		if len(existing) > 0 {
			header = mergeHeader(existing[0], columnOrder)
			next = len(existing) + 1
		} else {
			header = columnOrder
			next = 1
		}
	}
	defer f.Close()

	sheet := f.GetSheetName(0)

	if err := s.writeRow(f, sheet, 1, toCells(header)); err != nil {
		return "", err
	}
	if next == 1 {
		next = 2
	}

	for _, row := range rows {
		cells := make([]any, len(header))
		for i, col := range header {
			if val, ok := row[col]; ok {
				cells[i] = val
			} else {
				cells[i] = ""
			}
		}
		if err := s.writeRow(f, sheet, next, cells); err != nil {
			return "", err
		}
		next++
	}

	if create {
		if err := f.SaveAs(s.path); err != nil {
			return "", fmt.Errorf("save artifact: %w", err)
		}
	} else if err := f.Save(); err != nil {
		return "", fmt.Errorf("save artifact: %w", err)
	}

	s.logger.Info("rows appended to artifact", "path", s.path, "rows", len(rows), "columns", len(header))
	return s.path, nil
}

func (s *Sink) writeRow(f *excelize.File, sheet string, rowIdx int, cells []any) error {
	cell, err := excelize.CoordinatesToCellName(1, rowIdx)
	if err != nil {
		return fmt.Errorf("artifact row %d: %w", rowIdx, err)
	}
	if err := f.SetSheetRow(sheet, cell, &cells); err != nil {
		return fmt.Errorf("write artifact row %d: %w", rowIdx, err)
	}
	return nil
}

// mergeHeader keeps the artifact's existing column order and adds any
// resolved column it does not cover yet.
func mergeHeader(existing, resolved []string) []string {
	header := make([]string, len(existing))
	copy(header, existing)

	known := make(map[string]bool, len(existing))
	for _, col := range existing {
		known[col] = true
	}
	for _, col := range resolved {
		if !known[col] {
			header = append(header, col)
			known[col] = true
		}
	}
	return header
}

func toCells(header []string) []any {
	cells := make([]any, len(header))
	for i, col := range header {
		cells[i] = col
	}
	return cells
}
