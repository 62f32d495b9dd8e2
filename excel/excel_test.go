package excel

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/rmunteanu/imap-to-excel/model"
)

func testSink(t *testing.T) *Sink {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orders.xlsx")
	return NewSink(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func readSheet(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := excelize.OpenFile(path)
	if err != nil {
		t.Fatalf("open artifact: %v", err)
	}
	defer f.Close()
	rows, err := f.GetRows(f.GetSheetName(0))
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	return rows
}

func TestAppend_CreatesArtifactWithHeader(t *testing.T) {
	s := testSink(t)

	rows := []model.Row{
		{"OrderNo": 1, "EmailDate": "2025-08-20 10:30:00", "Code": "ABCD1234"},
		{"OrderNo": 2, "EmailDate": "2025-08-20 11:45:00", "Qty": "2"},
	}
	order := []string{"OrderNo", "EmailDate", "Code", "Qty"}

	path, err := s.Append(rows, order)
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if path != s.Path() {
		t.Errorf("Append() path = %q, want %q", path, s.Path())
	}

	got := readSheet(t, path)
	if len(got) != 3 {
		t.Fatalf("artifact has %d rows, want 3", len(got))
	}
	for i, col := range order {
		if got[0][i] != col {
			t.Errorf("header[%d] = %q, want %q", i, got[0][i], col)
		}
	}
	if got[1][2] != "ABCD1234" {
		t.Errorf("row 1 Code = %q, want ABCD1234", got[1][2])
	}
	// Missing cells are written empty, not skipped.
	if len(got[1]) > 3 && got[1][3] != "" {
		t.Errorf("row 1 Qty = %q, want empty", got[1][3])
	}
}

func TestAppend_ExistingArtifactKeepsHeader(t *testing.T) {
	s := testSink(t)
	order := []string{"OrderNo", "EmailDate", "Code"}

	if _, err := s.Append([]model.Row{{"OrderNo": 1, "EmailDate": "d1", "Code": "A"}}, order); err != nil {
		t.Fatalf("first Append() error = %v", err)
	}
	if _, err := s.Append([]model.Row{{"OrderNo": 2, "EmailDate": "d2", "Code": "B"}}, order); err != nil {
		t.Fatalf("second Append() error = %v", err)
	}

	got := readSheet(t, s.Path())
	if len(got) != 3 {
		t.Fatalf("artifact has %d rows, want 3 (one header, two data)", len(got))
	}
	if got[2][2] != "B" {
		t.Errorf("appended row Code = %q, want B", got[2][2])
	}
}

func TestAppend_ExtendsHeaderForNewColumns(t *testing.T) {
	s := testSink(t)

	if _, err := s.Append([]model.Row{{"OrderNo": 1, "Code": "A"}}, []string{"OrderNo", "Code"}); err != nil {
		t.Fatalf("first Append() error = %v", err)
	}
	if _, err := s.Append([]model.Row{{"OrderNo": 2, "Code": "B", "Qty": "7"}}, []string{"OrderNo", "Code", "Qty"}); err != nil {
		t.Fatalf("second Append() error = %v", err)
	}

	got := readSheet(t, s.Path())
	header := got[0]
	if len(header) != 3 || header[2] != "Qty" {
		t.Fatalf("header = %v, want [OrderNo Code Qty]", header)
	}
	if got[2][2] != "7" {
		t.Errorf("appended row Qty = %q, want 7", got[2][2])
	}
}

func TestSnapshotRestore_RoundTrip(t *testing.T) {
	s := testSink(t)
	order := []string{"OrderNo", "Code"}

	if _, err := s.Append([]model.Row{{"OrderNo": 1, "Code": "A"}}, order); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	before, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}

	handle, err := s.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if !handle.Existed {
		t.Fatal("Snapshot() handle.Existed = false for existing artifact")
	}

	if _, err := s.Append([]model.Row{{"OrderNo": 2, "Code": "B"}}, order); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	if err := s.Restore(handle); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	after, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if !bytes.Equal(before, after) {
		t.Error("artifact not byte-identical after restore")
	}
}

func TestSnapshotRestore_NewArtifactDeleted(t *testing.T) {
	s := testSink(t)

	handle, err := s.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if handle.Existed {
		t.Fatal("Snapshot() handle.Existed = true for absent artifact")
	}

	if _, err := s.Append([]model.Row{{"OrderNo": 1}}, []string{"OrderNo"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	if err := s.Restore(handle); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	if _, err := os.Stat(s.Path()); !os.IsNotExist(err) {
		t.Error("artifact still exists after restoring an empty snapshot")
	}
}

func TestDiscard_RemovesBackup(t *testing.T) {
	s := testSink(t)

	if _, err := s.Append([]model.Row{{"OrderNo": 1}}, []string{"OrderNo"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	handle, err := s.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	if err := s.Discard(handle); err != nil {
		t.Fatalf("Discard() error = %v", err)
	}
	if _, err := os.Stat(handle.CopyPath); !os.IsNotExist(err) {
		t.Error("backup copy still exists after Discard()")
	}
}

func TestTimestampedPath(t *testing.T) {
	now := time.Date(2025, 8, 29, 10, 30, 0, 0, time.UTC)
	got := TimestampedPath(filepath.Join("out", "orders.xlsx"), now)
	want := filepath.Join("out", "2025-08-29_10-30-00_orders.xlsx")
	if got != want {
		t.Errorf("TimestampedPath() = %q, want %q", got, want)
	}
}
