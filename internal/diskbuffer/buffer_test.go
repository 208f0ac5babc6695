package diskbuffer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/flowcore/pipeline/internal/event"
)

func TestWriteReadAckRoundTrip(t *testing.T) {
	dir := t.TempDir()
	buf, err := Open(Options{Dir: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer buf.Close()

	payloads := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, p := range payloads {
		if _, _, err := buf.Writer().WriteRecord(1, 0, p); err != nil {
			t.Fatalf("WriteRecord: %v", err)
		}
	}
	if err := buf.Writer().Flush(true); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	for i, want := range payloads {
		rec, err := buf.Reader().Next()
		if err != nil {
			t.Fatalf("Next() #%d: %v", i, err)
		}
		if string(rec.Payload) != string(want) {
			t.Fatalf("record %d payload = %q, want %q", i, rec.Payload, want)
		}
		rec.Update(event.Delivered)
	}
}

func TestReaderDeletesConsumedFiles(t *testing.T) {
	dir := t.TempDir()
	payload := make([]byte, 64)

	buf, err := Open(Options{
		Dir:             dir,
		MaxDataFileSize: uint64(frameSizeOf(len(payload))), // exactly one record per file
		MaxFileID:       8,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer buf.Close()

	const n = 4
	for i := 0; i < n; i++ {
		if _, _, err := buf.Writer().WriteRecord(1, 0, payload); err != nil {
			t.Fatalf("WriteRecord #%d: %v", i, err)
		}
	}
	if err := buf.Writer().Flush(true); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	var records []*Record
	for i := 0; i < n; i++ {
		rec, err := buf.Reader().Next()
		if err != nil {
			t.Fatalf("Next #%d: %v", i, err)
		}
		records = append(records, rec)
	}
	for _, rec := range records {
		rec.Update(event.Delivered)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	dataFiles := 0
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".dat" {
			dataFiles++
		}
	}
	if dataFiles > 1 {
		t.Fatalf("expected all but the current data file to be deleted, found %d", dataFiles)
	}
}

// TestTerminalFileDeletedAfterFullAck exercises spec.md §8 scenario S1:
// a single record written to an empty (single-file) buffer, read, and
// fully acknowledged must have its data file deleted and
// total_bytes_on_disk return to 0 — even though that file is both the
// reader's current file and the last file the writer will ever write
// to, so no later file's marker ever arrives to trigger the ordinary
// crossing-based deletion check.
func TestTerminalFileDeletedAfterFullAck(t *testing.T) {
	dir := t.TempDir()
	buf, err := Open(Options{Dir: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, _, err := buf.Writer().WriteRecord(5, 0, []byte("hello")); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}
	if err := buf.Writer().Flush(true); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := buf.Writer().Close(); err != nil {
		t.Fatalf("Writer.Close: %v", err)
	}

	rec, err := buf.Reader().Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if string(rec.Payload) != "hello" {
		t.Fatalf("payload = %q, want %q", rec.Payload, "hello")
	}

	if _, err := buf.Reader().Next(); err != ErrDone {
		t.Fatalf("Next after draining = %v, want ErrDone (writer is closed)", err)
	}

	// One Update call finalizes the whole record: Record.Update credits
	// its full EventCount to the tracker on the first call and ignores
	// any further calls (see Record's doc comment).
	rec.Update(event.Delivered)

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".dat" {
			t.Fatalf("expected the fully-acked terminal file to be deleted, found %s", e.Name())
		}
	}

	if got := buf.ledger.TotalBytesOnDisk(); got != 0 {
		t.Fatalf("TotalBytesOnDisk() = %d, want 0", got)
	}
}

func TestWriterRejectsEmptyRecord(t *testing.T) {
	dir := t.TempDir()
	buf, err := Open(Options{Dir: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer buf.Close()

	if _, _, err := buf.Writer().WriteRecord(0, 0, []byte("x")); err != ErrEmptyRecord {
		t.Fatalf("WriteRecord with eventCount=0 = %v, want ErrEmptyRecord", err)
	}
}

func TestReopenResumesFromLedger(t *testing.T) {
	dir := t.TempDir()

	buf, err := Open(Options{Dir: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, _, err := buf.Writer().WriteRecord(1, 0, []byte("persisted")); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}
	if err := buf.Writer().Flush(true); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := buf.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	buf2, err := Open(Options{Dir: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer buf2.Close()

	rec, err := buf2.Reader().Next()
	if err != nil {
		t.Fatalf("Next after reopen: %v", err)
	}
	if string(rec.Payload) != "persisted" {
		t.Fatalf("payload after reopen = %q", rec.Payload)
	}
}

func frameSizeOf(payloadLen int) int {
	// Mirrors frame.FrameSize without importing the package twice in
	// tests; kept local since only the size, not the encoding, matters
	// here.
	return 8 + 8 + 4 + 4 + payloadLen + 4
}
