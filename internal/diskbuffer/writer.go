package diskbuffer

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/flowcore/pipeline/internal/frame"
	"github.com/flowcore/pipeline/internal/ledger"
	"github.com/flowcore/pipeline/internal/logging"
)

// EventCounter decodes a record's payload enough to report how many
// events it held. This stands in for the out-of-scope user-supplied
// decoder's event_count() (spec.md §6); the default used when none is
// supplied treats every record as holding exactly one event, which is
// sufficient for callers that always pass single-event batches.
type EventCounter func(metadata uint32, payload []byte) (uint64, error)

// Options configures a Writer (and, shared, a Reader) over one buffer directory.
type Options struct {
	Dir             string
	MaxRecordSize   int    // 0 means unbounded
	MaxDataFileSize uint64 // 0 means unbounded (single file)
	MaxBufferSize   uint64 // 0 means unbounded (no backpressure)
	MaxFileID       uint16 // file ids wrap modulo this; 0 means no wraparound
	FlushInterval   time.Duration
	EventCounter    EventCounter
	Logger          logging.Logger
}

func (o *Options) eventCounter() EventCounter {
	if o.EventCounter != nil {
		return o.EventCounter
	}
	return func(uint32, []byte) (uint64, error) { return 1, nil }
}

// Writer serialises records into the buffer's current data file,
// rotating as files fill and waiting on the ledger when the buffer's
// total on-disk size exceeds MaxBufferSize (spec.md §4.3).
type Writer struct {
	mu sync.Mutex

	opts   Options
	ledger *ledger.Ledger
	log    logging.Logger

	file     *os.File
	buf      *bufio.Writer
	fileID   uint16
	fileSize uint64
	closed   bool
}

// OpenWriter opens (or creates) the writer's current data file,
// performing the startup validation described in spec.md §4.3: the
// last record of the current file is validated and reconciled against
// the ledger's next_writer_record_id.
func OpenWriter(l *ledger.Ledger, opts Options) (*Writer, error) {
	w := &Writer{
		opts:   opts,
		ledger: l,
		log:    logging.OrDefault(opts.Logger),
		fileID: l.WriterFileID(),
	}

	if err := w.openCurrentFile(); err != nil {
		return nil, err
	}
	if err := w.validateStartup(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) openCurrentFile() error {
	path := dataFileName(w.opts.Dir, w.fileID)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	if _, err := f.Seek(0, 2); err != nil { // seek to end, append-only writer
		f.Close()
		return err
	}
	w.file = f
	w.buf = bufio.NewWriter(f)
	w.fileSize = uint64(info.Size())
	return nil
}

// validateStartup implements spec.md §4.3's reconciliation: validate
// the last record in the current file (if any) and compare its
// id+eventCount to the ledger's next_writer_record_id.
func (w *Writer) validateStartup() error {
	data, err := os.ReadFile(w.file.Name())
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}

	last, ok := findLastFrame(data)
	if !ok {
		w.log.Warnf(logging.NSWriter+"corrupt tail in file %d, rolling over", w.fileID)
		return w.rollToNextFile()
	}

	eventCount, decErr := w.opts.eventCounter()(last.Metadata, last.Payload)
	if decErr != nil {
		w.log.Warnf(logging.NSWriter+"failed to validate last record in file %d: %v, rolling over", w.fileID, decErr)
		return w.rollToNextFile()
	}

	observedNext := last.ID + eventCount
	ledgerNext := w.ledger.NextWriterRecordID()

	switch {
	case observedNext == ledgerNext:
		// synchronised
		return nil
	case observedNext > ledgerNext:
		w.log.Warnf(logging.NSWriter+"writer ahead of ledger (observed=%d ledger=%d), fast-forwarding", observedNext, ledgerNext)
		w.ledger.SetNextWriterRecordID(observedNext)
		return nil
	default:
		w.log.Warnf(logging.NSWriter+"writer behind ledger (observed=%d ledger=%d), records lost, rolling over", observedNext, ledgerNext)
		return w.rollToNextFile()
	}
}

type lastFrameInfo struct {
	ID       uint64
	Metadata uint32
	Payload  []byte
}

// findLastFrame scans data sequentially, validating each frame, and
// returns the last one found before corruption or truncation.
func findLastFrame(data []byte) (lastFrameInfo, bool) {
	var last lastFrameInfo
	found := false
	off := 0
	for off < len(data) {
		out := frame.Validate(data[off:])
		if out.Status != frame.Valid {
			break
		}
		last = lastFrameInfo{ID: out.ID, Metadata: out.Metadata, Payload: out.Payload}
		found = true
		off += frame.LengthPrefixSize + out.ArchiveLen
	}
	return last, found
}

func (w *Writer) rollToNextFile() error {
	if w.file != nil {
		w.file.Close()
	}
	w.fileID = nextFileID(w.fileID, w.opts.MaxFileID)
	w.ledger.SetWriterFileID(w.fileID)
	return w.createNewFile()
}

// createNewFile implements the file-creation race handling from
// spec.md §4.3: attempt an atomic exclusive create; on EEXIST, open
// and inspect the file's length, adopting it if empty, otherwise
// waiting for the reader to delete it.
func (w *Writer) createNewFile() error {
	path := dataFileName(w.opts.Dir, w.fileID)
	for {
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			w.file = f
			w.buf = bufio.NewWriter(f)
			w.fileSize = 0
			return nil
		}
		if !errors.Is(err, os.ErrExist) {
			return err
		}

		// Snapshot the reader's progress generation before inspecting
		// the file, not after: if the reader deletes it (and bumps the
		// generation) anywhere from here through the wait call below,
		// WaitForReaderAfter sees the generation has already moved and
		// returns immediately instead of blocking on a broadcast that
		// already fired.
		gen := w.ledger.ReaderGeneration()

		existing, err := os.OpenFile(path, os.O_RDWR, 0o644)
		if err != nil {
			return err
		}
		info, err := existing.Stat()
		if err != nil {
			existing.Close()
			return err
		}
		if info.Size() == 0 {
			if _, err := existing.Seek(0, 2); err != nil {
				existing.Close()
				return err
			}
			w.file = existing
			w.buf = bufio.NewWriter(existing)
			w.fileSize = 0
			return nil
		}
		existing.Close()

		if shuttingDown := w.ledger.WaitForReaderAfter(gen); shuttingDown {
			return ErrShuttingDown
		}
	}
}

// WriteRecord encodes and appends one record with eventCount events.
// It blocks while total_bytes_on_disk exceeds MaxBufferSize, yielding
// to the reader (spec.md §4.3 step 1), and rotates to a new data file
// if the encoded frame would not fit in the current one (step 3).
//
// On success it returns the number of bytes written to disk. The
// record's id is always the ledger's next_writer_record_id at the
// moment of the successful write.
func (w *Writer) WriteRecord(eventCount uint64, metadata uint32, payload []byte) (int, uint64, error) {
	if eventCount == 0 {
		return 0, 0, ErrEmptyRecord
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, 0, ErrShuttingDown
	}

	if w.opts.MaxBufferSize > 0 {
		w.mu.Unlock()
		// WaitWhileOverBudget re-checks total_bytes_on_disk and waits
		// inside one held ledger lock, so a reader's final AddBytes
		// (and its broadcast) landing between a bare predicate check
		// and a bare Wait call can never be missed — see its doc
		// comment for the stall this replaces.
		shuttingDown := w.ledger.WaitWhileOverBudget(w.opts.MaxBufferSize)
		w.mu.Lock()
		if shuttingDown {
			return 0, 0, ErrShuttingDown
		}
	}

	id := w.ledger.NextWriterRecordID()
	f, err := frame.Encode(id, metadata, payload, w.opts.MaxRecordSize)
	if err != nil {
		var tooLarge *frame.RecordTooLargeError
		if errors.As(err, &tooLarge) {
			return 0, 0, &RecordTooLargeError{Limit: tooLarge.Limit}
		}
		return 0, 0, fmt.Errorf("diskbuffer: encode: %w", err)
	}

	if eventCount > uint64(len(payload)) {
		return 0, 0, ErrNonsensicalEventCount
	}

	// The always-one-write-per-empty-file exception: an empty file
	// always accepts a single write regardless of MaxDataFileSize.
	if w.opts.MaxDataFileSize > 0 && w.fileSize > 0 &&
		w.fileSize+uint64(len(f)) > w.opts.MaxDataFileSize {
		if err := w.flushLocked(true); err != nil {
			return 0, 0, err
		}
		if err := w.rollToNextFile(); err != nil {
			return 0, 0, err
		}
	}

	n, err := w.buf.Write(f)
	if err != nil {
		return n, 0, err
	}

	w.fileSize += uint64(n)
	w.ledger.AddBytes(int64(n))
	w.ledger.AdvanceWriter(eventCount)

	return n, id, nil
}

// Flush flushes the buffered writer. When force is true (or the
// ledger's flush interval has elapsed), it also fsyncs the data file
// and the ledger itself.
func (w *Writer) Flush(force bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked(force)
}

func (w *Writer) flushLocked(force bool) error {
	if w.buf != nil {
		if err := w.buf.Flush(); err != nil {
			return err
		}
	}
	return w.ledger.Flush(w.file, force)
}

// Close flushes and fsyncs outstanding data, marks the writer done in
// the ledger (so the reader eventually observes ErrDone), and closes
// the current file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	err := w.flushLocked(true)
	w.ledger.SetWriterDone()
	if w.file != nil {
		if cerr := w.file.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
