package diskbuffer

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/flowcore/pipeline/internal/acker"
	"github.com/flowcore/pipeline/internal/event"
	"github.com/flowcore/pipeline/internal/frame"
	"github.com/flowcore/pipeline/internal/ledger"
	"github.com/flowcore/pipeline/internal/logging"
)

// Record is one decoded record handed back by Reader.Next. Update must
// be called at least once per record (typically via an
// event.Metadata.Finalizer installed on the events decoded from
// Payload) once the caller is done with it, so the reader can advance
// the ledger's read cursor and eventually delete fully-consumed files.
// The first Update call credits the record's whole EventCount and later
// calls are ignored; acknowledgements are not counted per event.
type Record struct {
	ID         uint64
	Metadata   uint32
	Payload    []byte
	EventCount uint64

	reader *Reader
	acked  bool
}

// Update implements event.Finalizer: crediting the record's events to
// the reader's acknowledgement tracker. The buffer has no redelivery
// path once a record is handed to the caller, so every terminal status
// (delivered, errored, or rejected) advances the cursor the same way —
// only Update being called at all matters. Callers typically bind this
// directly as event.Metadata{Finalizer: rec}.
func (r *Record) Update(event.Status) {
	r.reader.ack(r)
}

// fileHandle is the acker's caller-supplied data: which file a record
// lives in, so the reader knows when every record of a file has been
// acknowledged and it is safe to delete.
type fileHandle = uint16

// Reader delivers records sequentially from a disk buffer's data
// files, validating frames, detecting gaps, and deleting files once
// every record they hold has been acknowledged (spec.md §4.4).
type Reader struct {
	mu sync.Mutex

	opts   Options
	ledger *ledger.Ledger
	log    logging.Logger

	tracker *acker.Tracker[uint64, fileHandle]

	file   *os.File
	offset int64 // next unread byte position within file, read via ReadAt
	fileID uint16

	lastFileSeen uint16
	haveLastFile bool

	// terminalFileID/haveTerminalFile record that the writer is done
	// and the reader has nothing left to read, pinned to the file the
	// reader was positioned on at that moment. The crossing check in
	// ack() only deletes a file once a later file's marker arrives,
	// which never happens once there's no later file, so this file
	// needs its own deletion trigger once every record it held has
	// become ack-eligible — see maybeDeleteTerminalFileLocked.
	terminalFileID   uint16
	haveTerminalFile bool

	done  bool
	fatal error
}

// OpenReader resumes a reader at the ledger's last_reader_record_id
// and reader_file_id.
func OpenReader(l *ledger.Ledger, opts Options) (*Reader, error) {
	r := &Reader{
		opts:    opts,
		ledger:  l,
		log:     logging.OrDefault(opts.Logger),
		tracker: acker.New[uint64, fileHandle](l.LastReaderRecordID()),
		fileID:  l.ReaderFileID(),
	}
	if err := r.openCurrentFile(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reader) openCurrentFile() error {
	f, err := os.OpenFile(dataFileName(r.opts.Dir, r.fileID), os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	r.file = f
	r.offset = 0
	return nil
}

// Next blocks until a record is available, the writer finishes and
// every record has been delivered (ErrDone), or the buffer shuts down
// (ErrShuttingDown).
func (r *Reader) Next() (*Record, error) {
	for {
		r.mu.Lock()
		if r.done {
			r.mu.Unlock()
			return nil, ErrDone
		}
		if r.fatal != nil {
			err := r.fatal
			r.mu.Unlock()
			return nil, err
		}
		rec, status := r.tryReadLocked()
		r.mu.Unlock()

		switch status {
		case readOK:
			return rec, nil
		case readFatal:
			continue
		case readRotate:
			continue
		case readCorrupt:
			continue
		case readNeedMore:
			// Snapshot the writer's progress generation before the
			// done check, not after a separate predicate evaluation:
			// if the writer advances (writes, rotates, or marks itself
			// done) anywhere from here through the wait call below,
			// WaitForWriterAfter sees the generation has already moved
			// and returns immediately instead of blocking on a
			// broadcast that already fired.
			gen := r.ledger.WriterGeneration()
			writerDone := r.ledger.WriterDone()
			if writerDone {
				// One last look: the writer may have flushed between
				// our read attempt and the done check.
				r.mu.Lock()
				rec, status = r.tryReadLocked()
				r.mu.Unlock()
				if status == readOK {
					return rec, nil
				}
				if status == readNeedMore {
					r.mu.Lock()
					r.done = true
					r.markTerminalLocked()
					r.mu.Unlock()
					return nil, ErrDone
				}
				continue
			}
			if shuttingDown := r.ledger.WaitForWriterAfter(gen); shuttingDown {
				return nil, ErrShuttingDown
			}
		}
	}
}

type readStatus uint8

const (
	readOK readStatus = iota
	readNeedMore
	readRotate
	readCorrupt
	readFatal
)

// tryReadLocked attempts to read and validate the next frame from the
// current file, using ReadAt against r.offset rather than a streaming
// reader: a short read at the tail (the writer mid-append) must not
// consume bytes that haven't arrived yet, so nothing advances r.offset
// until a full frame has been validated. Must be called with r.mu held.
func (r *Reader) tryReadLocked() (*Record, readStatus) {
	prefix := make([]byte, frame.LengthPrefixSize)
	if _, err := r.file.ReadAt(prefix, r.offset); err != nil {
		return r.handleEOFLocked()
	}

	archiveLen := binary.BigEndian.Uint64(prefix)
	full := make([]byte, frame.LengthPrefixSize+archiveLen)
	copy(full, prefix)
	if _, err := r.file.ReadAt(full[frame.LengthPrefixSize:], r.offset+frame.LengthPrefixSize); err != nil {
		// Partial record at the tail: the writer hasn't finished this
		// frame yet (or never will, if it crashed mid-write). Either
		// way the reader waits; it never treats a short tail as fatal.
		return nil, readNeedMore
	}

	out := frame.Validate(full)
	switch out.Status {
	case frame.Valid:
		r.offset += int64(frame.LengthPrefixSize) + int64(out.ArchiveLen)
		eventCount, err := r.opts.eventCounter()(out.Metadata, out.Payload)
		if err != nil {
			r.log.Warnf(logging.NSReader+"failed to decode event count for record %d: %v, assuming 1", out.ID, err)
			eventCount = 1
		}

		if err := r.tracker.AddMarker(out.ID, &eventCount, r.fileID, true); err != nil {
			r.log.Errorf(logging.NSReader+"monotonicity violation at record %d: %v", out.ID, err)
			r.fatal = fmt.Errorf("%w: %w", ErrMonotonicityViolation, err)
			return nil, readFatal
		}

		rec := &Record{
			ID:         out.ID,
			Metadata:   out.Metadata,
			Payload:    out.Payload,
			EventCount: eventCount,
			reader:     r,
		}
		return rec, readOK
	case frame.Corrupted:
		r.log.Warnf(logging.NSReader+"corrupted frame in file %d, skipping", r.fileID)
		r.offset += int64(frame.LengthPrefixSize) + int64(out.ArchiveLen)
		return nil, readCorrupt
	default: // FailedDeserialisation
		return r.handleEOFLocked()
	}
}

// handleEOFLocked decides whether the current file is merely waiting
// for more writer output, or whether the writer has moved past it
// (reader_file_id < writer_file_id) and it's safe to roll forward.
func (r *Reader) handleEOFLocked() (*Record, readStatus) {
	writerFileID := r.ledger.WriterFileID()
	if writerFileID == r.fileID {
		return nil, readNeedMore
	}

	r.fileID = nextFileID(r.fileID, r.opts.MaxFileID)
	r.ledger.SetReaderFileID(r.fileID)
	if r.file != nil {
		r.file.Close()
	}
	if err := r.openCurrentFile(); err != nil {
		r.log.Errorf(logging.NSReader+"failed to open file %d: %v", r.fileID, err)
		return nil, readNeedMore
	}
	return nil, readRotate
}

// ack credits the record's events and drains every marker the
// acknowledgement tracker now considers eligible, advancing the
// ledger's read cursor and deleting files whose last record has just
// become eligible.
func (r *Reader) ack(rec *Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec.acked {
		return
	}
	rec.acked = true

	r.tracker.AddAcknowledgements(rec.EventCount)

	for {
		m, ok := r.tracker.GetNextEligibleMarker()
		if !ok {
			break
		}
		r.ledger.AdvanceReader(m.Len)

		if !m.HasData {
			continue
		}
		fileID := m.Data
		if r.haveLastFile && r.lastFileSeen != fileID {
			r.deleteFile(r.lastFileSeen, false)
		}
		r.lastFileSeen = fileID
		r.haveLastFile = true
	}

	r.maybeDeleteTerminalFileLocked()
}

// markTerminalLocked records that the writer is done and the reader
// has nothing left to read, pinned to the file it is currently
// positioned on. Must be called with r.mu held.
func (r *Reader) markTerminalLocked() {
	r.haveTerminalFile = true
	r.terminalFileID = r.fileID
	r.maybeDeleteTerminalFileLocked()
}

// maybeDeleteTerminalFileLocked implements spec.md §4.4's deletion
// policy for the one file the crossing check in ack() can never
// reach: the terminal file. That check only deletes a file once a
// later file's marker arrives at the head of the tracker, proving
// every record of the earlier file is ack-eligible; once the writer is
// done there is no later file, so without this the reader's last data
// file — including the single-file case of spec.md §8 scenario S1 —
// would never be deleted and total_bytes_on_disk would never return
// to zero. It fires once markTerminalLocked has recorded the terminal
// file and the tracker has drained every marker it was holding (so
// every record the terminal file contained, if any, is now
// ack-eligible). Must be called with r.mu held.
func (r *Reader) maybeDeleteTerminalFileLocked() {
	if !r.haveTerminalFile || r.tracker.PendingLen() != 0 {
		return
	}
	if r.haveLastFile {
		r.deleteFile(r.lastFileSeen, true)
		r.haveLastFile = false
	} else {
		// No record ever became eligible in the terminal file (it may
		// hold none at all, e.g. an empty file the writer opened and
		// then immediately marked itself done against).
		r.deleteFile(r.terminalFileID, true)
	}
	r.haveTerminalFile = false
}

// deleteFile removes a fully-consumed data file and credits its bytes
// back to the ledger. allowCurrent must be true to delete the file the
// reader is currently positioned on (r.fileID) — only safe once the
// caller has established the reader will never read from it again
// (the terminal-file path); the ordinary crossing path always leaves
// it false as a defensive guard against deleting out from under an
// in-progress read.
func (r *Reader) deleteFile(fileID uint16, allowCurrent bool) {
	if fileID == r.fileID && !allowCurrent {
		return
	}
	path := dataFileName(r.opts.Dir, fileID)
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if err := os.Remove(path); err != nil {
		r.log.Warnf(logging.NSReader+"failed to delete consumed file %d: %v", fileID, err)
		return
	}
	r.ledger.AddBytes(-info.Size())
}

// Close closes the reader's current file handle.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	return r.file.Close()
}
