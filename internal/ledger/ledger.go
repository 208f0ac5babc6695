package ledger

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/flowcore/pipeline/internal/logging"
)

// FileName is the ledger's filename within the buffer's root directory.
const FileName = "buffer.db"

// Ledger is the synchronisation point between the writer and reader
// tasks of a disk buffer. Reads and updates take a short critical
// section; no I/O happens while the lock is held except on Flush.
type Ledger struct {
	mu sync.Mutex

	// writerProgress is broadcast whenever the writer advances
	// (new record written, rotation, or writer marked done); the
	// reader waits on it at EOF.
	writerProgress *sync.Cond
	// readerProgress is broadcast whenever the reader advances
	// (a file is deleted, freeing buffer space); the writer waits on
	// it for backpressure relief.
	readerProgress *sync.Cond

	state       state
	path        string
	shutdown    bool
	flushEvery  time.Duration
	lastFlushAt time.Time

	// writerGen/readerGen count writer/reader progress events. Pairing
	// a generation snapshot (taken while evaluating some predicate
	// that lives outside this lock, e.g. a filesystem check) with
	// WaitForWriterAfter/WaitForReaderAfter closes the lost-wakeup
	// window that a bare "check predicate, then Wait" across two
	// separate critical sections would otherwise have: if progress
	// already happened before the wait call, the generation has
	// already moved and the wait returns immediately instead of
	// blocking on a broadcast that already fired.
	writerGen uint64
	readerGen uint64

	log logging.Logger
}

// Options configures Open.
type Options struct {
	// Dir is the buffer's root directory; the ledger file lives at
	// Dir/buffer.db.
	Dir string
	// FlushInterval is how often Flush performs a full fsync when not
	// explicitly forced. Zero disables interval-based flushing
	// (every Flush(force=true) still fsyncs).
	FlushInterval time.Duration
	Logger        logging.Logger
}

// Open loads an existing ledger from disk, or initializes a fresh one
// (all cursors at zero) if none exists yet.
func Open(opts Options) (*Ledger, error) {
	l := &Ledger{
		path:       filepath.Join(opts.Dir, FileName),
		flushEvery: opts.FlushInterval,
		log:        logging.OrDefault(opts.Logger),
	}
	l.writerProgress = sync.NewCond(&l.mu)
	l.readerProgress = sync.NewCond(&l.mu)

	buf, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		l.lastFlushAt = time.Now()
		return l, nil
	}
	if err != nil {
		return nil, err
	}

	st, err := unmarshal(buf)
	if err != nil {
		return nil, err
	}
	l.state = st
	l.lastFlushAt = time.Now()
	return l, nil
}

// Flush, when force is true or FlushInterval has elapsed since the last
// flush, fsyncs dataFile (the writer's currently open data file, may be
// nil) and persists the ledger to disk. Otherwise it writes nothing.
func (l *Ledger) Flush(dataFile *os.File, force bool) error {
	l.mu.Lock()
	due := force || (l.flushEvery > 0 && time.Since(l.lastFlushAt) >= l.flushEvery)
	buf := l.state.marshal()
	l.mu.Unlock()

	if !due {
		return nil
	}

	if dataFile != nil {
		if err := dataFile.Sync(); err != nil {
			return err
		}
	}

	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return err
	}
	f, err := os.OpenFile(tmp, os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	syncErr := f.Sync()
	closeErr := f.Close()
	if syncErr != nil {
		return syncErr
	}
	if closeErr != nil {
		return closeErr
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return err
	}

	l.mu.Lock()
	l.lastFlushAt = time.Now()
	l.mu.Unlock()
	return nil
}

// --- cursor accessors ---

func (l *Ledger) WriterFileID() uint16 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.writerFileID
}

// SetWriterFileID records a rotation and wakes readers waiting on
// writer progress.
func (l *Ledger) SetWriterFileID(id uint16) {
	l.mu.Lock()
	l.state.writerFileID = id
	l.writerGen++
	l.mu.Unlock()
	l.NotifyWriterWaiters()
}

func (l *Ledger) ReaderFileID() uint16 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.readerFileID
}

// SetReaderFileID records that the reader has moved to a new file and
// wakes writers waiting on reader progress (a rotation target may now
// be free, or the wraparound window may have widened).
func (l *Ledger) SetReaderFileID(id uint16) {
	l.mu.Lock()
	l.state.readerFileID = id
	l.readerGen++
	l.mu.Unlock()
	l.NotifyReaderWaiters()
}

func (l *Ledger) NextWriterRecordID() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.nextWriterRecordID
}

// SetNextWriterRecordID fast-forwards the cursor directly — used on
// startup validation when the writer is found ahead of the ledger
// (spec.md §4.3, §9).
func (l *Ledger) SetNextWriterRecordID(id uint64) {
	l.mu.Lock()
	l.state.nextWriterRecordID = id
	l.mu.Unlock()
}

// AdvanceWriter bumps next_writer_record_id by eventCount after a
// successful write, and wakes readers blocked at EOF.
func (l *Ledger) AdvanceWriter(eventCount uint64) {
	l.mu.Lock()
	l.state.nextWriterRecordID += eventCount
	l.writerGen++
	l.mu.Unlock()
	l.NotifyWriterWaiters()
}

func (l *Ledger) LastReaderRecordID() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.lastReaderRecordID
}

// AdvanceReader bumps last_reader_record_id by eventCount after a
// record (or a synthetic gap) has become ack-eligible.
func (l *Ledger) AdvanceReader(eventCount uint64) {
	l.mu.Lock()
	l.state.lastReaderRecordID += eventCount
	l.mu.Unlock()
}

func (l *Ledger) TotalBytesOnDisk() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.totalBytesOnDisk
}

// AddBytes adjusts total_bytes_on_disk by delta (positive on write,
// negative on file deletion) and, for deletions, wakes writers waiting
// for buffer space.
func (l *Ledger) AddBytes(delta int64) {
	l.mu.Lock()
	if delta >= 0 {
		l.state.totalBytesOnDisk += uint64(delta)
	} else {
		d := uint64(-delta)
		if d > l.state.totalBytesOnDisk {
			l.state.totalBytesOnDisk = 0
		} else {
			l.state.totalBytesOnDisk -= d
		}
		l.readerGen++
	}
	l.mu.Unlock()
	if delta < 0 {
		l.NotifyReaderWaiters()
	}
}

func (l *Ledger) WriterDone() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.writerDone
}

// SetWriterDone marks the writer as finished (called on writer
// shutdown/drop) so the reader eventually observes Done at EOF.
func (l *Ledger) SetWriterDone() {
	l.mu.Lock()
	l.state.writerDone = true
	l.writerGen++
	l.mu.Unlock()
	l.NotifyWriterWaiters()
}

// --- notification / cancellable waits ---

// NotifyWriterWaiters wakes goroutines blocked in WaitForWriter.
func (l *Ledger) NotifyWriterWaiters() {
	l.mu.Lock()
	l.writerProgress.Broadcast()
	l.mu.Unlock()
}

// NotifyReaderWaiters wakes goroutines blocked in WaitForReader.
func (l *Ledger) NotifyReaderWaiters() {
	l.mu.Lock()
	l.readerProgress.Broadcast()
	l.mu.Unlock()
}

// WaitForWriter blocks until the writer makes progress or the ledger
// shuts down. Returns true if the wait ended because of shutdown.
//
// Callers that decide whether to wait based on some predicate checked
// in a separate critical section (ledger or otherwise) should use
// WriterGeneration + WaitForWriterAfter instead: a bare predicate
// check followed by a bare WaitForWriter has a lost-wakeup window
// between the two calls.
func (l *Ledger) WaitForWriter() (shuttingDown bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.shutdown {
		return true
	}
	l.writerProgress.Wait()
	return l.shutdown
}

// WaitForReader blocks until the reader makes progress (e.g. frees
// buffer space by deleting a file) or the ledger shuts down.
//
// See WaitForWriter's doc comment: prefer ReaderGeneration +
// WaitForReaderAfter when the decision to wait depends on a predicate
// evaluated outside this call.
func (l *Ledger) WaitForReader() (shuttingDown bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.shutdown {
		return true
	}
	l.readerProgress.Wait()
	return l.shutdown
}

// WriterGeneration returns a counter bumped every time the writer
// makes progress (a write, a rotation, or being marked done). Snapshot
// it before checking some writer-progress predicate, then pass it to
// WaitForWriterAfter: if progress already happened between the
// snapshot and the wait call, the generation has already moved and
// WaitForWriterAfter returns immediately instead of blocking on a
// broadcast that already fired.
func (l *Ledger) WriterGeneration() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writerGen
}

// ReaderGeneration is the reader-progress analogue of WriterGeneration.
func (l *Ledger) ReaderGeneration() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readerGen
}

// WaitForWriterAfter blocks until the writer's generation counter
// advances past gen (as captured by an earlier WriterGeneration call)
// or the ledger shuts down. The generation comparison and the Wait
// happen inside the same critical section, so no writer-progress
// notification is ever missed regardless of when it landed relative
// to the caller's own predicate check.
func (l *Ledger) WaitForWriterAfter(gen uint64) (shuttingDown bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.writerGen == gen {
		if l.shutdown {
			return true
		}
		l.writerProgress.Wait()
	}
	return l.shutdown
}

// WaitForReaderAfter is the reader-progress analogue of
// WaitForWriterAfter.
func (l *Ledger) WaitForReaderAfter(gen uint64) (shuttingDown bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.readerGen == gen {
		if l.shutdown {
			return true
		}
		l.readerProgress.Wait()
	}
	return l.shutdown
}

// WaitWhileOverBudget blocks while total_bytes_on_disk exceeds max,
// re-checking the byte total and waiting on readerProgress inside one
// held critical section. This is the fix for the writer's backpressure
// wait: checking TotalBytesOnDisk() and then separately calling
// WaitForReader() has a window in which the reader's final AddBytes
// (and its NotifyReaderWaiters broadcast) lands between the two calls
// and is lost, parking the writer even though the buffer has since
// dropped below the limit. Returns true if the wait ended because of
// shutdown.
func (l *Ledger) WaitWhileOverBudget(max uint64) (shuttingDown bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for max > 0 && l.state.totalBytesOnDisk > max {
		if l.shutdown {
			return true
		}
		l.readerProgress.Wait()
	}
	return l.shutdown
}

// Shutdown raises the single broadcast cancellation signal described
// in spec.md §5: every waiter on either condition variable wakes
// immediately and observes shutdown on its next check.
func (l *Ledger) Shutdown() {
	l.mu.Lock()
	l.shutdown = true
	l.mu.Unlock()
	l.writerProgress.Broadcast()
	l.readerProgress.Broadcast()
}

// ShuttingDown reports whether Shutdown has been called.
func (l *Ledger) ShuttingDown() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.shutdown
}

// Snapshot is a point-in-time copy of the ledger's cursors, useful for
// diagnostics (cmd/bufferinspect) without holding the lock.
type Snapshot struct {
	WriterFileID       uint16
	ReaderFileID       uint16
	NextWriterRecordID uint64
	LastReaderRecordID uint64
	TotalBytesOnDisk   uint64
	WriterDone         bool
}

func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot{
		WriterFileID:       l.state.writerFileID,
		ReaderFileID:       l.state.readerFileID,
		NextWriterRecordID: l.state.nextWriterRecordID,
		LastReaderRecordID: l.state.lastReaderRecordID,
		TotalBytesOnDisk:   l.state.totalBytesOnDisk,
		WriterDone:         l.state.writerDone,
	}
}
