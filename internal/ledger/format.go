// Package ledger implements the small, durable structure shared
// between the disk writer and disk reader: their cursors, the running
// total of bytes on disk, and done flags (spec.md §3, §4.2, §6).
//
// The ledger file is the only piece of shared mutable state inside the
// buffer (spec.md §5); every update happens under a short critical
// section and, on flush, is made durable with fsync.
package ledger

import (
	"encoding/binary"
	"fmt"

	"github.com/zeebo/xxh3"
)

// schemaVersion is bumped whenever the on-disk layout changes.
const schemaVersion uint16 = 1

// recordSize is the fixed, versioned, checksummed binary layout:
//
//	version(2) | writer_file_id(2) | reader_file_id(2) | next_writer_record_id(8) |
//	last_reader_record_id(8) | total_bytes_on_disk(8) | flags(1) | checksum(8, xxh3)
const recordSize = 2 + 2 + 2 + 8 + 8 + 8 + 1 + 8

const (
	flagWriterDone byte = 1 << 0
	flagReaderDone byte = 1 << 1
)

// state is the persisted fields of the ledger — the logical payload
// described in spec.md §6.
type state struct {
	writerFileID       uint16
	readerFileID       uint16
	nextWriterRecordID uint64
	lastReaderRecordID uint64
	totalBytesOnDisk   uint64
	writerDone         bool
	readerDone         bool
}

func (s state) marshal() []byte {
	buf := make([]byte, recordSize)
	binary.BigEndian.PutUint16(buf[0:2], schemaVersion)
	binary.BigEndian.PutUint16(buf[2:4], s.writerFileID)
	binary.BigEndian.PutUint16(buf[4:6], s.readerFileID)
	binary.BigEndian.PutUint64(buf[6:14], s.nextWriterRecordID)
	binary.BigEndian.PutUint64(buf[14:22], s.lastReaderRecordID)
	binary.BigEndian.PutUint64(buf[22:30], s.totalBytesOnDisk)
	var flags byte
	if s.writerDone {
		flags |= flagWriterDone
	}
	if s.readerDone {
		flags |= flagReaderDone
	}
	buf[30] = flags

	sum := xxh3.Hash(buf[:31])
	binary.BigEndian.PutUint64(buf[31:39], sum)
	return buf
}

// errCorruptLedger is returned by unmarshal on checksum or version mismatch.
type errCorruptLedger struct{ reason string }

func (e *errCorruptLedger) Error() string { return fmt.Sprintf("ledger: corrupt: %s", e.reason) }

func unmarshal(buf []byte) (state, error) {
	var s state
	if len(buf) != recordSize {
		return s, &errCorruptLedger{reason: fmt.Sprintf("unexpected length %d", len(buf))}
	}
	version := binary.BigEndian.Uint16(buf[0:2])
	if version != schemaVersion {
		return s, &errCorruptLedger{reason: fmt.Sprintf("unsupported schema version %d", version)}
	}

	wantSum := binary.BigEndian.Uint64(buf[31:39])
	gotSum := xxh3.Hash(buf[:31])
	if wantSum != gotSum {
		return s, &errCorruptLedger{reason: "checksum mismatch"}
	}

	s.writerFileID = binary.BigEndian.Uint16(buf[2:4])
	s.readerFileID = binary.BigEndian.Uint16(buf[4:6])
	s.nextWriterRecordID = binary.BigEndian.Uint64(buf[6:14])
	s.lastReaderRecordID = binary.BigEndian.Uint64(buf[14:22])
	s.totalBytesOnDisk = binary.BigEndian.Uint64(buf[22:30])
	flags := buf[30]
	s.writerDone = flags&flagWriterDone != 0
	s.readerDone = flags&flagReaderDone != 0
	return s, nil
}
