// Package frame implements the length-prefixed, checksummed envelope
// that wraps every record written to a data file. The frame carries no
// version field.
//
// Frame layout on disk:
//
//	byte 0..7  archive_len (big-endian u64)
//	byte 8..   archive(record), archive_len bytes
//
// The archive's logical fields, in the order the checksum covers them:
//
//	id: u64 | metadata: u32 | payload_len: u32 | payload: bytes | checksum: u32
//
// The layout is a flat, fixed-offset header followed by the payload so
// that Validate can check a record directly against a byte slice (e.g.
// a memory-mapped file region) without allocating beyond the returned
// payload slice itself.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// archiveHeaderSize is id(8) + metadata(4) + payloadLen(4).
const archiveHeaderSize = 8 + 4 + 4

// checksumSize is the trailing CRC-32C field.
const checksumSize = 4

// LengthPrefixSize is the size of the archive_len field at the front
// of every frame.
const LengthPrefixSize = 8

// crc32cTable is the Castagnoli polynomial table.
var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// checksum computes CRC-32C over id ‖ metadata ‖ payload_len ‖ payload,
// in that fixed field order.
func checksum(id uint64, metadata uint32, payload []byte) uint32 {
	var hdr [archiveHeaderSize]byte
	binary.BigEndian.PutUint64(hdr[0:8], id)
	binary.BigEndian.PutUint32(hdr[8:12], metadata)
	binary.BigEndian.PutUint32(hdr[12:16], uint32(len(payload)))

	crc := crc32.Checksum(hdr[:], crc32cTable)
	return crc32.Update(crc, crc32cTable, payload)
}

// Errors returned by Encode. These reject the record without
// consuming its id, so the caller may retry with a different one.
var (
	// ErrRecordTooLarge is returned when the encoded payload would meet
	// or exceed the configured maxRecordSize.
	ErrRecordTooLarge = errors.New("frame: record too large")
)

// RecordTooLargeError carries the limit that was exceeded.
type RecordTooLargeError struct {
	Limit int
}

func (e *RecordTooLargeError) Error() string {
	return fmt.Sprintf("frame: record too large: limit is %d", e.Limit)
}

func (e *RecordTooLargeError) Unwrap() error { return ErrRecordTooLarge }

// Encode builds the on-disk frame for a record with the given id,
// opaque metadata (the encoder's get_metadata() result), and payload
// bytes. maxRecordSize bounds the archive (header + payload +
// checksum); a payload that would meet or exceed it is rejected with
// RecordTooLargeError.
func Encode(id uint64, metadata uint32, payload []byte, maxRecordSize int) ([]byte, error) {
	archiveLen := archiveHeaderSize + len(payload) + checksumSize
	if maxRecordSize > 0 && archiveLen >= maxRecordSize {
		return nil, &RecordTooLargeError{Limit: maxRecordSize}
	}

	frame := make([]byte, LengthPrefixSize+archiveLen)
	binary.BigEndian.PutUint64(frame[0:8], uint64(archiveLen))

	archive := frame[LengthPrefixSize:]
	binary.BigEndian.PutUint64(archive[0:8], id)
	binary.BigEndian.PutUint32(archive[8:12], metadata)
	binary.BigEndian.PutUint32(archive[12:16], uint32(len(payload)))
	copy(archive[archiveHeaderSize:archiveHeaderSize+len(payload)], payload)

	crc := checksum(id, metadata, payload)
	binary.BigEndian.PutUint32(archive[archiveHeaderSize+len(payload):], crc)

	return frame, nil
}

// Status is the outcome of Validate.
type Status uint8

const (
	// Valid means the frame parsed and its checksum matched.
	Valid Status = iota
	// Corrupted means the frame parsed but its checksum did not match.
	Corrupted
	// FailedDeserialisation means the bytes were too short, or the
	// declared archive_len/payload_len are structurally impossible.
	FailedDeserialisation
)

func (s Status) String() string {
	switch s {
	case Valid:
		return "valid"
	case Corrupted:
		return "corrupted"
	case FailedDeserialisation:
		return "failed_deserialisation"
	default:
		return "unknown"
	}
}

// Outcome is the result of validating one frame's bytes.
type Outcome struct {
	Status Status

	// Populated only when Status == Valid.
	ID       uint64
	Metadata uint32
	Payload  []byte

	// ArchiveLen is the number of bytes the archive occupied,
	// including the checksum trailer but excluding the length prefix.
	// Populated whenever parsing got far enough to read it.
	ArchiveLen int
}

// Validate checks a single frame's bytes (length prefix + archive) for
// structural integrity and checksum correctness. It does not decode
// the payload; event counting is left to the caller's own decoder.
//
// Payload, when Status == Valid, aliases into frameBytes rather than
// copying, so callers validating directly against a memory-mapped
// region must not retain it past the mapping's lifetime without copying.
func Validate(frameBytes []byte) Outcome {
	if len(frameBytes) < LengthPrefixSize {
		return Outcome{Status: FailedDeserialisation}
	}
	archiveLen := binary.BigEndian.Uint64(frameBytes[0:8])
	if archiveLen > uint64(len(frameBytes)-LengthPrefixSize) {
		return Outcome{Status: FailedDeserialisation}
	}
	if archiveLen < archiveHeaderSize+checksumSize {
		return Outcome{Status: FailedDeserialisation}
	}

	archive := frameBytes[LengthPrefixSize : LengthPrefixSize+archiveLen]
	payloadLen := binary.BigEndian.Uint32(archive[12:16])
	wantArchiveLen := uint64(archiveHeaderSize) + uint64(payloadLen) + checksumSize
	if wantArchiveLen != archiveLen {
		return Outcome{Status: FailedDeserialisation, ArchiveLen: int(archiveLen)}
	}

	id := binary.BigEndian.Uint64(archive[0:8])
	metadata := binary.BigEndian.Uint32(archive[8:12])
	payload := archive[archiveHeaderSize : archiveHeaderSize+payloadLen]
	storedCRC := binary.BigEndian.Uint32(archive[archiveHeaderSize+payloadLen:])

	if checksum(id, metadata, payload) != storedCRC {
		return Outcome{Status: Corrupted, ArchiveLen: int(archiveLen)}
	}

	return Outcome{
		Status:     Valid,
		ID:         id,
		Metadata:   metadata,
		Payload:    payload,
		ArchiveLen: int(archiveLen),
	}
}

// FrameSize returns the total on-disk size (length prefix + archive)
// for a payload of length payloadLen, useful for callers computing
// whether a write would exceed max_data_file_size before encoding.
func FrameSize(payloadLen int) int {
	return LengthPrefixSize + archiveHeaderSize + payloadLen + checksumSize
}
