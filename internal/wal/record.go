// Package wal implements the append-only, single-file durable log backing
// the store: group-committed appends, fsync, and crash replay with
// torn-write recovery. The record framing and CRC discipline follow the
// teacher's wal package (length-prefixed records, CRC32 Castagnoli, torn
// write detected on a length or checksum mismatch at the tail of the file);
// this module collapses the teacher's multi-segment, file-locked design
// into the single WAL file the store's contract calls for.
package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/raftkv/raftkv/internal/kvpb"
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// headerLen is the size, in bytes, of the fixed fields preceding the
// variable-length payload: u32 length | u64 term | u64 index | u8 cmd_tag.
const headerLen = 4 + 8 + 8 + 1

// trailerLen is the size of the CRC32 trailer following the payload.
const trailerLen = 4

// encodeRecord renders entry as a single WAL record:
// u32 length | u64 term | u64 index | u8 cmd_tag | payload | u32 crc32.
// length counts everything after the length field itself except the crc
// trailer: 8 (term) + 8 (index) + 1 (cmd_tag) + len(payload).
func encodeRecord(entry kvpb.LogEntry) ([]byte, error) {
	payload, err := entry.EncodePayload()
	if err != nil {
		return nil, fmt.Errorf("wal: encode entry %d: %w", entry.Index, err)
	}

	length := uint32(8 + 8 + 1 + len(payload))
	rec := make([]byte, 4+int(length)+trailerLen)

	binary.BigEndian.PutUint32(rec[0:4], length)
	binary.BigEndian.PutUint64(rec[4:12], entry.Term)
	binary.BigEndian.PutUint64(rec[12:20], entry.Index)
	rec[20] = byte(entry.Command.Type)
	copy(rec[21:], payload)

	crc := crc32.Checksum(rec[4:4+int(length)], crcTable)
	binary.BigEndian.PutUint32(rec[4+int(length):], crc)

	return rec, nil
}

// decodeRecord parses a single record starting at buf[0]. It returns the
// decoded entry, the total number of bytes the record occupies (header +
// payload + trailer), and an error.
//
// Two distinct failure modes are reported separately so the caller can tell
// a torn tail from real corruption: errTornRecord means the buffer simply
// does not contain as many bytes as a complete record needs (a length field
// of 0 counts as this too, since a writer never emits one), which is
// exactly what an interrupted write leaves behind. errCRCMismatch means the
// buffer *did* contain a complete, well-formed record by length, but its
// trailer does not match its body — on its own this is ambiguous between a
// torn write that happened to leave a full-length but garbage record and
// genuine bit rot, so decodeRecord also returns the record's claimed total
// size on this path; the caller resolves the ambiguity by checking whether
// any further records follow it.
func decodeRecord(buf []byte) (kvpb.LogEntry, int, error) {
	if len(buf) < 4 {
		return kvpb.LogEntry{}, 0, errTornRecord
	}
	length := binary.BigEndian.Uint32(buf[0:4])
	if length == 0 {
		return kvpb.LogEntry{}, 0, errTornRecord
	}
	total := 4 + int(length) + trailerLen
	if len(buf) < total {
		return kvpb.LogEntry{}, 0, errTornRecord
	}
	if length < 17 {
		return kvpb.LogEntry{}, 0, fmt.Errorf("wal: record length %d too small for header", length)
	}

	body := buf[4 : 4+int(length)]
	wantCRC := binary.BigEndian.Uint32(buf[4+int(length) : total])
	gotCRC := crc32.Checksum(body, crcTable)
	if gotCRC != wantCRC {
		return kvpb.LogEntry{}, total, errCRCMismatch
	}

	term := binary.BigEndian.Uint64(body[0:8])
	index := binary.BigEndian.Uint64(body[8:16])
	cmdTag := kvpb.CommandType(body[16])
	payload := body[17:]

	entry, err := kvpb.DecodeEntry(term, index, cmdTag, payload)
	if err != nil {
		return kvpb.LogEntry{}, 0, fmt.Errorf("wal: decode entry body: %w", err)
	}
	return entry, total, nil
}

// errTornRecord signals a record that must be treated, per the torn-write
// recovery rule, as absent along with everything after it.
var errTornRecord = fmt.Errorf("wal: torn or corrupt record")

// errCRCMismatch signals a full-length record whose trailer does not match
// its body. Replay decides whether this is a torn tail or real corruption
// by checking whether any data follows it.
var errCRCMismatch = fmt.Errorf("wal: record crc mismatch")
