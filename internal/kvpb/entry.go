package kvpb

import (
	"encoding/binary"
	"fmt"
)

// LogEntry is a single slot in the replicated log: a term, an index, the
// command to apply, and the client request it originated from (used for the
// leader's per-client dedup cache). ClientID is empty and Seq is zero for
// entries with no originating client, such as NOOP.
type LogEntry struct {
	Term     uint64
	Index    uint64
	ClientID string
	Seq      uint64
	Command  Command
}

// EncodePayload renders the portion of a WAL record that follows the
// cmd_tag byte: [u16 clientIDLen][clientID][u64 seq][command-specific bytes].
// Term and Index live in the WAL record header, not here, so they are not
// part of this encoding.
func (e *LogEntry) EncodePayload() ([]byte, error) {
	cmdBytes, err := e.Command.Serialize()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 2+len(e.ClientID)+8)
	binary.BigEndian.PutUint16(out[:2], uint16(len(e.ClientID)))
	copy(out[2:], e.ClientID)
	binary.BigEndian.PutUint64(out[2+len(e.ClientID):], e.Seq)
	return append(out, cmdBytes...), nil
}

// DecodeEntry rebuilds a LogEntry from a WAL record: the header-derived
// term, index, and cmd_tag, plus the payload produced by EncodePayload.
func DecodeEntry(term, index uint64, cmdTag CommandType, payload []byte) (LogEntry, error) {
	if len(payload) < 2 {
		return LogEntry{}, fmt.Errorf("kvpb: entry payload truncated before client id length")
	}
	clientIDLen := int(binary.BigEndian.Uint16(payload[:2]))
	off := 2
	if len(payload) < off+clientIDLen+8 {
		return LogEntry{}, fmt.Errorf("kvpb: entry payload truncated before seq")
	}
	clientID := string(payload[off : off+clientIDLen])
	off += clientIDLen
	seq := binary.BigEndian.Uint64(payload[off : off+8])
	off += 8

	cmd, err := Deserialize(cmdTag, payload[off:])
	if err != nil {
		return LogEntry{}, err
	}

	return LogEntry{
		Term:     term,
		Index:    index,
		ClientID: clientID,
		Seq:      seq,
		Command:  cmd,
	}, nil
}
