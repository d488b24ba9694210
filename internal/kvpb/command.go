// Package kvpb defines the wire and on-disk representation of Raft log
// entries and the key-value commands they carry. Binary layout follows the
// teacher corpus's length-prefixed, big-endian idiom (see dKV's
// internal.Command.Serialize/Deserialize and Konstantsiy's
// stateMachine.encodeCmd/decodeCmd); the value payload itself is
// JSON-encoded so the full Value tagged union (String/Integer/Map) can be
// carried without a bespoke binary schema for nested maps.
package kvpb

import (
	"encoding/binary"
	"fmt"

	"github.com/raftkv/raftkv/internal/value"
)

// CommandType tags which mutation a Command performs.
type CommandType uint8

const (
	CommandSet CommandType = iota
	CommandDelete
	CommandIncr
	CommandBulkSet
	CommandNoop
	// CommandCreateIndex carries a CREATE_INDEX through the log so every
	// node's IndexObserver builds the field index at the same point in
	// commit order, before any later SET under that field is applied.
	CommandCreateIndex
)

func (t CommandType) String() string {
	switch t {
	case CommandSet:
		return "SET"
	case CommandDelete:
		return "DELETE"
	case CommandIncr:
		return "INCR"
	case CommandBulkSet:
		return "BULK_SET"
	case CommandNoop:
		return "NOOP"
	case CommandCreateIndex:
		return "CREATE_INDEX"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// BulkItem is a single (key, value) pair inside a BULK_SET command.
type BulkItem struct {
	Key   string
	Value value.Value
}

// Command is the mutation carried by a LogEntry. Exactly one of the
// type-specific fields is meaningful, selected by Type.
type Command struct {
	Type   CommandType
	Key    string      // SET, DELETE, INCR
	Value  value.Value // SET
	Amount int64       // INCR
	Items  []BulkItem  // BULK_SET
	Field  string      // CREATE_INDEX
}

// Serialize encodes cmd into the command-specific bytes that end a WAL
// record's payload (after the client id and seq, see EncodePayload). SET,
// DELETE and INCR use [u32 keyLen][key][u32 blobLen][type-specific blob].
// For BULK_SET, that whole (key, blob) pair repeats once per item after a
// leading item count, so each item's blob length prefix is what lets
// Deserialize split the items back apart. NOOP encodes to no bytes and
// CREATE_INDEX to the raw field name.
func (cmd *Command) Serialize() ([]byte, error) {
	switch cmd.Type {
	case CommandSet:
		valBytes, err := cmd.Value.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("kvpb: marshal SET value: %w", err)
		}
		return encodeKeyAndBlob(cmd.Key, valBytes), nil

	case CommandDelete:
		return encodeKeyAndBlob(cmd.Key, nil), nil

	case CommandIncr:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(cmd.Amount))
		return encodeKeyAndBlob(cmd.Key, buf), nil

	case CommandBulkSet:
		out := make([]byte, 4)
		binary.BigEndian.PutUint32(out, uint32(len(cmd.Items)))
		for _, item := range cmd.Items {
			valBytes, err := item.Value.MarshalJSON()
			if err != nil {
				return nil, fmt.Errorf("kvpb: marshal BULK_SET item %q: %w", item.Key, err)
			}
			out = append(out, encodeKeyAndBlob(item.Key, valBytes)...)
		}
		return out, nil

	case CommandNoop:
		return nil, nil

	case CommandCreateIndex:
		return []byte(cmd.Field), nil

	default:
		return nil, fmt.Errorf("kvpb: unknown command type %d", cmd.Type)
	}
}

// Deserialize decodes a Command of the given type from data, the inverse of Serialize.
func Deserialize(typ CommandType, data []byte) (Command, error) {
	cmd := Command{Type: typ}
	switch typ {
	case CommandSet:
		key, blob, _, err := decodeKeyAndBlob(data, 0)
		if err != nil {
			return cmd, err
		}
		var v value.Value
		if err := v.UnmarshalJSON(blob); err != nil {
			return cmd, fmt.Errorf("kvpb: unmarshal SET value: %w", err)
		}
		cmd.Key, cmd.Value = key, v
		return cmd, nil

	case CommandDelete:
		key, _, _, err := decodeKeyAndBlob(data, 0)
		if err != nil {
			return cmd, err
		}
		cmd.Key = key
		return cmd, nil

	case CommandIncr:
		key, blob, _, err := decodeKeyAndBlob(data, 0)
		if err != nil {
			return cmd, err
		}
		if len(blob) != 8 {
			return cmd, fmt.Errorf("kvpb: INCR amount must be 8 bytes, got %d", len(blob))
		}
		cmd.Key = key
		cmd.Amount = int64(binary.BigEndian.Uint64(blob))
		return cmd, nil

	case CommandBulkSet:
		if len(data) < 4 {
			return cmd, fmt.Errorf("kvpb: BULK_SET truncated count")
		}
		count := binary.BigEndian.Uint32(data[:4])
		off := 4
		items := make([]BulkItem, 0, count)
		for i := uint32(0); i < count; i++ {
			key, blob, next, err := decodeKeyAndBlob(data, off)
			if err != nil {
				return cmd, err
			}
			var v value.Value
			if err := v.UnmarshalJSON(blob); err != nil {
				return cmd, fmt.Errorf("kvpb: unmarshal BULK_SET item %q: %w", key, err)
			}
			items = append(items, BulkItem{Key: key, Value: v})
			off = next
		}
		cmd.Items = items
		return cmd, nil

	case CommandNoop:
		return cmd, nil

	case CommandCreateIndex:
		cmd.Field = string(data)
		return cmd, nil

	default:
		return cmd, fmt.Errorf("kvpb: unknown command type %d", typ)
	}
}

// encodeKeyAndBlob writes [u32 keyLen][key][u32 blobLen][blob]. blob is
// itself length-prefixed, rather than taking the rest of the record, so
// that BULK_SET can pack more than one (key, blob) pair back to back and
// still split them apart on decode.
func encodeKeyAndBlob(key string, blob []byte) []byte {
	out := make([]byte, 4+len(key)+4+len(blob))
	binary.BigEndian.PutUint32(out[:4], uint32(len(key)))
	copy(out[4:], key)
	binary.BigEndian.PutUint32(out[4+len(key):], uint32(len(blob)))
	copy(out[4+len(key)+4:], blob)
	return out
}

func decodeKeyAndBlob(data []byte, off int) (key string, blob []byte, next int, err error) {
	if len(data) < off+4 {
		return "", nil, 0, fmt.Errorf("kvpb: truncated key length")
	}
	keyLen := int(binary.BigEndian.Uint32(data[off : off+4]))
	off += 4
	if len(data) < off+keyLen {
		return "", nil, 0, fmt.Errorf("kvpb: truncated key")
	}
	key = string(data[off : off+keyLen])
	off += keyLen

	if len(data) < off+4 {
		return "", nil, 0, fmt.Errorf("kvpb: truncated blob length")
	}
	blobLen := int(binary.BigEndian.Uint32(data[off : off+4]))
	off += 4
	if len(data) < off+blobLen {
		return "", nil, 0, fmt.Errorf("kvpb: truncated blob")
	}
	blob = data[off : off+blobLen]
	off += blobLen
	return key, blob, off, nil
}
