package kvpb

import (
	"encoding/json"
	"fmt"

	"github.com/raftkv/raftkv/internal/value"
)

// wireCommand is the JSON-on-the-wire shape of a Command, used for peer
// AppendEntries RPCs and for building entries from client requests. It is
// separate from the WAL's binary layout: the network protocol here is line
// delimited JSON, matching the client protocol in spec section 6.
type wireCommand struct {
	Type   string          `json:"type"`
	Key    string          `json:"key,omitempty"`
	Value  json.RawMessage `json:"value,omitempty"`
	Amount int64           `json:"amount,omitempty"`
	Items  []wireBulkItem  `json:"items,omitempty"`
	Field  string          `json:"field,omitempty"`
}

type wireBulkItem struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON renders a Command the way a client or peer sees it on the wire.
func (cmd Command) MarshalJSON() ([]byte, error) {
	w := wireCommand{Type: cmd.Type.String()}
	switch cmd.Type {
	case CommandSet:
		w.Key = cmd.Key
		valBytes, err := cmd.Value.MarshalJSON()
		if err != nil {
			return nil, err
		}
		w.Value = valBytes
	case CommandDelete:
		w.Key = cmd.Key
	case CommandIncr:
		w.Key = cmd.Key
		w.Amount = cmd.Amount
	case CommandBulkSet:
		w.Items = make([]wireBulkItem, len(cmd.Items))
		for i, item := range cmd.Items {
			valBytes, err := item.Value.MarshalJSON()
			if err != nil {
				return nil, err
			}
			w.Items[i] = wireBulkItem{Key: item.Key, Value: valBytes}
		}
	case CommandNoop:
	case CommandCreateIndex:
		w.Field = cmd.Field
	}
	return json.Marshal(w)
}

// UnmarshalJSON parses the wire shape produced by MarshalJSON.
func (cmd *Command) UnmarshalJSON(data []byte) error {
	var w wireCommand
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Type {
	case "SET":
		var v value.Value
		if err := v.UnmarshalJSON(w.Value); err != nil {
			return fmt.Errorf("kvpb: SET value: %w", err)
		}
		*cmd = Command{Type: CommandSet, Key: w.Key, Value: v}
	case "DELETE":
		*cmd = Command{Type: CommandDelete, Key: w.Key}
	case "INCR":
		*cmd = Command{Type: CommandIncr, Key: w.Key, Amount: w.Amount}
	case "BULK_SET":
		items := make([]BulkItem, len(w.Items))
		for i, wi := range w.Items {
			var v value.Value
			if err := v.UnmarshalJSON(wi.Value); err != nil {
				return fmt.Errorf("kvpb: BULK_SET item %q: %w", wi.Key, err)
			}
			items[i] = BulkItem{Key: wi.Key, Value: v}
		}
		*cmd = Command{Type: CommandBulkSet, Items: items}
	case "NOOP":
		*cmd = Command{Type: CommandNoop}
	case "CREATE_INDEX":
		*cmd = Command{Type: CommandCreateIndex, Field: w.Field}
	default:
		return fmt.Errorf("kvpb: unknown command type %q", w.Type)
	}
	return nil
}

// wireEntry is the JSON shape of a LogEntry as carried in AppendEntries RPCs.
type wireEntry struct {
	Term     uint64  `json:"term"`
	Index    uint64  `json:"index"`
	ClientID string  `json:"client_id,omitempty"`
	Seq      uint64  `json:"seq,omitempty"`
	Command  Command `json:"command"`
}

// MarshalJSON renders a LogEntry for peer RPC transport.
func (e LogEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEntry{
		Term:     e.Term,
		Index:    e.Index,
		ClientID: e.ClientID,
		Seq:      e.Seq,
		Command:  e.Command,
	})
}

// UnmarshalJSON parses a LogEntry received over peer RPC transport.
func (e *LogEntry) UnmarshalJSON(data []byte) error {
	var w wireEntry
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = LogEntry{
		Term:     w.Term,
		Index:    w.Index,
		ClientID: w.ClientID,
		Seq:      w.Seq,
		Command:  w.Command,
	}
	return nil
}
