package kvpb

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/raftkv/raftkv/internal/value"
)

func TestCommandSerializeRoundTrip(t *testing.T) {
	cases := []Command{
		{Type: CommandSet, Key: "user:1", Value: value.NewString("alice")},
		{Type: CommandSet, Key: "counters", Value: value.NewMap(map[string]value.Value{
			"views": value.NewInteger(42),
			"name":  value.NewString("home"),
		})},
		{Type: CommandDelete, Key: "user:1"},
		{Type: CommandIncr, Key: "views", Amount: -3},
		{Type: CommandBulkSet, Items: []BulkItem{
			{Key: "a", Value: value.NewInteger(1)},
			{Key: "b", Value: value.NewString("two")},
		}},
		{Type: CommandNoop},
		{Type: CommandCreateIndex, Field: "status"},
	}

	for _, cmd := range cases {
		encoded, err := cmd.Serialize()
		require.NoError(t, err)

		decoded, err := Deserialize(cmd.Type, encoded)
		require.NoError(t, err)
		require.Equal(t, cmd, decoded)
	}
}

func TestLogEntryPayloadRoundTrip(t *testing.T) {
	entry := LogEntry{
		Term:     7,
		Index:    42,
		ClientID: "client-9",
		Seq:      3,
		Command:  Command{Type: CommandSet, Key: "k", Value: value.NewInteger(9)},
	}

	payload, err := entry.EncodePayload()
	require.NoError(t, err)

	decoded, err := DecodeEntry(entry.Term, entry.Index, entry.Command.Type, payload)
	require.NoError(t, err)
	require.Equal(t, entry, decoded)
}

func TestLogEntryPayloadRoundTripEmptyClientID(t *testing.T) {
	entry := LogEntry{
		Term:    3,
		Index:   1,
		Command: Command{Type: CommandNoop},
	}

	payload, err := entry.EncodePayload()
	require.NoError(t, err)

	decoded, err := DecodeEntry(entry.Term, entry.Index, entry.Command.Type, payload)
	require.NoError(t, err)
	require.Equal(t, entry, decoded)
}

func TestLogEntryJSONRoundTrip(t *testing.T) {
	entry := LogEntry{
		Term:     2,
		Index:    5,
		ClientID: "c1",
		Seq:      11,
		Command: Command{Type: CommandBulkSet, Items: []BulkItem{
			{Key: "x", Value: value.NewString("y")},
		}},
	}

	data, err := json.Marshal(entry)
	require.NoError(t, err)

	var decoded LogEntry
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, entry, decoded)
}

func TestCommandJSONUnknownType(t *testing.T) {
	var cmd Command
	err := json.Unmarshal([]byte(`{"type":"BOGUS"}`), &cmd)
	require.Error(t, err)
}
