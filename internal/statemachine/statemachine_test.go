package statemachine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/raftkv/raftkv/internal/kvpb"
	"github.com/raftkv/raftkv/internal/value"
)

type recordingObserver struct {
	calls []struct {
		key       string
		val       value.Value
		tombstone bool
		index     uint64
	}
	createdIndexes []string
}

func (r *recordingObserver) OnApply(key string, v value.Value, tombstone bool, index uint64) {
	r.calls = append(r.calls, struct {
		key       string
		val       value.Value
		tombstone bool
		index     uint64
	}{key, v, tombstone, index})
}

func (r *recordingObserver) OnCreateIndex(field string) {
	r.createdIndexes = append(r.createdIndexes, field)
}

func TestApplySetAndGet(t *testing.T) {
	sm := New()
	res := sm.Apply(kvpb.LogEntry{Index: 1, Command: kvpb.Command{Type: kvpb.CommandSet, Key: "a", Value: value.NewString("x")}})
	require.NoError(t, res.Err)

	v, ok := sm.Get("a")
	require.True(t, ok)
	require.Equal(t, value.NewString("x"), v)
	require.Equal(t, uint64(1), sm.LastApplied())
}

func TestApplyDeleteIsNoopIfAbsent(t *testing.T) {
	sm := New()
	obs := &recordingObserver{}
	sm.AddObserver(obs)

	res := sm.Apply(kvpb.LogEntry{Index: 1, Command: kvpb.Command{Type: kvpb.CommandDelete, Key: "missing"}})
	require.NoError(t, res.Err)
	require.Empty(t, obs.calls)
}

func TestApplyIncrFromAbsentAndExisting(t *testing.T) {
	sm := New()
	res := sm.Apply(kvpb.LogEntry{Index: 1, Command: kvpb.Command{Type: kvpb.CommandIncr, Key: "n", Amount: 5}})
	require.NoError(t, res.Err)
	v, _ := sm.Get("n")
	require.Equal(t, int64(5), v.Int)

	res = sm.Apply(kvpb.LogEntry{Index: 2, Command: kvpb.Command{Type: kvpb.CommandIncr, Key: "n", Amount: -2}})
	require.NoError(t, res.Err)
	v, _ = sm.Get("n")
	require.Equal(t, int64(3), v.Int)
}

func TestApplyIncrOnNonIntegerReturnsTypeMismatchButStillApplies(t *testing.T) {
	sm := New()
	sm.Apply(kvpb.LogEntry{Index: 1, Command: kvpb.Command{Type: kvpb.CommandSet, Key: "s", Value: value.NewString("hello")}})

	res := sm.Apply(kvpb.LogEntry{Index: 2, Command: kvpb.Command{Type: kvpb.CommandIncr, Key: "s", Amount: 1}})
	require.Error(t, res.Err)
	var mismatch *ErrTypeMismatch
	require.ErrorAs(t, res.Err, &mismatch)

	// still considered applied: last_applied advances regardless.
	require.Equal(t, uint64(2), sm.LastApplied())
	v, ok := sm.Get("s")
	require.True(t, ok)
	require.Equal(t, value.NewString("hello"), v)
}

func TestApplyBulkSetCommitsAllOrNothingAtomically(t *testing.T) {
	sm := New()
	res := sm.Apply(kvpb.LogEntry{Index: 1, Command: kvpb.Command{Type: kvpb.CommandBulkSet, Items: []kvpb.BulkItem{
		{Key: "a", Value: value.NewInteger(1)},
		{Key: "b", Value: value.NewInteger(2)},
		{Key: "c", Value: value.NewInteger(3)},
	}}})
	require.NoError(t, res.Err)

	for _, k := range []string{"a", "b", "c"} {
		_, ok := sm.Get(k)
		require.True(t, ok, "key %s should be present", k)
	}
}

func TestApplyNoopDoesNotMutateButAdvancesLastApplied(t *testing.T) {
	sm := New()
	res := sm.Apply(kvpb.LogEntry{Index: 1, Command: kvpb.Command{Type: kvpb.CommandNoop}})
	require.NoError(t, res.Err)
	require.Equal(t, uint64(1), sm.LastApplied())
	require.Empty(t, sm.Snapshot())
}

func TestObserverNotifiedOnMutation(t *testing.T) {
	sm := New()
	obs := &recordingObserver{}
	sm.AddObserver(obs)

	sm.Apply(kvpb.LogEntry{Index: 1, Command: kvpb.Command{Type: kvpb.CommandSet, Key: "a", Value: value.NewInteger(1)}})
	sm.Apply(kvpb.LogEntry{Index: 2, Command: kvpb.Command{Type: kvpb.CommandDelete, Key: "a"}})

	require.Len(t, obs.calls, 2)
	require.False(t, obs.calls[0].tombstone)
	require.True(t, obs.calls[1].tombstone)
}

func TestApplyCreateIndexNotifiesObserverWithoutMutatingData(t *testing.T) {
	sm := New()
	obs := &recordingObserver{}
	sm.AddObserver(obs)

	res := sm.Apply(kvpb.LogEntry{Index: 1, Command: kvpb.Command{Type: kvpb.CommandCreateIndex, Field: "status"}})
	require.NoError(t, res.Err)
	require.Equal(t, []string{"status"}, obs.createdIndexes)
	require.Empty(t, obs.calls)
	require.Empty(t, sm.Snapshot())
}

func TestReplayDeterminism(t *testing.T) {
	entries := []kvpb.LogEntry{
		{Index: 1, Command: kvpb.Command{Type: kvpb.CommandSet, Key: "a", Value: value.NewInteger(1)}},
		{Index: 2, Command: kvpb.Command{Type: kvpb.CommandIncr, Key: "a", Amount: 4}},
		{Index: 3, Command: kvpb.Command{Type: kvpb.CommandBulkSet, Items: []kvpb.BulkItem{
			{Key: "b", Value: value.NewString("y")},
		}}},
	}

	sm1 := New()
	for _, e := range entries {
		sm1.Apply(e)
	}
	sm2 := New()
	for _, e := range entries {
		sm2.Apply(e)
	}
	require.Equal(t, sm1.Snapshot(), sm2.Snapshot())
}
