package raftlog

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/raftkv/raftkv/internal/kvpb"
	"github.com/raftkv/raftkv/internal/value"
)

func entry(term, index uint64) kvpb.LogEntry {
	return kvpb.LogEntry{
		Term:    term,
		Index:   index,
		Command: kvpb.Command{Type: kvpb.CommandSet, Key: "k", Value: value.NewInteger(int64(index))},
	}
}

func TestAppendSliceTermAt(t *testing.T) {
	l, err := Open(t.TempDir())
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Append([]kvpb.LogEntry{entry(1, 1), entry(1, 2), entry(2, 3)}))
	require.NoError(t, l.Sync())

	require.Equal(t, uint64(3), l.LastIndex())
	require.Equal(t, uint64(2), l.LastTerm())

	term, ok := l.TermAt(2)
	require.True(t, ok)
	require.Equal(t, uint64(1), term)

	_, ok = l.TermAt(0)
	require.False(t, ok)
	_, ok = l.TermAt(4)
	require.False(t, ok)

	got := l.Slice(2, 3)
	require.Equal(t, []kvpb.LogEntry{entry(1, 2), entry(2, 3)}, got)
}

func TestTruncateSuffixThenReappend(t *testing.T) {
	l, err := Open(t.TempDir())
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Append([]kvpb.LogEntry{entry(1, 1), entry(1, 2), entry(1, 3)}))
	require.NoError(t, l.Sync())

	require.NoError(t, l.TruncateSuffix(2))
	require.Equal(t, uint64(1), l.LastIndex())

	require.NoError(t, l.Append([]kvpb.LogEntry{entry(2, 2), entry(2, 3)}))
	require.NoError(t, l.Sync())

	require.Equal(t, uint64(3), l.LastIndex())
	require.Equal(t, uint64(2), l.LastTerm())
}

func TestAppendRejectsNonContiguousIndex(t *testing.T) {
	l, err := Open(t.TempDir())
	require.NoError(t, err)
	defer l.Close()

	err = l.Append([]kvpb.LogEntry{entry(1, 5)})
	require.Error(t, err)
}

func TestReopenReplaysPriorEntries(t *testing.T) {
	dir := t.TempDir()

	l, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, l.Append([]kvpb.LogEntry{entry(1, 1), entry(1, 2)}))
	require.NoError(t, l.Sync())
	require.NoError(t, l.Close())

	l2, err := Open(dir)
	require.NoError(t, err)
	defer l2.Close()
	require.Equal(t, uint64(2), l2.LastIndex())
	require.Equal(t, []kvpb.LogEntry{entry(1, 1), entry(1, 2)}, l2.Slice(1, 2))
}
