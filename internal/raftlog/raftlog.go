// Package raftlog wraps the WAL with an in-memory index so the Raft node
// can look up terms and slice ranges of the log by index without touching
// disk on the hot path. Every mutation still reaches the WAL synchronously;
// raftlog never acknowledges an append or truncate as durable until the
// caller has also called Sync.
package raftlog

import (
	"fmt"

	"github.com/raftkv/raftkv/internal/kvpb"
	"github.com/raftkv/raftkv/internal/wal"
)

// Log is the Raft-facing view of the durable log: dense, 1-based indexing,
// O(1) term lookups, and slicing, all backed by a single WAL file.
type Log struct {
	w *wal.WAL

	// entries[i] is the LogEntry at index i+1. Kept fully in memory: the
	// store does not compact or snapshot, so the log is never larger than
	// the WAL file itself.
	entries []kvpb.LogEntry
}

// Open opens the WAL under dir and replays it to rebuild the in-memory index.
func Open(dir string) (*Log, error) {
	w, err := wal.Open(dir)
	if err != nil {
		return nil, err
	}
	entries, err := w.Replay()
	if err != nil {
		return nil, fmt.Errorf("raftlog: replay: %w", err)
	}
	return &Log{w: w, entries: entries}, nil
}

// LastIndex returns the index of the last entry in the log, or 0 if empty.
func (l *Log) LastIndex() uint64 {
	return uint64(len(l.entries))
}

// LastTerm returns the term of the last entry in the log, or 0 if empty.
func (l *Log) LastTerm() uint64 {
	if len(l.entries) == 0 {
		return 0
	}
	return l.entries[len(l.entries)-1].Term
}

// TermAt returns the term of the entry at the given 1-based index, or
// (0, false) if the index is 0 or beyond the end of the log.
func (l *Log) TermAt(index uint64) (uint64, bool) {
	if index == 0 || index > uint64(len(l.entries)) {
		return 0, false
	}
	return l.entries[index-1].Term, true
}

// EntryAt returns the entry at the given 1-based index.
func (l *Log) EntryAt(index uint64) (kvpb.LogEntry, bool) {
	if index == 0 || index > uint64(len(l.entries)) {
		return kvpb.LogEntry{}, false
	}
	return l.entries[index-1], true
}

// Slice returns entries in [from, to] inclusive, both 1-based. An empty
// range (from > to, or from beyond the log) returns nil.
func (l *Log) Slice(from, to uint64) []kvpb.LogEntry {
	if from == 0 {
		from = 1
	}
	if from > to || from > uint64(len(l.entries)) {
		return nil
	}
	if to > uint64(len(l.entries)) {
		to = uint64(len(l.entries))
	}
	out := make([]kvpb.LogEntry, to-from+1)
	copy(out, l.entries[from-1:to])
	return out
}

// Append adds entries to the end of the log, in the WAL, and returns once
// they are buffered. The caller must call Sync before treating them as
// durable. Entries must be contiguous and begin immediately after the
// current LastIndex.
func (l *Log) Append(entries []kvpb.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	want := l.LastIndex() + 1
	for _, e := range entries {
		if e.Index != want {
			return fmt.Errorf("raftlog: append expected index %d, got %d", want, e.Index)
		}
		want++
	}
	if _, err := l.w.Append(entries); err != nil {
		return err
	}
	l.entries = append(l.entries, entries...)
	return nil
}

// TruncateSuffix drops every entry from fromIndex (1-based, inclusive)
// onward, both in memory and in the WAL, fsyncing before it returns.
func (l *Log) TruncateSuffix(fromIndex uint64) error {
	if fromIndex == 0 || fromIndex > uint64(len(l.entries))+1 {
		return fmt.Errorf("raftlog: truncate index %d out of range", fromIndex)
	}
	if fromIndex > uint64(len(l.entries)) {
		return nil
	}
	if err := l.w.Truncate(fromIndex); err != nil {
		return err
	}
	l.entries = l.entries[:fromIndex-1]
	return nil
}

// Sync flushes and fsyncs the WAL, making every Append and TruncateSuffix
// since the last Sync durable.
func (l *Log) Sync() error {
	return l.w.Sync()
}

// Close closes the underlying WAL.
func (l *Log) Close() error {
	return l.w.Close()
}
