package wal

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/raftkv/raftkv/internal/fileutil"
	"github.com/raftkv/raftkv/internal/kvpb"
	"github.com/raftkv/raftkv/internal/raftkverr"
	"github.com/raftkv/raftkv/internal/xlog"
)

var logger = xlog.New("wal")

// indexEntry records where a logged entry's record begins in the file, so
// Truncate and IterFrom can seek directly to it without rescanning.
type indexEntry struct {
	offset int64
	term   uint64
}

// WAL is the single append-only file holding the replicated log. All
// methods are safe for concurrent use, though in practice the owning
// event loop is the WAL's only caller.
type WAL struct {
	mu sync.Mutex

	dir  string
	file *os.File
	w    *bufio.Writer

	// index maps a 1-based log index to its on-disk location. index[0]
	// describes log index 1, and so on; there is no snapshotting in scope
	// so the log always begins at index 1.
	index []indexEntry

	// nextOffset is the file offset at which the next record will begin,
	// including bytes already handed to w but not yet flushed.
	nextOffset int64
}

const fileName = "wal.log"

// Open opens (creating if absent) the WAL file under dir, ready for
// appending after the caller replays its existing contents.
func Open(dir string) (*WAL, error) {
	if err := fileutil.MkdirAll(dir); err != nil {
		return nil, fmt.Errorf("wal: create dir: %w", err)
	}
	path := filepath.Join(dir, fileName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}
	return &WAL{dir: dir, file: f, w: bufio.NewWriter(f)}, nil
}

// Replay reads every intact record from the start of the file, in order.
// It must be called once, immediately after Open and before any Append. A
// trailing torn record is silently dropped along with everything after it,
// per the torn-write recovery rule, since that is exactly what an
// interrupted write leaves behind. A record whose CRC fails despite being
// full length is only treated as a torn tail when nothing follows it in the
// file; if further records follow, there is no interrupted-write
// explanation left, so Replay reports it as fatal corruption instead of
// silently discarding a good suffix. Replay reports the effective end of
// the log by leaving the WAL ready to append right after the last good
// record.
func (w *WAL) Replay() ([]kvpb.LogEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := io.ReadAll(w.file)
	if err != nil {
		return nil, fmt.Errorf("wal: read for replay: %w", err)
	}

	var (
		entries []kvpb.LogEntry
		offset  int64
	)
	for int(offset) < len(data) {
		entry, n, err := decodeRecord(data[offset:])
		if err != nil {
			if err == errTornRecord {
				logger.Warnf("torn or trailing record at offset %d, truncating log there", offset)
				break
			}
			if err == errCRCMismatch {
				if int(offset)+n >= len(data) {
					logger.Warnf("full-length record with bad crc at the tail, offset %d, treating as torn write", offset)
					break
				}
				return nil, &raftkverr.Corruption{Detail: fmt.Sprintf("crc mismatch at offset %d with %d more bytes following, not a trailing torn write", offset, len(data)-int(offset)-n)}
			}
			return nil, err
		}
		entries = append(entries, entry)
		w.index = append(w.index, indexEntry{offset: offset, term: entry.Term})
		offset += int64(n)
	}

	// Drop any trailing torn bytes so subsequent appends start cleanly.
	if err := w.file.Truncate(offset); err != nil {
		return nil, fmt.Errorf("wal: truncate torn tail: %w", err)
	}
	if _, err := w.file.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("wal: seek after replay: %w", err)
	}
	w.nextOffset = offset
	w.w = bufio.NewWriter(w.file)

	return entries, nil
}

// Append buffers entries for writing and returns the file offset the next
// record will be written at. No entry appended here is durable until a
// following Sync completes.
func (w *WAL) Append(entries []kvpb.LogEntry) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, entry := range entries {
		if err := w.appendLocked(entry); err != nil {
			return 0, err
		}
	}
	return w.nextOffset, nil
}

func (w *WAL) appendLocked(entry kvpb.LogEntry) error {
	rec, err := encodeRecord(entry)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(rec); err != nil {
		return fmt.Errorf("wal: write record for index %d: %w", entry.Index, err)
	}
	w.index = append(w.index, indexEntry{offset: w.nextOffset, term: entry.Term})
	w.nextOffset += int64(len(rec))
	return nil
}

// Sync flushes every buffered append to the OS and fsyncs the file. This is
// the group commit point: the caller is expected to batch many Appends
// between two Syncs.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("wal: flush: %w", err)
	}
	if err := fileutil.Fsync(w.file); err != nil {
		return fmt.Errorf("wal: fsync: %w", err)
	}
	return nil
}

// Truncate removes every record from fromIndex onward (1-based, inclusive)
// and fsyncs before returning, so a follower can resolve a log conflict by
// discarding a divergent suffix.
func (w *WAL) Truncate(fromIndex uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if fromIndex == 0 || fromIndex > uint64(len(w.index)) {
		return fmt.Errorf("wal: truncate index %d out of range (have %d entries)", fromIndex, len(w.index))
	}

	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("wal: flush before truncate: %w", err)
	}

	cut := w.index[fromIndex-1].offset
	if err := w.file.Truncate(cut); err != nil {
		return fmt.Errorf("wal: truncate file: %w", err)
	}
	if err := fileutil.Fsync(w.file); err != nil {
		return fmt.Errorf("wal: fsync after truncate: %w", err)
	}
	if _, err := w.file.Seek(cut, io.SeekStart); err != nil {
		return fmt.Errorf("wal: seek after truncate: %w", err)
	}

	w.index = w.index[:fromIndex-1]
	w.nextOffset = cut
	w.w = bufio.NewWriter(w.file)
	return nil
}

// IterFrom returns every intact record from fromIndex (1-based, inclusive)
// through the current end of the log. It flushes buffered appends and then
// re-reads the file rather than relying on an in-memory cache, so the
// result includes appends that have not yet been fsynced by Sync.
func (w *WAL) IterFrom(fromIndex uint64) ([]kvpb.LogEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if fromIndex == 0 {
		return nil, fmt.Errorf("wal: log indexes are 1-based, got 0")
	}
	if fromIndex > uint64(len(w.index)) {
		return nil, nil
	}

	if err := w.w.Flush(); err != nil {
		return nil, fmt.Errorf("wal: flush before iter: %w", err)
	}

	start := w.index[fromIndex-1].offset
	data := make([]byte, w.nextOffset-start)
	if _, err := w.file.ReadAt(data, start); err != nil {
		return nil, fmt.Errorf("wal: read range: %w", err)
	}

	var (
		entries []kvpb.LogEntry
		offset  int
	)
	for offset < len(data) {
		entry, n, err := decodeRecord(data[offset:])
		if err != nil {
			return nil, fmt.Errorf("wal: decode during iter: %w", err)
		}
		entries = append(entries, entry)
		offset += n
	}
	return entries, nil
}

// Close flushes, fsyncs, and closes the underlying file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("wal: flush on close: %w", err)
	}
	if err := fileutil.Fsync(w.file); err != nil {
		return fmt.Errorf("wal: fsync on close: %w", err)
	}
	return w.file.Close()
}
