// Package fileutil collects the small set of durable-file helpers the WAL
// and term-state store need: directory creation, fsync, and atomic
// write-then-rename. Trimmed from the teacher's much larger fileutil
// package (which also handled file locking and segment purging for a
// multi-segment WAL); this store uses a single WAL file, so those pieces
// are not needed here.
package fileutil

import (
	"fmt"
	"os"
	"path/filepath"
)

// MkdirAll creates dir (and parents) if it does not already exist.
func MkdirAll(dir string) error {
	if Exist(dir) {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// Exist reports whether name exists, regardless of type.
func Exist(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

// Fsync commits f's contents to stable storage.
func Fsync(f *os.File) error {
	return f.Sync()
}

// WriteFileAtomic writes data to path by first writing to a sibling
// temporary file, fsyncing it, and renaming it over path. A crash at any
// point before the rename leaves the previous contents of path intact,
// matching the write-tmp/fsync/os.replace idiom used for compaction in the
// key-value store this module was distilled from.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("fileutil: open temp file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("fileutil: write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("fileutil: sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("fileutil: close temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("fileutil: rename temp file: %w", err)
	}
	return nil
}

// AbsDataDir resolves the data directory for a node, defaulting to
// ./data/<id> when dir is empty, matching the CLI's --data-dir default.
func AbsDataDir(dir, id string) (string, error) {
	if dir == "" {
		dir = filepath.Join("data", id)
	}
	return filepath.Abs(dir)
}
