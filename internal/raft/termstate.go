package raft

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/raftkv/raftkv/internal/fileutil"
)

const termStateFileName = "term.state"

// termState is the small fixed-shape file holding the two fields Raft must
// persist before replying to a vote or granting one: current_term and
// voted_for. Layout: current_term (u64) | voted_for_len (u16) |
// voted_for_bytes. Written with write-then-rename atomicity so a crash
// mid-write never leaves a torn term file.
type termState struct {
	CurrentTerm uint64
	VotedFor    string
}

func loadTermState(dir string) (termState, error) {
	path := filepath.Join(dir, termStateFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return termState{}, nil
	}
	if err != nil {
		return termState{}, fmt.Errorf("raft: read term state: %w", err)
	}
	if len(data) < 10 {
		return termState{}, fmt.Errorf("raft: term state file truncated")
	}
	term := binary.BigEndian.Uint64(data[0:8])
	votedForLen := int(binary.BigEndian.Uint16(data[8:10]))
	if len(data) < 10+votedForLen {
		return termState{}, fmt.Errorf("raft: term state voted_for truncated")
	}
	return termState{CurrentTerm: term, VotedFor: string(data[10 : 10+votedForLen])}, nil
}

func saveTermState(dir string, ts termState) error {
	path := filepath.Join(dir, termStateFileName)
	buf := make([]byte, 10+len(ts.VotedFor))
	binary.BigEndian.PutUint64(buf[0:8], ts.CurrentTerm)
	binary.BigEndian.PutUint16(buf[8:10], uint16(len(ts.VotedFor)))
	copy(buf[10:], ts.VotedFor)
	return fileutil.WriteFileAtomic(path, buf, 0o644)
}
