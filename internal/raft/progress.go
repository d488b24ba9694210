package raft

import "time"

// Progress tracks what a leader believes a single follower has durably
// accepted, naming mirrored from the teacher's raft/progress.go.
type Progress struct {
	// MatchIndex is the highest log index known to be replicated on this
	// peer.
	MatchIndex uint64

	// NextIndex is the index of the next entry to send to this peer.
	NextIndex uint64

	// Inflight is true while an AppendEntries RPC to this peer is in
	// flight; the leader does not pipeline a second RPC ahead of it.
	Inflight bool

	// lastAck is when this peer last successfully acknowledged an
	// AppendEntries RPC, used for the leader's step-down lease check.
	lastAck time.Time
}
