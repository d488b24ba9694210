package raft

import "github.com/raftkv/raftkv/internal/kvpb"

// RequestVoteArgs is the RequestVote RPC request.
type RequestVoteArgs struct {
	Term         uint64 `json:"term"`
	CandidateID  string `json:"candidate_id"`
	LastLogIndex uint64 `json:"last_log_index"`
	LastLogTerm  uint64 `json:"last_log_term"`
}

// RequestVoteReply is the RequestVote RPC response.
type RequestVoteReply struct {
	Term        uint64 `json:"term"`
	VoteGranted bool   `json:"vote_granted"`
}

// ConflictHint accelerates a follower's log-conflict backtracking: the
// term of the conflicting entry and the first index in our log that holds
// that term.
type ConflictHint struct {
	ConflictTerm  uint64 `json:"conflict_term"`
	FirstIndex    uint64 `json:"first_index_of_conflict_term"`
}

// AppendEntriesArgs is the AppendEntries RPC request, also used as the
// empty-entries heartbeat.
type AppendEntriesArgs struct {
	Term         uint64          `json:"term"`
	LeaderID     string          `json:"leader_id"`
	PrevLogIndex uint64          `json:"prev_log_index"`
	PrevLogTerm  uint64          `json:"prev_log_term"`
	Entries      []kvpb.LogEntry `json:"entries"`
	LeaderCommit uint64          `json:"leader_commit"`
}

// AppendEntriesReply is the AppendEntries RPC response.
type AppendEntriesReply struct {
	Term         uint64        `json:"term"`
	Success      bool          `json:"success"`
	ConflictHint *ConflictHint `json:"conflict_hint,omitempty"`

	// MatchIndex echoes back the highest index this follower now holds
	// that matches the leader's log. The leader in this package does not
	// read it; it derives match_index from the entries it sent.
	MatchIndex uint64 `json:"match_index,omitempty"`
}
