// Package transport carries Raft RPCs between nodes over TCP, one JSON
// object per newline-terminated line, the same line-delimited framing the
// client protocol uses. Socket tuning follows dKV's tcp server connector
// (TCPNoDelay, keepalive; buffer sizes are not set); the connect-and-retry
// client idiom follows Konstantsiy's RaftClient.
package transport

import "github.com/raftkv/raftkv/internal/raft"

// messageType distinguishes the four RPC shapes that travel between peers.
type messageType string

const (
	typeRequestVote        messageType = "request_vote"
	typeRequestVoteReply   messageType = "request_vote_reply"
	typeAppendEntries      messageType = "append_entries"
	typeAppendEntriesReply messageType = "append_entries_reply"
)

// envelope is the single wire shape for every peer RPC message; exactly one
// of the payload fields is populated, selected by Type.
type envelope struct {
	Type                string                    `json:"type"`
	RequestVote         *raft.RequestVoteArgs      `json:"request_vote,omitempty"`
	RequestVoteReply    *raft.RequestVoteReply     `json:"request_vote_reply,omitempty"`
	AppendEntries       *raft.AppendEntriesArgs    `json:"append_entries,omitempty"`
	AppendEntriesReply  *raft.AppendEntriesReply   `json:"append_entries_reply,omitempty"`
}
