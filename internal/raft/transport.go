package raft

import "context"

// Transport abstracts how a node reaches its peers. Implementations own one
// connection per peer and may redial transparently; Raft only cares that a
// call either returns a reply before ctx is done or returns an error.
type Transport interface {
	SendRequestVote(ctx context.Context, peerID string, args RequestVoteArgs) (RequestVoteReply, error)
	SendAppendEntries(ctx context.Context, peerID string, args AppendEntriesArgs) (AppendEntriesReply, error)
}
