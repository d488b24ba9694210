package raft

import (
	"fmt"

	"github.com/raftkv/raftkv/internal/kvpb"
	"github.com/raftkv/raftkv/internal/raftkverr"
)

func (n *Node) handleRPC(env rpcEnvelope) {
	switch {
	case env.requestVote != nil:
		env.voteReplyCh <- n.handleRequestVote(*env.requestVote)
	case env.appendEntries != nil:
		env.appendReplyCh <- n.handleAppendEntries(*env.appendEntries)
	}
}

func (n *Node) handleOutboundResult(res outboundResult) {
	switch {
	case res.voteReply != nil:
		n.handleVoteReply(res)
	case res.appendReply != nil:
		n.handleAppendReply(res)
	}
}

// handleRequestVote implements the RequestVote RPC exactly as specified:
// grant iff the candidate's term is at least as current, we have not
// already voted for someone else this term, and the candidate's log is at
// least as up to date as ours.
func (n *Node) handleRequestVote(args RequestVoteArgs) RequestVoteReply {
	if args.Term > n.currentTerm {
		n.stepDownToFollower(args.Term, "", "")
	}
	if args.Term < n.currentTerm {
		return RequestVoteReply{Term: n.currentTerm, VoteGranted: false}
	}

	alreadyVotedForOther := n.votedFor != "" && n.votedFor != args.CandidateID
	if alreadyVotedForOther || !n.candidateLogUpToDate(args) {
		return RequestVoteReply{Term: n.currentTerm, VoteGranted: false}
	}

	n.votedFor = args.CandidateID
	n.persistTerm()
	n.resetElectionTimer()
	return RequestVoteReply{Term: n.currentTerm, VoteGranted: true}
}

func (n *Node) candidateLogUpToDate(args RequestVoteArgs) bool {
	ourLastTerm := n.cfg.Log.LastTerm()
	ourLastIndex := n.cfg.Log.LastIndex()
	if args.LastLogTerm != ourLastTerm {
		return args.LastLogTerm > ourLastTerm
	}
	return args.LastLogIndex >= ourLastIndex
}

// handleAppendEntries implements the AppendEntries RPC: reject stale
// terms, reject on a prev-log mismatch with a conflict hint to accelerate
// the leader's backtracking, otherwise truncate any conflicting suffix,
// append the new entries idempotently, and advance commit_index.
func (n *Node) handleAppendEntries(args AppendEntriesArgs) AppendEntriesReply {
	if args.Term < n.currentTerm {
		return AppendEntriesReply{Term: n.currentTerm, Success: false}
	}

	n.stepDownToFollower(args.Term, args.LeaderID, "")

	if args.PrevLogIndex > 0 {
		ourTerm, ok := n.cfg.Log.TermAt(args.PrevLogIndex)
		if !ok || ourTerm != args.PrevLogTerm {
			return AppendEntriesReply{Term: n.currentTerm, Success: false, ConflictHint: n.buildConflictHint(args.PrevLogIndex)}
		}
	}

	lastNewIndex := args.PrevLogIndex
	if len(args.Entries) > 0 {
		lastNewIndex = n.reconcileEntries(args.Entries)
		// The entries just appended must be durable before we report
		// MatchIndex: the leader counts this reply toward its commit
		// majority, and a majority that only holds the write in a
		// bufio.Writer buffer is not a majority that survives a crash.
		if err := n.cfg.Log.Sync(); err != nil {
			logger.Fatalf("%v", &raftkverr.Durability{Err: err})
		}
	}

	newCommit := args.LeaderCommit
	if lastNewIndex < newCommit {
		newCommit = lastNewIndex
	}
	if newCommit > n.commitIndex {
		// Never move commit_index backwards; a stale or reordered RPC
		// must not undo progress already made.
		n.commitIndex = newCommit
	}
	n.runApplyLoop()

	return AppendEntriesReply{Term: n.currentTerm, Success: true, MatchIndex: lastNewIndex}
}

// reconcileEntries truncates any suffix of our log that conflicts with
// entries and appends whatever is new, skipping any identical prefix
// already present so repeated AppendEntries calls are idempotent. It
// returns the index of the last entry now present in our log.
func (n *Node) reconcileEntries(entries []kvpb.LogEntry) uint64 {
	i := 0
	for ; i < len(entries); i++ {
		e := entries[i]
		ourTerm, ok := n.cfg.Log.TermAt(e.Index)
		if !ok {
			break // nothing at this index yet: append starts here
		}
		if ourTerm == e.Term {
			continue // identical entry already present, skip it
		}
		// conflict: discard our divergent suffix and everything after it
		if err := n.cfg.Log.TruncateSuffix(e.Index); err != nil {
			logger.Fatalf("%v", &raftkverr.Durability{Err: fmt.Errorf("truncate conflicting suffix at %d: %w", e.Index, err)})
		}
		break
	}

	toAppend := entries[i:]
	if len(toAppend) > 0 {
		if err := n.cfg.Log.Append(toAppend); err != nil {
			logger.Fatalf("%v", &raftkverr.Durability{Err: fmt.Errorf("append replicated entries: %w", err)})
		}
	}
	return entries[len(entries)-1].Index
}

func (n *Node) buildConflictHint(prevLogIndex uint64) *ConflictHint {
	if prevLogIndex > n.cfg.Log.LastIndex() {
		return &ConflictHint{FirstIndex: n.cfg.Log.LastIndex() + 1}
	}
	term, ok := n.cfg.Log.TermAt(prevLogIndex)
	if !ok {
		return &ConflictHint{FirstIndex: 1}
	}
	first := prevLogIndex
	for first > 1 {
		t, ok := n.cfg.Log.TermAt(first - 1)
		if !ok || t != term {
			break
		}
		first--
	}
	return &ConflictHint{ConflictTerm: term, FirstIndex: first}
}

func (n *Node) handlePropose(env proposeEnvelope) {
	if n.role != Leader {
		env.replyCh <- proposeResult{err: &raftkverr.NotLeader{LeaderID: n.leaderID, LeaderAddr: n.leaderAddr}}
		return
	}

	index := n.appendLocalEntry(env.clientID, env.seq, env.cmd)
	waitCh := make(chan ApplyWaitResult, 1)
	n.waiters[index] = append(n.waiters[index], waitCh)

	n.broadcastAppendEntries()
	if len(n.peer) == 0 {
		n.commitIndex = index
		n.runApplyLoop()
	}

	env.replyCh <- proposeResult{index: index, waitCh: waitCh}
}

func (n *Node) handleRead(env readEnvelope) {
	if n.role != Leader {
		env.replyCh <- readResult{err: &raftkverr.NotLeader{LeaderID: n.leaderID, LeaderAddr: n.leaderAddr}}
		return
	}
	if n.noopIndex != 0 && n.commitIndex >= n.noopIndex {
		env.replyCh <- readResult{}
		return
	}
	n.pendingReads = append(n.pendingReads, env)
}
