package raft

import (
	"context"
	"time"

	"github.com/raftkv/raftkv/internal/kvpb"
	"github.com/raftkv/raftkv/internal/raftkverr"
)

func noopCommand() kvpb.Command {
	return kvpb.Command{Type: kvpb.CommandNoop}
}

// appendLocalEntry appends a single entry at the next free index under the
// current term, buffering it in the log (not yet synced), and returns its
// index.
func (n *Node) appendLocalEntry(clientID string, seq uint64, cmd kvpb.Command) uint64 {
	index := n.cfg.Log.LastIndex() + 1
	entry := kvpb.LogEntry{Term: n.currentTerm, Index: index, ClientID: clientID, Seq: seq, Command: cmd}
	if err := n.cfg.Log.Append([]kvpb.LogEntry{entry}); err != nil {
		logger.Fatalf("%v", &raftkverr.Durability{Err: err})
	}
	return index
}

// broadcastAppendEntries sends (or re-sends) AppendEntries to every peer
// that does not already have one in flight. Called on every heartbeat tick
// and immediately after a leader appends a new entry, so followers do not
// wait for the next heartbeat to learn about it.
func (n *Node) broadcastAppendEntries() {
	if n.role != Leader {
		return
	}
	for _, peerID := range n.peer {
		n.sendAppendEntriesTo(peerID)
	}
}

func (n *Node) sendAppendEntriesTo(peerID string) {
	pr := n.progress[peerID]
	if pr.Inflight {
		return
	}

	prevIndex := pr.NextIndex - 1
	prevTerm, _ := n.cfg.Log.TermAt(prevIndex)
	entries := n.cfg.Log.Slice(pr.NextIndex, n.cfg.Log.LastIndex())

	args := AppendEntriesArgs{
		Term:         n.currentTerm,
		LeaderID:     n.id,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: n.commitIndex,
	}

	appendedUpTo := pr.NextIndex - 1
	if len(entries) > 0 {
		appendedUpTo = entries[len(entries)-1].Index
	}

	pr.Inflight = true
	term := n.currentTerm
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), n.cfg.ElectionTimeoutMax)
		defer cancel()
		reply, err := n.cfg.Transport.SendAppendEntries(ctx, peerID, args)
		select {
		case n.outboundCh <- outboundResult{peerID: peerID, term: term, appendReply: &reply, appendedUpTo: appendedUpTo, err: err}:
		case <-n.doneCh:
		}
	}()
}

func (n *Node) handleAppendReply(res outboundResult) {
	pr := n.progress[res.peerID]
	if pr != nil {
		pr.Inflight = false
	}
	if n.role != Leader || res.term != n.currentTerm {
		return // stale reply from an abandoned term
	}
	if res.err != nil {
		// Transport error: retry at the current next_index on the next tick.
		return
	}

	reply := res.appendReply
	if reply.Term > n.currentTerm {
		n.stepDownToFollower(reply.Term, "", "")
		return
	}

	if !reply.Success {
		n.backtrackNextIndex(pr, reply.ConflictHint)
		return
	}

	if res.appendedUpTo > pr.MatchIndex {
		pr.MatchIndex = res.appendedUpTo
	}
	pr.NextIndex = pr.MatchIndex + 1
	pr.lastAck = time.Now()

	n.updateCommitIndex()
}

func (n *Node) backtrackNextIndex(pr *Progress, hint *ConflictHint) {
	if hint == nil {
		if pr.NextIndex > 1 {
			pr.NextIndex--
		}
		return
	}
	// Search our own log for the last entry of the conflicting term; if we
	// have one, resume just after it, otherwise resume at the follower's
	// first index of that term.
	last := uint64(0)
	for i := n.cfg.Log.LastIndex(); i >= 1; i-- {
		term, ok := n.cfg.Log.TermAt(i)
		if !ok {
			break
		}
		if term == hint.ConflictTerm {
			last = i
			break
		}
		if term < hint.ConflictTerm {
			break
		}
	}
	if last > 0 {
		pr.NextIndex = last + 1
	} else {
		pr.NextIndex = hint.FirstIndex
	}
	if pr.NextIndex == 0 {
		pr.NextIndex = 1
	}
}

// updateCommitIndex recomputes commit_index from the leader's view of
// match_index, honoring the current-term-only commit rule: an index can
// only be committed directly if the entry at that index belongs to the
// current term.
func (n *Node) updateCommitIndex() {
	if n.role != Leader {
		return
	}
	for idx := n.cfg.Log.LastIndex(); idx > n.commitIndex; idx-- {
		term, ok := n.cfg.Log.TermAt(idx)
		if !ok || term != n.currentTerm {
			continue
		}
		acked := 1 // self
		for _, peerID := range n.peer {
			if n.progress[peerID].MatchIndex >= idx {
				acked++
			}
		}
		if acked*2 > len(n.peer)+1 {
			n.commitIndex = idx
			break
		}
	}
	n.runApplyLoop()
}
