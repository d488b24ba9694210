package raft

import (
	"context"
	"time"

	"github.com/raftkv/raftkv/internal/raftkverr"
)

func (n *Node) persistTerm() {
	if err := saveTermState(n.cfg.Dir, termState{CurrentTerm: n.currentTerm, VotedFor: n.votedFor}); err != nil {
		logger.Fatalf("%v", &raftkverr.Durability{Err: err})
	}
}

// stepDownToFollower adopts term (which must be >= currentTerm) and returns
// to the Follower role, as required on observing any RPC with a higher
// term.
func (n *Node) stepDownToFollower(term uint64, leaderID, leaderAddr string) {
	wasLeader := n.role == Leader
	if term > n.currentTerm {
		n.currentTerm = term
		n.votedFor = ""
		n.persistTerm()
	}
	if leaderAddr == "" {
		leaderAddr = n.cfg.PeerAddrs[leaderID]
	}
	n.role = Follower
	n.leaderID = leaderID
	n.leaderAddr = leaderAddr
	if n.heartbeatTicker != nil {
		n.heartbeatTicker.Stop()
		n.heartbeatTicker = nil
	}
	n.resetElectionTimer()

	if wasLeader {
		n.failAllWaiters(leaderID, leaderAddr)
		n.failAllPendingReads()
	}
}

func (n *Node) onElectionTimeout() {
	switch n.role {
	case Leader:
		n.checkLeaderLease()
	default:
		n.startElection()
	}
}

// checkLeaderLease steps a leader down if it has not heard a majority of
// its peers ack within the last election timeout window, per spec's
// step-down rule.
func (n *Node) checkLeaderLease() {
	now := time.Now()
	acked := 1 // self
	for _, p := range n.peer {
		if pr := n.progress[p]; pr != nil && !pr.lastAck.IsZero() && now.Sub(pr.lastAck) < n.cfg.ElectionTimeoutMax {
			acked++
		}
	}
	if acked*2 <= len(n.peer)+1 {
		logger.Warnf("stepping down from leader: only %d/%d peers acked within lease window", acked, len(n.peer)+1)
		n.stepDownToFollower(n.currentTerm, "", "")
		return
	}
	n.resetElectionTimer()
}

func (n *Node) startElection() {
	n.role = Candidate
	n.currentTerm++
	n.votedFor = n.id
	n.persistTerm()
	n.resetElectionTimer()

	n.votes = map[string]bool{n.id: true}

	if len(n.peer) == 0 {
		// Standalone node: a vote of one is already a majority.
		n.becomeLeader()
		return
	}

	args := RequestVoteArgs{
		Term:         n.currentTerm,
		CandidateID:  n.id,
		LastLogIndex: n.cfg.Log.LastIndex(),
		LastLogTerm:  n.cfg.Log.LastTerm(),
	}
	for _, peerID := range n.peer {
		n.sendRequestVoteAsync(peerID, args)
	}
}

func (n *Node) sendRequestVoteAsync(peerID string, args RequestVoteArgs) {
	term := n.currentTerm
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), n.cfg.ElectionTimeoutMax)
		defer cancel()
		reply, err := n.cfg.Transport.SendRequestVote(ctx, peerID, args)
		select {
		case n.outboundCh <- outboundResult{peerID: peerID, term: term, voteReply: &reply, err: err}:
		case <-n.doneCh:
		}
	}()
}

func (n *Node) handleVoteReply(res outboundResult) {
	if n.role != Candidate || res.term != n.currentTerm {
		return // stale reply from a prior or since-abandoned election
	}
	if res.err != nil {
		return
	}
	reply := res.voteReply
	if reply.Term > n.currentTerm {
		n.stepDownToFollower(reply.Term, "", "")
		return
	}
	if !reply.VoteGranted {
		return
	}

	n.votes[res.peerID] = true
	if n.hasMajority(n.votes) {
		n.becomeLeader()
	}
}

func (n *Node) hasMajority(acks map[string]bool) bool {
	return len(acks)*2 > len(n.peer)+1
}

func (n *Node) becomeLeader() {
	n.role = Leader
	n.leaderID = n.id
	n.leaderAddr = ""
	n.resetElectionTimer()

	next := n.cfg.Log.LastIndex() + 1
	for _, peerID := range n.peer {
		n.progress[peerID] = &Progress{NextIndex: next}
	}

	if n.heartbeatTicker != nil {
		n.heartbeatTicker.Stop()
	}
	n.heartbeatTicker = time.NewTicker(n.cfg.HeartbeatInterval)

	logger.Infof("became leader for term %d", n.currentTerm)

	noop := n.appendLocalEntry("", 0, noopCommand())
	n.noopIndex = noop

	n.broadcastAppendEntries()
	// On a standalone node self alone is already a majority, and there is
	// no AppendEntries reply that will ever call updateCommitIndex for us;
	// on a multi-node cluster this is a no-op until enough peers ack.
	n.updateCommitIndex()
}
