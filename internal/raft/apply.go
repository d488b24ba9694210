package raft

import "github.com/raftkv/raftkv/internal/raftkverr"

// runApplyLoop fsyncs the WAL once up to the current commit_index and then
// applies every newly committed entry in order, resolving any Propose
// waiters and any linearizable reads that were blocked on a lease index.
func (n *Node) runApplyLoop() {
	lastApplied := n.cfg.SM.LastApplied()
	if n.commitIndex <= lastApplied {
		n.releaseReadyReads()
		return
	}

	if err := n.cfg.Log.Sync(); err != nil {
		logger.Fatalf("%v", &raftkverr.Durability{Err: err})
	}

	for idx := lastApplied + 1; idx <= n.commitIndex; idx++ {
		entry, ok := n.cfg.Log.EntryAt(idx)
		if !ok {
			logger.Fatalf("commit index %d has no corresponding log entry", idx)
		}
		res := n.cfg.SM.Apply(entry)
		n.resolveWaiters(idx, res.Err)
	}

	n.releaseReadyReads()
}

func (n *Node) resolveWaiters(index uint64, err error) {
	chans, ok := n.waiters[index]
	if !ok {
		return
	}
	delete(n.waiters, index)
	for _, ch := range chans {
		ch <- ApplyWaitResult{Index: index, Err: err}
		close(ch)
	}
}

// failAllWaiters resolves every outstanding Propose waiter with NotLeader,
// used when this node steps down before its proposed entries commit.
func (n *Node) failAllWaiters(leaderID, leaderAddr string) {
	for idx, chans := range n.waiters {
		for _, ch := range chans {
			ch <- ApplyWaitResult{Index: idx, Err: &raftkverr.NotLeader{LeaderID: leaderID, LeaderAddr: leaderAddr}}
			close(ch)
		}
	}
	n.waiters = make(map[uint64][]chan ApplyWaitResult)
}

func (n *Node) failAllPendingReads() {
	for _, r := range n.pendingReads {
		r.replyCh <- readResult{err: &raftkverr.NotLeader{LeaderID: n.leaderID, LeaderAddr: n.leaderAddr}}
	}
	n.pendingReads = nil
}

// releaseReadyReads resolves any pending linearizable reads once the
// leader's NOOP for the current term has committed.
func (n *Node) releaseReadyReads() {
	if n.role != Leader || n.noopIndex == 0 || n.commitIndex < n.noopIndex {
		return
	}
	for _, r := range n.pendingReads {
		r.replyCh <- readResult{}
	}
	n.pendingReads = nil
}
