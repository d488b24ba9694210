// Package raft implements the replicated consensus core: leader election,
// log replication, and commit/apply advancement. The node is a single
// goroutine owning all mutable state, driven by a select loop over timers
// and channels, in the spirit of the teacher's channel-actor Node (see
// gyuho-db's raft/node.go) but collapsed to one dispatch channel since this
// store has no snapshotting phase to decouple from the main loop.
package raft

import (
	"context"
	"math/rand"
	"time"

	"github.com/raftkv/raftkv/internal/kvpb"
	"github.com/raftkv/raftkv/internal/raftlog"
	"github.com/raftkv/raftkv/internal/statemachine"
	"github.com/raftkv/raftkv/internal/value"
	"github.com/raftkv/raftkv/internal/xlog"
)

var logger = xlog.New("raft")

// Role is one of the three Raft roles.
type Role uint8

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// Status is a point-in-time snapshot of a node's role, term, and known leader.
type Status struct {
	Role       Role
	Term       uint64
	LeaderID   string
	LeaderAddr string
}

// Config configures a Node at construction time.
type Config struct {
	ID         string
	PeerAddrs  map[string]string // peer id -> address, excludes self
	Dir        string
	Transport  Transport
	Log        *raftlog.Log
	SM         *statemachine.StateMachine

	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
}

// ApplyWaitResult is delivered to a Propose caller once its entry has been
// applied, or immediately with an error if it can never be applied by this
// node (lost leadership before commit).
type ApplyWaitResult struct {
	Index uint64
	Err   error
}

type rpcEnvelope struct {
	requestVote    *RequestVoteArgs
	appendEntries  *AppendEntriesArgs
	voteReplyCh    chan RequestVoteReply
	appendReplyCh  chan AppendEntriesReply
}

type proposeEnvelope struct {
	clientID string
	seq      uint64
	cmd      kvpb.Command
	replyCh  chan proposeResult
}

type proposeResult struct {
	index   uint64
	waitCh  chan ApplyWaitResult
	err     error
}

type readEnvelope struct {
	replyCh chan readResult
}

type readResult struct {
	err error
}

// outboundResult carries back the outcome of a fire-and-forget RPC the loop
// dispatched to a peer in its own goroutine.
type outboundResult struct {
	peerID        string
	term          uint64 // the term this RPC was sent under
	voteReply     *RequestVoteReply
	appendReply   *AppendEntriesReply
	appendedUpTo  uint64 // highest index the peer holds if this AppendEntries succeeds (prev_log_index for a heartbeat), 0 for votes
	err           error
}

// Node is a single Raft participant. All fields below this point are only
// ever touched from inside Run; everything else communicates with it
// through channels.
type Node struct {
	cfg  Config
	id   string
	peer []string // peer ids, excludes self

	role        Role
	currentTerm uint64
	votedFor    string
	leaderID    string
	leaderAddr  string

	commitIndex uint64
	// noopIndex is the index of the NOOP this node appended upon becoming
	// leader in currentTerm; reads are safe once commitIndex >= noopIndex.
	noopIndex uint64

	progress map[string]*Progress
	votes    map[string]bool

	waiters map[uint64][]chan ApplyWaitResult
	pendingReads []readEnvelope

	rng *rand.Rand

	electionTimer   *time.Timer
	heartbeatTicker *time.Ticker

	rpcCh      chan rpcEnvelope
	proposeCh  chan proposeEnvelope
	readCh     chan readEnvelope
	outboundCh chan outboundResult
	statusCh   chan chan Status

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Node in the Follower role, loading any persisted term
// state. It does not start the event loop; call Run for that.
func New(cfg Config) (*Node, error) {
	ts, err := loadTermState(cfg.Dir)
	if err != nil {
		return nil, err
	}

	peers := make([]string, 0, len(cfg.PeerAddrs))
	progress := make(map[string]*Progress, len(cfg.PeerAddrs))
	for id := range cfg.PeerAddrs {
		peers = append(peers, id)
		progress[id] = &Progress{NextIndex: cfg.Log.LastIndex() + 1}
	}

	n := &Node{
		cfg:         cfg,
		id:          cfg.ID,
		peer:        peers,
		role:        Follower,
		currentTerm: ts.CurrentTerm,
		votedFor:    ts.VotedFor,
		progress:    progress,
		votes:       make(map[string]bool),
		waiters:     make(map[uint64][]chan ApplyWaitResult),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		rpcCh:       make(chan rpcEnvelope),
		proposeCh:   make(chan proposeEnvelope),
		readCh:      make(chan readEnvelope),
		outboundCh:  make(chan outboundResult, 64),
		statusCh:    make(chan chan Status),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	return n, nil
}

// Run drives the event loop until Stop is called or ctx is cancelled.
func (n *Node) Run(ctx context.Context) {
	defer close(n.doneCh)

	n.electionTimer = time.NewTimer(n.randomElectionTimeout())
	defer n.electionTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-n.stopCh:
			return

		case <-n.electionTimer.C:
			n.onElectionTimeout()

		case <-n.heartbeatTickerC():
			n.broadcastAppendEntries()

		case env := <-n.rpcCh:
			n.handleRPC(env)

		case env := <-n.proposeCh:
			n.handlePropose(env)

		case env := <-n.readCh:
			n.handleRead(env)

		case res := <-n.outboundCh:
			n.handleOutboundResult(res)

		case replyCh := <-n.statusCh:
			replyCh <- Status{Role: n.role, Term: n.currentTerm, LeaderID: n.leaderID, LeaderAddr: n.leaderAddr}
		}
	}
}

// Stop terminates the event loop and waits for it to exit.
func (n *Node) Stop() {
	close(n.stopCh)
	<-n.doneCh
}

func (n *Node) heartbeatTickerC() <-chan time.Time {
	if n.heartbeatTicker == nil {
		return nil
	}
	return n.heartbeatTicker.C
}

func (n *Node) randomElectionTimeout() time.Duration {
	lo, hi := n.cfg.ElectionTimeoutMin, n.cfg.ElectionTimeoutMax
	if hi <= lo {
		return lo
	}
	span := int64(hi - lo)
	return lo + time.Duration(n.rng.Int63n(span))
}

func (n *Node) resetElectionTimer() {
	n.electionTimer.Reset(n.randomElectionTimeout())
}

// ID returns this node's id, fixed at construction.
func (n *Node) ID() string { return n.id }

// Status returns a snapshot of the node's role, term, and leader, safe to
// call from any goroutine.
func (n *Node) Status() Status {
	replyCh := make(chan Status, 1)
	select {
	case n.statusCh <- replyCh:
		return <-replyCh
	case <-n.doneCh:
		return Status{Role: Follower}
	}
}

// HandleRequestVote is called by the peer transport server when a
// RequestVote RPC arrives. It blocks until the event loop has processed it.
func (n *Node) HandleRequestVote(args RequestVoteArgs) RequestVoteReply {
	replyCh := make(chan RequestVoteReply, 1)
	env := rpcEnvelope{requestVote: &args, voteReplyCh: replyCh}
	select {
	case n.rpcCh <- env:
		return <-replyCh
	case <-n.doneCh:
		return RequestVoteReply{}
	}
}

// HandleAppendEntries is called by the peer transport server when an
// AppendEntries RPC arrives.
func (n *Node) HandleAppendEntries(args AppendEntriesArgs) AppendEntriesReply {
	replyCh := make(chan AppendEntriesReply, 1)
	env := rpcEnvelope{appendEntries: &args, appendReplyCh: replyCh}
	select {
	case n.rpcCh <- env:
		return <-replyCh
	case <-n.doneCh:
		return AppendEntriesReply{}
	}
}

// Propose appends cmd to the log if this node is the leader. It returns the
// assigned index immediately and a channel that receives the apply result
// once the entry commits and applies (or an error if it cannot).
func (n *Node) Propose(clientID string, seq uint64, cmd kvpb.Command) (uint64, <-chan ApplyWaitResult, error) {
	replyCh := make(chan proposeResult, 1)
	env := proposeEnvelope{clientID: clientID, seq: seq, cmd: cmd, replyCh: replyCh}
	select {
	case n.proposeCh <- env:
		res := <-replyCh
		return res.index, res.waitCh, res.err
	case <-n.doneCh:
		return 0, nil, &nodeStoppedError{}
	}
}

// AwaitLeaseRead blocks until this node may serve a linearizable read: it
// must be leader and have committed at least one entry of its current term.
func (n *Node) AwaitLeaseRead() error {
	replyCh := make(chan readResult, 1)
	select {
	case n.readCh <- readEnvelope{replyCh: replyCh}:
		res := <-replyCh
		return res.err
	case <-n.doneCh:
		return &nodeStoppedError{}
	}
}

// Get reads key from the applied state machine directly, with no log
// involvement, intended to be called only after AwaitLeaseRead succeeds.
func (n *Node) Get(key string) (value.Value, bool) {
	return n.cfg.SM.Get(key)
}

type nodeStoppedError struct{}

func (e *nodeStoppedError) Error() string { return "raft: node stopped" }
