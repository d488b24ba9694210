// Package rafttest is an in-process network for exercising the Raft core
// against the fault scenarios spec.md §8 names: dropped messages, delayed
// messages, network partitions, and node crash/restart. Adapted from
// gyuho-db's raft/rafttest fakeNetwork (percentage-based drop/delay maps
// keyed by ordered connection pairs) to this module's raft.Transport
// interface and string NodeIds.
package rafttest

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/raftkv/raftkv/internal/raft"
)

var errDropped = errors.New("rafttest: message dropped")
var errUnknownPeer = errors.New("rafttest: unknown peer")

type connPair struct{ from, to string }

type delaySpec struct {
	d    time.Duration
	rate float64
}

// NodeHandler is the receiving side of a raft.Transport call: *raft.Node
// satisfies this directly, so the fake network can dispatch into a node
// without going through any real socket.
type NodeHandler interface {
	HandleRequestVote(args raft.RequestVoteArgs) raft.RequestVoteReply
	HandleAppendEntries(args raft.AppendEntriesArgs) raft.AppendEntriesReply
}

// FakeNetwork routes RPCs between in-process *raft.Node instances and lets
// a test drop, delay, or partition traffic between any ordered pair.
type FakeNetwork struct {
	mu sync.Mutex

	nodes        map[string]NodeHandler
	disconnected map[string]bool
	dropped      map[connPair]float64
	delayed      map[connPair]delaySpec
}

// NewFakeNetwork returns an empty network; register nodes with Register.
func NewFakeNetwork() *FakeNetwork {
	return &FakeNetwork{
		nodes:        make(map[string]NodeHandler),
		disconnected: make(map[string]bool),
		dropped:      make(map[connPair]float64),
		delayed:      make(map[connPair]delaySpec),
	}
}

// Register makes id reachable on the network, routed to node.
func (fn *FakeNetwork) Register(id string, node NodeHandler) {
	fn.mu.Lock()
	defer fn.mu.Unlock()
	fn.nodes[id] = node
}

// Unregister removes id, e.g. while it is crashed and being restarted.
func (fn *FakeNetwork) Unregister(id string) {
	fn.mu.Lock()
	defer fn.mu.Unlock()
	delete(fn.nodes, id)
}

// Transport returns a raft.Transport that sends as though it were from.
func (fn *FakeNetwork) Transport(from string) raft.Transport {
	return &netTransport{from: from, fn: fn}
}

// DropConnection drops the fraction of from->to messages given by percentage
// (1.0 drops all).
func (fn *FakeNetwork) DropConnection(from, to string, percentage float64) {
	fn.mu.Lock()
	defer fn.mu.Unlock()
	fn.dropped[connPair{from, to}] = percentage
}

// DelayConnection delays a rate fraction of from->to messages by up to d.
func (fn *FakeNetwork) DelayConnection(from, to string, d time.Duration, rate float64) {
	fn.mu.Lock()
	defer fn.mu.Unlock()
	fn.delayed[connPair{from, to}] = delaySpec{d: d, rate: rate}
}

// Partition splits the network into two groups: no message crosses between
// them in either direction until Heal is called.
func (fn *FakeNetwork) Partition(groupA, groupB []string) {
	fn.mu.Lock()
	defer fn.mu.Unlock()
	for _, a := range groupA {
		for _, b := range groupB {
			fn.dropped[connPair{a, b}] = 1.0
			fn.dropped[connPair{b, a}] = 1.0
		}
	}
}

// Heal clears every drop, delay, and disconnect, restoring a fully
// connected network.
func (fn *FakeNetwork) Heal() {
	fn.mu.Lock()
	defer fn.mu.Unlock()
	fn.dropped = make(map[connPair]float64)
	fn.delayed = make(map[connPair]delaySpec)
	fn.disconnected = make(map[string]bool)
}

// Disconnect makes id unreachable from and to every other node.
func (fn *FakeNetwork) Disconnect(id string) {
	fn.mu.Lock()
	defer fn.mu.Unlock()
	fn.disconnected[id] = true
}

// Connect reverses Disconnect.
func (fn *FakeNetwork) Connect(id string) {
	fn.mu.Lock()
	defer fn.mu.Unlock()
	fn.disconnected[id] = false
}

func (fn *FakeNetwork) lookup(from, to string) (NodeHandler, error) {
	fn.mu.Lock()
	defer fn.mu.Unlock()

	if fn.disconnected[from] || fn.disconnected[to] {
		return nil, errDropped
	}
	if pct := fn.dropped[connPair{from, to}]; pct > 0 && (pct >= 1.0 || rand.Float64() < pct) {
		return nil, errDropped
	}
	if delay, ok := fn.delayed[connPair{from, to}]; ok && delay.d > 0 && rand.Float64() < delay.rate {
		time.Sleep(time.Duration(rand.Int63n(int64(delay.d))))
	}

	node, ok := fn.nodes[to]
	if !ok {
		return nil, errUnknownPeer
	}
	return node, nil
}

type netTransport struct {
	from string
	fn   *FakeNetwork
}

func (t *netTransport) SendRequestVote(ctx context.Context, peerID string, args raft.RequestVoteArgs) (raft.RequestVoteReply, error) {
	node, err := t.fn.lookup(t.from, peerID)
	if err != nil {
		return raft.RequestVoteReply{}, err
	}
	return node.HandleRequestVote(args), nil
}

func (t *netTransport) SendAppendEntries(ctx context.Context, peerID string, args raft.AppendEntriesArgs) (raft.AppendEntriesReply, error) {
	node, err := t.fn.lookup(t.from, peerID)
	if err != nil {
		return raft.AppendEntriesReply{}, err
	}
	return node.HandleAppendEntries(args), nil
}
