package rafttest

import (
	"context"
	"fmt"
	"sync"

	"github.com/raftkv/raftkv/internal/index"
	"github.com/raftkv/raftkv/internal/raft"
	"github.com/raftkv/raftkv/internal/raftlog"
	"github.com/raftkv/raftkv/internal/statemachine"
)

// memberConfig is the fixed, per-node configuration a Harness needs to
// rebuild a node from scratch on restart: everything in raft.Config except
// the pieces (Log, SM, Transport) that a restart must recreate.
type memberConfig struct {
	id                 string
	peerAddrs          map[string]string
	dir                string
	electionTimeoutMin, electionTimeoutMax, heartbeatInterval int64 // nanoseconds
}

type member struct {
	cfg memberConfig

	node   *raft.Node
	log    *raftlog.Log
	sm     *statemachine.StateMachine
	idx    *index.Manager
	cancel context.CancelFunc
}

// Harness wires together a fixed set of real, WAL-backed raft.Node instances
// over a FakeNetwork, and lets a scenario test crash and restart any of them
// in place. Grounded on gyuho-db's rafttest.newCluster, replacing its
// in-memory storage.MemoryStorage with this module's durable raftlog so a
// crash/restart actually exercises WAL replay.
type Harness struct {
	mu      sync.Mutex
	net     *FakeNetwork
	members map[string]*member
}

// Option configures a member at construction time.
type Option func(*memberConfig)

// NewHarness starts a cluster of len(ids) nodes, each in the directory
// dirFor(id) returns, fully connected over a fresh FakeNetwork.
func NewHarness(ids []string, dirFor func(id string) string, opts ...Option) (*Harness, error) {
	h := &Harness{
		net:     NewFakeNetwork(),
		members: make(map[string]*member, len(ids)),
	}

	peerAddrs := make(map[string]string, len(ids))
	for _, id := range ids {
		peerAddrs[id] = id // address is just the id; FakeNetwork routes by id
	}

	for _, id := range ids {
		peers := make(map[string]string, len(ids)-1)
		for _, other := range ids {
			if other != id {
				peers[other] = peerAddrs[other]
			}
		}
		cfg := memberConfig{
			id:                 id,
			peerAddrs:          peers,
			dir:                dirFor(id),
			electionTimeoutMin: int64(defaultElectionTimeoutMin),
			electionTimeoutMax: int64(defaultElectionTimeoutMax),
			heartbeatInterval:  int64(defaultHeartbeatInterval),
		}
		for _, opt := range opts {
			opt(&cfg)
		}
		if err := h.startMember(cfg); err != nil {
			h.StopAll()
			return nil, err
		}
	}
	return h, nil
}

func (h *Harness) startMember(cfg memberConfig) error {
	log, err := raftlog.Open(cfg.dir)
	if err != nil {
		return fmt.Errorf("rafttest: open log for %s: %w", cfg.id, err)
	}
	sm := statemachine.New()
	idx := index.New()
	sm.AddObserver(idx)

	node, err := raft.New(raft.Config{
		ID:                 cfg.id,
		PeerAddrs:          cfg.peerAddrs,
		Dir:                cfg.dir,
		Transport:          h.net.Transport(cfg.id),
		Log:                log,
		SM:                 sm,
		ElectionTimeoutMin: nsToDuration(cfg.electionTimeoutMin),
		ElectionTimeoutMax: nsToDuration(cfg.electionTimeoutMax),
		HeartbeatInterval:  nsToDuration(cfg.heartbeatInterval),
	})
	if err != nil {
		log.Close()
		return fmt.Errorf("rafttest: construct node %s: %w", cfg.id, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go node.Run(ctx)

	h.net.Register(cfg.id, node)

	h.mu.Lock()
	h.members[cfg.id] = &member{cfg: cfg, node: node, log: log, sm: sm, idx: idx, cancel: cancel}
	h.mu.Unlock()
	return nil
}

// Node returns the live *raft.Node for id, or nil if it is currently crashed.
func (h *Harness) Node(id string) *raft.Node {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.members[id]
	if !ok {
		return nil
	}
	return m.node
}

// Index returns the index manager for id, observing the same commit stream
// as its state machine.
func (h *Harness) Index(id string) *index.Manager {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.members[id]
	if !ok {
		return nil
	}
	return m.idx
}

// Network returns the FakeNetwork backing this cluster, for fault injection.
func (h *Harness) Network() *FakeNetwork {
	return h.net
}

// Log returns the durable log for id, or nil if it is currently crashed.
func (h *Harness) Log(id string) *raftlog.Log {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.members[id]
	if !ok {
		return nil
	}
	return m.log
}

// IDs returns every node id known to the harness, in no particular order.
func (h *Harness) IDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.members))
	for id := range h.members {
		ids = append(ids, id)
	}
	return ids
}

// CrashNode takes id off the network, stops its event loop and closes its
// WAL. Closing the WAL flushes and fsyncs any buffered appends, so no
// appended entry is lost; what is simulated is the loss of the node's
// in-memory state and a later restart from disk. Until RestartNode, Node,
// Log and Index return nil for id.
func (h *Harness) CrashNode(id string) error {
	h.mu.Lock()
	m, ok := h.members[id]
	if ok {
		h.members[id] = &member{cfg: m.cfg}
	}
	h.mu.Unlock()
	if !ok || m.node == nil {
		return fmt.Errorf("rafttest: unknown or already crashed node %q", id)
	}

	h.net.Unregister(id)
	m.cancel()
	m.node.Stop()
	return m.log.Close()
}

// RestartNode reopens id's WAL (replaying everything written to it before
// the crash) and starts a fresh node in its place, rejoining the network.
func (h *Harness) RestartNode(id string) error {
	h.mu.Lock()
	m, ok := h.members[id]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("rafttest: unknown node %q", id)
	}
	return h.startMember(m.cfg)
}

// StopAll shuts down every still-running node and its WAL.
func (h *Harness) StopAll() {
	h.mu.Lock()
	members := make([]*member, 0, len(h.members))
	for _, m := range h.members {
		members = append(members, m)
	}
	h.mu.Unlock()

	for _, m := range members {
		if m.node == nil {
			continue // crashed and not restarted
		}
		m.cancel()
		m.node.Stop()
		m.log.Close()
	}
}
