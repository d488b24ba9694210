package raft

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/raftkv/raftkv/internal/kvpb"
	"github.com/raftkv/raftkv/internal/raftlog"
	"github.com/raftkv/raftkv/internal/statemachine"
	"github.com/raftkv/raftkv/internal/value"
)

// memTransport dispatches RPCs directly to in-process peer Nodes, standing
// in for the TCP transport so these tests exercise the consensus logic
// without any real sockets.
type memTransport struct {
	nodes map[string]*Node
}

func (t *memTransport) SendRequestVote(ctx context.Context, peerID string, args RequestVoteArgs) (RequestVoteReply, error) {
	peer, ok := t.nodes[peerID]
	if !ok {
		return RequestVoteReply{}, context.DeadlineExceeded
	}
	return peer.HandleRequestVote(args), nil
}

func (t *memTransport) SendAppendEntries(ctx context.Context, peerID string, args AppendEntriesArgs) (AppendEntriesReply, error) {
	peer, ok := t.nodes[peerID]
	if !ok {
		return AppendEntriesReply{}, context.DeadlineExceeded
	}
	return peer.HandleAppendEntries(args), nil
}

type cluster struct {
	nodes   map[string]*Node
	cancel  context.CancelFunc
}

func newCluster(t *testing.T, ids []string) *cluster {
	transport := &memTransport{nodes: make(map[string]*Node)}
	nodes := make(map[string]*Node, len(ids))

	for _, id := range ids {
		peerAddrs := make(map[string]string)
		for _, other := range ids {
			if other != id {
				peerAddrs[other] = other
			}
		}
		log, err := raftlog.Open(t.TempDir())
		require.NoError(t, err)
		sm := statemachine.New()

		node, err := New(Config{
			ID:                 id,
			PeerAddrs:          peerAddrs,
			Dir:                t.TempDir(),
			Transport:          transport,
			Log:                log,
			SM:                 sm,
			ElectionTimeoutMin: 30 * time.Millisecond,
			ElectionTimeoutMax: 60 * time.Millisecond,
			HeartbeatInterval:  10 * time.Millisecond,
		})
		require.NoError(t, err)
		nodes[id] = node
		transport.nodes[id] = node
	}

	ctx, cancel := context.WithCancel(context.Background())
	for _, node := range nodes {
		go node.Run(ctx)
	}

	return &cluster{nodes: nodes, cancel: cancel}
}

func (c *cluster) stop() {
	c.cancel()
	for _, n := range c.nodes {
		<-n.doneCh
	}
}

func (c *cluster) awaitLeader(t *testing.T) *Node {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, n := range c.nodes {
			if n.Status().Role == Leader {
				return n
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no leader elected within deadline")
	return nil
}

func TestElectsExactlyOneLeader(t *testing.T) {
	c := newCluster(t, []string{"n1", "n2", "n3"})
	defer c.stop()

	leader := c.awaitLeader(t)

	leaders := 0
	term := leader.Status().Term
	for _, n := range c.nodes {
		st := n.Status()
		if st.Role == Leader {
			leaders++
			require.Equal(t, term, st.Term)
		}
	}
	require.Equal(t, 1, leaders)
}

func TestProposeReplicatesAndApplies(t *testing.T) {
	c := newCluster(t, []string{"n1", "n2", "n3"})
	defer c.stop()

	leader := c.awaitLeader(t)

	_, waitCh, err := leader.Propose("client-1", 1, kvpb.Command{Type: kvpb.CommandSet, Key: "a", Value: value.NewInteger(7)})
	require.NoError(t, err)

	select {
	case res := <-waitCh:
		require.NoError(t, res.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("propose did not complete")
	}

	v, ok := leader.Get("a")
	require.True(t, ok)
	require.Equal(t, int64(7), v.Int)

	require.Eventually(t, func() bool {
		for _, n := range c.nodes {
			if v, ok := n.Get("a"); !ok || v.Int != 7 {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond, "all nodes should eventually apply the committed entry")
}

func TestProposeOnFollowerReturnsNotLeader(t *testing.T) {
	c := newCluster(t, []string{"n1", "n2", "n3"})
	defer c.stop()

	leader := c.awaitLeader(t)
	var follower *Node
	for id, n := range c.nodes {
		if id != leader.id {
			follower = n
			break
		}
	}

	_, _, err := follower.Propose("client-1", 1, kvpb.Command{Type: kvpb.CommandSet, Key: "a", Value: value.NewInteger(1)})
	require.Error(t, err)
}

func TestStandaloneNodeBecomesLeaderImmediately(t *testing.T) {
	c := newCluster(t, []string{"solo"})
	defer c.stop()

	leader := c.awaitLeader(t)
	require.Equal(t, "solo", leader.id)

	_, waitCh, err := leader.Propose("c", 1, kvpb.Command{Type: kvpb.CommandSet, Key: "k", Value: value.NewString("v")})
	require.NoError(t, err)
	select {
	case res := <-waitCh:
		require.NoError(t, res.Err)
	case <-time.After(time.Second):
		t.Fatal("standalone propose did not complete")
	}
}
