package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/raftkv/raftkv/internal/index"
	"github.com/raftkv/raftkv/internal/raft"
	"github.com/raftkv/raftkv/internal/raftlog"
	"github.com/raftkv/raftkv/internal/statemachine"
	"github.com/raftkv/raftkv/internal/wire"
)

// newStandaloneServer starts a one-node cluster (which becomes leader
// immediately, per spec.md §4.4) wired to a fresh index manager, and a
// listening Server. It returns the server and a cleanup function.
func newStandaloneServer(t *testing.T) (*Server, func()) {
	t.Helper()

	log, err := raftlog.Open(t.TempDir())
	require.NoError(t, err)
	sm := statemachine.New()
	idx := index.New()
	sm.AddObserver(idx)

	node, err := raft.New(raft.Config{
		ID:                 "solo",
		PeerAddrs:          map[string]string{},
		Dir:                t.TempDir(),
		Transport:          nil,
		Log:                log,
		SM:                 sm,
		ElectionTimeoutMin: 20 * time.Millisecond,
		ElectionTimeoutMax: 40 * time.Millisecond,
		HeartbeatInterval:  10 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go node.Run(ctx)

	require.Eventually(t, func() bool {
		return node.Status().Role == raft.Leader
	}, time.Second, 5*time.Millisecond)

	srv := New(node, sm, idx)
	require.NoError(t, srv.Listen("127.0.0.1:0"))

	cleanup := func() {
		srv.Close()
		cancel()
		node.Stop()
	}
	return srv, cleanup
}

// client is a minimal line-protocol client for the server tests.
type client struct {
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, addr string) *client {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	return &client{conn: conn, r: bufio.NewReader(conn)}
}

func (c *client) send(t *testing.T, req wire.ClientRequest) wire.ClientResponse {
	t.Helper()
	data, err := json.Marshal(req)
	require.NoError(t, err)
	_, err = c.conn.Write(append(data, '\n'))
	require.NoError(t, err)

	line, err := c.r.ReadBytes('\n')
	require.NoError(t, err)
	var resp wire.ClientResponse
	require.NoError(t, json.Unmarshal(line, &resp))
	return resp
}

func (c *client) close() { c.conn.Close() }

func TestServerSetGetDelete(t *testing.T) {
	srv, cleanup := newStandaloneServer(t)
	defer cleanup()

	c := dial(t, srv.Addr())
	defer c.close()

	resp := c.send(t, wire.ClientRequest{Command: "SET", Key: "foo", Value: json.RawMessage(`"bar"`), ClientID: "c1", Seq: 1})
	require.Equal(t, "success", resp.Status)

	resp = c.send(t, wire.ClientRequest{Command: "GET", Key: "foo"})
	require.Equal(t, "success", resp.Status)
	require.Equal(t, "bar", resp.Result)

	resp = c.send(t, wire.ClientRequest{Command: "DELETE", Key: "foo", ClientID: "c1", Seq: 2})
	require.Equal(t, "success", resp.Status)

	resp = c.send(t, wire.ClientRequest{Command: "GET", Key: "foo"})
	require.Equal(t, "error", resp.Status)
}

func TestServerIncrTypeMismatchReturnsError(t *testing.T) {
	srv, cleanup := newStandaloneServer(t)
	defer cleanup()

	c := dial(t, srv.Addr())
	defer c.close()

	resp := c.send(t, wire.ClientRequest{Command: "SET", Key: "k", Value: json.RawMessage(`"hello"`), ClientID: "c1", Seq: 1})
	require.Equal(t, "success", resp.Status)

	resp = c.send(t, wire.ClientRequest{Command: "INCR", Key: "k", Amount: 1, ClientID: "c1", Seq: 2})
	require.Equal(t, "error", resp.Status)
}

func TestServerDedupReturnsCachedResponseOnRetry(t *testing.T) {
	srv, cleanup := newStandaloneServer(t)
	defer cleanup()

	c := dial(t, srv.Addr())
	defer c.close()

	req := wire.ClientRequest{Command: "INCR", Key: "n", Amount: 1, ClientID: "c1", Seq: 1}
	first := c.send(t, req)
	require.Equal(t, "success", first.Status)

	second := c.send(t, req)
	require.Equal(t, "success", second.Status)

	resp := c.send(t, wire.ClientRequest{Command: "GET", Key: "n"})
	require.Equal(t, float64(1), resp.Result)
}

func TestServerCreateIndexAndQuery(t *testing.T) {
	srv, cleanup := newStandaloneServer(t)
	defer cleanup()

	c := dial(t, srv.Addr())
	defer c.close()

	resp := c.send(t, wire.ClientRequest{Command: "CREATE_INDEX", Field: "status", ClientID: "c1", Seq: 1})
	require.Equal(t, "success", resp.Status)

	resp = c.send(t, wire.ClientRequest{
		Command:  "SET",
		Key:      "a",
		Value:    json.RawMessage(`{"status":"active"}`),
		ClientID: "c1", Seq: 2,
	})
	require.Equal(t, "success", resp.Status)

	resp = c.send(t, wire.ClientRequest{Command: "QUERY_INDEX", Field: "status", Value: json.RawMessage(`"active"`)})
	require.Equal(t, "success", resp.Status)
	keys, ok := resp.Result.([]interface{})
	require.True(t, ok)
	require.Equal(t, []interface{}{"a"}, keys)
}

func TestServerSearchAndSemanticSearch(t *testing.T) {
	srv, cleanup := newStandaloneServer(t)
	defer cleanup()

	c := dial(t, srv.Addr())
	defer c.close()

	c.send(t, wire.ClientRequest{Command: "SET", Key: "a", Value: json.RawMessage(`"the quick brown fox"`), ClientID: "c1", Seq: 1})
	c.send(t, wire.ClientRequest{Command: "SET", Key: "b", Value: json.RawMessage(`"totally unrelated"`), ClientID: "c1", Seq: 2})

	resp := c.send(t, wire.ClientRequest{Command: "SEARCH", Query: "quick fox", TopK: 5})
	require.Equal(t, "success", resp.Status)

	resp = c.send(t, wire.ClientRequest{Command: "SEMANTIC_SEARCH", Query: "quick fox", TopK: 5})
	require.Equal(t, "success", resp.Status)
}

func TestServerUnknownCommandReturnsError(t *testing.T) {
	srv, cleanup := newStandaloneServer(t)
	defer cleanup()

	c := dial(t, srv.Addr())
	defer c.close()

	resp := c.send(t, wire.ClientRequest{Command: "BOGUS"})
	require.Equal(t, "error", resp.Status)
}
