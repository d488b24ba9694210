package transport

import (
	"bufio"
	"encoding/json"
	"net"

	"github.com/raftkv/raftkv/internal/raft"
)

// NodeHandler is the subset of *raft.Node the peer RPC server needs. Kept
// as an interface so tests can substitute a fake without spinning up a
// full event loop.
type NodeHandler interface {
	HandleRequestVote(args raft.RequestVoteArgs) raft.RequestVoteReply
	HandleAppendEntries(args raft.AppendEntriesArgs) raft.AppendEntriesReply
}

// Server accepts peer connections and dispatches each line-delimited RPC
// envelope to node, one connection-handling goroutine per peer, mirroring
// dKV's accept-loop-plus-per-connection-goroutine server shape.
type Server struct {
	node     NodeHandler
	listener net.Listener
}

// Listen starts accepting peer connections on addr.
func Listen(addr string, node NodeHandler) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{node: node, listener: ln}
	go s.acceptLoop()
	return s, nil
}

// Addr returns the server's bound address.
func (s *Server) Addr() string { return s.listener.Addr().String() }

// Close stops accepting new connections.
func (s *Server) Close() error { return s.listener.Close() }

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
			tcpConn.SetKeepAlive(true)
		}
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			return
		}
		var req envelope
		if err := json.Unmarshal(line, &req); err != nil {
			logger.Warnf("discarding malformed peer message: %v", err)
			continue
		}

		resp, err := s.dispatch(req)
		if err != nil {
			logger.Warnf("peer message dispatch failed: %v", err)
			continue
		}

		data, err := json.Marshal(resp)
		if err != nil {
			logger.Errorf("failed to marshal peer reply: %v", err)
			continue
		}
		if _, err := conn.Write(append(data, '\n')); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(req envelope) (envelope, error) {
	switch req.Type {
	case string(typeRequestVote):
		if req.RequestVote == nil {
			return envelope{}, errMissingPayload
		}
		reply := s.node.HandleRequestVote(*req.RequestVote)
		return envelope{Type: string(typeRequestVoteReply), RequestVoteReply: &reply}, nil

	case string(typeAppendEntries):
		if req.AppendEntries == nil {
			return envelope{}, errMissingPayload
		}
		reply := s.node.HandleAppendEntries(*req.AppendEntries)
		return envelope{Type: string(typeAppendEntriesReply), AppendEntriesReply: &reply}, nil

	default:
		return envelope{}, errUnknownType
	}
}
