package server

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/raftkv/raftkv/internal/index"
	"github.com/raftkv/raftkv/internal/kvpb"
	"github.com/raftkv/raftkv/internal/raftkverr"
	"github.com/raftkv/raftkv/internal/value"
	"github.com/raftkv/raftkv/internal/wire"
)

// handleLine parses one request line and returns the response to send back.
// It never panics on malformed input; protocol errors become an error response.
func (s *Server) handleLine(line []byte) wire.ClientResponse {
	var req wire.ClientRequest
	if err := json.Unmarshal(line, &req); err != nil {
		return errorResponse(fmt.Errorf("protocol error: %w", err))
	}

	reqID := s.reqIDs.Next()

	if cached, ok := s.dedupLookup(req.ClientID, req.Seq, req.Command); ok {
		logger.Debugf("req=%d command=%s dedup hit", reqID, req.Command)
		return cached
	}

	resp := s.dispatch(req)
	logger.Debugf("req=%d command=%s status=%s", reqID, req.Command, resp.Status)
	s.dedupStore(req.ClientID, req.Seq, req.Command, resp)
	return resp
}

func (s *Server) dispatch(req wire.ClientRequest) wire.ClientResponse {
	switch req.Command {
	case "SET":
		return s.handleWrite(req, func() (kvpb.Command, error) {
			v, err := decodeValue(req.Value)
			if err != nil {
				return kvpb.Command{}, err
			}
			return kvpb.Command{Type: kvpb.CommandSet, Key: req.Key, Value: v}, nil
		})

	case "DELETE":
		return s.handleWrite(req, func() (kvpb.Command, error) {
			return kvpb.Command{Type: kvpb.CommandDelete, Key: req.Key}, nil
		})

	case "INCR":
		return s.handleWrite(req, func() (kvpb.Command, error) {
			return kvpb.Command{Type: kvpb.CommandIncr, Key: req.Key, Amount: req.Amount}, nil
		})

	case "BULK_SET":
		return s.handleWrite(req, func() (kvpb.Command, error) {
			items := make([]kvpb.BulkItem, len(req.Items))
			for i, it := range req.Items {
				v, err := decodeValue(it.Value)
				if err != nil {
					return kvpb.Command{}, err
				}
				items[i] = kvpb.BulkItem{Key: it.Key, Value: v}
			}
			return kvpb.Command{Type: kvpb.CommandBulkSet, Items: items}, nil
		})

	case "CREATE_INDEX":
		if req.Field == "" {
			return errorResponse(fmt.Errorf("CREATE_INDEX requires a field"))
		}
		return s.handleWrite(req, func() (kvpb.Command, error) {
			return kvpb.Command{Type: kvpb.CommandCreateIndex, Field: req.Field}, nil
		})

	case "GET":
		return s.handleGet(req.Key)

	case "SEARCH":
		results := s.idx.Search(req.Query, req.TopK)
		return successResponse(toScoredResults(results))

	case "SEMANTIC_SEARCH":
		results := s.idx.SemanticSearch(req.Query, req.TopK)
		return successResponse(toScoredResults(results))

	case "QUERY_INDEX":
		target, err := decodeValue(req.Value)
		if err != nil {
			return errorResponse(err)
		}
		keys, err := s.idx.QueryValueIndex(req.Field, target)
		if err != nil {
			return errorResponse(err)
		}
		return successResponse(keys)

	default:
		return errorResponse(fmt.Errorf("unknown command %q", req.Command))
	}
}

// handleGet serves a linearizable read: it waits for the leader lease, then
// reads straight from the state machine.
func (s *Server) handleGet(key string) wire.ClientResponse {
	if err := s.node.AwaitLeaseRead(); err != nil {
		return errFromRaft(err)
	}
	v, ok := s.node.Get(key)
	if !ok {
		return errorResponse(fmt.Errorf("not found"))
	}
	return successResponse(v)
}

// handleWrite builds a Command, proposes it, and waits for it to apply.
func (s *Server) handleWrite(req wire.ClientRequest, build func() (kvpb.Command, error)) wire.ClientResponse {
	cmd, err := build()
	if err != nil {
		return errorResponse(err)
	}

	_, waitCh, err := s.node.Propose(req.ClientID, req.Seq, cmd)
	if err != nil {
		return errFromRaft(err)
	}

	res := <-waitCh
	if res.Err != nil {
		return errFromRaft(res.Err)
	}
	return successResponse(nil)
}

func decodeValue(raw json.RawMessage) (value.Value, error) {
	var v value.Value
	if len(raw) == 0 {
		return v, fmt.Errorf("missing value")
	}
	if err := v.UnmarshalJSON(raw); err != nil {
		return v, fmt.Errorf("invalid value: %w", err)
	}
	return v, nil
}

func toScoredResults(in []index.ScoredKey) []wire.ScoredResult {
	out := make([]wire.ScoredResult, len(in))
	for i, r := range in {
		out[i] = wire.ScoredResult{Key: r.Key, Score: r.Score}
	}
	return out
}

func successResponse(result interface{}) wire.ClientResponse {
	return wire.ClientResponse{Status: "success", Result: result}
}

func errorResponse(err error) wire.ClientResponse {
	return wire.ClientResponse{Status: "error", Error: err.Error()}
}

func errFromRaft(err error) wire.ClientResponse {
	var notLeader *raftkverr.NotLeader
	if errors.As(err, &notLeader) {
		return wire.ClientResponse{Status: "redirect", Leader: notLeader.LeaderAddr, Error: err.Error()}
	}
	return errorResponse(err)
}
