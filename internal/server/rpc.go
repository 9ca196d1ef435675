package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	laberrors "github.com/copyleftdev/qlab/internal/errors"
)

// JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
	codeNotFound       = -32004
	codeConflict       = -32009
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// runParams are the parameters of every method but lab.start.
type runParams struct {
	RunID string `json:"run_id"`
	Last  *int   `json:"last,omitempty"`
}

// handleJSONRPC handles JSON-RPC 2.0 requests
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	var request rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.respondWithError(w, codeParseError, "Parse error", nil)
		return
	}

	// Validate JSON-RPC 2.0 request
	if request.JSONRPC != "2.0" || request.Method == "" {
		s.respondWithError(w, codeInvalidRequest, "Invalid Request", request.ID)
		return
	}

	var result interface{}
	var err error

	switch request.Method {
	case "lab.start":
		result, err = s.rpcStart(request.Params)
	case "lab.status":
		result, err = s.rpcStatus(r.Context(), request.Params)
	case "lab.records":
		result, err = s.rpcRecords(r.Context(), request.Params)
	case "lab.cancel":
		result, err = s.rpcCancel(request.Params)
	default:
		s.respondWithError(w, codeMethodNotFound, "Method not found", request.ID)
		return
	}

	if err != nil {
		s.respondWithError(w, rpcCode(err), err.Error(), request.ID)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      request.ID,
		"result":  result,
	})
}

func rpcCode(err error) int {
	switch status(err) {
	case http.StatusBadRequest:
		return codeInvalidParams
	case http.StatusNotFound:
		return codeNotFound
	case http.StatusConflict:
		return codeConflict
	default:
		return codeServerError
	}
}

// decodeParams accepts params as an object or as a one-element array
// holding the object.
func decodeParams(raw json.RawMessage, v interface{}) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return laberrors.Config("decodeParams", "missing required parameters")
	}
	if raw[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err != nil || len(list) != 1 {
			return laberrors.Config("decodeParams", "invalid parameter format, expected one object")
		}
		raw = list[0]
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return laberrors.Wrap(err, "invalid parameters").WithKind(laberrors.KindConfig).WithOperation("decodeParams")
	}
	return nil
}

func decodeRunParams(raw json.RawMessage) (runParams, error) {
	var p runParams
	if err := decodeParams(raw, &p); err != nil {
		return p, err
	}
	if p.RunID == "" {
		return p, laberrors.Config("decodeParams", "run_id is required")
	}
	return p, nil
}

// rpcStart handles lab.start. Params are a RunRequest.
// Returns: {"run_id": "...", "state": "idle"}
func (s *Server) rpcStart(raw json.RawMessage) (interface{}, error) {
	var req RunRequest
	if err := decodeParams(raw, &req); err != nil {
		return nil, err
	}
	run, err := s.startRun(req)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"run_id": run.id,
		"state":  run.loop.State().String(),
	}, nil
}

// rpcStatus handles lab.status: {"run_id": "..."}.
func (s *Server) rpcStatus(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	p, err := decodeRunParams(raw)
	if err != nil {
		return nil, err
	}
	return s.status(ctx, p.RunID)
}

// rpcRecords handles lab.records: {"run_id": "...", "last": n}.
func (s *Server) rpcRecords(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	p, err := decodeRunParams(raw)
	if err != nil {
		return nil, err
	}
	n := -1
	if p.Last != nil {
		n = *p.Last
	}
	recs, err := s.records(ctx, p.RunID, n)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"records": recs}, nil
}

// rpcCancel handles lab.cancel: {"run_id": "..."}.
func (s *Server) rpcCancel(raw json.RawMessage) (interface{}, error) {
	p, err := decodeRunParams(raw)
	if err != nil {
		return nil, err
	}
	if err := s.cancelRun(p.RunID); err != nil {
		return nil, err
	}
	return map[string]string{"status": "cancellation requested"}, nil
}

// respondWithError sends a JSON-RPC 2.0 error response
func (s *Server) respondWithError(w http.ResponseWriter, code int, message string, id interface{}) {
	s.logger.Warn("RPC error", map[string]interface{}{
		"code":    code,
		"message": message,
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jsonrpc": "2.0",
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
		"id": id,
	})
}
