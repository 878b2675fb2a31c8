// Package mcpserver exposes the medication store as an MCP tool server over
// newline-delimited JSON-RPC 2.0 on stdin/stdout.
package mcpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/will-ku/med-management-ai/common/version"
	"github.com/will-ku/med-management-ai/internal/charty/mcp"
	"github.com/will-ku/med-management-ai/internal/medmanager/store"
)

// ServerName is reported in the initialize result.
const ServerName = "medication-server"

// maxLineBytes bounds one inbound message.
const maxLineBytes = 4 << 20

// Backend is the subset of *store.Store the tools use.
type Backend interface {
	ListPrescriptions(ctx context.Context) ([]store.Prescription, error)
	CreatePrescription(ctx context.Context, in store.NewPrescription) (*store.Prescription, error)
	UpdatePrescription(ctx context.Context, upd store.PrescriptionUpdate) (*store.Prescription, error)
	DeletePrescription(ctx context.Context, id int64) error
	GetMedication(ctx context.Context, id int64) (*store.Medication, error)
	FindMedicationByName(ctx context.Context, name string) (*store.Medication, error)
}

// rpcRequest keeps the id raw so it is echoed back exactly.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

func (r *rpcRequest) isNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

type rpcResponse struct {
	JSONRPC string             `json:"jsonrpc"`
	ID      json.RawMessage    `json:"id"`
	Result  any                `json:"result,omitempty"`
	Error   *mcp.ResponseError `json:"error,omitempty"`
}

// Server dispatches MCP requests to the medication tools.
type Server struct {
	backend Backend
	tools   *toolset
	logger  *slog.Logger

	mu sync.Mutex // guards writes
}

// New builds a Server. logger may be nil.
func New(backend Backend, logger *slog.Logger) (*Server, error) {
	if backend == nil {
		return nil, errors.New("backend is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	tools, err := newToolset(backend)
	if err != nil {
		return nil, err
	}
	return &Server{backend: backend, tools: tools, logger: logger}, nil
}

// Serve reads requests from r and writes responses to w until r reaches EOF
// or ctx is cancelled. Requests are handled one at a time in arrival order.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	s.logger.Info("medication MCP server running on stdio", "version", version.Version)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if resp := s.handleLine(ctx, line); resp != nil {
			if err := s.write(w, resp); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read requests: %w", err)
	}
	s.logger.Info("stdin closed; shutting down")
	return nil
}

// handleLine returns nil for notifications.
func (s *Server) handleLine(ctx context.Context, line []byte) *rpcResponse {
	var req rpcRequest
	if err := json.Unmarshal(line, &req); err != nil {
		s.logger.Warn("unparsable request", "err", err)
		return errorResponse(json.RawMessage("null"), mcp.CodeParseError, "invalid JSON")
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		if req.isNotification() {
			return nil
		}
		return errorResponse(req.ID, mcp.CodeInvalidRequest, "invalid JSON-RPC request")
	}

	result, rpcErr := s.dispatch(ctx, &req)
	if req.isNotification() {
		return nil
	}
	if rpcErr != nil {
		return &rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: rpcErr}
	}
	return &rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result}
}

func (s *Server) dispatch(ctx context.Context, req *rpcRequest) (any, *mcp.ResponseError) {
	s.logger.Debug("request", "method", req.Method)
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req.Params)
	case "notifications/initialized", "notifications/cancelled":
		return nil, nil
	case "ping":
		return struct{}{}, nil
	case "tools/list":
		return mcp.ListToolsResult{Tools: s.tools.list()}, nil
	case "tools/call":
		return s.handleCallTool(ctx, req.Params)
	case "resources/list":
		return mcp.ListResourcesResult{Resources: []mcp.Resource{prescriptionResource}}, nil
	case "resources/read":
		return s.handleReadResource(ctx, req.Params)
	default:
		return nil, &mcp.ResponseError{Code: mcp.CodeMethodNotFound, Message: "method not found: " + req.Method}
	}
}

func (s *Server) handleInitialize(params json.RawMessage) (any, *mcp.ResponseError) {
	var p mcp.InitializeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &mcp.ResponseError{Code: mcp.CodeInvalidParams, Message: "invalid initialize params"}
		}
	}
	s.logger.Info("client connected", "client", p.ClientInfo.Name, "client_version", p.ClientInfo.Version)

	proto := p.ProtocolVersion
	if proto == "" {
		proto = mcp.ProtocolVersion
	}
	return mcp.InitializeResult{
		ProtocolVersion: proto,
		Capabilities: map[string]any{
			"tools":     map[string]any{},
			"resources": map[string]any{},
		},
		ServerInfo: mcp.Implementation{Name: ServerName, Version: version.Version},
	}, nil
}

func (s *Server) handleCallTool(ctx context.Context, params json.RawMessage) (any, *mcp.ResponseError) {
	var p struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &mcp.ResponseError{Code: mcp.CodeInvalidParams, Message: "invalid tools/call params"}
	}
	res, err := s.tools.call(ctx, p.Name, p.Arguments)
	if err != nil {
		var rpcErr *mcp.ResponseError
		if errors.As(err, &rpcErr) {
			s.logger.Warn("tool call rejected", "tool", p.Name, "err", err)
			return nil, rpcErr
		}
		s.logger.Error("tool call failed", "tool", p.Name, "err", err)
		return nil, &mcp.ResponseError{Code: mcp.CodeInternalError, Message: err.Error()}
	}
	return res, nil
}

func (s *Server) write(w io.Writer, resp *rpcResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}

func errorResponse(id json.RawMessage, code int, msg string) *rpcResponse {
	return &rpcResponse{JSONRPC: "2.0", ID: id, Error: &mcp.ResponseError{Code: code, Message: msg}}
}
