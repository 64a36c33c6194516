package mcpbridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
)

const protocolVersion = "2024-11-05"

// Request is one inbound JSON-RPC 2.0 message. A missing ID marks a
// notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
)

// ToolDef describes one tool for tools/list.
type ToolDef struct {
	Name        string
	Description string
	Schema      map[string]any
}

// Dispatcher is the bridge's view of the host tool registry. Execute never
// fails; failures come back as "Error: ..." / "Unknown tool: ..." strings.
type Dispatcher interface {
	Execute(ctx context.Context, name string, args json.RawMessage) string
	Definitions() []ToolDef
}

// AuditFunc records one dispatched call.
type AuditFunc func(name string, args json.RawMessage, result string, isError bool)

// Server answers MCP requests from the live tool registry, with the same
// dispatch and audit semantics as in-process tool calls.
type Server struct {
	name       string
	version    string
	dispatcher Dispatcher
	audit      AuditFunc
}

func NewServer(name, version string, dispatcher Dispatcher, audit AuditFunc) *Server {
	return &Server{name: name, version: version, dispatcher: dispatcher, audit: audit}
}

// Serve handles one connection until the peer disconnects or ctx is
// cancelled.
func (s *Server) Serve(ctx context.Context, conn *Conn) {
	defer conn.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-conn.Incoming():
			if !ok {
				return
			}
			if frame.Err != nil {
				slog.Warn("malformed frame from subprocess", "error", frame.Err)
				s.reply(conn, response{
					JSONRPC: "2.0",
					ID:      json.RawMessage("null"),
					Error:   &rpcError{Code: codeParseError, Message: "parse error"},
				})
				continue
			}
			s.handle(ctx, conn, frame.Msg)
		}
	}
}

func (s *Server) handle(ctx context.Context, conn *Conn, req *Request) {
	switch req.Method {
	case "initialize":
		s.reply(conn, response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result: map[string]any{
				"protocolVersion": protocolVersion,
				"capabilities":    map[string]any{"tools": map[string]any{}},
				"serverInfo":      map[string]any{"name": s.name, "version": s.version},
			},
		})
	case "notifications/initialized":
		// Notification, no reply.
	case "ping":
		s.reply(conn, response{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{}})
	case "tools/list":
		s.reply(conn, response{JSONRPC: "2.0", ID: req.ID, Result: s.listTools()})
	case "tools/call":
		s.callTool(ctx, conn, req)
	default:
		if len(req.ID) == 0 {
			return // unknown notification, ignore
		}
		s.reply(conn, response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &rpcError{Code: codeMethodNotFound, Message: "method not found: " + req.Method},
		})
	}
}

type toolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

func (s *Server) listTools() map[string]any {
	defs := s.dispatcher.Definitions()
	tools := make([]toolInfo, 0, len(defs))
	for _, d := range defs {
		tools = append(tools, toolInfo{Name: d.Name, Description: d.Description, InputSchema: d.Schema})
	}
	return map[string]any{"tools": tools}
}

type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (s *Server) callTool(ctx context.Context, conn *Conn, req *Request) {
	var params callParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		s.reply(conn, response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &rpcError{Code: codeInvalidParams, Message: "invalid tools/call params"},
		})
		return
	}

	result := s.dispatcher.Execute(ctx, params.Name, params.Arguments)
	isError := IsErrorResult(result)
	if s.audit != nil {
		s.audit(params.Name, params.Arguments, result, isError)
	}

	s.reply(conn, response{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]any{
			"content": []contentBlock{{Type: "text", Text: result}},
			"isError": isError,
		},
	})
}

func (s *Server) reply(conn *Conn, resp response) {
	if err := conn.Send(resp); err != nil {
		slog.Warn("failed to write bridge response", "error", err)
	}
}

// IsErrorResult reports whether a dispatcher result string carries the
// error-prefix contract of the tool registry. Both the in-process loop and
// the bridge flag results with it.
func IsErrorResult(result string) bool {
	return strings.HasPrefix(result, "Error:") || strings.HasPrefix(result, "Unknown tool:")
}
