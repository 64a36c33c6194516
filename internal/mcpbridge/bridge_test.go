package mcpbridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type echoDispatcher struct{}

func (echoDispatcher) Execute(_ context.Context, name string, args json.RawMessage) string {
	switch name {
	case "echo":
		return "echoed: " + string(args)
	case "broken":
		return "Error: EXECUTION_FAILED: it broke"
	default:
		return fmt.Sprintf("Unknown tool: %s", name)
	}
}

func (echoDispatcher) Definitions() []ToolDef {
	return []ToolDef{
		{Name: "echo", Description: "Echo the arguments", Schema: map[string]any{"type": "object"}},
	}
}

// testClient drives the wire protocol the way the subprocess's MCP client
// would: one JSON object per line.
type testClient struct {
	conn net.Conn
	r    *bufio.Scanner
}

func dialBridge(t *testing.T, path string) *testClient {
	t.Helper()
	var conn net.Conn
	var err error
	for range 50 {
		conn, err = net.Dial("unix", path)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testClient{conn: conn, r: bufio.NewScanner(conn)}
}

func (c *testClient) sendRaw(t *testing.T, line string) {
	t.Helper()
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (c *testClient) send(t *testing.T, id int, method string, params any) {
	t.Helper()
	msg := map[string]any{"jsonrpc": "2.0", "id": id, "method": method}
	if params != nil {
		msg["params"] = params
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	c.sendRaw(t, string(data))
}

func (c *testClient) recv(t *testing.T) map[string]any {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if !c.r.Scan() {
		t.Fatalf("no response: %v", c.r.Err())
	}
	var resp map[string]any
	if err := json.Unmarshal(c.r.Bytes(), &resp); err != nil {
		t.Fatalf("bad response %q: %v", c.r.Text(), err)
	}
	return resp
}

func startServer(t *testing.T, audit AuditFunc) (string, context.CancelFunc, chan struct{}) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bridge.sock")
	bridge, err := Bind(path)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	t.Cleanup(func() { bridge.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := bridge.Accept(ctx)
		if err != nil {
			return
		}
		NewServer("steward", "test", echoDispatcher{}, audit).Serve(ctx, conn)
	}()
	return path, cancel, done
}

func TestServerHandshakeAndTools(t *testing.T) {
	path, cancel, done := startServer(t, nil)
	defer cancel()

	client := dialBridge(t, path)

	client.send(t, 1, "initialize", map[string]any{"protocolVersion": "2024-11-05"})
	resp := client.recv(t)
	result := resp["result"].(map[string]any)
	if result["protocolVersion"] != "2024-11-05" {
		t.Fatalf("protocolVersion=%v", result["protocolVersion"])
	}
	info := result["serverInfo"].(map[string]any)
	if info["name"] != "steward" {
		t.Fatalf("serverInfo=%v", info)
	}

	client.sendRaw(t, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)

	client.send(t, 2, "tools/list", nil)
	resp = client.recv(t)
	tools := resp["result"].(map[string]any)["tools"].([]any)
	if len(tools) != 1 {
		t.Fatalf("tools=%v", tools)
	}
	tool := tools[0].(map[string]any)
	if tool["name"] != "echo" || tool["inputSchema"] == nil {
		t.Fatalf("tool=%v", tool)
	}

	client.conn.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after disconnect")
	}
}

func TestServerToolCall(t *testing.T) {
	var auditName, auditResult string
	var auditErr bool
	audit := func(name string, args json.RawMessage, result string, isError bool) {
		auditName, auditResult, auditErr = name, result, isError
	}
	path, cancel, _ := startServer(t, audit)
	defer cancel()

	client := dialBridge(t, path)
	client.send(t, 1, "tools/call", map[string]any{"name": "echo", "arguments": map[string]any{"x": 1}})
	resp := client.recv(t)

	result := resp["result"].(map[string]any)
	if result["isError"] != false {
		t.Fatalf("isError=%v", result["isError"])
	}
	content := result["content"].([]any)[0].(map[string]any)
	if content["type"] != "text" || content["text"] != `echoed: {"x":1}` {
		t.Fatalf("content=%v", content)
	}
	if auditName != "echo" || auditErr || auditResult != `echoed: {"x":1}` {
		t.Fatalf("audit: name=%q result=%q isError=%v", auditName, auditResult, auditErr)
	}
}

func TestServerToolCallErrorsFlagged(t *testing.T) {
	path, cancel, _ := startServer(t, nil)
	defer cancel()
	client := dialBridge(t, path)

	client.send(t, 1, "tools/call", map[string]any{"name": "broken", "arguments": map[string]any{}})
	result := client.recv(t)["result"].(map[string]any)
	if result["isError"] != true {
		t.Fatalf("isError=%v for failing tool", result["isError"])
	}

	client.send(t, 2, "tools/call", map[string]any{"name": "nope", "arguments": map[string]any{}})
	result = client.recv(t)["result"].(map[string]any)
	if result["isError"] != true {
		t.Fatalf("isError=%v for unknown tool", result["isError"])
	}
}

func TestServerMethodNotFound(t *testing.T) {
	path, cancel, _ := startServer(t, nil)
	defer cancel()
	client := dialBridge(t, path)

	client.send(t, 1, "resources/list", nil)
	resp := client.recv(t)
	rpcErr := resp["error"].(map[string]any)
	if rpcErr["code"].(float64) != -32601 {
		t.Fatalf("code=%v, want -32601", rpcErr["code"])
	}
}

func TestServerParseError(t *testing.T) {
	path, cancel, _ := startServer(t, nil)
	defer cancel()
	client := dialBridge(t, path)

	client.sendRaw(t, "this is not json")
	resp := client.recv(t)
	if resp["id"] != nil {
		t.Fatalf("id=%v, want null", resp["id"])
	}
	rpcErr := resp["error"].(map[string]any)
	if rpcErr["code"].(float64) != -32700 {
		t.Fatalf("code=%v, want -32700", rpcErr["code"])
	}

	// The connection survives a malformed line.
	client.send(t, 1, "ping", nil)
	resp = client.recv(t)
	if resp["error"] != nil {
		t.Fatalf("ping failed after parse error: %v", resp)
	}
}

func TestServerInvalidCallParams(t *testing.T) {
	path, cancel, _ := startServer(t, nil)
	defer cancel()
	client := dialBridge(t, path)

	client.send(t, 1, "tools/call", map[string]any{"arguments": map[string]any{}})
	resp := client.recv(t)
	rpcErr := resp["error"].(map[string]any)
	if rpcErr["code"].(float64) != -32602 {
		t.Fatalf("code=%v, want -32602", rpcErr["code"])
	}
}

func cancelPendingAccept(t *testing.T, bridge *Bridge) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := bridge.Accept(ctx)
		errCh <- err
	}()

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("accept err=%v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("accept did not unblock on cancel")
	}
}

func TestAcceptCancelledBeforeConnect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.sock")
	bridge, err := Bind(path)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}

	cancelPendingAccept(t, bridge)

	// Cancellation unblocks the caller but keeps the socket bound.
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("socket file gone after cancelled accept: %v", err)
	}
	if err := bridge.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("socket file still present after close: %v", err)
	}
}

func TestAcceptServesNextInvocationAfterCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.sock")
	bridge, err := Bind(path)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	t.Cleanup(func() { bridge.Close() })

	// First invocation's subprocess dies before ever connecting.
	cancelPendingAccept(t, bridge)

	// The next invocation must still be able to connect and be served.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := bridge.Accept(context.Background())
		if err != nil {
			t.Errorf("second accept: %v", err)
			return
		}
		NewServer("steward", "test", echoDispatcher{}, nil).Serve(context.Background(), conn)
	}()

	client := dialBridge(t, path)
	client.send(t, 1, "ping", nil)
	if resp := client.recv(t); resp["error"] != nil {
		t.Fatalf("ping after cancelled accept: %v", resp)
	}

	client.conn.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after disconnect")
	}
}

func TestBindRemovesStaleSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.sock")
	// Simulate a crash: a previous run's socket file stays behind.
	l, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	l.(*net.UnixListener).SetUnlinkOnClose(false)
	l.Close()
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("stale socket missing: %v", err)
	}

	bridge, err := Bind(path)
	if err != nil {
		t.Fatalf("rebind over stale socket: %v", err)
	}
	bridge.Close()
}

func TestIsErrorResult(t *testing.T) {
	cases := []struct {
		result string
		want   bool
	}{
		{"Error: EXECUTION_FAILED: it broke", true},
		{"Unknown tool: nope", true},
		{"file contents here", false},
		{"No Error: here", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := IsErrorResult(tc.result); got != tc.want {
			t.Fatalf("IsErrorResult(%q)=%v, want %v", tc.result, got, tc.want)
		}
	}
}

func TestBridgeCloseIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.sock")
	bridge, err := Bind(path)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := bridge.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := bridge.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := bridge.Accept(context.Background()); !errors.Is(err, net.ErrClosed) {
		t.Fatalf("accept after close: err=%v, want net.ErrClosed", err)
	}
}
