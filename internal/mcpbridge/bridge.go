// Package mcpbridge exposes the host tool registry to a sandboxed model
// subprocess over a Unix domain socket, speaking newline-delimited JSON-RPC
// 2.0 (the MCP wire format). The lifecycle is two-phase: Bind before the
// subprocess spawns so its client has something to connect to, Accept after.
package mcpbridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
)

// Frame is one decoded inbound wire message. Malformed lines are forwarded
// with Err set rather than dropped, so the consumer decides how to surface
// them.
type Frame struct {
	Msg *Request
	Err error
}

// Bridge is a bound Unix socket serving one subprocess connection per
// invocation. The socket stays bound for the bridge's whole lifetime:
// Accept may be cancelled and called again across invocations, and only
// Close tears the listener down.
type Bridge struct {
	path     string
	listener net.Listener
	conns    chan acceptResult
	done     chan struct{}

	mu     sync.Mutex
	closed bool
}

type acceptResult struct {
	conn net.Conn
	err  error
}

// Bind creates the socket, removing any stale file at the path first.
func Bind(path string) (*Bridge, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("mcpbridge: remove stale socket: %w", err)
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("mcpbridge: bind %s: %w", path, err)
	}
	b := &Bridge{
		path:     path,
		listener: l,
		conns:    make(chan acceptResult),
		done:     make(chan struct{}),
	}
	go b.acceptLoop()
	return b, nil
}

// acceptLoop owns the listener. Connections are handed off to Accept callers
// one at a time; a client that connects while no Accept is pending waits here
// until the next invocation asks for it.
func (b *Bridge) acceptLoop() {
	for {
		c, err := b.listener.Accept()
		if err != nil {
			select {
			case b.conns <- acceptResult{err: err}:
			case <-b.done:
			}
			return
		}
		select {
		case b.conns <- acceptResult{conn: c}:
		case <-b.done:
			c.Close()
			return
		}
	}
}

// Path returns the socket path clients connect to.
func (b *Bridge) Path() string { return b.path }

// Accept blocks until a client connects, ctx is cancelled, or the bridge is
// closed. Cancellation unblocks only this caller: the listener stays bound,
// so a later Accept still serves the next connection.
func (b *Bridge) Accept(ctx context.Context) (*Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.done:
		return nil, net.ErrClosed
	case r := <-b.conns:
		if r.err != nil {
			return nil, fmt.Errorf("mcpbridge: accept: %w", r.err)
		}
		return newConn(r.conn), nil
	}
}

// Close shuts the listener and deletes the socket file. Safe to call more
// than once.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	err := b.listener.Close()
	if rmErr := os.Remove(b.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) && err == nil {
		err = rmErr
	}
	return err
}

// Conn is one accepted connection with its relay goroutines: a reader that
// decodes newline-delimited frames onto Incoming, and a writer that drains
// Send calls onto the socket.
type Conn struct {
	raw      net.Conn
	incoming chan Frame
	outbound chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(raw net.Conn) *Conn {
	c := &Conn{
		raw:      raw,
		incoming: make(chan Frame),
		outbound: make(chan []byte, 16),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	go c.writeLoop()
	return c
}

func (c *Conn) readLoop() {
	defer close(c.incoming)
	scanner := bufio.NewScanner(c.raw)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			select {
			case c.incoming <- Frame{Err: fmt.Errorf("mcpbridge: parse frame: %w", err)}:
			case <-c.done:
				return
			}
			continue
		}
		select {
		case c.incoming <- Frame{Msg: &req}:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case data := <-c.outbound:
			if _, err := c.raw.Write(append(data, '\n')); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// Incoming yields decoded frames until the peer disconnects.
func (c *Conn) Incoming() <-chan Frame { return c.incoming }

// Send queues one JSON message for the socket.
func (c *Conn) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("mcpbridge: marshal: %w", err)
	}
	select {
	case c.outbound <- data:
		return nil
	case <-c.done:
		return net.ErrClosed
	}
}

// Close cancels both relay loops and closes the socket.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.raw.Close()
	})
	return nil
}
