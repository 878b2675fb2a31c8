package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/will-ku/med-management-ai/common/version"
)

// ErrClosed is returned by calls made after the server's stdout closed.
var ErrClosed = errors.New("mcp: connection closed")

// maxLineBytes bounds a single JSON-RPC message read from the server.
const maxLineBytes = 4 << 20

// closeGrace is how long Close waits for a spawned server to exit on its own.
const closeGrace = 3 * time.Second

// ClientName is advertised as clientInfo.name during the handshake.
const ClientName = "charty"

// Client is one JSON-RPC connection to an MCP server. Concurrent calls are
// multiplexed by request id; writes are serialized.
type Client struct {
	name string

	mu     sync.Mutex // guards w
	w      io.WriteCloser
	nextID atomic.Int64

	pendMu  sync.Mutex
	pending map[int64]chan *Response

	closed    chan struct{}
	closeOnce sync.Once
	onClose   func() error

	serverInfo Implementation
}

// SpawnOptions describes a tool-server process.
type SpawnOptions struct {
	// Name identifies the server in logs.
	Name    string
	Command string
	Args    []string
	// Env entries are appended to the parent environment.
	Env map[string]string
}

// Spawn starts the process described by opts and performs the MCP handshake.
// ctx bounds the handshake only; the process lives until Close.
func Spawn(ctx context.Context, opts SpawnOptions) (*Client, error) {
	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Env = os.Environ()
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("start mcp process %q: %w", opts.Command, err)
	}
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		forwardStderr(opts.Name, stderr)
	}()

	c := newClient(opts.Name, stdout, stdin)
	c.onClose = func() error {
		// Wait must not run before both pipes are drained. A server that
		// ignores the closed stdin is killed after the grace period.
		kill := time.AfterFunc(closeGrace, func() { _ = cmd.Process.Kill() })
		defer kill.Stop()
		<-c.closed
		<-stderrDone
		return cmd.Wait()
	}

	if err := c.Initialize(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// NewClient wraps an already-connected stream pair. r carries server output,
// w carries client input. Call Initialize before listing or calling tools.
func NewClient(name string, r io.Reader, w io.WriteCloser) *Client {
	return newClient(name, r, w)
}

func newClient(name string, r io.Reader, w io.WriteCloser) *Client {
	c := &Client{
		name:    name,
		w:       w,
		pending: make(map[int64]chan *Response),
		closed:  make(chan struct{}),
	}
	go c.readLoop(r)
	return c
}

// Initialize performs the initialize / notifications/initialized handshake.
func (c *Client) Initialize(ctx context.Context) error {
	var res InitializeResult
	err := c.call(ctx, "initialize", InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      Implementation{Name: ClientName, Version: version.Version},
	}, &res)
	if err != nil {
		return fmt.Errorf("mcp initialize: %w", err)
	}
	if err := c.notify("notifications/initialized"); err != nil {
		return fmt.Errorf("mcp initialized notification: %w", err)
	}
	c.serverInfo = res.ServerInfo

	slog.Info("mcp server ready",
		"name", c.name,
		"server", res.ServerInfo.Name,
		"version", res.ServerInfo.Version,
		"protocol", res.ProtocolVersion,
	)
	return nil
}

// Name returns the configured server id.
func (c *Client) Name() string { return c.name }

// ServerInfo returns what the server reported during the handshake.
func (c *Client) ServerInfo() Implementation { return c.serverInfo }

// ListTools returns the tools advertised by the server.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	var res ListToolsResult
	if err := c.call(ctx, "tools/list", nil, &res); err != nil {
		return nil, err
	}
	return res.Tools, nil
}

// CallTool invokes toolName. A result with IsError set is returned without
// an error; interpreting it is the caller's job.
func (c *Client) CallTool(ctx context.Context, toolName string, args map[string]any) (*CallToolResult, error) {
	var res CallToolResult
	if err := c.call(ctx, "tools/call", CallToolParams{Name: toolName, Arguments: args}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Close closes the server's stdin and, for spawned servers, waits for the
// process to exit, killing it after a grace period.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.w.Close()
		c.mu.Unlock()
		if c.onClose != nil {
			err = c.onClose()
		}
	})
	return err
}

// --- internal ---

func (c *Client) write(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	data = append(data, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.w.Write(data); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	return nil
}

func (c *Client) notify(method string) error {
	return c.write(Request{JSONRPC: "2.0", Method: method})
}

func (c *Client) call(ctx context.Context, method string, params, result any) error {
	id := c.nextID.Add(1)
	ch := make(chan *Response, 1)
	c.pendMu.Lock()
	select {
	case <-c.closed:
		c.pendMu.Unlock()
		return ErrClosed
	default:
	}
	c.pending[id] = ch
	c.pendMu.Unlock()

	forget := func() {
		c.pendMu.Lock()
		delete(c.pending, id)
		c.pendMu.Unlock()
	}

	if err := c.write(Request{JSONRPC: "2.0", ID: &id, Method: method, Params: params}); err != nil {
		forget()
		return err
	}

	select {
	case <-ctx.Done():
		forget()
		return ctx.Err()
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		if result == nil || len(resp.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
		return nil
	}
}

func (c *Client) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			slog.Warn("mcp: unparsable message from server", "name", c.name, "err", err)
			continue
		}
		if resp.ID == nil || resp.Method != "" {
			slog.Debug("mcp: ignoring server-initiated message", "name", c.name, "method", resp.Method)
			continue
		}
		c.pendMu.Lock()
		ch, ok := c.pending[*resp.ID]
		delete(c.pending, *resp.ID)
		c.pendMu.Unlock()
		if ok {
			ch <- &resp
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("mcp: read loop stopped", "name", c.name, "err", err)
	}

	close(c.closed)
	c.pendMu.Lock()
	for id, ch := range c.pending {
		ch <- &Response{ID: &id, Error: &ResponseError{Code: CodeInternalError, Message: "mcp process closed"}}
	}
	c.pending = make(map[int64]chan *Response)
	c.pendMu.Unlock()
}

// forwardStderr relays the child's stderr into the structured log.
func forwardStderr(name string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		slog.Debug("mcp stderr", "name", name, "line", scanner.Text())
	}
	// Keep draining after an oversized line so the child never blocks.
	_, _ = io.Copy(io.Discard, r)
}
