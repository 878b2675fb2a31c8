// Package clientmgr owns the connections to every configured MCP tool server
// and presents their tools as one flat catalog.
//
// Each tool name in the catalog is "<serverID>:::<toolName>" so that servers
// exposing tools with the same native name never collide. CallTool decodes
// the name again and routes the call to the owning connection.
package clientmgr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/will-ku/med-management-ai/common/retry"
	"github.com/will-ku/med-management-ai/common/spec/mcpconfig"
	"github.com/will-ku/med-management-ai/internal/charty/mcp"
	"github.com/will-ku/med-management-ai/internal/charty/observability"
)

const (
	DefaultToolTimeout    = 30 * time.Second
	DefaultConnectTimeout = 20 * time.Second
)

// Conn is one live connection to a tool server. *mcp.Client satisfies it.
type Conn interface {
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
	Close() error
}

// Dialer opens a connection to srv. The returned Conn must be initialized.
type Dialer func(ctx context.Context, srv mcpconfig.Server) (Conn, error)

// SpawnDialer starts srv as a child process and speaks MCP over its stdio.
func SpawnDialer(ctx context.Context, srv mcpconfig.Server) (Conn, error) {
	c, err := mcp.Spawn(ctx, mcp.SpawnOptions{
		Name:    srv.ID,
		Command: srv.Command,
		Args:    srv.Args,
		Env:     srv.Env,
	})
	if err != nil {
		return nil, err
	}
	info := c.ServerInfo()
	slog.Debug("mcp process spawned", "server", c.Name(), "reported_name", info.Name, "reported_version", info.Version)
	return c, nil
}

// Options configures a Manager. Zero values select the defaults.
type Options struct {
	Dialer Dialer
	// ToolTimeout bounds each CallTool round trip.
	ToolTimeout time.Duration
	// ConnectTimeout bounds each connection attempt including the handshake.
	ConnectTimeout time.Duration
	// ConnectAttempts counts the first attempt; 1 disables retries.
	ConnectAttempts int
	Recorder        observability.Recorder
}

// Invocation is a tool call requested by the model.
type Invocation struct {
	// Name is the encoded tool name.
	Name string
	// Arguments is a JSON object. Empty or null means no arguments.
	Arguments json.RawMessage
}

// Manager is the connection registry. Connections are added only by
// Initialize; afterwards the set is read-only until Close.
type Manager struct {
	opts Options

	mu    sync.RWMutex
	conns map[string]Conn
	order []string

	schemas *schemaCache
}

// New returns an empty Manager.
func New(opts Options) *Manager {
	if opts.Dialer == nil {
		opts.Dialer = SpawnDialer
	}
	if opts.ToolTimeout <= 0 {
		opts.ToolTimeout = DefaultToolTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.ConnectAttempts < 1 {
		opts.ConnectAttempts = 1
	}
	if opts.Recorder == nil {
		opts.Recorder = observability.NoopRecorder{}
	}
	return &Manager{
		opts:    opts,
		conns:   make(map[string]Conn),
		schemas: newSchemaCache(),
	}
}

// Initialize connects to every server in order. A server that cannot be
// reached is logged and left out; Initialize itself only fails when ctx is
// cancelled.
func (m *Manager) Initialize(ctx context.Context, servers mcpconfig.Servers) error {
	for _, srv := range servers {
		if err := ctx.Err(); err != nil {
			return err
		}
		if srv.Disabled {
			slog.Info("mcp server disabled; skipping", "server", srv.ID)
			continue
		}
		if m.has(srv.ID) {
			slog.Warn("mcp server already connected; skipping duplicate", "server", srv.ID)
			continue
		}

		var conn Conn
		err := retry.Do(ctx, retry.Config{MaxAttempts: m.opts.ConnectAttempts}, func(ctx context.Context) error {
			dialCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
			defer cancel()
			c, err := m.opts.Dialer(dialCtx, srv)
			if err != nil {
				return err
			}
			conn = c
			return nil
		})
		if err != nil {
			slog.Error("mcp connection init failed", "server", srv.ID, "command", srv.Command, "err", err)
			m.record(ctx, observability.EventConnectFailed, srv.ID, err)
			continue
		}

		m.mu.Lock()
		m.conns[srv.ID] = conn
		m.order = append(m.order, srv.ID)
		m.mu.Unlock()
		m.record(ctx, observability.EventConnectOK, srv.ID, nil)
	}

	ids := m.Servers()
	slog.Info("mcp connections initialized", "count", len(ids), "servers", ids)
	return nil
}

// Servers returns the ids of the live connections in configuration order.
func (m *Manager) Servers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

// ListTools returns the combined catalog with encoded names, in server order
// then native order. A server whose listing fails is skipped.
func (m *Manager) ListTools(ctx context.Context) []mcp.Tool {
	var out []mcp.Tool
	for _, id := range m.Servers() {
		conn := m.get(id)
		if conn == nil {
			continue
		}
		tools, err := conn.ListTools(ctx)
		if err != nil {
			slog.Warn("could not list tools", "server", id, "err", err)
			m.record(ctx, observability.EventToolListSkipped, id, err)
			continue
		}
		for _, t := range tools {
			if t.Name == "" || strings.Contains(t.Name, Separator) {
				slog.Warn("dropping tool with unroutable name", "server", id, "tool", t.Name)
				continue
			}
			encoded := Encode(id, t.Name)
			if err := m.schemas.compile(encoded, t.InputSchema); err != nil {
				slog.Warn("tool input schema rejected; arguments will not be validated",
					"tool", encoded, "err", err)
			}
			t.Name = encoded
			out = append(out, t)
		}
	}
	return out
}

// CallTool routes inv to its server and returns the result content. Every
// failure is one of the typed errors in this package.
func (m *Manager) CallTool(ctx context.Context, inv Invocation) ([]mcp.ContentItem, error) {
	serverID, toolName, err := Decode(inv.Name)
	if err != nil {
		return nil, err
	}
	conn := m.get(serverID)
	if conn == nil {
		return nil, &ConnectionNotFoundError{Server: serverID, Available: m.Servers()}
	}

	args, err := parseArguments(inv.Arguments)
	if err != nil {
		return nil, &ArgumentValidationError{Tool: inv.Name, Err: err}
	}
	if err := m.schemas.validate(inv.Name, args); err != nil {
		return nil, &ArgumentValidationError{Tool: inv.Name, Err: err}
	}

	log := observability.WithTrace(ctx)
	log.Debug("calling tool", "server", serverID, "tool", toolName, "args", observability.RedactArgs(args))

	callCtx, cancel := context.WithTimeout(ctx, m.opts.ToolTimeout)
	defer cancel()
	start := time.Now()
	res, err := conn.CallTool(callCtx, toolName, args)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s: %w", m.opts.ToolTimeout, err)
		}
		m.recordCall(ctx, serverID, toolName, start, err)
		return nil, &ToolExecutionError{Server: serverID, Tool: toolName, Err: err}
	}
	if res.IsError {
		err := errors.New(errorText(res.Content))
		m.recordCall(ctx, serverID, toolName, start, err)
		return nil, &ToolExecutionError{Server: serverID, Tool: toolName, Err: err}
	}

	m.recordCall(ctx, serverID, toolName, start, nil)
	log.Info("tool call succeeded", "server", serverID, "tool", toolName, "duration", time.Since(start))
	return res.Content, nil
}

// Close closes every connection. The Manager is empty afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	conns, order := m.conns, m.order
	m.conns = make(map[string]Conn)
	m.order = nil
	m.mu.Unlock()

	var errs []error
	for _, id := range order {
		slog.Info("closing mcp connection", "server", id)
		if err := conns[id].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) get(id string) Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conns[id]
}

func (m *Manager) has(id string) bool {
	return m.get(id) != nil
}

func (m *Manager) record(ctx context.Context, name, server string, err error) {
	ev := observability.NewEvent(ctx, name, map[string]string{"server": server})
	if err != nil {
		ev.Fields = map[string]any{"error": err.Error()}
	}
	m.opts.Recorder.RecordEvent(ev)
}

func (m *Manager) recordCall(ctx context.Context, server, tool string, start time.Time, err error) {
	name := observability.EventToolCalled
	if err != nil {
		name = observability.EventToolFailed
	}
	ev := observability.NewEvent(ctx, name, map[string]string{"server": server, "tool": tool})
	ev.Value = float64(time.Since(start).Milliseconds())
	if err != nil {
		ev.Fields = map[string]any{"error": err.Error()}
	}
	m.opts.Recorder.RecordEvent(ev)
}

func parseArguments(raw json.RawMessage) (map[string]any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(trimmed, &args); err != nil {
		return nil, fmt.Errorf("arguments must be a JSON object: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// errorText collects the text of an isError result.
func errorText(items []mcp.ContentItem) string {
	var parts []string
	for _, item := range items {
		if item.Type == mcp.ContentText && item.Text != "" {
			parts = append(parts, item.Text)
		}
	}
	if len(parts) == 0 {
		return "tool reported an error without details"
	}
	return strings.Join(parts, "\n")
}
