package clientmgr

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/will-ku/med-management-ai/common/spec/mcpconfig"
	"github.com/will-ku/med-management-ai/internal/charty/mcp"
	"github.com/will-ku/med-management-ai/internal/charty/observability"
)

type call struct {
	Tool string
	Args map[string]any
}

// fakeConn is an in-memory Conn.
type fakeConn struct {
	tools   []mcp.Tool
	listErr error
	callFn  func(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)

	mu     sync.Mutex
	calls  []call
	closed bool
}

func (f *fakeConn) ListTools(context.Context) ([]mcp.Tool, error) {
	return f.tools, f.listErr
}

func (f *fakeConn) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{Tool: name, Args: args})
	f.mu.Unlock()
	if f.callFn != nil {
		return f.callFn(ctx, name, args)
	}
	return &mcp.CallToolResult{Content: []mcp.ContentItem{mcp.TextContent("ok:" + name)}}, nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func servers(ids ...string) mcpconfig.Servers {
	out := make(mcpconfig.Servers, len(ids))
	for i, id := range ids {
		out[i] = mcpconfig.Server{ID: id, Command: "/bin/" + id}
	}
	return out
}

func newTestManager(t *testing.T, conns map[string]*fakeConn, ids ...string) *Manager {
	t.Helper()
	m := New(Options{
		Dialer: func(_ context.Context, srv mcpconfig.Server) (Conn, error) {
			c, ok := conns[srv.ID]
			if !ok {
				return nil, errors.New("exec: no such file")
			}
			return c, nil
		},
	})
	require.NoError(t, m.Initialize(context.Background(), servers(ids...)))
	return m
}

const prescriptionSchema = `{
	"type": "object",
	"properties": {
		"prescriptionId": {"type": "integer"},
		"dosage": {"type": "string"}
	},
	"required": ["prescriptionId"]
}`

func TestInitialize_SkipsFailingServersAndKeepsOrder(t *testing.T) {
	conns := map[string]*fakeConn{"b": {}, "a": {}, "c": {}}
	rec := observability.NewMemoryRecorder()
	m := New(Options{
		Recorder: rec,
		Dialer: func(_ context.Context, srv mcpconfig.Server) (Conn, error) {
			if c, ok := conns[srv.ID]; ok {
				return c, nil
			}
			return nil, errors.New("spawn failed")
		},
	})
	require.NoError(t, m.Initialize(context.Background(), servers("b", "broken", "a", "c")))

	assert.Equal(t, []string{"b", "a", "c"}, m.Servers())
	assert.Equal(t, []string{
		observability.EventConnectOK,
		observability.EventConnectFailed,
		observability.EventConnectOK,
		observability.EventConnectOK,
	}, rec.Names())
}

func TestInitialize_SkipsDisabledServers(t *testing.T) {
	m := New(Options{Dialer: func(context.Context, mcpconfig.Server) (Conn, error) {
		return &fakeConn{}, nil
	}})
	srvs := servers("on", "off")
	srvs[1].Disabled = true
	require.NoError(t, m.Initialize(context.Background(), srvs))
	assert.Equal(t, []string{"on"}, m.Servers())
}

func TestInitialize_RetriesConnect(t *testing.T) {
	attempts := 0
	m := New(Options{
		ConnectAttempts: 3,
		Dialer: func(context.Context, mcpconfig.Server) (Conn, error) {
			attempts++
			if attempts < 2 {
				return nil, errors.New("not yet")
			}
			return &fakeConn{}, nil
		},
	})
	require.NoError(t, m.Initialize(context.Background(), servers("slow")))
	assert.Equal(t, 2, attempts)
	assert.Equal(t, []string{"slow"}, m.Servers())
}

func TestInitialize_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := New(Options{Dialer: func(context.Context, mcpconfig.Server) (Conn, error) {
		t.Fatal("dialer must not run")
		return nil, nil
	}})
	assert.ErrorIs(t, m.Initialize(ctx, servers("a")), context.Canceled)
}

func TestListTools_NamespacesCollidingNames(t *testing.T) {
	conns := map[string]*fakeConn{
		"A": {tools: []mcp.Tool{{Name: "get"}}},
		"B": {tools: []mcp.Tool{{Name: "get"}, {Name: "put"}}},
	}
	m := newTestManager(t, conns, "A", "B")

	tools := m.ListTools(context.Background())
	names := make([]string, len(tools))
	for i, tool := range tools {
		names[i] = tool.Name
	}
	assert.Equal(t, []string{"A:::get", "B:::get", "B:::put"}, names)

	_, err := m.CallTool(context.Background(), Invocation{Name: "B:::get"})
	require.NoError(t, err)
	assert.Equal(t, 0, conns["A"].callCount())
	assert.Equal(t, 1, conns["B"].callCount())
}

func TestListTools_SkipsFailingServerAndUnroutableNames(t *testing.T) {
	conns := map[string]*fakeConn{
		"down": {listErr: errors.New("broken pipe")},
		"up":   {tools: []mcp.Tool{{Name: "weird:::name"}, {Name: ""}, {Name: "fine"}}},
	}
	m := newTestManager(t, conns, "down", "up")

	tools := m.ListTools(context.Background())
	require.Len(t, tools, 1)
	assert.Equal(t, "up:::fine", tools[0].Name)
}

func TestListTools_KeepsToolWithBadSchema(t *testing.T) {
	conns := map[string]*fakeConn{
		"s": {tools: []mcp.Tool{{Name: "t", InputSchema: json.RawMessage(`{"type": 12}`)}}},
	}
	m := newTestManager(t, conns, "s")

	tools := m.ListTools(context.Background())
	require.Len(t, tools, 1)

	_, err := m.CallTool(context.Background(), Invocation{Name: "s:::t", Arguments: json.RawMessage(`{"x":1}`)})
	assert.NoError(t, err)
}

func TestCallTool_UnknownServerTouchesNoConnection(t *testing.T) {
	conns := map[string]*fakeConn{"medmanager": {}}
	m := newTestManager(t, conns, "medmanager")

	_, err := m.CallTool(context.Background(), Invocation{Name: "ghost:::get"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionNotFound)

	var nf *ConnectionNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "ghost", nf.Server)
	assert.Equal(t, []string{"medmanager"}, nf.Available)
	assert.Contains(t, err.Error(), "medmanager")
	assert.Equal(t, 0, conns["medmanager"].callCount())
}

func TestCallTool_MalformedName(t *testing.T) {
	conns := map[string]*fakeConn{"s": {}}
	m := newTestManager(t, conns, "s")

	_, err := m.CallTool(context.Background(), Invocation{Name: "get_prescriptions"})
	assert.ErrorIs(t, err, ErrMalformedToolName)
	assert.Equal(t, 0, conns["s"].callCount())
}

func TestCallTool_PassesArguments(t *testing.T) {
	conns := map[string]*fakeConn{"s": {tools: []mcp.Tool{{Name: "update", InputSchema: json.RawMessage(prescriptionSchema)}}}}
	m := newTestManager(t, conns, "s")
	m.ListTools(context.Background())

	content, err := m.CallTool(context.Background(), Invocation{
		Name:      "s:::update",
		Arguments: json.RawMessage(`{"prescriptionId": 3, "dosage": "20mg"}`),
	})
	require.NoError(t, err)
	require.Len(t, content, 1)
	assert.Equal(t, "ok:update", content[0].Text)

	require.Equal(t, 1, conns["s"].callCount())
	got := conns["s"].calls[0]
	assert.Equal(t, "update", got.Tool)
	assert.Equal(t, float64(3), got.Args["prescriptionId"])
	assert.Equal(t, "20mg", got.Args["dosage"])
}

func TestCallTool_EmptyArgumentsBecomeObject(t *testing.T) {
	conns := map[string]*fakeConn{"s": {}}
	m := newTestManager(t, conns, "s")

	for _, raw := range []string{"", "null", "  "} {
		_, err := m.CallTool(context.Background(), Invocation{Name: "s:::list", Arguments: json.RawMessage(raw)})
		require.NoError(t, err, raw)
	}
	for _, c := range conns["s"].calls {
		assert.NotNil(t, c.Args)
		assert.Empty(t, c.Args)
	}
}

func TestCallTool_ArgumentValidation(t *testing.T) {
	conns := map[string]*fakeConn{"s": {tools: []mcp.Tool{{Name: "update", InputSchema: json.RawMessage(prescriptionSchema)}}}}
	m := newTestManager(t, conns, "s")
	m.ListTools(context.Background())

	for _, raw := range []string{
		`[1,2]`,
		`{"prescriptionId":`,
		`{"dosage": "20mg"}`,
		`{"prescriptionId": "three"}`,
	} {
		_, err := m.CallTool(context.Background(), Invocation{Name: "s:::update", Arguments: json.RawMessage(raw)})
		require.Error(t, err, raw)
		assert.ErrorIs(t, err, ErrInvalidArguments, raw)
		var avErr *ArgumentValidationError
		require.ErrorAs(t, err, &avErr)
		assert.Equal(t, "s:::update", avErr.Tool)
	}
	assert.Equal(t, 0, conns["s"].callCount())
}

func TestCallTool_ToolReportedError(t *testing.T) {
	conns := map[string]*fakeConn{"s": {callFn: func(context.Context, string, map[string]any) (*mcp.CallToolResult, error) {
		return &mcp.CallToolResult{
			IsError: true,
			Content: []mcp.ContentItem{mcp.TextContent("Prescription with ID 99 not found")},
		}, nil
	}}}
	m := newTestManager(t, conns, "s")

	_, err := m.CallTool(context.Background(), Invocation{Name: "s:::update_prescription"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrToolExecutionFailed)

	var te *ToolExecutionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "s", te.Server)
	assert.Equal(t, "update_prescription", te.Tool)
	assert.Contains(t, te.Err.Error(), "ID 99 not found")
}

func TestCallTool_TransportErrorAndTimeout(t *testing.T) {
	conns := map[string]*fakeConn{
		"broken": {callFn: func(context.Context, string, map[string]any) (*mcp.CallToolResult, error) {
			return nil, mcp.ErrClosed
		}},
		"slow": {callFn: func(ctx context.Context, _ string, _ map[string]any) (*mcp.CallToolResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}},
	}
	m := New(Options{
		ToolTimeout: 20 * time.Millisecond,
		Dialer: func(_ context.Context, srv mcpconfig.Server) (Conn, error) {
			return conns[srv.ID], nil
		},
	})
	require.NoError(t, m.Initialize(context.Background(), servers("broken", "slow")))

	_, err := m.CallTool(context.Background(), Invocation{Name: "broken:::x"})
	assert.ErrorIs(t, err, ErrToolExecutionFailed)
	assert.ErrorIs(t, err, mcp.ErrClosed)

	_, err = m.CallTool(context.Background(), Invocation{Name: "slow:::x"})
	assert.ErrorIs(t, err, ErrToolExecutionFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "timed out")
}

func TestCallTool_RecordsEvents(t *testing.T) {
	rec := observability.NewMemoryRecorder()
	m := New(Options{
		Recorder: rec,
		Dialer: func(context.Context, mcpconfig.Server) (Conn, error) {
			return &fakeConn{callFn: func(_ context.Context, name string, _ map[string]any) (*mcp.CallToolResult, error) {
				return &mcp.CallToolResult{IsError: name == "bad"}, nil
			}}, nil
		},
	})
	require.NoError(t, m.Initialize(context.Background(), servers("s")))

	_, _ = m.CallTool(context.Background(), Invocation{Name: "s:::good"})
	_, _ = m.CallTool(context.Background(), Invocation{Name: "s:::bad"})

	names := rec.Names()
	assert.Equal(t, []string{
		observability.EventConnectOK,
		observability.EventToolCalled,
		observability.EventToolFailed,
	}, names)
}

func TestClose_ClosesEveryConnection(t *testing.T) {
	conns := map[string]*fakeConn{"a": {}, "b": {}}
	m := newTestManager(t, conns, "a", "b")

	require.NoError(t, m.Close())
	assert.True(t, conns["a"].closed)
	assert.True(t, conns["b"].closed)
	assert.Empty(t, m.Servers())

	_, err := m.CallTool(context.Background(), Invocation{Name: "a:::x"})
	assert.ErrorIs(t, err, ErrConnectionNotFound)
}
