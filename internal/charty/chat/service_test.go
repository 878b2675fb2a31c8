package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/will-ku/med-management-ai/internal/charty/clientmgr"
	"github.com/will-ku/med-management-ai/internal/charty/conversation"
	"github.com/will-ku/med-management-ai/internal/charty/llm"
	"github.com/will-ku/med-management-ai/internal/charty/mcp"
	"github.com/will-ku/med-management-ai/internal/charty/observability"
)

// scriptedProvider answers each Complete call with the next scripted step.
type scriptedProvider struct {
	mu       sync.Mutex
	steps    []func(req llm.CompletionRequest) (*llm.CompletionResponse, error)
	requests []llm.CompletionRequest
}

func (p *scriptedProvider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	if len(p.steps) == 0 {
		p.mu.Unlock()
		return nil, errors.New("unexpected model call")
	}
	step := p.steps[0]
	p.steps = p.steps[1:]
	p.mu.Unlock()
	return step(req)
}

func say(text string) func(llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return func(llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return &llm.CompletionResponse{
			Message:      llm.Message{Role: llm.RoleAssistant, Content: text},
			FinishReason: "stop",
		}, nil
	}
}

func callTools(names ...string) func(llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return func(llm.CompletionRequest) (*llm.CompletionResponse, error) {
		msg := llm.Message{Role: llm.RoleAssistant}
		for i, n := range names {
			msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{
				ID:       fmt.Sprintf("call_%d", i),
				Type:     "function",
				Function: llm.FunctionCall{Name: n, Arguments: `{"prescriptionId":1}`},
			})
		}
		return &llm.CompletionResponse{Message: msg, FinishReason: "tool_calls"}, nil
	}
}

func fail(err error) func(llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return func(llm.CompletionRequest) (*llm.CompletionResponse, error) { return nil, err }
}

// fakeTools answers CallTool from a per-name table.
type fakeTools struct {
	mu      sync.Mutex
	results map[string][]mcp.ContentItem
	errs    map[string]error
	calls   []clientmgr.Invocation
}

func (f *fakeTools) CallTool(_ context.Context, inv clientmgr.Invocation) ([]mcp.ContentItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, inv)
	if err, ok := f.errs[inv.Name]; ok {
		return nil, err
	}
	if res, ok := f.results[inv.Name]; ok {
		return res, nil
	}
	return nil, &clientmgr.ConnectionNotFoundError{Server: "unknown"}
}

func (f *fakeTools) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Name
	}
	return out
}

func roles(msgs []conversation.Message) []conversation.Role {
	out := make([]conversation.Role, len(msgs))
	for i, m := range msgs {
		out[i] = m.Role
	}
	return out
}

var catalog = []mcp.Tool{{
	Name:        "medmanager:::get_prescriptions",
	Description: "List the patient's prescriptions",
	InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
}}

func TestHandleChat_NoToolCall(t *testing.T) {
	store := conversation.New("sys")
	provider := &scriptedProvider{steps: []func(llm.CompletionRequest) (*llm.CompletionResponse, error){say("Hello there.")}}
	svc := New(provider, &fakeTools{}, store, Options{})

	reply, err := svc.HandleChat(context.Background(), "hi", catalog)
	require.NoError(t, err)
	assert.False(t, reply.WasToolCalled)
	assert.Equal(t, "Hello there.", reply.Message.Content)
	assert.Equal(t, conversation.RoleAssistant, reply.Message.Role)

	assert.Equal(t,
		[]conversation.Role{conversation.RoleSystem, conversation.RoleUser, conversation.RoleAssistant},
		roles(store.Messages()))

	require.Len(t, provider.requests, 1)
	req := provider.requests[0]
	require.Len(t, req.Tools, 1)
	assert.Equal(t, "function", req.Tools[0].Type)
	assert.Equal(t, "medmanager:::get_prescriptions", req.Tools[0].Function.Name)
	assert.Equal(t, llm.RoleSystem, req.Messages[0].Role)
	assert.Equal(t, "hi", req.Messages[1].Content)
}

func TestHandleChat_SingleToolSuccess(t *testing.T) {
	store := conversation.New("sys")
	provider := &scriptedProvider{steps: []func(llm.CompletionRequest) (*llm.CompletionResponse, error){
		callTools("medmanager:::delete_prescription"),
		say("Aspirin removed."),
	}}
	tools := &fakeTools{results: map[string][]mcp.ContentItem{
		"medmanager:::delete_prescription": {mcp.TextContent("Deleted prescription 1")},
	}}
	svc := New(provider, tools, store, Options{})

	reply, err := svc.HandleChat(context.Background(), "remove my aspirin", catalog)
	require.NoError(t, err)
	assert.True(t, reply.WasToolCalled)
	assert.Equal(t, "Aspirin removed.", reply.Message.Content)

	msgs := store.Messages()
	assert.Equal(t, []conversation.Role{
		conversation.RoleSystem, conversation.RoleUser, conversation.RoleTool, conversation.RoleAssistant,
	}, roles(msgs))
	assert.Equal(t, "Deleted prescription 1", msgs[2].Content)
	assert.Equal(t, "Aspirin removed.", msgs[3].Content)

	require.Len(t, provider.requests, 2)
	assert.Empty(t, provider.requests[1].Tools, "follow-up turn must not offer tools")
	last := provider.requests[1].Messages
	assert.Equal(t, llm.RoleTool, last[len(last)-1].Role)

	require.Len(t, tools.calls, 1)
	assert.JSONEq(t, `{"prescriptionId":1}`, string(tools.calls[0].Arguments))
}

func TestHandleChat_SingleToolFailureIsExplained(t *testing.T) {
	store := conversation.New("sys")
	provider := &scriptedProvider{steps: []func(llm.CompletionRequest) (*llm.CompletionResponse, error){
		callTools("medmanager:::update_prescription"),
		say("I couldn't find that prescription."),
	}}
	tools := &fakeTools{errs: map[string]error{
		"medmanager:::update_prescription": &clientmgr.ToolExecutionError{
			Server: "medmanager", Tool: "update_prescription",
			Err: errors.New("Prescription with ID 99 not found"),
		},
	}}
	svc := New(provider, tools, store, Options{})

	reply, err := svc.HandleChat(context.Background(), "change prescription 99", catalog)
	require.NoError(t, err)
	assert.False(t, reply.WasToolCalled)
	assert.Equal(t, "I couldn't find that prescription.", reply.Message.Content)

	msgs := store.Messages()
	assert.Equal(t, []conversation.Role{
		conversation.RoleSystem, conversation.RoleUser, conversation.RoleTool, conversation.RoleAssistant,
	}, roles(msgs))
	explanation := msgs[2].Content
	assert.Contains(t, explanation, "update_prescription")
	assert.Contains(t, explanation, "Prescription with ID 99 not found")
	assert.Contains(t, explanation, "Do not suggest retrying")
	assert.NotContains(t, explanation, "medmanager:::")
}

func TestHandleChat_FailFastAbandonsRemainingCalls(t *testing.T) {
	store := conversation.New("sys")
	provider := &scriptedProvider{steps: []func(llm.CompletionRequest) (*llm.CompletionResponse, error){
		callTools("s:::first", "s:::broken", "s:::third"),
		say("first done"),
		say("that did not work"),
	}}
	tools := &fakeTools{
		results: map[string][]mcp.ContentItem{
			"s:::first": {mcp.TextContent("ok")},
			"s:::third": {mcp.TextContent("ok")},
		},
		errs: map[string]error{"s:::broken": errors.New("boom")},
	}
	svc := New(provider, tools, store, Options{})

	reply, err := svc.HandleChat(context.Background(), "do three things", catalog)
	require.NoError(t, err)
	assert.False(t, reply.WasToolCalled)
	assert.Equal(t, "that did not work", reply.Message.Content)
	assert.Equal(t, []string{"s:::first", "s:::broken"}, tools.names())

	assert.Equal(t, []conversation.Role{
		conversation.RoleSystem, conversation.RoleUser,
		conversation.RoleTool, conversation.RoleTool, conversation.RoleAssistant,
	}, roles(store.Messages()))
}

func TestHandleChat_LastResultWins(t *testing.T) {
	store := conversation.New("sys")
	provider := &scriptedProvider{steps: []func(llm.CompletionRequest) (*llm.CompletionResponse, error){
		callTools("s:::a", "s:::b"),
		say("after a"),
		say("after b"),
	}}
	tools := &fakeTools{results: map[string][]mcp.ContentItem{
		"s:::a": {mcp.TextContent("A")},
		"s:::b": {mcp.TextContent("B")},
	}}
	svc := New(provider, tools, store, Options{})

	reply, err := svc.HandleChat(context.Background(), "both", catalog)
	require.NoError(t, err)
	assert.True(t, reply.WasToolCalled)
	assert.Equal(t, "after b", reply.Message.Content)

	msgs := store.Messages()
	assert.Equal(t, []conversation.Role{
		conversation.RoleSystem, conversation.RoleUser,
		conversation.RoleTool, conversation.RoleTool, conversation.RoleAssistant,
	}, roles(msgs))
	assert.Equal(t, "after b", msgs[len(msgs)-1].Content)
}

func TestHandleChat_EmptyToolBatch(t *testing.T) {
	store := conversation.New("sys")
	provider := &scriptedProvider{steps: []func(llm.CompletionRequest) (*llm.CompletionResponse, error){callTools()}}
	svc := New(provider, &fakeTools{}, store, Options{})

	_, err := svc.HandleChat(context.Background(), "hm", catalog)
	assert.ErrorIs(t, err, ErrNoToolResults)
}

func TestHandleChat_ModelFailure(t *testing.T) {
	store := conversation.New("sys")
	backendErr := errors.New("connection refused")
	provider := &scriptedProvider{steps: []func(llm.CompletionRequest) (*llm.CompletionResponse, error){fail(backendErr)}}
	rec := observability.NewMemoryRecorder()
	svc := New(provider, &fakeTools{}, store, Options{Recorder: rec})

	_, err := svc.HandleChat(context.Background(), "hi", catalog)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrModelBackend)
	assert.ErrorIs(t, err, backendErr)

	var me *ModelError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "initial", me.Stage)
	assert.Equal(t, []string{observability.EventTurnStarted, observability.EventTurnFailed}, rec.Names())
}

func TestHandleChat_ModelFailureLeavesNoUserMessage(t *testing.T) {
	store := conversation.New("sys")
	provider := &scriptedProvider{steps: []func(llm.CompletionRequest) (*llm.CompletionResponse, error){
		fail(errors.New("connection refused")),
		say("Back online."),
	}}
	svc := New(provider, &fakeTools{}, store, Options{})

	_, err := svc.HandleChat(context.Background(), "first try", catalog)
	require.Error(t, err)
	assert.Equal(t, []conversation.Role{conversation.RoleSystem}, roles(store.Messages()))

	_, err = svc.HandleChat(context.Background(), "second try", catalog)
	require.NoError(t, err)
	require.Len(t, provider.requests, 2)
	next := provider.requests[1].Messages
	require.Len(t, next, 2)
	assert.Equal(t, llm.RoleSystem, next[0].Role)
	assert.Equal(t, "second try", next[1].Content)
}

func TestHandleChat_FollowUpModelFailure(t *testing.T) {
	provider := &scriptedProvider{steps: []func(llm.CompletionRequest) (*llm.CompletionResponse, error){
		callTools("s:::a"),
		fail(errors.New("503")),
	}}
	tools := &fakeTools{results: map[string][]mcp.ContentItem{"s:::a": {mcp.TextContent("A")}}}
	svc := New(provider, tools, conversation.New("sys"), Options{})

	_, err := svc.HandleChat(context.Background(), "go", catalog)
	var me *ModelError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "follow-up", me.Stage)
}

func TestHandleChat_ModelTimeout(t *testing.T) {
	provider := &blockingProvider{}
	svc := New(provider, &fakeTools{}, conversation.New("sys"), Options{ModelTimeout: 20 * time.Millisecond})

	_, err := svc.HandleChat(context.Background(), "hi", nil)
	assert.ErrorIs(t, err, ErrModelBackend)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHandleChat_EmptyUtterance(t *testing.T) {
	store := conversation.New("sys")
	svc := New(&scriptedProvider{}, &fakeTools{}, store, Options{})

	_, err := svc.HandleChat(context.Background(), "   ", nil)
	assert.ErrorIs(t, err, ErrEmptyUtterance)
	assert.Equal(t, 1, store.Len())
}

type blockingProvider struct{}

func (blockingProvider) Complete(ctx context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// echoProvider requests one tool on the first call of a turn and echoes the
// user text on the follow-up.
type echoProvider struct{}

func (echoProvider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	last := req.Messages[len(req.Messages)-1]
	if last.Role == llm.RoleUser {
		return &llm.CompletionResponse{
			Message: llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{
				ID: "1", Type: "function",
				Function: llm.FunctionCall{Name: "s:::echo", Arguments: "{}"},
			}}},
			FinishReason: "tool_calls",
		}, nil
	}
	user := req.Messages[len(req.Messages)-2]
	return &llm.CompletionResponse{Message: llm.Message{Role: llm.RoleAssistant, Content: "re:" + user.Content}}, nil
}

func TestHandleChat_ConcurrentTurnsDoNotInterleave(t *testing.T) {
	store := conversation.New("sys")
	tools := &fakeTools{results: map[string][]mcp.ContentItem{"s:::echo": {mcp.TextContent("echo")}}}
	svc := New(echoProvider{}, tools, store, Options{})

	const n = 10
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reply, err := svc.HandleChat(context.Background(), fmt.Sprintf("u%d", i), nil)
			if assert.NoError(t, err) {
				assert.Equal(t, fmt.Sprintf("re:u%d", i), reply.Message.Content)
			}
		}()
	}
	wg.Wait()

	msgs := store.Messages()
	require.Len(t, msgs, 1+3*n)
	for i := 1; i < len(msgs); i += 3 {
		user, tool, asst := msgs[i], msgs[i+1], msgs[i+2]
		require.Equal(t, conversation.RoleUser, user.Role)
		require.Equal(t, conversation.RoleTool, tool.Role)
		require.Equal(t, conversation.RoleAssistant, asst.Role)
		assert.Equal(t, "re:"+user.Content, asst.Content)
	}
}

func TestHandleChat_TurnSlotHonoursContext(t *testing.T) {
	release := make(chan struct{})
	provider := &scriptedProvider{steps: []func(llm.CompletionRequest) (*llm.CompletionResponse, error){
		func(llm.CompletionRequest) (*llm.CompletionResponse, error) {
			<-release
			return &llm.CompletionResponse{Message: llm.Message{Role: llm.RoleAssistant, Content: "slow"}}, nil
		},
	}}
	store := conversation.New("sys")
	svc := New(provider, &fakeTools{}, store, Options{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = svc.HandleChat(context.Background(), "first", nil)
	}()
	require.Eventually(t, func() bool { return store.Len() == 2 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := svc.HandleChat(ctx, "second", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	<-done
	for _, m := range store.Messages() {
		assert.NotEqual(t, "second", m.Content)
	}
}

// gatedTools blocks every call until release is closed.
type gatedTools struct {
	started chan struct{}
	release chan struct{}
}

func (g *gatedTools) CallTool(context.Context, clientmgr.Invocation) ([]mcp.ContentItem, error) {
	close(g.started)
	<-g.release
	return []mcp.ContentItem{mcp.TextContent("Lisinopril 10mg")}, nil
}

func TestClearHistory_WaitsForTurnInProgress(t *testing.T) {
	provider := &scriptedProvider{steps: []func(llm.CompletionRequest) (*llm.CompletionResponse, error){
		callTools("medmanager:::get_prescriptions"),
		say("You take Lisinopril."),
	}}
	tools := &gatedTools{started: make(chan struct{}), release: make(chan struct{})}
	store := conversation.New("sys")
	svc := New(provider, tools, store, Options{})

	turnDone := make(chan error, 1)
	go func() {
		_, err := svc.HandleChat(context.Background(), "what do I take?", catalog)
		turnDone <- err
	}()
	<-tools.started

	cleared := make(chan error, 1)
	go func() { cleared <- svc.ClearHistory(context.Background()) }()

	select {
	case <-cleared:
		t.Fatal("clear finished while a tool call was still running")
	case <-time.After(30 * time.Millisecond):
	}

	close(tools.release)
	require.NoError(t, <-turnDone)
	require.NoError(t, <-cleared)

	// The follow-up saw the whole turn, and the clear came after it.
	require.Len(t, provider.requests, 2)
	assert.Equal(t,
		[]llm.Role{llm.RoleSystem, llm.RoleUser, llm.RoleTool},
		[]llm.Role{provider.requests[1].Messages[0].Role, provider.requests[1].Messages[1].Role, provider.requests[1].Messages[2].Role})
	assert.Equal(t, []conversation.Role{conversation.RoleSystem}, roles(store.Messages()))
}

func TestClearHistory_HonoursContext(t *testing.T) {
	release := make(chan struct{})
	provider := &scriptedProvider{steps: []func(llm.CompletionRequest) (*llm.CompletionResponse, error){
		func(llm.CompletionRequest) (*llm.CompletionResponse, error) {
			<-release
			return &llm.CompletionResponse{Message: llm.Message{Role: llm.RoleAssistant, Content: "slow"}}, nil
		},
	}}
	store := conversation.New("sys")
	svc := New(provider, &fakeTools{}, store, Options{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = svc.HandleChat(context.Background(), "first", nil)
	}()
	require.Eventually(t, func() bool { return store.Len() == 2 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, svc.ClearHistory(ctx), context.DeadlineExceeded)

	close(release)
	<-done
	assert.Equal(t, 3, store.Len())
}

func TestFormatToolResult(t *testing.T) {
	assert.Equal(t, "a\nb", formatToolResult([]mcp.ContentItem{mcp.TextContent("a"), mcp.TextContent("b")}))
	assert.Equal(t, "(empty result)", formatToolResult(nil))

	mixed := formatToolResult([]mcp.ContentItem{
		mcp.TextContent("caption"),
		{Type: mcp.ContentImage, Data: "aGk=", MIMEType: "image/png"},
	})
	assert.True(t, strings.HasPrefix(mixed, "["))
	assert.Contains(t, mixed, `"mimeType":"image/png"`)
}
