// Package chat turns one user utterance into one assistant reply, running
// the tool round trips the model asks for in between.
//
// All turns share the single conversation log. A turn holds the service's
// turn slot from the moment it appends the user message until it appends
// the final reply, so concurrent requests never interleave their messages.
package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/will-ku/med-management-ai/internal/charty/clientmgr"
	"github.com/will-ku/med-management-ai/internal/charty/conversation"
	"github.com/will-ku/med-management-ai/internal/charty/llm"
	"github.com/will-ku/med-management-ai/internal/charty/mcp"
	"github.com/will-ku/med-management-ai/internal/charty/observability"
)

// DefaultModelTimeout bounds one model call.
const DefaultModelTimeout = 120 * time.Second

// finishToolCalls is the finish reason of a reply that requests tools. A
// reply that reports it without carrying any call is a broken batch.
const finishToolCalls = "tool_calls"

// ToolCaller dispatches one tool invocation. *clientmgr.Manager satisfies it.
type ToolCaller interface {
	CallTool(ctx context.Context, inv clientmgr.Invocation) ([]mcp.ContentItem, error)
}

// Options tunes a Service. Zero values select defaults.
type Options struct {
	// Model overrides the provider's default model.
	Model        string
	MaxTokens    int
	ModelTimeout time.Duration
	Recorder     observability.Recorder
}

// Reply is the outcome of a turn.
type Reply struct {
	Message conversation.Message `json:"message"`
	// WasToolCalled is true only when every requested tool call succeeded.
	WasToolCalled bool `json:"wasToolCalled"`
}

// Service is the chat orchestrator.
type Service struct {
	provider llm.Provider
	tools    ToolCaller
	store    *conversation.Store
	opts     Options

	turn chan struct{}
}

// New wires a Service. The store is shared with whoever else reads the log.
func New(provider llm.Provider, tools ToolCaller, store *conversation.Store, opts Options) *Service {
	if opts.ModelTimeout <= 0 {
		opts.ModelTimeout = DefaultModelTimeout
	}
	if opts.Recorder == nil {
		opts.Recorder = observability.NoopRecorder{}
	}
	return &Service{
		provider: provider,
		tools:    tools,
		store:    store,
		opts:     opts,
		turn:     make(chan struct{}, 1),
	}
}

// HandleChat runs one turn. tools is the catalog offered to the model on
// the first call, normally the result of clientmgr.Manager.ListTools.
//
// A failed tool call is not an error: the model explains the failure and
// that explanation is returned with WasToolCalled=false. Errors are returned
// only for model failures (*ModelError), ErrNoToolResults, ErrEmptyUtterance
// and ctx cancellation while waiting for the turn slot.
func (s *Service) HandleChat(ctx context.Context, utterance string, tools []mcp.Tool) (*Reply, error) {
	if strings.TrimSpace(utterance) == "" {
		return nil, ErrEmptyUtterance
	}

	select {
	case s.turn <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-s.turn }()

	log := observability.WithTrace(ctx)
	start := time.Now()
	s.record(ctx, observability.EventTurnStarted, nil)

	reply, err := s.runTurn(ctx, utterance, tools)
	if err != nil {
		log.Error("chat turn failed", "err", err, "duration", time.Since(start))
		s.record(ctx, observability.EventTurnFailed, map[string]any{"error": err.Error()})
		return nil, err
	}

	log.Info("chat turn completed", "tool_called", reply.WasToolCalled, "duration", time.Since(start))
	s.record(ctx, observability.EventTurnCompleted, map[string]any{"tool_called": reply.WasToolCalled})
	return reply, nil
}

// ClearHistory resets the conversation to the system instruction. It waits
// for the turn in progress, if any, so a turn never continues on a log that
// was cleared underneath it.
func (s *Service) ClearHistory(ctx context.Context) error {
	select {
	case s.turn <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.turn }()

	s.store.Clear()
	return nil
}

func (s *Service) runTurn(ctx context.Context, utterance string, tools []mcp.Tool) (*Reply, error) {
	log := observability.WithTrace(ctx)

	mark := s.store.Len()
	history := s.store.Add(conversation.RoleUser, utterance)
	first, err := s.complete(ctx, "initial", history, toolDefinitions(tools))
	if err != nil {
		// Nothing answered the utterance, so it leaves no trace in the log.
		s.store.Truncate(mark)
		return nil, err
	}

	calls := first.Message.ToolCalls
	if len(calls) == 0 && first.FinishReason != finishToolCalls {
		return s.finish(first.Message.Content, false), nil
	}

	log.Info("model requested tools", "count", len(calls))
	var results []string
	for _, tc := range calls {
		inv := clientmgr.Invocation{Name: tc.Function.Name, Arguments: []byte(tc.Function.Arguments)}
		content, err := s.tools.CallTool(ctx, inv)
		if err != nil {
			log.Warn("tool call failed; explaining to user", "tool", tc.Function.Name, "err", err)
			history = s.store.Add(conversation.RoleTool, explainToolError(tc.Function.Name, err))
			follow, ferr := s.complete(ctx, "follow-up", history, nil)
			if ferr != nil {
				return nil, ferr
			}
			return s.finish(follow.Message.Content, false), nil
		}

		history = s.store.Add(conversation.RoleTool, formatToolResult(content))
		follow, err := s.complete(ctx, "follow-up", history, nil)
		if err != nil {
			return nil, err
		}
		results = append(results, follow.Message.Content)
	}

	if len(results) == 0 {
		return nil, ErrNoToolResults
	}
	return s.finish(results[len(results)-1], true), nil
}

func (s *Service) finish(content string, toolCalled bool) *Reply {
	s.store.Add(conversation.RoleAssistant, content)
	return &Reply{
		Message:       conversation.Message{Role: conversation.RoleAssistant, Content: content},
		WasToolCalled: toolCalled,
	}
}

func (s *Service) complete(ctx context.Context, stage string, history []conversation.Message, tools []llm.ToolDefinition) (*llm.CompletionResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.opts.ModelTimeout)
	defer cancel()

	resp, err := s.provider.Complete(callCtx, llm.CompletionRequest{
		Model:     s.opts.Model,
		Messages:  toLLMMessages(history),
		Tools:     tools,
		MaxTokens: s.opts.MaxTokens,
	})
	if err != nil {
		return nil, &ModelError{Stage: stage, Err: err}
	}
	if resp == nil {
		return nil, &ModelError{Stage: stage, Err: errors.New("empty response")}
	}
	return resp, nil
}

func (s *Service) record(ctx context.Context, name string, fields map[string]any) {
	ev := observability.NewEvent(ctx, name, nil)
	ev.Fields = fields
	s.opts.Recorder.RecordEvent(ev)
}

func toLLMMessages(history []conversation.Message) []llm.Message {
	out := make([]llm.Message, len(history))
	for i, m := range history {
		out[i] = llm.Message{Role: llm.Role(m.Role), Content: m.Content}
	}
	return out
}
