package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/will-ku/med-management-ai/internal/charty/clientmgr"
	"github.com/will-ku/med-management-ai/internal/charty/llm"
	"github.com/will-ku/med-management-ai/internal/charty/mcp"
)

// toolDefinitions converts the registry catalog into the model's tool
// declaration shape.
func toolDefinitions(tools []mcp.Tool) []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		var params any
		if len(t.InputSchema) > 0 {
			params = t.InputSchema
		}
		defs = append(defs, llm.ToolDefinition{
			Type: "function",
			Function: llm.FunctionDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return defs
}

// formatToolResult renders a tool result for the model. Text-only results are
// joined by newlines; anything else is sent as JSON.
func formatToolResult(content []mcp.ContentItem) string {
	if len(content) == 0 {
		return "(empty result)"
	}
	texts := make([]string, 0, len(content))
	for _, item := range content {
		if item.Type != mcp.ContentText {
			data, err := json.Marshal(content)
			if err != nil {
				return fmt.Sprintf("(unprintable result: %v)", err)
			}
			return string(data)
		}
		texts = append(texts, item.Text)
	}
	return strings.Join(texts, "\n")
}

// explainToolError builds the tool message sent to the model after a failed
// call. It asks the model to tell the user plainly what went wrong.
func explainToolError(toolName string, err error) string {
	return fmt.Sprintf(`The tool call %q failed.
Reason: %s

Tell the user in one or two short sentences that this request could not be completed and why, in plain language.
Do not claim or imply that the action succeeded.
Do not suggest retrying and do not call any tool again.`, displayName(toolName), reason(err))
}

// displayName drops the server prefix when the name decodes.
func displayName(encoded string) string {
	if _, tool, err := clientmgr.Decode(encoded); err == nil {
		return tool
	}
	return encoded
}

func reason(err error) string {
	var te *clientmgr.ToolExecutionError
	if errors.As(err, &te) {
		return te.Err.Error()
	}
	return err.Error()
}
