package clientmgr

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinels matched with errors.Is against the typed errors below.
var (
	ErrConnectionNotFound  = errors.New("mcp connection not found")
	ErrMalformedToolName   = errors.New("malformed tool name")
	ErrToolExecutionFailed = errors.New("tool execution failed")
	ErrInvalidArguments    = errors.New("invalid tool arguments")
)

// MalformedNameError reports an encoded tool name that does not decode.
type MalformedNameError struct {
	Name string
}

func (e *MalformedNameError) Is(target error) bool { return target == ErrMalformedToolName }

// ConnectionNotFoundError reports a server id with no live connection.
type ConnectionNotFoundError struct {
	Server    string
	Available []string
}

func (e *ConnectionNotFoundError) Error() string {
	avail := "none"
	if len(e.Available) > 0 {
		avail = strings.Join(e.Available, ", ")
	}
	return fmt.Sprintf("no mcp connection for server %q (available: %s)", e.Server, avail)
}

func (e *ConnectionNotFoundError) Is(target error) bool { return target == ErrConnectionNotFound }

// ArgumentValidationError reports arguments that are not a JSON object or do
// not satisfy the tool's input schema.
type ArgumentValidationError struct {
	Tool string
	Err  error
}

func (e *ArgumentValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for tool %q: %v", e.Tool, e.Err)
}

func (e *ArgumentValidationError) Unwrap() error        { return e.Err }
func (e *ArgumentValidationError) Is(target error) bool { return target == ErrInvalidArguments }

// ToolExecutionError reports a failed invocation: a transport error, a
// timeout, or a result the tool itself flagged with isError.
type ToolExecutionError struct {
	Server string
	Tool   string
	Err    error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s on server %s failed: %v", e.Tool, e.Server, e.Err)
}

func (e *ToolExecutionError) Unwrap() error        { return e.Err }
func (e *ToolExecutionError) Is(target error) bool { return target == ErrToolExecutionFailed }
