package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrModelBackend matches every *ModelError.
	ErrModelBackend = errors.New("model backend failure")
	// ErrNoToolResults is returned when the model asked for tools but no
	// result came back. It signals a bug, not a user-facing condition.
	ErrNoToolResults = errors.New("tool calls produced no results")
	// ErrEmptyUtterance rejects blank input before anything is recorded.
	ErrEmptyUtterance = errors.New("utterance is empty")
)

// ModelError wraps a failed model call.
type ModelError struct {
	// Stage is "initial" or "follow-up".
	Stage string
	Err   error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("model call (%s) failed: %v", e.Stage, e.Err)
}

func (e *ModelError) Unwrap() error        { return e.Err }
func (e *ModelError) Is(target error) bool { return target == ErrModelBackend }
