package gateway

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrTimeout     = errors.New("agent gateway timed out")
	ErrEmptyOutput = errors.New("agent returned empty output")
)

// StatusError is a non-2xx answer from the agent backend.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("agent gateway returned status %d", e.Code)
	}
	return fmt.Sprintf("agent gateway returned status %d: %s", e.Code, e.Body)
}

// Turn is one prior exchange in the participant's conversation.
type Turn struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

type Request struct {
	AgentID string
	Input   string
	History []Turn
}

type Response struct {
	Output string
}

// Gateway invokes the agent bound to a room.
type Gateway interface {
	Invoke(ctx context.Context, req Request) (Response, error)
}

// Outcome labels an invocation result for metrics and logs.
func Outcome(err error) string {
	var sErr *StatusError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrEmptyOutput):
		return "empty"
	case errors.As(err, &sErr):
		return "status"
	default:
		return "error"
	}
}
