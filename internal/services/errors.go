package services

import (
	"errors"
	"fmt"
	"strings"

	"posologicos-backend/internal/gateway"
)

var (
	ErrRoomNotFound    = errors.New("room not found")
	ErrRoomExpired     = fmt.Errorf("%w: room expired", ErrRoomNotFound)
	ErrAgentExpired    = errors.New("agent link expired")
	ErrInvalidPin      = errors.New("invalid pin")
	ErrInvalidIdentity = errors.New("name and a valid email are required")
	ErrBusy            = errors.New("a message is already being sent")
	ErrForbidden       = errors.New("only the room owner can do this")
	ErrPinExhausted    = errors.New("could not allocate a free pin")
	ErrEmptyMessage    = errors.New("message is empty")
	ErrNothingToRetry  = errors.New("no pending message to retry")
)

// StoreError wraps a failed write to the message log. The text that could
// not be recorded is kept so callers can offer a retry.
type StoreError struct {
	Op   string
	Text string
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s failed: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// ValidationError collects per-field problems of an owner request.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, msg := range e.Fields {
		parts = append(parts, field+": "+msg)
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

func (e *ValidationError) add(field, msg string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[field] = msg
}

func (e *ValidationError) HasErrors() bool {
	return e != nil && len(e.Fields) > 0
}

// ErrorKind maps sentinel and typed errors to a stable label used in logs,
// metrics and websocket error frames.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ErrRoomExpired):
		return "room_expired"
	case errors.Is(err, ErrRoomNotFound):
		return "room_not_found"
	case errors.Is(err, ErrAgentExpired):
		return "agent_expired"
	case errors.Is(err, ErrInvalidPin):
		return "invalid_pin"
	case errors.Is(err, ErrInvalidIdentity):
		return "invalid_identity"
	case errors.Is(err, ErrBusy):
		return "busy"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrPinExhausted):
		return "pin_exhausted"
	case errors.Is(err, ErrEmptyMessage):
		return "empty_message"
	case errors.Is(err, ErrNothingToRetry):
		return "nothing_to_retry"
	case errors.Is(err, gateway.ErrTimeout):
		return "gateway_timeout"
	}

	var sErr *StoreError
	if errors.As(err, &sErr) {
		return "store_error"
	}
	var vErr *ValidationError
	if errors.As(err, &vErr) {
		return "validation"
	}
	var gErr *gateway.StatusError
	if errors.As(err, &gErr) {
		return "gateway_error"
	}
	return "unexpected"
}
