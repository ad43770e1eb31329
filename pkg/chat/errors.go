package chat

import (
	"errors"
	"fmt"
)

// Code classifies an Error.
type Code string

const (
	CodeAuthorization   Code = "authorization"
	CodeNotFound        Code = "not_found"
	CodeBusy            Code = "busy"
	CodeProvider        Code = "provider"
	CodeTimeout         Code = "timeout"
	CodeValidation      Code = "validation"
	CodeAgentResolution Code = "agent_resolution"
	CodeStopped         Code = "stopped"
	CodeRateLimited     Code = "rate_limited"
	CodeInternal        Code = "internal"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrAgentNotFound   = errors.New("agent not found")
)

// Error is the error type surfaced to connections.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates an Error with the given code.
func NewError(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func NewAuthorizationError(message string) *Error {
	return NewError(CodeAuthorization, message, nil)
}

func NewNotFoundError(message string, err error) *Error {
	return NewError(CodeNotFound, message, err)
}

func NewBusyError(sessionID string) *Error {
	return NewError(CodeBusy, fmt.Sprintf("session %s already has a generation in flight", sessionID), nil)
}

func NewProviderError(err error) *Error {
	return NewError(CodeProvider, "model provider failed", err)
}

func NewTimeoutError(message string, err error) *Error {
	return NewError(CodeTimeout, message, err)
}

func NewValidationError(message string) *Error {
	return NewError(CodeValidation, message, nil)
}

func NewAgentResolutionError(agentID string, err error) *Error {
	return NewError(CodeAgentResolution, fmt.Sprintf("cannot resolve agent %q", agentID), err)
}

// CodeOf returns the code of the first Error in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// PublicMessage returns the message safe to send to a client.
func PublicMessage(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Message
	}
	return "internal error"
}
