package plugins

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCommandNotFound is returned when no plugin registered the command.
	ErrCommandNotFound = errors.New("command not found")

	// ErrInvalidParams is returned when params fail schema validation.
	ErrInvalidParams = errors.New("invalid command params")

	// ErrCommandTimeout indicates a command exceeded its timeout.
	ErrCommandTimeout = errors.New("command execution timed out")
)

// ErrorType categorizes command failures for retry decisions.
type ErrorType string

const (
	ErrorNotFound     ErrorType = "not_found"
	ErrorInvalidInput ErrorType = "invalid_input"
	ErrorTimeout      ErrorType = "timeout"
	ErrorNetwork      ErrorType = "network"
	ErrorPermission   ErrorType = "permission"
	ErrorRateLimit    ErrorType = "rate_limit"
	ErrorExecution    ErrorType = "execution"
	ErrorPanic        ErrorType = "panic"
	ErrorUnknown      ErrorType = "unknown"
)

// IsRetryable reports whether errors of this type are worth another attempt.
func (t ErrorType) IsRetryable() bool {
	switch t {
	case ErrorTimeout, ErrorNetwork, ErrorRateLimit:
		return true
	default:
		return false
	}
}

// CommandError is a classified failure of one plugin command.
type CommandError struct {
	Type      ErrorType
	Cmd       string
	Message   string
	Cause     error
	Retryable bool
	Attempts  int
}

func (e *CommandError) Error() string {
	parts := []string{fmt.Sprintf("[cmd:%s]", e.Type)}
	if e.Cmd != "" {
		parts = append(parts, e.Cmd)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	if e.Attempts > 1 {
		parts = append(parts, fmt.Sprintf("(attempts=%d)", e.Attempts))
	}
	return strings.Join(parts, " ")
}

func (e *CommandError) Unwrap() error {
	return e.Cause
}

// NewCommandError wraps cause and classifies it from its message.
func NewCommandError(cmd string, cause error) *CommandError {
	err := &CommandError{
		Cmd:      cmd,
		Cause:    cause,
		Type:     ErrorUnknown,
		Attempts: 1,
	}
	if cause != nil {
		err.Message = cause.Error()
		err.Type = classify(cause)
		err.Retryable = err.Type.IsRetryable()
	}
	return err
}

// WithType overrides the classification.
func (e *CommandError) WithType(t ErrorType) *CommandError {
	e.Type = t
	e.Retryable = t.IsRetryable()
	return e
}

// WithMessage sets a custom message.
func (e *CommandError) WithMessage(msg string) *CommandError {
	e.Message = msg
	return e
}

func classify(err error) ErrorType {
	switch {
	case errors.Is(err, ErrCommandNotFound):
		return ErrorNotFound
	case errors.Is(err, ErrInvalidParams):
		return ErrorInvalidInput
	case errors.Is(err, ErrCommandTimeout):
		return ErrorTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"):
		return ErrorTimeout
	case strings.Contains(msg, "connection"),
		strings.Contains(msg, "network"),
		strings.Contains(msg, "refused"),
		strings.Contains(msg, "unreachable"):
		return ErrorNetwork
	case strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "429"):
		return ErrorRateLimit
	case strings.Contains(msg, "permission"),
		strings.Contains(msg, "forbidden"),
		strings.Contains(msg, "access denied"):
		return ErrorPermission
	case strings.Contains(msg, "invalid"),
		strings.Contains(msg, "required"),
		strings.Contains(msg, "missing"):
		return ErrorInvalidInput
	}
	return ErrorExecution
}

// AsCommandError extracts a CommandError from err's chain.
func AsCommandError(err error) (*CommandError, bool) {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr, true
	}
	return nil, false
}

// IsRetryable reports whether err should be retried.
func IsRetryable(err error) bool {
	if cmdErr, ok := AsCommandError(err); ok {
		return cmdErr.Retryable
	}
	return classify(err).IsRetryable()
}
