package agent

import (
	"errors"
	"fmt"
	"strings"
)

// Common sentinel errors for agent operations
var (
	// ErrStopped indicates the run was stopped by the user
	ErrStopped = errors.New("agent run stopped")

	// ErrUnknownProvider indicates the requested agent provider is not registered
	ErrUnknownProvider = errors.New("agent provider not registered")

	// ErrWorkflowCancelled is returned by workflow agents whose handler was cancelled
	ErrWorkflowCancelled = errors.New("workflow cancelled")

	// ErrUnsupportedMode indicates the execution mode cannot run in the requested variant
	ErrUnsupportedMode = errors.New("unsupported agent execution mode")

	// ErrNoLLM indicates no LLM provider serves the selected model
	ErrNoLLM = errors.New("no LLM provider for model")

	// ErrPanic wraps a panic recovered from a running agent
	ErrPanic = errors.New("agent panicked")
)

// Phase names the runner stage an error occurred in.
type Phase string

const (
	PhasePrepare   Phase = "prepare"
	PhaseRetrieval Phase = "retrieval"
	PhaseBuild     Phase = "build"
	PhaseRun       Phase = "run"
	PhaseEvaluate  Phase = "evaluate"
)

// RunError is the error reported by the runner boundary. It records where
// the failure happened and for which provider.
type RunError struct {
	// Phase is the runner stage that failed
	Phase Phase

	// Mode is the execution mode being dispatched, if known
	Mode string

	// ProviderID is the agent provider id
	ProviderID string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *RunError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[agent:%s]", e.Phase))
	if e.ProviderID != "" {
		parts = append(parts, e.ProviderID)
	}
	if e.Mode != "" {
		parts = append(parts, "("+e.Mode+")")
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying cause.
func (e *RunError) Unwrap() error {
	return e.Cause
}

func runError(phase Phase, mode, providerID string, cause error) *RunError {
	return &RunError{Phase: phase, Mode: mode, ProviderID: providerID, Cause: cause}
}

// isCancellation reports whether err is a clean stop rather than a failure.
func isCancellation(err error) bool {
	return errors.Is(err, ErrStopped) || errors.Is(err, ErrWorkflowCancelled)
}
