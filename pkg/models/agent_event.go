package models

import (
	"time"
)

// AgentEvent is the unified event model emitted by agent runs. It drives the
// renderer, the CLI output and logging.
//
// Design principles:
//   - Versioned and forward-compatible (add fields, don't rename/remove)
//   - Single Type discriminator with optional payload pointers
//   - Monotonic Sequence for ordering guarantees across goroutines
type AgentEvent struct {
	// Version for forward compatibility. Current version: 1.
	Version int `json:"version"`

	// Type identifies the kind of event.
	Type AgentEventType `json:"type"`

	// Time is when the event occurred.
	Time time.Time `json:"time"`

	// Sequence is monotonic within a run for ordering guarantees.
	Sequence uint64 `json:"seq"`

	// RunID identifies the agent run.
	RunID string `json:"run_id,omitempty"`

	// IterIndex is the 0-based step/iteration within the run.
	IterIndex int `json:"iter_index,omitempty"`

	// Item is the context item the event refers to (responses, stream
	// boundaries, errors).
	Item *CtxItem `json:"item,omitempty"`

	// At most one payload should be non-nil for a given Type.
	Text   *TextEventPayload   `json:"text,omitempty"`
	Stream *StreamEventPayload `json:"stream,omitempty"`
	Tool   *ToolEventPayload   `json:"tool,omitempty"`
	Error  *ErrorEventPayload  `json:"error,omitempty"`
	Eval   *EvalEventPayload   `json:"eval,omitempty"`
	Stats  *RunStats           `json:"stats,omitempty"`
}

// AgentEventType identifies the kind of agent event.
type AgentEventType string

const (
	// Run lifecycle
	AgentEventRunStarted  AgentEventType = "run.started"
	AgentEventRunFinished AgentEventType = "run.finished"
	AgentEventRunError    AgentEventType = "run.error"
	AgentEventRunStopped  AgentEventType = "run.stopped" // cooperative stop

	// A finished (or intermediate step) context item to append and display.
	AgentEventResponse AgentEventType = "ctx.response"

	// Incremental output of the item currently being answered.
	AgentEventStreamBegin AgentEventType = "stream.begin"
	AgentEventStreamDelta AgentEventType = "stream.delta"
	AgentEventStreamEnd   AgentEventType = "stream.end"

	// Host state
	AgentEventStatus AgentEventType = "status"
	AgentEventBusy   AgentEventType = "state.busy"
	AgentEventIdle   AgentEventType = "state.idle"

	// Tool execution
	AgentEventToolStarted  AgentEventType = "tool.started"
	AgentEventToolFinished AgentEventType = "tool.finished"

	// Evaluation loop verdicts
	AgentEventEvaluation AgentEventType = "loop.evaluation"
)

// TextEventPayload is generic human-readable text (status messages).
type TextEventPayload struct {
	Text string `json:"text"`
}

// StreamEventPayload carries a streamed text delta.
type StreamEventPayload struct {
	// Delta is the incremental text.
	Delta string `json:"delta,omitempty"`

	// Header is an optional block header rendered before the first delta
	// (e.g. the agent name).
	Header string `json:"header,omitempty"`

	// Begin marks the first delta of a new stream block.
	Begin bool `json:"begin,omitempty"`
}

// ToolEventPayload describes a tool call.
type ToolEventPayload struct {
	CallID     string        `json:"call_id,omitempty"`
	Name       string        `json:"name,omitempty"`
	ArgsJSON   []byte        `json:"args_json,omitempty"`
	Success    bool          `json:"success,omitempty"`
	ResultJSON []byte        `json:"result_json,omitempty"`
	Elapsed    time.Duration `json:"elapsed,omitempty"`
}

// ErrorEventPayload standardizes errors for streaming.
type ErrorEventPayload struct {
	// Message is the error description (required).
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Err is the original error (runtime only, not serialized).
	Err error `json:"-"`
}

// EvalEventPayload reports an evaluation verdict from the refinement loop.
type EvalEventPayload struct {
	Score       int    `json:"score"`
	Instruction string `json:"instruction,omitempty"`
	Finished    bool   `json:"finished"`
}

// RunStats is an aggregated summary of an agent run.
type RunStats struct {
	RunID      string        `json:"run_id,omitempty"`
	Mode       string        `json:"mode,omitempty"`
	StartedAt  time.Time     `json:"started_at,omitempty"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
	WallTime   time.Duration `json:"wall_time,omitempty"`
	Steps      int           `json:"steps,omitempty"`
	ToolCalls  int           `json:"tool_calls,omitempty"`
	Stopped    bool          `json:"stopped,omitempty"`
	Errors     int           `json:"errors,omitempty"`
}
