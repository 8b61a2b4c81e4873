package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestAgentEventType_Constants(t *testing.T) {
	tests := []struct {
		constant AgentEventType
		expected string
	}{
		{AgentEventRunStarted, "run.started"},
		{AgentEventRunFinished, "run.finished"},
		{AgentEventRunError, "run.error"},
		{AgentEventRunStopped, "run.stopped"},
		{AgentEventResponse, "ctx.response"},
		{AgentEventStreamBegin, "stream.begin"},
		{AgentEventStreamDelta, "stream.delta"},
		{AgentEventStreamEnd, "stream.end"},
		{AgentEventStatus, "status"},
		{AgentEventBusy, "state.busy"},
		{AgentEventIdle, "state.idle"},
		{AgentEventToolStarted, "tool.started"},
		{AgentEventToolFinished, "tool.finished"},
		{AgentEventEvaluation, "loop.evaluation"},
	}

	for _, tt := range tests {
		t.Run(string(tt.constant), func(t *testing.T) {
			if string(tt.constant) != tt.expected {
				t.Errorf("constant = %q, want %q", tt.constant, tt.expected)
			}
		})
	}
}

func TestAgentEvent_JSONRoundTrip(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	item := NewCtxItem()
	item.Input = "hello"
	item.Output = "world"

	original := AgentEvent{
		Version:  1,
		Type:     AgentEventStreamDelta,
		Time:     now,
		Sequence: 5,
		RunID:    "run-456",
		Item:     item,
		Stream:   &StreamEventPayload{Delta: "Hello", Header: "Agent"},
	}

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var decoded AgentEvent
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	if decoded.Type != original.Type {
		t.Errorf("Type = %v, want %v", decoded.Type, original.Type)
	}
	if decoded.Sequence != original.Sequence {
		t.Errorf("Sequence = %d, want %d", decoded.Sequence, original.Sequence)
	}
	if decoded.Stream == nil || decoded.Stream.Delta != "Hello" {
		t.Errorf("Stream = %+v, want delta Hello", decoded.Stream)
	}
	if decoded.Item == nil || decoded.Item.Output != "world" {
		t.Errorf("Item = %+v, want output world", decoded.Item)
	}
}

func TestErrorEventPayload_ErrNotSerialized(t *testing.T) {
	payload := ErrorEventPayload{Message: "boom", Err: errors.New("boom")}
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(data) != `{"message":"boom"}` {
		t.Errorf("json = %s", data)
	}
}
