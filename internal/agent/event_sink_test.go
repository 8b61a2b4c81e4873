package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/szczyglis-dev/py-gpt-sub005/internal/observability"
	"github.com/szczyglis-dev/py-gpt-sub005/pkg/models"
)

func TestMultiSink_Emit(t *testing.T) {
	var mu sync.Mutex
	var count int
	counter := SinkFunc(func(ctx context.Context, e models.AgentEvent) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	sink := NewMultiSink(counter, nil, counter)
	sink.Emit(context.Background(), models.AgentEvent{})

	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLogger(observability.LogConfig{Level: "debug", Format: "json", Output: &buf})
	sink := NewLogSink(logger, "run-7", "agent_llama")
	signals := NewEventEmitter("run-7", sink)

	ctx := context.Background()
	item := testItem("q")
	signals.RunStarted(ctx)
	step, _ := AddCtx(item, false)
	step.SetExtra(models.ExtraAgentStep, true)
	signals.SendResponse(ctx, step)
	signals.ToolStarted(ctx, "c1", "read_file", nil)
	signals.ToolFinished(ctx, "c1", "read_file", false, nil, time.Millisecond)
	signals.Evaluation(ctx, 80, "", true)
	signals.RunFinished(ctx, nil)

	stats := sink.Stats()
	if stats.Steps != 1 || stats.ToolCalls != 1 || stats.Errors != 1 {
		t.Errorf("stats = %+v", stats)
	}

	var messages []string
	dec := json.NewDecoder(&buf)
	for dec.More() {
		var record map[string]any
		if err := dec.Decode(&record); err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		if record["run_id"] != "run-7" {
			t.Errorf("record %v lacks the run id", record)
		}
		messages = append(messages, record["msg"].(string))
	}
	want := []string{"run started", "tool finished", "evaluation", "run finished"}
	if diff := cmp.Diff(want, messages); diff != "" {
		t.Errorf("log messages (-want +got):\n%s", diff)
	}
}

func TestBackpressureSink_DeliversInOrderPerLane(t *testing.T) {
	sink, out := NewBackpressureSink(DefaultBackpressureConfig())

	ctx := context.Background()
	sink.Emit(ctx, models.AgentEvent{Type: models.AgentEventRunStarted, Sequence: 1})
	sink.Emit(ctx, models.AgentEvent{Type: models.AgentEventResponse, Sequence: 2})
	sink.Emit(ctx, models.AgentEvent{Type: models.AgentEventIdle, Sequence: 3})
	sink.Close()

	var seqs []uint64
	for e := range out {
		seqs = append(seqs, e.Sequence)
	}
	want := []uint64{1, 2, 3}
	if len(seqs) != len(want) {
		t.Fatalf("got %v, want %v", seqs, want)
	}
	for i := range want {
		if seqs[i] != want[i] {
			t.Fatalf("got %v, want %v", seqs, want)
		}
	}
}

func TestBackpressureSink_DropsDeltasWhenFull(t *testing.T) {
	sink, out := NewBackpressureSink(BackpressureConfig{Reliable: 1, Lossy: 1})

	// nobody reads out yet, so the lossy lane fills up
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		sink.Emit(ctx, models.AgentEvent{Type: models.AgentEventStreamDelta})
	}
	if sink.DroppedCount() == 0 {
		t.Error("expected dropped deltas")
	}

	sink.Close()
	for range out {
	}
}

func TestBackpressureSink_EmitAfterClose(t *testing.T) {
	sink, out := NewBackpressureSink(DefaultBackpressureConfig())
	sink.Close()
	sink.Close()
	sink.Emit(context.Background(), models.AgentEvent{Type: models.AgentEventResponse})
	for range out {
	}
}

func TestIsDroppableEvent(t *testing.T) {
	tests := []struct {
		typ  models.AgentEventType
		want bool
	}{
		{models.AgentEventStreamDelta, true},
		{models.AgentEventStatus, true},
		{models.AgentEventStreamBegin, false},
		{models.AgentEventStreamEnd, false},
		{models.AgentEventResponse, false},
		{models.AgentEventIdle, false},
		{models.AgentEventRunError, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			if got := isDroppableEvent(tt.typ); got != tt.want {
				t.Errorf("isDroppableEvent(%s) = %v, want %v", tt.typ, got, tt.want)
			}
		})
	}
}
