package agent

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/szczyglis-dev/py-gpt-sub005/pkg/models"
)

// EventSink receives the events of a run. Emit may be called from the
// strategy goroutine and from workflow callbacks concurrently.
type EventSink interface {
	Emit(ctx context.Context, e models.AgentEvent)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(ctx context.Context, e models.AgentEvent)

// Emit calls f.
func (f SinkFunc) Emit(ctx context.Context, e models.AgentEvent) {
	f(ctx, e)
}

// NopSink drops every event.
type NopSink struct{}

func (NopSink) Emit(context.Context, models.AgentEvent) {}

// MultiSink hands each event to every sink in order.
type MultiSink struct {
	sinks []EventSink
}

// NewMultiSink skips nil sinks.
func NewMultiSink(sinks ...EventSink) *MultiSink {
	m := &MultiSink{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

func (m *MultiSink) Emit(ctx context.Context, e models.AgentEvent) {
	for _, s := range m.sinks {
		s.Emit(ctx, e)
	}
}

// LogSink writes the lifecycle of a run to a logger and, when the run
// finishes, the statistics collected from its events.
type LogSink struct {
	logger *slog.Logger
	stats  *StatsCollector
}

// NewLogSink creates a sink for one run.
func NewLogSink(logger *slog.Logger, runID, mode string) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{
		logger: logger.With("component", "agent.events", "run_id", runID),
		stats:  NewStatsCollector(runID, mode),
	}
}

func (s *LogSink) Emit(ctx context.Context, e models.AgentEvent) {
	s.stats.Emit(ctx, e)
	switch e.Type {
	case models.AgentEventRunStarted:
		s.logger.DebugContext(ctx, "run started")
	case models.AgentEventToolFinished:
		if e.Tool != nil {
			s.logger.DebugContext(ctx, "tool finished", "tool", e.Tool.Name, "success", e.Tool.Success)
		}
	case models.AgentEventEvaluation:
		if e.Eval != nil {
			s.logger.InfoContext(ctx, "evaluation", "score", e.Eval.Score, "finished", e.Eval.Finished)
		}
	case models.AgentEventRunError:
		if e.Error != nil {
			s.logger.WarnContext(ctx, "run error", "error", e.Error.Message)
		}
	case models.AgentEventRunStopped:
		s.logger.InfoContext(ctx, "run stopped")
	case models.AgentEventRunFinished:
		st := s.stats.Stats()
		s.logger.InfoContext(ctx, "run finished",
			"steps", st.Steps,
			"tool_calls", st.ToolCalls,
			"errors", st.Errors,
			"wall_time", st.WallTime,
		)
	}
}

// Stats returns the statistics collected so far.
func (s *LogSink) Stats() *models.RunStats {
	return s.stats.Stats()
}

// BackpressureConfig sizes the two lanes of a BackpressureSink.
type BackpressureConfig struct {
	// Reliable buffers events that are never dropped. Default 32.
	Reliable int

	// Lossy buffers stream deltas and status lines. Default 256.
	Lossy int
}

// DefaultBackpressureConfig returns the default lane sizes.
func DefaultBackpressureConfig() BackpressureConfig {
	return BackpressureConfig{Reliable: 32, Lossy: 256}
}

// BackpressureSink decouples a run from a slow consumer. Responses, stream
// boundaries and lifecycle events go through the reliable lane and block
// when it is full; deltas and status lines are dropped instead, the final
// text still arrives with the response item.
type BackpressureSink struct {
	reliable chan models.AgentEvent
	lossy    chan models.AgentEvent
	out      chan models.AgentEvent
	dropped  atomic.Uint64
	closed   atomic.Bool
}

// NewBackpressureSink starts the sink and returns the channel the consumer
// reads. The channel is closed after Close once both lanes are drained.
func NewBackpressureSink(config BackpressureConfig) (*BackpressureSink, <-chan models.AgentEvent) {
	def := DefaultBackpressureConfig()
	if config.Reliable <= 0 {
		config.Reliable = def.Reliable
	}
	if config.Lossy <= 0 {
		config.Lossy = def.Lossy
	}
	s := &BackpressureSink{
		reliable: make(chan models.AgentEvent, config.Reliable),
		lossy:    make(chan models.AgentEvent, config.Lossy),
		out:      make(chan models.AgentEvent, config.Reliable),
	}
	go s.forward()
	return s, s.out
}

// forward drains the reliable lane first, then takes whichever lane is
// ready.
func (s *BackpressureSink) forward() {
	defer close(s.out)
	lossy := s.lossy
	for {
		select {
		case e, ok := <-s.reliable:
			if !ok {
				s.flushLossy()
				return
			}
			s.out <- e
			continue
		default:
		}

		select {
		case e, ok := <-s.reliable:
			if !ok {
				s.flushLossy()
				return
			}
			s.out <- e
		case e, ok := <-lossy:
			if !ok {
				lossy = nil
				continue
			}
			s.out <- e
		}
	}
}

func (s *BackpressureSink) flushLossy() {
	for e := range s.lossy {
		s.out <- e
	}
}

// Emit routes e to its lane. After Close it does nothing.
func (s *BackpressureSink) Emit(ctx context.Context, e models.AgentEvent) {
	if s.closed.Load() {
		return
	}
	if isDroppableEvent(e.Type) {
		select {
		case s.lossy <- e:
		default:
			s.dropped.Add(1)
		}
		return
	}

	select {
	case s.reliable <- e:
	case <-ctx.Done():
		// one last attempt for the terminal events of a cancelled run
		select {
		case s.reliable <- e:
		default:
			s.dropped.Add(1)
		}
	}
}

// DroppedCount returns how many events were dropped.
func (s *BackpressureSink) DroppedCount() uint64 {
	return s.dropped.Load()
}

// Close stops accepting events. It must not race with Emit.
func (s *BackpressureSink) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	close(s.reliable)
	close(s.lossy)
}

func isDroppableEvent(t models.AgentEventType) bool {
	return t == models.AgentEventStreamDelta || t == models.AgentEventStatus
}
