package agent

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/szczyglis-dev/py-gpt-sub005/pkg/models"
)

// EventEmitter generates and dispatches AgentEvents with proper sequencing.
// It is the signal surface strategies report through: responses, stream
// chunks, status text and busy/idle state.
//
// A nil *EventEmitter is valid and drops everything; quick sub-calls run
// without signals that way.
type EventEmitter struct {
	runID    string
	sequence uint64 // atomic counter for monotonic sequencing
	iter     int64  // atomic

	sink EventSink
}

// NewEventEmitter creates an emitter for one agent run.
func NewEventEmitter(runID string, sink EventSink) *EventEmitter {
	if sink == nil {
		sink = NopSink{}
	}
	return &EventEmitter{
		runID: runID,
		sink:  sink,
	}
}

// RunID returns the run identifier stamped on events.
func (e *EventEmitter) RunID() string {
	if e == nil {
		return ""
	}
	return e.runID
}

// SetIter updates the current step index.
func (e *EventEmitter) SetIter(iterIndex int) {
	if e == nil {
		return
	}
	atomic.StoreInt64(&e.iter, int64(iterIndex))
}

func (e *EventEmitter) nextSeq() uint64 {
	return atomic.AddUint64(&e.sequence, 1)
}

func (e *EventEmitter) base(eventType models.AgentEventType) models.AgentEvent {
	return models.AgentEvent{
		Version:   1,
		Type:      eventType,
		Time:      time.Now(),
		Sequence:  e.nextSeq(),
		RunID:     e.runID,
		IterIndex: int(atomic.LoadInt64(&e.iter)),
	}
}

func (e *EventEmitter) emit(ctx context.Context, event models.AgentEvent) {
	e.sink.Emit(ctx, event)
}

// RunStarted emits a run.started event.
func (e *EventEmitter) RunStarted(ctx context.Context) {
	if e == nil {
		return
	}
	e.emit(ctx, e.base(models.AgentEventRunStarted))
}

// RunFinished emits a run.finished event with stats.
func (e *EventEmitter) RunFinished(ctx context.Context, stats *models.RunStats) {
	if e == nil {
		return
	}
	event := e.base(models.AgentEventRunFinished)
	event.Stats = stats
	e.emit(ctx, event)
}

// RunError emits a run.error event.
func (e *EventEmitter) RunError(ctx context.Context, item *models.CtxItem, err error) {
	if e == nil || err == nil {
		return
	}
	event := e.base(models.AgentEventRunError)
	event.Item = item
	event.Error = &models.ErrorEventPayload{Message: err.Error(), Err: err}
	e.emit(ctx, event)
}

// RunStopped emits a run.stopped event.
func (e *EventEmitter) RunStopped(ctx context.Context, item *models.CtxItem) {
	if e == nil {
		return
	}
	event := e.base(models.AgentEventRunStopped)
	event.Item = item
	e.emit(ctx, event)
}

// SendResponse emits a finished (or intermediate step) item for display
// and persistence by the host.
func (e *EventEmitter) SendResponse(ctx context.Context, item *models.CtxItem) {
	if e == nil || item == nil {
		return
	}
	event := e.base(models.AgentEventResponse)
	event.Item = item
	e.emit(ctx, event)
}

// SendStream emits one streamed chunk of item's output. begin marks the
// first chunk of a new block.
func (e *EventEmitter) SendStream(ctx context.Context, item *models.CtxItem, delta string, begin bool) {
	if e == nil || item == nil {
		return
	}
	if begin {
		event := e.base(models.AgentEventStreamBegin)
		event.Item = item
		event.Stream = &models.StreamEventPayload{Begin: true, Header: item.OutputName}
		e.emit(ctx, event)
	}
	if delta == "" {
		return
	}
	event := e.base(models.AgentEventStreamDelta)
	event.Item = item
	event.Stream = &models.StreamEventPayload{Delta: delta, Begin: begin}
	e.emit(ctx, event)
}

// EndStream closes the stream block of item.
func (e *EventEmitter) EndStream(ctx context.Context, item *models.CtxItem) {
	if e == nil || item == nil {
		return
	}
	event := e.base(models.AgentEventStreamEnd)
	event.Item = item
	e.emit(ctx, event)
}

// SetStatus emits a status line.
func (e *EventEmitter) SetStatus(ctx context.Context, text string) {
	if e == nil {
		return
	}
	event := e.base(models.AgentEventStatus)
	event.Text = &models.TextEventPayload{Text: text}
	e.emit(ctx, event)
}

// SetBusy marks the host busy, with an optional status text.
func (e *EventEmitter) SetBusy(ctx context.Context, text string) {
	if e == nil {
		return
	}
	event := e.base(models.AgentEventBusy)
	if text != "" {
		event.Text = &models.TextEventPayload{Text: text}
	}
	e.emit(ctx, event)
}

// SetIdle marks the host idle. It is the terminal signal of a turn.
func (e *EventEmitter) SetIdle(ctx context.Context) {
	if e == nil {
		return
	}
	e.emit(ctx, e.base(models.AgentEventIdle))
}

// ToolStarted emits a tool.started event.
func (e *EventEmitter) ToolStarted(ctx context.Context, callID, name string, argsJSON []byte) {
	if e == nil {
		return
	}
	event := e.base(models.AgentEventToolStarted)
	event.Tool = &models.ToolEventPayload{
		CallID:   callID,
		Name:     name,
		ArgsJSON: argsJSON,
	}
	e.emit(ctx, event)
}

// ToolFinished emits a tool.finished event.
func (e *EventEmitter) ToolFinished(ctx context.Context, callID, name string, success bool, resultJSON []byte, elapsed time.Duration) {
	if e == nil {
		return
	}
	event := e.base(models.AgentEventToolFinished)
	event.Tool = &models.ToolEventPayload{
		CallID:     callID,
		Name:       name,
		Success:    success,
		ResultJSON: resultJSON,
		Elapsed:    elapsed,
	}
	e.emit(ctx, event)
}

// Evaluation emits a loop.evaluation verdict.
func (e *EventEmitter) Evaluation(ctx context.Context, score int, instruction string, finished bool) {
	if e == nil {
		return
	}
	event := e.base(models.AgentEventEvaluation)
	event.Eval = &models.EvalEventPayload{
		Score:       score,
		Instruction: instruction,
		Finished:    finished,
	}
	e.emit(ctx, event)
}

// StatsCollector accumulates run statistics from events. It is an
// EventSink; wrap it in a MultiSink next to the display sink.
type StatsCollector struct {
	mu    sync.Mutex
	stats models.RunStats
}

// NewStatsCollector creates a new stats collector.
func NewStatsCollector(runID, mode string) *StatsCollector {
	return &StatsCollector{
		stats: models.RunStats{
			RunID:     runID,
			Mode:      mode,
			StartedAt: time.Now(),
		},
	}
}

// Emit implements EventSink.
func (c *StatsCollector) Emit(_ context.Context, e models.AgentEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch e.Type {
	case models.AgentEventRunStarted:
		c.stats.StartedAt = e.Time

	case models.AgentEventResponse:
		if e.Item != nil && (e.Item.ExtraBool(models.ExtraAgentStep) || e.Item.ExtraBool(models.ExtraAgentOutput)) {
			c.stats.Steps++
		}

	case models.AgentEventToolStarted:
		c.stats.ToolCalls++

	case models.AgentEventToolFinished:
		if e.Tool != nil && !e.Tool.Success {
			c.stats.Errors++
		}

	case models.AgentEventRunStopped:
		c.stats.Stopped = true

	case models.AgentEventRunError:
		c.stats.Errors++

	case models.AgentEventRunFinished:
		c.stats.FinishedAt = e.Time
		c.stats.WallTime = e.Time.Sub(c.stats.StartedAt)
	}
}

// Stats returns a copy of the accumulated statistics.
func (c *StatsCollector) Stats() *models.RunStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	if stats.FinishedAt.IsZero() {
		stats.FinishedAt = time.Now()
		stats.WallTime = stats.FinishedAt.Sub(stats.StartedAt)
	}
	return &stats
}
