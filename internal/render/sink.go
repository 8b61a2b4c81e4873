package render

import (
	"context"
	"sync"

	"github.com/szczyglis-dev/py-gpt-sub005/pkg/models"
)

// Sink feeds agent events to a Renderer. It implements agent.EventSink.
type Sink struct {
	r *Renderer

	mu   sync.Mutex
	last int
}

// NewSink creates a sink for r.
func NewSink(r *Renderer) *Sink {
	return &Sink{r: r}
}

// Emit routes e to the surface of its item. Events without an item, such as
// the idle signal, apply to the surface of the last item seen.
func (s *Sink) Emit(_ context.Context, e models.AgentEvent) {
	pid := s.pidOf(e.Item)
	switch e.Type {
	case models.AgentEventStreamBegin:
		header := ""
		if e.Stream != nil {
			header = e.Stream.Header
		}
		s.r.AppendChunk(pid, header, "", true)
	case models.AgentEventStreamDelta:
		if e.Stream != nil {
			s.r.AppendChunk(pid, e.Stream.Header, e.Stream.Delta, false)
		}
	case models.AgentEventStreamEnd:
		s.r.EndStream(pid)
	case models.AgentEventResponse:
		s.r.AppendNode(pid, e.Item)
	case models.AgentEventIdle:
		s.r.OnTurnEnd(pid)
	}
}

func (s *Sink) pidOf(item *models.CtxItem) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item != nil {
		s.last = item.PID
	}
	return s.last
}
