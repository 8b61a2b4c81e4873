package render

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/szczyglis-dev/py-gpt-sub005/internal/debounce"
	"github.com/szczyglis-dev/py-gpt-sub005/internal/observability"
	"github.com/szczyglis-dev/py-gpt-sub005/pkg/models"
)

// memoryTransport records payloads. fail makes every Send fail.
type memoryTransport struct {
	mu   sync.Mutex
	msgs []Message
	fail error
	sent chan Message
}

func newMemoryTransport() *memoryTransport {
	return &memoryTransport{sent: make(chan Message, 64)}
}

func (m *memoryTransport) Send(msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.msgs = append(m.msgs, msg)
	m.sent <- msg
	return nil
}

func (m *memoryTransport) messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.msgs...)
}

func (m *memoryTransport) ofType(typ string) []Message {
	var out []Message
	for _, msg := range m.messages() {
		if msg.Type == typ {
			out = append(out, msg)
		}
	}
	return out
}

func testConfig(interval time.Duration, maxBytes, emergency int) Config {
	cfg := DefaultConfig()
	cfg.Config = debounce.Config{Interval: interval, MaxBytes: maxBytes, EmergencyBytes: emergency}
	cfg.ReadyFallback = time.Hour
	return cfg
}

func newTestRenderer(tr Transport, cfg Config) *Renderer {
	return New(tr, cfg, WithLogger(observability.Discard()))
}

func TestRenderer_FlushTriggers(t *testing.T) {
	tests := []struct {
		name       string
		chunks     []string
		wantSync   bool
		wantWithin time.Duration
	}{
		{name: "size threshold", chunks: []string{"aaaa", "bbbb"}, wantWithin: time.Second},
		{name: "emergency threshold", chunks: []string{strings.Repeat("x", 64)}, wantSync: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newMemoryTransport()
			r := newTestRenderer(tr, testConfig(time.Hour, 8, 32))
			defer r.Close()

			for _, c := range tt.chunks {
				r.AppendChunk(1, "", c, false)
			}
			if tt.wantSync {
				if got := len(tr.ofType(TypeChunk)); got != 1 {
					t.Fatalf("chunks after the push = %d, want a synchronous flush", got)
				}
				return
			}
			select {
			case msg := <-tr.sent:
				if msg.Chunk != strings.Join(tt.chunks, "") {
					t.Errorf("chunk = %q", msg.Chunk)
				}
			case <-time.After(tt.wantWithin):
				t.Fatal("size threshold did not flush before the debounce interval")
			}
		})
	}
}

func TestRenderer_StreamLifecycle(t *testing.T) {
	tr := newMemoryTransport()
	r := newTestRenderer(tr, testConfig(time.Hour, 1024, 4096))
	defer r.Close()

	r.AppendChunk(3, "Agent", "", true)
	r.AppendChunk(3, "", "Hello ", false)
	r.AppendChunk(3, "", "world", false)
	r.EndStream(3)

	msgs := tr.messages()
	if len(msgs) != 2 {
		t.Fatalf("messages = %+v, want one chunk and the end", msgs)
	}
	if msgs[0].Type != TypeChunk || msgs[0].Chunk != "Hello world" || msgs[0].Header != "Agent" || msgs[0].PID != 3 {
		t.Errorf("chunk = %+v", msgs[0])
	}
	if msgs[1].Type != TypeEnd {
		t.Errorf("last message = %+v, want end", msgs[1])
	}
	stats := r.Stats(3)
	if stats.Buffer != "Hello world" || stats.Live != "" || stats.Flushes != 1 || stats.Bytes != 11 {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestRenderer_NodesWaitForReadiness(t *testing.T) {
	tr := newMemoryTransport()
	r := newTestRenderer(tr, testConfig(time.Hour, 1024, 4096))
	defer r.Close()

	first := models.NewCtxItem()
	first.ID = 1
	first.SetOutput("**bold**", "")
	second := models.NewCtxItem()
	second.ID = 2

	r.AppendNode(0, first)
	r.AppendNode(0, second)
	if got := len(tr.messages()); got != 0 {
		t.Fatalf("messages before ready = %d, want 0", got)
	}

	r.Ready()
	nodes := tr.ofType(TypeNode)
	if len(nodes) != 2 || nodes[0].Node.ID != 1 || nodes[1].Node.ID != 2 {
		t.Fatalf("nodes = %+v, want both in order", nodes)
	}
	if !strings.Contains(nodes[0].Node.Output, "<strong>bold</strong>") {
		t.Errorf("output = %q, want rendered markdown", nodes[0].Node.Output)
	}

	r.AppendNode(0, first)
	if got := len(tr.ofType(TypeNode)); got != 3 {
		t.Errorf("nodes after ready = %d, want direct delivery", got)
	}
}

func TestRenderer_ReloadAndClear(t *testing.T) {
	tr := newMemoryTransport()
	r := newTestRenderer(tr, testConfig(time.Hour, 1024, 4096))
	defer r.Close()
	r.Ready()

	visible := models.NewCtxItem()
	visible.SetInput("hi", "")
	hidden := models.NewCtxItem()
	hidden.Hidden = true

	r.AppendChunk(0, "", "pending", false)
	r.Reload(0, []*models.CtxItem{visible, hidden})
	r.Clear(0)

	msgs := tr.messages()
	if len(msgs) != 2 || msgs[0].Type != TypeNodes || len(msgs[0].Nodes) != 1 || msgs[1].Type != TypeClear {
		t.Errorf("messages = %+v, want one replace-all with the visible item and a clear", msgs)
	}
	if r.Stats(0).Buffer != "" {
		t.Error("Clear() kept the buffer")
	}
}

func TestRenderer_TransportFailuresAreSwallowed(t *testing.T) {
	panicky := TransportFunc(func(Message) error { panic("surface gone") })
	failing := &memoryTransport{sent: make(chan Message, 1), fail: errors.New("closed")}

	for _, tr := range []Transport{panicky, failing, nil} {
		r := newTestRenderer(tr, testConfig(time.Hour, 8, 16))
		r.Ready()
		r.AppendChunk(0, "", strings.Repeat("x", 32), false)
		r.EndStream(0)
		r.AppendNode(0, models.NewCtxItem())
		r.Clear(0)
		r.Close()
	}
}

func TestRenderer_OnTurnEndRebuildsOverLimit(t *testing.T) {
	tr := newMemoryTransport()
	guard := NewMemoryGuard(100, time.Minute)
	guard.rss = func() (uint64, error) { return 200, nil }

	r := New(tr, testConfig(time.Hour, 1024, 4096), WithMemoryGuard(guard), WithLogger(observability.Discard()))
	defer r.Close()

	r.AppendChunk(0, "", "text", false)
	r.OnTurnEnd(0)
	r.OnTurnEnd(0)

	if got := len(tr.ofType(TypeFresh)); got != 1 {
		t.Errorf("fresh payloads = %d, want 1 within the interval", got)
	}
	if got := len(tr.ofType(TypeChunk)); got != 1 {
		t.Errorf("chunks = %d, want the pending text flushed first", got)
	}
	if r.Stats(0).Fresh != 1 {
		t.Errorf("Stats().Fresh = %d", r.Stats(0).Fresh)
	}
}

func TestSink_RoutesEventsByPid(t *testing.T) {
	tr := newMemoryTransport()
	r := newTestRenderer(tr, testConfig(time.Hour, 1024, 4096))
	defer r.Close()
	r.Ready()
	sink := NewSink(r)
	ctx := context.Background()

	item := models.NewCtxItem()
	item.PID = 7
	item.SetOutput("done", "")

	sink.Emit(ctx, models.AgentEvent{Type: models.AgentEventStreamBegin, Item: item, Stream: &models.StreamEventPayload{Begin: true, Header: "Bot"}})
	sink.Emit(ctx, models.AgentEvent{Type: models.AgentEventStreamDelta, Item: item, Stream: &models.StreamEventPayload{Delta: "do"}})
	sink.Emit(ctx, models.AgentEvent{Type: models.AgentEventStreamDelta, Item: item, Stream: &models.StreamEventPayload{Delta: "ne"}})
	sink.Emit(ctx, models.AgentEvent{Type: models.AgentEventStreamEnd, Item: item})
	sink.Emit(ctx, models.AgentEvent{Type: models.AgentEventResponse, Item: item})
	sink.Emit(ctx, models.AgentEvent{Type: models.AgentEventIdle})

	var types []string
	for _, msg := range tr.messages() {
		if msg.PID != 7 {
			t.Errorf("message %+v went to pid %d", msg, msg.PID)
		}
		types = append(types, msg.Type)
	}
	if got := strings.Join(types, ","); got != "chunk,end,node" {
		t.Errorf("payloads = %s", got)
	}
}
