// Package render streams agent output to a display surface. Text chunks are
// micro-batched per surface, structural payloads wait for the surface to be
// ready, and transport failures never reach the caller.
package render

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/szczyglis-dev/py-gpt-sub005/internal/debounce"
	"github.com/szczyglis-dev/py-gpt-sub005/internal/observability"
	"github.com/szczyglis-dev/py-gpt-sub005/pkg/models"
)

// Message types.
const (
	TypeChunk = "chunk"
	TypeEnd   = "end"
	TypeNode  = "node"
	TypeNodes = "nodes"
	TypeClear = "clear"
	TypeFresh = "fresh"
)

// ErrNotReady is returned by transports that have no live surface.
var ErrNotReady = errors.New("render surface not ready")

// Message is one payload for the display surface.
type Message struct {
	Type   string `json:"type"`
	PID    int    `json:"pid"`
	Header string `json:"header,omitempty"`
	Chunk  string `json:"chunk,omitempty"`
	Node   *Node  `json:"node,omitempty"`
	Nodes  []Node `json:"nodes,omitempty"`
}

// Transport delivers payloads to the display surface.
type Transport interface {
	Send(msg Message) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(msg Message) error

// Send calls f.
func (f TransportFunc) Send(msg Message) error { return f(msg) }

// Config configures the renderer.
type Config struct {
	debounce.Config `yaml:",inline"`

	// ReadyFallback bounds the wait for the surface readiness signal.
	// Default: 1.2s
	ReadyFallback time.Duration `yaml:"ready_fallback"`

	// MemoryLimit rebuilds a surface when the process resident set exceeds
	// it, in bytes. 0 disables the check.
	MemoryLimit uint64 `yaml:"memory_limit"`

	// FreshMinInterval is the minimum time between memory rebuilds.
	// Default: 30s
	FreshMinInterval time.Duration `yaml:"fresh_min_interval"`
}

// DefaultConfig returns the default renderer configuration.
func DefaultConfig() Config {
	return Config{
		Config:           debounce.DefaultConfig(),
		ReadyFallback:    DefaultReadyFallback,
		FreshMinInterval: DefaultFreshInterval,
	}
}

func (c *Config) sanitize() {
	def := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = def.MaxBytes
	}
	if c.EmergencyBytes <= 0 {
		c.EmergencyBytes = def.EmergencyBytes
	}
	if c.ReadyFallback <= 0 {
		c.ReadyFallback = def.ReadyFallback
	}
	if c.FreshMinInterval <= 0 {
		c.FreshMinInterval = def.FreshMinInterval
	}
}

// PidData is the state of one render surface.
type PidData struct {
	// Buffer is the output streamed since the surface was last cleared.
	Buffer string
	// Live is the output of the current stream block.
	Live      string
	Header    string
	LastFlush time.Time

	Flushes int
	Bytes   int
	Nodes   int
	Fresh   int
}

// Renderer is the streaming pipeline in front of a Transport.
type Renderer struct {
	config    Config
	transport Transport
	body      *Body
	batcher   *debounce.Batcher[int]
	gate      *Gate
	guard     *MemoryGuard
	metrics   *observability.Metrics
	logger    *slog.Logger

	mu   sync.Mutex
	pids map[int]*PidData
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithMetrics sets the metrics collector.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Renderer) { r.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Renderer) { r.logger = l }
}

// WithMemoryGuard replaces the guard built from the configuration.
func WithMemoryGuard(g *MemoryGuard) Option {
	return func(r *Renderer) { r.guard = g }
}

// New creates a renderer over transport.
func New(transport Transport, config Config, opts ...Option) *Renderer {
	config.sanitize()
	r := &Renderer{
		config:    config,
		transport: transport,
		body:      NewBody(),
		pids:      make(map[int]*PidData),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "render")
	if r.guard == nil {
		r.guard = NewMemoryGuard(config.MemoryLimit, config.FreshMinInterval)
	}
	r.batcher = debounce.NewBatcher(config.Config, debounce.WithOnFlush(r.flushChunk))
	r.gate = NewGate(config.ReadyFallback, r.deliver)
	r.gate.onFallback = func(n int) {
		r.logger.Warn("render surface not ready, delivering queued nodes", "pending", n)
	}
	return r
}

// pid returns the state of pid, creating it. Must be called with r.mu held.
func (r *Renderer) pid(pid int) *PidData {
	data, ok := r.pids[pid]
	if !ok {
		data = &PidData{}
		r.pids[pid] = data
	}
	return data
}

// AppendChunk queues a text delta of the stream on pid. begin starts a new
// block, flushing what is left of the previous one.
func (r *Renderer) AppendChunk(pid int, header, text string, begin bool) {
	if begin {
		r.batcher.Flush(pid)
	}
	r.mu.Lock()
	data := r.pid(pid)
	if begin {
		data.Live = ""
		data.Header = header
	}
	data.Buffer += text
	data.Live += text
	r.mu.Unlock()
	r.batcher.Push(pid, text)
}

// EndStream flushes pid and closes its stream block.
func (r *Renderer) EndStream(pid int) {
	r.batcher.Flush(pid)
	r.mu.Lock()
	r.pid(pid).Live = ""
	r.mu.Unlock()
	r.deliver(Message{Type: TypeEnd, PID: pid})
}

// AppendNode renders item as a new block of pid.
func (r *Renderer) AppendNode(pid int, item *models.CtxItem) {
	if item == nil {
		return
	}
	node := r.body.Node(item)
	r.mu.Lock()
	r.pid(pid).Nodes++
	r.mu.Unlock()
	r.gate.Push(Message{Type: TypeNode, PID: pid, Node: &node})
}

// Reload replaces every block of pid with items.
func (r *Renderer) Reload(pid int, items []*models.CtxItem) {
	nodes := make([]Node, 0, len(items))
	for _, item := range items {
		if item != nil && !item.Hidden {
			nodes = append(nodes, r.body.Node(item))
		}
	}
	r.batcher.Drop(pid)
	r.mu.Lock()
	data := r.pid(pid)
	data.Buffer, data.Live = "", ""
	data.Nodes = len(nodes)
	r.mu.Unlock()
	r.gate.Push(Message{Type: TypeNodes, PID: pid, Nodes: nodes})
}

// Clear empties pid.
func (r *Renderer) Clear(pid int) {
	r.batcher.Drop(pid)
	r.mu.Lock()
	data := r.pid(pid)
	data.Buffer, data.Live, data.Header = "", "", ""
	data.Nodes = 0
	r.mu.Unlock()
	r.deliver(Message{Type: TypeClear, PID: pid})
}

// Fresh unloads and recreates the surface of pid.
func (r *Renderer) Fresh(pid int) {
	r.batcher.Drop(pid)
	r.mu.Lock()
	data := r.pid(pid)
	fresh := data.Fresh + 1
	*data = PidData{Fresh: fresh}
	r.mu.Unlock()
	r.gate.Reset()
	r.metrics.RecordMemoryCleanup()
	r.logger.Info("render surface rebuilt", "pid", pid)
	r.deliver(Message{Type: TypeFresh, PID: pid})
}

// OnTurnEnd flushes pid after a turn and governs memory: over the limit the
// surface is rebuilt, otherwise freed memory is returned to the OS.
func (r *Renderer) OnTurnEnd(pid int) {
	r.batcher.Flush(pid)
	if r.guard.Check() {
		r.Fresh(pid)
		return
	}
	r.guard.Trim()
}

// Ready marks the surface ready for structural payloads.
func (r *Renderer) Ready() {
	r.gate.MarkReady()
}

// Stats returns a copy of the state of pid.
func (r *Renderer) Stats(pid int) PidData {
	r.mu.Lock()
	defer r.mu.Unlock()
	if data, ok := r.pids[pid]; ok {
		return *data
	}
	return PidData{}
}

// Close stops pending flushes.
func (r *Renderer) Close() {
	r.batcher.Stop()
	r.gate.Stop()
}

func (r *Renderer) flushChunk(pid int, text, reason string) {
	r.mu.Lock()
	data := r.pid(pid)
	data.LastFlush = time.Now()
	data.Flushes++
	data.Bytes += len(text)
	header := data.Header
	r.mu.Unlock()

	r.metrics.RecordFlush(reason, len(text))
	r.deliver(Message{Type: TypeChunk, PID: pid, Header: header, Chunk: text})
}

// deliver sends msg, turning transport failures and panics into debug logs.
func (r *Renderer) deliver(msg Message) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Debug("render transport panicked", "type", msg.Type, "pid", msg.PID, "panic", fmt.Sprint(rec))
		}
	}()
	if r.transport == nil {
		return
	}
	if err := r.transport.Send(msg); err != nil {
		r.logger.Debug("render payload dropped", "type", msg.Type, "pid", msg.PID, "error", err)
	}
}
