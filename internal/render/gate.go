package render

import (
	"sync"
	"time"
)

// DefaultReadyFallback is how long node payloads wait for the readiness
// signal before they are delivered anyway.
const DefaultReadyFallback = 1200 * time.Millisecond

// Gate queues structural payloads until the display surface is ready and
// then delivers them in order. When readiness never comes, the fallback
// timer delivers the queue directly.
type Gate struct {
	mu       sync.Mutex
	ready    bool
	stopped  bool
	draining bool
	queue    []Message
	timer    *time.Timer
	fallback time.Duration

	send       func(Message)
	onFallback func(n int)
}

// NewGate creates a gate delivering through send.
func NewGate(fallback time.Duration, send func(Message)) *Gate {
	if fallback <= 0 {
		fallback = DefaultReadyFallback
	}
	return &Gate{fallback: fallback, send: send}
}

// Push delivers msg now when the surface is ready and queues it otherwise.
func (g *Gate) Push(msg Message) {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	if g.ready && !g.draining && len(g.queue) == 0 {
		g.mu.Unlock()
		g.send(msg)
		return
	}
	g.queue = append(g.queue, msg)
	if !g.ready && g.timer == nil {
		g.timer = time.AfterFunc(g.fallback, g.expire)
	}
	g.mu.Unlock()
}

// MarkReady opens the gate and drains the queue.
func (g *Gate) MarkReady() {
	g.mu.Lock()
	g.ready = true
	g.stopTimerLocked()
	g.mu.Unlock()
	g.drain()
}

// Reset closes the gate again, e.g. when the surface is rebuilt.
func (g *Gate) Reset() {
	g.mu.Lock()
	g.ready = false
	g.mu.Unlock()
}

// Ready reports whether the surface signalled readiness.
func (g *Gate) Ready() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ready
}

// Pending returns the number of queued payloads.
func (g *Gate) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue)
}

// Stop drops the queue and disarms the fallback.
func (g *Gate) Stop() {
	g.mu.Lock()
	g.stopped = true
	g.queue = nil
	g.stopTimerLocked()
	g.mu.Unlock()
}

func (g *Gate) expire() {
	g.mu.Lock()
	g.timer = nil
	n := len(g.queue)
	g.mu.Unlock()
	if n == 0 {
		return
	}
	if g.onFallback != nil {
		g.onFallback(n)
	}
	g.drain()
}

// drain delivers queued payloads in order. Only one drain runs at a time;
// payloads pushed meanwhile are queued and delivered by the same loop.
func (g *Gate) drain() {
	g.mu.Lock()
	if g.draining {
		g.mu.Unlock()
		return
	}
	g.draining = true
	for len(g.queue) > 0 && !g.stopped {
		msg := g.queue[0]
		g.queue = g.queue[1:]
		g.mu.Unlock()
		g.send(msg)
		g.mu.Lock()
	}
	g.draining = false
	g.mu.Unlock()
}

func (g *Gate) stopTimerLocked() {
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}
