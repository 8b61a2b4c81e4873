// Package debounce micro-batches streamed text per key before it reaches a
// slow consumer.
package debounce

import (
	"strings"
	"sync"
	"time"
)

// Flush reasons passed to the flush callback.
const (
	ReasonTimer     = "timer"
	ReasonSize      = "size"
	ReasonEmergency = "emergency"
	ReasonManual    = "manual"
)

// Config holds the batching thresholds.
type Config struct {
	// Interval is the debounce delay before a buffer is flushed.
	// Default: 30ms
	Interval time.Duration `yaml:"flush_interval"`

	// MaxBytes schedules an immediate flush once a buffer reaches it.
	// Default: 8192
	MaxBytes int `yaml:"max_bytes"`

	// EmergencyBytes flushes synchronously inside Push once a buffer
	// reaches it.
	// Default: 524288
	EmergencyBytes int `yaml:"emergency_bytes"`
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		Interval:       30 * time.Millisecond,
		MaxBytes:       8 << 10,
		EmergencyBytes: 512 << 10,
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
	if c.EmergencyBytes < c.MaxBytes {
		c.EmergencyBytes = c.MaxBytes
	}
}

// buffer holds the pending text of one key and its flush timer.
type buffer struct {
	data  strings.Builder
	timer *time.Timer
}

// Batcher buffers text per key and hands it to the flush callback after the
// debounce interval or when a size threshold is crossed. Flushes are
// serialized, so the text of one key is delivered in push order.
type Batcher[K comparable] struct {
	mu      sync.Mutex
	buffers map[K]*buffer
	stopped bool

	// flushMu serializes deliveries
	flushMu sync.Mutex

	config  Config
	onFlush func(key K, text string, reason string)
}

// Option configures a Batcher.
type Option[K comparable] func(*Batcher[K])

// WithOnFlush sets the callback that receives flushed text.
func WithOnFlush[K comparable](fn func(key K, text string, reason string)) Option[K] {
	return func(b *Batcher[K]) {
		b.onFlush = fn
	}
}

// NewBatcher creates a batcher.
func NewBatcher[K comparable](config Config, opts ...Option[K]) *Batcher[K] {
	config.sanitize()
	b := &Batcher[K]{
		buffers: make(map[K]*buffer),
		config:  config,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.onFlush == nil {
		b.onFlush = func(K, string, string) {}
	}
	return b
}

// Config returns the effective thresholds.
func (b *Batcher[K]) Config() Config {
	return b.config
}

// Push appends text to the buffer of key.
func (b *Batcher[K]) Push(key K, text string) {
	if text == "" {
		return
	}
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	buf, ok := b.buffers[key]
	if !ok {
		buf = &buffer{}
		b.buffers[key] = buf
	}
	buf.data.WriteString(text)
	size := buf.data.Len()

	switch {
	case size >= b.config.EmergencyBytes:
		b.mu.Unlock()
		b.flush(key, ReasonEmergency)
		return
	case size >= b.config.MaxBytes:
		b.resetTimerLocked(key, buf, 0, ReasonSize)
	case buf.timer == nil:
		b.resetTimerLocked(key, buf, b.config.Interval, ReasonTimer)
	}
	b.mu.Unlock()
}

// resetTimerLocked (re)arms the flush timer of buf. Must be called with b.mu
// held.
func (b *Batcher[K]) resetTimerLocked(key K, buf *buffer, after time.Duration, reason string) {
	if buf.timer != nil {
		buf.timer.Stop()
	}
	buf.timer = time.AfterFunc(after, func() {
		b.flush(key, reason)
	})
}

// Flush delivers the pending text of key now.
func (b *Batcher[K]) Flush(key K) {
	b.flush(key, ReasonManual)
}

// FlushAll delivers the pending text of every key.
func (b *Batcher[K]) FlushAll() {
	b.mu.Lock()
	keys := make([]K, 0, len(b.buffers))
	for key := range b.buffers {
		keys = append(keys, key)
	}
	b.mu.Unlock()
	for _, key := range keys {
		b.flush(key, ReasonManual)
	}
}

func (b *Batcher[K]) flush(key K, reason string) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	buf, ok := b.buffers[key]
	if !ok || b.stopped {
		b.mu.Unlock()
		return
	}
	if buf.timer != nil {
		buf.timer.Stop()
		buf.timer = nil
	}
	text := buf.data.String()
	buf.data.Reset()
	b.mu.Unlock()

	if text != "" {
		b.onFlush(key, text, reason)
	}
}

// Drop discards the pending text of key without delivering it.
func (b *Batcher[K]) Drop(key K) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if buf, ok := b.buffers[key]; ok {
		if buf.timer != nil {
			buf.timer.Stop()
		}
		delete(b.buffers, key)
	}
}

// Pending returns the number of buffered bytes for key.
func (b *Batcher[K]) Pending(key K) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if buf, ok := b.buffers[key]; ok {
		return buf.data.Len()
	}
	return 0
}

// Stop stops all pending timers and drops buffered text.
func (b *Batcher[K]) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stopped = true
	for key, buf := range b.buffers {
		if buf.timer != nil {
			buf.timer.Stop()
			buf.timer = nil
		}
		delete(b.buffers, key)
	}
}
