// Package bridge is the single entry point for model calls. It resolves
// virtual modes, throttles requests and dispatches to the backend caller
// serving the resolved mode.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/szczyglis-dev/py-gpt-sub005/internal/index"
	modelcatalog "github.com/szczyglis-dev/py-gpt-sub005/internal/models"
	"github.com/szczyglis-dev/py-gpt-sub005/internal/observability"
	"github.com/szczyglis-dev/py-gpt-sub005/internal/ratelimit"
	"github.com/szczyglis-dev/py-gpt-sub005/pkg/models"
)

// ErrNoCaller is returned when no backend serves the resolved mode.
var ErrNoCaller = errors.New("no caller registered for mode")

// Caller is a backend able to answer a bridge request.
type Caller interface {
	// Call answers bctx, writing the output onto bctx.Ctx.
	Call(ctx context.Context, bctx *Context) (bool, error)

	// QuickCall answers bctx without touching any item and returns the text.
	QuickCall(ctx context.Context, bctx *Context) (string, error)
}

// ModeSource supplies the configured backend sub-mode and retrieval index
// of a virtual mode.
type ModeSource interface {
	SubMode() string
	Index() string
}

// StaticMode is a fixed ModeSource.
type StaticMode struct {
	Mode string
	Idx  string
}

func (s StaticMode) SubMode() string { return s.Mode }
func (s StaticMode) Index() string   { return s.Idx }

// Bridge dispatches requests to backend callers.
type Bridge struct {
	chat     Caller
	callers  map[string]Caller
	sources  map[string]ModeSource
	throttle *ratelimit.Throttle
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	logger   *slog.Logger
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithCaller routes mode to c instead of the chat caller.
func WithCaller(mode string, c Caller) Option {
	return func(b *Bridge) {
		b.callers[mode] = c
	}
}

// WithModeSource registers the sub-mode source of a virtual mode.
func WithModeSource(virtual string, src ModeSource) Option {
	return func(b *Bridge) {
		b.sources[virtual] = src
	}
}

// WithThrottle sets the request throttle.
func WithThrottle(t *ratelimit.Throttle) Option {
	return func(b *Bridge) {
		b.throttle = t
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(b *Bridge) {
		b.metrics = m
	}
}

// WithTracer sets the tracer.
func WithTracer(t *observability.Tracer) Option {
	return func(b *Bridge) {
		b.tracer = t
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l
		}
	}
}

// New creates a bridge whose default backend is chat.
func New(chat Caller, opts ...Option) *Bridge {
	b := &Bridge{
		chat:     chat,
		callers:  make(map[string]Caller),
		sources:  make(map[string]ModeSource),
		throttle: ratelimit.NewThrottle(0),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "bridge")
	return b
}

// Throttle returns the request throttle.
func (b *Bridge) Throttle() *ratelimit.Throttle {
	return b.throttle
}

// SetModeSource replaces the sub-mode source of a virtual mode.
func (b *Bridge) SetModeSource(virtual string, src ModeSource) {
	b.sources[virtual] = src
}

// ResolveMode rewrites bctx.Mode to a concrete backend mode. Virtual modes
// take their configured sub-mode, then the nearest mode the model supports.
// A retrieval sub-mode also picks up the configured index when one is set.
func (b *Bridge) ResolveMode(bctx *Context) {
	mode := bctx.Mode
	if !models.IsVirtualMode(mode) {
		return
	}

	bctx.ParentMode = mode
	src := b.sources[mode]
	sub := models.ModeChat
	if src != nil && src.SubMode() != "" {
		sub = src.SubMode()
	}
	if bctx.Model != nil && !bctx.Model.IsSupported(sub) {
		sub = modelcatalog.FallbackMode(bctx.Model, sub)
	}
	if sub == models.ModeLlamaIndex && src != nil {
		if idx := src.Index(); index.IsSet(idx) {
			bctx.Idx = idx
		}
	}
	bctx.Mode = sub
}

// ApplyRateLimit blocks until the throttle admits the next request.
func (b *Bridge) ApplyRateLimit(ctx context.Context) error {
	if b.throttle == nil {
		return nil
	}
	waited, err := b.throttle.Wait(ctx)
	if waited > 0 {
		b.metrics.RecordRateLimitWait(waited.Seconds())
		b.logger.Debug("request throttled", "waited", waited, "limit", b.throttle.Limit())
	}
	return err
}

func (b *Bridge) callerFor(mode string) (Caller, error) {
	if c, ok := b.callers[mode]; ok && c != nil {
		return c, nil
	}
	if b.chat == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoCaller, mode)
	}
	return b.chat, nil
}

// Call validates, resolves and throttles bctx, then dispatches it. Backend
// errors propagate to the caller unchanged.
func (b *Bridge) Call(ctx context.Context, bctx *Context) (bool, error) {
	if err := bctx.Validate(); err != nil {
		return false, err
	}
	b.ResolveMode(bctx)

	caller, err := b.callerFor(bctx.Mode)
	if err != nil {
		return false, err
	}
	if err := b.ApplyRateLimit(ctx); err != nil {
		return false, err
	}

	model := modelID(bctx.Model)
	ctx, span := b.tracer.TraceBridgeCall(ctx, bctx.Mode, model)
	defer span.End()

	start := time.Now()
	ok, err := caller.Call(ctx, bctx)
	if err != nil {
		b.tracer.RecordError(span, err)
		b.metrics.RecordError("bridge", "call")
		return false, err
	}
	b.logger.Debug("bridge call finished", "mode", bctx.Mode, "model", model, "elapsed", time.Since(start))
	return ok, nil
}

// QuickCall answers a short internal request and returns its text. When
// the model cannot chat, a retrieval or langchain backend is tried; their
// failures are logged and produce an empty answer.
func (b *Bridge) QuickCall(ctx context.Context, bctx *Context) (string, error) {
	if err := bctx.Validate(); err != nil {
		return "", err
	}
	if err := b.ApplyRateLimit(ctx); err != nil {
		return "", err
	}

	if bctx.Model != nil && !bctx.Model.IsSupported(models.ModeChat) {
		for _, mode := range []string{models.ModeLlamaIndex, models.ModeLangChain} {
			caller, ok := b.callers[mode]
			if !ok || !bctx.Model.IsSupported(mode) {
				continue
			}
			out, err := caller.QuickCall(ctx, bctx)
			if err != nil {
				b.logger.Error("quick call failed", "mode", mode, "model", bctx.Model.ID, "error", err)
				return "", nil
			}
			return out, nil
		}
	}

	if b.chat == nil {
		return "", fmt.Errorf("%w: %s", ErrNoCaller, models.ModeChat)
	}
	return b.chat.QuickCall(ctx, bctx)
}
