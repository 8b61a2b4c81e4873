package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/szczyglis-dev/py-gpt-sub005/internal/agent"
	"github.com/szczyglis-dev/py-gpt-sub005/internal/config"
	"github.com/szczyglis-dev/py-gpt-sub005/internal/render"
	"github.com/szczyglis-dev/py-gpt-sub005/pkg/models"
)

// promptRequest is the body of POST /api/prompt.
type promptRequest struct {
	Prompt       string `json:"prompt"`
	ContextID    int64  `json:"ctx_id,omitempty"`
	Mode         string `json:"mode,omitempty"`
	Provider     string `json:"provider,omitempty"`
	Model        string `json:"model,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	Idx          string `json:"idx,omitempty"`
	Loop         bool   `json:"loop,omitempty"`
}

type promptResponse struct {
	RunID     string `json:"run_id"`
	ContextID int64  `json:"ctx_id"`
}

// server runs turns started over HTTP and streams them to the display
// surface. One turn runs at a time.
type server struct {
	app      *app
	renderer *render.Renderer
	sink     agent.EventSink
	logger   *slog.Logger
	ctx      context.Context

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
}

// runServe handles the serve command.
func runServe(cmd *cobra.Command, flags *globalFlags, addr string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	a, configPath, err := setup(ctx, flags)
	if err != nil {
		return err
	}
	defer a.close(context.Background())
	if addr == "" {
		addr = a.cfg.Server.Addr
	}

	transport := render.NewWSTransport(nil, a.logger)
	renderer := render.New(transport, a.cfg.Render,
		render.WithMetrics(a.metrics),
		render.WithLogger(a.logger),
	)
	transport.SetOnReady(renderer.Ready)

	// Deltas may be dropped under load; responses and stream boundaries
	// always reach the renderer.
	backpressure, events := agent.NewBackpressureSink(agent.DefaultBackpressureConfig())
	renderSink := render.NewSink(renderer)
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		for e := range events {
			renderSink.Emit(ctx, e)
		}
	}()

	srv := &server{
		app:      a,
		renderer: renderer,
		sink:     backpressure,
		logger:   a.logger.With("component", "serve"),
		ctx:      ctx,
	}

	if configPath != "" {
		watcher, err := config.Watch(ctx, configPath, a.applyReload, config.WithWatchLogger(a.logger))
		if err != nil {
			srv.logger.Warn("config watch disabled", "error", err)
		} else {
			defer watcher.Close()
		}
	}

	mux := http.NewServeMux()
	mux.Handle(a.cfg.Server.WSPath, transport)
	if a.cfg.Metrics.Enabled {
		mux.Handle(a.cfg.Metrics.Path, promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/api/prompt", srv.handlePrompt)
	mux.HandleFunc("/api/stop", srv.handleStop)
	mux.HandleFunc("/api/contexts", srv.handleContexts)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	srv.logger.Info("pygpt server started", "addr", addr, "ws_path", a.cfg.Server.WSPath)

	select {
	case <-ctx.Done():
		srv.logger.Info("shutdown signal received, initiating graceful shutdown")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	a.Runner().Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		srv.logger.Warn("http shutdown incomplete", "error", err)
	}
	srv.wg.Wait()
	backpressure.Close()
	<-pumpDone
	renderer.Close()
	transport.Close()
	srv.logger.Info("pygpt server stopped gracefully")
	return nil
}

func (s *server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req promptRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		http.Error(w, "prompt is required", http.StatusBadRequest)
		return
	}
	if req.Mode == "" {
		req.Mode = models.ModeAgent
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		http.Error(w, "a turn is already running", http.StatusConflict)
		return
	}
	s.running = true
	s.mu.Unlock()

	resp, opts, err := s.prepare(r.Context(), &req)
	if err != nil {
		s.release()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.wg.Add(1)
	go s.run(opts, resp.RunID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(resp)
}

// prepare selects the conversation, stores the input item and reloads the
// surface when the conversation changed.
func (s *server) prepare(ctx context.Context, req *promptRequest) (*promptResponse, *agent.CallOptions, error) {
	a := s.app
	model, err := a.model(req.Model)
	if err != nil {
		return nil, nil, err
	}

	previous := a.store.CurrentID()
	switch {
	case req.ContextID > 0 && req.ContextID != previous:
		if _, err := a.store.Select(ctx, req.ContextID); err != nil {
			return nil, nil, err
		}
	case req.ContextID == 0 && (previous == 0 || a.store.NeedsNew()):
		if _, err := a.store.New(ctx, 0); err != nil {
			return nil, nil, err
		}
	}
	if current := a.store.CurrentID(); current != previous {
		s.renderer.Reload(0, a.store.Items())
	}

	item := models.NewCtxItem()
	item.SetInput(req.Prompt, "user")
	item.Mode = req.Mode
	item.Model = model.ID
	if err := a.store.Add(ctx, item, 0); err != nil {
		return nil, nil, err
	}
	// a bridge answer lands on the input item and is shown with it
	if runnerMode(req.Mode) {
		s.renderer.AppendNode(0, item)
	}

	opts := &agent.CallOptions{
		Item:         item,
		Mode:         req.Mode,
		Model:        model,
		Prompt:       req.Prompt,
		SystemPrompt: req.SystemPrompt,
		ProviderID:   req.Provider,
		Idx:          req.Idx,
		Stream:       true,
		Loop:         req.Loop,
	}
	return &promptResponse{RunID: agent.NewRunID(), ContextID: a.store.CurrentID()}, opts, nil
}

func (s *server) run(opts *agent.CallOptions, runID string) {
	defer s.wg.Done()
	defer s.release()

	sink := agent.NewMultiSink(s.sink, agent.NewLogSink(s.app.logger, runID, opts.Mode))
	var (
		ok  bool
		err error
	)
	if runnerMode(opts.Mode) {
		runner := s.app.Runner()
		runner.Reset()
		ok, err = runner.Call(s.ctx, opts, agent.NewEventEmitter(runID, sink))
	} else {
		ok, err = chatCall(s.ctx, s.app, chatRequest{
			item:         opts.Item,
			mode:         opts.Mode,
			model:        opts.Model,
			systemPrompt: opts.SystemPrompt,
			idx:          opts.Idx,
			stream:       opts.Stream,
		}, sink)
	}
	switch {
	case err != nil:
		s.logger.Warn("turn failed", "run_id", runID, "error", err)
	case !ok:
		s.logger.Info("turn stopped", "run_id", runID)
	default:
		if err := s.app.store.PostUpdate(s.ctx, opts.Mode, opts.Model.ID); err != nil {
			s.logger.Warn("conversation update failed", "error", err)
		}
	}
}

func (s *server) release() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

func (s *server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.app.Runner().Stop()
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleContexts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	metas, err := s.app.store.LoadMeta(r.Context(), models.MetaFilter{Limit: 100}, r.URL.Query().Get("q"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(metas)
}
