package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/szczyglis-dev/py-gpt-sub005/internal/agent"
	"github.com/szczyglis-dev/py-gpt-sub005/internal/bridge"
	"github.com/szczyglis-dev/py-gpt-sub005/pkg/models"
)

// runPrompt handles the run command.
func runPrompt(cmd *cobra.Command, flags *globalFlags, opts *runOptions, prompt string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	a, _, err := setup(ctx, flags)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	model, err := a.model(opts.model)
	if err != nil {
		return err
	}
	if opts.contextID > 0 {
		if _, err := a.store.Select(ctx, opts.contextID); err != nil {
			return fmt.Errorf("open conversation %d: %w", opts.contextID, err)
		}
	} else if _, err := a.store.New(ctx, 0); err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}

	item := models.NewCtxItem()
	item.SetInput(prompt, "user")
	item.Mode = opts.mode
	item.Model = model.ID
	if err := a.store.Add(ctx, item, 0); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	printer := newStreamPrinter(out, a.cfg.Agent.Stream && !opts.final && isTerminal(out))

	// Ctrl-C requests a cooperative stop; the run returns as stopped.
	runner := a.Runner()
	go func() {
		<-ctx.Done()
		runner.Stop()
	}()

	runID := agent.NewRunID()
	sink := agent.NewMultiSink(printer, agent.NewLogSink(a.logger, runID, opts.mode))

	var ok bool
	if runnerMode(opts.mode) {
		ok, err = runner.Call(ctx, &agent.CallOptions{
			Item:         item,
			Mode:         opts.mode,
			Model:        model,
			Prompt:       prompt,
			SystemPrompt: opts.systemPrompt,
			ProviderID:   opts.provider,
			Idx:          opts.idx,
			Verbose:      opts.verbose || a.cfg.Agent.Verbose,
			Stream:       printer.live,
			Loop:         opts.loop,
		}, agent.NewEventEmitter(runID, sink))
	} else {
		ok, err = chatCall(ctx, a, chatRequest{
			item:         item,
			mode:         opts.mode,
			model:        model,
			systemPrompt: opts.systemPrompt,
			idx:          opts.idx,
			stream:       printer.live,
		}, sink)
	}
	if err != nil {
		return err
	}
	printer.finish()
	if !ok {
		fmt.Fprintln(cmd.ErrOrStderr(), "stopped")
		return nil
	}
	if err := a.store.PostUpdate(ctx, opts.mode, model.ID); err != nil {
		a.logger.Warn("conversation update failed", "error", err)
	}
	if meta := a.store.Current(); meta != nil {
		a.logger.Debug("turn finished", "ctx_id", meta.ID)
	}
	return nil
}

// runnerMode reports whether mode is served by the agent runner. Every
// other mode is answered through the bridge.
func runnerMode(mode string) bool {
	switch mode {
	case models.ModeAgent, models.ModeAgentLlama, models.ModeAgentOpenAI:
		return true
	}
	return false
}

// chatRequest is a turn answered without an agent.
type chatRequest struct {
	item         *models.CtxItem
	mode         string
	model        *models.Model
	systemPrompt string
	idx          string
	stream       bool
}

// chatCall answers req.item through the bridge, stores the answer and
// reports the turn to sink the way an agent run would.
func chatCall(ctx context.Context, a *app, req chatRequest, sink agent.EventSink) (bool, error) {
	item := req.item
	defer sink.Emit(ctx, models.AgentEvent{Type: models.AgentEventIdle, Item: item})

	bctx := bridge.NewContext(item, req.mode, req.model, item.Input)
	bctx.SystemPrompt = req.systemPrompt
	bctx.Idx = req.idx
	bctx.MaxTokens = req.model.MaxOutputTokens(0)
	if items := a.store.Items(); len(items) > 1 {
		bctx.History = items[:len(items)-1]
	}
	if req.stream {
		bctx.Stream = true
		sink.Emit(ctx, models.AgentEvent{Type: models.AgentEventStreamBegin, Item: item, Stream: &models.StreamEventPayload{Begin: true}})
		bctx.OnChunk = func(_ *models.CtxItem, delta string) {
			sink.Emit(ctx, models.AgentEvent{Type: models.AgentEventStreamDelta, Item: item, Stream: &models.StreamEventPayload{Delta: delta}})
		}
	}

	ok, err := a.bridge.Call(ctx, bctx)
	if err != nil {
		item.SetExtra(models.ExtraError, err.Error())
		sink.Emit(ctx, models.AgentEvent{Type: models.AgentEventRunError, Item: item, Error: &models.ErrorEventPayload{Message: err.Error(), Err: err}})
		return false, err
	}
	if err := a.store.UpdateItem(ctx, item); err != nil {
		return false, err
	}
	sink.Emit(ctx, models.AgentEvent{Type: models.AgentEventStreamEnd, Item: item})
	sink.Emit(ctx, models.AgentEvent{Type: models.AgentEventResponse, Item: item})
	return ok, nil
}

// streamPrinter writes agent events to a writer. In live mode deltas are
// printed as they arrive; otherwise only the last response is printed by
// finish.
type streamPrinter struct {
	w    io.Writer
	live bool

	mu       sync.Mutex
	streamed bool
	open     bool
	final    string
}

func newStreamPrinter(w io.Writer, live bool) *streamPrinter {
	return &streamPrinter{w: w, live: live}
}

// Emit implements agent.EventSink.
func (p *streamPrinter) Emit(_ context.Context, e models.AgentEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch e.Type {
	case models.AgentEventStreamBegin:
		if p.live && e.Stream != nil && e.Stream.Header != "" {
			fmt.Fprintf(p.w, "%s: ", e.Stream.Header)
		}
	case models.AgentEventStreamDelta:
		if e.Stream == nil || e.Stream.Delta == "" {
			return
		}
		p.streamed = true
		if p.live {
			fmt.Fprint(p.w, e.Stream.Delta)
			p.open = true
		}
	case models.AgentEventStreamEnd:
		if p.open {
			fmt.Fprintln(p.w)
			p.open = false
		}
	case models.AgentEventResponse:
		if e.Item == nil {
			return
		}
		p.final = e.Item.FinalOutput()
		if p.live && !p.streamed && p.final != "" {
			fmt.Fprintln(p.w, p.final)
		}
		p.streamed = false
	case models.AgentEventToolStarted:
		if p.live && e.Tool != nil {
			fmt.Fprintf(p.w, "\n[tool] %s\n", e.Tool.Name)
		}
	case models.AgentEventEvaluation:
		if p.live && e.Eval != nil {
			fmt.Fprintf(p.w, "\n[evaluation] score %d%%\n", e.Eval.Score)
		}
	case models.AgentEventRunError:
		if e.Error != nil {
			fmt.Fprintf(p.w, "error: %s\n", e.Error.Message)
		}
	}
}

// finish prints the final answer when output was not live.
func (p *streamPrinter) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.open {
		fmt.Fprintln(p.w)
		p.open = false
	}
	if !p.live && p.final != "" {
		fmt.Fprintln(p.w, p.final)
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// readPrompt reads a prompt from piped stdin. A terminal stdin yields an
// empty prompt.
func readPrompt(r io.Reader) (string, error) {
	if f, ok := r.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return "", nil
	}
	var b strings.Builder
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)
	for scanner.Scan() {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read prompt: %w", err)
	}
	return strings.TrimSpace(b.String()), nil
}
