package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/szczyglis-dev/py-gpt-sub005/internal/agent"
	"github.com/szczyglis-dev/py-gpt-sub005/internal/bridge"
	"github.com/szczyglis-dev/py-gpt-sub005/internal/conversations"
	"github.com/szczyglis-dev/py-gpt-sub005/internal/observability"
	"github.com/szczyglis-dev/py-gpt-sub005/pkg/models"
)

func TestRunnerMode(t *testing.T) {
	tests := []struct {
		mode string
		want bool
	}{
		{mode: models.ModeAgent, want: true},
		{mode: models.ModeAgentLlama, want: true},
		{mode: models.ModeAgentOpenAI, want: true},
		{mode: models.ModeChat, want: false},
		{mode: models.ModeLlamaIndex, want: false},
		{mode: models.ModeLangChain, want: false},
	}
	for _, tt := range tests {
		if got := runnerMode(tt.mode); got != tt.want {
			t.Errorf("runnerMode(%q) = %v, want %v", tt.mode, got, tt.want)
		}
	}
}

// echoCaller answers with the prompt, streamed in two halves.
type echoCaller struct {
	err   error
	calls int
}

func (c *echoCaller) Call(_ context.Context, bctx *bridge.Context) (bool, error) {
	c.calls++
	if c.err != nil {
		return false, c.err
	}
	out := "echo: " + bctx.UserPrompt()
	if bctx.Stream && bctx.OnChunk != nil {
		bctx.OnChunk(bctx.Ctx, out[:4])
		bctx.OnChunk(bctx.Ctx, out[4:])
	}
	bctx.Ctx.SetOutput(out, "")
	return true, nil
}

func (c *echoCaller) QuickCall(_ context.Context, bctx *bridge.Context) (string, error) {
	return bctx.UserPrompt(), c.err
}

type eventLog struct {
	mu    sync.Mutex
	types []models.AgentEventType
}

func (l *eventLog) Emit(_ context.Context, e models.AgentEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.types = append(l.types, e.Type)
}

func chatApp(t *testing.T, caller bridge.Caller) *app {
	t.Helper()
	ctx := context.Background()
	store := conversations.NewStore(conversations.NewMemoryProvider(), nil, conversations.DefaultConfig(), observability.Discard())
	if _, err := store.New(ctx, 0); err != nil {
		t.Fatal(err)
	}
	return &app{
		logger: observability.Discard(),
		store:  store,
		bridge: bridge.New(caller, bridge.WithLogger(observability.Discard())),
	}
}

func TestChatCall(t *testing.T) {
	tests := []struct {
		name       string
		stream     bool
		err        error
		wantTypes  []models.AgentEventType
		wantOutput string
	}{
		{
			name:   "streamed",
			stream: true,
			wantTypes: []models.AgentEventType{
				models.AgentEventStreamBegin,
				models.AgentEventStreamDelta,
				models.AgentEventStreamDelta,
				models.AgentEventStreamEnd,
				models.AgentEventResponse,
				models.AgentEventIdle,
			},
			wantOutput: "echo: hello",
		},
		{
			name: "buffered",
			wantTypes: []models.AgentEventType{
				models.AgentEventStreamEnd,
				models.AgentEventResponse,
				models.AgentEventIdle,
			},
			wantOutput: "echo: hello",
		},
		{
			name: "caller error",
			err:  errors.New("upstream down"),
			wantTypes: []models.AgentEventType{
				models.AgentEventRunError,
				models.AgentEventIdle,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			caller := &echoCaller{err: tt.err}
			a := chatApp(t, caller)
			item := models.NewCtxItem()
			item.SetInput("hello", "")
			if err := a.store.Add(ctx, item, 0); err != nil {
				t.Fatal(err)
			}

			var log eventLog
			ok, err := chatCall(ctx, a, chatRequest{item: item, mode: models.ModeChat, stream: tt.stream}, &log)
			if tt.err != nil {
				if !errors.Is(err, tt.err) || ok {
					t.Fatalf("chatCall() = %v, %v", ok, err)
				}
				if item.ExtraString(models.ExtraError) != tt.err.Error() {
					t.Errorf("error extra = %q", item.ExtraString(models.ExtraError))
				}
			} else if err != nil || !ok {
				t.Fatalf("chatCall() = %v, %v", ok, err)
			}
			if caller.calls != 1 {
				t.Errorf("caller calls = %d", caller.calls)
			}
			if diff := cmp.Diff(tt.wantTypes, log.types); diff != "" {
				t.Errorf("events mismatch (-want +got):\n%s", diff)
			}
			if tt.wantOutput == "" {
				return
			}
			stored := a.store.Items()
			if len(stored) != 1 || stored[0].Output != tt.wantOutput {
				t.Errorf("stored items = %+v", stored)
			}
		})
	}
}

func TestChatCall_LogsFailure(t *testing.T) {
	ctx := context.Background()
	a := chatApp(t, &echoCaller{err: errors.New("quota exceeded")})
	item := models.NewCtxItem()
	item.SetInput("hi", "")
	if err := a.store.Add(ctx, item, 0); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	logSink := agent.NewLogSink(logger, agent.NewRunID(), models.ModeChat)
	if _, err := chatCall(ctx, a, chatRequest{item: item, mode: models.ModeChat}, agent.NewMultiSink(&eventLog{}, logSink)); err == nil {
		t.Fatal("chatCall() succeeded")
	}
	if st := logSink.Stats(); st.Errors != 1 || st.Steps != 0 {
		t.Errorf("stats = %+v", st)
	}
	if !strings.Contains(buf.String(), `"msg":"run error"`) || !strings.Contains(buf.String(), "quota exceeded") {
		t.Errorf("log = %s", buf.String())
	}
}
