package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/szczyglis-dev/py-gpt-sub005/internal/observability"
	"github.com/szczyglis-dev/py-gpt-sub005/pkg/models"
)

type recordingCaller struct {
	calls []*CallOptions
}

func (c *recordingCaller) Call(_ context.Context, opts *CallOptions, _ *EventEmitter) (bool, error) {
	c.calls = append(c.calls, opts)
	return true, nil
}

type fakeOnce struct {
	result *OnceResult
	err    error
	opts   *CallOptions
}

func (f *fakeOnce) CallOnceResult(_ context.Context, opts *CallOptions) (*OnceResult, error) {
	f.opts = opts
	return f.result, f.err
}

type modelMap map[string]*models.Model

func (m modelMap) Get(id string) (*models.Model, bool) {
	model, ok := m[id]
	return model, ok
}

func newTestLoop(cfg LoopConfig, caller Caller, once OnceCaller) *Loop {
	return NewLoop(cfg, caller, once, modelMap{"judge": {ID: "judge"}}, nil, observability.Discard())
}

func TestLoop_HandleEvaluation_ContinuesBelowGoodScore(t *testing.T) {
	caller := &recordingCaller{}
	loop := newTestLoop(LoopConfig{GoodScore: 75}, caller, &fakeOnce{})
	sink := &recordingSink{}
	signals := NewEventEmitter("run", sink)

	item := testItem("write a poem")
	opts := &CallOptions{Item: item, Prompt: "write a poem", Model: testModel(), Loop: true}
	ok, err := loop.HandleEvaluation(context.Background(), opts, item, EvaluationResult{Score: 50, Instruction: "add a rhyme"}, signals)
	if err != nil || !ok {
		t.Fatalf("HandleEvaluation() = %v, %v", ok, err)
	}

	items := sink.responses()
	if len(items) != 1 {
		t.Fatalf("responses = %d, want 1", len(items))
	}
	step := items[0]
	want := []map[string]any{{"loop": map[string]any{"score": 50}}}
	if diff := cmp.Diff(want, step.Results); diff != "" {
		t.Errorf("step Results (-want +got):\n%s", diff)
	}
	if !step.ExtraBool(models.ExtraAgentStep) {
		t.Error("step item not tagged agent_step")
	}

	if len(caller.calls) != 1 {
		t.Fatalf("runner calls = %d, want 1", len(caller.calls))
	}
	next := caller.calls[0]
	if next.Prompt != "add a rhyme" || next.Item != step {
		t.Errorf("continuation prompt=%q item=%p, want instruction on the step item", next.Prompt, next.Item)
	}
	if next.Goal != "write a poem" || next.Evaluations != 1 {
		t.Errorf("continuation goal=%q evaluations=%d", next.Goal, next.Evaluations)
	}
	if got := len(sink.ofType(models.AgentEventIdle)); got != 0 {
		t.Errorf("idle events = %d, want 0", got)
	}
	if item.ExtraBool(models.ExtraAgentEvalFinish) {
		t.Error("agent_eval_finish set on a continued turn")
	}
}

func TestLoop_HandleEvaluation_Finishes(t *testing.T) {
	tests := []struct {
		name       string
		cfg        LoopConfig
		evaluated  int
		result     EvaluationResult
		wantFinish bool
	}{
		{name: "good score", cfg: LoopConfig{GoodScore: 75}, result: EvaluationResult{Score: 80}, wantFinish: true},
		{name: "exact good score", cfg: LoopConfig{GoodScore: 75}, result: EvaluationResult{Score: 75}, wantFinish: true},
		{name: "zero good score accepts zero", cfg: LoopConfig{GoodScore: 0}, result: EvaluationResult{Score: 0}, wantFinish: true},
		{name: "aborted", cfg: LoopConfig{GoodScore: 75}, result: EvaluationResult{Score: -1}},
		{name: "round limit", cfg: LoopConfig{GoodScore: 75, MaxEvaluations: 2}, evaluated: 1, result: EvaluationResult{Score: 10, Instruction: "retry"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caller := &recordingCaller{}
			loop := newTestLoop(tt.cfg, caller, &fakeOnce{})
			sink := &recordingSink{}
			item := testItem("task")
			opts := &CallOptions{Item: item, Prompt: "task", Evaluations: tt.evaluated}

			ok, err := loop.HandleEvaluation(context.Background(), opts, item, tt.result, NewEventEmitter("run", sink))
			if err != nil || !ok {
				t.Fatalf("HandleEvaluation() = %v, %v", ok, err)
			}
			if len(caller.calls) != 0 {
				t.Errorf("runner calls = %d, want 0", len(caller.calls))
			}
			if got := len(sink.ofType(models.AgentEventIdle)); got != 1 {
				t.Errorf("idle events = %d, want exactly 1", got)
			}
			if len(sink.responses()) != 0 {
				t.Errorf("responses = %d, want 0", len(sink.responses()))
			}
			if got := item.ExtraBool(models.ExtraAgentEvalFinish); got != tt.wantFinish {
				t.Errorf("agent_eval_finish = %v, want %v", got, tt.wantFinish)
			}
		})
	}
}

func TestLoop_Evaluate(t *testing.T) {
	tests := []struct {
		name    string
		outputs []ToolOutput
		want    EvaluationResult
	}{
		{
			name:    "typed verdict",
			outputs: []ToolOutput{{Tool: "send_feedback", Value: EvaluationResult{Score: 60, Instruction: "more"}}},
			want:    EvaluationResult{Score: 60, Instruction: "more"},
		},
		{
			name: "last verdict wins",
			outputs: []ToolOutput{
				{Tool: "send_feedback", Value: &EvaluationResult{Score: 10}},
				{Tool: "read_file", Output: "x"},
				{Tool: "send_feedback", Value: EvaluationResult{Score: 90}},
			},
			want: EvaluationResult{Score: 90},
		},
		{
			name:    "no verdict aborts",
			outputs: []ToolOutput{{Tool: "read_file", Output: "x"}},
			want:    EvaluationResult{Score: -1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			once := &fakeOnce{result: &OnceResult{Item: testItem(""), ToolOutputs: tt.outputs}}
			loop := newTestLoop(LoopConfig{Model: "judge"}, &recordingCaller{}, once)

			response := testItem("task")
			response.SetOutput("an answer", "")
			got, err := loop.Evaluate(context.Background(), &CallOptions{Item: response, Prompt: "task", Model: testModel()}, response)
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Evaluate() = %+v, want %+v", got, tt.want)
			}
			if once.opts.ProviderID != "evaluator" {
				t.Errorf("ProviderID = %q, want evaluator", once.opts.ProviderID)
			}
			if once.opts.Model.ID != "judge" {
				t.Errorf("Model = %q, want the override model", once.opts.Model.ID)
			}
			if !strings.Contains(once.opts.Prompt, "an answer") || !strings.Contains(once.opts.Prompt, "task") {
				t.Errorf("prompt misses task or answer: %q", once.opts.Prompt)
			}
		})
	}
}

func TestLoop_Evaluate_PromptModes(t *testing.T) {
	for _, mode := range []string{EvalModeScore, EvalModeComplete} {
		once := &fakeOnce{result: &OnceResult{}}
		loop := newTestLoop(LoopConfig{Mode: mode}, &recordingCaller{}, once)
		response := testItem("t")
		if _, err := loop.Evaluate(context.Background(), &CallOptions{Item: response, Prompt: "t", Model: testModel()}, response); err != nil {
			t.Fatalf("Evaluate() error = %v", err)
		}
		complete := strings.Contains(once.opts.Prompt, "percentage")
		if complete != (mode == EvalModeComplete) {
			t.Errorf("mode %s used the wrong prompt: %q", mode, once.opts.Prompt)
		}
	}
}

func TestLoop_Iterate_EvaluatorError(t *testing.T) {
	loop := newTestLoop(LoopConfig{}, &recordingCaller{}, &fakeOnce{err: errors.New("no provider")})
	sink := &recordingSink{}
	item := testItem("t")

	ok, err := loop.Iterate(context.Background(), &CallOptions{Item: item, Model: testModel()}, item, NewEventEmitter("run", sink))
	if ok || err == nil {
		t.Fatalf("Iterate() = %v, %v; want an error", ok, err)
	}
	var runErr *RunError
	if !errors.As(err, &runErr) || runErr.Phase != PhaseEvaluate {
		t.Errorf("error = %v, want an evaluate-phase RunError", err)
	}
	if got := len(sink.ofType(models.AgentEventIdle)); got != 1 {
		t.Errorf("idle events = %d, want 1", got)
	}
}

func TestLoopConfig_Sanitize(t *testing.T) {
	cfg := LoopConfig{Mode: "bogus", GoodScore: -5, MaxEvaluations: -1}
	cfg.sanitize()
	want := LoopConfig{Mode: EvalModeScore, GoodScore: 0, Provider: "evaluator"}
	if cfg != want {
		t.Errorf("sanitize() = %+v, want %+v", cfg, want)
	}
}
