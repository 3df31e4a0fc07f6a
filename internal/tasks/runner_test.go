package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dohr-michael/deskpilot/internal/actions"
	"github.com/dohr-michael/deskpilot/internal/config"
	"github.com/dohr-michael/deskpilot/internal/conversation"
	"github.com/dohr-michael/deskpilot/internal/events"
	"github.com/dohr-michael/deskpilot/internal/models"
)

// --- fakes ---

type stepFunc func(in models.StepInput) (*models.Output, error)

type scriptedProvider struct {
	mu     sync.Mutex
	steps  []stepFunc
	inputs []models.StepInput
}

func (p *scriptedProvider) NextStep(_ context.Context, in models.StepInput) (*models.Output, error) {
	p.mu.Lock()
	n := len(p.inputs)
	p.inputs = append(p.inputs, in)
	var fn stepFunc
	if n < len(p.steps) {
		fn = p.steps[n]
	} else if len(p.steps) > 0 {
		fn = p.steps[len(p.steps)-1] // repeat the last step
	}
	p.mu.Unlock()
	if fn == nil {
		return &models.Output{Kind: models.OutputNeedsHelp, Text: "script exhausted"}, nil
	}
	return fn(in)
}

func (p *scriptedProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inputs)
}

type fakeExecutor struct {
	mu    sync.Mutex
	reqs  []actions.Request
	reply func(n int, req actions.Request) (*actions.Result, error)
}

func (e *fakeExecutor) Execute(_ context.Context, req actions.Request) (*actions.Result, error) {
	e.mu.Lock()
	n := len(e.reqs)
	e.reqs = append(e.reqs, req)
	e.mu.Unlock()
	if e.reply != nil {
		return e.reply(n, req)
	}
	if req.Kind == actions.Screenshot {
		return &actions.Result{Kind: req.Kind, Image: &actions.Image{MediaType: "image/png", Data: "iVBORw0KGgo="}}, nil
	}
	return &actions.Result{Kind: req.Kind}, nil
}

func (e *fakeExecutor) kinds() []actions.Kind {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]actions.Kind, len(e.reqs))
	for i, r := range e.reqs {
		out[i] = r.Kind
	}
	return out
}

type fakeSignal struct {
	cancelled atomic.Bool
	done      chan struct{}
	once      sync.Once
}

func newFakeSignal() *fakeSignal { return &fakeSignal{done: make(chan struct{})} }

func (s *fakeSignal) Cancelled() bool { return s.cancelled.Load() }
func (s *fakeSignal) Done() <-chan struct{} { return s.done }
func (s *fakeSignal) cancel() {
	s.once.Do(func() {
		s.cancelled.Store(true)
		close(s.done)
	})
}

type fakeCreator struct {
	mu       sync.Mutex
	children []string
}

func (c *fakeCreator) CreateChild(_ context.Context, parent *Task, description string, priority Priority) (*Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.children = append(c.children, description)
	return &Task{ID: fmt.Sprintf("task_child%02d", len(c.children)), ParentID: parent.ID, Description: description, Priority: priority}, nil
}

// --- helpers ---

type harness struct {
	store  *SQLStore
	conv   *conversation.Store
	exec   *fakeExecutor
	signal *fakeSignal
	runner *Runner
	task   *Task
}

func testLoop() config.LoopConfig {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	loop := cfg.Loop
	off := false
	loop.AutoScreenshot = &off
	loop.ScreenshotDelay = config.Duration(time.Millisecond)
	loop.ActionRetry.BaseDelay = config.Duration(time.Millisecond)
	loop.ActionRetry.MaxDelay = config.Duration(2 * time.Millisecond)
	loop.ProviderRetry.BaseDelay = config.Duration(time.Millisecond)
	loop.ProviderRetry.MaxDelay = config.Duration(2 * time.Millisecond)
	return loop
}

func newHarness(t *testing.T, exec *fakeExecutor, loop config.LoopConfig, bus *events.Bus, creator TaskCreator, convOpts ...conversation.Option) *harness {
	t.Helper()
	ctx := context.Background()
	db := openDB(t)
	store := NewSQLStore(db)
	conv := conversation.NewStore(db, convOpts...)
	if exec == nil {
		exec = &fakeExecutor{}
	}

	task := &Task{Description: "Click the OK button"}
	if err := store.Create(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	running, err := store.UpdateStatus(ctx, task.ID, StatusRunning, "", StatusPending)
	if err != nil {
		t.Fatalf("claim task: %v", err)
	}

	return &harness{
		store:  store,
		conv:   conv,
		exec:   exec,
		signal: newFakeSignal(),
		runner: NewRunner(RunnerConfig{
			Store:        store,
			Conversation: conv,
			Executor:     exec,
			Bus:          bus,
			Loop:         loop,
			Creator:      creator,
		}),
		task: running,
	}
}

func (h *harness) run(t *testing.T, p Provider) Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return h.runCtx(ctx, t, p)
}

func (h *harness) runCtx(ctx context.Context, t *testing.T, p Provider) Status {
	t.Helper()
	st := h.runner.Run(ctx, h.task, p, h.signal)
	stored, err := h.store.Get(context.Background(), h.task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if stored.Status != st {
		t.Errorf("Run returned %s but store has %s", st, stored.Status)
	}
	return st
}

func (h *harness) history(t *testing.T) []*conversation.Message {
	t.Helper()
	msgs, err := h.conv.History(context.Background(), h.task.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	return msgs
}

func callOutput(text string, calls ...models.ToolCall) stepFunc {
	return func(models.StepInput) (*models.Output, error) {
		return &models.Output{Kind: models.OutputToolCalls, Text: text, Calls: calls}, nil
	}
}

func textOutput(kind models.OutputKind, text string) stepFunc {
	return func(models.StepInput) (*models.Output, error) {
		return &models.Output{Kind: kind, Text: text}, nil
	}
}

func failing(err error) stepFunc {
	return func(models.StepInput) (*models.Output, error) { return nil, err }
}

func call(id string, kind actions.Kind, args map[string]any) models.ToolCall {
	if args == nil {
		args = map[string]any{}
	}
	raw, _ := json.Marshal(args)
	return models.ToolCall{ID: id, Name: models.ToolName(kind), Kind: kind, Arguments: args, Raw: raw}
}

func toolResults(msgs []*conversation.Message) []*conversation.ToolResult {
	var out []*conversation.ToolResult
	for _, m := range msgs {
		for _, b := range m.Content {
			if b.Type == conversation.BlockToolResult {
				out = append(out, b.ToolResult)
			}
		}
	}
	return out
}

func countRole(msgs []*conversation.Message, role conversation.Role) int {
	n := 0
	for _, m := range msgs {
		if m.Role == role {
			n++
		}
	}
	return n
}

// --- tests ---

func TestRun_ClickThenComplete(t *testing.T) {
	h := newHarness(t, nil, testLoop(), nil, nil)
	p := &scriptedProvider{steps: []stepFunc{
		callOutput("", call("call_1", actions.ClickMouse, map[string]any{"coordinates": map[string]any{"x": 10, "y": 20}})),
		textOutput(models.OutputComplete, "Clicked OK"),
	}}

	if st := h.run(t, p); st != StatusCompleted {
		t.Fatalf("expected completed, got %s", st)
	}

	msgs := h.history(t)
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
	if msgs[0].Role != conversation.RoleUser || msgs[0].Text() != "Click the OK button" {
		t.Errorf("unexpected first message: %+v", msgs[0])
	}
	if n := countRole(msgs, conversation.RoleAssistant); n != 2 {
		t.Errorf("expected 2 assistant messages, got %d", n)
	}
	results := toolResults(msgs)
	if len(results) != 1 || results[0].ToolUseID != "call_1" || results[0].IsError {
		t.Fatalf("unexpected tool results: %+v", results)
	}
	if got := h.exec.kinds(); len(got) != 1 || got[0] != actions.ClickMouse {
		t.Errorf("expected one click, got %v", got)
	}

	stored, _ := h.store.Get(context.Background(), h.task.ID)
	if stored.Summary != "Clicked OK" || stored.CompletedAt == nil {
		t.Errorf("unexpected stored task: %+v", stored)
	}
	if !strings.Contains(p.inputs[0].System, "Click the OK button") {
		t.Error("system prompt should carry the task description")
	}
}

func TestRun_UnreachableExecutorRetries(t *testing.T) {
	exec := &fakeExecutor{reply: func(int, actions.Request) (*actions.Result, error) {
		return nil, &actions.Error{Kind: actions.ErrUnreachable, Action: actions.ClickMouse, Message: "connection refused"}
	}}
	h := newHarness(t, exec, testLoop(), nil, nil)
	p := &scriptedProvider{steps: []stepFunc{
		callOutput("", call("call_1", actions.ClickMouse, map[string]any{"coordinates": map[string]any{"x": 1, "y": 1}})),
		textOutput(models.OutputComplete, "gave up on clicking"),
	}}

	if st := h.run(t, p); st != StatusCompleted {
		t.Fatalf("expected the loop to continue to completion, got %s", st)
	}
	if n := len(exec.kinds()); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}

	results := toolResults(h.history(t))
	if len(results) != 1 || !results[0].IsError {
		t.Fatalf("expected one error result, got %+v", results)
	}
	if p.calls() != 2 {
		t.Errorf("expected the model to see the failure, got %d provider calls", p.calls())
	}
}

func TestRun_InvalidParametersNotRetried(t *testing.T) {
	exec := &fakeExecutor{reply: func(int, actions.Request) (*actions.Result, error) {
		return nil, &actions.Error{Kind: actions.ErrInvalidParameters, Action: actions.ClickMouse, Message: "coordinates is required"}
	}}
	h := newHarness(t, exec, testLoop(), nil, nil)
	p := &scriptedProvider{steps: []stepFunc{
		callOutput("", call("call_1", actions.ClickMouse, nil)),
		textOutput(models.OutputComplete, "done"),
	}}

	h.run(t, p)
	if n := len(exec.kinds()); n != 1 {
		t.Errorf("expected a single attempt, got %d", n)
	}
}

func TestRun_StallGuard(t *testing.T) {
	bus := events.NewBus(64)
	defer bus.Close()
	stalled := make(chan events.Event, 1)
	bus.Subscribe(func(e events.Event) { stalled <- e }, events.EventTaskStalled)

	h := newHarness(t, nil, testLoop(), bus, nil)
	p := &scriptedProvider{steps: []stepFunc{
		callOutput("", call("call_x", actions.Screenshot, nil)),
	}}

	if st := h.run(t, p); st != StatusNeedsHelp {
		t.Fatalf("expected needs_help, got %s", st)
	}
	if p.calls() != 4 {
		t.Errorf("expected the stall to trip after 4 steps, got %d", p.calls())
	}

	select {
	case e := <-stalled:
		payload, ok := events.ExtractPayload[events.TaskStalledPayload](e)
		if !ok || payload.Rule != StallRepeatedObservation || payload.Window != 4 {
			t.Errorf("unexpected stall payload %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for stall event")
	}

	msgs := h.history(t)
	last := msgs[len(msgs)-1]
	if last.Role != conversation.RoleAssistant || !strings.Contains(last.Text(), "stuck") {
		t.Errorf("expected a stall notice, got %+v", last)
	}
}

func TestRun_CancelStopsDispatch(t *testing.T) {
	h := newHarness(t, nil, testLoop(), nil, nil)
	p := &scriptedProvider{steps: []stepFunc{
		func(models.StepInput) (*models.Output, error) {
			h.signal.cancel()
			return &models.Output{Kind: models.OutputToolCalls, Calls: []models.ToolCall{call("call_1", actions.ClickMouse, nil)}}, nil
		},
	}}

	if st := h.run(t, p); st != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", st)
	}
	if n := len(h.exec.kinds()); n != 0 {
		t.Errorf("expected no dispatch after cancellation, got %d", n)
	}
	if n := countRole(h.history(t), conversation.RoleAssistant); n != 0 {
		t.Errorf("output produced after cancellation should be discarded, got %d assistant messages", n)
	}
}

func TestRun_CancelMidBatch(t *testing.T) {
	var h *harness
	exec := &fakeExecutor{reply: func(n int, req actions.Request) (*actions.Result, error) {
		h.signal.cancel()
		return &actions.Result{Kind: req.Kind}, nil
	}}
	h = newHarness(t, exec, testLoop(), nil, nil)
	p := &scriptedProvider{steps: []stepFunc{
		callOutput("",
			call("call_1", actions.ClickMouse, map[string]any{"coordinates": map[string]any{"x": 1, "y": 1}}),
			call("call_2", actions.TypeText, map[string]any{"text": "hello"}),
		),
	}}

	if st := h.run(t, p); st != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", st)
	}
	if n := len(exec.kinds()); n != 1 {
		t.Errorf("expected 1 dispatched action, got %d", n)
	}

	msgs := h.history(t)
	if err := conversation.ValidateHistory(msgs); err != nil {
		t.Fatalf("history should stay valid: %v", err)
	}
	if len(conversation.UnansweredToolUses(msgs)) != 0 {
		t.Error("every recorded call should have a result")
	}
	results := toolResults(msgs)
	if len(results) != 2 || results[0].IsError || !results[1].IsError {
		t.Errorf("unexpected results: %+v", results)
	}
}

func TestRun_ProviderFailures(t *testing.T) {
	tests := []struct {
		name      string
		steps     []stepFunc
		want      Status
		wantCalls int
	}{
		{
			name:      "rejected",
			steps:     []stepFunc{failing(fmt.Errorf("%w: invalid request", models.ErrProviderRejected))},
			want:      StatusNeedsHelp,
			wantCalls: 1,
		},
		{
			name:      "unavailable",
			steps:     []stepFunc{failing(fmt.Errorf("%w: 503", models.ErrProviderUnavailable))},
			want:      StatusNeedsHelp,
			wantCalls: 3,
		},
		{
			name: "unavailable then recovers",
			steps: []stepFunc{
				failing(fmt.Errorf("%w: 429", models.ErrProviderUnavailable)),
				textOutput(models.OutputComplete, "done"),
			},
			want:      StatusCompleted,
			wantCalls: 2,
		},
		{
			name: "malformed once",
			steps: []stepFunc{
				failing(fmt.Errorf("%w: empty output", models.ErrProviderMalformedOutput)),
				textOutput(models.OutputComplete, "done"),
			},
			want:      StatusCompleted,
			wantCalls: 2,
		},
		{
			name:      "malformed twice",
			steps:     []stepFunc{failing(fmt.Errorf("%w: empty output", models.ErrProviderMalformedOutput))},
			want:      StatusNeedsHelp,
			wantCalls: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil, testLoop(), nil, nil)
			p := &scriptedProvider{steps: tt.steps}
			if st := h.run(t, p); st != tt.want {
				t.Fatalf("got %s, want %s", st, tt.want)
			}
			if p.calls() != tt.wantCalls {
				t.Errorf("got %d provider calls, want %d", p.calls(), tt.wantCalls)
			}
		})
	}
}

func TestRun_NeedsHelpRecordsReason(t *testing.T) {
	h := newHarness(t, nil, testLoop(), nil, nil)
	p := &scriptedProvider{steps: []stepFunc{textOutput(models.OutputNeedsHelp, "a captcha blocks the login")}}

	if st := h.run(t, p); st != StatusNeedsHelp {
		t.Fatalf("expected needs_help, got %s", st)
	}
	stored, _ := h.store.Get(context.Background(), h.task.ID)
	if stored.Error != "a captcha blocks the login" || stored.CompletedAt != nil {
		t.Errorf("unexpected stored task: %+v", stored)
	}
}

func TestRun_IterationLimit(t *testing.T) {
	loop := testLoop()
	loop.MaxIterations = 2
	h := newHarness(t, nil, loop, nil, nil)
	p := &scriptedProvider{steps: []stepFunc{textOutput(models.OutputText, "thinking")}}

	if st := h.run(t, p); st != StatusNeedsHelp {
		t.Fatalf("expected needs_help, got %s", st)
	}
	if p.calls() != 2 {
		t.Errorf("expected 2 provider calls, got %d", p.calls())
	}
}

func TestRun_RepairsInterruptedCalls(t *testing.T) {
	h := newHarness(t, nil, testLoop(), nil, nil)
	ctx := context.Background()
	if _, err := h.conv.Append(ctx, h.task.ID, conversation.RoleUser, []conversation.Block{conversation.TextBlock(h.task.Description)}); err != nil {
		t.Fatal(err)
	}
	use := conversation.ToolUseBlock("call_lost", models.ToolName(actions.ClickMouse), json.RawMessage(`{}`), false)
	if _, err := h.conv.Append(ctx, h.task.ID, conversation.RoleAssistant, []conversation.Block{use}); err != nil {
		t.Fatal(err)
	}

	p := &scriptedProvider{steps: []stepFunc{textOutput(models.OutputComplete, "done")}}
	if st := h.run(t, p); st != StatusCompleted {
		t.Fatalf("expected completed, got %s", st)
	}

	msgs := h.history(t)
	if msgs[0].Text() != h.task.Description || countRole(msgs, conversation.RoleUser) != 1 {
		t.Error("description should not be appended twice")
	}
	results := toolResults(msgs)
	if len(results) != 1 || results[0].ToolUseID != "call_lost" || !results[0].IsError {
		t.Errorf("expected an error result for the lost call, got %+v", results)
	}
}

func TestRun_AutoScreenshotAfterLastChange(t *testing.T) {
	loop := testLoop()
	on := true
	loop.AutoScreenshot = &on
	h := newHarness(t, nil, loop, nil, nil)
	p := &scriptedProvider{steps: []stepFunc{
		callOutput("",
			call("call_1", actions.ClickMouse, map[string]any{"coordinates": map[string]any{"x": 5, "y": 5}}),
			call("call_2", actions.TypeText, map[string]any{"text": "hi"}),
			call("call_3", actions.CursorPosition, nil),
		),
		textOutput(models.OutputComplete, "done"),
	}}

	h.run(t, p)

	want := []actions.Kind{actions.ClickMouse, actions.TypeText, actions.Screenshot, actions.CursorPosition}
	got := h.exec.kinds()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("got dispatch order %v, want %v", got, want)
	}

	results := toolResults(h.history(t))
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for i, r := range results {
		hasImage := false
		for _, b := range r.Content {
			if b.Type == conversation.BlockImage {
				hasImage = true
			}
		}
		if hasImage != (i == 1) {
			t.Errorf("result %d: image attached = %v", i, hasImage)
		}
	}
}

func TestRun_CreateTask(t *testing.T) {
	loop := testLoop()
	loop.AllowCreateTask = true
	creator := &fakeCreator{}
	h := newHarness(t, nil, loop, nil, creator)
	spawn := models.ToolCall{
		ID:        "call_1",
		Name:      models.ToolCreateTask,
		Arguments: map[string]any{"description": "Archive old mail", "priority": "low"},
		Raw:       json.RawMessage(`{"description":"Archive old mail","priority":"low"}`),
	}
	p := &scriptedProvider{steps: []stepFunc{
		callOutput("", spawn),
		textOutput(models.OutputComplete, "done"),
	}}

	if st := h.run(t, p); st != StatusCompleted {
		t.Fatalf("expected completed, got %s", st)
	}
	if len(creator.children) != 1 || creator.children[0] != "Archive old mail" {
		t.Errorf("unexpected children %v", creator.children)
	}
	if !p.inputs[0].AllowCreateTask {
		t.Error("create_task should be offered")
	}
	results := toolResults(h.history(t))
	if len(results) != 1 || results[0].IsError {
		t.Errorf("unexpected result %+v", results)
	}
}

func TestRun_ShutdownLeavesTaskRunning(t *testing.T) {
	h := newHarness(t, nil, testLoop(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := &scriptedProvider{steps: []stepFunc{
		func(models.StepInput) (*models.Output, error) {
			cancel()
			return nil, context.Canceled
		},
	}}

	if st := h.runCtx(ctx, t, p); st != StatusRunning {
		t.Fatalf("expected the task to stay running for recovery, got %s", st)
	}
}

func TestRun_CancelDuringCompaction(t *testing.T) {
	var h *harness
	summarize := func(context.Context, string) (string, error) {
		h.signal.cancel()
		return "the user asked to click OK", nil
	}
	h = newHarness(t, nil, testLoop(), nil, nil,
		conversation.WithPolicy(conversation.Policy{MaxMessages: 2}),
		conversation.WithSummarizer(summarize),
	)
	p := &scriptedProvider{steps: []stepFunc{
		textOutput(models.OutputText, "Looking for the button."),
	}}

	if st := h.run(t, p); st != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", st)
	}
	// The third iteration compacts; no model call may follow the cancel.
	if p.calls() != 2 {
		t.Errorf("expected 2 provider calls, got %d", p.calls())
	}
}

func TestRun_CorruptHistoryFails(t *testing.T) {
	ctx := context.Background()

	t.Run("at start", func(t *testing.T) {
		h := newHarness(t, nil, testLoop(), nil, nil)
		if _, err := h.conv.Append(ctx, h.task.ID, conversation.RoleUser, []conversation.Block{conversation.TextBlock(h.task.Description)}); err != nil {
			t.Fatalf("append: %v", err)
		}
		orphan := conversation.ToolResultBlock("call_ghost", false, conversation.TextBlock("ok"))
		if _, err := h.conv.Append(ctx, h.task.ID, conversation.RoleTool, []conversation.Block{orphan}); err != nil {
			t.Fatalf("append: %v", err)
		}
		p := &scriptedProvider{}

		if st := h.run(t, p); st != StatusFailed {
			t.Fatalf("expected failed, got %s", st)
		}
		if p.calls() != 0 {
			t.Errorf("expected no provider call, got %d", p.calls())
		}
		stored, _ := h.store.Get(ctx, h.task.ID)
		if !strings.Contains(stored.Error, "corrupt conversation history") {
			t.Errorf("unexpected error %q", stored.Error)
		}
	})

	t.Run("between iterations", func(t *testing.T) {
		var h *harness
		p := &scriptedProvider{steps: []stepFunc{
			func(models.StepInput) (*models.Output, error) {
				orphan := conversation.ToolResultBlock("call_ghost", false, conversation.TextBlock("ok"))
				if _, err := h.conv.Append(ctx, h.task.ID, conversation.RoleTool, []conversation.Block{orphan}); err != nil {
					return nil, err
				}
				return &models.Output{Kind: models.OutputText, Text: "Thinking."}, nil
			},
			textOutput(models.OutputComplete, "done"),
		}}
		h = newHarness(t, nil, testLoop(), nil, nil)

		if st := h.run(t, p); st != StatusFailed {
			t.Fatalf("expected failed, got %s", st)
		}
		if p.calls() != 1 {
			t.Errorf("expected 1 provider call, got %d", p.calls())
		}
	})
}

func TestRun_PanicBecomesFailed(t *testing.T) {
	h := newHarness(t, nil, testLoop(), nil, nil)
	p := &scriptedProvider{steps: []stepFunc{
		func(models.StepInput) (*models.Output, error) { panic("boom") },
	}}

	if st := h.run(t, p); st != StatusFailed {
		t.Fatalf("expected failed, got %s", st)
	}
	stored, err := h.store.Get(context.Background(), h.task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if stored.Error != "internal error: boom" {
		t.Errorf("got error %q, want %q", stored.Error, "internal error: boom")
	}
}

func TestBackoff(t *testing.T) {
	cfg := config.RetryConfig{MaxAttempts: 5, BaseDelay: config.Duration(time.Second), MaxDelay: config.Duration(3 * time.Second)}
	tests := []struct {
		attempt  int
		min, max time.Duration
	}{
		{1, time.Second, 1200 * time.Millisecond},
		{2, 2 * time.Second, 2400 * time.Millisecond},
		{3, 3 * time.Second, 3600 * time.Millisecond},
		{6, 3 * time.Second, 3600 * time.Millisecond},
	}
	for _, tt := range tests {
		got := backoff(cfg, tt.attempt)
		if got < tt.min || got > tt.max {
			t.Errorf("attempt %d: got %v, want within [%v, %v]", tt.attempt, got, tt.min, tt.max)
		}
	}
}

func TestCallStepSignature(t *testing.T) {
	a := callStep([]models.ToolCall{call("1", actions.Screenshot, nil)})
	b := callStep([]models.ToolCall{call("2", actions.Screenshot, nil)})
	if a.signature != b.signature || !a.observational {
		t.Errorf("identical screenshots should share an observational signature: %+v %+v", a, b)
	}

	secret := callStep([]models.ToolCall{call("3", actions.TypeText, map[string]any{"text": "hunter2", "sensitive": true})})
	if strings.Contains(secret.signature, "hunter2") {
		t.Errorf("sensitive text leaked into signature %q", secret.signature)
	}
	if secret.observational {
		t.Error("typing is not observational")
	}
}

func TestStallGuard_LowVariety(t *testing.T) {
	g := newStallGuard(StallLowVariety, 4)
	click := callStep([]models.ToolCall{call("1", actions.ClickMouse, map[string]any{"x": 1})})
	shot := callStep([]models.ToolCall{call("2", actions.Screenshot, nil)})
	for i, s := range []step{click, shot, click} {
		if g.record(s) {
			t.Fatalf("stalled too early at step %d", i)
		}
	}
	if !g.record(shot) {
		t.Error("alternating between two steps should stall")
	}
}

func TestStallGuard_LowVarietyMinimumWindow(t *testing.T) {
	g := newStallGuard(StallLowVariety, 2)
	if g.window != minLowVarietyWindow {
		t.Fatalf("got window %d, want %d", g.window, minLowVarietyWindow)
	}
	click := callStep([]models.ToolCall{call("1", actions.ClickMouse, map[string]any{"x": 1})})
	shot := callStep([]models.ToolCall{call("2", actions.Screenshot, nil)})
	for i, s := range []step{click, shot, click} {
		if g.record(s) {
			t.Errorf("stalled at step %d with a short window", i)
		}
	}

	if g := newStallGuard(StallRepeatedObservation, 2); g.window != 2 {
		t.Errorf("repeated_observation window: got %d, want 2", g.window)
	}
}
