package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"runtime/debug"
	"time"

	"github.com/dohr-michael/deskpilot/internal/actions"
	"github.com/dohr-michael/deskpilot/internal/config"
	"github.com/dohr-michael/deskpilot/internal/conversation"
	"github.com/dohr-michael/deskpilot/internal/events"
	"github.com/dohr-michael/deskpilot/internal/models"
)

// Provider is the model side of the loop.
type Provider interface {
	NextStep(ctx context.Context, in models.StepInput) (*models.Output, error)
}

// imageCapable is implemented by providers that may report a lack of vision.
type imageCapable interface {
	SupportsImages() bool
}

// Conversation is the part of the conversation store the loop uses.
type Conversation interface {
	Append(ctx context.Context, taskID string, role conversation.Role, blocks []conversation.Block) (*conversation.Message, error)
	History(ctx context.Context, taskID string) ([]*conversation.Message, error)
	Read(ctx context.Context, taskID string) (*conversation.View, error)
	MaybeCompact(ctx context.Context, taskID string) (bool, error)
}

// Signal carries cooperative cancellation from the registry to a loop.
type Signal interface {
	Cancelled() bool
	Done() <-chan struct{}
}

// TaskCreator queues follow-up tasks requested by the model.
type TaskCreator interface {
	CreateChild(ctx context.Context, parent *Task, description string, priority Priority) (*Task, error)
}

// RunnerConfig holds dependencies for creating a Runner.
type RunnerConfig struct {
	Store        Store
	Conversation Conversation
	Executor     actions.Executor
	Bus          *events.Bus
	Loop         config.LoopConfig
	Creator      TaskCreator // optional; create_task is offered only when set and allowed
}

// Runner drives tasks through the model and the computer-control service.
// One Runner serves every task; per-task state lives in the run.
type Runner struct {
	store    Store
	conv     Conversation
	executor actions.Executor
	bus      *events.Bus
	loop     config.LoopConfig
	creator  TaskCreator
	now      func() time.Time
}

// NewRunner creates a Runner.
func NewRunner(cfg RunnerConfig) *Runner {
	return &Runner{
		store:    cfg.Store,
		conv:     cfg.Conversation,
		executor: cfg.Executor,
		bus:      cfg.Bus,
		loop:     cfg.Loop,
		creator:  cfg.Creator,
		now:      time.Now,
	}
}

// SetCreator binds the create_task handler. The actor pool both owns the
// runner and creates child tasks, so it is wired after construction. Must be
// called before the first Run.
func (r *Runner) SetCreator(c TaskCreator) {
	r.creator = c
}

// outcome is what an iteration decided.
type outcome struct {
	next   Status // StatusRunning to keep going
	detail string
	halt   bool // stop without a status change (process shutdown)
}

var proceed = outcome{next: StatusRunning}

func finish(st Status, detail string) outcome { return outcome{next: st, detail: detail} }

// run is the per-task state of the loop.
type run struct {
	task       *Task
	provider   Provider
	signal     Signal
	log        *slog.Logger
	system     string
	allowSpawn bool
	vision     bool
	stall      *stallGuard
}

// Run drives a task that is already RUNNING until it leaves that status or
// ctx is cancelled. It never panics and returns the status the task ended in;
// StatusRunning means the loop stopped because ctx was done.
func (r *Runner) Run(ctx context.Context, task *Task, provider Provider, signal Signal) (final Status) {
	ctx = events.ContextWithTaskID(ctx, task.ID)
	st := &run{
		task:       task,
		provider:   provider,
		signal:     signal,
		log:        slog.With("task_id", task.ID),
		allowSpawn: r.loop.AllowCreateTask && r.creator != nil,
		vision:     true,
		stall:      newStallGuard(r.loop.Stall.Rule, r.loop.Stall.Window),
	}
	if ic, ok := provider.(imageCapable); ok {
		st.vision = ic.SupportsImages()
	}
	st.system = buildSystemPrompt(r.loop, task, st.allowSpawn, r.now())

	out := r.guard(st, func() outcome { return r.start(ctx, st) })
	for iteration := 1; out == proceed; iteration++ {
		out = r.guard(st, func() outcome { return r.iterate(ctx, st, iteration) })
	}
	if out.halt {
		st.log.Info("task loop interrupted", "reason", context.Cause(ctx))
		return StatusRunning
	}
	return r.transition(ctx, st, out.next, out.detail)
}

// guard converts a panic into a FAILED outcome.
func (r *Runner) guard(st *run, fn func() outcome) (out outcome) {
	defer func() {
		if p := recover(); p != nil {
			st.log.Error("task loop panic", "panic", p, "stack", string(debug.Stack()))
			out = finish(StatusFailed, fmt.Sprintf("internal error: %v", p))
		}
	}()
	return fn()
}

// start seeds the conversation and repairs it after a crash.
func (r *Runner) start(ctx context.Context, st *run) outcome {
	history, err := r.conv.History(ctx, st.task.ID)
	if err != nil {
		return r.failure(ctx, st, "read history", err)
	}
	if len(history) == 0 {
		if _, err := r.append(ctx, st, conversation.RoleUser, conversation.TextBlock(st.task.Description)); err != nil {
			return r.failure(ctx, st, "append description", err)
		}
		return proceed
	}
	if err := conversation.ValidateHistory(history); err != nil {
		return finish(StatusFailed, "corrupt conversation history: "+err.Error())
	}

	// Calls dispatched before a crash have no recorded result. Their effect is
	// unknown, so the model is told they failed.
	for _, tu := range conversation.UnansweredToolUses(history) {
		st.log.Warn("answering interrupted tool call", "call_id", tu.ID, "tool", tu.Name)
		result := conversation.ToolResultBlock(tu.ID, true,
			conversation.TextBlock("interrupted before a result was recorded; the action may or may not have taken effect"))
		if _, err := r.append(ctx, st, conversation.RoleTool, result); err != nil {
			return r.failure(ctx, st, "repair history", err)
		}
	}
	return proceed
}

func (r *Runner) iterate(ctx context.Context, st *run, iteration int) outcome {
	if st.signal.Cancelled() {
		return finish(StatusCancelled, "cancelled")
	}
	if ctx.Err() != nil {
		return outcome{halt: true}
	}
	if limit := r.loop.MaxIterations; limit > 0 && iteration > limit {
		msg := fmt.Sprintf("Stopping after %d iterations without finishing. Please check the task and resume it with guidance.", limit)
		if _, err := r.append(ctx, st, conversation.RoleAssistant, conversation.TextBlock(msg)); err != nil {
			return r.failure(ctx, st, "append iteration limit", err)
		}
		return finish(StatusNeedsHelp, fmt.Sprintf("iteration limit %d reached", limit))
	}

	if compacted, err := r.conv.MaybeCompact(ctx, st.task.ID); err != nil {
		st.log.Warn("conversation compaction failed", "error", err)
	} else if compacted {
		st.log.Debug("conversation compacted")
	}
	// Compaction calls the model too; a cancel that arrived meanwhile must not
	// start another call.
	if st.signal.Cancelled() {
		return finish(StatusCancelled, "cancelled")
	}

	view, err := r.conv.Read(ctx, st.task.ID)
	if err != nil {
		return r.failure(ctx, st, "read conversation", err)
	}
	if err := conversation.ValidateHistory(view.Messages); err != nil {
		return finish(StatusFailed, "corrupt conversation history: "+err.Error())
	}

	out, stop := r.nextStep(ctx, st, view)
	if stop != nil {
		return *stop
	}
	if st.signal.Cancelled() {
		st.log.Info("discarding model output after cancellation")
		return finish(StatusCancelled, "cancelled")
	}

	var s step
	switch out.Kind {
	case models.OutputText:
		if _, err := r.append(ctx, st, conversation.RoleAssistant, conversation.TextBlock(out.Text)); err != nil {
			return r.failure(ctx, st, "append assistant text", err)
		}
		s = textStep()

	case models.OutputToolCalls:
		if o := r.dispatch(ctx, st, out); o != proceed {
			return o
		}
		s = callStep(out.Calls)

	case models.OutputComplete:
		if _, err := r.append(ctx, st, conversation.RoleAssistant, conversation.TextBlock(out.Text)); err != nil {
			return r.failure(ctx, st, "append completion", err)
		}
		return finish(StatusCompleted, out.Text)

	case models.OutputNeedsHelp:
		if _, err := r.append(ctx, st, conversation.RoleAssistant, conversation.TextBlock(out.Text)); err != nil {
			return r.failure(ctx, st, "append help request", err)
		}
		return finish(StatusNeedsHelp, out.Text)
	}

	if st.stall.record(s) {
		return r.stalled(ctx, st)
	}

	if d := r.loop.IterationDelay.Duration(); d > 0 && !r.wait(ctx, st, d) {
		return r.interrupted(st)
	}
	return proceed
}

// nextStep calls the provider with the retry policy of each failure class.
// A non-nil outcome ends the iteration.
func (r *Runner) nextStep(ctx context.Context, st *run, view *conversation.View) (*models.Output, *outcome) {
	in := models.StepInput{System: st.system, View: view, AllowCreateTask: st.allowSpawn}
	retry := r.loop.ProviderRetry
	malformedRetried := false

	for attempt := 1; ; attempt++ {
		out, err := st.provider.NextStep(ctx, in)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return nil, &outcome{halt: true}
		}

		switch {
		case errors.Is(err, models.ErrProviderRejected):
			o := finish(StatusNeedsHelp, "model provider rejected the request: "+err.Error())
			return nil, &o

		case errors.Is(err, models.ErrProviderMalformedOutput):
			if malformedRetried {
				o := finish(StatusNeedsHelp, "model output could not be interpreted: "+err.Error())
				return nil, &o
			}
			malformedRetried = true
			st.log.Warn("malformed model output, retrying", "error", err)
			attempt-- // does not consume the availability budget

		default:
			if attempt >= retry.MaxAttempts {
				o := finish(StatusNeedsHelp, fmt.Sprintf("model provider unavailable after %d attempts: %v", attempt, err))
				return nil, &o
			}
			delay := backoff(retry, attempt)
			st.log.Warn("model provider unavailable, retrying", "attempt", attempt, "delay", delay, "error", err)
			if !r.wait(ctx, st, delay) {
				o := r.interrupted(st)
				return nil, &o
			}
		}
	}
}

// dispatch records the model's calls and executes them strictly in order.
func (r *Runner) dispatch(ctx context.Context, st *run, out *models.Output) outcome {
	blocks := make([]conversation.Block, 0, len(out.Calls)+1)
	if out.Text != "" {
		blocks = append(blocks, conversation.TextBlock(out.Text))
	}
	for _, c := range out.Calls {
		blocks = append(blocks, conversation.ToolUseBlock(c.ID, c.Name, c.Raw, c.Sensitive()))
	}
	if _, err := r.append(ctx, st, conversation.RoleAssistant, blocks...); err != nil {
		return r.failure(ctx, st, "append tool calls", err)
	}

	lastChange := -1
	for i, c := range out.Calls {
		if c.Kind != "" && !actions.IsObservational(c.Kind) {
			lastChange = i
		}
	}

	for i, c := range out.Calls {
		if st.signal.Cancelled() {
			// Every recorded call gets an answer so the history stays valid.
			for _, rest := range out.Calls[i:] {
				result := conversation.ToolResultBlock(rest.ID, true, conversation.TextBlock("not executed: task cancelled"))
				if _, err := r.append(ctx, st, conversation.RoleTool, result); err != nil {
					return r.failure(ctx, st, "append tool result", err)
				}
			}
			return finish(StatusCancelled, "cancelled")
		}

		result := r.execute(ctx, st, c, i == lastChange)
		if ctx.Err() != nil {
			// Shutdown: the unanswered calls are repaired at the next start.
			return outcome{halt: true}
		}
		if _, err := r.append(ctx, st, conversation.RoleTool, result); err != nil {
			return r.failure(ctx, st, "append tool result", err)
		}
	}
	return proceed
}

// execute runs one call and returns its tool_result block. Failures become
// error results for the model; they never stop the loop.
func (r *Runner) execute(ctx context.Context, st *run, c models.ToolCall, screenshotAfter bool) conversation.Block {
	switch {
	case c.Name == models.ToolCreateTask:
		return r.createChild(ctx, st, c)
	case c.Kind == "":
		return conversation.ToolResultBlock(c.ID, true, conversation.TextBlock(fmt.Sprintf("unknown tool %q", c.Name)))
	}

	req := actions.Request{Kind: c.Kind, Params: c.Arguments}
	logged := c.Arguments
	if c.Sensitive() {
		logged = map[string]any{"text": "<redacted>", "sensitive": true}
	}
	r.publish(st, events.ActionCallPayload{Status: events.ActionStatusStarted, CallID: c.ID, Action: string(c.Kind), Arguments: logged})

	started := r.now()
	retry := r.loop.ActionRetry
	var (
		res *actions.Result
		err error
	)
	for attempt := 1; ; attempt++ {
		res, err = r.executor.Execute(ctx, req)
		if err == nil || !actions.IsUnreachable(err) || attempt >= retry.MaxAttempts || ctx.Err() != nil {
			break
		}
		delay := backoff(retry, attempt)
		r.publish(st, events.ActionCallPayload{Status: events.ActionStatusRetrying, CallID: c.ID, Action: string(c.Kind), Attempt: attempt, Error: err.Error()})
		st.log.Warn("executor unreachable, retrying", "action", c.Kind, "attempt", attempt, "delay", delay)
		if !r.wait(ctx, st, delay) {
			break
		}
	}

	if err != nil {
		r.publish(st, events.ActionCallPayload{Status: events.ActionStatusFailed, CallID: c.ID, Action: string(c.Kind), Error: err.Error(), Duration: r.now().Sub(started)})
		return conversation.ToolResultBlock(c.ID, true, conversation.TextBlock(err.Error()))
	}
	r.publish(st, events.ActionCallPayload{Status: events.ActionStatusCompleted, CallID: c.ID, Action: string(c.Kind), Duration: r.now().Sub(started)})

	content := []conversation.Block{conversation.TextBlock(formatPayload(res.Payload))}
	if res.Image != nil {
		content = append(content, conversation.ImageBlock(res.Image))
	}
	if screenshotAfter && st.vision && config.Enabled(r.loop.AutoScreenshot, true) {
		if img := r.screenshot(ctx, st); img != nil {
			content = append(content, conversation.ImageBlock(img))
		}
	}
	return conversation.ToolResultBlock(c.ID, false, content...)
}

// screenshot captures the screen after a state change once it has settled.
func (r *Runner) screenshot(ctx context.Context, st *run) *actions.Image {
	if !r.wait(ctx, st, r.loop.ScreenshotDelay.Duration()) {
		return nil
	}
	res, err := r.executor.Execute(ctx, actions.Request{Kind: actions.Screenshot})
	if err != nil {
		st.log.Warn("auto screenshot failed", "error", err)
		return nil
	}
	return res.Image
}

func (r *Runner) createChild(ctx context.Context, st *run, c models.ToolCall) conversation.Block {
	if !st.allowSpawn {
		return conversation.ToolResultBlock(c.ID, true, conversation.TextBlock("create_task is not available"))
	}
	desc, _ := c.Arguments["description"].(string)
	if desc == "" {
		return conversation.ToolResultBlock(c.ID, true, conversation.TextBlock("description is required"))
	}
	prio, _ := c.Arguments["priority"].(string)
	priority, err := ParsePriority(prio)
	if err != nil {
		return conversation.ToolResultBlock(c.ID, true, conversation.TextBlock(err.Error()))
	}
	child, err := r.creator.CreateChild(ctx, st.task, desc, priority)
	if err != nil {
		return conversation.ToolResultBlock(c.ID, true, conversation.TextBlock("create task: "+err.Error()))
	}
	st.log.Info("child task created", "child_id", child.ID)
	return conversation.ToolResultBlock(c.ID, false, conversation.TextBlock(fmt.Sprintf("created task %s (%s)", child.ID, child.Priority)))
}

func (r *Runner) stalled(ctx context.Context, st *run) outcome {
	sigs := st.stall.signatures()
	st.log.Warn("task stalled", "rule", st.stall.rule, "window", st.stall.window)
	r.publish(st, events.TaskStalledPayload{Rule: st.stall.rule, Window: st.stall.window, Signatures: sigs})

	msg := fmt.Sprintf("I seem to be stuck: my last %d steps made no progress. Stopping so you can take a look.", st.stall.window)
	if _, err := r.append(ctx, st, conversation.RoleAssistant, conversation.TextBlock(msg)); err != nil {
		return r.failure(ctx, st, "append stall notice", err)
	}
	return finish(StatusNeedsHelp, fmt.Sprintf("stalled (%s over %d steps)", st.stall.rule, st.stall.window))
}

// interrupted resolves a wait that ended early.
func (r *Runner) interrupted(st *run) outcome {
	if st.signal.Cancelled() {
		return finish(StatusCancelled, "cancelled")
	}
	return outcome{halt: true}
}

// failure handles an unexpected error. During shutdown it halts instead.
func (r *Runner) failure(ctx context.Context, st *run, op string, err error) outcome {
	if ctx.Err() != nil {
		return outcome{halt: true}
	}
	st.log.Error("task loop error", "op", op, "error", err)
	return finish(StatusFailed, fmt.Sprintf("%s: %v", op, err))
}

func (r *Runner) append(ctx context.Context, st *run, role conversation.Role, blocks ...conversation.Block) (*conversation.Message, error) {
	msg, err := r.conv.Append(ctx, st.task.ID, role, blocks)
	if err != nil {
		return nil, err
	}
	payload := events.TaskMessagePayload{Seq: msg.Seq, Role: string(role)}
	if role != conversation.RoleTool {
		payload.Content = msg.Text()
	}
	r.publish(st, payload)
	return msg, nil
}

// transition records the final status of a run.
func (r *Runner) transition(ctx context.Context, st *run, to Status, detail string) Status {
	if to == StatusRunning {
		return to
	}
	// The final write must survive a cancellation that races with it.
	ctx = context.WithoutCancel(ctx)
	if _, err := r.store.UpdateStatus(ctx, st.task.ID, to, detail, StatusRunning); err != nil {
		st.log.Error("update task status", "status", to, "error", err)
		if current, gerr := r.store.Get(ctx, st.task.ID); gerr == nil {
			return current.Status
		}
		return to
	}
	st.task.Status = to
	r.publish(st, events.TaskStatusPayload{From: string(StatusRunning), Status: string(to), Reason: detail})
	st.log.Info("task loop finished", "status", to, "detail", detail)
	return to
}

func (r *Runner) publish(st *run, payload events.EventPayload) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.NewTaskEvent(events.SourceTask, payload, st.task.ID))
}

// wait sleeps for d. It returns false when ctx is done or the task is cancelled.
func (r *Runner) wait(ctx context.Context, st *run, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil && !st.signal.Cancelled()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-st.signal.Done():
		return false
	}
}

// backoff returns the delay before retry attempt+1: exponential with up to
// 20% jitter, capped at MaxDelay.
func backoff(cfg config.RetryConfig, attempt int) time.Duration {
	d := cfg.BaseDelay.Duration()
	for i := 1; i < attempt; i++ {
		d *= 2
		if ceiling := cfg.MaxDelay.Duration(); ceiling > 0 && d >= ceiling {
			d = ceiling
			break
		}
	}
	if d <= 0 {
		return 0
	}
	return d + rand.N(d/5+1)
}

// formatPayload renders an action payload as the text the model reads.
func formatPayload(p map[string]any) string {
	if len(p) == 0 {
		return "OK"
	}
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Sprintf("%v", p)
	}
	return string(b)
}
