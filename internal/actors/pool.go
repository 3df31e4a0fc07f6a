package actors

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/dohr-michael/deskpilot/internal/config"
	"github.com/dohr-michael/deskpilot/internal/conversation"
	"github.com/dohr-michael/deskpilot/internal/events"
	"github.com/dohr-michael/deskpilot/internal/registry"
	"github.com/dohr-michael/deskpilot/internal/tasks"
)

var (
	// ErrNotResumable is returned by Resume for tasks not in needs_help.
	ErrNotResumable = errors.New("task is not waiting for help")
	// ErrInvalidRequest is returned for submissions that cannot be accepted.
	ErrInvalidRequest = errors.New("invalid request")
)

// defaultResumeNote is appended when a task is resumed without guidance.
const defaultResumeNote = "Continue with the task."

// pollInterval bounds the delay before a scheduled task becomes due.
const pollInterval = 5 * time.Second

// Runner drives one task loop.
type Runner interface {
	Run(ctx context.Context, task *tasks.Task, provider tasks.Provider, signal tasks.Signal) tasks.Status
}

// SubmitRequest describes a new task.
type SubmitRequest struct {
	Description  string          `json:"description"`
	Priority     tasks.Priority  `json:"priority,omitempty"`
	Model        string          `json:"model,omitempty"`
	ScheduledFor *time.Time      `json:"scheduled_for,omitempty"`
	ParentID     string          `json:"parent_id,omitempty"`
	CreatedBy    tasks.CreatedBy `json:"created_by,omitempty"`
}

// TaskView is a task together with its conversation.
type TaskView struct {
	Task     *tasks.Task             `json:"task"`
	Messages []*conversation.Message `json:"messages"`
	Active   bool                    `json:"active"`
}

// resumed is a task moved back to running that waits for a slot.
type resumed struct {
	task     *tasks.Task
	provider string
	handle   *registry.Handle
}

// ActorPool manages provider capacity slots and task scheduling.
type ActorPool struct {
	mu      sync.Mutex
	actors  []*Actor
	resumed []*resumed // FIFO, served before pending tasks

	store     tasks.Store
	conv      tasks.Conversation
	registry  *registry.Registry
	runner    Runner
	providers Providers
	bus       *events.Bus
	now       func() time.Time

	scheduleCh chan struct{} // wake-up signal for the scheduler
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// ActorPoolConfig holds configuration for building an ActorPool.
type ActorPoolConfig struct {
	Providers    map[string]config.ProviderConfig
	Store        tasks.Store
	Conversation tasks.Conversation
	Registry     *registry.Registry
	Runner       Runner
	Models       Providers
	Bus          *events.Bus
}

// NewActorPool creates an ActorPool with max_concurrent actors per provider.
func NewActorPool(cfg ActorPoolConfig) *ActorPool {
	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	slices.Sort(names)

	var actors []*Actor
	for _, name := range names {
		n := cfg.Providers[name].MaxConcurrent
		if n <= 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			actors = append(actors, &Actor{
				ID:           fmt.Sprintf("%s-%d", name, i),
				ProviderName: name,
				Status:       ActorIdle,
			})
		}
	}

	reg := cfg.Registry
	if reg == nil {
		reg = registry.New()
	}
	p := &ActorPool{
		actors:     actors,
		store:      cfg.Store,
		conv:       cfg.Conversation,
		registry:   reg,
		runner:     cfg.Runner,
		providers:  cfg.Models,
		bus:        cfg.Bus,
		now:        time.Now,
		scheduleCh: make(chan struct{}, 1),
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p
}

// Start launches the scheduler loop.
func (p *ActorPool) Start() {
	p.wg.Add(1)
	go p.scheduleLoop()
	slog.Info("actor pool started", "actors", len(p.actors))
}

// Stop interrupts running loops and waits for them to exit. Interrupted tasks
// stay running in the store and are recovered at the next start.
func (p *ActorPool) Stop() {
	p.cancel()
	p.wg.Wait()

	p.mu.Lock()
	for _, r := range p.resumed {
		r.handle.Release()
	}
	p.resumed = nil
	p.mu.Unlock()
	slog.Info("actor pool stopped")
}

// Actors returns a snapshot of the slots.
func (p *ActorPool) Actors() []Actor {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Actor, len(p.actors))
	for i, a := range p.actors {
		out[i] = *a
	}
	return out
}

// Submit validates and persists a new pending task, then wakes the scheduler.
func (p *ActorPool) Submit(ctx context.Context, req SubmitRequest) (*tasks.Task, error) {
	if req.Description == "" {
		return nil, fmt.Errorf("%w: description is required", ErrInvalidRequest)
	}
	priority, err := tasks.ParsePriority(string(req.Priority))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if _, err := p.providers.Resolve(req.Model); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.ParentID != "" {
		if _, err := p.store.Get(ctx, req.ParentID); err != nil {
			return nil, fmt.Errorf("parent task: %w", err)
		}
	}

	t := &tasks.Task{
		Description:  req.Description,
		Priority:     priority,
		Model:        req.Model,
		ScheduledFor: req.ScheduledFor,
		ParentID:     req.ParentID,
		CreatedBy:    req.CreatedBy,
	}
	if err := p.store.Create(ctx, t); err != nil {
		return nil, err
	}

	p.publish(t.ID, events.TaskCreatedPayload{
		Description: t.Description,
		Priority:    string(t.Priority),
		CreatedBy:   string(t.CreatedBy),
		ParentID:    t.ParentID,
		Model:       t.Model,
	})
	slog.Info("task submitted", "task_id", t.ID, "priority", t.Priority, "model", t.Model)

	p.wakeScheduler()
	return t, nil
}

// CreateChild queues a follow-up task on behalf of a running task.
func (p *ActorPool) CreateChild(ctx context.Context, parent *tasks.Task, description string, priority tasks.Priority) (*tasks.Task, error) {
	return p.Submit(ctx, SubmitRequest{
		Description: description,
		Priority:    priority,
		Model:       parent.Model,
		ParentID:    parent.ID,
		CreatedBy:   tasks.CreatedByAssistant,
	})
}

// Get returns a task with its full conversation.
func (p *ActorPool) Get(ctx context.Context, id string) (*TaskView, error) {
	t, err := p.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	msgs, err := p.conv.History(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("task %s history: %w", id, err)
	}
	return &TaskView{Task: t, Messages: msgs, Active: p.registry.IsActive(id)}, nil
}

// List returns tasks matching filter, oldest first.
func (p *ActorPool) List(ctx context.Context, filter tasks.ListFilter) ([]*tasks.Task, error) {
	return p.store.List(ctx, filter)
}

// Resume moves a task waiting for help back to running, records the user's
// note and queues it for the next free slot of its provider.
func (p *ActorPool) Resume(ctx context.Context, id, note string) error {
	t, err := p.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != tasks.StatusNeedsHelp {
		return fmt.Errorf("%w: %s is %s", ErrNotResumable, id, t.Status)
	}
	provider, err := p.providers.Resolve(t.Model)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	// Holding the handle from here on keeps a second Resume from starting
	// another loop for the same task.
	handle, err := p.registry.Admit(id)
	if err != nil {
		return fmt.Errorf("resume %s: %w", id, err)
	}
	running, err := p.store.UpdateStatus(ctx, id, tasks.StatusRunning, "", tasks.StatusNeedsHelp)
	if err != nil {
		handle.Release()
		if errors.Is(err, tasks.ErrStatusConflict) {
			return fmt.Errorf("%w: %s changed status", ErrNotResumable, id)
		}
		return err
	}

	if note == "" {
		note = defaultResumeNote
	}
	msg, err := p.conv.Append(ctx, id, conversation.RoleUser, []conversation.Block{conversation.TextBlock(note)})
	if err != nil {
		// The loop has nothing new to act on; hand the task back to the user.
		handle.Release()
		_, _ = p.store.UpdateStatus(context.WithoutCancel(ctx), id, tasks.StatusNeedsHelp, "resume failed: "+err.Error(), tasks.StatusRunning)
		return fmt.Errorf("append resume note: %w", err)
	}
	p.publish(id, events.TaskStatusPayload{From: string(tasks.StatusNeedsHelp), Status: string(tasks.StatusRunning), Reason: "resumed"})
	p.publish(id, events.TaskMessagePayload{Seq: msg.Seq, Role: string(conversation.RoleUser), Content: note})

	p.mu.Lock()
	p.resumed = append(p.resumed, &resumed{task: running, provider: provider, handle: handle})
	p.mu.Unlock()
	slog.Info("task resumed", "task_id", id)

	p.wakeScheduler()
	return nil
}

// Cancel stops a task. Running loops are signalled and record the
// cancellation themselves; pending and needs_help tasks are cancelled
// directly. Terminal tasks are left untouched.
func (p *ActorPool) Cancel(ctx context.Context, id, reason string) error {
	if reason == "" {
		reason = "cancelled"
	}
	if p.cancelQueued(ctx, id, reason) {
		return nil
	}

	// A pending task may be claimed by the scheduler between the read and
	// the write; the retry then finds it in the registry.
	for range 3 {
		if p.registry.Cancel(id) {
			slog.Info("cancellation requested", "task_id", id)
			return nil
		}
		t, err := p.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if t.Status.Terminal() {
			return nil
		}
		if t.Status == tasks.StatusRunning {
			// Running without a loop: interrupted and not yet recovered.
			_, err = p.store.UpdateStatus(ctx, id, tasks.StatusCancelled, reason, tasks.StatusRunning)
		} else {
			_, err = p.store.UpdateStatus(ctx, id, tasks.StatusCancelled, reason, tasks.StatusPending, tasks.StatusNeedsHelp)
		}
		if errors.Is(err, tasks.ErrStatusConflict) {
			continue
		}
		if err != nil {
			return err
		}
		p.publish(id, events.TaskStatusPayload{From: string(t.Status), Status: string(tasks.StatusCancelled), Reason: reason})
		slog.Info("task cancelled", "task_id", id, "reason", reason)
		return nil
	}
	return fmt.Errorf("cancel %s: %w", id, tasks.ErrStatusConflict)
}

// cancelQueued cancels a resumed task that has not reached a slot yet.
func (p *ActorPool) cancelQueued(ctx context.Context, id, reason string) bool {
	p.mu.Lock()
	idx := slices.IndexFunc(p.resumed, func(r *resumed) bool { return r.task.ID == id })
	if idx < 0 {
		p.mu.Unlock()
		return false
	}
	r := p.resumed[idx]
	p.resumed = slices.Delete(p.resumed, idx, idx+1)
	p.mu.Unlock()

	defer r.handle.Release()
	if _, err := p.store.UpdateStatus(ctx, id, tasks.StatusCancelled, reason, tasks.StatusRunning); err != nil {
		slog.Error("cancel queued task", "task_id", id, "error", err)
		return true
	}
	p.publish(id, events.TaskStatusPayload{From: string(tasks.StatusRunning), Status: string(tasks.StatusCancelled), Reason: reason})
	return true
}

// wakeScheduler sends a non-blocking signal to the schedule loop.
func (p *ActorPool) wakeScheduler() {
	select {
	case p.scheduleCh <- struct{}{}:
	default:
	}
}

// scheduleLoop is the main scheduler goroutine.
func (p *ActorPool) scheduleLoop() {
	defer p.wg.Done()

	pollTicker := time.NewTicker(pollInterval)
	defer pollTicker.Stop()

	for {
		p.schedule()

		select {
		case <-p.ctx.Done():
			return
		case <-p.scheduleCh:
		case <-pollTicker.C:
		}
	}
}

// schedule assigns resumed and due pending tasks to idle actors.
func (p *ActorPool) schedule() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx.Err() != nil {
		return
	}

	// 1. Resumed tasks already own their registry handle.
	waiting := p.resumed[:0]
	for _, r := range p.resumed {
		actor := p.findIdleActor(r.provider)
		if actor == nil {
			waiting = append(waiting, r)
			continue
		}
		p.startTask(r.task, actor, r.handle)
	}
	p.resumed = waiting

	// 2. Pending tasks by priority, then age.
	pending, err := p.store.List(p.ctx, tasks.ListFilter{Statuses: []tasks.Status{tasks.StatusPending}})
	if err != nil {
		slog.Error("list pending tasks", "error", err)
		return
	}
	slices.SortStableFunc(pending, func(a, b *tasks.Task) int {
		if c := cmp.Compare(b.Priority.Rank(), a.Priority.Rank()); c != 0 {
			return c
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	now := p.now()
	for _, t := range pending {
		if !t.Due(now) {
			continue
		}
		provider, err := p.providers.Resolve(t.Model)
		if err != nil {
			p.failPending(t, fmt.Sprintf("model: %v", err))
			continue
		}
		actor := p.findIdleActor(provider)
		if actor == nil {
			continue
		}
		p.claim(t, actor)
	}
}

// claim moves a pending task to running and starts it. Caller must hold p.mu.
func (p *ActorPool) claim(t *tasks.Task, actor *Actor) {
	handle, err := p.registry.Admit(t.ID)
	if err != nil {
		slog.Warn("pending task already has a loop", "task_id", t.ID)
		return
	}
	running, err := p.store.UpdateStatus(p.ctx, t.ID, tasks.StatusRunning, "", tasks.StatusPending)
	if err != nil {
		handle.Release()
		if !errors.Is(err, tasks.ErrStatusConflict) {
			slog.Error("claim task", "task_id", t.ID, "error", err)
		}
		return
	}
	p.publish(t.ID, events.TaskStatusPayload{From: string(tasks.StatusPending), Status: string(tasks.StatusRunning)})
	p.startTask(running, actor, handle)
}

func (p *ActorPool) failPending(t *tasks.Task, reason string) {
	if _, err := p.store.UpdateStatus(p.ctx, t.ID, tasks.StatusFailed, reason, tasks.StatusPending); err != nil {
		slog.Error("fail task", "task_id", t.ID, "error", err)
		return
	}
	p.publish(t.ID, events.TaskStatusPayload{From: string(tasks.StatusPending), Status: string(tasks.StatusFailed), Reason: reason})
}

// findIdleActor returns the first idle actor of the provider.
// Caller must hold p.mu.
func (p *ActorPool) findIdleActor(providerName string) *Actor {
	for _, a := range p.actors {
		if a.Status == ActorIdle && a.ProviderName == providerName {
			return a
		}
	}
	return nil
}

// startTask launches the loop goroutine of a task on an actor.
// Caller must hold p.mu.
func (p *ActorPool) startTask(t *tasks.Task, actor *Actor, handle *registry.Handle) {
	actor.Status = ActorBusy
	actor.CurrentTask = t.ID

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			handle.Release()
			p.mu.Lock()
			actor.Status = ActorIdle
			actor.CurrentTask = ""
			p.mu.Unlock()
			p.wakeScheduler()
		}()

		p.executeTask(t, actor, handle)
	}()
}

// executeTask runs a task loop on an actor's provider.
func (p *ActorPool) executeTask(t *tasks.Task, actor *Actor, handle *registry.Handle) {
	log := slog.With("task_id", t.ID, "actor", actor.ID)
	log.Info("actor executing task")

	provider, err := p.providers.Provider(p.ctx, actor.ProviderName)
	if err != nil {
		if p.ctx.Err() != nil {
			return
		}
		log.Error("get model for task", "error", err)
		reason := fmt.Sprintf("model provider %s: %v", actor.ProviderName, err)
		if _, err := p.store.UpdateStatus(p.ctx, t.ID, tasks.StatusFailed, reason, tasks.StatusRunning); err != nil {
			log.Error("fail task", "error", err)
			return
		}
		p.publish(t.ID, events.TaskStatusPayload{From: string(tasks.StatusRunning), Status: string(tasks.StatusFailed), Reason: reason})
		return
	}

	status := p.runner.Run(p.ctx, t, provider, handle)
	log.Info("actor finished task", "status", status)
}

func (p *ActorPool) publish(taskID string, payload events.EventPayload) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(events.NewTaskEvent(events.SourcePool, payload, taskID))
}

var _ tasks.TaskCreator = (*ActorPool)(nil)
