// Package scheduler submits tasks declared in the config on cron schedules
// or in reaction to bus events.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dohr-michael/deskpilot/internal/actors"
	"github.com/dohr-michael/deskpilot/internal/config"
	"github.com/dohr-michael/deskpilot/internal/events"
	"github.com/dohr-michael/deskpilot/internal/tasks"
)

// DefaultCooldown is the minimum interval between two triggers of the same entry.
const DefaultCooldown = 60 * time.Second

// ErrUnknownEntry is returned by Trigger for names not in the config.
var ErrUnknownEntry = errors.New("unknown schedule")

// Submitter queues tasks.
type Submitter interface {
	Submit(ctx context.Context, req actors.SubmitRequest) (*tasks.Task, error)
}

// Config holds dependencies for the scheduler.
type Config struct {
	Schedules []config.ScheduleConfig
	Submitter Submitter
	Bus       *events.Bus
}

// Scheduler triggers configured tasks.
type Scheduler struct {
	submitter Submitter
	bus       *events.Bus
	now       func() time.Time

	mu      sync.Mutex
	entries map[string]*runtimeEntry

	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	unsubscribe func()
}

// New validates the schedules and creates a Scheduler.
func New(cfg Config) (*Scheduler, error) {
	s := &Scheduler{
		submitter: cfg.Submitter,
		bus:       cfg.Bus,
		now:       time.Now,
		entries:   make(map[string]*runtimeEntry, len(cfg.Schedules)),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	for _, sc := range cfg.Schedules {
		re, err := newRuntimeEntry(sc)
		if err != nil {
			return nil, err
		}
		if _, dup := s.entries[re.name]; dup {
			return nil, fmt.Errorf("schedule %q: duplicate name", re.name)
		}
		s.entries[re.name] = re
	}
	return s, nil
}

func newRuntimeEntry(sc config.ScheduleConfig) (*runtimeEntry, error) {
	if sc.Name == "" {
		return nil, errors.New("schedule without a name")
	}
	if sc.Description == "" {
		return nil, fmt.Errorf("schedule %q: description is required", sc.Name)
	}
	if (sc.Cron == "") == (sc.OnEvent == nil) {
		return nil, fmt.Errorf("schedule %q: exactly one of cron and on_event is required", sc.Name)
	}
	priority, err := tasks.ParsePriority(sc.Priority)
	if err != nil {
		return nil, fmt.Errorf("schedule %q: %w", sc.Name, err)
	}

	re := &runtimeEntry{
		name:        sc.Name,
		onEvent:     sc.OnEvent,
		description: sc.Description,
		priority:    priority,
		model:       sc.Model,
		cooldown:    sc.Cooldown.Duration(),
	}
	if sc.Cron != "" {
		if re.cron, err = ParseCron(sc.Cron); err != nil {
			return nil, fmt.Errorf("schedule %q: %w", sc.Name, err)
		}
	}
	if re.cooldown == 0 {
		re.cooldown = DefaultCooldown
	}
	return re, nil
}

// Start begins the cron ticker and the event subscription.
func (s *Scheduler) Start() {
	if s.bus != nil {
		s.unsubscribe = s.bus.Subscribe(s.handleEvent)
	}
	s.wg.Add(1)
	go s.cronLoop()
	slog.Info("scheduler started", "entries", len(s.entries))
}

// Stop halts the scheduler and waits for the cron loop to exit.
func (s *Scheduler) Stop() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.cancel()
	s.wg.Wait()
	slog.Info("scheduler stopped")
}

// Entries returns a snapshot of the schedules, sorted by name.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := make([]Entry, 0, len(s.entries))
	for _, re := range s.entries {
		out = append(out, re.snapshot(now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Trigger fires an entry immediately, ignoring its cooldown.
func (s *Scheduler) Trigger(ctx context.Context, name string) (*tasks.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	re, ok := s.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntry, name)
	}
	return s.triggerEntry(ctx, re, "manual")
}

func (s *Scheduler) cronLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			s.checkCron(now)
		}
	}
}

func (s *Scheduler) checkCron(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, re := range s.entries {
		if re.cron == nil || !re.cron.Matches(now) || re.cooling(now) {
			continue
		}
		_, _ = s.triggerEntry(s.ctx, re, "cron")
	}
}

func (s *Scheduler) handleEvent(e events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, re := range s.entries {
		if re.onEvent == nil || !MatchEvent(e, re.onEvent) || re.cooling(now) {
			continue
		}
		_, _ = s.triggerEntry(s.ctx, re, "event:"+string(e.Type))
	}
}

// triggerEntry submits the entry's task. Caller must hold s.mu.
func (s *Scheduler) triggerEntry(ctx context.Context, re *runtimeEntry, trigger string) (*tasks.Task, error) {
	re.lastRun = s.now()

	task, err := s.submitter.Submit(ctx, actors.SubmitRequest{
		Description: re.description,
		Priority:    re.priority,
		Model:       re.model,
		CreatedBy:   tasks.CreatedBySystem,
	})
	if err != nil {
		slog.Error("scheduler: submit task", "schedule", re.name, "error", err)
		return nil, err
	}
	re.runs++

	if s.bus != nil {
		s.bus.Publish(events.NewTaskEvent(events.SourceScheduler, events.ScheduleTriggerPayload{
			Name:    re.name,
			Trigger: trigger,
			TaskID:  task.ID,
		}, task.ID))
	}
	slog.Info("scheduler: triggered", "schedule", re.name, "trigger", trigger, "task_id", task.ID)
	return task, nil
}
