package scheduler

import (
	"time"

	"github.com/dohr-michael/deskpilot/internal/config"
	"github.com/dohr-michael/deskpilot/internal/tasks"
)

// Entry is the runtime state of a configured schedule.
type Entry struct {
	Name        string                     `json:"name"`
	Cron        string                     `json:"cron,omitempty"`
	OnEvent     *config.EventTriggerConfig `json:"on_event,omitempty"`
	Description string                     `json:"description"`
	Priority    tasks.Priority             `json:"priority"`
	Model       string                     `json:"model,omitempty"`
	Cooldown    time.Duration              `json:"cooldown"`
	Runs        int                        `json:"runs"`
	LastRun     *time.Time                 `json:"last_run,omitempty"`
	NextRun     *time.Time                 `json:"next_run,omitempty"`
}

type runtimeEntry struct {
	name        string
	cron        *CronExpr
	onEvent     *config.EventTriggerConfig
	description string
	priority    tasks.Priority
	model       string
	cooldown    time.Duration
	runs        int
	lastRun     time.Time
}

func (r *runtimeEntry) snapshot(now time.Time) Entry {
	e := Entry{
		Name:        r.name,
		OnEvent:     r.onEvent,
		Description: r.description,
		Priority:    r.priority,
		Model:       r.model,
		Cooldown:    r.cooldown,
		Runs:        r.runs,
	}
	if r.cron != nil {
		e.Cron = r.cron.String()
		next := r.cron.Next(now)
		e.NextRun = &next
	}
	if !r.lastRun.IsZero() {
		last := r.lastRun
		e.LastRun = &last
	}
	return e
}

// cooling reports whether the entry fired less than its cooldown ago.
func (r *runtimeEntry) cooling(now time.Time) bool {
	return !r.lastRun.IsZero() && now.Sub(r.lastRun) < r.cooldown
}
