package tasks

import (
	"context"
	"errors"
	"log/slog"
)

// RecoverTasks resets tasks left running by a previous process to pending so
// the pool picks them up again. Call it before the pool starts.
func RecoverTasks(ctx context.Context, store Store) (int, error) {
	running, err := store.List(ctx, ListFilter{Statuses: []Status{StatusRunning}})
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, t := range running {
		_, err := store.UpdateStatus(ctx, t.ID, StatusPending, "", StatusRunning)
		if errors.Is(err, ErrStatusConflict) {
			continue
		}
		if err != nil {
			slog.Warn("recover task", "task_id", t.ID, "error", err)
			continue
		}
		recovered++
	}
	return recovered, nil
}
