// Package heartbeat records gateway liveness and load in a file that the
// status command reads without a network round trip.
package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Status represents the liveness state of the gateway.
type Status string

const (
	StatusAlive Status = "alive"
	StatusStale Status = "stale"
	StatusDead  Status = "dead"
)

// DefaultInterval is how often the file is rewritten.
const DefaultInterval = 30 * time.Second

// Load is a point-in-time view of the task system.
type Load struct {
	ActiveTasks int            `json:"active_tasks"`
	Actors      map[string]int `json:"actors,omitempty"` // busy actors per provider
}

// Heartbeat is the data written to the heartbeat file.
type Heartbeat struct {
	PID       int       `json:"pid"`
	Addr      string    `json:"addr"`
	StartedAt time.Time `json:"started_at"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
	Load      Load      `json:"load"`
}

// Writer periodically writes a heartbeat file to disk.
type Writer struct {
	path     string
	addr     string
	interval time.Duration
	load     func() Load
	started  time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWriter creates a heartbeat writer for the gateway listening on addr.
// load may be nil.
func NewWriter(path, addr string, load func() Load) *Writer {
	return &Writer{
		path:     path,
		addr:     addr,
		interval: DefaultInterval,
		load:     load,
	}
}

// Start writes a first heartbeat and keeps refreshing it in the background.
func (w *Writer) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel != nil {
		return
	}

	w.started = time.Now()
	w.done = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	w.write()

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				w.write()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops writing and removes the heartbeat file.
func (w *Writer) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel == nil {
		return
	}

	w.cancel()
	<-w.done
	w.cancel = nil

	if err := os.Remove(w.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("remove heartbeat", "path", w.path, "error", err)
	}
}

func (w *Writer) write() {
	hb := Heartbeat{
		PID:       os.Getpid(),
		Addr:      w.addr,
		StartedAt: w.started,
		Timestamp: time.Now(),
		Uptime:    time.Since(w.started).Truncate(time.Second).String(),
	}
	if w.load != nil {
		hb.Load = w.load()
	}

	data, err := json.MarshalIndent(hb, "", "  ")
	if err != nil {
		return
	}

	// tmp + rename
	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		slog.Warn("write heartbeat", "path", tmp, "error", err)
		return
	}
	if err := os.Rename(tmp, w.path); err != nil {
		slog.Warn("write heartbeat", "path", w.path, "error", err)
	}
}

// Check reads a heartbeat file and returns the liveness status.
// maxAge determines how old a heartbeat can be before it's considered stale.
func Check(path string, maxAge time.Duration) (Status, *Heartbeat, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return StatusDead, nil, nil
		}
		return StatusDead, nil, fmt.Errorf("read heartbeat: %w", err)
	}

	var hb Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		return StatusDead, nil, fmt.Errorf("unmarshal heartbeat: %w", err)
	}

	if time.Since(hb.Timestamp) > maxAge {
		return StatusStale, &hb, nil
	}
	return StatusAlive, &hb, nil
}
