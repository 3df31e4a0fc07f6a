package heartbeat

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWriteReadCycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heartbeat.json")

	w := NewWriter(path, "127.0.0.1:18430", func() Load {
		return Load{ActiveTasks: 2, Actors: map[string]int{"claude": 2}}
	})
	w.Start()
	defer w.Stop()

	status, hb, err := Check(path, 2*time.Minute)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if status != StatusAlive {
		t.Errorf("expected alive, got %s", status)
	}
	if hb == nil {
		t.Fatal("expected heartbeat, got nil")
	}
	if hb.PID != os.Getpid() {
		t.Errorf("PID: got %d, want %d", hb.PID, os.Getpid())
	}
	if hb.Addr != "127.0.0.1:18430" {
		t.Errorf("Addr: got %q", hb.Addr)
	}
	if hb.Load.ActiveTasks != 2 || hb.Load.Actors["claude"] != 2 {
		t.Errorf("Load: got %+v", hb.Load)
	}
}

func TestStaleDetection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heartbeat.json")

	old := Heartbeat{
		PID:       os.Getpid(),
		StartedAt: time.Now().Add(-2 * time.Hour),
		Timestamp: time.Now().Add(-1 * time.Hour),
		Uptime:    "1h0m0s",
	}
	data, err := json.Marshal(old)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	status, hb, err := Check(path, 30*time.Minute)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if status != StatusStale {
		t.Errorf("expected stale, got %s", status)
	}
	if hb == nil {
		t.Fatal("expected heartbeat, got nil")
	}
}

func TestDeadDetection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heartbeat.json")

	status, hb, err := Check(path, 2*time.Minute)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if status != StatusDead {
		t.Errorf("expected dead, got %s", status)
	}
	if hb != nil {
		t.Errorf("expected nil heartbeat, got %+v", hb)
	}
}

func TestStopRemovesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heartbeat.json")

	w := NewWriter(path, "", nil)
	w.Start()
	w.Stop()

	if _, err := os.Stat(path); !errors.Is(err, fs.ErrNotExist) {
		t.Error("expected heartbeat file to be removed after Stop")
	}
	// A second Stop is a no-op.
	w.Stop()
}
