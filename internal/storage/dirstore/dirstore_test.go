package dirstore

import (
	"os"
	"sort"
	"testing"
)

type record struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

func TestAppendLoadJSONL(t *testing.T) {
	ds := NewDirStore(t.TempDir(), "thing")

	for i := 1; i <= 3; i++ {
		if err := ds.AppendJSONL("abc", "log.jsonl", record{Name: "r", Value: i}); err != nil {
			t.Fatalf("AppendJSONL: %v", err)
		}
	}

	got, err := LoadJSONL[record](ds, "abc", "log.jsonl")
	if err != nil {
		t.Fatalf("LoadJSONL: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d records, want 3", len(got))
	}
	for i, r := range got {
		if r.Value != i+1 {
			t.Errorf("record %d: got value %d, want %d", i, r.Value, i+1)
		}
	}
}

func TestLoadJSONLMissing(t *testing.T) {
	ds := NewDirStore(t.TempDir(), "thing")
	got, err := LoadJSONL[record](ds, "none", "log.jsonl")
	if err != nil {
		t.Fatalf("LoadJSONL: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %v", got)
	}
}

func TestLoadJSONLSkipsCorruptLines(t *testing.T) {
	ds := NewDirStore(t.TempDir(), "thing")
	if err := ds.AppendJSONL("x", "log.jsonl", record{Name: "ok", Value: 1}); err != nil {
		t.Fatal(err)
	}
	f, err := os.OpenFile(ds.FilePath("x", "log.jsonl"), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("{not json\n")
	f.Close()
	if err := ds.AppendJSONL("x", "log.jsonl", record{Name: "ok", Value: 2}); err != nil {
		t.Fatal(err)
	}

	got, err := LoadJSONL[record](ds, "x", "log.jsonl")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("got %d records, want 2", len(got))
	}
}

func TestListAndRemoveDirs(t *testing.T) {
	ds := NewDirStore(t.TempDir(), "thing")
	for _, id := range []string{"b", "a"} {
		if err := ds.AppendJSONL(id, "log.jsonl", record{}); err != nil {
			t.Fatal(err)
		}
	}

	names, err := ds.ListDirs()
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(names)
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Fatalf("got %v, want [a b]", names)
	}

	if err := ds.RemoveDir("a"); err != nil {
		t.Fatal(err)
	}
	names, _ = ds.ListDirs()
	if len(names) != 1 {
		t.Errorf("got %v after remove, want [b]", names)
	}
}

func TestListDirsMissingBase(t *testing.T) {
	ds := NewDirStore("/nonexistent/deskpilot/events", "thing")
	names, err := ds.ListDirs()
	if err != nil || names != nil {
		t.Errorf("got (%v, %v), want (nil, nil)", names, err)
	}
}
