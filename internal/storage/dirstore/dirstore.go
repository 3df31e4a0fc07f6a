// Package dirstore provides per-entity directories holding append-only JSONL files.
package dirstore

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// DirStore roots one subdirectory per entity under baseDir.
// Appends are serialised store-wide.
type DirStore struct {
	mu         sync.Mutex
	baseDir    string
	entityName string // for error messages: "task", "event log"
}

// NewDirStore creates a DirStore rooted at baseDir.
func NewDirStore(baseDir, entityName string) *DirStore {
	return &DirStore{baseDir: baseDir, entityName: entityName}
}

// Dir returns the directory path for a given entity ID.
func (ds *DirStore) Dir(id string) string {
	return filepath.Join(ds.baseDir, id)
}

// FilePath returns the path to a named file within an entity's directory.
func (ds *DirStore) FilePath(id, name string) string {
	return filepath.Join(ds.baseDir, id, name)
}

// RemoveDir removes the entity directory and all its contents.
func (ds *DirStore) RemoveDir(id string) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return os.RemoveAll(ds.Dir(id))
}

// ListDirs returns the names of all entity directories.
func (ds *DirStore) ListDirs() ([]string, error) {
	entries, err := os.ReadDir(ds.baseDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s dirs: %w", ds.entityName, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

// AppendJSONL appends v as one JSON line to filename, creating the entity
// directory on first use.
func (ds *DirStore) AppendJSONL(id, filename string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filename, err)
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()

	if err := os.MkdirAll(ds.Dir(id), 0o755); err != nil {
		return fmt.Errorf("create %s dir: %w", ds.entityName, err)
	}
	f, err := os.OpenFile(ds.FilePath(id, filename), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", filename, err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write %s: %w", filename, err)
	}
	return nil
}

// LoadJSONL reads every line of filename into T, skipping lines that fail to decode.
// A missing file yields an empty result.
func LoadJSONL[T any](ds *DirStore, id, filename string) ([]T, error) {
	f, err := os.Open(ds.FilePath(id, filename))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filename, err)
	}
	defer f.Close()

	var items []T
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var item T
		if err := json.Unmarshal(line, &item); err != nil {
			continue
		}
		items = append(items, item)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", filename, err)
	}
	return items, nil
}
