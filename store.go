package restpipe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// CursorStore persists committed cursor values between runs. Load is called
// once at run start; Save is called once per resource, only after the sink has
// accepted every batch of that resource.
type CursorStore interface {
	// Load returns the committed cursor value per resource name. A missing
	// entry means no prior run committed anything for that resource.
	Load(ctx context.Context) (map[string]string, error)

	// Save durably records value as the resource's new lower bound.
	Save(ctx context.Context, resource, value string) error
}

// MemoryCursorStore keeps cursor state in memory. Useful for tests and for
// one-shot runs that do not need to resume.
type MemoryCursorStore struct {
	mu     sync.Mutex
	values map[string]string
}

func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{values: make(map[string]string)}
}

func (s *MemoryCursorStore) Load(_ context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryCursorStore) Save(_ context.Context, resource, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[resource] = value
	return nil
}

// FileCursorStore persists cursor state as a JSON object in a single file.
// Writes go through a temp file and rename so a crash mid-save never leaves a
// truncated state file.
type FileCursorStore struct {
	path string
	mu   sync.Mutex
}

func NewFileCursorStore(path string) *FileCursorStore {
	return &FileCursorStore{path: path}
}

func (s *FileCursorStore) Load(_ context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *FileCursorStore) Save(_ context.Context, resource, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.loadLocked()
	if err != nil {
		return err
	}
	values[resource] = value

	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".cursor-*")
	if err != nil {
		return fmt.Errorf("write cursor state %s: %w", s.path, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write cursor state %s: %w", s.path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write cursor state %s: %w", s.path, err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write cursor state %s: %w", s.path, err)
	}
	return nil
}

func (s *FileCursorStore) loadLocked() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("read cursor state %s: %w", s.path, err)
	}
	values := make(map[string]string)
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("parse cursor state %s: %w", s.path, err)
	}
	return values, nil
}
