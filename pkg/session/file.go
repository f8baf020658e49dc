package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/aixgo-dev/convergence/pkg/chat"
)

// FileStore keeps one JSON file per history.
// Storage layout:
//
//	~/.convergence/chats/
//	  └── <agent-name>/
//	      └── <session-id>.json
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
	closed  bool
}

// NewFileStore creates a file store rooted at baseDir.
// If baseDir is empty, uses ~/.convergence/chats.
func NewFileStore(baseDir string) (*FileStore, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".convergence", "chats")
	}

	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (f *FileStore) path(agent, session string) string {
	return filepath.Join(f.baseDir, agent, session+".json")
}

func (f *FileStore) Get(ctx context.Context, agent, session string) (*chat.History, error) {
	if err := validateKey(agent, session); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return nil, ErrStorageClosed
	}

	data, err := os.ReadFile(f.path(agent, session)) // #nosec G304 - path components validated to prevent traversal
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}

	var h chat.History
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("parse history: %w", err)
	}
	return &h, nil
}

// Set writes the history to a temporary file and renames it into place.
func (f *FileStore) Set(ctx context.Context, agent, session string, history *chat.History) error {
	if err := validateKey(agent, session); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrStorageClosed
	}

	dir := filepath.Join(f.baseDir, agent)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create agent directory: %w", err)
	}

	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}

	tmp, err := os.CreateTemp(dir, session+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write history: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close history: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path(agent, session)); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("rename history: %w", err)
	}
	return nil
}

func (f *FileStore) Delete(ctx context.Context, agent, session string) error {
	if err := validateKey(agent, session); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrStorageClosed
	}
	if err := os.Remove(f.path(agent, session)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete history: %w", err)
	}
	return nil
}

func (f *FileStore) Sessions(ctx context.Context, agent string) ([]string, error) {
	if err := validatePathComponent(agent); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return nil, ErrStorageClosed
	}

	entries, err := os.ReadDir(filepath.Join(f.baseDir, agent))
	if os.IsNotExist(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *FileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
