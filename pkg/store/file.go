package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	fileVersion     = 1
	stateDirMode    = 0o755
	stateFileMode   = 0o600
	tempFilePattern = ".balance-state-*.json"
)

// fileSchema is the on-disk shape written by FileBackend.
type fileSchema struct {
	Version   int              `json:"version"`
	UpdatedAt time.Time        `json:"updated_at"`
	Accounts  map[string]Entry `json:"accounts"`
}

// FileBackend persists all entries to a single JSON file. Every Put
// rewrites the file through a temp file and rename, so readers never see a
// partially written file.
type FileBackend struct {
	path string
	now  func() time.Time

	mu      sync.Mutex
	entries map[string]Entry
}

// NewFileBackend returns a backend for path. The file is created on the
// first Put.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{
		path:    path,
		now:     time.Now,
		entries: make(map[string]Entry),
	}
}

func (b *FileBackend) Name() string { return "file" }

// Path returns the state file path.
func (b *FileBackend) Path() string { return b.path }

// Load reads the state file. Both the versioned shape and a flat
// account-to-entry map are accepted. Entries that cannot be decoded are
// skipped; a file that is not JSON at all, or whose accounts field is not
// an object, yields ErrCorrupt.
func (b *FileBackend) Load(ctx context.Context) (map[string]Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]Entry{}, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}

	entries, err := decodeStateFile(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, b.path, err)
	}

	b.entries = entries
	out := make(map[string]Entry, len(entries))
	for k, v := range entries {
		out[k] = v
	}
	return out, nil
}

func (b *FileBackend) Put(ctx context.Context, account string, e Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[account] = e
	return b.write()
}

func (b *FileBackend) Delete(ctx context.Context, account string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.entries[account]; !ok {
		return nil
	}
	delete(b.entries, account)
	return b.write()
}

func (b *FileBackend) Close() error { return nil }

func (b *FileBackend) write() error {
	if err := os.MkdirAll(filepath.Dir(b.path), stateDirMode); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	data, err := json.MarshalIndent(fileSchema{
		Version:   fileVersion,
		UpdatedAt: b.now().Truncate(time.Second),
		Accounts:  b.entries,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state file: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(b.path), tempFilePattern)
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}

	tempName := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempName)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}

	if err := tempFile.Chmod(stateFileMode); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("chmod temp state file: %w", err)
	}

	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}

	if err := os.Rename(tempName, b.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}

	cleanup = false
	return nil
}

func decodeStateFile(data []byte) (map[string]Entry, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return map[string]Entry{}, nil
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, err
	}

	raw := top
	if accounts, ok := top["accounts"]; ok {
		var nested map[string]json.RawMessage
		if err := json.Unmarshal(accounts, &nested); err != nil {
			return nil, fmt.Errorf("accounts is not an object: %w", err)
		}
		raw = nested
	} else {
		// Flat shape; envelope fields are not accounts.
		delete(raw, "version")
		delete(raw, "updated_at")
	}

	entries := make(map[string]Entry, len(raw))
	for account, msg := range raw {
		var e Entry
		if err := json.Unmarshal(msg, &e); err != nil {
			continue
		}
		entries[account] = e
	}
	return entries, nil
}
