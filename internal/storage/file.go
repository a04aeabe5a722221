package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// File is a key-value store backed by a single JSON file. Every entry
// carries an expiry timestamp refreshed on write; expired entries read
// as absent and are pruned on the next save. This is the "expiring
// cookie" persistence variant.
type File struct {
	path string
	ttl  time.Duration

	mu      sync.Mutex
	entries map[string]fileEntry

	// now is replaced in tests to exercise expiry.
	now func() time.Time
}

type fileEntry struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewFile opens (or creates) a file store at path. Entries expire ttl
// after their last write; ttl must be positive.
func NewFile(path string, ttl time.Duration) (*File, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("file store ttl must be positive, got %v", ttl)
	}

	f := &File{
		path:    path,
		ttl:     ttl,
		entries: make(map[string]fileEntry),
		now:     time.Now,
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	if err := json.Unmarshal(data, &f.entries); err != nil {
		// A corrupt state file means a lost session, not a broken
		// widget. Start fresh.
		f.entries = make(map[string]fileEntry)
	}
	return f, nil
}

// Get returns the stored value for key, or "" if the key is absent or
// its entry has expired.
func (f *File) Get(key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.entries[key]
	if !ok || f.now().After(e.ExpiresAt) {
		return "", nil
	}
	return e.Value, nil
}

// Set writes key=value with a fresh expiry and persists the file.
func (f *File) Set(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.entries[key] = fileEntry{
		Value:     value,
		ExpiresAt: f.now().Add(f.ttl),
	}
	return f.save()
}

// Delete removes a key and persists the file. Deleting a missing key is
// not an error.
func (f *File) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.entries[key]; !ok {
		return nil
	}
	delete(f.entries, key)
	return f.save()
}

// save prunes expired entries and writes the file atomically. Caller
// must hold f.mu.
func (f *File) save() error {
	now := f.now()
	for k, e := range f.entries {
		if now.After(e.ExpiresAt) {
			delete(f.entries, k)
		}
	}

	data, err := json.MarshalIndent(f.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state file: %w", err)
	}

	if dir := filepath.Dir(f.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
