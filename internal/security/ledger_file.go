package security

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

type ledgerFile struct {
	Entries []LedgerEntry `json:"entries"`
}

// FileLedgerStore keeps the daily ledger as an indented JSON file.
// Writes go to a temp file in the same directory which is then renamed over the target.
type FileLedgerStore struct {
	mu   sync.Mutex
	path string
}

// NewFileLedgerStore returns a store writing to path.
func NewFileLedgerStore(path string) *FileLedgerStore {
	return &FileLedgerStore{path: path}
}

// Path returns the ledger file location.
func (s *FileLedgerStore) Path() string { return s.path }

// LoadLedger reads the ledger file. A missing file yields no entries.
func (s *FileLedgerStore) LoadLedger(_ context.Context) ([]LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrLedgerStore, s.path, err)
	}
	var lf ledgerFile
	if err := json.Unmarshal(data, &lf); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrLedgerStore, s.path, err)
	}
	return lf.Entries, nil
}

// SaveLedger rewrites the ledger file atomically.
func (s *FileLedgerStore) SaveLedger(_ context.Context, entries []LedgerEntry) error {
	data, err := json.MarshalIndent(ledgerFile{Entries: entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encoding ledger: %v", ErrLedgerStore, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("%w: creating %s: %v", ErrLedgerStore, dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".ledger-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: creating temp file: %v", ErrLedgerStore, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("%w: writing temp file: %v", ErrLedgerStore, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("%w: syncing temp file: %v", ErrLedgerStore, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("%w: closing temp file: %v", ErrLedgerStore, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return fmt.Errorf("%w: replacing %s: %v", ErrLedgerStore, s.path, err)
	}
	return nil
}
