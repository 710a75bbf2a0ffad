// Package file implements storage.Store on plain files: the budget ledger as a
// JSON document and decision audit events as append-only JSONL.
// It does not support audit queries.
package file

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jkaninda/guardian/internal/security"
	"github.com/jkaninda/guardian/internal/storage"
)

// Config holds the file locations.
type Config struct {
	LedgerPath string
	AuditPath  string
}

// Store is the file-backed storage.Store.
type Store struct {
	ledger *security.FileLedgerStore
	audit  *security.AuditLogger
	dir    string
}

// Open creates parent directories and opens the audit log for appending.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.LedgerPath == "" || cfg.AuditPath == "" {
		return nil, fmt.Errorf("file storage: ledger and audit paths are required")
	}
	for _, p := range []string{cfg.LedgerPath, cfg.AuditPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0750); err != nil {
			return nil, fmt.Errorf("creating directory for %s: %w", p, err)
		}
	}

	audit, err := security.NewAuditLogger(cfg.AuditPath, logger)
	if err != nil {
		return nil, err
	}
	return &Store{
		ledger: security.NewFileLedgerStore(cfg.LedgerPath),
		audit:  audit,
		dir:    filepath.Dir(cfg.LedgerPath),
	}, nil
}

func (s *Store) Ledger() security.LedgerStore { return s.ledger }

func (s *Store) Audit() security.AuditStore { return s.audit }

// Ping reports whether the ledger directory is still reachable.
func (s *Store) Ping(_ context.Context) error {
	info, err := os.Stat(s.dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", s.dir)
	}
	return nil
}

func (s *Store) Close() error { return s.audit.Close() }

func (s *Store) Driver() string { return storage.DriverFile }

var _ storage.Store = (*Store)(nil)
