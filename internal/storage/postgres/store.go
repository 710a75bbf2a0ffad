package postgres

import (
	"context"
	"sync"

	"github.com/jkaninda/guardian/internal/security"
	"github.com/jkaninda/guardian/internal/storage"
)

// Store implements storage.Store backed by PostgreSQL.
// It wraps the existing DB and lazily creates sub-store repositories.
type Store struct {
	pgDB *DB

	mu     sync.Mutex
	ledger *LedgerRepository
	audit  *AuditRepository
}

// NewStore wraps an existing DB as a unified Store.
func NewStore(pgDB *DB) *Store {
	return &Store{pgDB: pgDB}
}

func (s *Store) Ledger() security.LedgerStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ledger == nil {
		s.ledger = NewLedgerRepository(s.pgDB.GormDB())
	}
	return s.ledger
}

func (s *Store) Audit() security.AuditStore {
	return s.AuditRepository()
}

// AuditRepository exposes the concrete repository for queries.
func (s *Store) AuditRepository() *AuditRepository {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audit == nil {
		s.audit = NewAuditRepository(s.pgDB.GormDB())
	}
	return s.audit
}

func (s *Store) Ping(ctx context.Context) error { return s.pgDB.Ping(ctx) }

func (s *Store) Close() error { return s.pgDB.Close() }

// Driver returns "postgres".
func (s *Store) Driver() string { return storage.DriverPostgres }

// compile-time interface check
var _ storage.Store = (*Store)(nil)
