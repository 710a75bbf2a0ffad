// Package storage defines the Store interface over ledger and audit persistence.
// The default "file" backend keeps plain files in the data directory. Two SQL
// backends are provided: SQLite (single host) and PostgreSQL (shared deployments).
package storage

import (
	"context"

	"github.com/jkaninda/guardian/internal/security"
)

// Store is the unified persistence interface used by the decision pipeline.
// The file, SQLite and PostgreSQL backends implement this interface.
type Store interface {
	// Ledger returns the daily budget ledger store.
	Ledger() security.LedgerStore
	// Audit returns the append-only decision audit store.
	Audit() security.AuditStore

	// Ping checks the connection for readiness probes.
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name.
	Driver() string
}

// AuditFilter narrows audit queries.
type AuditFilter struct {
	AgentID string
	Outcome string
	Limit   int // Default: 100
}

// AuditQuerier reads back decision audit events, newest first.
type AuditQuerier interface {
	Query(ctx context.Context, f AuditFilter) ([]security.AuditEvent, error)
}

const (
	// DriverFile keeps the ledger as JSON and the audit log as JSONL on disk.
	DriverFile = "file"
	// DriverSQLite is the SQLite driver name.
	DriverSQLite = "sqlite"
	// DriverPostgres is the PostgreSQL driver name.
	DriverPostgres = "postgres"
)

// DefaultDriver is the default storage driver.
const DefaultDriver = DriverFile
