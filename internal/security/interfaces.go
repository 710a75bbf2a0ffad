package security

import "context"

// LedgerStore persists the daily budget ledger.
// Implementations must be safe for concurrent use.
type LedgerStore interface {
	// LoadLedger returns all retained entries. A missing ledger is not an error.
	LoadLedger(ctx context.Context) ([]LedgerEntry, error)
	// SaveLedger replaces the stored ledger with entries, atomically.
	SaveLedger(ctx context.Context, entries []LedgerEntry) error
}

// AuditStore is an append-only store for decision audit events.
// No update or delete methods; immutability enforced at the interface level.
type AuditStore interface {
	// Append writes a single audit event. Never updates or deletes.
	Append(ctx context.Context, event AuditEvent) error
}
