package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/jkaninda/guardian/internal/security"
	"github.com/jkaninda/guardian/internal/storage"
)

// AuditRepository implements security.AuditStore with a SQL table.
// Append-only: no Update or Delete methods exist on this type.
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository creates an AuditRepository.
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts a single audit event. This is the only write method;
// immutability is enforced at the interface level.
func (r *AuditRepository) Append(ctx context.Context, event security.AuditEvent) error {
	model := toAuditModel(event)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending audit event: %w", err)
	}
	return nil
}

// Query returns audit events, newest first.
func (r *AuditRepository) Query(ctx context.Context, f storage.AuditFilter) ([]security.AuditEvent, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	q := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit)
	if f.AgentID != "" {
		q = q.Where("agent_id = ?", f.AgentID)
	}
	if f.Outcome != "" {
		q = q.Where("outcome = ?", f.Outcome)
	}

	var models []AuditEventModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}

	events := make([]security.AuditEvent, len(models))
	for i := range models {
		events[i] = toAuditDomain(&models[i])
	}
	return events, nil
}

var (
	_ security.AuditStore  = (*AuditRepository)(nil)
	_ storage.AuditQuerier = (*AuditRepository)(nil)
)
