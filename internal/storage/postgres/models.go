package postgres

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JSONB is a json.RawMessage that implements the driver.Valuer and sql.Scanner interfaces
// for GORM JSONB columns.
type JSONB json.RawMessage

// Value encodes the raw JSON as text so both PostgreSQL jsonb and SQLite TEXT accept it.
func (j JSONB) Value() (driver.Value, error) {
	if len(j) == 0 {
		return "{}", nil
	}
	return string(j), nil
}

// Scan accepts the text or byte forms drivers return for JSON columns.
func (j *JSONB) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append((*j)[:0], v...)
	case string:
		*j = JSONB(v)
	default:
		return fmt.Errorf("scanning JSONB: unsupported type %T", src)
	}
	return nil
}

// LedgerDayModel maps to the "budget_ledger" table. One row per calendar day.
type LedgerDayModel struct {
	Date      string  `gorm:"primaryKey;size:10"`
	Total     float64 `gorm:"type:numeric(14,6);not null;default:0"`
	Agents    JSONB   `gorm:"type:jsonb;not null;default:'{}'"`
	UpdatedAt time.Time
}

func (LedgerDayModel) TableName() string { return "budget_ledger" }

// AuditEventModel maps to the "decision_audit" table.
// No UpdatedAt or DeletedAt: the audit log is append-only and immutable.
type AuditEventModel struct {
	ID            string `gorm:"primaryKey;size:36"`
	CorrelationID string `gorm:"index"`
	AgentID       string `gorm:"index"`
	SessionKey    string
	Tool          string `gorm:"not null"`
	Parameters    JSONB  `gorm:"type:jsonb;not null;default:'{}'"`
	Outcome       string `gorm:"not null"`
	Tier          string `gorm:"not null"`
	Risk          string
	Trust         string
	Reason        string  `gorm:"type:text"`
	CostUSD       float64 `gorm:"type:numeric(14,6)"`
	ApprovedBy    string
	CreatedAt     time.Time `gorm:"index"`
}

func (AuditEventModel) TableName() string { return "decision_audit" }

// Models lists every table owned by the storage layer, in migration order.
func Models() []any {
	return []any{
		&LedgerDayModel{},
		&AuditEventModel{},
	}
}
