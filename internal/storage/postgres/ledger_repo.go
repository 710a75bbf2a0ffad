package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/jkaninda/guardian/internal/security"
)

// LedgerRepository implements security.LedgerStore with one row per day.
type LedgerRepository struct {
	db *gorm.DB
}

// NewLedgerRepository creates a LedgerRepository.
func NewLedgerRepository(db *gorm.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// LoadLedger returns all stored days, oldest first.
func (r *LedgerRepository) LoadLedger(ctx context.Context) ([]security.LedgerEntry, error) {
	var models []LedgerDayModel
	if err := r.db.WithContext(ctx).Order("date ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("%w: loading ledger: %v", security.ErrLedgerStore, err)
	}
	entries := make([]security.LedgerEntry, len(models))
	for i := range models {
		entries[i] = toLedgerDomain(&models[i])
	}
	return entries, nil
}

// SaveLedger replaces the stored days with entries inside a single transaction,
// so pruned days disappear together with the new totals being written.
func (r *LedgerRepository) SaveLedger(ctx context.Context, entries []security.LedgerEntry) error {
	models := make([]LedgerDayModel, len(entries))
	for i, e := range entries {
		models[i] = toLedgerModel(e)
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&LedgerDayModel{}).Error; err != nil {
			return err
		}
		if len(models) == 0 {
			return nil
		}
		return tx.Create(&models).Error
	})
	if err != nil {
		return fmt.Errorf("%w: saving ledger: %v", security.ErrLedgerStore, err)
	}
	return nil
}

var _ security.LedgerStore = (*LedgerRepository)(nil)
