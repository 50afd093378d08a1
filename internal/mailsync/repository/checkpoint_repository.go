package repository

import (
	"errors"
	"time"

	syncdomain "mailbridge-backend/internal/mailsync/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CheckpointRepository is the sync checkpoint store. Advance is only called
// after local persistence of the corresponding changes has succeeded, so a
// crash mid-sync leaves the previous cursor intact and the changes are
// re-delivered on the next run.
type CheckpointRepository interface {
	Get(accountID string, syncType syncdomain.SyncType) (*syncdomain.SyncCheckpoint, error)
	// Advance moves the cursor forward and resets the error count.
	Advance(accountID string, syncType syncdomain.SyncType, cursor string) error
	// RecordFailure increments the consecutive error count without
	// touching the cursor. Returns the new count.
	RecordFailure(accountID string, syncType syncdomain.SyncType) (int, error)
	// Reset rewinds the cursor to nil for an explicit resync.
	Reset(accountID string, syncType syncdomain.SyncType) error
}

type checkpointRepository struct {
	db *gorm.DB
}

func NewCheckpointRepository(db *gorm.DB) CheckpointRepository {
	return &checkpointRepository{db: db}
}

func (r *checkpointRepository) Get(accountID string, syncType syncdomain.SyncType) (*syncdomain.SyncCheckpoint, error) {
	var cp syncdomain.SyncCheckpoint
	err := r.db.Where("account_id = ? AND sync_type = ?", accountID, syncType).First(&cp).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &cp, nil
}

func (r *checkpointRepository) getOrCreate(accountID string, syncType syncdomain.SyncType) (*syncdomain.SyncCheckpoint, error) {
	cp, err := r.Get(accountID, syncType)
	if err != nil {
		return nil, err
	}
	if cp != nil {
		return cp, nil
	}

	now := time.Now()
	cp = &syncdomain.SyncCheckpoint{
		ID:        uuid.New().String(),
		AccountID: accountID,
		SyncType:  syncType,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.db.Create(cp).Error; err != nil {
		return nil, err
	}
	return cp, nil
}

func (r *checkpointRepository) Advance(accountID string, syncType syncdomain.SyncType, cursor string) error {
	cp, err := r.getOrCreate(accountID, syncType)
	if err != nil {
		return err
	}

	now := time.Now()
	return r.db.Model(&syncdomain.SyncCheckpoint{}).
		Where("id = ?", cp.ID).
		Updates(map[string]any{
			"cursor":           cursor,
			"last_success_at":  &now,
			"consecutive_errs": 0,
			"updated_at":       now,
		}).Error
}

func (r *checkpointRepository) RecordFailure(accountID string, syncType syncdomain.SyncType) (int, error) {
	cp, err := r.getOrCreate(accountID, syncType)
	if err != nil {
		return 0, err
	}

	// Single atomic increment; two concurrent scans cannot double-count.
	err = r.db.Model(&syncdomain.SyncCheckpoint{}).
		Where("id = ?", cp.ID).
		Updates(map[string]any{
			"consecutive_errs": gorm.Expr("consecutive_errs + 1"),
			"updated_at":       time.Now(),
		}).Error
	if err != nil {
		return 0, err
	}

	fresh, err := r.Get(accountID, syncType)
	if err != nil || fresh == nil {
		return cp.ConsecutiveErrs + 1, err
	}
	return fresh.ConsecutiveErrs, nil
}

func (r *checkpointRepository) Reset(accountID string, syncType syncdomain.SyncType) error {
	return r.db.Model(&syncdomain.SyncCheckpoint{}).
		Where("account_id = ? AND sync_type = ?", accountID, syncType).
		Updates(map[string]any{
			"cursor":           nil,
			"consecutive_errs": 0,
			"updated_at":       time.Now(),
		}).Error
}
