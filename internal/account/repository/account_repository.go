package repository

import (
	"errors"
	"time"

	accountdomain "mailbridge-backend/internal/account/domain"
	"mailbridge-backend/internal/provider"

	"gorm.io/gorm"
)

type accountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) AccountRepository {
	return &accountRepository{db: db}
}

func (r *accountRepository) Create(account *accountdomain.EmailAccount) error {
	return r.db.Create(account).Error
}

func (r *accountRepository) FindByID(id string) (*accountdomain.EmailAccount, error) {
	var account accountdomain.EmailAccount
	err := r.db.Where("id = ? AND archived_at IS NULL", id).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

func (r *accountRepository) FindByAddress(providerName provider.Name, address string) (*accountdomain.EmailAccount, error) {
	var account accountdomain.EmailAccount
	err := r.db.Where("provider = ? AND address = ? AND archived_at IS NULL", providerName, address).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

func (r *accountRepository) FindByUser(userID string) ([]*accountdomain.EmailAccount, error) {
	var accounts []*accountdomain.EmailAccount
	err := r.db.Where("user_id = ? AND archived_at IS NULL", userID).
		Order("created_at asc").Find(&accounts).Error
	return accounts, err
}

func (r *accountRepository) FindBySubscription(subscriptionID string) (*accountdomain.EmailAccount, error) {
	if subscriptionID == "" {
		return nil, nil
	}
	var account accountdomain.EmailAccount
	err := r.db.Where("watch_subscription_id = ? AND archived_at IS NULL", subscriptionID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

func (r *accountRepository) SetWatchSubscription(id, subscriptionID string) error {
	return r.db.Model(&accountdomain.EmailAccount{}).
		Where("id = ?", id).
		Updates(map[string]any{"watch_subscription_id": subscriptionID, "updated_at": time.Now()}).Error
}

func (r *accountRepository) FindSyncable() ([]*accountdomain.EmailAccount, error) {
	var accounts []*accountdomain.EmailAccount
	err := r.db.Where("archived_at IS NULL AND sync_status NOT IN ?",
		[]accountdomain.SyncStatus{accountdomain.SyncError, accountdomain.SyncPaused}).
		Find(&accounts).Error
	return accounts, err
}

func (r *accountRepository) ClaimSyncing(id string) (bool, error) {
	now := time.Now()
	staleCutoff := now.Add(-accountdomain.StaleSyncingAfter)
	// Conditional update: only one concurrent caller observes RowsAffected=1.
	// A syncing row that has not been touched past the stale cutoff was left
	// behind by a crashed process and is claimable again.
	result := r.db.Model(&accountdomain.EmailAccount{}).
		Where("id = ? AND archived_at IS NULL AND (sync_status IN ? OR (sync_status = ? AND updated_at < ?))",
			id,
			[]accountdomain.SyncStatus{accountdomain.SyncIdle, accountdomain.SyncError},
			accountdomain.SyncSyncing, staleCutoff).
		Updates(map[string]any{
			"sync_status": accountdomain.SyncSyncing,
			"updated_at":  now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *accountRepository) FinishSync(id string, errMessage string) error {
	now := time.Now()
	updates := map[string]any{
		"updated_at": now,
	}
	if errMessage == "" {
		updates["sync_status"] = accountdomain.SyncIdle
		updates["last_error"] = ""
		updates["last_synced_at"] = now
	} else {
		updates["sync_status"] = accountdomain.SyncError
		updates["last_error"] = errMessage
	}
	return r.db.Model(&accountdomain.EmailAccount{}).
		Where("id = ? AND sync_status = ?", id, accountdomain.SyncSyncing).
		Updates(updates).Error
}

func (r *accountRepository) ReleaseSyncing(id string) error {
	return r.db.Model(&accountdomain.EmailAccount{}).
		Where("id = ? AND sync_status = ?", id, accountdomain.SyncSyncing).
		Updates(map[string]any{"sync_status": accountdomain.SyncIdle, "updated_at": time.Now()}).Error
}

func (r *accountRepository) SetPaused(id string, paused bool) error {
	status := accountdomain.SyncIdle
	if paused {
		status = accountdomain.SyncPaused
	}
	return r.db.Model(&accountdomain.EmailAccount{}).
		Where("id = ?", id).
		Updates(map[string]any{"sync_status": status, "updated_at": time.Now()}).Error
}

func (r *accountRepository) Archive(id string) error {
	now := time.Now()
	return r.db.Model(&accountdomain.EmailAccount{}).
		Where("id = ? AND archived_at IS NULL", id).
		Updates(map[string]any{"archived_at": &now, "updated_at": now}).Error
}
