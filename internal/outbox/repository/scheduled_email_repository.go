package repository

import (
	"errors"
	"time"

	outboxdomain "mailbridge-backend/internal/outbox/domain"

	"gorm.io/gorm"
)

type scheduledEmailRepository struct {
	db *gorm.DB
}

func NewScheduledEmailRepository(db *gorm.DB) ScheduledEmailRepository {
	return &scheduledEmailRepository{db: db}
}

func (r *scheduledEmailRepository) Create(item *outboxdomain.ScheduledEmail) error {
	return r.db.Create(item).Error
}

func (r *scheduledEmailRepository) FindByID(id string) (*outboxdomain.ScheduledEmail, error) {
	var item outboxdomain.ScheduledEmail
	err := r.db.Where("id = ?", id).First(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}

func (r *scheduledEmailRepository) ClaimDue(now time.Time, limit int) ([]*outboxdomain.ScheduledEmail, error) {
	staleCutoff := now.Add(-outboxdomain.StaleSendingAfter)

	// Sending rows untouched past the stale cutoff belong to a crashed
	// worker and go back through the scan.
	var due []*outboxdomain.ScheduledEmail
	err := r.db.Where("(status = ? AND scheduled_for <= ?) OR (status = ? AND updated_at < ?)",
		outboxdomain.ScheduledQueued, now, outboxdomain.ScheduledSending, staleCutoff).
		Order("scheduled_for asc").
		Limit(limit).
		Find(&due).Error
	if err != nil {
		return nil, err
	}

	// Claim each row individually; a concurrent scan loses the
	// conditional update and drops the item from its batch.
	claimed := make([]*outboxdomain.ScheduledEmail, 0, len(due))
	for _, item := range due {
		result := r.db.Model(&outboxdomain.ScheduledEmail{}).
			Where("id = ? AND (status = ? OR (status = ? AND updated_at < ?))",
				item.ID, outboxdomain.ScheduledQueued, outboxdomain.ScheduledSending, staleCutoff).
			Updates(map[string]any{"status": outboxdomain.ScheduledSending, "updated_at": now})
		if result.Error != nil {
			return claimed, result.Error
		}
		if result.RowsAffected == 1 {
			item.Status = outboxdomain.ScheduledSending
			claimed = append(claimed, item)
		}
	}
	return claimed, nil
}

func (r *scheduledEmailRepository) MarkSent(id string) error {
	now := time.Now()
	return r.db.Model(&outboxdomain.ScheduledEmail{}).
		Where("id = ? AND status = ?", id, outboxdomain.ScheduledSending).
		Updates(map[string]any{
			"status":     outboxdomain.ScheduledSent,
			"sent_at":    &now,
			"last_error": "",
			"updated_at": now,
		}).Error
}

func (r *scheduledEmailRepository) Requeue(id string, message string) error {
	// Increment-and-return in one conditional update so two workers can
	// never double-count the same failure.
	return r.db.Model(&outboxdomain.ScheduledEmail{}).
		Where("id = ? AND status = ?", id, outboxdomain.ScheduledSending).
		Updates(map[string]any{
			"status":      outboxdomain.ScheduledQueued,
			"retry_count": gorm.Expr("retry_count + 1"),
			"last_error":  message,
			"updated_at":  time.Now(),
		}).Error
}

func (r *scheduledEmailRepository) MarkFailed(id string, message string) error {
	return r.db.Model(&outboxdomain.ScheduledEmail{}).
		Where("id = ? AND status = ?", id, outboxdomain.ScheduledSending).
		Updates(map[string]any{
			"status":      outboxdomain.ScheduledFailed,
			"retry_count": gorm.Expr("retry_count + 1"),
			"last_error":  message,
			"updated_at":  time.Now(),
		}).Error
}
