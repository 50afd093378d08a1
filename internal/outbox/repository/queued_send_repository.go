package repository

import (
	"errors"
	"time"

	outboxdomain "mailbridge-backend/internal/outbox/domain"

	"gorm.io/gorm"
)

type queuedSendRepository struct {
	db *gorm.DB
}

func NewQueuedSendRepository(db *gorm.DB) QueuedSendRepository {
	return &queuedSendRepository{db: db}
}

func (r *queuedSendRepository) Create(item *outboxdomain.QueuedSend) error {
	return r.db.Create(item).Error
}

func (r *queuedSendRepository) FindByID(id string) (*outboxdomain.QueuedSend, error) {
	var item outboxdomain.QueuedSend
	err := r.db.Where("id = ?", id).First(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}

func (r *queuedSendRepository) FindDue(now time.Time, limit int) ([]*outboxdomain.QueuedSend, error) {
	var items []*outboxdomain.QueuedSend
	err := r.db.Where("sent = ? AND canceled = ? AND send_at <= ?", false, false, now).
		Order("send_at asc").
		Limit(limit).
		Find(&items).Error
	return items, err
}

func (r *queuedSendRepository) Cancel(id string, now time.Time) (bool, error) {
	// The window check lives inside the update so a cancel racing the
	// due-scan can never flip an item that is already past send_at.
	result := r.db.Model(&outboxdomain.QueuedSend{}).
		Where("id = ? AND sent = ? AND canceled = ? AND send_at > ?", id, false, false, now).
		Updates(map[string]any{"canceled": true, "updated_at": now})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *queuedSendRepository) MarkSent(id string) error {
	now := time.Now()
	return r.db.Model(&outboxdomain.QueuedSend{}).
		Where("id = ? AND canceled = ?", id, false).
		Updates(map[string]any{"sent": true, "sent_at": &now, "last_error": "", "updated_at": now}).Error
}

func (r *queuedSendRepository) RecordError(id string, message string) error {
	return r.db.Model(&outboxdomain.QueuedSend{}).
		Where("id = ?", id).
		Updates(map[string]any{"last_error": message, "updated_at": time.Now()}).Error
}
