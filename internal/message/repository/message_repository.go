package repository

import (
	"errors"
	"time"

	messagedomain "mailbridge-backend/internal/message/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type messageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &messageRepository{db: db}
}

func (r *messageRepository) Upsert(msg *messagedomain.Message) (bool, error) {
	var existing messagedomain.Message
	err := r.db.Where("account_id = ? AND provider_message_id = ?", msg.AccountID, msg.ProviderMessageID).
		First(&existing).Error

	now := time.Now()
	if errors.Is(err, gorm.ErrRecordNotFound) {
		msg.ID = uuid.New().String()
		msg.CreatedAt = now
		msg.UpdatedAt = now
		return true, r.db.Create(msg).Error
	}
	if err != nil {
		return false, err
	}

	// Preserve local-only state (snooze) across provider updates.
	msg.ID = existing.ID
	msg.SnoozedUntil = existing.SnoozedUntil
	msg.CreatedAt = existing.CreatedAt
	msg.UpdatedAt = now
	msg.DeletedAt = nil
	return false, r.db.Save(msg).Error
}

func (r *messageRepository) MarkDeleted(accountID, providerMessageID string) error {
	now := time.Now()
	return r.db.Model(&messagedomain.Message{}).
		Where("account_id = ? AND provider_message_id = ?", accountID, providerMessageID).
		Updates(map[string]any{"deleted_at": &now, "updated_at": now}).Error
}

func (r *messageRepository) FindByProviderID(accountID, providerMessageID string) (*messagedomain.Message, error) {
	var msg messagedomain.Message
	err := r.db.Where("account_id = ? AND provider_message_id = ?", accountID, providerMessageID).
		First(&msg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &msg, nil
}

func (r *messageRepository) CountByAccount(accountID string) (int64, error) {
	var count int64
	err := r.db.Model(&messagedomain.Message{}).
		Where("account_id = ? AND deleted_at IS NULL", accountID).
		Count(&count).Error
	return count, err
}

func (r *messageRepository) Snooze(accountID, messageID string, until time.Time) error {
	return r.db.Model(&messagedomain.Message{}).
		Where("id = ? AND account_id = ?", messageID, accountID).
		Updates(map[string]any{"snoozed_until": &until, "updated_at": time.Now()}).Error
}

func (r *messageRepository) FindDueSnoozed(now time.Time, limit int) ([]*messagedomain.Message, error) {
	var messages []*messagedomain.Message
	err := r.db.Where("snoozed_until IS NOT NULL AND snoozed_until <= ? AND deleted_at IS NULL", now).
		Order("snoozed_until asc").
		Limit(limit).
		Find(&messages).Error
	return messages, err
}

func (r *messageRepository) ClearSnooze(accountID, messageID string) error {
	return r.db.Model(&messagedomain.Message{}).
		Where("id = ? AND account_id = ?", messageID, accountID).
		Updates(map[string]any{"snoozed_until": nil, "updated_at": time.Now()}).Error
}
