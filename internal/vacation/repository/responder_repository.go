package repository

import (
	"errors"
	"time"

	vacationdomain "mailbridge-backend/internal/vacation/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ResponderRepository persists vacation responder configuration and the
// per-sender reply dedup rows.
type ResponderRepository interface {
	GetByAccount(accountID string) (*vacationdomain.Responder, error)
	// Upsert stores the account's configuration. Disabling purges the
	// responder's reply rows so a re-enable starts a fresh dedup window.
	Upsert(responder *vacationdomain.Responder) error

	// EnsureReplied records the (responder, sender) dedup row if absent
	// and reports whether a reply had already been recorded.
	EnsureReplied(responderID, senderAddress string) (alreadyReplied bool, err error)
	// ReleaseReply removes one dedup row after a send that cleanly failed,
	// so a later message from the sender tries again.
	ReleaseReply(responderID, senderAddress string) error
	PurgeReplies(responderID string) error
}

type responderRepository struct {
	db *gorm.DB
}

func NewResponderRepository(db *gorm.DB) ResponderRepository {
	return &responderRepository{db: db}
}

func (r *responderRepository) GetByAccount(accountID string) (*vacationdomain.Responder, error) {
	var responder vacationdomain.Responder
	err := r.db.Where("account_id = ?", accountID).First(&responder).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &responder, nil
}

func (r *responderRepository) Upsert(responder *vacationdomain.Responder) error {
	existing, err := r.GetByAccount(responder.AccountID)
	if err != nil {
		return err
	}

	now := time.Now()
	responder.UpdatedAt = now

	if existing == nil {
		responder.ID = uuid.New().String()
		responder.CreatedAt = now
		return r.db.Create(responder).Error
	}

	responder.ID = existing.ID
	responder.CreatedAt = existing.CreatedAt
	if err := r.db.Save(responder).Error; err != nil {
		return err
	}

	// Closing the window forgets who was replied to during it.
	if existing.Enabled && !responder.Enabled {
		return r.PurgeReplies(responder.ID)
	}
	return nil
}

func (r *responderRepository) EnsureReplied(responderID, senderAddress string) (bool, error) {
	var reply vacationdomain.Reply
	now := time.Now()
	result := r.db.Where("responder_id = ? AND sender_address = ?", responderID, senderAddress).
		FirstOrCreate(&reply, vacationdomain.Reply{
			ID:            uuid.New().String(),
			ResponderID:   responderID,
			SenderAddress: senderAddress,
			RepliedAt:     now,
			CreatedAt:     now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 0, nil
}

func (r *responderRepository) ReleaseReply(responderID, senderAddress string) error {
	return r.db.Where("responder_id = ? AND sender_address = ?", responderID, senderAddress).
		Delete(&vacationdomain.Reply{}).Error
}

func (r *responderRepository) PurgeReplies(responderID string) error {
	return r.db.Where("responder_id = ?", responderID).Delete(&vacationdomain.Reply{}).Error
}
