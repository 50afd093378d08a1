package usecase

import (
	"context"
	"fmt"
	"log"
	"time"

	accountrepo "mailbridge-backend/internal/account/repository"
	messagerepo "mailbridge-backend/internal/message/repository"
	"mailbridge-backend/pkg/sse"
)

// SnoozeUsecase hides messages until a wake time and surfaces them again
// from the cron scan.
type SnoozeUsecase struct {
	messages   messagerepo.MessageRepository
	accounts   accountrepo.AccountRepository
	sseManager *sse.Manager
}

func NewSnoozeUsecase(messages messagerepo.MessageRepository, accounts accountrepo.AccountRepository, sseManager *sse.Manager) *SnoozeUsecase {
	return &SnoozeUsecase{messages: messages, accounts: accounts, sseManager: sseManager}
}

// Snooze hides the message until the given wake time.
func (u *SnoozeUsecase) Snooze(userID, accountID, messageID string, until time.Time) error {
	account, err := u.accounts.FindByID(accountID)
	if err != nil {
		return err
	}
	if account == nil || account.UserID != userID {
		return fmt.Errorf("account not found: %s", accountID)
	}
	if !until.After(time.Now()) {
		return fmt.Errorf("snooze time must be in the future")
	}
	return u.messages.Snooze(accountID, messageID, until)
}

// Unsnooze surfaces a snoozed message again immediately.
func (u *SnoozeUsecase) Unsnooze(userID, accountID, messageID string) error {
	account, err := u.accounts.FindByID(accountID)
	if err != nil {
		return err
	}
	if account == nil || account.UserID != userID {
		return fmt.Errorf("account not found: %s", accountID)
	}
	return u.messages.ClearSnooze(accountID, messageID)
}

// WakeDue clears lapsed snoozes and tells each owner their message is back.
// Per-message failures are logged so one bad row cannot stall the scan.
func (u *SnoozeUsecase) WakeDue(ctx context.Context, limit int) (int, error) {
	due, err := u.messages.FindDueSnoozed(time.Now(), limit)
	if err != nil {
		return 0, fmt.Errorf("unable to list due snoozes: %w", err)
	}

	woke := 0
	for _, msg := range due {
		if err := ctx.Err(); err != nil {
			return woke, err
		}
		if err := u.messages.ClearSnooze(msg.AccountID, msg.ID); err != nil {
			log.Printf("[Snooze] Failed to wake message %s: %v", msg.ID, err)
			continue
		}
		woke++

		account, err := u.accounts.FindByID(msg.AccountID)
		if err != nil || account == nil {
			continue
		}
		if u.sseManager != nil {
			u.sseManager.SendToUser(account.UserID, "snooze_expired", map[string]any{
				"message_id": msg.ID,
				"account_id": msg.AccountID,
				"subject":    msg.Subject,
			})
		}
	}
	return woke, nil
}
