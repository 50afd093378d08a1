package repository

import (
	"time"

	messagedomain "mailbridge-backend/internal/message/domain"
)

// MessageRepository persists the local mailbox mirror.
type MessageRepository interface {
	// Upsert inserts or updates by (account, provider message id) and
	// reports whether the row was newly created. Replaying the same change
	// set therefore converges on the same state.
	Upsert(msg *messagedomain.Message) (created bool, err error)
	MarkDeleted(accountID, providerMessageID string) error
	FindByProviderID(accountID, providerMessageID string) (*messagedomain.Message, error)
	CountByAccount(accountID string) (int64, error)

	Snooze(accountID, messageID string, until time.Time) error
	// FindDueSnoozed returns messages whose snooze window has lapsed.
	FindDueSnoozed(now time.Time, limit int) ([]*messagedomain.Message, error)
	ClearSnooze(accountID, messageID string) error
}

// FolderRepository persists mirrored folders.
type FolderRepository interface {
	Upsert(folder *messagedomain.Folder) error
	FindByAccount(accountID string) ([]*messagedomain.Folder, error)
	// InboxFolderID returns the provider folder id mirrored with the inbox
	// role, or "" when the account has no mirrored inbox yet.
	InboxFolderID(accountID string) (string, error)
}
