package domain

import (
	"fmt"
	"time"

	"mailbridge-backend/internal/provider"
)

// SyncStatus is the account-level sync state machine.
type SyncStatus string

const (
	SyncIdle    SyncStatus = "idle"
	SyncSyncing SyncStatus = "syncing"
	SyncError   SyncStatus = "error"
	SyncPaused  SyncStatus = "paused"
)

// StaleSyncingAfter is how long a syncing claim may go without an update
// before it is treated as abandoned by a crashed process and reclaimable.
// Longer than any sync deadline, so a live run is never stolen.
const StaleSyncingAfter = 30 * time.Minute

// CanTransition reports whether moving from to next is a legal transition.
// Paused is entered and left only by explicit user action.
func (s SyncStatus) CanTransition(next SyncStatus) bool {
	switch s {
	case SyncIdle, SyncError:
		return next == SyncSyncing || next == SyncPaused
	case SyncSyncing:
		return next == SyncIdle || next == SyncError
	case SyncPaused:
		return next == SyncIdle
	}
	return false
}

// Transition validates and returns the next status.
func (s SyncStatus) Transition(next SyncStatus) (SyncStatus, error) {
	if !s.CanTransition(next) {
		return s, fmt.Errorf("illegal sync status transition %s -> %s", s, next)
	}
	return next, nil
}

// EmailAccount is one connected mailbox. An account is soft-archived on
// disconnect, never hard-deleted while messages reference it.
type EmailAccount struct {
	ID           string        `json:"id" gorm:"primaryKey"`
	UserID       string        `json:"user_id" gorm:"index;not null"`
	Provider     provider.Name `json:"provider" gorm:"not null"`
	Address      string        `json:"address" gorm:"index;not null"`
	SyncStatus   SyncStatus    `json:"sync_status" gorm:"index;default:idle"`
	LastSyncedAt *time.Time    `json:"last_synced_at,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
	IsPrimary    bool          `json:"is_primary"`
	// WatchSubscriptionID is the provider push-subscription id, when the
	// provider routes notifications by subscription (Microsoft Graph).
	WatchSubscriptionID string     `json:"-" gorm:"index"`
	ArchivedAt          *time.Time `json:"archived_at,omitempty" gorm:"index"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// OAuthCredential holds the encrypted token material for one account. It is
// owned by the token manager and replaced wholesale on every refresh.
type OAuthCredential struct {
	AccountID             string    `json:"account_id" gorm:"primaryKey"`
	AccessTokenEncrypted  string    `json:"-" gorm:"not null"`
	RefreshTokenEncrypted string    `json:"-" gorm:"not null"`
	Expiry                time.Time `json:"expiry" gorm:"index"`
	Scopes                string    `json:"scopes"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}
