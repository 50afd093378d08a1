package domain

import "time"

// SyncType names the independent change feeds tracked per account.
type SyncType string

const (
	SyncMessages SyncType = "messages"
	SyncFolders  SyncType = "folders"
	SyncCalendar SyncType = "calendar"
	SyncContacts SyncType = "contacts"
)

// AllSyncTypes is the full checkpoint set seeded after an initial sync.
var AllSyncTypes = []SyncType{SyncMessages, SyncFolders, SyncCalendar, SyncContacts}

// SyncCheckpoint is the durable cursor for one (account, sync-type) feed.
// The cursor only moves forward as acknowledged by the provider; it is
// rewound only by an explicit resync. A nil cursor means "never synced".
type SyncCheckpoint struct {
	ID              string     `json:"id" gorm:"primaryKey"`
	AccountID       string     `json:"account_id" gorm:"index;uniqueIndex:idx_account_sync_type;not null"`
	SyncType        SyncType   `json:"sync_type" gorm:"uniqueIndex:idx_account_sync_type;not null"`
	Cursor          *string    `json:"cursor,omitempty"`
	LastSuccessAt   *time.Time `json:"last_success_at,omitempty"`
	ConsecutiveErrs int        `json:"consecutive_errors"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}
