package domain

import "time"

// Message is the locally mirrored, provider-normalized form of a mailbox
// message. (AccountID, ProviderMessageID) is the identity used for upserts,
// which is what makes delta replay idempotent.
type Message struct {
	ID                string     `json:"id" gorm:"primaryKey"`
	AccountID         string     `json:"account_id" gorm:"index;uniqueIndex:idx_account_provider_msg;not null"`
	ProviderMessageID string     `json:"provider_message_id" gorm:"uniqueIndex:idx_account_provider_msg;not null"`
	ThreadID          string     `json:"thread_id" gorm:"index"`
	FolderID          string     `json:"folder_id" gorm:"index"`
	FromAddress       string     `json:"from_address"`
	FromName          string     `json:"from_name"`
	ToAddresses       string     `json:"to_addresses"` // comma-joined
	Subject           string     `json:"subject"`
	Snippet           string     `json:"snippet"`
	Body              string     `json:"body"`
	IsHTML            bool       `json:"is_html"`
	IsRead            bool       `json:"is_read"`
	ReceivedAt        time.Time  `json:"received_at" gorm:"index"`
	SnoozedUntil      *time.Time `json:"snoozed_until,omitempty" gorm:"index"`
	DeletedAt         *time.Time `json:"deleted_at,omitempty" gorm:"index"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Folder is a mirrored mailbox folder.
type Folder struct {
	ID               string    `json:"id" gorm:"primaryKey"`
	AccountID        string    `json:"account_id" gorm:"index;uniqueIndex:idx_account_provider_folder;not null"`
	ProviderFolderID string    `json:"provider_folder_id" gorm:"uniqueIndex:idx_account_provider_folder;not null"`
	Name             string    `json:"name"`
	Role             string    `json:"role" gorm:"index"` // inbox, sent, drafts, trash, spam
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}
