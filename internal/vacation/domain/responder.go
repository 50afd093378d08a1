package domain

import "time"

// Responder is the per-account vacation auto-reply configuration; at most
// one row per account.
type Responder struct {
	ID        string     `json:"id" gorm:"primaryKey"`
	AccountID string     `json:"account_id" gorm:"uniqueIndex;not null"`
	Enabled   bool       `json:"enabled" gorm:"default:false"`
	StartDate *time.Time `json:"start_date,omitempty"`
	EndDate   *time.Time `json:"end_date,omitempty"`
	Message   string     `json:"message"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// ActiveAt reports whether the responder should fire at now. An absent
// bound is unbounded on that side.
func (r *Responder) ActiveAt(now time.Time) bool {
	if !r.Enabled {
		return false
	}
	if r.StartDate != nil && now.Before(*r.StartDate) {
		return false
	}
	if r.EndDate != nil && now.After(*r.EndDate) {
		return false
	}
	return true
}

// Reply marks "already replied to this sender this window". The unique
// (responder, sender) index is the dedup key; rows are purged wholesale
// when the responder is disabled.
type Reply struct {
	ID            string    `json:"id" gorm:"primaryKey"`
	ResponderID   string    `json:"responder_id" gorm:"index;uniqueIndex:idx_responder_sender;not null"`
	SenderAddress string    `json:"sender_address" gorm:"uniqueIndex:idx_responder_sender;not null"`
	RepliedAt     time.Time `json:"replied_at"`
	CreatedAt     time.Time `json:"created_at"`
}
