package domain

import (
	"fmt"
	"time"
)

// MaxSendAttempts bounds scheduled-send retries; the fourth failure can
// never happen because the third moves the row to failed.
const MaxSendAttempts = 3

// QueuedSend is one outbound message inside the undo window. Once either
// Sent or Canceled is set the row is terminal; both can never be true. The
// row is kept forever as an audit trail.
type QueuedSend struct {
	ID           string     `json:"id" gorm:"primaryKey"`
	UserID       string     `json:"user_id" gorm:"index;not null"`
	AccountID    string     `json:"account_id" gorm:"index;not null"`
	ToAddresses  string     `json:"to_addresses" gorm:"not null"` // comma-joined
	CcAddresses  string     `json:"cc_addresses"`
	BccAddresses string     `json:"bcc_addresses"`
	Subject      string     `json:"subject"`
	Body         string     `json:"body"`
	IsHTML       bool       `json:"is_html"`
	SendAt       time.Time  `json:"send_at" gorm:"index;not null"`
	Canceled     bool       `json:"canceled" gorm:"index;default:false"`
	Sent         bool       `json:"sent" gorm:"index;default:false"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// CancelableAt reports whether the undo window is still open at now.
func (q *QueuedSend) CancelableAt(now time.Time) bool {
	return !q.Sent && !q.Canceled && now.Before(q.SendAt)
}

// ScheduledStatus is the scheduled-send state machine.
type ScheduledStatus string

const (
	ScheduledQueued  ScheduledStatus = "queued"
	ScheduledSending ScheduledStatus = "sending"
	ScheduledSent    ScheduledStatus = "sent"
	ScheduledFailed  ScheduledStatus = "failed"
)

// StaleSendingAfter is how long a sending claim may sit untouched before a
// crashed worker is assumed and the row becomes claimable again.
const StaleSendingAfter = 15 * time.Minute

// CanTransition enforces queued -> sending -> {sent, queued, failed}; sent
// and failed are terminal.
func (s ScheduledStatus) CanTransition(next ScheduledStatus) bool {
	switch s {
	case ScheduledQueued:
		return next == ScheduledSending
	case ScheduledSending:
		return next == ScheduledSent || next == ScheduledQueued || next == ScheduledFailed
	}
	return false
}

// Transition validates and returns the next status.
func (s ScheduledStatus) Transition(next ScheduledStatus) (ScheduledStatus, error) {
	if !s.CanTransition(next) {
		return s, fmt.Errorf("illegal scheduled send transition %s -> %s", s, next)
	}
	return next, nil
}

// ScheduledEmail is one user-scheduled-for-later message. Failed is reached
// only after MaxSendAttempts failures and is terminal.
type ScheduledEmail struct {
	ID           string          `json:"id" gorm:"primaryKey"`
	UserID       string          `json:"user_id" gorm:"index;not null"`
	AccountID    string          `json:"account_id" gorm:"index;not null"`
	ToAddresses  string          `json:"to_addresses" gorm:"not null"`
	CcAddresses  string          `json:"cc_addresses"`
	BccAddresses string          `json:"bcc_addresses"`
	Subject      string          `json:"subject"`
	Body         string          `json:"body"`
	IsHTML       bool            `json:"is_html"`
	ScheduledFor time.Time       `json:"scheduled_for" gorm:"index;not null"`
	Status       ScheduledStatus `json:"status" gorm:"index;default:queued"`
	RetryCount   int             `json:"retry_count" gorm:"default:0"`
	LastError    string          `json:"last_error,omitempty"`
	SentAt       *time.Time      `json:"sent_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}
