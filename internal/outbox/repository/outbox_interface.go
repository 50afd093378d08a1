package repository

import (
	"time"

	outboxdomain "mailbridge-backend/internal/outbox/domain"
)

// QueuedSendRepository persists the undo-send queue.
type QueuedSendRepository interface {
	Create(item *outboxdomain.QueuedSend) error
	FindByID(id string) (*outboxdomain.QueuedSend, error)
	// FindDue returns unsent, uncanceled items with send_at <= now,
	// oldest first.
	FindDue(now time.Time, limit int) ([]*outboxdomain.QueuedSend, error)
	// Cancel sets canceled=true only while the window is open and the
	// item is unsent; reports whether the cancel took effect.
	Cancel(id string, now time.Time) (bool, error)
	MarkSent(id string) error
	RecordError(id string, message string) error
}

// ScheduledEmailRepository persists the scheduled-send queue.
type ScheduledEmailRepository interface {
	Create(item *outboxdomain.ScheduledEmail) error
	FindByID(id string) (*outboxdomain.ScheduledEmail, error)
	// ClaimDue atomically moves due queued items to sending and returns
	// them, scheduled_for ascending. Two concurrent scans never claim the
	// same item.
	ClaimDue(now time.Time, limit int) ([]*outboxdomain.ScheduledEmail, error)
	MarkSent(id string) error
	// Requeue returns a sending item to queued with an incremented retry
	// count in one conditional update.
	Requeue(id string, message string) error
	// MarkFailed is the terminal transition after the retry budget is
	// spent.
	MarkFailed(id string, message string) error
}
