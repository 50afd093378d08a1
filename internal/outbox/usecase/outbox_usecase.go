package usecase

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	accountrepo "mailbridge-backend/internal/account/repository"
	outboxdomain "mailbridge-backend/internal/outbox/domain"
	outboxrepo "mailbridge-backend/internal/outbox/repository"
	"mailbridge-backend/internal/provider"
	"mailbridge-backend/internal/token"

	"github.com/google/uuid"
)

// ErrUndoWindowExpired is returned when a cancel request arrives at or after
// send_at, whether or not the item has actually been sent yet.
var ErrUndoWindowExpired = errors.New("undo window has expired")

// Notifier delivers terminal-failure notifications to the owning user.
type Notifier interface {
	NotifyUser(ctx context.Context, userID, title, body string, data map[string]string) error
}

// OutboxUsecase runs the two delayed-execution flows: the short-delay
// cancelable undo queue and the longer-horizon scheduled queue with bounded
// retries. Both are driven by the cron due-scan, not internal timers.
type OutboxUsecase struct {
	queued    outboxrepo.QueuedSendRepository
	scheduled outboxrepo.ScheduledEmailRepository
	accounts  accountrepo.AccountRepository
	tokens    *token.Manager
	registry  *provider.Registry
	notifier  Notifier
	undoDelay time.Duration
	batchCap  int
}

func NewOutboxUsecase(
	queued outboxrepo.QueuedSendRepository,
	scheduled outboxrepo.ScheduledEmailRepository,
	accounts accountrepo.AccountRepository,
	tokens *token.Manager,
	registry *provider.Registry,
	undoDelay time.Duration,
	batchCap int,
) *OutboxUsecase {
	if undoDelay <= 0 {
		undoDelay = 5 * time.Second
	}
	if batchCap <= 0 {
		batchCap = 50
	}
	return &OutboxUsecase{
		queued:    queued,
		scheduled: scheduled,
		accounts:  accounts,
		tokens:    tokens,
		registry:  registry,
		undoDelay: undoDelay,
		batchCap:  batchCap,
	}
}

// SetNotifier wires the terminal-failure notification sink.
func (u *OutboxUsecase) SetNotifier(n Notifier) {
	u.notifier = n
}

// SendRequest is the compose-time payload for both flows.
type SendRequest struct {
	UserID    string
	AccountID string
	To        []string
	Cc        []string
	Bcc       []string
	Subject   string
	Body      string
	IsHTML    bool
}

// EnqueueUndoSend records a send inside the undo window.
func (u *OutboxUsecase) EnqueueUndoSend(req *SendRequest) (*outboxdomain.QueuedSend, error) {
	now := time.Now()
	item := &outboxdomain.QueuedSend{
		ID:           uuid.New().String(),
		UserID:       req.UserID,
		AccountID:    req.AccountID,
		ToAddresses:  strings.Join(req.To, ","),
		CcAddresses:  strings.Join(req.Cc, ","),
		BccAddresses: strings.Join(req.Bcc, ","),
		Subject:      req.Subject,
		Body:         req.Body,
		IsHTML:       req.IsHTML,
		SendAt:       now.Add(u.undoDelay),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := u.queued.Create(item); err != nil {
		return nil, fmt.Errorf("unable to enqueue send: %w", err)
	}
	return item, nil
}

// CancelUndoSend cancels an item while its window is open. Once send_at has
// passed the request fails with ErrUndoWindowExpired even if the due-scan
// has not picked the item up yet.
func (u *OutboxUsecase) CancelUndoSend(userID, id string) error {
	item, err := u.queued.FindByID(id)
	if err != nil {
		return err
	}
	if item == nil || item.UserID != userID {
		return errors.New("queued send not found")
	}
	if item.Canceled {
		return nil // already canceled, idempotent
	}

	ok, err := u.queued.Cancel(id, time.Now())
	if err != nil {
		return err
	}
	if !ok {
		return ErrUndoWindowExpired
	}
	return nil
}

// ScheduleSend records a send for a user-chosen future time.
func (u *OutboxUsecase) ScheduleSend(req *SendRequest, scheduledFor time.Time) (*outboxdomain.ScheduledEmail, error) {
	now := time.Now()
	item := &outboxdomain.ScheduledEmail{
		ID:           uuid.New().String(),
		UserID:       req.UserID,
		AccountID:    req.AccountID,
		ToAddresses:  strings.Join(req.To, ","),
		CcAddresses:  strings.Join(req.Cc, ","),
		BccAddresses: strings.Join(req.Bcc, ","),
		Subject:      req.Subject,
		Body:         req.Body,
		IsHTML:       req.IsHTML,
		ScheduledFor: scheduledFor,
		Status:       outboxdomain.ScheduledQueued,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := u.scheduled.Create(item); err != nil {
		return nil, fmt.Errorf("unable to schedule send: %w", err)
	}
	return item, nil
}

// ProcessDueQueuedSends is the cron scan for the undo flow. Each item is
// handled independently; one failure never aborts the batch.
func (u *OutboxUsecase) ProcessDueQueuedSends(ctx context.Context) (sent int, failed int) {
	due, err := u.queued.FindDue(time.Now(), u.batchCap)
	if err != nil {
		log.Printf("[Outbox] Unable to scan queued sends: %v", err)
		return 0, 0
	}

	for _, item := range due {
		if err := u.deliver(ctx, item.AccountID, &provider.OutgoingMessage{
			To:      splitAddresses(item.ToAddresses),
			Cc:      splitAddresses(item.CcAddresses),
			Bcc:     splitAddresses(item.BccAddresses),
			Subject: item.Subject,
			Body:    item.Body,
			IsHTML:  item.IsHTML,
		}); err != nil {
			failed++
			log.Printf("[Outbox] Queued send %s failed: %v", item.ID, err)
			if rerr := u.queued.RecordError(item.ID, err.Error()); rerr != nil {
				log.Printf("[Outbox] Unable to record error on %s: %v", item.ID, rerr)
			}
			continue
		}
		if err := u.queued.MarkSent(item.ID); err != nil {
			log.Printf("[Outbox] Unable to mark %s sent: %v", item.ID, err)
			continue
		}
		sent++
	}
	return sent, failed
}

// ProcessDueScheduledSends is the cron scan for the scheduled flow: claim
// queued→sending, attempt delivery, then sent / queued(retry) / failed.
func (u *OutboxUsecase) ProcessDueScheduledSends(ctx context.Context) (sent int, failed int) {
	claimed, err := u.scheduled.ClaimDue(time.Now(), u.batchCap)
	if err != nil {
		log.Printf("[Outbox] Unable to claim scheduled sends: %v", err)
		return 0, 0
	}

	for _, item := range claimed {
		err := u.deliver(ctx, item.AccountID, &provider.OutgoingMessage{
			To:      splitAddresses(item.ToAddresses),
			Cc:      splitAddresses(item.CcAddresses),
			Bcc:     splitAddresses(item.BccAddresses),
			Subject: item.Subject,
			Body:    item.Body,
			IsHTML:  item.IsHTML,
		})
		if err == nil {
			if merr := u.scheduled.MarkSent(item.ID); merr != nil {
				log.Printf("[Outbox] Unable to mark scheduled %s sent: %v", item.ID, merr)
				continue
			}
			sent++
			continue
		}

		failed++
		log.Printf("[Outbox] Scheduled send %s failed (attempt %d): %v", item.ID, item.RetryCount+1, err)

		if item.RetryCount+1 >= outboxdomain.MaxSendAttempts {
			if merr := u.scheduled.MarkFailed(item.ID, err.Error()); merr != nil {
				log.Printf("[Outbox] Unable to mark scheduled %s failed: %v", item.ID, merr)
				continue
			}
			u.notifyTerminalFailure(ctx, item)
			continue
		}
		// Retried on a later scan, not immediately.
		if merr := u.scheduled.Requeue(item.ID, err.Error()); merr != nil {
			log.Printf("[Outbox] Unable to requeue scheduled %s: %v", item.ID, merr)
		}
	}
	return sent, failed
}

func (u *OutboxUsecase) deliver(ctx context.Context, accountID string, msg *provider.OutgoingMessage) error {
	account, err := u.accounts.FindByID(accountID)
	if err != nil {
		return err
	}
	if account == nil {
		return fmt.Errorf("account not found: %s", accountID)
	}

	tok, err := u.tokens.GetValidToken(ctx, accountID)
	if err != nil {
		return err
	}
	adapter, err := u.registry.Get(account.Provider)
	if err != nil {
		return err
	}

	msg.FromEmail = account.Address
	_, err = adapter.SendMessage(ctx, tok, msg)
	return err
}

func (u *OutboxUsecase) notifyTerminalFailure(ctx context.Context, item *outboxdomain.ScheduledEmail) {
	if u.notifier == nil {
		return
	}
	err := u.notifier.NotifyUser(ctx, item.UserID,
		"Scheduled email could not be sent",
		fmt.Sprintf("Delivery of %q failed after %d attempts.", item.Subject, outboxdomain.MaxSendAttempts),
		map[string]string{
			"type":            "scheduled_send_failed",
			"scheduled_email": item.ID,
		})
	if err != nil {
		log.Printf("[Outbox] Failed to notify user %s about scheduled email %s: %v", item.UserID, item.ID, err)
	}
}

func splitAddresses(joined string) []string {
	if joined == "" {
		return nil
	}
	parts := strings.Split(joined, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
