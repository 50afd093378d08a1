package usecase

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	accountdomain "mailbridge-backend/internal/account/domain"
	messagedomain "mailbridge-backend/internal/message/domain"
	"mailbridge-backend/internal/provider"
	"mailbridge-backend/internal/token"
	vacationdomain "mailbridge-backend/internal/vacation/domain"
	vacationrepo "mailbridge-backend/internal/vacation/repository"
)

// ResponderUsecase decides, per inbound primary-inbox message, whether to
// fire a deduplicated vacation auto-reply. Every failure in here is logged
// and swallowed: an auto-reply must never fail the sync that delivered the
// triggering message.
type ResponderUsecase struct {
	responders vacationrepo.ResponderRepository
	tokens     *token.Manager
	registry   *provider.Registry
}

func NewResponderUsecase(responders vacationrepo.ResponderRepository, tokens *token.Manager, registry *provider.Registry) *ResponderUsecase {
	return &ResponderUsecase{
		responders: responders,
		tokens:     tokens,
		registry:   registry,
	}
}

// GetConfig returns the account's responder configuration, or nil.
func (u *ResponderUsecase) GetConfig(accountID string) (*vacationdomain.Responder, error) {
	return u.responders.GetByAccount(accountID)
}

// SetConfig stores the account's responder configuration. Disabling purges
// the per-sender dedup rows so the next vacation starts clean.
func (u *ResponderUsecase) SetConfig(accountID string, enabled bool, start, end *time.Time, message string) (*vacationdomain.Responder, error) {
	if enabled && strings.TrimSpace(message) == "" {
		return nil, errors.New("auto-reply message must not be empty")
	}
	if start != nil && end != nil && end.Before(*start) {
		return nil, errors.New("end date must not be before start date")
	}

	responder := &vacationdomain.Responder{
		AccountID: accountID,
		Enabled:   enabled,
		StartDate: start,
		EndDate:   end,
		Message:   message,
	}
	if err := u.responders.Upsert(responder); err != nil {
		return nil, err
	}
	return responder, nil
}

// HandleInboundMessage implements the sync coordinator's inbound listener.
func (u *ResponderUsecase) HandleInboundMessage(ctx context.Context, account *accountdomain.EmailAccount, msg *messagedomain.Message) {
	sender := strings.ToLower(strings.TrimSpace(msg.FromAddress))
	if sender == "" || strings.EqualFold(sender, account.Address) {
		return
	}

	responder, err := u.responders.GetByAccount(account.ID)
	if err != nil {
		log.Printf("[Vacation] Unable to load responder for %s: %v", account.Address, err)
		return
	}
	if responder == nil || !responder.ActiveAt(time.Now()) {
		return
	}

	alreadyReplied, err := u.responders.EnsureReplied(responder.ID, sender)
	if err != nil {
		log.Printf("[Vacation] Unable to record reply dedup for %s: %v", sender, err)
		return
	}
	if alreadyReplied {
		return
	}

	// The reply carries no threading headers and quotes nothing from the
	// original, so responder pairs cannot loop. On a clean send failure the
	// dedup row is released again; a crash between record and send leaves it
	// in place, suppressing one reply rather than risking a duplicate.
	tok, err := u.tokens.GetValidToken(ctx, account.ID)
	if err != nil {
		log.Printf("[Vacation] Token unavailable for %s: %v", account.Address, err)
		u.releaseReply(responder.ID, sender)
		return
	}
	adapter, err := u.registry.Get(account.Provider)
	if err != nil {
		log.Printf("[Vacation] %v", err)
		u.releaseReply(responder.ID, sender)
		return
	}

	_, err = adapter.SendMessage(ctx, tok, &provider.OutgoingMessage{
		FromEmail: account.Address,
		To:        []string{sender},
		Subject:   "Automatic reply",
		Body:      responder.Message,
		AutoReply: true,
	})
	if err != nil {
		log.Printf("[Vacation] Auto-reply to %s failed: %v", sender, err)
		u.releaseReply(responder.ID, sender)
		return
	}

	log.Printf("[Vacation] Auto-reply sent to %s for %s", sender, account.Address)
}

func (u *ResponderUsecase) releaseReply(responderID, sender string) {
	if err := u.responders.ReleaseReply(responderID, sender); err != nil {
		log.Printf("[Vacation] Unable to release reply dedup for %s: %v", sender, err)
	}
}
