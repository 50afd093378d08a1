package usecase

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	accountdomain "mailbridge-backend/internal/account/domain"
	accountrepo "mailbridge-backend/internal/account/repository"
	syncdomain "mailbridge-backend/internal/mailsync/domain"
	syncrepo "mailbridge-backend/internal/mailsync/repository"
	messagedomain "mailbridge-backend/internal/message/domain"
	messagerepo "mailbridge-backend/internal/message/repository"
	"mailbridge-backend/internal/provider"
	"mailbridge-backend/internal/token"
	"mailbridge-backend/pkg/sse"
)

// initialWindowSize bounds how many messages per folder the initial sync
// mirrors; older mail arrives lazily through later windows.
const initialWindowSize = 50

// InboundListener is notified once per newly mirrored message. Listeners
// must handle their own failures; the coordinator ignores them.
type InboundListener interface {
	HandleInboundMessage(ctx context.Context, account *accountdomain.EmailAccount, msg *messagedomain.Message)
}

// Result describes the outcome of one sync request.
type Result struct {
	// Claimed is false when another sync already held the account; the
	// request was resolved as a successful no-op.
	Claimed     bool `json:"claimed"`
	Initial     bool `json:"initial"`
	NewMessages int  `json:"new_messages"`
}

// Coordinator drives the per-account sync state machine. At most one sync
// (initial or delta) runs per account at a time; the claim is a conditional
// update against the persisted sync_status, so the guard holds across
// processes.
type Coordinator struct {
	accounts    accountrepo.AccountRepository
	checkpoints syncrepo.CheckpointRepository
	messages    messagerepo.MessageRepository
	folders     messagerepo.FolderRepository
	tokens      *token.Manager
	registry    *provider.Registry
	sseManager  *sse.Manager
	listeners   []InboundListener
}

func NewCoordinator(
	accounts accountrepo.AccountRepository,
	checkpoints syncrepo.CheckpointRepository,
	messages messagerepo.MessageRepository,
	folders messagerepo.FolderRepository,
	tokens *token.Manager,
	registry *provider.Registry,
	sseManager *sse.Manager,
) *Coordinator {
	return &Coordinator{
		accounts:    accounts,
		checkpoints: checkpoints,
		messages:    messages,
		folders:     folders,
		tokens:      tokens,
		registry:    registry,
		sseManager:  sseManager,
	}
}

// AddInboundListener registers a consumer of newly mirrored messages.
func (c *Coordinator) AddInboundListener(l InboundListener) {
	c.listeners = append(c.listeners, l)
}

// SyncAccount runs one sync for the account: an initial sync when no
// messages cursor exists yet, a delta sync otherwise. A request for an
// account that is already syncing returns a successful no-op.
func (c *Coordinator) SyncAccount(ctx context.Context, accountID string) (*Result, error) {
	account, err := c.accounts.FindByID(accountID)
	if err != nil {
		return nil, fmt.Errorf("unable to load account %s: %w", accountID, err)
	}
	if account == nil {
		return nil, fmt.Errorf("account not found: %s", accountID)
	}
	if account.SyncStatus == accountdomain.SyncPaused {
		return &Result{}, nil
	}

	claimed, err := c.accounts.ClaimSyncing(accountID)
	if err != nil {
		return nil, fmt.Errorf("unable to claim sync for account %s: %w", accountID, err)
	}
	if !claimed {
		// Another run holds the claim; webhook bursts land here.
		log.Printf("[SyncCoordinator] Sync already in flight for %s, skipping", account.Address)
		return &Result{}, nil
	}

	result, err := c.runClaimed(ctx, account)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// runClaimed owns the syncing state and must always release it.
func (c *Coordinator) runClaimed(ctx context.Context, account *accountdomain.EmailAccount) (*Result, error) {
	cp, err := c.checkpoints.Get(account.ID, syncdomain.SyncMessages)
	if err != nil {
		c.accounts.ReleaseSyncing(account.ID)
		return nil, err
	}

	result := &Result{Claimed: true, Initial: cp == nil || cp.Cursor == nil}

	if result.Initial {
		err = c.runInitialSync(ctx, account, result)
	} else {
		err = c.runDeltaSync(ctx, account, *cp.Cursor, result)
	}

	if err != nil {
		if provider.IsCredentialError(err) {
			// Requires user reconnect; automatic retries stop here.
			log.Printf("[SyncCoordinator] Credential failure for %s: %v", account.Address, err)
			c.accounts.FinishSync(account.ID, err.Error())
			return nil, err
		}
		// Transient: leave the account idle so the next tick retries.
		if n, ferr := c.checkpoints.RecordFailure(account.ID, syncdomain.SyncMessages); ferr == nil {
			log.Printf("[SyncCoordinator] Transient failure for %s (consecutive: %d): %v", account.Address, n, err)
		}
		c.accounts.ReleaseSyncing(account.ID)
		return nil, err
	}

	if err := c.accounts.FinishSync(account.ID, ""); err != nil {
		return nil, fmt.Errorf("unable to finish sync for %s: %w", account.ID, err)
	}

	if c.sseManager != nil {
		c.sseManager.SendToUser(account.UserID, "sync_completed", map[string]any{
			"account_id":   account.ID,
			"initial":      result.Initial,
			"new_messages": result.NewMessages,
			"timestamp":    time.Now(),
		})
	}
	return result, nil
}

// runInitialSync mirrors the folder list and a bounded window of messages
// per folder, then seeds all checkpoints so later runs take the delta path.
func (c *Coordinator) runInitialSync(ctx context.Context, account *accountdomain.EmailAccount, result *Result) error {
	log.Printf("[SyncCoordinator] Initial sync for %s", account.Address)

	tok, err := c.tokens.GetValidToken(ctx, account.ID)
	if err != nil {
		return err
	}
	adapter, err := c.registry.Get(account.Provider)
	if err != nil {
		return err
	}

	folders, err := adapter.ListFolders(ctx, tok)
	if err != nil {
		return err
	}
	for _, f := range folders {
		err := c.folders.Upsert(&messagedomain.Folder{
			AccountID:        account.ID,
			ProviderFolderID: f.ID,
			Name:             f.Name,
			Role:             f.Role,
		})
		if err != nil {
			return fmt.Errorf("unable to mirror folder %s: %w", f.Name, err)
		}
	}

	for _, f := range folders {
		msgs, _, err := adapter.ListMessages(ctx, tok, f.ID, initialWindowSize)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			created, err := c.messages.Upsert(c.normalize(account.ID, m))
			if err != nil {
				return fmt.Errorf("unable to mirror message %s: %w", m.ID, err)
			}
			if created {
				result.NewMessages++
			}
		}
	}

	// The cursor is taken after the window is persisted; anything that
	// arrived in between shows up in the first delta run.
	cursor, err := adapter.InitialCursor(ctx, tok)
	if err != nil {
		return err
	}

	for _, st := range syncdomain.AllSyncTypes {
		seed := ""
		if st == syncdomain.SyncMessages {
			seed = cursor
		}
		if err := c.checkpoints.Advance(account.ID, st, seed); err != nil {
			return fmt.Errorf("unable to seed %s checkpoint: %w", st, err)
		}
	}

	log.Printf("[SyncCoordinator] Initial sync for %s complete: %d messages", account.Address, result.NewMessages)
	return nil
}

// runDeltaSync applies provider-reported changes since cursor. The cursor is
// advanced only after every change is persisted locally; a crash before that
// re-delivers the same changes, and the upsert keying makes replay converge.
func (c *Coordinator) runDeltaSync(ctx context.Context, account *accountdomain.EmailAccount, cursor string, result *Result) error {
	tok, err := c.tokens.GetValidToken(ctx, account.ID)
	if err != nil {
		return err
	}
	adapter, err := c.registry.Get(account.Provider)
	if err != nil {
		return err
	}

	set, err := adapter.ListChanges(ctx, tok, cursor)
	if err != nil {
		return err
	}

	inboxID, err := c.folders.InboxFolderID(account.ID)
	if err != nil {
		return err
	}

	var inbound []*messagedomain.Message
	for _, m := range set.Messages {
		if m.Deleted {
			if err := c.messages.MarkDeleted(account.ID, m.ID); err != nil {
				return fmt.Errorf("unable to mark message %s deleted: %w", m.ID, err)
			}
			continue
		}

		normalized := c.normalize(account.ID, m)
		created, err := c.messages.Upsert(normalized)
		if err != nil {
			return fmt.Errorf("unable to mirror message %s: %w", m.ID, err)
		}
		if created {
			result.NewMessages++
			if isInbox(m.FolderID, inboxID) {
				inbound = append(inbound, normalized)
			}
		}
	}

	if set.NewCursor != "" && set.NewCursor != cursor {
		if err := c.checkpoints.Advance(account.ID, syncdomain.SyncMessages, set.NewCursor); err != nil {
			return fmt.Errorf("unable to advance cursor: %w", err)
		}
	} else if err := c.checkpoints.Advance(account.ID, syncdomain.SyncMessages, cursor); err != nil {
		// Zero changes is a normal, frequent outcome; still record success.
		return fmt.Errorf("unable to record sync success: %w", err)
	}

	// Listeners run after the cursor is safe; their failures are their own.
	for _, msg := range inbound {
		for _, l := range c.listeners {
			l.HandleInboundMessage(ctx, account, msg)
		}
	}

	if result.NewMessages > 0 {
		log.Printf("[SyncCoordinator] Delta sync for %s: %d new messages", account.Address, result.NewMessages)
	}
	return nil
}

// ResyncAccount rewinds the messages cursor and runs a fresh initial sync.
// This is the only path that moves a cursor backwards.
func (c *Coordinator) ResyncAccount(ctx context.Context, accountID string) (*Result, error) {
	if err := c.checkpoints.Reset(accountID, syncdomain.SyncMessages); err != nil {
		return nil, fmt.Errorf("unable to reset checkpoint: %w", err)
	}
	return c.SyncAccount(ctx, accountID)
}

// SweepAll runs a sync for every eligible account; accounts run
// concurrently and independently, one failure never stops the sweep.
func (c *Coordinator) SweepAll(ctx context.Context) int {
	accounts, err := c.accounts.FindSyncable()
	if err != nil {
		log.Printf("[SyncCoordinator] Unable to list accounts for sweep: %v", err)
		return 0
	}

	done := make(chan struct{}, len(accounts))
	for _, account := range accounts {
		go func(id, address string) {
			defer func() { done <- struct{}{} }()
			if _, err := c.SyncAccount(ctx, id); err != nil {
				log.Printf("[SyncCoordinator] Sweep sync failed for %s: %v", address, err)
			}
		}(account.ID, account.Address)
	}
	for range accounts {
		<-done
	}
	return len(accounts)
}

func (c *Coordinator) normalize(accountID string, m *provider.Message) *messagedomain.Message {
	return &messagedomain.Message{
		AccountID:         accountID,
		ProviderMessageID: m.ID,
		ThreadID:          m.ThreadID,
		FolderID:          m.FolderID,
		FromAddress:       m.From,
		FromName:          m.FromName,
		ToAddresses:       strings.Join(m.To, ","),
		Subject:           m.Subject,
		Snippet:           m.Snippet,
		Body:              m.Body,
		IsHTML:            m.IsHTML,
		IsRead:            m.IsRead,
		ReceivedAt:        m.ReceivedAt,
	}
}

func isInbox(folderID, inboxID string) bool {
	if folderID == "" {
		return false
	}
	return folderID == "INBOX" || (inboxID != "" && folderID == inboxID)
}
