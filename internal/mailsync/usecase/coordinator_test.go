package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	accountdomain "mailbridge-backend/internal/account/domain"
	accountrepo "mailbridge-backend/internal/account/repository"
	syncdomain "mailbridge-backend/internal/mailsync/domain"
	syncrepo "mailbridge-backend/internal/mailsync/repository"
	messagedomain "mailbridge-backend/internal/message/domain"
	messagerepo "mailbridge-backend/internal/message/repository"
	"mailbridge-backend/internal/provider"
	"mailbridge-backend/internal/provider/providertest"
	"mailbridge-backend/internal/token"
	"mailbridge-backend/pkg/crypto"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fixture struct {
	coordinator *Coordinator
	accounts    accountrepo.AccountRepository
	checkpoints syncrepo.CheckpointRepository
	messages    messagerepo.MessageRepository
	adapter     *providertest.Adapter
	accountID   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// Every pooled connection gets its own :memory: database; pin to one.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(
		&accountdomain.EmailAccount{},
		&accountdomain.OAuthCredential{},
		&syncdomain.SyncCheckpoint{},
		&messagedomain.Message{},
		&messagedomain.Folder{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	box, err := crypto.NewBox("test-passphrase")
	if err != nil {
		t.Fatalf("new box: %v", err)
	}

	accounts := accountrepo.NewAccountRepository(db)
	credentials := accountrepo.NewCredentialRepository(db, box)
	checkpoints := syncrepo.NewCheckpointRepository(db)
	messages := messagerepo.NewMessageRepository(db)
	folders := messagerepo.NewFolderRepository(db)

	adapter := &providertest.Adapter{ProviderName: provider.Google}
	registry := provider.NewRegistry(adapter)
	tokens := token.NewManager(accounts, credentials, registry, 10*time.Minute)

	account := &accountdomain.EmailAccount{
		ID:       uuid.New().String(),
		UserID:   "user-1",
		Provider: provider.Google,
		Address:  "user@gmail.com",
	}
	if err := accounts.Create(account); err != nil {
		t.Fatalf("create account: %v", err)
	}
	if err := credentials.Replace(account.ID, &provider.Token{
		AccessToken:  "access",
		RefreshToken: "refresh",
		Expiry:       time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("store credential: %v", err)
	}

	return &fixture{
		coordinator: NewCoordinator(accounts, checkpoints, messages, folders, tokens, registry, nil),
		accounts:    accounts,
		checkpoints: checkpoints,
		messages:    messages,
		adapter:     adapter,
		accountID:   account.ID,
	}
}

func inboxMessage(id, subject string) *provider.Message {
	return &provider.Message{
		ID:         id,
		FolderID:   "INBOX",
		From:       "sender@example.com",
		Subject:    subject,
		ReceivedAt: time.Now(),
	}
}

// runInitial seeds the fixture with a completed initial sync of two inbox
// messages.
func (f *fixture) runInitial(t *testing.T) {
	t.Helper()
	f.adapter.MessagesFunc = func(ctx context.Context, tok *provider.Token, folderID string, limit int) ([]*provider.Message, string, error) {
		if folderID != "INBOX" {
			return nil, "", nil
		}
		return []*provider.Message{inboxMessage("m1", "first"), inboxMessage("m2", "second")}, "", nil
	}

	result, err := f.coordinator.SyncAccount(context.Background(), f.accountID)
	if err != nil {
		t.Fatalf("initial sync: %v", err)
	}
	if !result.Claimed || !result.Initial {
		t.Fatalf("result = %+v, want claimed initial sync", result)
	}
}

func (f *fixture) messagesCursor(t *testing.T) string {
	t.Helper()
	cp, err := f.checkpoints.Get(f.accountID, syncdomain.SyncMessages)
	if err != nil {
		t.Fatalf("get checkpoint: %v", err)
	}
	if cp == nil || cp.Cursor == nil {
		t.Fatal("messages checkpoint missing")
	}
	return *cp.Cursor
}

func TestInitialSyncSeedsCheckpoints(t *testing.T) {
	f := newFixture(t)
	f.runInitial(t)

	if got := f.messagesCursor(t); got != "cursor-0" {
		t.Fatalf("messages cursor = %q, want cursor-0", got)
	}
	for _, st := range syncdomain.AllSyncTypes {
		cp, err := f.checkpoints.Get(f.accountID, st)
		if err != nil {
			t.Fatalf("get %s checkpoint: %v", st, err)
		}
		if cp == nil {
			t.Fatalf("%s checkpoint not seeded", st)
		}
	}

	count, err := f.messages.CountByAccount(f.accountID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("mirrored messages = %d, want 2", count)
	}

	account, err := f.accounts.FindByID(f.accountID)
	if err != nil {
		t.Fatalf("find account: %v", err)
	}
	if account.SyncStatus != accountdomain.SyncIdle {
		t.Fatalf("status = %s, want idle", account.SyncStatus)
	}
	if account.LastSyncedAt == nil {
		t.Fatal("LastSyncedAt not recorded")
	}
}

func TestDeltaSyncAppliesChangesAndAdvancesCursor(t *testing.T) {
	f := newFixture(t)
	f.runInitial(t)

	f.adapter.ChangesFunc = func(ctx context.Context, tok *provider.Token, cursor string) (*provider.ChangeSet, error) {
		return &provider.ChangeSet{
			Messages: []*provider.Message{
				inboxMessage("m3", "third"),
				{ID: "m1", Deleted: true},
			},
			NewCursor: "cursor-1",
		}, nil
	}

	result, err := f.coordinator.SyncAccount(context.Background(), f.accountID)
	if err != nil {
		t.Fatalf("delta sync: %v", err)
	}
	if result.Initial {
		t.Fatal("expected delta, got initial sync")
	}
	if result.NewMessages != 1 {
		t.Fatalf("new messages = %d, want 1", result.NewMessages)
	}

	if got := f.messagesCursor(t); got != "cursor-1" {
		t.Fatalf("cursor = %q, want cursor-1", got)
	}

	deleted, err := f.messages.FindByProviderID(f.accountID, "m1")
	if err != nil {
		t.Fatalf("find m1: %v", err)
	}
	if deleted == nil || deleted.DeletedAt == nil {
		t.Fatal("m1 not marked deleted")
	}

	count, err := f.messages.CountByAccount(f.accountID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 { // 2 initial + 1 new - 1 deleted
		t.Fatalf("live messages = %d, want 2", count)
	}
}

func TestDeltaReplayConverges(t *testing.T) {
	f := newFixture(t)
	f.runInitial(t)

	f.adapter.ChangesFunc = func(ctx context.Context, tok *provider.Token, cursor string) (*provider.ChangeSet, error) {
		return &provider.ChangeSet{
			Messages:  []*provider.Message{inboxMessage("m3", "third")},
			NewCursor: "cursor-1",
		}, nil
	}

	if _, err := f.coordinator.SyncAccount(context.Background(), f.accountID); err != nil {
		t.Fatalf("first delta: %v", err)
	}

	// Same change set again, as after a redelivered webhook.
	result, err := f.coordinator.SyncAccount(context.Background(), f.accountID)
	if err != nil {
		t.Fatalf("replayed delta: %v", err)
	}
	if result.NewMessages != 0 {
		t.Fatalf("replay created %d messages, want 0", result.NewMessages)
	}

	count, err := f.messages.CountByAccount(f.accountID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 3 {
		t.Fatalf("messages = %d, want 3", count)
	}
}

func TestConcurrentTriggersRunOneSync(t *testing.T) {
	f := newFixture(t)
	f.runInitial(t)

	f.adapter.ChangesFunc = func(ctx context.Context, tok *provider.Token, cursor string) (*provider.ChangeSet, error) {
		time.Sleep(50 * time.Millisecond) // hold the claim open
		return &provider.ChangeSet{NewCursor: cursor}, nil
	}
	baseline := f.adapter.ChangesCalls()

	const triggers = 5
	var wg sync.WaitGroup
	results := make([]*Result, triggers)
	for i := 0; i < triggers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := f.coordinator.SyncAccount(context.Background(), f.accountID)
			if err != nil {
				t.Errorf("trigger %d: %v", i, err)
				return
			}
			results[i] = r
		}(i)
	}
	wg.Wait()

	claimed := 0
	for _, r := range results {
		if r != nil && r.Claimed {
			claimed++
		}
	}
	if claimed != 1 {
		t.Fatalf("claimed = %d, want exactly 1", claimed)
	}
	if got := f.adapter.ChangesCalls() - baseline; got != 1 {
		t.Fatalf("provider calls = %d, want 1", got)
	}
}

func TestCredentialFailureParksAccountInError(t *testing.T) {
	f := newFixture(t)
	f.runInitial(t)

	f.adapter.ChangesFunc = func(ctx context.Context, tok *provider.Token, cursor string) (*provider.ChangeSet, error) {
		return nil, provider.NewCredentialError("token revoked", provider.ErrTokenRevoked)
	}

	if _, err := f.coordinator.SyncAccount(context.Background(), f.accountID); err == nil {
		t.Fatal("expected error")
	}

	account, err := f.accounts.FindByID(f.accountID)
	if err != nil {
		t.Fatalf("find account: %v", err)
	}
	if account.SyncStatus != accountdomain.SyncError {
		t.Fatalf("status = %s, want error", account.SyncStatus)
	}
	if account.LastError == "" {
		t.Fatal("LastError not recorded")
	}

	// A reconnect-style retry claims out of error state and recovers.
	f.adapter.ChangesFunc = nil
	result, err := f.coordinator.SyncAccount(context.Background(), f.accountID)
	if err != nil {
		t.Fatalf("recovery sync: %v", err)
	}
	if !result.Claimed {
		t.Fatal("recovery sync was not claimed")
	}

	account, _ = f.accounts.FindByID(f.accountID)
	if account.SyncStatus != accountdomain.SyncIdle || account.LastError != "" {
		t.Fatalf("account = %s/%q, want idle with cleared error", account.SyncStatus, account.LastError)
	}
}

func TestTransientFailureLeavesAccountIdle(t *testing.T) {
	f := newFixture(t)
	f.runInitial(t)
	cursorBefore := f.messagesCursor(t)

	f.adapter.ChangesFunc = func(ctx context.Context, tok *provider.Token, cursor string) (*provider.ChangeSet, error) {
		return nil, provider.NewTransientError("rate limited", provider.ErrProviderUnavailable)
	}

	if _, err := f.coordinator.SyncAccount(context.Background(), f.accountID); err == nil {
		t.Fatal("expected error")
	}

	account, err := f.accounts.FindByID(f.accountID)
	if err != nil {
		t.Fatalf("find account: %v", err)
	}
	if account.SyncStatus != accountdomain.SyncIdle {
		t.Fatalf("status = %s, want idle (eligible for next tick)", account.SyncStatus)
	}

	cp, err := f.checkpoints.Get(f.accountID, syncdomain.SyncMessages)
	if err != nil {
		t.Fatalf("get checkpoint: %v", err)
	}
	if cp.ConsecutiveErrs != 1 {
		t.Fatalf("consecutive errors = %d, want 1", cp.ConsecutiveErrs)
	}
	if *cp.Cursor != cursorBefore {
		t.Fatalf("cursor moved to %q on failure", *cp.Cursor)
	}
}

func TestPausedAccountIsNotSynced(t *testing.T) {
	f := newFixture(t)
	f.runInitial(t)

	if err := f.accounts.SetPaused(f.accountID, true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	baseline := f.adapter.ChangesCalls()

	result, err := f.coordinator.SyncAccount(context.Background(), f.accountID)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if result.Claimed {
		t.Fatal("paused account was claimed")
	}
	if got := f.adapter.ChangesCalls() - baseline; got != 0 {
		t.Fatalf("provider calls = %d, want 0", got)
	}
}

type captureListener struct {
	mu   sync.Mutex
	msgs []*messagedomain.Message
}

func (l *captureListener) HandleInboundMessage(ctx context.Context, account *accountdomain.EmailAccount, msg *messagedomain.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, msg)
}

func TestListenersSeeOnlyNewInboxMessages(t *testing.T) {
	f := newFixture(t)
	f.runInitial(t)

	listener := &captureListener{}
	f.coordinator.AddInboundListener(listener)

	f.adapter.ChangesFunc = func(ctx context.Context, tok *provider.Token, cursor string) (*provider.ChangeSet, error) {
		sent := inboxMessage("m-sent", "outgoing copy")
		sent.FolderID = "SENT"
		return &provider.ChangeSet{
			Messages:  []*provider.Message{inboxMessage("m3", "third"), sent},
			NewCursor: "cursor-1",
		}, nil
	}

	if _, err := f.coordinator.SyncAccount(context.Background(), f.accountID); err != nil {
		t.Fatalf("delta sync: %v", err)
	}

	listener.mu.Lock()
	defer listener.mu.Unlock()
	if len(listener.msgs) != 1 {
		t.Fatalf("listener saw %d messages, want 1", len(listener.msgs))
	}
	if listener.msgs[0].ProviderMessageID != "m3" {
		t.Fatalf("listener saw %s, want m3", listener.msgs[0].ProviderMessageID)
	}
}

func TestResyncReplaysFromScratch(t *testing.T) {
	f := newFixture(t)
	f.runInitial(t)

	result, err := f.coordinator.ResyncAccount(context.Background(), f.accountID)
	if err != nil {
		t.Fatalf("resync: %v", err)
	}
	if !result.Initial {
		t.Fatal("resync did not take the initial path")
	}

	// The same provider messages converge onto the same rows.
	count, err := f.messages.CountByAccount(f.accountID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("messages = %d, want 2", count)
	}
}
