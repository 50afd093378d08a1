package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	accountdomain "mailbridge-backend/internal/account/domain"
	accountrepo "mailbridge-backend/internal/account/repository"
	outboxdomain "mailbridge-backend/internal/outbox/domain"
	outboxrepo "mailbridge-backend/internal/outbox/repository"
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
	db        *gorm.DB
	outbox    *OutboxUsecase
	queued    outboxrepo.QueuedSendRepository
	scheduled outboxrepo.ScheduledEmailRepository
	adapter   *providertest.Adapter
	accountID string
}

func newFixture(t *testing.T, undoDelay time.Duration) *fixture {
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
		&outboxdomain.QueuedSend{},
		&outboxdomain.ScheduledEmail{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	box, err := crypto.NewBox("test-passphrase")
	if err != nil {
		t.Fatalf("new box: %v", err)
	}

	accounts := accountrepo.NewAccountRepository(db)
	credentials := accountrepo.NewCredentialRepository(db, box)
	queued := outboxrepo.NewQueuedSendRepository(db)
	scheduled := outboxrepo.NewScheduledEmailRepository(db)

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
		db:        db,
		outbox:    NewOutboxUsecase(queued, scheduled, accounts, tokens, registry, undoDelay, 50),
		queued:    queued,
		scheduled: scheduled,
		adapter:   adapter,
		accountID: account.ID,
	}
}

func (f *fixture) sendRequest() *SendRequest {
	return &SendRequest{
		UserID:    "user-1",
		AccountID: f.accountID,
		To:        []string{"dest@example.com"},
		Subject:   "hello",
		Body:      "body",
	}
}

// backdate moves a queued item's send_at into the past so the due-scan and
// the cancel-window check see it as due.
func (f *fixture) backdate(t *testing.T, id string) {
	t.Helper()
	err := f.db.Model(&outboxdomain.QueuedSend{}).Where("id = ?", id).
		Update("send_at", time.Now().Add(-time.Second)).Error
	if err != nil {
		t.Fatalf("backdate: %v", err)
	}
}

func TestUndoSendCancelWithinWindow(t *testing.T) {
	f := newFixture(t, time.Hour)

	item, err := f.outbox.EnqueueUndoSend(f.sendRequest())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !item.SendAt.After(time.Now().Add(50 * time.Minute)) {
		t.Fatalf("send_at = %s, want ~1h out", item.SendAt)
	}

	if err := f.outbox.CancelUndoSend("user-1", item.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// Cancel again: idempotent.
	if err := f.outbox.CancelUndoSend("user-1", item.ID); err != nil {
		t.Fatalf("second cancel: %v", err)
	}

	// Even once due, a canceled item is never delivered.
	f.backdate(t, item.ID)
	sent, failed := f.outbox.ProcessDueQueuedSends(context.Background())
	if sent != 0 || failed != 0 {
		t.Fatalf("processed %d/%d, want 0/0", sent, failed)
	}
	if got := len(f.adapter.Sent()); got != 0 {
		t.Fatalf("provider saw %d sends, want 0", got)
	}
}

func TestUndoSendCancelAfterWindowExpires(t *testing.T) {
	f := newFixture(t, time.Hour)

	item, err := f.outbox.EnqueueUndoSend(f.sendRequest())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	f.backdate(t, item.ID)

	err = f.outbox.CancelUndoSend("user-1", item.ID)
	if !errors.Is(err, ErrUndoWindowExpired) {
		t.Fatalf("err = %v, want ErrUndoWindowExpired", err)
	}

	// The item is still delivered by the next scan.
	sent, failed := f.outbox.ProcessDueQueuedSends(context.Background())
	if sent != 1 || failed != 0 {
		t.Fatalf("processed %d/%d, want 1/0", sent, failed)
	}
}

func TestUndoSendOwnershipCheck(t *testing.T) {
	f := newFixture(t, time.Hour)

	item, err := f.outbox.EnqueueUndoSend(f.sendRequest())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := f.outbox.CancelUndoSend("someone-else", item.ID); err == nil {
		t.Fatal("cancel by another user succeeded")
	}
}

func TestDueQueuedSendsAreDelivered(t *testing.T) {
	f := newFixture(t, time.Hour)

	item, err := f.outbox.EnqueueUndoSend(f.sendRequest())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Not yet due: nothing happens.
	sent, failed := f.outbox.ProcessDueQueuedSends(context.Background())
	if sent != 0 || failed != 0 {
		t.Fatalf("early scan processed %d/%d, want 0/0", sent, failed)
	}

	f.backdate(t, item.ID)
	sent, failed = f.outbox.ProcessDueQueuedSends(context.Background())
	if sent != 1 || failed != 0 {
		t.Fatalf("processed %d/%d, want 1/0", sent, failed)
	}

	msgs := f.adapter.Sent()
	if len(msgs) != 1 {
		t.Fatalf("provider saw %d sends, want 1", len(msgs))
	}
	if msgs[0].FromEmail != "user@gmail.com" {
		t.Fatalf("from = %q, want account address", msgs[0].FromEmail)
	}

	// The scan is idempotent for sent items.
	sent, failed = f.outbox.ProcessDueQueuedSends(context.Background())
	if sent != 0 || failed != 0 {
		t.Fatalf("rescan processed %d/%d, want 0/0", sent, failed)
	}
}

func TestQueuedSendFailureIsIsolated(t *testing.T) {
	f := newFixture(t, time.Hour)

	bad, err := f.outbox.EnqueueUndoSend(f.sendRequest())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	goodReq := f.sendRequest()
	goodReq.Subject = "deliver me"
	good, err := f.outbox.EnqueueUndoSend(goodReq)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	f.backdate(t, bad.ID)
	f.backdate(t, good.ID)

	f.adapter.SendFunc = func(ctx context.Context, tok *provider.Token, msg *provider.OutgoingMessage) (string, error) {
		if msg.Subject != "deliver me" {
			return "", provider.NewTransientError("smtp burp", provider.ErrProviderUnavailable)
		}
		return "ok", nil
	}

	sent, failed := f.outbox.ProcessDueQueuedSends(context.Background())
	if sent != 1 || failed != 1 {
		t.Fatalf("processed %d/%d, want 1 sent and 1 failed", sent, failed)
	}
}

func scheduledDue(t *testing.T, f *fixture) *outboxdomain.ScheduledEmail {
	t.Helper()
	item, err := f.outbox.ScheduleSend(f.sendRequest(), time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	return item
}

func TestScheduledSendRetriesThenSucceeds(t *testing.T) {
	f := newFixture(t, time.Hour)
	item := scheduledDue(t, f)

	var mu sync.Mutex
	attempts := 0
	f.adapter.SendFunc = func(ctx context.Context, tok *provider.Token, msg *provider.OutgoingMessage) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts <= 2 {
			return "", provider.NewTransientError("smtp burp", provider.ErrProviderUnavailable)
		}
		return "ok", nil
	}

	for i := 0; i < 2; i++ {
		sent, failed := f.outbox.ProcessDueScheduledSends(context.Background())
		if sent != 0 || failed != 1 {
			t.Fatalf("scan %d processed %d/%d, want 0/1", i, sent, failed)
		}
	}
	sent, failed := f.outbox.ProcessDueScheduledSends(context.Background())
	if sent != 1 || failed != 0 {
		t.Fatalf("final scan processed %d/%d, want 1/0", sent, failed)
	}

	stored, err := f.scheduled.FindByID(item.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if stored.Status != outboxdomain.ScheduledSent {
		t.Fatalf("status = %s, want sent", stored.Status)
	}
	if stored.RetryCount != 2 {
		t.Fatalf("retry count = %d, want 2", stored.RetryCount)
	}
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
}

var _ Notifier = (*recordingNotifier)(nil)

func (n *recordingNotifier) NotifyUser(ctx context.Context, userID, title, body string, data map[string]string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, userID)
	return nil
}

func TestScheduledSendFailsTerminallyAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, time.Hour)
	notifier := &recordingNotifier{}
	f.outbox.SetNotifier(notifier)
	item := scheduledDue(t, f)

	f.adapter.SendFunc = func(ctx context.Context, tok *provider.Token, msg *provider.OutgoingMessage) (string, error) {
		return "", provider.NewTransientError("smtp down", provider.ErrProviderUnavailable)
	}

	for i := 0; i < outboxdomain.MaxSendAttempts; i++ {
		f.outbox.ProcessDueScheduledSends(context.Background())
	}

	stored, err := f.scheduled.FindByID(item.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if stored.Status != outboxdomain.ScheduledFailed {
		t.Fatalf("status = %s, want failed", stored.Status)
	}
	if stored.RetryCount != outboxdomain.MaxSendAttempts {
		t.Fatalf("retry count = %d, want %d", stored.RetryCount, outboxdomain.MaxSendAttempts)
	}

	notifier.mu.Lock()
	calls := len(notifier.calls)
	notifier.mu.Unlock()
	if calls != 1 {
		t.Fatalf("notifier called %d times, want 1", calls)
	}

	// A failed item never gets a fourth attempt.
	before := len(f.adapter.Sent())
	sent, failed := f.outbox.ProcessDueScheduledSends(context.Background())
	if sent != 0 || failed != 0 {
		t.Fatalf("post-failure scan processed %d/%d, want 0/0", sent, failed)
	}
	if got := len(f.adapter.Sent()) - before; got != 0 {
		t.Fatalf("provider saw %d extra attempts, want 0", got)
	}
}

func TestScheduledSendNotDueIsLeftAlone(t *testing.T) {
	f := newFixture(t, time.Hour)

	if _, err := f.outbox.ScheduleSend(f.sendRequest(), time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	sent, failed := f.outbox.ProcessDueScheduledSends(context.Background())
	if sent != 0 || failed != 0 {
		t.Fatalf("processed %d/%d, want 0/0", sent, failed)
	}
}

func TestScheduledSendStuckInSendingIsReclaimed(t *testing.T) {
	f := newFixture(t, time.Hour)
	item := scheduledDue(t, f)

	// Simulate a worker that claimed the row and then died.
	if err := f.db.Model(&outboxdomain.ScheduledEmail{}).Where("id = ?", item.ID).
		Updates(map[string]any{
			"status":     outboxdomain.ScheduledSending,
			"updated_at": time.Now().Add(-outboxdomain.StaleSendingAfter - time.Minute),
		}).Error; err != nil {
		t.Fatalf("wedge row: %v", err)
	}

	sent, failed := f.outbox.ProcessDueScheduledSends(context.Background())
	if sent != 1 || failed != 0 {
		t.Fatalf("processed %d/%d, want 1/0", sent, failed)
	}

	got, err := f.scheduled.FindByID(item.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Status != outboxdomain.ScheduledSent {
		t.Fatalf("status = %s, want sent", got.Status)
	}
}

func TestScheduledSendFreshSendingClaimIsNotStolen(t *testing.T) {
	f := newFixture(t, time.Hour)
	item := scheduledDue(t, f)

	// A live worker touched the row moments ago.
	if err := f.db.Model(&outboxdomain.ScheduledEmail{}).Where("id = ?", item.ID).
		Update("status", outboxdomain.ScheduledSending).Error; err != nil {
		t.Fatalf("claim row: %v", err)
	}

	sent, failed := f.outbox.ProcessDueScheduledSends(context.Background())
	if sent != 0 || failed != 0 {
		t.Fatalf("processed %d/%d, want 0/0", sent, failed)
	}
	if got := len(f.adapter.Sent()); got != 0 {
		t.Fatalf("provider saw %d sends, want 0", got)
	}
}
