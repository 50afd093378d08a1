package token

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	accountdomain "mailbridge-backend/internal/account/domain"
	accountrepo "mailbridge-backend/internal/account/repository"
	"mailbridge-backend/internal/provider"
	"mailbridge-backend/internal/provider/providertest"
	"mailbridge-backend/pkg/crypto"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testDB(t *testing.T) *gorm.DB {
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
	if err := db.AutoMigrate(&accountdomain.EmailAccount{}, &accountdomain.OAuthCredential{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

type managerFixture struct {
	manager     *Manager
	accounts    accountrepo.AccountRepository
	credentials accountrepo.CredentialRepository
	adapter     *providertest.Adapter
	accountID   string
}

func newManagerFixture(t *testing.T, storedExpiry time.Time) *managerFixture {
	t.Helper()
	db := testDB(t)

	box, err := crypto.NewBox("test-passphrase")
	if err != nil {
		t.Fatalf("new box: %v", err)
	}

	accounts := accountrepo.NewAccountRepository(db)
	credentials := accountrepo.NewCredentialRepository(db, box)
	adapter := &providertest.Adapter{ProviderName: provider.Google}

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
		AccessToken:  "stale-access",
		RefreshToken: "stored-refresh",
		Expiry:       storedExpiry,
	}); err != nil {
		t.Fatalf("store credential: %v", err)
	}

	return &managerFixture{
		manager:     NewManager(accounts, credentials, provider.NewRegistry(adapter), 10*time.Minute),
		accounts:    accounts,
		credentials: credentials,
		adapter:     adapter,
		accountID:   account.ID,
	}
}

func TestGetValidTokenReturnsFreshTokenWithoutRefresh(t *testing.T) {
	f := newManagerFixture(t, time.Now().Add(time.Hour))

	tok, err := f.manager.GetValidToken(context.Background(), f.accountID)
	if err != nil {
		t.Fatalf("GetValidToken: %v", err)
	}
	if tok.AccessToken != "stale-access" {
		t.Fatalf("access token = %q, want stored token", tok.AccessToken)
	}
	if got := f.adapter.RefreshCalls(); got != 0 {
		t.Fatalf("refresh calls = %d, want 0", got)
	}
}

func TestGetValidTokenRefreshesInsideMargin(t *testing.T) {
	// Expires in 5 minutes, margin is 10: must refresh.
	f := newManagerFixture(t, time.Now().Add(5*time.Minute))

	tok, err := f.manager.GetValidToken(context.Background(), f.accountID)
	if err != nil {
		t.Fatalf("GetValidToken: %v", err)
	}
	if tok.AccessToken != "refreshed-access" {
		t.Fatalf("access token = %q, want refreshed token", tok.AccessToken)
	}
	if got := f.adapter.RefreshCalls(); got != 1 {
		t.Fatalf("refresh calls = %d, want 1", got)
	}

	// The refreshed credential must be persisted.
	stored, err := f.credentials.Get(f.accountID)
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if stored.AccessToken != "refreshed-access" {
		t.Fatalf("stored access token = %q, want refreshed token", stored.AccessToken)
	}
}

func TestGetValidTokenSingleFlight(t *testing.T) {
	f := newManagerFixture(t, time.Now().Add(-time.Minute))
	f.adapter.RefreshFunc = func(ctx context.Context, refreshToken string) (*provider.Token, error) {
		time.Sleep(20 * time.Millisecond) // widen the race window
		return &provider.Token{
			AccessToken:  "refreshed-access",
			RefreshToken: refreshToken,
			Expiry:       time.Now().Add(time.Hour),
		}, nil
	}

	const callers = 10
	var wg sync.WaitGroup
	errs := make([]error, callers)
	tokens := make([]*provider.Token, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = f.manager.GetValidToken(context.Background(), f.accountID)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if tokens[i].AccessToken != "refreshed-access" {
			t.Fatalf("caller %d got access token %q", i, tokens[i].AccessToken)
		}
	}
	if got := f.adapter.RefreshCalls(); got != 1 {
		t.Fatalf("refresh calls = %d, want exactly 1", got)
	}
}

func TestRefreshKeepsOldRefreshTokenWhenProviderOmitsIt(t *testing.T) {
	f := newManagerFixture(t, time.Now().Add(-time.Minute))
	f.adapter.RefreshFunc = func(ctx context.Context, refreshToken string) (*provider.Token, error) {
		return &provider.Token{
			AccessToken: "refreshed-access",
			Expiry:      time.Now().Add(time.Hour),
		}, nil
	}

	if _, err := f.manager.GetValidToken(context.Background(), f.accountID); err != nil {
		t.Fatalf("GetValidToken: %v", err)
	}

	stored, err := f.credentials.Get(f.accountID)
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if stored.RefreshToken != "stored-refresh" {
		t.Fatalf("stored refresh token = %q, want old one retained", stored.RefreshToken)
	}
}

func TestRefreshFailureLeavesStoredCredentialUntouched(t *testing.T) {
	f := newManagerFixture(t, time.Now().Add(-time.Minute))
	f.adapter.RefreshFunc = func(ctx context.Context, refreshToken string) (*provider.Token, error) {
		return nil, provider.NewCredentialError("invalid_grant", provider.ErrTokenRevoked)
	}

	_, err := f.manager.GetValidToken(context.Background(), f.accountID)
	if err == nil {
		t.Fatal("expected error")
	}
	if !provider.IsCredentialError(err) {
		t.Fatalf("error = %v, want credential error", err)
	}
	if !errors.Is(err, provider.ErrTokenRevoked) {
		t.Fatalf("error = %v, want ErrTokenRevoked", err)
	}

	stored, err := f.credentials.Get(f.accountID)
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if stored.RefreshToken != "stored-refresh" || stored.AccessToken != "stale-access" {
		t.Fatal("failed refresh must not modify the stored credential")
	}
}

func TestRefreshExpiringSoonSweepsOnlyExpiring(t *testing.T) {
	f := newManagerFixture(t, time.Now().Add(5*time.Minute))

	// A second account with a long-lived credential stays untouched.
	other := &accountdomain.EmailAccount{
		ID:       uuid.New().String(),
		UserID:   "user-1",
		Provider: provider.Google,
		Address:  "other@gmail.com",
	}
	if err := f.accounts.Create(other); err != nil {
		t.Fatalf("create account: %v", err)
	}
	if err := f.credentials.Replace(other.ID, &provider.Token{
		AccessToken:  "fresh-access",
		RefreshToken: "fresh-refresh",
		Expiry:       time.Now().Add(24 * time.Hour),
	}); err != nil {
		t.Fatalf("store credential: %v", err)
	}

	refreshed, err := f.manager.RefreshExpiringSoon(context.Background())
	if err != nil {
		t.Fatalf("RefreshExpiringSoon: %v", err)
	}
	if refreshed != 1 {
		t.Fatalf("refreshed = %d, want 1", refreshed)
	}
	if got := f.adapter.RefreshCalls(); got != 1 {
		t.Fatalf("refresh calls = %d, want 1", got)
	}
}

func TestRefreshExpiringSoonContinuesPastFailures(t *testing.T) {
	f := newManagerFixture(t, time.Now().Add(-time.Minute))
	f.adapter.RefreshFunc = func(ctx context.Context, refreshToken string) (*provider.Token, error) {
		if refreshToken == "stored-refresh" {
			return nil, provider.NewTransientError("rate limited", provider.ErrProviderUnavailable)
		}
		return &provider.Token{
			AccessToken:  "refreshed-access",
			RefreshToken: refreshToken,
			Expiry:       time.Now().Add(time.Hour),
		}, nil
	}

	other := &accountdomain.EmailAccount{
		ID:       uuid.New().String(),
		UserID:   "user-1",
		Provider: provider.Google,
		Address:  "other@gmail.com",
	}
	if err := f.accounts.Create(other); err != nil {
		t.Fatalf("create account: %v", err)
	}
	if err := f.credentials.Replace(other.ID, &provider.Token{
		AccessToken:  "stale-access",
		RefreshToken: "other-refresh",
		Expiry:       time.Now().Add(-time.Minute),
	}); err != nil {
		t.Fatalf("store credential: %v", err)
	}

	refreshed, err := f.manager.RefreshExpiringSoon(context.Background())
	if err != nil {
		t.Fatalf("RefreshExpiringSoon: %v", err)
	}
	if refreshed != 1 {
		t.Fatalf("refreshed = %d, want 1 (the healthy account)", refreshed)
	}
}
