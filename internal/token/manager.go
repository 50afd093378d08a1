package token

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	accountrepo "mailbridge-backend/internal/account/repository"
	"mailbridge-backend/internal/provider"
)

// Manager guarantees a valid, non-expired access token per account. It
// refreshes proactively (cron sweep) and reactively (on demand), with at
// most one refresh request in flight per account. Duplicate concurrent
// refreshes can invalidate the older refresh token on some providers, so
// the per-account lock is a correctness requirement, not an optimization.
type Manager struct {
	accounts    accountrepo.AccountRepository
	credentials accountrepo.CredentialRepository
	registry    *provider.Registry
	margin      time.Duration

	// One mutex per account id. Callers racing GetValidToken serialize
	// here; the loser re-reads the freshly stored credential instead of
	// issuing a second provider call.
	locks sync.Map
}

func NewManager(accounts accountrepo.AccountRepository, credentials accountrepo.CredentialRepository, registry *provider.Registry, refreshMargin time.Duration) *Manager {
	if refreshMargin <= 0 {
		refreshMargin = 10 * time.Minute
	}
	return &Manager{
		accounts:    accounts,
		credentials: credentials,
		registry:    registry,
		margin:      refreshMargin,
	}
}

func (m *Manager) accountLock(accountID string) *sync.Mutex {
	lock, _ := m.locks.LoadOrStore(accountID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// GetValidToken returns a token guaranteed not to expire within the refresh
// margin, refreshing transparently when needed.
func (m *Manager) GetValidToken(ctx context.Context, accountID string) (*provider.Token, error) {
	lock := m.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	stored, err := m.credentials.Get(accountID)
	if err != nil {
		return nil, fmt.Errorf("unable to load credential for account %s: %w", accountID, err)
	}
	if stored == nil {
		return nil, provider.NewCredentialError("no credential stored for account "+accountID, provider.ErrTokenRevoked)
	}

	if time.Until(stored.Expiry) > m.margin {
		return stored, nil
	}

	return m.refreshLocked(ctx, accountID, stored)
}

// refreshLocked performs the provider refresh while holding the account
// lock. On failure the stored credential is left untouched so a later retry
// still has the last-known-good refresh token.
func (m *Manager) refreshLocked(ctx context.Context, accountID string, stored *provider.Token) (*provider.Token, error) {
	account, err := m.accounts.FindByID(accountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, provider.NewCredentialError("account not found: "+accountID, provider.ErrTokenRevoked)
	}

	adapter, err := m.registry.Get(account.Provider)
	if err != nil {
		return nil, err
	}

	refreshed, err := adapter.RefreshToken(ctx, stored.RefreshToken)
	if err != nil {
		if provider.IsCredentialError(err) {
			log.Printf("[TokenManager] Refresh for %s rejected by provider: %v", account.Address, err)
			return nil, err
		}
		return nil, provider.NewTransientError("token refresh failed for "+account.Address, err)
	}

	// Some providers omit the refresh token on renewal; keep the old one.
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = stored.RefreshToken
	}
	if len(refreshed.Scopes) == 0 {
		refreshed.Scopes = stored.Scopes
	}

	if err := m.credentials.Replace(accountID, refreshed); err != nil {
		return nil, fmt.Errorf("unable to store refreshed credential: %w", err)
	}

	log.Printf("[TokenManager] Refreshed token for %s (expires %s)", account.Address, refreshed.Expiry.Format(time.RFC3339))
	return refreshed, nil
}

// RefreshExpiringSoon is the cron entry point: it refreshes every credential
// expiring within the margin so user-facing operations rarely observe
// refresh latency. Per-account failures are logged and do not abort the
// sweep.
func (m *Manager) RefreshExpiringSoon(ctx context.Context) (int, error) {
	ids, err := m.credentials.FindExpiringBefore(time.Now().Add(m.margin))
	if err != nil {
		return 0, fmt.Errorf("unable to list expiring credentials: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	log.Printf("[TokenManager] %d credentials expiring within %s", len(ids), m.margin)

	refreshed := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return refreshed, ctx.Err()
		}
		if _, err := m.GetValidToken(ctx, id); err != nil {
			if errors.Is(err, context.Canceled) {
				return refreshed, err
			}
			log.Printf("[TokenManager] Proactive refresh failed for account %s: %v", id, err)
			continue
		}
		refreshed++
	}
	return refreshed, nil
}
