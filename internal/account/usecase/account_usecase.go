package usecase

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	accountdomain "mailbridge-backend/internal/account/domain"
	accountrepo "mailbridge-backend/internal/account/repository"
	syncusecase "mailbridge-backend/internal/mailsync/usecase"
	"mailbridge-backend/internal/provider"
	"mailbridge-backend/pkg/config"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AccountUsecase owns the mailbox connection lifecycle: the OAuth consent
// round-trip, account creation with its first sync, and the pause, resume,
// reconnect and archive operations.
type AccountUsecase struct {
	accounts    accountrepo.AccountRepository
	credentials accountrepo.CredentialRepository
	registry    *provider.Registry
	coordinator *syncusecase.Coordinator
	cfg         *config.Config
}

func NewAccountUsecase(
	accounts accountrepo.AccountRepository,
	credentials accountrepo.CredentialRepository,
	registry *provider.Registry,
	coordinator *syncusecase.Coordinator,
	cfg *config.Config,
) *AccountUsecase {
	return &AccountUsecase{
		accounts:    accounts,
		credentials: credentials,
		registry:    registry,
		coordinator: coordinator,
		cfg:         cfg,
	}
}

// connectStateTTL bounds how long an issued consent URL stays usable.
const connectStateTTL = 15 * time.Minute

// ConnectURL returns the provider consent URL for the user. The state
// parameter is a short-lived JWT binding the callback to the initiating
// user, so the callback cannot be replayed onto someone else's session.
func (u *AccountUsecase) ConnectURL(userID string, providerName provider.Name) (string, error) {
	adapter, err := u.registry.Get(providerName)
	if err != nil {
		return "", err
	}

	claims := jwt.MapClaims{
		"user_id":  userID,
		"provider": string(providerName),
		"exp":      time.Now().Add(connectStateTTL).Unix(),
		"iat":      time.Now().Unix(),
	}
	state, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(u.cfg.JWTSecret))
	if err != nil {
		return "", err
	}

	return adapter.GetAuthURL(state), nil
}

// parseConnectState validates the state JWT and returns the user and
// provider it was issued for.
func (u *AccountUsecase) parseConnectState(state string) (string, provider.Name, error) {
	token, err := jwt.Parse(state, func(token *jwt.Token) (interface{}, error) {
		return []byte(u.cfg.JWTSecret), nil
	})
	if err != nil || !token.Valid {
		return "", "", errors.New("invalid or expired state")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", errors.New("invalid state claims")
	}
	userID, _ := claims["user_id"].(string)
	providerName, _ := claims["provider"].(string)
	if userID == "" || providerName == "" {
		return "", "", errors.New("invalid state claims")
	}
	return userID, provider.Name(providerName), nil
}

// HandleCallback completes the consent round-trip: it exchanges the code,
// creates the account in syncing state with its encrypted credential, then
// registers the push watch and runs the initial sync in the background so
// the HTTP callback returns immediately.
func (u *AccountUsecase) HandleCallback(ctx context.Context, state, code string) (*accountdomain.EmailAccount, error) {
	userID, providerName, err := u.parseConnectState(state)
	if err != nil {
		return nil, err
	}

	adapter, err := u.registry.Get(providerName)
	if err != nil {
		return nil, err
	}

	token, address, err := adapter.ExchangeCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("code exchange failed: %w", err)
	}

	existing, err := u.accounts.FindByAddress(providerName, address)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.UserID != userID {
			return nil, errors.New("mailbox already connected by another user")
		}
		// Reconnect: replace the credential and clear a stuck error state.
		if err := u.credentials.Replace(existing.ID, token); err != nil {
			return nil, err
		}
		if err := u.accounts.FinishSync(existing.ID, ""); err != nil {
			log.Printf("[Account] Could not reset state for reconnected %s: %v", existing.Address, err)
		}
		u.startWatchAndSync(existing, token)
		return existing, nil
	}

	account := &accountdomain.EmailAccount{
		ID:         uuid.New().String(),
		UserID:     userID,
		Provider:   providerName,
		Address:    address,
		SyncStatus: accountdomain.SyncIdle,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	if err := u.accounts.Create(account); err != nil {
		return nil, err
	}
	if err := u.credentials.Replace(account.ID, token); err != nil {
		return nil, err
	}

	u.startWatchAndSync(account, token)
	return account, nil
}

// startWatchAndSync registers the push subscription and kicks off the first
// sync without blocking the caller. Watch failures are logged only; the cron
// sweep still covers an account with no push channel.
func (u *AccountUsecase) startWatchAndSync(account *accountdomain.EmailAccount, token *provider.Token) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		adapter, err := u.registry.Get(account.Provider)
		if err != nil {
			log.Printf("[Account] No adapter for %s: %v", account.Provider, err)
			return
		}

		subscriptionID, err := adapter.WatchMailbox(ctx, token)
		if err != nil {
			log.Printf("[Account] Watch registration failed for %s: %v", account.Address, err)
		} else if subscriptionID != "" {
			if err := u.accounts.SetWatchSubscription(account.ID, subscriptionID); err != nil {
				log.Printf("[Account] Could not store subscription for %s: %v", account.Address, err)
			}
		}

		if _, err := u.coordinator.SyncAccount(ctx, account.ID); err != nil {
			log.Printf("[Account] Initial sync failed for %s: %v", account.Address, err)
		}
	}()
}

// List returns the user's connected accounts.
func (u *AccountUsecase) List(userID string) ([]*accountdomain.EmailAccount, error) {
	return u.accounts.FindByUser(userID)
}

// Get returns one account after checking ownership.
func (u *AccountUsecase) Get(userID, accountID string) (*accountdomain.EmailAccount, error) {
	account, err := u.accounts.FindByID(accountID)
	if err != nil {
		return nil, err
	}
	if account == nil || account.UserID != userID {
		return nil, nil
	}
	return account, nil
}

// SetPaused stops or resumes automatic syncing for an account.
func (u *AccountUsecase) SetPaused(userID, accountID string, paused bool) error {
	account, err := u.Get(userID, accountID)
	if err != nil {
		return err
	}
	if account == nil {
		return errors.New("account not found")
	}
	return u.accounts.SetPaused(accountID, paused)
}

// Resync drops all cursors and replays the mailbox from scratch.
func (u *AccountUsecase) Resync(ctx context.Context, userID, accountID string) error {
	account, err := u.Get(userID, accountID)
	if err != nil {
		return err
	}
	if account == nil {
		return errors.New("account not found")
	}

	go func() {
		bg, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		if _, err := u.coordinator.ResyncAccount(bg, accountID); err != nil {
			log.Printf("[Account] Resync failed for %s: %v", account.Address, err)
		}
	}()
	return nil
}

// Archive disconnects the mailbox: the push watch is stopped, the credential
// destroyed and the account soft-archived. Mirrored messages are kept.
func (u *AccountUsecase) Archive(ctx context.Context, userID, accountID string) error {
	account, err := u.Get(userID, accountID)
	if err != nil {
		return err
	}
	if account == nil {
		return errors.New("account not found")
	}

	if token, err := u.credentials.Get(accountID); err == nil && token != nil {
		if adapter, err := u.registry.Get(account.Provider); err == nil {
			if err := adapter.StopWatch(ctx, token); err != nil {
				log.Printf("[Account] Could not stop watch for %s: %v", account.Address, err)
			}
		}
	}

	if err := u.credentials.Delete(accountID); err != nil {
		return err
	}
	return u.accounts.Archive(accountID)
}
