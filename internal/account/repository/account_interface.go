package repository

import (
	accountdomain "mailbridge-backend/internal/account/domain"
	"mailbridge-backend/internal/provider"
)

// AccountRepository defines the persistence operations for email accounts.
type AccountRepository interface {
	Create(account *accountdomain.EmailAccount) error
	FindByID(id string) (*accountdomain.EmailAccount, error)
	FindByAddress(providerName provider.Name, address string) (*accountdomain.EmailAccount, error)
	FindByUser(userID string) ([]*accountdomain.EmailAccount, error)
	FindBySubscription(subscriptionID string) (*accountdomain.EmailAccount, error)
	SetWatchSubscription(id, subscriptionID string) error
	// FindSyncable returns non-archived accounts eligible for the cron sync
	// sweep, i.e. everything except error and paused.
	FindSyncable() ([]*accountdomain.EmailAccount, error)

	// ClaimSyncing atomically moves idle/error -> syncing and reports
	// whether this caller won the claim. The compare-and-swap against the
	// persisted status is the per-account single-flight guard.
	ClaimSyncing(id string) (bool, error)
	// FinishSync releases the syncing claim: empty errMessage lands on
	// idle, anything else on error.
	FinishSync(id string, errMessage string) error
	// ReleaseSyncing drops syncing back to idle without recording a
	// success or an error, used when a transient failure should leave the
	// account eligible for the next tick.
	ReleaseSyncing(id string) error

	SetPaused(id string, paused bool) error
	Archive(id string) error
}
