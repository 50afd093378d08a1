package repository

import (
	"errors"
	"strings"
	"time"

	accountdomain "mailbridge-backend/internal/account/domain"
	"mailbridge-backend/internal/provider"
	"mailbridge-backend/pkg/crypto"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CredentialRepository is the credential store. Token material is encrypted
// before it touches the database and decrypted on the way out; credentials
// are replaced wholesale, never partially mutated.
type CredentialRepository interface {
	Get(accountID string) (*provider.Token, error)
	Replace(accountID string, token *provider.Token) error
	// FindExpiringBefore returns ids of accounts whose credential expires
	// before the deadline, for the proactive refresh sweep.
	FindExpiringBefore(deadline time.Time) ([]string, error)
	Delete(accountID string) error
}

type credentialRepository struct {
	db  *gorm.DB
	box *crypto.Box
}

func NewCredentialRepository(db *gorm.DB, box *crypto.Box) CredentialRepository {
	return &credentialRepository{db: db, box: box}
}

func (r *credentialRepository) Get(accountID string) (*provider.Token, error) {
	var cred accountdomain.OAuthCredential
	err := r.db.Where("account_id = ?", accountID).First(&cred).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	access, err := r.box.Open(cred.AccessTokenEncrypted)
	if err != nil {
		return nil, err
	}
	refresh, err := r.box.Open(cred.RefreshTokenEncrypted)
	if err != nil {
		return nil, err
	}

	var scopes []string
	if cred.Scopes != "" {
		scopes = strings.Split(cred.Scopes, " ")
	}

	return &provider.Token{
		AccessToken:  access,
		RefreshToken: refresh,
		Expiry:       cred.Expiry,
		Scopes:       scopes,
	}, nil
}

func (r *credentialRepository) Replace(accountID string, token *provider.Token) error {
	access, err := r.box.Seal(token.AccessToken)
	if err != nil {
		return err
	}
	refresh, err := r.box.Seal(token.RefreshToken)
	if err != nil {
		return err
	}

	now := time.Now()
	cred := accountdomain.OAuthCredential{
		AccountID:             accountID,
		AccessTokenEncrypted:  access,
		RefreshTokenEncrypted: refresh,
		Expiry:                token.Expiry,
		Scopes:                strings.Join(token.Scopes, " "),
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	return r.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&cred).Error
}

func (r *credentialRepository) FindExpiringBefore(deadline time.Time) ([]string, error) {
	var ids []string
	err := r.db.Model(&accountdomain.OAuthCredential{}).
		Where("expiry < ?", deadline).
		Order("expiry asc").
		Pluck("account_id", &ids).Error
	return ids, err
}

func (r *credentialRepository) Delete(accountID string) error {
	return r.db.Where("account_id = ?", accountID).Delete(&accountdomain.OAuthCredential{}).Error
}
