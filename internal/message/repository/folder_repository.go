package repository

import (
	"errors"
	"time"

	messagedomain "mailbridge-backend/internal/message/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type folderRepository struct {
	db *gorm.DB
}

func NewFolderRepository(db *gorm.DB) FolderRepository {
	return &folderRepository{db: db}
}

func (r *folderRepository) Upsert(folder *messagedomain.Folder) error {
	var existing messagedomain.Folder
	err := r.db.Where("account_id = ? AND provider_folder_id = ?", folder.AccountID, folder.ProviderFolderID).
		First(&existing).Error

	now := time.Now()
	if errors.Is(err, gorm.ErrRecordNotFound) {
		folder.ID = uuid.New().String()
		folder.CreatedAt = now
		folder.UpdatedAt = now
		return r.db.Create(folder).Error
	}
	if err != nil {
		return err
	}

	folder.ID = existing.ID
	folder.CreatedAt = existing.CreatedAt
	folder.UpdatedAt = now
	return r.db.Save(folder).Error
}

func (r *folderRepository) FindByAccount(accountID string) ([]*messagedomain.Folder, error) {
	var folders []*messagedomain.Folder
	err := r.db.Where("account_id = ?", accountID).Order("name asc").Find(&folders).Error
	return folders, err
}

func (r *folderRepository) InboxFolderID(accountID string) (string, error) {
	var folder messagedomain.Folder
	err := r.db.Where("account_id = ? AND role = ?", accountID, "inbox").First(&folder).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", err
	}
	return folder.ProviderFolderID, nil
}
