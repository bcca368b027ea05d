package repository

import (
	"context"
	"errors"
	"fmt"

	"wikicollab/internal/models"

	"gorm.io/gorm"
)

// PermissionRepositoryImpl answers "may this user do X on this page"
// from the pages and page_permissions tables.
//
// Resolution order: the page owner is admin, an explicit grant wins next,
// and a public page is readable by anyone with a valid account.
type PermissionRepositoryImpl struct {
	db *gorm.DB
}

// NewPermissionRepository creates a new permission repository
func NewPermissionRepository(db *gorm.DB) *PermissionRepositoryImpl {
	return &PermissionRepositoryImpl{db: db}
}

// LevelFor resolves the effective level of a user on a page.
// An empty level means no access.
func (r *PermissionRepositoryImpl) LevelFor(ctx context.Context, userID, pageID string) (models.PermissionLevel, error) {
	var page models.Page
	err := r.db.WithContext(ctx).
		Select("id", "owner_id", "is_public").
		First(&page, "id = ?", pageID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load page: %w", err)
	}

	if page.OwnerID == userID {
		return models.PermissionAdmin, nil
	}

	var grant models.PagePermission
	err = r.db.WithContext(ctx).
		Where("page_id = ? AND user_id = ?", pageID, userID).
		First(&grant).Error
	switch {
	case err == nil && grant.Level.Valid():
		return grant.Level, nil
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		return "", fmt.Errorf("failed to load permission: %w", err)
	}

	if page.IsPublic {
		return models.PermissionRead, nil
	}
	return "", nil
}

// CheckPermission reports whether userID holds at least the required level on pageID
func (r *PermissionRepositoryImpl) CheckPermission(ctx context.Context, userID, pageID string, required models.PermissionLevel) (bool, error) {
	level, err := r.LevelFor(ctx, userID, pageID)
	if err != nil {
		return false, err
	}
	return level.Allows(required), nil
}
