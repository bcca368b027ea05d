package repository

import (
	"context"
	"errors"
	"fmt"

	"wikicollab/internal/models"

	"gorm.io/gorm"
)

/*
LEARNING: DOCUMENT STATE PERSISTENCE

The collaboration engine keeps the authoritative state in memory and only
flushes it here every few updates. Two flushes for the same page can race
(periodic flush in a worker + admin flush), so writes are conditional:
a save only lands when it moves the stored version forward.
*/

// ErrPageNotFound is returned when the page does not exist (or is soft deleted)
var ErrPageNotFound = errors.New("page not found")

// PageRepositoryImpl stores collaborative page content using GORM
type PageRepositoryImpl struct {
	db *gorm.DB
}

// NewPageRepository creates a new page repository
func NewPageRepository(db *gorm.DB) *PageRepositoryImpl {
	return &PageRepositoryImpl{db: db}
}

// LoadState returns the latest persisted content and version of a page
func (r *PageRepositoryImpl) LoadState(ctx context.Context, pageID string) ([]byte, int64, error) {
	var page models.Page

	err := r.db.WithContext(ctx).
		Select("id", "content", "version").
		First(&page, "id = ?", pageID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, 0, ErrPageNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load page state: %w", err)
	}

	return page.Content, page.Version, nil
}

// SaveState writes content and version, but never moves the stored version backwards
func (r *PageRepositoryImpl) SaveState(ctx context.Context, pageID string, content []byte, version int64) error {
	result := r.db.WithContext(ctx).
		Model(&models.Page{}).
		Where("id = ? AND version < ?", pageID, version).
		Updates(map[string]any{
			"content": content,
			"version": version,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to save page state: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		// Either the page is gone or a newer version is already stored
		var count int64
		if err := r.db.WithContext(ctx).Model(&models.Page{}).Where("id = ?", pageID).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check page: %w", err)
		}
		if count == 0 {
			return ErrPageNotFound
		}
	}

	return nil
}
