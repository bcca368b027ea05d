package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Page is a wiki page as far as the collaboration engine cares: an id, its
// owner and the latest collaboratively edited content with its version.
// Content is opaque to the server.
type Page struct {
	ID          string         `json:"id" gorm:"type:varchar(36);primaryKey"`
	WorkspaceID string         `json:"workspace_id" gorm:"type:varchar(36);index"`
	OwnerID     string         `json:"owner_id" gorm:"type:varchar(64);not null;index"`
	Title       string         `json:"title" gorm:"type:text;not null;default:''"`
	Content     []byte         `json:"-" gorm:"type:bytea"`
	Version     int64          `json:"version" gorm:"not null;default:0"`
	IsPublic    bool           `json:"is_public" gorm:"not null;default:false"`
	CreatedAt   time.Time      `json:"created_at" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time      `json:"updated_at" gorm:"column:updated_at;autoUpdateTime"`
	DeletedAt   gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"column:deleted_at;index"`
}

// BeforeCreate hook generates a UUID before inserting
func (p *Page) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}

func (Page) TableName() string {
	return "pages"
}
