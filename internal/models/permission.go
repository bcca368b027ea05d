package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

// PermissionLevel is what a user may do on a page. Levels are ordered:
// each level includes everything the levels below it allow.
type PermissionLevel string

const (
	PermissionRead    PermissionLevel = "read"
	PermissionComment PermissionLevel = "comment"
	PermissionWrite   PermissionLevel = "write"
	PermissionAdmin   PermissionLevel = "admin"
)

func (l PermissionLevel) rank() int {
	switch l {
	case PermissionRead:
		return 1
	case PermissionComment:
		return 2
	case PermissionWrite:
		return 3
	case PermissionAdmin:
		return 4
	default:
		return 0
	}
}

// Allows reports whether l grants the required level.
func (l PermissionLevel) Allows(required PermissionLevel) bool {
	return l.rank() > 0 && l.rank() >= required.rank()
}

// Valid reports whether l is one of the known levels.
func (l PermissionLevel) Valid() bool {
	return l.rank() > 0
}

// PagePermission grants a single user a level on a single page
type PagePermission struct {
	ID        string          `json:"id" gorm:"type:char(27);primaryKey"`
	PageID    string          `json:"page_id" gorm:"type:varchar(36);not null;uniqueIndex:idx_page_user"`
	UserID    string          `json:"user_id" gorm:"type:varchar(64);not null;uniqueIndex:idx_page_user"`
	Level     PermissionLevel `json:"level" gorm:"type:varchar(16);not null"`
	GrantedBy string          `json:"granted_by" gorm:"type:varchar(64)"`
	CreatedAt time.Time       `json:"created_at" gorm:"column:created_at;autoCreateTime"`
}

// BeforeCreate hook generates KSUID
func (p *PagePermission) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = ksuid.New().String()
	}
	return nil
}

func (PagePermission) TableName() string {
	return "page_permissions"
}
