package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AuditLog is an append-only record of credential and step-up events. Rows
// are never updated or soft-deleted, so it does not embed BaseModel.
type AuditLog struct {
	ID           uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	UserID       *uuid.UUID `json:"userID,omitempty" gorm:"type:uuid;index"`
	Action       string     `json:"action" gorm:"type:varchar(50);not null;index"`
	ResourceType string     `json:"resourceType" gorm:"type:varchar(30);not null;index"`
	// ResourceID is free-form: a base64url credential id or a principal uuid.
	ResourceID string                 `json:"resourceID,omitempty" gorm:"type:varchar(255);index"`
	Details    map[string]interface{} `json:"details,omitempty" gorm:"type:jsonb;serializer:json"`
	IPAddress  string                 `json:"ipAddress" gorm:"type:varchar(45);not null;default:''"`
	UserAgent  string                 `json:"userAgent,omitempty" gorm:"type:varchar(255)"`
	RequestID  string                 `json:"requestID,omitempty" gorm:"type:varchar(64)"`
	CreatedAt  time.Time              `json:"createdAt" gorm:"not null;index"`
}

func (a *AuditLog) BeforeCreate(_ *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	return nil
}

func (AuditLog) TableName() string {
	return "audit_logs"
}

// AuditExportCursor remembers how far the bucket export has progressed.
type AuditExportCursor struct {
	ID            uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	LastExportAt  time.Time `json:"lastExportAt" gorm:"not null"`
	ExportedCount int64     `json:"exportedCount" gorm:"not null;default:0"`
}

func (a *AuditExportCursor) BeforeCreate(_ *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

func (AuditExportCursor) TableName() string {
	return "audit_export_cursors"
}
