package models

import (
	"encoding/base64"
	"time"

	"github.com/google/uuid"
)

type DeviceType string

const (
	DeviceTypeCrossPlatform DeviceType = "cross-platform"
	DeviceTypePlatform      DeviceType = "platform"
)

const DefaultCredentialName = "Security Key"

type WebAuthnCredential struct {
	BaseModel
	UserID          uuid.UUID  `json:"userID" gorm:"type:uuid;index;not null"`
	CredentialID    []byte     `json:"-" gorm:"type:bytea;uniqueIndex;not null"`
	PublicKey       []byte     `json:"-" gorm:"type:bytea;not null"`
	AttestationType string     `json:"-" gorm:"type:varchar(64)"`
	AAGUID          []byte     `json:"-" gorm:"type:bytea"`
	SignCount       uint32     `json:"signCount" gorm:"not null;default:0"`
	Name            string     `json:"name" gorm:"type:varchar(100);not null;default:'Security Key'"`
	DeviceType      DeviceType `json:"deviceType" gorm:"type:varchar(20);not null;default:'cross-platform'"`
	Transports      string     `json:"-" gorm:"type:text"`
	LastUsedAt      *time.Time `json:"lastUsedAt,omitempty"`
	BackupEligible  bool       `json:"backupEligible" gorm:"default:false"`
	BackupState     bool       `json:"backupState" gorm:"default:false"`
	User            User       `json:"-" gorm:"foreignKey:UserID"`
}

func (WebAuthnCredential) TableName() string {
	return "webauthn_credentials"
}

// EncodedID is the credential id as the browser reports it (base64url, no padding).
func (c *WebAuthnCredential) EncodedID() string {
	return base64.RawURLEncoding.EncodeToString(c.CredentialID)
}

func DecodeCredentialID(encoded string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(encoded)
}
