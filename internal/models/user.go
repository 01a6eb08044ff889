package models

import (
	"strings"
	"time"
)

// User mirrors a principal owned by the external identity provider. Rows are
// created on first sight of a verified token and kept in sync by the webhook.
type User struct {
	BaseModel
	ExternalID   string               `json:"externalID" gorm:"type:varchar(255);uniqueIndex;not null"`
	Email        string               `json:"email" gorm:"type:varchar(255);uniqueIndex;not null"`
	FirstName    string               `json:"firstName" gorm:"type:varchar(100);not null;default:''"`
	LastName     string               `json:"lastName" gorm:"type:varchar(100);not null;default:''"`
	ImageURL     *string              `json:"imageURL,omitempty" gorm:"type:text"`
	IsStaff      bool                 `json:"isStaff" gorm:"not null;default:false"`
	IsActive     bool                 `json:"isActive" gorm:"not null;default:true"`
	LastSyncedAt *time.Time           `json:"lastSyncedAt,omitempty"`
	Credentials  []WebAuthnCredential `json:"-" gorm:"foreignKey:UserID"`
}

func (u *User) DisplayName() string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return u.Email
	}
	return name
}

// CanAccessAdmin reports whether the principal holds the elevated-access
// privilege required by the admin console.
func (u *User) CanAccessAdmin() bool {
	return u.IsStaff && u.IsActive
}
