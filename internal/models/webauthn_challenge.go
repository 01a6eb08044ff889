package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ChallengePurpose string

const (
	ChallengeRegistration ChallengePurpose = "registration"
	ChallengeVerification ChallengePurpose = "verification"
)

func (p ChallengePurpose) Valid() bool {
	return p == ChallengeRegistration || p == ChallengeVerification
}

// WebAuthnChallenge does not embed BaseModel: challenges are never updated
// and redemption must hard-delete the row.
type WebAuthnChallenge struct {
	ID        uuid.UUID        `json:"id" gorm:"type:uuid;primaryKey"`
	UserID    uuid.UUID        `json:"-" gorm:"type:uuid;index;not null"`
	Value     string           `json:"challenge" gorm:"type:varchar(128);uniqueIndex;not null"`
	Purpose   ChallengePurpose `json:"purpose" gorm:"type:varchar(20);not null"`
	IssuedAt  time.Time        `json:"issuedAt" gorm:"not null"`
	ExpiresAt time.Time        `json:"expiresAt" gorm:"not null;index"`
}

func (c *WebAuthnChallenge) BeforeCreate(_ *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

func (WebAuthnChallenge) TableName() string {
	return "webauthn_challenges"
}

func (c *WebAuthnChallenge) ExpiredAt(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}
