// Package credentials persists registered WebAuthn public-key credentials and
// enforces the sign-count replay rule on every successful assertion.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
	"github.com/keygate/backend/internal/models"
	"gorm.io/gorm"
)

var (
	ErrDuplicateCredential = errors.New("credential already registered")
	ErrNotFound            = errors.New("credential not found")
	ErrForbidden           = errors.New("credential belongs to another principal")
	ErrReplayDetected      = errors.New("sign count did not advance")
)

type NewCredential struct {
	Owner           uuid.UUID
	CredentialID    []byte
	PublicKey       []byte
	SignCount       uint32
	Label           string
	AttestationType string
	AAGUID          []byte
	Transports      []protocol.AuthenticatorTransport
	DeviceType      models.DeviceType
	BackupEligible  bool
	BackupState     bool
}

type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// ListFor returns the owner's credentials, most recent first.
func (s *Store) ListFor(ctx context.Context, owner uuid.UUID) ([]models.WebAuthnCredential, error) {
	var creds []models.WebAuthnCredential
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", owner).
		Order("created_at DESC").
		Find(&creds).Error; err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	return creds, nil
}

func (s *Store) CountFor(ctx context.Context, owner uuid.UUID) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&models.WebAuthnCredential{}).
		Where("user_id = ?", owner).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count credentials: %w", err)
	}
	return count, nil
}

func (s *Store) Create(ctx context.Context, nc NewCredential) (*models.WebAuthnCredential, error) {
	if len(nc.CredentialID) == 0 || len(nc.PublicKey) == 0 {
		return nil, fmt.Errorf("create credential: id and public key are required")
	}

	label := strings.TrimSpace(nc.Label)
	if label == "" {
		label = models.DefaultCredentialName
	}
	deviceType := nc.DeviceType
	if deviceType == "" {
		deviceType = models.DeviceTypeCrossPlatform
	}

	var transports string
	if len(nc.Transports) > 0 {
		ts := make([]string, len(nc.Transports))
		for i, t := range nc.Transports {
			ts[i] = string(t)
		}
		encoded, _ := json.Marshal(ts)
		transports = string(encoded)
	}

	cred := &models.WebAuthnCredential{
		UserID:          nc.Owner,
		CredentialID:    nc.CredentialID,
		PublicKey:       nc.PublicKey,
		AttestationType: nc.AttestationType,
		AAGUID:          nc.AAGUID,
		SignCount:       nc.SignCount,
		Name:            label,
		DeviceType:      deviceType,
		Transports:      transports,
		BackupEligible:  nc.BackupEligible,
		BackupState:     nc.BackupState,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Unscoped().Model(&models.WebAuthnCredential{}).
			Where("credential_id = ?", nc.CredentialID).
			Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return ErrDuplicateCredential
		}
		return tx.Create(cred).Error
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateCredential) || isUniqueViolation(err) {
			return nil, ErrDuplicateCredential
		}
		return nil, fmt.Errorf("create credential: %w", err)
	}

	return cred, nil
}

func (s *Store) FindByCredentialID(ctx context.Context, credentialID []byte) (*models.WebAuthnCredential, error) {
	var cred models.WebAuthnCredential
	err := s.db.WithContext(ctx).Where("credential_id = ?", credentialID).First(&cred).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find credential: %w", err)
	}
	return &cred, nil
}

// UpdateAfterAuthentication applies the replay rule and advances the stored
// counter. The update is a compare-and-set against the count the caller read,
// so two racing assertions cannot both pass against the same stale value and
// the counter never moves backwards.
//
// Authenticators that always report zero are accepted while the stored count
// is also zero.
func (s *Store) UpdateAfterAuthentication(ctx context.Context, cred *models.WebAuthnCredential, newSignCount uint32, usedAt time.Time) error {
	if cred.SignCount != 0 && newSignCount <= cred.SignCount {
		return ErrReplayDetected
	}

	usedAt = usedAt.UTC()
	res := s.db.WithContext(ctx).
		Model(&models.WebAuthnCredential{}).
		Where("id = ? AND sign_count = ?", cred.ID, cred.SignCount).
		Updates(map[string]interface{}{
			"sign_count":   newSignCount,
			"last_used_at": usedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("update sign count: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrReplayDetected
	}

	cred.SignCount = newSignCount
	cred.LastUsedAt = &usedAt
	return nil
}

// Delete removes the credential when owner holds it.
func (s *Store) Delete(ctx context.Context, credentialID []byte, owner uuid.UUID) (*models.WebAuthnCredential, error) {
	cred, err := s.owned(ctx, credentialID, owner)
	if err != nil {
		return nil, err
	}

	res := s.db.WithContext(ctx).Unscoped().
		Where("id = ? AND user_id = ?", cred.ID, owner).
		Delete(&models.WebAuthnCredential{})
	if res.Error != nil {
		return nil, fmt.Errorf("delete credential: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return cred, nil
}

func (s *Store) Rename(ctx context.Context, credentialID []byte, owner uuid.UUID, label string) (*models.WebAuthnCredential, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return nil, fmt.Errorf("rename credential: label is required")
	}

	cred, err := s.owned(ctx, credentialID, owner)
	if err != nil {
		return nil, err
	}

	if err := s.db.WithContext(ctx).Model(cred).Update("name", label).Error; err != nil {
		return nil, fmt.Errorf("rename credential: %w", err)
	}
	cred.Name = label
	return cred, nil
}

func (s *Store) owned(ctx context.Context, credentialID []byte, owner uuid.UUID) (*models.WebAuthnCredential, error) {
	cred, err := s.FindByCredentialID(ctx, credentialID)
	if err != nil {
		return nil, err
	}
	if cred.UserID != owner {
		return nil, ErrForbidden
	}
	return cred, nil
}

// DeleteAllFor removes every credential owned by owner inside tx.
func DeleteAllFor(tx *gorm.DB, owner uuid.UUID) error {
	return tx.Unscoped().Where("user_id = ?", owner).Delete(&models.WebAuthnCredential{}).Error
}

// ToWebAuthn converts stored rows into the library's credential form. The
// backup flags must round-trip or later assertions are rejected.
func ToWebAuthn(creds []models.WebAuthnCredential) []webauthn.Credential {
	out := make([]webauthn.Credential, len(creds))
	for i, dc := range creds {
		var transports []protocol.AuthenticatorTransport
		if dc.Transports != "" {
			var ts []string
			if err := json.Unmarshal([]byte(dc.Transports), &ts); err == nil {
				for _, t := range ts {
					transports = append(transports, protocol.AuthenticatorTransport(t))
				}
			}
		}
		out[i] = webauthn.Credential{
			ID:              dc.CredentialID,
			PublicKey:       dc.PublicKey,
			AttestationType: dc.AttestationType,
			Transport:       transports,
			Flags: webauthn.CredentialFlags{
				BackupEligible: dc.BackupEligible,
				BackupState:    dc.BackupState,
			},
			Authenticator: webauthn.Authenticator{
				AAGUID:    dc.AAGUID,
				SignCount: dc.SignCount,
			},
		}
	}
	return out
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "sqlstate 23505")
}
