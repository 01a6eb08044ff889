// Package challenges issues and redeems the single-use random challenges that
// bind a WebAuthn response to one ceremony.
package challenges

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/google/uuid"
	"github.com/keygate/backend/internal/models"
	"github.com/keygate/backend/pkg/logger"
	"gorm.io/gorm"
)

const DefaultTTL = 5 * time.Minute

// ErrInvalidChallenge covers every redeem failure: unknown value, expired,
// wrong owner, wrong purpose or already spent.
var ErrInvalidChallenge = errors.New("invalid or expired challenge")

type Store struct {
	db  *gorm.DB
	ttl time.Duration
	now func() time.Time
}

type Option func(*Store)

func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func NewStore(db *gorm.DB, opts ...Option) *Store {
	s := &Store{db: db, ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Issue persists a fresh challenge for owner. A value collision surfaces as
// the unique-index violation rather than overwriting the existing row.
func (s *Store) Issue(ctx context.Context, owner uuid.UUID, purpose models.ChallengePurpose) (*models.WebAuthnChallenge, error) {
	if !purpose.Valid() {
		return nil, fmt.Errorf("issue challenge: unknown purpose %q", purpose)
	}

	raw, err := protocol.CreateChallenge()
	if err != nil {
		return nil, fmt.Errorf("issue challenge: %w", err)
	}

	now := s.now().UTC()
	challenge := &models.WebAuthnChallenge{
		UserID:    owner,
		Value:     raw.String(),
		Purpose:   purpose,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.ttl),
	}

	db := s.db.WithContext(ctx)

	if res := db.Where("user_id = ? AND expires_at <= ?", owner, now).Delete(&models.WebAuthnChallenge{}); res.Error != nil {
		logger.Warn("challenge_purge_failed", map[string]interface{}{
			"user_id": owner.String(),
			"error":   res.Error.Error(),
		})
	}

	if err := db.Create(challenge).Error; err != nil {
		return nil, fmt.Errorf("issue challenge: %w", err)
	}

	return challenge, nil
}

// Redeem consumes the challenge matching all three keys. The conditional
// delete runs in the same transaction as the lookup and only the caller whose
// delete affects the row wins, so concurrent redemptions of one value yield
// at most one success.
func (s *Store) Redeem(ctx context.Context, owner uuid.UUID, value string, purpose models.ChallengePurpose) (*models.WebAuthnChallenge, error) {
	if value == "" {
		return nil, ErrInvalidChallenge
	}

	now := s.now().UTC()
	var redeemed models.WebAuthnChallenge

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("user_id = ? AND value = ? AND purpose = ? AND expires_at > ?", owner, value, purpose, now).
			First(&redeemed).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrInvalidChallenge
		}
		if err != nil {
			return err
		}

		res := tx.Where("id = ? AND value = ?", redeemed.ID, value).Delete(&models.WebAuthnChallenge{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return ErrInvalidChallenge
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidChallenge) {
			return nil, ErrInvalidChallenge
		}
		return nil, fmt.Errorf("redeem challenge: %w", err)
	}

	return &redeemed, nil
}

// PurgeExpired removes every expired challenge and reports how many rows went.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("expires_at <= ?", s.now().UTC()).
		Delete(&models.WebAuthnChallenge{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge expired challenges: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// DeleteAllFor removes every challenge owned by owner inside tx. Used when a
// principal is deleted.
func DeleteAllFor(tx *gorm.DB, owner uuid.UUID) error {
	return tx.Where("user_id = ?", owner).Delete(&models.WebAuthnChallenge{}).Error
}
