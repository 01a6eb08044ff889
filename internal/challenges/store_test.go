package challenges

import (
	"context"
	"encoding/base64"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/keygate/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setupStore(t *testing.T) (*Store, *gorm.DB, *fakeClock) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&models.WebAuthnChallenge{}))

	clock := &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	return NewStore(db, WithClock(clock.Now)), db, clock
}

func TestIssue(t *testing.T) {
	store, _, clock := setupStore(t)
	owner := uuid.New()

	challenge, err := store.Issue(context.Background(), owner, models.ChallengeRegistration)
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(challenge.Value)
	require.NoError(t, err, "value must be url-safe base64 without padding")
	assert.Len(t, raw, 32)
	assert.Equal(t, owner, challenge.UserID)
	assert.Equal(t, models.ChallengeRegistration, challenge.Purpose)
	assert.True(t, challenge.IssuedAt.Equal(clock.Now()))
	assert.True(t, challenge.ExpiresAt.Equal(clock.Now().Add(5*time.Minute)))

	other, err := store.Issue(context.Background(), owner, models.ChallengeRegistration)
	require.NoError(t, err)
	assert.NotEqual(t, challenge.Value, other.Value)
}

func TestIssue_RejectsUnknownPurpose(t *testing.T) {
	store, _, _ := setupStore(t)

	_, err := store.Issue(context.Background(), uuid.New(), models.ChallengePurpose("login"))
	require.Error(t, err)
}

func TestIssue_DuplicateValueFailsLoudly(t *testing.T) {
	store, db, _ := setupStore(t)
	owner := uuid.New()

	issued, err := store.Issue(context.Background(), owner, models.ChallengeVerification)
	require.NoError(t, err)

	clash := &models.WebAuthnChallenge{
		UserID:    uuid.New(),
		Value:     issued.Value,
		Purpose:   models.ChallengeVerification,
		IssuedAt:  issued.IssuedAt,
		ExpiresAt: issued.ExpiresAt,
	}
	require.Error(t, db.Create(clash).Error)

	var stored models.WebAuthnChallenge
	require.NoError(t, db.First(&stored, "value = ?", issued.Value).Error)
	assert.Equal(t, owner, stored.UserID, "existing challenge must not be overwritten")
}

func TestIssue_PurgesOwnersExpiredChallenges(t *testing.T) {
	store, db, clock := setupStore(t)
	owner := uuid.New()
	ctx := context.Background()

	_, err := store.Issue(ctx, owner, models.ChallengeVerification)
	require.NoError(t, err)

	clock.Advance(6 * time.Minute)
	_, err = store.Issue(ctx, owner, models.ChallengeVerification)
	require.NoError(t, err)

	var count int64
	require.NoError(t, db.Model(&models.WebAuthnChallenge{}).Where("user_id = ?", owner).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestRedeem(t *testing.T) {
	ctx := context.Background()
	owner := uuid.New()

	tests := []struct {
		name    string
		mutate  func(store *Store, clock *fakeClock, issued *models.WebAuthnChallenge) (uuid.UUID, string, models.ChallengePurpose)
		wantErr bool
	}{
		{
			name: "exact match succeeds",
			mutate: func(_ *Store, _ *fakeClock, issued *models.WebAuthnChallenge) (uuid.UUID, string, models.ChallengePurpose) {
				return owner, issued.Value, models.ChallengeRegistration
			},
		},
		{
			name: "just before expiry succeeds",
			mutate: func(_ *Store, clock *fakeClock, issued *models.WebAuthnChallenge) (uuid.UUID, string, models.ChallengePurpose) {
				clock.Advance(5*time.Minute - time.Second)
				return owner, issued.Value, models.ChallengeRegistration
			},
		},
		{
			name: "expired fails",
			mutate: func(_ *Store, clock *fakeClock, issued *models.WebAuthnChallenge) (uuid.UUID, string, models.ChallengePurpose) {
				clock.Advance(5 * time.Minute)
				return owner, issued.Value, models.ChallengeRegistration
			},
			wantErr: true,
		},
		{
			name: "wrong purpose fails",
			mutate: func(_ *Store, _ *fakeClock, issued *models.WebAuthnChallenge) (uuid.UUID, string, models.ChallengePurpose) {
				return owner, issued.Value, models.ChallengeVerification
			},
			wantErr: true,
		},
		{
			name: "wrong owner fails",
			mutate: func(_ *Store, _ *fakeClock, issued *models.WebAuthnChallenge) (uuid.UUID, string, models.ChallengePurpose) {
				return uuid.New(), issued.Value, models.ChallengeRegistration
			},
			wantErr: true,
		},
		{
			name: "unknown value fails",
			mutate: func(_ *Store, _ *fakeClock, _ *models.WebAuthnChallenge) (uuid.UUID, string, models.ChallengePurpose) {
				return owner, "not-a-real-challenge", models.ChallengeRegistration
			},
			wantErr: true,
		},
		{
			name: "empty value fails",
			mutate: func(_ *Store, _ *fakeClock, _ *models.WebAuthnChallenge) (uuid.UUID, string, models.ChallengePurpose) {
				return owner, "", models.ChallengeRegistration
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, _, clock := setupStore(t)
			issued, err := store.Issue(ctx, owner, models.ChallengeRegistration)
			require.NoError(t, err)

			redeemOwner, value, purpose := tt.mutate(store, clock, issued)
			redeemed, err := store.Redeem(ctx, redeemOwner, value, purpose)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidChallenge)
				assert.Nil(t, redeemed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, issued.ID, redeemed.ID)
		})
	}
}

func TestRedeem_AtMostOnce(t *testing.T) {
	store, _, _ := setupStore(t)
	ctx := context.Background()
	owner := uuid.New()

	issued, err := store.Issue(ctx, owner, models.ChallengeVerification)
	require.NoError(t, err)

	_, err = store.Redeem(ctx, owner, issued.Value, models.ChallengeVerification)
	require.NoError(t, err)

	_, err = store.Redeem(ctx, owner, issued.Value, models.ChallengeVerification)
	require.ErrorIs(t, err, ErrInvalidChallenge)
}

func TestRedeem_ExactValueNotLatest(t *testing.T) {
	store, _, clock := setupStore(t)
	ctx := context.Background()
	owner := uuid.New()

	first, err := store.Issue(ctx, owner, models.ChallengeVerification)
	require.NoError(t, err)
	clock.Advance(time.Second)
	second, err := store.Issue(ctx, owner, models.ChallengeVerification)
	require.NoError(t, err)

	redeemed, err := store.Redeem(ctx, owner, first.Value, models.ChallengeVerification)
	require.NoError(t, err)
	assert.Equal(t, first.ID, redeemed.ID)

	redeemed, err = store.Redeem(ctx, owner, second.Value, models.ChallengeVerification)
	require.NoError(t, err)
	assert.Equal(t, second.ID, redeemed.ID)
}

func TestRedeem_ConcurrentAttempts(t *testing.T) {
	store, _, _ := setupStore(t)
	ctx := context.Background()
	owner := uuid.New()

	issued, err := store.Issue(ctx, owner, models.ChallengeVerification)
	require.NoError(t, err)

	const attempts = 8
	var successes, invalid int32
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Redeem(ctx, owner, issued.Value, models.ChallengeVerification)
			switch {
			case err == nil:
				atomic.AddInt32(&successes, 1)
			case err == ErrInvalidChallenge:
				atomic.AddInt32(&invalid, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes)
	assert.Equal(t, int32(attempts-1), invalid)
}

func TestPurgeExpired(t *testing.T) {
	store, db, clock := setupStore(t)
	ctx := context.Background()

	_, err := store.Issue(ctx, uuid.New(), models.ChallengeRegistration)
	require.NoError(t, err)
	_, err = store.Issue(ctx, uuid.New(), models.ChallengeVerification)
	require.NoError(t, err)

	clock.Advance(3 * time.Minute)
	fresh, err := store.Issue(ctx, uuid.New(), models.ChallengeVerification)
	require.NoError(t, err)

	clock.Advance(3 * time.Minute)
	purged, err := store.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), purged)

	var remaining []models.WebAuthnChallenge
	require.NoError(t, db.Find(&remaining).Error)
	require.Len(t, remaining, 1)
	assert.Equal(t, fresh.ID, remaining[0].ID)
}

func TestDeleteAllFor(t *testing.T) {
	store, db, _ := setupStore(t)
	ctx := context.Background()
	owner := uuid.New()
	other := uuid.New()

	for i := 0; i < 3; i++ {
		_, err := store.Issue(ctx, owner, models.ChallengeVerification)
		require.NoError(t, err)
	}
	_, err := store.Issue(ctx, other, models.ChallengeVerification)
	require.NoError(t, err)

	require.NoError(t, DeleteAllFor(db, owner))

	var count int64
	require.NoError(t, db.Model(&models.WebAuthnChallenge{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}
