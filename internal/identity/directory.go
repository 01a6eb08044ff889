package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/keygate/backend/internal/challenges"
	"github.com/keygate/backend/internal/credentials"
	"github.com/keygate/backend/internal/models"
	"github.com/keygate/backend/pkg/logger"
	"gorm.io/gorm"
)

// Profile is the provider-side view of a principal.
type Profile struct {
	ExternalID string
	Email      string
	FirstName  string
	LastName   string
	ImageURL   string
}

// Directory mirrors provider principals into the users table.
type Directory struct {
	db    *gorm.DB
	staff map[string]struct{}
	now   func() time.Time
}

func NewDirectory(db *gorm.DB, staffEmails []string) *Directory {
	staff := make(map[string]struct{}, len(staffEmails))
	for _, email := range staffEmails {
		staff[normalizeEmail(email)] = struct{}{}
	}
	return &Directory{db: db, staff: staff, now: time.Now}
}

// Resolve returns the local principal for verified claims, creating it on
// first sight. Tokens without an email can only resolve principals that were
// already synced.
func (d *Directory) Resolve(ctx context.Context, claims *Claims) (*models.User, error) {
	return d.Sync(ctx, claims.Profile())
}

// Sync upserts a principal by external id and brings its profile fields up to
// date. Staff status is granted to configured emails but never revoked here.
func (d *Directory) Sync(ctx context.Context, p Profile) (*models.User, error) {
	if p.ExternalID == "" {
		return nil, ErrMissingSubject
	}
	p.Email = normalizeEmail(p.Email)

	var user models.User
	err := d.db.WithContext(ctx).Where("external_id = ?", p.ExternalID).First(&user).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return d.create(ctx, p)
	case err != nil:
		return nil, fmt.Errorf("find principal: %w", err)
	}

	var changed []string
	if p.Email != "" && p.Email != user.Email {
		user.Email = p.Email
		changed = append(changed, "email")
	}
	if p.FirstName != "" && p.FirstName != user.FirstName {
		user.FirstName = p.FirstName
		changed = append(changed, "first_name")
	}
	if p.LastName != "" && p.LastName != user.LastName {
		user.LastName = p.LastName
		changed = append(changed, "last_name")
	}
	if p.ImageURL != "" && (user.ImageURL == nil || *user.ImageURL != p.ImageURL) {
		image := p.ImageURL
		user.ImageURL = &image
		changed = append(changed, "image_url")
	}
	if !user.IsStaff && d.isStaffEmail(user.Email) {
		user.IsStaff = true
		changed = append(changed, "is_staff")
	}
	if len(changed) == 0 {
		return &user, nil
	}

	now := d.now()
	user.LastSyncedAt = &now
	changed = append(changed, "last_synced_at")
	if err := d.db.WithContext(ctx).Model(&user).Select(changed).Updates(&user).Error; err != nil {
		return nil, fmt.Errorf("update principal: %w", err)
	}
	return &user, nil
}

func (d *Directory) create(ctx context.Context, p Profile) (*models.User, error) {
	if p.Email == "" {
		return nil, ErrUnknownPrincipal
	}

	now := d.now()
	user := models.User{
		ExternalID:   p.ExternalID,
		Email:        p.Email,
		FirstName:    p.FirstName,
		LastName:     p.LastName,
		IsStaff:      d.isStaffEmail(p.Email),
		IsActive:     true,
		LastSyncedAt: &now,
	}
	if p.ImageURL != "" {
		image := p.ImageURL
		user.ImageURL = &image
	}

	if err := d.db.WithContext(ctx).Create(&user).Error; err != nil {
		return nil, fmt.Errorf("create principal: %w", err)
	}

	logger.InfoWithUser(user.ID.String(), "principal_created", map[string]interface{}{
		"external_id": user.ExternalID,
		"email":       user.Email,
		"is_staff":    user.IsStaff,
	})
	return &user, nil
}

// Delete removes a principal together with its credentials and outstanding
// challenges.
func (d *Directory) Delete(ctx context.Context, externalID string) (*models.User, error) {
	var user models.User
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("external_id = ?", externalID).First(&user).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUnknownPrincipal
			}
			return err
		}
		if err := challenges.DeleteAllFor(tx, user.ID); err != nil {
			return err
		}
		if err := credentials.DeleteAllFor(tx, user.ID); err != nil {
			return err
		}
		return tx.Unscoped().Delete(&user).Error
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (d *Directory) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	err := d.db.WithContext(ctx).Where("email = ?", normalizeEmail(email)).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUnknownPrincipal
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (d *Directory) FindByID(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	err := d.db.WithContext(ctx).First(&user, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUnknownPrincipal
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// SetStaff grants or revokes elevated access.
func (d *Directory) SetStaff(ctx context.Context, email string, staff bool) (*models.User, error) {
	user, err := d.FindByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if err := d.db.WithContext(ctx).Model(user).Update("is_staff", staff).Error; err != nil {
		return nil, fmt.Errorf("update staff flag: %w", err)
	}
	user.IsStaff = staff
	return user, nil
}

func (d *Directory) isStaffEmail(email string) bool {
	if email == "" {
		return false
	}
	_, ok := d.staff[email]
	return ok
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
