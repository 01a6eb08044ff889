package handlers

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/keygate/backend/internal/identity"
	"github.com/keygate/backend/internal/services"
	"github.com/keygate/backend/pkg/logger"
	"github.com/keygate/backend/pkg/utils"
)

type WebhookHandler struct {
	Directory *identity.Directory
	Audit     *services.AuditService
	Secret    string
	now       func() time.Time
}

func NewWebhookHandler(directory *identity.Directory, audit *services.AuditService, secret string) *WebhookHandler {
	return &WebhookHandler{Directory: directory, Audit: audit, Secret: secret, now: time.Now}
}

// Receive applies identity-provider user events to the local directory.
// Unknown event types are acknowledged so the provider stops retrying.
func (h *WebhookHandler) Receive(c *fiber.Ctx) error {
	if h.Secret == "" {
		return utils.Error(c, fiber.StatusServiceUnavailable, "webhook not configured")
	}

	headers := identity.WebhookHeaders{
		ID:        c.Get("svix-id"),
		Timestamp: c.Get("svix-timestamp"),
		Signature: c.Get("svix-signature"),
	}
	if err := identity.VerifyWebhook(h.Secret, headers, c.Body(), h.now()); err != nil {
		logger.Warn("webhook_rejected", map[string]interface{}{
			"ip":    c.IP(),
			"error": err.Error(),
		})
		return utils.Error(c, fiber.StatusUnauthorized, "invalid webhook signature")
	}

	var event identity.WebhookEvent
	if err := json.Unmarshal(c.Body(), &event); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	switch event.Type {
	case "user.created", "user.updated":
		return h.syncUser(c, event)
	case "user.deleted":
		return h.deleteUser(c, event)
	default:
		logger.Info("webhook_ignored", map[string]interface{}{
			"type":       event.Type,
			"webhook_id": headers.ID,
		})
		return utils.Success(c, fiber.StatusOK, fiber.Map{"handled": false})
	}
}

func (h *WebhookHandler) syncUser(c *fiber.Ctx, event identity.WebhookEvent) error {
	var pu identity.ProviderUser
	if err := json.Unmarshal(event.Data, &pu); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid user payload")
	}

	user, err := h.Directory.Sync(c.UserContext(), pu.Profile())
	if err != nil {
		if errors.Is(err, identity.ErrMissingSubject) || errors.Is(err, identity.ErrUnknownPrincipal) {
			return utils.Error(c, fiber.StatusBadRequest, "user payload is missing id or email")
		}
		logger.Error("webhook_user_sync_failed", err, map[string]interface{}{
			"external_id": pu.ID,
		})
		return utils.Error(c, fiber.StatusInternalServerError, "failed to sync user")
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       services.AuditUserSynced,
		ResourceType: services.ResourceUser,
		ResourceID:   user.ExternalID,
		Details: map[string]interface{}{
			"event":    event.Type,
			"email":    user.Email,
			"is_staff": user.IsStaff,
		},
		IPAddress: c.IP(),
		RequestID: getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"handled": true})
}

func (h *WebhookHandler) deleteUser(c *fiber.Ctx, event identity.WebhookEvent) error {
	var pu identity.ProviderUser
	if err := json.Unmarshal(event.Data, &pu); err != nil || pu.ID == "" {
		return utils.Error(c, fiber.StatusBadRequest, "invalid user payload")
	}

	user, err := h.Directory.Delete(c.UserContext(), pu.ID)
	if errors.Is(err, identity.ErrUnknownPrincipal) {
		return utils.Success(c, fiber.StatusOK, fiber.Map{"handled": false})
	}
	if err != nil {
		logger.Error("webhook_user_delete_failed", err, map[string]interface{}{
			"external_id": pu.ID,
		})
		return utils.Error(c, fiber.StatusInternalServerError, "failed to delete user")
	}

	logger.Info("principal_deleted", map[string]interface{}{
		"user_id":     user.ID.String(),
		"external_id": user.ExternalID,
	})

	h.Audit.LogAsync(services.AuditEntry{
		Action:       services.AuditUserDeleted,
		ResourceType: services.ResourceUser,
		ResourceID:   user.ExternalID,
		Details: map[string]interface{}{
			"user_id": user.ID.String(),
			"email":   user.Email,
		},
		IPAddress: c.IP(),
		RequestID: getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"handled": true})
}
