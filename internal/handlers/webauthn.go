package handlers

import (
	"encoding/json"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/session"
	"github.com/keygate/backend/internal/ceremony"
	"github.com/keygate/backend/internal/credentials"
	"github.com/keygate/backend/internal/metrics"
	"github.com/keygate/backend/internal/middleware"
	"github.com/keygate/backend/internal/models"
	"github.com/keygate/backend/internal/services"
	"github.com/keygate/backend/pkg/logger"
	"github.com/keygate/backend/pkg/utils"
)

const maxDeviceNameLength = 100

type WebAuthnHandler struct {
	Engine      *ceremony.Engine
	Credentials *credentials.Store
	Sessions    *session.Store
	Audit       *services.AuditService
	Metrics     *metrics.Metrics
}

func NewWebAuthnHandler(engine *ceremony.Engine, creds *credentials.Store, sessions *session.Store, audit *services.AuditService, m *metrics.Metrics) *WebAuthnHandler {
	return &WebAuthnHandler{
		Engine:      engine,
		Credentials: creds,
		Sessions:    sessions,
		Audit:       audit,
		Metrics:     m,
	}
}

func (h *WebAuthnHandler) RegisterBegin(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	options, err := h.Engine.BeginRegistration(c.UserContext(), user)
	if err != nil {
		logger.ErrorWithUser(user.ID.String(), "webauthn_registration_begin_failed", err, nil)
		return utils.Error(c, fiber.StatusInternalServerError, "failed to begin registration")
	}

	return utils.Success(c, fiber.StatusOK, options)
}

type registerCompleteRequest struct {
	Credential json.RawMessage `json:"credential"`
	Challenge  string          `json:"challenge"`
	Name       string          `json:"name"`
}

func (h *WebAuthnHandler) RegisterComplete(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req registerCompleteRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if len(req.Credential) == 0 {
		return utils.Error(c, fiber.StatusBadRequest, "credential is required")
	}
	name := strings.TrimSpace(req.Name)
	if utf8.RuneCountInString(name) > maxDeviceNameLength {
		return utils.Error(c, fiber.StatusBadRequest, "name must be at most 100 characters")
	}

	cred, err := h.Engine.CompleteRegistration(c.UserContext(), user, req.Credential, strings.TrimSpace(req.Challenge), name)
	if err != nil {
		_, _, _, outcome := ceremonyFailure(err)
		h.Metrics.Ceremony(metrics.CeremonyRegistration, outcome)
		if outcome == metrics.OutcomeError {
			logger.ErrorWithUser(user.ID.String(), "webauthn_registration_failed", err, nil)
		}
		return respondCeremonyError(c, err, "failed to save credential")
	}
	h.Metrics.Ceremony(metrics.CeremonyRegistration, metrics.OutcomeSuccess)

	logger.InfoWithUser(user.ID.String(), "webauthn_credential_registered", map[string]interface{}{
		"credential_id": cred.ID.String(),
		"name":          cred.Name,
		"device_type":   string(cred.DeviceType),
	})

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       services.AuditCredentialRegistered,
		ResourceType: services.ResourceCredential,
		ResourceID:   cred.EncodedID(),
		Details: map[string]interface{}{
			"name":        cred.Name,
			"device_type": string(cred.DeviceType),
		},
		IPAddress: c.IP(),
		UserAgent: c.Get(fiber.HeaderUserAgent),
		RequestID: getRequestID(c),
	})

	return utils.Success(c, fiber.StatusCreated, deviceResponse(cred))
}

func (h *WebAuthnHandler) AuthenticateBegin(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	options, err := h.Engine.BeginAuthentication(c.UserContext(), user)
	if err != nil {
		if errors.Is(err, ceremony.ErrNoCredentialsRegistered) {
			return respondCeremonyError(c, err, "")
		}
		logger.ErrorWithUser(user.ID.String(), "webauthn_authentication_begin_failed", err, nil)
		return utils.Error(c, fiber.StatusInternalServerError, "failed to begin authentication")
	}

	return utils.Success(c, fiber.StatusOK, options)
}

type authenticateCompleteRequest struct {
	Credential json.RawMessage `json:"credential"`
}

// AuthenticateComplete verifies an assertion and, on success, trusts the
// caller's session for the gate's TTL.
func (h *WebAuthnHandler) AuthenticateComplete(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req authenticateCompleteRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if len(req.Credential) == 0 {
		return utils.Error(c, fiber.StatusBadRequest, "credential is required")
	}

	sess, err := h.Sessions.Get(c)
	if err != nil {
		logger.ErrorWithUser(user.ID.String(), "session_load_failed", err, nil)
		return utils.Error(c, fiber.StatusInternalServerError, "failed to load session")
	}

	result, err := h.Engine.CompleteAuthentication(c.UserContext(), user, sess, req.Credential)
	if err != nil {
		_, _, _, outcome := ceremonyFailure(err)
		h.Metrics.Ceremony(metrics.CeremonyAuthentication, outcome)

		action := services.AuditStepUpFailed
		if outcome == metrics.OutcomeReplay {
			action = services.AuditStepUpReplay
		}
		if outcome == metrics.OutcomeError {
			logger.ErrorWithUser(user.ID.String(), "webauthn_authentication_failed", err, nil)
		} else {
			h.Audit.LogAsync(services.AuditEntry{
				UserID:       &user.ID,
				Action:       action,
				ResourceType: services.ResourceSession,
				Details: map[string]interface{}{
					"outcome": outcome,
				},
				IPAddress: c.IP(),
				UserAgent: c.Get(fiber.HeaderUserAgent),
				RequestID: getRequestID(c),
			})
		}
		return respondCeremonyError(c, err, "failed to verify credential")
	}

	if err := sess.Save(); err != nil {
		logger.ErrorWithUser(user.ID.String(), "session_save_failed", err, nil)
		return utils.Error(c, fiber.StatusInternalServerError, "failed to save session")
	}
	h.Metrics.Ceremony(metrics.CeremonyAuthentication, metrics.OutcomeSuccess)

	logger.InfoWithUser(user.ID.String(), "stepup_verified", map[string]interface{}{
		"credential_id": result.Credential.ID.String(),
		"redirect_url":  result.RedirectURL,
	})

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       services.AuditStepUpVerified,
		ResourceType: services.ResourceCredential,
		ResourceID:   result.Credential.EncodedID(),
		Details: map[string]interface{}{
			"sign_count": result.Credential.SignCount,
		},
		IPAddress: c.IP(),
		UserAgent: c.Get(fiber.HeaderUserAgent),
		RequestID: getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"verified":    true,
		"redirectUrl": result.RedirectURL,
	})
}

func (h *WebAuthnHandler) ListDevices(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	creds, err := h.Credentials.ListFor(c.UserContext(), user.ID)
	if err != nil {
		logger.ErrorWithUser(user.ID.String(), "webauthn_list_devices_failed", err, nil)
		return utils.Error(c, fiber.StatusInternalServerError, "failed to load devices")
	}

	devices := make([]fiber.Map, len(creds))
	for i := range creds {
		devices[i] = deviceResponse(&creds[i])
	}
	return utils.Success(c, fiber.StatusOK, devices)
}

type renameDeviceRequest struct {
	Name string `json:"name"`
}

func (h *WebAuthnHandler) RenameDevice(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	credentialID, err := models.DecodeCredentialID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid credential id")
	}

	var req renameDeviceRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return utils.Error(c, fiber.StatusBadRequest, "name is required")
	}
	if utf8.RuneCountInString(name) > maxDeviceNameLength {
		return utils.Error(c, fiber.StatusBadRequest, "name must be at most 100 characters")
	}

	cred, err := h.Credentials.Rename(c.UserContext(), credentialID, user.ID, name)
	if err != nil {
		return respondCeremonyError(c, err, "failed to rename device")
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       services.AuditCredentialRenamed,
		ResourceType: services.ResourceCredential,
		ResourceID:   cred.EncodedID(),
		Details: map[string]interface{}{
			"name": cred.Name,
		},
		IPAddress: c.IP(),
		UserAgent: c.Get(fiber.HeaderUserAgent),
		RequestID: getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, deviceResponse(cred))
}

func (h *WebAuthnHandler) DeleteDevice(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	credentialID, err := models.DecodeCredentialID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid credential id")
	}

	cred, err := h.Credentials.Delete(c.UserContext(), credentialID, user.ID)
	if err != nil {
		return respondCeremonyError(c, err, "failed to delete device")
	}

	logger.InfoWithUser(user.ID.String(), "webauthn_credential_removed", map[string]interface{}{
		"credential_id": cred.ID.String(),
		"name":          cred.Name,
	})

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       services.AuditCredentialRemoved,
		ResourceType: services.ResourceCredential,
		ResourceID:   cred.EncodedID(),
		Details: map[string]interface{}{
			"name": cred.Name,
		},
		IPAddress: c.IP(),
		UserAgent: c.Get(fiber.HeaderUserAgent),
		RequestID: getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "device removed"})
}

func deviceResponse(cred *models.WebAuthnCredential) fiber.Map {
	return fiber.Map{
		"id":             cred.EncodedID(),
		"name":           cred.Name,
		"deviceType":     cred.DeviceType,
		"signCount":      cred.SignCount,
		"backupEligible": cred.BackupEligible,
		"backupState":    cred.BackupState,
		"createdAt":      cred.CreatedAt,
		"lastUsedAt":     cred.LastUsedAt,
	}
}
