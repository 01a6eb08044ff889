package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/session"
	"github.com/keygate/backend/internal/credentials"
	"github.com/keygate/backend/internal/middleware"
	"github.com/keygate/backend/internal/services"
	"github.com/keygate/backend/internal/stepup"
	"github.com/keygate/backend/pkg/logger"
	"github.com/keygate/backend/pkg/utils"
)

const (
	AuthenticateBeginPath    = "/api/webauthn/authenticate/begin"
	AuthenticateCompletePath = "/api/webauthn/authenticate/complete"
)

type AdminConfig struct {
	SignInURL       string
	RegistrationURL string
	LandingURL      string
}

type AdminHandler struct {
	Gate        *stepup.Gate
	Sessions    *session.Store
	Credentials *credentials.Store
	Audit       *services.AuditService
	Config      AdminConfig
}

func NewAdminHandler(gate *stepup.Gate, sessions *session.Store, creds *credentials.Store, audit *services.AuditService, cfg AdminConfig) *AdminHandler {
	return &AdminHandler{
		Gate:        gate,
		Sessions:    sessions,
		Credentials: creds,
		Audit:       audit,
		Config:      cfg,
	}
}

// Landing is the console home. The guard has already established trust.
func (h *AdminHandler) Landing(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	sess, err := h.Sessions.Get(c)
	if err != nil {
		logger.ErrorWithUser(user.ID.String(), "session_load_failed", err, nil)
		return utils.Error(c, fiber.StatusInternalServerError, "failed to load session")
	}

	stepUp, err := stepUpStatus(h.Gate, sess, user)
	if err != nil {
		logger.ErrorWithUser(user.ID.String(), "session_save_failed", err, nil)
		return utils.Error(c, fiber.StatusInternalServerError, "failed to save session")
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"user":   user,
		"stepUp": stepUp,
	})
}

// VerifyEntry starts the step-up flow. Principals without a registered key
// are sent to register one first; already trusted sessions go straight to
// the console.
func (h *AdminHandler) VerifyEntry(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	count, err := h.Credentials.CountFor(c.UserContext(), user.ID)
	if err != nil {
		logger.ErrorWithUser(user.ID.String(), "credential_count_failed", err, nil)
		return utils.Error(c, fiber.StatusInternalServerError, "failed to load devices")
	}
	if count == 0 {
		logger.InfoWithUser(user.ID.String(), "stepup_registration_required", nil)
		return c.Redirect(h.Config.RegistrationURL, fiber.StatusFound)
	}

	sess, err := h.Sessions.Get(c)
	if err != nil {
		logger.ErrorWithUser(user.ID.String(), "session_load_failed", err, nil)
		return utils.Error(c, fiber.StatusInternalServerError, "failed to load session")
	}
	trusted, changed := h.Gate.Evaluate(sess, user.ID)
	if trusted {
		return c.Redirect(h.Config.LandingURL, fiber.StatusFound)
	}
	if changed {
		if err := sess.Save(); err != nil {
			logger.ErrorWithUser(user.ID.String(), "session_save_failed", err, nil)
			return utils.Error(c, fiber.StatusInternalServerError, "failed to save session")
		}
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"credentialCount": count,
		"beginUrl":        AuthenticateBeginPath,
		"completeUrl":     AuthenticateCompletePath,
	})
}

// Logout drops step-up trust and the whole server-side session.
func (h *AdminHandler) Logout(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	sess, err := h.Sessions.Get(c)
	if err != nil {
		logger.ErrorWithUser(user.ID.String(), "session_load_failed", err, nil)
		return utils.Error(c, fiber.StatusInternalServerError, "failed to load session")
	}

	h.Gate.Clear(sess)
	if err := sess.Destroy(); err != nil {
		logger.ErrorWithUser(user.ID.String(), "session_destroy_failed", err, nil)
		return utils.Error(c, fiber.StatusInternalServerError, "failed to end session")
	}

	logger.InfoWithUser(user.ID.String(), "stepup_logout", nil)

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       services.AuditStepUpLogout,
		ResourceType: services.ResourceSession,
		IPAddress:    c.IP(),
		UserAgent:    c.Get(fiber.HeaderUserAgent),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"redirectUrl": h.Config.SignInURL})
}
