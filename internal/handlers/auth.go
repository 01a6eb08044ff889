package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/session"
	"github.com/keygate/backend/internal/credentials"
	"github.com/keygate/backend/internal/middleware"
	"github.com/keygate/backend/internal/models"
	"github.com/keygate/backend/internal/stepup"
	"github.com/keygate/backend/pkg/logger"
	"github.com/keygate/backend/pkg/utils"
)

type AuthHandler struct {
	Gate        *stepup.Gate
	Sessions    *session.Store
	Credentials *credentials.Store
}

func NewAuthHandler(gate *stepup.Gate, sessions *session.Store, creds *credentials.Store) *AuthHandler {
	return &AuthHandler{Gate: gate, Sessions: sessions, Credentials: creds}
}

// Me returns the signed-in principal with its step-up state so the console
// can decide whether to start a ceremony.
func (h *AuthHandler) Me(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	count, err := h.Credentials.CountFor(c.UserContext(), user.ID)
	if err != nil {
		logger.ErrorWithUser(user.ID.String(), "credential_count_failed", err, nil)
		return utils.Error(c, fiber.StatusInternalServerError, "failed to load devices")
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
		"user":            user,
		"stepUp":          stepUp,
		"credentialCount": count,
	})
}

// stepUpStatus reports the session's trust for user. Stale trust cleared by
// the check is saved right away so it does not linger in the store.
func stepUpStatus(gate *stepup.Gate, sess *session.Session, user *models.User) (fiber.Map, error) {
	status := fiber.Map{"verified": false}
	trusted, changed := gate.Evaluate(sess, user.ID)
	if !trusted {
		if changed {
			if err := sess.Save(); err != nil {
				return nil, err
			}
		}
		return status, nil
	}
	status["verified"] = true
	if at, ok := gate.VerifiedAt(sess); ok {
		status["verifiedAt"] = at.UTC()
	}
	if at, ok := gate.ExpiresAt(sess); ok {
		status["expiresAt"] = at.UTC()
	}
	return status, nil
}
