package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/keygate/backend/internal/ceremony"
	"github.com/keygate/backend/internal/metrics"
	"github.com/keygate/backend/pkg/utils"
)

// Stable codes returned next to ceremony errors.
const (
	codeInvalidChallenge   = "invalid_challenge"
	codeDuplicate          = "duplicate_credential"
	codeNotFound           = "credential_not_found"
	codeForbidden          = "forbidden"
	codeNoCredentials      = "no_credentials"
	codeVerificationFailed = "verification_failed"
)

func getRequestID(c *fiber.Ctx) string {
	if id, ok := c.Locals("requestID").(string); ok {
		return id
	}
	return ""
}

// ceremonyFailure classifies a ceremony error into its response and the
// outcome label recorded for it. Unknown errors are internal.
func ceremonyFailure(err error) (status int, message, code, outcome string) {
	switch {
	case errors.Is(err, ceremony.ErrInvalidChallenge):
		return fiber.StatusBadRequest, "invalid or expired challenge", codeInvalidChallenge, metrics.OutcomeInvalidChallenge
	case errors.Is(err, ceremony.ErrDuplicateCredential):
		return fiber.StatusConflict, "credential already registered", codeDuplicate, metrics.OutcomeDuplicate
	case errors.Is(err, ceremony.ErrCredentialNotFound), errors.Is(err, ceremony.ErrNotFound):
		return fiber.StatusNotFound, "credential not found", codeNotFound, metrics.OutcomeNotFound
	case errors.Is(err, ceremony.ErrForbidden):
		return fiber.StatusForbidden, "forbidden", codeForbidden, metrics.OutcomeError
	case errors.Is(err, ceremony.ErrNoCredentialsRegistered):
		return fiber.StatusBadRequest, "no WebAuthn credentials registered", codeNoCredentials, metrics.OutcomeNoCredentials
	case errors.Is(err, ceremony.ErrReplayDetected):
		return fiber.StatusBadRequest, "verification failed", codeVerificationFailed, metrics.OutcomeReplay
	case errors.Is(err, ceremony.ErrRegistrationVerificationFailed),
		errors.Is(err, ceremony.ErrAuthenticationVerificationFailed):
		return fiber.StatusBadRequest, "verification failed", codeVerificationFailed, metrics.OutcomeVerification
	default:
		return fiber.StatusInternalServerError, "", "", metrics.OutcomeError
	}
}

// respondCeremonyError writes the mapped error, or fallback as a 500 when the
// error is not one of the ceremony sentinels.
func respondCeremonyError(c *fiber.Ctx, err error, fallback string) error {
	status, message, code, _ := ceremonyFailure(err)
	if code == "" {
		return utils.Error(c, status, fallback)
	}
	return utils.ErrorWithCode(c, status, message, code)
}
