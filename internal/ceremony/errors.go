package ceremony

import (
	"errors"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/keygate/backend/internal/challenges"
	"github.com/keygate/backend/internal/credentials"
)

// Store-level failures are re-exported so callers only need this package to
// classify a ceremony outcome.
var (
	ErrInvalidChallenge    = challenges.ErrInvalidChallenge
	ErrDuplicateCredential = credentials.ErrDuplicateCredential
	ErrReplayDetected      = credentials.ErrReplayDetected
	ErrForbidden           = credentials.ErrForbidden
	ErrNotFound            = credentials.ErrNotFound
)

var (
	ErrCredentialNotFound               = errors.New("credential not found")
	ErrRegistrationVerificationFailed   = errors.New("registration verification failed")
	ErrAuthenticationVerificationFailed = errors.New("authentication verification failed")
	ErrNoCredentialsRegistered          = errors.New("no WebAuthn credentials registered")
)

// diagnostics flattens a verification library error for server-side logs.
func diagnostics(err error) string {
	var perr *protocol.Error
	if errors.As(err, &perr) {
		if perr.DevInfo != "" {
			return perr.Details + ": " + perr.DevInfo
		}
		return perr.Details
	}
	return err.Error()
}
