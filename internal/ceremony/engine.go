// Package ceremony runs the WebAuthn registration and authentication flows
// against the challenge and credential stores and, on a verified assertion,
// marks the caller's session as stepped up.
package ceremony

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/keygate/backend/internal/challenges"
	"github.com/keygate/backend/internal/credentials"
	"github.com/keygate/backend/internal/models"
	"github.com/keygate/backend/internal/stepup"
	"github.com/keygate/backend/pkg/logger"
)

type Config struct {
	RPID          string
	RPDisplayName string
	RPOrigins     []string
	// LandingURL is returned after authentication when no route was captured.
	LandingURL string
}

type Engine struct {
	wa          *webauthn.WebAuthn
	challenges  *challenges.Store
	credentials *credentials.Store
	gate        *stepup.Gate
	landingURL  string
	now         func() time.Time
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func New(cfg Config, challengeStore *challenges.Store, credentialStore *credentials.Store, gate *stepup.Gate, opts ...Option) (*Engine, error) {
	wa, err := webauthn.New(&webauthn.Config{
		RPID:                  cfg.RPID,
		RPDisplayName:         cfg.RPDisplayName,
		RPOrigins:             cfg.RPOrigins,
		AttestationPreference: protocol.PreferNoAttestation,
		AuthenticatorSelection: protocol.AuthenticatorSelection{
			AuthenticatorAttachment: protocol.CrossPlatform,
			UserVerification:        protocol.VerificationPreferred,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("configure webauthn: %w", err)
	}

	landing := cfg.LandingURL
	if landing == "" {
		landing = "/admin/"
	}

	e := &Engine{
		wa:          wa,
		challenges:  challengeStore,
		credentials: credentialStore,
		gate:        gate,
		landingURL:  landing,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

type RegistrationOptions struct {
	Options   *protocol.CredentialCreation `json:"options"`
	Challenge string                       `json:"challenge"`
	ExpiresAt time.Time                    `json:"expiresAt"`
}

type AuthenticationOptions struct {
	Options   *protocol.CredentialAssertion `json:"options"`
	Challenge string                        `json:"challenge"`
	ExpiresAt time.Time                     `json:"expiresAt"`
}

type AuthenticationResult struct {
	Credential  *models.WebAuthnCredential
	RedirectURL string
}

// principal adapts a stored user and its credentials to webauthn.User.
type principal struct {
	user  *models.User
	creds []webauthn.Credential
}

func (p *principal) WebAuthnID() []byte {
	b, _ := p.user.ID.MarshalBinary()
	return b
}

func (p *principal) WebAuthnName() string {
	return p.user.Email
}

func (p *principal) WebAuthnDisplayName() string {
	return p.user.DisplayName()
}

func (p *principal) WebAuthnCredentials() []webauthn.Credential {
	return p.creds
}

func (e *Engine) loadPrincipal(ctx context.Context, user *models.User) (*principal, []models.WebAuthnCredential, error) {
	if user == nil {
		return nil, nil, errors.New("ceremony requires an authenticated principal")
	}
	stored, err := e.credentials.ListFor(ctx, user.ID)
	if err != nil {
		return nil, nil, err
	}
	return &principal{user: user, creds: credentials.ToWebAuthn(stored)}, stored, nil
}

// withStoredChallenge replaces the library-generated challenge with the one
// persisted by the challenge store.
func withStoredChallenge(raw []byte) webauthn.RegistrationOption {
	return func(o *protocol.PublicKeyCredentialCreationOptions) {
		o.Challenge = raw
	}
}

func (e *Engine) BeginRegistration(ctx context.Context, user *models.User) (*RegistrationOptions, error) {
	p, _, err := e.loadPrincipal(ctx, user)
	if err != nil {
		return nil, err
	}

	challenge, err := e.challenges.Issue(ctx, user.ID, models.ChallengeRegistration)
	if err != nil {
		return nil, err
	}
	raw, err := decodeChallenge(challenge.Value)
	if err != nil {
		return nil, err
	}

	creation, _, err := e.wa.BeginRegistration(p,
		webauthn.WithExclusions(webauthn.Credentials(p.creds).CredentialDescriptors()),
		webauthn.WithAuthenticatorSelection(protocol.AuthenticatorSelection{
			AuthenticatorAttachment: protocol.CrossPlatform,
			ResidentKey:             protocol.ResidentKeyRequirementDiscouraged,
			UserVerification:        protocol.VerificationPreferred,
		}),
		webauthn.WithConveyancePreference(protocol.PreferNoAttestation),
		withStoredChallenge(raw),
	)
	if err != nil {
		return nil, fmt.Errorf("begin registration: %w", err)
	}

	return &RegistrationOptions{
		Options:   creation,
		Challenge: challenge.Value,
		ExpiresAt: challenge.ExpiresAt,
	}, nil
}

// CompleteRegistration verifies an attestation and stores the new credential.
// The challenge is redeemed before verification, so a failed attempt still
// spends it.
func (e *Engine) CompleteRegistration(ctx context.Context, user *models.User, response []byte, claimedChallenge, label string) (*models.WebAuthnCredential, error) {
	p, _, err := e.loadPrincipal(ctx, user)
	if err != nil {
		return nil, err
	}

	parsed, err := protocol.ParseCredentialCreationResponseBytes(response)
	if err != nil {
		e.logVerificationFailure("webauthn_registration_parse_failed", user, err)
		return nil, ErrRegistrationVerificationFailed
	}

	value := claimedChallenge
	if value == "" {
		value = parsed.Response.CollectedClientData.Challenge
	}

	challenge, err := e.challenges.Redeem(ctx, user.ID, value, models.ChallengeRegistration)
	if err != nil {
		return nil, err
	}

	session := webauthn.SessionData{
		Challenge:        challenge.Value,
		RelyingPartyID:   e.wa.Config.RPID,
		UserID:           p.WebAuthnID(),
		UserVerification: protocol.VerificationPreferred,
		CredParams:       webauthn.CredentialParametersDefault(),
	}

	verified, err := e.wa.CreateCredential(p, session, parsed)
	if err != nil {
		e.logVerificationFailure("webauthn_registration_verification_failed", user, err)
		return nil, ErrRegistrationVerificationFailed
	}

	deviceType := models.DeviceTypeCrossPlatform
	if verified.Authenticator.Attachment == protocol.Platform {
		deviceType = models.DeviceTypePlatform
	}

	return e.credentials.Create(ctx, credentials.NewCredential{
		Owner:           user.ID,
		CredentialID:    verified.ID,
		PublicKey:       verified.PublicKey,
		SignCount:       verified.Authenticator.SignCount,
		Label:           label,
		AttestationType: verified.AttestationType,
		AAGUID:          verified.Authenticator.AAGUID,
		Transports:      verified.Transport,
		DeviceType:      deviceType,
		BackupEligible:  verified.Flags.BackupEligible,
		BackupState:     verified.Flags.BackupState,
	})
}

func (e *Engine) BeginAuthentication(ctx context.Context, user *models.User) (*AuthenticationOptions, error) {
	p, _, err := e.loadPrincipal(ctx, user)
	if err != nil {
		return nil, err
	}
	if len(p.creds) == 0 {
		return nil, ErrNoCredentialsRegistered
	}

	challenge, err := e.challenges.Issue(ctx, user.ID, models.ChallengeVerification)
	if err != nil {
		return nil, err
	}
	raw, err := decodeChallenge(challenge.Value)
	if err != nil {
		return nil, err
	}

	assertion, _, err := e.wa.BeginLogin(p,
		webauthn.WithUserVerification(protocol.VerificationPreferred),
		webauthn.WithChallenge(raw),
	)
	if err != nil {
		return nil, fmt.Errorf("begin authentication: %w", err)
	}

	return &AuthenticationOptions{
		Options:   assertion,
		Challenge: challenge.Value,
		ExpiresAt: challenge.ExpiresAt,
	}, nil
}

// CompleteAuthentication verifies an assertion and, on success, marks sess as
// trusted for user, rotating its identifier when the session supports it. Nothing is rolled back on failure: the challenge stays spent and the
// stored counter is only ever advanced by a successful compare-and-set.
func (e *Engine) CompleteAuthentication(ctx context.Context, user *models.User, sess stepup.Session, response []byte) (*AuthenticationResult, error) {
	p, stored, err := e.loadPrincipal(ctx, user)
	if err != nil {
		return nil, err
	}

	parsed, err := protocol.ParseCredentialRequestResponseBytes(response)
	if err != nil {
		e.logVerificationFailure("webauthn_assertion_parse_failed", user, err)
		return nil, ErrAuthenticationVerificationFailed
	}

	cred, err := e.credentials.FindByCredentialID(ctx, parsed.RawID)
	if err != nil {
		if errors.Is(err, credentials.ErrNotFound) {
			return nil, ErrCredentialNotFound
		}
		return nil, err
	}
	if cred.UserID != user.ID {
		return nil, ErrCredentialNotFound
	}

	challenge, err := e.challenges.Redeem(ctx, user.ID, parsed.Response.CollectedClientData.Challenge, models.ChallengeVerification)
	if err != nil {
		return nil, err
	}

	allowed := make([][]byte, len(stored))
	for i := range stored {
		allowed[i] = stored[i].CredentialID
	}

	session := webauthn.SessionData{
		Challenge:            challenge.Value,
		RelyingPartyID:       e.wa.Config.RPID,
		UserID:               p.WebAuthnID(),
		AllowedCredentialIDs: allowed,
		UserVerification:     protocol.VerificationPreferred,
	}

	verified, err := e.wa.ValidateLogin(p, session, parsed)
	if err != nil {
		e.logVerificationFailure("webauthn_assertion_verification_failed", user, err)
		return nil, ErrAuthenticationVerificationFailed
	}

	if err := e.credentials.UpdateAfterAuthentication(ctx, cred, verified.Authenticator.SignCount, e.now()); err != nil {
		if errors.Is(err, credentials.ErrReplayDetected) {
			logger.WarnWithUser(user.ID.String(), "webauthn_replay_detected", map[string]interface{}{
				"credential_id": cred.ID.String(),
				"stored_count":  cred.SignCount,
				"new_count":     verified.Authenticator.SignCount,
			})
			return nil, fmt.Errorf("%w: %w", ErrAuthenticationVerificationFailed, ErrReplayDetected)
		}
		return nil, err
	}

	if err := e.gate.MarkTrusted(sess, user.ID); err != nil {
		return nil, err
	}

	redirect, ok := e.gate.PopIntendedRoute(sess)
	if !ok {
		redirect = e.landingURL
	}

	return &AuthenticationResult{Credential: cred, RedirectURL: redirect}, nil
}

func (e *Engine) logVerificationFailure(action string, user *models.User, err error) {
	logger.WarnWithUser(user.ID.String(), action, map[string]interface{}{
		"reason": diagnostics(err),
	})
}

func decodeChallenge(value string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("decode challenge: %w", err)
	}
	return raw, nil
}
