// Package identity verifies identity-provider session tokens and mirrors the
// principals they name into the local users table.
package identity

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken        = errors.New("invalid or expired token")
	ErrUnauthorizedParty   = errors.New("token issued for an unauthorized party")
	ErrUnknownPrincipal    = errors.New("principal not known")
	ErrMissingSubject      = errors.New("token has no subject")
	ErrUnsupportedIdentity = errors.New("unsupported identity mode")
)

// Claims is the verified content of a session token.
type Claims struct {
	Subject         string
	Email           string
	FirstName       string
	LastName        string
	ImageURL        string
	AuthorizedParty string
	SessionID       string
	ExpiresAt       time.Time
}

func (c *Claims) Profile() Profile {
	return Profile{
		ExternalID: c.Subject,
		Email:      c.Email,
		FirstName:  c.FirstName,
		LastName:   c.LastName,
		ImageURL:   c.ImageURL,
	}
}

type Verifier interface {
	Verify(ctx context.Context, rawToken string) (*Claims, error)
}

// tokenClaims is the JSON shape shared by provider and development tokens.
type tokenClaims struct {
	Email           string `json:"email,omitempty"`
	FirstName       string `json:"first_name,omitempty"`
	LastName        string `json:"last_name,omitempty"`
	ImageURL        string `json:"image_url,omitempty"`
	AuthorizedParty string `json:"azp,omitempty"`
	SessionID       string `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// OIDCVerifier checks provider session tokens against the issuer's published
// keys. Session tokens carry no audience, so the client-id check is replaced
// by an azp allow-list.
type OIDCVerifier struct {
	verifier          *oidc.IDTokenVerifier
	authorizedParties []string
}

// NewOIDCVerifier discovers the issuer's signing keys.
func NewOIDCVerifier(ctx context.Context, issuer string, authorizedParties []string) (*OIDCVerifier, error) {
	if issuer == "" {
		return nil, errors.New("oidc issuer is required")
	}
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("discover issuer %s: %w", issuer, err)
	}
	return &OIDCVerifier{
		verifier:          provider.Verifier(&oidc.Config{SkipClientIDCheck: true}),
		authorizedParties: authorizedParties,
	}, nil
}

// NewOIDCVerifierWithKeySet builds a verifier over a fixed key set.
func NewOIDCVerifierWithKeySet(issuer string, keySet oidc.KeySet, authorizedParties []string, now func() time.Time) *OIDCVerifier {
	cfg := &oidc.Config{SkipClientIDCheck: true}
	if now != nil {
		cfg.Now = now
	}
	return &OIDCVerifier{
		verifier:          oidc.NewVerifier(issuer, keySet, cfg),
		authorizedParties: authorizedParties,
	}
}

func (v *OIDCVerifier) Verify(ctx context.Context, rawToken string) (*Claims, error) {
	token, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	var tc tokenClaims
	if err := token.Claims(&tc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	if len(v.authorizedParties) > 0 && tc.AuthorizedParty != "" && !slices.Contains(v.authorizedParties, tc.AuthorizedParty) {
		return nil, ErrUnauthorizedParty
	}
	if token.Subject == "" {
		return nil, ErrMissingSubject
	}

	return &Claims{
		Subject:         token.Subject,
		Email:           tc.Email,
		FirstName:       tc.FirstName,
		LastName:        tc.LastName,
		ImageURL:        tc.ImageURL,
		AuthorizedParty: tc.AuthorizedParty,
		SessionID:       tc.SessionID,
		ExpiresAt:       token.Expiry,
	}, nil
}

// HMACVerifier accepts HS256 tokens minted with IssueDevToken.
type HMACVerifier struct {
	secret []byte
}

func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret)}
}

func (v *HMACVerifier) Verify(_ context.Context, rawToken string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(rawToken, &tokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	tc, ok := token.Claims.(*tokenClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if tc.Subject == "" {
		return nil, ErrMissingSubject
	}

	claims := &Claims{
		Subject:         tc.Subject,
		Email:           tc.Email,
		FirstName:       tc.FirstName,
		LastName:        tc.LastName,
		ImageURL:        tc.ImageURL,
		AuthorizedParty: tc.AuthorizedParty,
		SessionID:       tc.SessionID,
	}
	if tc.ExpiresAt != nil {
		claims.ExpiresAt = tc.ExpiresAt.Time
	}
	return claims, nil
}

// IssueDevToken signs a token HMACVerifier will accept.
func IssueDevToken(secret string, claims Claims, ttl time.Duration) (string, error) {
	if claims.Subject == "" {
		return "", ErrMissingSubject
	}
	now := time.Now()
	tc := tokenClaims{
		Email:           claims.Email,
		FirstName:       claims.FirstName,
		LastName:        claims.LastName,
		ImageURL:        claims.ImageURL,
		AuthorizedParty: claims.AuthorizedParty,
		SessionID:       claims.SessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, tc)
	return token.SignedString([]byte(secret))
}

// NewVerifier builds the verifier selected by mode.
func NewVerifier(ctx context.Context, mode, issuer string, authorizedParties []string, hmacSecret string) (Verifier, error) {
	switch mode {
	case "oidc":
		return NewOIDCVerifier(ctx, issuer, authorizedParties)
	case "hmac":
		return NewHMACVerifier(hmacSecret), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedIdentity, mode)
	}
}
