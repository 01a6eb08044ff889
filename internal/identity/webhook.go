package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	webhookSecretPrefix = "whsec_"
	webhookTolerance    = 5 * time.Minute
)

var (
	ErrWebhookSignature = errors.New("webhook signature mismatch")
	ErrWebhookTimestamp = errors.New("webhook timestamp outside tolerance")
	ErrWebhookHeaders   = errors.New("webhook headers missing")
)

// WebhookHeaders are the svix-* delivery headers.
type WebhookHeaders struct {
	ID        string
	Timestamp string
	Signature string
}

// VerifyWebhook checks a provider delivery signed as HMAC-SHA256 over
// "id.timestamp.body". The signature header may list several
// space-separated "v1,<base64>" entries during secret rotation.
func VerifyWebhook(secret string, h WebhookHeaders, body []byte, now time.Time) error {
	if h.ID == "" || h.Timestamp == "" || h.Signature == "" {
		return ErrWebhookHeaders
	}

	seconds, err := strconv.ParseInt(h.Timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrWebhookTimestamp, h.Timestamp)
	}
	sent := time.Unix(seconds, 0)
	if now.Sub(sent) > webhookTolerance || sent.Sub(now) > webhookTolerance {
		return ErrWebhookTimestamp
	}

	key, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(secret, webhookSecretPrefix))
	if err != nil {
		return fmt.Errorf("decode webhook secret: %w", err)
	}

	expected := SignWebhook(key, h.ID, h.Timestamp, body)
	for _, entry := range strings.Fields(h.Signature) {
		version, sig, ok := strings.Cut(entry, ",")
		if !ok || version != "v1" {
			continue
		}
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return nil
		}
	}
	return ErrWebhookSignature
}

// SignWebhook returns the base64 v1 signature for a delivery.
func SignWebhook(key []byte, id, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(id))
	mac.Write([]byte("."))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// WebhookEvent is the envelope of a provider delivery.
type WebhookEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ProviderUser is the user object carried by user.* events.
type ProviderUser struct {
	ID                    string         `json:"id"`
	PrimaryEmailAddressID string         `json:"primary_email_address_id"`
	EmailAddresses        []EmailAddress `json:"email_addresses"`
	FirstName             *string        `json:"first_name"`
	LastName              *string        `json:"last_name"`
	ImageURL              string         `json:"image_url"`
	Deleted               bool           `json:"deleted"`
}

type EmailAddress struct {
	ID           string `json:"id"`
	EmailAddress string `json:"email_address"`
}

// PrimaryEmail returns the primary address, or the first listed one.
func (u *ProviderUser) PrimaryEmail() string {
	for _, addr := range u.EmailAddresses {
		if addr.ID == u.PrimaryEmailAddressID {
			return addr.EmailAddress
		}
	}
	if len(u.EmailAddresses) > 0 {
		return u.EmailAddresses[0].EmailAddress
	}
	return ""
}

func (u *ProviderUser) Profile() Profile {
	p := Profile{
		ExternalID: u.ID,
		Email:      u.PrimaryEmail(),
		ImageURL:   u.ImageURL,
	}
	if u.FirstName != nil {
		p.FirstName = *u.FirstName
	}
	if u.LastName != nil {
		p.LastName = *u.LastName
	}
	return p
}
