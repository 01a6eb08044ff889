package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/keygate/backend/internal/identity"
	"github.com/keygate/backend/internal/models"
)

func signedWebhook(t *testing.T, env *testEnv, event map[string]any, sentAt time.Time) *http.Response {
	t.Helper()

	body, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("failed to marshal event: %v", err)
	}
	id := "msg_" + strconv.FormatInt(sentAt.UnixNano(), 10)
	timestamp := strconv.FormatInt(sentAt.Unix(), 10)

	return performRequest(t, env.app, http.MethodPost, "/api/auth/clerk/webhook", bytes.NewReader(body), map[string]string{
		"Content-Type":   "application/json",
		"svix-id":        id,
		"svix-timestamp": timestamp,
		"svix-signature": "v1," + identity.SignWebhook(testWebhookKey, id, timestamp, body),
	})
}

func userEvent(eventType, externalID, email, firstName string) map[string]any {
	return map[string]any{
		"type": eventType,
		"data": map[string]any{
			"id":                       externalID,
			"primary_email_address_id": "idn_1",
			"email_addresses": []map[string]any{
				{"id": "idn_0", "email_address": "old@example.com"},
				{"id": "idn_1", "email_address": email},
			},
			"first_name": firstName,
			"last_name":  "Lovelace",
		},
	}
}

func TestWebhook_UserLifecycle(t *testing.T) {
	env := setupTestEnv(t)
	now := time.Now()

	resp := signedWebhook(t, env, userEvent("user.created", "user_ada", "Ada@Example.com", "Ada"), now)
	assertStatus(t, resp, fiber.StatusOK)

	var user models.User
	if err := env.db.First(&user, "external_id = ?", "user_ada").Error; err != nil {
		t.Fatalf("expected synced principal: %v", err)
	}
	if user.Email != "ada@example.com" || user.FirstName != "Ada" || user.LastName != "Lovelace" {
		t.Fatalf("unexpected principal after create: %+v", user)
	}

	resp = signedWebhook(t, env, userEvent("user.updated", "user_ada", "ada@example.com", "Augusta"), now)
	assertStatus(t, resp, fiber.StatusOK)
	if err := env.db.First(&user, "external_id = ?", "user_ada").Error; err != nil {
		t.Fatalf("failed reloading principal: %v", err)
	}
	if user.FirstName != "Augusta" {
		t.Fatalf("expected first name to be updated, got %q", user.FirstName)
	}

	b := newBrowser(t, env, &user)
	b.registerKey(newVirtualKey(), "")

	resp = signedWebhook(t, env, map[string]any{
		"type": "user.deleted",
		"data": map[string]any{"id": "user_ada", "deleted": true},
	}, now)
	assertStatus(t, resp, fiber.StatusOK)
	if handled := decodeJSONMap(t, resp)["data"].(map[string]any)["handled"]; handled != true {
		t.Fatalf("expected delete to be handled, got %v", handled)
	}

	var count int64
	env.db.Model(&models.User{}).Where("external_id = ?", "user_ada").Count(&count)
	if count != 0 {
		t.Fatalf("expected principal to be deleted")
	}
	env.db.Model(&models.WebAuthnCredential{}).Where("user_id = ?", user.ID).Count(&count)
	if count != 0 {
		t.Fatalf("expected credentials to be deleted with the principal, got %d", count)
	}

	// Deleting again is acknowledged.
	resp = signedWebhook(t, env, map[string]any{
		"type": "user.deleted",
		"data": map[string]any{"id": "user_ada", "deleted": true},
	}, now)
	assertStatus(t, resp, fiber.StatusOK)
}

func TestWebhook_Rejects(t *testing.T) {
	env := setupTestEnv(t)
	event := userEvent("user.created", "user_ada", "ada@example.com", "Ada")

	t.Run("stale timestamp", func(t *testing.T) {
		resp := signedWebhook(t, env, event, time.Now().Add(-10*time.Minute))
		assertStatus(t, resp, fiber.StatusUnauthorized)
		assertEnvelopeError(t, decodeJSONMap(t, resp), "invalid webhook signature")
	})

	t.Run("bad signature", func(t *testing.T) {
		body, _ := json.Marshal(event)
		resp := performRequest(t, env.app, http.MethodPost, "/api/auth/clerk/webhook", bytes.NewReader(body), map[string]string{
			"Content-Type":   "application/json",
			"svix-id":        "msg_1",
			"svix-timestamp": strconv.FormatInt(time.Now().Unix(), 10),
			"svix-signature": "v1,AAAA",
		})
		assertStatus(t, resp, fiber.StatusUnauthorized)
	})

	t.Run("missing headers", func(t *testing.T) {
		resp := performJSONRequest(t, env.app, http.MethodPost, "/api/auth/clerk/webhook", event, nil)
		assertStatus(t, resp, fiber.StatusUnauthorized)
	})

	t.Run("missing email", func(t *testing.T) {
		resp := signedWebhook(t, env, map[string]any{
			"type": "user.created",
			"data": map[string]any{"id": "user_noemail"},
		}, time.Now())
		assertStatus(t, resp, fiber.StatusBadRequest)
	})

	var count int64
	env.db.Model(&models.User{}).Count(&count)
	if count != 0 {
		t.Fatalf("expected no principals to be created, got %d", count)
	}
}

func TestWebhook_IgnoresOtherEvents(t *testing.T) {
	env := setupTestEnv(t)

	resp := signedWebhook(t, env, map[string]any{
		"type": "session.created",
		"data": map[string]any{"id": "sess_1"},
	}, time.Now())
	assertStatus(t, resp, fiber.StatusOK)
	if handled := decodeJSONMap(t, resp)["data"].(map[string]any)["handled"]; handled != false {
		t.Fatalf("expected event to be ignored, got %v", handled)
	}
}

func TestWebhook_NotConfigured(t *testing.T) {
	env := setupTestEnv(t)
	env.webhook.Secret = ""

	resp := signedWebhook(t, env, userEvent("user.created", "user_ada", "ada@example.com", "Ada"), time.Now())
	assertStatus(t, resp, fiber.StatusServiceUnavailable)
}
