package handlers

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/descope/virtualwebauthn"
	"github.com/glebarez/sqlite"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/encryptcookie"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/session"
	"github.com/google/uuid"
	"github.com/keygate/backend/internal/ceremony"
	"github.com/keygate/backend/internal/challenges"
	"github.com/keygate/backend/internal/credentials"
	"github.com/keygate/backend/internal/database"
	"github.com/keygate/backend/internal/identity"
	"github.com/keygate/backend/internal/metrics"
	"github.com/keygate/backend/internal/middleware"
	"github.com/keygate/backend/internal/models"
	"github.com/keygate/backend/internal/services"
	"github.com/keygate/backend/internal/stepup"
	"github.com/keygate/backend/pkg/logger"
	"github.com/keygate/backend/pkg/utils"
	"gorm.io/gorm"
)

const (
	testIdentitySecret = "test-identity-secret"
	testSessionSecret  = "test-session-secret"
	testVerifyPath     = "/admin/webauthn-verify"
)

var testWebhookKey = []byte("test-webhook-signing-key")

type testEnv struct {
	app     *fiber.App
	db      *gorm.DB
	gate    *stepup.Gate
	metrics *metrics.Metrics
	webhook *WebhookHandler
	clock   *testClock
	rp      virtualwebauthn.RelyingParty
}

// testClock drives the step-up gate so trust expiry can be tested without
// waiting.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var testSetupOnce sync.Once

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	testSetupOnce.Do(func() {
		logger.Init()
	})

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed opening in-memory sqlite database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed getting sql.DB from gorm: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	if err := database.Migrate(db); err != nil {
		t.Fatalf("failed migrating models: %v", err)
	}

	clock := &testClock{now: time.Now()}
	m := metrics.New()
	auditService := services.NewAuditService(db, nil)
	t.Cleanup(auditService.Close)

	challengeStore := challenges.NewStore(db)
	credentialStore := credentials.NewStore(db)
	gate := stepup.NewGate(stepup.DefaultTTL, stepup.WithClock(clock.Now))

	engine, err := ceremony.New(ceremony.Config{
		RPID:          "example.com",
		RPDisplayName: "Keygate Test",
		RPOrigins:     []string{"https://example.com"},
		LandingURL:    "/admin/",
	}, challengeStore, credentialStore, gate)
	if err != nil {
		t.Fatalf("failed configuring ceremony engine: %v", err)
	}

	cookieKey, err := utils.CookieEncryptionKey(testSessionSecret)
	if err != nil {
		t.Fatalf("failed deriving cookie key: %v", err)
	}

	sessions := session.New(session.Config{
		Expiration:     time.Hour,
		KeyLookup:      "cookie:keygate_session",
		CookieHTTPOnly: true,
	})
	directory := identity.NewDirectory(db, nil)
	identityMiddleware := middleware.NewIdentityMiddleware(identity.NewHMACVerifier(testIdentitySecret), directory)

	webAuthnHandler := NewWebAuthnHandler(engine, credentialStore, sessions, auditService, m)
	authHandler := NewAuthHandler(gate, sessions, credentialStore)
	webhookHandler := NewWebhookHandler(directory, auditService, "whsec_"+base64.StdEncoding.EncodeToString(testWebhookKey))
	adminHandler := NewAdminHandler(gate, sessions, credentialStore, auditService, AdminConfig{
		SignInURL:       "/sign-in",
		RegistrationURL: "/security",
		LandingURL:      "/admin/",
	})

	app := fiber.New()
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(middleware.CORS("http://localhost:3001"))
	app.Use(encryptcookie.New(encryptcookie.Config{
		Key:    cookieKey,
		Except: []string{middleware.SessionTokenCookie},
	}))
	app.Use(middleware.RequestLogger())
	app.Use(middleware.SecurityLogger())
	app.Use(identityMiddleware.Resolve)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api")

	authRoutes := api.Group("/auth")
	authRoutes.Get("/me", middleware.RequireAuth, authHandler.Me)
	authRoutes.Post("/clerk/webhook", webhookHandler.Receive)

	webAuthnRoutes := api.Group("/webauthn", middleware.RequireAuth)
	webAuthnRoutes.Post("/register/begin", webAuthnHandler.RegisterBegin)
	webAuthnRoutes.Post("/register/complete", webAuthnHandler.RegisterComplete)
	webAuthnRoutes.Post("/authenticate/begin", webAuthnHandler.AuthenticateBegin)
	webAuthnRoutes.Post("/authenticate/complete", webAuthnHandler.AuthenticateComplete)
	webAuthnRoutes.Get("/devices", webAuthnHandler.ListDevices)
	webAuthnRoutes.Put("/devices/:id", webAuthnHandler.RenameDevice)
	webAuthnRoutes.Delete("/devices/:id", webAuthnHandler.DeleteDevice)

	adminRoutes := app.Group("/admin", middleware.StepUpGuard(middleware.GuardConfig{
		Gate:       gate,
		Sessions:   sessions,
		SignInURL:  "/sign-in",
		PublicURL:  "https://example.com",
		VerifyPath: testVerifyPath,
		Skip:       middleware.SkipPaths(testVerifyPath, "/admin/logout"),
		Metrics:    m,
	}))
	adminRoutes.Get("/", adminHandler.Landing)
	adminRoutes.Get("/webauthn-verify", adminHandler.VerifyEntry)
	adminRoutes.Post("/logout", adminHandler.Logout)
	adminRoutes.Get("/reports", func(c *fiber.Ctx) error {
		return utils.Success(c, fiber.StatusOK, fiber.Map{"report": "ok"})
	})

	return &testEnv{
		app:     app,
		db:      db,
		gate:    gate,
		metrics: m,
		webhook: webhookHandler,
		clock:   clock,
		rp: virtualwebauthn.RelyingParty{
			Name:   "Keygate Test",
			ID:     "example.com",
			Origin: "https://example.com",
		},
	}
}

func createTestUser(t *testing.T, db *gorm.DB, email string, staff bool) *models.User {
	t.Helper()

	user := &models.User{
		ExternalID: "user_" + uuid.NewString(),
		Email:      email,
		FirstName:  "Test",
		LastName:   "User",
		IsStaff:    staff,
		IsActive:   true,
	}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("failed creating user: %v", err)
	}
	return user
}

func authHeaders(t *testing.T, user *models.User) map[string]string {
	t.Helper()

	token, err := identity.IssueDevToken(testIdentitySecret, identity.Claims{
		Subject: user.ExternalID,
		Email:   user.Email,
	}, time.Hour)
	if err != nil {
		t.Fatalf("failed minting token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func performRequest(t *testing.T, app *fiber.App, method, path string, body io.Reader, headers map[string]string) *http.Response {
	t.Helper()

	req := httptest.NewRequest(method, path, body)
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := app.Test(req, int((10 * time.Second).Milliseconds()))
	if err != nil {
		t.Fatalf("request %s %s failed: %v", method, path, err)
	}

	return resp
}

func performJSONRequest(t *testing.T, app *fiber.App, method, path string, payload any, headers map[string]string) *http.Response {
	t.Helper()

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("failed to marshal payload: %v", err)
		}
		body = bytes.NewReader(encoded)
	}

	requestHeaders := map[string]string{}
	for key, value := range headers {
		requestHeaders[key] = value
	}
	if payload != nil {
		requestHeaders["Content-Type"] = "application/json"
	}

	return performRequest(t, app, method, path, body, requestHeaders)
}

func decodeJSONMap(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed reading response body: %v", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("failed decoding JSON response: %v body=%q", err, string(raw))
	}

	return payload
}

func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected status %d, got %d body=%q", expected, resp.StatusCode, string(raw))
	}
}

func assertRedirect(t *testing.T, resp *http.Response, location string) {
	t.Helper()
	assertStatus(t, resp, fiber.StatusFound)
	if got := resp.Header.Get("Location"); got != location {
		t.Fatalf("expected redirect to %q, got %q", location, got)
	}
}

func assertEnvelopeError(t *testing.T, body map[string]any, expected string) {
	t.Helper()
	if success, _ := body["success"].(bool); success {
		t.Fatalf("expected success=false, got %+v", body)
	}
	if got, _ := body["error"].(string); got != expected {
		t.Fatalf("expected error %q, got %q", expected, got)
	}
}

// browser is a signed-in principal that carries its session cookie between
// requests.
type browser struct {
	t       *testing.T
	env     *testEnv
	user    *models.User
	headers map[string]string
	cookies map[string]string
}

func newBrowser(t *testing.T, env *testEnv, user *models.User) *browser {
	t.Helper()
	b := &browser{t: t, env: env, user: user, cookies: map[string]string{}}
	if user != nil {
		b.headers = authHeaders(t, user)
	}
	return b
}

func (b *browser) do(method, path string, payload any) *http.Response {
	b.t.Helper()

	headers := map[string]string{}
	for key, value := range b.headers {
		headers[key] = value
	}
	if len(b.cookies) > 0 {
		var jar []string
		for name, value := range b.cookies {
			jar = append(jar, (&http.Cookie{Name: name, Value: value}).String())
		}
		headers["Cookie"] = strings.Join(jar, "; ")
	}

	resp := performJSONRequest(b.t, b.env.app, method, path, payload, headers)
	for _, cookie := range resp.Cookies() {
		expired := !cookie.Expires.IsZero() && cookie.Expires.Before(time.Now())
		if cookie.Value == "" || cookie.MaxAge < 0 || expired {
			delete(b.cookies, cookie.Name)
			continue
		}
		b.cookies[cookie.Name] = cookie.Value
	}
	return resp
}

// borrowCookies returns a browser for user that presents a copy of b's
// current cookies.
func (b *browser) borrowCookies(user *models.User) *browser {
	b.t.Helper()
	other := newBrowser(b.t, b.env, user)
	for name, value := range b.cookies {
		other.cookies[name] = value
	}
	return other
}

func stepUpVerified(t *testing.T, resp *http.Response) bool {
	t.Helper()
	assertStatus(t, resp, fiber.StatusOK)
	data := decodeJSONMap(t, resp)["data"].(map[string]any)
	verified, _ := data["stepUp"].(map[string]any)["verified"].(bool)
	return verified
}

// virtualKey is a software security key.
type virtualKey struct {
	authenticator virtualwebauthn.Authenticator
	credential    virtualwebauthn.Credential
}

func newVirtualKey() *virtualKey {
	return &virtualKey{
		authenticator: virtualwebauthn.NewAuthenticator(),
		credential:    virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2),
	}
}

type ceremonyOptions struct {
	Data struct {
		Options struct {
			PublicKey json.RawMessage `json:"publicKey"`
		} `json:"options"`
		Challenge string `json:"challenge"`
	} `json:"data"`
}

func decodeCeremonyOptions(t *testing.T, resp *http.Response) ceremonyOptions {
	t.Helper()
	defer resp.Body.Close()

	var opts ceremonyOptions
	if err := json.NewDecoder(resp.Body).Decode(&opts); err != nil {
		t.Fatalf("failed decoding ceremony options: %v", err)
	}
	if opts.Data.Challenge == "" || len(opts.Data.Options.PublicKey) == 0 {
		t.Fatalf("ceremony options missing challenge or publicKey: %+v", opts)
	}
	return opts
}

// beginRegistration starts a ceremony and returns the attestation the key
// produces for it together with the issued challenge.
func (b *browser) beginRegistration(k *virtualKey) (json.RawMessage, string) {
	b.t.Helper()

	resp := b.do(http.MethodPost, "/api/webauthn/register/begin", nil)
	assertStatus(b.t, resp, fiber.StatusOK)
	opts := decodeCeremonyOptions(b.t, resp)

	parsed, err := virtualwebauthn.ParseAttestationOptions(string(opts.Data.Options.PublicKey))
	if err != nil {
		b.t.Fatalf("failed parsing attestation options: %v", err)
	}
	attestation := virtualwebauthn.CreateAttestationResponse(b.env.rp, k.authenticator, k.credential, *parsed)
	return json.RawMessage(attestation), opts.Data.Challenge
}

func (b *browser) registerKey(k *virtualKey, name string) map[string]any {
	b.t.Helper()

	attestation, challenge := b.beginRegistration(k)
	resp := b.do(http.MethodPost, "/api/webauthn/register/complete", map[string]any{
		"credential": attestation,
		"challenge":  challenge,
		"name":       name,
	})
	assertStatus(b.t, resp, fiber.StatusCreated)
	k.authenticator.AddCredential(k.credential)

	body := decodeJSONMap(b.t, resp)
	device, _ := body["data"].(map[string]any)
	return device
}

// assertion starts an authentication ceremony and signs it with k.
func (b *browser) assertion(k *virtualKey) json.RawMessage {
	b.t.Helper()

	resp := b.do(http.MethodPost, "/api/webauthn/authenticate/begin", nil)
	assertStatus(b.t, resp, fiber.StatusOK)
	opts := decodeCeremonyOptions(b.t, resp)

	parsed, err := virtualwebauthn.ParseAssertionOptions(string(opts.Data.Options.PublicKey))
	if err != nil {
		b.t.Fatalf("failed parsing assertion options: %v", err)
	}
	return json.RawMessage(virtualwebauthn.CreateAssertionResponse(b.env.rp, k.authenticator, k.credential, *parsed))
}

func (b *browser) authenticate(k *virtualKey) *http.Response {
	b.t.Helper()
	k.credential.Counter++
	return b.do(http.MethodPost, "/api/webauthn/authenticate/complete", map[string]any{
		"credential": b.assertion(k),
	})
}
