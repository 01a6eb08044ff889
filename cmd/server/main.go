package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/encryptcookie"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/session"
	"github.com/keygate/backend/internal/ceremony"
	"github.com/keygate/backend/internal/challenges"
	"github.com/keygate/backend/internal/config"
	"github.com/keygate/backend/internal/credentials"
	"github.com/keygate/backend/internal/database"
	"github.com/keygate/backend/internal/handlers"
	"github.com/keygate/backend/internal/identity"
	"github.com/keygate/backend/internal/metrics"
	"github.com/keygate/backend/internal/middleware"
	"github.com/keygate/backend/internal/services"
	"github.com/keygate/backend/internal/stepup"
	"github.com/keygate/backend/internal/storage"
	"github.com/keygate/backend/pkg/logger"
	"github.com/keygate/backend/pkg/utils"
)

const verifyPath = "/admin/webauthn-verify"

func main() {
	logger.Init()

	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.Connect(cfg.DB)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}

	sessionConfig := session.Config{
		Expiration:     cfg.Session.Expiration,
		KeyLookup:      "cookie:" + cfg.Session.CookieName,
		CookieSecure:   cfg.Session.CookieSecure,
		CookieHTTPOnly: true,
		CookieSameSite: fiber.CookieSameSiteLaxMode,
	}
	var sessionStorage *storage.RedisStorage
	if cfg.Session.RedisAddr != "" {
		client, err := storage.NewRedisClient(ctx, cfg.Session.RedisAddr, cfg.Session.RedisPassword, cfg.Session.RedisDB)
		if err != nil {
			log.Fatalf("redis initialization failed: %v", err)
		}
		sessionStorage = storage.NewRedisStorage(client)
		sessionConfig.Storage = sessionStorage
	}
	sessions := session.New(sessionConfig)

	cookieKey, err := utils.CookieEncryptionKey(cfg.Session.Secret)
	if err != nil {
		log.Fatalf("session secret: %v", err)
	}

	discoveryCtx, discoveryCancel := context.WithTimeout(ctx, 15*time.Second)
	verifier, err := identity.NewVerifier(discoveryCtx, cfg.Identity.Mode, cfg.Identity.Issuer, cfg.Identity.AuthorizedParties, cfg.Identity.HMACSecret)
	discoveryCancel()
	if err != nil {
		log.Fatalf("identity verifier initialization failed: %v", err)
	}
	directory := identity.NewDirectory(db, cfg.Identity.StaffEmails)

	var uploader services.Uploader
	if cfg.MinIO.Enabled {
		storageClient, err := storage.NewMinIOClient(cfg.MinIO)
		if err != nil {
			log.Fatalf("minio initialization failed: %v", err)
		}
		if err := storageClient.EnsureBucket(ctx); err != nil {
			log.Fatalf("failed ensuring minio bucket: %v", err)
		}
		uploader = storageClient
	}

	m := metrics.New()
	auditService := services.NewAuditService(db, uploader)
	auditService.StartExporter(ctx, cfg.Audit.ExportInterval)

	challengeStore := challenges.NewStore(db, challenges.WithTTL(cfg.StepUp.ChallengeTTL))
	credentialStore := credentials.NewStore(db)
	gate := stepup.NewGate(cfg.StepUp.TrustTTL)

	engine, err := ceremony.New(ceremony.Config{
		RPID:          cfg.WebAuthn.RPID,
		RPDisplayName: cfg.WebAuthn.RPDisplayName,
		RPOrigins:     cfg.WebAuthn.RPOrigins,
		LandingURL:    cfg.StepUp.LandingURL,
	}, challengeStore, credentialStore, gate)
	if err != nil {
		log.Fatalf("webauthn initialization failed: %v", err)
	}

	services.NewChallengeSweeper(challengeStore, m).Start(ctx, cfg.StepUp.SweepInterval)

	identityMiddleware := middleware.NewIdentityMiddleware(verifier, directory)
	ceremonyLimiter := middleware.NewRateLimiter(cfg.RateLimit.CeremonyPerMinute, cfg.RateLimit.Burst)

	webAuthnHandler := handlers.NewWebAuthnHandler(engine, credentialStore, sessions, auditService, m)
	authHandler := handlers.NewAuthHandler(gate, sessions, credentialStore)
	webhookHandler := handlers.NewWebhookHandler(directory, auditService, cfg.Identity.WebhookSecret)
	adminHandler := handlers.NewAdminHandler(gate, sessions, credentialStore, auditService, handlers.AdminConfig{
		SignInURL:       cfg.StepUp.SignInURL,
		RegistrationURL: cfg.StepUp.RegistrationURL,
		LandingURL:      cfg.StepUp.LandingURL,
	})

	app := fiber.New(fiber.Config{BodyLimit: cfg.Server.BodyLimit})
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(middleware.CORS(cfg.Server.FrontendURL))
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
	app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))

	api := app.Group("/api")

	authRoutes := api.Group("/auth")
	authRoutes.Get("/me", middleware.RequireAuth, authHandler.Me)
	authRoutes.Post("/clerk/webhook", webhookHandler.Receive)

	webAuthnRoutes := api.Group("/webauthn", ceremonyLimiter.Handler(), middleware.RequireAuth)
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
		SignInURL:  cfg.StepUp.SignInURL,
		PublicURL:  cfg.Server.PublicURL,
		VerifyPath: verifyPath,
		Skip:       middleware.SkipPaths(verifyPath, "/admin/logout"),
		Metrics:    m,
	}))
	adminRoutes.Get("/", adminHandler.Landing)
	adminRoutes.Get("/webauthn-verify", adminHandler.VerifyEntry)
	adminRoutes.Post("/logout", adminHandler.Logout)

	listenAddr := fmt.Sprintf(":%s", cfg.Server.Port)

	logger.Info("server_starting", map[string]interface{}{
		"port":          cfg.Server.Port,
		"address":       listenAddr,
		"rp_id":         cfg.WebAuthn.RPID,
		"identity_mode": cfg.Identity.Mode,
		"redis":         sessionStorage != nil,
		"audit_export":  uploader != nil,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(listenAddr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Printf("shutting down server due to signal: %s", sig)
		shutdownDone := make(chan struct{})
		go func() {
			_ = app.Shutdown()
			close(shutdownDone)
		}()
		select {
		case <-shutdownDone:
		case <-time.After(10 * time.Second):
			log.Print("forced shutdown timeout reached")
		}
	case err := <-errCh:
		if err != nil {
			log.Printf("server error: %v", err)
		}
	}

	cancel()
	auditService.Close()
	if sessionStorage != nil {
		_ = sessionStorage.Close()
	}
}
