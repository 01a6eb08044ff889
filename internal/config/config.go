package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DB        DBConfig
	MinIO     MinIOConfig
	Server    ServerConfig
	WebAuthn  WebAuthnConfig
	StepUp    StepUpConfig
	Identity  IdentityConfig
	Session   SessionConfig
	Audit     AuditConfig
	RateLimit RateLimitConfig
}

type DBConfig struct {
	Driver   string
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
	// Path is the sqlite file used when Driver is "sqlite".
	Path string
}

type MinIOConfig struct {
	Enabled   bool
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type ServerConfig struct {
	Port        string
	FrontendURL string
	// PublicURL is the origin this service is reached at. Sign-in redirects
	// send visitors back here.
	PublicURL string
	BodyLimit int
}

type WebAuthnConfig struct {
	RPID          string
	RPDisplayName string
	RPOrigins     []string
}

type StepUpConfig struct {
	TrustTTL        time.Duration
	ChallengeTTL    time.Duration
	SweepInterval   time.Duration
	SignInURL       string
	RegistrationURL string
	LandingURL      string
}

type IdentityConfig struct {
	// Mode selects the token verifier: "oidc" for the hosted provider,
	// "hmac" for locally minted development tokens.
	Mode              string
	Issuer            string
	AuthorizedParties []string
	HMACSecret        string
	WebhookSecret     string
	StaffEmails       []string
}

type SessionConfig struct {
	Secret        string
	CookieName    string
	CookieSecure  bool
	Expiration    time.Duration
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

type AuditConfig struct {
	ExportInterval time.Duration
}

type RateLimitConfig struct {
	CeremonyPerMinute int
	Burst             int
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first and never overrides variables already set.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		DB: DBConfig{
			Driver:   getEnv("DB_DRIVER", "postgres"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "keygate"),
			Password: getEnv("DB_PASSWORD", "keygate_secret"),
			Name:     getEnv("DB_NAME", "keygate"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			Path:     getEnv("DB_PATH", "keygate.db"),
		},
		MinIO: MinIOConfig{
			Enabled:   getEnvAsBool("MINIO_ENABLED", false),
			Endpoint:  getEnv("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: getEnv("MINIO_ACCESS_KEY", "keygate"),
			SecretKey: getEnv("MINIO_SECRET_KEY", "keygate_secret"),
			Bucket:    getEnv("MINIO_BUCKET", "keygate-audit"),
			UseSSL:    getEnvAsBool("MINIO_USE_SSL", false),
		},
		Server: ServerConfig{
			Port:        getEnv("SERVER_PORT", "8080"),
			FrontendURL: getEnv("FRONTEND_URL", "http://localhost:3000"),
			PublicURL:   getEnv("PUBLIC_URL", "http://localhost:8080"),
			BodyLimit:   getEnvAsInt("SERVER_BODY_LIMIT", 1024*1024),
		},
		WebAuthn: WebAuthnConfig{
			RPID:          getEnv("WEBAUTHN_RP_ID", "localhost"),
			RPDisplayName: getEnv("WEBAUTHN_RP_NAME", "Keygate Admin"),
			RPOrigins:     getEnvAsList("WEBAUTHN_ORIGINS", []string{"http://localhost:3000"}),
		},
		StepUp: StepUpConfig{
			TrustTTL:        getEnvAsDuration("STEPUP_TRUST_TTL", 30*time.Minute),
			ChallengeTTL:    getEnvAsDuration("STEPUP_CHALLENGE_TTL", 5*time.Minute),
			SweepInterval:   getEnvAsDuration("STEPUP_SWEEP_INTERVAL", 10*time.Minute),
			SignInURL:       getEnv("STEPUP_SIGN_IN_URL", "/sign-in"),
			RegistrationURL: getEnv("STEPUP_REGISTRATION_URL", "/security"),
			LandingURL:      getEnv("STEPUP_LANDING_URL", "/admin/"),
		},
		Identity: IdentityConfig{
			Mode:              getEnv("IDENTITY_MODE", "oidc"),
			Issuer:            getEnv("CLERK_ISSUER", ""),
			AuthorizedParties: getEnvAsList("CLERK_AUTHORIZED_PARTIES", nil),
			HMACSecret:        getEnv("IDENTITY_HMAC_SECRET", "change-me-in-production"),
			WebhookSecret:     getEnv("CLERK_WEBHOOK_SECRET", ""),
			StaffEmails:       getEnvAsList("STAFF_EMAILS", nil),
		},
		Session: SessionConfig{
			Secret:        getEnv("SESSION_SECRET", "change-me-in-production"),
			CookieName:    getEnv("SESSION_COOKIE_NAME", "keygate_session"),
			CookieSecure:  getEnvAsBool("SESSION_COOKIE_SECURE", false),
			Expiration:    getEnvAsDuration("SESSION_EXPIRATION", 12*time.Hour),
			RedisAddr:     getEnv("REDIS_ADDR", ""),
			RedisPassword: getEnv("REDIS_PASSWORD", ""),
			RedisDB:       getEnvAsInt("REDIS_DB", 0),
		},
		Audit: AuditConfig{
			ExportInterval: getEnvAsDuration("AUDIT_EXPORT_INTERVAL", 1*time.Hour),
		},
		RateLimit: RateLimitConfig{
			CeremonyPerMinute: getEnvAsInt("RATE_LIMIT_CEREMONY_PER_MINUTE", 30),
			Burst:             getEnvAsInt("RATE_LIMIT_BURST", 10),
		},
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var items []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}
