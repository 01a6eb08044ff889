package middleware

import (
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/session"
	"github.com/keygate/backend/internal/metrics"
	"github.com/keygate/backend/internal/stepup"
	"github.com/keygate/backend/pkg/logger"
	"github.com/keygate/backend/pkg/utils"
)

type GuardConfig struct {
	Gate     *stepup.Gate
	Sessions *session.Store
	// SignInURL is where anonymous visitors are sent. The original URL is
	// passed along as redirect_url, rooted at PublicURL.
	SignInURL string
	// PublicURL is the externally visible origin of this service. The
	// request's Host header is never used to build redirects.
	PublicURL string
	// VerifyPath is the ceremony entry point.
	VerifyPath string
	// Skip lets paths such as the ceremony entry and logout bypass the
	// trust check. Identity and staff checks still apply.
	Skip    func(c *fiber.Ctx) bool
	Metrics *metrics.Metrics
}

// StepUpGuard admits staff principals whose session verified a hardware key
// within the gate's TTL. Anyone else is sent to sign in, refused, or routed
// through the ceremony with the requested URL remembered.
func StepUpGuard(cfg GuardConfig) fiber.Handler {
	return func(c *fiber.Ctx) error {
		user := GetCurrentUser(c)
		if user == nil {
			cfg.Metrics.GuardDecision(metrics.DecisionSignIn)
			return c.Redirect(signInTarget(cfg, c.OriginalURL()), fiber.StatusFound)
		}

		if !user.CanAccessAdmin() {
			cfg.Metrics.GuardDecision(metrics.DecisionForbidden)
			logger.WarnWithUser(user.ID.String(), "admin_access_denied", map[string]interface{}{
				"path":      c.Path(),
				"is_staff":  user.IsStaff,
				"is_active": user.IsActive,
			})
			return utils.Error(c, fiber.StatusForbidden, "staff access required")
		}

		if cfg.Skip != nil && cfg.Skip(c) {
			return c.Next()
		}

		sess, err := cfg.Sessions.Get(c)
		if err != nil {
			logger.ErrorWithUser(user.ID.String(), "session_load_failed", err, map[string]interface{}{
				"path": c.Path(),
			})
			return utils.Error(c, fiber.StatusInternalServerError, "failed to load session")
		}

		if cfg.Gate.IsTrusted(sess, user.ID) {
			cfg.Metrics.GuardDecision(metrics.DecisionAllow)
			return c.Next()
		}

		cfg.Gate.CaptureIntendedRoute(sess, c.OriginalURL())
		if err := sess.Save(); err != nil {
			logger.ErrorWithUser(user.ID.String(), "session_save_failed", err, map[string]interface{}{
				"path": c.Path(),
			})
			return utils.Error(c, fiber.StatusInternalServerError, "failed to save session")
		}

		cfg.Metrics.GuardDecision(metrics.DecisionStepUp)
		logger.InfoWithUser(user.ID.String(), "stepup_required", map[string]interface{}{
			"path": c.Path(),
		})
		return c.Redirect(cfg.VerifyPath, fiber.StatusFound)
	}
}

func signInTarget(cfg GuardConfig, originalURL string) string {
	back := strings.TrimRight(cfg.PublicURL, "/") + originalURL
	return cfg.SignInURL + "?redirect_url=" + url.QueryEscape(back)
}

// SkipPaths matches requests whose path is one of paths.
func SkipPaths(paths ...string) func(c *fiber.Ctx) bool {
	set := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		set[p] = struct{}{}
	}
	return func(c *fiber.Ctx) bool {
		_, ok := set[c.Path()]
		return ok
	}
}
