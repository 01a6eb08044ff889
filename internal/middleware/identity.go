package middleware

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/keygate/backend/internal/identity"
	"github.com/keygate/backend/internal/models"
	"github.com/keygate/backend/pkg/logger"
	"github.com/keygate/backend/pkg/utils"
)

const (
	currentUserKey = "currentUser"
	userIDKey      = "userID"

	// SessionTokenCookie is where the identity provider's frontend SDK keeps
	// the session token for same-site requests.
	SessionTokenCookie = "__session"
)

type IdentityMiddleware struct {
	Verifier  identity.Verifier
	Directory *identity.Directory
}

func NewIdentityMiddleware(verifier identity.Verifier, directory *identity.Directory) *IdentityMiddleware {
	return &IdentityMiddleware{Verifier: verifier, Directory: directory}
}

func CORS(frontendURL string) fiber.Handler {
	return cors.New(cors.Config{
		AllowOrigins:     frontendURL,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization",
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS",
		AllowCredentials: true,
	})
}

// Resolve attaches the principal named by the request's session token, if
// any. A missing or invalid token leaves the request anonymous.
func (m *IdentityMiddleware) Resolve(c *fiber.Ctx) error {
	token := sessionToken(c)
	if token == "" {
		return c.Next()
	}

	claims, err := m.Verifier.Verify(c.UserContext(), token)
	if err != nil {
		logger.Warn("identity_token_rejected", map[string]interface{}{
			"ip":    c.IP(),
			"path":  c.Path(),
			"error": err.Error(),
		})
		return c.Next()
	}

	user, err := m.Directory.Resolve(c.UserContext(), claims)
	if err != nil {
		if errors.Is(err, identity.ErrUnknownPrincipal) {
			logger.Warn("identity_principal_unknown", map[string]interface{}{
				"ip":          c.IP(),
				"path":        c.Path(),
				"external_id": claims.Subject,
			})
			return c.Next()
		}
		logger.Error("identity_resolve_failed", err, map[string]interface{}{
			"path":        c.Path(),
			"external_id": claims.Subject,
		})
		return utils.Error(c, fiber.StatusInternalServerError, "failed to resolve identity")
	}

	SetCurrentUser(c, user)
	return c.Next()
}

// RequireAuth rejects anonymous requests. It must run after Resolve.
func RequireAuth(c *fiber.Ctx) error {
	user := GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "authentication required")
	}
	if !user.IsActive {
		return utils.Error(c, fiber.StatusForbidden, "account disabled")
	}
	return c.Next()
}

func GetCurrentUser(c *fiber.Ctx) *models.User {
	value := c.Locals(currentUserKey)
	if value == nil {
		return nil
	}
	user, ok := value.(*models.User)
	if !ok {
		return nil
	}
	return user
}

// SetCurrentUser attaches a principal to the request.
func SetCurrentUser(c *fiber.Ctx, user *models.User) {
	c.Locals(currentUserKey, user)
	c.Locals(userIDKey, user.ID.String())
}

func sessionToken(c *fiber.Ctx) string {
	if header := c.Get(fiber.HeaderAuthorization); header != "" {
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer"))
		if token != header {
			return token
		}
		return ""
	}
	return c.Cookies(SessionTokenCookie)
}
