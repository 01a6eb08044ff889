// Package stepup holds the session-scoped trust flag that records a recent
// hardware-key verification.
package stepup

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const DefaultTTL = 30 * time.Minute

const (
	keyVerified    = "webauthn_verified"
	keyVerifiedAt  = "webauthn_verified_at"
	keyVerifiedFor = "webauthn_verified_user"
	keyRedirectURL = "admin_redirect_url"
)

// Session is the per-session key-value storage the gate works on. Fiber's
// *session.Session satisfies it.
type Session interface {
	Get(key string) interface{}
	Set(key string, val interface{})
	Delete(key string)
}

// Rotator is implemented by sessions that can move their data to a new
// identifier. Fiber's *session.Session satisfies it.
type Rotator interface {
	Regenerate() error
}

type Gate struct {
	ttl time.Duration
	now func() time.Time
}

type Option func(*Gate)

func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

func NewGate(ttl time.Duration, opts ...Option) *Gate {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	g := &Gate{ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gate) TTL() time.Duration {
	return g.ttl
}

// IsTrusted reports whether principal verified a hardware key in this session
// within the TTL. Validity is exclusive at the boundary.
func (g *Gate) IsTrusted(sess Session, principal uuid.UUID) bool {
	trusted, _ := g.Evaluate(sess, principal)
	return trusted
}

// Evaluate is IsTrusted that also reports whether sess was modified. Trust
// held by another principal or past its window is cleared so later checks
// short-circuit. Callers persist the session when changed is true.
func (g *Gate) Evaluate(sess Session, principal uuid.UUID) (trusted, changed bool) {
	verified, _ := sess.Get(keyVerified).(bool)
	if !verified {
		return false, false
	}

	owner, _ := sess.Get(keyVerifiedFor).(string)
	verifiedAt, ok := g.VerifiedAt(sess)
	if owner == "" || owner != principal.String() || !ok || g.now().Sub(verifiedAt) >= g.ttl {
		g.Clear(sess)
		return false, true
	}
	return true, false
}

// MarkTrusted records that principal just verified. Sessions that implement
// Rotator get a new identifier first, so an identifier known before the
// ceremony never carries trust.
func (g *Gate) MarkTrusted(sess Session, principal uuid.UUID) error {
	if r, ok := sess.(Rotator); ok {
		if err := r.Regenerate(); err != nil {
			return fmt.Errorf("failed to rotate session: %w", err)
		}
	}
	sess.Set(keyVerified, true)
	sess.Set(keyVerifiedAt, g.now().UnixNano())
	sess.Set(keyVerifiedFor, principal.String())
	return nil
}

// Clear removes the trust fields. The intended route is left alone.
func (g *Gate) Clear(sess Session) {
	sess.Delete(keyVerified)
	sess.Delete(keyVerifiedAt)
	sess.Delete(keyVerifiedFor)
}

// VerifiedAt returns when the session last verified, if it has.
func (g *Gate) VerifiedAt(sess Session) (time.Time, bool) {
	switch v := sess.Get(keyVerifiedAt).(type) {
	case int64:
		return time.Unix(0, v), true
	case time.Time:
		return v, true
	default:
		return time.Time{}, false
	}
}

// ExpiresAt returns when current trust lapses.
func (g *Gate) ExpiresAt(sess Session) (time.Time, bool) {
	verifiedAt, ok := g.VerifiedAt(sess)
	if !ok {
		return time.Time{}, false
	}
	return verifiedAt.Add(g.ttl), true
}

// CaptureIntendedRoute stores a same-origin path to return to after the
// ceremony. Absolute or scheme-relative URLs are ignored.
func (g *Gate) CaptureIntendedRoute(sess Session, path string) {
	if !isLocalPath(path) {
		return
	}
	sess.Set(keyRedirectURL, path)
}

// PopIntendedRoute returns the captured route and forgets it.
func (g *Gate) PopIntendedRoute(sess Session) (string, bool) {
	path, _ := sess.Get(keyRedirectURL).(string)
	sess.Delete(keyRedirectURL)
	if path == "" {
		return "", false
	}
	return path, true
}

func isLocalPath(path string) bool {
	return strings.HasPrefix(path, "/") &&
		!strings.HasPrefix(path, "//") &&
		!strings.HasPrefix(path, "/\\")
}
