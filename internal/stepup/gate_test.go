package stepup

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memorySession map[string]interface{}

func (m memorySession) Get(key string) interface{}      { return m[key] }
func (m memorySession) Set(key string, val interface{}) { m[key] = val }
func (m memorySession) Delete(key string)               { delete(m, key) }

// rotatingSession records identifier rotations the way Fiber's session does:
// the data survives, only the identifier changes.
type rotatingSession struct {
	memorySession
	id          int
	err         error
	trustedAtID int
}

func (r *rotatingSession) Regenerate() error {
	if r.err != nil {
		return r.err
	}
	r.id++
	return nil
}

func (r *rotatingSession) Set(key string, val interface{}) {
	if key == keyVerified {
		r.trustedAtID = r.id
	}
	r.memorySession.Set(key, val)
}

var (
	alice = uuid.MustParse("6a1f7c52-3a0e-4f1b-9a57-2f4d8a0c1e01")
	bob   = uuid.MustParse("0b9e4d2a-5c13-4e8f-8d61-7a3c2b1f9e02")
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newGate() (*Gate, *clock) {
	c := &clock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	return NewGate(30*time.Minute, WithClock(c.Now)), c
}

func TestNewGate_DefaultTTL(t *testing.T) {
	assert.Equal(t, DefaultTTL, NewGate(0).TTL())
}

func TestIsTrusted_FreshSession(t *testing.T) {
	gate, _ := newGate()
	assert.False(t, gate.IsTrusted(memorySession{}, alice))
}

func TestIsTrusted_Window(t *testing.T) {
	tests := []struct {
		name    string
		elapsed time.Duration
		want    bool
	}{
		{"immediately", 0, true},
		{"29 minutes", 29 * time.Minute, true},
		{"one nanosecond before boundary", 30*time.Minute - time.Nanosecond, true},
		{"exactly at boundary", 30 * time.Minute, false},
		{"31 minutes", 31 * time.Minute, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate, c := newGate()
			sess := memorySession{}

			require.NoError(t, gate.MarkTrusted(sess, alice))
			c.now = c.now.Add(tt.elapsed)

			assert.Equal(t, tt.want, gate.IsTrusted(sess, alice))
		})
	}
}

func TestIsTrusted_ClearsExpiredState(t *testing.T) {
	gate, c := newGate()
	sess := memorySession{}

	require.NoError(t, gate.MarkTrusted(sess, alice))
	c.now = c.now.Add(31 * time.Minute)

	require.False(t, gate.IsTrusted(sess, alice))
	assert.NotContains(t, sess, keyVerified)
	assert.NotContains(t, sess, keyVerifiedAt)

	c.now = c.now.Add(-10 * time.Minute)
	assert.False(t, gate.IsTrusted(sess, alice), "cleared trust must not come back")
}

func TestIsTrusted_MalformedTimestamp(t *testing.T) {
	gate, _ := newGate()
	sess := memorySession{keyVerified: true, keyVerifiedAt: "yesterday", keyVerifiedFor: alice.String()}

	assert.False(t, gate.IsTrusted(sess, alice))
	assert.NotContains(t, sess, keyVerified)
}

func TestIsTrusted_BoundToPrincipal(t *testing.T) {
	gate, _ := newGate()
	sess := memorySession{}

	require.NoError(t, gate.MarkTrusted(sess, alice))
	require.True(t, gate.IsTrusted(sess, alice))

	trusted, changed := gate.Evaluate(sess, bob)
	assert.False(t, trusted)
	assert.True(t, changed)
	assert.NotContains(t, sess, keyVerified)
	assert.NotContains(t, sess, keyVerifiedFor)

	assert.False(t, gate.IsTrusted(sess, alice), "another principal's visit drops the trust")
}

func TestIsTrusted_MissingPrincipal(t *testing.T) {
	gate, c := newGate()
	sess := memorySession{keyVerified: true, keyVerifiedAt: c.now.UnixNano()}

	assert.False(t, gate.IsTrusted(sess, alice))
	assert.NotContains(t, sess, keyVerified)
}

func TestEvaluate_ReportsChanges(t *testing.T) {
	gate, c := newGate()

	trusted, changed := gate.Evaluate(memorySession{}, alice)
	assert.False(t, trusted)
	assert.False(t, changed, "a session without trust is left untouched")

	sess := memorySession{}
	require.NoError(t, gate.MarkTrusted(sess, alice))
	trusted, changed = gate.Evaluate(sess, alice)
	assert.True(t, trusted)
	assert.False(t, changed)

	c.now = c.now.Add(time.Hour)
	trusted, changed = gate.Evaluate(sess, alice)
	assert.False(t, trusted)
	assert.True(t, changed)
}

func TestMarkTrusted_RotatesSession(t *testing.T) {
	gate, _ := newGate()
	sess := &rotatingSession{memorySession: memorySession{}}

	gate.CaptureIntendedRoute(sess, "/admin/users")
	require.NoError(t, gate.MarkTrusted(sess, alice))

	assert.Equal(t, 1, sess.id)
	assert.Equal(t, 1, sess.trustedAtID, "trust must only be written under the new identifier")
	assert.True(t, gate.IsTrusted(sess, alice))

	route, ok := gate.PopIntendedRoute(sess)
	require.True(t, ok)
	assert.Equal(t, "/admin/users", route)
}

func TestMarkTrusted_RotationFailure(t *testing.T) {
	gate, _ := newGate()
	sess := &rotatingSession{memorySession: memorySession{}, err: errors.New("storage unavailable")}

	require.Error(t, gate.MarkTrusted(sess, alice))
	assert.False(t, gate.IsTrusted(sess, alice))
}

func TestMarkTrusted_RefreshesWindow(t *testing.T) {
	gate, c := newGate()
	sess := memorySession{}

	require.NoError(t, gate.MarkTrusted(sess, alice))
	c.now = c.now.Add(25 * time.Minute)
	require.NoError(t, gate.MarkTrusted(sess, alice))
	c.now = c.now.Add(25 * time.Minute)

	assert.True(t, gate.IsTrusted(sess, alice))

	expiresAt, ok := gate.ExpiresAt(sess)
	require.True(t, ok)
	assert.True(t, expiresAt.Equal(c.now.Add(5*time.Minute)))
}

func TestClear(t *testing.T) {
	gate, _ := newGate()
	sess := memorySession{}

	require.NoError(t, gate.MarkTrusted(sess, alice))
	gate.CaptureIntendedRoute(sess, "/admin/users")
	gate.Clear(sess)

	assert.False(t, gate.IsTrusted(sess, alice))
	_, ok := gate.VerifiedAt(sess)
	assert.False(t, ok)

	route, ok := gate.PopIntendedRoute(sess)
	assert.True(t, ok)
	assert.Equal(t, "/admin/users", route)
}

func TestIntendedRoute_PoppedOnce(t *testing.T) {
	gate, _ := newGate()
	sess := memorySession{}

	gate.CaptureIntendedRoute(sess, "/admin/audit?page=2")

	route, ok := gate.PopIntendedRoute(sess)
	require.True(t, ok)
	assert.Equal(t, "/admin/audit?page=2", route)

	_, ok = gate.PopIntendedRoute(sess)
	assert.False(t, ok)
}

func TestIntendedRoute_LatestCaptureWins(t *testing.T) {
	gate, _ := newGate()
	sess := memorySession{}

	gate.CaptureIntendedRoute(sess, "/admin/a")
	gate.CaptureIntendedRoute(sess, "/admin/b")

	route, _ := gate.PopIntendedRoute(sess)
	assert.Equal(t, "/admin/b", route)
}

func TestIntendedRoute_RejectsOffsiteTargets(t *testing.T) {
	gate, _ := newGate()

	for _, target := range []string{"https://evil.example.com/admin", "//evil.example.com", "/\\evil.example.com", "admin/relative", ""} {
		sess := memorySession{}
		gate.CaptureIntendedRoute(sess, target)
		_, ok := gate.PopIntendedRoute(sess)
		assert.False(t, ok, "target %q must not be captured", target)
	}
}
