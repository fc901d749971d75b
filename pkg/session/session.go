package session

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"tenantgate/pkg/auth"
)

// Session binds a browser cookie to a user's authentication and current
// workspace state. One record per authenticated browser/device.
type Session struct {
	// ID is opaque and unguessable; never reused
	ID     string `json:"id"`
	UserID string `json:"user_id"`

	// WorkspaceID is empty until the first workspace resolution. Once set,
	// AccessToken is always scoped to exactly this workspace.
	WorkspaceID string       `json:"workspace_id,omitempty"`
	Roles       auth.RoleSet `json:"roles,omitempty"`

	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenExpiry  time.Time `json:"token_expiry"`

	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

// TokenFresh reports whether the access token is still usable at now, with
// the safety margin applied so a request never leaves with a token about to
// expire mid-flight
func (s *Session) TokenFresh(now time.Time, margin time.Duration) bool {
	return now.Add(margin).Before(s.TokenExpiry)
}

// ExpiredIdle reports whether the idle clock has run out
func (s *Session) ExpiredIdle(now time.Time, idleTimeout time.Duration) bool {
	return now.Sub(s.LastAccessedAt) > idleTimeout
}

// ExpiredAbsolute reports whether the absolute clock has run out
func (s *Session) ExpiredAbsolute(now time.Time, absoluteTimeout time.Duration) bool {
	return now.Sub(s.CreatedAt) > absoluteTimeout
}

// Touch moves LastAccessedAt forward. It never moves backward, so concurrent
// touches keep the monotonicity invariant.
func (s *Session) Touch(now time.Time) {
	if now.After(s.LastAccessedAt) {
		s.LastAccessedAt = now
	}
}

// NewID generates an opaque, unguessable session identifier
func NewID() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating session id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
