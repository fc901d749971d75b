package auth

import "time"

// Role represents a workspace-level role carried in scoped token claims
type Role string

const (
	RoleOwner  Role = "owner"  // Full control of the workspace
	RoleAdmin  Role = "admin"  // Manage members and settings
	RoleMember Role = "member" // Read/write tenant data
	RoleViewer Role = "viewer" // Read-only access
)

// RoleSet is the set of roles a user holds in one workspace
type RoleSet []Role

// Has reports whether the set contains the given role
func (rs RoleSet) Has(role Role) bool {
	for _, r := range rs {
		if r == role {
			return true
		}
	}
	return false
}

// Strings returns the roles as plain strings for claim encoding
func (rs RoleSet) Strings() []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = string(r)
	}
	return out
}

// Workspace is one tenant boundary a user belongs to
type Workspace struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Roles RoleSet `json:"roles"`
}

// UserContext is a user's membership snapshot reported by the workspace
// service. Read-only; never persisted independently of a session.
type UserContext struct {
	LastWorkspaceID string      `json:"last_workspace_id"`
	Workspaces      []Workspace `json:"workspaces"`
}

// WorkspaceOf returns the workspace with the given ID, if the user is a member
func (uc *UserContext) WorkspaceOf(workspaceID string) (Workspace, bool) {
	for _, ws := range uc.Workspaces {
		if ws.ID == workspaceID {
			return ws, true
		}
	}
	return Workspace{}, false
}

// ProviderTokens is the bundle returned by the identity provider's token
// endpoint for a code exchange or a refresh-token grant. Subject is taken
// from the verified ID token when the grant carries one.
type ProviderTokens struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	IDToken      string    `json:"id_token,omitempty"`
	Subject      string    `json:"subject,omitempty"`
	Expiry       time.Time `json:"expiry"`
}

// ScopedToken is a workspace-scoped access token minted via token exchange.
// The core treats the token string as opaque beyond its expiry.
type ScopedToken struct {
	Token  string    `json:"token"`
	Expiry time.Time `json:"expiry"`
}

// WorkspaceClaims are the claims downstream services read from a validated
// scoped token
type WorkspaceClaims struct {
	Subject     string    `json:"sub"`
	WorkspaceID string    `json:"workspace_id"`
	Roles       RoleSet   `json:"roles"`
	Audience    []string  `json:"aud"`
	Issuer      string    `json:"iss"`
	ExpiresAt   time.Time `json:"exp"`
}

// ValidationStatus is the outcome kind of a relay token validation
type ValidationStatus string

const (
	StatusValid            ValidationStatus = "valid"
	StatusInvalidSignature ValidationStatus = "invalid-signature"
	StatusExpired          ValidationStatus = "expired"
	StatusMalformed        ValidationStatus = "malformed"
)

// ValidationResult is produced per request by the authorization relay.
// Transient: never persisted or cached.
type ValidationResult struct {
	Status ValidationStatus
	Claims *WorkspaceClaims // non-nil only when Status == StatusValid
}

// Valid reports whether the token passed every check
func (r ValidationResult) Valid() bool {
	return r.Status == StatusValid
}
