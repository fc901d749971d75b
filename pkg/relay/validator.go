package relay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"tenantgate/pkg/auth"
	"tenantgate/pkg/observability"
)

// Validator checks workspace-scoped bearer tokens against the cached
// signing keys
type Validator struct {
	issuer   string
	audience string
	keys     *KeyCache
	parser   *jwt.Parser

	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewValidator builds a token validator. audience may be empty to skip the
// audience check. logger and metrics may be nil.
func NewValidator(issuer, audience string, keys *KeyCache, logger *observability.Logger, metrics *observability.Metrics) *Validator {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, os.Stdout)
	}
	return &Validator{
		issuer:   issuer,
		audience: audience,
		keys:     keys,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}),
			// Claim checks run manually in a fixed order below
			jwt.WithoutClaimsValidation(),
		),
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

var errUnknownKeyID = errors.New("unknown signing key id")

func (v *Validator) keyfunc(token *jwt.Token) (interface{}, error) {
	kid, ok := token.Header["kid"].(string)
	if !ok || kid == "" {
		return nil, fmt.Errorf("token header missing kid")
	}
	raw, found := v.keys.Lookup(kid)
	if !found {
		return nil, fmt.Errorf("%w: %s", errUnknownKeyID, kid)
	}
	return raw, nil
}

// Validate runs the checks in order and stops at the first failure: structure,
// signature, issuer, expiry, audience. A signature failure gets exactly one
// retry after a forced key refresh, covering rotation that outran the
// scheduled refetch.
func (v *Validator) Validate(ctx context.Context, bearerToken string) auth.ValidationResult {
	result := v.validate(ctx, bearerToken)
	if v.metrics != nil {
		v.metrics.RelayValidationsTotal.WithLabelValues(string(result.Status)).Inc()
	}
	return result
}

func (v *Validator) validate(ctx context.Context, bearerToken string) auth.ValidationResult {
	token, err := v.parser.Parse(bearerToken, v.keyfunc)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenMalformed):
			return auth.ValidationResult{Status: auth.StatusMalformed}
		case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, errUnknownKeyID):
			if !v.keys.ForceRefresh(ctx) {
				return auth.ValidationResult{Status: auth.StatusInvalidSignature}
			}
			token, err = v.parser.Parse(bearerToken, v.keyfunc)
			if err != nil {
				return auth.ValidationResult{Status: auth.StatusInvalidSignature}
			}
		default:
			return auth.ValidationResult{Status: auth.StatusInvalidSignature}
		}
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return auth.ValidationResult{Status: auth.StatusMalformed}
	}

	issuer, err := claims.GetIssuer()
	if err != nil || issuer != v.issuer {
		return auth.ValidationResult{Status: auth.StatusInvalidSignature}
	}

	expiresAt, err := claims.GetExpirationTime()
	if err != nil || expiresAt == nil {
		return auth.ValidationResult{Status: auth.StatusMalformed}
	}
	if !v.now().Before(expiresAt.Time) {
		return auth.ValidationResult{Status: auth.StatusExpired}
	}

	audiences, _ := claims.GetAudience()
	if v.audience != "" {
		found := false
		for _, aud := range audiences {
			if aud == v.audience {
				found = true
				break
			}
		}
		if !found {
			return auth.ValidationResult{Status: auth.StatusInvalidSignature}
		}
	}

	return auth.ValidationResult{
		Status: auth.StatusValid,
		Claims: extractClaims(claims, issuer, audiences, expiresAt.Time),
	}
}

func extractClaims(claims jwt.MapClaims, issuer string, audiences []string, expiresAt time.Time) *auth.WorkspaceClaims {
	out := &auth.WorkspaceClaims{
		Issuer:    issuer,
		Audience:  audiences,
		ExpiresAt: expiresAt,
	}
	if sub, err := claims.GetSubject(); err == nil {
		out.Subject = sub
	}
	if ws, ok := claims["workspace_id"].(string); ok {
		out.WorkspaceID = ws
	}
	if rawRoles, ok := claims["roles"].([]interface{}); ok {
		for _, r := range rawRoles {
			if s, ok := r.(string); ok {
				out.Roles = append(out.Roles, auth.Role(s))
			}
		}
	}
	return out
}
