package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"

	"tenantgate/pkg/auth"
	"tenantgate/pkg/observability"
)

// Options holds the membership service settings
type Options struct {
	BaseURL        string
	RequestTimeout time.Duration
	MaxRetries     int
}

// Resolver fetches membership snapshots over HTTP
type Resolver struct {
	opts       Options
	httpClient *http.Client
	logger     *observability.Logger
}

// NewResolver builds a membership resolver. logger may be nil.
func NewResolver(opts Options, logger *observability.Logger) *Resolver {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, os.Stdout)
	}
	return &Resolver{
		opts:       opts,
		httpClient: &http.Client{Timeout: opts.RequestTimeout},
		logger:     logger,
	}
}

// userContextResponse is the membership service's wire format
type userContextResponse struct {
	LastWorkspaceID string `json:"last_workspace_id"`
	Workspaces      []struct {
		ID    string   `json:"id"`
		Name  string   `json:"name"`
		Roles []string `json:"roles"`
	} `json:"workspaces"`
}

// GetUserContext fetches the caller's workspace memberships, authenticated
// with the user's own access token so the service can apply its own
// authorization
func (r *Resolver) GetUserContext(ctx context.Context, userID, accessToken string) (*auth.UserContext, error) {
	const op = "workspace.get_user_context"

	endpoint := fmt.Sprintf("%s/v1/users/%s/workspaces", r.opts.BaseURL, url.PathEscape(userID))

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 100 * time.Millisecond

	attempt := func() (*auth.UserContext, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, r.opts.RequestTimeout)
		defer cancel()

		uc, err := r.fetch(attemptCtx, op, endpoint, accessToken)
		if err != nil && !auth.IsTransient(err) {
			return nil, backoff.Permanent(err)
		}
		if err != nil {
			r.logger.WithError(err).WithField("user_id", userID).Warn("transient membership lookup failure")
		}
		return uc, err
	}

	return backoff.Retry(ctx, attempt,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(uint(r.opts.MaxRetries)),
	)
}

func (r *Resolver) fetch(ctx context.Context, op, endpoint, accessToken string) (*auth.UserContext, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, auth.E(auth.KindInternal, op, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, auth.E(auth.KindUpstreamUnavailable, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, auth.E(auth.KindUpstreamUnavailable, op, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		var wire userContextResponse
		if err := json.Unmarshal(body, &wire); err != nil {
			return nil, auth.E(auth.KindUpstreamUnavailable, op, fmt.Errorf("malformed membership response: %w", err))
		}
		uc := &auth.UserContext{LastWorkspaceID: wire.LastWorkspaceID}
		for _, ws := range wire.Workspaces {
			roles := make(auth.RoleSet, len(ws.Roles))
			for i, role := range ws.Roles {
				roles[i] = auth.Role(role)
			}
			uc.Workspaces = append(uc.Workspaces, auth.Workspace{
				ID:    ws.ID,
				Name:  ws.Name,
				Roles: roles,
			})
		}
		return uc, nil

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, auth.Errorf(auth.KindUnauthorized, op, "membership service rejected token: status %d", resp.StatusCode)

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, auth.Errorf(auth.KindInternal, op, "membership service returned status %d", resp.StatusCode)

	default:
		return nil, auth.Errorf(auth.KindUpstreamUnavailable, op, "membership service returned status %d", resp.StatusCode)
	}
}
