package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"tenantgate/pkg/auth"
	"tenantgate/pkg/observability"
)

// tokenExchangeGrant is the RFC 8693 grant type for minting scoped tokens
const tokenExchangeGrant = "urn:ietf:params:oauth:grant-type:token-exchange"

const accessTokenType = "urn:ietf:params:oauth:token-type:access_token"

// Options holds identity provider client settings
type Options struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	// TokenAudience is requested for workspace-scoped tokens
	TokenAudience string
	// RequestTimeout bounds every token endpoint round trip
	RequestTimeout time.Duration
	// MaxRetries bounds attempts for transient failures (includes the
	// first attempt)
	MaxRetries int
}

// Client talks to the identity provider's token endpoint
type Client struct {
	opts         Options
	oauth2Config *oauth2.Config
	verifier     *oidc.IDTokenVerifier
	tokenURL     string
	jwksURL      string
	httpClient   *http.Client

	logger  *observability.Logger
	metrics *observability.Metrics
}

// New discovers the provider's endpoints and builds the client. logger and
// metrics may be nil.
func New(ctx context.Context, opts Options, logger *observability.Logger, metrics *observability.Metrics) (*Client, error) {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, os.Stdout)
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}

	httpClient := &http.Client{Timeout: opts.RequestTimeout}

	discovered, err := oidc.NewProvider(oidc.ClientContext(ctx, httpClient), opts.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}

	verifier := discovered.Verifier(&oidc.Config{ClientID: opts.ClientID})

	var discoveryClaims struct {
		JWKSURL string `json:"jwks_uri"`
	}
	if err := discovered.Claims(&discoveryClaims); err != nil {
		return nil, fmt.Errorf("failed to read discovery document: %w", err)
	}

	oauth2Config := &oauth2.Config{
		ClientID:     opts.ClientID,
		ClientSecret: opts.ClientSecret,
		Endpoint:     discovered.Endpoint(),
		RedirectURL:  opts.RedirectURL,
		Scopes:       opts.Scopes,
	}

	return &Client{
		opts:         opts,
		oauth2Config: oauth2Config,
		verifier:     verifier,
		tokenURL:     discovered.Endpoint().TokenURL,
		jwksURL:      discoveryClaims.JWKSURL,
		httpClient:   httpClient,
		logger:       logger,
		metrics:      metrics,
	}, nil
}

// JWKSURL returns the provider's published signing-key endpoint from the
// discovery document
func (c *Client) JWKSURL() string {
	return c.jwksURL
}

// AuthCodeURL builds the provider's authorization redirect URL.
// offline_access comes from the configured scopes; AccessTypeOffline covers
// providers that use the Google-style parameter instead.
func (c *Client) AuthCodeURL(state string) string {
	return c.oauth2Config.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// ExchangeCode exchanges an authorization code for provider tokens and
// verifies the ID token to establish the subject
func (c *Client) ExchangeCode(ctx context.Context, code string) (*auth.ProviderTokens, error) {
	const op = "provider.exchange_code"

	var out *auth.ProviderTokens
	err := c.call(ctx, "exchange_code", func(ctx context.Context) error {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
		tok, err := c.oauth2Config.Exchange(ctx, code)
		if err != nil {
			return classifyOAuth2Err(op, err, auth.KindInvalidGrant)
		}

		rawIDToken, ok := tok.Extra("id_token").(string)
		if !ok {
			return auth.Errorf(auth.KindInvalidGrant, op, "missing id_token in token response")
		}
		idToken, err := c.verifier.Verify(ctx, rawIDToken)
		if err != nil {
			return auth.E(auth.KindInvalidGrant, op, fmt.Errorf("failed to verify ID token: %w", err))
		}

		out = &auth.ProviderTokens{
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
			IDToken:      rawIDToken,
			Subject:      idToken.Subject,
			Expiry:       tok.Expiry,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Refresh exchanges a refresh token for a new token pair. Refresh tokens are
// typically single-use upstream; the caller serializes refreshes per session.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*auth.ProviderTokens, error) {
	const op = "provider.refresh"

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.opts.ClientID},
		"client_secret": {c.opts.ClientSecret},
	}

	var out *auth.ProviderTokens
	err := c.call(ctx, "refresh", func(ctx context.Context) error {
		resp, err := c.postForm(ctx, op, form, auth.KindRefreshInvalid)
		if err != nil {
			return err
		}
		out = &auth.ProviderTokens{
			AccessToken:  resp.AccessToken,
			RefreshToken: resp.RefreshToken,
			IDToken:      resp.IDToken,
			Expiry:       resp.expiry(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ExchangeForScopedToken mints a workspace-scoped access token via RFC 8693
// token exchange, carrying the workspace and role claims for the provider to
// reflect into the issued token
func (c *Client) ExchangeForScopedToken(ctx context.Context, baseToken, workspaceID string, roles auth.RoleSet) (*auth.ScopedToken, error) {
	const op = "provider.exchange_scoped"

	form := url.Values{
		"grant_type":         {tokenExchangeGrant},
		"subject_token":      {baseToken},
		"subject_token_type": {accessTokenType},
		"client_id":          {c.opts.ClientID},
		"client_secret":      {c.opts.ClientSecret},
		"audience":           {c.opts.TokenAudience},
		"workspace_id":       {workspaceID},
		"roles":              {strings.Join(roles.Strings(), " ")},
	}

	var out *auth.ScopedToken
	err := c.call(ctx, "exchange_scoped", func(ctx context.Context) error {
		resp, err := c.postForm(ctx, op, form, auth.KindExchangeRejected)
		if err != nil {
			return err
		}
		out = &auth.ScopedToken{
			Token:  resp.AccessToken,
			Expiry: resp.expiry(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// tokenResponse is the provider token endpoint's success body
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`

	receivedAt time.Time
}

func (r *tokenResponse) expiry() time.Time {
	if r.ExpiresIn <= 0 {
		return r.receivedAt.Add(time.Minute)
	}
	return r.receivedAt.Add(time.Duration(r.ExpiresIn) * time.Second)
}

// tokenError is the provider token endpoint's failure body
type tokenError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

// postForm performs one token endpoint round trip. Responses with 4xx status
// are classified as rejectKind; 5xx and transport failures as
// ProviderUnavailable.
func (c *Client) postForm(ctx context.Context, op string, form url.Values, rejectKind auth.Kind) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, auth.E(auth.KindInternal, op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, auth.E(auth.KindProviderUnavailable, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, auth.E(auth.KindProviderUnavailable, op, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		tr := &tokenResponse{receivedAt: time.Now()}
		if err := json.Unmarshal(body, tr); err != nil {
			return nil, auth.E(auth.KindProviderUnavailable, op, fmt.Errorf("malformed token response: %w", err))
		}
		if tr.AccessToken == "" {
			return nil, auth.Errorf(auth.KindProviderUnavailable, op, "token response missing access_token")
		}
		return tr, nil

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		var te tokenError
		_ = json.Unmarshal(body, &te)
		return nil, auth.Errorf(rejectKind, op, "provider rejected request: %s %s", te.Code, te.Description)

	default:
		return nil, auth.Errorf(auth.KindProviderUnavailable, op, "provider returned status %d", resp.StatusCode)
	}
}

// call runs fn with a per-attempt timeout, retrying transient failures with
// exponential backoff. Rejections are permanent and returned immediately.
func (c *Client) call(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 100 * time.Millisecond

	attempt := func() (struct{}, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
		defer cancel()

		start := time.Now()
		err := fn(attemptCtx)
		if c.metrics != nil {
			c.metrics.ProviderRequestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
			c.metrics.ProviderRequestsTotal.WithLabelValues(operation, outcomeLabel(err)).Inc()
		}

		if err == nil {
			return struct{}{}, nil
		}
		// A timed-out attempt surfaces as context.DeadlineExceeded from
		// the transport; it is already wrapped as ProviderUnavailable
		if !auth.IsTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		c.logger.WithError(err).WithField("operation", operation).Warn("transient provider failure")
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(uint(c.opts.MaxRetries)),
	)
	return err
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case auth.IsTransient(err):
		return "unavailable"
	default:
		return "rejected"
	}
}

// classifyOAuth2Err maps oauth2 library failures onto the taxonomy
func classifyOAuth2Err(op string, err error, rejectKind auth.Kind) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.Response != nil && retrieveErr.Response.StatusCode >= 500 {
			return auth.E(auth.KindProviderUnavailable, op, err)
		}
		return auth.E(rejectKind, op, err)
	}
	return auth.E(auth.KindProviderUnavailable, op, err)
}
