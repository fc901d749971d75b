package gateway

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"tenantgate/pkg/auth"
	"tenantgate/pkg/contextkeys"
	"tenantgate/pkg/httputil"
	"tenantgate/pkg/observability"
	"tenantgate/pkg/session"
)

// Cookie names
const (
	SessionCookie   = "tg_session"
	stateCookie     = "tg_state"
	returnURLCookie = "tg_return_url"
)

// stateCookieMaxAge bounds how long a login attempt may sit between the
// redirect out and the callback
const stateCookieMaxAge = 600

// SessionService is the slice of the session orchestrator the gateway uses
type SessionService interface {
	CreateSession(ctx context.Context, code string) (*session.Session, error)
	ResolveWorkspace(ctx context.Context, sessionID string) (*session.Session, error)
	SwitchWorkspace(ctx context.Context, sessionID, workspaceID string) (*session.Session, error)
	GetValidToken(ctx context.Context, sessionID string) (*auth.ScopedToken, error)
	Inspect(ctx context.Context, sessionID string) (*session.Session, error)
	ListWorkspaces(ctx context.Context, sessionID string) (*auth.UserContext, error)
	Invalidate(ctx context.Context, sessionID, reason string) error
}

// AuthURLBuilder builds the provider's authorization redirect URL
type AuthURLBuilder interface {
	AuthCodeURL(state string) string
}

// Options holds gateway behavior settings
type Options struct {
	// BaseURL is the externally visible origin, used for the login hint
	BaseURL string
	// CookieSecure disables only for local development over plain HTTP
	CookieSecure bool
	CookieDomain string
}

// Handlers serves the browser-facing authentication endpoints and fronts the
// relay for API traffic
type Handlers struct {
	sessions SessionService
	authURL  AuthURLBuilder
	relay    http.Handler
	opts     Options

	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewHandlers builds the gateway handlers. relay fronts all non-auth paths;
// logger and metrics may be nil.
func NewHandlers(sessions SessionService, authURL AuthURLBuilder, relay http.Handler, opts Options, logger *observability.Logger, metrics *observability.Metrics) *Handlers {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, os.Stdout)
	}
	return &Handlers{
		sessions: sessions,
		authURL:  authURL,
		relay:    relay,
		opts:     opts,
		logger:   logger,
		metrics:  metrics,
	}
}

// RegisterRoutes registers all gateway routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/auth/login", h.login).Methods("GET")
	router.HandleFunc("/auth/callback", h.callback).Methods("GET")
	router.HandleFunc("/auth/logout", h.logout).Methods("POST")
	router.HandleFunc("/auth/session", h.sessionInfo).Methods("GET")
	router.HandleFunc("/auth/workspaces", h.listWorkspaces).Methods("GET")
	router.HandleFunc("/auth/workspace", h.switchWorkspace).Methods("POST")
	router.PathPrefix("/").HandlerFunc(h.forward)
}

func (h *Handlers) loginURL() string {
	return h.opts.BaseURL + "/auth/login"
}

// login starts the authorization code flow: a random state pinned in a
// cookie, the optional return URL remembered, and a redirect to the provider
func (h *Handlers) login(w http.ResponseWriter, r *http.Request) {
	stateBytes := make([]byte, 32)
	if _, err := rand.Read(stateBytes); err != nil {
		httputil.WriteInternalError(w)
		return
	}
	state := base64.RawURLEncoding.EncodeToString(stateBytes)

	h.setCookie(w, stateCookie, state, stateCookieMaxAge)

	if returnURL := r.URL.Query().Get("return_url"); safeReturnURL(returnURL) {
		h.setCookie(w, returnURLCookie, returnURL, stateCookieMaxAge)
	}

	http.Redirect(w, r, h.authURL.AuthCodeURL(state), http.StatusFound)
}

// callback finishes the code flow: state check, code exchange, session
// cookie, then an eager workspace resolution so most sessions leave the
// callback already scoped
func (h *Handlers) callback(w http.ResponseWriter, r *http.Request) {
	logger := observability.FromContext(r.Context())

	if errCode := r.URL.Query().Get("error"); errCode != "" {
		logger.WithField("provider_error", errCode).Warn("provider denied authorization")
		httputil.WriteErrorMessage(w, http.StatusUnauthorized, "authorization denied")
		return
	}

	state, err := r.Cookie(stateCookie)
	if err != nil || state.Value == "" || r.URL.Query().Get("state") != state.Value {
		httputil.WriteBadRequest(w, "state mismatch")
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		httputil.WriteBadRequest(w, "missing authorization code")
		return
	}

	sess, err := h.sessions.CreateSession(r.Context(), code)
	if err != nil {
		logger.WithError(err).Warn("session creation failed")
		httputil.WriteAuthError(w, err, h.loginURL())
		return
	}

	// Membership trouble here must not lose the login; the session just
	// stays unscoped until the client picks a workspace
	if _, err := h.sessions.ResolveWorkspace(r.Context(), sess.ID); err != nil {
		logger.WithError(err).WithField("user_id", sess.UserID).Warn("eager workspace resolution failed")
	}

	h.setSessionCookie(w, sess.ID)
	h.clearCookie(w, stateCookie)

	target := "/"
	if ret, err := r.Cookie(returnURLCookie); err == nil && safeReturnURL(ret.Value) {
		target = ret.Value
		h.clearCookie(w, returnURLCookie)
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (h *Handlers) logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(SessionCookie); err == nil && cookie.Value != "" {
		if err := h.sessions.Invalidate(r.Context(), cookie.Value, session.ReasonLogout); err != nil {
			observability.FromContext(r.Context()).WithError(err).Error("logout invalidation failed")
			httputil.WriteInternalError(w)
			return
		}
	}
	h.clearCookie(w, SessionCookie)
	httputil.WriteNoContent(w)
}

// sessionSummary is the browser-visible view of a session. Token material
// never appears here.
type sessionSummary struct {
	UserID         string    `json:"user_id"`
	WorkspaceID    string    `json:"workspace_id,omitempty"`
	Roles          []string  `json:"roles,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	TokenExpiry    time.Time `json:"token_expiry"`
}

func summarize(sess *session.Session) sessionSummary {
	return sessionSummary{
		UserID:         sess.UserID,
		WorkspaceID:    sess.WorkspaceID,
		Roles:          sess.Roles.Strings(),
		CreatedAt:      sess.CreatedAt,
		LastAccessedAt: sess.LastAccessedAt,
		TokenExpiry:    sess.TokenExpiry,
	}
}

func (h *Handlers) sessionInfo(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.requireSession(w, r)
	if !ok {
		return
	}
	sess, err := h.sessions.Inspect(r.Context(), sessionID)
	if err != nil {
		httputil.WriteAuthError(w, err, h.loginURL())
		return
	}
	httputil.WriteSuccess(w, summarize(sess))
}

func (h *Handlers) listWorkspaces(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.requireSession(w, r)
	if !ok {
		return
	}
	uc, err := h.sessions.ListWorkspaces(r.Context(), sessionID)
	if err != nil {
		httputil.WriteAuthError(w, err, h.loginURL())
		return
	}
	httputil.WriteSuccess(w, uc)
}

func (h *Handlers) switchWorkspace(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.requireSession(w, r)
	if !ok {
		return
	}

	var body struct {
		WorkspaceID string `json:"workspace_id"`
	}
	if !httputil.ParseJSONOrError(w, r, &body) {
		return
	}
	if body.WorkspaceID == "" {
		httputil.WriteBadRequest(w, "workspace_id is required")
		return
	}

	sess, err := h.sessions.SwitchWorkspace(r.Context(), sessionID, body.WorkspaceID)
	if err != nil {
		httputil.WriteAuthError(w, err, h.loginURL())
		return
	}
	httputil.WriteSuccess(w, summarize(sess))
}

// forward converts the session cookie into a valid scoped bearer token and
// hands the request to the relay
func (h *Handlers) forward(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.requireSession(w, r)
	if !ok {
		return
	}

	token, err := h.sessions.GetValidToken(r.Context(), sessionID)
	if err != nil {
		if auth.KindOf(err) == auth.KindSessionNotFound {
			h.clearCookie(w, SessionCookie)
		}
		httputil.WriteAuthError(w, err, h.loginURL())
		return
	}

	fwd := r.Clone(contextkeys.WithSessionID(r.Context(), sessionID))
	fwd.Header.Set("Authorization", "Bearer "+token.Token)
	h.relay.ServeHTTP(w, fwd)
}

func (h *Handlers) requireSession(w http.ResponseWriter, r *http.Request) (string, bool) {
	cookie, err := r.Cookie(SessionCookie)
	if err != nil || cookie.Value == "" {
		httputil.WriteJSON(w, http.StatusUnauthorized, httputil.AuthErrorResponse{
			Error:    string(auth.KindSessionNotFound),
			LoginURL: h.loginURL(),
		})
		return "", false
	}
	return cookie.Value, true
}

func (h *Handlers) setSessionCookie(w http.ResponseWriter, sessionID string) {
	// No MaxAge: the server-side idle/absolute timeouts are the authority
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    sessionID,
		Path:     "/",
		Domain:   h.opts.CookieDomain,
		HttpOnly: true,
		Secure:   h.opts.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handlers) setCookie(w http.ResponseWriter, name, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   h.opts.CookieDomain,
		HttpOnly: true,
		Secure:   h.opts.CookieSecure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	})
}

func (h *Handlers) clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Domain:   h.opts.CookieDomain,
		HttpOnly: true,
		Secure:   h.opts.CookieSecure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

// safeReturnURL accepts only same-origin relative paths, closing the open
// redirect
func safeReturnURL(u string) bool {
	return strings.HasPrefix(u, "/") && !strings.HasPrefix(u, "//") && !strings.Contains(u, "\\")
}
