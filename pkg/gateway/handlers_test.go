package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenantgate/pkg/auth"
	"tenantgate/pkg/session"
)

type fakeSessions struct {
	sess  *session.Session
	token *auth.ScopedToken
	uc    *auth.UserContext

	createErr  error
	resolveErr error
	switchErr  error
	tokenErr   error
	inspectErr error

	createdWith      string
	resolveCalled    bool
	switchedTo       string
	invalidatedID    string
	invalidateReason string
}

func (f *fakeSessions) CreateSession(_ context.Context, code string) (*session.Session, error) {
	f.createdWith = code
	if f.createErr != nil {
		return nil, f.createErr
	}
	return f.sess, nil
}

func (f *fakeSessions) ResolveWorkspace(_ context.Context, _ string) (*session.Session, error) {
	f.resolveCalled = true
	if f.resolveErr != nil {
		return nil, f.resolveErr
	}
	return f.sess, nil
}

func (f *fakeSessions) SwitchWorkspace(_ context.Context, _, workspaceID string) (*session.Session, error) {
	f.switchedTo = workspaceID
	if f.switchErr != nil {
		return nil, f.switchErr
	}
	return f.sess, nil
}

func (f *fakeSessions) GetValidToken(_ context.Context, _ string) (*auth.ScopedToken, error) {
	if f.tokenErr != nil {
		return nil, f.tokenErr
	}
	return f.token, nil
}

func (f *fakeSessions) Inspect(_ context.Context, _ string) (*session.Session, error) {
	if f.inspectErr != nil {
		return nil, f.inspectErr
	}
	return f.sess, nil
}

func (f *fakeSessions) ListWorkspaces(_ context.Context, _ string) (*auth.UserContext, error) {
	return f.uc, nil
}

func (f *fakeSessions) Invalidate(_ context.Context, sessionID, reason string) error {
	f.invalidatedID = sessionID
	f.invalidateReason = reason
	return nil
}

type fakeAuthURL struct{}

func (fakeAuthURL) AuthCodeURL(state string) string {
	return "https://idp.example.com/authorize?state=" + state
}

func testSession() *session.Session {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &session.Session{
		ID:             "sess-1",
		UserID:         "user-1",
		WorkspaceID:    "ws-1",
		Roles:          auth.RoleSet{auth.RoleMember},
		AccessToken:    "secret-access-token",
		RefreshToken:   "secret-refresh-token",
		TokenExpiry:    now.Add(15 * time.Minute),
		CreatedAt:      now,
		LastAccessedAt: now,
	}
}

type relayCapture struct {
	called        bool
	authorization string
}

func newTestRouter(f *fakeSessions, capture *relayCapture) *mux.Router {
	relay := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capture.called = true
		capture.authorization = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	})
	h := NewHandlers(f, fakeAuthURL{}, relay, Options{
		BaseURL:      "https://app.example.com",
		CookieSecure: true,
	}, nil, nil)
	router := mux.NewRouter()
	h.RegisterRoutes(router)
	return router
}

func cookieByName(t *testing.T, rec *httptest.ResponseRecorder, name string) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestLoginRedirectsToProvider(t *testing.T) {
	router := newTestRouter(&fakeSessions{}, &relayCapture{})

	req := httptest.NewRequest(http.MethodGet, "/auth/login?return_url=/notes/7", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)

	state := cookieByName(t, rec, stateCookie)
	require.NotNil(t, state)
	assert.True(t, state.HttpOnly)
	assert.True(t, state.Secure)

	location := rec.Header().Get("Location")
	assert.Equal(t, "https://idp.example.com/authorize?state="+state.Value, location)

	ret := cookieByName(t, rec, returnURLCookie)
	require.NotNil(t, ret)
	assert.Equal(t, "/notes/7", ret.Value)
}

func TestLoginRejectsExternalReturnURL(t *testing.T) {
	router := newTestRouter(&fakeSessions{}, &relayCapture{})

	req := httptest.NewRequest(http.MethodGet, "/auth/login?return_url=//evil.example.com/", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Nil(t, cookieByName(t, rec, returnURLCookie))
}

func TestCallbackCreatesSession(t *testing.T) {
	f := &fakeSessions{sess: testSession()}
	router := newTestRouter(f, &relayCapture{})

	req := httptest.NewRequest(http.MethodGet, "/auth/callback?state=st-1&code=code-9", nil)
	req.AddCookie(&http.Cookie{Name: stateCookie, Value: "st-1"})
	req.AddCookie(&http.Cookie{Name: returnURLCookie, Value: "/notes/7"})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/notes/7", rec.Header().Get("Location"))
	assert.Equal(t, "code-9", f.createdWith)
	assert.True(t, f.resolveCalled, "callback must attempt eager workspace resolution")

	sc := cookieByName(t, rec, SessionCookie)
	require.NotNil(t, sc)
	assert.Equal(t, "sess-1", sc.Value)
	assert.True(t, sc.HttpOnly)
	assert.True(t, sc.Secure)
}

func TestCallbackStateMismatch(t *testing.T) {
	f := &fakeSessions{sess: testSession()}
	router := newTestRouter(f, &relayCapture{})

	req := httptest.NewRequest(http.MethodGet, "/auth/callback?state=wrong&code=code-9", nil)
	req.AddCookie(&http.Cookie{Name: stateCookie, Value: "st-1"})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, f.createdWith, "code must not be exchanged on state mismatch")
}

func TestCallbackInvalidGrant(t *testing.T) {
	f := &fakeSessions{createErr: auth.Errorf(auth.KindInvalidGrant, "test", "code expired")}
	router := newTestRouter(f, &relayCapture{})

	req := httptest.NewRequest(http.MethodGet, "/auth/callback?state=st-1&code=stale", nil)
	req.AddCookie(&http.Cookie{Name: stateCookie, Value: "st-1"})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "https://app.example.com/auth/login", body["login_url"])
}

func TestCallbackSurvivesResolveFailure(t *testing.T) {
	f := &fakeSessions{
		sess:       testSession(),
		resolveErr: auth.Errorf(auth.KindNotAMember, "test", "no memberships"),
	}
	router := newTestRouter(f, &relayCapture{})

	req := httptest.NewRequest(http.MethodGet, "/auth/callback?state=st-1&code=code-9", nil)
	req.AddCookie(&http.Cookie{Name: stateCookie, Value: "st-1"})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	require.NotNil(t, cookieByName(t, rec, SessionCookie), "login must survive membership trouble")
}

func TestLogout(t *testing.T) {
	f := &fakeSessions{sess: testSession()}
	router := newTestRouter(f, &relayCapture{})

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: "sess-1"})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "sess-1", f.invalidatedID)
	assert.Equal(t, session.ReasonLogout, f.invalidateReason)

	sc := cookieByName(t, rec, SessionCookie)
	require.NotNil(t, sc)
	assert.Empty(t, sc.Value)
	assert.Negative(t, sc.MaxAge)
}

func TestLogoutWithoutCookieIsIdempotent(t *testing.T) {
	router := newTestRouter(&fakeSessions{}, &relayCapture{})

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestSessionInfoHidesTokens(t *testing.T) {
	f := &fakeSessions{sess: testSession()}
	router := newTestRouter(f, &relayCapture{})

	req := httptest.NewRequest(http.MethodGet, "/auth/session", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: "sess-1"})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `"user_id":"user-1"`)
	assert.Contains(t, body, `"workspace_id":"ws-1"`)
	assert.NotContains(t, body, "secret-access-token")
	assert.NotContains(t, body, "secret-refresh-token")
}

func TestListWorkspaces(t *testing.T) {
	f := &fakeSessions{
		sess: testSession(),
		uc: &auth.UserContext{
			LastWorkspaceID: "ws-1",
			Workspaces: []auth.Workspace{
				{ID: "ws-1", Name: "Acme", Roles: auth.RoleSet{auth.RoleMember}},
			},
		},
	}
	router := newTestRouter(f, &relayCapture{})

	req := httptest.NewRequest(http.MethodGet, "/auth/workspaces", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: "sess-1"})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var uc auth.UserContext
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &uc))
	require.Len(t, uc.Workspaces, 1)
	assert.Equal(t, "Acme", uc.Workspaces[0].Name)
}

func TestSwitchWorkspace(t *testing.T) {
	f := &fakeSessions{sess: testSession()}
	router := newTestRouter(f, &relayCapture{})

	req := httptest.NewRequest(http.MethodPost, "/auth/workspace", strings.NewReader(`{"workspace_id":"ws-2"}`))
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: "sess-1"})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ws-2", f.switchedTo)
}

func TestSwitchWorkspaceNotAMember(t *testing.T) {
	f := &fakeSessions{switchErr: auth.Errorf(auth.KindNotAMember, "test", "not a member")}
	router := newTestRouter(f, &relayCapture{})

	req := httptest.NewRequest(http.MethodPost, "/auth/workspace", strings.NewReader(`{"workspace_id":"ws-9"}`))
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: "sess-1"})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestForwardAttachesBearer(t *testing.T) {
	capture := &relayCapture{}
	f := &fakeSessions{
		sess:  testSession(),
		token: &auth.ScopedToken{Token: "scoped-123", Expiry: time.Now().Add(15 * time.Minute)},
	}
	router := newTestRouter(f, capture)

	req := httptest.NewRequest(http.MethodGet, "/api/notes/7", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: "sess-1"})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, capture.called)
	assert.Equal(t, "Bearer scoped-123", capture.authorization)
}

func TestForwardWithoutCookie(t *testing.T) {
	capture := &relayCapture{}
	router := newTestRouter(&fakeSessions{}, capture)

	req := httptest.NewRequest(http.MethodGet, "/api/notes/7", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, capture.called)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "https://app.example.com/auth/login", body["login_url"])
}

func TestForwardExpiredSessionClearsCookie(t *testing.T) {
	capture := &relayCapture{}
	f := &fakeSessions{tokenErr: auth.Errorf(auth.KindSessionNotFound, "test", "gone")}
	router := newTestRouter(f, capture)

	req := httptest.NewRequest(http.MethodGet, "/api/notes/7", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: "sess-dead"})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, capture.called)

	sc := cookieByName(t, rec, SessionCookie)
	require.NotNil(t, sc)
	assert.Negative(t, sc.MaxAge)
}

func TestForwardProviderDown(t *testing.T) {
	capture := &relayCapture{}
	f := &fakeSessions{tokenErr: auth.Errorf(auth.KindProviderUnavailable, "test", "idp down")}
	router := newTestRouter(f, capture)

	req := httptest.NewRequest(http.MethodGet, "/api/notes/7", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: "sess-1"})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}
