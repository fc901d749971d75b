package relay

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenantgate/pkg/config"
)

type capturedRequest struct {
	Path          string
	Authorization string
	Cookie        string
}

func newDownstream(t *testing.T) (*httptest.Server, *capturedRequest) {
	t.Helper()
	captured := &capturedRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.Path = r.URL.Path
		captured.Authorization = r.Header.Get("Authorization")
		captured.Cookie = r.Header.Get("Cookie")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, `{"ok":true}`)
	}))
	t.Cleanup(srv.Close)
	return srv, captured
}

func newTestHandler(t *testing.T, ks *keyServer, downstreamURL string) *Handler {
	t.Helper()
	v, _ := newTestValidator(t, ks)
	routes := &config.RouteTable{Routes: []config.Route{
		{Name: "notes", Prefix: "/api/notes", Target: downstreamURL},
	}}
	h, err := NewHandler(v, routes, nil, nil)
	require.NoError(t, err)
	return h
}

func TestRelayForwardsAuthorizedRequest(t *testing.T) {
	ks := newKeyServer(t)
	key := ks.addKey(t, "kid-1")
	downstream, captured := newDownstream(t)
	h := newTestHandler(t, ks, downstream.URL)

	token := signToken(t, key, "kid-1", defaultClaims())
	req := httptest.NewRequest(http.MethodGet, "/api/notes/123", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.AddCookie(&http.Cookie{Name: "tg_session", Value: "opaque-id"})
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/api/notes/123", captured.Path)
	assert.Equal(t, "Bearer "+token, captured.Authorization, "bearer token must pass through unchanged")
	assert.Empty(t, captured.Cookie, "session cookie must not reach downstream")
}

func TestRelayRejectsMissingToken(t *testing.T) {
	ks := newKeyServer(t)
	ks.addKey(t, "kid-1")
	downstream, captured := newDownstream(t)
	h := newTestHandler(t, ks, downstream.URL)

	req := httptest.NewRequest(http.MethodGet, "/api/notes/123", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, captured.Path, "nothing may be forwarded")
}

func TestRelayRejectsExpiredToken(t *testing.T) {
	ks := newKeyServer(t)
	key := ks.addKey(t, "kid-1")
	downstream, captured := newDownstream(t)
	h := newTestHandler(t, ks, downstream.URL)

	claims := defaultClaims()
	claims["exp"] = time.Now().Add(-time.Minute).Unix()
	req := httptest.NewRequest(http.MethodGet, "/api/notes/123", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, key, "kid-1", claims))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "expired", body["error"])
	assert.Empty(t, captured.Path)
}

func TestRelayUnroutedPath(t *testing.T) {
	ks := newKeyServer(t)
	key := ks.addKey(t, "kid-1")
	downstream, _ := newDownstream(t)
	h := newTestHandler(t, ks, downstream.URL)

	req := httptest.NewRequest(http.MethodGet, "/api/unknown/1", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, key, "kid-1", defaultClaims()))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRelayLongestPrefixWins(t *testing.T) {
	ks := newKeyServer(t)
	key := ks.addKey(t, "kid-1")
	general, generalSeen := newDownstream(t)
	billing, billingSeen := newDownstream(t)

	v, _ := newTestValidator(t, ks)
	// Longest prefix first, as LoadRouteTable sorts them
	routes := &config.RouteTable{Routes: []config.Route{
		{Name: "billing", Prefix: "/api/billing", Target: billing.URL},
		{Name: "api", Prefix: "/api", Target: general.URL},
	}}
	h, err := NewHandler(v, routes, nil, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/billing/invoices", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, key, "kid-1", defaultClaims()))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/api/billing/invoices", billingSeen.Path)
	assert.Empty(t, generalSeen.Path)
}

func TestRelayDownstreamFailure(t *testing.T) {
	ks := newKeyServer(t)
	key := ks.addKey(t, "kid-1")

	v, _ := newTestValidator(t, ks)
	routes := &config.RouteTable{Routes: []config.Route{
		{Name: "dead", Prefix: "/api/dead", Target: "http://127.0.0.1:1"},
	}}
	h, err := NewHandler(v, routes, nil, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/dead/x", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, key, "kid-1", defaultClaims()))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestIntrospectionEndpoint(t *testing.T) {
	ks := newKeyServer(t)
	key := ks.addKey(t, "kid-1")
	v, _ := newTestValidator(t, ks)
	h, err := NewHandler(v, &config.RouteTable{Routes: []config.Route{
		{Name: "api", Prefix: "/api", Target: "http://127.0.0.1:1"},
	}}, nil, nil)
	require.NoError(t, err)

	t.Run("active token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/auth/introspect", nil)
		req.Header.Set("Authorization", "Bearer "+signToken(t, key, "kid-1", defaultClaims()))
		rec := httptest.NewRecorder()
		h.ValidateOnly(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var body introspection
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.True(t, body.Active)
		assert.Equal(t, "user-1", body.Subject)
		assert.Equal(t, "ws-1", body.WorkspaceID)
		assert.Contains(t, body.Roles, "admin")
	})

	t.Run("expired token", func(t *testing.T) {
		claims := defaultClaims()
		claims["exp"] = time.Now().Add(-time.Minute).Unix()
		req := httptest.NewRequest(http.MethodPost, "/auth/introspect", nil)
		req.Header.Set("Authorization", "Bearer "+signToken(t, key, "kid-1", claims))
		rec := httptest.NewRecorder()
		h.ValidateOnly(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var body introspection
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.False(t, body.Active)
		assert.Equal(t, "expired", body.Status)
	})

	t.Run("no token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/auth/introspect", nil)
		rec := httptest.NewRecorder()
		h.ValidateOnly(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var body introspection
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.False(t, body.Active)
	})
}
