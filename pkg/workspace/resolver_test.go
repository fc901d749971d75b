package workspace

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenantgate/pkg/auth"
)

func newTestResolver(url string) *Resolver {
	return NewResolver(Options{
		BaseURL:        url,
		RequestTimeout: 2 * time.Second,
		MaxRetries:     3,
	}, nil)
}

func TestGetUserContext(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"last_workspace_id": "ws-2",
			"workspaces": []map[string]interface{}{
				{"id": "ws-1", "name": "Acme", "roles": []string{"member"}},
				{"id": "ws-2", "name": "Globex", "roles": []string{"admin", "member"}},
			},
		})
	}))
	defer srv.Close()

	uc, err := newTestResolver(srv.URL).GetUserContext(context.Background(), "user-1", "token-abc")
	require.NoError(t, err)

	assert.Equal(t, "/v1/users/user-1/workspaces", gotPath)
	assert.Equal(t, "Bearer token-abc", gotAuth)
	assert.Equal(t, "ws-2", uc.LastWorkspaceID)
	require.Len(t, uc.Workspaces, 2)

	ws, ok := uc.WorkspaceOf("ws-2")
	require.True(t, ok)
	assert.Equal(t, "Globex", ws.Name)
	assert.True(t, ws.Roles.Has(auth.RoleAdmin))
}

func TestGetUserContextEmptyMemberships(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"last_workspace_id": "",
			"workspaces":        []interface{}{},
		})
	}))
	defer srv.Close()

	uc, err := newTestResolver(srv.URL).GetUserContext(context.Background(), "user-1", "token-abc")
	require.NoError(t, err)
	assert.Empty(t, uc.Workspaces)
}

func TestGetUserContextUnauthorized(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newTestResolver(srv.URL).GetUserContext(context.Background(), "user-1", "stale-token")
	require.Error(t, err)
	assert.Equal(t, auth.KindUnauthorized, auth.KindOf(err))
	assert.Equal(t, int64(1), calls.Load(), "rejections must not be retried")
}

func TestGetUserContextRetriesServerErrors(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"last_workspace_id": "ws-1",
			"workspaces": []map[string]interface{}{
				{"id": "ws-1", "name": "Acme", "roles": []string{"viewer"}},
			},
		})
	}))
	defer srv.Close()

	uc, err := newTestResolver(srv.URL).GetUserContext(context.Background(), "user-1", "token-abc")
	require.NoError(t, err)
	assert.Equal(t, "ws-1", uc.LastWorkspaceID)
	assert.Equal(t, int64(3), calls.Load())
}

func TestGetUserContextUpstreamDown(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestResolver(srv.URL).GetUserContext(context.Background(), "user-1", "token-abc")
	require.Error(t, err)
	assert.Equal(t, auth.KindUpstreamUnavailable, auth.KindOf(err))
	assert.True(t, auth.IsTransient(err))
	assert.Equal(t, int64(3), calls.Load())
}

func TestGetUserContextUnreachable(t *testing.T) {
	r := NewResolver(Options{
		BaseURL:        "http://127.0.0.1:1",
		RequestTimeout: 500 * time.Millisecond,
		MaxRetries:     2,
	}, nil)

	_, err := r.GetUserContext(context.Background(), "user-1", "token-abc")
	require.Error(t, err)
	assert.Equal(t, auth.KindUpstreamUnavailable, auth.KindOf(err))
}
