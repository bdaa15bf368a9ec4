package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDiscordServer(t *testing.T, handler http.HandlerFunc) *DiscordClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewDiscordClient(srv.URL+"/", "secret", "g1", time.Second)
}

func rolesHandler(t *testing.T, roles []DiscordRole) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bot secret", r.Header.Get("Authorization"))
		assert.Equal(t, "/guilds/g1/roles", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		assert.NoError(t, json.NewEncoder(w).Encode(roles))
	}
}

func TestFindRoleByName(t *testing.T) {
	roles := []DiscordRole{
		{ID: "1", Name: "Champion"},
		{ID: "2", Name: "Top Player!"},
		{ID: "3", Name: "champion"},
	}
	c := newDiscordServer(t, rolesHandler(t, roles))
	ctx := context.Background()

	cases := map[string]string{
		"champion":    "3",
		"Champion":    "1",
		"TOP PLAYER!": "2",
		"top player":  "2",
	}
	for name, want := range cases {
		got, err := c.FindRoleByName(ctx, name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	_, err := c.FindRoleByName(ctx, "Ghost")
	assert.ErrorIs(t, err, ErrRoleNotFound)
	assert.True(t, IsPermanent(err))
}

func TestAddRoleToMember(t *testing.T) {
	var gotMethod, gotPath, gotReason string
	c := newDiscordServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath, gotReason = r.Method, r.URL.Path, r.Header.Get("X-Audit-Log-Reason")
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, c.AddRoleToMember(context.Background(), "m1", "r1", "rank: 5"))
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "/guilds/g1/members/m1/roles/r1", gotPath)
	assert.Equal(t, "rank:%205", gotReason)
}

func TestDiscordErrorsClassification(t *testing.T) {
	status := http.StatusInternalServerError
	c := newDiscordServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"message":"nope"}`))
	})
	ctx := context.Background()

	err := c.AddRoleToMember(ctx, "m1", "r1", "")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "nope")
	assert.False(t, IsPermanent(err))

	status = http.StatusNotFound
	err = c.AddRoleToMember(ctx, "m1", "r1", "")
	assert.True(t, IsPermanent(err))
}

func TestDiscordTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	t.Cleanup(srv.Close)
	c := NewDiscordClient(srv.URL, "secret", "g1", 50*time.Millisecond)

	err := c.TestConnection(context.Background())
	require.Error(t, err)
	assert.False(t, IsPermanent(err))
}

func TestGetMember(t *testing.T) {
	c := newDiscordServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/guilds/g1/members/m1", r.URL.Path)
		_, _ = w.Write([]byte(`{"user":{"id":"m1","username":"alice"},"roles":["r1"]}`))
	})
	m, err := c.GetMember(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, "alice", m.User.Username)
	assert.Equal(t, []string{"r1"}, m.Roles)
}
