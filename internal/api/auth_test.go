package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefresh_Success(t *testing.T) {
	var got refreshRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, refreshPath, r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"a2","refresh_token":"r2","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)

	before := time.Now()
	tok, err := c.Refresh(t.Context(), "r1", "dev-1")
	require.NoError(t, err)

	assert.Equal(t, refreshRequest{RefreshToken: "r1", DeviceID: "dev-1"}, got)
	assert.Equal(t, "a2", tok.AccessToken)
	assert.Equal(t, "r2", tok.RefreshToken)
	assert.True(t, tok.Expiry.After(before.Add(59*time.Minute)))
}

func TestRefresh_RejectedTokenIsAuthExpired(t *testing.T) {
	for _, code := range []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(code)
		}))

		c := newTestClient(t, srv.URL, nil)
		_, err := c.Refresh(t.Context(), "r1", "dev-1")

		assert.ErrorIs(t, err, ErrAuthExpired, "status %d", code)
		srv.Close()
	}
}

func TestRefresh_ServerErrorIsNotAuthExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	_, err := c.Refresh(t.Context(), "r1", "dev-1")

	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAuthExpired)
	assert.True(t, IsTransient(err))
}

func TestRefresh_IncompleteResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"access_token":"a2"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	_, err := c.Refresh(t.Context(), "r1", "dev-1")

	assert.ErrorContains(t, err, "missing access or refresh token")
}

func TestLogin(t *testing.T) {
	var got LoginRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, loginPath, r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"user_id":"u1","access_token":"a","refresh_token":"r","token_type":"Bearer","expires_in":60}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)

	res, err := c.Login(t.Context(), LoginRequest{Email: "a@b.c", Password: "pw", DeviceID: "d"})
	require.NoError(t, err)

	assert.Equal(t, "a@b.c", got.Email)
	assert.Equal(t, "u1", res.UserID)
	assert.Equal(t, "a", res.Token.AccessToken)
	assert.Equal(t, "r", res.Token.RefreshToken)
}

func TestRegister_MissingUserID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, registerPath, r.URL.Path)
		_, _ = w.Write([]byte(`{"access_token":"a","refresh_token":"r"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)

	_, err := c.Register(t.Context(), LoginRequest{Email: "a@b.c", Password: "pw"})
	assert.ErrorContains(t, err, "missing user_id")
}

func TestLogin_BadPassword(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tokens := &fakeTokens{current: "x", next: "y"}
	c := newTestClient(t, srv.URL, tokens)

	_, err := c.Login(t.Context(), LoginRequest{Email: "a@b.c", Password: "nope"})
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Zero(t, tokens.refreshes, "login never triggers a refresh")
}
