package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/Calling/internal/clock/clocktest"
	"github.com/dkeye/Calling/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var self = domain.Device{User: "me", Client: "mine"}

func newTokens(t *testing.T, base string) (*TokenSource, *clocktest.Fake) {
	t.Helper()
	clk := clocktest.New(time.Unix(1_700_000_000, 0))
	ts := NewTokenSource(context.Background(), base, "refresh-cookie", clk, nil)
	return ts, clk
}

func TestFetchCallingConfig(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/calls/config/v2", r.URL.Path)
		assert.Equal(t, "3", r.URL.Query().Get("limit"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"ice_servers":[{"urls":["turn:a:3478"],"username":"u","credential":"c"}],"ttl":3600}`))
	}))
	defer srv.Close()

	ts, _ := newTokens(t, srv.URL)
	ts.Set("tok", time.Hour)
	c, err := NewClient(srv.URL+"/api/", self, ts, srv.Client())
	require.NoError(t, err)

	cfg, err := c.FetchCallingConfig(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, 3600, cfg.TTL)
	require.Len(t, cfg.ICEServers, 1)
	assert.Equal(t, []string{"turn:a:3478"}, cfg.ICEServers[0].URLs)
	assert.Equal(t, "c", cfg.ICEServers[0].Credential)
}

func TestFetchCallingConfigHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	ts, _ := newTokens(t, srv.URL)
	ts.Set("tok", 0)
	c, err := NewClient(srv.URL, self, ts, srv.Client())
	require.NoError(t, err)

	_, err = c.FetchCallingConfig(context.Background(), 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 502")
}

func TestSendCallingMessage(t *testing.T) {
	got := make(chan callingMessage, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/conversations/conv-1/calling", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var m callingMessage
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&m))
		got <- m
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	ts, _ := newTokens(t, srv.URL)
	ts.Set("tok", time.Hour)
	c, err := NewClient(srv.URL, self, ts, srv.Client())
	require.NoError(t, err)

	require.NoError(t, c.SendCallingMessage(context.Background(), "conv-1", []byte(`{"type":"SETUP"}`)))
	m := <-got
	assert.Equal(t, domain.ClientID("mine"), m.Sender)
	assert.JSONEq(t, `{"type":"SETUP"}`, m.Content)
}

func TestUnauthorizedTriggersRefresh(t *testing.T) {
	var access atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/access":
			access.Add(1)
			cookie, err := r.Cookie("zuid")
			if assert.NoError(t, err) {
				assert.Equal(t, "refresh-cookie", cookie.Value)
			}
			_, _ = w.Write([]byte(`{"access_token":"fresh","expires_in":900,"token_type":"Bearer"}`))
		default:
			if r.Header.Get("Authorization") != "Bearer fresh" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	ts, _ := newTokens(t, srv.URL)
	ts.Set("stale", time.Hour)
	refreshed := make(chan struct{}, 1)
	ts.OnRefreshed(func() { refreshed <- struct{}{} })
	c, err := NewClient(srv.URL, self, ts, srv.Client())
	require.NoError(t, err)

	err = c.SendCallingMessage(context.Background(), "conv", []byte(`{}`))
	require.ErrorIs(t, err, ErrUnauthorized)

	select {
	case <-refreshed:
	case <-time.After(5 * time.Second):
		t.Fatal("token not refreshed")
	}
	assert.EqualValues(t, 1, access.Load())
	token, ok := ts.AccessToken()
	assert.True(t, ok)
	assert.Equal(t, "fresh", token)
	require.NoError(t, c.SendCallingMessage(context.Background(), "conv", []byte(`{}`)))
}

func TestAccessTokenExpiry(t *testing.T) {
	ts, clk := newTokens(t, "http://127.0.0.1:0")
	_, ok := ts.AccessToken()
	assert.False(t, ok)

	ts.Set("tok", time.Minute)
	token, ok := ts.AccessToken()
	assert.True(t, ok)
	assert.Equal(t, "tok", token)

	clk.Advance(time.Minute - expirySkew)
	_, ok = ts.AccessToken()
	assert.False(t, ok)
}

func TestRefreshFailureKeepsListenersQuiet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	ts, _ := newTokens(t, srv.URL)
	var calls atomic.Int32
	ts.OnRefreshed(func() { calls.Add(1) })
	ts.RequestRefresh("test")

	require.Eventually(t, func() bool {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		return !ts.refreshing
	}, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, calls.Load())
}

func TestNewClientRejectsEmptyBase(t *testing.T) {
	_, err := NewClient("  ", self, nil, nil)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnauthorized))
}
