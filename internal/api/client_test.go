package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, retries int) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{
		BaseURL:    srv.URL,
		Timeout:    2 * time.Second,
		MaxRetries: retries,
		RetryWait:  time.Millisecond,
	}, zap.NewNop())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestClient_Login(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/login", r.URL.Path)

		var body loginRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body.Email != "a@b.com" || body.Password != "x" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "invalid credentials"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"user":  map[string]string{"id": "u1", "name": "A"},
			"token": "t1",
		})
	}, 0)

	res, err := c.Login(context.Background(), "a@b.com", "x")
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, "u1", res.Data.User.ID)
	assert.Equal(t, "A", res.Data.User.Name)
	assert.Equal(t, "t1", res.Data.Token)
	assert.Nil(t, res.Error)

	res, err = c.Login(context.Background(), "a@b.com", "wrong")
	require.NoError(t, err)
	assert.False(t, res.OK())
	assert.Equal(t, http.StatusUnauthorized, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, "invalid credentials", res.Error.Message)
}

func TestClient_Login_TransportFailure(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1", Timeout: time.Second}, nil)

	_, err := c.Login(context.Background(), "a@b.com", "x")
	assert.Error(t, err)
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			writeJSON(w, http.StatusBadGateway, map[string]string{"message": "upstream"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"user": map[string]string{"id": "u1"}, "token": "t1"})
	}, 2)

	res, err := c.Login(context.Background(), "a@b.com", "x")
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_SetDefaultAuthorization(t *testing.T) {
	var seen atomic.Value
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		seen.Store(r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, map[string]any{"id": "c1", "user": map[string]string{"id": "u2"}})
	}, 0)

	_, err := c.CreateConversation(context.Background(), "bob@b.com")
	require.NoError(t, err)
	assert.Equal(t, "", seen.Load())

	c.SetDefaultAuthorization("t1")
	res, err := c.CreateConversation(context.Background(), "bob@b.com")
	require.NoError(t, err)
	assert.Equal(t, "Bearer t1", seen.Load())
	assert.Equal(t, "c1", res.Data.ID)

	c.SetDefaultAuthorization("")
	_, err = c.CreateConversation(context.Background(), "bob@b.com")
	require.NoError(t, err)
	assert.Equal(t, "", seen.Load())
}

func TestClient_AuthorizationChangesDuringRequests(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		assert.Contains(t, []string{"", "Bearer tok"}, auth)
		writeJSON(w, http.StatusOK, map[string]any{"user": map[string]string{"id": "u1"}, "token": "t1"})
	}, 0)

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			res, err := c.Login(context.Background(), "a@b.com", "x")
			assert.NoError(t, err)
			assert.True(t, res.OK())
		}()
		go func() {
			defer wg.Done()
			c.SetDefaultAuthorization("tok")
			c.SetDefaultAuthorization("")
		}()
	}
	wg.Wait()
}

func TestClient_ErrorWithoutBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}, 0)

	res, err := c.CreateConversation(context.Background(), "nobody@b.com")
	require.NoError(t, err)
	require.NotNil(t, res.Error)
	assert.Equal(t, http.StatusText(http.StatusNotFound), res.Error.Message)
}
