package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmailerSendPostsExpectedPayload(t *testing.T) {
	var received emailMessage
	var authHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := newEmailer("test-key", "noreply@tripsage.example")
	e.endpoint = srv.URL

	err := e.send(context.Background(), "traveler@example.com", "Welcome", "You're in.")
	require.NoError(t, err)

	assert.Equal(t, "Bearer test-key", authHeader)
	assert.Equal(t, "noreply@tripsage.example", received.From)
	assert.Equal(t, "traveler@example.com", received.To)
	assert.Equal(t, "Welcome", received.Subject)
	assert.Equal(t, "You're in.", received.Text)
}

func TestEmailerSendIsNoopWithoutAPIKey(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	e := newEmailer("", "noreply@tripsage.example")
	e.endpoint = srv.URL

	err := e.send(context.Background(), "traveler@example.com", "Welcome", "You're in.")
	require.NoError(t, err)
	assert.False(t, called, "no request should be sent without an API key")
}

func TestEmailerSendReturnsErrorOnNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	e := newEmailer("test-key", "noreply@tripsage.example")
	e.endpoint = srv.URL

	err := e.send(context.Background(), "traveler@example.com", "Welcome", "You're in.")
	assert.Error(t, err)
}
