package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerifySessionTokenRoundTrips(t *testing.T) {
	secret := []byte("top-secret")
	token := signSessionToken(secret, "user-1")

	userID, ok := verifySessionToken(secret, token)
	require.True(t, ok)
	assert.Equal(t, "user-1", userID)
}

func TestVerifySessionTokenRejectsWrongSecret(t *testing.T) {
	token := signSessionToken([]byte("secret-a"), "user-1")
	_, ok := verifySessionToken([]byte("secret-b"), token)
	assert.False(t, ok)
}

func TestVerifySessionTokenRejectsMalformedToken(t *testing.T) {
	for _, token := range []string{"", "no-dot-here", ".", "user.not-hex"} {
		_, ok := verifySessionToken([]byte("secret"), token)
		assert.False(t, ok, "token %q should be rejected", token)
	}
}

func TestBearerTokenPrefersAuthorizationHeaderOverCookie(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer header-token")
	r.AddCookie(&http.Cookie{Name: "tripsage_session", Value: "cookie-token"})

	assert.Equal(t, "header-token", bearerToken(r))
}

func TestBearerTokenFallsBackToCookie(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: "tripsage_session", Value: "cookie-token"})

	assert.Equal(t, "cookie-token", bearerToken(r))
}

func TestBearerTokenEmptyWhenNeitherPresent(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, bearerToken(r))
}

func TestSessionTokenAuthenticatorAcceptsValidToken(t *testing.T) {
	secret := []byte("top-secret")
	auth := sessionTokenAuthenticator(secret)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+signSessionToken(secret, "user-42"))

	identity, ok := auth(r)
	require.True(t, ok)
	assert.True(t, identity.Authenticated)
	assert.Equal(t, "user-42", identity.UserID)
}

func TestSessionTokenAuthenticatorRejectsMissingToken(t *testing.T) {
	auth := sessionTokenAuthenticator([]byte("top-secret"))
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	_, ok := auth(r)
	assert.False(t, ok)
}

func TestSessionTokenAuthenticatorRejectsTamperedToken(t *testing.T) {
	secret := []byte("top-secret")
	auth := sessionTokenAuthenticator(secret)

	token := signSessionToken(secret, "user-42")
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+token+"tampered")

	_, ok := auth(r)
	assert.False(t, ok)
}
