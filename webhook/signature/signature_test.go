package signature

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignThenVerifyRoundTrip(t *testing.T) {
	secret := []byte("webhook-secret")
	payload := []byte(`{"event":"booking.confirmed"}`)

	header := Sign(secret, payload)
	assert.NoError(t, Verify(secret, payload, header))
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	secret := []byte("webhook-secret")
	header := Sign(secret, []byte(`{"event":"a"}`))
	err := Verify(secret, []byte(`{"event":"b"}`), header)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	payload := []byte(`{"event":"a"}`)
	header := Sign([]byte("secret-a"), payload)
	err := Verify([]byte("secret-b"), payload, header)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyRejectsMalformedHeader(t *testing.T) {
	err := Verify([]byte("secret"), []byte("payload"), "not-a-signature")
	assert.ErrorIs(t, err, ErrMalformedHeader)
}

func TestVerifyAnySupportsSecretRotation(t *testing.T) {
	payload := []byte(`{"event":"a"}`)
	oldSecret := []byte("old-secret")
	newSecret := []byte("new-secret")
	header := Sign(oldSecret, payload)

	err := VerifyAny([][]byte{oldSecret, newSecret}, payload, []string{header})
	assert.NoError(t, err)
}
