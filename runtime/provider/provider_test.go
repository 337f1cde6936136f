package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tripsage/tripsage-core/runtime/model"
)

func testMasterKey() []byte {
	return []byte("0123456789abcdef0123456789abcdef")
}

func TestAESGCMVaultSealOpenRoundTrip(t *testing.T) {
	vault, err := NewMemoryVault(testMasterKey())
	require.NoError(t, err)

	ctx := context.Background()
	cred := Credential{Kind: KindAnthropic, APIKey: "sk-ant-test-key"}

	_, err = vault.Seal(ctx, "user-1", cred)
	require.NoError(t, err)

	got, ok, err := vault.Open(ctx, "user-1", KindAnthropic)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, cred, got)
}

func TestAESGCMVaultOpenMissingReturnsNotFound(t *testing.T) {
	vault, err := NewMemoryVault(testMasterKey())
	require.NoError(t, err)

	_, ok, err := vault.Open(context.Background(), "no-such-user", KindOpenAI)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAESGCMVaultRejectsCrossUserDecryption(t *testing.T) {
	vault, err := NewMemoryVault(testMasterKey())
	require.NoError(t, err)

	ctx := context.Background()
	_, err = vault.Seal(ctx, "user-1", Credential{Kind: KindAnthropic, APIKey: "secret"})
	require.NoError(t, err)

	// The sealed credential is bound to user-1 via AEAD additional data;
	// opening the same vault key under a different user id must fail.
	store := vault.store.(*MemoryKVStore)
	raw, ok, err := store.Get(ctx, vaultKey("user-1", KindAnthropic))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.Set(ctx, vaultKey("user-2", KindAnthropic), raw))

	_, _, err = vault.Open(ctx, "user-2", KindAnthropic)
	assert.ErrorIs(t, err, ErrCredentialInvalid)
}

type fakeClient struct {
	kind Kind
}

func (f *fakeClient) Complete(context.Context, *model.Request) (*model.Response, error) {
	return &model.Response{}, nil
}

func (f *fakeClient) Stream(context.Context, *model.Request) (model.Streamer, error) {
	return nil, nil
}

func TestRegistryPrefersBYOKOverFallback(t *testing.T) {
	vault, err := NewMemoryVault(testMasterKey())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, func() error {
		_, err := vault.Seal(ctx, "user-1", Credential{Kind: KindAnthropic, APIKey: "byok-key"})
		return err
	}())

	reg := NewRegistry(vault, KindAnthropic)
	var used Credential
	reg.RegisterFactory(KindAnthropic, func(cred Credential) (model.Client, error) {
		used = cred
		return &fakeClient{kind: KindAnthropic}, nil
	})
	reg.RegisterFallback(KindAnthropic, Credential{Kind: KindAnthropic, APIKey: "platform-key"})

	_, err = reg.Resolve(ctx, "user-1", "")
	require.NoError(t, err)
	assert.Equal(t, "byok-key", used.APIKey)
}

func TestRegistryFallsBackWhenNoBYOK(t *testing.T) {
	vault, err := NewMemoryVault(testMasterKey())
	require.NoError(t, err)

	reg := NewRegistry(vault, KindAnthropic)
	var used Credential
	reg.RegisterFactory(KindAnthropic, func(cred Credential) (model.Client, error) {
		used = cred
		return &fakeClient{}, nil
	})
	reg.RegisterFallback(KindAnthropic, Credential{Kind: KindAnthropic, APIKey: "platform-key"})

	_, err = reg.Resolve(context.Background(), "user-without-byok", "")
	require.NoError(t, err)
	assert.Equal(t, "platform-key", used.APIKey)
}

func TestRegistryReturnsErrNoProviderAvailable(t *testing.T) {
	reg := NewRegistry(nil, KindOpenAI)
	reg.RegisterFactory(KindOpenAI, func(cred Credential) (model.Client, error) {
		return &fakeClient{}, nil
	})

	_, err := reg.Resolve(context.Background(), "anyone", "")
	assert.ErrorIs(t, err, ErrNoProviderAvailable)
}
