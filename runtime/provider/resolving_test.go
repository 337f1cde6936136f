package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tripsage/tripsage-core/runtime/model"
)

func TestResolvingClientCompletesAgainstResolvedUser(t *testing.T) {
	vault, err := NewMemoryVault(testMasterKey())
	require.NoError(t, err)
	ctx := context.Background()
	_, err = vault.Seal(ctx, "user-1", Credential{Kind: KindAnthropic, APIKey: "byok-key"})
	require.NoError(t, err)

	registry := NewRegistry(vault, KindAnthropic)
	var seen []Kind
	registry.RegisterFactory(KindAnthropic, func(cred Credential) (model.Client, error) {
		seen = append(seen, cred.Kind)
		return &fakeClient{kind: cred.Kind}, nil
	})

	type ctxKey int
	const userKey ctxKey = 0
	identity := func(ctx context.Context) string {
		v, _ := ctx.Value(userKey).(string)
		return v
	}

	client := NewResolvingClient(registry, KindAnthropic, identity)

	reqCtx := context.WithValue(ctx, userKey, "user-1")
	_, err = client.Complete(reqCtx, &model.Request{})
	require.NoError(t, err)
	require.Len(t, seen, 1)
	assert.Equal(t, KindAnthropic, seen[0])
}

func TestResolvingClientPropagatesResolutionFailure(t *testing.T) {
	vault, err := NewMemoryVault(testMasterKey())
	require.NoError(t, err)
	registry := NewRegistry(vault, KindAnthropic)
	identity := func(context.Context) string { return "anonymous" }

	client := NewResolvingClient(registry, KindAnthropic, identity)

	_, err = client.Complete(context.Background(), &model.Request{})
	assert.ErrorIs(t, err, ErrNoProviderAvailable)
}
