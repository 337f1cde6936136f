package provider

import (
	"context"
	"fmt"

	"github.com/tripsage/tripsage-core/runtime/model"
)

// IdentityFunc extracts the authenticated caller's user id from a request
// context, e.g. admission.IdentityFromContext. ResolvingClient depends on
// this rather than the admission package directly to avoid a dependency
// from runtime/provider onto the HTTP layer.
type IdentityFunc func(ctx context.Context) string

// ResolvingClient adapts a Registry into a single model.Client, resolving
// the concrete provider per call from the context's authenticated identity.
// The tool-loop engine and router are constructed once at process boot
// (see runtime/toolloop, runtime/router) against one model.Client; wrapping
// the registry this way lets that single boot-time client still honor each
// caller's BYOK credential instead of requiring a client per user.
type ResolvingClient struct {
	registry *Registry
	kind     Kind
	identity IdentityFunc
}

// NewResolvingClient builds a ResolvingClient that resolves kind (or the
// registry's default kind, if kind is empty) for whichever user identity
// fn reports for the call's context.
func NewResolvingClient(registry *Registry, kind Kind, fn IdentityFunc) *ResolvingClient {
	return &ResolvingClient{registry: registry, kind: kind, identity: fn}
}

func (c *ResolvingClient) resolve(ctx context.Context) (model.Client, error) {
	userID := c.identity(ctx)
	client, err := c.registry.Resolve(ctx, userID, c.kind)
	if err != nil {
		return nil, fmt.Errorf("provider: resolve client: %w", err)
	}
	return client, nil
}

// Complete resolves the caller's provider and completes req against it.
func (c *ResolvingClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	client, err := c.resolve(ctx)
	if err != nil {
		return nil, err
	}
	return client.Complete(ctx, req)
}

// Stream resolves the caller's provider and opens a stream against it.
func (c *ResolvingClient) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	client, err := c.resolve(ctx)
	if err != nil {
		return nil, err
	}
	return client.Stream(ctx, req)
}
