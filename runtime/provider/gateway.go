package provider

import (
	"context"
	"errors"

	"github.com/tripsage/tripsage-core/runtime/model"
)

// ErrProviderRequired is returned by NewGateway when no provider client is
// configured.
var ErrProviderRequired = errors.New("provider: gateway requires a provider client")

type (
	// UnaryHandler processes a single model.Complete call.
	UnaryHandler func(ctx context.Context, req *model.Request) (*model.Response, error)

	// StreamHandler processes a model.Stream call by invoking send for each
	// chunk. Returning an error from send aborts the stream.
	StreamHandler func(ctx context.Context, req *model.Request, send func(model.Chunk) error) error

	// UnaryMiddleware wraps a UnaryHandler with cross-cutting behavior
	// (rate limiting, telemetry, retries).
	UnaryMiddleware func(next UnaryHandler) UnaryHandler

	// StreamMiddleware wraps a StreamHandler with cross-cutting behavior.
	StreamMiddleware func(next StreamHandler) StreamHandler

	// GatewayOption configures a Gateway during construction.
	GatewayOption func(*gatewayConfig)

	gatewayConfig struct {
		provider model.Client
		unaryMW  []UnaryMiddleware
		streamMW []StreamMiddleware
	}

	// Gateway composes a resolved model.Client with an onion of unary and
	// stream middleware. Its Stream takes a send callback, so a Gateway is
	// not itself a model.Client; the server wiring does not construct one,
	// and the tool-loop engine and router call a model.Client directly.
	Gateway struct {
		provider model.Client
		unary    UnaryHandler
		stream   StreamHandler
	}
)

// WithGatewayProvider sets the underlying model client. Required.
func WithGatewayProvider(p model.Client) GatewayOption {
	return func(c *gatewayConfig) { c.provider = p }
}

// WithGatewayUnary appends unary middleware, applied in registration order
// with the first registered forming the outermost layer.
func WithGatewayUnary(mw ...UnaryMiddleware) GatewayOption {
	return func(c *gatewayConfig) { c.unaryMW = append(c.unaryMW, mw...) }
}

// WithGatewayStream appends stream middleware, applied in registration order.
func WithGatewayStream(mw ...StreamMiddleware) GatewayOption {
	return func(c *gatewayConfig) { c.streamMW = append(c.streamMW, mw...) }
}

// NewGateway builds a Gateway from the given options.
func NewGateway(opts ...GatewayOption) (*Gateway, error) {
	var cfg gatewayConfig
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.provider == nil {
		return nil, ErrProviderRequired
	}

	baseUnary := func(ctx context.Context, req *model.Request) (*model.Response, error) {
		return cfg.provider.Complete(ctx, req)
	}
	baseStream := func(ctx context.Context, req *model.Request, send func(model.Chunk) error) error {
		st, err := cfg.provider.Stream(ctx, req)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()
		for {
			chunk, err := st.Recv()
			if err != nil {
				return err
			}
			if err := send(chunk); err != nil {
				return err
			}
		}
	}

	unary := baseUnary
	for i := len(cfg.unaryMW) - 1; i >= 0; i-- {
		unary = cfg.unaryMW[i](unary)
	}
	stream := baseStream
	for i := len(cfg.streamMW) - 1; i >= 0; i-- {
		stream = cfg.streamMW[i](stream)
	}

	return &Gateway{provider: cfg.provider, unary: unary, stream: stream}, nil
}

// Complete runs req through the unary middleware chain.
func (g *Gateway) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	return g.unary(ctx, req)
}

// Stream runs req through the stream middleware chain, invoking send for
// each chunk produced by the underlying provider.
func (g *Gateway) Stream(ctx context.Context, req *model.Request, send func(model.Chunk) error) error {
	return g.stream(ctx, req, send)
}
