package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/pulse/rmap"

	"github.com/tripsage/tripsage-core/admission"
	"github.com/tripsage/tripsage-core/features/stream/pulse/clients/pulse"
	"github.com/tripsage/tripsage-core/httpapi"
	"github.com/tripsage/tripsage-core/idempotency"
	"github.com/tripsage/tripsage-core/internal/config"
	"github.com/tripsage/tripsage-core/jobqueue"
	"github.com/tripsage/tripsage-core/ratelimit"
	"github.com/tripsage/tripsage-core/runtime/memory"
	"github.com/tripsage/tripsage-core/runtime/provider"
	"github.com/tripsage/tripsage-core/runtime/router"
	"github.com/tripsage/tripsage-core/runtime/telemetry"
	"github.com/tripsage/tripsage-core/runtime/toolloop"
	"github.com/tripsage/tripsage-core/runtime/tools"
	"github.com/tripsage/tripsage-core/runtime/workflows"
	"github.com/tripsage/tripsage-core/webhook"
)

// deployment bundles the process-lifetime resources wireDependencies opens,
// so main can close them in reverse order on shutdown.
type deployment struct {
	deps        *httpapi.Dependencies
	redis       *redis.Client
	mongoClient *mongodriver.Client
	pulseClient pulse.Client
}

func (d *deployment) Close(ctx context.Context) {
	if d.pulseClient != nil {
		_ = d.pulseClient.Close(ctx)
	}
	if d.mongoClient != nil {
		_ = d.mongoClient.Disconnect(ctx)
	}
	if d.redis != nil {
		_ = d.redis.Close()
	}
}

// wireDependencies constructs every C1-C13 component from cfg, following
// the same "one Redis connection shared by every Pulse-backed concern"
// pattern the teacher's registry.New uses for its own multi-node wiring
// (see goa.design/goa-ai/registry.New).
func wireDependencies(ctx context.Context, cfg *config.Config, logger telemetry.Logger, tracer telemetry.Tracer, metrics telemetry.Metrics) (*deployment, error) {
	redisOpts, err := redis.ParseURL(cfg.KV.URL)
	if err != nil {
		return nil, fmt.Errorf("cmd/tripsage-server: parse KV URL: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cmd/tripsage-server: connect to KV store: %w", err)
	}

	dep := &deployment{redis: redisClient}

	vaultMap, err := rmap.Join(ctx, "tripsage:vault", redisClient)
	if err != nil {
		return nil, fmt.Errorf("cmd/tripsage-server: join vault replicated map: %w", err)
	}
	rateLimitMap, err := rmap.Join(ctx, "tripsage:ratelimit", redisClient)
	if err != nil {
		return nil, fmt.Errorf("cmd/tripsage-server: join rate-limit replicated map: %w", err)
	}
	idempotencyMap, err := rmap.Join(ctx, "tripsage:idempotency", redisClient)
	if err != nil {
		return nil, fmt.Errorf("cmd/tripsage-server: join idempotency replicated map: %w", err)
	}

	masterKey, err := cfg.MasterKeyBytes()
	if err != nil {
		return nil, err
	}
	vault, err := provider.NewAESGCMVault(masterKey, provider.NewRMapKVStore(vaultMap))
	if err != nil {
		return nil, fmt.Errorf("cmd/tripsage-server: init vault: %w", err)
	}

	providers := provider.NewRegistry(vault, provider.Kind(cfg.Providers.DefaultKind))
	providers.RegisterFactory(provider.KindAnthropic, provider.NewAnthropicFactory(provider.AnthropicOptions{
		DefaultModel: cfg.Providers.DefaultModel,
		MaxTokens:    4096,
	}))
	providers.RegisterFactory(provider.KindOpenAI, provider.NewOpenAIFactory(provider.OpenAIOptions{
		DefaultModel: cfg.Providers.DefaultModel,
		MaxTokens:    4096,
	}))
	providers.RegisterFactory(provider.KindBedrock, provider.NewBedrockFactory(provider.BedrockOptions{
		DefaultModel: cfg.Providers.DefaultModel,
		MaxTokens:    4096,
	}))
	if cfg.Providers.AnthropicAPIKey != "" {
		providers.RegisterFallback(provider.KindAnthropic, provider.Credential{Kind: provider.KindAnthropic, APIKey: cfg.Providers.AnthropicAPIKey})
	}
	if cfg.Providers.OpenAIAPIKey != "" {
		providers.RegisterFallback(provider.KindOpenAI, provider.Credential{Kind: provider.KindOpenAI, APIKey: cfg.Providers.OpenAIAPIKey})
	}
	if cfg.Providers.BedrockRegion != "" {
		providers.RegisterFallback(provider.KindBedrock, provider.Credential{Kind: provider.KindBedrock, Region: cfg.Providers.BedrockRegion})
	}

	resolving := provider.NewResolvingClient(providers, provider.Kind(cfg.Providers.DefaultKind), identityFromContext)

	classifierModel := cfg.Providers.ClassifierModel
	if classifierModel == "" {
		classifierModel = cfg.Providers.DefaultModel
	}
	agentRouter := router.New(resolving, classifierModel)

	toolRegistry := tools.NewRegistry()
	if err := tools.RegisterDemoCatalog(toolRegistry); err != nil {
		return nil, err
	}

	engine := toolloop.New(resolving, toolloop.WithLogger(logger), toolloop.WithTracer(tracer))

	bindings := workflows.DefaultBindings(cfg.Providers.DefaultModel)
	handlers := make([]*workflows.Handler, 0, len(bindings))
	for _, binding := range bindings {
		h, err := workflows.NewHandler(binding, toolRegistry, engine)
		if err != nil {
			return nil, fmt.Errorf("cmd/tripsage-server: build workflow handler for %q: %w", binding.Kind, err)
		}
		handlers = append(handlers, h)
	}
	workflowRegistry, err := workflows.NewRegistry(handlers...)
	if err != nil {
		return nil, fmt.Errorf("cmd/tripsage-server: build workflow registry: %w", err)
	}

	mongoClient, err := mongodriver.Connect(options.Client().ApplyURI(cfg.Store.URL))
	if err != nil {
		return nil, fmt.Errorf("cmd/tripsage-server: connect to canonical store: %w", err)
	}
	dep.mongoClient = mongoClient
	if err := mongoClient.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("cmd/tripsage-server: ping canonical store: %w", err)
	}
	coll := mongoClient.Database("tripsage").Collection(memory.DefaultCollectionName)
	if err := memory.EnsureIndexes(ctx, coll); err != nil {
		return nil, fmt.Errorf("cmd/tripsage-server: ensure canonical store indexes: %w", err)
	}

	var embedder provider.Embedder
	if cfg.Providers.OpenAIAPIKey != "" {
		factory := provider.NewOpenAIEmbedderFactory("text-embedding-3-small")
		embedder, err = factory(provider.Credential{Kind: provider.KindOpenAI, APIKey: cfg.Providers.OpenAIAPIKey})
		if err != nil {
			return nil, fmt.Errorf("cmd/tripsage-server: init embedder: %w", err)
		}
	}
	canonicalAdapter := memory.NewCanonicalAdapter(coll, embedder)

	pulseClient, err := pulse.New(pulse.Options{Redis: redisClient})
	if err != nil {
		return nil, fmt.Errorf("cmd/tripsage-server: init pulse client: %w", err)
	}
	dep.pulseClient = pulseClient

	queueCacheAdapter := memory.NewQueueCacheAdapter(pulseClient)
	memoryOrchestrator := memory.New(
		[]memory.Adapter{canonicalAdapter, queueCacheAdapter},
		memory.WithLogger(logger),
		memory.WithMetrics(metrics),
	)

	jobQueue := jobqueue.New(pulseClient, jobqueue.WithLogger(logger))

	idempotencyStore := idempotency.New(idempotencyMap, 24*time.Hour)

	mailer := newEmailer(cfg.Email.APIKey, cfg.Email.From)
	webhookIntake := webhook.New(
		[]byte(cfg.Webhook.Secret),
		idempotency.New(idempotencyMap, 300*time.Second),
		newQueuePublisher(jobQueue),
		webhookBindings(memoryOrchestrator, logger),
		webhook.WithLogger(logger),
	)

	limiter := ratelimit.New(rateLimitMap, func(identity string) ratelimit.FailurePolicy {
		if identity == "" || strings.HasPrefix(identity, "anon:") {
			return ratelimit.FailClosed
		}
		return ratelimit.FailOpen
	})
	for route, budget := range cfg.RateLimits.Routes {
		limiter.Configure(route, ratelimit.Config{Limit: budget.Limit, Window: budget.Window})
	}

	dep.deps = &httpapi.Dependencies{
		Auth:         sessionTokenAuthenticator([]byte(cfg.SessionSecret)),
		Limiter:      limiter,
		Idempotency:  idempotencyStore,
		Providers:    providers,
		Vault:        vault,
		Router:       agentRouter,
		Workflows:    workflowRegistry,
		Memory:       memoryOrchestrator,
		Webhook:      webhookIntake,
		Jobs:         jobQueue,
		JobHandlers:  jobHandlers(mailer),
		QueueSecrets: cfg.QueueSecrets(),
		Logger:       logger,
		Tracer:       tracer,
		Metrics:      metrics,
		EnableDemo:   cfg.EnableDemo,
		Tools:        toolRegistry,
	}
	return dep, nil
}

// identityFromContext adapts admission.IdentityFromContext to
// provider.IdentityFunc.
func identityFromContext(ctx context.Context) string {
	return admission.IdentityFromContext(ctx).UserID
}
