// Package config loads process configuration for cmd/tripsage-server: a
// YAML base file overridden field-by-field by environment variables, the
// same two-layer shape the teacher's generated services expect from their
// gen/*/config packages, adapted here to a hand-written struct instead of
// DSL-generated bindings.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the fully resolved process configuration.
type Config struct {
	HTTP          HTTPConfig       `yaml:"http"`
	Providers     ProvidersConfig  `yaml:"providers"`
	Vault         VaultConfig      `yaml:"vault"`
	KV            KVConfig         `yaml:"kv"`
	Queue         QueueConfig      `yaml:"queue"`
	Store         StoreConfig      `yaml:"store"`
	Webhook       WebhookConfig    `yaml:"webhook"`
	Email         EmailConfig      `yaml:"email"`
	RateLimits    RateLimitsConfig `yaml:"rate_limits"`
	SessionSecret string           `yaml:"-"`
	EnableDemo    bool             `yaml:"enable_demo"`
}

// HTTPConfig configures the server's listener.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// ProvidersConfig carries the platform-fallback credential for each
// supported model backend. A zero-valued entry means that backend has no
// platform fallback and is only reachable via a caller's BYOK credential.
type ProvidersConfig struct {
	DefaultKind     string `yaml:"default_kind"`
	DefaultModel    string `yaml:"default_model"`
	ClassifierModel string `yaml:"classifier_model"`
	AnthropicAPIKey string `yaml:"-"`
	OpenAIAPIKey    string `yaml:"-"`
	BedrockRegion   string `yaml:"bedrock_region"`
}

// VaultConfig configures the BYOK credential vault.
type VaultConfig struct {
	MasterKeyHex string `yaml:"-"`
}

// KVConfig configures the replicated map backend shared by the rate
// limiter and the idempotency store.
type KVConfig struct {
	URL       string `yaml:"url"`
	RESTToken string `yaml:"-"`
}

// QueueConfig configures the durable job queue, including the current and
// next HMAC secrets used during a rotation window.
type QueueConfig struct {
	URL           string `yaml:"url"`
	SigningSecret string `yaml:"-"`
	NextSecret    string `yaml:"-"`
}

// StoreConfig configures the canonical relational/vector store.
type StoreConfig struct {
	URL            string `yaml:"url"`
	ServiceRoleKey string `yaml:"-"`
	AnonKey        string `yaml:"-"`
}

// WebhookConfig configures inbound webhook verification.
type WebhookConfig struct {
	Secret string `yaml:"-"`
}

// EmailConfig configures the optional outbound email provider used by
// notification-bound workflows and webhook side effects.
type EmailConfig struct {
	APIKey string `yaml:"-"`
	From   string `yaml:"from"`
}

// RateLimitRoute configures one admission rate-limit scope.
type RateLimitRoute struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// RateLimitsConfig configures every admission rate-limit scope by its
// route key (see httpapi.NewRouter's route table).
type RateLimitsConfig struct {
	Routes map[string]RateLimitRoute `yaml:"routes"`
}

// workflowRouteKeys lists every {workflow} path segment httpapi.NewRouter
// accepts, so each gets its own `agents:{workflow}` rate-limit budget
// rather than sharing one static key across every workflow kind.
var workflowRouteKeys = []string{
	"destinations", "flights", "accommodations", "itineraries", "budget", "memory",
}

// DefaultRateLimits matches spec.md's S3 property test fixture (40
// requests/minute for streaming chat) and applies a comparable budget to
// every other authenticated route.
func DefaultRateLimits() RateLimitsConfig {
	minute := time.Minute
	routes := map[string]RateLimitRoute{
		"chat":            {Limit: 60, Window: minute},
		"chat:stream":     {Limit: 40, Window: minute},
		"agents:router":   {Limit: 60, Window: minute},
		"agents:workflow": {Limit: 40, Window: minute},
		"keys:write":      {Limit: 20, Window: minute},
		"keys:validate":   {Limit: 20, Window: minute},
	}
	for _, workflow := range workflowRouteKeys {
		routes["agents:"+workflow] = RateLimitRoute{Limit: 40, Window: minute}
	}
	return RateLimitsConfig{Routes: routes}
}

// Load reads the YAML file at path (if non-empty and present) and layers
// environment variable overrides on top, per spec.md §6's enumerated
// option list. Secrets are sourced exclusively from the environment, never
// from the YAML file, so the file is safe to commit.
func Load(path string) (*Config, error) {
	cfg := &Config{
		HTTP:       HTTPConfig{Addr: ":8080"},
		RateLimits: DefaultRateLimits(),
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %q: %w", path, err)
			}
		} else if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	stringVar(&cfg.HTTP.Addr, "TRIPSAGE_HTTP_ADDR")

	stringVar(&cfg.Providers.DefaultKind, "TRIPSAGE_PROVIDER_DEFAULT_KIND")
	stringVar(&cfg.Providers.DefaultModel, "TRIPSAGE_PROVIDER_DEFAULT_MODEL")
	stringVar(&cfg.Providers.ClassifierModel, "TRIPSAGE_PROVIDER_CLASSIFIER_MODEL")
	stringVar(&cfg.Providers.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	stringVar(&cfg.Providers.OpenAIAPIKey, "OPENAI_API_KEY")
	stringVar(&cfg.Providers.BedrockRegion, "AWS_REGION")

	stringVar(&cfg.Vault.MasterKeyHex, "TRIPSAGE_VAULT_MASTER_KEY")

	stringVar(&cfg.KV.URL, "TRIPSAGE_KV_URL")
	stringVar(&cfg.KV.RESTToken, "TRIPSAGE_KV_REST_TOKEN")

	stringVar(&cfg.Queue.URL, "TRIPSAGE_QUEUE_URL")
	stringVar(&cfg.Queue.SigningSecret, "TRIPSAGE_QUEUE_SIGNING_SECRET")
	stringVar(&cfg.Queue.NextSecret, "TRIPSAGE_QUEUE_SIGNING_SECRET_NEXT")

	stringVar(&cfg.Store.URL, "TRIPSAGE_STORE_URL")
	stringVar(&cfg.Store.ServiceRoleKey, "TRIPSAGE_STORE_SERVICE_ROLE_KEY")
	stringVar(&cfg.Store.AnonKey, "TRIPSAGE_STORE_ANON_KEY")

	stringVar(&cfg.Webhook.Secret, "TRIPSAGE_WEBHOOK_SECRET")
	stringVar(&cfg.SessionSecret, "TRIPSAGE_SESSION_SECRET")

	stringVar(&cfg.Email.APIKey, "TRIPSAGE_EMAIL_API_KEY")
	stringVar(&cfg.Email.From, "TRIPSAGE_EMAIL_FROM")

	if v, ok := os.LookupEnv("ENABLE_DEMO"); ok {
		if parsed, err := strconv.ParseBool(v); err == nil {
			cfg.EnableDemo = parsed
		}
	}
}

func stringVar(dst *string, envKey string) {
	if v, ok := os.LookupEnv(envKey); ok && v != "" {
		*dst = v
	}
}

func (c *Config) validate() error {
	if c.Webhook.Secret == "" {
		return fmt.Errorf("config: TRIPSAGE_WEBHOOK_SECRET is required")
	}
	if c.Queue.SigningSecret == "" {
		return fmt.Errorf("config: TRIPSAGE_QUEUE_SIGNING_SECRET is required")
	}
	if c.SessionSecret == "" {
		return fmt.Errorf("config: TRIPSAGE_SESSION_SECRET is required")
	}
	if c.Vault.MasterKeyHex == "" {
		return fmt.Errorf("config: TRIPSAGE_VAULT_MASTER_KEY is required")
	}
	if _, err := c.MasterKeyBytes(); err != nil {
		return err
	}
	if c.Providers.DefaultKind == "" {
		return fmt.Errorf("config: TRIPSAGE_PROVIDER_DEFAULT_KIND is required")
	}
	return nil
}

// MasterKeyBytes hex-decodes TRIPSAGE_VAULT_MASTER_KEY into the raw key
// material provider.NewAESGCMVault expects, rejecting any length other than
// 16, 24, or 32 bytes (AES-128/192/256).
func (c *Config) MasterKeyBytes() ([]byte, error) {
	raw, err := hex.DecodeString(c.Vault.MasterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("config: TRIPSAGE_VAULT_MASTER_KEY must be hex-encoded: %w", err)
	}
	switch len(raw) {
	case 16, 24, 32:
		return raw, nil
	default:
		return nil, fmt.Errorf("config: TRIPSAGE_VAULT_MASTER_KEY must decode to 16, 24, or 32 bytes, got %d", len(raw))
	}
}

// QueueSecrets returns the current+next signing secret pair as raw bytes,
// supporting a rotation window where both validate.
func (c *Config) QueueSecrets() [][]byte {
	secrets := [][]byte{[]byte(c.Queue.SigningSecret)}
	if c.Queue.NextSecret != "" {
		secrets = append(secrets, []byte(c.Queue.NextSecret))
	}
	return secrets
}
