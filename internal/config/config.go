// Package config loads the gateway configuration from a YAML document and
// environment overrides, and exposes typed views for each downstream client.
// Precedence: environment > file > built-in defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/developer-mesh/llm-gateway/pkg/models"
)

// ProviderConfig configures the foundation-model provider client.
type ProviderConfig struct {
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token"`
	Endpoint        string `mapstructure:"endpoint"`
	DefaultModel    string `mapstructure:"default_model"`
}

// ObjectStoreConfig configures the S3-compatible object store.
type ObjectStoreConfig struct {
	Bucket         string        `mapstructure:"bucket"`
	Region         string        `mapstructure:"region"`
	Endpoint       string        `mapstructure:"endpoint"`
	ForcePathStyle bool          `mapstructure:"force_path_style"`
	UploadTimeout  time.Duration `mapstructure:"upload_timeout"`
}

// RelationalStoreConfig configures the PostgreSQL connection.
type RelationalStoreConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MinConns        int           `mapstructure:"min_conns"`
	MaxConns        int           `mapstructure:"max_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	CheckoutTimeout time.Duration `mapstructure:"checkout_timeout"`
}

// DSN renders a postgresql:// connection URL.
func (c RelationalStoreConfig) DSN() string {
	return fmt.Sprintf("postgresql://%s:%s@%s:%d/%s?sslmode=%s",
		c.Username, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// ModelFamily identifies the request/response body shape of a model.
type ModelFamily string

const (
	FamilyClaudeChat ModelFamily = "claude_chat"
	FamilyTitanText  ModelFamily = "titan_text"
	FamilyTitanEmbed ModelFamily = "titan_embed"
	FamilyLlama      ModelFamily = "llama"
	FamilyMistral    ModelFamily = "mistral"
	FamilyLocalEmbed ModelFamily = "local_embed"
)

// ModelEntry describes one registered model in the catalog.
type ModelEntry struct {
	ID         string      `mapstructure:"id"`
	Family     ModelFamily `mapstructure:"family"`
	Version    string      `mapstructure:"version"`
	MaxTokens  int         `mapstructure:"max_tokens"`
	Dimensions int         `mapstructure:"dimensions"`
	// Domain marks a domain-expert embedding model ("code", "legal", ...).
	Domain string `mapstructure:"domain"`
	// Local models are served in-process; everything else goes remote.
	Local bool `mapstructure:"local"`
}

// ModelCatalog is the registered family catalog keyed by model id.
type ModelCatalog struct {
	Entries map[string]ModelEntry `mapstructure:"entries"`

	DefaultGeneration string `mapstructure:"default_generation"`
	DefaultEmbedding  string `mapstructure:"default_embedding"`
	PremiumEmbedding  string `mapstructure:"premium_embedding"`
	FastLocal         string `mapstructure:"fast_local"`
}

// Lookup returns the entry for a model id.
func (c ModelCatalog) Lookup(modelID string) (ModelEntry, bool) {
	e, ok := c.Entries[modelID]
	return e, ok
}

// ForDomain returns a registered domain-expert embedding model, if any.
func (c ModelCatalog) ForDomain(domain string) (ModelEntry, bool) {
	if domain == "" {
		return ModelEntry{}, false
	}
	for _, e := range c.Entries {
		if e.Domain == domain && e.Dimensions > 0 {
			return e, true
		}
	}
	return ModelEntry{}, false
}

// TimeoutProfile bounds per-dependency call durations.
type TimeoutProfile struct {
	Connect     time.Duration `mapstructure:"connect"`
	Request     time.Duration `mapstructure:"request"`
	LargeObject time.Duration `mapstructure:"large_object"`
}

// BreakerConfig configures the per-dependency circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	FailureWindow    time.Duration `mapstructure:"failure_window"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
}

// CacheConfig configures the embedding cache store.
type CacheConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	TTL           time.Duration `mapstructure:"ttl"`
	CompressedDim int           `mapstructure:"compressed_dim"`
	// HotEntries sizes the in-process LRU in front of the store.
	HotEntries int `mapstructure:"hot_entries"`
}

// AuditConfig configures the audit recorder.
type AuditConfig struct {
	QueueSize     int           `mapstructure:"queue_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	// Sink selects the append-only destination: "relational" or "log".
	Sink string `mapstructure:"sink"`
}

// APIConfig configures the optional HTTP surface.
type APIConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	ListenAddress string `mapstructure:"listen_address"`
}

// Config holds the complete gateway configuration.
type Config struct {
	Provider        ProviderConfig        `mapstructure:"provider"`
	ObjectStore     ObjectStoreConfig     `mapstructure:"object_store"`
	RelationalStore RelationalStoreConfig `mapstructure:"relational_store"`
	ModelCatalog    ModelCatalog          `mapstructure:"model_catalog"`
	Timeouts        TimeoutProfile        `mapstructure:"timeouts"`
	Breaker         BreakerConfig         `mapstructure:"breaker"`
	Cache           CacheConfig           `mapstructure:"cache"`
	Audit           AuditConfig           `mapstructure:"audit"`
	API             APIConfig             `mapstructure:"api"`
	LogLevel        string                `mapstructure:"log_level"`
	Environment     string                `mapstructure:"environment"`
}

// Load loads configuration from file and environment variables.
func Load() (*Config, error) {
	configFile := os.Getenv("LLMGW_CONFIG_FILE")
	if configFile == "" {
		configFile = "configs/gateway.yaml"
	}
	return LoadFromFile(configFile)
}

// LoadFromFile loads configuration from an explicit file path plus the
// environment. A missing file is not fatal: defaults and environment
// overrides still apply.
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("LLMGW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Common deployment environment variables that don't carry the prefix.
	_ = v.BindEnv("provider.access_key_id", "AWS_ACCESS_KEY_ID")
	_ = v.BindEnv("provider.secret_access_key", "AWS_SECRET_ACCESS_KEY")
	_ = v.BindEnv("provider.session_token", "AWS_SESSION_TOKEN")
	_ = v.BindEnv("provider.region", "AWS_REGION")
	_ = v.BindEnv("object_store.bucket", "LLMGW_S3_BUCKET")
	_ = v.BindEnv("relational_store.host", "PGHOST")
	_ = v.BindEnv("relational_store.port", "PGPORT")
	_ = v.BindEnv("relational_store.database", "PGDATABASE")
	_ = v.BindEnv("relational_store.username", "PGUSER")
	_ = v.BindEnv("relational_store.password", "PGPASSWORD")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if _, statErr := os.Stat(path); statErr == nil {
				return nil, models.WrapError(models.KindConfig,
					fmt.Sprintf("failed to read config file %s", path), err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, models.WrapError(models.KindConfig, "failed to unmarshal config", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Provider.Region == "" {
		return models.NewError(models.KindConfig, "provider.region is required")
	}
	if len(c.ModelCatalog.Entries) == 0 {
		return models.NewError(models.KindConfig, "model_catalog.entries must not be empty")
	}
	for id, e := range c.ModelCatalog.Entries {
		if e.Family == "" {
			return models.NewError(models.KindConfig,
				fmt.Sprintf("model_catalog.entries[%s].family is required", id))
		}
	}
	if c.RelationalStore.MaxConns < c.RelationalStore.MinConns {
		return models.NewError(models.KindConfig, "relational_store.max_conns below min_conns")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")

	v.SetDefault("provider.region", "us-east-1")
	v.SetDefault("provider.default_model", "anthropic.claude-3-sonnet-20240229-v1:0")

	v.SetDefault("object_store.region", "us-east-1")
	v.SetDefault("object_store.upload_timeout", 30*time.Minute)

	v.SetDefault("relational_store.host", "localhost")
	v.SetDefault("relational_store.port", 5432)
	v.SetDefault("relational_store.database", "llm_gateway")
	v.SetDefault("relational_store.username", "postgres")
	v.SetDefault("relational_store.ssl_mode", "disable")
	v.SetDefault("relational_store.min_conns", 1)
	v.SetDefault("relational_store.max_conns", 10)
	v.SetDefault("relational_store.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("relational_store.checkout_timeout", 5*time.Second)

	v.SetDefault("timeouts.connect", 10*time.Second)
	v.SetDefault("timeouts.request", 300*time.Second)
	v.SetDefault("timeouts.large_object", 30*time.Minute)

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.failure_window", 60*time.Second)
	v.SetDefault("breaker.reset_timeout", 60*time.Second)

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.ttl", 30*24*time.Hour)
	v.SetDefault("cache.compressed_dim", 256)
	v.SetDefault("cache.hot_entries", 4096)

	v.SetDefault("audit.queue_size", 1024)
	v.SetDefault("audit.batch_size", 64)
	v.SetDefault("audit.flush_interval", 2*time.Second)
	v.SetDefault("audit.sink", "relational")

	v.SetDefault("api.enabled", false)
	v.SetDefault("api.listen_address", ":8080")

	v.SetDefault("model_catalog.default_generation", "anthropic.claude-3-sonnet-20240229-v1:0")
	v.SetDefault("model_catalog.default_embedding", "amazon.titan-embed-text-v1")
	v.SetDefault("model_catalog.premium_embedding", "amazon.titan-embed-text-v2:0")
	v.SetDefault("model_catalog.fast_local", "local.minilm-fast-v1")
	v.SetDefault("model_catalog.entries", defaultCatalogEntries())
}

func defaultCatalogEntries() map[string]map[string]interface{} {
	return map[string]map[string]interface{}{
		"anthropic.claude-3-sonnet-20240229-v1:0": {
			"id": "anthropic.claude-3-sonnet-20240229-v1:0", "family": string(FamilyClaudeChat),
			"version": "bedrock-2023-05-31", "max_tokens": 4096,
		},
		"anthropic.claude-3-haiku-20240307-v1:0": {
			"id": "anthropic.claude-3-haiku-20240307-v1:0", "family": string(FamilyClaudeChat),
			"version": "bedrock-2023-05-31", "max_tokens": 4096,
		},
		"amazon.titan-text-express-v1": {
			"id": "amazon.titan-text-express-v1", "family": string(FamilyTitanText),
			"version": "v1", "max_tokens": 8192,
		},
		"amazon.titan-embed-text-v1": {
			"id": "amazon.titan-embed-text-v1", "family": string(FamilyTitanEmbed),
			"version": "v1", "dimensions": 1536,
		},
		"amazon.titan-embed-text-v2:0": {
			"id": "amazon.titan-embed-text-v2:0", "family": string(FamilyTitanEmbed),
			"version": "v2", "dimensions": 1024,
		},
		"meta.llama3-70b-instruct-v1:0": {
			"id": "meta.llama3-70b-instruct-v1:0", "family": string(FamilyLlama),
			"version": "v1", "max_tokens": 2048,
		},
		"mistral.mistral-7b-instruct-v0:2": {
			"id": "mistral.mistral-7b-instruct-v0:2", "family": string(FamilyMistral),
			"version": "v0.2", "max_tokens": 8192,
		},
		"mistral.mixtral-8x7b-instruct-v0:1": {
			"id": "mistral.mixtral-8x7b-instruct-v0:1", "family": string(FamilyMistral),
			"version": "v0.1", "max_tokens": 4096,
		},
		"local.minilm-fast-v1": {
			"id": "local.minilm-fast-v1", "family": string(FamilyLocalEmbed),
			"version": "v1", "dimensions": 384, "local": true,
		},
		"local.code-expert-v1": {
			"id": "local.code-expert-v1", "family": string(FamilyLocalEmbed),
			"version": "v1", "dimensions": 384, "local": true, "domain": "code",
		},
	}
}
