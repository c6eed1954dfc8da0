package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/normanking/cortex-rag/internal/breaker"
	"github.com/normanking/cortex-rag/internal/embedding"
	"github.com/normanking/cortex-rag/internal/engine"
	"github.com/normanking/cortex-rag/internal/llm"
	"github.com/normanking/cortex-rag/internal/logging"
	"github.com/normanking/cortex-rag/internal/retrieval"
	"github.com/normanking/cortex-rag/internal/router"
	"github.com/normanking/cortex-rag/internal/vectorstore"
	"github.com/normanking/cortex-rag/internal/websearch"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CORTEX_RAG"

// Config holds all cortex-rag configuration. It is loaded from
// ~/.cortex-rag/config.yaml and can be overridden by environment variables.
type Config struct {
	LLM       LLMConfig       `mapstructure:"llm" yaml:"llm"`
	Router    RouterConfig    `mapstructure:"router" yaml:"router"`
	Retrieval RetrievalConfig `mapstructure:"retrieval" yaml:"retrieval"`
	Breaker   breaker.Config  `mapstructure:"breaker" yaml:"breaker"`
	Engine    EngineConfig    `mapstructure:"engine" yaml:"engine"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Logging   logging.Config  `mapstructure:"logging" yaml:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`

	// Credentials maps tenant → vendor → API key.
	Credentials map[string]map[string]string `mapstructure:"credentials" yaml:"credentials,omitempty"`
}

// LLMConfig contains configuration for Language Model providers.
type LLMConfig struct {
	// DefaultProvider is used when a request names neither provider nor model
	DefaultProvider string `mapstructure:"default_provider" yaml:"default_provider"`
	DefaultModel    string `mapstructure:"default_model" yaml:"default_model"`

	// FallbackProvider answers when the primary is failing. Empty disables fallback.
	FallbackProvider string `mapstructure:"fallback_provider" yaml:"fallback_provider"`
	FallbackModel    string `mapstructure:"fallback_model" yaml:"fallback_model"`

	// Providers maps provider names to their specific configuration
	Providers map[string]ProviderConfig `mapstructure:"providers" yaml:"providers"`
}

// ProviderConfig contains configuration for a specific LLM provider.
type ProviderConfig struct {
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	// APIKey is the process default credential. Empty falls back to the
	// vendor's conventional environment variable.
	APIKey    string        `mapstructure:"api_key" yaml:"api_key"`
	Model     string        `mapstructure:"model" yaml:"model,omitempty"`
	MaxTokens int           `mapstructure:"max_tokens" yaml:"max_tokens,omitempty"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout,omitempty"`
}

// RouterConfig configures intent routing.
type RouterConfig struct {
	CacheTTL      time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
	CacheCapacity int           `mapstructure:"cache_capacity" yaml:"cache_capacity"`
	CacheRetain   int           `mapstructure:"cache_retain" yaml:"cache_retain"`

	Classifier ClassifierConfig `mapstructure:"classifier" yaml:"classifier"`

	// DefaultUseIndex and DefaultUseWeb shape the fallback decision.
	DefaultUseIndex bool `mapstructure:"default_use_index" yaml:"default_use_index"`
	DefaultUseWeb   bool `mapstructure:"default_use_web" yaml:"default_use_web"`

	// DocumentKeywords always route to the document index.
	DocumentKeywords []string `mapstructure:"document_keywords" yaml:"document_keywords,omitempty"`
}

// ClassifierConfig configures model-assisted classification.
type ClassifierConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Provider string        `mapstructure:"provider" yaml:"provider"`
	Model    string        `mapstructure:"model" yaml:"model"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// RetrievalConfig configures context retrieval.
type RetrievalConfig struct {
	retrieval.Config `mapstructure:",squash" yaml:",inline"`

	Qdrant    QdrantConfig    `mapstructure:"qdrant" yaml:"qdrant"`
	Embedding EmbeddingConfig `mapstructure:"embedding" yaml:"embedding"`
	Web       WebConfig       `mapstructure:"web" yaml:"web"`
}

// QdrantConfig configures the document index.
type QdrantConfig struct {
	Enabled                  bool `mapstructure:"enabled" yaml:"enabled"`
	vectorstore.QdrantConfig `mapstructure:",squash" yaml:",inline"`
}

// EmbeddingConfig configures query embedding.
type EmbeddingConfig struct {
	embedding.OllamaConfig `mapstructure:",squash" yaml:",inline"`
	CacheSize              int `mapstructure:"cache_size" yaml:"cache_size"`
}

// WebConfig configures web search.
type WebConfig struct {
	Enabled          bool `mapstructure:"enabled" yaml:"enabled"`
	websearch.Config `mapstructure:",squash" yaml:",inline"`
}

// EngineConfig configures generation.
type EngineConfig struct {
	SystemPrompt string        `mapstructure:"system_prompt" yaml:"system_prompt"`
	Temperature  float64       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens    int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	MemoryLimit  int           `mapstructure:"memory_limit" yaml:"memory_limit"`
	LogTimeout   time.Duration `mapstructure:"log_timeout" yaml:"log_timeout"`
}

// StorageConfig configures the SQLite database for memory and the
// conversation log.
type StorageConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	DBPath  string `mapstructure:"db_path" yaml:"db_path"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// DEFAULTS
// ═══════════════════════════════════════════════════════════════════════════════

// Default returns a Config with sensible default values.
func Default() *Config {
	dataDir := DataDir()

	providers := make(map[string]ProviderConfig)
	for _, v := range llm.AllVendors() {
		d := llm.DefaultClientConfig(v)
		providers[string(v)] = ProviderConfig{Endpoint: d.Endpoint, Model: d.Model}
	}

	return &Config{
		LLM: LLMConfig{
			DefaultProvider: string(llm.VendorOllama),
			DefaultModel:    "llama3.2",
			Providers:       providers,
		},
		Router: RouterConfig{
			CacheTTL:      router.DefaultCacheTTL,
			CacheCapacity: router.DefaultCacheCapacity,
			CacheRetain:   router.DefaultCacheRetain,
			Classifier: ClassifierConfig{
				Enabled:  true,
				Provider: string(llm.VendorOllama),
				Model:    "llama3.2",
				Timeout:  router.DefaultClassifierTimeout,
			},
			DefaultUseIndex: true,
		},
		Retrieval: RetrievalConfig{
			Config: retrieval.DefaultConfig(),
			Qdrant: QdrantConfig{
				Enabled:      true,
				QdrantConfig: vectorstore.DefaultQdrantConfig(),
			},
			Embedding: EmbeddingConfig{
				OllamaConfig: embedding.DefaultOllamaConfig(),
				CacheSize:    embedding.DefaultCacheSize,
			},
			Web: WebConfig{
				Enabled: true,
				Config:  websearch.DefaultConfig(),
			},
		},
		Breaker: breaker.DefaultConfig(),
		Engine: EngineConfig{
			SystemPrompt: engine.DefaultSystemPrompt,
			Temperature:  0.7,
			MaxTokens:    4096,
			MemoryLimit:  engine.DefaultMemoryLimit,
			LogTimeout:   engine.DefaultLogTimeout,
		},
		Storage: StorageConfig{
			Enabled: true,
			DBPath:  filepath.Join(dataDir, "cortex-rag.db"),
		},
		Logging: logging.Config{
			Level: "info",
			File:  filepath.Join(dataDir, "logs", "cortex-rag.log"),
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9464",
		},
	}
}

// DataDir returns the cortex-rag data directory (~/.cortex-rag).
func DataDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".cortex-rag")
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(DataDir(), "config.yaml")
}

// ═══════════════════════════════════════════════════════════════════════════════
// LOAD / SAVE
// ═══════════════════════════════════════════════════════════════════════════════

// Load reads configuration from the default location.
func Load() (*Config, error) {
	return LoadFromPath(DefaultPath())
}

// LoadFromPath reads configuration from a specific file path and merges with
// environment variables. If the file doesn't exist, it creates one with default values.
func LoadFromPath(path string) (*Config, error) {
	path = expandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeConfigFile(path, Default()); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Example: CORTEX_RAG_LLM_PROVIDERS_OPENAI_API_KEY
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Start from defaults so keys missing from an older file keep their value
	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Storage.DBPath = expandPath(cfg.Storage.DBPath)
	cfg.Logging.File = expandPath(cfg.Logging.File)
	return cfg, nil
}

// SaveToPath writes the configuration to a specific file path.
func (c *Config) SaveToPath(path string) error {
	path = expandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return writeConfigFile(path, c)
}

// Redacted returns a copy safe to print: every credential is masked.
func (c *Config) Redacted() *Config {
	out := *c
	out.LLM.Providers = make(map[string]ProviderConfig, len(c.LLM.Providers))
	for name, p := range c.LLM.Providers {
		p.APIKey = logging.MaskKey(p.APIKey)
		out.LLM.Providers[name] = p
	}
	out.Retrieval.Web.APIKey = logging.MaskKey(c.Retrieval.Web.APIKey)
	if c.Credentials != nil {
		out.Credentials = make(map[string]map[string]string, len(c.Credentials))
		for tenant, keys := range c.Credentials {
			masked := make(map[string]string, len(keys))
			for vendor, key := range keys {
				masked[vendor] = logging.MaskKey(key)
			}
			out.Credentials[tenant] = masked
		}
	}
	return &out
}

// YAML renders the configuration as it would be saved.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// ═══════════════════════════════════════════════════════════════════════════════
// VALIDATION
// ═══════════════════════════════════════════════════════════════════════════════

// Validate checks the configuration for common errors and inconsistencies.
func (c *Config) Validate() error {
	if !llm.Vendor(c.LLM.DefaultProvider).IsValid() {
		return fmt.Errorf("llm.default_provider %q is not a supported provider", c.LLM.DefaultProvider)
	}
	if c.LLM.FallbackProvider != "" && !llm.Vendor(c.LLM.FallbackProvider).IsValid() {
		return fmt.Errorf("llm.fallback_provider %q is not a supported provider", c.LLM.FallbackProvider)
	}
	for name := range c.LLM.Providers {
		if !llm.Vendor(name).IsValid() {
			return fmt.Errorf("llm.providers: unknown provider %q", name)
		}
	}

	if c.Router.CacheCapacity < 1 {
		return fmt.Errorf("router.cache_capacity must be positive")
	}
	if c.Router.CacheRetain < 1 || c.Router.CacheRetain > c.Router.CacheCapacity {
		return fmt.Errorf("router.cache_retain must be between 1 and cache_capacity")
	}
	if c.Router.CacheTTL <= 0 {
		return fmt.Errorf("router.cache_ttl must be positive")
	}
	if c.Router.Classifier.Enabled {
		if !llm.Vendor(c.Router.Classifier.Provider).IsValid() {
			return fmt.Errorf("router.classifier.provider %q is not a supported provider", c.Router.Classifier.Provider)
		}
		if c.Router.Classifier.Timeout <= 0 {
			return fmt.Errorf("router.classifier.timeout must be positive")
		}
	}

	if c.Retrieval.Threshold <= 0 || c.Retrieval.Threshold > 1 {
		return fmt.Errorf("retrieval.threshold must be in (0, 1]")
	}
	if c.Retrieval.Limit < 1 {
		return fmt.Errorf("retrieval.limit must be positive")
	}
	if c.Retrieval.Qdrant.Enabled && (c.Retrieval.Qdrant.Port < 1 || c.Retrieval.Qdrant.Port > 65535) {
		return fmt.Errorf("retrieval.qdrant.port %d out of range", c.Retrieval.Qdrant.Port)
	}

	if c.Breaker.FailureThreshold < 1 || c.Breaker.SuccessThreshold < 1 || c.Breaker.HalfOpenMaxCalls < 1 {
		return fmt.Errorf("breaker thresholds must be positive")
	}
	if c.Breaker.RecoveryTimeout <= 0 {
		return fmt.Errorf("breaker.recovery_timeout must be positive")
	}

	if c.Engine.Temperature < 0 || c.Engine.Temperature > 2 {
		return fmt.Errorf("engine.temperature must be in [0, 2]")
	}
	if c.Engine.MemoryLimit < 0 {
		return fmt.Errorf("engine.memory_limit cannot be negative")
	}

	if c.Storage.Enabled && c.Storage.DBPath == "" {
		return fmt.Errorf("storage.db_path cannot be empty when storage is enabled")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr cannot be empty when metrics are enabled")
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// COMPONENT SETTINGS
// ═══════════════════════════════════════════════════════════════════════════════

// ClientConfig returns the connection settings for a vendor: built-in
// defaults overlaid with the providers section.
func (c *Config) ClientConfig(v llm.Vendor) *llm.ClientConfig {
	cc := llm.DefaultClientConfig(v)
	p, ok := c.LLM.Providers[string(v)]
	if !ok {
		return cc
	}
	if p.Endpoint != "" {
		cc.Endpoint = p.Endpoint
	}
	if p.APIKey != "" {
		cc.APIKey = p.APIKey
	}
	if p.Model != "" {
		cc.Model = p.Model
	}
	if p.MaxTokens > 0 {
		cc.MaxTokens = p.MaxTokens
	}
	if p.Timeout > 0 {
		cc.Timeout = p.Timeout
	}
	return cc
}

// EngineConfig returns the engine settings.
func (c *Config) EngineConfig() engine.Config {
	temperature := c.Engine.Temperature
	return engine.Config{
		DefaultVendor:  llm.Vendor(c.LLM.DefaultProvider),
		DefaultModel:   c.LLM.DefaultModel,
		FallbackVendor: llm.Vendor(c.LLM.FallbackProvider),
		FallbackModel:  c.LLM.FallbackModel,
		SystemPrompt:   c.Engine.SystemPrompt,
		Temperature:    &temperature,
		MaxTokens:      c.Engine.MaxTokens,
		MemoryLimit:    c.Engine.MemoryLimit,
		LogTimeout:     c.Engine.LogTimeout,
	}
}

// RouterOptions returns the router settings. classifier is used only when
// classification is enabled.
func (c *Config) RouterOptions(classifier router.Classifier) []router.Option {
	opts := []router.Option{
		router.WithCacheTTL(c.Router.CacheTTL),
		router.WithCacheCapacity(c.Router.CacheCapacity, c.Router.CacheRetain),
		router.WithClassifierTimeout(c.Router.Classifier.Timeout),
		router.WithDefaultDecision(c.Router.DefaultUseIndex, c.Router.DefaultUseWeb),
		router.WithDocumentKeywords(c.Router.DocumentKeywords...),
	}
	if c.Router.Classifier.Enabled && classifier != nil {
		opts = append(opts, router.WithClassifier(classifier))
	}
	return opts
}

// writeConfigFile writes a Config struct to a YAML file.
// Uses gopkg.in/yaml.v3 directly to ensure proper tag-based serialization.
func writeConfigFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	// The file may hold credentials
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// expandPath expands ~ to the user's home directory in a path string.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[1:])
	}
	return path
}
