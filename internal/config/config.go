// Package config loads Kernel Memory's process configuration from
// environment variables (and optionally a config file), generalizing
// the teacher's envOr/Config-struct pattern onto viper so the cobra
// subcommands in cmd/kmctl can share one loader.
package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Config holds every setting a kmctl subcommand needs.
type Config struct {
	// HTTP surface
	Port       string `mapstructure:"port"`
	CORSOrigin string `mapstructure:"cors_origin"`
	AuthHeader string `mapstructure:"auth_header"`
	AuthKeys   []string `mapstructure:"auth_keys"`

	// Storage
	DataDir      string `mapstructure:"data_dir"`
	DefaultIndex string `mapstructure:"default_index"`

	// Record store backend
	RecordStoreBackend string `mapstructure:"recordstore_backend"` // "memory" | "qdrant"
	QdrantAddr         string `mapstructure:"qdrant_addr"`
	VectorSize         int    `mapstructure:"vector_size"`

	// Queue backend
	QueueBackend string `mapstructure:"queue_backend"` // "inprocess" | "nats"
	NatsURL      string `mapstructure:"nats_url"`

	// Orchestrator
	WorkerPoolSize int `mapstructure:"worker_pool_size"`
	MaxRetries     int `mapstructure:"max_retries"`

	// External collaborators
	EmbeddingBackend string `mapstructure:"embedding_backend"` // "mock" | "openai"
	GeneratorBackend string `mapstructure:"generator_backend"` // "mock" | "openai"
	OpenAIAPIKey     string `mapstructure:"openai_api_key"`
	OpenAIEmbedModel string `mapstructure:"openai_embed_model"`
	OpenAIChatModel  string `mapstructure:"openai_chat_model"`

	// Observability
	LogLevel    string `mapstructure:"log_level"`
	ServiceName string `mapstructure:"service_name"`

	// Retrieval
	EmptyAnswer   string `mapstructure:"empty_answer"`
	SearchTimeout string `mapstructure:"search_timeout"`

	// Resilience, applied to every embedding/generator/record-store call
	BreakerFailThreshold  int     `mapstructure:"breaker_fail_threshold"`
	BreakerTimeout        string  `mapstructure:"breaker_timeout"`
	CollaboratorRateLimit float64 `mapstructure:"collaborator_rate_limit"` // calls/sec, embedding+generator only
	CollaboratorBurst     int     `mapstructure:"collaborator_burst"`
}

// Defaults mirror the teacher's envOr fallback values, adapted to KM's
// collaborators.
func defaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("cors_origin", "*")
	v.SetDefault("auth_header", "Authorization")
	v.SetDefault("auth_keys", []string{})
	v.SetDefault("data_dir", "/tmp/km-data")
	v.SetDefault("default_index", "default")
	v.SetDefault("recordstore_backend", "memory")
	v.SetDefault("qdrant_addr", "localhost:6334")
	v.SetDefault("vector_size", 1536)
	v.SetDefault("queue_backend", "inprocess")
	v.SetDefault("nats_url", "nats://localhost:4222")
	v.SetDefault("worker_pool_size", 0) // 0 == runtime.NumCPU()
	v.SetDefault("max_retries", 10)
	v.SetDefault("embedding_backend", "mock")
	v.SetDefault("generator_backend", "mock")
	v.SetDefault("openai_embed_model", "text-embedding-3-small")
	v.SetDefault("openai_chat_model", "gpt-4o-mini")
	v.SetDefault("log_level", "info")
	v.SetDefault("service_name", "km")
	v.SetDefault("empty_answer", "I don't have enough information to answer that question.")
	v.SetDefault("search_timeout", "10s")
	v.SetDefault("breaker_fail_threshold", 5)
	v.SetDefault("breaker_timeout", "30s")
	v.SetDefault("collaborator_rate_limit", 10.0)
	v.SetDefault("collaborator_burst", 20)
}

// Load reads configuration from environment variables prefixed KM_
// (e.g. KM_PORT, KM_QDRANT_ADDR), optionally overlaid with a config file
// if cfgFile is non-empty.
func Load(cfgFile string) (Config, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvPrefix("km")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
