// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/crawl-digest/internal/crawler"
)

// DefaultOllamaURL is where a local Ollama listens by default.
const DefaultOllamaURL = "http://localhost:11434"

// DefaultSystemPrompt is used when a request carries no prompt of its own.
const DefaultSystemPrompt = `Extract high-quality, structured information from this web page for a
retrieval knowledge base. Identify the page title, summarize the main content
in two or three sentences, list the key points, the primary topics (3-7),
any code examples verbatim, and closely related topics.`

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server       ServerConfig            `mapstructure:"server"`
	Auth         AuthConfig              `mapstructure:"auth"`
	Logging      LoggingConfig           `mapstructure:"logging"`
	Orchestrator OrchestratorConfig      `mapstructure:"orchestrator"`
	Crawl        crawler.RequestDefaults `mapstructure:"crawl"`
	Remote       RemoteConfig            `mapstructure:"remote"`
	Local        LocalConfig             `mapstructure:"local"`
	Render       RenderConfig            `mapstructure:"render"`
	LLM          LLMConfig               `mapstructure:"llm"`
	Tasks        TasksConfig             `mapstructure:"tasks"`
	Results      ResultsConfig           `mapstructure:"results"`
	Redis        RedisConfig             `mapstructure:"redis"`
	Database     DatabaseConfig          `mapstructure:"database"`
	Storage      StorageConfig           `mapstructure:"storage"`
	PubSub       PubSubConfig            `mapstructure:"pubsub"`
	Progress     ProgressConfig          `mapstructure:"progress"`
	Telemetry    TelemetryConfig         `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// OrchestratorConfig bounds polling, backend calls and task retention.
type OrchestratorConfig struct {
	// Backends lists backend names in fallback order.
	Backends              []string `mapstructure:"backends"`
	PollIntervalMs        int      `mapstructure:"poll_interval_ms"`
	MaxPollAttempts       int      `mapstructure:"max_poll_attempts"`
	SubmitTimeoutSeconds  int      `mapstructure:"submit_timeout_seconds"`
	RetentionSeconds      int      `mapstructure:"retention_seconds"`
	HealthIntervalSeconds int      `mapstructure:"health_interval_seconds"`
}

// RemoteConfig points at the primary remote crawl service.
type RemoteConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	APIToken       string `mapstructure:"api_token"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	Priority       int    `mapstructure:"priority"`
}

// LocalConfig sizes the in-process backend.
type LocalConfig struct {
	Concurrency    int `mapstructure:"concurrency"`
	QueueDepth     int `mapstructure:"queue_depth"`
	URLConcurrency int `mapstructure:"url_concurrency"`
}

// RenderConfig configures the render engine and page timeouts.
type RenderConfig struct {
	// Engine is one of chromedp, static or auto.
	Engine               string `mapstructure:"engine"`
	MaxParallel          int    `mapstructure:"max_parallel"`
	UserAgent            string `mapstructure:"user_agent"`
	VerifyTimeoutSeconds int    `mapstructure:"verify_timeout_seconds"`
	ScrapeTimeoutSeconds int    `mapstructure:"scrape_timeout_seconds"`
	WaitCondition        string `mapstructure:"wait_condition"`
	PromotionThreshold   int    `mapstructure:"promotion_threshold"`
}

// LLMConfig selects and tunes the language-model endpoint.
type LLMConfig struct {
	// Provider is ollama or anthropic.
	Provider          string   `mapstructure:"provider"`
	BaseURL           string   `mapstructure:"base_url"`
	APIKey            string   `mapstructure:"api_key"`
	TimeoutSeconds    int      `mapstructure:"timeout_seconds"`
	MaxContentChars   int      `mapstructure:"max_content_chars"`
	MaxTokens         int      `mapstructure:"max_tokens"`
	RequestsPerSecond float64  `mapstructure:"requests_per_second"`
	Burst             int      `mapstructure:"burst"`
	DefaultModels     []string `mapstructure:"default_models"`
}

// TasksConfig selects the task registry implementation.
type TasksConfig struct {
	// Store is memory or redis.
	Store string `mapstructure:"store"`
}

// ResultsConfig selects the result persistence implementation.
type ResultsConfig struct {
	// Store is memory, redis, postgres or none.
	Store string `mapstructure:"store"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// DatabaseConfig controls access to Postgres.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	ResultsTable    string        `mapstructure:"results_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// StorageConfig configures the raw HTML archive.
type StorageConfig struct {
	// Backend is none, memory, local or gcs.
	Backend     string `mapstructure:"backend"`
	Bucket      string `mapstructure:"bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
	LocalDir    string `mapstructure:"local_dir"`
}

// PubSubConfig holds metadata for task notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig tunes the progress hub and per-task streams.
type ProgressConfig struct {
	BufferSize        int                 `mapstructure:"buffer_size"`
	SubscriberBuffer  int                 `mapstructure:"subscriber_buffer"`
	HeartbeatSeconds  int                 `mapstructure:"heartbeat_seconds"`
	LogEnabled        bool                `mapstructure:"log_enabled"`
	PrometheusEnabled bool                `mapstructure:"prometheus_enabled"`
	SinkTimeoutMs     int                 `mapstructure:"sink_timeout_ms"`
	Batch             ProgressBatchConfig `mapstructure:"batch"`
}

// ProgressBatchConfig controls hub flushing.
type ProgressBatchConfig struct {
	MaxEvents int `mapstructure:"max_events"`
	MaxWaitMs int `mapstructure:"max_wait_ms"`
}

// TelemetryConfig toggles tracing.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
}

// Load builds a Config from defaults, an optional file and the environment.
// With no explicit path, a config.* file is looked up in the working
// directory, /etc/crawldigest and $HOME/.crawldigest.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/crawldigest/")
		v.AddConfigPath("$HOME/.crawldigest")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("logging.development", true)
	v.SetDefault("orchestrator.backends", []string{"remote", "local"})
	v.SetDefault("orchestrator.poll_interval_ms", 1000)
	v.SetDefault("orchestrator.max_poll_attempts", 30)
	v.SetDefault("orchestrator.submit_timeout_seconds", 5)
	v.SetDefault("orchestrator.retention_seconds", 300)
	v.SetDefault("orchestrator.health_interval_seconds", 30)
	v.SetDefault("crawl.depth", 2)
	v.SetDefault("crawl.max_pages", 50)
	v.SetDefault("crawl.model", "llama3")
	v.SetDefault("crawl.system_prompt", DefaultSystemPrompt)
	v.SetDefault("remote.base_url", "http://localhost:11235")
	v.SetDefault("remote.timeout_seconds", 5)
	v.SetDefault("remote.priority", 10)
	v.SetDefault("local.concurrency", 2)
	v.SetDefault("local.queue_depth", 64)
	v.SetDefault("local.url_concurrency", 4)
	v.SetDefault("render.engine", "chromedp")
	v.SetDefault("render.max_parallel", 2)
	v.SetDefault("render.user_agent", "crawl-digest/0.1")
	v.SetDefault("render.verify_timeout_seconds", 10)
	v.SetDefault("render.scrape_timeout_seconds", 30)
	v.SetDefault("render.wait_condition", string(crawler.WaitNetworkAlmostIdle))
	v.SetDefault("render.promotion_threshold", 2048)
	v.SetDefault("llm.provider", "ollama")
	v.SetDefault("llm.base_url", DefaultOllamaURL)
	v.SetDefault("llm.timeout_seconds", 60)
	v.SetDefault("llm.max_content_chars", 4000)
	v.SetDefault("llm.max_tokens", 1024)
	v.SetDefault("llm.burst", 1)
	v.SetDefault("llm.default_models", []string{"llama3", "phi3", "mistral", "falcon"})
	v.SetDefault("tasks.store", "memory")
	v.SetDefault("results.store", "memory")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.key_prefix", "crawldigest")
	v.SetDefault("database.results_table", "crawl_results")
	v.SetDefault("storage.backend", "none")
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.subscriber_buffer", 64)
	v.SetDefault("progress.heartbeat_seconds", 15)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.prometheus_enabled", true)
	v.SetDefault("progress.sink_timeout_ms", 2000)
	v.SetDefault("progress.batch.max_events", 100)
	v.SetDefault("progress.batch.max_wait_ms", 250)
	v.SetDefault("telemetry.service_name", "crawl-digest")
}

// Validate enforces required values and reasonable limits.
//
//nolint:gocyclo // flat list of independent checks
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Orchestrator.PollIntervalMs <= 0 {
		return fmt.Errorf("orchestrator.poll_interval_ms must be > 0")
	}
	if c.Orchestrator.MaxPollAttempts <= 0 {
		return fmt.Errorf("orchestrator.max_poll_attempts must be > 0")
	}
	if c.Orchestrator.SubmitTimeoutSeconds <= 0 {
		return fmt.Errorf("orchestrator.submit_timeout_seconds must be > 0")
	}
	if len(c.Orchestrator.Backends) == 0 {
		return fmt.Errorf("orchestrator.backends must list at least one backend")
	}
	for _, name := range c.Orchestrator.Backends {
		switch name {
		case "remote":
			if strings.TrimSpace(c.Remote.BaseURL) == "" {
				return fmt.Errorf("remote.base_url must be set when the remote backend is enabled")
			}
		case "local":
			if c.Local.Concurrency <= 0 {
				return fmt.Errorf("local.concurrency must be > 0")
			}
			if c.Local.QueueDepth <= 0 {
				return fmt.Errorf("local.queue_depth must be > 0")
			}
		default:
			return fmt.Errorf("orchestrator.backends: unknown backend %q", name)
		}
	}
	switch c.Render.Engine {
	case "chromedp", "static", "auto":
	default:
		return fmt.Errorf("render.engine must be chromedp, static or auto")
	}
	if c.Render.Engine != "static" && c.Render.MaxParallel <= 0 {
		return fmt.Errorf("render.max_parallel must be > 0 when headless rendering is enabled")
	}
	if c.Render.VerifyTimeoutSeconds <= 0 || c.Render.ScrapeTimeoutSeconds <= 0 {
		return fmt.Errorf("render timeouts must be > 0")
	}
	switch crawler.WaitCondition(c.Render.WaitCondition) {
	case crawler.WaitLoad, crawler.WaitNetworkIdle, crawler.WaitNetworkAlmostIdle:
	default:
		return fmt.Errorf("render.wait_condition %q is not supported", c.Render.WaitCondition)
	}
	switch c.LLM.Provider {
	case "ollama":
		if c.LLM.BaseURL == "" {
			return fmt.Errorf("llm.base_url must be set for the ollama provider")
		}
	case "anthropic":
		if c.LLM.APIKey == "" {
			return fmt.Errorf("llm.api_key must be set for the anthropic provider")
		}
	default:
		return fmt.Errorf("llm.provider must be ollama or anthropic")
	}
	if c.LLM.MaxContentChars <= 0 {
		return fmt.Errorf("llm.max_content_chars must be > 0")
	}
	switch c.Tasks.Store {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr must be set when tasks.store is redis")
		}
	default:
		return fmt.Errorf("tasks.store must be memory or redis")
	}
	switch c.Results.Store {
	case "memory", "none":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr must be set when results.store is redis")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn must be set when results.store is postgres")
		}
	default:
		return fmt.Errorf("results.store must be memory, redis, postgres or none")
	}
	switch c.Storage.Backend {
	case "none", "memory":
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for the local archive")
		}
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set for the gcs archive")
		}
	default:
		return fmt.Errorf("storage.backend must be none, memory, local or gcs")
	}
	return nil
}

// PollInterval converts the configured interval.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Orchestrator.PollIntervalMs) * time.Millisecond
}

// Retention converts the configured retention window.
func (c Config) Retention() time.Duration {
	return time.Duration(c.Orchestrator.RetentionSeconds) * time.Second
}

// VerifyTimeout is the reachability probe budget.
func (c Config) VerifyTimeout() time.Duration {
	return time.Duration(c.Render.VerifyTimeoutSeconds) * time.Second
}

// ScrapeTimeout is the full page load budget.
func (c Config) ScrapeTimeout() time.Duration {
	return time.Duration(c.Render.ScrapeTimeoutSeconds) * time.Second
}
