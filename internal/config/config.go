package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/secrets"
)

const (
	UsageSinkMemory   = "memory"
	UsageSinkPostgres = "postgres"
	UsageSinkRedis    = "redis"
	UsageSinkSQS      = "sqs"
)

type Config struct {
	Addr        string
	LogLevel    string
	DatabaseURL string
	RedisURL    string

	UsageSink     string
	UsageQueueURL string
	UsageStream   string

	AWSRegion   string
	SecretsName string

	JWTSecret string
	JWTIssuer string

	RateLimitPerMinute int
	RateLimitWindow    time.Duration

	UpstreamTimeout        time.Duration
	StreamIdleTimeout      time.Duration
	CatalogRefreshInterval time.Duration

	// DemoMode routes every provider to the built-in mock adapter.
	DemoMode          bool
	MockResponseDelay bool

	OpenAIAPIKey     string
	OpenAIBaseURL    string
	DeepSeekAPIKey   string
	DeepSeekBaseURL  string
	AnthropicAPIKey  string
	AnthropicBaseURL string
	OllamaBaseURL    string

	OTLPEndpoint    string
	ShutdownTimeout time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Addr:                   getEnv("ADDR", ":8080"),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		DatabaseURL:            getEnv("DATABASE_URL", ""),
		RedisURL:               getEnv("REDIS_URL", ""),
		UsageSink:              strings.ToLower(getEnv("USAGE_SINK", UsageSinkMemory)),
		UsageQueueURL:          getEnv("USAGE_QUEUE_URL", ""),
		UsageStream:            getEnv("USAGE_STREAM", "llmgateway:usage"),
		AWSRegion:              getEnv("AWS_REGION", ""),
		SecretsName:            getEnv("SECRETS_NAME", ""),
		JWTSecret:              getEnv("JWT_SECRET", ""),
		JWTIssuer:              getEnv("JWT_ISSUER", "llm-gateway"),
		RateLimitPerMinute:     getIntEnv("RATE_LIMIT_PER_MINUTE", 60),
		RateLimitWindow:        getDurationEnv("RATE_LIMIT_WINDOW", 60*time.Second),
		UpstreamTimeout:        getDurationEnv("UPSTREAM_TIMEOUT", 60*time.Second),
		StreamIdleTimeout:      getDurationEnv("STREAM_IDLE_TIMEOUT", 30*time.Second),
		CatalogRefreshInterval: getDurationEnv("CATALOG_REFRESH_INTERVAL", 30*time.Second),
		DemoMode:               getBoolEnv("DEMO_MODE", true),
		MockResponseDelay:      getBoolEnv("MOCK_RESPONSE_DELAY", true),
		OpenAIAPIKey:           getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:          getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		DeepSeekAPIKey:         getEnv("DEEPSEEK_API_KEY", ""),
		DeepSeekBaseURL:        getEnv("DEEPSEEK_BASE_URL", "https://api.deepseek.com/v1"),
		AnthropicAPIKey:        getEnv("ANTHROPIC_API_KEY", ""),
		AnthropicBaseURL:       getEnv("ANTHROPIC_BASE_URL", "https://api.anthropic.com/v1"),
		OllamaBaseURL:          getEnv("OLLAMA_BASE_URL", "http://localhost:11434"),
		OTLPEndpoint:           getEnv("OTLP_ENDPOINT", ""),
		ShutdownTimeout:        getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.UsageSink {
	case UsageSinkMemory:
	case UsageSinkPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("USAGE_SINK=postgres requires DATABASE_URL")
		}
	case UsageSinkRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("USAGE_SINK=redis requires REDIS_URL")
		}
	case UsageSinkSQS:
		if c.UsageQueueURL == "" || c.AWSRegion == "" {
			return fmt.Errorf("USAGE_SINK=sqs requires USAGE_QUEUE_URL and AWS_REGION")
		}
	default:
		return fmt.Errorf("unknown USAGE_SINK %q", c.UsageSink)
	}

	if c.RateLimitPerMinute < 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must not be negative")
	}
	for name, d := range map[string]time.Duration{
		"RATE_LIMIT_WINDOW":        c.RateLimitWindow,
		"UPSTREAM_TIMEOUT":         c.UpstreamTimeout,
		"STREAM_IDLE_TIMEOUT":      c.StreamIdleTimeout,
		"CATALOG_REFRESH_INTERVAL": c.CatalogRefreshInterval,
		"SHUTDOWN_TIMEOUT":         c.ShutdownTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}

// ApplySecrets overrides credentials with the non-empty values in s.
func (c *Config) ApplySecrets(s secrets.GatewaySecrets) {
	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&c.OpenAIAPIKey, s.OpenAIAPIKey)
	override(&c.DeepSeekAPIKey, s.DeepSeekAPIKey)
	override(&c.AnthropicAPIKey, s.AnthropicAPIKey)
	override(&c.JWTSecret, s.JWTSecret)
	override(&c.DatabaseURL, s.DatabaseURL)
	override(&c.RedisURL, s.RedisURL)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDurationEnv accepts Go durations ("90s", "2m") or plain seconds.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
