package config

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	EnvPrefix = "VOICEBRIDGE_"

	// EnvConfigFile names an optional YAML file. Keys are the environment
	// variable names without the prefix, lowercased (redis_url, provider, ...).
	EnvConfigFile = EnvPrefix + "CONFIG_FILE"

	maxConfigFileSize = 1 << 20
)

const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

type Config struct {
	Addr string `koanf:"addr"`

	// PublicBaseURL is the externally visible scheme://host the telephony
	// provider signs requests against. Empty means derive it from the request.
	PublicBaseURL string `koanf:"public_base_url"`
	// TwilioAuthToken enables X-Twilio-Signature validation when set.
	TwilioAuthToken string `koanf:"twilio_auth_token"`
	// If true, the rate-limit key may come from X-Forwarded-For / X-Real-IP.
	TrustProxyHeaders bool `koanf:"trust_proxy_headers"`

	Provider       string        `koanf:"provider"`
	OpenAIAPIKey   string        `koanf:"openai_api_key"`
	OpenAIModel    string        `koanf:"openai_model"`
	OpenAIURL      string        `koanf:"openai_url"`
	GeminiAPIKey   string        `koanf:"gemini_api_key"`
	GeminiModel    string        `koanf:"gemini_model"`
	Voice          string        `koanf:"voice"`
	Language       string        `koanf:"language"`
	Instructions   string        `koanf:"instructions"`
	ConnectTimeout time.Duration `koanf:"connect_timeout"`

	RedisURL            string        `koanf:"redis_url"`
	SessionTTL          time.Duration `koanf:"session_ttl"`
	SessionDeleteOnEnd  bool          `koanf:"session_delete_on_end"`
	FallbackIdleTimeout time.Duration `koanf:"fallback_idle_timeout"`
	FallbackMaxSessions int           `koanf:"fallback_max_sessions"`
	StoreTimeout        time.Duration `koanf:"store_timeout"`

	DatabaseURL     string        `koanf:"database_url"`
	TenantCacheSize int           `koanf:"tenant_cache_size"`
	TenantCacheTTL  time.Duration `koanf:"tenant_cache_ttl"`
	MigrateOnStart  bool          `koanf:"migrate_on_start"`

	NATSURL       string        `koanf:"nats_url"`
	NATSSubject   string        `koanf:"nats_subject"`
	NotifyTimeout time.Duration `koanf:"notify_timeout"`

	// Media-stream connections.
	LivenessInterval  time.Duration `koanf:"liveness_interval"`
	HandshakeTimeout  time.Duration `koanf:"handshake_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	MaxMessageBytes   int64         `koanf:"max_message_bytes"`
	InboundQueueSize  int           `koanf:"inbound_queue_size"`
	OutboundQueueSize int           `koanf:"outbound_queue_size"`

	// Accept limits. Zero RPS disables the per-remote limit; zero
	// MaxConcurrentCalls disables the process-wide cap.
	RateLimitRPS       float64 `koanf:"rate_limit_rps"`
	RateLimitBurst     int     `koanf:"rate_limit_burst"`
	MaxConcurrentCalls int     `koanf:"max_concurrent_calls"`

	ReadHeaderTimeout   time.Duration `koanf:"read_header_timeout"`
	ShutdownGracePeriod time.Duration `koanf:"shutdown_grace_period"`

	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`
}

func Defaults() Config {
	return Config{
		Addr:                ":8080",
		Provider:            ProviderOpenAI,
		OpenAIModel:         "gpt-4o-realtime-preview",
		GeminiModel:         "gemini-2.0-flash-live-001",
		Voice:               "alloy",
		Language:            "en-US",
		ConnectTimeout:      10 * time.Second,
		SessionTTL:          24 * time.Hour,
		FallbackIdleTimeout: 30 * time.Minute,
		FallbackMaxSessions: 1000,
		StoreTimeout:        3 * time.Second,
		TenantCacheSize:     1000,
		TenantCacheTTL:      5 * time.Minute,
		MigrateOnStart:      true,
		NATSSubject:         "voicebridge.calls.completed",
		NotifyTimeout:       5 * time.Second,
		LivenessInterval:    10 * time.Second,
		HandshakeTimeout:    5 * time.Second,
		WriteTimeout:        5 * time.Second,
		MaxMessageBytes:     64 << 10,
		InboundQueueSize:    64,
		OutboundQueueSize:   128,
		RateLimitRPS:        5,
		RateLimitBurst:      20,
		ReadHeaderTimeout:   10 * time.Second,
		ShutdownGracePeriod: 30 * time.Second,
		LogLevel:            "info",
		LogFormat:           "text",
	}
}

// LoadFromEnv builds the configuration from defaults, the optional YAML file
// named by VOICEBRIDGE_CONFIG_FILE, then VOICEBRIDGE_* environment variables,
// in increasing precedence.
func LoadFromEnv() (Config, error) {
	k := koanf.New(".")

	if path := strings.TrimSpace(os.Getenv(EnvConfigFile)); path != "" {
		content, err := readConfigFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("%s: parse %s: %w", EnvConfigFile, path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	cfg := Defaults()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", EnvConfigFile, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", EnvConfigFile, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s: %s is a directory", EnvConfigFile, path)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("%s: %s exceeds %d bytes", EnvConfigFile, path, maxConfigFileSize)
	}
	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize))
	if err != nil {
		return nil, fmt.Errorf("%s: read %s: %w", EnvConfigFile, path, err)
	}
	return content, nil
}

func (c *Config) normalize() {
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	c.PublicBaseURL = strings.TrimRight(strings.TrimSpace(c.PublicBaseURL), "/")
	c.RedisURL = strings.TrimSpace(c.RedisURL)
	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)
	c.NATSURL = strings.TrimSpace(c.NATSURL)
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
}

// Validate reports the first invalid setting, naming its environment variable.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return envErr("ADDR", "must not be empty")
	}
	if c.PublicBaseURL != "" {
		u, err := url.Parse(c.PublicBaseURL)
		if err != nil || u.Host == "" {
			return envErr("PUBLIC_BASE_URL", "must be an absolute ws(s) or http(s) URL")
		}
		switch u.Scheme {
		case "ws", "wss", "http", "https":
		default:
			return envErr("PUBLIC_BASE_URL", "must be an absolute ws(s) or http(s) URL")
		}
	}

	switch c.Provider {
	case ProviderOpenAI:
		if strings.TrimSpace(c.OpenAIAPIKey) == "" {
			return envErr("OPENAI_API_KEY", "must be set when VOICEBRIDGE_PROVIDER=openai")
		}
	case ProviderGemini:
		if strings.TrimSpace(c.GeminiAPIKey) == "" {
			return envErr("GEMINI_API_KEY", "must be set when VOICEBRIDGE_PROVIDER=gemini")
		}
	default:
		return envErr("PROVIDER", "must be one of openai|gemini")
	}

	positive := []struct {
		name string
		d    time.Duration
	}{
		{"CONNECT_TIMEOUT", c.ConnectTimeout},
		{"SESSION_TTL", c.SessionTTL},
		{"FALLBACK_IDLE_TIMEOUT", c.FallbackIdleTimeout},
		{"STORE_TIMEOUT", c.StoreTimeout},
		{"TENANT_CACHE_TTL", c.TenantCacheTTL},
		{"NOTIFY_TIMEOUT", c.NotifyTimeout},
		{"LIVENESS_INTERVAL", c.LivenessInterval},
		{"HANDSHAKE_TIMEOUT", c.HandshakeTimeout},
		{"WRITE_TIMEOUT", c.WriteTimeout},
		{"READ_HEADER_TIMEOUT", c.ReadHeaderTimeout},
		{"SHUTDOWN_GRACE_PERIOD", c.ShutdownGracePeriod},
	}
	for _, p := range positive {
		if p.d <= 0 {
			return envErr(p.name, "must be > 0")
		}
	}

	if c.FallbackMaxSessions <= 0 {
		return envErr("FALLBACK_MAX_SESSIONS", "must be > 0")
	}
	if c.TenantCacheSize <= 0 {
		return envErr("TENANT_CACHE_SIZE", "must be > 0")
	}
	if c.MaxMessageBytes <= 0 {
		return envErr("MAX_MESSAGE_BYTES", "must be > 0")
	}
	if c.InboundQueueSize <= 0 {
		return envErr("INBOUND_QUEUE_SIZE", "must be > 0")
	}
	if c.OutboundQueueSize <= 0 {
		return envErr("OUTBOUND_QUEUE_SIZE", "must be > 0")
	}
	if c.RateLimitRPS < 0 {
		return envErr("RATE_LIMIT_RPS", "must be >= 0")
	}
	if c.RateLimitBurst < 0 {
		return envErr("RATE_LIMIT_BURST", "must be >= 0")
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst < 1 {
		return envErr("RATE_LIMIT_BURST", "must be >= 1 when VOICEBRIDGE_RATE_LIMIT_RPS is set")
	}
	if c.MaxConcurrentCalls < 0 {
		return envErr("MAX_CONCURRENT_CALLS", "must be >= 0")
	}
	if c.NATSURL != "" && strings.TrimSpace(c.NATSSubject) == "" {
		return envErr("NATS_SUBJECT", "must not be empty when VOICEBRIDGE_NATS_URL is set")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return envErr("LOG_LEVEL", "must be one of debug|info|warn|error")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return envErr("LOG_FORMAT", "must be one of text|json")
	}
	return nil
}

// ProviderModel is the model name for the selected provider.
func (c Config) ProviderModel() string {
	if c.Provider == ProviderGemini {
		return c.GeminiModel
	}
	return c.OpenAIModel
}

func envErr(name, msg string) error {
	return fmt.Errorf("%s%s %s", EnvPrefix, name, msg)
}
