// Package config loads the relay's settings from the environment, optionally
// seeded from a .env file, and fills secrets from SSM Parameter Store.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const (
	BackendRedis    = "redis"
	BackendDynamoDB = "dynamodb"

	DefaultPersona       = "あなたは関西弁で親しみやすい不動産エージェントAIです。"
	DefaultFallbackReply = "すみません、うまく答えられませんでした。"
)

// SSM parameter names, relative to PARAM_PREFIX.
const (
	paramChannelSecret = "/line/channel-secret"
	paramChannelToken  = "/line/channel-access-token"
	paramOpenAIKey     = "/openai/api-key"
)

type Config struct {
	LogLevel   string `validate:"oneof=debug info warn error"`
	ListenAddr string `validate:"required"`

	LineChannelSecret      string `validate:"required"`
	LineChannelAccessToken string `validate:"required"`
	LineAPIEndpoint        string `validate:"omitempty,url"`

	OpenAIAPIKey      string        `validate:"required"`
	OpenAIBaseURL     string        `validate:"omitempty,url"`
	OpenAIModel       string        `validate:"required"`
	OpenAITemperature float64       `validate:"min=0,max=2"`
	OpenAITimeout     time.Duration `validate:"min=1s,max=5m"`
	OpenAIMaxRetries  int           `validate:"min=0,max=10"`

	SystemPersona string `validate:"required"`
	FallbackReply string `validate:"required"`

	HistoryBackend    string        `validate:"oneof=redis dynamodb"`
	RedisURL          string        `validate:"required_if=HistoryBackend redis"`
	RedisDialTimeout  time.Duration `validate:"min=0"`
	RedisReadTimeout  time.Duration `validate:"min=0"`
	RedisWriteTimeout time.Duration `validate:"min=0"`
	StateTable        string        `validate:"required_if=HistoryBackend dynamodb"`

	MaxConcurrentEvents int `validate:"min=0"`

	ParamPrefix string

	OTelEndpoint    string `validate:"omitempty,url"`
	OTelServiceName string
}

// Load reads .env (when present) and the process environment. Secrets may
// still be missing; call LoadSecrets and Validate before use.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to read .env file", "error", err)
	}
	return FromEnv()
}

// FromEnv builds a Config from environment variables, applying defaults.
func FromEnv() (*Config, error) {
	p := &envParser{}
	cfg := &Config{
		LogLevel:   strings.ToLower(getEnv("LOG_LEVEL", "info")),
		ListenAddr: getEnv("LISTEN_ADDR", ":8080"),

		LineChannelSecret:      getEnv("LINE_CHANNEL_SECRET", ""),
		LineChannelAccessToken: getEnv("LINE_CHANNEL_ACCESS_TOKEN", ""),
		LineAPIEndpoint:        getEnv("LINE_API_ENDPOINT", ""),

		OpenAIAPIKey:      getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:     getEnv("OPENAI_BASE_URL", ""),
		OpenAIModel:       getEnv("OPENAI_MODEL", "gpt-4o"),
		OpenAITemperature: p.float("OPENAI_TEMPERATURE", 0.7),
		OpenAITimeout:     p.duration("OPENAI_TIMEOUT", 20*time.Second),
		OpenAIMaxRetries:  p.int("OPENAI_MAX_RETRIES", 0),

		SystemPersona: getEnv("SYSTEM_PERSONA", DefaultPersona),
		FallbackReply: getEnv("FALLBACK_REPLY", DefaultFallbackReply),

		HistoryBackend:    strings.ToLower(getEnv("HISTORY_BACKEND", BackendRedis)),
		RedisURL:          getEnv("REDIS_URL", "redis://localhost:6379/0"),
		RedisDialTimeout:  p.duration("REDIS_DIAL_TIMEOUT", 2*time.Second),
		RedisReadTimeout:  p.duration("REDIS_READ_TIMEOUT", time.Second),
		RedisWriteTimeout: p.duration("REDIS_WRITE_TIMEOUT", time.Second),
		StateTable:        getEnv("STATE_TABLE", ""),

		MaxConcurrentEvents: p.int("MAX_CONCURRENT_EVENTS", 0),

		ParamPrefix: strings.TrimSuffix(getEnv("PARAM_PREFIX", ""), "/"),

		OTelEndpoint:    getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTelServiceName: getEnv("OTEL_SERVICE_NAME", "line-relay"),
	}
	if err := errors.Join(p.errs...); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// ParameterGetter is satisfied by the paramstore client.
type ParameterGetter interface {
	GetParameters(ctx context.Context, names ...string) (map[string]string, error)
}

// LoadSecrets fetches the secrets not already set in the environment from
// SSM under ParamPrefix. It is a no-op without a prefix.
func (c *Config) LoadSecrets(ctx context.Context, store ParameterGetter) error {
	if c.ParamPrefix == "" {
		return nil
	}
	if store == nil {
		return errors.New("config: parameter store is required when PARAM_PREFIX is set")
	}

	targets := map[string]*string{}
	if c.LineChannelSecret == "" {
		targets[c.ParamPrefix+paramChannelSecret] = &c.LineChannelSecret
	}
	if c.LineChannelAccessToken == "" {
		targets[c.ParamPrefix+paramChannelToken] = &c.LineChannelAccessToken
	}
	if c.OpenAIAPIKey == "" {
		targets[c.ParamPrefix+paramOpenAIKey] = &c.OpenAIAPIKey
	}
	if len(targets) == 0 {
		return nil
	}

	names := make([]string, 0, len(targets))
	for name := range targets {
		names = append(names, name)
	}
	values, err := store.GetParameters(ctx, names...)
	if err != nil {
		return fmt.Errorf("config: load secrets: %w", err)
	}
	for name, dst := range targets {
		*dst = values[name]
	}
	return nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// SlogLevel maps LogLevel onto slog.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (c *Config) TelemetryEnabled() bool {
	return c.OTelEndpoint != ""
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

type envParser struct {
	errs []error
}

func (p *envParser) int(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (p *envParser) float(key string, def float64) float64 {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}

func (p *envParser) duration(key string, def time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}
