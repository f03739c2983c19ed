package config

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var configKeys = []string{
	"LOG_LEVEL", "LISTEN_ADDR",
	"LINE_CHANNEL_SECRET", "LINE_CHANNEL_ACCESS_TOKEN", "LINE_API_ENDPOINT",
	"OPENAI_API_KEY", "OPENAI_BASE_URL", "OPENAI_MODEL", "OPENAI_TEMPERATURE", "OPENAI_TIMEOUT", "OPENAI_MAX_RETRIES",
	"SYSTEM_PERSONA", "FALLBACK_REPLY",
	"HISTORY_BACKEND", "REDIS_URL", "REDIS_DIAL_TIMEOUT", "REDIS_READ_TIMEOUT", "REDIS_WRITE_TIMEOUT", "STATE_TABLE",
	"MAX_CONCURRENT_EVENTS", "PARAM_PREFIX",
	"OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_SERVICE_NAME",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range configKeys {
		t.Setenv(k, "")
	}
}

func setSecrets(t *testing.T) {
	t.Helper()
	t.Setenv("LINE_CHANNEL_SECRET", "secret")
	t.Setenv("LINE_CHANNEL_ACCESS_TOKEN", "token")
	t.Setenv("OPENAI_API_KEY", "sk-test")
}

type stubParams struct {
	values map[string]string
	err    error
	names  []string
}

func (s *stubParams) GetParameters(_ context.Context, names ...string) (map[string]string, error) {
	s.names = append(s.names, names...)
	if s.err != nil {
		return nil, s.err
	}
	out := map[string]string{}
	for _, n := range names {
		out[n] = s.values[n]
	}
	return out, nil
}

func TestFromEnv_Defaults(t *testing.T) {
	clearEnv(t)
	setSecrets(t)

	cfg, err := FromEnv()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, ":8080", cfg.ListenAddr)
	require.Equal(t, "gpt-4o", cfg.OpenAIModel)
	require.InDelta(t, 0.7, cfg.OpenAITemperature, 1e-9)
	require.Equal(t, 20*time.Second, cfg.OpenAITimeout)
	require.Equal(t, DefaultPersona, cfg.SystemPersona)
	require.Equal(t, DefaultFallbackReply, cfg.FallbackReply)
	require.Equal(t, BackendRedis, cfg.HistoryBackend)
	require.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	require.Equal(t, 0, cfg.MaxConcurrentEvents)
	require.Equal(t, "line-relay", cfg.OTelServiceName)
	require.False(t, cfg.TelemetryEnabled())
	require.Equal(t, slog.LevelInfo, cfg.SlogLevel())
}

func TestFromEnv_Overrides(t *testing.T) {
	clearEnv(t)
	setSecrets(t)
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("OPENAI_MODEL", "gpt-4o-mini")
	t.Setenv("OPENAI_TEMPERATURE", "0.2")
	t.Setenv("OPENAI_TIMEOUT", "5s")
	t.Setenv("SYSTEM_PERSONA", "標準語で話すアシスタント")
	t.Setenv("HISTORY_BACKEND", "dynamodb")
	t.Setenv("STATE_TABLE", "line-relay-history")
	t.Setenv("MAX_CONCURRENT_EVENTS", "4")
	t.Setenv("PARAM_PREFIX", "/line-relay/prod/")

	cfg, err := FromEnv()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	require.Equal(t, "gpt-4o-mini", cfg.OpenAIModel)
	require.InDelta(t, 0.2, cfg.OpenAITemperature, 1e-9)
	require.Equal(t, 5*time.Second, cfg.OpenAITimeout)
	require.Equal(t, "標準語で話すアシスタント", cfg.SystemPersona)
	require.Equal(t, BackendDynamoDB, cfg.HistoryBackend)
	require.Equal(t, 4, cfg.MaxConcurrentEvents)
	require.Equal(t, "/line-relay/prod", cfg.ParamPrefix)
	require.False(t, cfg.TelemetryEnabled())

	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://collector:4318")
	cfg, err = FromEnv()
	require.NoError(t, err)
	require.True(t, cfg.TelemetryEnabled())
}

func TestFromEnv_InvalidNumbers(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENAI_TEMPERATURE", "warm")
	t.Setenv("OPENAI_TIMEOUT", "soon")

	_, err := FromEnv()
	require.ErrorContains(t, err, "OPENAI_TEMPERATURE")
	require.ErrorContains(t, err, "OPENAI_TIMEOUT")
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		env    map[string]string
		secret bool
		field  string
	}{
		{name: "missing secrets", field: "LineChannelSecret"},
		{name: "bad log level", secret: true, env: map[string]string{"LOG_LEVEL": "verbose"}, field: "LogLevel"},
		{name: "temperature too high", secret: true, env: map[string]string{"OPENAI_TEMPERATURE": "2.5"}, field: "OpenAITemperature"},
		{name: "unknown backend", secret: true, env: map[string]string{"HISTORY_BACKEND": "memcached"}, field: "HistoryBackend"},
		{name: "dynamodb without table", secret: true, env: map[string]string{"HISTORY_BACKEND": "dynamodb"}, field: "StateTable"},
		{name: "timeout too short", secret: true, env: map[string]string{"OPENAI_TIMEOUT": "10ms"}, field: "OpenAITimeout"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			if tc.secret {
				setSecrets(t)
			}
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			cfg, err := FromEnv()
			require.NoError(t, err)
			err = cfg.Validate()
			require.ErrorContains(t, err, tc.field)
		})
	}
}

func TestLoadSecrets(t *testing.T) {
	t.Run("no prefix is a no-op", func(t *testing.T) {
		cfg := &Config{}
		require.NoError(t, cfg.LoadSecrets(context.Background(), nil))
	})

	t.Run("prefix without store", func(t *testing.T) {
		cfg := &Config{ParamPrefix: "/relay"}
		require.Error(t, cfg.LoadSecrets(context.Background(), nil))
	})

	t.Run("fills only missing secrets", func(t *testing.T) {
		params := &stubParams{values: map[string]string{
			"/relay/line/channel-secret":       "ssm-secret",
			"/relay/line/channel-access-token": "ssm-token",
			"/relay/openai/api-key":            "ssm-key",
		}}
		cfg := &Config{ParamPrefix: "/relay", OpenAIAPIKey: "env-key"}

		require.NoError(t, cfg.LoadSecrets(context.Background(), params))
		require.Equal(t, "ssm-secret", cfg.LineChannelSecret)
		require.Equal(t, "ssm-token", cfg.LineChannelAccessToken)
		require.Equal(t, "env-key", cfg.OpenAIAPIKey)

		sort.Strings(params.names)
		require.Equal(t, []string{"/relay/line/channel-access-token", "/relay/line/channel-secret"}, params.names)
	})

	t.Run("nothing missing skips the store", func(t *testing.T) {
		params := &stubParams{}
		cfg := &Config{ParamPrefix: "/relay", LineChannelSecret: "a", LineChannelAccessToken: "b", OpenAIAPIKey: "c"}
		require.NoError(t, cfg.LoadSecrets(context.Background(), params))
		require.Empty(t, params.names)
	})

	t.Run("store error", func(t *testing.T) {
		params := &stubParams{err: errors.New("access denied")}
		cfg := &Config{ParamPrefix: "/relay"}
		err := cfg.LoadSecrets(context.Background(), params)
		require.ErrorContains(t, err, "access denied")
	})
}
