package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"line-relay/handler"
	"line-relay/internal/config"
	"line-relay/internal/integrations/line"
	"line-relay/internal/integrations/openai"
	"line-relay/internal/integrations/paramstore"
	"line-relay/internal/repository"
	"line-relay/internal/telemetry"
	"line-relay/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	// ---- AWS SDK config (only when something needs it) ----
	var awsCfg aws.Config
	if cfg.ParamPrefix != "" || cfg.HistoryBackend == config.BackendDynamoDB {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			slog.Error("failed to load AWS config", "err", err)
			os.Exit(1)
		}
	}

	if cfg.ParamPrefix != "" {
		ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
		if err != nil {
			slog.Error("failed to create SSM client", "err", err)
			os.Exit(1)
		}
		if err := cfg.LoadSecrets(ctx, ssmClient); err != nil {
			slog.Error("failed to load secrets", "err", err)
			os.Exit(1)
		}
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	var tel *telemetry.Telemetry
	if cfg.TelemetryEnabled() {
		tel, err = telemetry.Setup(ctx, cfg.OTelEndpoint, cfg.OTelServiceName)
		if err != nil {
			slog.Error("failed to set up telemetry", "err", err)
			os.Exit(1)
		}
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown failed", "err", err)
		}
	}()

	// ---- Clients ----
	store, closeStore, err := newHistoryStore(cfg, awsCfg)
	if err != nil {
		slog.Error("failed to create history store", "err", err)
		os.Exit(1)
	}
	defer closeStore()

	openaiOpts := []openai.Option{
		openai.WithModel(cfg.OpenAIModel),
		openai.WithTemperature(cfg.OpenAITemperature),
		openai.WithTimeout(cfg.OpenAITimeout),
		openai.WithMaxRetries(cfg.OpenAIMaxRetries),
		openai.WithFallbackReply(cfg.FallbackReply),
	}
	if cfg.OpenAIBaseURL != "" {
		openaiOpts = append(openaiOpts, openai.WithBaseURL(cfg.OpenAIBaseURL))
	}
	openaiClient, err := openai.NewClient(cfg.OpenAIAPIKey, openaiOpts...)
	if err != nil {
		slog.Error("failed to create OpenAI client", "err", err)
		os.Exit(1)
	}

	var lineOpts []line.Option
	if cfg.LineAPIEndpoint != "" {
		lineOpts = append(lineOpts, line.WithEndpoint(cfg.LineAPIEndpoint))
	}
	lineClient, err := line.NewClient(cfg.LineChannelAccessToken, lineOpts...)
	if err != nil {
		slog.Error("failed to create LINE client", "err", err)
		os.Exit(1)
	}
	verifier, err := line.NewVerifier(cfg.LineChannelSecret)
	if err != nil {
		slog.Error("failed to create signature verifier", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	relay, err := usecase.NewRelayService(store, openaiClient, lineClient, cfg.SystemPersona, cfg.MaxConcurrentEvents)
	if err != nil {
		slog.Error("failed to create relay service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(relay, verifier)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	if os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != "" {
		// The process is frozen between invocations and never returns from Start.
		lambda.Start(telemetry.FlushAfter(tel, h.Handle))
		return
	}
	if err := serve(cfg.ListenAddr, h); err != nil {
		slog.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

func newHistoryStore(cfg *config.Config, awsCfg aws.Config) (usecase.HistoryStore, func(), error) {
	if cfg.HistoryBackend == config.BackendDynamoDB {
		store, err := repository.NewDynamoStore(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable)
		return store, func() {}, err
	}

	store, err := repository.NewRedisStoreFromURL(cfg.RedisURL,
		repository.WithTimeouts(cfg.RedisDialTimeout, cfg.RedisReadTimeout, cfg.RedisWriteTimeout))
	if err != nil {
		return nil, nil, err
	}
	return store, func() {
		if err := store.Close(); err != nil {
			slog.Warn("failed to close redis store", "err", err)
		}
	}, nil
}

func serve(addr string, h http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle("/api/webhook", h)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	slog.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}
