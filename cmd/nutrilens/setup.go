package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"nutrilens"
	"nutrilens/estimator"
	"nutrilens/estimator/bedrock"
	"nutrilens/estimator/mock"
	"nutrilens/estimator/ollama"
	"nutrilens/nutrition"
	"nutrilens/slack"
	"nutrilens/store"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/joeshaw/envdecode"
	"go.opentelemetry.io/otel"
)

type configs struct {
	model    nutrilens.ModelConfig
	pipeline nutrilens.PipelineConfig
	store    nutrilens.StoreConfig
	server   nutrilens.ServerConfig
}

func loadConfigs() (configs, error) {
	var c configs
	for _, target := range []any{&c.model, &c.pipeline, &c.store, &c.server} {
		if err := envdecode.Decode(target); err != nil {
			return c, fmt.Errorf("failed to decode config: %w", err)
		}
	}
	return c, nil
}

func newResolver(cfg nutrilens.PipelineConfig) (*nutrition.Resolver, error) {
	if cfg.CatalogPath == "" {
		return nutrition.DefaultResolver(), nil
	}
	catalog, err := nutrition.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		return nil, err
	}
	slog.Info("SETUP: Ingredient catalog loaded", "path", cfg.CatalogPath, "categories", len(catalog.Categories()))
	return nutrition.NewResolver(catalog, nutrition.DefaultFoodRules, nutrition.DefaultFallback), nil
}

// newEstimator builds the named backend wrapped with telemetry.
func newEstimator(ctx context.Context, c configs, name string, catalog *nutrition.Catalog) (nutrilens.Estimator, error) {
	var (
		est        nutrilens.Estimator
		tracerName string
	)

	switch name {
	case "bedrock":
		brc, err := newBedrockRuntimeClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create Bedrock client: %w", err)
		}
		est = bedrock.NewEstimator(brc, bedrock.Options{
			ModelID:     c.model.ModelID,
			MaxTokens:   c.model.MaxTokens,
			Temperature: c.model.Temperature,
			TopP:        c.model.TopP,
			MaxAttempts: c.pipeline.MaxAttempts,
		})
		tracerName = nutrilens.TracerNameBedrock
	case "ollama":
		o, err := ollama.NewEstimator(ollama.Opts{
			BaseEndpoint: c.pipeline.BaseOllamaEndpoint,
			ModelID:      c.model.ModelID,
			HTTPClient:   http.DefaultClient,
			MaxAttempts:  c.pipeline.MaxAttempts,
		})
		if err != nil {
			return nil, err
		}
		est = o
		tracerName = nutrilens.TracerNameOllama
	case "mock":
		est = mock.NewEstimator(catalog, nil)
		tracerName = nutrilens.TracerNamePipeline
	default:
		return nil, fmt.Errorf("unknown estimator %q (want bedrock, ollama or mock)", name)
	}

	slog.Info("SETUP: Estimator ready", "estimator", name, "model", c.model.ModelID)
	return estimator.NewInstrumented(est, name, otel.Tracer(tracerName), otel.Meter(tracerName)), nil
}

func newBedrockRuntimeClient(ctx context.Context) (*bedrockruntime.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRetryMaxAttempts(5))
	if err != nil {
		return nil, err
	}
	return bedrockruntime.NewFromConfig(awsCfg), nil
}

// newStageLogger writes stage logs to a fresh file under STAGE_LOG_PATH, or
// discards them when it is unset.
func newStageLogger(cfg nutrilens.PipelineConfig, estimatorName string) (nutrilens.StageLogger, func() error, error) {
	if cfg.StageLogPath == "" {
		return nutrilens.NewNoOpStageLogger(), func() error { return nil }, nil
	}
	if err := os.MkdirAll(cfg.StageLogPath, 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create stage log dir: %w", err)
	}

	logFilePath := nutrilens.NewStageLogFilePath(cfg.StageLogPath, estimatorName)
	logFile, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	logger := nutrilens.NewFileStageLogger(logFile)
	cleanup := func() error {
		return errors.Join(logger.Flush(), logFile.Close())
	}
	return logger, cleanup, nil
}

func newMealStore(cfg nutrilens.StoreConfig) (*store.SQLiteMealStore, error) {
	if dir := filepath.Dir(cfg.MealDBPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create meal db dir: %w", err)
		}
	}
	meals, err := store.NewSQLiteMealStore(cfg.MealDBPath)
	if err != nil {
		return nil, err
	}
	slog.Info("SETUP: Meal history opened", "path", cfg.MealDBPath)
	return meals, nil
}

// newImageStore prefers S3 when a bucket is configured.
func newImageStore(ctx context.Context, cfg nutrilens.StoreConfig) (store.ImageStore, error) {
	if cfg.ImageS3Bucket == "" {
		slog.Info("SETUP: Storing meal images on disk", "dir", cfg.ImageDir)
		return store.NewFileImageStore(cfg.ImageDir), nil
	}

	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	slog.Info("SETUP: Storing meal images in S3", "bucket", cfg.ImageS3Bucket, "prefix", cfg.ImageS3Prefix)
	return store.NewS3ImageStore(s3.NewFromConfig(awsCfg), cfg.ImageS3Bucket, cfg.ImageS3Prefix), nil
}

func newNotifier(cfg nutrilens.ServerConfig) *slack.Notifier {
	if cfg.SlackWebhookURL == "" {
		return nil
	}
	slog.Info("SETUP: Slack notifications enabled", "channel", cfg.SlackChannel)
	return slack.NewNotifier(slack.NewClient(cfg.SlackWebhookURL, http.DefaultClient), cfg.SlackChannel)
}

func initOtel(ctx context.Context) (func(), error) {
	_, _, otelShutdown, err := nutrilens.InitOtel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	return func() {
		if err := otelShutdown(context.Background()); err != nil {
			slog.Error("SETUP: Failed to shutdown OpenTelemetry", "error", err)
		}
	}, nil
}
