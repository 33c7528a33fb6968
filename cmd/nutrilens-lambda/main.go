package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"

	"nutrilens"
	"nutrilens/estimator"
	"nutrilens/estimator/bedrock"
	"nutrilens/nutrition"
	"nutrilens/pipeline"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/joeshaw/envdecode"
	"github.com/lucsky/cuid"
	"go.opentelemetry.io/otel"
)

// Params selects one action. "analyze" runs the full pipeline on
// ImageBase64, answering clarification questions from Answers or their
// defaults. "recalculate" and "adjust" make no model call.
type Params struct {
	Action string `json:"action"`

	ImageBase64 string            `json:"imageBase64,omitempty"`
	Answers     nutrilens.Answers `json:"answers,omitempty"`

	Items          []nutrilens.FoodItem `json:"items,omitempty"`
	OriginalTotals nutrilens.Totals     `json:"originalTotals,omitempty"`

	BaseCalories        int               `json:"baseCalories,omitempty"`
	SelectedIngredients map[string]string `json:"selectedIngredients,omitempty"`
}

type Results struct {
	Output any `json:"output"`
}

func main() {
	var modelConfig nutrilens.ModelConfig
	if err := envdecode.Decode(&modelConfig); err != nil {
		log.Fatalf("SETUP: Failed to decode: %s", err)
	}

	var pipelineConfig nutrilens.PipelineConfig
	if err := envdecode.Decode(&pipelineConfig); err != nil {
		log.Fatalf("SETUP: Failed to decode: %s", err)
	}

	resolver := nutrition.DefaultResolver()
	if pipelineConfig.CatalogPath != "" {
		catalog, err := nutrition.LoadCatalog(pipelineConfig.CatalogPath)
		if err != nil {
			log.Fatalf("SETUP: Failed to load catalog: %s", err)
		}
		resolver = nutrition.NewResolver(catalog, nutrition.DefaultFoodRules, nutrition.DefaultFallback)
	}
	engine := nutrition.NewEngine(resolver.Catalog())

	fn := func(ctx context.Context, params Params) (Results, error) {
		switch params.Action {
		case "recalculate":
			return Results{Output: engine.Recalculate(params.Items, params.OriginalTotals)}, nil
		case "adjust":
			if params.BaseCalories < 0 {
				return Results{}, fmt.Errorf("baseCalories must not be negative")
			}
			return Results{Output: engine.Adjust(params.BaseCalories, params.SelectedIngredients)}, nil
		case "analyze", "":
		default:
			return Results{}, fmt.Errorf("unknown action %q", params.Action)
		}

		img, err := nutrilens.DecodeImage(params.ImageBase64)
		if err != nil {
			return Results{}, err
		}

		_, _, otelShutdown, err := nutrilens.InitOtel(ctx)
		if err != nil {
			slog.Error("SETUP: Failed to initialize OpenTelemetry", "error", err)
			return Results{}, err
		}
		defer func() {
			if err := otelShutdown(ctx); err != nil {
				slog.Error("SETUP: Failed to shutdown OpenTelemetry", "error", err)
			}
		}()

		brc, err := newBedrockRuntimeClient(ctx)
		if err != nil {
			slog.Error("SETUP: Failed to create Bedrock client", "error", err)
			return Results{}, err
		}

		est := estimator.NewInstrumented(
			bedrock.NewEstimator(brc, bedrock.Options{
				ModelID:     modelConfig.ModelID,
				MaxTokens:   modelConfig.MaxTokens,
				Temperature: modelConfig.Temperature,
				TopP:        modelConfig.TopP,
				MaxAttempts: pipelineConfig.MaxAttempts,
			}),
			"bedrock",
			otel.Tracer(nutrilens.TracerNameBedrock),
			otel.Meter(nutrilens.TracerNameBedrock),
		)

		p := pipeline.New(est, resolver, pipeline.WithStageLogger(nutrilens.NewStdoutStageLogger()))
		sess := p.NewSession(cuid.New())
		if err := sess.Submit(ctx, img); err != nil {
			return Results{}, stageFailed(sess, err)
		}

		if sess.State() == pipeline.StateClarifying {
			for item, sel := range params.Answers {
				for question, option := range sel {
					if err := sess.Answer(item, question, option); err != nil {
						return Results{}, err
					}
				}
			}
			if err := sess.Confirm(ctx); err != nil {
				return Results{}, stageFailed(sess, err)
			}
		}

		a, _ := sess.Analysis()
		slog.Info("RESULT: Meal analyzed", "session_id", sess.ID(), "calories", a.Calories, "classification", a.HealthClassification)
		return Results{Output: a}, nil
	}

	lambda.Start(fn)
}

func newBedrockRuntimeClient(ctx context.Context) (*bedrockruntime.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRetryMaxAttempts(5))
	if err != nil {
		return nil, err
	}
	return bedrockruntime.NewFromConfig(awsCfg), nil
}

// stageFailed logs which stage of sess failed and returns err.
func stageFailed(sess *pipeline.Session, err error) error {
	slog.Error("RESULT: Stage failed", "session_id", sess.ID(), "stage", sess.Snapshot().FailedStage, "error", err)
	return err
}
