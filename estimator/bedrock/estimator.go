// Package bedrock implements nutrilens.Estimator on the AWS Bedrock Converse
// API. Structured output is obtained by forcing the model to call a single
// reporting tool whose input schema matches the expected result.
package bedrock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"nutrilens"
	"nutrilens/estimator"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

const (
	// defaultModelID is an inference profile ID, not the foundation model's ID.
	// See https://docs.aws.amazon.com/bedrock/latest/userguide/inference-profiles.html.
	defaultModelID = "us.anthropic.claude-3-7-sonnet-20250219-v1:0"

	// Detection of a busy plate with questions per item needs more room than
	// a plain chat turn.
	defaultMaxTokens = 2048

	defaultTemperature = 0.2
	defaultTopP        = 0.9

	defaultMaxAttempts = 2
)

type bedrockRuntimeClient interface {
	Converse(context.Context, *bedrockruntime.ConverseInput, ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

type Options struct {
	ModelID     string
	MaxTokens   int32
	Temperature float32
	TopP        float32
	// MaxAttempts bounds corrective re-prompts after an unusable reply.
	MaxAttempts int
}

type Estimator struct {
	brc  bedrockRuntimeClient
	opts Options
}

func NewEstimator(brc bedrockRuntimeClient, opts Options) *Estimator {
	if opts.ModelID == "" {
		opts.ModelID = defaultModelID
	}
	if opts.MaxTokens == 0 {
		opts.MaxTokens = defaultMaxTokens
	}
	if opts.Temperature == 0 {
		opts.Temperature = defaultTemperature
	}
	if opts.TopP == 0 {
		opts.TopP = defaultTopP
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	return &Estimator{
		brc:  brc,
		opts: opts,
	}
}

// Detect sends the image with the detection prompt and decodes the reported items.
func (e *Estimator) Detect(ctx context.Context, img nutrilens.Image) (nutrilens.DetectionResult, error) {
	format, err := imageFormat(img)
	if err != nil {
		return nutrilens.DetectionResult{}, err
	}

	msg := types.Message{
		Role: types.ConversationRoleUser,
		Content: []types.ContentBlock{
			&types.ContentBlockMemberText{Value: estimator.DetectionUserPrompt},
			&types.ContentBlockMemberImage{Value: types.ImageBlock{
				Format: format,
				Source: &types.ImageSourceMemberBytes{Value: img.Data},
			}},
		},
	}

	var result nutrilens.DetectionResult
	err = e.converse(ctx, estimator.DetectionSystemPrompt, msg, detectionTool, func(raw string) error {
		var err error
		result, err = estimator.DecodeDetection(raw)
		return err
	})
	return result, err
}

// Calculate sends the described items and decodes the nutrition estimate.
func (e *Estimator) Calculate(ctx context.Context, req nutrilens.CalculationRequest) (nutrilens.CalculationResult, error) {
	msg := types.Message{
		Role: types.ConversationRoleUser,
		Content: []types.ContentBlock{
			&types.ContentBlockMemberText{Value: estimator.CalculationPrompt(req)},
		},
	}

	var result nutrilens.CalculationResult
	err := e.converse(ctx, estimator.CalculationSystemPrompt, msg, calculationTool, func(raw string) error {
		var err error
		result, err = estimator.DecodeCalculation(raw)
		return err
	})
	return result, err
}

// converse runs the request and, while replies fail to decode, continues the
// conversation with a corrective message up to MaxAttempts calls.
func (e *Estimator) converse(ctx context.Context, system string, first types.Message, tool Tool, decode func(string) error) error {
	cfg, err := toolConfig(tool)
	if err != nil {
		return err
	}

	msgs := []types.Message{first}
	var lastErr error

	for attempt := 1; attempt <= e.opts.MaxAttempts; attempt++ {
		slog.Info("ESTIMATOR: Invoking Bedrock", "tool", tool.Name, "attempt", attempt, "messages_len", len(msgs))

		out, err := e.brc.Converse(ctx, &bedrockruntime.ConverseInput{
			ModelId:  aws.String(e.opts.ModelID),
			System:   []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: system}},
			Messages: msgs,
			InferenceConfig: &types.InferenceConfiguration{
				MaxTokens:   aws.Int32(e.opts.MaxTokens),
				Temperature: aws.Float32(e.opts.Temperature),
				TopP:        aws.Float32(e.opts.TopP),
			},
			ToolConfig: cfg,
		})
		if err != nil {
			slog.Error("ESTIMATOR: Bedrock invoke failed", "error", err)
			return classify(err)
		}

		attrs := []any{"stop_reason", out.StopReason}
		if out.Usage != nil {
			attrs = append(attrs, "input_tokens", aws.ToInt32(out.Usage.InputTokens), "output_tokens", aws.ToInt32(out.Usage.OutputTokens))
		}
		if out.Metrics != nil {
			attrs = append(attrs, "latency_ms", aws.ToInt64(out.Metrics.LatencyMs))
		}
		slog.Info("ESTIMATOR: Bedrock invoke succeeded", attrs...)

		raw, toolUseID, err := payloadFromOutput(out, tool.Name)
		if err == nil {
			err = decode(raw)
		}
		if err == nil {
			return nil
		}
		if !errors.Is(err, nutrilens.ErrMalformedResponse) {
			return err
		}

		lastErr = err
		slog.Warn("ESTIMATOR: Unusable model reply", "tool", tool.Name, "attempt", attempt, "error", err)

		reply, ok := out.Output.(*types.ConverseOutputMemberMessage)
		if !ok || reply == nil || len(reply.Value.Content) == 0 {
			// Nothing to correct against; ask again from the start.
			msgs = []types.Message{first}
			continue
		}
		msgs = append(msgs, reply.Value, correction(toolUseID, err))
	}

	return lastErr
}

// correction answers the model's last turn. A tool call must be answered with
// a tool result for the same id.
func correction(toolUseID string, err error) types.Message {
	text := estimator.Correction(err)
	if toolUseID == "" {
		return types.Message{
			Role:    types.ConversationRoleUser,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: text}},
		}
	}
	return types.Message{
		Role: types.ConversationRoleUser,
		Content: []types.ContentBlock{
			&types.ContentBlockMemberToolResult{Value: types.ToolResultBlock{
				ToolUseId: aws.String(toolUseID),
				Status:    types.ToolResultStatusError,
				Content: []types.ToolResultContentBlock{
					&types.ToolResultContentBlockMemberText{Value: text},
				},
			}},
		},
	}
}

// payloadFromOutput returns the JSON input of the named tool call, or the
// assistant text when the model answered without calling it.
func payloadFromOutput(out *bedrockruntime.ConverseOutput, toolName string) (raw string, toolUseID string, err error) {
	switch out.StopReason {
	case types.StopReasonMaxTokens:
		return "", "", fmt.Errorf("model hit MaxTokens limit; consider increasing MAX_TOKENS")
	case types.StopReasonGuardrailIntervened, types.StopReasonContentFiltered:
		return "", "", fmt.Errorf("model response blocked by Bedrock safety filters")
	}

	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok || msg == nil || len(msg.Value.Content) == 0 {
		return "", "", fmt.Errorf("%w: empty model reply", nutrilens.ErrMalformedResponse)
	}

	var texts []string
	for _, cb := range msg.Value.Content {
		switch b := cb.(type) {
		case *types.ContentBlockMemberToolUse:
			if aws.ToString(b.Value.Name) != toolName || b.Value.Input == nil {
				continue
			}
			data, err := b.Value.Input.MarshalSmithyDocument()
			if err != nil {
				return "", aws.ToString(b.Value.ToolUseId), fmt.Errorf("%w: %v", nutrilens.ErrMalformedResponse, err)
			}
			return string(data), aws.ToString(b.Value.ToolUseId), nil
		case *types.ContentBlockMemberText:
			if b.Value != "" {
				texts = append(texts, b.Value)
			}
		}
	}

	if len(texts) == 0 {
		return "", "", fmt.Errorf("%w: reply has neither %s call nor text", nutrilens.ErrMalformedResponse, toolName)
	}
	return strings.Join(texts, "\n"), "", nil
}

func imageFormat(img nutrilens.Image) (types.ImageFormat, error) {
	if len(img.Data) == 0 {
		return "", fmt.Errorf("image is empty")
	}
	switch f := types.ImageFormat(img.Format()); f {
	case types.ImageFormatJpeg, types.ImageFormatPng, types.ImageFormatGif, types.ImageFormatWebp:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported image format %q", img.MediaType)
	}
}

// classify maps Bedrock throttling and quota faults to the shared sentinels.
func classify(err error) error {
	var throttled *types.ThrottlingException
	if errors.As(err, &throttled) {
		return fmt.Errorf("%w: %v", nutrilens.ErrRateLimited, err)
	}
	var quota *types.ServiceQuotaExceededException
	if errors.As(err, &quota) {
		return fmt.Errorf("%w: %v", nutrilens.ErrQuotaExhausted, err)
	}
	return err
}
