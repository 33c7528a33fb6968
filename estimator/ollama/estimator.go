// Package ollama implements nutrilens.Estimator against a local Ollama server
// using a vision-capable model through /api/chat.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"nutrilens"
	"nutrilens/estimator"
)

const defaultMaxAttempts = 2

type options struct {
	Temperature   float64 `json:"temperature,omitempty"`
	TopP          float64 `json:"top_p,omitempty"`
	RepeatPenalty float64 `json:"repeat_penalty,omitempty"`
	NumCtx        int     `json:"num_ctx,omitempty"`
}

// Message is one Ollama chat message. Images carry raw base64 payloads.
type Message struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type wireRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Format   string    `json:"format,omitempty"`
	Stream   bool      `json:"stream"`
	Options  options   `json:"options,omitempty"`
}

type wireResponse struct {
	Message Message `json:"message"`
	// other metadata omitted but available
}

type Estimator struct {
	endpoint    string
	model       string
	httpClient  nutrilens.HTTPClient
	options     options
	maxAttempts int
}

type Opts struct {
	BaseEndpoint string
	ModelID      string
	HTTPClient   nutrilens.HTTPClient
	MaxAttempts  int
}

func NewEstimator(opts Opts) (*Estimator, error) {
	if strings.TrimSpace(opts.BaseEndpoint) == "" {
		return nil, fmt.Errorf("ollama endpoint is required")
	}
	if strings.TrimSpace(opts.ModelID) == "" {
		return nil, fmt.Errorf("ollama model is required")
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}

	return &Estimator{
		model:       opts.ModelID,
		httpClient:  opts.HTTPClient,
		endpoint:    strings.TrimRight(opts.BaseEndpoint, "/") + "/api/chat",
		maxAttempts: opts.MaxAttempts,
		options: options{
			Temperature:   0.2,
			TopP:          0.9,
			RepeatPenalty: 1.05,
			NumCtx:        16384,
		},
	}, nil
}

func (e *Estimator) Detect(ctx context.Context, img nutrilens.Image) (nutrilens.DetectionResult, error) {
	if len(img.Data) == 0 {
		return nutrilens.DetectionResult{}, fmt.Errorf("image is empty")
	}

	msgs := []Message{
		{Role: "system", Content: estimator.DetectionSystemPrompt},
		{Role: "user", Content: estimator.DetectionUserPrompt, Images: []string{img.Base64()}},
	}

	var result nutrilens.DetectionResult
	err := e.chat(ctx, msgs, func(raw string) error {
		var err error
		result, err = estimator.DecodeDetection(raw)
		return err
	})
	return result, err
}

func (e *Estimator) Calculate(ctx context.Context, req nutrilens.CalculationRequest) (nutrilens.CalculationResult, error) {
	msgs := []Message{
		{Role: "system", Content: estimator.CalculationSystemPrompt},
		{Role: "user", Content: estimator.CalculationPrompt(req)},
	}

	var result nutrilens.CalculationResult
	err := e.chat(ctx, msgs, func(raw string) error {
		var err error
		result, err = estimator.DecodeCalculation(raw)
		return err
	})
	return result, err
}

// chat sends msgs and retries with a corrective turn while the reply fails
// to decode.
func (e *Estimator) chat(ctx context.Context, msgs []Message, decode func(string) error) error {
	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		content, err := e.invoke(ctx, msgs)
		if err != nil {
			return err
		}
		if err = decode(content); err == nil {
			return nil
		}
		if !errors.Is(err, nutrilens.ErrMalformedResponse) {
			return err
		}

		lastErr = err
		slog.Warn("ESTIMATOR: Unusable model reply", "attempt", attempt, "error", err)
		msgs = append(msgs,
			Message{Role: "assistant", Content: content},
			Message{Role: "user", Content: estimator.Correction(err)},
		)
	}
	return lastErr
}

// invoke performs one /api/chat round trip and returns the assistant content.
func (e *Estimator) invoke(ctx context.Context, msgs []Message) (string, error) {
	slog.Info("ESTIMATOR: Invoking Ollama", "model", e.model, "messages_len", len(msgs))

	reqBytes, err := json.Marshal(wireRequest{
		Model:    e.model,
		Messages: msgs,
		Format:   "json",
		Stream:   false,
		Options:  e.options,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewBuffer(reqBytes))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		if readErr != nil {
			body = []byte(resp.Status)
		}
		slog.Error("ESTIMATOR: Ollama returned error status", "status", resp.Status, "body", string(body))
		return "", &estimator.StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if readErr != nil {
		return "", fmt.Errorf("failed to read Ollama response: %w", readErr)
	}

	var wr wireResponse
	if err := json.Unmarshal(body, &wr); err != nil {
		return "", fmt.Errorf("%w: %v", nutrilens.ErrMalformedResponse, err)
	}
	return wr.Message.Content, nil
}
