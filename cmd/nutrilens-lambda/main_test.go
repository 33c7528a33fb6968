package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"nutrilens"
	"nutrilens/nutrition"
	"nutrilens/pipeline"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedEstimator struct {
	detectErr    error
	calculateErr error
}

func (e scriptedEstimator) Detect(context.Context, nutrilens.Image) (nutrilens.DetectionResult, error) {
	if e.detectErr != nil {
		return nutrilens.DetectionResult{}, e.detectErr
	}
	return nutrilens.DetectionResult{
		Items:           []nutrilens.DetectedItem{{Name: "Idli", Quantity: "3 pieces"}},
		MealDescription: "Idli breakfast",
	}, nil
}

func (e scriptedEstimator) Calculate(context.Context, nutrilens.CalculationRequest) (nutrilens.CalculationResult, error) {
	return nutrilens.CalculationResult{}, e.calculateErr
}

func TestStageFailedLogsFailedStage(t *testing.T) {
	tests := []struct {
		name     string
		est      scriptedEstimator
		expected string
	}{
		{name: "detection", est: scriptedEstimator{detectErr: errors.New("model offline")}, expected: "detect"},
		{name: "calculation", est: scriptedEstimator{calculateErr: errors.New("model offline")}, expected: "calculate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			prev := slog.Default()
			slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
			t.Cleanup(func() { slog.SetDefault(prev) })

			sess := pipeline.New(tt.est, nutrition.DefaultResolver()).NewSession("s1")
			err := sess.Submit(context.Background(), nutrilens.Image{Data: []byte{0xff, 0xd8}, MediaType: "image/jpeg"})
			require.Error(t, err)
			assert.Equal(t, err, stageFailed(sess, err))

			var found bool
			for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
				var rec map[string]any
				require.NoError(t, json.Unmarshal(line, &rec))
				if rec["msg"] == "RESULT: Stage failed" {
					found = true
					assert.Equal(t, tt.expected, rec["stage"])
					assert.Equal(t, "s1", rec["session_id"])
				}
			}
			assert.True(t, found, buf.String())
		})
	}
}
