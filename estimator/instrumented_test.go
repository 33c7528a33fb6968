package estimator

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"nutrilens"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

type stubEstimator struct {
	detection nutrilens.DetectionResult
	result    nutrilens.CalculationResult
	err       error
}

func (s stubEstimator) Detect(context.Context, nutrilens.Image) (nutrilens.DetectionResult, error) {
	return s.detection, s.err
}

func (s stubEstimator) Calculate(context.Context, nutrilens.CalculationRequest) (nutrilens.CalculationResult, error) {
	return s.result, s.err
}

func newTestInstrumented(next nutrilens.Estimator) *Instrumented {
	return NewInstrumented(next, "stub", tracenoop.NewTracerProvider().Tracer("test"), metricnoop.NewMeterProvider().Meter("test"))
}

func TestInstrumentedPassesThrough(t *testing.T) {
	stub := stubEstimator{
		detection: nutrilens.DetectionResult{Items: []nutrilens.DetectedItem{{Name: "Dosa"}}},
		result:    nutrilens.CalculationResult{Calories: 220, Items: []nutrilens.CalculatedItem{{Name: "Dosa", Calories: 220}}},
	}
	in := newTestInstrumented(stub)

	d, err := in.Detect(context.Background(), nutrilens.Image{Data: []byte{1, 2}})
	require.NoError(t, err)
	assert.Equal(t, stub.detection, d)

	c, err := in.Calculate(context.Background(), nutrilens.CalculationRequest{})
	require.NoError(t, err)
	assert.Equal(t, stub.result, c)
}

func TestInstrumentedReturnsErrors(t *testing.T) {
	in := newTestInstrumented(stubEstimator{err: nutrilens.ErrRateLimited})

	_, err := in.Detect(context.Background(), nutrilens.Image{})
	assert.ErrorIs(t, err, nutrilens.ErrRateLimited)

	_, err = in.Calculate(context.Background(), nutrilens.CalculationRequest{})
	assert.ErrorIs(t, err, nutrilens.ErrRateLimited)
}

func TestErrorType(t *testing.T) {
	tests := []struct {
		err      error
		expected string
	}{
		{err: &StatusError{StatusCode: 429}, expected: "rate_limited"},
		{err: fmt.Errorf("converse: %w", nutrilens.ErrQuotaExhausted), expected: "quota_exhausted"},
		{err: fmt.Errorf("%w: no items", nutrilens.ErrMalformedResponse), expected: "malformed_response"},
		{err: context.DeadlineExceeded, expected: "canceled"},
		{err: errors.New("boom"), expected: "other"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, ErrorType(tt.err))
		})
	}
}
