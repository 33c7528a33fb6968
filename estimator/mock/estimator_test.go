package mock

import (
	"context"
	"testing"

	"nutrilens"
	"nutrilens/nutrition"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimator_Detect(t *testing.T) {
	e := NewEstimator(nutrition.DefaultCatalog(), nil)

	got, err := e.Detect(context.Background(), nutrilens.Image{Data: []byte{1}})
	require.NoError(t, err)
	require.NoError(t, got.Validate())

	require.Len(t, got.Items, 2)
	assert.True(t, got.Items[0].NeedsClarification)
	assert.Len(t, got.Items[0].ClarificationQuestions, 3)
	assert.False(t, got.Items[1].NeedsClarification)
	assert.Equal(t, "Puri with Aloo Sabzi", got.MealDescription)

	answers := nutrilens.DefaultAnswers(got)
	assert.Equal(t, map[string]string{"oil": "olive", "flour": "wheat", "cooking": "deepfried"}, answers[0])

	_, err = e.Detect(context.Background(), nutrilens.Image{})
	assert.Error(t, err)
}

func TestEstimator_Calculate(t *testing.T) {
	e := NewEstimator(nutrition.DefaultCatalog(), nil)

	tests := []struct {
		name             string
		answers          nutrilens.Answers
		expectedCalories float64
		expectedClass    string
	}{
		{
			name:             "no answers",
			answers:          nil,
			expectedCalories: 480,
			expectedClass:    "Moderate",
		},
		{
			name:             "deep fried in ghee",
			answers:          nutrilens.Answers{0: {"oil": "ghee", "flour": "refined", "cooking": "deepfried"}},
			expectedCalories: 471 + 180,
			expectedClass:    "Unhealthy",
		},
		{
			name:             "air fried millet",
			answers:          nutrilens.Answers{0: {"oil": "olive", "flour": "millet", "cooking": "airfried"}},
			expectedCalories: 230 + 180,
			expectedClass:    "Healthy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Calculate(context.Background(), nutrilens.CalculationRequest{
				Items: []nutrilens.DetectedItem{
					{Name: "Puri", Quantity: "2 pieces"},
					{Name: "Aloo Sabzi", Quantity: "1 bowl"},
				},
				UserAnswers: tt.answers,
			})
			require.NoError(t, err)
			require.NoError(t, got.Validate())
			assert.Equal(t, tt.expectedCalories, got.Calories)
			assert.Equal(t, tt.expectedClass, got.HealthClassification)
			assert.Len(t, got.Suggestions, 1)
		})
	}
}

func TestEstimator_CalculateHonoursCancellation(t *testing.T) {
	e := NewEstimator(nutrition.DefaultCatalog(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Calculate(ctx, nutrilens.CalculationRequest{})
	assert.ErrorIs(t, err, context.Canceled)
}
