package estimator

import (
	"errors"
	"net/http"
	"testing"

	"nutrilens"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		expected string
	}{
		{name: "bare", text: `{"a":1}`, expected: `{"a":1}`},
		{name: "json fence", text: "Here you go:\n```json\n{\"a\":1}\n```\nEnjoy", expected: `{"a":1}`},
		{name: "plain fence", text: "```\n{\"a\":1}\n```", expected: `{"a":1}`},
		{name: "surrounding prose", text: `Sure! {"a":{"b":2}} Let me know.`, expected: `{"a":{"b":2}}`},
		{name: "no json", text: "  sorry  ", expected: "sorry"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ExtractJSON(tt.text))
		})
	}
}

func TestDecodeDetection(t *testing.T) {
	tests := []struct {
		name        string
		text        string
		expectedErr bool
		validate    func(t *testing.T, d nutrilens.DetectionResult)
	}{
		{
			name: "fenced detection",
			text: "```json\n" + `{
				"items": [{
					"name": "Puri",
					"quantity": "2 pieces",
					"needsClarification": true,
					"clarificationQuestions": [{
						"questionId": "oil",
						"question": "Which oil?",
						"options": [{"id": "vegetable", "label": "Vegetable Oil", "isDefault": true}, {"id": "ghee", "label": "Ghee"}]
					}]
				}],
				"mealDescription": "Puri breakfast"
			}` + "\n```",
			validate: func(t *testing.T, d nutrilens.DetectionResult) {
				require.Len(t, d.Items, 1)
				assert.True(t, d.NeedsClarification())
				assert.Equal(t, "Puri breakfast", d.MealDescription)
				q, ok := d.Items[0].Question("oil")
				require.True(t, ok)
				def, ok := q.DefaultOption()
				require.True(t, ok)
				assert.Equal(t, "vegetable", def.ID)
			},
		},
		{
			name:        "not json",
			text:        "I can't see any food",
			expectedErr: true,
		},
		{
			name:        "no items",
			text:        `{"items": [], "mealDescription": "empty plate"}`,
			expectedErr: true,
		},
		{
			name:        "two defaults",
			text:        `{"items": [{"name": "Roti", "clarificationQuestions": [{"questionId": "flour", "options": [{"id": "wheat", "isDefault": true}, {"id": "refined", "isDefault": true}]}]}]}`,
			expectedErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := DecodeDetection(tt.text)
			if tt.expectedErr {
				assert.ErrorIs(t, err, nutrilens.ErrMalformedResponse)
				return
			}
			require.NoError(t, err)
			tt.validate(t, d)
		})
	}
}

func TestDecodeCalculation(t *testing.T) {
	c, err := DecodeCalculation(`{
		"calories": 520.4, "protein": 12, "carbs": 60, "fats": 25,
		"items": [{"name": "Puri", "quantity": "2 pieces", "calories": 520.4, "tags": ["Deep Fried"]}],
		"suggestions": [{"type": "tip", "text": "Try air frying"}],
		"healthClassification": "Unhealthy",
		"healthReason": "Deep fried in ghee"
	}`)
	require.NoError(t, err)
	assert.Equal(t, 520.4, c.Calories)
	assert.Equal(t, "Unhealthy", c.HealthClassification)
	require.Len(t, c.Items, 1)
	assert.Equal(t, []string{"Deep Fried"}, c.Items[0].Tags)

	_, err = DecodeCalculation(`{"calories": -1, "items": [{"name": "x"}]}`)
	assert.ErrorIs(t, err, nutrilens.ErrMalformedResponse)

	_, err = DecodeCalculation(`{"calories": "lots"}`)
	assert.ErrorIs(t, err, nutrilens.ErrMalformedResponse)
}

func TestCalculationPrompt(t *testing.T) {
	req := nutrilens.CalculationRequest{
		Items: []nutrilens.DetectedItem{
			{Name: "Puri", Quantity: "2 pieces"},
			{Name: "Rice", Quantity: "1 cup"},
			{Name: "Halwa", Quantity: "1 bowl"},
		},
		UserAnswers: nutrilens.Answers{
			0: {"flour": "wheat", "oil": "ghee", "cooking": "deepfried"},
			2: {"sugar": "jaggery"},
		},
	}

	expected := "Calculate nutrition for this meal:\n" +
		"- 2 pieces of Puri (made with wheat flour, cooked in ghee oil, deepfried)\n" +
		"- 1 cup of Rice\n" +
		"- 1 bowl of Halwa (sweetened with jaggery)"
	assert.Equal(t, expected, CalculationPrompt(req))
}

func TestStatusError(t *testing.T) {
	tests := []struct {
		name     string
		code     int
		sentinel error
		message  string
	}{
		{name: "rate limited", code: http.StatusTooManyRequests, sentinel: nutrilens.ErrRateLimited, message: "Rate limit exceeded. Please try again in a moment."},
		{name: "quota", code: http.StatusPaymentRequired, sentinel: nutrilens.ErrQuotaExhausted, message: "AI credits exhausted. Please add credits to continue."},
		{name: "server error", code: http.StatusInternalServerError, message: "estimator returned 500: boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err error = &StatusError{StatusCode: tt.code, Body: "boom"}
			assert.Equal(t, tt.message, err.Error())
			if tt.sentinel != nil {
				assert.ErrorIs(t, err, tt.sentinel)
			} else {
				assert.False(t, errors.Is(err, nutrilens.ErrRateLimited))
			}
		})
	}
}
