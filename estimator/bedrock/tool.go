package bedrock

import (
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/modelcontextprotocol/go-sdk/jsonschema"
)

// Tool is a structured-output tool the model is forced to call.
type Tool struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	InputSchema *jsonschema.Schema `json:"input_schema"`
}

const (
	detectionToolName   = "report_detection"
	calculationToolName = "report_nutrition"
)

var categoryIDs = []any{"oil", "flour", "cooking", "sugar"}

var detectionTool = Tool{
	Name:        detectionToolName,
	Description: "Report the food items detected in the image and the clarification questions needed for each.",
	InputSchema: &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"items": {
				Type: "array",
				Items: &jsonschema.Schema{
					Type: "object",
					Properties: map[string]*jsonschema.Schema{
						"name":               {Type: "string", Description: "Food item name"},
						"quantity":           {Type: "string", Description: "Portion size like '150g', '1 cup' or '2 pieces'"},
						"needsClarification": {Type: "boolean"},
						"clarificationQuestions": {
							Type: "array",
							Items: &jsonschema.Schema{
								Type: "object",
								Properties: map[string]*jsonschema.Schema{
									"questionId": {Type: "string", Enum: categoryIDs},
									"question":   {Type: "string"},
									"options": {
										Type: "array",
										Items: &jsonschema.Schema{
											Type: "object",
											Properties: map[string]*jsonschema.Schema{
												"id":        {Type: "string"},
												"label":     {Type: "string"},
												"isDefault": {Type: "boolean"},
											},
											Required: []string{"id", "label"},
										},
									},
								},
								Required: []string{"questionId", "question", "options"},
							},
						},
					},
					Required: []string{"name", "quantity", "needsClarification"},
				},
			},
			"mealDescription": {Type: "string", Description: "Brief description of the overall meal"},
		},
		Required: []string{"items", "mealDescription"},
	},
}

var calculationTool = Tool{
	Name:        calculationToolName,
	Description: "Report the nutrition estimate for the meal.",
	InputSchema: &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"calories": {Type: "number", Description: "Total kcal"},
			"protein":  {Type: "number", Description: "Grams"},
			"carbs":    {Type: "number", Description: "Grams"},
			"fats":     {Type: "number", Description: "Grams"},
			"items": {
				Type: "array",
				Items: &jsonschema.Schema{
					Type: "object",
					Properties: map[string]*jsonschema.Schema{
						"name":     {Type: "string"},
						"quantity": {Type: "string"},
						"calories": {Type: "number"},
						"tags":     {Type: "array", Items: &jsonschema.Schema{Type: "string"}},
					},
					Required: []string{"name", "quantity", "calories"},
				},
			},
			"suggestions": {
				Type: "array",
				Items: &jsonschema.Schema{
					Type: "object",
					Properties: map[string]*jsonschema.Schema{
						"type": {Type: "string", Enum: []any{"positive", "warning", "tip"}},
						"text": {Type: "string"},
					},
					Required: []string{"type", "text"},
				},
			},
			"healthClassification": {Type: "string", Enum: []any{"Healthy", "Moderate", "Unhealthy"}},
			"healthReason":         {Type: "string"},
		},
		Required: []string{"calories", "protein", "carbs", "fats", "items", "healthClassification"},
	},
}

// buildToolSpec constructs a ToolSpecification for a tool.
func buildToolSpec(t Tool) (types.ToolSpecification, error) {
	// Round-trip through JSON so the document carries the schema's own
	// MarshalJSON output.
	schemaJSON, err := json.Marshal(t.InputSchema)
	if err != nil {
		return types.ToolSpecification{}, fmt.Errorf("failed to marshal tool schema for %s: %w", t.Name, err)
	}

	var schemaMap map[string]any
	if err := json.Unmarshal(schemaJSON, &schemaMap); err != nil {
		return types.ToolSpecification{}, fmt.Errorf("failed to unmarshal tool schema for %s: %w", t.Name, err)
	}

	return types.ToolSpecification{
		Name:        aws.String(t.Name),
		Description: aws.String(t.Description),
		InputSchema: &types.ToolInputSchemaMemberJson{
			Value: document.NewLazyDocument(schemaMap),
		},
	}, nil
}

// toolConfig offers a single tool and forces the model to call it.
func toolConfig(t Tool) (*types.ToolConfiguration, error) {
	spec, err := buildToolSpec(t)
	if err != nil {
		return nil, err
	}
	return &types.ToolConfiguration{
		Tools: []types.Tool{&types.ToolMemberToolSpec{Value: spec}},
		ToolChoice: &types.ToolChoiceMemberTool{
			Value: types.SpecificToolChoice{Name: aws.String(t.Name)},
		},
	}, nil
}
