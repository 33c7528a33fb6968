// Package estimator holds what the Estimator backends share: prompt text,
// the calculation prompt builder, and tolerant decoding of model output.
package estimator

import (
	"fmt"
	"strings"

	"nutrilens"
)

const DetectionSystemPrompt = `You are a professional nutritionist AI that analyzes food images.

Your task is to ONLY identify the food items visible in the image and determine what clarification questions need to be asked before calculating nutrition.

For each food item, identify:
1. The name of the food
2. Estimated portion size
3. What ingredient variations are possible (flour type, oil type, cooking method, sweetener)

You MUST respond with valid JSON in this exact format:
{
  "items": [
    {
      "name": "<food item name>",
      "quantity": "<portion size like '150g' or '1 cup' or '2 pieces'>",
      "needsClarification": true/false,
      "clarificationQuestions": [
        {
          "questionId": "<oil|flour|cooking|sugar>",
          "question": "<human readable question>",
          "options": [
            {"id": "<option_id>", "label": "<display label>", "isDefault": true/false}
          ]
        }
      ]
    }
  ],
  "mealDescription": "<brief description of the overall meal>"
}

Guidelines for clarification questions:
- "oil": oil type for fried or cooked items (olive, vegetable, ghee, coconut, none)
- "flour": flour type for breads, rotis, puris (wheat, refined, millet, multigrain, almond)
- "cooking": cooking method where preparation varies (deepfried, panfried, airfried, baked, steamed, grilled, boiled)
- "sugar": sweetener for sweet items (sugar, brown, honey, jaggery, stevia, none)

Use exactly the option ids listed above. Only include relevant questions for each food item. For example:
- Puri: ask about flour type, oil type, and cooking method
- Plain rice: no questions needed (needsClarification: false)
- Gulab jamun: ask about flour type, sugar type, and cooking method

Set isDefault: true on at most one option per question, the most common preparation.`

const DetectionUserPrompt = "Identify the food items in this image and determine what clarification questions are needed about ingredients and preparation methods."

const CalculationSystemPrompt = `You are a professional nutritionist AI. Calculate accurate nutrition information based on the specific ingredients and cooking methods provided.

Respond with valid JSON in this exact format:
{
  "calories": <total calories as number>,
  "protein": <grams as number>,
  "carbs": <grams as number>,
  "fats": <grams as number>,
  "items": [
    {
      "name": "<food item name>",
      "quantity": "<portion size>",
      "calories": <calories for this item>,
      "tags": ["<tag1>", "<tag2>"]
    }
  ],
  "suggestions": [
    {
      "type": "<positive|warning|tip>",
      "text": "<specific suggestion based on their choices>"
    }
  ],
  "healthClassification": "<Healthy|Moderate|Unhealthy>",
  "healthReason": "<brief explanation of the classification>"
}

Health Classification Guidelines:
- "Healthy": predominantly healthy ingredients (whole grains, good oils, steamed/baked/grilled), balanced macros
- "Moderate": mix of healthy and less healthy choices, or portion size considerations
- "Unhealthy": deep fried, refined flour, high sugar, or excessive fats

Tags can include: "High Protein", "High Carbs", "High Fat", "Low Calorie", "Fiber Rich", "Whole Grain", "Deep Fried", "Low Sugar"

Be precise with calorie calculations considering:
- Cooking method impact (deep frying adds significantly more calories than baking)
- Flour type (refined has slightly more calories than whole wheat)
- Oil type and amount used in cooking
- Added sugars`

// DescribeItem renders one detected item with its preparation answers, e.g.
// "2 pieces of Puri (made with wheat flour, cooked in ghee oil, deepfried)".
func DescribeItem(item nutrilens.DetectedItem, answers map[string]string) string {
	desc := fmt.Sprintf("%s of %s", item.Quantity, item.Name)

	var details []string
	if v := answers["flour"]; v != "" {
		details = append(details, "made with "+v+" flour")
	}
	if v := answers["oil"]; v != "" {
		details = append(details, "cooked in "+v+" oil")
	}
	if v := answers["cooking"]; v != "" {
		details = append(details, v)
	}
	if v := answers["sugar"]; v != "" {
		details = append(details, "sweetened with "+v)
	}

	if len(details) > 0 {
		desc += " (" + strings.Join(details, ", ") + ")"
	}
	return desc
}

// CalculationPrompt builds the user message of a calculation call.
func CalculationPrompt(req nutrilens.CalculationRequest) string {
	var b strings.Builder
	b.WriteString("Calculate nutrition for this meal:")
	for i, item := range req.Items {
		b.WriteString("\n- ")
		b.WriteString(DescribeItem(item, req.UserAnswers[i]))
	}
	return b.String()
}

// Correction is the follow-up message sent after a response failed to decode.
func Correction(err error) string {
	return fmt.Sprintf("Your previous response could not be used: %v. Respond again with ONLY the JSON object in the required format, no other text.", err)
}
