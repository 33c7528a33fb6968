// Package mock provides a deterministic Estimator for tests, demos and local
// development without model access.
package mock

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"nutrilens"
	"nutrilens/nutrition"
)

// Food is one canned item the mock "sees" in every image.
type Food struct {
	Name         string
	Quantity     string
	BaseCalories int
	Tags         []string
	// Questions lists category ids to ask about; defaults are the first
	// option of each category.
	Questions []string
}

// DefaultMeal is a puri breakfast: one item that needs clarification and one
// that does not.
var DefaultMeal = []Food{
	{Name: "Puri", Quantity: "2 pieces", BaseCalories: 300, Tags: []string{"High Carbs"}, Questions: []string{"oil", "flour", "cooking"}},
	{Name: "Aloo Sabzi", Quantity: "1 bowl", BaseCalories: 180, Tags: []string{"Fiber Rich"}},
}

type Estimator struct {
	foods   []Food
	catalog *nutrition.Catalog
	engine  *nutrition.Engine
}

// NewEstimator returns an Estimator that always detects foods. A nil or empty
// list uses DefaultMeal.
func NewEstimator(catalog *nutrition.Catalog, foods []Food) *Estimator {
	if len(foods) == 0 {
		foods = DefaultMeal
	}
	return &Estimator{
		foods:   foods,
		catalog: catalog,
		engine:  nutrition.NewEngine(catalog),
	}
}

func (e *Estimator) Detect(ctx context.Context, img nutrilens.Image) (nutrilens.DetectionResult, error) {
	slog.Info("ESTIMATOR: Mock detect", "image_bytes", len(img.Data))
	if err := ctx.Err(); err != nil {
		return nutrilens.DetectionResult{}, err
	}
	if len(img.Data) == 0 {
		return nutrilens.DetectionResult{}, fmt.Errorf("image is empty")
	}

	names := make([]string, 0, len(e.foods))
	items := make([]nutrilens.DetectedItem, 0, len(e.foods))
	for _, f := range e.foods {
		item := nutrilens.DetectedItem{Name: f.Name, Quantity: f.Quantity}
		for _, id := range f.Questions {
			cat, ok := e.catalog.Category(id)
			if !ok {
				continue
			}
			q := nutrilens.ClarificationQuestion{
				QuestionID: cat.ID,
				Question:   fmt.Sprintf("%s for %s?", cat.Label, f.Name),
			}
			for i, o := range cat.Options {
				q.Options = append(q.Options, nutrilens.ClarificationOption{ID: o.ID, Label: o.Label, IsDefault: i == 0})
			}
			item.ClarificationQuestions = append(item.ClarificationQuestions, q)
		}
		item.NeedsClarification = len(item.ClarificationQuestions) > 0
		items = append(items, item)
		names = append(names, f.Name)
	}

	return nutrilens.DetectionResult{
		Items:           items,
		MealDescription: strings.Join(names, " with "),
	}, nil
}

// Calculate applies the answers to each food's base calories with the
// adjustment engine and derives macros from a fixed energy split.
func (e *Estimator) Calculate(ctx context.Context, req nutrilens.CalculationRequest) (nutrilens.CalculationResult, error) {
	slog.Info("ESTIMATOR: Mock calculate", "items", len(req.Items))
	if err := ctx.Err(); err != nil {
		return nutrilens.CalculationResult{}, err
	}

	res := nutrilens.CalculationResult{}
	for i, it := range req.Items {
		f := e.food(it.Name)
		adj := e.engine.Adjust(f.BaseCalories, req.UserAnswers[i])
		res.Items = append(res.Items, nutrilens.CalculatedItem{
			Name:     it.Name,
			Quantity: it.Quantity,
			Calories: float64(adj.AdjustedCalories),
			Tags:     f.Tags,
		})
		res.Calories += float64(adj.AdjustedCalories)
	}

	// 20% protein, 50% carbs, 30% fat by energy.
	res.Protein = res.Calories * 0.20 / 4
	res.Carbs = res.Calories * 0.50 / 4
	res.Fats = res.Calories * 0.30 / 9

	score := e.engine.HealthScore(req.UserAnswers)
	switch {
	case score > 60:
		res.HealthClassification = string(nutrilens.Healthy)
		res.HealthReason = "Mostly healthy preparation choices."
		res.Suggestions = []nutrilens.Suggestion{{Type: nutrilens.SuggestionPositive, Text: "Good choice of ingredients and cooking method."}}
	case score < 40:
		res.HealthClassification = string(nutrilens.Unhealthy)
		res.HealthReason = "Mostly fried or refined preparation."
		res.Suggestions = []nutrilens.Suggestion{{Type: nutrilens.SuggestionWarning, Text: "Consider air frying or baking instead of deep frying."}}
	default:
		res.HealthClassification = string(nutrilens.Moderate)
		res.HealthReason = "A mix of healthy and less healthy choices."
		res.Suggestions = []nutrilens.Suggestion{{Type: nutrilens.SuggestionTip, Text: "Whole wheat or millet flour adds fiber."}}
	}

	return res, nil
}

func (e *Estimator) food(name string) Food {
	for _, f := range e.foods {
		if strings.EqualFold(f.Name, name) {
			return f
		}
	}
	return Food{Name: name, BaseCalories: 150}
}
