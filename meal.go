package nutrilens

import (
	"math"
	"strings"
	"time"
)

// DefaultHealthScore is used when a meal carries no scored preparation choices.
const DefaultHealthScore = 50

type HealthClassification string

const (
	Healthy   HealthClassification = "Healthy"
	Moderate  HealthClassification = "Moderate"
	Unhealthy HealthClassification = "Unhealthy"
)

// ParseHealthClassification is case-insensitive. Unknown values map to
// Moderate with ok=false.
func ParseHealthClassification(s string) (HealthClassification, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "healthy":
		return Healthy, true
	case "moderate":
		return Moderate, true
	case "unhealthy":
		return Unhealthy, true
	}
	return Moderate, false
}

type SuggestionType string

const (
	SuggestionPositive SuggestionType = "positive"
	SuggestionWarning  SuggestionType = "warning"
	SuggestionTip      SuggestionType = "tip"
)

type Suggestion struct {
	Type SuggestionType `json:"type"`
	Text string         `json:"text"`
}

// Totals are a meal's aggregate calories (kcal) and macros (grams).
type Totals struct {
	Calories int `json:"calories"`
	Protein  int `json:"protein"`
	Carbs    int `json:"carbs"`
	Fats     int `json:"fats"`
}

// FoodItem is one item of an analyzed meal. Calories is a cached value
// derivable from BaseCalories and SelectedIngredients; BaseCalories is
// captured on the first adjustment and never changes afterwards.
type FoodItem struct {
	Name                string            `json:"name"`
	Quantity            string            `json:"quantity"`
	Calories            int               `json:"calories"`
	BaseCalories        *int              `json:"baseCalories,omitempty"`
	Tags                []string          `json:"tags,omitempty"`
	SelectedIngredients map[string]string `json:"selectedIngredients,omitempty"`
}

// Base returns the recorded base calories, or the current calories when no
// base has been captured yet.
func (f FoodItem) Base() int {
	if f.BaseCalories != nil {
		return *f.BaseCalories
	}
	return f.Calories
}

func (f FoodItem) Clone() FoodItem {
	out := f
	if f.BaseCalories != nil {
		b := *f.BaseCalories
		out.BaseCalories = &b
	}
	if f.Tags != nil {
		out.Tags = append([]string(nil), f.Tags...)
	}
	if f.SelectedIngredients != nil {
		out.SelectedIngredients = make(map[string]string, len(f.SelectedIngredients))
		for k, v := range f.SelectedIngredients {
			out.SelectedIngredients[k] = v
		}
	}
	return out
}

// MealAnalysis is the result of a completed estimation, possibly adjusted
// locally afterwards. Baseline holds the totals as the Estimator reported
// them; every local recalculation rescales from it.
type MealAnalysis struct {
	Totals
	Baseline             *Totals              `json:"baseline,omitempty"`
	Items                []FoodItem           `json:"items"`
	HealthClassification HealthClassification `json:"healthClassification"`
	HealthReason         string               `json:"healthReason"`
	HealthScore          int                  `json:"healthScore"`
	Suggestions          []Suggestion         `json:"suggestions"`
	MealDescription      string               `json:"mealDescription,omitempty"`
}

func (m MealAnalysis) Clone() MealAnalysis {
	out := m
	if m.Baseline != nil {
		b := *m.Baseline
		out.Baseline = &b
	}
	out.Items = make([]FoodItem, len(m.Items))
	for i, it := range m.Items {
		out.Items[i] = it.Clone()
	}
	out.Suggestions = append([]Suggestion(nil), m.Suggestions...)
	return out
}

// NewMealAnalysis folds an Estimator calculation result into a MealAnalysis.
// Reported numbers are rounded to integers; unknown suggestion types become
// tips and an unknown classification becomes Moderate.
func NewMealAnalysis(res CalculationResult, description string) MealAnalysis {
	classification, _ := ParseHealthClassification(res.HealthClassification)

	items := make([]FoodItem, 0, len(res.Items))
	for _, it := range res.Items {
		items = append(items, FoodItem{
			Name:     it.Name,
			Quantity: it.Quantity,
			Calories: roundNonNegative(it.Calories),
			Tags:     append([]string(nil), it.Tags...),
		})
	}

	suggestions := make([]Suggestion, 0, len(res.Suggestions))
	for _, s := range res.Suggestions {
		switch s.Type {
		case SuggestionPositive, SuggestionWarning, SuggestionTip:
		default:
			s.Type = SuggestionTip
		}
		suggestions = append(suggestions, s)
	}

	totals := Totals{
		Calories: roundNonNegative(res.Calories),
		Protein:  roundNonNegative(res.Protein),
		Carbs:    roundNonNegative(res.Carbs),
		Fats:     roundNonNegative(res.Fats),
	}
	baseline := totals

	return MealAnalysis{
		Totals:               totals,
		Baseline:             &baseline,
		Items:                items,
		HealthClassification: classification,
		HealthReason:         res.HealthReason,
		HealthScore:          DefaultHealthScore,
		Suggestions:          suggestions,
		MealDescription:      description,
	}
}

func roundNonNegative(v float64) int {
	if v <= 0 || math.IsNaN(v) {
		return 0
	}
	return int(math.Round(v))
}

// RecordItem is the persisted shape of a food item.
type RecordItem struct {
	Name         string `json:"name"`
	Calories     int    `json:"calories"`
	Portion      string `json:"portion"`
	BaseCalories *int   `json:"base_calories,omitempty"`
}

// MealRecord is a saved meal in the history store.
type MealRecord struct {
	ID                   string               `json:"id"`
	ImageURL             string               `json:"image_url,omitempty"`
	FoodItems            []RecordItem         `json:"food_items"`
	SelectedIngredients  Answers              `json:"selected_ingredients,omitempty"`
	Calories             int                  `json:"calories"`
	Protein              int                  `json:"protein"`
	Carbs                int                  `json:"carbs"`
	Fats                 int                  `json:"fats"`
	HealthClassification HealthClassification `json:"health_classification"`
	HealthScore          int                  `json:"health_score"`
	Suggestions          []Suggestion         `json:"health_suggestions,omitempty"`
	Baseline             *Totals              `json:"baseline_totals,omitempty"`
	CreatedAt            time.Time            `json:"created_at"`
}

// NewMealRecord builds the persisted form of an analysis.
func NewMealRecord(a MealAnalysis, imageURL string) MealRecord {
	rec := MealRecord{
		ImageURL:             imageURL,
		FoodItems:            make([]RecordItem, 0, len(a.Items)),
		SelectedIngredients:  Answers{},
		Calories:             a.Calories,
		Protein:              a.Protein,
		Carbs:                a.Carbs,
		Fats:                 a.Fats,
		HealthClassification: a.HealthClassification,
		HealthScore:          a.HealthScore,
		Suggestions:          append([]Suggestion(nil), a.Suggestions...),
	}
	if a.Baseline != nil {
		b := *a.Baseline
		rec.Baseline = &b
	}
	if rec.HealthClassification == "" {
		rec.HealthClassification = Moderate
	}
	for i, it := range a.Items {
		ri := RecordItem{Name: it.Name, Calories: it.Calories, Portion: it.Quantity}
		if it.BaseCalories != nil {
			b := *it.BaseCalories
			ri.BaseCalories = &b
		}
		rec.FoodItems = append(rec.FoodItems, ri)
		for cat, opt := range it.SelectedIngredients {
			rec.SelectedIngredients.Set(i, cat, opt)
		}
	}
	return rec
}

// Analysis rebuilds a MealAnalysis from a saved record so it can be adjusted
// again. Items saved before any adjustment have no base; their stored
// calories become the base on the next recalculation.
func (r MealRecord) Analysis() MealAnalysis {
	classification, _ := ParseHealthClassification(string(r.HealthClassification))
	baseline := Totals{Calories: r.Calories, Protein: r.Protein, Carbs: r.Carbs, Fats: r.Fats}
	if r.Baseline != nil {
		baseline = *r.Baseline
	}

	items := make([]FoodItem, 0, len(r.FoodItems))
	for i, it := range r.FoodItems {
		item := FoodItem{Name: it.Name, Quantity: it.Portion, Calories: it.Calories}
		if it.BaseCalories != nil {
			b := *it.BaseCalories
			item.BaseCalories = &b
		}
		if sel := r.SelectedIngredients[i]; len(sel) > 0 {
			item.SelectedIngredients = make(map[string]string, len(sel))
			for k, v := range sel {
				item.SelectedIngredients[k] = v
			}
		}
		items = append(items, item)
	}

	return MealAnalysis{
		Totals:               Totals{Calories: r.Calories, Protein: r.Protein, Carbs: r.Carbs, Fats: r.Fats},
		Baseline:             &baseline,
		Items:                items,
		HealthClassification: classification,
		HealthScore:          r.HealthScore,
		Suggestions:          append([]Suggestion(nil), r.Suggestions...),
	}
}
