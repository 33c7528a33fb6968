package nutrition

import (
	"math"

	"nutrilens"
)

// Adjustment is the result of applying ingredient selections to one item.
type Adjustment struct {
	AdjustedCalories int  `json:"adjustedCalories"`
	IsHealthier      bool `json:"isHealthier"`
}

// Recalculation is the result of rescaling a whole meal.
type Recalculation struct {
	Items  []nutrilens.FoodItem `json:"items"`
	Totals nutrilens.Totals     `json:"totals"`
}

// Engine applies catalog multipliers to calorie estimates. It holds no
// mutable state.
type Engine struct {
	catalog *Catalog
}

func NewEngine(catalog *Catalog) *Engine {
	return &Engine{catalog: catalog}
}

func (e *Engine) Catalog() *Catalog { return e.catalog }

// Multiplier returns the product of the multipliers of every known selection,
// along with how many known selections there were and how many of them are
// flagged healthy. Selections naming an unknown category or option are
// ignored. Factors are multiplied in catalog order so the float result does
// not depend on map iteration.
func (e *Engine) Multiplier(selections map[string]string) (multiplier float64, total, healthy int) {
	multiplier = 1.0
	for _, cat := range e.catalog.categories {
		optID, ok := selections[cat.ID]
		if !ok {
			continue
		}
		opt, ok := cat.Option(optID)
		if !ok {
			continue
		}
		multiplier *= opt.Multiplier
		total++
		if opt.IsHealthy {
			healthy++
		}
	}
	return multiplier, total, healthy
}

// Adjust scales baseCalories by the selected options. An item is healthier
// when strictly more than half of its valid selections are healthy.
func (e *Engine) Adjust(baseCalories int, selections map[string]string) Adjustment {
	m, total, healthy := e.Multiplier(selections)
	return Adjustment{
		AdjustedCalories: round(float64(baseCalories) * m),
		IsHealthier:      total > 0 && 2*healthy > total,
	}
}

// Recalculate rescales every item from its base calories and scales the
// macro totals by the ratio of new to original calories. Each returned item
// carries a BaseCalories value: the existing one if set, otherwise its
// calories at the time of this call. The input is not modified.
//
// originalTotals should be the estimate as first reported; passing the
// output of an earlier Recalculate compounds the macro scaling.
func (e *Engine) Recalculate(items []nutrilens.FoodItem, originalTotals nutrilens.Totals) Recalculation {
	out := make([]nutrilens.FoodItem, len(items))
	delta := 0
	for i, it := range items {
		item := it.Clone()
		base := it.Base()
		item.BaseCalories = &base
		item.Calories = e.Adjust(base, it.SelectedIngredients).AdjustedCalories
		delta += item.Calories - base
		out[i] = item
	}

	calories := originalTotals.Calories + delta
	ratio := 1.0
	if originalTotals.Calories > 0 {
		ratio = float64(calories) / float64(originalTotals.Calories)
	}

	return Recalculation{
		Items: out,
		Totals: nutrilens.Totals{
			Calories: max(calories, 0),
			Protein:  max(round(float64(originalTotals.Protein)*ratio), 0),
			Carbs:    max(round(float64(originalTotals.Carbs)*ratio), 0),
			Fats:     max(round(float64(originalTotals.Fats)*ratio), 0),
		},
	}
}

// HealthScore rates the preparation choices of a meal from 0 to 100 as the
// share of known selections that are healthy. A meal with no known
// selections scores nutrilens.DefaultHealthScore.
func (e *Engine) HealthScore(answers nutrilens.Answers) int {
	total, healthy := 0, 0
	for _, sel := range answers {
		_, t, h := e.Multiplier(sel)
		total += t
		healthy += h
	}
	if total == 0 {
		return nutrilens.DefaultHealthScore
	}
	return round(100 * float64(healthy) / float64(total))
}

// round is half away from zero; every value the engine rounds is
// non-negative, so halves go up.
func round(v float64) int {
	return int(math.Round(v))
}
