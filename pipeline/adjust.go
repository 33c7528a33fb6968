package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"nutrilens"
)

// EditIngredient changes one item's ingredient selection. In Complete the
// edit lands on the analysis immediately; while a stage is in flight it is
// queued and applied once Calculating completes. Either way totals change
// only on Recalculate.
func (s *Session) EditIngredient(e Edit) error {
	if e.OptionID != "" {
		if _, err := s.p.resolver.Catalog().Option(e.CategoryID, e.OptionID); err != nil {
			return fmt.Errorf("%w: %w", nutrilens.ErrInvalidSelection, err)
		}
	} else if _, ok := s.p.resolver.Catalog().Category(e.CategoryID); !ok {
		return fmt.Errorf("%w: unknown category %q", nutrilens.ErrInvalidSelection, e.CategoryID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.abandoned {
		return nutrilens.ErrSessionAbandoned
	}

	switch s.state {
	case StateComplete:
		if err := s.applyEdit(e); err != nil {
			return err
		}
	case StateDetecting, StateCalculating, StateAdjusting:
		s.pending = append(s.pending, e)
		slog.Info("PIPELINE: Queued ingredient edit", "session_id", s.id, "state", s.state, "item", e.ItemIndex, "category", e.CategoryID)
	default:
		return fmt.Errorf("%w: cannot edit ingredients in %s", nutrilens.ErrInvalidTransition, s.state)
	}

	s.updatedAt = s.p.now()
	return nil
}

// SelectIngredient is EditIngredient with a non-empty option.
func (s *Session) SelectIngredient(itemIndex int, categoryID, optionID string) error {
	if optionID == "" {
		return fmt.Errorf("%w: option is required", nutrilens.ErrInvalidSelection)
	}
	return s.EditIngredient(Edit{ItemIndex: itemIndex, CategoryID: categoryID, OptionID: optionID})
}

// ClearIngredient removes an item's selection for a category.
func (s *Session) ClearIngredient(itemIndex int, categoryID string) error {
	return s.EditIngredient(Edit{ItemIndex: itemIndex, CategoryID: categoryID})
}

// applyEdit must be called with mu held and an analysis present.
func (s *Session) applyEdit(e Edit) error {
	if e.ItemIndex < 0 || e.ItemIndex >= len(s.analysis.Items) {
		return fmt.Errorf("%w: no item %d", nutrilens.ErrInvalidSelection, e.ItemIndex)
	}
	item := &s.analysis.Items[e.ItemIndex]

	if e.OptionID == "" {
		delete(item.SelectedIngredients, e.CategoryID)
		if len(item.SelectedIngredients) == 0 {
			item.SelectedIngredients = nil
		}
		return nil
	}

	if !s.p.resolver.IsApplicable(item.Name, e.CategoryID) {
		return fmt.Errorf("%w: %q does not apply to %q", nutrilens.ErrInvalidSelection, e.CategoryID, item.Name)
	}
	if item.SelectedIngredients == nil {
		item.SelectedIngredients = map[string]string{}
	}
	item.SelectedIngredients[e.CategoryID] = e.OptionID
	return nil
}

// applyPending replays queued edits onto a fresh analysis. Edits that no
// longer fit the meal are dropped. Must be called with mu held.
func (s *Session) applyPending() {
	for _, e := range s.pending {
		if err := s.applyEdit(e); err != nil {
			slog.Warn("PIPELINE: Dropping queued ingredient edit", "session_id", s.id, "error", err)
		}
	}
	s.pending = nil
}

// Recalculate runs Adjusting: every item is rescaled from its base calories
// and the macros from the totals first reported by the Estimator. It makes no
// external call.
func (s *Session) Recalculate(ctx context.Context) (nutrilens.MealAnalysis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.abandoned {
		return nutrilens.MealAnalysis{}, nutrilens.ErrSessionAbandoned
	}
	if s.state != StateComplete || s.analysis == nil {
		if s.state.InFlight() {
			return nutrilens.MealAnalysis{}, nutrilens.ErrStageInFlight
		}
		return nutrilens.MealAnalysis{}, fmt.Errorf("%w: cannot recalculate in %s", nutrilens.ErrInvalidTransition, s.state)
	}

	s.state = StateAdjusting
	ctx, run := s.p.startStage(ctx, s.id, StageAdjust)

	a := s.analysis.Clone()
	original := a.Totals
	if a.Baseline != nil {
		original = *a.Baseline
	} else {
		baseline := a.Totals
		a.Baseline = &baseline
	}

	res := s.p.engine.Recalculate(a.Items, original)
	a.Items = res.Items
	a.Totals = res.Totals
	if c := s.choices(a); len(c) > 0 {
		a.HealthScore = s.p.engine.HealthScore(c)
	} else {
		a.HealthScore = s.baseScore
	}

	s.analysis = &a
	s.state = StateComplete
	s.updatedAt = s.p.now()
	s.p.recalcCounter.Add(ctx, 1)

	run.end(ctx, original, res.Totals, nil, StateComplete)
	return a.Clone(), nil
}

// choices overlays the analysis' ingredient selections on the clarification
// answers, item by item. Must be called with mu held.
func (s *Session) choices(a nutrilens.MealAnalysis) nutrilens.Answers {
	out := nutrilens.Answers{}
	for i, sel := range s.answers {
		for cat, opt := range sel {
			out.Set(i, cat, opt)
		}
	}
	for i, it := range a.Items {
		for cat, opt := range it.SelectedIngredients {
			out.Set(i, cat, opt)
		}
	}
	return out
}

// Record builds the persisted form of the current analysis.
func (s *Session) Record(imageURL string) (nutrilens.MealRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.abandoned {
		return nutrilens.MealRecord{}, nutrilens.ErrSessionAbandoned
	}
	if s.state != StateComplete || s.analysis == nil {
		return nutrilens.MealRecord{}, fmt.Errorf("%w: only a complete analysis can be saved", nutrilens.ErrInvalidTransition)
	}
	return nutrilens.NewMealRecord(*s.analysis, imageURL), nil
}
