package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"nutrilens"
)

// Session is one meal-analysis flow. All methods are safe for concurrent use;
// Estimator calls run without holding the session lock.
type Session struct {
	id string
	p  *Pipeline

	mu sync.Mutex
	// gen changes whenever a stage starts or the session is abandoned; a
	// stage result is applied only if gen still matches.
	gen       uint64
	state     State
	abandoned bool

	image     *nutrilens.Image
	detection *nutrilens.DetectionResult
	answers   nutrilens.Answers
	analysis  *nutrilens.MealAnalysis
	pending   []Edit
	// baseScore is the health score the analysis started with; it stands
	// whenever no preparation choice is left to score.
	baseScore int

	failedStage Stage
	lastErr     error

	createdAt time.Time
	updatedAt time.Time
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns a deep copy of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ID:           s.id,
		State:        s.state,
		FailedStage:  s.failedStage,
		PendingEdits: append([]Edit(nil), s.pending...),
		CreatedAt:    s.createdAt,
		UpdatedAt:    s.updatedAt,
	}
	if s.detection != nil {
		d := cloneDetection(*s.detection)
		snap.Detection = &d
	}
	if s.answers != nil {
		snap.Answers = s.answers.Clone()
	}
	if s.analysis != nil {
		a := s.analysis.Clone()
		snap.Analysis = &a
	}
	if s.lastErr != nil {
		snap.Error = s.lastErr.Error()
	}
	return snap
}

// Image returns the submitted image, if any.
func (s *Session) Image() (nutrilens.Image, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.image == nil {
		return nutrilens.Image{}, false
	}
	return *s.image, true
}

// Analysis returns a copy of the current analysis once the session has one.
func (s *Session) Analysis() (nutrilens.MealAnalysis, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.analysis == nil {
		return nutrilens.MealAnalysis{}, false
	}
	return s.analysis.Clone(), true
}

// Submit starts the flow for a new image: Detecting, then Clarifying when any
// item asks for it, otherwise straight to Calculating with no answers.
// Everything from an earlier image is discarded. Submit blocks until the
// session settles in Clarifying, Complete or Failed.
func (s *Session) Submit(ctx context.Context, img nutrilens.Image) error {
	s.mu.Lock()
	if err := s.checkAvailable(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.image = &img
	s.detection = nil
	s.answers = nil
	s.analysis = nil
	s.pending = nil
	return s.detectLocked(ctx)
}

// Answer overrides one clarification answer. Allowed while Clarifying, and
// after a failed calculation so the retry uses the new answer.
func (s *Session) Answer(itemIndex int, questionID, optionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.abandoned {
		return nutrilens.ErrSessionAbandoned
	}
	if s.state != StateClarifying && !(s.state == StateFailed && s.failedStage == StageCalculate) {
		return fmt.Errorf("%w: cannot answer in %s", nutrilens.ErrInvalidTransition, s.state)
	}
	if s.detection == nil || itemIndex < 0 || itemIndex >= len(s.detection.Items) {
		return fmt.Errorf("%w: no item %d", nutrilens.ErrInvalidAnswer, itemIndex)
	}
	q, ok := s.detection.Items[itemIndex].Question(questionID)
	if !ok {
		return fmt.Errorf("%w: item %d has no question %q", nutrilens.ErrInvalidAnswer, itemIndex, questionID)
	}
	if !q.HasOption(optionID) {
		return fmt.Errorf("%w: %q is not an option of %q", nutrilens.ErrInvalidAnswer, optionID, questionID)
	}

	if s.answers == nil {
		s.answers = nutrilens.Answers{}
	}
	s.answers.Set(itemIndex, questionID, optionID)
	s.updatedAt = s.p.now()
	return nil
}

// Confirm accepts the current answers and runs Calculating.
func (s *Session) Confirm(ctx context.Context) error {
	s.mu.Lock()
	if s.abandoned {
		s.mu.Unlock()
		return nutrilens.ErrSessionAbandoned
	}
	if s.state != StateClarifying {
		st := s.state
		s.mu.Unlock()
		if st.InFlight() {
			return nutrilens.ErrStageInFlight
		}
		return fmt.Errorf("%w: cannot confirm in %s", nutrilens.ErrInvalidTransition, st)
	}
	return s.calculateLocked(ctx)
}

// Retry re-enters the stage that failed, from the last good data.
func (s *Session) Retry(ctx context.Context) error {
	s.mu.Lock()
	if s.abandoned {
		s.mu.Unlock()
		return nutrilens.ErrSessionAbandoned
	}
	if s.state != StateFailed {
		st := s.state
		s.mu.Unlock()
		if st.InFlight() {
			return nutrilens.ErrStageInFlight
		}
		return fmt.Errorf("%w: nothing to retry in %s", nutrilens.ErrInvalidTransition, st)
	}
	if s.failedStage == StageCalculate {
		return s.calculateLocked(ctx)
	}
	return s.detectLocked(ctx)
}

// Abandon drops the session. A stage still in flight finishes on its own but
// its result is discarded.
func (s *Session) Abandon() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abandoned = true
	s.gen++
	s.state = StateIdle
	s.image = nil
	s.detection = nil
	s.answers = nil
	s.analysis = nil
	s.pending = nil
	slog.Info("PIPELINE: Session abandoned", "session_id", s.id)
}

// checkAvailable must be called with mu held.
func (s *Session) checkAvailable() error {
	if s.abandoned {
		return nutrilens.ErrSessionAbandoned
	}
	if s.state.InFlight() {
		return nutrilens.ErrStageInFlight
	}
	return nil
}

// begin moves the session into an in-flight state and returns the generation
// that owns it. Must be called with mu held.
func (s *Session) begin(state State) uint64 {
	s.gen++
	s.state = state
	s.failedStage = ""
	s.lastErr = nil
	s.updatedAt = s.p.now()
	return s.gen
}

// current reports whether gen still owns the session. Must be called with mu
// held.
func (s *Session) current(gen uint64) bool {
	return !s.abandoned && s.gen == gen
}

func (s *Session) fail(stage Stage, err error) error {
	s.state = StateFailed
	s.failedStage = stage
	s.lastErr = err
	s.updatedAt = s.p.now()
	return err
}

// detectLocked is entered with mu held and releases it.
func (s *Session) detectLocked(ctx context.Context) error {
	if s.image == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: no image submitted", nutrilens.ErrInvalidTransition)
	}
	img := *s.image
	gen := s.begin(StateDetecting)
	s.mu.Unlock()

	stageCtx, run := s.p.startStage(ctx, s.id, StageDetect)
	input := map[string]any{"media_type": img.MediaType, "bytes": len(img.Data)}

	res, err := s.p.estimator.Detect(stageCtx, img)

	s.mu.Lock()
	if !s.current(gen) {
		s.mu.Unlock()
		run.end(stageCtx, input, nil, nutrilens.ErrSessionAbandoned, StateIdle)
		return nutrilens.ErrSessionAbandoned
	}
	if err == nil {
		err = res.Validate()
	}
	if err != nil {
		err = s.fail(StageDetect, stageError(StageDetect, err))
		s.mu.Unlock()
		run.end(stageCtx, input, nil, err, StateFailed)
		return err
	}

	res = s.p.sanitizeDetection(res)
	s.detection = &res

	if res.NeedsClarification() {
		s.answers = nutrilens.DefaultAnswers(res)
		s.state = StateClarifying
		s.updatedAt = s.p.now()
		logged := cloneDetection(res)
		s.mu.Unlock()
		run.end(stageCtx, input, logged, nil, StateClarifying)
		return nil
	}

	// Straight to Calculating without releasing the session.
	s.answers = nutrilens.Answers{}
	run.end(stageCtx, input, cloneDetection(res), nil, StateCalculating)
	return s.calculateLocked(ctx)
}

// calculateLocked is entered with mu held and releases it.
func (s *Session) calculateLocked(ctx context.Context) error {
	if s.detection == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: nothing detected yet", nutrilens.ErrInvalidTransition)
	}
	req := nutrilens.CalculationRequest{
		Items:       cloneDetection(*s.detection).Items,
		UserAnswers: s.answers.Clone(),
	}
	description := s.detection.MealDescription
	gen := s.begin(StateCalculating)
	s.mu.Unlock()

	ctx, run := s.p.startStage(ctx, s.id, StageCalculate)

	res, err := s.p.estimator.Calculate(ctx, req)

	s.mu.Lock()
	if !s.current(gen) {
		s.mu.Unlock()
		run.end(ctx, req, nil, nutrilens.ErrSessionAbandoned, StateIdle)
		return nutrilens.ErrSessionAbandoned
	}
	if err == nil {
		err = res.Validate()
	}
	if err != nil {
		err = s.fail(StageCalculate, stageError(StageCalculate, err))
		s.mu.Unlock()
		run.end(ctx, req, nil, err, StateFailed)
		return err
	}

	analysis := nutrilens.NewMealAnalysis(res, description)
	analysis.HealthScore = s.p.engine.HealthScore(req.UserAnswers)
	s.baseScore = analysis.HealthScore
	checkItemSum(s.id, analysis)

	s.analysis = &analysis
	s.applyPending()
	s.state = StateComplete
	s.updatedAt = s.p.now()
	// Edits land on s.analysis in place once mu is released.
	logged := analysis.Clone()
	s.mu.Unlock()

	run.end(ctx, req, logged, nil, StateComplete)
	return nil
}

func cloneDetection(d nutrilens.DetectionResult) nutrilens.DetectionResult {
	out := d
	out.Items = make([]nutrilens.DetectedItem, len(d.Items))
	for i, it := range d.Items {
		cp := it
		cp.ClarificationQuestions = make([]nutrilens.ClarificationQuestion, len(it.ClarificationQuestions))
		for j, q := range it.ClarificationQuestions {
			q.Options = append([]nutrilens.ClarificationOption(nil), q.Options...)
			cp.ClarificationQuestions[j] = q
		}
		out.Items[i] = cp
	}
	return out
}
