package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"nutrilens"
	"nutrilens/nutrition"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEstimator answers from scripted functions. When started/release are
// set, each call signals started and then waits on release.
type fakeEstimator struct {
	detect    func(img nutrilens.Image) (nutrilens.DetectionResult, error)
	calculate func(req nutrilens.CalculationRequest) (nutrilens.CalculationResult, error)

	started chan struct{}
	release chan struct{}

	mu       sync.Mutex
	requests []nutrilens.CalculationRequest
}

func (f *fakeEstimator) wait() {
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
}

func (f *fakeEstimator) Detect(ctx context.Context, img nutrilens.Image) (nutrilens.DetectionResult, error) {
	f.wait()
	return f.detect(img)
}

func (f *fakeEstimator) Calculate(ctx context.Context, req nutrilens.CalculationRequest) (nutrilens.CalculationResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	f.wait()
	return f.calculate(req)
}

func (f *fakeEstimator) lastRequest() nutrilens.CalculationRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []nutrilens.StageLog
}

func (l *recordingLogger) LogStage(entry nutrilens.StageLog) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	return nil
}

func (l *recordingLogger) stages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e.Stage+"->"+e.StateAfter)
	}
	return out
}

var testImage = nutrilens.Image{Data: []byte{0xff, 0xd8, 0xff}, MediaType: "image/jpeg"}

func plainDetection() nutrilens.DetectionResult {
	return nutrilens.DetectionResult{
		Items: []nutrilens.DetectedItem{
			{Name: "Puri", Quantity: "2 pieces"},
			{Name: "Aloo Sabzi", Quantity: "1 bowl"},
		},
		MealDescription: "Puri with Aloo Sabzi",
	}
}

func clarifyingDetection() nutrilens.DetectionResult {
	d := plainDetection()
	d.Items[0].NeedsClarification = true
	d.Items[0].ClarificationQuestions = []nutrilens.ClarificationQuestion{
		{
			QuestionID: "oil",
			Question:   "What oil was used?",
			Options: []nutrilens.ClarificationOption{
				{ID: "olive", Label: "Olive Oil", IsDefault: true},
				{ID: "ghee", Label: "Ghee/Butter"},
			},
		},
		{
			QuestionID: "cooking",
			Question:   "How was it cooked?",
			Options: []nutrilens.ClarificationOption{
				{ID: "deepfried", Label: "Deep Fried", IsDefault: true},
				{ID: "airfried", Label: "Air Fried"},
			},
		},
		{
			QuestionID: "spice",
			Question:   "How spicy?",
			Options:    []nutrilens.ClarificationOption{{ID: "mild", Label: "Mild"}},
		},
	}
	return d
}

func mealResult() nutrilens.CalculationResult {
	return nutrilens.CalculationResult{
		Calories: 480,
		Protein:  12,
		Carbs:    60,
		Fats:     20,
		Items: []nutrilens.CalculatedItem{
			{Name: "Puri", Quantity: "2 pieces", Calories: 300, Tags: []string{"fried"}},
			{Name: "Aloo Sabzi", Quantity: "1 bowl", Calories: 180},
		},
		HealthClassification: "moderate",
		HealthReason:         "Fried bread with a vegetable side.",
		Suggestions:          []nutrilens.Suggestion{{Type: "tip", Text: "Try air frying."}},
	}
}

func newFake(d nutrilens.DetectionResult) *fakeEstimator {
	return &fakeEstimator{
		detect: func(nutrilens.Image) (nutrilens.DetectionResult, error) { return d, nil },
		calculate: func(nutrilens.CalculationRequest) (nutrilens.CalculationResult, error) {
			return mealResult(), nil
		},
	}
}

func newTestPipeline(est nutrilens.Estimator, logger nutrilens.StageLogger) *Pipeline {
	opts := []Option{withClock(func() time.Time { return time.Unix(1700000000, 0) })}
	if logger != nil {
		opts = append(opts, WithStageLogger(logger))
	}
	return New(est, nutrition.DefaultResolver(), opts...)
}

// completeSession drives a fresh session to Complete without clarification.
func completeSession(t *testing.T) *Session {
	t.Helper()
	s := newTestPipeline(newFake(plainDetection()), nil).NewSession("s1")
	require.NoError(t, s.Submit(context.Background(), testImage))
	require.Equal(t, StateComplete, s.State())
	return s
}

func TestSubmitWithoutClarificationCalculatesImmediately(t *testing.T) {
	est := newFake(plainDetection())
	logger := &recordingLogger{}
	s := newTestPipeline(est, logger).NewSession("s1")

	require.NoError(t, s.Submit(context.Background(), testImage))

	assert.Equal(t, StateComplete, s.State())
	req := est.lastRequest()
	assert.NotNil(t, req.UserAnswers)
	assert.Empty(t, req.UserAnswers)
	assert.Len(t, req.Items, 2)

	a, ok := s.Analysis()
	require.True(t, ok)
	assert.Equal(t, nutrilens.Totals{Calories: 480, Protein: 12, Carbs: 60, Fats: 20}, a.Totals)
	require.NotNil(t, a.Baseline)
	assert.Equal(t, a.Totals, *a.Baseline)
	assert.Equal(t, nutrilens.Moderate, a.HealthClassification)
	assert.Equal(t, nutrilens.DefaultHealthScore, a.HealthScore)
	assert.Equal(t, "Puri with Aloo Sabzi", a.MealDescription)

	assert.Equal(t, []string{"detect->calculating", "calculate->complete"}, logger.stages())
}

func TestClarificationFlow(t *testing.T) {
	est := newFake(clarifyingDetection())
	s := newTestPipeline(est, nil).NewSession("s1")

	require.NoError(t, s.Submit(context.Background(), testImage))
	require.Equal(t, StateClarifying, s.State())

	snap := s.Snapshot()
	require.NotNil(t, snap.Detection)
	assert.Len(t, snap.Detection.Items[0].ClarificationQuestions, 2, "unknown question ids are dropped")
	assert.Equal(t, nutrilens.Answers{0: {"oil": "olive", "cooking": "deepfried"}}, snap.Answers)
	assert.Nil(t, snap.Analysis)

	tests := []struct {
		name       string
		item       int
		question   string
		option     string
		expectedIs error
	}{
		{name: "valid override", item: 0, question: "oil", option: "ghee"},
		{name: "unknown option", item: 0, question: "oil", option: "lard", expectedIs: nutrilens.ErrInvalidAnswer},
		{name: "unknown question", item: 0, question: "flour", option: "wheat", expectedIs: nutrilens.ErrInvalidAnswer},
		{name: "item without questions", item: 1, question: "oil", option: "ghee", expectedIs: nutrilens.ErrInvalidAnswer},
		{name: "item out of range", item: 5, question: "oil", option: "ghee", expectedIs: nutrilens.ErrInvalidAnswer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Answer(tt.item, tt.question, tt.option)
			if tt.expectedIs != nil {
				assert.ErrorIs(t, err, tt.expectedIs)
				return
			}
			assert.NoError(t, err)
		})
	}

	require.NoError(t, s.Confirm(context.Background()))
	assert.Equal(t, StateComplete, s.State())
	assert.Equal(t, nutrilens.Answers{0: {"oil": "ghee", "cooking": "deepfried"}}, est.lastRequest().UserAnswers)

	a, _ := s.Analysis()
	assert.Equal(t, 0, a.HealthScore, "ghee and deep frying are both unhealthy")

	err := s.Answer(0, "oil", "olive")
	assert.ErrorIs(t, err, nutrilens.ErrInvalidTransition)
	err = s.Confirm(context.Background())
	assert.ErrorIs(t, err, nutrilens.ErrInvalidTransition)
}

func TestConfirmRequiresClarifying(t *testing.T) {
	s := newTestPipeline(newFake(plainDetection()), nil).NewSession("s1")
	assert.ErrorIs(t, s.Confirm(context.Background()), nutrilens.ErrInvalidTransition)
	assert.ErrorIs(t, s.Retry(context.Background()), nutrilens.ErrInvalidTransition)
	_, err := s.Recalculate(context.Background())
	assert.ErrorIs(t, err, nutrilens.ErrInvalidTransition)
}

func TestDetectionFailure(t *testing.T) {
	boom := errors.New("connection reset")

	tests := []struct {
		name       string
		detect     func(nutrilens.Image) (nutrilens.DetectionResult, error)
		expectedIs []error
	}{
		{
			name: "estimator error",
			detect: func(nutrilens.Image) (nutrilens.DetectionResult, error) {
				return nutrilens.DetectionResult{}, boom
			},
			expectedIs: []error{nutrilens.ErrDetectionFailed, boom},
		},
		{
			name: "rate limited",
			detect: func(nutrilens.Image) (nutrilens.DetectionResult, error) {
				return nutrilens.DetectionResult{}, nutrilens.ErrRateLimited
			},
			expectedIs: []error{nutrilens.ErrDetectionFailed, nutrilens.ErrRateLimited},
		},
		{
			name: "no items",
			detect: func(nutrilens.Image) (nutrilens.DetectionResult, error) {
				return nutrilens.DetectionResult{MealDescription: "an empty plate"}, nil
			},
			expectedIs: []error{nutrilens.ErrDetectionFailed, nutrilens.ErrMalformedResponse},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			est := newFake(plainDetection())
			est.detect = tt.detect
			s := newTestPipeline(est, nil).NewSession("s1")

			err := s.Submit(context.Background(), testImage)
			for _, target := range tt.expectedIs {
				assert.ErrorIs(t, err, target)
			}

			snap := s.Snapshot()
			assert.Equal(t, StateFailed, snap.State)
			assert.Equal(t, StageDetect, snap.FailedStage)
			assert.NotEmpty(t, snap.Error)
			assert.Nil(t, snap.Detection)

			est.detect = func(nutrilens.Image) (nutrilens.DetectionResult, error) { return plainDetection(), nil }
			require.NoError(t, s.Retry(context.Background()))
			snap = s.Snapshot()
			assert.Equal(t, StateComplete, snap.State)
			assert.Empty(t, snap.Error)
			assert.Empty(t, snap.FailedStage)
		})
	}
}

func TestResubmitAfterFailure(t *testing.T) {
	est := newFake(plainDetection())
	est.detect = func(nutrilens.Image) (nutrilens.DetectionResult, error) {
		return nutrilens.DetectionResult{}, errors.New("timeout")
	}
	s := newTestPipeline(est, nil).NewSession("s1")

	require.Error(t, s.Submit(context.Background(), testImage))
	require.Equal(t, StateFailed, s.State())

	est.detect = func(nutrilens.Image) (nutrilens.DetectionResult, error) { return clarifyingDetection(), nil }
	require.NoError(t, s.Submit(context.Background(), testImage))
	assert.Equal(t, StateClarifying, s.State())
}

func TestCalculationFailureKeepsAnswersForRetry(t *testing.T) {
	est := newFake(clarifyingDetection())
	est.calculate = func(nutrilens.CalculationRequest) (nutrilens.CalculationResult, error) {
		return nutrilens.CalculationResult{}, nutrilens.ErrQuotaExhausted
	}
	s := newTestPipeline(est, nil).NewSession("s1")

	require.NoError(t, s.Submit(context.Background(), testImage))
	err := s.Confirm(context.Background())
	assert.ErrorIs(t, err, nutrilens.ErrCalculationFailed)
	assert.ErrorIs(t, err, nutrilens.ErrQuotaExhausted)

	snap := s.Snapshot()
	assert.Equal(t, StateFailed, snap.State)
	assert.Equal(t, StageCalculate, snap.FailedStage)
	assert.NotNil(t, snap.Detection)
	assert.Nil(t, snap.Analysis)

	require.NoError(t, s.Answer(0, "cooking", "airfried"))

	est.calculate = func(nutrilens.CalculationRequest) (nutrilens.CalculationResult, error) { return mealResult(), nil }
	require.NoError(t, s.Retry(context.Background()))
	assert.Equal(t, StateComplete, s.State())
	assert.Equal(t, nutrilens.Answers{0: {"oil": "olive", "cooking": "airfried"}}, est.lastRequest().UserAnswers)

	a, _ := s.Analysis()
	assert.Equal(t, 100, a.HealthScore)
}

func TestMalformedCalculationFails(t *testing.T) {
	est := newFake(plainDetection())
	est.calculate = func(nutrilens.CalculationRequest) (nutrilens.CalculationResult, error) {
		return nutrilens.CalculationResult{Calories: 100}, nil
	}
	s := newTestPipeline(est, nil).NewSession("s1")

	err := s.Submit(context.Background(), testImage)
	assert.ErrorIs(t, err, nutrilens.ErrCalculationFailed)
	assert.ErrorIs(t, err, nutrilens.ErrMalformedResponse)
	assert.Equal(t, StateFailed, s.State())
}

func TestOperationsRejectedWhileInFlight(t *testing.T) {
	est := newFake(plainDetection())
	est.started = make(chan struct{})
	est.release = make(chan struct{})
	s := newTestPipeline(est, nil).NewSession("s1")

	done := make(chan error, 1)
	go func() { done <- s.Submit(context.Background(), testImage) }()
	<-est.started

	assert.Equal(t, StateDetecting, s.State())
	assert.ErrorIs(t, s.Submit(context.Background(), testImage), nutrilens.ErrStageInFlight)
	assert.ErrorIs(t, s.Confirm(context.Background()), nutrilens.ErrStageInFlight)
	assert.ErrorIs(t, s.Retry(context.Background()), nutrilens.ErrStageInFlight)
	_, err := s.Recalculate(context.Background())
	assert.ErrorIs(t, err, nutrilens.ErrStageInFlight)

	est.release <- struct{}{}
	<-est.started
	assert.Equal(t, StateCalculating, s.State())
	assert.ErrorIs(t, s.Submit(context.Background(), testImage), nutrilens.ErrStageInFlight)
	est.release <- struct{}{}

	require.NoError(t, <-done)
	assert.Equal(t, StateComplete, s.State())
}

func TestAbandonDiscardsLateResult(t *testing.T) {
	est := newFake(plainDetection())
	est.started = make(chan struct{})
	est.release = make(chan struct{})
	logger := &recordingLogger{}
	s := newTestPipeline(est, logger).NewSession("s1")

	done := make(chan error, 1)
	go func() { done <- s.Submit(context.Background(), testImage) }()
	<-est.started

	s.Abandon()
	est.release <- struct{}{}

	assert.ErrorIs(t, <-done, nutrilens.ErrSessionAbandoned)

	snap := s.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Nil(t, snap.Detection)
	assert.Nil(t, snap.Analysis)
	assert.Empty(t, est.requests, "calculation never starts for an abandoned session")

	require.Len(t, logger.entries, 1)
	assert.Equal(t, nutrilens.ErrSessionAbandoned.Error(), logger.entries[0].Error)

	assert.ErrorIs(t, s.Submit(context.Background(), testImage), nutrilens.ErrSessionAbandoned)
	assert.ErrorIs(t, s.Answer(0, "oil", "ghee"), nutrilens.ErrSessionAbandoned)
	assert.ErrorIs(t, s.SelectIngredient(0, "oil", "ghee"), nutrilens.ErrSessionAbandoned)
}

func TestEditsDuringCalculationAreQueued(t *testing.T) {
	est := newFake(plainDetection())
	s := newTestPipeline(est, nil).NewSession("s1")

	est.started = make(chan struct{})
	est.release = make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- s.Submit(context.Background(), testImage) }()

	<-est.started // detect
	est.release <- struct{}{}
	<-est.started // calculate

	require.NoError(t, s.SelectIngredient(0, "oil", "ghee"))
	require.NoError(t, s.SelectIngredient(7, "oil", "ghee"), "queued edits are checked once the analysis exists")
	assert.Len(t, s.Snapshot().PendingEdits, 2)

	est.release <- struct{}{}
	require.NoError(t, <-done)

	snap := s.Snapshot()
	assert.Empty(t, snap.PendingEdits)
	require.NotNil(t, snap.Analysis)
	assert.Equal(t, map[string]string{"oil": "ghee"}, snap.Analysis.Items[0].SelectedIngredients)
	assert.Equal(t, 480, snap.Analysis.Calories, "totals change only on recalculation")

	a, err := s.Recalculate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 345, a.Items[0].Calories)
	assert.Equal(t, 525, a.Calories)
}

func TestEditIngredientValidation(t *testing.T) {
	s := completeSession(t)

	tests := []struct {
		name       string
		edit       Edit
		expectedIs error
	}{
		{name: "select", edit: Edit{ItemIndex: 0, CategoryID: "flour", OptionID: "millet"}},
		{name: "clear", edit: Edit{ItemIndex: 0, CategoryID: "flour"}},
		{name: "clear unset category", edit: Edit{ItemIndex: 1, CategoryID: "cooking"}},
		{name: "unknown category", edit: Edit{ItemIndex: 0, CategoryID: "salt", OptionID: "sea"}, expectedIs: nutrilens.ErrInvalidSelection},
		{name: "unknown option", edit: Edit{ItemIndex: 0, CategoryID: "oil", OptionID: "lard"}, expectedIs: nutrilens.ErrInvalidSelection},
		{name: "category not applicable", edit: Edit{ItemIndex: 1, CategoryID: "sugar", OptionID: "honey"}, expectedIs: nutrilens.ErrInvalidSelection},
		{name: "item out of range", edit: Edit{ItemIndex: 2, CategoryID: "oil", OptionID: "olive"}, expectedIs: nutrilens.ErrInvalidSelection},
		{name: "negative item", edit: Edit{ItemIndex: -1, CategoryID: "oil", OptionID: "olive"}, expectedIs: nutrilens.ErrInvalidSelection},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.EditIngredient(tt.edit)
			if tt.expectedIs != nil {
				assert.ErrorIs(t, err, tt.expectedIs)
				return
			}
			assert.NoError(t, err)
		})
	}

	a, _ := s.Analysis()
	for _, it := range a.Items {
		assert.Empty(t, it.SelectedIngredients)
	}

	assert.ErrorIs(t, s.SelectIngredient(0, "oil", ""), nutrilens.ErrInvalidSelection)
}

func TestEditIngredientRequiresAnalysis(t *testing.T) {
	s := newTestPipeline(newFake(clarifyingDetection()), nil).NewSession("s1")
	assert.ErrorIs(t, s.SelectIngredient(0, "oil", "ghee"), nutrilens.ErrInvalidTransition)

	require.NoError(t, s.Submit(context.Background(), testImage))
	require.Equal(t, StateClarifying, s.State())
	assert.ErrorIs(t, s.SelectIngredient(0, "oil", "ghee"), nutrilens.ErrInvalidTransition)
}

func TestRecalculateDoesNotCompound(t *testing.T) {
	s := completeSession(t)

	require.NoError(t, s.SelectIngredient(0, "oil", "ghee"))

	first, err := s.Recalculate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, nutrilens.Totals{Calories: 525, Protein: 13, Carbs: 66, Fats: 22}, first.Totals)
	assert.Equal(t, 345, first.Items[0].Calories)
	require.NotNil(t, first.Items[0].BaseCalories)
	assert.Equal(t, 300, *first.Items[0].BaseCalories)
	assert.Equal(t, 180, first.Items[1].Calories)
	assert.Equal(t, 0, first.HealthScore)

	second, err := s.Recalculate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.Totals, second.Totals)
	assert.Equal(t, first.Items, second.Items)

	require.NoError(t, s.SelectIngredient(0, "oil", "ghee"))
	same, err := s.Recalculate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.Totals, same.Totals)
	assert.Equal(t, first.Items, same.Items)

	require.NoError(t, s.ClearIngredient(0, "oil"))
	reverted, err := s.Recalculate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, nutrilens.Totals{Calories: 480, Protein: 12, Carbs: 60, Fats: 20}, reverted.Totals)
	assert.Equal(t, 300, reverted.Items[0].Calories)
	assert.Equal(t, nutrilens.DefaultHealthScore, reverted.HealthScore)
	assert.Equal(t, StateComplete, s.State())
}

func TestResumeSavedMeal(t *testing.T) {
	s := completeSession(t)
	require.NoError(t, s.SelectIngredient(1, "cooking", "airfried"))
	_, err := s.Recalculate(context.Background())
	require.NoError(t, err)

	rec, err := s.Record("file:///meals/1.jpg")
	require.NoError(t, err)
	assert.Equal(t, 453, rec.Calories)
	assert.Equal(t, nutrilens.Answers{1: {"cooking": "airfried"}}, rec.SelectedIngredients)
	assert.Equal(t, "file:///meals/1.jpg", rec.ImageURL)

	resumed := s.p.ResumeSession("s2", rec)
	assert.Equal(t, StateComplete, resumed.State())

	again, err := resumed.Recalculate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, nutrilens.Totals{Calories: 453, Protein: 11, Carbs: 57, Fats: 19}, again.Totals)
	assert.Equal(t, 153, again.Items[1].Calories)

	require.NoError(t, resumed.ClearIngredient(1, "cooking"))
	back, err := resumed.Recalculate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, nutrilens.Totals{Calories: 480, Protein: 12, Carbs: 60, Fats: 20}, back.Totals)
	assert.Equal(t, 180, back.Items[1].Calories)
}

func TestRecordRequiresComplete(t *testing.T) {
	s := newTestPipeline(newFake(clarifyingDetection()), nil).NewSession("s1")
	require.NoError(t, s.Submit(context.Background(), testImage))

	_, err := s.Record("")
	assert.ErrorIs(t, err, nutrilens.ErrInvalidTransition)
}

func TestSnapshotIsACopy(t *testing.T) {
	s := completeSession(t)

	snap := s.Snapshot()
	snap.Analysis.Items[0].Calories = 1
	snap.Analysis.Calories = 1

	a, _ := s.Analysis()
	assert.Equal(t, 300, a.Items[0].Calories)
	assert.Equal(t, 480, a.Calories)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(newTestPipeline(newFake(plainDetection()), nil))

	s := r.Create()
	require.NotEmpty(t, s.ID())
	assert.Equal(t, 1, r.Len())

	got, err := r.Get(s.ID())
	require.NoError(t, err)
	assert.Same(t, s, got)

	other := r.Create()
	assert.NotEqual(t, s.ID(), other.ID())

	require.NoError(t, r.Abandon(s.ID()))
	assert.Equal(t, 1, r.Len())
	_, err = r.Get(s.ID())
	assert.ErrorIs(t, err, nutrilens.ErrSessionNotFound)
	assert.ErrorIs(t, r.Abandon(s.ID()), nutrilens.ErrSessionNotFound)
	assert.ErrorIs(t, s.Submit(context.Background(), testImage), nutrilens.ErrSessionAbandoned)

	rec := nutrilens.MealRecord{
		ID:        "meal-1",
		FoodItems: []nutrilens.RecordItem{{Name: "Roti", Calories: 120, Portion: "1 piece"}},
		Calories:  120,
	}
	resumed := r.Resume(rec)
	assert.Equal(t, StateComplete, resumed.State())
	assert.Equal(t, 2, r.Len())
}

func TestLoggedOutputIsDetachedFromSession(t *testing.T) {
	logger := &recordingLogger{}
	s := newTestPipeline(newFake(plainDetection()), logger).NewSession("s1")
	require.NoError(t, s.Submit(context.Background(), testImage))

	require.NoError(t, s.SelectIngredient(0, "oil", "ghee"))
	_, err := s.Recalculate(context.Background())
	require.NoError(t, err)

	logger.mu.Lock()
	defer logger.mu.Unlock()
	var logged *nutrilens.MealAnalysis
	for _, e := range logger.entries {
		if e.Stage == string(StageCalculate) {
			a, ok := e.Output.(nutrilens.MealAnalysis)
			require.True(t, ok)
			logged = &a
		}
	}
	require.NotNil(t, logged)
	assert.Empty(t, logged.Items[0].SelectedIngredients)
	assert.Equal(t, 300, logged.Items[0].Calories)
	assert.Equal(t, 480, logged.Calories)
}

// marshalLogger serializes entries as they arrive, the way the file and
// stdout loggers do.
type marshalLogger struct{}

func (marshalLogger) LogStage(entry nutrilens.StageLog) error {
	_, err := json.Marshal(entry)
	return err
}

func TestEditsDuringSubmitDoNotRaceStageLog(t *testing.T) {
	s := newTestPipeline(newFake(plainDetection()), marshalLogger{}).NewSession("s1")

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			_ = s.SelectIngredient(0, "oil", "ghee")
			_ = s.ClearIngredient(0, "oil")
		}
	}()

	for i := 0; i < 200; i++ {
		require.NoError(t, s.Submit(context.Background(), testImage))
	}
	close(done)
	wg.Wait()
	assert.Equal(t, StateComplete, s.State())
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestRegistryEvictsIdleSessions(t *testing.T) {
	tests := []struct {
		name    string
		ttl     time.Duration
		idle    time.Duration
		evicted bool
	}{
		{name: "within default ttl", idle: 9 * time.Minute},
		{name: "past default ttl", idle: 11 * time.Minute, evicted: true},
		{name: "custom ttl", ttl: time.Minute, idle: 2 * time.Minute, evicted: true},
		{name: "disabled", ttl: -1, idle: 24 * time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := &testClock{now: time.Unix(1700000000, 0)}
			p := New(newFake(plainDetection()), nutrition.DefaultResolver(), withClock(clock.Now))
			var opts []RegistryOption
			if tt.ttl != 0 {
				opts = append(opts, WithSessionTTL(tt.ttl))
			}
			r := NewRegistry(p, opts...)

			s := r.Create()
			clock.Advance(tt.idle)

			got, err := r.Get(s.ID())
			if !tt.evicted {
				require.NoError(t, err)
				assert.Same(t, s, got)
				return
			}
			assert.ErrorIs(t, err, nutrilens.ErrSessionNotFound)
			assert.Equal(t, 0, r.Len())
			assert.ErrorIs(t, s.Submit(context.Background(), testImage), nutrilens.ErrSessionAbandoned)
		})
	}
}

func TestRegistryGetKeepsSessionAlive(t *testing.T) {
	clock := &testClock{now: time.Unix(1700000000, 0)}
	r := NewRegistry(New(newFake(plainDetection()), nutrition.DefaultResolver(), withClock(clock.Now)))

	s := r.Create()
	for i := 0; i < 3; i++ {
		clock.Advance(6 * time.Minute)
		_, err := r.Get(s.ID())
		require.NoError(t, err)
	}

	clock.Advance(6 * time.Minute)
	idle := r.Create()
	assert.Equal(t, 2, r.Len())

	clock.Advance(11 * time.Minute)
	assert.Equal(t, 2, r.Sweep())
	assert.Equal(t, 0, r.Len())
	_, err := r.Get(idle.ID())
	assert.ErrorIs(t, err, nutrilens.ErrSessionNotFound)
}

func TestRegistryKeepsInFlightSessions(t *testing.T) {
	clock := &testClock{now: time.Unix(1700000000, 0)}
	est := newFake(plainDetection())
	est.started = make(chan struct{})
	est.release = make(chan struct{})
	r := NewRegistry(New(est, nutrition.DefaultResolver(), withClock(clock.Now)))

	s := r.Create()
	errc := make(chan error, 1)
	go func() { errc <- s.Submit(context.Background(), testImage) }()
	<-est.started

	clock.Advance(time.Hour)
	assert.Equal(t, 0, r.Sweep())
	assert.Equal(t, 1, r.Len())

	est.release <- struct{}{}
	<-est.started
	est.release <- struct{}{}
	require.NoError(t, <-errc)

	got, err := r.Get(s.ID())
	require.NoError(t, err)
	assert.Equal(t, StateComplete, got.State())
}
