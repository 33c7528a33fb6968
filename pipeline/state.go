package pipeline

import (
	"time"

	"nutrilens"
)

// State is a session's position in the estimation flow.
type State string

const (
	StateIdle        State = "idle"
	StateDetecting   State = "detecting"
	StateClarifying  State = "clarifying"
	StateCalculating State = "calculating"
	StateComplete    State = "complete"
	StateAdjusting   State = "adjusting"
	StateFailed      State = "failed"
)

// InFlight reports whether a stage is running in this state.
func (s State) InFlight() bool {
	return s == StateDetecting || s == StateCalculating || s == StateAdjusting
}

// Stage names one unit of pipeline work.
type Stage string

const (
	StageDetect    Stage = "detect"
	StageCalculate Stage = "calculate"
	StageAdjust    Stage = "adjust"
)

// Edit is one ingredient selection change. An empty OptionID clears the
// category.
type Edit struct {
	ItemIndex  int    `json:"itemIndex"`
	CategoryID string `json:"categoryId"`
	OptionID   string `json:"optionId"`
}

// Snapshot is a point-in-time copy of a session, safe to hand out.
type Snapshot struct {
	ID           string                     `json:"id"`
	State        State                      `json:"state"`
	Detection    *nutrilens.DetectionResult `json:"detection,omitempty"`
	Answers      nutrilens.Answers          `json:"answers,omitempty"`
	Analysis     *nutrilens.MealAnalysis    `json:"analysis,omitempty"`
	PendingEdits []Edit                     `json:"pendingEdits,omitempty"`
	FailedStage  Stage                      `json:"failedStage,omitempty"`
	Error        string                     `json:"error,omitempty"`
	CreatedAt    time.Time                  `json:"createdAt"`
	UpdatedAt    time.Time                  `json:"updatedAt"`
}
