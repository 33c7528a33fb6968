package nutrilens

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
)

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Estimator is the opaque, non-deterministic capability that turns a meal
// photo into detected items and, later, items plus preparation answers into
// a nutrition estimate.
type Estimator interface {
	Detect(ctx context.Context, img Image) (DetectionResult, error)
	Calculate(ctx context.Context, req CalculationRequest) (CalculationResult, error)
}

// Image is a meal photo as submitted by the user.
type Image struct {
	Data      []byte `json:"-"`
	MediaType string `json:"media_type"`
}

// DecodeImage accepts either a data URL ("data:image/png;base64,...") or a
// bare base64 payload, which is assumed to be JPEG.
func DecodeImage(encoded string) (Image, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return Image{}, fmt.Errorf("image is required")
	}

	mediaType := "image/jpeg"
	if strings.HasPrefix(encoded, "data:") {
		header, payload, ok := strings.Cut(encoded, ",")
		if !ok {
			return Image{}, fmt.Errorf("invalid data url")
		}
		header = strings.TrimPrefix(header, "data:")
		header = strings.TrimSuffix(header, ";base64")
		if header != "" {
			mediaType = header
		}
		encoded = payload
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Image{}, fmt.Errorf("invalid base64 image: %w", err)
	}
	if len(data) == 0 {
		return Image{}, fmt.Errorf("image is empty")
	}
	return Image{Data: data, MediaType: mediaType}, nil
}

// Base64 returns the raw base64 encoding of the image bytes.
func (img Image) Base64() string {
	return base64.StdEncoding.EncodeToString(img.Data)
}

// Format returns the short image format ("jpeg", "png", "gif", "webp").
func (img Image) Format() string {
	f := strings.TrimPrefix(strings.ToLower(img.MediaType), "image/")
	if f == "jpg" || f == "" {
		return "jpeg"
	}
	return f
}

// ClarificationOption is one selectable answer to a ClarificationQuestion.
type ClarificationOption struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	IsDefault bool   `json:"isDefault,omitempty"`
}

// ClarificationQuestion asks about one preparation detail. QuestionID is an
// ingredient category id (oil, flour, cooking, sugar).
type ClarificationQuestion struct {
	QuestionID string                `json:"questionId"`
	Question   string                `json:"question"`
	Options    []ClarificationOption `json:"options"`
}

// DefaultOption returns the first option flagged as default.
func (q ClarificationQuestion) DefaultOption() (ClarificationOption, bool) {
	for _, o := range q.Options {
		if o.IsDefault {
			return o, true
		}
	}
	return ClarificationOption{}, false
}

// HasOption reports whether id is one of the question's options.
func (q ClarificationQuestion) HasOption(id string) bool {
	for _, o := range q.Options {
		if o.ID == id {
			return true
		}
	}
	return false
}

type DetectedItem struct {
	Name                   string                  `json:"name"`
	Quantity               string                  `json:"quantity"`
	NeedsClarification     bool                    `json:"needsClarification"`
	ClarificationQuestions []ClarificationQuestion `json:"clarificationQuestions,omitempty"`
}

// Question returns the item's question with the given id.
func (d DetectedItem) Question(id string) (ClarificationQuestion, bool) {
	for _, q := range d.ClarificationQuestions {
		if q.QuestionID == id {
			return q, true
		}
	}
	return ClarificationQuestion{}, false
}

// DetectionResult is the output of the Estimator's detection call.
type DetectionResult struct {
	Items           []DetectedItem `json:"items"`
	MealDescription string         `json:"mealDescription"`
}

// NeedsClarification reports whether any item asks for clarification.
func (d DetectionResult) NeedsClarification() bool {
	for _, it := range d.Items {
		if it.NeedsClarification {
			return true
		}
	}
	return false
}

// Validate checks the minimal shape the pipeline relies on.
func (d DetectionResult) Validate() error {
	if len(d.Items) == 0 {
		return fmt.Errorf("%w: no food items detected", ErrMalformedResponse)
	}
	for i, it := range d.Items {
		if strings.TrimSpace(it.Name) == "" {
			return fmt.Errorf("%w: item %d has no name", ErrMalformedResponse, i)
		}
		for _, q := range it.ClarificationQuestions {
			defaults := 0
			for _, o := range q.Options {
				if o.IsDefault {
					defaults++
				}
			}
			if defaults > 1 {
				return fmt.Errorf("%w: question %q on item %d has more than one default", ErrMalformedResponse, q.QuestionID, i)
			}
		}
	}
	return nil
}

// Answers maps a detected item's index to its questionId -> optionId choices.
type Answers map[int]map[string]string

// Set records a single answer.
func (a Answers) Set(item int, questionID, optionID string) {
	if a[item] == nil {
		a[item] = map[string]string{}
	}
	a[item][questionID] = optionID
}

// Clone returns a deep copy.
func (a Answers) Clone() Answers {
	out := make(Answers, len(a))
	for i, m := range a {
		cp := make(map[string]string, len(m))
		for k, v := range m {
			cp[k] = v
		}
		out[i] = cp
	}
	return out
}

// DefaultAnswers pre-populates every question that carries a default option.
func DefaultAnswers(d DetectionResult) Answers {
	answers := Answers{}
	for i, it := range d.Items {
		for _, q := range it.ClarificationQuestions {
			if o, ok := q.DefaultOption(); ok {
				answers.Set(i, q.QuestionID, o.ID)
			}
		}
	}
	return answers
}

// CalculationRequest is the input of the Estimator's calculation call.
type CalculationRequest struct {
	Items       []DetectedItem `json:"items"`
	UserAnswers Answers        `json:"userAnswers"`
}

type CalculatedItem struct {
	Name     string   `json:"name"`
	Quantity string   `json:"quantity"`
	Calories float64  `json:"calories"`
	Tags     []string `json:"tags,omitempty"`
}

// CalculationResult is the output of the Estimator's calculation call.
// Numbers are kept as reported; the pipeline rounds them when building the
// MealAnalysis.
type CalculationResult struct {
	Calories             float64          `json:"calories"`
	Protein              float64          `json:"protein"`
	Carbs                float64          `json:"carbs"`
	Fats                 float64          `json:"fats"`
	Items                []CalculatedItem `json:"items"`
	Suggestions          []Suggestion     `json:"suggestions"`
	HealthClassification string           `json:"healthClassification"`
	HealthReason         string           `json:"healthReason"`
}

// Validate checks the minimal shape the pipeline relies on.
func (c CalculationResult) Validate() error {
	if len(c.Items) == 0 {
		return fmt.Errorf("%w: no items in nutrition result", ErrMalformedResponse)
	}
	if c.Calories < 0 || c.Protein < 0 || c.Carbs < 0 || c.Fats < 0 {
		return fmt.Errorf("%w: negative nutrition totals", ErrMalformedResponse)
	}
	for i, it := range c.Items {
		if strings.TrimSpace(it.Name) == "" {
			return fmt.Errorf("%w: item %d has no name", ErrMalformedResponse, i)
		}
		if it.Calories < 0 {
			return fmt.Errorf("%w: item %q has negative calories", ErrMalformedResponse, it.Name)
		}
	}
	return nil
}
