package estimator

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"nutrilens"
)

var fence = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// ExtractJSON returns the JSON payload of a model reply: the contents of the
// first Markdown code fence if there is one, otherwise the reply trimmed to
// its outermost braces.
func ExtractJSON(text string) string {
	if m := fence.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}

	s := strings.TrimSpace(text)
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}

// DecodeDetection parses and validates a detection reply. Every error wraps
// nutrilens.ErrMalformedResponse.
func DecodeDetection(text string) (nutrilens.DetectionResult, error) {
	var d nutrilens.DetectionResult
	if err := json.Unmarshal([]byte(ExtractJSON(text)), &d); err != nil {
		return nutrilens.DetectionResult{}, fmt.Errorf("%w: %v", nutrilens.ErrMalformedResponse, err)
	}
	if err := d.Validate(); err != nil {
		return nutrilens.DetectionResult{}, err
	}
	return d, nil
}

// DecodeCalculation parses and validates a calculation reply. Every error
// wraps nutrilens.ErrMalformedResponse.
func DecodeCalculation(text string) (nutrilens.CalculationResult, error) {
	var c nutrilens.CalculationResult
	if err := json.Unmarshal([]byte(ExtractJSON(text)), &c); err != nil {
		return nutrilens.CalculationResult{}, fmt.Errorf("%w: %v", nutrilens.ErrMalformedResponse, err)
	}
	if err := c.Validate(); err != nil {
		return nutrilens.CalculationResult{}, err
	}
	return c, nil
}

// StatusError is a non-success HTTP reply from a model backend.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	switch e.StatusCode {
	case http.StatusTooManyRequests:
		return nutrilens.ErrRateLimited.Error()
	case http.StatusPaymentRequired:
		return nutrilens.ErrQuotaExhausted.Error()
	}
	return fmt.Sprintf("estimator returned %d: %s", e.StatusCode, e.Body)
}

// Unwrap lets callers match rate limiting and quota refusals with errors.Is.
func (e *StatusError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusTooManyRequests:
		return nutrilens.ErrRateLimited
	case http.StatusPaymentRequired:
		return nutrilens.ErrQuotaExhausted
	}
	return nil
}
