package nutrilens

import "errors"

var (
	// ErrDetectionFailed marks a failed Estimator detection call.
	ErrDetectionFailed = errors.New("food detection failed")
	// ErrCalculationFailed marks a failed Estimator calculation call.
	ErrCalculationFailed = errors.New("nutrition calculation failed")
	// ErrMalformedResponse is returned when the Estimator answers successfully
	// with a body that does not parse into the expected shape.
	ErrMalformedResponse = errors.New("malformed estimator response")
	// ErrRateLimited and ErrQuotaExhausted classify Estimator backend refusals.
	ErrRateLimited    = errors.New("Rate limit exceeded. Please try again in a moment.")
	ErrQuotaExhausted = errors.New("AI credits exhausted. Please add credits to continue.")

	ErrNotFound          = errors.New("not found")
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionAbandoned  = errors.New("session was abandoned")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrStageInFlight     = errors.New("a stage is already running for this session")
	ErrInvalidAnswer     = errors.New("invalid clarification answer")
	ErrInvalidSelection  = errors.New("invalid ingredient selection")
)
