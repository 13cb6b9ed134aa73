package consent

import "errors"

var (
	// ErrAccessDenied is returned for every refused check. It does not say
	// whether the patient exists.
	ErrAccessDenied = errors.New("access denied")

	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("grant not found")

	// ErrRateLimited is returned when an actor exceeds the hourly
	// break-the-glass budget.
	ErrRateLimited = errors.New("break-glass rate limit exceeded")
)
