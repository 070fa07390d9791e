package rate

import "errors"

var (
	// ErrRedisUnavailable wraps Redis failures surfaced by Reset and Count.
	ErrRedisUnavailable = errors.New("rate: redis unavailable")
	// ErrInvalidPolicy is returned for a non-positive window or limit.
	ErrInvalidPolicy = errors.New("rate: invalid policy")
)
