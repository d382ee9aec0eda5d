package circuitbreaker

import (
	"context"
	"errors"
	"os"
)

// ErrorWeight returns the breaker weight of a transport error. HTTP
// responses of any status are not failures and weigh 0.
//
// Weights:
//   - nil, context.Canceled -> 0.0 (the caller went away, not the host)
//   - timeout (deadline exceeded) -> 1.5
//   - any other transport failure -> 1.0
func ErrorWeight(err error) float64 {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return 0
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return 1.5
	default:
		return 1.0
	}
}
