package kis

import (
	"errors"
	"fmt"
)

// Transport-level failures. These contribute to the gateway breaker and
// map to the no-ACK retry path in stream consumers.
var (
	ErrRateLimited = errors.New("RATE_LIMITED")
	ErrCircuitOpen = errors.New("CIRCUIT_OPEN")
	ErrUpstream    = errors.New("UPSTREAM_ERROR")
)

// BusinessError is a venue 4xx rejection (insufficient funds, wrong
// price tick). Surfaced verbatim; never trips the breaker.
type BusinessError struct {
	Code    string
	Message string
}

func (e *BusinessError) Error() string {
	return fmt.Sprintf("venue rejected: %s %s", e.Code, e.Message)
}

// IsTransient reports whether err should be retried via the pending
// message recovery path instead of being dropped.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUpstream) || errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrRateLimited)
}
