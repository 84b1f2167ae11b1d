package admission

import (
	"errors"
	"fmt"
)

// Reason names the limit that denied an admission.
type Reason string

const (
	ReasonConcurrency Reason = "concurrency_limit"
	ReasonRate        Reason = "rate_limit"
)

// Decision is the outcome of one admission attempt.
// Limit is the configured value of the limit that denied it.
type Decision struct {
	Allowed bool
	Reason  Reason
	Limit   int
}

// Err returns a *DeniedError for a denied decision, nil otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &DeniedError{Reason: d.Reason, Limit: d.Limit}
}

// DeniedError is surfaced to clients as a throttling response. Never retried server-side.
type DeniedError struct {
	Reason Reason
	Limit  int
}

func (e *DeniedError) Error() string {
	switch e.Reason {
	case ReasonRate:
		return fmt.Sprintf("Calls per second limit exceeded (%d)", e.Limit)
	default:
		return fmt.Sprintf("Maximum concurrent calls reached (%d)", e.Limit)
	}
}

// IsDenied reports whether err is (or wraps) a *DeniedError.
func IsDenied(err error) (*DeniedError, bool) {
	var d *DeniedError
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}
