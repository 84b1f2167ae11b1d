package calls

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("calls: not found")
	ErrInvalidArgument = errors.New("calls: invalid argument")
	// ErrStatusConflict means the row is not in the status the write expected.
	ErrStatusConflict = errors.New("calls: status conflict")
)

// Store persists sessions. Implementations must make Transition a
// compare-and-set on the current status so the lifecycle stays monotonic.
type Store interface {
	Create(ctx context.Context, c Call) error
	Get(ctx context.Context, id string) (Call, error)

	// Transition moves id from -> to and returns the updated row.
	// ErrStatusConflict if the row is no longer in from.
	Transition(ctx context.Context, id string, from, to Status, at time.Time) (Call, error)

	// SetRecordingURL stores url on a COMPLETED row. Later writes overwrite earlier ones.
	SetRecordingURL(ctx context.Context, id, url string, at time.Time) error

	Counts(ctx context.Context) (Counts, error)

	// CountActive counts non-completed sessions of one tenant.
	CountActive(ctx context.Context, tenant string) (int64, error)
}
