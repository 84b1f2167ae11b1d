package metrics

import (
	"context"
	"fmt"
	"time"

	"callsim/internal/calls"
	"callsim/internal/recording"
)

// CallCounter recomputes session counts from the call store.
type CallCounter interface {
	Counts(ctx context.Context) (calls.Counts, error)
}

// RateReader sums the live per-tenant rate windows.
type RateReader interface {
	CurrentRate(ctx context.Context) (int64, error)
}

// QueueStats reports upload queue depths.
type QueueStats interface {
	Stats(ctx context.Context) (recording.Stats, error)
}

// Snapshot is the point-in-time view returned by the metrics endpoint.
type Snapshot struct {
	TotalCalls     int64 `json:"total_calls"`
	ActiveCalls    int64 `json:"active_calls"`
	CompletedCalls int64 `json:"completed_calls"`
	CurrentCPS     int64 `json:"current_cps"`

	UploadsInProgress int64 `json:"uploads_in_progress"`
	UploadsCompleted  int64 `json:"uploads_completed"`
	UploadsFailed     int64 `json:"uploads_failed"`

	Queue recording.Stats `json:"queue"`

	Timestamp time.Time `json:"timestamp"`
}

// Aggregator assembles a Snapshot. Session counts come from the store at
// query time, never from cached counters.
type Aggregator struct {
	Calls   CallCounter
	Uploads UploadCounters
	Rate    RateReader
	Queue   QueueStats

	Now func() time.Time
}

func NewAggregator(c CallCounter, u UploadCounters, r RateReader, q QueueStats) *Aggregator {
	return &Aggregator{Calls: c, Uploads: u, Rate: r, Queue: q, Now: time.Now}
}

func (a *Aggregator) Snapshot(ctx context.Context) (Snapshot, error) {
	counts, err := a.Calls.Counts(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("metrics: call counts: %w", err)
	}
	uploads, err := a.Uploads.Uploads(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	rate, err := a.Rate.CurrentRate(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	s := Snapshot{
		TotalCalls:        counts.Total,
		ActiveCalls:       counts.Active,
		CompletedCalls:    counts.Completed,
		CurrentCPS:        rate,
		UploadsInProgress: uploads.InProgress,
		UploadsCompleted:  uploads.Completed,
		Timestamp:         a.Now().UTC(),
	}
	if a.Queue != nil {
		stats, err := a.Queue.Stats(ctx)
		if err != nil {
			return Snapshot{}, err
		}
		s.Queue = stats
		s.UploadsFailed = stats.Exhausted
	}
	return s, nil
}
