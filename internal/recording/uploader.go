package recording

import (
	"context"
	"errors"
	"fmt"
	"time"

	"callsim/internal/calls"
	"callsim/pkg/utils"
)

// Uploader stores the recording artifact of a session and returns its URL.
// Implementations must honour ctx cancellation.
type Uploader interface {
	Upload(ctx context.Context, callID string) (string, error)
}

// ErrUploadFailed is returned by MockS3Uploader for simulated failures.
var ErrUploadFailed = errors.New("recording: simulated upload failure")

// MockS3Uploader simulates an object-storage upload with random latency and
// an optional failure rate. No bytes leave the process.
type MockS3Uploader struct {
	Bucket string
	Region string

	MinLatency  time.Duration
	MaxLatency  time.Duration
	FailureRate float64

	Rand  calls.Random
	Sleep func(ctx context.Context, d time.Duration) error
}

func NewMockS3Uploader(bucket, region string, rng calls.Random) *MockS3Uploader {
	return &MockS3Uploader{
		Bucket:     bucket,
		Region:     region,
		MinLatency: 2 * time.Second,
		MaxLatency: 3 * time.Second,
		Rand:       rng,
		Sleep:      utils.Sleep,
	}
}

func (u *MockS3Uploader) Upload(ctx context.Context, callID string) (string, error) {
	if callID == "" {
		return "", Permanent(errors.New("recording: call id required"))
	}
	if err := u.Sleep(ctx, u.latency()); err != nil {
		return "", err
	}
	if u.FailureRate > 0 && u.Rand.Float64() < u.FailureRate {
		return "", ErrUploadFailed
	}
	return ObjectURL(u.Bucket, u.Region, callID), nil
}

func (u *MockS3Uploader) latency() time.Duration {
	spread := u.MaxLatency - u.MinLatency
	if spread <= 0 {
		return u.MinLatency
	}
	return u.MinLatency + time.Duration(u.Rand.Float64()*float64(spread))
}

// ObjectURL is the virtual-hosted style URL of a session's recording.
func ObjectURL(bucket, region, callID string) string {
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/recordings/%s.mp3", bucket, region, callID)
}
