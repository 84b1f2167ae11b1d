package metrics

import (
	"context"
	"sync"
)

// UploadCounts are the cached upload counters.
type UploadCounts struct {
	InProgress int64 `json:"uploads_in_progress"`
	Completed  int64 `json:"uploads_completed"`
}

// UploadCounters is the shared upload counter store. Begin and one of
// Succeed/Fail/Abort bracket an attempt; in-progress never goes below zero.
type UploadCounters interface {
	Begin(ctx context.Context) error
	Succeed(ctx context.Context) error
	Fail(ctx context.Context) error
	Abort(ctx context.Context) error
	Uploads(ctx context.Context) (UploadCounts, error)
}

// MemoryCounters is an in-process UploadCounters for tests and single-process runs.
type MemoryCounters struct {
	mu sync.Mutex
	c  UploadCounts
}

func NewMemoryCounters() *MemoryCounters { return &MemoryCounters{} }

func (m *MemoryCounters) Begin(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.c.InProgress++
	return nil
}

func (m *MemoryCounters) Succeed(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decInProgress()
	m.c.Completed++
	return nil
}

func (m *MemoryCounters) Fail(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decInProgress()
	return nil
}

func (m *MemoryCounters) Abort(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decInProgress()
	return nil
}

func (m *MemoryCounters) Uploads(context.Context) (UploadCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.c, nil
}

func (m *MemoryCounters) decInProgress() {
	if m.c.InProgress > 0 {
		m.c.InProgress--
	}
}
