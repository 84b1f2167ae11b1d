package calls

import (
	"context"
	"maps"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and local runs without Postgres.
type MemoryStore struct {
	mu    sync.Mutex
	calls map[string]Call

	// FailTransitions, when set, is returned from every Transition call.
	FailTransitions error
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{calls: map[string]Call{}} }

func (s *MemoryStore) Create(ctx context.Context, c Call) error {
	if c.ID == "" || c.Tenant == "" || !c.Status.Valid() {
		return ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[c.ID]; ok {
		return ErrInvalidArgument
	}
	s.calls[c.ID] = clone(c)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	if !ok {
		return Call{}, ErrNotFound
	}
	return clone(c), nil
}

func (s *MemoryStore) Transition(ctx context.Context, id string, from, to Status, at time.Time) (Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailTransitions != nil {
		return Call{}, s.FailTransitions
	}
	c, ok := s.calls[id]
	if !ok {
		return Call{}, ErrNotFound
	}
	if c.Status != from || !CanTransition(from, to) {
		return Call{}, ErrStatusConflict
	}
	c.Status = to
	c.UpdatedAt = at
	s.calls[id] = c
	return clone(c), nil
}

func (s *MemoryStore) SetRecordingURL(ctx context.Context, id, url string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	if !ok {
		return ErrNotFound
	}
	if c.Status != StatusCompleted {
		return ErrStatusConflict
	}
	c.RecordingURL = url
	c.UpdatedAt = at
	s.calls[id] = c
	return nil
}

func (s *MemoryStore) Counts(ctx context.Context) (Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out Counts
	for _, c := range s.calls {
		out.Total++
		if c.Status == StatusCompleted {
			out.Completed++
		} else {
			out.Active++
		}
	}
	return out, nil
}

func (s *MemoryStore) CountActive(ctx context.Context, tenant string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, c := range s.calls {
		if c.Tenant == tenant && c.Status.Active() {
			n++
		}
	}
	return n, nil
}

func clone(c Call) Call {
	c.Metadata = maps.Clone(c.Metadata)
	return c
}
