package calls

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"callsim/internal/admission"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu   sync.Mutex
	msgs map[string][]StatusUpdate
}

func (p *recordingPublisher) Publish(callID string, msg any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.msgs == nil {
		p.msgs = map[string][]StatusUpdate{}
	}
	p.msgs[callID] = append(p.msgs[callID], msg.(StatusUpdate))
}

func (p *recordingPublisher) statuses(callID string) []Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Status, 0, len(p.msgs[callID]))
	for _, m := range p.msgs[callID] {
		out = append(out, m.Status)
	}
	return out
}

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
	gate   chan struct{}
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

type fakeScheduler struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeScheduler) Schedule(_ context.Context, callID, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, callID)
	return "job-" + callID, nil
}

type harness struct {
	svc       *Service
	runner    *Runner
	store     *MemoryStore
	adm       *admission.Controller
	pub       *recordingPublisher
	sleeper   *recordingSleeper
	scheduler *fakeScheduler
}

func newHarness(t *testing.T, limits admission.Limits) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	adm, err := admission.NewController(rdb, limits)
	require.NoError(t, err)

	h := &harness{
		store:     NewMemoryStore(),
		adm:       adm,
		pub:       &recordingPublisher{},
		sleeper:   &recordingSleeper{},
		scheduler: &fakeScheduler{},
	}
	h.runner = NewRunner(context.Background(), h.store, adm, NewLockedRand(7))
	h.runner.Publisher = h.pub
	h.runner.Sleep = h.sleeper.Sleep
	h.runner.Mirror = NewRedisMirror(rdb)
	h.runner.Uploads = h.scheduler
	h.runner.AutoUpload = true

	h.svc = NewService(adm, h.store, h.runner)
	h.svc.Uploads = h.scheduler
	return h
}

func validRequest() CreateRequest {
	return CreateRequest{From: "+15551230001", To: "+15551230002"}
}

func TestRunner_PublishesLegalPathInOrder(t *testing.T) {
	h := newHarness(t, admission.Limits{MaxConcurrent: 3, MaxPerSecond: 100})
	ctx := context.Background()

	c, err := h.svc.Create(ctx, "k1", validRequest())
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, c.Status)
	h.runner.Wait()

	got := h.pub.statuses(c.ID)
	require.Len(t, got, 3)
	prev := StatusQueued
	for _, s := range got {
		assert.True(t, CanTransition(prev, s), "illegal edge %s -> %s", prev, s)
		prev = s
	}
	assert.Equal(t, StatusCompleted, prev)

	stored, err := h.store.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)

	for _, d := range h.sleeper.delays {
		assert.Equal(t, time.Duration(0), d%time.Second, "delays are whole seconds")
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 5*time.Second)
	}
	assert.Equal(t, []string{c.ID}, h.scheduler.calls)
}

func TestService_FourthConcurrentCreateDeniedAndCounterRestored(t *testing.T) {
	h := newHarness(t, admission.Limits{MaxConcurrent: 3, MaxPerSecond: 100})
	h.sleeper.gate = make(chan struct{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.svc.Create(ctx, "k1", validRequest())
		require.NoError(t, err)
	}

	_, err := h.svc.Create(ctx, "k1", validRequest())
	denied, ok := admission.IsDenied(err)
	require.True(t, ok, "expected denial, got %v", err)
	assert.Equal(t, admission.ReasonConcurrency, denied.Reason)
	assert.Equal(t, 3, denied.Limit)

	close(h.sleeper.gate)
	h.runner.Wait()

	n, err := h.adm.Concurrent(ctx, "k1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	counts, err := h.store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counts{Total: 3, Active: 0, Completed: 3}, counts)
}

func TestService_InvalidNumberMutatesNothing(t *testing.T) {
	h := newHarness(t, admission.Limits{MaxConcurrent: 3, MaxPerSecond: 1})
	ctx := context.Background()

	for _, req := range []CreateRequest{
		{From: "12", To: "+15551230002"},
		{From: "+15551230001", To: "not-a-number"},
		{From: "+05551230001", To: "+15551230002"},
		{From: "", To: ""},
	} {
		_, err := h.svc.Create(ctx, "k1", req)
		assert.ErrorIs(t, err, ErrInvalidArgument)
	}

	counts, err := h.store.Counts(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, counts.Total)

	// The rate window was never touched, so one valid create still fits.
	_, err = h.svc.Create(ctx, "k1", validRequest())
	require.NoError(t, err)
	h.runner.Wait()
}

type failingCreateStore struct{ *MemoryStore }

func (failingCreateStore) Create(context.Context, Call) error { return errors.New("db down") }

func TestService_CreateFailureReleasesSlot(t *testing.T) {
	h := newHarness(t, admission.Limits{MaxConcurrent: 1, MaxPerSecond: 100})
	h.svc.Store = failingCreateStore{h.store}
	ctx := context.Background()

	_, err := h.svc.Create(ctx, "k1", validRequest())
	require.Error(t, err)

	n, err := h.adm.Concurrent(ctx, "k1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestRunner_TransitionFailureAbortsAndReleases(t *testing.T) {
	h := newHarness(t, admission.Limits{MaxConcurrent: 1, MaxPerSecond: 100})
	h.store.FailTransitions = errors.New("db down")
	ctx := context.Background()

	c, err := h.svc.Create(ctx, "k1", validRequest())
	require.NoError(t, err)
	h.runner.Wait()

	assert.Empty(t, h.pub.statuses(c.ID))
	assert.Empty(t, h.scheduler.calls)

	n, err := h.adm.Concurrent(ctx, "k1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	h.store.FailTransitions = nil
	stored, err := h.store.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, stored.Status)
}

type panickingPublisher struct{}

func (panickingPublisher) Publish(string, any) { panic("boom") }

func TestRunner_RecoversPanicAndReleases(t *testing.T) {
	h := newHarness(t, admission.Limits{MaxConcurrent: 1, MaxPerSecond: 100})
	h.runner.Publisher = panickingPublisher{}
	ctx := context.Background()

	_, err := h.svc.Create(ctx, "k1", validRequest())
	require.NoError(t, err)
	h.runner.Wait()

	n, err := h.adm.Concurrent(ctx, "k1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestService_GetIsTenantScoped(t *testing.T) {
	h := newHarness(t, admission.Limits{MaxConcurrent: 3, MaxPerSecond: 100})
	ctx := context.Background()

	c, err := h.svc.Create(ctx, "k1", validRequest())
	require.NoError(t, err)
	h.runner.Wait()

	got, err := h.svc.Get(ctx, "k1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)

	_, err = h.svc.Get(ctx, "k2", c.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = h.svc.Get(ctx, "k1", "not-a-uuid")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = h.svc.Get(ctx, "k1", "6f1c1b9e-8f0e-4d5c-9a43-2b1a0c7d9e11")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_RequestRecordingRequiresCompleted(t *testing.T) {
	h := newHarness(t, admission.Limits{MaxConcurrent: 3, MaxPerSecond: 100})
	h.runner.AutoUpload = false
	h.sleeper.gate = make(chan struct{})
	ctx := context.Background()

	c, err := h.svc.Create(ctx, "k1", validRequest())
	require.NoError(t, err)

	_, err = h.svc.RequestRecording(ctx, "k1", c.ID)
	assert.ErrorIs(t, err, ErrStatusConflict)

	close(h.sleeper.gate)
	h.runner.Wait()
	assert.Empty(t, h.scheduler.calls, "manual policy must not auto-enqueue")

	jobID, err := h.svc.RequestRecording(ctx, "k1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, "job-"+c.ID, jobID)
}

func TestRunner_SessionCompletesAfterCallerContextEnds(t *testing.T) {
	h := newHarness(t, admission.Limits{MaxConcurrent: 1, MaxPerSecond: 100})
	h.sleeper.gate = make(chan struct{})

	// The request context (or the process signal context) ending must not
	// stop a session that was already started.
	reqCtx, cancelReq := context.WithCancel(context.Background())
	c, err := h.svc.Create(reqCtx, "k1", validRequest())
	require.NoError(t, err)
	cancelReq()
	close(h.sleeper.gate)

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelDrain()
	require.NoError(t, h.runner.Drain(drainCtx))

	ctx := context.Background()
	got, err := h.store.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	require.Len(t, h.pub.statuses(c.ID), 3)

	counts, err := h.store.Counts(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, counts.Active)

	n, err := h.adm.Concurrent(ctx, "k1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestRunner_DrainTimeoutThenBaseCancelReleases(t *testing.T) {
	h := newHarness(t, admission.Limits{MaxConcurrent: 1, MaxPerSecond: 100})
	base, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.runner.base = base
	h.sleeper.gate = make(chan struct{})
	ctx := context.Background()

	_, err := h.svc.Create(ctx, "k1", validRequest())
	require.NoError(t, err)

	drainCtx, cancelDrain := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancelDrain()
	assert.ErrorIs(t, h.runner.Drain(drainCtx), context.DeadlineExceeded)

	n, err := h.adm.Concurrent(ctx, "k1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "a slow drain leaves the session running")

	cancel()
	h.runner.Wait()

	n, err = h.adm.Concurrent(ctx, "k1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}
