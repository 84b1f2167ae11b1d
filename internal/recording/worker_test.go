package recording

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"callsim/internal/admission"
	"callsim/internal/calls"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingUploader struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (u *countingUploader) Upload(_ context.Context, callID string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls++
	if u.err != nil {
		return "", u.err
	}
	return ObjectURL("bucket", "us-east-1", callID), nil
}

type memCounters struct {
	mu                                       sync.Mutex
	inProgress, completed, attempts, aborted int
}

func (c *memCounters) Begin(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inProgress++
	c.attempts++
	return nil
}

func (c *memCounters) Succeed(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inProgress--
	c.completed++
	return nil
}

func (c *memCounters) Fail(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inProgress--
	return nil
}

func (c *memCounters) Abort(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inProgress--
	c.aborted++
	return nil
}

// blockingUploader waits for ctx to end, like an upload cut off by shutdown.
type blockingUploader struct{ started chan struct{} }

func (u *blockingUploader) Upload(ctx context.Context, _ string) (string, error) {
	close(u.started)
	<-ctx.Done()
	return "", ctx.Err()
}

func completedCall(t *testing.T, store *calls.MemoryStore, id string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, store.Create(ctx, calls.Call{ID: id, Tenant: "k1", From: "+1555", To: "+1666", Status: calls.StatusQueued, CreatedAt: now, UpdatedAt: now}))
	for _, step := range [][2]calls.Status{
		{calls.StatusQueued, calls.StatusRinging},
		{calls.StatusRinging, calls.StatusAnswered},
		{calls.StatusAnswered, calls.StatusCompleted},
	} {
		_, err := store.Transition(ctx, id, step[0], step[1], now)
		require.NoError(t, err)
	}
}

func TestConfig_BackoffDoublesAndCaps(t *testing.T) {
	cfg := Config{BaseBackoff: 2 * time.Second, MaxBackoff: 10 * time.Second}
	assert.Equal(t, 2*time.Second, cfg.Backoff(1))
	assert.Equal(t, 4*time.Second, cfg.Backoff(2))
	assert.Equal(t, 8*time.Second, cfg.Backoff(3))
	assert.Equal(t, 10*time.Second, cfg.Backoff(4))
	assert.Equal(t, 10*time.Second, cfg.Backoff(20))
}

func TestWorker_SuccessPersistsURL(t *testing.T) {
	q, _, _ := newTestQueue(t)
	store := calls.NewMemoryStore()
	completedCall(t, store, "call-1")
	up := &countingUploader{}
	counters := &memCounters{}
	w := NewWorker(q, up, store, counters, Config{MaxAttempts: 3, BaseBackoff: time.Second})
	ctx := context.Background()

	job, err := q.Enqueue(ctx, "call-1", "k1")
	require.NoError(t, err)

	ran, err := w.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, ran)

	c, err := store.Get(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, ObjectURL("bucket", "us-east-1", "call-1"), c.RecordingURL)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, got.State)
	assert.Equal(t, 1, got.Attempts)

	assert.Equal(t, 0, counters.inProgress)
	assert.Equal(t, 1, counters.completed)
}

func TestWorker_AlwaysFailingUploadExhaustsAfterMaxAttempts(t *testing.T) {
	q, clk, _ := newTestQueue(t)
	store := calls.NewMemoryStore()
	completedCall(t, store, "call-1")
	up := &countingUploader{err: errors.New("s3 unavailable")}
	counters := &memCounters{}
	cfg := Config{MaxAttempts: 3, BaseBackoff: 2 * time.Second, MaxBackoff: time.Minute}
	w := NewWorker(q, up, store, counters, cfg)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, "call-1", "k1")
	require.NoError(t, err)

	var backoffs []time.Duration
	for i := 0; i < 50; i++ {
		ran, err := w.ProcessOne(ctx)
		require.NoError(t, err)
		if !ran {
			clk.Advance(time.Second)
			continue
		}
		j, err := q.Get(ctx, job.ID)
		require.NoError(t, err)
		if j.State == StateExhausted {
			break
		}
		due, err := q.rdb.ZScore(ctx, q.delayedKey(), job.ID).Result()
		require.NoError(t, err)
		backoffs = append(backoffs, time.UnixMilli(int64(due)).Sub(clk.Now()))
	}

	assert.Equal(t, cfg.MaxAttempts, up.calls)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, backoffs)

	exhausted, err := q.ListExhausted(ctx, "k1")
	require.NoError(t, err)
	require.Len(t, exhausted, 1)
	assert.Equal(t, job.ID, exhausted[0].ID)
	assert.Equal(t, cfg.MaxAttempts, exhausted[0].Attempts)
	assert.Equal(t, "s3 unavailable", exhausted[0].LastError)

	assert.Equal(t, 0, counters.inProgress, "in-progress must return to zero on every failure")
	assert.Equal(t, 0, counters.completed)
	assert.Equal(t, cfg.MaxAttempts, counters.attempts)

	c, err := store.Get(ctx, "call-1")
	require.NoError(t, err)
	assert.Empty(t, c.RecordingURL)
}

func TestWorker_PermanentErrorExhaustsImmediately(t *testing.T) {
	q, _, _ := newTestQueue(t)
	store := calls.NewMemoryStore()
	up := &countingUploader{}
	w := NewWorker(q, up, store, &memCounters{}, Config{MaxAttempts: 5})
	ctx := context.Background()

	job, err := q.Enqueue(ctx, "missing-call", "k1")
	require.NoError(t, err)

	ran, err := w.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, ran)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateExhausted, got.State)
	assert.Equal(t, 1, got.Attempts)
}

type panickingUploader struct{}

func (panickingUploader) Upload(context.Context, string) (string, error) { panic("kaboom") }

func TestWorker_RecoversUploaderPanic(t *testing.T) {
	q, _, _ := newTestQueue(t)
	counters := &memCounters{}
	w := NewWorker(q, panickingUploader{}, calls.NewMemoryStore(), counters, Config{MaxAttempts: 2})
	ctx := context.Background()

	job, err := q.Enqueue(ctx, "call-1", "k1")
	require.NoError(t, err)
	_, err = w.ProcessOne(ctx)
	require.NoError(t, err)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDelayed, got.State)
	assert.Contains(t, got.LastError, "kaboom")
	assert.Equal(t, 0, counters.inProgress)
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	q, _, _ := newTestQueue(t)
	store := calls.NewMemoryStore()
	completedCall(t, store, "call-1")
	w := NewWorker(q, &countingUploader{}, store, &memCounters{}, Config{PollInterval: 5 * time.Millisecond, Concurrency: 2})

	_, err := q.Enqueue(context.Background(), "call-1", "k1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		c, err := store.Get(context.Background(), "call-1")
		return err == nil && c.RecordingURL != ""
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestWorker_ShutdownMidUploadRequeuesWithoutSpendingAttempt(t *testing.T) {
	q, _, _ := newTestQueue(t)
	store := calls.NewMemoryStore()
	completedCall(t, store, "call-1")
	counters := &memCounters{}
	up := &blockingUploader{started: make(chan struct{})}
	w := NewWorker(q, up, store, counters, Config{MaxAttempts: 1, BaseBackoff: time.Second})

	job, err := q.Enqueue(context.Background(), "call-1", "k1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-up.started
		cancel()
	}()
	ran, err := w.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, ran)

	got, err := q.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDelayed, got.State)
	assert.Equal(t, 0, got.Attempts)
	assert.Empty(t, got.LastError)

	exhausted, err := q.ListExhausted(context.Background(), "k1")
	require.NoError(t, err)
	assert.Empty(t, exhausted)
	assert.Equal(t, 0, counters.inProgress)
	assert.Equal(t, 1, counters.aborted)
	assert.Equal(t, 0, counters.completed)

	// The next worker picks it up immediately and still has its one attempt.
	next := NewWorker(q, &countingUploader{}, store, counters, Config{MaxAttempts: 1})
	ran, err = next.ProcessOne(context.Background())
	require.NoError(t, err)
	require.True(t, ran)

	got, err = q.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, got.State)
	assert.Equal(t, 1, got.Attempts)
}

func TestMockS3Uploader(t *testing.T) {
	var slept time.Duration
	u := NewMockS3Uploader("recordings", "eu-west-1", calls.NewLockedRand(3))
	u.Sleep = func(_ context.Context, d time.Duration) error { slept = d; return nil }

	url, err := u.Upload(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "https://recordings.s3.eu-west-1.amazonaws.com/recordings/c1.mp3", url)
	assert.GreaterOrEqual(t, slept, 2*time.Second)
	assert.LessOrEqual(t, slept, 3*time.Second)

	u.FailureRate = 1
	_, err = u.Upload(context.Background(), "c1")
	assert.ErrorIs(t, err, ErrUploadFailed)

	_, err = u.Upload(context.Background(), "")
	assert.True(t, IsPermanent(err))
}

func TestSessionCompletesThenWorkerAttachesRecording(t *testing.T) {
	q, _, mr := newTestQueue(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	adm, err := admission.NewController(rdb, admission.Limits{MaxConcurrent: 3, MaxPerSecond: 10})
	require.NoError(t, err)

	store := calls.NewMemoryStore()
	runner := calls.NewRunner(context.Background(), store, adm, calls.NewLockedRand(7))
	runner.Sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	runner.Uploads = q
	runner.AutoUpload = true
	svc := calls.NewService(adm, store, runner)
	ctx := context.Background()

	c, err := svc.Create(ctx, "k1", calls.CreateRequest{From: "+15551230001", To: "+15551230002"})
	require.NoError(t, err)
	runner.Wait()

	got, err := store.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, calls.StatusCompleted, got.Status)
	assert.Empty(t, got.RecordingURL)

	held, err := adm.Concurrent(ctx, "k1")
	require.NoError(t, err)
	assert.Zero(t, held)

	w := NewWorker(q, &countingUploader{}, store, &memCounters{}, Config{MaxAttempts: 3, BaseBackoff: time.Second})
	ran, err := w.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, ran)

	got, err = store.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, ObjectURL("bucket", "us-east-1", c.ID), got.RecordingURL)
}
