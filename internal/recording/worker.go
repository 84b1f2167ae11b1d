package recording

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"callsim/internal/calls"
	"callsim/pkg/logger"
	"callsim/pkg/utils"
)

// Config controls retry and polling behaviour of the Worker.
type Config struct {
	// MaxAttempts counts every upload attempt, the first one included.
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	PollInterval time.Duration
	Concurrency  int
}

func (c Config) normalized() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 2 * time.Second
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = time.Minute
		if c.MaxBackoff < c.BaseBackoff {
			c.MaxBackoff = c.BaseBackoff
		}
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	return c
}

// Backoff returns the wait before the attempt that follows failed attempt n (1-based):
// BaseBackoff * 2^(n-1), capped at MaxBackoff.
func (c Config) Backoff(n int) time.Duration {
	c = c.normalized()
	d := c.BaseBackoff
	for i := 1; i < n; i++ {
		d *= 2
		if d >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	return d
}

// Counters track uploads per attempt: Begin marks one in progress, and exactly
// one of Succeed, Fail or Abort ends it. Abort is an attempt cut short by
// shutdown, which is neither a success nor a failure.
type Counters interface {
	Begin(ctx context.Context) error
	Succeed(ctx context.Context) error
	Fail(ctx context.Context) error
	Abort(ctx context.Context) error
}

// RecordingStore persists the URL of an uploaded artifact on its session.
type RecordingStore interface {
	SetRecordingURL(ctx context.Context, id, url string, at time.Time) error
}

// Worker claims upload jobs, runs them, and retries failures with backoff.
type Worker struct {
	queue    *Queue
	uploader Uploader
	store    RecordingStore
	counters Counters
	cfg      Config

	Log *slog.Logger
	Now func() time.Time
}

func NewWorker(q *Queue, u Uploader, store RecordingStore, counters Counters, cfg Config) *Worker {
	return &Worker{
		queue:    q,
		uploader: u,
		store:    store,
		counters: counters,
		cfg:      cfg.normalized(),
		Log:      slog.Default(),
		Now:      time.Now,
	}
}

// Run recovers abandoned jobs, then processes jobs with Concurrency loops
// until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if n, err := w.queue.Recover(ctx); err != nil {
		return err
	} else if n > 0 {
		w.Log.Info("recovered abandoned upload jobs", "count", n)
	}

	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Wait()
	return nil
}

func (w *Worker) loop(ctx context.Context) {
	for ctx.Err() == nil {
		ran, err := w.ProcessOne(ctx)
		if err != nil && ctx.Err() == nil {
			w.Log.Error("upload worker iteration failed", "err", err)
		}
		if ran && err == nil {
			continue
		}
		if utils.Sleep(ctx, w.cfg.PollInterval) != nil {
			return
		}
	}
}

// ProcessOne claims and runs at most one job. It reports whether a job was claimed.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	job, ok, err := w.queue.Claim(ctx)
	if err != nil || !ok {
		return false, err
	}
	return true, w.process(ctx, job)
}

func (w *Worker) process(ctx context.Context, job Job) error {
	job.Attempts++
	log := w.Log.With("job_id", job.ID, "call_id", job.CallID, "attempt", job.Attempts, logger.Tenant(job.Tenant))

	// Bookkeeping after the upload must finish even if shutdown began mid-attempt.
	bctx := context.WithoutCancel(ctx)

	if err := w.counters.Begin(bctx); err != nil {
		log.Warn("mark upload in progress failed", "err", err)
	}

	url, err := w.attempt(ctx, job)
	if err != nil && ctx.Err() != nil {
		// Shutdown interrupted the upload. The attempt does not count and the
		// job goes straight back to the queue.
		job.Attempts--
		if cerr := w.counters.Abort(bctx); cerr != nil {
			log.Warn("clear upload in progress failed", "err", cerr)
		}
		log.Info("recording upload interrupted, requeued", "err", err)
		return w.queue.Retry(bctx, job, 0, nil)
	}
	if err == nil {
		if err := w.counters.Succeed(bctx); err != nil {
			log.Warn("mark upload completed failed", "err", err)
		}
		log.Info("recording uploaded", "url", url)
		return w.queue.Ack(bctx, job, url)
	}

	if cerr := w.counters.Fail(bctx); cerr != nil {
		log.Warn("mark upload failed failed", "err", cerr)
	}

	if IsPermanent(err) || job.Attempts >= w.cfg.MaxAttempts {
		log.Error("recording upload exhausted", "err", err)
		return w.queue.Exhaust(bctx, job, err)
	}

	delay := w.cfg.Backoff(job.Attempts)
	log.Warn("recording upload failed, retrying", "err", err, "backoff", delay)
	return w.queue.Retry(bctx, job, delay, err)
}

// attempt uploads and persists the URL. Panics are turned into errors.
func (w *Worker) attempt(ctx context.Context, job Job) (url string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("recording: upload panicked: %v", p)
		}
	}()

	url, err = w.uploader.Upload(ctx, job.CallID)
	if err != nil {
		return "", err
	}
	if err := w.store.SetRecordingURL(ctx, job.CallID, url, w.Now().UTC()); err != nil {
		if errors.Is(err, calls.ErrNotFound) || errors.Is(err, calls.ErrStatusConflict) {
			return "", Permanent(err)
		}
		return "", err
	}
	return url, nil
}
