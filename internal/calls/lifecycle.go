package calls

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"callsim/internal/admission"
	"callsim/pkg/logger"
	"callsim/pkg/utils"
)

// Releaser returns a tenant's admission slot.
type Releaser interface {
	Release(ctx context.Context, tenant string) error
}

// Publisher fans a message out to the subscribers of one session.
type Publisher interface {
	Publish(callID string, msg any)
}

// UploadScheduler enqueues a recording upload and returns the job id.
type UploadScheduler interface {
	Schedule(ctx context.Context, callID, tenant string) (string, error)
}

// StatusMirror keeps a short-lived copy of a session's status outside the store.
type StatusMirror interface {
	Mirror(ctx context.Context, c Call) error
}

// Observer receives lifecycle signals for exposition metrics.
type Observer interface {
	Admission(tenant string, d admission.Decision)
	Transition(from, to Status)
	TenantActive(tenant string, active int64)
}

type nopObserver struct{}

func (nopObserver) Admission(string, admission.Decision) {}
func (nopObserver) Transition(Status, Status)            {}
func (nopObserver) TenantActive(string, int64)           {}

// Runner drives one background task per session from QUEUED to COMPLETED.
//
// Tasks run on the Runner's base context, never on the request that created
// the session. The base is only cancelled when a shutdown drain times out.
// A task that cannot persist a step aborts and releases the tenant's slot;
// a panic inside a task is recovered the same way.
type Runner struct {
	Store     Store
	Admission Releaser
	Publisher Publisher
	Mirror    StatusMirror
	Observer  Observer

	// Uploads is used when AutoUpload is set and the session reaches COMPLETED.
	Uploads    UploadScheduler
	AutoUpload bool

	Policy Policy
	Rand   Random

	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
	Log   *slog.Logger

	base context.Context
	wg   sync.WaitGroup
}

// NewRunner returns a Runner whose tasks stop early when base is cancelled.
func NewRunner(base context.Context, store Store, releaser Releaser, rng Random) *Runner {
	return &Runner{
		Store:     store,
		Admission: releaser,
		Observer:  nopObserver{},
		Policy:    DefaultPolicy(),
		Rand:      rng,
		Sleep:     utils.Sleep,
		Now:       time.Now,
		Log:       slog.Default(),
		base:      base,
	}
}

// Start launches the lifecycle task for c, which must be persisted in QUEUED.
func (r *Runner) Start(c Call) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(c)
	}()
}

// Wait blocks until every started task has finished.
func (r *Runner) Wait() { r.wg.Wait() }

// Drain waits like Wait but gives up when ctx is done. Tasks keep running
// after a timeout until the base context is cancelled.
func (r *Runner) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) run(c Call) {
	log := r.Log.With("call_id", c.ID, logger.Tenant(c.Tenant))
	released := false
	release := func(reason string) {
		if released {
			return
		}
		released = true
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.base), 5*time.Second)
		defer cancel()
		if err := r.Admission.Release(ctx, c.Tenant); err != nil {
			log.Error("release admission slot failed", "reason", reason, "err", err)
		}
	}

	defer func() {
		if p := recover(); p != nil {
			log.Error("session task panicked", "panic", fmt.Sprint(p))
			release("panic")
		}
	}()

	ctx := r.base
	cur := c.Status
	for {
		step, ok := r.Policy.Next(cur, r.Rand)
		if !ok {
			break
		}
		if err := r.Sleep(ctx, step.Delay); err != nil {
			log.Warn("session task stopped", "status", cur, "err", err)
			release("shutdown")
			return
		}

		updated, err := r.Store.Transition(ctx, c.ID, cur, step.Status, r.Now().UTC())
		if err != nil {
			log.Error("persist transition failed", "from", cur, "to", step.Status, "err", err)
			release("store_error")
			return
		}
		r.Observer.Transition(cur, step.Status)
		cur = step.Status
		log.Debug("session transitioned", "status", cur)

		if r.Mirror != nil {
			if err := r.Mirror.Mirror(ctx, updated); err != nil {
				log.Warn("mirror status failed", "err", err)
			}
		}
		if r.Publisher != nil {
			r.Publisher.Publish(c.ID, StatusUpdate{CallID: c.ID, Status: cur, Timestamp: updated.UpdatedAt})
		}
	}

	release("completed")
	if n, err := r.Store.CountActive(ctx, c.Tenant); err != nil {
		log.Warn("refresh tenant active count failed", "err", err)
	} else {
		r.Observer.TenantActive(c.Tenant, n)
	}

	if r.AutoUpload && r.Uploads != nil {
		jobID, err := r.Uploads.Schedule(ctx, c.ID, c.Tenant)
		if err != nil {
			log.Error("enqueue recording upload failed", "err", err)
			return
		}
		log.Info("recording upload enqueued", "job_id", jobID)
	}
}
