package calls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"callsim/internal/admission"
	"callsim/pkg/logger"

	"github.com/google/uuid"
)

// Admitter is the admission surface Service needs.
type Admitter interface {
	TryAdmit(ctx context.Context, tenant string) (admission.Decision, error)
	Releaser
}

// e164 accepts an optional leading '+' followed by up to 15 digits, no leading zero.
var e164 = regexp.MustCompile(`^\+?[1-9]\d{1,14}$`)

type CreateRequest struct {
	From     string
	To       string
	Metadata map[string]any
}

// Service is the entry point for creating and reading sessions.
type Service struct {
	Admission Admitter
	Store     Store
	Runner    *Runner
	Mirror    StatusMirror
	Uploads   UploadScheduler
	Observer  Observer

	Now   func() time.Time
	NewID func() string
	Log   *slog.Logger
}

func NewService(adm Admitter, store Store, runner *Runner) *Service {
	return &Service{
		Admission: adm,
		Store:     store,
		Runner:    runner,
		Observer:  nopObserver{},
		Now:       time.Now,
		NewID:     uuid.NewString,
		Log:       slog.Default(),
	}
}

// Create validates the request, admits it against the tenant's limits,
// persists the session in QUEUED and starts its lifecycle task.
//
// Validation runs before admission so a rejected request never touches the counters.
func (s *Service) Create(ctx context.Context, tenant string, req CreateRequest) (Call, error) {
	if tenant == "" {
		return Call{}, fmt.Errorf("%w: tenant required", ErrInvalidArgument)
	}
	if err := validateCreate(req); err != nil {
		return Call{}, err
	}

	d, err := s.Admission.TryAdmit(ctx, tenant)
	if err != nil {
		return Call{}, fmt.Errorf("calls: admission: %w", err)
	}
	s.Observer.Admission(tenant, d)
	if !d.Allowed {
		return Call{}, d.Err()
	}

	now := s.Now().UTC()
	meta := req.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	c := Call{
		ID:        s.NewID(),
		Tenant:    tenant,
		From:      req.From,
		To:        req.To,
		Status:    StatusQueued,
		Metadata:  meta,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.Store.Create(ctx, c); err != nil {
		// The slot was taken for a session that never existed.
		rctx := context.WithoutCancel(ctx)
		if rerr := s.Admission.Release(rctx, tenant); rerr != nil {
			s.Log.Error("release after failed create", "err", rerr, logger.Tenant(tenant))
		}
		return Call{}, err
	}

	if s.Mirror != nil {
		if err := s.Mirror.Mirror(ctx, c); err != nil {
			s.Log.Warn("mirror status failed", "call_id", c.ID, "err", err)
		}
	}
	if n, err := s.Store.CountActive(ctx, tenant); err == nil {
		s.Observer.TenantActive(tenant, n)
	}

	s.Runner.Start(c)
	return c, nil
}

// Get returns the session if it exists and belongs to tenant.
// Sessions of other tenants are reported as not found.
func (s *Service) Get(ctx context.Context, tenant, id string) (Call, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Call{}, fmt.Errorf("%w: call id must be a UUID", ErrInvalidArgument)
	}
	c, err := s.Store.Get(ctx, id)
	if err != nil {
		return Call{}, err
	}
	if c.Tenant != tenant {
		return Call{}, ErrNotFound
	}
	return c, nil
}

// RequestRecording enqueues an upload for a COMPLETED session of tenant.
func (s *Service) RequestRecording(ctx context.Context, tenant, id string) (string, error) {
	if s.Uploads == nil {
		return "", errors.New("calls: uploads not configured")
	}
	c, err := s.Get(ctx, tenant, id)
	if err != nil {
		return "", err
	}
	if c.Status != StatusCompleted {
		return "", fmt.Errorf("%w: session is %s, recording requires COMPLETED", ErrStatusConflict, c.Status)
	}
	return s.Uploads.Schedule(ctx, c.ID, tenant)
}

func validateCreate(req CreateRequest) error {
	if req.From == "" || req.To == "" {
		return fmt.Errorf("%w: from and to are required", ErrInvalidArgument)
	}
	if !e164.MatchString(req.From) {
		return fmt.Errorf("%w: from must be an E.164 phone number", ErrInvalidArgument)
	}
	if !e164.MatchString(req.To) {
		return fmt.Errorf("%w: to must be an E.164 phone number", ErrInvalidArgument)
	}
	return nil
}
