package metrics

import (
	"context"

	"callsim/internal/admission"
	"callsim/internal/calls"
	"callsim/pkg/logger"

	"github.com/prometheus/client_golang/prometheus"
)

// Collectors are the exposition metrics of the service. They implement
// calls.Observer.
type Collectors struct {
	admissions   *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	uploads      *prometheus.CounterVec
	tenantActive *prometheus.GaugeVec
}

// NewCollectors registers all collectors on reg. subscribers, when non-nil,
// backs a gauge of live event subscribers.
func NewCollectors(reg prometheus.Registerer, subscribers func() int) *Collectors {
	c := newCollectors()
	reg.MustRegister(c.admissions, c.transitions, c.uploads, c.tenantActive)

	if subscribers != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "callsim",
			Name:      "event_subscribers",
			Help:      "Live real-time event subscribers.",
		}, func() float64 { return float64(subscribers()) }))
	}
	return c
}

// NewUploadCollectors registers only the upload attempt counter. The worker
// process uses it since it never admits or drives sessions.
func NewUploadCollectors(reg prometheus.Registerer) *Collectors {
	c := newCollectors()
	reg.MustRegister(c.uploads)
	return c
}

func newCollectors() *Collectors {
	return &Collectors{
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callsim",
			Name:      "admissions_total",
			Help:      "Session admission decisions by outcome.",
		}, []string{"outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callsim",
			Name:      "call_transitions_total",
			Help:      "Persisted session status transitions.",
		}, []string{"from", "to"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callsim",
			Name:      "upload_attempts_total",
			Help:      "Recording upload attempts by outcome.",
		}, []string{"outcome"}),
		tenantActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "callsim",
			Name:      "tenant_active_calls",
			Help:      "Non-completed sessions per tenant fingerprint.",
		}, []string{"tenant"}),
	}
}

func (c *Collectors) Admission(_ string, d admission.Decision) {
	outcome := "admitted"
	if !d.Allowed {
		outcome = string(d.Reason)
	}
	c.admissions.WithLabelValues(outcome).Inc()
}

func (c *Collectors) Transition(from, to calls.Status) {
	c.transitions.WithLabelValues(string(from), string(to)).Inc()
}

func (c *Collectors) TenantActive(tenant string, active int64) {
	c.tenantActive.WithLabelValues(logger.Fingerprint(tenant)).Set(float64(active))
}

// InstrumentUploads wraps inner so every attempt outcome is also counted here.
func (c *Collectors) InstrumentUploads(inner UploadCounters) UploadCounters {
	return instrumentedCounters{UploadCounters: inner, uploads: c.uploads}
}

type instrumentedCounters struct {
	UploadCounters
	uploads *prometheus.CounterVec
}

func (i instrumentedCounters) Succeed(ctx context.Context) error {
	i.uploads.WithLabelValues("succeeded").Inc()
	return i.UploadCounters.Succeed(ctx)
}

func (i instrumentedCounters) Fail(ctx context.Context) error {
	i.uploads.WithLabelValues("failed").Inc()
	return i.UploadCounters.Fail(ctx)
}

func (i instrumentedCounters) Abort(ctx context.Context) error {
	i.uploads.WithLabelValues("interrupted").Inc()
	return i.UploadCounters.Abort(ctx)
}
