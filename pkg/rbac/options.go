package rbac

import (
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/portfolio-authz/pkg/observability"
)

// DefaultInvitationTTL is how long an invitation can be accepted
const DefaultInvitationTTL = 7 * 24 * time.Hour

type options struct {
	logger        *observability.Logger
	metrics       *observability.Metrics
	tracer        trace.Tracer
	locator       PropertyLocator
	now           func() time.Time
	invitationTTL time.Duration
	auditMirror   AuditLogger
}

// Option configures an Authorizer or a MembershipService. Options that do
// not apply to the component being built are ignored.
type Option func(*options)

func defaultOptions() options {
	return options{
		logger:        observability.NopLogger(),
		tracer:        observability.Tracer(),
		now:           func() time.Time { return time.Now().UTC() },
		invitationTTL: DefaultInvitationTTL,
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the structured logger
func WithLogger(l *observability.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics sets the Prometheus collectors
func WithMetrics(m *observability.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithTracer overrides the global tracer
func WithTracer(t trace.Tracer) Option {
	return func(o *options) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithPropertyLocator sets how property ownership is resolved. By default
// the Authorizer asks its Queries.
func WithPropertyLocator(l PropertyLocator) Option {
	return func(o *options) { o.locator = l }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithInvitationTTL sets the invitation lifetime
func WithInvitationTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.invitationTTL = ttl
		}
	}
}

// WithAuditMirror sets a sink that receives, after commit, the audit entries
// written inside a transaction (creation, acceptance, transfer).
func WithAuditMirror(l AuditLogger) Option {
	return func(o *options) { o.auditMirror = l }
}
