package release

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/danielpatrickdp/turn-governor/internal/gate"
	"github.com/danielpatrickdp/turn-governor/internal/logging"
	"github.com/danielpatrickdp/turn-governor/internal/observability"
	"github.com/danielpatrickdp/turn-governor/internal/quality"
	"github.com/danielpatrickdp/turn-governor/internal/router"
	"github.com/danielpatrickdp/turn-governor/internal/state"
)

// Controller runs the golden gate and the canary lifecycle for weight
// configs. Operations are operator-driven and not meant to run concurrently
// with each other; the canary_runs unique index backs that up.
type Controller struct {
	config   Config
	store    *Store
	weights  *state.Store
	registry *state.Registry
	outcomes *quality.OutcomeStore

	gateConfig   gate.Config
	routerConfig router.Config

	audit   logging.Sink
	metrics *observability.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithGateConfig sets the gate configuration replayed by the golden gate.
func WithGateConfig(c gate.Config) Option { return func(r *Controller) { r.gateConfig = c } }

// WithRouterConfig sets the router configuration replayed by the golden gate.
func WithRouterConfig(c router.Config) Option { return func(r *Controller) { r.routerConfig = c } }

// WithAudit sets the audit sink.
func WithAudit(sink logging.Sink) Option { return func(r *Controller) { r.audit = sink } }

// WithMetrics wires Prometheus counters.
func WithMetrics(m *observability.Metrics) Option { return func(r *Controller) { r.metrics = m } }

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(r *Controller) { r.logger = l } }

// NewController creates the release tables in db and returns a controller.
// registry may be nil when no live traffic is served from this process.
func NewController(db *sql.DB, config Config, weights *state.Store, registry *state.Registry, outcomes *quality.OutcomeStore, opts ...Option) (*Controller, error) {
	store, err := NewStore(db)
	if err != nil {
		return nil, err
	}
	c := &Controller{
		config:       config,
		store:        store,
		weights:      weights,
		registry:     registry,
		outcomes:     outcomes,
		gateConfig:   gate.DefaultConfig(),
		routerConfig: router.DefaultConfig(),
		audit:        logging.NopSink{},
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = observability.OrNop(c.logger)
	return c, nil
}

// Store exposes the release records.
func (c *Controller) Store() *Store { return c.store }

// Config returns the thresholds in force.
func (c *Controller) Config() Config { return c.config }

// reload re-reads the active pointer into the registry in one swap.
func (c *Controller) reload(ctx context.Context) error {
	if c.registry == nil {
		return nil
	}
	if err := c.registry.Load(ctx); err != nil {
		return fmt.Errorf("reload registry: %w", err)
	}
	return nil
}

func (c *Controller) record(ctx context.Context, event string, allow bool, trace map[string]any) {
	c.metrics.IncReleaseEvent(event)
	ev := logging.AuditEvent{
		Kind:           logging.KindRelease,
		Allow:          allow,
		ReasonCode:     event,
		DecisionSource: "release_control",
		Trace:          trace,
		CreatedAt:      c.now(),
	}
	if err := c.audit.Append(ctx, ev); err != nil {
		c.metrics.IncAuditFailure()
		c.logger.Warn("[RELEASE] audit append failed", "event", event, "err", err)
	}
}
