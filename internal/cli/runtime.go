package cli

// #region imports
import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/danielpatrickdp/turn-governor/internal/adaptation"
	"github.com/danielpatrickdp/turn-governor/internal/candidate"
	"github.com/danielpatrickdp/turn-governor/internal/codec"
	"github.com/danielpatrickdp/turn-governor/internal/config"
	"github.com/danielpatrickdp/turn-governor/internal/gate"
	"github.com/danielpatrickdp/turn-governor/internal/learning"
	"github.com/danielpatrickdp/turn-governor/internal/logging"
	"github.com/danielpatrickdp/turn-governor/internal/observability"
	"github.com/danielpatrickdp/turn-governor/internal/orchestrator"
	"github.com/danielpatrickdp/turn-governor/internal/quality"
	"github.com/danielpatrickdp/turn-governor/internal/release"
	"github.com/danielpatrickdp/turn-governor/internal/router"
	"github.com/danielpatrickdp/turn-governor/internal/state"
	"github.com/danielpatrickdp/turn-governor/internal/wrqs"
)

// #endregion

// #region runtime

// runtime holds everything opened on the shared SQLite database.
type runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	metrics     *observability.Metrics
	store       *state.Store
	registry    *state.Registry
	outcomes    *quality.OutcomeStore
	gaps        *quality.GapStore
	feedback    *quality.FeedbackStore
	sessions    *adaptation.Store
	corrections *adaptation.CorrectionStore
	audit       *logging.AsyncSink
	release     *release.Controller
	learning    *learning.Jobs
	closers     []io.Closer
}

// openRuntime opens the database, bootstraps the built-in weights on first
// use and loads the weight registry.
func openRuntime(ctx context.Context, c config.Config) (rt *runtime, err error) {
	rt = &runtime{
		cfg:     c,
		logger:  observability.NewLogger(c.LogConfig()),
		metrics: observability.DefaultMetrics(),
	}
	defer func() {
		if err != nil {
			rt.Close()
			rt = nil
		}
	}()

	if rt.store, err = state.NewStore(c.DBPath); err != nil {
		return rt, fmt.Errorf("open store: %w", err)
	}
	if _, err = rt.store.Bootstrap(ctx); err != nil {
		return rt, fmt.Errorf("bootstrap weights: %w", err)
	}
	rt.registry = state.NewRegistry(rt.store)
	if err = rt.registry.Load(ctx); err != nil {
		return rt, err
	}

	db := rt.store.DB()
	if rt.outcomes, err = quality.NewOutcomeStore(db); err != nil {
		return rt, err
	}
	if rt.gaps, err = quality.NewGapStore(db); err != nil {
		return rt, err
	}
	if rt.feedback, err = quality.NewFeedbackStore(db); err != nil {
		return rt, err
	}
	if rt.sessions, err = adaptation.NewStore(db, c.AdaptationConfig()); err != nil {
		return rt, err
	}
	if rt.corrections, err = adaptation.NewCorrectionStore(db); err != nil {
		return rt, err
	}
	sink, err := logging.OpenSQLiteSink(db)
	if err != nil {
		return rt, err
	}
	rt.audit = logging.NewAsyncSink(sink, c.Audit.BufferSize, rt.logger, rt.metrics)

	rt.release, err = release.NewController(db, c.Release, rt.store, rt.registry, rt.outcomes,
		release.WithGateConfig(c.GateConfig()),
		release.WithRouterConfig(c.RouterConfig()),
		release.WithAudit(rt.audit),
		release.WithMetrics(rt.metrics),
		release.WithLogger(rt.logger))
	if err != nil {
		return rt, err
	}

	rt.learning, err = learning.NewJobs(db, c.Learning, rt.store, rt.outcomes, rt.feedback, rt.gaps,
		learning.WithAudit(rt.audit),
		learning.WithMetrics(rt.metrics),
		learning.WithLogger(rt.logger))
	if err != nil {
		return rt, err
	}
	return rt, nil
}

// orchestrator wires the turn pipeline. The classifier client is dialed only
// when a stage uses it; both answer backends share one client and are told
// apart by the agent field.
func (rt *runtime) orchestrator() (*orchestrator.Orchestrator, error) {
	c := rt.cfg
	gateOpts := []gate.Option{gate.WithAudit(rt.audit), gate.WithMetrics(rt.metrics), gate.WithLogger(rt.logger)}
	routerOpts := []router.Option{router.WithMetrics(rt.metrics), router.WithLogger(rt.logger)}
	if c.Gate.ClassifierEnabled || c.Router.ClassifierEnabled {
		classifier, err := codec.NewClient(c.ClassifierAddr, c.ClassifierTimeout)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, classifier)
		gateOpts = append(gateOpts, gate.WithClassifier(classifier))
		routerOpts = append(routerOpts, router.WithClassifier(classifier))
	}
	backendClient, err := codec.NewClient(c.BackendAddr, c.BackendTimeout)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, backendClient)
	backend := orchestrator.NewCodecBackend(backendClient, rt.logger)

	return orchestrator.NewOrchestrator(orchestrator.Deps{
		Gate:     gate.NewGate(c.GateConfig(), gateOpts...),
		Router:   router.NewRouter(c.RouterConfig(), routerOpts...),
		Selector: wrqs.NewSelector(candidate.NewGate(nil, rt.metrics, rt.logger), rt.metrics, rt.logger),
		Scorer: quality.NewScorer(c.Quality,
			quality.WithGapStore(rt.gaps),
			quality.WithAudit(rt.audit),
			quality.WithMetrics(rt.metrics),
			quality.WithLogger(rt.logger)),
		Adapter: adaptation.NewAdapter(rt.sessions,
			adaptation.WithAudit(rt.audit),
			adaptation.WithMetrics(rt.metrics),
			adaptation.WithLogger(rt.logger)),
		Outcomes:    rt.outcomes,
		Registry:    rt.registry,
		Structured:  backend,
		Retrieval:   backend,
		Feedback:    rt.feedback,
		Corrections: rt.corrections,
	},
		orchestrator.WithAudit(rt.audit),
		orchestrator.WithMetrics(rt.metrics),
		orchestrator.WithLogger(rt.logger))
}

// Close flushes the audit queue and closes clients and the database.
func (rt *runtime) Close() error {
	var errs []error
	for _, c := range rt.closers {
		errs = append(errs, c.Close())
	}
	if rt.audit != nil {
		errs = append(errs, rt.audit.Close())
	}
	if rt.store != nil {
		errs = append(errs, rt.store.Close())
	}
	return errors.Join(errs...)
}

// #endregion
