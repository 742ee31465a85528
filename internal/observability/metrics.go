package observability

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "turngov"

// Metrics exposes Prometheus collectors for every pipeline stage.
// All methods are safe on a nil receiver so components can run unwired.
type Metrics struct {
	gateDecisions     *prometheus.CounterVec
	classifierResults *prometheus.CounterVec
	routeDecisions    *prometheus.CounterVec
	candidateVetoes   *prometheus.CounterVec
	selections        *prometheus.CounterVec
	turnTQS           prometheus.Histogram
	turnKGS           prometheus.Histogram
	adaptations       *prometheus.CounterVec
	releaseEvents     *prometheus.CounterVec
	auditDropped      prometheus.Counter
	rpcs              *prometheus.CounterVec
	learningJobs      *prometheus.CounterVec
	feedback          *prometheus.CounterVec
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns the process-wide metrics registered with the default
// registry. Collectors are created once so repeated wiring in tests does not
// trip duplicate registration.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics builds and registers all collectors on reg, reusing any that
// are already registered. Other registration errors panic.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	scoreBuckets := prometheus.LinearBuckets(0, 10, 11)

	m := &Metrics{
		gateDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gate", Name: "decisions_total",
			Help: "Admission decisions by source and reason code.",
		}, []string{"allow", "source", "reason"}),
		classifierResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gate", Name: "classifier_results_total",
			Help: "Classifier phase outcomes (ok, parse_failure, low_confidence, unavailable, cached).",
		}, []string{"outcome"}),
		routeDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "router", Name: "decisions_total",
			Help: "Routing decisions by intent and source.",
		}, []string{"intent", "source"}),
		candidateVetoes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "candidate", Name: "vetoes_total",
			Help: "Candidate gate vetoes by reason code.",
		}, []string{"reason"}),
		selections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "wrqs", Name: "selections_total",
			Help: "Selection outcomes by winning source or no_candidate.",
		}, []string{"outcome"}),
		turnTQS: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "quality", Name: "tqs",
			Help: "Turn quality score distribution.", Buckets: scoreBuckets,
		}),
		turnKGS: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "quality", Name: "kgs",
			Help: "Knowledge gap score distribution.", Buckets: scoreBuckets,
		}),
		adaptations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "adaptation", Name: "plans_applied_total",
			Help: "Adaptation plans applied by trigger reason.",
		}, []string{"reason"}),
		releaseEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "release", Name: "events_total",
			Help: "Release control events (golden_pass, golden_fail, canary_start, canary_rollback, canary_promote).",
		}, []string{"event"}),
		auditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "audit", Name: "write_failures_total",
			Help: "Audit events that could not be persisted.",
		}),
		rpcs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "server", Name: "rpcs_total",
			Help: "Governor RPCs by method and status code.",
		}, []string{"method", "code"}),
		learningJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "learning", Name: "job_runs_total",
			Help: "Offline learning job runs by job type and status.",
		}, []string{"job", "status"}),
		feedback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "feedback", Name: "ratings_total",
			Help: "Answer ratings by type and whether they may feed learning.",
		}, []string{"type", "learnable"}),
	}

	m.gateDecisions = registerCounterVec(reg, m.gateDecisions)
	m.classifierResults = registerCounterVec(reg, m.classifierResults)
	m.routeDecisions = registerCounterVec(reg, m.routeDecisions)
	m.candidateVetoes = registerCounterVec(reg, m.candidateVetoes)
	m.selections = registerCounterVec(reg, m.selections)
	m.adaptations = registerCounterVec(reg, m.adaptations)
	m.releaseEvents = registerCounterVec(reg, m.releaseEvents)
	m.turnTQS = registerHistogram(reg, m.turnTQS)
	m.turnKGS = registerHistogram(reg, m.turnKGS)
	m.auditDropped = registerCounter(reg, m.auditDropped)
	m.rpcs = registerCounterVec(reg, m.rpcs)
	m.learningJobs = registerCounterVec(reg, m.learningJobs)
	m.feedback = registerCounterVec(reg, m.feedback)
	return m
}

func registerCounterVec(reg prometheus.Registerer, c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return already.ExistingCollector.(*prometheus.CounterVec)
		}
		panic(err)
	}
	return c
}

func registerHistogram(reg prometheus.Registerer, h prometheus.Histogram) prometheus.Histogram {
	if err := reg.Register(h); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return already.ExistingCollector.(prometheus.Histogram)
		}
		panic(err)
	}
	return h
}

func registerCounter(reg prometheus.Registerer, c prometheus.Counter) prometheus.Counter {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return already.ExistingCollector.(prometheus.Counter)
		}
		panic(err)
	}
	return c
}

// IncGateDecision counts one admission decision.
func (m *Metrics) IncGateDecision(allow bool, source, reason string) {
	if m == nil {
		return
	}
	a := "false"
	if allow {
		a = "true"
	}
	if reason == "" {
		reason = "none"
	}
	m.gateDecisions.WithLabelValues(a, source, reason).Inc()
}

// IncClassifierResult counts one classifier phase outcome.
func (m *Metrics) IncClassifierResult(outcome string) {
	if m == nil {
		return
	}
	m.classifierResults.WithLabelValues(outcome).Inc()
}

// IncRoute counts one routing decision.
func (m *Metrics) IncRoute(intent, source string) {
	if m == nil {
		return
	}
	m.routeDecisions.WithLabelValues(intent, source).Inc()
}

// IncCandidateVeto counts one candidate gate veto.
func (m *Metrics) IncCandidateVeto(reason string) {
	if m == nil {
		return
	}
	m.candidateVetoes.WithLabelValues(reason).Inc()
}

// IncSelection counts one selection outcome.
func (m *Metrics) IncSelection(outcome string) {
	if m == nil {
		return
	}
	m.selections.WithLabelValues(outcome).Inc()
}

// ObserveTurn records the quality scores of a completed turn.
func (m *Metrics) ObserveTurn(tqs, kgs int) {
	if m == nil {
		return
	}
	m.turnTQS.Observe(float64(tqs))
	m.turnKGS.Observe(float64(kgs))
}

// IncAdaptation counts an applied adaptation plan per trigger reason.
func (m *Metrics) IncAdaptation(reason string) {
	if m == nil {
		return
	}
	m.adaptations.WithLabelValues(reason).Inc()
}

// IncReleaseEvent counts a release control event.
func (m *Metrics) IncReleaseEvent(event string) {
	if m == nil {
		return
	}
	m.releaseEvents.WithLabelValues(event).Inc()
}

// IncAuditFailure counts an audit event that failed to persist.
func (m *Metrics) IncAuditFailure() {
	if m == nil {
		return
	}
	m.auditDropped.Inc()
}

// IncRPC counts one served RPC.
func (m *Metrics) IncRPC(method, code string) {
	if m == nil {
		return
	}
	m.rpcs.WithLabelValues(method, code).Inc()
}

// IncLearningJob counts a finished learning job run.
func (m *Metrics) IncLearningJob(job, status string) {
	if m == nil {
		return
	}
	m.learningJobs.WithLabelValues(job, status).Inc()
}

// IncFeedback counts one answer rating.
func (m *Metrics) IncFeedback(kind string, learnable bool) {
	if m == nil {
		return
	}
	m.feedback.WithLabelValues(kind, strconv.FormatBool(learnable)).Inc()
}
