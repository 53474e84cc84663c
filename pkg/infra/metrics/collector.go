package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jguan/stagepipe/pkg/pipeline"
)

const namespace = "stagepipe"

// Collector exports orchestrator and sweep measurements to Prometheus.
type Collector struct {
	registry *prometheus.Registry

	transitions   *prometheus.HistogramVec
	conflicts     *prometheus.CounterVec
	dispatches    *prometheus.CounterVec
	retries       *prometheus.CounterVec
	stageFailures *prometheus.CounterVec
	runsFinished  *prometheus.CounterVec

	activeRuns    prometheus.Gauge
	sweepTimeouts prometheus.Counter
	sweepReleases prometheus.Counter
	sweepErrors   prometheus.Counter
}

// NewCollector registers the collector's metrics with reg. A nil reg gets a
// private registry, which keeps tests from colliding on the default one.
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		transitions: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transition_duration_seconds",
			Help:      "Time to load, apply and persist one run event.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"event"}),
		conflicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "revision_conflicts_total",
			Help:      "Conditional writes that lost to a concurrent writer.",
		}, []string{"event"}),
		dispatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_dispatches_total",
			Help:      "Stage attempts handed to the dispatcher.",
		}, []string{"stage"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_retries_total",
			Help:      "Stage attempts after the first.",
		}, []string{"stage"}),
		stageFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_failures_total",
			Help:      "Failed stage attempts by failure kind.",
		}, []string{"stage", "kind"}),
		runsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Runs that reached a terminal status.",
		}, []string{"status"}),
		activeRuns: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Non-terminal runs seen by the last sweep.",
		}),
		sweepTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_timeouts_total",
			Help:      "Stage attempts the sweep reported as timed out.",
		}),
		sweepReleases: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_join_releases_total",
			Help:      "Joins the sweep released after they were left unclaimed.",
		}),
		sweepErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_errors_total",
			Help:      "Runs the sweep failed to process.",
		}),
	}
}

func (c *Collector) ObserveTransition(kind pipeline.EventKind, d time.Duration) {
	c.transitions.WithLabelValues(string(kind)).Observe(d.Seconds())
}

func (c *Collector) IncConflict(kind pipeline.EventKind) {
	c.conflicts.WithLabelValues(string(kind)).Inc()
}

func (c *Collector) IncDispatch(stageID string, attempt int) {
	c.dispatches.WithLabelValues(stageID).Inc()
	if attempt > 1 {
		c.retries.WithLabelValues(stageID).Inc()
	}
}

func (c *Collector) IncStageFailure(stageID string, kind pipeline.FailureKind) {
	c.stageFailures.WithLabelValues(stageID, string(kind)).Inc()
}

func (c *Collector) IncRunFinished(status pipeline.RunStatus) {
	c.runsFinished.WithLabelValues(string(status)).Inc()
}

// ObserveSweep is meant for pipeline.WithSweepObserver.
func (c *Collector) ObserveSweep(r pipeline.SweepReport) {
	c.activeRuns.Set(float64(r.Scanned))
	c.sweepTimeouts.Add(float64(r.TimedOut))
	c.sweepReleases.Add(float64(r.Released))
	c.sweepErrors.Add(float64(r.Errors))
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registerer lets other components (the HTTP request metrics) share the
// collector's registry.
func (c *Collector) Registerer() prometheus.Registerer {
	return c.registry
}

func statusLabel(code int) string {
	return strconv.Itoa(code)
}

var _ pipeline.Metrics = (*Collector)(nil)
