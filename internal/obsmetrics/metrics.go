// Package obsmetrics exposes pipeline progress as Prometheus metrics and
// implements orchestrator.Observer so the orchestrator can report into it
// without depending on the metrics library itself.
package obsmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/skywave-obs/continuum/internal/orchestrator"
)

// Metrics holds every counter, histogram, and gauge the pipeline emits.
// Construct with New, passing a prometheus.Registerer: continuumd passes
// prometheus.DefaultRegisterer, which its promhttp.Handler serves; tests
// pass a fresh prometheus.NewRegistry() each to avoid
// duplicate-registration collisions.
type Metrics struct {
	stageStarts    *prometheus.CounterVec
	stageDurations *prometheus.HistogramVec
	stageOutcomes  *prometheus.CounterVec
	checkpoints    *prometheus.CounterVec
	groupStates    *prometheus.CounterVec
	groupsPending  prometheus.Gauge

	mu             sync.Mutex
	stageStartedAt map[string]time.Time
}

// New registers every metric against reg and returns a ready Metrics.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		stageStarts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "continuum_stage_starts_total",
			Help: "Count of pipeline stage attempts started, by stage name.",
		}, []string{"stage"}),
		stageDurations: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "continuum_stage_duration_seconds",
			Help:    "Duration of completed pipeline stage attempts, by stage name and outcome.",
			Buckets: []float64{1, 5, 15, 30, 60, 180, 600, 1800, 3600},
		}, []string{"stage", "outcome"}),
		stageOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "continuum_stage_outcomes_total",
			Help: "Count of completed pipeline stage attempts, by stage name and outcome.",
		}, []string{"stage", "outcome"}),
		checkpoints: f.NewCounterVec(prometheus.CounterOpts{
			Name: "continuum_checkpoints_total",
			Help: "Count of checkpoint writes, by stage name.",
		}, []string{"stage"}),
		groupStates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "continuum_group_state_transitions_total",
			Help: "Count of observation group state transitions, by new state.",
		}, []string{"state"}),
		groupsPending: f.NewGauge(prometheus.GaugeOpts{
			Name: "continuum_groups_pending",
			Help: "Number of observation groups currently awaiting a worker claim.",
		}),
		stageStartedAt: make(map[string]time.Time),
	}
}

// SetPendingGroups updates the pending-groups gauge. Callers poll
// IngestStore.PendingCount on their own cadence and push the result here.
func (m *Metrics) SetPendingGroups(n int) {
	m.groupsPending.Set(float64(n))
}

var _ orchestrator.Observer = (*Metrics)(nil)

// OnStageStart records a stage attempt starting and remembers its start
// time so OnStageEnd can compute a duration.
func (m *Metrics) OnStageStart(groupID, stageName string, at time.Time) {
	m.stageStarts.WithLabelValues(stageName).Inc()
	m.mu.Lock()
	m.stageStartedAt[key(groupID, stageName)] = at
	m.mu.Unlock()
}

// OnStageEnd records the outcome and duration of a completed stage
// attempt.
func (m *Metrics) OnStageEnd(groupID, stageName string, at time.Time, outcome orchestrator.Outcome, err error) {
	label := outcome.String()
	m.stageOutcomes.WithLabelValues(stageName, label).Inc()
	k := key(groupID, stageName)
	m.mu.Lock()
	start, ok := m.stageStartedAt[k]
	if ok {
		delete(m.stageStartedAt, k)
	}
	m.mu.Unlock()
	if ok {
		m.stageDurations.WithLabelValues(stageName, label).Observe(at.Sub(start).Seconds())
	}
}

// OnCheckpoint records a checkpoint write.
func (m *Metrics) OnCheckpoint(groupID, stageName string, at time.Time, payloadSize int) {
	m.checkpoints.WithLabelValues(stageName).Inc()
}

// OnGroupStateChange records an observation group transitioning state.
func (m *Metrics) OnGroupStateChange(groupID string, at time.Time, newState string) {
	m.groupStates.WithLabelValues(newState).Inc()
}

func key(groupID, stageName string) string {
	return groupID + "/" + stageName
}
