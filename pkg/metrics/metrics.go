// Package metrics exposes Prometheus instrumentation for the ontology
// store, adapted from the teacher's flat var-block-of-collectors
// registered in one init(), renamed to the OMS surface named in
// SPEC_FULL.md §13.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oms_commits_total",
			Help: "Total number of commits appended, by branch",
		},
		[]string{"branch"},
	)

	CommitApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name: "oms_commit_apply_duration_seconds",
			Help: "Time to apply a commit through the replicated log",
		},
	)

	MergeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "oms_merge_duration_seconds",
			Help: "Merge operation duration by outcome status",
		},
		[]string{"status"},
	)

	MergeConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oms_merge_conflicts_total",
			Help: "Total merge conflicts detected by type and severity",
		},
		[]string{"type", "severity"},
	)

	LockAcquisitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oms_lock_acquisitions_total",
			Help: "Total lock acquisition attempts by outcome",
		},
		[]string{"outcome"},
	)

	ActiveLocks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "oms_active_locks",
			Help: "Current number of held locks",
		},
	)

	LockAutoReleasesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "oms_lock_auto_releases_total",
			Help: "Total locks released by the sweeper rather than an explicit release",
		},
	)

	ShadowBuildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oms_shadow_builds_total",
			Help: "Total shadow index builds started, by index type",
		},
		[]string{"index_type"},
	)

	ShadowSwitchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name: "oms_shadow_switch_duration_seconds",
			Help: "Duration of shadow index switch operations",
		},
	)

	OutboxPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "oms_outbox_pending",
			Help: "Current number of PENDING outbox rows",
		},
	)

	OutboxPublishedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "oms_outbox_published_total",
			Help: "Total outbox rows successfully published",
		},
	)

	OutboxDeadTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "oms_outbox_dead_total",
			Help: "Total outbox rows moved to DEAD after exhausting retries",
		},
	)

	SubscriberProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oms_subscriber_processed_total",
			Help: "Total events processed by the outbox subscriber, by event type",
		},
		[]string{"event_type"},
	)

	SubscriberIdempotentSkipsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "oms_subscriber_idempotent_skips_total",
			Help: "Total events skipped because their event id was already ingested",
		},
	)

	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "oms_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name: "oms_raft_apply_duration_seconds",
			Help: "Time for a raft.Apply call to return",
		},
	)
)

func init() {
	prometheus.MustRegister(CommitsTotal)
	prometheus.MustRegister(CommitApplyDuration)
	prometheus.MustRegister(MergeDuration)
	prometheus.MustRegister(MergeConflictsTotal)
	prometheus.MustRegister(LockAcquisitionsTotal)
	prometheus.MustRegister(ActiveLocks)
	prometheus.MustRegister(LockAutoReleasesTotal)
	prometheus.MustRegister(ShadowBuildsTotal)
	prometheus.MustRegister(ShadowSwitchDuration)
	prometheus.MustRegister(OutboxPending)
	prometheus.MustRegister(OutboxPublishedTotal)
	prometheus.MustRegister(OutboxDeadTotal)
	prometheus.MustRegister(SubscriberProcessedTotal)
	prometheus.MustRegister(SubscriberIdempotentSkipsTotal)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftApplyDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times an operation for later histogram observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a histogram vec.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
