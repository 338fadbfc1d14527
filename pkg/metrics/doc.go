/*
Package metrics provides Prometheus metrics collection and exposition for the
ontology store.

The metrics package defines and registers every OMS metric using the
Prometheus client library, giving observability into commit throughput,
merge outcomes, lock contention, shadow index builds, outbox backlog, and
raft leadership. Metrics are exposed via an HTTP endpoint for scraping by
Prometheus servers.

# Metrics Catalog

Commit Store:

oms_commits_total{branch}:
  - Type: Counter
  - Total commits appended, by branch.

oms_commit_apply_duration_seconds:
  - Type: Histogram
  - Time to apply a commit through the replicated log.

Merge Engine:

oms_merge_duration_seconds{status}:
  - Type: Histogram
  - Merge operation duration by outcome status (success, manual_required, blocked).

oms_merge_conflicts_total{type,severity}:
  - Type: Counter
  - Merge conflicts detected by conflict type and graded severity.

Lock Manager:

oms_lock_acquisitions_total{outcome}:
  - Type: Counter
  - Lock acquisition attempts by outcome (acquired, conflict).

oms_active_locks:
  - Type: Gauge
  - Current number of held locks.

oms_lock_auto_releases_total:
  - Type: Counter
  - Locks released by the sweeper rather than an explicit release.

Shadow Index Coordinator:

oms_shadow_builds_total{index_type}:
  - Type: Counter
  - Shadow index builds started, by index type.

oms_shadow_switch_duration_seconds:
  - Type: Histogram
  - Duration of shadow index switch operations.

Outbox & Subscriber:

oms_outbox_pending:
  - Type: Gauge
  - Current number of PENDING outbox rows.

oms_outbox_published_total:
  - Type: Counter
  - Outbox rows successfully published.

oms_outbox_dead_total:
  - Type: Counter
  - Outbox rows moved to DEAD after exhausting retries.

oms_subscriber_processed_total{event_type}:
  - Type: Counter
  - Events processed by the outbox subscriber, by event type.

oms_subscriber_idempotent_skips_total:
  - Type: Counter
  - Events skipped because their event id was already ingested.

Raft:

oms_raft_is_leader:
  - Type: Gauge
  - Whether this node is the Raft leader (1 = leader, 0 = follower).

oms_raft_apply_duration_seconds:
  - Type: Histogram
  - Time for a raft.Apply call to return.

# Usage

	import "github.com/cuemby/warren/pkg/metrics"

	metrics.CommitsTotal.WithLabelValues("main").Inc()
	metrics.ActiveLocks.Set(3)

	timer := metrics.NewTimer()
	// ... perform operation ...
	timer.ObserveDuration(metrics.CommitApplyDuration)

	http.Handle("/metrics", metrics.Handler())

# Integration Points

Only pkg/manager updates these metrics: manager.go records commit,
merge, lock-acquisition and shadow-index metrics around its operations,
and its collector loop refreshes the raft, active-lock and outbox-pending
gauges. The other packages do not import this one.

oms_outbox_published_total, oms_outbox_dead_total,
oms_subscriber_processed_total, oms_subscriber_idempotent_skips_total and
oms_lock_auto_releases_total are registered and exposed but are not
incremented anywhere, so they stay at zero.
*/
package metrics
