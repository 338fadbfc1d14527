package manager

import (
	"time"

	"github.com/cuemby/warren/pkg/metrics"
)

// MetricsCollector polls gauge-shaped state (active locks, outbox backlog,
// raft health) that isn't naturally updated at the point of mutation,
// adapted from the teacher's own periodic node/service/container
// collector to the ontology store's subsystems.
type MetricsCollector struct {
	manager *Manager
	stopCh  chan struct{}
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector(mgr *Manager) *MetricsCollector {
	return &MetricsCollector{
		manager: mgr,
		stopCh:  make(chan struct{}),
	}
}

// Start begins collecting metrics every 15 seconds.
func (c *MetricsCollector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *MetricsCollector) Stop() {
	close(c.stopCh)
}

func (c *MetricsCollector) collect() {
	c.collectLockMetrics()
	c.collectOutboxMetrics()
	c.collectRaftMetrics()
}

func (c *MetricsCollector) collectLockMetrics() {
	locks, err := c.manager.ListLocks("")
	if err != nil {
		return
	}
	metrics.ActiveLocks.Set(float64(len(locks)))
}

func (c *MetricsCollector) collectOutboxMetrics() {
	pending, err := c.manager.store.ListPendingOutbox(0)
	if err != nil {
		return
	}
	metrics.OutboxPending.Set(float64(len(pending)))
}

func (c *MetricsCollector) collectRaftMetrics() {
	if c.manager.IsLeader() {
		metrics.RaftLeader.Set(1)
	} else {
		metrics.RaftLeader.Set(0)
	}
}
