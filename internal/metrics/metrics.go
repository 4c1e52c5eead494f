// Package metrics implements the metrics aggregator: a time-windowed view
// folded from event bus traffic, exposed both as a programmatic Snapshot()
// and as Prometheus collectors. Completion samples are kept individually
// and trimmed to the window; they are not grouped into buckets.
package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fleetmesh/orchestrator/internal/events"
	"github.com/fleetmesh/orchestrator/internal/types"
)

const (
	defaultWindow     = 5 * time.Minute
	defaultBucketSize = 10 * time.Second
)

// Clock is the narrow time source the aggregator needs.
type Clock interface {
	Now() time.Time
}

// Registry is the subset consulted for node status counts and utilization.
type Registry interface {
	Snapshot() []*types.Node
}

// TaskCounter is the subset consulted for live task-state counts; the Task
// Engine implements it via a small adapter in the composition root.
type TaskCounter interface {
	CountByState() map[types.TaskState]int
}

type completionSample struct {
	at           time.Time
	success      bool
	responseTime time.Duration
}

// Aggregator maintains the rolling window and subscribes to the Event Bus.
type Aggregator struct {
	clk      Clock
	registry Registry
	tasks    TaskCounter
	window   time.Duration
	bucket   time.Duration

	mu      sync.Mutex
	samples []completionSample

	unsubscribe func()

	completedTotal prometheus.Counter
	failedTotal    prometheus.Counter
	nodeGauge      *prometheus.GaugeVec
}

// Option configures the aggregator at construction. WithWindow sets the
// window; WithBucket records a bucket size that the aggregator stores but
// does not apply.
type Option func(*Aggregator)

func WithWindow(d time.Duration) Option { return func(a *Aggregator) { a.window = d } }
func WithBucket(d time.Duration) Option { return func(a *Aggregator) { a.bucket = d } }

// New constructs an Aggregator and subscribes it to bus. Call Close to
// unsubscribe.
func New(clk Clock, registry Registry, tasks TaskCounter, bus *events.Bus, reg prometheus.Registerer, opts ...Option) *Aggregator {
	a := &Aggregator{
		clk:      clk,
		registry: registry,
		tasks:    tasks,
		window:   defaultWindow,
		bucket:   defaultBucketSize,
		completedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "orchestrator", Subsystem: "tasks", Name: "completed_total",
			Help: "Total tasks that reached the completed state.",
		}),
		failedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "orchestrator", Subsystem: "tasks", Name: "failed_total",
			Help: "Total tasks that reached the failed state.",
		}),
		nodeGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "orchestrator", Subsystem: "nodes", Name: "by_status",
			Help: "Current node count by status.",
		}, []string{"status"}),
	}
	for _, o := range opts {
		o(a)
	}
	if reg != nil {
		reg.MustRegister(a.completedTotal, a.failedTotal, a.nodeGauge)
	}

	ch, unsubscribe := bus.Subscribe()
	a.unsubscribe = unsubscribe
	go a.consume(ch)
	return a
}

// Close stops consuming the Event Bus.
func (a *Aggregator) Close() {
	if a.unsubscribe != nil {
		a.unsubscribe()
	}
}

func (a *Aggregator) consume(ch <-chan events.Event) {
	for ev := range ch {
		switch ev.Type {
		case events.TaskCompleted:
			a.record(ev, true)
			a.completedTotal.Inc()
		case events.TaskFailed:
			a.record(ev, false)
			a.failedTotal.Inc()
		}
	}
}

func (a *Aggregator) record(ev events.Event, success bool) {
	var rt time.Duration
	if ev.Data != nil {
		if ms, ok := ev.Data["response_time_ms"].(float64); ok {
			rt = time.Duration(ms) * time.Millisecond
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.samples = append(a.samples, completionSample{at: ev.At, success: success, responseTime: rt})
	a.evictOldLocked(ev.At)
}

func (a *Aggregator) evictOldLocked(now time.Time) {
	cutoff := now.Add(-a.window)
	i := 0
	for i < len(a.samples) && a.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		a.samples = a.samples[i:]
	}
}

// Snapshot produces a point-in-time NetworkMetricsSnapshot.
func (a *Aggregator) Snapshot() types.NetworkMetricsSnapshot {
	now := a.clk.Now()

	nodes := a.registry.Snapshot()
	byStatus := make(map[types.NodeStatus]int)
	var utilSum float64
	for _, n := range nodes {
		byStatus[n.Status]++
		utilSum += n.ResourceSample.LoadScore
	}
	var util float64
	if len(nodes) > 0 {
		util = utilSum / float64(len(nodes))
	}

	var byState map[types.TaskState]int
	if a.tasks != nil {
		byState = a.tasks.CountByState()
	}

	a.mu.Lock()
	a.evictOldLocked(now)
	samples := append([]completionSample(nil), a.samples...)
	a.mu.Unlock()

	var completed, failed int
	var responseTimes []float64
	for _, s := range samples {
		if s.success {
			completed++
		} else {
			failed++
		}
		if s.responseTime > 0 {
			responseTimes = append(responseTimes, float64(s.responseTime.Milliseconds()))
		}
	}

	var throughput, successRate, avgMs, p95Ms float64
	if a.window > 0 {
		throughput = float64(completed) / a.window.Minutes()
	}
	if completed+failed > 0 {
		successRate = float64(completed) / float64(completed+failed)
	}
	if len(responseTimes) > 0 {
		sort.Float64s(responseTimes)
		var sum float64
		for _, v := range responseTimes {
			sum += v
		}
		avgMs = sum / float64(len(responseTimes))
		idx := int(float64(len(responseTimes))*0.95) - 1
		if idx < 0 {
			idx = 0
		}
		p95Ms = responseTimes[idx]
	}

	return types.NetworkMetricsSnapshot{
		TakenAt:              now,
		NodeCountByStatus:    byStatus,
		TaskCountByState:     byState,
		ThroughputPerMin:     throughput,
		SuccessRate:          successRate,
		AvgResponseTimeMs:    avgMs,
		P95ResponseTimeMs:    p95Ms,
		AggregateUtilization: util,
	}
}

// RefreshNodeGauge updates the Prometheus node-count-by-status gauge; call
// periodically (e.g. alongside the liveness sweep) since it is not itself
// event-driven.
func (a *Aggregator) RefreshNodeGauge() {
	for _, status := range []types.NodeStatus{
		types.NodeStatusActive, types.NodeStatusDegraded, types.NodeStatusMaintenance,
		types.NodeStatusOffline, types.NodeStatusError,
	} {
		a.nodeGauge.WithLabelValues(string(status)).Set(0)
	}
	for _, n := range a.registry.Snapshot() {
		a.nodeGauge.WithLabelValues(string(n.Status)).Inc()
	}
}
