// Package dispatcher ships a scheduled Task to its assigned Node(s),
// retries inline on transport failure, and classifies/forwards the
// result to a sink.
package dispatcher

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fleetmesh/orchestrator/internal/fleeterrors"
	"github.com/fleetmesh/orchestrator/internal/log"
	"github.com/fleetmesh/orchestrator/internal/types"
)

// Assignment is one node-bound delivery attempt for a task.
type Assignment struct {
	Task   *types.Task
	NodeID string
	Endpoint string
}

// ErrorClass is the dispatch_error classification reported to the sink.
type ErrorClass string

const (
	ClassNetworkError   ErrorClass = "network_error"
	ClassNodeUnavailable ErrorClass = "node_unavailable"
	ClassNodeRejected   ErrorClass = "node_rejected"
)

// NodeTransport is the outbound, Node-facing leg the Dispatcher drives.
// HTTPTransport speaks HTTP/JSON to the node's endpoint; internal/fakenode
// provides a test double.
type NodeTransport interface {
	// DispatchTask delivers a task to a node with the given per-attempt
	// deadline. A nil error means the node accepted the task (node_ack).
	DispatchTask(ctx context.Context, endpoint string, task *types.Task) error
	// CancelTask asks a node to best-effort cancel a task it may be running.
	CancelTask(ctx context.Context, endpoint string, taskID string) error
}

// ResultSink receives the outcomes the Dispatcher has validated and
// classified. The Task Engine implements this.
type ResultSink interface {
	OnNodeAck(taskID, nodeID string)
	OnDispatchError(taskID, nodeID string, class ErrorClass)
	OnNodeResult(taskID, nodeID string, outcome types.Outcome)
}

// Config controls per-attempt timeout and inline retry behavior.
type Config struct {
	DispatchTimeout time.Duration
	DispatchRetries int
}

// DefaultConfig returns the dispatcher's stock configuration.
func DefaultConfig() Config {
	return Config{DispatchTimeout: 10 * time.Second, DispatchRetries: 2}
}

// rttState tracks the per-node EWMA round-trip time used by the
// latency_optimized placement algorithm.
type rttState struct {
	mu    sync.Mutex
	ewma  map[string]float64
}

const rttAlpha = 0.2

// Dispatcher delivers tasks to nodes and classifies failures.
type Dispatcher struct {
	cfg       Config
	transport NodeTransport
	sink      ResultSink
	rtt       rttState
	limiter   *rate.Limiter
}

// New constructs a Dispatcher. limiter paces outbound dispatch attempts
// with a token bucket; pass nil for no limiting.
func New(cfg Config, transport NodeTransport, sink ResultSink, limiter *rate.Limiter) *Dispatcher {
	return &Dispatcher{
		cfg:       cfg,
		transport: transport,
		sink:      sink,
		rtt:       rttState{ewma: make(map[string]float64)},
		limiter:   limiter,
	}
}

// Dispatch attempts delivery of a single assignment, retrying inline up to
// dispatch_retries times with jittered exponential backoff on
// transport-level errors, then reports the outcome to the sink. Call once
// per goroutine from the dispatch worker pool; it blocks for the duration
// of all attempts.
func (d *Dispatcher) Dispatch(ctx context.Context, a Assignment) {
	log := log.WithComponent("dispatcher")

	var lastErr error
	for attempt := 0; attempt <= d.cfg.DispatchRetries; attempt++ {
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				d.sink.OnDispatchError(a.Task.TaskID, a.NodeID, ClassNetworkError)
				return
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.DispatchTimeout)
		start := time.Now()
		err := d.transport.DispatchTask(attemptCtx, a.Endpoint, a.Task)
		elapsed := time.Since(start)
		cancel()

		if err == nil {
			d.recordRTT(a.NodeID, elapsed)
			d.sink.OnNodeAck(a.Task.TaskID, a.NodeID)
			return
		}

		lastErr = err
		if fleeterrors.Is(err, fleeterrors.KindNodeRejected) {
			// Affirmative rejection: no point retrying.
			d.sink.OnDispatchError(a.Task.TaskID, a.NodeID, ClassNodeRejected)
			return
		}

		if attempt < d.cfg.DispatchRetries {
			backoff := jitteredBackoff(attempt)
			log.Warn().Str("task_id", a.Task.TaskID).Str("node_id", a.NodeID).
				Int("attempt", attempt).Dur("backoff", backoff).Err(err).
				Msg("dispatch attempt failed, retrying")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				d.sink.OnDispatchError(a.Task.TaskID, a.NodeID, ClassNetworkError)
				return
			}
		}
	}

	class := ClassNetworkError
	if fleeterrors.Is(lastErr, fleeterrors.KindNodeFailure) {
		class = ClassNodeUnavailable
	}
	d.sink.OnDispatchError(a.Task.TaskID, a.NodeID, class)
}

// Cancel sends a best-effort cancel to a node.
func (d *Dispatcher) Cancel(ctx context.Context, endpoint, taskID string) {
	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.DispatchTimeout)
	defer cancel()
	if err := d.transport.CancelTask(attemptCtx, endpoint, taskID); err != nil {
		log.WithComponent("dispatcher").Warn().Str("task_id", taskID).Err(err).
			Msg("best-effort cancel failed")
	}
}

// ReportResult validates that the reporting node was assigned the task and
// forwards to the sink; mismatches are dropped with a warning.
func (d *Dispatcher) ReportResult(task *types.Task, nodeID string, outcome types.Outcome) {
	assigned := false
	for _, n := range task.AssignedNodes {
		if n == nodeID {
			assigned = true
			break
		}
	}
	if !assigned {
		log.WithComponent("dispatcher").Warn().Str("task_id", task.TaskID).Str("node_id", nodeID).
			Msg("dropping result from node not in assigned_nodes")
		return
	}
	d.sink.OnNodeResult(task.TaskID, nodeID, outcome)
}

// EWMARTT implements placement.RTTSource.
func (d *Dispatcher) EWMARTT(nodeID string) (float64, bool) {
	d.rtt.mu.Lock()
	defer d.rtt.mu.Unlock()
	ms, ok := d.rtt.ewma[nodeID]
	return ms, ok
}

func (d *Dispatcher) recordRTT(nodeID string, elapsed time.Duration) {
	ms := float64(elapsed.Milliseconds())
	d.rtt.mu.Lock()
	defer d.rtt.mu.Unlock()
	prev, ok := d.rtt.ewma[nodeID]
	if !ok {
		d.rtt.ewma[nodeID] = ms
		return
	}
	d.rtt.ewma[nodeID] = (1-rttAlpha)*prev + rttAlpha*ms
}

// jitteredBackoff returns a delay drawn uniformly from [d/2, d), where d is
// an exponential step of base 500ms doubling per attempt, capped at 8s -
// within the dispatch_timeout
// budget so inline retries don't starve the attempt loop.
func jitteredBackoff(attempt int) time.Duration {
	base := 500 * time.Millisecond
	capped := 8 * time.Second
	d := base << uint(attempt)
	if d > capped || d <= 0 {
		d = capped
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 2))
	return d/2 + jitter
}
