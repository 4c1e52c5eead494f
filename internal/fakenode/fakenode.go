// Package fakenode simulates a Node well enough to drive the orchestrator's
// own integration tests end to end, without a network. It is not a real
// Node implementation — it exists solely to exercise dispatcher.NodeTransport
// and the register/heartbeat contracts the way a real Node would.
// DispatchTask acks immediately and reports a result asynchronously,
// mirroring how a real node would never block the caller on task completion.
package fakenode

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fleetmesh/orchestrator/internal/registry"
	"github.com/fleetmesh/orchestrator/internal/types"
)

// Orchestrator is the subset of *orchestrator.Orchestrator a simulated node
// drives. Declared narrowly here so this package never imports
// internal/orchestrator and create a cycle with it.
type Orchestrator interface {
	RegisterNode(desc registry.NodeDescriptor) error
	Heartbeat(nodeID string, sample types.ResourceSample) error
	ReportTaskResult(taskID, nodeID string, outcome types.Outcome) error
}

// Behavior decides how a simulated node responds to a dispatched task: the
// outcome it eventually reports, and how long it takes to get there.
type Behavior func(task *types.Task) (types.Outcome, time.Duration)

// AlwaysSucceed reports success with result after delay.
func AlwaysSucceed(result any, delay time.Duration) Behavior {
	return func(*types.Task) (types.Outcome, time.Duration) {
		return types.Outcome{Success: true, Result: result}, delay
	}
}

// AlwaysFail reports a failure of the given fleeterrors.Kind after delay.
func AlwaysFail(errorKind, message string, delay time.Duration) Behavior {
	return func(*types.Task) (types.Outcome, time.Duration) {
		return types.Outcome{Success: false, ErrorKind: errorKind, ErrorMessage: message}, delay
	}
}

// Never never reports a result, simulating a node that accepted the task
// and then went dark mid-flight; the caller's context cancellation (dispatch
// timeout) is the only thing that stops the pending goroutine.
func Never() Behavior {
	return func(*types.Task) (types.Outcome, time.Duration) { return types.Outcome{}, -1 }
}

// Node is one simulated worker: it can register, run a heartbeat loop, and
// is dispatched to through a Transport.
type Node struct {
	NodeID   string
	Endpoint string

	orch     Orchestrator
	behavior Behavior

	sampleMu sync.Mutex
	sample   types.ResourceSample

	stopHeartbeat chan struct{}
}

// NewNode constructs a simulated node that responds to every dispatched
// task according to behavior.
func NewNode(orch Orchestrator, nodeID, endpoint string, behavior Behavior) *Node {
	return &Node{
		NodeID:   nodeID,
		Endpoint: endpoint,
		orch:     orch,
		behavior: behavior,
		sample:   types.ResourceSample{CPUPctFree: 1, MemoryFreeMB: 4096, GPUPctFree: 1},
	}
}

// Register calls through to the orchestrator's register_node contract.
func (n *Node) Register(nodeType string, capabilities []string) error {
	return n.orch.RegisterNode(registry.NodeDescriptor{
		NodeID:       n.NodeID,
		Endpoint:     n.Endpoint,
		NodeType:     nodeType,
		Capabilities: capabilities,
	})
}

// SetSample updates the resource sample the next heartbeat will report.
func (n *Node) SetSample(s types.ResourceSample) {
	n.sampleMu.Lock()
	n.sample = s
	n.sampleMu.Unlock()
}

// Heartbeat sends a single heartbeat immediately, independent of the
// background loop — useful for tests driving time by hand.
func (n *Node) Heartbeat() error {
	n.sampleMu.Lock()
	s := n.sample
	n.sampleMu.Unlock()
	return n.orch.Heartbeat(n.NodeID, s)
}

// StartHeartbeat launches a background loop heartbeating every interval
// until StopHeartbeat is called.
func (n *Node) StartHeartbeat(interval time.Duration) {
	n.stopHeartbeat = make(chan struct{})
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				_ = n.Heartbeat()
			case <-n.stopHeartbeat:
				return
			}
		}
	}()
}

// StopHeartbeat halts the background heartbeat loop, simulating the node
// going silent (the scenario the Liveness Monitor is meant to catch).
func (n *Node) StopHeartbeat() {
	if n.stopHeartbeat != nil {
		close(n.stopHeartbeat)
		n.stopHeartbeat = nil
	}
}

// Transport implements dispatcher.NodeTransport over a set of simulated
// nodes keyed by endpoint, standing in for the real per-node HTTP client
// the production Dispatcher would use.
type Transport struct {
	mu    sync.RWMutex
	nodes map[string]*Node
}

// NewTransport constructs an empty Transport; add simulated nodes with Add.
func NewTransport() *Transport {
	return &Transport{nodes: make(map[string]*Node)}
}

// Add registers a simulated node under its endpoint so dispatched tasks
// addressed to that endpoint reach it.
func (t *Transport) Add(n *Node) {
	t.mu.Lock()
	t.nodes[n.Endpoint] = n
	t.mu.Unlock()
}

// Remove drops a simulated node, as if it had gone permanently offline.
func (t *Transport) Remove(endpoint string) {
	t.mu.Lock()
	delete(t.nodes, endpoint)
	t.mu.Unlock()
}

// DispatchTask implements dispatcher.NodeTransport: it acknowledges
// immediately (matching a real node's synchronous accept) and reports the
// configured Behavior's outcome asynchronously, without blocking the
// dispatch call on task completion.
func (t *Transport) DispatchTask(ctx context.Context, endpoint string, task *types.Task) error {
	t.mu.RLock()
	n := t.nodes[endpoint]
	t.mu.RUnlock()
	if n == nil {
		return fmt.Errorf("fakenode: no simulated node at endpoint %q", endpoint)
	}

	outcome, delay := n.behavior(task)
	if delay < 0 {
		// Never() behavior: accept and then go silent until the caller
		// gives up.
		go func() {
			<-ctx.Done()
		}()
		return nil
	}
	// The report is not tied to ctx: the Dispatcher cancels the attempt
	// context as soon as DispatchTask returns.
	go func() {
		<-time.After(delay)
		_ = n.orch.ReportTaskResult(task.TaskID, n.NodeID, outcome)
	}()
	return nil
}

// CancelTask implements dispatcher.NodeTransport; simulated nodes always
// best-effort acknowledge a cancel.
func (t *Transport) CancelTask(ctx context.Context, endpoint, taskID string) error {
	return nil
}
