// Package registry is the authoritative in-memory map of Nodes and their
// Agents: a sync.RWMutex-guarded map with Register, Heartbeat, and
// snapshot-style readers, plus the node status state machine and
// re-registration/endpoint-rotation semantics.
package registry

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fleetmesh/orchestrator/internal/events"
	"github.com/fleetmesh/orchestrator/internal/fleeterrors"
	"github.com/fleetmesh/orchestrator/internal/types"
)

const reliabilityAlpha = 0.1

// NodeDescriptor is the caller-supplied shape for registration.
type NodeDescriptor struct {
	NodeID       string
	Endpoint     string
	NodeType     string
	Capabilities []string
	Version      string
	Location     string
	Metadata     map[string]string
	Agents       []types.Agent
}

// entry pairs a Node with its own lock, so heartbeats on one node never
// block operations on another.
type entry struct {
	mu   sync.Mutex
	node *types.Node
}

// Registry is the single source of truth for node/agent topology.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*entry
	bus   *events.Bus
	clk   clock
}

type clock interface{ Now() time.Time }

// New constructs an empty Registry. bus may be nil if events are not needed
// (e.g. in unit tests exercising the registry in isolation).
func New(clk clock, bus *events.Bus) *Registry {
	return &Registry{nodes: make(map[string]*entry), bus: bus, clk: clk}
}

// Register inserts a new node or, if node_id already exists, re-registers
// it: the same endpoint is a no-op on counters and reliability_score; a
// changed endpoint replaces the endpoint but preserves them, since the
// node is presumed restarted rather than replaced.
func (r *Registry) Register(desc NodeDescriptor) error {
	if desc.NodeID == "" || desc.Endpoint == "" {
		return fleeterrors.New("registry.Register", fleeterrors.KindInvalidInput, nil)
	}

	r.mu.Lock()
	e, exists := r.nodes[desc.NodeID]
	if !exists {
		e = &entry{}
		r.nodes[desc.NodeID] = e
	}
	r.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	caps := make(map[string]struct{}, len(desc.Capabilities))
	for _, c := range desc.Capabilities {
		caps[c] = struct{}{}
	}

	now := r.clk.Now()

	if !exists {
		e.node = &types.Node{
			NodeID:           desc.NodeID,
			Endpoint:         desc.Endpoint,
			NodeType:         desc.NodeType,
			Capabilities:     caps,
			Version:          desc.Version,
			Location:         desc.Location,
			Metadata:         desc.Metadata,
			Status:           types.NodeStatusActive,
			ReliabilityScore: 1.0,
			LastHeartbeatAt:  now,
			Agents:           desc.Agents,
			RegisteredAt:     now,
		}
		r.publish(events.Event{Type: events.NodeRegistered, NodeID: desc.NodeID, At: now})
		return nil
	}

	// Re-registration: preserve counters and reliability_score regardless
	// of endpoint change.
	e.node.Endpoint = desc.Endpoint
	e.node.NodeType = desc.NodeType
	e.node.Capabilities = caps
	e.node.Version = desc.Version
	e.node.Location = desc.Location
	e.node.Metadata = desc.Metadata
	e.node.Agents = desc.Agents
	e.node.LastHeartbeatAt = now
	if e.node.Status == types.NodeStatusOffline {
		e.node.Status = types.NodeStatusActive
	}
	r.publish(events.Event{Type: events.NodeRegistered, NodeID: desc.NodeID, At: now})
	return nil
}

// Heartbeat refreshes last_heartbeat_at and the resource sample, and heals
// a liveness-only offline/degraded status back to active. Maintenance and
// error are sticky and survive a heartbeat.
func (r *Registry) Heartbeat(nodeID string, sample types.ResourceSample) error {
	e := r.lookup(nodeID)
	if e == nil {
		return fleeterrors.New("registry.Heartbeat", fleeterrors.KindNotFound, nil)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.node.LastHeartbeatAt = r.clk.Now()
	e.node.ResourceSample = sample
	if e.node.Status == types.NodeStatusOffline || e.node.Status == types.NodeStatusDegraded {
		e.node.Status = types.NodeStatusActive
	}
	return nil
}

// validTransition implements the permitted node-status transition graph.
func validTransition(from, to types.NodeStatus) bool {
	if from == to {
		return true
	}
	switch to {
	case types.NodeStatusMaintenance:
		return from != types.NodeStatusMaintenance
	case types.NodeStatusActive:
		return from == types.NodeStatusMaintenance || from == types.NodeStatusOffline ||
			from == types.NodeStatusDegraded
	case types.NodeStatusError:
		return true
	case types.NodeStatusOffline:
		return true
	case types.NodeStatusDegraded:
		return from == types.NodeStatusActive
	default:
		return false
	}
}

// SetStatus applies an explicit status change, validating against the
// transition graph.
func (r *Registry) SetStatus(nodeID string, newStatus types.NodeStatus) error {
	e := r.lookup(nodeID)
	if e == nil {
		return fleeterrors.New("registry.SetStatus", fleeterrors.KindNotFound, nil)
	}

	e.mu.Lock()
	old := e.node.Status
	if !validTransition(old, newStatus) {
		e.mu.Unlock()
		return fleeterrors.New("registry.SetStatus", fleeterrors.KindInvalidTransition, nil)
	}
	e.node.Status = newStatus
	e.mu.Unlock()

	if old != newStatus {
		r.publish(events.Event{Type: events.NodeStatusChanged, NodeID: nodeID, At: r.clk.Now(),
			Data: map[string]any{"from": string(old), "to": string(newStatus)}})
	}
	return nil
}

// Unregister removes a node entirely. Callers are responsible for routing
// any in-flight tasks through the task engine's failure path.
func (r *Registry) Unregister(nodeID string) error {
	r.mu.Lock()
	_, ok := r.nodes[nodeID]
	if ok {
		delete(r.nodes, nodeID)
	}
	r.mu.Unlock()
	if !ok {
		return fleeterrors.New("registry.Unregister", fleeterrors.KindNotFound, nil)
	}
	r.publish(events.Event{Type: events.NodeUnregistered, NodeID: nodeID, At: r.clk.Now()})
	return nil
}

// SweepLongOffline unregisters every node that has been offline for at
// least maxOffline, measured from its last heartbeat. Returns the removed
// node IDs. Safe to call directly from a test; OfflineSweeper calls it on
// a cron schedule in production.
func (r *Registry) SweepLongOffline(maxOffline time.Duration) []string {
	now := r.clk.Now()

	r.mu.RLock()
	candidates := make([]*entry, 0, len(r.nodes))
	for _, e := range r.nodes {
		candidates = append(candidates, e)
	}
	r.mu.RUnlock()

	var removed []string
	for _, e := range candidates {
		e.mu.Lock()
		stale := e.node.Status == types.NodeStatusOffline && now.Sub(e.node.LastHeartbeatAt) >= maxOffline
		nodeID := e.node.NodeID
		e.mu.Unlock()
		if !stale {
			continue
		}
		if err := r.Unregister(nodeID); err == nil {
			removed = append(removed, nodeID)
		}
	}
	return removed
}

// OfflineSweeper runs SweepLongOffline on a cron schedule. SetStatus and
// the liveness monitor only ever mark a node offline; OfflineSweeper is
// what actually removes one.
type OfflineSweeper struct {
	cron *cron.Cron
}

// StartOfflineSweep schedules SweepLongOffline(maxOffline) to run per the
// standard cron expression schedule (e.g. "@every 1h" or "0 */6 * * *").
func (r *Registry) StartOfflineSweep(schedule string, maxOffline time.Duration) (*OfflineSweeper, error) {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		r.SweepLongOffline(maxOffline)
	}); err != nil {
		return nil, fleeterrors.New("registry.StartOfflineSweep", fleeterrors.KindInvalidInput, err)
	}
	c.Start()
	return &OfflineSweeper{cron: c}, nil
}

// Stop halts the cron schedule, waiting for any in-flight sweep to finish.
func (s *OfflineSweeper) Stop() {
	if s == nil || s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// Get returns a copy of a single node, or nil if unknown.
func (r *Registry) Get(nodeID string) *types.Node {
	e := r.lookup(nodeID)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.node.Clone()
}

// Snapshot returns a consistent point-in-time copy of every node, safe for
// callers to range over without holding any Registry lock.
func (r *Registry) Snapshot() []*types.Node {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.nodes))
	for _, e := range r.nodes {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]*types.Node, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.node.Clone())
		e.mu.Unlock()
	}
	return out
}

// AdjustActiveTasks applies delta to a node's in-flight task counter,
// consulted by the least_connections placement algorithm.
func (r *Registry) AdjustActiveTasks(nodeID string, delta int) {
	e := r.lookup(nodeID)
	if e == nil {
		return
	}
	e.mu.Lock()
	e.node.ActiveTasks += delta
	if e.node.ActiveTasks < 0 {
		e.node.ActiveTasks = 0
	}
	e.mu.Unlock()
}

// RecordOutcome updates tasks_completed/tasks_failed and the reliability
// EWMA (α=0.1).
func (r *Registry) RecordOutcome(nodeID string, success bool) {
	e := r.lookup(nodeID)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	sample := 0.0
	if success {
		e.node.TasksCompleted++
		sample = 1.0
	} else {
		e.node.TasksFailed++
	}
	e.node.ReliabilityScore = (1-reliabilityAlpha)*e.node.ReliabilityScore + reliabilityAlpha*sample
	if e.node.ReliabilityScore < 0 {
		e.node.ReliabilityScore = 0
	} else if e.node.ReliabilityScore > 1 {
		e.node.ReliabilityScore = 1
	}
}

func (r *Registry) lookup(nodeID string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nodes[nodeID]
}

func (r *Registry) publish(ev events.Event) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(ev)
}
