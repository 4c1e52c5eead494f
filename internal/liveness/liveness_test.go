package liveness

import (
	"testing"
	"time"

	"github.com/fleetmesh/orchestrator/internal/clock"
	"github.com/fleetmesh/orchestrator/internal/events"
	"github.com/fleetmesh/orchestrator/internal/types"
)

type fakeRegistry struct {
	nodes    map[string]*types.Node
	statuses map[string][]types.NodeStatus
}

func newFakeRegistry(nodes ...*types.Node) *fakeRegistry {
	r := &fakeRegistry{nodes: map[string]*types.Node{}, statuses: map[string][]types.NodeStatus{}}
	for _, n := range nodes {
		r.nodes[n.NodeID] = n
	}
	return r
}

func (r *fakeRegistry) Snapshot() []*types.Node {
	out := make([]*types.Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		cp := *n
		out = append(out, &cp)
	}
	return out
}

func (r *fakeRegistry) SetStatus(nodeID string, status types.NodeStatus) error {
	r.nodes[nodeID].Status = status
	r.statuses[nodeID] = append(r.statuses[nodeID], status)
	return nil
}

type fakeFailer struct{ failed []string }

func (f *fakeFailer) FailTasksForNode(nodeID string, kind string) { f.failed = append(f.failed, nodeID) }

func TestSweepMarksDegradedThenOffline(t *testing.T) {
	start := time.Unix(1700000000, 0)
	fc := clock.NewFake(start)
	n := &types.Node{NodeID: "n1", Status: types.NodeStatusActive, LastHeartbeatAt: start}
	reg := newFakeRegistry(n)
	bus := events.NewBus()
	failer := &fakeFailer{}

	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 10 * time.Second
	m := New(cfg, reg, bus, failer, fc)

	fc.Advance(16 * time.Second) // >= 1.5x10s degraded threshold, < 3x10s offline
	m.Sweep()
	if reg.nodes["n1"].Status != types.NodeStatusDegraded {
		t.Fatalf("expected degraded, got %s", reg.nodes["n1"].Status)
	}

	fc.Advance(20 * time.Second) // now 36s total, >= 30s offline threshold
	m.Sweep()
	if reg.nodes["n1"].Status != types.NodeStatusOffline {
		t.Fatalf("expected offline, got %s", reg.nodes["n1"].Status)
	}
	if len(failer.failed) != 1 || failer.failed[0] != "n1" {
		t.Fatalf("expected node-failure callback for n1, got %+v", failer.failed)
	}
}

func TestSweepHealsDegradedBackToActive(t *testing.T) {
	start := time.Unix(1700000000, 0)
	fc := clock.NewFake(start)
	n := &types.Node{NodeID: "n1", Status: types.NodeStatusDegraded, LastHeartbeatAt: start}
	reg := newFakeRegistry(n)
	m := New(DefaultConfig(), reg, events.NewBus(), nil, fc)

	m.Sweep()
	if reg.nodes["n1"].Status != types.NodeStatusActive {
		t.Fatalf("expected heal to active, got %s", reg.nodes["n1"].Status)
	}
}

func TestSweepNeverTouchesMaintenanceOrError(t *testing.T) {
	start := time.Unix(1700000000, 0)
	fc := clock.NewFake(start)
	maint := &types.Node{NodeID: "m1", Status: types.NodeStatusMaintenance, LastHeartbeatAt: start}
	errNode := &types.Node{NodeID: "e1", Status: types.NodeStatusError, LastHeartbeatAt: start}
	reg := newFakeRegistry(maint, errNode)
	m := New(DefaultConfig(), reg, events.NewBus(), nil, fc)

	fc.Advance(time.Hour)
	m.Sweep()
	if reg.nodes["m1"].Status != types.NodeStatusMaintenance {
		t.Fatal("expected maintenance untouched")
	}
	if reg.nodes["e1"].Status != types.NodeStatusError {
		t.Fatal("expected error untouched")
	}
}
