// Package liveness periodically scans the Registry and marks nodes whose
// heartbeat has gone stale as degraded or offline, using a two-threshold
// state machine and a node-failure callback for tasks stranded on a node
// that just went offline.
package liveness

import (
	"sync"
	"time"

	"github.com/fleetmesh/orchestrator/internal/events"
	"github.com/fleetmesh/orchestrator/internal/log"
	"github.com/fleetmesh/orchestrator/internal/types"
)

// Clock is the narrow time source liveness needs; internal/clock.System
// and internal/clock.Fake both satisfy it.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker mirrors clock.Ticker to avoid an import-cycle-prone dependency.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Registry is the subset of *registry.Registry that liveness needs.
type Registry interface {
	Snapshot() []*types.Node
	SetStatus(nodeID string, status types.NodeStatus) error
}

// TaskFailer receives the node-failure callback so the task engine can run
// its failure path for every task assigned to a node that just went offline.
type TaskFailer interface {
	FailTasksForNode(nodeID string, kind string)
}

// Config controls the sweep interval and the degraded/offline thresholds,
// expressed as factors of heartbeat_interval.
type Config struct {
	SweepInterval     time.Duration
	HeartbeatInterval time.Duration
	DegradedFactor    float64 // default 1.5
	OfflineFactor     float64 // default 3.0
}

// DefaultConfig returns the monitor's stock configuration.
func DefaultConfig() Config {
	return Config{
		SweepInterval:     10 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		DegradedFactor:    1.5,
		OfflineFactor:     3.0,
	}
}

func (c Config) degradedThreshold() time.Duration {
	return time.Duration(float64(c.HeartbeatInterval) * c.DegradedFactor)
}

func (c Config) offlineThreshold() time.Duration {
	return time.Duration(float64(c.HeartbeatInterval) * c.OfflineFactor)
}

// Monitor runs the periodic liveness sweep.
type Monitor struct {
	cfgMu    sync.RWMutex
	cfg      Config
	registry Registry
	bus      *events.Bus
	failer   TaskFailer
	clk      Clock
	stop     chan struct{}
	done     chan struct{}
}

// New constructs a Monitor. failer may be nil in tests that only assert on
// status transitions.
func New(cfg Config, registry Registry, bus *events.Bus, failer TaskFailer, clk Clock) *Monitor {
	return &Monitor{cfg: cfg, registry: registry, bus: bus, failer: failer, clk: clk}
}

// SetConfig swaps the degraded/offline thresholds in place, letting
// update_config's liveness.degraded_factor/offline_factor take effect on
// the next sweep without a restart.
func (m *Monitor) SetConfig(cfg Config) {
	m.cfgMu.Lock()
	m.cfg = cfg
	m.cfgMu.Unlock()
}

func (m *Monitor) config() Config {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.cfg
}

// Run starts the sweep loop; it returns when Stop is called. Intended to be
// launched with `go monitor.Run()`.
func (m *Monitor) Run() {
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	defer close(m.done)

	t := m.clk.NewTicker(m.config().SweepInterval)
	defer t.Stop()

	for {
		select {
		case <-t.C():
			m.Sweep()
		case <-m.stop:
			return
		}
	}
}

// Stop halts the sweep loop and waits for Run to return.
func (m *Monitor) Stop() {
	if m.stop == nil {
		return
	}
	close(m.stop)
	<-m.done
}

// Sweep performs one liveness pass over the Registry snapshot. Exported so
// tests (and a fake-clock-driven harness) can invoke it directly instead
// of waiting on a real ticker.
func (m *Monitor) Sweep() {
	now := m.clk.Now()
	logger := log.WithComponent("liveness")
	cfg := m.config()

	for _, n := range m.registry.Snapshot() {
		if n.Status == types.NodeStatusMaintenance || n.Status == types.NodeStatusError {
			continue
		}

		age := now.Sub(n.LastHeartbeatAt)

		switch {
		case age >= cfg.offlineThreshold():
			if n.Status == types.NodeStatusOffline {
				continue
			}
			if err := m.registry.SetStatus(n.NodeID, types.NodeStatusOffline); err != nil {
				logger.Warn().Err(err).Str("node_id", n.NodeID).Msg("failed to mark node offline")
				continue
			}
			if m.bus != nil {
				m.bus.Publish(events.Event{Type: events.NodeOffline, NodeID: n.NodeID, At: now})
			}
			if m.failer != nil {
				m.failer.FailTasksForNode(n.NodeID, "node_failure")
			}

		case age >= cfg.degradedThreshold():
			if n.Status != types.NodeStatusActive {
				continue
			}
			if err := m.registry.SetStatus(n.NodeID, types.NodeStatusDegraded); err != nil {
				logger.Warn().Err(err).Str("node_id", n.NodeID).Msg("failed to mark node degraded")
			}

		default:
			if n.Status == types.NodeStatusDegraded {
				// Liveness-only degradation heals once the node is fresh
				// again; a node put into degraded by an operator would
				// instead have been left in maintenance/error (sticky)
				// and never reach this branch.
				if err := m.registry.SetStatus(n.NodeID, types.NodeStatusActive); err != nil {
					logger.Warn().Err(err).Str("node_id", n.NodeID).Msg("failed to heal degraded node")
				}
			}
		}
	}
}
