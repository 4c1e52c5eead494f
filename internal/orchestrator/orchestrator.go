// Package orchestrator is the composition root of the control plane: it
// owns the Registry, Task Engine, Placement Engine, Dispatcher, Liveness
// Monitor, Metrics Aggregator, and Event Bus, and exposes the inbound
// API as plain Go methods. There is no package-level singleton; every
// dependency is an owned field, constructed once in New and torn down
// once in Stop.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fleetmesh/orchestrator/internal/clock"
	"github.com/fleetmesh/orchestrator/internal/config"
	"github.com/fleetmesh/orchestrator/internal/dispatcher"
	"github.com/fleetmesh/orchestrator/internal/events"
	"github.com/fleetmesh/orchestrator/internal/fleeterrors"
	"github.com/fleetmesh/orchestrator/internal/idgen"
	"github.com/fleetmesh/orchestrator/internal/liveness"
	"github.com/fleetmesh/orchestrator/internal/log"
	"github.com/fleetmesh/orchestrator/internal/metrics"
	"github.com/fleetmesh/orchestrator/internal/placement"
	"github.com/fleetmesh/orchestrator/internal/registry"
	"github.com/fleetmesh/orchestrator/internal/store"
	"github.com/fleetmesh/orchestrator/internal/taskengine"
	"github.com/fleetmesh/orchestrator/internal/types"
)

// dispatchProxy breaks the construction cycle between the Task Engine
// (which needs a Dispatch at construction time) and the Dispatcher (which
// needs the Task Engine as its ResultSink at construction time): the
// engine is built against this proxy, then set is called once the real
// Dispatcher exists.
type dispatchProxy struct {
	mu sync.RWMutex
	d  *dispatcher.Dispatcher
}

func (p *dispatchProxy) set(d *dispatcher.Dispatcher) {
	p.mu.Lock()
	p.d = d
	p.mu.Unlock()
}

func (p *dispatchProxy) Dispatch(ctx context.Context, a dispatcher.Assignment) {
	p.mu.RLock()
	d := p.d
	p.mu.RUnlock()
	if d != nil {
		d.Dispatch(ctx, a)
	}
}

func (p *dispatchProxy) Cancel(ctx context.Context, endpoint, taskID string) {
	p.mu.RLock()
	d := p.d
	p.mu.RUnlock()
	if d != nil {
		d.Cancel(ctx, endpoint, taskID)
	}
}

// rttProxy resolves the same cycle for the Placement Engine's RTTSource,
// which the Dispatcher only satisfies once it, too, exists.
type rttProxy struct {
	mu  sync.RWMutex
	src placement.RTTSource
}

func (p *rttProxy) set(s placement.RTTSource) {
	p.mu.Lock()
	p.src = s
	p.mu.Unlock()
}

func (p *rttProxy) EWMARTT(nodeID string) (float64, bool) {
	p.mu.RLock()
	src := p.src
	p.mu.RUnlock()
	if src == nil {
		return 0, false
	}
	return src.EWMARTT(nodeID)
}

// livenessTickerAdapter and livenessClockAdapter bridge internal/clock's
// Clock/Ticker to liveness's own narrower interfaces: Go requires exact
// method-signature identity for interface satisfaction, and liveness.Ticker
// is a distinct named type from clock.Ticker even though their method sets
// match structurally, so a thin wrapper is needed rather than a bare
// assignment.
type livenessTickerAdapter struct{ t clock.Ticker }

func (a livenessTickerAdapter) C() <-chan time.Time { return a.t.C() }
func (a livenessTickerAdapter) Stop()               { a.t.Stop() }

type livenessClockAdapter struct{ clk clock.Clock }

func (a livenessClockAdapter) Now() time.Time { return a.clk.Now() }
func (a livenessClockAdapter) NewTicker(d time.Duration) liveness.Ticker {
	return livenessTickerAdapter{a.clk.NewTicker(d)}
}

// Orchestrator owns every subsystem and is the sole entry point for
// transport adapters (internal/transport/httpapi and test doubles alike).
type Orchestrator struct {
	cfgMu sync.RWMutex
	cfg   config.Config

	clk   clock.Clock
	bus   *events.Bus

	registry *registry.Registry
	placer   *placement.Engine
	dispatch *dispatcher.Dispatcher
	engine   *taskengine.Engine
	live     *liveness.Monitor
	agg      *metrics.Aggregator
	st       store.Store

	dispatchTicker clock.Ticker
	deadlineTicker clock.Ticker
	stop           chan struct{}
	wg             sync.WaitGroup

	offlineSweep *registry.OfflineSweeper
}

// New wires every subsystem from cfg. transport is the outbound leg the
// Dispatcher drives (internal/fakenode in tests, a real HTTP client in
// production); st may be store.NewInMemory() when no durable backend is
// configured. promReg may be nil to skip Prometheus registration.
func New(cfg config.Config, clk clock.Clock, transport dispatcher.NodeTransport, st store.Store, promReg prometheus.Registerer) *Orchestrator {
	bus := events.NewBus()
	reg := registry.New(clk, bus)

	rp := &rttProxy{}
	placer := placement.New(placementConfigFrom(cfg), rp)

	dp := &dispatchProxy{}
	engine := taskengine.New(taskEngineConfigFrom(cfg), clk, idgen.UUID{}, reg, placer, dp, bus)

	disp := dispatcher.New(dispatcher.DefaultConfig(), transport, engine, nil)
	dp.set(disp)
	rp.set(disp)

	live := liveness.New(livenessConfigFrom(cfg), reg, bus, engine, livenessClockAdapter{clk})
	agg := metrics.New(clk, reg, engine, bus, promReg)

	return &Orchestrator{
		cfg:      cfg,
		clk:      clk,
		bus:      bus,
		registry: reg,
		placer:   placer,
		dispatch: disp,
		engine:   engine,
		live:     live,
		agg:      agg,
		st:       st,
		stop:     make(chan struct{}),
	}
}

func placementConfigFrom(cfg config.Config) placement.Config {
	return placement.Config{
		Algorithm:       placement.Algorithm(cfg.Network.LoadBalanceAlgorithm),
		AllowDegraded:   cfg.Placement.AllowDegraded,
		StrictPreferred: cfg.Placement.StrictPreferred,
		Weights: placement.ResourceWeights{
			CPU: cfg.Placement.WeightCPU,
			Mem: cfg.Placement.WeightMem,
			GPU: cfg.Placement.WeightGPU,
		},
	}
}

func taskEngineConfigFrom(cfg config.Config) taskengine.Config {
	return taskengine.Config{
		MaxPending:            cfg.Queue.MaxPending,
		HighWaterFraction:     cfg.Queue.HighWaterFraction,
		DefaultMaxRetries:     cfg.Task.MaxRetriesDefault,
		PlacementGraceSeconds: cfg.Task.PlacementGraceSeconds,
		HistoryLimit:          cfg.Task.HistoryLimit,
	}
}

func livenessConfigFrom(cfg config.Config) liveness.Config {
	return liveness.Config{
		SweepInterval:     time.Duration(cfg.Orchestrator.HeartbeatIntervalSeconds) * time.Second,
		HeartbeatInterval: time.Duration(cfg.Orchestrator.HeartbeatIntervalSeconds) * time.Second,
		DegradedFactor:    cfg.Liveness.DegradedFactor,
		OfflineFactor:     cfg.Liveness.OfflineFactor,
	}
}

// Run starts the background sweeps: dispatch tick, deadline tick, and the
// Liveness Monitor. Call once; Stop tears all of it down.
func (o *Orchestrator) Run(ctx context.Context) {
	go o.live.Run()

	schedule := o.GetConfig().Registry.OfflineSweepCron
	maxOffline := time.Duration(o.GetConfig().Registry.OfflineRetentionSeconds) * time.Second
	sweeper, err := o.registry.StartOfflineSweep(schedule, maxOffline)
	if err != nil {
		log.WithComponent("orchestrator").Warn().Err(err).Str("schedule", schedule).
			Msg("offline node sweep not started")
	} else {
		o.offlineSweep = sweeper
	}

	o.dispatchTicker = o.clk.NewTicker(500 * time.Millisecond)
	o.deadlineTicker = o.clk.NewTicker(1 * time.Second)

	o.wg.Add(2)
	go func() {
		defer o.wg.Done()
		for {
			select {
			case <-o.dispatchTicker.C():
				o.engine.DispatchTick(ctx)
			case <-o.stop:
				return
			}
		}
	}()
	go func() {
		defer o.wg.Done()
		for {
			select {
			case <-o.deadlineTicker.C():
				o.engine.TickDeadlines()
			case <-o.stop:
				return
			}
		}
	}()
}

// Stop halts all background loops and releases resources.
func (o *Orchestrator) Stop() {
	o.live.Stop()
	o.offlineSweep.Stop()
	close(o.stop)
	o.wg.Wait()
	if o.dispatchTicker != nil {
		o.dispatchTicker.Stop()
	}
	if o.deadlineTicker != nil {
		o.deadlineTicker.Stop()
	}
	o.agg.Close()
}

// Bus exposes the Event Bus so a transport adapter can subscribe
// dashboard/websocket clients to it.
func (o *Orchestrator) Bus() *events.Bus { return o.bus }

// --- Client-facing contracts ---

// SubmitTask enqueues a task, filling in the configured default timeout
// when the caller left it unset.
func (o *Orchestrator) SubmitTask(t *types.Task) (string, error) {
	if t.TimeoutSeconds <= 0 {
		t.TimeoutSeconds = o.GetConfig().Orchestrator.TaskDefaultTimeoutSeconds
	}
	id, err := o.engine.Submit(t)
	if err != nil {
		return "", err
	}
	if o.st != nil {
		_ = o.st.SaveInFlightTask(context.Background(), store.InFlightTaskRecord{
			TaskID: t.TaskID, TaskType: t.TaskType, Priority: t.Priority,
			Requirements: t.Requirements, RetryCount: t.RetryCount,
			MaxRetries: t.MaxRetries, CreatedAt: t.CreatedAt,
		})
	}
	return id, nil
}

// GetTask implements get_task(task_id) -> task_view | not_found.
func (o *Orchestrator) GetTask(taskID string) (*types.Task, error) {
	t, ok := o.engine.Get(taskID)
	if !ok {
		return nil, fleeterrors.New("orchestrator.GetTask", fleeterrors.KindNotFound, nil)
	}
	return t, nil
}

// ListTasks implements list_tasks(filter) -> page.
func (o *Orchestrator) ListTasks(filter taskengine.ListFilter) ([]*types.Task, int) {
	return o.engine.List(filter)
}

// CancelTask implements cancel_task(task_id) -> ok | not_found | already_terminal.
func (o *Orchestrator) CancelTask(taskID string) error {
	err := o.engine.Cancel(taskID)
	if err == nil && o.st != nil {
		_ = o.st.ClearInFlightTask(context.Background(), taskID)
	}
	return err
}

// StatusView is the response shape for get_status().
type StatusView struct {
	Nodes      []*types.Node
	TaskCounts map[types.TaskState]int
	Metrics    types.NetworkMetricsSnapshot
}

// GetStatus implements get_status() -> orchestrator_status.
func (o *Orchestrator) GetStatus() StatusView {
	return StatusView{
		Nodes:      o.registry.Snapshot(),
		TaskCounts: o.engine.CountByState(),
		Metrics:    o.agg.Snapshot(),
	}
}

// GetMetrics implements get_metrics() -> metrics_snapshot.
func (o *Orchestrator) GetMetrics() types.NetworkMetricsSnapshot {
	o.agg.RefreshNodeGauge()
	return o.agg.Snapshot()
}

// GetConfig implements get_config().
func (o *Orchestrator) GetConfig() config.Config {
	o.cfgMu.RLock()
	defer o.cfgMu.RUnlock()
	return o.cfg
}

// UpdateConfig implements update_config(patch), restricted to the
// registered mutable fields, applying the result to the live Placement
// Engine and Liveness Monitor without a restart.
func (o *Orchestrator) UpdateConfig(patch map[string]any) (config.Config, error) {
	o.cfgMu.Lock()
	updated, err := config.ApplyPatch(o.cfg, patch)
	if err != nil {
		o.cfgMu.Unlock()
		return config.Config{}, err
	}
	o.cfg = updated
	o.cfgMu.Unlock()

	o.placer.SetConfig(placementConfigFrom(updated))
	o.live.SetConfig(livenessConfigFrom(updated))
	if o.st != nil {
		_ = o.st.SaveConfig(context.Background(), store.ConfigRecord{AppliedAt: o.clk.Now(), Patch: patch})
	}
	return updated, nil
}

// --- Node-facing contracts ---

// RegisterNode implements register_node(node_descriptor) -> ok | conflict.
func (o *Orchestrator) RegisterNode(desc registry.NodeDescriptor) error {
	if err := o.registry.Register(desc); err != nil {
		return err
	}
	if o.st != nil {
		n := o.registry.Get(desc.NodeID)
		if n != nil {
			_ = o.st.SaveNode(context.Background(), store.NodeRecord{
				NodeID: n.NodeID, Endpoint: n.Endpoint, NodeType: n.NodeType,
				Capabilities: desc.Capabilities, Version: n.Version, Location: n.Location,
				Metadata: n.Metadata, RegisteredAt: n.RegisteredAt,
			})
		}
	}
	return nil
}

// Heartbeat implements heartbeat(node_id, sample) -> ok | unknown_node.
func (o *Orchestrator) Heartbeat(nodeID string, sample types.ResourceSample) error {
	return o.registry.Heartbeat(nodeID, sample)
}

// SetNodeStatus implements set_node_status(node_id, status) -> ok | invalid_transition.
func (o *Orchestrator) SetNodeStatus(nodeID string, status types.NodeStatus) error {
	return o.registry.SetStatus(nodeID, status)
}

// ReportTaskResult implements report_task_result(task_id, node_id, outcome)
// -> ok | unknown | not_assigned.
func (o *Orchestrator) ReportTaskResult(taskID, nodeID string, outcome types.Outcome) error {
	t, ok := o.engine.Get(taskID)
	if !ok {
		return fleeterrors.New("orchestrator.ReportTaskResult", fleeterrors.KindNotFound, nil)
	}
	o.dispatch.ReportResult(t, nodeID, outcome)
	return nil
}

// UnregisterNode implements unregister_node(node_id) -> ok, failing any
// tasks still assigned to it through the standard retry path first.
func (o *Orchestrator) UnregisterNode(nodeID string) error {
	o.engine.FailTasksForNode(nodeID, string(fleeterrors.KindNodeFailure))
	return o.registry.Unregister(nodeID)
}

// DebugRouting reports, for each given task type, which node the Placement
// Engine would currently pick for a bare (no extra requirements) task of
// that type.
func (o *Orchestrator) DebugRouting(taskTypes []string) map[string]string {
	snapshot := o.registry.Snapshot()
	routing := make(map[string]string, len(taskTypes))
	for _, tt := range taskTypes {
		picked := o.placer.Select(snapshot, types.Requirements{}, 1)
		if len(picked) == 0 {
			routing[tt] = "no node available"
			continue
		}
		routing[tt] = picked[0].NodeID
	}
	return routing
}

// RecoverFromStore rebuilds the Registry and re-surfaces unconfirmed
// in-flight tasks as pending with retry_count preserved, so a restart
// doesn't silently drop work that was in flight at shutdown.
func (o *Orchestrator) RecoverFromStore(ctx context.Context) error {
	if o.st == nil {
		return nil
	}
	snap, err := o.st.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("loading store snapshot: %w", err)
	}

	for _, n := range snap.Nodes {
		if err := o.registry.Register(registry.NodeDescriptor{
			NodeID: n.NodeID, Endpoint: n.Endpoint, NodeType: n.NodeType,
			Capabilities: n.Capabilities, Version: n.Version, Location: n.Location,
			Metadata: n.Metadata,
		}); err != nil {
			log.WithComponent("orchestrator").Warn().Str("node_id", n.NodeID).Err(err).
				Msg("failed to recover node from store")
		}
		_ = o.registry.SetStatus(n.NodeID, types.NodeStatusOffline)
	}

	for _, it := range snap.InFlightTasks {
		t := &types.Task{
			TaskID:       it.TaskID,
			TaskType:     it.TaskType,
			Priority:     it.Priority,
			Requirements: it.Requirements,
			MaxRetries:   it.MaxRetries,
			RetryCount:   it.RetryCount,
			TimeoutSeconds: o.GetConfig().Orchestrator.TaskDefaultTimeoutSeconds,
		}
		if _, err := o.engine.Submit(t); err != nil {
			log.WithComponent("orchestrator").Warn().Str("task_id", it.TaskID).Err(err).
				Msg("failed to re-surface in-flight task from store")
		}
	}
	return nil
}
