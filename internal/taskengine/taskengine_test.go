package taskengine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fleetmesh/orchestrator/internal/clock"
	"github.com/fleetmesh/orchestrator/internal/dispatcher"
	"github.com/fleetmesh/orchestrator/internal/events"
	"github.com/fleetmesh/orchestrator/internal/fleeterrors"
	"github.com/fleetmesh/orchestrator/internal/idgen"
	"github.com/fleetmesh/orchestrator/internal/types"
)

// fakeRegistry is a minimal Registry double sufficient for engine tests.
type fakeRegistry struct {
	mu    sync.Mutex
	nodes map[string]*types.Node
}

func newFakeRegistry(nodes ...*types.Node) *fakeRegistry {
	r := &fakeRegistry{nodes: map[string]*types.Node{}}
	for _, n := range nodes {
		r.nodes[n.NodeID] = n
	}
	return r
}

func (r *fakeRegistry) Snapshot() []*types.Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*types.Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		cp := *n
		out = append(out, &cp)
	}
	return out
}
func (r *fakeRegistry) Get(id string) *types.Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return nil
	}
	cp := *n
	return &cp
}
func (r *fakeRegistry) AdjustActiveTasks(id string, delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[id]; ok {
		n.ActiveTasks += delta
	}
}
func (r *fakeRegistry) RecordOutcome(id string, success bool) {}

// fakePlacer always returns up to k of the given always-eligible nodes in
// deterministic order, ignoring scoring — the dispatch mechanics are what
// these tests exercise, not placement scoring (covered in its own package).
type fakePlacer struct{ order []string }

func (p *fakePlacer) Select(snapshot []*types.Node, req types.Requirements, k int) []*types.Node {
	byID := map[string]*types.Node{}
	for _, n := range snapshot {
		byID[n.NodeID] = n
	}
	var out []*types.Node
	for _, id := range p.order {
		if req.ExcludedNodes != nil {
			if _, excluded := req.ExcludedNodes[id]; excluded {
				continue
			}
		}
		if n, ok := byID[id]; ok {
			out = append(out, n)
		}
		if len(out) == k {
			break
		}
	}
	return out
}

// fakeDispatch acks every dispatch through the engine's ResultSink
// synchronously (from the caller's goroutine) and signals a WaitGroup so
// tests can await delivery without sleeping; outcomes are reported by the
// tests themselves.
type fakeDispatch struct {
	mu      sync.Mutex
	sink    dispatcher.ResultSink
	wg      *sync.WaitGroup
	cancels []string
}

func (d *fakeDispatch) Dispatch(ctx context.Context, a dispatcher.Assignment) {
	defer d.wg.Done()
	d.sink.OnNodeAck(a.Task.TaskID, a.NodeID)
}

func (d *fakeDispatch) Cancel(ctx context.Context, endpoint, taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancels = append(d.cancels, taskID)
}

func (d *fakeDispatch) expectDispatches(n int) { d.wg.Add(n) }
func (d *fakeDispatch) wait()                  { d.wg.Wait() }

func newEngine(t *testing.T, clk Clock, reg Registry, placer Placer) (*Engine, *fakeDispatch) {
	t.Helper()
	dispatch := &fakeDispatch{wg: &sync.WaitGroup{}}
	bus := events.NewBus()
	cfg := DefaultConfig()
	e := New(cfg, clk, &idgen.Sequential{Prefix: "task"}, reg, placer, dispatch, bus)
	dispatch.sink = e
	return e, dispatch
}

func activeNode(id string) *types.Node {
	return &types.Node{NodeID: id, Status: types.NodeStatusActive, Endpoint: id + ":9000", ReliabilityScore: 1}
}

func TestSubmitRejectsInvalidRequirements(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	e, _ := newEngine(t, fc, newFakeRegistry(), &fakePlacer{})

	_, err := e.Submit(&types.Task{Requirements: types.Requirements{Redundancy: 0}, TimeoutSeconds: 10, Priority: types.PriorityNormal})
	if !fleeterrors.Is(err, fleeterrors.KindInvalidInput) {
		t.Fatalf("expected invalid_input for redundancy<1, got %v", err)
	}

	_, err = e.Submit(&types.Task{Requirements: types.Requirements{Redundancy: 1}, TimeoutSeconds: 0, Priority: types.PriorityNormal})
	if !fleeterrors.Is(err, fleeterrors.KindInvalidInput) {
		t.Fatalf("expected invalid_input for timeout<=0, got %v", err)
	}
}

func TestSubmitAssignsIDAndEnqueues(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	e, _ := newEngine(t, fc, newFakeRegistry(), &fakePlacer{})

	id, err := e.Submit(&types.Task{Requirements: types.Requirements{Redundancy: 1}, TimeoutSeconds: 10, Priority: types.PriorityNormal})
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatal("expected generated task_id")
	}
	got, ok := e.Get(id)
	if !ok || got.State != types.TaskStatePending {
		t.Fatalf("expected pending task, got %+v ok=%v", got, ok)
	}
}

func TestHappyPathCompletesOnAssignedNode(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	n1 := activeNode("n1")
	reg := newFakeRegistry(n1)
	placer := &fakePlacer{order: []string{"n1"}}
	e, fd := newEngine(t, fc, reg, placer)

	id, err := e.Submit(&types.Task{Requirements: types.Requirements{Redundancy: 1, RequiredCapabilities: map[string]struct{}{}}, TimeoutSeconds: 30, Priority: types.PriorityNormal})
	if err != nil {
		t.Fatal(err)
	}

	fd.expectDispatches(1)
	e.DispatchTick(context.Background())
	fd.wait()

	task, _ := e.Get(id)
	if task.State != types.TaskStateRunning {
		t.Fatalf("expected running after ack, got %s", task.State)
	}
	if len(task.AssignedNodes) != 1 || task.AssignedNodes[0] != "n1" {
		t.Fatalf("expected assigned to n1, got %+v", task.AssignedNodes)
	}

	e.OnNodeResult(id, "n1", types.Outcome{Success: true, Result: "ok"})
	task, _ = e.Get(id)
	if task.State != types.TaskStateCompleted {
		t.Fatalf("expected completed, got %s", task.State)
	}
}

func TestNoCandidatesFailsAfterGraceWindow(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	e, _ := newEngine(t, fc, newFakeRegistry(), &fakePlacer{})
	e.cfg.PlacementGraceSeconds = 2

	id, err := e.Submit(&types.Task{Requirements: types.Requirements{Redundancy: 1}, TimeoutSeconds: 30, Priority: types.PriorityNormal})
	if err != nil {
		t.Fatal(err)
	}

	e.DispatchTick(context.Background())
	task, _ := e.Get(id)
	if task.State != types.TaskStatePending {
		t.Fatalf("expected still pending before grace window, got %s", task.State)
	}

	fc.Advance(3 * time.Second)
	e.DispatchTick(context.Background())
	task, _ = e.Get(id)
	if task.State != types.TaskStateFailed || task.ErrorMessage != "no_candidates" {
		t.Fatalf("expected failed with no_candidates, got %+v", task)
	}
}

func TestRetryOnNodeFailureExcludesNodeAndRetries(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	n1 := activeNode("n1")
	n2 := activeNode("n2")
	reg := newFakeRegistry(n1, n2)
	placer := &fakePlacer{order: []string{"n1", "n2"}}
	e, fd := newEngine(t, fc, reg, placer)

	id, err := e.Submit(&types.Task{Requirements: types.Requirements{Redundancy: 1}, TimeoutSeconds: 30, MaxRetries: 2, Priority: types.PriorityNormal})
	if err != nil {
		t.Fatal(err)
	}

	fd.expectDispatches(1)
	e.DispatchTick(context.Background())
	fd.wait()

	e.OnNodeResult(id, "n1", types.Outcome{Success: false, ErrorKind: "node_failure", ErrorMessage: "lost heartbeat"})
	task, _ := e.Get(id)
	if task.State != types.TaskStatePending {
		t.Fatalf("expected requeued pending after retryable failure, got %s", task.State)
	}
	if task.RetryCount != 1 {
		t.Fatalf("expected retry_count=1, got %d", task.RetryCount)
	}

	fc.Advance(2 * time.Second)
	fd.expectDispatches(1)
	e.DispatchTick(context.Background())
	fd.wait()

	task, _ = e.Get(id)
	if len(task.AssignedNodes) != 1 || task.AssignedNodes[0] != "n2" {
		t.Fatalf("expected re-placed on n2 excluding n1, got %+v", task.AssignedNodes)
	}

	e.OnNodeResult(id, "n2", types.Outcome{Success: true})
	task, _ = e.Get(id)
	if task.State != types.TaskStateCompleted {
		t.Fatalf("expected completed on second attempt, got %s", task.State)
	}
	if task.TaskID != id {
		t.Fatal("expected task_id preserved across retry")
	}
}

func TestPermanentErrorDoesNotRetry(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	n1 := activeNode("n1")
	reg := newFakeRegistry(n1)
	placer := &fakePlacer{order: []string{"n1"}}
	e, fd := newEngine(t, fc, reg, placer)

	id, _ := e.Submit(&types.Task{Requirements: types.Requirements{Redundancy: 1}, TimeoutSeconds: 30, MaxRetries: 3, Priority: types.PriorityNormal})
	fd.expectDispatches(1)
	e.DispatchTick(context.Background())
	fd.wait()

	e.OnNodeResult(id, "n1", types.Outcome{Success: false, ErrorKind: "task_error_permanent", ErrorMessage: "bad input"})
	task, _ := e.Get(id)
	if task.State != types.TaskStateFailed {
		t.Fatalf("expected failed without retry for permanent error, got %s", task.State)
	}
}

func TestRedundancyFirstCompletionWinsAndCancelsSiblings(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	n1, n2, n3 := activeNode("n1"), activeNode("n2"), activeNode("n3")
	reg := newFakeRegistry(n1, n2, n3)
	placer := &fakePlacer{order: []string{"n1", "n2", "n3"}}
	e, fd := newEngine(t, fc, reg, placer)

	id, _ := e.Submit(&types.Task{Requirements: types.Requirements{Redundancy: 3}, TimeoutSeconds: 30, Priority: types.PriorityNormal})
	fd.expectDispatches(3)
	e.DispatchTick(context.Background())
	fd.wait()

	task, _ := e.Get(id)
	if len(task.AssignedNodes) != 3 {
		t.Fatalf("expected 3 assigned nodes, got %+v", task.AssignedNodes)
	}

	e.OnNodeResult(id, "n2", types.Outcome{Success: true, Result: "first"})
	task, _ = e.Get(id)
	if task.State != types.TaskStateCompleted {
		t.Fatalf("expected completed on first success, got %s", task.State)
	}

	deadline := time.Now().Add(time.Second)
	for {
		fd.mu.Lock()
		cancelCount := len(fd.cancels)
		fd.mu.Unlock()
		if cancelCount == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 best-effort cancels to siblings, got %d", cancelCount)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRedundancyAllFailTriggersRetry(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	n1, n2 := activeNode("n1"), activeNode("n2")
	reg := newFakeRegistry(n1, n2)
	placer := &fakePlacer{order: []string{"n1", "n2"}}
	e, fd := newEngine(t, fc, reg, placer)

	id, _ := e.Submit(&types.Task{Requirements: types.Requirements{Redundancy: 2}, TimeoutSeconds: 30, MaxRetries: 1, Priority: types.PriorityNormal})
	fd.expectDispatches(2)
	e.DispatchTick(context.Background())
	fd.wait()

	e.OnNodeResult(id, "n1", types.Outcome{Success: false, ErrorKind: "network_error"})
	task, _ := e.Get(id)
	if task.State != types.TaskStateRunning && task.State != types.TaskStateScheduled {
		t.Fatalf("expected task still in flight awaiting sibling, got %s", task.State)
	}

	e.OnNodeResult(id, "n2", types.Outcome{Success: false, ErrorKind: "network_error"})
	task, _ = e.Get(id)
	if task.State != types.TaskStatePending {
		t.Fatalf("expected retried to pending once all siblings failed, got %s", task.State)
	}
	if task.RetryCount != 1 {
		t.Fatalf("expected retry_count=1, got %d", task.RetryCount)
	}
}

func TestTickDeadlinesFailsExpiredTask(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	n1 := activeNode("n1")
	reg := newFakeRegistry(n1)
	placer := &fakePlacer{order: []string{"n1"}}
	e, fd := newEngine(t, fc, reg, placer)

	id, _ := e.Submit(&types.Task{Requirements: types.Requirements{Redundancy: 1}, TimeoutSeconds: 5, Priority: types.PriorityNormal})
	e.mu.Lock()
	e.tasks[id].DeadlineAt = fc.Now().Add(5 * time.Second)
	e.mu.Unlock()

	fd.expectDispatches(1)
	e.DispatchTick(context.Background())
	fd.wait()

	fc.Advance(6 * time.Second)
	e.TickDeadlines()

	task, _ := e.Get(id)
	if task.State != types.TaskStateFailed && task.State != types.TaskStatePending {
		t.Fatalf("expected timeout to fail or retry the task, got %s", task.State)
	}
}

func TestTickDeadlinesFailsExpiredRedundantTaskWithoutWaitingOnStragglers(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	n1, n2 := activeNode("n1"), activeNode("n2")
	reg := newFakeRegistry(n1, n2)
	placer := &fakePlacer{order: []string{"n1", "n2"}}
	e, fd := newEngine(t, fc, reg, placer)
	// Submit treats MaxRetries 0 as "use the default", so the default is
	// zeroed here to get a task with no retries.
	e.cfg.DefaultMaxRetries = 0

	id, _ := e.Submit(&types.Task{Requirements: types.Requirements{Redundancy: 2}, TimeoutSeconds: 5, MaxRetries: 0, Priority: types.PriorityNormal})
	fd.expectDispatches(2)
	e.DispatchTick(context.Background())
	fd.wait()

	task, _ := e.Get(id)
	if len(task.AssignedNodes) != 2 {
		t.Fatalf("expected 2 assigned nodes, got %+v", task.AssignedNodes)
	}

	// Neither sibling ever reports an outcome; both are simply slow.
	fc.Advance(6 * time.Second)
	e.TickDeadlines()

	task, _ = e.Get(id)
	if task.State != types.TaskStateFailed {
		t.Fatalf("expected deadline expiry to finalize a redundant task with no stragglers reporting, got %s", task.State)
	}
	if task.ErrorMessage != "deadline exceeded" {
		t.Fatalf("expected deadline_exceeded error message, got %q", task.ErrorMessage)
	}

	deadline := time.Now().Add(time.Second)
	for {
		fd.mu.Lock()
		cancelCount := len(fd.cancels)
		fd.mu.Unlock()
		if cancelCount == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected cancels sent to both outstanding siblings, got %d", cancelCount)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestTickDeadlinesRetriesExpiredRedundantTask(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	n1, n2 := activeNode("n1"), activeNode("n2")
	reg := newFakeRegistry(n1, n2)
	placer := &fakePlacer{order: []string{"n1", "n2"}}
	e, fd := newEngine(t, fc, reg, placer)

	id, _ := e.Submit(&types.Task{Requirements: types.Requirements{Redundancy: 2}, TimeoutSeconds: 5, MaxRetries: 1, Priority: types.PriorityNormal})
	fd.expectDispatches(2)
	e.DispatchTick(context.Background())
	fd.wait()

	fc.Advance(6 * time.Second)
	e.TickDeadlines()

	task, _ := e.Get(id)
	if task.State != types.TaskStatePending {
		t.Fatalf("expected retried to pending after deadline expiry, got %s", task.State)
	}
	if task.RetryCount != 1 {
		t.Fatalf("expected retry_count=1, got %d", task.RetryCount)
	}
	if len(task.AssignedNodes) != 0 {
		t.Fatalf("expected assigned_nodes cleared pending re-placement, got %+v", task.AssignedNodes)
	}
	if n1.ActiveTasks != 0 || n2.ActiveTasks != 0 {
		t.Fatalf("expected active task counters released on both nodes, got n1=%d n2=%d", n1.ActiveTasks, n2.ActiveTasks)
	}
}

func TestCancelPendingTask(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	e, _ := newEngine(t, fc, newFakeRegistry(), &fakePlacer{})
	id, _ := e.Submit(&types.Task{Requirements: types.Requirements{Redundancy: 1}, TimeoutSeconds: 30, Priority: types.PriorityNormal})

	if err := e.Cancel(id); err != nil {
		t.Fatal(err)
	}
	task, _ := e.Get(id)
	if task.State != types.TaskStateCancelled {
		t.Fatalf("expected cancelled, got %s", task.State)
	}
}

func TestCancelTerminalTaskIsNoop(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	e, _ := newEngine(t, fc, newFakeRegistry(), &fakePlacer{})
	id, _ := e.Submit(&types.Task{Requirements: types.Requirements{Redundancy: 1}, TimeoutSeconds: 30, Priority: types.PriorityNormal})
	if err := e.Cancel(id); err != nil {
		t.Fatal(err)
	}
	if err := e.Cancel(id); !fleeterrors.Is(err, fleeterrors.KindConflict) {
		t.Fatalf("expected conflict on double-cancel of terminal task, got %v", err)
	}
}

func TestBackpressureRejectsLowPriorityAtHighWater(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	e, _ := newEngine(t, fc, newFakeRegistry(), &fakePlacer{})
	e.cfg.MaxPending = 10
	e.cfg.HighWaterFraction = 0.5

	for i := 0; i < 6; i++ {
		if _, err := e.Submit(&types.Task{Requirements: types.Requirements{Redundancy: 1}, TimeoutSeconds: 30, Priority: types.PriorityBackground}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	_, err := e.Submit(&types.Task{Requirements: types.Requirements{Redundancy: 1}, TimeoutSeconds: 30, Priority: types.PriorityBackground})
	if !fleeterrors.Is(err, fleeterrors.KindOverloaded) {
		t.Fatalf("expected overloaded for extra BACKGROUND task, got %v", err)
	}

	_, err = e.Submit(&types.Task{Requirements: types.Requirements{Redundancy: 1}, TimeoutSeconds: 30, Priority: types.PriorityHigh})
	if err != nil {
		t.Fatalf("expected HIGH priority accepted under high water, got %v", err)
	}
}

func TestPriorityOrderingCriticalBeforeBackground(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	n1 := activeNode("n1")
	reg := newFakeRegistry(n1)
	placer := &fakePlacer{order: []string{"n1"}}
	e, fd := newEngine(t, fc, reg, placer)

	for i := 0; i < 5; i++ {
		if _, err := e.Submit(&types.Task{Requirements: types.Requirements{Redundancy: 1}, TimeoutSeconds: 30, Priority: types.PriorityBackground}); err != nil {
			t.Fatal(err)
		}
	}
	criticalID, err := e.Submit(&types.Task{Requirements: types.Requirements{Redundancy: 1}, TimeoutSeconds: 30, Priority: types.PriorityCritical})
	if err != nil {
		t.Fatal(err)
	}

	fd.expectDispatches(6)
	e.DispatchTick(context.Background())
	fd.wait()

	task, _ := e.Get(criticalID)
	if task.State == types.TaskStatePending {
		t.Fatal("expected CRITICAL task dispatched ahead of BACKGROUND tasks")
	}
}
