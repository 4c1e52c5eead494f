// Package taskengine owns the Task lifecycle state machine: the priority
// queue, dispatch loop, retry/backoff policy, redundancy fan-out,
// deadline sweep, and bounded terminal history.
package taskengine

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/fleetmesh/orchestrator/internal/dispatcher"
	"github.com/fleetmesh/orchestrator/internal/events"
	"github.com/fleetmesh/orchestrator/internal/fleeterrors"
	"github.com/fleetmesh/orchestrator/internal/idgen"
	"github.com/fleetmesh/orchestrator/internal/log"
	"github.com/fleetmesh/orchestrator/internal/placement"
	"github.com/fleetmesh/orchestrator/internal/types"
)

// Clock is the narrow time source the engine needs.
type Clock interface {
	Now() time.Time
}

// Registry is the subset the engine consults for placement snapshots and
// active-task bookkeeping.
type Registry interface {
	Snapshot() []*types.Node
	Get(nodeID string) *types.Node
	AdjustActiveTasks(nodeID string, delta int)
	RecordOutcome(nodeID string, success bool)
}

// Placer selects candidate nodes for a task's requirements.
type Placer interface {
	Select(snapshot []*types.Node, req types.Requirements, k int) []*types.Node
}

// Dispatch is the subset of *dispatcher.Dispatcher the engine drives.
type Dispatch interface {
	Dispatch(ctx context.Context, a dispatcher.Assignment)
	Cancel(ctx context.Context, endpoint, taskID string)
}

// Config controls queue capacity, retry/backoff bounds, and history size.
type Config struct {
	MaxPending            int
	HighWaterFraction     float64
	DefaultMaxRetries     int
	PlacementGraceSeconds int
	HistoryLimit          int
}

// DefaultConfig returns the engine's stock configuration.
func DefaultConfig() Config {
	return Config{
		MaxPending:            100_000,
		HighWaterFraction:     0.9,
		DefaultMaxRetries:     3,
		PlacementGraceSeconds: 60,
		HistoryLimit:          10_000,
	}
}

// Engine is the Task lifecycle state machine. All exported methods are
// safe for concurrent use.
type Engine struct {
	cfg      Config
	clk      Clock
	ids      idgen.Generator
	registry Registry
	placer   Placer
	dispatch Dispatch
	bus      *events.Bus

	mu      sync.Mutex
	pq      priorityQueue
	tasks   map[string]*types.Task // pending/scheduled/running, by task_id
	history *lru.Cache[string, *types.Task]

	// summaries holds stripped (input_data/result removed) records for
	// tasks evicted from the bounded history, so get_task keeps returning
	// an explanatory terminal state indefinitely instead of "not found".
	// Guarded by its own lock since the LRU eviction callback can fire
	// synchronously from within a call already holding e.mu.
	summariesMu sync.Mutex
	summaries   map[string]*types.Task

	// failedAttempts tracks, per in-flight redundant task, which assigned
	// nodes have already reported failure, so a node-by-node failure only
	// finalizes the task once every sibling dispatch has settled. Deadline
	// expiry bypasses this counter entirely: see failDeadline.
	failedAttempts map[string][]string
}

// New constructs a Task Engine.
func New(cfg Config, clk Clock, ids idgen.Generator, registry Registry, placer Placer, dispatch Dispatch, bus *events.Bus) *Engine {
	limit := cfg.HistoryLimit
	if limit <= 0 {
		limit = DefaultConfig().HistoryLimit
	}
	e := &Engine{
		cfg:            cfg,
		clk:            clk,
		ids:            ids,
		registry:       registry,
		placer:         placer,
		dispatch:       dispatch,
		bus:            bus,
		tasks:          make(map[string]*types.Task),
		summaries:      make(map[string]*types.Task),
		failedAttempts: make(map[string][]string),
	}
	history, _ := lru.NewWithEvict[string, *types.Task](limit, func(taskID string, t *types.Task) {
		e.summariesMu.Lock()
		e.summaries[taskID] = t.Stripped()
		e.summariesMu.Unlock()
	})
	e.history = history
	return e
}

// Submit validates and enqueues a task.
func (e *Engine) Submit(t *types.Task) (string, error) {
	if t.Requirements.Redundancy < 1 {
		return "", fleeterrors.New("taskengine.Submit", fleeterrors.KindInvalidInput, nil)
	}
	if t.TimeoutSeconds <= 0 {
		return "", fleeterrors.New("taskengine.Submit", fleeterrors.KindInvalidInput, nil)
	}
	if !t.Priority.Valid() {
		return "", fleeterrors.New("taskengine.Submit", fleeterrors.KindInvalidInput, nil)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if t.TaskID == "" {
		t.TaskID = e.ids.NewID()
	} else if _, exists := e.tasks[t.TaskID]; exists {
		return "", fleeterrors.New("taskengine.Submit", fleeterrors.KindConflict, nil)
	}

	if e.atCapacity() {
		return "", fleeterrors.New("taskengine.Submit", fleeterrors.KindOverloaded, nil)
	}
	if e.atHighWater() && (t.Priority == types.PriorityBackground || t.Priority == types.PriorityLow) {
		return "", fleeterrors.New("taskengine.Submit", fleeterrors.KindOverloaded, nil)
	}

	now := e.clk.Now()
	t.CreatedAt = now
	t.PendingSince = now
	t.State = types.TaskStatePending
	t.DeadlineAt = now.Add(time.Duration(t.TimeoutSeconds) * time.Second)
	if t.MaxRetries == 0 {
		t.MaxRetries = e.cfg.DefaultMaxRetries
	}

	e.tasks[t.TaskID] = t
	heap.Push(&e.pq, &pqItem{taskID: t.TaskID, priority: t.Priority, createdAt: t.CreatedAt})

	e.publish(events.TaskSubmitted, t)
	return t.TaskID, nil
}

func (e *Engine) atCapacity() bool {
	return e.pq.Len() >= e.cfg.MaxPending
}

func (e *Engine) atHighWater() bool {
	return float64(e.pq.Len()) > float64(e.cfg.MaxPending)*e.cfg.HighWaterFraction
}

// DispatchTick drains the pending queue in priority order, attempts
// placement for every eligible entry, and hands placed tasks to the
// dispatcher. Call periodically from the dispatch worker pool.
func (e *Engine) DispatchTick(ctx context.Context) {
	now := e.clk.Now()
	snapshot := e.registry.Snapshot()

	var ready []*types.Task
	e.mu.Lock()
	var requeue []*pqItem
	for e.pq.Len() > 0 {
		item := heap.Pop(&e.pq).(*pqItem)
		t, ok := e.tasks[item.taskID]
		if !ok || t.State != types.TaskStatePending {
			continue // cancelled or already handled
		}
		if !t.NextTryAt.IsZero() && t.NextTryAt.After(now) {
			requeue = append(requeue, item)
			continue
		}
		ready = append(ready, t)
	}
	for _, item := range requeue {
		heap.Push(&e.pq, item)
	}
	e.mu.Unlock()

	for _, t := range ready {
		e.tryPlace(ctx, t, now)
	}
}

func (e *Engine) tryPlace(ctx context.Context, t *types.Task, now time.Time) {
	k := t.Requirements.Redundancy
	candidates := e.placer.Select(e.registry.Snapshot(), t.Requirements, k)

	if len(candidates) == 0 {
		e.handleNoCandidates(t, now)
		return
	}
	if len(candidates) < k && t.Requirements.StrictRedundancy {
		e.handleNoCandidates(t, now)
		return
	}

	e.mu.Lock()
	t.AssignedNodes = make([]string, 0, len(candidates))
	for _, c := range candidates {
		t.AssignedNodes = append(t.AssignedNodes, c.NodeID)
	}
	t.State = types.TaskStateScheduled
	t.DispatchedAt = now
	e.mu.Unlock()

	for _, c := range candidates {
		e.registry.AdjustActiveTasks(c.NodeID, 1)
		go e.dispatch.Dispatch(ctx, dispatcher.Assignment{Task: t, NodeID: c.NodeID, Endpoint: c.Endpoint})
	}
	e.publish(events.TaskScheduled, t)
}

func (e *Engine) handleNoCandidates(t *types.Task, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	elapsed := now.Sub(t.PendingSince)
	if elapsed >= time.Duration(e.cfg.PlacementGraceSeconds)*time.Second {
		e.finalizeLocked(t, types.TaskStateFailed, "no_candidates", now)
		return
	}

	backoff := placementBackoff(t.RetryCount)
	t.NextTryAt = now.Add(backoff)
	heap.Push(&e.pq, &pqItem{taskID: t.TaskID, priority: t.Priority, createdAt: t.CreatedAt})
}

// placementBackoff doubles from 1s per attempt, capped at 30s, for the
// no-candidates requeue path. handleNoCandidates passes the task's
// RetryCount as the attempt, so repeated no-candidate requeues between two
// retries all wait the same delay; the delay does not grow per requeue.
func placementBackoff(attempt int) time.Duration {
	d := time.Second << uint(attempt)
	if d > 30*time.Second || d <= 0 {
		d = 30 * time.Second
	}
	return d
}

// retryBackoff doubles from 1s per retry, capped at 60s.
func retryBackoff(retryCount int) time.Duration {
	d := time.Second << uint(retryCount)
	if d > 60*time.Second || d <= 0 {
		d = 60 * time.Second
	}
	return d
}

// OnNodeAck implements dispatcher.ResultSink: scheduled -> running.
func (e *Engine) OnNodeAck(taskID, nodeID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[taskID]
	if !ok || t.State.Terminal() {
		return
	}
	if t.State == types.TaskStateScheduled {
		t.State = types.TaskStateRunning
	}
}

// OnDispatchError implements dispatcher.ResultSink: a delivery attempt to
// one assigned node failed. Treated the same as a task failure from that
// node for retry purposes.
func (e *Engine) OnDispatchError(taskID, nodeID string, class dispatcher.ErrorClass) {
	kind := fleeterrors.KindNetworkError
	switch class {
	case dispatcher.ClassNodeRejected:
		kind = fleeterrors.KindNodeRejected
	case dispatcher.ClassNodeUnavailable:
		kind = fleeterrors.KindNodeFailure
	}
	e.registry.AdjustActiveTasks(nodeID, -1)
	e.onOutcome(taskID, nodeID, types.Outcome{Success: false, ErrorKind: string(kind), ErrorMessage: "dispatch failed"})
}

// OnNodeResult implements dispatcher.ResultSink.
func (e *Engine) OnNodeResult(taskID, nodeID string, outcome types.Outcome) {
	e.registry.AdjustActiveTasks(nodeID, -1)
	e.onOutcome(taskID, nodeID, outcome)
}

func (e *Engine) onOutcome(taskID, nodeID string, outcome types.Outcome) {
	e.mu.Lock()
	t, ok := e.tasks[taskID]
	if !ok {
		e.mu.Unlock()
		log.WithComponent("taskengine").Warn().Str("task_id", taskID).
			Msg("dropping outcome for unknown or terminal task")
		return
	}
	if t.State.Terminal() {
		e.mu.Unlock()
		log.WithComponent("taskengine").Warn().Str("task_id", taskID).
			Msg("dropping late outcome for terminal task")
		return
	}

	now := e.clk.Now()

	if outcome.Success {
		e.registry.RecordOutcome(nodeID, true)
		e.cancelSiblingsLocked(t, nodeID)
		t.Result = outcome.Result
		e.finalizeLocked(t, types.TaskStateCompleted, "", now)
		e.mu.Unlock()
		return
	}

	e.registry.RecordOutcome(nodeID, false)

	// Redundancy: only finalize as failed once every sibling has failed.
	if len(t.AssignedNodes) > 1 {
		e.failedAttempts[t.TaskID] = append(e.failedAttempts[t.TaskID], nodeID)
		if len(e.failedAttempts[t.TaskID]) < len(t.AssignedNodes) {
			e.mu.Unlock()
			return
		}
	}

	e.settleFailureLocked(t, outcome, now)
	e.mu.Unlock()
}

// settleFailureLocked moves t to failed or back to pending for a retry,
// per the standard retryable-kind/max-retries policy. Must be called with
// e.mu held and clears any partial failedAttempts bookkeeping for t, so it
// is safe to call for a task regardless of how it reached a settle point
// (every sibling having failed individually, or a deadline forcing the
// decision before the stragglers ever report).
func (e *Engine) settleFailureLocked(t *types.Task, outcome types.Outcome, now time.Time) {
	delete(e.failedAttempts, t.TaskID)

	retryable := retryableKind(outcome.ErrorKind) && t.RetryCount < t.MaxRetries
	if !retryable {
		e.finalizeLocked(t, types.TaskStateFailed, outcome.ErrorMessage, now)
		return
	}

	t.RetryCount++
	for _, n := range t.AssignedNodes {
		t.Requirements = t.Requirements.CloneExcluding(n)
	}
	t.AssignedNodes = nil
	t.State = types.TaskStatePending
	t.PendingSince = now
	t.NextTryAt = now.Add(retryBackoff(t.RetryCount))
	heap.Push(&e.pq, &pqItem{taskID: t.TaskID, priority: t.Priority, createdAt: t.CreatedAt})
}

func retryableKind(kind string) bool {
	switch fleeterrors.Kind(kind) {
	case fleeterrors.KindNetworkError, fleeterrors.KindNodeFailure, fleeterrors.KindTimeout, fleeterrors.KindTransientError:
		return true
	default:
		return false
	}
}

// cancelSiblingsLocked sends best-effort cancels to every assigned node
// other than winner, for the redundancy first-completed-wins rule. Must
// be called with e.mu held; dispatch happens asynchronously.
func (e *Engine) cancelSiblingsLocked(t *types.Task, winner string) {
	for _, n := range t.AssignedNodes {
		if n == winner {
			continue
		}
		node := e.registry.Get(n)
		if node == nil {
			continue
		}
		nodeID, endpoint, taskID := n, node.Endpoint, t.TaskID
		go e.dispatch.Cancel(context.Background(), endpoint, taskID)
		_ = nodeID
	}
}

// finalizeLocked moves t to a terminal state, publishes the corresponding
// event, and moves it into the bounded history. Must be called with e.mu
// held.
func (e *Engine) finalizeLocked(t *types.Task, state types.TaskState, errMsg string, now time.Time) {
	t.State = state
	t.CompletedAt = now
	if errMsg != "" {
		t.ErrorMessage = errMsg
	}
	delete(e.tasks, t.TaskID)
	delete(e.failedAttempts, t.TaskID)
	e.history.Add(t.TaskID, t.Clone())

	var evType events.Type
	switch state {
	case types.TaskStateCompleted:
		evType = events.TaskCompleted
	case types.TaskStateCancelled:
		evType = events.TaskCancelled
	default:
		evType = events.TaskFailed
	}
	e.publishWithData(evType, t, map[string]any{
		"response_time_ms": float64(t.CompletedAt.Sub(t.CreatedAt).Milliseconds()),
	})
}

// TickDeadlines scans for tasks whose deadline_at has passed while not
// terminal and fails them with a timeout error, applying the standard
// retry policy. Call every 1s from the deadline ticker.
func (e *Engine) TickDeadlines() {
	now := e.clk.Now()

	e.mu.Lock()
	var expired []string
	for id, t := range e.tasks {
		if !t.DeadlineAt.IsZero() && now.After(t.DeadlineAt) {
			expired = append(expired, id)
		}
	}
	e.mu.Unlock()

	for _, id := range expired {
		e.failDeadline(id, now)
	}
}

// failDeadline settles a task whose deadline has passed, independent of
// how many of its assigned nodes (if any, under redundancy) have actually
// reported an outcome. A deadline is a property of the whole task, not of
// any one sibling dispatch, so this does not go through onOutcome's
// per-sibling failedAttempts accumulator: a redundant task whose siblings
// are merely slow, never erroring, must still be retried or failed the
// moment its deadline passes rather than waiting on stragglers forever.
func (e *Engine) failDeadline(taskID string, now time.Time) {
	e.mu.Lock()
	t, ok := e.tasks[taskID]
	if !ok || t.State.Terminal() {
		e.mu.Unlock()
		return
	}

	outstanding := append([]string(nil), t.AssignedNodes...)
	for _, n := range outstanding {
		e.registry.AdjustActiveTasks(n, -1)
		e.registry.RecordOutcome(n, false)
	}

	outcome := types.Outcome{Success: false, ErrorKind: string(fleeterrors.KindTimeout), ErrorMessage: "deadline exceeded"}
	e.settleFailureLocked(t, outcome, now)
	e.mu.Unlock()

	for _, n := range outstanding {
		node := e.registry.Get(n)
		if node == nil {
			continue
		}
		go e.dispatch.Cancel(context.Background(), node.Endpoint, taskID)
	}
}

// Cancel moves a task to cancelled, whatever its current non-terminal state.
func (e *Engine) Cancel(taskID string) error {
	e.mu.Lock()
	t, ok := e.tasks[taskID]
	if !ok {
		_, inHistory := e.history.Get(taskID)
		e.mu.Unlock()
		if inHistory {
			return fleeterrors.New("taskengine.Cancel", fleeterrors.KindConflict, nil) // already terminal
		}
		e.summariesMu.Lock()
		_, inSummaries := e.summaries[taskID]
		e.summariesMu.Unlock()
		if inSummaries {
			return fleeterrors.New("taskengine.Cancel", fleeterrors.KindConflict, nil) // already terminal
		}
		return fleeterrors.New("taskengine.Cancel", fleeterrors.KindNotFound, nil)
	}

	switch t.State {
	case types.TaskStatePending:
		delete(e.tasks, taskID)
		e.removeFromQueueLocked(taskID)
		t.State = types.TaskStateCancelled
		t.CompletedAt = e.clk.Now()
		e.history.Add(taskID, t.Clone())
		e.publishLocked(events.TaskCancelled, t)
		e.mu.Unlock()
		return nil
	case types.TaskStateScheduled, types.TaskStateRunning:
		assigned := append([]string(nil), t.AssignedNodes...)
		e.finalizeLocked(t, types.TaskStateCancelled, "", e.clk.Now())
		e.mu.Unlock()
		for _, n := range assigned {
			node := e.registry.Get(n)
			if node == nil {
				continue
			}
			go e.dispatch.Cancel(context.Background(), node.Endpoint, taskID)
		}
		return nil
	default:
		e.mu.Unlock()
		return fleeterrors.New("taskengine.Cancel", fleeterrors.KindConflict, nil) // already terminal
	}
}

func (e *Engine) removeFromQueueLocked(taskID string) {
	filtered := e.pq[:0]
	for _, item := range e.pq {
		if item.taskID != taskID {
			filtered = append(filtered, item)
		}
	}
	e.pq = filtered
	heap.Init(&e.pq)
}

// Get returns the current view of a task, whether pending/active or in the
// terminal history.
func (e *Engine) Get(taskID string) (*types.Task, bool) {
	e.mu.Lock()
	if t, ok := e.tasks[taskID]; ok {
		e.mu.Unlock()
		return t.Clone(), true
	}
	if t, ok := e.history.Get(taskID); ok {
		e.mu.Unlock()
		return t.Clone(), true
	}
	e.mu.Unlock()

	e.summariesMu.Lock()
	defer e.summariesMu.Unlock()
	if t, ok := e.summaries[taskID]; ok {
		return t.Clone(), true
	}
	return nil, false
}

// CountByState implements metrics.TaskCounter: in-flight tasks come from
// the live map, terminal counts from whatever the bounded history still
// holds (older terminal tasks age out of this count along with the LRU,
// which is acceptable for a rolling snapshot).
func (e *Engine) CountByState() map[types.TaskState]int {
	counts := make(map[types.TaskState]int)
	e.mu.Lock()
	for _, t := range e.tasks {
		counts[t.State]++
	}
	keys := e.history.Keys()
	e.mu.Unlock()
	for _, k := range keys {
		if t, ok := e.history.Peek(k); ok {
			counts[t.State]++
		}
	}
	return counts
}

// ListFilter narrows List's results; zero values mean "don't filter on
// this field". Results are ordered by CreatedAt descending.
type ListFilter struct {
	State    types.TaskState
	NodeID   string
	Priority types.Priority
	Offset   int
	Limit    int
}

// List returns a page of tasks (in-flight and terminal) matching filter,
// plus the total number of matches before pagination.
func (e *Engine) List(filter ListFilter) ([]*types.Task, int) {
	var all []*types.Task

	e.mu.Lock()
	for _, t := range e.tasks {
		all = append(all, t.Clone())
	}
	keys := e.history.Keys()
	e.mu.Unlock()
	for _, k := range keys {
		if t, ok := e.history.Peek(k); ok {
			all = append(all, t.Clone())
		}
	}

	matched := all[:0]
	for _, t := range all {
		if filter.State != "" && t.State != filter.State {
			continue
		}
		if filter.Priority != 0 && t.Priority != filter.Priority {
			continue
		}
		if filter.NodeID != "" {
			found := false
			for _, n := range t.AssignedNodes {
				if n == filter.NodeID {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		matched = append(matched, t)
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	total := len(matched)

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return nil, total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total
}

// FailTasksForNode implements liveness.TaskFailer: every task currently
// assigned to nodeID is pushed through the standard failure/retry path.
func (e *Engine) FailTasksForNode(nodeID string, kind string) {
	e.mu.Lock()
	var affected []string
	for id, t := range e.tasks {
		for _, n := range t.AssignedNodes {
			if n == nodeID {
				affected = append(affected, id)
				break
			}
		}
	}
	e.mu.Unlock()

	for _, id := range affected {
		e.onOutcome(id, nodeID, types.Outcome{Success: false, ErrorKind: kind, ErrorMessage: "node became unreachable"})
	}
}

func (e *Engine) publish(t events.Type, task *types.Task) {
	e.publishWithData(t, task, nil)
}

func (e *Engine) publishWithData(t events.Type, task *types.Task, data map[string]any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.Event{Type: t, TaskID: task.TaskID, At: e.clk.Now(), Data: data})
}

func (e *Engine) publishLocked(t events.Type, task *types.Task) { e.publish(t, task) }
