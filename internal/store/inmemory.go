package store

import (
	"context"
	"sync"
)

// InMemory is the default Store: it keeps node and in-flight task records
// in process memory (terminal-task and config writes are no-ops) and
// serves them from LoadAll, so RecoverFromStore has a consistent code path
// whether or not a real backend is configured.
type InMemory struct {
	mu            sync.Mutex
	nodes         map[string]NodeRecord
	inFlightTasks map[string]InFlightTaskRecord
}

// NewInMemory constructs an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{nodes: make(map[string]NodeRecord), inFlightTasks: make(map[string]InFlightTaskRecord)}
}

func (s *InMemory) SaveNode(ctx context.Context, n NodeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[n.NodeID] = n
	return nil
}

func (s *InMemory) DeleteNode(ctx context.Context, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes, nodeID)
	return nil
}

func (s *InMemory) SaveTerminalTask(ctx context.Context, t TerminalTaskRecord) error { return nil }

func (s *InMemory) SaveInFlightTask(ctx context.Context, t InFlightTaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlightTasks[t.TaskID] = t
	return nil
}

func (s *InMemory) ClearInFlightTask(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlightTasks, taskID)
	return nil
}

func (s *InMemory) SaveConfig(ctx context.Context, c ConfigRecord) error { return nil }

func (s *InMemory) LoadAll(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{}
	for _, n := range s.nodes {
		snap.Nodes = append(snap.Nodes, n)
	}
	for _, t := range s.inFlightTasks {
		snap.InFlightTasks = append(snap.InFlightTasks, t)
	}
	return snap, nil
}

func (s *InMemory) Close() error { return nil }
