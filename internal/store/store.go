// Package store defines the pluggable persistence backend: node
// registrations, submitted in-flight tasks, and configuration changes are
// written through a Store so a crash can rebuild in-memory state. The
// orchestrator does not call SaveTerminalTask, so terminal task records
// are not persisted.
package store

import (
	"context"
	"time"

	"github.com/fleetmesh/orchestrator/internal/types"
)

// NodeRecord is the durable shape of a registered node.
type NodeRecord struct {
	NodeID       string
	Endpoint     string
	NodeType     string
	Capabilities []string
	Version      string
	Location     string
	Metadata     map[string]string
	RegisteredAt time.Time
}

// TerminalTaskRecord is the durable shape of a finished task.
type TerminalTaskRecord struct {
	TaskID        string
	TaskType      string
	State         types.TaskState
	AssignedNodes []string
	RetryCount    int
	ErrorMessage  string
	CreatedAt     time.Time
	CompletedAt   time.Time
}

// InFlightTaskRecord is enough to re-surface an unconfirmed task as
// pending on recovery, with retry_count preserved.
type InFlightTaskRecord struct {
	TaskID       string
	TaskType     string
	Priority     types.Priority
	Requirements types.Requirements
	RetryCount   int
	MaxRetries   int
	CreatedAt    time.Time
}

// ConfigRecord captures a config revision for audit/recovery.
type ConfigRecord struct {
	AppliedAt time.Time
	Patch     map[string]any
}

// Snapshot is everything RecoverFromStore needs to rebuild state.
type Snapshot struct {
	Nodes         []NodeRecord
	InFlightTasks []InFlightTaskRecord
}

// Store is the pluggable persistence interface. Writers must not block the
// Task Engine's hot path; implementations should treat writes as
// best-effort and log rather than fail the in-memory operation they
// shadow.
type Store interface {
	SaveNode(ctx context.Context, n NodeRecord) error
	DeleteNode(ctx context.Context, nodeID string) error
	SaveTerminalTask(ctx context.Context, t TerminalTaskRecord) error
	SaveInFlightTask(ctx context.Context, t InFlightTaskRecord) error
	ClearInFlightTask(ctx context.Context, taskID string) error
	SaveConfig(ctx context.Context, c ConfigRecord) error
	LoadAll(ctx context.Context) (Snapshot, error)
	Close() error
}
