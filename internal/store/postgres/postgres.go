// Package postgres is the durable Store backend, built on sqlx and
// lib/pq, with schema changes applied through golang-migrate rather than
// hand-rolled DDL in Go.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	fleetstore "github.com/fleetmesh/orchestrator/internal/store"
	"github.com/fleetmesh/orchestrator/internal/types"
)

// Store persists orchestrator state to Postgres.
type Store struct {
	db *sqlx.DB
}

// Open connects to dsn and runs pending migrations from migrationsPath
// (a `file://` source directory, typically this package's migrations/).
func Open(dsn, migrationsPath string) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	if migrationsPath != "" {
		if err := runMigrations(db.DB, migrationsPath); err != nil {
			db.Close()
			return nil, err
		}
	}

	return &Store{db: db}, nil
}

func runMigrations(db *sql.DB, migrationsPath string) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

func (s *Store) SaveNode(ctx context.Context, n fleetstore.NodeRecord) error {
	caps, err := json.Marshal(n.Capabilities)
	if err != nil {
		return err
	}
	meta, err := json.Marshal(n.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO nodes (node_id, endpoint, node_type, capabilities, version, location, metadata, registered_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (node_id) DO UPDATE SET
			endpoint = EXCLUDED.endpoint,
			node_type = EXCLUDED.node_type,
			capabilities = EXCLUDED.capabilities,
			version = EXCLUDED.version,
			location = EXCLUDED.location,
			metadata = EXCLUDED.metadata`,
		n.NodeID, n.Endpoint, n.NodeType, caps, n.Version, n.Location, meta, n.RegisteredAt)
	return err
}

func (s *Store) DeleteNode(ctx context.Context, nodeID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM nodes WHERE node_id = $1`, nodeID)
	return err
}

func (s *Store) SaveTerminalTask(ctx context.Context, t fleetstore.TerminalTaskRecord) error {
	assigned, err := json.Marshal(t.AssignedNodes)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO terminal_tasks (task_id, task_type, state, assigned_nodes, retry_count, error_message, created_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (task_id) DO UPDATE SET
			state = EXCLUDED.state,
			assigned_nodes = EXCLUDED.assigned_nodes,
			retry_count = EXCLUDED.retry_count,
			error_message = EXCLUDED.error_message,
			completed_at = EXCLUDED.completed_at`,
		t.TaskID, t.TaskType, string(t.State), assigned, t.RetryCount, t.ErrorMessage, t.CreatedAt, t.CompletedAt)
	return err
}

func (s *Store) SaveInFlightTask(ctx context.Context, t fleetstore.InFlightTaskRecord) error {
	req, err := json.Marshal(requirementsDTO{
		RequiredCapabilities: keys(t.Requirements.RequiredCapabilities),
		MinCPUPctFree:        t.Requirements.MinCPUPctFree,
		MinMemoryMB:          t.Requirements.MinMemoryMB,
		Redundancy:           t.Requirements.Redundancy,
	})
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO in_flight_tasks (task_id, task_type, priority, requirements, retry_count, max_retries, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (task_id) DO UPDATE SET
			retry_count = EXCLUDED.retry_count`,
		t.TaskID, t.TaskType, int(t.Priority), req, t.RetryCount, t.MaxRetries, t.CreatedAt)
	return err
}

func (s *Store) ClearInFlightTask(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM in_flight_tasks WHERE task_id = $1`, taskID)
	return err
}

func (s *Store) SaveConfig(ctx context.Context, c fleetstore.ConfigRecord) error {
	patch, err := json.Marshal(c.Patch)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO config_revisions (applied_at, patch) VALUES ($1,$2)`, c.AppliedAt, patch)
	return err
}

func (s *Store) LoadAll(ctx context.Context) (fleetstore.Snapshot, error) {
	var snap fleetstore.Snapshot

	type nodeRow struct {
		NodeID       string `db:"node_id"`
		Endpoint     string `db:"endpoint"`
		NodeType     string `db:"node_type"`
		Capabilities []byte `db:"capabilities"`
		Version      string `db:"version"`
		Location     string `db:"location"`
		Metadata     []byte `db:"metadata"`
		RegisteredAt sql.NullTime `db:"registered_at"`
	}
	var nodeRows []nodeRow
	if err := s.db.SelectContext(ctx, &nodeRows, `SELECT node_id, endpoint, node_type, capabilities, version, location, metadata, registered_at FROM nodes`); err != nil {
		return snap, fmt.Errorf("loading nodes: %w", err)
	}
	for _, r := range nodeRows {
		var caps []string
		var meta map[string]string
		_ = json.Unmarshal(r.Capabilities, &caps)
		_ = json.Unmarshal(r.Metadata, &meta)
		snap.Nodes = append(snap.Nodes, fleetstore.NodeRecord{
			NodeID: r.NodeID, Endpoint: r.Endpoint, NodeType: r.NodeType,
			Capabilities: caps, Version: r.Version, Location: r.Location,
			Metadata: meta, RegisteredAt: r.RegisteredAt.Time,
		})
	}

	type inFlightRow struct {
		TaskID       string       `db:"task_id"`
		TaskType     string       `db:"task_type"`
		Priority     int          `db:"priority"`
		Requirements []byte       `db:"requirements"`
		RetryCount   int          `db:"retry_count"`
		MaxRetries   int          `db:"max_retries"`
		CreatedAt    sql.NullTime `db:"created_at"`
	}
	var inFlightRows []inFlightRow
	if err := s.db.SelectContext(ctx, &inFlightRows, `SELECT task_id, task_type, priority, requirements, retry_count, max_retries, created_at FROM in_flight_tasks`); err != nil {
		return snap, fmt.Errorf("loading in-flight tasks: %w", err)
	}
	for _, r := range inFlightRows {
		var dto requirementsDTO
		_ = json.Unmarshal(r.Requirements, &dto)
		req := types.Requirements{
			RequiredCapabilities: make(map[string]struct{}, len(dto.RequiredCapabilities)),
			MinCPUPctFree:        dto.MinCPUPctFree,
			MinMemoryMB:          dto.MinMemoryMB,
			Redundancy:           dto.Redundancy,
		}
		for _, c := range dto.RequiredCapabilities {
			req.RequiredCapabilities[c] = struct{}{}
		}
		snap.InFlightTasks = append(snap.InFlightTasks, fleetstore.InFlightTaskRecord{
			TaskID: r.TaskID, TaskType: r.TaskType, Priority: types.Priority(r.Priority),
			Requirements: req, RetryCount: r.RetryCount,
			MaxRetries: r.MaxRetries, CreatedAt: r.CreatedAt.Time,
		})
	}

	return snap, nil
}

func (s *Store) Close() error { return s.db.Close() }

// requirementsDTO is the JSON shape task requirements are persisted as;
// excluded_nodes and preferred_nodes are omitted deliberately since a
// recovered task is re-placed from scratch.
type requirementsDTO struct {
	RequiredCapabilities []string `json:"required_capabilities"`
	MinCPUPctFree        float64  `json:"min_cpu_pct_free"`
	MinMemoryMB          int64    `json:"min_memory_mb"`
	Redundancy           int      `json:"redundancy"`
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
