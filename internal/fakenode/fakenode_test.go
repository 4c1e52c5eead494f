package fakenode

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetmesh/orchestrator/internal/registry"
	"github.com/fleetmesh/orchestrator/internal/types"
)

type stubOrchestrator struct {
	registered []registry.NodeDescriptor
	heartbeats []types.ResourceSample
	results    []types.Outcome
}

func (s *stubOrchestrator) RegisterNode(desc registry.NodeDescriptor) error {
	s.registered = append(s.registered, desc)
	return nil
}

func (s *stubOrchestrator) Heartbeat(nodeID string, sample types.ResourceSample) error {
	s.heartbeats = append(s.heartbeats, sample)
	return nil
}

func (s *stubOrchestrator) ReportTaskResult(taskID, nodeID string, outcome types.Outcome) error {
	s.results = append(s.results, outcome)
	return nil
}

func TestNode_RegisterAndHeartbeat(t *testing.T) {
	stub := &stubOrchestrator{}
	n := NewNode(stub, "n1", "n1.local:9001", AlwaysSucceed("ok", 0))

	require.NoError(t, n.Register("worker", []string{"text"}))
	require.Len(t, stub.registered, 1)
	require.Equal(t, "n1", stub.registered[0].NodeID)

	require.NoError(t, n.Heartbeat())
	require.Len(t, stub.heartbeats, 1)
}

func TestTransport_DispatchReportsOutcome(t *testing.T) {
	stub := &stubOrchestrator{}
	n := NewNode(stub, "n1", "n1.local:9001", AlwaysSucceed("done", time.Millisecond))
	transport := NewTransport()
	transport.Add(n)

	task := &types.Task{TaskID: "t1"}
	require.NoError(t, transport.DispatchTask(context.Background(), n.Endpoint, task))

	require.Eventually(t, func() bool {
		return len(stub.results) == 1
	}, time.Second, time.Millisecond)
	require.True(t, stub.results[0].Success)
}

func TestTransport_UnknownEndpoint(t *testing.T) {
	transport := NewTransport()
	err := transport.DispatchTask(context.Background(), "missing:0", &types.Task{TaskID: "t1"})
	require.Error(t, err)
}

func TestTransport_NeverBehaviorRespectsCancellation(t *testing.T) {
	stub := &stubOrchestrator{}
	n := NewNode(stub, "n1", "n1.local:9001", Never())
	transport := NewTransport()
	transport.Add(n)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, transport.DispatchTask(ctx, n.Endpoint, &types.Task{TaskID: "t1"}))
	cancel()

	// No result should ever be reported for a node that went silent.
	time.Sleep(10 * time.Millisecond)
	require.Empty(t, stub.results)
}
