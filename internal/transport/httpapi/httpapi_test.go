package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetmesh/orchestrator/internal/clock"
	"github.com/fleetmesh/orchestrator/internal/config"
	"github.com/fleetmesh/orchestrator/internal/fakenode"
	"github.com/fleetmesh/orchestrator/internal/orchestrator"
	"github.com/fleetmesh/orchestrator/internal/store"
)

func newTestServer(t *testing.T) (*Server, *orchestrator.Orchestrator, *fakenode.Transport) {
	t.Helper()
	fc := clock.NewFake(time.Unix(0, 0))
	transport := fakenode.NewTransport()
	orch := orchestrator.New(config.Default(), fc, transport, store.NewInMemory(), nil)
	t.Cleanup(orch.Stop)
	return New(orch), orch, transport
}

func TestHandleSubmitAndGetTask(t *testing.T) {
	srv, orch, transport := newTestServer(t)

	n := fakenode.NewNode(orch, "n1", "n1.local:9001", fakenode.AlwaysSucceed("ok", 0))
	require.NoError(t, n.Register("worker", nil))
	transport.Add(n)
	require.NoError(t, n.Heartbeat())

	body, _ := json.Marshal(map[string]any{
		"task_id":      "t1",
		"task_type":    "text",
		"priority":     3,
		"requirements": map[string]any{"redundancy": 1},
	})
	req := httptest.NewRequest(http.MethodPost, "/tasks", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code)

	getReq := httptest.NewRequest(http.MethodGet, "/tasks/t1", nil)
	getW := httptest.NewRecorder()
	srv.Handler().ServeHTTP(getW, getReq)
	require.Equal(t, http.StatusOK, getW.Code)

	var view map[string]any
	require.NoError(t, json.Unmarshal(getW.Body.Bytes(), &view))
	require.Equal(t, "t1", view["task_id"])
}

func TestHandleGetTaskNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/tasks/missing", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleRegisterAndHeartbeatNode(t *testing.T) {
	srv, _, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]any{
		"node_id":  "n2",
		"endpoint": "n2.local:9001",
		"node_type": "worker",
	})
	req := httptest.NewRequest(http.MethodPost, "/nodes", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	hbBody, _ := json.Marshal(map[string]any{"cpu_pct_free": 0.5, "memory_free_mb": 1024})
	hbReq := httptest.NewRequest(http.MethodPost, "/nodes/n2/heartbeat", bytes.NewReader(hbBody))
	hbW := httptest.NewRecorder()
	srv.Handler().ServeHTTP(hbW, hbReq)
	require.Equal(t, http.StatusOK, hbW.Code)
}

func TestHandleGetStatusAndMetrics(t *testing.T) {
	srv, _, _ := newTestServer(t)

	statusReq := httptest.NewRequest(http.MethodGet, "/status", nil)
	statusW := httptest.NewRecorder()
	srv.Handler().ServeHTTP(statusW, statusReq)
	require.Equal(t, http.StatusOK, statusW.Code)

	metricsReq := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	metricsW := httptest.NewRecorder()
	srv.Handler().ServeHTTP(metricsW, metricsReq)
	require.Equal(t, http.StatusOK, metricsW.Code)
}

func TestHandleUpdateConfigRejectsImmutableField(t *testing.T) {
	srv, _, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]any{"orchestrator.heartbeat_interval_seconds": 5})
	req := httptest.NewRequest(http.MethodPatch, "/config", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPrincipalExtractorIgnoresMissingToken(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}
