// Package httpapi is the thin HTTP/JSON adapter in front of
// *orchestrator.Orchestrator: decode request, call the core, encode
// response. Client-facing task/status/config endpoints, node-facing
// register/heartbeat/result endpoints, and a websocket dashboard stream
// over the event bus all live here.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fleetmesh/orchestrator/internal/fleeterrors"
	"github.com/fleetmesh/orchestrator/internal/log"
	"github.com/fleetmesh/orchestrator/internal/orchestrator"
	"github.com/fleetmesh/orchestrator/internal/registry"
	"github.com/fleetmesh/orchestrator/internal/taskengine"
	"github.com/fleetmesh/orchestrator/internal/types"
)

// debugTaskTypes lists the task types GET /debug/routing reports on; the
// domain model doesn't tie a type to a fixed capability set, so this is
// just a representative fixed sample.
var debugTaskTypes = []string{"text", "code", "summarize", "any"}

// Server wires an *orchestrator.Orchestrator to a chi router.
type Server struct {
	orch   *orchestrator.Orchestrator
	router chi.Router
	hub    *eventHub
}

// New builds the router. Call Handler() to get an http.Handler to serve.
func New(orch *orchestrator.Orchestrator) *Server {
	s := &Server{orch: orch, hub: newEventHub()}
	s.router = s.routes()
	go s.hub.pump(orch.Bus())
	return s
}

// Handler returns the assembled http.Handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(principalExtractor)

	// Client-facing.
	r.Post("/tasks", s.handleSubmitTask)
	r.Get("/tasks/{taskID}", s.handleGetTask)
	r.Get("/tasks", s.handleListTasks)
	r.Delete("/tasks/{taskID}", s.handleCancelTask)
	r.Get("/status", s.handleGetStatus)
	r.Get("/metrics/snapshot", s.handleGetMetrics)
	r.Get("/config", s.handleGetConfig)
	r.Patch("/config", s.handleUpdateConfig)
	r.Handle("/metrics", promhttp.Handler())

	// Node-facing.
	r.Post("/nodes", s.handleRegisterNode)
	r.Post("/nodes/{nodeID}/heartbeat", s.handleHeartbeat)
	r.Put("/nodes/{nodeID}/status", s.handleSetNodeStatus)
	r.Post("/tasks/{taskID}/result", s.handleReportTaskResult)
	r.Delete("/nodes/{nodeID}", s.handleUnregisterNode)

	// Debug/dashboard.
	r.Get("/debug/routing", s.handleDebugRouting)
	r.Get("/dashboard/events", s.handleDashboardWS)

	return r
}

func requestLogger(next http.Handler) http.Handler {
	logger := log.WithComponent("httpapi")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug().Str("method", r.Method).Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).Msg("request handled")
	})
}

type principalKey struct{}

func withPrincipal(ctx context.Context, sub string) context.Context {
	return context.WithValue(ctx, principalKey{}, sub)
}

// Principal returns the JWT subject claim attached by principalExtractor,
// if the request carried one.
func Principal(ctx context.Context) (string, bool) {
	sub, ok := ctx.Value(principalKey{}).(string)
	return sub, ok
}

// principalExtractor decodes (without verifying — no signing key is
// configured; this orchestrator does not authenticate requests) the
// bearer JWT's subject claim for request logging/audit, never for an
// authorization decision.
func principalExtractor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
			parser := jwt.NewParser()
			claims := jwt.MapClaims{}
			if _, _, err := parser.ParseUnverified(auth[len(prefix):], claims); err == nil {
				if sub, ok := claims["sub"].(string); ok {
					r = r.WithContext(withPrincipal(r.Context(), sub))
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var fe *fleeterrors.Error
	if errors.As(err, &fe) {
		switch fe.Kind {
		case fleeterrors.KindInvalidInput:
			status = http.StatusBadRequest
		case fleeterrors.KindNotFound:
			status = http.StatusNotFound
		case fleeterrors.KindConflict:
			status = http.StatusConflict
		case fleeterrors.KindInvalidTransition:
			status = http.StatusConflict
		case fleeterrors.KindOverloaded:
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// --- Client-facing handlers ---

type taskRequest struct {
	TaskID         string           `json:"task_id"`
	TaskType       string           `json:"task_type"`
	Priority       int              `json:"priority"`
	Requirements   requirementsDTO  `json:"requirements"`
	InputData      any              `json:"input_data"`
	TimeoutSeconds int              `json:"timeout_seconds"`
	MaxRetries     int              `json:"max_retries"`
	CallbackURL    string           `json:"callback_url"`
}

type requirementsDTO struct {
	RequiredCapabilities []string `json:"required_capabilities"`
	MinCPUPctFree        float64  `json:"min_cpu_pct_free"`
	MinMemoryMB          int64    `json:"min_memory_mb"`
	PreferredNodes       []string `json:"preferred_nodes"`
	Redundancy           int      `json:"redundancy"`
	StrictPreferred      bool     `json:"strict_preferred"`
}

func (d requirementsDTO) toRequirements() types.Requirements {
	caps := make(map[string]struct{}, len(d.RequiredCapabilities))
	for _, c := range d.RequiredCapabilities {
		caps[c] = struct{}{}
	}
	return types.Requirements{
		RequiredCapabilities: caps,
		MinCPUPctFree:        d.MinCPUPctFree,
		MinMemoryMB:          d.MinMemoryMB,
		PreferredNodes:       d.PreferredNodes,
		Redundancy:           d.Redundancy,
		StrictPreferred:      d.StrictPreferred,
	}
}

func taskToView(t *types.Task) map[string]any {
	return map[string]any{
		"task_id":         t.TaskID,
		"task_type":       t.TaskType,
		"priority":        int(t.Priority),
		"state":           t.State,
		"assigned_nodes":  t.AssignedNodes,
		"retry_count":     t.RetryCount,
		"max_retries":     t.MaxRetries,
		"created_at":      t.CreatedAt,
		"dispatched_at":   t.DispatchedAt,
		"completed_at":    t.CompletedAt,
		"deadline_at":     t.DeadlineAt,
		"result":          t.Result,
		"error_message":   t.ErrorMessage,
	}
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fleeterrors.New("httpapi.SubmitTask", fleeterrors.KindInvalidInput, err))
		return
	}
	t := &types.Task{
		TaskID:         req.TaskID,
		TaskType:       req.TaskType,
		Priority:       types.Priority(req.Priority),
		Requirements:   req.Requirements.toRequirements(),
		InputData:      req.InputData,
		TimeoutSeconds: req.TimeoutSeconds,
		MaxRetries:     req.MaxRetries,
		CallbackURL:    req.CallbackURL,
	}
	id, err := s.orch.SubmitTask(t)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	t, err := s.orch.GetTask(taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskToView(t))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := taskengine.ListFilter{
		State:    types.TaskState(q.Get("state")),
		NodeID:   q.Get("node_id"),
		Offset:   atoiDefault(q.Get("offset"), 0),
		Limit:    atoiDefault(q.Get("limit"), 0),
	}
	if p := q.Get("priority"); p != "" {
		filter.Priority = types.Priority(atoiDefault(p, 0))
	}
	tasks, total := s.orch.ListTasks(filter)
	views := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, taskToView(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": views, "total": total})
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if err := s.orch.CancelTask(taskID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	status := s.orch.GetStatus()
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleGetMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.GetMetrics())
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.GetConfig())
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, fleeterrors.New("httpapi.UpdateConfig", fleeterrors.KindInvalidInput, err))
		return
	}
	updated, err := s.orch.UpdateConfig(patch)
	if err != nil {
		writeError(w, fleeterrors.New("httpapi.UpdateConfig", fleeterrors.KindInvalidInput, err))
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// --- Node-facing handlers ---

type registerRequest struct {
	NodeID       string            `json:"node_id"`
	Endpoint     string            `json:"endpoint"`
	NodeType     string            `json:"node_type"`
	Capabilities []string          `json:"capabilities"`
	Version      string            `json:"version"`
	Location     string            `json:"location"`
	Metadata     map[string]string `json:"metadata"`
	Agents       []types.Agent     `json:"agents"`
}

func (s *Server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fleeterrors.New("httpapi.RegisterNode", fleeterrors.KindInvalidInput, err))
		return
	}
	err := s.orch.RegisterNode(registry.NodeDescriptor{
		NodeID: req.NodeID, Endpoint: req.Endpoint, NodeType: req.NodeType,
		Capabilities: req.Capabilities, Version: req.Version, Location: req.Location,
		Metadata: req.Metadata, Agents: req.Agents,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "registered"})
}

type heartbeatRequest struct {
	CPUPctFree   float64 `json:"cpu_pct_free"`
	MemoryFreeMB int64   `json:"memory_free_mb"`
	GPUPctFree   float64 `json:"gpu_pct_free"`
	LoadScore    float64 `json:"load_score"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fleeterrors.New("httpapi.Heartbeat", fleeterrors.KindInvalidInput, err))
		return
	}
	err := s.orch.Heartbeat(nodeID, types.ResourceSample{
		CPUPctFree: req.CPUPctFree, MemoryFreeMB: req.MemoryFreeMB,
		GPUPctFree: req.GPUPctFree, LoadScore: req.LoadScore,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSetNodeStatus(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")
	var req struct {
		Status types.NodeStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fleeterrors.New("httpapi.SetNodeStatus", fleeterrors.KindInvalidInput, err))
		return
	}
	if err := s.orch.SetNodeStatus(nodeID, req.Status); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReportTaskResult(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	var req struct {
		NodeID       string `json:"node_id"`
		Success      bool   `json:"success"`
		Result       any    `json:"result"`
		ErrorKind    string `json:"error_kind"`
		ErrorMessage string `json:"error_message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fleeterrors.New("httpapi.ReportTaskResult", fleeterrors.KindInvalidInput, err))
		return
	}
	outcome := types.Outcome{
		Success: req.Success, Result: req.Result,
		ErrorKind: req.ErrorKind, ErrorMessage: req.ErrorMessage,
	}
	if err := s.orch.ReportTaskResult(taskID, req.NodeID, outcome); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUnregisterNode(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")
	if err := s.orch.UnregisterNode(nodeID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unregistered"})
}

// --- Debug ---

func (s *Server) handleDebugRouting(w http.ResponseWriter, r *http.Request) {
	routing := s.orch.DebugRouting(debugTaskTypes)
	writeJSON(w, http.StatusOK, map[string]any{
		"routing": routing,
		"status":  s.orch.GetStatus(),
	})
}

func (s *Server) handleDashboardWS(w http.ResponseWriter, r *http.Request) {
	s.hub.serveWS(w, r)
}
