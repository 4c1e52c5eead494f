// Package placement implements the candidate-selection engine:
// hard-constraint filtering followed by one of five pluggable scoring
// algorithms.
package placement

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/fleetmesh/orchestrator/internal/types"
)

// Algorithm names the configurable scoring strategy.
type Algorithm string

const (
	RoundRobin         Algorithm = "round_robin"
	WeightedRoundRobin Algorithm = "weighted_round_robin" // default
	LeastConnections   Algorithm = "least_connections"
	ResourceAware      Algorithm = "resource_aware"
	LatencyOptimized   Algorithm = "latency_optimized"
)

// ResourceWeights configures the resource_aware algorithm's linear blend.
type ResourceWeights struct {
	CPU float64
	Mem float64
	GPU float64
}

// DefaultResourceWeights returns the stock resource_aware weighting.
func DefaultResourceWeights() ResourceWeights {
	return ResourceWeights{CPU: 0.4, Mem: 0.3, GPU: 0.3}
}

// Config controls filtering and scoring behavior; fields map directly to
// the orchestrator's configuration keys.
type Config struct {
	Algorithm       Algorithm
	AllowDegraded   bool
	StrictPreferred bool
	Weights         ResourceWeights
}

// DefaultConfig returns the engine's stock configuration.
func DefaultConfig() Config {
	return Config{Algorithm: WeightedRoundRobin, AllowDegraded: false, StrictPreferred: false, Weights: DefaultResourceWeights()}
}

// RTTSource supplies per-node EWMA round-trip times for latency_optimized
// scoring; the Dispatcher implements this.
type RTTSource interface {
	EWMARTT(nodeID string) (ms float64, known bool)
}

// Engine is the stateless scoring/filtering logic plus the small amount of
// state round_robin needs (a rotating counter) to stay deterministic.
type Engine struct {
	cfg      Config
	counter  uint64
	rttMu    sync.Mutex
	rtt      RTTSource
}

// New constructs a placement Engine.
func New(cfg Config, rtt RTTSource) *Engine {
	return &Engine{cfg: cfg, rtt: rtt}
}

// SetConfig swaps the live configuration, used by update_config.
func (e *Engine) SetConfig(cfg Config) {
	e.rttMu.Lock()
	defer e.rttMu.Unlock()
	e.cfg = cfg
}

func (e *Engine) config() Config {
	e.rttMu.Lock()
	defer e.rttMu.Unlock()
	return e.cfg
}

// Select filters snapshot down to nodes eligible for requirements, scores
// them under the configured algorithm, and returns up to k in descending
// score order. k=0 is treated as k=1.
func (e *Engine) Select(snapshot []*types.Node, req types.Requirements, k int) []*types.Node {
	if k <= 0 {
		k = 1
	}
	cfg := e.config()

	filtered := e.filter(snapshot, req, cfg)
	if len(req.PreferredNodes) > 0 {
		preferredSet := make(map[string]struct{}, len(req.PreferredNodes))
		for _, id := range req.PreferredNodes {
			preferredSet[id] = struct{}{}
		}
		var preferred []*types.Node
		for _, n := range filtered {
			if _, ok := preferredSet[n.NodeID]; ok {
				preferred = append(preferred, n)
			}
		}
		if len(preferred) >= k || cfg.StrictPreferred {
			filtered = preferred
		}
		// else: fewer than k preferred candidates and strict_preferred=false
		// -> fall through to the full filtered set.
	}

	type scored struct {
		node  *types.Node
		score float64
	}
	candidates := make([]scored, len(filtered))
	rotation := atomic.AddUint64(&e.counter, 1)
	for i, n := range filtered {
		candidates[i] = scored{node: n, score: e.score(cfg, n, i, len(filtered), rotation)}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].node.NodeID < candidates[j].node.NodeID
	})

	if len(candidates) > k {
		candidates = candidates[:k]
	}
	out := make([]*types.Node, len(candidates))
	for i, c := range candidates {
		out[i] = c.node
	}
	return out
}

func (e *Engine) filter(snapshot []*types.Node, req types.Requirements, cfg Config) []*types.Node {
	out := make([]*types.Node, 0, len(snapshot))
	for _, n := range snapshot {
		if !statusEligible(n.Status, cfg.AllowDegraded) {
			continue
		}
		if !n.HasCapabilities(req.RequiredCapabilities) {
			continue
		}
		if n.ResourceSample.CPUPctFree < req.MinCPUPctFree {
			continue
		}
		if int64(n.ResourceSample.MemoryFreeMB) < req.MinMemoryMB {
			continue
		}
		if req.ExcludedNodes != nil {
			if _, excluded := req.ExcludedNodes[n.NodeID]; excluded {
				continue
			}
		}
		out = append(out, n)
	}
	return out
}

func statusEligible(status types.NodeStatus, allowDegraded bool) bool {
	if status == types.NodeStatusActive {
		return true
	}
	return allowDegraded && status == types.NodeStatusDegraded
}

func (e *Engine) score(cfg Config, n *types.Node, index, total int, rotation uint64) float64 {
	switch cfg.Algorithm {
	case RoundRobin:
		if total == 0 {
			return 0
		}
		slot := int(rotation) % total
		// Negative distance from the rotating slot: the node at the
		// current slot scores highest, deterministic given `total`.
		dist := index - slot
		if dist < 0 {
			dist += total
		}
		return -float64(dist)

	case LeastConnections:
		return -float64(n.ActiveTasks)

	case ResourceAware:
		w := cfg.Weights
		cpuFrac := n.ResourceSample.CPUPctFree / 100.0
		gpuFrac := n.ResourceSample.GPUPctFree / 100.0
		memFrac := 1.0
		if n.ResourceSample.MemoryFreeMB > 0 {
			// Without an absolute capacity figure in the snapshot, the
			// load_score composite (already normalized to [0,1]) stands
			// in for the memory-free fraction term.
			memFrac = 1 - n.ResourceSample.LoadScore
		}
		return w.CPU*cpuFrac + w.Mem*memFrac + w.GPU*gpuFrac

	case LatencyOptimized:
		if e.rtt == nil {
			return 0
		}
		ms, known := e.rtt.EWMARTT(n.NodeID)
		if !known {
			return 0
		}
		return -ms

	default: // WeightedRoundRobin
		return n.ReliabilityScore*(1-n.ResourceSample.LoadScore) + float64(rotation%1000)*1e-9
	}
}
