// Package config loads and hot-reloads the orchestrator's typed
// configuration from YAML, watching the source file with fsnotify and
// validating a candidate config before swapping it in.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/fleetmesh/orchestrator/internal/log"
	"github.com/fleetmesh/orchestrator/internal/placement"
)

// Config mirrors the orchestrator's full set of recognized configuration keys.
type Config struct {
	Orchestrator struct {
		HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`
		TaskDefaultTimeoutSeconds int `yaml:"task_default_timeout_seconds"`
	} `yaml:"orchestrator"`

	Network struct {
		MaxNodes             int    `yaml:"max_nodes"`
		MinNodes             int    `yaml:"min_nodes"`
		LoadBalanceAlgorithm string `yaml:"load_balance_algorithm"`
	} `yaml:"network"`

	Placement struct {
		AllowDegraded   bool    `yaml:"allow_degraded"`
		StrictPreferred bool    `yaml:"strict_preferred"`
		WeightCPU       float64 `yaml:"weight_cpu"`
		WeightMem       float64 `yaml:"weight_mem"`
		WeightGPU       float64 `yaml:"weight_gpu"`
	} `yaml:"placement"`

	Task struct {
		MaxRetriesDefault     int `yaml:"max_retries_default"`
		PlacementGraceSeconds int `yaml:"placement_grace_seconds"`
		HistoryLimit          int `yaml:"history_limit"`
	} `yaml:"task"`

	Liveness struct {
		DegradedFactor float64 `yaml:"degraded_factor"`
		OfflineFactor  float64 `yaml:"offline_factor"`
	} `yaml:"liveness"`

	Registry struct {
		OfflineSweepCron        string `yaml:"offline_sweep_cron"`
		OfflineRetentionSeconds int    `yaml:"offline_retention_seconds"`
	} `yaml:"registry"`

	Queue struct {
		MaxPending        int     `yaml:"max_pending"`
		HighWaterFraction float64 `yaml:"high_water_fraction"`
	} `yaml:"queue"`

	Discovery struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"discovery"`

	HTTP struct {
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"http"`

	Store struct {
		Driver         string `yaml:"driver"` // "memory" (default) or "postgres"
		DSN            string `yaml:"dsn"`
		MigrationsPath string `yaml:"migrations_path"`
	} `yaml:"store"`
}

// MutableFields lists the field names update_config is allowed to touch:
// placement algorithm, thresholds, and max/min nodes. Everything else
// requires a restart.
var MutableFields = map[string]bool{
	"network.load_balance_algorithm": true,
	"network.max_nodes":              true,
	"network.min_nodes":              true,
	"placement.allow_degraded":       true,
	"placement.strict_preferred":     true,
	"liveness.degraded_factor":       true,
	"liveness.offline_factor":        true,
}

// Default returns a Config populated with the orchestrator's baseline defaults.
func Default() Config {
	var c Config
	c.Orchestrator.HeartbeatIntervalSeconds = 10
	c.Orchestrator.TaskDefaultTimeoutSeconds = 30
	c.Network.MaxNodes = 0 // 0 = unbounded
	c.Network.MinNodes = 0
	c.Network.LoadBalanceAlgorithm = string(placement.WeightedRoundRobin)
	c.Placement.AllowDegraded = false
	c.Placement.StrictPreferred = false
	c.Placement.WeightCPU = 0.4
	c.Placement.WeightMem = 0.3
	c.Placement.WeightGPU = 0.3
	c.Task.MaxRetriesDefault = 3
	c.Task.PlacementGraceSeconds = 60
	c.Task.HistoryLimit = 10_000
	c.Liveness.DegradedFactor = 1.5
	c.Liveness.OfflineFactor = 3.0
	c.Registry.OfflineSweepCron = "@every 1h"
	c.Registry.OfflineRetentionSeconds = 24 * 3600
	c.Queue.MaxPending = 100_000
	c.Queue.HighWaterFraction = 0.9
	c.HTTP.ListenAddr = ":8080"
	c.Store.Driver = "memory"
	return c
}

// Validate rejects a config that would put the orchestrator in an
// inconsistent state; used both at load time and before a hot-reload swap.
func (c Config) Validate() error {
	if c.Orchestrator.HeartbeatIntervalSeconds <= 0 {
		return fmt.Errorf("orchestrator.heartbeat_interval_seconds must be > 0")
	}
	if c.Queue.HighWaterFraction <= 0 || c.Queue.HighWaterFraction > 1 {
		return fmt.Errorf("queue.high_water_fraction must be in (0,1]")
	}
	switch placement.Algorithm(c.Network.LoadBalanceAlgorithm) {
	case placement.RoundRobin, placement.WeightedRoundRobin, placement.LeastConnections,
		placement.ResourceAware, placement.LatencyOptimized:
	default:
		return fmt.Errorf("network.load_balance_algorithm %q is not recognized", c.Network.LoadBalanceAlgorithm)
	}
	if c.Network.MaxNodes > 0 && c.Network.MinNodes > c.Network.MaxNodes {
		return fmt.Errorf("network.min_nodes cannot exceed network.max_nodes")
	}
	return nil
}

// Load reads and validates a YAML config file, overlaying it onto Default().
func Load(path string) (Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return c, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return c, nil
}

// Watcher hot-reloads a config file via fsnotify and hands each validated
// revision to a callback, the same path update_config uses whether the
// change was triggered by a file edit or an API patch.
type Watcher struct {
	mu      sync.RWMutex
	current Config
	path    string
	watcher *fsnotify.Watcher
	onReload func(Config)
	stop    chan struct{}
}

// NewWatcher loads path once and starts watching it for changes.
func NewWatcher(path string, onReload func(Config)) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching config %s: %w", path, err)
	}

	w := &Watcher{current: cfg, path: path, watcher: fw, onReload: onReload, stop: make(chan struct{})}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	logger := log.WithComponent("config")
	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}

	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				debounce.Reset(100 * time.Millisecond)
			}
		case <-debounce.C:
			cfg, err := Load(w.path)
			if err != nil {
				logger.Warn().Err(err).Msg("config reload rejected, keeping previous revision")
				continue
			}
			w.mu.Lock()
			w.current = cfg
			w.mu.Unlock()
			if w.onReload != nil {
				w.onReload(cfg)
			}
			logger.Info().Msg("config reloaded")
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn().Err(err).Msg("config watcher error")
		case <-w.stop:
			return
		}
	}
}

// Current returns the most recently loaded, validated configuration.
func (w *Watcher) Current() Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Close stops the watcher goroutine and releases the fsnotify handle.
func (w *Watcher) Close() error {
	close(w.stop)
	return w.watcher.Close()
}

// ApplyPatch validates that every field being changed belongs to
// MutableFields before accepting it.
func ApplyPatch(current Config, patch map[string]any) (Config, error) {
	updated := current
	for key, value := range patch {
		if !MutableFields[key] {
			return current, fmt.Errorf("field %q is not mutable via update_config", key)
		}
		switch key {
		case "network.load_balance_algorithm":
			s, ok := value.(string)
			if !ok {
				return current, fmt.Errorf("%s must be a string", key)
			}
			updated.Network.LoadBalanceAlgorithm = s
		case "network.max_nodes":
			n, ok := toInt(value)
			if !ok {
				return current, fmt.Errorf("%s must be an integer", key)
			}
			updated.Network.MaxNodes = n
		case "network.min_nodes":
			n, ok := toInt(value)
			if !ok {
				return current, fmt.Errorf("%s must be an integer", key)
			}
			updated.Network.MinNodes = n
		case "placement.allow_degraded":
			b, ok := value.(bool)
			if !ok {
				return current, fmt.Errorf("%s must be a bool", key)
			}
			updated.Placement.AllowDegraded = b
		case "placement.strict_preferred":
			b, ok := value.(bool)
			if !ok {
				return current, fmt.Errorf("%s must be a bool", key)
			}
			updated.Placement.StrictPreferred = b
		case "liveness.degraded_factor":
			f, ok := toFloat(value)
			if !ok {
				return current, fmt.Errorf("%s must be a number", key)
			}
			updated.Liveness.DegradedFactor = f
		case "liveness.offline_factor":
			f, ok := toFloat(value)
			if !ok {
				return current, fmt.Errorf("%s must be a number", key)
			}
			updated.Liveness.OfflineFactor = f
		}
	}
	if err := updated.Validate(); err != nil {
		return current, err
	}
	return updated, nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
