package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "network:\n  load_balance_algorithm: least_connections\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Network.LoadBalanceAlgorithm != "least_connections" {
		t.Fatalf("expected overlay to apply, got %q", cfg.Network.LoadBalanceAlgorithm)
	}
	if cfg.Orchestrator.HeartbeatIntervalSeconds != 10 {
		t.Fatalf("expected default heartbeat interval preserved, got %d", cfg.Orchestrator.HeartbeatIntervalSeconds)
	}
}

func TestLoadRejectsUnknownAlgorithm(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "network:\n  load_balance_algorithm: made_up\n")

	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for unknown algorithm")
	}
}

func TestApplyPatchRejectsImmutableField(t *testing.T) {
	cfg := Default()
	_, err := ApplyPatch(cfg, map[string]any{"orchestrator.heartbeat_interval_seconds": 5})
	if err == nil {
		t.Fatal("expected error for immutable field")
	}
}

func TestApplyPatchAcceptsMutableField(t *testing.T) {
	cfg := Default()
	updated, err := ApplyPatch(cfg, map[string]any{"placement.allow_degraded": true})
	if err != nil {
		t.Fatal(err)
	}
	if !updated.Placement.AllowDegraded {
		t.Fatal("expected allow_degraded to be updated")
	}
}

func TestApplyPatchValidatesResultingConfig(t *testing.T) {
	cfg := Default()
	_, err := ApplyPatch(cfg, map[string]any{"network.load_balance_algorithm": "bogus"})
	if err == nil {
		t.Fatal("expected validation to reject resulting config")
	}
}

func TestWatcherReloadsOnFileChange(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "placement:\n  allow_degraded: false\n")

	reloaded := make(chan Config, 1)
	w, err := NewWatcher(path, func(c Config) {
		select {
		case reloaded <- c:
		default:
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	writeConfig(t, dir, "placement:\n  allow_degraded: true\n")

	select {
	case cfg := <-reloaded:
		if !cfg.Placement.AllowDegraded {
			t.Fatal("expected reloaded config to reflect file change")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}
