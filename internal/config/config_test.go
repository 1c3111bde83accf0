package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.Tunables.OptimizeTimeBudget != 2*time.Second {
		t.Fatalf("OptimizeTimeBudget = %v", cfg.Tunables.OptimizeTimeBudget)
	}
	if cfg.Tunables.DelayThresholds.MinorMin != 5 {
		t.Fatalf("thresholds = %+v", cfg.Tunables.DelayThresholds)
	}
}

func TestLoadYAMLFileWithEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tunables.yaml")
	data := []byte("proximityRadiusM: 200\ndelayThresholds:\n  minorMin: 3\n  majorMin: 10\n  criticalMin: 20\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("DELAY_CRITICAL_MIN", "25")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Tunables.ProximityRadiusM != 200 {
		t.Fatalf("ProximityRadiusM = %v", cfg.Tunables.ProximityRadiusM)
	}
	th := cfg.Tunables.DelayThresholds
	if th.MinorMin != 3 || th.MajorMin != 10 || th.CriticalMin != 25 {
		t.Fatalf("thresholds = %+v", th)
	}
}

func TestLoadRejectsNonMonotonicThresholds(t *testing.T) {
	t.Setenv("DELAY_MINOR_MIN", "20")
	t.Setenv("DELAY_MAJOR_MIN", "10")
	if _, err := Load(); err == nil {
		t.Fatal("want error for non-monotonic thresholds")
	}
}
