package config

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	want := Config{
		DataDir:           "./data",
		Nodes:             2,
		PartitionsPerNode: 4,
		VirtualPoints:     16,
		GrowthThreshold:   64,
		AutoResize:        true,
		ResizeInterval:    time.Minute,
		HotWindow:         time.Minute,
		HotThreshold:      1,
		IdleEviction:      15 * time.Minute,
		LogLevel:          "info",
	}

	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("GEODE_DATA_DIR", "/var/lib/geode")
	t.Setenv("GEODE_NODES", "8")
	t.Setenv("GEODE_AUTO_RESIZE", "false")
	t.Setenv("GEODE_IDLE_EVICTION", "30m")

	cfg, err := FromEnv()

	if err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}

	if cfg.DataDir != "/var/lib/geode" {
		t.Fatalf("expected /var/lib/geode, got %q", cfg.DataDir)
	}

	if cfg.Nodes != 8 {
		t.Fatalf("expected 8 nodes, got %d", cfg.Nodes)
	}

	if cfg.AutoResize {
		t.Fatalf("expected auto resize to be disabled")
	}

	if cfg.IdleEviction != 30*time.Minute {
		t.Fatalf("expected 30m idle eviction, got %s", cfg.IdleEviction)
	}

	// unset variables keep their defaults
	if cfg.PartitionsPerNode != 4 {
		t.Fatalf("expected 4 partitions per node, got %d", cfg.PartitionsPerNode)
	}
}

func TestFromEnvInvalid(t *testing.T) {
	t.Setenv("GEODE_NODES", "not-a-number")

	if _, err := FromEnv(); err == nil {
		t.Fatalf("expected err to not be nil")
	}
}
