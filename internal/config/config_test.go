package config

import (
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.SyncInterval != 30*time.Second {
		t.Fatalf("sync interval = %v", cfg.SyncInterval)
	}
	if cfg.MaxBackoff < cfg.BackoffBase {
		t.Fatal("max backoff below base")
	}
	if cfg.StoreCapacity <= 0 || cfg.SeenFilterBytes <= 0 {
		t.Fatal("capacities must be positive")
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("MESHLINK_SYNC_INTERVAL_SEC", "7")
	t.Setenv("MESHLINK_MAX_ATTEMPTS", "3")
	t.Setenv("MESHLINK_STORE_CAPACITY", "fifty") // ignored, not a number
	t.Setenv("MESHLINK_CONNECT_TICK_MS", "-5")   // ignored, not positive

	cfg := FromEnv()
	if cfg.SyncInterval != 7*time.Second {
		t.Fatalf("sync interval = %v, want 7s", cfg.SyncInterval)
	}
	if cfg.MaxAttempts != 3 {
		t.Fatalf("max attempts = %d, want 3", cfg.MaxAttempts)
	}
	if cfg.StoreCapacity != Default().StoreCapacity {
		t.Fatalf("bad value must leave the default, got %d", cfg.StoreCapacity)
	}
	if cfg.ConnectTick != Default().ConnectTick {
		t.Fatalf("negative value must leave the default, got %v", cfg.ConnectTick)
	}
}
