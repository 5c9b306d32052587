// internal/config/config.go
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultSyncIntervalSec   = 30
	defaultSyncInitialDelay  = 5 * time.Second
	defaultKeepAliveInterval = 15 * time.Second
	defaultBackoffBase       = 2 * time.Second
	defaultMaxBackoffSec     = 300
	defaultMaxAttempts       = 8
	defaultStoreCapacity     = 256
	defaultSeenFilterBytes   = 2048
	defaultSeenFilterFpr     = 0.01
	defaultConnectTick       = 5 * time.Second
)

// Config carries every tunable of the mesh core. Constructed once at
// startup and passed by handle into each component; no process-wide state.
type Config struct {
	SyncInterval      time.Duration
	SyncInitialDelay  time.Duration
	KeepAliveInterval time.Duration

	BackoffBase time.Duration
	MaxBackoff  time.Duration
	MaxAttempts int
	ConnectTick time.Duration

	StoreCapacity   int
	SeenFilterBytes int
	SeenFilterFpr   float64
}

func Default() Config {
	return Config{
		SyncInterval:      time.Duration(defaultSyncIntervalSec) * time.Second,
		SyncInitialDelay:  defaultSyncInitialDelay,
		KeepAliveInterval: defaultKeepAliveInterval,
		BackoffBase:       defaultBackoffBase,
		MaxBackoff:        time.Duration(defaultMaxBackoffSec) * time.Second,
		MaxAttempts:       defaultMaxAttempts,
		ConnectTick:       defaultConnectTick,
		StoreCapacity:     defaultStoreCapacity,
		SeenFilterBytes:   defaultSeenFilterBytes,
		SeenFilterFpr:     defaultSeenFilterFpr,
	}
}

// FromEnv applies MESHLINK_* overrides on top of the defaults.
func FromEnv() Config {
	cfg := Default()
	if v, ok := envInt("MESHLINK_SYNC_INTERVAL_SEC"); ok && v > 0 {
		cfg.SyncInterval = time.Duration(v) * time.Second
	}
	if v, ok := envInt("MESHLINK_SYNC_INITIAL_DELAY_MS"); ok && v > 0 {
		cfg.SyncInitialDelay = time.Duration(v) * time.Millisecond
	}
	if v, ok := envInt("MESHLINK_KEEPALIVE_SEC"); ok && v > 0 {
		cfg.KeepAliveInterval = time.Duration(v) * time.Second
	}
	if v, ok := envInt("MESHLINK_BACKOFF_BASE_MS"); ok && v > 0 {
		cfg.BackoffBase = time.Duration(v) * time.Millisecond
	}
	if v, ok := envInt("MESHLINK_MAX_BACKOFF_SEC"); ok && v > 0 {
		cfg.MaxBackoff = time.Duration(v) * time.Second
	}
	if v, ok := envInt("MESHLINK_MAX_ATTEMPTS"); ok && v > 0 {
		cfg.MaxAttempts = v
	}
	if v, ok := envInt("MESHLINK_CONNECT_TICK_MS"); ok && v > 0 {
		cfg.ConnectTick = time.Duration(v) * time.Millisecond
	}
	if v, ok := envInt("MESHLINK_STORE_CAPACITY"); ok && v > 0 {
		cfg.StoreCapacity = v
	}
	if v, ok := envInt("MESHLINK_SEEN_FILTER_BYTES"); ok && v > 0 {
		cfg.SeenFilterBytes = v
	}
	return cfg
}

func envInt(key string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}
