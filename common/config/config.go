package config

import (
	"os"
	"runtime"
	"strconv"
	"time"
)

const DEFAULT_HOST = "127.0.0.1"

const (
	WORKERS_ENV      = "META_WORKERS"
	META_HOME_ENV    = "META_HOME"
	LOG_LEVEL_ENV    = "META_LOG_LEVEL"
	DAEMON_CHILD_ENV = "META_DAEMON_SERVICE"
)

const (
	MIN_WORKERS = 4
	MAX_WORKERS = 32
)

const (
	DEFAULT_CALL_TIMEOUT    = 5 * time.Second
	DEFAULT_PRIMER_TIMEOUT  = 5 * time.Second
	DEFAULT_STOP_TIMEOUT    = 5 * time.Second
	DEFAULT_STARTUP_TIMEOUT = 5 * time.Second
	DEFAULT_POOL_SIZE       = 16
	DEFAULT_CACHE_CAPACITY  = 128
	ACCEPT_POLL_INTERVAL    = 100 * time.Millisecond
	STARTUP_POLL_INTERVAL   = 10 * time.Millisecond
)

//	META_WORKERS overrides the pool size; anything unparseable or
//	non-positive falls back to clamp(2*cores, 4, 32).
func WorkerCount() int {
	if raw := os.Getenv(WORKERS_ENV); raw != "" {
		if workers, err := strconv.Atoi(raw); err == nil && workers > 0 {
			return workers
		}
	}
	workers := 2 * runtime.NumCPU()
	if workers < MIN_WORKERS {
		workers = MIN_WORKERS
	}
	if workers > MAX_WORKERS {
		workers = MAX_WORKERS
	}
	return workers
}
