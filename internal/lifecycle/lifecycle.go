// Package lifecycle holds process-wide run state read by the health endpoint.
package lifecycle

import (
	"sync/atomic"
	"time"
)

var (
	draining  atomic.Bool
	startedAt atomic.Int64
)

func init() {
	MarkStarted(time.Now())
}

// MarkStarted records when the process began serving.
func MarkStarted(t time.Time) {
	startedAt.Store(t.UnixNano())
}

// Uptime reports how long the process has been serving as of now.
func Uptime(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, startedAt.Load()))
}

// SetShuttingDown flips the drain flag. main sets it on SIGINT/SIGTERM so
// /health reports shutting-down before the listener closes.
func SetShuttingDown(v bool) {
	draining.Store(v)
}

// IsShuttingDown reports whether the process is draining.
func IsShuttingDown() bool {
	return draining.Load()
}
