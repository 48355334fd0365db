// Package metrics defines the observability interfaces for the comm layer.
//
// Interfaces here are implemented by the prometheus subpackage. Passing nil
// disables collection with zero overhead; callers nil-check before
// recording.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	mu       sync.RWMutex
	registry *prometheus.Registry
)

// InitRegistry installs the process-wide Prometheus registry. Must be
// called before constructing any prometheus-backed metrics; constructors
// return nil (collection disabled) otherwise.
func InitRegistry() *prometheus.Registry {
	mu.Lock()
	defer mu.Unlock()
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return registry
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return registry != nil
}

// GetRegistry returns the installed registry, or nil when disabled.
func GetRegistry() *prometheus.Registry {
	mu.RLock()
	defer mu.RUnlock()
	return registry
}
