// Package metrics exposes a process-wide Prometheus registry that data-path
// collectors register against. Metrics are opt-in: until InitRegistry is
// called, IsEnabled reports false and collectors should skip instrumentation
// entirely rather than write to a discarded registry.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	mu       sync.RWMutex
	registry *prometheus.Registry
)

// InitRegistry creates and installs the process-wide registry, including
// the standard process and Go runtime collectors. Safe to call once at
// startup before any collector registers against it.
func InitRegistry() *prometheus.Registry {
	mu.Lock()
	defer mu.Unlock()

	registry = prometheus.NewRegistry()
	registry.MustRegister(
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return registry
}

// GetRegistry returns the installed registry, or nil if InitRegistry has
// not been called.
func GetRegistry() *prometheus.Registry {
	mu.RLock()
	defer mu.RUnlock()
	return registry
}

// IsEnabled reports whether metrics collection is active.
func IsEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return registry != nil
}
