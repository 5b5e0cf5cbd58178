// Package health runs named dependency checks for the feature store, the
// scorer and the calibration curve and reports their combined state.
package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Status is the result of one check.
type Status struct {
	Name      string  `json:"name"`
	Healthy   bool    `json:"healthy"`
	Detail    string  `json:"detail,omitempty"`
	LatencyMS float64 `json:"latency_ms"`
}

// Checker probes one dependency.
type Checker func(ctx context.Context) Status

// Registry holds checkers in registration order. Registering a name twice
// replaces the earlier checker in place.
type Registry struct {
	mu     sync.RWMutex
	names  []string
	checks map[string]Checker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{checks: make(map[string]Checker)}
}

// Register adds or replaces the checker for name.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.checks[name]; !ok {
		r.names = append(r.names, name)
	}
	r.checks[name] = check
}

// Names returns the registered check names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// CheckAll runs every checker concurrently and reports healthy only when
// all of them are. Results keep registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	names := make([]string, len(r.names))
	copy(names, r.names)
	checks := make([]Checker, len(names))
	for i, n := range names {
		checks[i] = r.checks[n]
	}
	r.mu.RUnlock()

	statuses = make([]Status, len(checks))
	var g errgroup.Group
	for i := range checks {
		g.Go(func() error {
			start := time.Now()
			st := checks[i](ctx)
			if st.Name == "" {
				st.Name = names[i]
			}
			st.LatencyMS = float64(time.Since(start).Microseconds()) / 1000
			statuses[i] = st
			return nil
		})
	}
	_ = g.Wait()

	healthy = true
	for _, st := range statuses {
		if !st.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}
