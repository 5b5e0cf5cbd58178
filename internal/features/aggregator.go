package features

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/auroraguard/internal/circuitbreaker"
	"github.com/mbd888/auroraguard/internal/metrics"
	"github.com/mbd888/auroraguard/internal/syncutil"
	"github.com/mbd888/auroraguard/internal/txn"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultFreshness is the staleness ceiling for a record.
	DefaultFreshness = 60 * time.Second

	// BreakerKey names the store in breaker state and dependency metrics.
	BreakerKey = "feature_store"

	maxParallelism = 4 // one lookup per entity kind
)

type lookupResult struct {
	rec  *Record
	err  error
	done bool
}

// Aggregator fans out one lookup per entity key and merges the results
// through the catalog.
type Aggregator struct {
	store     Store
	catalog   Catalog
	freshness time.Duration
	gate      *syncutil.Gate
	breaker   *circuitbreaker.Breaker
	logger    *slog.Logger
	now       func() time.Time
}

// NewAggregator creates an Aggregator over store with the default catalog
// and freshness ceiling.
func NewAggregator(store Store) *Aggregator {
	return &Aggregator{
		store:     store,
		catalog:   DefaultCatalog(),
		freshness: DefaultFreshness,
		logger:    slog.Default(),
		now:       time.Now,
	}
}

// WithCatalog overrides the feature catalog.
func (a *Aggregator) WithCatalog(c Catalog) *Aggregator {
	a.catalog = c
	return a
}

// WithFreshness overrides the staleness ceiling.
func (a *Aggregator) WithFreshness(d time.Duration) *Aggregator {
	if d > 0 {
		a.freshness = d
	}
	return a
}

// WithGate bounds concurrent store calls across all requests.
func (a *Aggregator) WithGate(g *syncutil.Gate) *Aggregator {
	a.gate = g
	return a
}

// WithBreaker guards the store with a circuit breaker.
func (a *Aggregator) WithBreaker(b *circuitbreaker.Breaker) *Aggregator {
	a.breaker = b
	return a
}

// WithLogger sets the logger used for lookup failures.
func (a *Aggregator) WithLogger(l *slog.Logger) *Aggregator {
	a.logger = l
	return a
}

// Catalog returns the active catalog.
func (a *Aggregator) Catalog() Catalog { return a.catalog }

// Fetch looks up every key concurrently and returns the merged Set. It
// returns within timeout even when the store ignores cancellation;
// lookups still running at that point are abandoned and their features
// defaulted. Fetch never fails.
func (a *Aggregator) Fetch(ctx context.Context, keys []txn.EntityKey, timeout time.Duration) *Set {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var mu sync.Mutex
	results := make([]lookupResult, len(keys))

	done := make(chan struct{})
	go func() {
		defer close(done)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(maxParallelism)
		for i, key := range keys {
			g.Go(func() error {
				rec, err := a.lookup(gctx, key)
				mu.Lock()
				results[i] = lookupResult{rec: rec, err: err, done: true}
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}

	mu.Lock()
	snapshot := make([]lookupResult, len(results))
	copy(snapshot, results)
	mu.Unlock()

	return a.merge(keys, snapshot)
}

func (a *Aggregator) lookup(ctx context.Context, key txn.EntityKey) (*Record, error) {
	start := time.Now()
	rec, err := a.guardedLookup(ctx, key)
	metrics.ObserveDependency(BreakerKey, lookupOutcome(err), time.Since(start))
	if err != nil && !errors.Is(err, ErrNotFound) {
		a.logger.Debug("feature lookup failed", "entity", key.String(), "error", err)
	}
	return rec, err
}

func (a *Aggregator) guardedLookup(ctx context.Context, key txn.EntityKey) (*Record, error) {
	if a.gate != nil {
		release, err := a.gate.Acquire(ctx)
		if err != nil {
			if errors.Is(err, syncutil.ErrSaturated) {
				metrics.GateRejectionsTotal.WithLabelValues(BreakerKey).Inc()
			}
			return nil, err
		}
		defer release()
	}

	if a.breaker == nil {
		return a.store.Lookup(ctx, key)
	}

	var rec *Record
	err := a.breaker.Execute(BreakerKey, countsAgainstStore, func() error {
		var lookupErr error
		rec, lookupErr = a.store.Lookup(ctx, key)
		return lookupErr
	})
	return rec, err
}

// countsAgainstStore excludes outcomes that say nothing about store health.
func countsAgainstStore(err error) bool {
	return !errors.Is(err, ErrNotFound) && !errors.Is(err, context.Canceled)
}

func lookupOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, syncutil.ErrSaturated):
		return "saturated"
	default:
		return "error"
	}
}

func (a *Aggregator) merge(keys []txn.EntityKey, results []lookupResult) *Set {
	set := newSet()
	now := a.now()

	for i, key := range keys {
		specs := a.catalog.ForKind(key.Kind)
		if len(specs) == 0 {
			continue
		}
		r := results[i]

		switch {
		case !r.done || errors.Is(r.err, context.DeadlineExceeded):
			set.fillDefaults(specs, true)
			set.addIssue(IssueTimeout)
		case errors.Is(r.err, ErrNotFound):
			// No history is a real answer: zero velocity, not degraded.
			set.fillDefaults(specs, false)
		case r.err != nil || r.rec == nil:
			set.fillDefaults(specs, true)
			set.addIssue(IssuePartial)
		default:
			if set.OldestUpdate.IsZero() || r.rec.UpdatedAt.Before(set.OldestUpdate) {
				set.OldestUpdate = r.rec.UpdatedAt
			}
			if r.rec.UpdatedAt.IsZero() || now.Sub(r.rec.UpdatedAt) > a.freshness {
				set.fillDefaults(specs, true)
				set.addIssue(IssueStale)
				continue
			}
			for _, spec := range specs {
				v, ok := r.rec.Fields[spec.Field]
				if !ok || v.Categorical != spec.Default.Categorical {
					set.Values[spec.Name] = spec.Default
					set.Defaulted[spec.Name] = true
					set.addIssue(IssuePartial)
					continue
				}
				set.Values[spec.Name] = v
			}
		}
	}
	return set
}

func (s *Set) fillDefaults(specs []Spec, defaulted bool) {
	for _, spec := range specs {
		s.Values[spec.Name] = spec.Default
		if defaulted {
			s.Defaulted[spec.Name] = true
		}
	}
}
