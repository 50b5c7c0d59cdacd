// Package metrics defines the daemon's metrics surface as an interface, so
// that pkg/snapstore never imports Prometheus directly. pkg/metrics/prometheus
// supplies the concrete implementation and registers itself via
// RegisterConstructor.
package metrics

import "sync/atomic"

var enabled atomic.Bool

// IsEnabled reports whether RegisterConstructor has been called.
func IsEnabled() bool {
	return enabled.Load()
}

// setEnabled is called by RegisterConstructor once an implementation has
// registered, after which NewCollector returns that implementation's
// collector instead of the no-op one.
func setEnabled(v bool) {
	enabled.Store(v)
}

// Collector is the metrics surface the snapshot store reports to. A nil
// Collector is valid everywhere it is accepted and results in zero overhead.
type Collector interface {
	// CacheHit/CacheMiss record block cache lookups.
	CacheHit()
	CacheMiss()

	// DirtyBuffers records the current dirty block cache entry count.
	DirtyBuffers(n int)

	// JournalCommit records one journal transaction commit.
	JournalCommit(blocks int, duration float64)

	// SnapLockDepth records the number of outstanding snapshot-read
	// holds on origin chunks.
	SnapLockDepth(n int)

	// Eviction records one priority-driven snapshot eviction.
	Eviction()

	// AllocFailure records one allocation failure in the given space.
	AllocFailure(space string)
}

// noop is the zero-overhead Collector used when metrics are disabled.
type noop struct{}

func (noop) CacheHit()                             {}
func (noop) CacheMiss()                            {}
func (noop) DirtyBuffers(int)                      {}
func (noop) JournalCommit(blocks int, duration float64) {}
func (noop) SnapLockDepth(int)                     {}
func (noop) Eviction()                             {}
func (noop) AllocFailure(string)                   {}

// Noop returns a Collector that discards everything.
func Noop() Collector { return noop{} }

// newCollector is installed by pkg/metrics/prometheus during its init().
var newCollector func() Collector

// RegisterConstructor registers the Prometheus-backed Collector constructor.
// Called from pkg/metrics/prometheus's init() to avoid an import cycle
// between this package and its implementation.
func RegisterConstructor(ctor func() Collector) {
	newCollector = ctor
	setEnabled(true)
}

// NewCollector returns the registered Collector, or a no-op if no
// implementation has registered itself (metrics disabled or not imported).
func NewCollector() Collector {
	if newCollector == nil {
		return Noop()
	}
	return newCollector()
}
