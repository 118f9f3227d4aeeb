// Package progress implements the weighted-cost percentage math used to
// turn header/filter/block sync counts into a single progress percentage.
package progress

import "sync"

// Sink receives (percent, message) updates. The sequence observed by a
// Sink is weakly monotonic in percent and always ends with (100, "Done")
// on success.
type Sink interface {
	Update(percent float64, message string) error
}

// Cost weights. These weight the perceived relative duration of each
// sync phase; they
// are policy knobs, not protocol constants, so implementations may retune
// them as long as emitted percentages stay monotonic.
const (
	HeadersCost = 1.0
	FiltersCost = 11_600.0
	BlocksCost  = 20_000.0
)

// Model tracks the three cost phases of a sync run and converts raw
// progress counters into a 0..100 percentage.
type Model struct {
	HeadersToFetch       float64
	BundlesToFetch       float64
	headersCost          float64
	filtersCost          float64
	total                float64
}

// NewModel computes the fixed total cost for a sync run given how many
// headers and bundles are expected to be fetched.
func NewModel(headersToFetch, bundlesToFetch uint32) *Model {
	m := &Model{
		HeadersToFetch: float64(headersToFetch),
		BundlesToFetch: float64(bundlesToFetch),
	}
	m.headersCost = m.HeadersToFetch * HeadersCost
	m.filtersCost = m.BundlesToFetch * FiltersCost
	m.total = m.headersCost + m.filtersCost + BlocksCost
	return m
}

// HeadersPercent returns the percentage contributed once newHeaders of the
// expected headers have been synced.
func (m *Model) HeadersPercent(newHeaders uint32) float64 {
	return float64(newHeaders) * HeadersCost / m.total * 100.0
}

// HeadersDonePercent is the percentage at which header sync is complete.
func (m *Model) HeadersDonePercent() float64 {
	return m.headersCost / m.total * 100.0
}

// FiltersPercent returns the percentage contributed by having synced
// syncedBundles bundles, on top of header-sync's contribution.
func (m *Model) FiltersPercent(syncedBundles uint32) float64 {
	return (m.headersCost + float64(syncedBundles)*FiltersCost) / m.total * 100.0
}

// FiltersDonePercent is the percentage at which filter sync is complete.
func (m *Model) FiltersDonePercent() float64 {
	return (m.headersCost + m.filtersCost) / m.total * 100.0
}

// MutexSink wraps a Sink that is not safe for concurrent use (most
// progress UIs aren't) behind a mutex, since callers from multiple sync
// stages may report progress concurrently.
type MutexSink struct {
	mu   sync.Mutex
	sink Sink
}

// NewMutexSink wraps sink for concurrent use.
func NewMutexSink(sink Sink) *MutexSink {
	return &MutexSink{sink: sink}
}

// Update implements Sink.
func (m *MutexSink) Update(percent float64, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sink.Update(percent, message)
}

// FuncSink adapts a plain function to the Sink interface.
type FuncSink func(percent float64, message string) error

// Update implements Sink.
func (f FuncSink) Update(percent float64, message string) error {
	return f(percent, message)
}
