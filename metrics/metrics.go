// Package metrics wraps a github.com/rcrowley/go-metrics registry with the
// small fixed set of counters and meters Store.Stats() reports. It is
// strictly internal bookkeeping: no HTTP exporter is wired, since
// observability exporters are out of scope for the core.
package metrics

import "github.com/rcrowley/go-metrics"

// Registry holds every counter/meter the store updates during normal
// operation.
type Registry struct {
	reg metrics.Registry

	Upserts          metrics.Counter
	Reads            metrics.Counter
	Deletes          metrics.Counter
	Rmws             metrics.Counter
	NotFound         metrics.Counter
	PageEvictions    metrics.Counter
	PageFlushes      metrics.Counter
	CheckpointsTaken metrics.Counter
	CheckpointNanos  metrics.Timer
	GCBytesReclaimed metrics.Counter
	GCRuns           metrics.Counter
}

// New creates a Registry with every counter registered under a stable
// name, so a caller that also wants raw go-metrics access (e.g. to attach
// a reporter later) can look them up by name.
func New() *Registry {
	reg := metrics.NewRegistry()
	r := &Registry{
		reg:              reg,
		Upserts:          metrics.NewRegisteredCounter("hlogstore.upserts", reg),
		Reads:            metrics.NewRegisteredCounter("hlogstore.reads", reg),
		Deletes:          metrics.NewRegisteredCounter("hlogstore.deletes", reg),
		Rmws:             metrics.NewRegisteredCounter("hlogstore.rmws", reg),
		NotFound:         metrics.NewRegisteredCounter("hlogstore.not_found", reg),
		PageEvictions:    metrics.NewRegisteredCounter("hlogstore.page_evictions", reg),
		PageFlushes:      metrics.NewRegisteredCounter("hlogstore.page_flushes", reg),
		CheckpointsTaken: metrics.NewRegisteredCounter("hlogstore.checkpoints_taken", reg),
		CheckpointNanos:  metrics.NewRegisteredTimer("hlogstore.checkpoint_duration", reg),
		GCBytesReclaimed: metrics.NewRegisteredCounter("hlogstore.gc_bytes_reclaimed", reg),
		GCRuns:           metrics.NewRegisteredCounter("hlogstore.gc_runs", reg),
	}
	return r
}

// GoMetricsRegistry exposes the underlying go-metrics registry, e.g. for a caller
// that wants to attach metrics.Log or a custom reporter.
func (r *Registry) GoMetricsRegistry() metrics.Registry { return r.reg }
