// internal/telemetry/collector.go
package telemetry

import (
	"sort"
	"sync"
	"time"
)

// MetricSample is a single timestamped observation from a named source.
// Samples are append-only; the collector never mutates them after ingest.
type MetricSample struct {
	SourceID      string    `json:"source_id"`
	MetricName    string    `json:"metric_name"`
	TenantID      string    `json:"tenant_id,omitempty"`
	EndpointClass string    `json:"endpoint_class,omitempty"`
	Value         float64   `json:"value"`
	Timestamp     time.Time `json:"timestamp"`
}

// SourceHealth reports per-source freshness, recomputed on every health check.
type SourceHealth struct {
	SourceID       string    `json:"source_id"`
	LastSampleTime time.Time `json:"last_sample_time"`
	IsStale        bool      `json:"is_stale"`
}

// Collector ingests samples from telemetry sources and tracks freshness.
// Ingest is safe to call concurrently with Snapshot; the control loop reads
// a consistent snapshot at tick start and never re-reads mid-tick.
type Collector struct {
	mu         sync.RWMutex
	staleAfter time.Duration
	retention  time.Duration
	samples    map[string][]MetricSample // source -> samples, ordered by arrival
	lastSeen   map[string]time.Time
}

// NewCollector creates a collector. staleAfter is the interval after which a
// silent source is considered a dead telemetry pipe, normally one
// control-loop interval. retention bounds how far back samples are kept.
func NewCollector(staleAfter, retention time.Duration) *Collector {
	return &Collector{
		staleAfter: staleAfter,
		retention:  retention,
		samples:    make(map[string][]MetricSample),
		lastSeen:   make(map[string]time.Time),
	}
}

// SetLimits swaps the freshness and retention horizons, used on config
// reload. Buffered samples are untouched until the next Prune.
func (c *Collector) SetLimits(staleAfter, retention time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.staleAfter = staleAfter
	c.retention = retention
}

// Ingest appends a sample and records the source's last-seen time.
func (c *Collector) Ingest(sourceID string, sample MetricSample) {
	sample.SourceID = sourceID

	c.mu.Lock()
	defer c.mu.Unlock()

	c.samples[sourceID] = append(c.samples[sourceID], sample)
	if sample.Timestamp.After(c.lastSeen[sourceID]) {
		c.lastSeen[sourceID] = sample.Timestamp
	}
}

// GetSamples returns all samples for a source within the closed range
// [windowStart, windowEnd]. Unknown sources yield an empty slice, not an error.
func (c *Collector) GetSamples(sourceID string, windowStart, windowEnd time.Time) []MetricSample {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var result []MetricSample
	for _, s := range c.samples[sourceID] {
		if !s.Timestamp.Before(windowStart) && !s.Timestamp.After(windowEnd) {
			result = append(result, s)
		}
	}
	return result
}

// Snapshot returns a copy of every buffered sample, grouped by source.
// The tick loop calls this once at tick start.
func (c *Collector) Snapshot() map[string][]MetricSample {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := make(map[string][]MetricSample, len(c.samples))
	for src, buf := range c.samples {
		cp := make([]MetricSample, len(buf))
		copy(cp, buf)
		snap[src] = cp
	}
	return snap
}

// CheckHealth returns SourceHealth for every known source, sorted by source
// ID. A source with no ingestion for longer than staleAfter is stale; this is
// the single mechanism for detecting a dead pipe.
func (c *Collector) CheckHealth(now time.Time) []SourceHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]SourceHealth, 0, len(c.lastSeen))
	for src, last := range c.lastSeen {
		result = append(result, SourceHealth{
			SourceID:       src,
			LastSampleTime: last,
			IsStale:        now.Sub(last) > c.staleAfter,
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].SourceID < result[j].SourceID })
	return result
}

// Prune drops samples older than the retention horizon. Called once per tick
// so the buffers stay bounded.
func (c *Collector) Prune(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := now.Add(-c.retention)

	for src, buf := range c.samples {
		kept := buf[:0]
		for _, s := range buf {
			if s.Timestamp.After(cutoff) {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			c.samples[src] = nil
			continue
		}
		c.samples[src] = kept
	}
}

// Sources returns the known source IDs, sorted.
func (c *Collector) Sources() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.samples))
	for src := range c.samples {
		ids = append(ids, src)
	}
	sort.Strings(ids)
	return ids
}
