// internal/telemetry/collector_test.go
package telemetry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Ingest(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	t.Run("appends samples per source", func(t *testing.T) {
		c := NewCollector(30*time.Second, time.Hour)
		c.Ingest("guard", MetricSample{MetricName: "p95_latency_seconds", Value: 1.2, Timestamp: now})
		c.Ingest("guard", MetricSample{MetricName: "p95_latency_seconds", Value: 1.4, Timestamp: now.Add(time.Second)})

		got := c.GetSamples("guard", now, now.Add(time.Minute))
		require.Len(t, got, 2)
		assert.Equal(t, "guard", got[0].SourceID)
		assert.Equal(t, 1.4, got[1].Value)
	})

	t.Run("unknown source returns empty", func(t *testing.T) {
		c := NewCollector(30*time.Second, time.Hour)
		assert.Empty(t, c.GetSamples("nope", now, now.Add(time.Minute)))
	})

	t.Run("window bounds are closed", func(t *testing.T) {
		c := NewCollector(30*time.Second, time.Hour)
		c.Ingest("jobs", MetricSample{MetricName: "queue_depth", Value: 10, Timestamp: now})

		assert.Len(t, c.GetSamples("jobs", now, now), 1)
		assert.Empty(t, c.GetSamples("jobs", now.Add(time.Nanosecond), now.Add(time.Minute)))
	})
}

func TestCollector_CheckHealth(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	c := NewCollector(30*time.Second, time.Hour)

	c.Ingest("guard", MetricSample{MetricName: "p95_latency_seconds", Value: 1, Timestamp: now})
	c.Ingest("jobs", MetricSample{MetricName: "queue_depth", Value: 5, Timestamp: now.Add(-2 * time.Minute)})

	health := c.CheckHealth(now.Add(10 * time.Second))
	require.Len(t, health, 2)

	// Sorted by source ID.
	assert.Equal(t, "guard", health[0].SourceID)
	assert.False(t, health[0].IsStale)
	assert.Equal(t, "jobs", health[1].SourceID)
	assert.True(t, health[1].IsStale)
}

func TestCollector_Snapshot(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	c := NewCollector(30*time.Second, time.Hour)
	c.Ingest("guard", MetricSample{MetricName: "p95_latency_seconds", Value: 1, Timestamp: now})

	snap := c.Snapshot()
	require.Len(t, snap["guard"], 1)

	// Mutating the snapshot must not touch the collector's buffer.
	snap["guard"][0].Value = 99
	assert.Equal(t, 1.0, c.GetSamples("guard", now, now)[0].Value)
}

func TestCollector_Prune(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	c := NewCollector(30*time.Second, 10*time.Minute)

	c.Ingest("guard", MetricSample{MetricName: "p95_latency_seconds", Value: 1, Timestamp: now.Add(-20 * time.Minute)})
	c.Ingest("guard", MetricSample{MetricName: "p95_latency_seconds", Value: 2, Timestamp: now})

	c.Prune(now)
	got := c.GetSamples("guard", now.Add(-time.Hour), now)
	require.Len(t, got, 1)
	assert.Equal(t, 2.0, got[0].Value)
}

func TestCollector_ConcurrentIngest(t *testing.T) {
	c := NewCollector(30*time.Second, time.Hour)
	now := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Ingest("guard", MetricSample{MetricName: "p95_latency_seconds", Value: 1, Timestamp: now})
				c.Snapshot()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, c.GetSamples("guard", now, now), 800)
}
