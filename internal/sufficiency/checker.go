// internal/sufficiency/checker.go
package sufficiency

import (
	"errors"
	"fmt"
	"time"

	"github.com/FairForge/helmsman/internal/telemetry"
)

// Insufficiency reasons.
const (
	ReasonSampleCount    = "sample_count_below_minimum"
	ReasonBucketCoverage = "bucket_coverage_below_minimum"
	ReasonStaleSource    = "required_source_stale"
)

// Config sets the gates the checker applies. MinSampleRatio scales the ideal
// sample count (window / interval); MinBucketCoveragePct is the fraction of
// interval-sized buckets that must contain at least one sample.
type Config struct {
	Window               time.Duration `json:"window"`
	Interval             time.Duration `json:"interval"`
	MinSampleRatio       float64       `json:"min_sample_ratio"`
	MinBucketCoveragePct float64       `json:"min_bucket_coverage_pct"`
	RequiredSources      []string      `json:"required_sources"`
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Window <= 0 || c.Interval <= 0 {
		return errors.New("sufficiency: window and interval must be positive")
	}
	if c.Interval > c.Window {
		return errors.New("sufficiency: interval must not exceed window")
	}
	if c.MinSampleRatio <= 0 || c.MinSampleRatio > 1 {
		return fmt.Errorf("sufficiency: min_sample_ratio must be in (0,1], got %v", c.MinSampleRatio)
	}
	if c.MinBucketCoveragePct <= 0 || c.MinBucketCoveragePct > 100 {
		return fmt.Errorf("sufficiency: min_bucket_coverage_pct must be in (0,100], got %v", c.MinBucketCoveragePct)
	}
	return nil
}

// Result reports whether enough telemetry exists to justify a decision this
// tick. Reason carries the first failing gate, but every failing gate blocks.
type Result struct {
	IsSufficient      bool     `json:"is_sufficient"`
	SampleCount       int      `json:"sample_count"`
	RequiredSamples   int      `json:"required_samples"`
	BucketCoveragePct float64  `json:"bucket_coverage_pct"`
	StaleSources      []string `json:"stale_sources,omitempty"`
	Reason            string   `json:"reason,omitempty"`
}

// Checker decides data sufficiency. It is a pure function of the current
// samples and source health; it holds no state across ticks.
type Checker struct {
	cfg Config
}

// NewChecker creates a sufficiency checker.
func NewChecker(cfg Config) *Checker {
	return &Checker{cfg: cfg}
}

// Check evaluates the three gates in order: sample count, bucket coverage,
// stale required sources. Any failing gate means insufficiency.
func (c *Checker) Check(samples []telemetry.MetricSample, health []telemetry.SourceHealth, now time.Time) Result {
	ideal := int(c.cfg.Window / c.cfg.Interval)
	required := int(float64(ideal) * c.cfg.MinSampleRatio)

	windowStart := now.Add(-c.cfg.Window)
	buckets := make(map[int64]bool)
	count := 0
	for _, s := range samples {
		if s.Timestamp.Before(windowStart) || s.Timestamp.After(now) {
			continue
		}
		count++
		buckets[int64(s.Timestamp.Sub(windowStart)/c.cfg.Interval)] = true
	}

	coverage := 0.0
	if ideal > 0 {
		coverage = float64(len(buckets)) / float64(ideal) * 100
	}

	stale := make([]string, 0)
	seen := make(map[string]bool)
	staleByID := make(map[string]bool)
	for _, h := range health {
		seen[h.SourceID] = true
		if h.IsStale {
			staleByID[h.SourceID] = true
		}
	}
	// A required source that has never reported is a dead pipe too.
	for _, src := range c.cfg.RequiredSources {
		if !seen[src] || staleByID[src] {
			stale = append(stale, src)
		}
	}

	result := Result{
		IsSufficient:      true,
		SampleCount:       count,
		RequiredSamples:   required,
		BucketCoveragePct: coverage,
		StaleSources:      stale,
	}

	switch {
	case count < required:
		result.IsSufficient = false
		result.Reason = ReasonSampleCount
	case coverage < c.cfg.MinBucketCoveragePct:
		result.IsSufficient = false
		result.Reason = ReasonBucketCoverage
	case len(stale) > 0:
		result.IsSufficient = false
		result.Reason = ReasonStaleSource
	}
	return result
}
