// internal/budget/budget.go
package budget

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/FairForge/helmsman/internal/telemetry"
)

// Target configures error-budget tracking for one (subsystem, metric) pair.
// RequestsMetric and ErrorsMetric name the counter samples the calculator
// sums over the rolling window; Metric is the label carried on the resulting
// status and on any signal it triggers.
type Target struct {
	SubsystemID       string        `json:"subsystem_id"`
	Metric            string        `json:"metric"`
	SLOTarget         float64       `json:"slo_target"`
	Window            time.Duration `json:"window"`
	BurnRateThreshold float64       `json:"burn_rate_threshold"`
	RequestsMetric    string        `json:"requests_metric"`
	ErrorsMetric      string        `json:"errors_metric"`
}

// Validate checks a single target.
func (t *Target) Validate() error {
	if t.SubsystemID == "" {
		return errors.New("budget: subsystem_id is required")
	}
	if t.Metric == "" {
		return errors.New("budget: metric is required")
	}
	if t.SLOTarget <= 0 || t.SLOTarget >= 1 {
		return fmt.Errorf("budget: slo_target must be in (0,1), got %v", t.SLOTarget)
	}
	if t.Window <= 0 {
		return errors.New("budget: window must be positive")
	}
	if t.BurnRateThreshold <= 0 {
		return errors.New("budget: burn_rate_threshold must be positive")
	}
	return nil
}

// Status is the per-tick budget evaluation for one (subsystem, metric) pair.
type Status struct {
	SubsystemID        string  `json:"subsystem_id"`
	Metric             string  `json:"metric"`
	BudgetTotal        float64 `json:"budget_total"`
	BudgetConsumed     float64 `json:"budget_consumed"`
	BudgetRemainingPct float64 `json:"budget_remaining_pct"`
	BurnRate           float64 `json:"burn_rate"`
	IsExhausted        bool    `json:"is_exhausted"`
	IsBurnRateExceeded bool    `json:"is_burn_rate_exceeded"`
}

// Calculator converts raw request/error counters into consumed budget and
// burn rate. The window rolls continuously; only an audited configuration
// change resets it.
type Calculator struct {
	targets []Target
}

// NewCalculator creates a calculator for the given targets.
func NewCalculator(targets []Target) *Calculator {
	return &Calculator{targets: targets}
}

// Evaluate returns one Status per configured target, derived from the sample
// snapshot. Statuses come back sorted by (subsystem, metric) so downstream
// processing is deterministic.
func (c *Calculator) Evaluate(snapshot map[string][]telemetry.MetricSample, now time.Time) []Status {
	statuses := make([]Status, 0, len(c.targets))
	for _, t := range c.targets {
		statuses = append(statuses, c.evaluateTarget(t, snapshot[t.SubsystemID], now))
	}
	sort.Slice(statuses, func(i, j int) bool {
		if statuses[i].SubsystemID != statuses[j].SubsystemID {
			return statuses[i].SubsystemID < statuses[j].SubsystemID
		}
		return statuses[i].Metric < statuses[j].Metric
	})
	return statuses
}

func (c *Calculator) evaluateTarget(t Target, samples []telemetry.MetricSample, now time.Time) Status {
	windowStart := now.Add(-t.Window)

	var requests, errorCount float64
	earliest := now
	for _, s := range samples {
		if s.Timestamp.Before(windowStart) || s.Timestamp.After(now) {
			continue
		}
		switch s.MetricName {
		case t.RequestsMetric:
			requests += s.Value
			if s.Timestamp.Before(earliest) {
				earliest = s.Timestamp
			}
		case t.ErrorsMetric:
			errorCount += s.Value
		}
	}

	status := Status{
		SubsystemID:        t.SubsystemID,
		Metric:             t.Metric,
		BudgetRemainingPct: 100,
	}

	// With zero observed requests the budget is untouched by definition.
	if requests == 0 {
		return status
	}

	elapsed := now.Sub(earliest)
	if elapsed <= 0 || elapsed > t.Window {
		elapsed = t.Window
	}

	window := t.Window.Seconds()
	requestRate := requests / elapsed.Seconds()
	allowed := (1 - t.SLOTarget) * window * requestRate

	status.BudgetTotal = allowed
	status.BudgetConsumed = errorCount
	if allowed > 0 {
		status.BudgetRemainingPct = (allowed - errorCount) / allowed * 100
		status.BurnRate = (errorCount / elapsed.Seconds()) / (allowed / window)
	}
	status.IsExhausted = status.BudgetRemainingPct <= 0
	status.IsBurnRateExceeded = status.BurnRate >= t.BurnRateThreshold
	return status
}
