// internal/metrics/metrics.go
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	loopDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "helmsman_loop_duration_seconds",
			Help:    "Control loop tick duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	signalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helmsman_signals_total",
			Help: "Control signals applied, by type",
		},
		[]string{"signal_type"},
	)

	currentMode = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "helmsman_subsystem_mode",
			Help: "Current mode per subsystem (1 for the active mode, 0 otherwise)",
		},
		[]string{"subsystem", "mode"},
	)

	modeTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helmsman_mode_transitions_total",
			Help: "Applied mode transitions by from/to/reason",
		},
		[]string{"from", "to", "reason"},
	)

	backpressureActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "helmsman_backpressure_active",
			Help: "Whether job admission backpressure is active",
		},
	)

	rejectedJobsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "helmsman_rejected_jobs_total",
			Help: "Jobs rejected while backpressure was active",
		},
	)

	cooldownActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "helmsman_cooldown_active",
			Help: "Whether a subsystem is inside its signal cooldown",
		},
		[]string{"subsystem"},
	)

	oscillationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helmsman_oscillations_detected_total",
			Help: "Oscillation detections per subsystem (advisory)",
		},
		[]string{"subsystem"},
	)

	failsafeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helmsman_failsafe_entries_total",
			Help: "Fail-safe entries by reason",
		},
		[]string{"reason"},
	)

	budgetRemaining = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "helmsman_error_budget_remaining_pct",
			Help: "Remaining error budget percentage per subsystem/metric",
		},
		[]string{"subsystem", "metric"},
	)

	telemetryInsufficientTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "helmsman_telemetry_insufficient_total",
			Help: "Ticks skipped because telemetry was insufficient",
		},
	)
)

// ObserveLoopDuration records one tick's wall time.
func ObserveLoopDuration(d time.Duration) {
	loopDuration.Observe(d.Seconds())
}

// RecordSignal counts an applied signal.
func RecordSignal(signalType string) {
	signalsTotal.WithLabelValues(signalType).Inc()
}

// SetMode publishes a subsystem's mode as a one-hot gauge across the modes
// it can occupy.
func SetMode(subsystem, active string, all []string) {
	for _, m := range all {
		v := 0.0
		if m == active {
			v = 1
		}
		currentMode.WithLabelValues(subsystem, m).Set(v)
	}
}

// RecordTransition counts an applied mode transition.
func RecordTransition(from, to, reason string) {
	modeTransitionsTotal.WithLabelValues(from, to, reason).Inc()
}

// SetBackpressure publishes whether job admission is paused.
func SetBackpressure(active bool) {
	if active {
		backpressureActive.Set(1)
		return
	}
	backpressureActive.Set(0)
}

// RecordRejectedJobs counts submissions rejected under backpressure.
func RecordRejectedJobs(n float64) {
	rejectedJobsTotal.Add(n)
}

// SetCooldown publishes a subsystem's cooldown state.
func SetCooldown(subsystem string, active bool) {
	v := 0.0
	if active {
		v = 1
	}
	cooldownActive.WithLabelValues(subsystem).Set(v)
}

// RecordOscillation counts an advisory oscillation detection.
func RecordOscillation(subsystem string) {
	oscillationsTotal.WithLabelValues(subsystem).Inc()
}

// RecordFailsafe counts a fail-safe entry.
func RecordFailsafe(reason string) {
	failsafeTotal.WithLabelValues(reason).Inc()
}

// SetBudgetRemaining publishes remaining budget percentage.
func SetBudgetRemaining(subsystem, metric string, pct float64) {
	budgetRemaining.WithLabelValues(subsystem, metric).Set(pct)
}

// RecordTelemetryInsufficient counts a skipped tick.
func RecordTelemetryInsufficient() {
	telemetryInsufficientTotal.Inc()
}
