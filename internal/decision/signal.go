// internal/decision/signal.go
package decision

import (
	"time"
)

// SignalType is the closed set of control signals. New types require a code
// change; there is no string-matched dispatch anywhere.
type SignalType string

const (
	SignalSwitchToShadow    SignalType = "switch_to_shadow"
	SignalRestoreEnforce    SignalType = "restore_enforce"
	SignalStopAcceptingJobs SignalType = "stop_accepting_jobs"
	SignalResumeAccepting   SignalType = "resume_accepting_jobs"
)

// IsDowngrade reports whether the signal reduces enforcement strictness.
// Only downgrade signals may be produced without an exit-threshold crossing.
func (s SignalType) IsDowngrade() bool {
	return s == SignalSwitchToShadow || s == SignalStopAcceptingJobs
}

// Mode is a per-subsystem operating mode. Guard subsystems move between
// ENFORCE and SHADOW; job-admission subsystems between ACCEPTING and
// BACKPRESSURE. OFF exists in the guard but is unreachable from here.
type Mode string

const (
	ModeEnforce      Mode = "ENFORCE"
	ModeShadow       Mode = "SHADOW"
	ModeAccepting    Mode = "ACCEPTING"
	ModeBackpressure Mode = "BACKPRESSURE"
)

// Lever selects which pair of signals a rule drives.
type Lever string

const (
	LeverGuardMode    Lever = "guard_mode"
	LeverJobAdmission Lever = "job_admission"
)

// Priority ladder, highest first. Only PriorityAdaptive produces signals;
// the levels above it suppress.
const (
	PriorityKillSwitch = 1
	PriorityOverride   = 2
	PriorityAdaptive   = 3
	PriorityDefault    = 4
)

// ControlSignal is one candidate control action, produced fresh each tick
// and never mutated.
type ControlSignal struct {
	SignalType    SignalType `json:"signal_type"`
	SubsystemID   string     `json:"subsystem_id"`
	MetricName    string     `json:"metric_name"`
	TenantID      string     `json:"tenant_id"`
	EndpointClass string     `json:"endpoint_class"`
	TriggerValue  float64    `json:"trigger_value"`
	Threshold     float64    `json:"threshold"`
	PriorityLevel int        `json:"priority_level"`
	CorrelationID string     `json:"correlation_id"`
	Timestamp     time.Time  `json:"timestamp"`
	Reason        string     `json:"reason"`
	BurnRate      float64    `json:"burn_rate,omitempty"`
}

// Override is an operator-issued suspension of automatic control for a scope.
type Override struct {
	Scope     string    `json:"scope"`
	ExpiresAt time.Time `json:"expires_at"`
	Reason    string    `json:"reason"`
	Actor     string    `json:"actor"`
}

// Expired reports whether the override has lapsed.
func (o *Override) Expired(now time.Time) bool {
	return !o.ExpiresAt.IsZero() && !now.Before(o.ExpiresAt)
}

// KillSwitchManager is the externally-owned authority the engine consults
// every tick. The controller reads it, never mutates it.
type KillSwitchManager interface {
	IsActive(subsystemID string) bool
	ActiveOverride(subsystemID string) *Override
}
