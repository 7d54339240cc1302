// internal/decision/engine.go
package decision

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FairForge/helmsman/internal/budget"
)

// Decision reasons carried on signals and audit events.
const (
	ReasonEnterThresholdExceeded = "enter_threshold_exceeded"
	ReasonBudgetExhausted        = "error_budget_exhausted"
	ReasonBurnRateExceeded       = "burn_rate_exceeded"
	ReasonExitThresholdRecovered = "exit_threshold_recovered"
)

// Rule drives one lever from one metric. ExitThreshold must be strictly
// below EnterThreshold so recovery is harder than degradation.
type Rule struct {
	SubsystemID    string  `yaml:"subsystem_id" json:"subsystem_id"`
	MetricName     string  `yaml:"metric_name" json:"metric_name"`
	Lever          Lever   `yaml:"lever" json:"lever"`
	EnterThreshold float64 `yaml:"enter_threshold" json:"enter_threshold"`
	ExitThreshold  float64 `yaml:"exit_threshold" json:"exit_threshold"`
}

// Validate checks a single rule.
func (r *Rule) Validate() error {
	if r.SubsystemID == "" {
		return errors.New("decision: subsystem_id is required")
	}
	if r.MetricName == "" {
		return errors.New("decision: metric_name is required")
	}
	if r.Lever != LeverGuardMode && r.Lever != LeverJobAdmission {
		return fmt.Errorf("decision: unknown lever %q", r.Lever)
	}
	if r.ExitThreshold >= r.EnterThreshold {
		return fmt.Errorf("decision: exit threshold %v must be strictly below enter threshold %v",
			r.ExitThreshold, r.EnterThreshold)
	}
	return nil
}

// MetricEval is one evaluated metric value for a target, computed by the
// controller from this tick's sample snapshot.
type MetricEval struct {
	SubsystemID   string
	MetricName    string
	TenantID      string
	EndpointClass string
	Value         float64
}

// Engine merges threshold and budget evaluations into a priority-ordered,
// deterministically tie-broken list of candidate signals. It can only emit
// downgrade signals from a threshold entry and upgrade signals from an exit
// crossing; the kill switch and operator overrides suppress it entirely.
type Engine struct {
	kill   KillSwitchManager
	logger *zap.Logger

	mu    sync.RWMutex
	rules []Rule
}

// NewEngine creates a decision engine.
func NewEngine(rules []Rule, kill KillSwitchManager, logger *zap.Logger) *Engine {
	return &Engine{rules: rules, kill: kill, logger: logger}
}

// SetRules swaps the rule set, used on config reload. Reloads arrive from
// the watcher goroutine while Decide runs on the tick goroutine.
func (e *Engine) SetRules(rules []Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = rules
}

func (e *Engine) currentRules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rules
}

// Suppressed reports whether a higher authority (kill switch or unexpired
// override) suspends automatic evaluation for a subsystem this tick.
func (e *Engine) Suppressed(subsystemID string, now time.Time) (bool, string) {
	if e.kill.IsActive(subsystemID) {
		return true, "kill_switch_active"
	}
	if o := e.kill.ActiveOverride(subsystemID); o != nil && !o.Expired(now) {
		return true, "manual_override_active"
	}
	return false, ""
}

// Decide evaluates the ladder for every rule and returns candidate signals
// sorted by (subsystem, metric, tenant). Candidates are derived
// independently of each other.
func (e *Engine) Decide(evals []MetricEval, budgets []budget.Status, modes map[string]Mode, now time.Time) []ControlSignal {
	budgetBySubsystem := make(map[string]budget.Status, len(budgets))
	for _, b := range budgets {
		budgetBySubsystem[b.SubsystemID] = b
	}

	var signals []ControlSignal
	for _, rule := range e.currentRules() {
		if suppressed, why := e.Suppressed(rule.SubsystemID, now); suppressed {
			e.logger.Debug("automatic evaluation suppressed",
				zap.String("subsystem", rule.SubsystemID),
				zap.String("reason", why))
			continue
		}

		for _, ev := range evals {
			if ev.SubsystemID != rule.SubsystemID || ev.MetricName != rule.MetricName {
				continue
			}
			if sig, ok := e.evaluate(rule, ev, budgetBySubsystem[rule.SubsystemID], modes[rule.SubsystemID], now); ok {
				signals = append(signals, sig)
			}
		}
	}

	sort.Slice(signals, func(i, j int) bool {
		a, b := signals[i], signals[j]
		if a.SubsystemID != b.SubsystemID {
			return a.SubsystemID < b.SubsystemID
		}
		if a.MetricName != b.MetricName {
			return a.MetricName < b.MetricName
		}
		return a.TenantID < b.TenantID
	})
	return signals
}

func (e *Engine) evaluate(rule Rule, ev MetricEval, bud budget.Status, mode Mode, now time.Time) (ControlSignal, bool) {
	budgetBreached := bud.IsExhausted || bud.IsBurnRateExceeded

	var (
		sigType   SignalType
		threshold float64
		reason    string
	)

	switch {
	case e.atNormal(rule.Lever, mode):
		// Downgrade direction: enter threshold or budget breach.
		switch {
		case ev.Value >= rule.EnterThreshold:
			reason = ReasonEnterThresholdExceeded
		case bud.IsExhausted:
			reason = ReasonBudgetExhausted
		case bud.IsBurnRateExceeded:
			reason = ReasonBurnRateExceeded
		default:
			return ControlSignal{}, false
		}
		sigType = downgradeSignal(rule.Lever)
		threshold = rule.EnterThreshold

	case e.atDegraded(rule.Lever, mode):
		// Upgrade direction: only a crossing strictly below the exit
		// threshold, with a healthy budget, earns a restore.
		if ev.Value >= rule.ExitThreshold || budgetBreached {
			return ControlSignal{}, false
		}
		sigType = upgradeSignal(rule.Lever)
		threshold = rule.ExitThreshold
		reason = ReasonExitThresholdRecovered

	default:
		// Unknown mode for this lever; leave it alone.
		return ControlSignal{}, false
	}

	return ControlSignal{
		SignalType:    sigType,
		SubsystemID:   rule.SubsystemID,
		MetricName:    rule.MetricName,
		TenantID:      ev.TenantID,
		EndpointClass: ev.EndpointClass,
		TriggerValue:  ev.Value,
		Threshold:     threshold,
		PriorityLevel: PriorityAdaptive,
		CorrelationID: uuid.New().String(),
		Timestamp:     now,
		Reason:        reason,
		BurnRate:      bud.BurnRate,
	}, true
}

func (e *Engine) atNormal(lever Lever, mode Mode) bool {
	switch lever {
	case LeverGuardMode:
		return mode == ModeEnforce
	case LeverJobAdmission:
		return mode == ModeAccepting
	}
	return false
}

func (e *Engine) atDegraded(lever Lever, mode Mode) bool {
	switch lever {
	case LeverGuardMode:
		return mode == ModeShadow
	case LeverJobAdmission:
		return mode == ModeBackpressure
	}
	return false
}

func downgradeSignal(lever Lever) SignalType {
	if lever == LeverJobAdmission {
		return SignalStopAcceptingJobs
	}
	return SignalSwitchToShadow
}

func upgradeSignal(lever Lever) SignalType {
	if lever == LeverJobAdmission {
		return SignalResumeAccepting
	}
	return SignalRestoreEnforce
}
