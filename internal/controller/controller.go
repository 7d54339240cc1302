// internal/controller/controller.go
package controller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/FairForge/helmsman/internal/allowlist"
	"github.com/FairForge/helmsman/internal/audit"
	"github.com/FairForge/helmsman/internal/budget"
	"github.com/FairForge/helmsman/internal/config"
	"github.com/FairForge/helmsman/internal/decision"
	"github.com/FairForge/helmsman/internal/hysteresis"
	"github.com/FairForge/helmsman/internal/metrics"
	"github.com/FairForge/helmsman/internal/sufficiency"
	"github.com/FairForge/helmsman/internal/telemetry"
)

// RunState is the controller's own operating state. In FAILSAFE and
// SUSPENDED the loop keeps ticking to detect recovery but applies nothing.
type RunState string

const (
	StateRunning   RunState = "RUNNING"
	StateFailsafe  RunState = "FAILSAFE"
	StateSuspended RunState = "SUSPENDED"
)

// Fail-safe entry reasons.
const (
	failsafeInternalError         = "internal_error"
	failsafeTelemetryInsufficient = "telemetry_insufficient"
)

var guardModes = []string{string(decision.ModeEnforce), string(decision.ModeShadow)}
var jobModes = []string{string(decision.ModeAccepting), string(decision.ModeBackpressure)}

// Controller runs the control loop: collect, evaluate, decide, filter,
// apply, audit. One tick at a time; ingestion happens concurrently through
// the telemetry collector.
type Controller struct {
	logger   *zap.Logger
	guard    Guard
	jobs     JobStore
	recorder *audit.Recorder

	collector *telemetry.Collector

	// Alert logs in degraded states are rate limited so a stuck controller
	// does not flood its own logs.
	alerts *rate.Limiter

	mu           sync.RWMutex
	state        RunState
	cfg          *config.Config
	calculator   *budget.Calculator
	engine       *decision.Engine
	filter       *hysteresis.Filter
	allow        *allowlist.Manager
	levers       map[string]decision.Lever // subsystem -> lever
	lastTick     time.Time
	lastRejected int64
}

// New wires a controller from a validated config snapshot and its
// collaborators. Initial per-subsystem modes are read from the
// collaborators so a restart never guesses.
func New(cfg *config.Config, guard Guard, jobs JobStore, kill decision.KillSwitchManager, recorder *audit.Recorder, logger *zap.Logger) (*Controller, error) {
	if guard == nil || jobs == nil || kill == nil {
		return nil, errors.New("controller: guard, job store and kill switch are required")
	}

	levers := make(map[string]decision.Lever)
	for _, r := range cfg.Rules {
		if existing, ok := levers[r.SubsystemID]; ok && existing != r.Lever {
			return nil, fmt.Errorf("controller: subsystem %q drives conflicting levers", r.SubsystemID)
		}
		levers[r.SubsystemID] = r.Lever
	}

	initCtx, cancel := context.WithTimeout(context.Background(), cfg.Controller.ApplyTimeout)
	defer cancel()

	modes := make(map[string]decision.Mode, len(levers))
	for sub, lever := range levers {
		switch lever {
		case decision.LeverGuardMode:
			m, err := guard.CurrentMode(initCtx, "")
			if err != nil {
				return nil, fmt.Errorf("controller: read guard mode: %w", err)
			}
			modes[sub] = m
		case decision.LeverJobAdmission:
			accepting, err := jobs.Accepting(initCtx)
			if err != nil {
				return nil, fmt.Errorf("controller: read job admission state: %w", err)
			}
			if accepting {
				modes[sub] = decision.ModeAccepting
			} else {
				modes[sub] = decision.ModeBackpressure
			}
		}
	}

	c := &Controller{
		logger:     logger,
		guard:      guard,
		jobs:       jobs,
		recorder:   recorder,
		collector:  telemetry.NewCollector(cfg.Controller.ControlLoopInterval, cfg.Controller.SampleRetention),
		alerts:     rate.NewLimiter(rate.Every(30*time.Second), 1),
		state:      StateRunning,
		cfg:        cfg,
		calculator: budget.NewCalculator(cfg.Budgets),
		engine:     decision.NewEngine(cfg.Rules, kill, logger),
		filter:     hysteresis.NewFilter(cfg.Hysteresis, modes, logger),
		allow:      allowlist.NewManager(cfg.Allowlist),
		levers:     levers,
	}
	return c, nil
}

// Collector exposes the ingestion side for telemetry producers.
func (c *Controller) Collector() *telemetry.Collector { return c.collector }

// Recorder exposes the audit trail for the admin API.
func (c *Controller) Recorder() *audit.Recorder { return c.recorder }

// State returns the controller run state.
func (c *Controller) State() RunState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Modes returns the tracked per-subsystem modes.
func (c *Controller) Modes() map[string]decision.Mode {
	return c.filter.Modes()
}

// HysteresisState returns a subsystem's damping state for diagnostics.
func (c *Controller) HysteresisState(subsystemID string) (hysteresis.State, bool) {
	return c.filter.Snapshot(subsystemID)
}

// Budgets evaluates current budget statuses for the admin API.
func (c *Controller) Budgets(now time.Time) []budget.Status {
	c.mu.RLock()
	calc := c.calculator
	c.mu.RUnlock()
	return calc.Evaluate(c.collector.Snapshot(), now)
}

// Run drives the tick loop until the context is cancelled. Ticks never
// overlap; an overrunning tick delays the next one.
func (c *Controller) Run(ctx context.Context) {
	interval := c.interval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info("control loop started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("control loop stopped")
			return
		case now := <-ticker.C:
			c.Tick(now)
			if d := c.interval(); d != interval {
				interval = d
				ticker.Reset(d)
			}
		}
	}
}

func (c *Controller) interval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg.Controller.ControlLoopInterval
}

// Tick runs one control cycle. Nothing escapes it: internal failures land
// in FAILSAFE with modes frozen exactly as they were.
func (c *Controller) Tick(now time.Time) {
	start := time.Now()
	defer func() { metrics.ObserveLoopDuration(time.Since(start)) }()
	defer func() {
		if r := recover(); r != nil {
			c.enterFailsafe(fmt.Errorf("panic: %v", r))
		}
	}()

	c.mu.Lock()
	c.lastTick = now
	cfg := c.cfg
	calc := c.calculator
	levers := c.levers
	c.mu.Unlock()

	snapshot := c.collector.Snapshot()
	c.collector.Prune(now)
	health := c.collector.CheckHealth(now)

	suff := c.checkSufficiency(cfg, levers, snapshot, health, now)
	anySufficient := false
	for _, r := range suff {
		if r.IsSufficient {
			anySufficient = true
			break
		}
	}

	if !c.gateRunState(anySufficient) {
		return
	}

	budgets := calc.Evaluate(snapshot, now)
	for _, b := range budgets {
		metrics.SetBudgetRemaining(b.SubsystemID, b.Metric, b.BudgetRemainingPct)
	}

	evals := c.evaluateMetrics(cfg, snapshot, suff, now)
	signals := c.engine.Decide(evals, budgets, c.filter.Modes(), now)
	signals = c.filterAllowlist(signals)
	accepted := c.filter.Filter(signals, now)

	for _, sig := range accepted {
		c.apply(sig, now)
	}

	c.publishGauges(levers, now)
}

// gateRunState resolves the controller's own state machine for this tick.
// It returns false when the decision pipeline must be skipped.
func (c *Controller) gateRunState(anySufficient bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateRunning:
		if anySufficient {
			return true
		}
		c.state = StateSuspended
		metrics.RecordFailsafe(failsafeTelemetryInsufficient)
		metrics.RecordTelemetryInsufficient()
		c.logger.Error("all telemetry insufficient, controller suspended")
		return false
	case StateSuspended, StateFailsafe:
		if anySufficient {
			c.logger.Info("telemetry recovered, controller resuming",
				zap.String("from", string(c.state)))
			c.state = StateRunning
			return true
		}
		metrics.RecordTelemetryInsufficient()
		if c.alerts.Allow() {
			c.logger.Error("controller degraded, no signals emitted",
				zap.String("state", string(c.state)))
		}
		return false
	}
	return false
}

func (c *Controller) enterFailsafe(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateFailsafe {
		metrics.RecordFailsafe(failsafeInternalError)
	}
	c.state = StateFailsafe
	c.logger.Error("internal error, controller entering fail-safe", zap.Error(err))
}

// checkSufficiency runs the sufficiency gates once per monitored subsystem,
// using that subsystem's samples and requiring its own source fresh on top
// of any globally required sources from the configuration.
func (c *Controller) checkSufficiency(cfg *config.Config, levers map[string]decision.Lever, snapshot map[string][]telemetry.MetricSample, health []telemetry.SourceHealth, now time.Time) map[string]sufficiency.Result {
	results := make(map[string]sufficiency.Result, len(levers))
	for sub := range levers {
		subCfg := cfg.Sufficiency
		subCfg.RequiredSources = append([]string{sub}, cfg.Sufficiency.RequiredSources...)
		results[sub] = sufficiency.NewChecker(subCfg).Check(snapshot[sub], health, now)
	}
	return results
}

// evaluateMetrics turns this tick's snapshot into per-target metric values.
// Subsystems without sufficient telemetry contribute nothing, which
// suspends both downgrade and upgrade decisions for them.
func (c *Controller) evaluateMetrics(cfg *config.Config, snapshot map[string][]telemetry.MetricSample, suff map[string]sufficiency.Result, now time.Time) []decision.MetricEval {
	windowStart := now.Add(-cfg.Sufficiency.Window)

	var evals []decision.MetricEval
	for _, rule := range cfg.Rules {
		res, ok := suff[rule.SubsystemID]
		if !ok || !res.IsSufficient {
			if ok {
				metrics.RecordTelemetryInsufficient()
				c.logger.Warn("telemetry insufficient, skipping subsystem",
					zap.String("subsystem", rule.SubsystemID),
					zap.String("reason", res.Reason))
			}
			continue
		}

		type key struct{ tenant, endpoint string }
		sums := make(map[key]float64)
		counts := make(map[key]int)
		for _, s := range snapshot[rule.SubsystemID] {
			if s.MetricName != rule.MetricName || s.Timestamp.Before(windowStart) || s.Timestamp.After(now) {
				continue
			}
			k := key{s.TenantID, s.EndpointClass}
			sums[k] += s.Value
			counts[k]++
		}

		keys := make([]key, 0, len(sums))
		for k := range sums {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			if keys[i].tenant != keys[j].tenant {
				return keys[i].tenant < keys[j].tenant
			}
			return keys[i].endpoint < keys[j].endpoint
		})
		for _, k := range keys {
			evals = append(evals, decision.MetricEval{
				SubsystemID:   rule.SubsystemID,
				MetricName:    rule.MetricName,
				TenantID:      k.tenant,
				EndpointClass: k.endpoint,
				Value:         sums[k] / float64(counts[k]),
			})
		}
	}
	return evals
}

func (c *Controller) filterAllowlist(signals []decision.ControlSignal) []decision.ControlSignal {
	var allowed []decision.ControlSignal
	for _, sig := range signals {
		if !c.allow.Allows(sig.TenantID, sig.EndpointClass, sig.SubsystemID) {
			c.logger.Info("signal outside allowlist dropped",
				zap.String("subsystem", sig.SubsystemID),
				zap.String("tenant", sig.TenantID),
				zap.String("endpoint_class", sig.EndpointClass))
			continue
		}
		allowed = append(allowed, sig)
	}
	return allowed
}

// apply calls the collaborator for one accepted signal under a bounded
// timeout. Failure leaves hysteresis untouched so the next tick retries
// from fresh telemetry; success commits state and audits, together.
func (c *Controller) apply(sig decision.ControlSignal, now time.Time) {
	c.mu.RLock()
	timeout := c.cfg.Controller.ApplyTimeout
	c.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var (
		err     error
		newMode decision.Mode
	)
	switch sig.SignalType {
	case decision.SignalSwitchToShadow:
		err = c.guard.SwitchToShadow(ctx, sig.EndpointClass, sig.TenantID, sig.CorrelationID)
		newMode = decision.ModeShadow
	case decision.SignalRestoreEnforce:
		err = c.guard.RestoreEnforce(ctx, sig.EndpointClass, sig.TenantID, sig.CorrelationID)
		newMode = decision.ModeEnforce
	case decision.SignalStopAcceptingJobs:
		err = c.jobs.StopAcceptingJobs(ctx, sig.CorrelationID)
		newMode = decision.ModeBackpressure
	case decision.SignalResumeAccepting:
		err = c.jobs.ResumeAcceptingJobs(ctx, sig.CorrelationID)
		newMode = decision.ModeAccepting
	default:
		c.logger.Error("unknown signal type", zap.String("signal", string(sig.SignalType)))
		return
	}
	if err != nil {
		c.logger.Warn("signal apply failed, will re-evaluate next tick",
			zap.String("subsystem", sig.SubsystemID),
			zap.String("signal", string(sig.SignalType)),
			zap.Error(err))
		return
	}

	prev, _ := c.filter.Mode(sig.SubsystemID)
	c.filter.Commit(sig.SubsystemID, newMode, now)
	c.recordTransition(sig, prev, newMode, audit.ActorController)

	if c.filter.DetectOscillation(sig.SubsystemID) {
		metrics.RecordOscillation(sig.SubsystemID)
		c.logger.Warn("oscillation detected", zap.String("subsystem", sig.SubsystemID))
	}
}

func (c *Controller) recordTransition(sig decision.ControlSignal, prev, next decision.Mode, actor string) {
	errs := c.recorder.Record(audit.ControlDecisionEvent{
		CorrelationID: sig.CorrelationID,
		EventType:     audit.TypeModeTransition,
		Reason:        sig.Reason,
		PreviousMode:  string(prev),
		NewMode:       string(next),
		SubsystemID:   sig.SubsystemID,
		Timestamp:     sig.Timestamp,
		TriggerMetric: sig.MetricName,
		TriggerValue:  sig.TriggerValue,
		Threshold:     sig.Threshold,
		BurnRate:      sig.BurnRate,
		Actor:         actor,
	})
	for _, err := range errs {
		c.logger.Warn("audit sink write failed", zap.Error(err))
	}

	metrics.RecordSignal(string(sig.SignalType))
	metrics.RecordTransition(string(prev), string(next), sig.Reason)
	c.logger.Info("mode transition applied",
		zap.String("subsystem", sig.SubsystemID),
		zap.String("from", string(prev)),
		zap.String("to", string(next)),
		zap.String("reason", sig.Reason),
		zap.String("actor", actor),
		zap.String("correlation_id", sig.CorrelationID))
}

// publishGauges refreshes the per-subsystem observability gauges at the end
// of a tick.
func (c *Controller) publishGauges(levers map[string]decision.Lever, now time.Time) {
	for sub, lever := range levers {
		mode, ok := c.filter.Mode(sub)
		if !ok {
			continue
		}
		switch lever {
		case decision.LeverGuardMode:
			metrics.SetMode(sub, string(mode), guardModes)
		case decision.LeverJobAdmission:
			metrics.SetMode(sub, string(mode), jobModes)
			backpressure := mode == decision.ModeBackpressure
			metrics.SetBackpressure(backpressure)
			if backpressure {
				c.pollRejectedJobs()
			}
		}
		metrics.SetCooldown(sub, c.filter.InCooldown(sub, now))
	}
}

// pollRejectedJobs reads the collaborator's rejection counter outside the
// controller lock; the call can take up to the apply timeout.
func (c *Controller) pollRejectedJobs() {
	c.mu.RLock()
	timeout := c.cfg.Controller.ApplyTimeout
	c.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	total, err := c.jobs.RejectedJobs(ctx)
	if err != nil {
		c.logger.Warn("rejected-jobs poll failed", zap.Error(err))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if delta := total - c.lastRejected; delta > 0 {
		metrics.RecordRejectedJobs(float64(delta))
	}
	c.lastRejected = total
}

// OperatorRestore applies an operator-issued upgrade for a subsystem,
// bypassing hysteresis. It still audits and still respects the lever's
// idempotent collaborator contract.
func (c *Controller) OperatorRestore(subsystemID, actor, reason string) error {
	c.mu.RLock()
	lever, ok := c.levers[subsystemID]
	timeout := c.cfg.Controller.ApplyTimeout
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("controller: unknown subsystem %q", subsystemID)
	}
	if actor == "" {
		return errors.New("controller: actor is required")
	}
	if reason == "" {
		reason = "operator_restore"
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	now := time.Now().UTC()
	sig := decision.ControlSignal{
		SubsystemID:   subsystemID,
		PriorityLevel: decision.PriorityOverride,
		CorrelationID: newCorrelationID(),
		Timestamp:     now,
		Reason:        reason,
	}

	var (
		err     error
		newMode decision.Mode
	)
	switch lever {
	case decision.LeverGuardMode:
		sig.SignalType = decision.SignalRestoreEnforce
		err = c.guard.RestoreEnforce(ctx, "", "", sig.CorrelationID)
		newMode = decision.ModeEnforce
	case decision.LeverJobAdmission:
		sig.SignalType = decision.SignalResumeAccepting
		err = c.jobs.ResumeAcceptingJobs(ctx, sig.CorrelationID)
		newMode = decision.ModeAccepting
	}
	if err != nil {
		return fmt.Errorf("operator restore: %w", err)
	}

	prev, _ := c.filter.Mode(subsystemID)
	c.filter.ForceMode(subsystemID, newMode, now)
	c.recordTransition(sig, prev, newMode, actor)
	return nil
}

// ApplyConfig swaps in an accepted config reload and audits the change.
// Rules for subsystems the controller has not seen before are seeded from
// the collaborators' current modes. A change to any budget target is a
// window reset and is audited as such.
func (c *Controller) ApplyConfig(old, next *config.Config) {
	levers := make(map[string]decision.Lever, len(next.Rules))
	for _, r := range next.Rules {
		levers[r.SubsystemID] = r.Lever
	}
	c.seedNewSubsystems(levers, next.Controller.ApplyTimeout)

	c.mu.Lock()
	c.cfg = next
	c.calculator = budget.NewCalculator(next.Budgets)
	c.levers = levers
	c.mu.Unlock()

	c.collector.SetLimits(next.Controller.ControlLoopInterval, next.Controller.SampleRetention)
	c.engine.SetRules(next.Rules)
	c.filter.SetConfig(next.Hysteresis)
	c.allow.Replace(next.Allowlist)

	now := time.Now().UTC()
	corrID := newCorrelationID()
	c.recorder.Record(audit.ControlDecisionEvent{
		CorrelationID: corrID,
		EventType:     audit.TypeConfigChange,
		Reason:        "configuration_reloaded",
		PreviousMode:  string(c.State()),
		NewMode:       string(c.State()),
		SubsystemID:   "controller",
		Timestamp:     now,
		TriggerMetric: "config",
		Actor:         audit.ActorOperator,
	})

	if old != nil && budgetsChanged(old.Budgets, next.Budgets) {
		c.recorder.Record(audit.ControlDecisionEvent{
			CorrelationID: corrID,
			EventType:     audit.TypeBudgetReset,
			Reason:        "budget_targets_changed",
			PreviousMode:  string(c.State()),
			NewMode:       string(c.State()),
			SubsystemID:   "controller",
			Timestamp:     now,
			TriggerMetric: "error_budget_window",
			Actor:         audit.ActorOperator,
		})
	}
	c.logger.Info("configuration applied")
}

// seedNewSubsystems registers hysteresis state for subsystems a reload
// introduced, reading their current mode from the collaborators the same way
// New does. A failed read seeds the normal-operation mode; the next tick's
// decision cycle corrects it if the subsystem is actually degraded.
func (c *Controller) seedNewSubsystems(levers map[string]decision.Lever, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for sub, lever := range levers {
		if _, tracked := c.filter.Mode(sub); tracked {
			continue
		}
		var mode decision.Mode
		switch lever {
		case decision.LeverGuardMode:
			mode = decision.ModeEnforce
			if m, err := c.guard.CurrentMode(ctx, ""); err == nil {
				mode = m
			} else {
				c.logger.Warn("guard mode read failed, seeding enforce",
					zap.String("subsystem", sub), zap.Error(err))
			}
		case decision.LeverJobAdmission:
			mode = decision.ModeAccepting
			if accepting, err := c.jobs.Accepting(ctx); err == nil && !accepting {
				mode = decision.ModeBackpressure
			} else if err != nil {
				c.logger.Warn("job admission read failed, seeding accepting",
					zap.String("subsystem", sub), zap.Error(err))
			}
		}
		c.filter.Seed(sub, mode)
		c.logger.Info("subsystem registered from config reload",
			zap.String("subsystem", sub), zap.String("mode", string(mode)))
	}
}

func newCorrelationID() string {
	return uuid.New().String()
}

func budgetsChanged(a, b []budget.Target) bool {
	if len(a) != len(b) {
		return true
	}
	for i := range a {
		if a[i] != b[i] {
			return true
		}
	}
	return false
}
