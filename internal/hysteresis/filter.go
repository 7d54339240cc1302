// internal/hysteresis/filter.go
package hysteresis

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/helmsman/internal/decision"
)

// Config damps mode transitions. Dwell applies after a transition, cooldown
// after any signal; the oscillation settings bound the advisory detector.
type Config struct {
	DwellTime                 time.Duration `json:"dwell_time"`
	CooldownPeriod            time.Duration `json:"cooldown_period"`
	OscillationWindowSize     int           `json:"oscillation_window_size"`
	OscillationMaxTransitions int           `json:"oscillation_max_transitions"`
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.DwellTime <= 0 {
		return errors.New("hysteresis: dwell_time must be positive")
	}
	if c.CooldownPeriod <= 0 {
		return errors.New("hysteresis: cooldown_period must be positive")
	}
	if c.OscillationWindowSize <= 0 {
		return errors.New("hysteresis: oscillation_window_size must be positive")
	}
	if c.OscillationMaxTransitions <= 0 {
		return errors.New("hysteresis: oscillation_max_transitions must be positive")
	}
	return nil
}

// Transition is one applied mode change, kept in a bounded trailing history.
type Transition struct {
	Timestamp time.Time     `json:"timestamp"`
	From      decision.Mode `json:"from"`
	To        decision.Mode `json:"to"`
}

// State is the only record that persists across ticks, one per subsystem.
// It is touched only from the tick goroutine.
type State struct {
	SubsystemID        string        `json:"subsystem_id"`
	CurrentMode        decision.Mode `json:"current_mode"`
	LastTransitionTime time.Time     `json:"last_transition_time"`
	LastSignalTime     time.Time     `json:"last_signal_time"`
	TransitionHistory  []Transition  `json:"transition_history"`
}

// Filter enforces dwell and cooldown on candidate signals and tracks the
// per-subsystem mode. Admission (Filter) and advancement (Commit) are split:
// state only moves once a signal has actually been applied downstream.
type Filter struct {
	cfg    Config
	logger *zap.Logger

	mu     sync.RWMutex
	states map[string]*State
}

// NewFilter creates a filter seeded with each subsystem's current mode.
func NewFilter(cfg Config, initialModes map[string]decision.Mode, logger *zap.Logger) *Filter {
	states := make(map[string]*State, len(initialModes))
	for sub, mode := range initialModes {
		states[sub] = &State{SubsystemID: sub, CurrentMode: mode}
	}
	return &Filter{cfg: cfg, logger: logger, states: states}
}

// SetConfig swaps damping parameters, used on config reload. Existing state
// is kept; a reload never resets dwell or cooldown clocks.
func (f *Filter) SetConfig(cfg Config) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg = cfg
}

// Filter drops candidates still inside dwell or cooldown and returns the
// survivors in input order. At most one signal per subsystem survives a
// batch; accepting one starts the cooldown for the rest of the batch.
// Dropped signals are logged, never queued.
func (f *Filter) Filter(signals []decision.ControlSignal, now time.Time) []decision.ControlSignal {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var accepted []decision.ControlSignal
	admitted := make(map[string]bool)
	for _, sig := range signals {
		st, ok := f.states[sig.SubsystemID]
		if !ok {
			f.logger.Warn("signal for unknown subsystem dropped",
				zap.String("subsystem", sig.SubsystemID))
			continue
		}
		if admitted[sig.SubsystemID] {
			f.logger.Info("signal dropped, subsystem already transitioning this batch",
				zap.String("subsystem", sig.SubsystemID),
				zap.String("signal", string(sig.SignalType)))
			continue
		}
		if !st.LastTransitionTime.IsZero() && now.Sub(st.LastTransitionTime) < f.cfg.DwellTime {
			f.logger.Info("signal dropped inside dwell window",
				zap.String("subsystem", sig.SubsystemID),
				zap.String("signal", string(sig.SignalType)),
				zap.Duration("since_transition", now.Sub(st.LastTransitionTime)))
			continue
		}
		if !st.LastSignalTime.IsZero() && now.Sub(st.LastSignalTime) < f.cfg.CooldownPeriod {
			f.logger.Info("signal dropped inside cooldown",
				zap.String("subsystem", sig.SubsystemID),
				zap.String("signal", string(sig.SignalType)))
			continue
		}
		admitted[sig.SubsystemID] = true
		accepted = append(accepted, sig)
	}
	return accepted
}

// Seed registers a subsystem at its current mode if it is not already
// tracked. Existing state is never replaced, so a reload keeps every clock.
func (f *Filter) Seed(subsystemID string, mode decision.Mode) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.states[subsystemID]; !ok {
		f.states[subsystemID] = &State{SubsystemID: subsystemID, CurrentMode: mode}
	}
}

// Commit advances state after a signal has been applied: records the
// transition, stamps the clocks and bounds the history.
func (f *Filter) Commit(subsystemID string, to decision.Mode, now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()

	st, ok := f.states[subsystemID]
	if !ok {
		return
	}
	from := st.CurrentMode
	st.CurrentMode = to
	st.LastTransitionTime = now
	st.LastSignalTime = now
	st.TransitionHistory = append(st.TransitionHistory, Transition{Timestamp: now, From: from, To: to})
	if len(st.TransitionHistory) > f.cfg.OscillationWindowSize {
		st.TransitionHistory = st.TransitionHistory[len(st.TransitionHistory)-f.cfg.OscillationWindowSize:]
	}
}

// ForceMode records an operator-issued transition, bypassing dwell and
// cooldown but still stamping the clocks so automatic control backs off.
func (f *Filter) ForceMode(subsystemID string, to decision.Mode, now time.Time) {
	f.Commit(subsystemID, to, now)
}

// Mode returns the tracked mode for a subsystem.
func (f *Filter) Mode(subsystemID string) (decision.Mode, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	st, ok := f.states[subsystemID]
	if !ok {
		return "", false
	}
	return st.CurrentMode, true
}

// Modes returns the current mode of every tracked subsystem.
func (f *Filter) Modes() map[string]decision.Mode {
	f.mu.RLock()
	defer f.mu.RUnlock()

	modes := make(map[string]decision.Mode, len(f.states))
	for sub, st := range f.states {
		modes[sub] = st.CurrentMode
	}
	return modes
}

// InCooldown reports whether a subsystem is inside its cooldown window.
func (f *Filter) InCooldown(subsystemID string, now time.Time) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	st, ok := f.states[subsystemID]
	if !ok || st.LastSignalTime.IsZero() {
		return false
	}
	return now.Sub(st.LastSignalTime) < f.cfg.CooldownPeriod
}

// DetectOscillation reports whether the trailing history holds more than
// the configured number of transitions. Advisory only; it never blocks a
// signal, it just feeds an alert metric.
func (f *Filter) DetectOscillation(subsystemID string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	st, ok := f.states[subsystemID]
	if !ok {
		return false
	}
	return len(st.TransitionHistory) > f.cfg.OscillationMaxTransitions
}

// Snapshot returns a copy of a subsystem's state for diagnostics.
func (f *Filter) Snapshot(subsystemID string) (State, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	st, ok := f.states[subsystemID]
	if !ok {
		return State{}, false
	}
	cp := *st
	cp.TransitionHistory = make([]Transition, len(st.TransitionHistory))
	copy(cp.TransitionHistory, st.TransitionHistory)
	return cp, true
}
