// internal/controller/collaborators.go
package controller

import (
	"context"
	"sync"

	"github.com/FairForge/helmsman/internal/decision"
)

// Guard is the request-admission collaborator. Both setters are idempotent:
// switching to a mode the guard is already in succeeds without effect.
type Guard interface {
	CurrentMode(ctx context.Context, endpointClass string) (decision.Mode, error)
	SwitchToShadow(ctx context.Context, endpointClass, tenantID, correlationID string) error
	RestoreEnforce(ctx context.Context, endpointClass, tenantID, correlationID string) error
}

// JobStore is the background-job collaborator. Stopping admission gives new
// submissions a capacity-rejection outcome; in-flight jobs are untouched.
type JobStore interface {
	Accepting(ctx context.Context) (bool, error)
	StopAcceptingJobs(ctx context.Context, correlationID string) error
	ResumeAcceptingJobs(ctx context.Context, correlationID string) error
	RejectedJobs(ctx context.Context) (int64, error)
}

// FakeGuard is an in-memory Guard for tests and local runs.
type FakeGuard struct {
	mu    sync.Mutex
	modes map[string]decision.Mode // endpoint class -> mode
	Err   error                    // returned by setters when non-nil
	Calls []string
}

// NewFakeGuard creates a guard with every endpoint class enforcing.
func NewFakeGuard() *FakeGuard {
	return &FakeGuard{modes: make(map[string]decision.Mode)}
}

// CurrentMode returns the tracked mode, defaulting to ENFORCE.
func (g *FakeGuard) CurrentMode(_ context.Context, endpointClass string) (decision.Mode, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if m, ok := g.modes[endpointClass]; ok {
		return m, nil
	}
	return decision.ModeEnforce, nil
}

// SwitchToShadow moves an endpoint class to SHADOW.
func (g *FakeGuard) SwitchToShadow(ctx context.Context, endpointClass, tenantID, correlationID string) error {
	return g.set(ctx, "switch_to_shadow", endpointClass, decision.ModeShadow)
}

// RestoreEnforce moves an endpoint class back to ENFORCE.
func (g *FakeGuard) RestoreEnforce(ctx context.Context, endpointClass, tenantID, correlationID string) error {
	return g.set(ctx, "restore_enforce", endpointClass, decision.ModeEnforce)
}

func (g *FakeGuard) set(ctx context.Context, call, endpointClass string, mode decision.Mode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Err != nil {
		return g.Err
	}
	g.Calls = append(g.Calls, call+":"+endpointClass)
	g.modes[endpointClass] = mode
	return nil
}

// FakeJobStore is an in-memory JobStore for tests and local runs.
type FakeJobStore struct {
	mu        sync.Mutex
	accepting bool
	rejected  int64
	Err       error
	Calls     []string
}

// NewFakeJobStore creates a store that is accepting jobs.
func NewFakeJobStore() *FakeJobStore {
	return &FakeJobStore{accepting: true}
}

// Accepting reports the admission state.
func (j *FakeJobStore) Accepting(context.Context) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.accepting, nil
}

// StopAcceptingJobs pauses admission.
func (j *FakeJobStore) StopAcceptingJobs(ctx context.Context, correlationID string) error {
	return j.set(ctx, "stop_accepting_jobs", false)
}

// ResumeAcceptingJobs resumes admission.
func (j *FakeJobStore) ResumeAcceptingJobs(ctx context.Context, correlationID string) error {
	return j.set(ctx, "resume_accepting_jobs", true)
}

func (j *FakeJobStore) set(ctx context.Context, call string, accepting bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.Err != nil {
		return j.Err
	}
	j.Calls = append(j.Calls, call)
	j.accepting = accepting
	return nil
}

// RejectedJobs returns the cumulative rejection count.
func (j *FakeJobStore) RejectedJobs(context.Context) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.rejected, nil
}

// Reject simulates rejected submissions while paused.
func (j *FakeJobStore) Reject(n int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.rejected += n
}

// FakeKillSwitch is an injectable decision.KillSwitchManager.
type FakeKillSwitch struct {
	mu        sync.Mutex
	active    map[string]bool
	overrides map[string]*decision.Override
}

// NewFakeKillSwitch creates an inactive kill switch.
func NewFakeKillSwitch() *FakeKillSwitch {
	return &FakeKillSwitch{active: make(map[string]bool), overrides: make(map[string]*decision.Override)}
}

// SetActive toggles the hard stop for a subsystem.
func (k *FakeKillSwitch) SetActive(subsystemID string, active bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.active[subsystemID] = active
}

// SetOverride installs an operator override.
func (k *FakeKillSwitch) SetOverride(subsystemID string, o *decision.Override) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.overrides[subsystemID] = o
}

// IsActive implements decision.KillSwitchManager.
func (k *FakeKillSwitch) IsActive(subsystemID string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.active[subsystemID]
}

// ActiveOverride implements decision.KillSwitchManager.
func (k *FakeKillSwitch) ActiveOverride(subsystemID string) *decision.Override {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.overrides[subsystemID]
}
