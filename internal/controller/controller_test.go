// internal/controller/controller_test.go
package controller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/FairForge/helmsman/internal/allowlist"
	"github.com/FairForge/helmsman/internal/audit"
	"github.com/FairForge/helmsman/internal/budget"
	"github.com/FairForge/helmsman/internal/config"
	"github.com/FairForge/helmsman/internal/decision"
	"github.com/FairForge/helmsman/internal/hysteresis"
	"github.com/FairForge/helmsman/internal/sufficiency"
	"github.com/FairForge/helmsman/internal/telemetry"
)

func testConfig() *config.Config {
	cfg := &config.Config{
		Server: config.ServerConfig{Port: 8080},
		Controller: config.ControllerConfig{
			ControlLoopInterval: 30 * time.Second,
			ApplyTimeout:        2 * time.Second,
			SampleRetention:     time.Hour,
		},
		Hysteresis: hysteresis.Config{
			DwellTime:                 600 * time.Second,
			CooldownPeriod:            120 * time.Second,
			OscillationWindowSize:     6,
			OscillationMaxTransitions: 4,
		},
		Sufficiency: sufficiency.Config{
			Window:               5 * time.Minute,
			Interval:             30 * time.Second,
			MinSampleRatio:       0.8,
			MinBucketCoveragePct: 80,
		},
		Rules: []decision.Rule{
			{
				SubsystemID:    "guard",
				MetricName:     "p95_latency_seconds",
				Lever:          decision.LeverGuardMode,
				EnterThreshold: 2.0,
				ExitThreshold:  1.0,
			},
			{
				SubsystemID:    "jobs",
				MetricName:     "failure_rate",
				Lever:          decision.LeverJobAdmission,
				EnterThreshold: 0.2,
				ExitThreshold:  0.05,
			},
		},
		Allowlist: []allowlist.Entry{
			{TenantID: "*", EndpointClass: "*", SubsystemID: "guard"},
			{TenantID: "*", EndpointClass: "*", SubsystemID: "jobs"},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

type harness struct {
	ctrl  *Controller
	guard *FakeGuard
	jobs  *FakeJobStore
	kill  *FakeKillSwitch
	rec   *audit.Recorder
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	h := &harness{
		guard: NewFakeGuard(),
		jobs:  NewFakeJobStore(),
		kill:  NewFakeKillSwitch(),
		rec:   audit.NewRecorder(128),
	}
	ctrl, err := New(cfg, h.guard, h.jobs, h.kill, h.rec, zap.NewNop())
	require.NoError(t, err)
	h.ctrl = ctrl
	return h
}

// feedGuard fills the guard source with one p95 sample per 30s from 'from'
// through 'to' inclusive, keeping sufficiency satisfied.
func (h *harness) feedGuard(value float64, from, to time.Time) {
	for ts := from; !ts.After(to); ts = ts.Add(30 * time.Second) {
		h.ctrl.Collector().Ingest("guard", telemetry.MetricSample{
			MetricName:    "p95_latency_seconds",
			TenantID:      "acme",
			EndpointClass: "api",
			Value:         value,
			Timestamp:     ts,
		})
	}
}

func (h *harness) guardEvents() []audit.ControlDecisionEvent {
	return h.rec.Query("guard", time.Time{}, 0)
}

var base = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func TestNew(t *testing.T) {
	t.Run("seeds modes from collaborators", func(t *testing.T) {
		h := newHarness(t, testConfig())
		modes := h.ctrl.Modes()
		assert.Equal(t, decision.ModeEnforce, modes["guard"])
		assert.Equal(t, decision.ModeAccepting, modes["jobs"])
	})

	t.Run("picks up a paused job store", func(t *testing.T) {
		jobs := NewFakeJobStore()
		require.NoError(t, jobs.StopAcceptingJobs(context.Background(), "boot"))
		ctrl, err := New(testConfig(), NewFakeGuard(), jobs, NewFakeKillSwitch(), audit.NewRecorder(16), zap.NewNop())
		require.NoError(t, err)
		assert.Equal(t, decision.ModeBackpressure, ctrl.Modes()["jobs"])
	})

	t.Run("rejects nil collaborators", func(t *testing.T) {
		_, err := New(testConfig(), nil, NewFakeJobStore(), NewFakeKillSwitch(), audit.NewRecorder(16), zap.NewNop())
		assert.Error(t, err)
	})
}

func TestController_EndToEnd(t *testing.T) {
	t.Run("degrades once then restores once after dwell", func(t *testing.T) {
		h := newHarness(t, testConfig())

		// Latency has been 2.5s for the whole evaluation window.
		h.feedGuard(2.5, base.Add(-5*time.Minute), base)
		h.ctrl.Tick(base)

		events := h.guardEvents()
		require.Len(t, events, 1)
		assert.Equal(t, "SHADOW", events[0].NewMode)
		assert.Equal(t, "ENFORCE", events[0].PreviousMode)
		assert.Equal(t, decision.ReasonEnterThresholdExceeded, events[0].Reason)
		assert.Equal(t, audit.ActorController, events[0].Actor)
		assert.Equal(t, 2.0, events[0].Threshold)
		assert.NotEmpty(t, events[0].CorrelationID)

		// Latency recovers immediately after shadowing. The dwell window
		// still blocks any further transition for 600s.
		for i := 1; i <= 19; i++ {
			now := base.Add(time.Duration(i) * 30 * time.Second)
			h.feedGuard(0.8, now, now)
			h.ctrl.Tick(now)
			assert.Len(t, h.guardEvents(), 1, "no transition inside dwell (tick %d)", i)
		}

		// First tick at/after dwell expiry restores, exactly once.
		now := base.Add(600 * time.Second)
		h.feedGuard(0.8, now, now)
		h.ctrl.Tick(now)

		events = h.guardEvents()
		require.Len(t, events, 2)
		assert.Equal(t, "ENFORCE", events[0].NewMode)
		assert.Equal(t, decision.ReasonExitThresholdRecovered, events[0].Reason)

		// Steady state afterwards: no more events.
		for i := 21; i <= 25; i++ {
			now := base.Add(time.Duration(i) * 30 * time.Second)
			h.feedGuard(0.8, now, now)
			h.ctrl.Tick(now)
		}
		assert.Len(t, h.guardEvents(), 2)
	})

	t.Run("persistent breach yields exactly one event", func(t *testing.T) {
		h := newHarness(t, testConfig())
		h.feedGuard(2.5, base.Add(-5*time.Minute), base)

		for i := 0; i <= 20; i++ {
			now := base.Add(time.Duration(i) * 30 * time.Second)
			h.feedGuard(2.5, now, now)
			h.ctrl.Tick(now)
		}
		// Mode is SHADOW and 2.5 never crosses below exit, so one event.
		assert.Len(t, h.guardEvents(), 1)
		assert.Equal(t, decision.ModeShadow, h.ctrl.Modes()["guard"])
	})
}

func TestController_KillSwitch(t *testing.T) {
	h := newHarness(t, testConfig())
	h.kill.SetActive("guard", true)
	h.feedGuard(10, base.Add(-5*time.Minute), base)

	h.ctrl.Tick(base)

	assert.Empty(t, h.guardEvents())
	assert.Equal(t, decision.ModeEnforce, h.ctrl.Modes()["guard"])
	assert.Empty(t, h.guard.Calls)
}

func TestController_InsufficientTelemetry(t *testing.T) {
	t.Run("breach without data applies nothing", func(t *testing.T) {
		h := newHarness(t, testConfig())
		// Only a handful of samples: below the 0.8 ratio gate.
		h.feedGuard(10, base.Add(-time.Minute), base)

		h.ctrl.Tick(base)
		assert.Empty(t, h.guardEvents())
	})

	t.Run("suspends when every subsystem is blind, then recovers", func(t *testing.T) {
		h := newHarness(t, testConfig())

		h.ctrl.Tick(base)
		assert.Equal(t, StateSuspended, h.ctrl.State())

		// Still ticking while suspended, still no signals.
		h.ctrl.Tick(base.Add(30 * time.Second))
		assert.Equal(t, StateSuspended, h.ctrl.State())
		assert.Empty(t, h.guardEvents())

		// Telemetry returns: recovery is automatic on the next tick.
		now := base.Add(time.Minute)
		h.feedGuard(0.5, now.Add(-5*time.Minute), now)
		h.ctrl.Tick(now)
		assert.Equal(t, StateRunning, h.ctrl.State())
	})
}

type panickingGuard struct{ *FakeGuard }

func (p *panickingGuard) SwitchToShadow(context.Context, string, string, string) error {
	panic("guard wiring broken")
}

func TestController_Failsafe(t *testing.T) {
	h := &harness{
		jobs: NewFakeJobStore(),
		kill: NewFakeKillSwitch(),
		rec:  audit.NewRecorder(128),
	}
	pg := &panickingGuard{NewFakeGuard()}
	ctrl, err := New(testConfig(), pg, h.jobs, h.kill, h.rec, zap.NewNop())
	require.NoError(t, err)
	h.ctrl = ctrl

	h.feedGuard(2.5, base.Add(-5*time.Minute), base)
	before := h.ctrl.Modes()

	h.ctrl.Tick(base)

	assert.Equal(t, StateFailsafe, h.ctrl.State())
	assert.Equal(t, before, h.ctrl.Modes(), "modes frozen exactly as they were")
	assert.Empty(t, h.rec.Query("", time.Time{}, 0), "no transition audited")

	// Recovery is evaluated fresh on a later tick once telemetry is healthy.
	now := base.Add(time.Minute)
	h.feedGuard(0.5, now.Add(-5*time.Minute), now)
	h.ctrl.Tick(now)
	assert.Equal(t, StateRunning, h.ctrl.State())
}

func TestController_ApplyFailure(t *testing.T) {
	h := newHarness(t, testConfig())
	h.guard.Err = errors.New("guard unavailable")
	h.feedGuard(2.5, base.Add(-5*time.Minute), base)

	h.ctrl.Tick(base)

	// Failure: no event, no hysteresis advance, mode unchanged.
	assert.Empty(t, h.guardEvents())
	assert.Equal(t, decision.ModeEnforce, h.ctrl.Modes()["guard"])
	st, _ := h.ctrl.HysteresisState("guard")
	assert.True(t, st.LastTransitionTime.IsZero())

	// Next tick retries the same transition once the guard is back.
	h.guard.Err = nil
	now := base.Add(30 * time.Second)
	h.feedGuard(2.5, now, now)
	h.ctrl.Tick(now)

	require.Len(t, h.guardEvents(), 1)
	assert.Equal(t, decision.ModeShadow, h.ctrl.Modes()["guard"])
}

func TestController_EmptyAllowlist(t *testing.T) {
	cfg := testConfig()
	cfg.Allowlist = nil
	h := newHarness(t, cfg)
	h.feedGuard(2.5, base.Add(-5*time.Minute), base)

	h.ctrl.Tick(base)

	assert.Empty(t, h.guardEvents())
	assert.Equal(t, decision.ModeEnforce, h.ctrl.Modes()["guard"])
}

func TestController_OperatorRestore(t *testing.T) {
	h := newHarness(t, testConfig())
	h.feedGuard(2.5, base.Add(-5*time.Minute), base)
	h.ctrl.Tick(base)
	require.Equal(t, decision.ModeShadow, h.ctrl.Modes()["guard"])

	t.Run("bypasses hysteresis and audits the actor", func(t *testing.T) {
		// Immediately after the downgrade, deep inside dwell.
		require.NoError(t, h.ctrl.OperatorRestore("guard", "oncall@example.com", "incident resolved"))

		assert.Equal(t, decision.ModeEnforce, h.ctrl.Modes()["guard"])
		events := h.guardEvents()
		require.Len(t, events, 2)
		assert.Equal(t, "oncall@example.com", events[0].Actor)
		assert.Equal(t, "incident resolved", events[0].Reason)
		assert.Equal(t, "ENFORCE", events[0].NewMode)
	})

	t.Run("rejects unknown subsystem and missing actor", func(t *testing.T) {
		assert.Error(t, h.ctrl.OperatorRestore("mystery", "oncall", ""))
		assert.Error(t, h.ctrl.OperatorRestore("guard", "", ""))
	})
}

func TestController_ApplyConfig(t *testing.T) {
	h := newHarness(t, testConfig())
	old := testConfig()
	next := testConfig()
	next.Hysteresis.DwellTime = 5 * time.Minute

	t.Run("audits the change", func(t *testing.T) {
		h.ctrl.ApplyConfig(old, next)
		events := h.rec.Query("controller", time.Time{}, 0)
		require.Len(t, events, 1)
		assert.Equal(t, audit.TypeConfigChange, events[0].EventType)
	})

	t.Run("rule for a new subsystem becomes controllable", func(t *testing.T) {
		h := newHarness(t, testConfig())
		withCache := testConfig()
		withCache.Rules = append(withCache.Rules, decision.Rule{
			SubsystemID:    "cache",
			MetricName:     "p95_latency_seconds",
			Lever:          decision.LeverGuardMode,
			EnterThreshold: 2.0,
			ExitThreshold:  1.0,
		})
		withCache.Allowlist = append(withCache.Allowlist,
			allowlist.Entry{TenantID: "*", EndpointClass: "*", SubsystemID: "cache"})

		h.ctrl.ApplyConfig(testConfig(), withCache)
		assert.Equal(t, decision.ModeEnforce, h.ctrl.Modes()["cache"])

		for ts := base.Add(-5 * time.Minute); !ts.After(base); ts = ts.Add(30 * time.Second) {
			h.ctrl.Collector().Ingest("cache", telemetry.MetricSample{
				MetricName:    "p95_latency_seconds",
				TenantID:      "acme",
				EndpointClass: "api",
				Value:         2.5,
				Timestamp:     ts,
			})
		}
		h.ctrl.Tick(base)

		events := h.rec.Query("cache", time.Time{}, 0)
		require.Len(t, events, 1)
		assert.Equal(t, decision.ModeShadow, h.ctrl.Modes()["cache"])
	})

	t.Run("budget target change audits a window reset", func(t *testing.T) {
		withBudget := testConfig()
		withBudget.Budgets = []budget.Target{{
			SubsystemID:       "guard",
			Metric:            "availability",
			SLOTarget:         0.999,
			Window:            30 * 24 * time.Hour,
			BurnRateThreshold: 2.0,
			RequestsMetric:    "requests_total",
			ErrorsMetric:      "errors_total",
		}}

		h.ctrl.ApplyConfig(next, withBudget)

		events := h.rec.Query("controller", time.Time{}, 0)
		require.GreaterOrEqual(t, len(events), 3)
		types := []string{events[0].EventType, events[1].EventType}
		assert.Contains(t, types, audit.TypeBudgetReset)
		assert.Contains(t, types, audit.TypeConfigChange)
	})
}

func TestController_OneTransitionPerSubsystemPerTick(t *testing.T) {
	h := newHarness(t, testConfig())

	// Two tenants breach the same guard rule in the same window.
	for _, tenant := range []string{"acme", "globex"} {
		for ts := base.Add(-5 * time.Minute); !ts.After(base); ts = ts.Add(30 * time.Second) {
			h.ctrl.Collector().Ingest("guard", telemetry.MetricSample{
				MetricName:    "p95_latency_seconds",
				TenantID:      tenant,
				EndpointClass: "api",
				Value:         2.5,
				Timestamp:     ts,
			})
		}
	}

	h.ctrl.Tick(base)

	events := h.guardEvents()
	require.Len(t, events, 1)
	assert.Equal(t, string(decision.ModeEnforce), events[0].PreviousMode)
	assert.Equal(t, string(decision.ModeShadow), events[0].NewMode)
	assert.Equal(t, decision.ModeShadow, h.ctrl.Modes()["guard"])
}

// blockingJobStore parks RejectedJobs until released so the test can probe
// what else stays responsive meanwhile.
type blockingJobStore struct {
	*FakeJobStore
	entered chan struct{}
	release chan struct{}
}

func (b *blockingJobStore) RejectedJobs(ctx context.Context) (int64, error) {
	b.entered <- struct{}{}
	<-b.release
	return b.FakeJobStore.RejectedJobs(ctx)
}

func TestController_StateReadableDuringJobStorePoll(t *testing.T) {
	jobs := &blockingJobStore{
		FakeJobStore: NewFakeJobStore(),
		entered:      make(chan struct{}),
		release:      make(chan struct{}),
	}
	require.NoError(t, jobs.StopAcceptingJobs(context.Background(), "setup"))

	ctrl, err := New(testConfig(), NewFakeGuard(), jobs, NewFakeKillSwitch(), audit.NewRecorder(128), zap.NewNop())
	require.NoError(t, err)

	// Failure rate between exit and enter keeps BACKPRESSURE in place, so
	// the tick polls the rejection counter.
	for ts := base.Add(-5 * time.Minute); !ts.After(base); ts = ts.Add(30 * time.Second) {
		ctrl.Collector().Ingest("jobs", telemetry.MetricSample{
			MetricName:    "failure_rate",
			TenantID:      "acme",
			EndpointClass: "batch",
			Value:         0.1,
			Timestamp:     ts,
		})
	}

	tickDone := make(chan struct{})
	go func() {
		ctrl.Tick(base)
		close(tickDone)
	}()
	<-jobs.entered

	stateRead := make(chan RunState, 1)
	go func() { stateRead <- ctrl.State() }()
	select {
	case st := <-stateRead:
		assert.Equal(t, StateRunning, st)
	case <-time.After(2 * time.Second):
		t.Fatal("State blocked while the job store poll was in flight")
	}

	close(jobs.release)
	<-tickDone
}

func TestController_GlobalRequiredSource(t *testing.T) {
	cfg := testConfig()
	cfg.Sufficiency.RequiredSources = []string{"loadbalancer"}
	h := newHarness(t, cfg)
	h.feedGuard(2.5, base.Add(-5*time.Minute), base)

	// The globally required source has never reported; every subsystem is
	// held insufficient and no signal fires.
	h.ctrl.Tick(base)
	assert.Empty(t, h.guardEvents())
	assert.Equal(t, decision.ModeEnforce, h.ctrl.Modes()["guard"])

	h.ctrl.Collector().Ingest("loadbalancer", telemetry.MetricSample{
		MetricName: "heartbeat",
		Value:      1,
		Timestamp:  base,
	})
	h.ctrl.Tick(base.Add(30 * time.Second))
	assert.Len(t, h.guardEvents(), 1)
}
