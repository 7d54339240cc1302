// internal/audit/audit.go
package audit

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Actors recorded on decision events.
const (
	ActorController = "adaptive_controller"
	ActorOperator   = "operator"
)

// Event types beyond mode transitions.
const (
	TypeModeTransition = "mode_transition"
	TypeConfigChange   = "config_change"
	TypeBudgetReset    = "budget_window_reset"
)

// ControlDecisionEvent is the append-only audit record produced exactly once
// per applied mode transition. Every field is populated on every emission;
// downstream consumers depend on none of them being null.
type ControlDecisionEvent struct {
	EventID       uuid.UUID `json:"event_id"`
	CorrelationID string    `json:"correlation_id"`
	EventType     string    `json:"event_type"`
	Reason        string    `json:"reason"`
	PreviousMode  string    `json:"previous_mode"`
	NewMode       string    `json:"new_mode"`
	SubsystemID   string    `json:"subsystem_id"`
	Timestamp     time.Time `json:"timestamp"`
	TriggerMetric string    `json:"trigger_metric"`
	TriggerValue  float64   `json:"trigger_value"`
	Threshold     float64   `json:"threshold"`
	BurnRate      float64   `json:"burn_rate,omitempty"`
	Actor         string    `json:"actor"`
}

// Sink receives every recorded event. Implementations must not block the
// control loop; failures are theirs to report.
type Sink interface {
	Write(event ControlDecisionEvent) error
}

// Recorder keeps a bounded in-memory trail and fans events out to optional
// sinks. The trail is the source of truth for the admin API; sinks are
// best-effort durability.
type Recorder struct {
	capacity int
	sinks    []Sink

	mu     sync.RWMutex
	events []ControlDecisionEvent
}

// NewRecorder creates a recorder holding at most capacity events.
func NewRecorder(capacity int, sinks ...Sink) *Recorder {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Recorder{capacity: capacity, sinks: sinks}
}

// Record stamps missing fields and appends the event. Sink errors are
// returned for logging but never prevent the in-memory append.
func (r *Recorder) Record(event ControlDecisionEvent) []error {
	if event.EventID == uuid.Nil {
		event.EventID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.EventType == "" {
		event.EventType = TypeModeTransition
	}

	r.mu.Lock()
	r.events = append(r.events, event)
	if len(r.events) > r.capacity {
		r.events = r.events[len(r.events)-r.capacity:]
	}
	r.mu.Unlock()

	var errs []error
	for _, s := range r.sinks {
		if err := s.Write(event); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Query returns events matching the filters, newest first. Zero-value
// filters match everything.
func (r *Recorder) Query(subsystemID string, since time.Time, limit int) []ControlDecisionEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 || limit > len(r.events) {
		limit = len(r.events)
	}

	var out []ControlDecisionEvent
	for i := len(r.events) - 1; i >= 0 && len(out) < limit; i-- {
		e := r.events[i]
		if subsystemID != "" && e.SubsystemID != subsystemID {
			continue
		}
		if !since.IsZero() && e.Timestamp.Before(since) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Len returns the number of retained events.
func (r *Recorder) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.events)
}
