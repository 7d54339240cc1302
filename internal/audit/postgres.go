// internal/audit/postgres.go
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// PostgresSink appends decision events to a control_decision_events table.
// Writes are INSERT-only; nothing here updates or deletes.
type PostgresSink struct {
	db      *sql.DB
	timeout time.Duration
}

// NewPostgresSink opens a connection pool against the DSN. The controller
// wires this in only when an audit DSN is configured.
func NewPostgresSink(dsn string) (*PostgresSink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresSink{db: db, timeout: 2 * time.Second}, nil
}

// Write inserts one event. A bounded timeout keeps a wedged database from
// stalling the control loop.
func (s *PostgresSink) Write(event ControlDecisionEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	query := `
		INSERT INTO control_decision_events (
			event_id, correlation_id, event_type, reason, previous_mode,
			new_mode, subsystem_id, timestamp, trigger_metric, trigger_value,
			threshold, burn_rate, actor
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err := s.db.ExecContext(ctx, query,
		event.EventID,
		event.CorrelationID,
		event.EventType,
		event.Reason,
		event.PreviousMode,
		event.NewMode,
		event.SubsystemID,
		event.Timestamp,
		event.TriggerMetric,
		event.TriggerValue,
		event.Threshold,
		event.BurnRate,
		event.Actor,
	)
	if err != nil {
		return fmt.Errorf("insert decision event: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresSink) Close() error {
	return s.db.Close()
}
