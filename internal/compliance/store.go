// Package compliance provides PostgreSQL-backed storage for error and
// critical compliance alerts, giving realm admins a durable audit trail
// beyond the broker's bounded replay window. Store failures never
// propagate into event distribution; callers log and continue.
package compliance

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // postgres driver

	"github.com/voiceops/admin-gateway/internal/event"
)

// Store manages compliance alert records in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL, verifies the connection, and applies
// pending schema migrations.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("compliance: open postgres: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("compliance: postgres connection failed: %w", err)
	}

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// NewStore wraps an existing database handle (used by tests and callers
// that manage migrations themselves).
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// RecordAlert inserts one alert row. Called by the distribution engine for
// error/critical severities only.
func (s *Store) RecordAlert(ctx context.Context, e *event.Event, p event.ComplianceAlertPayload) error {
	const query = `
		INSERT INTO compliance_alerts (event_id, realm, severity, rule, message, session_id, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.Realm,
		p.Severity,
		p.Rule,
		p.Message,
		e.SessionID,
		e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("compliance: insert alert: %w", err)
	}
	return nil
}

// CountRecent returns the number of alerts recorded for a realm within the
// given window, useful for escalation thresholds.
func (s *Store) CountRecent(ctx context.Context, realm string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM compliance_alerts
		WHERE realm = $1
		  AND created_at >= NOW() - $2::interval`

	var count int
	err := s.db.QueryRowContext(ctx, query, realm, window.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("compliance: count recent: %w", err)
	}
	return count, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
