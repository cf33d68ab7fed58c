// Package audit keeps a durable record of privileged actions: uploads,
// service lifecycle changes and sign-ins.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/tomyedwab/etes/sessions"
)

// EventType represents the type of audit event
type EventType string

const (
	EventUpload         EventType = "upload"
	EventUploadRejected EventType = "upload_rejected"
	EventServiceStart   EventType = "service_start"
	EventServiceStop    EventType = "service_stop"
	EventStopForbidden  EventType = "stop_forbidden"
	EventLogin          EventType = "login"
	EventLogout         EventType = "logout"
	EventLoginFailed    EventType = "login_failed"
)

// UploadActor is recorded for uploads, which authenticate with the shared
// API key rather than an operator identity.
const UploadActor = "api-key"

// Event represents an audit log entry in the database
type Event struct {
	ID        string `db:"id"`
	EventType string `db:"event_type"`
	Timestamp int64  `db:"timestamp"`
	Actor     string `db:"actor"`
	Target    string `db:"target"`
	Detail    string `db:"detail"`
}

// Logger writes audit events to SQLite.
type Logger struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewLogger(db *sqlx.DB) (*Logger, error) {
	if err := DBInit(db); err != nil {
		return nil, err
	}
	return &Logger{db: db, now: time.Now}, nil
}

// DBInit initializes the audit events database table
func DBInit(db *sqlx.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS audit_events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		actor TEXT NOT NULL,
		target TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT ''
	)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_events_timestamp ON audit_events(timestamp)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_events_actor ON audit_events(actor)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_events_event_type ON audit_events(event_type)`)
	return err
}

// ActorKey is how identity is stored. Anonymous caller ids are hashed so
// the log never holds a value that could be replayed as that caller.
func ActorKey(identity sessions.Identity) string {
	if identity.IsZero() {
		return ""
	}
	return identity.Public().Key()
}

func (l *Logger) insertEvent(event *Event) error {
	_, err := l.db.Exec(`
		INSERT INTO audit_events (id, event_type, timestamp, actor, target, detail)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID,
		event.EventType,
		event.Timestamp,
		event.Actor,
		event.Target,
		event.Detail,
	)
	return err
}

// Record stores one event. A nil Logger records nothing.
func (l *Logger) Record(eventType EventType, actor, target, detail string) error {
	if l == nil {
		return nil
	}
	return l.insertEvent(&Event{
		ID:        uuid.New().String(),
		EventType: string(eventType),
		Timestamp: l.now().UTC().Unix(),
		Actor:     actor,
		Target:    target,
		Detail:    detail,
	})
}

// LogUpload records a stored executable.
func (l *Logger) LogUpload(contentHash, triggerHash string) error {
	return l.Record(EventUpload, UploadActor, contentHash, "trigger="+triggerHash)
}

// LogUploadRejected records an upload that failed authentication or
// validation.
func (l *Logger) LogUploadRejected(contentHash, reason string) error {
	return l.Record(EventUploadRejected, UploadActor, contentHash, reason)
}

func (l *Logger) LogServiceStart(actor sessions.Identity, name, contentHash string) error {
	return l.Record(EventServiceStart, ActorKey(actor), name, "executable="+contentHash)
}

func (l *Logger) LogServiceStop(actor sessions.Identity, name string) error {
	return l.Record(EventServiceStop, ActorKey(actor), name, "")
}

func (l *Logger) LogStopForbidden(actor sessions.Identity, name string) error {
	return l.Record(EventStopForbidden, ActorKey(actor), name, "")
}

func (l *Logger) LogLogin(user sessions.GitHubUser) error {
	return l.Record(EventLogin, ActorKey(sessions.GitHub(user)), "", "")
}

func (l *Logger) LogLogout(actor sessions.Identity) error {
	return l.Record(EventLogout, ActorKey(actor), "", "")
}

func (l *Logger) LogLoginFailed(reason string) error {
	return l.Record(EventLoginFailed, "", "", reason)
}

// GetEventsByActor retrieves audit events for a specific identity
func (l *Logger) GetEventsByActor(actor sessions.Identity, limit int) ([]Event, error) {
	var events []Event
	err := l.db.Select(&events,
		"SELECT * FROM audit_events WHERE actor = $1 ORDER BY timestamp DESC LIMIT $2",
		ActorKey(actor), limit)
	return events, err
}

// GetEventsByType retrieves audit events of a specific type
func (l *Logger) GetEventsByType(eventType EventType, limit int) ([]Event, error) {
	var events []Event
	err := l.db.Select(&events,
		"SELECT * FROM audit_events WHERE event_type = $1 ORDER BY timestamp DESC LIMIT $2",
		string(eventType), limit)
	return events, err
}

// GetRecentEvents retrieves the most recent audit events
func (l *Logger) GetRecentEvents(limit int) ([]Event, error) {
	var events []Event
	err := l.db.Select(&events,
		"SELECT * FROM audit_events ORDER BY timestamp DESC LIMIT $1",
		limit)
	return events, err
}

// DeleteOldEvents deletes audit events older than the specified duration
func (l *Logger) DeleteOldEvents(olderThan time.Duration) (int64, error) {
	threshold := l.now().UTC().Add(-olderThan).Unix()
	result, err := l.db.Exec("DELETE FROM audit_events WHERE timestamp < $1", threshold)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// RunRetention deletes events older than retention every interval until
// ctx is cancelled.
func (l *Logger) RunRetention(ctx context.Context, retention, interval time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "audit")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := l.DeleteOldEvents(retention)
			if err != nil {
				logger.Error("Failed to delete old audit events", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("Deleted old audit events", "count", n)
			}
		}
	}
}
