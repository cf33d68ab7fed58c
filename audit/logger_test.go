package audit

import (
	"os"
	"path"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/tomyedwab/etes/sessions"
)

// setupTestDB creates a temporary test database
func setupTestDB(t *testing.T) *sqlx.DB {
	tmpDir := t.TempDir()
	dbPath := path.Join(tmpDir, "test_audit.db")
	db := sqlx.MustConnect("sqlite3", dbPath)
	t.Cleanup(func() {
		db.Close()
		os.Remove(dbPath)
	})
	return db
}

func TestDBInit(t *testing.T) {
	db := setupTestDB(t)
	if err := DBInit(db); err != nil {
		t.Fatalf("DBInit returned error: %v", err)
	}
	// Running twice must be harmless.
	if err := DBInit(db); err != nil {
		t.Fatalf("Second DBInit returned error: %v", err)
	}

	var count int
	err := db.Get(&count, "SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND tbl_name='audit_events'")
	if err != nil {
		t.Fatalf("Failed to query indexes: %v", err)
	}
	if count < 3 {
		t.Errorf("Expected at least 3 indexes, got %d", count)
	}
}

func TestActorKeyHashesAnonymous(t *testing.T) {
	key := ActorKey(sessions.Anonymous("browser-1"))
	if key != "anonymous:"+sessions.HashCallerID("browser-1") {
		t.Errorf("Unexpected anonymous actor key %q", key)
	}
	if got := ActorKey(sessions.GitHub(sessions.GitHubUser{Login: "octo"})); got != "github:octo" {
		t.Errorf("Unexpected GitHub actor key %q", got)
	}
	if ActorKey(sessions.Identity{}) != "" {
		t.Error("Expected empty key for zero identity")
	}
}

func TestServiceEvents(t *testing.T) {
	db := setupTestDB(t)
	logger, err := NewLogger(db)
	if err != nil {
		t.Fatalf("NewLogger returned error: %v", err)
	}
	alice := sessions.Anonymous("alice-browser")
	bob := sessions.GitHub(sessions.GitHubUser{Login: "bob"})

	if err := logger.LogServiceStart(alice, "red-fox", "abc123"); err != nil {
		t.Fatalf("LogServiceStart returned error: %v", err)
	}
	if err := logger.LogStopForbidden(bob, "red-fox"); err != nil {
		t.Fatalf("LogStopForbidden returned error: %v", err)
	}
	if err := logger.LogServiceStop(alice, "red-fox"); err != nil {
		t.Fatalf("LogServiceStop returned error: %v", err)
	}

	events, err := logger.GetEventsByActor(alice, 10)
	if err != nil {
		t.Fatalf("GetEventsByActor returned error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Expected 2 events for alice, got %d", len(events))
	}
	for _, e := range events {
		if e.Actor == "anonymous:alice-browser" {
			t.Error("Raw caller id must not be stored")
		}
		if e.Target != "red-fox" {
			t.Errorf("Expected target red-fox, got %q", e.Target)
		}
	}

	forbidden, err := logger.GetEventsByType(EventStopForbidden, 10)
	if err != nil {
		t.Fatalf("GetEventsByType returned error: %v", err)
	}
	if len(forbidden) != 1 || forbidden[0].Actor != "github:bob" {
		t.Errorf("Unexpected forbidden events %+v", forbidden)
	}
}

func TestUploadAndLoginEvents(t *testing.T) {
	db := setupTestDB(t)
	logger, _ := NewLogger(db)

	logger.LogUpload("c0ffee", "beef")
	logger.LogUploadRejected("c0ffee", "invalid credentials")
	logger.LogLogin(sessions.GitHubUser{Login: "octo"})
	logger.LogLoginFailed("csrf state mismatch")
	logger.LogLogout(sessions.GitHub(sessions.GitHubUser{Login: "octo"}))

	recent, err := logger.GetRecentEvents(10)
	if err != nil {
		t.Fatalf("GetRecentEvents returned error: %v", err)
	}
	if len(recent) != 5 {
		t.Fatalf("Expected 5 events, got %d", len(recent))
	}

	uploads, _ := logger.GetEventsByType(EventUpload, 10)
	if len(uploads) != 1 || uploads[0].Actor != UploadActor || uploads[0].Detail != "trigger=beef" {
		t.Errorf("Unexpected upload events %+v", uploads)
	}
	failed, _ := logger.GetEventsByType(EventLoginFailed, 10)
	if len(failed) != 1 || failed[0].Detail != "csrf state mismatch" {
		t.Errorf("Unexpected login_failed events %+v", failed)
	}
}

func TestGetRecentEventsLimit(t *testing.T) {
	db := setupTestDB(t)
	logger, _ := NewLogger(db)
	for i := 0; i < 5; i++ {
		logger.LogUpload("c0ffee", "beef")
	}
	events, err := logger.GetRecentEvents(3)
	if err != nil {
		t.Fatalf("GetRecentEvents returned error: %v", err)
	}
	if len(events) != 3 {
		t.Errorf("Expected 3 events, got %d", len(events))
	}
}

func TestDeleteOldEvents(t *testing.T) {
	db := setupTestDB(t)
	logger, _ := NewLogger(db)

	now := time.Now()
	logger.now = func() time.Time { return now.Add(-48 * time.Hour) }
	logger.LogUpload("old", "old")
	logger.now = func() time.Time { return now }
	logger.LogUpload("new", "new")

	deleted, err := logger.DeleteOldEvents(24 * time.Hour)
	if err != nil {
		t.Fatalf("DeleteOldEvents returned error: %v", err)
	}
	if deleted != 1 {
		t.Errorf("Expected 1 deleted event, got %d", deleted)
	}
	remaining, _ := logger.GetRecentEvents(10)
	if len(remaining) != 1 || remaining[0].Target != "new" {
		t.Errorf("Unexpected remaining events %+v", remaining)
	}
}
