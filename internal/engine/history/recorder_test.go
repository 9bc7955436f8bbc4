package history_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"factorypulse/internal/db"
	"factorypulse/internal/domain"
	"factorypulse/internal/engine/history"
	"factorypulse/internal/migrate"
)

func openDB(t *testing.T, migrated bool) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if migrated {
		if err := migrate.Migrate(context.Background(), conn); err != nil {
			t.Fatalf("migrate: %v", err)
		}
	}
	return conn
}

func TestRecordFillsIDAndTimestamp(t *testing.T) {
	conn := openDB(t, true)
	rec := history.Recorder{DB: conn, Now: func() time.Time { return time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC) }}
	from := "stage-a"
	out, err := rec.Record(context.Background(), domain.StageTransition{
		ProjectID:   "p1",
		OrgID:       "acme",
		FromStageID: &from,
		ToStageID:   "stage-b",
		ActorID:     "tester",
		Reason:      "Normal transition",
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if out.ID == "" || out.CreatedAt != "2026-02-01T12:00:00Z" {
		t.Fatalf("id/timestamp not filled: %+v", out)
	}
	var n int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM stage_transitions WHERE project_id='p1'`).Scan(&n); err != nil || n != 1 {
		t.Fatalf("expected 1 ledger row, got %d err=%v", n, err)
	}
}

func TestRecordWrapsStoreFailure(t *testing.T) {
	conn := openDB(t, false) // no schema, every insert fails
	rec := history.Recorder{DB: conn}
	_, err := rec.Record(context.Background(), domain.StageTransition{
		ProjectID: "p1", OrgID: "acme", ToStageID: "stage-b", ActorID: "tester", Reason: "Normal transition",
	})
	var pe *history.PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
	if pe.Unwrap() == nil {
		t.Fatalf("expected wrapped store error")
	}
}
