package journal

import (
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"argus/internal/models"
)

func setupJournal(t *testing.T) *Journal {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := Migrate(db); err != nil {
		t.Fatalf("Failed to migrate schema: %v", err)
	}
	return New(db)
}

func TestRecordAndReadEvents(t *testing.T) {
	j := setupJournal(t)

	evt := models.StreamEvent{
		Type: "machine_update",
		Data: json.RawMessage(`{"ip":"10.0.0.1","status":1}`),
	}
	if err := j.RecordEvent("active", evt, "10.0.0.1"); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}
	if err := j.RecordEvent("inactive", models.StreamEvent{Type: "machine_stopped"}, "10.0.0.2"); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}

	rows, err := j.RecentEvents(10)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	// Newest first.
	if rows[0].EventType != "machine_stopped" || rows[0].Stream != "inactive" {
		t.Errorf("row order wrong: %+v", rows[0])
	}
	if rows[1].IP != "10.0.0.1" || rows[1].Payload != `{"ip":"10.0.0.1","status":1}` {
		t.Errorf("row fields wrong: %+v", rows[1])
	}
}

func TestEventCountByStream(t *testing.T) {
	j := setupJournal(t)

	for i := 0; i < 3; i++ {
		if err := j.RecordEvent("active", models.StreamEvent{Type: "machine_update"}, ""); err != nil {
			t.Fatal(err)
		}
	}
	if err := j.RecordEvent("inactive", models.StreamEvent{Type: "machine_update"}, ""); err != nil {
		t.Fatal(err)
	}

	all, err := j.EventCount("")
	if err != nil || all != 4 {
		t.Errorf("total count: %d (%v)", all, err)
	}
	active, err := j.EventCount("active")
	if err != nil || active != 3 {
		t.Errorf("active count: %d (%v)", active, err)
	}
}

func TestRecentEventsLimit(t *testing.T) {
	j := setupJournal(t)

	for i := 0; i < 8; i++ {
		if err := j.RecordEvent("active", models.StreamEvent{Type: "machine_update"}, ""); err != nil {
			t.Fatal(err)
		}
	}

	rows, err := j.RecentEvents(5)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 5 {
		t.Errorf("expected 5 rows, got %d", len(rows))
	}
}

func TestRecordStorageSnapshot(t *testing.T) {
	j := setupJournal(t)

	alert := models.StorageAlert{
		IP:           "10.0.0.9",
		ComputerName: "lab-09",
		TotalSpace:   "931.51",
		UsedSpace:    "850.00",
		FreeSpace:    "81.51",
		UsedPercent:  91.3,
		Timestamp:    time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC),
	}
	if err := j.RecordStorage(alert); err != nil {
		t.Fatalf("RecordStorage: %v", err)
	}

	var ip, name, used string
	var pct float64
	err := j.db.QueryRow(`SELECT ip, computer_name, used_gb, used_percent FROM storage_snapshots`).
		Scan(&ip, &name, &used, &pct)
	if err != nil {
		t.Fatal(err)
	}
	if ip != "10.0.0.9" || name != "lab-09" || used != "850.00" || pct != 91.3 {
		t.Errorf("snapshot row: %s %s %s %v", ip, name, used, pct)
	}
}

func TestPruneRemovesOldRows(t *testing.T) {
	j := setupJournal(t)

	old := time.Now().UTC().Add(-48 * time.Hour).Format(timeFormat)
	if _, err := j.db.Exec(
		`INSERT INTO stream_events (stream, event_type, received_at) VALUES ('active', 'machine_update', ?)`,
		old); err != nil {
		t.Fatal(err)
	}
	if err := j.RecordEvent("active", models.StreamEvent{Type: "machine_update"}, ""); err != nil {
		t.Fatal(err)
	}

	if err := j.Prune(24 * time.Hour); err != nil {
		t.Fatalf("Prune: %v", err)
	}

	n, err := j.EventCount("")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 row to survive prune, got %d", n)
	}
}

func TestRetentionLoopPrunes(t *testing.T) {
	j := setupJournal(t)

	old := time.Now().UTC().Add(-48 * time.Hour).Format(timeFormat)
	if _, err := j.db.Exec(
		`INSERT INTO stream_events (stream, event_type, received_at) VALUES ('active', 'machine_update', ?)`,
		old); err != nil {
		t.Fatal(err)
	}

	stop := j.StartRetention(10*time.Millisecond, 24*time.Hour)
	defer stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, err := j.EventCount("")
		if err != nil {
			t.Fatal(err)
		}
		if n == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("retention loop never pruned the stale row")
}
