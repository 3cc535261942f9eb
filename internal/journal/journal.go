// Package journal persists what the daemon saw: every applied stream
// event and every storage snapshot page, so a restarted dashboard can
// answer "what happened while I was away".
package journal

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"argus/internal/models"
)

const timeFormat = "2006-01-02 15:04:05"

// EventRow is one journaled stream event.
type EventRow struct {
	ID         int64     `json:"id"`
	Stream     string    `json:"stream"`
	EventType  string    `json:"event_type"`
	IP         string    `json:"ip,omitempty"`
	Payload    string    `json:"payload,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Journal wraps the sqlite database.
type Journal struct {
	db *sql.DB
}

// Open creates or opens the journal database at path and ensures the
// schema exists.
func Open(path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal at %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect journal: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		log.Printf("[Journal] WAL not available: %v", err)
	}

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

// New wraps an already-open database (tests use :memory:).
func New(db *sql.DB) *Journal {
	return &Journal{db: db}
}

// Migrate creates the journal schema.
func Migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS stream_events (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		stream      TEXT NOT NULL,
		event_type  TEXT NOT NULL,
		ip          TEXT,
		payload     TEXT,
		received_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_stream_events_type ON stream_events(event_type);
	CREATE INDEX IF NOT EXISTS idx_stream_events_ip ON stream_events(ip);

	CREATE TABLE IF NOT EXISTS storage_snapshots (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		ip            TEXT NOT NULL,
		computer_name TEXT,
		total_gb      TEXT,
		used_gb       TEXT,
		free_gb       TEXT,
		used_percent  REAL,
		captured_at   DATETIME,
		recorded_at   DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_storage_snapshots_ip ON storage_snapshots(ip);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create journal schema: %w", err)
	}
	return nil
}

// RecordEvent journals one applied stream event. ip may be empty for
// events that are not about a single machine.
func (j *Journal) RecordEvent(stream string, evt models.StreamEvent, ip string) error {
	_, err := j.db.Exec(`
		INSERT INTO stream_events (stream, event_type, ip, payload)
		VALUES (?, ?, ?, ?)`,
		stream, evt.Type, ip, string(evt.Data),
	)
	if err != nil {
		return fmt.Errorf("journal event: %w", err)
	}
	return nil
}

// RecordStorage journals one storage snapshot.
func (j *Journal) RecordStorage(alert models.StorageAlert) error {
	_, err := j.db.Exec(`
		INSERT INTO storage_snapshots
			(ip, computer_name, total_gb, used_gb, free_gb, used_percent, captured_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		alert.IP, alert.ComputerName, alert.TotalSpace, alert.UsedSpace,
		alert.FreeSpace, alert.UsedPercent, alert.Timestamp.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("journal storage snapshot: %w", err)
	}
	return nil
}

// RecentEvents returns the latest journaled events, newest first.
func (j *Journal) RecentEvents(limit int) ([]EventRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.Query(`
		SELECT id, stream, event_type, COALESCE(ip,''), COALESCE(payload,''), received_at
		FROM stream_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent events: %w", err)
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var r EventRow
		var ts string
		if err := rows.Scan(&r.ID, &r.Stream, &r.EventType, &r.IP, &r.Payload, &ts); err != nil {
			return nil, err
		}
		r.ReceivedAt, _ = time.Parse(timeFormat, ts)
		out = append(out, r)
	}
	return out, rows.Err()
}

// EventCount returns how many events have been journaled for one
// stream ("" counts everything).
func (j *Journal) EventCount(stream string) (int, error) {
	var n int
	var err error
	if stream == "" {
		err = j.db.QueryRow("SELECT COUNT(*) FROM stream_events").Scan(&n)
	} else {
		err = j.db.QueryRow("SELECT COUNT(*) FROM stream_events WHERE stream = ?", stream).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// DefaultRetention is how much journal history the daemon keeps.
const DefaultRetention = 30 * 24 * time.Hour

// StartRetention prunes the journal on a fixed interval until the
// returned stop function is called.
func (j *Journal) StartRetention(interval, keep time.Duration) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := j.Prune(keep); err != nil {
					log.Printf("[Journal] Prune: %v", err)
				}
			}
		}
	}()
	return func() { close(done) }
}

// Prune deletes journal rows older than the retention window.
func (j *Journal) Prune(olderThan time.Duration) error {
	cutoff := time.Now().UTC().Add(-olderThan).Format(timeFormat)
	if _, err := j.db.Exec("DELETE FROM stream_events WHERE received_at < ?", cutoff); err != nil {
		return fmt.Errorf("prune events: %w", err)
	}
	if _, err := j.db.Exec("DELETE FROM storage_snapshots WHERE recorded_at < ?", cutoff); err != nil {
		return fmt.Errorf("prune snapshots: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (j *Journal) Close() error {
	return j.db.Close()
}
