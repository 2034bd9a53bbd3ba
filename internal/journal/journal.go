// Package journal keeps an append-only SQLite record of station
// lifecycle and control events. It is an audit trail for operators; the
// simulator never reads it back, so every run still starts offline and
// stopped.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/nugget/powerstation-simulator/internal/events"
)

// Supported database/sql driver names.
const (
	DriverCGO  = "sqlite3" // github.com/mattn/go-sqlite3
	DriverPure = "sqlite"  // modernc.org/sqlite
)

// Entry is one recorded event.
type Entry struct {
	ID        int64
	StationID string
	RunID     string
	Timestamp time.Time
	Source    string
	Kind      string
	Data      map[string]any
}

// Journal is safe for concurrent use (SQLite serializes writes).
type Journal struct {
	db        *sql.DB
	stationID string
	logger    *slog.Logger
}

// Open creates or opens the journal database at path using the named
// driver. The schema is created on first use.
func Open(driver, path, stationID string, logger *slog.Logger) (*Journal, error) {
	switch driver {
	case "":
		driver = DriverCGO
	case DriverCGO, DriverPure:
	default:
		return nil, fmt.Errorf("unsupported journal driver %q (want %s or %s)", driver, DriverCGO, DriverPure)
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent and
	// avoids SQLITE_BUSY between writers.
	db.SetMaxOpenConns(1)

	j := &Journal{
		db:        db,
		stationID: stationID,
		logger:    logger.With("component", "journal"),
	}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return j, nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS station_events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		station_id TEXT NOT NULL,
		run_id     TEXT NOT NULL DEFAULT '',
		ts         TEXT NOT NULL,
		source     TEXT NOT NULL,
		kind       TEXT NOT NULL,
		data       TEXT NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_station_events_station
		ON station_events (station_id, id);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Record appends e. The run id is taken from e.Data["run_id"] when
// present.
func (j *Journal) Record(ctx context.Context, e events.Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	data := e.Data
	if data == nil {
		data = map[string]any{}
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s/%s data: %w", e.Source, e.Kind, err)
	}
	runID, _ := data["run_id"].(string)

	_, err = j.db.ExecContext(ctx,
		`INSERT INTO station_events (station_id, run_id, ts, source, kind, data)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		j.stationID, runID, e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.Source, e.Kind, string(encoded),
	)
	if err != nil {
		return fmt.Errorf("record %s/%s: %w", e.Source, e.Kind, err)
	}
	return nil
}

// Recent returns up to limit entries for this station, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, station_id, run_id, ts, source, kind, data
		 FROM station_events WHERE station_id = ?
		 ORDER BY id DESC LIMIT ?`,
		j.stationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e        Entry
			ts, data string
		)
		if err := rows.Scan(&e.ID, &e.StationID, &e.RunID, &ts, &e.Source, &e.Kind, &data); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		if e.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("parse timestamp %q: %w", ts, err)
		}
		if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
			return nil, fmt.Errorf("decode data for entry %d: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Run records every event received on ch until ctx is cancelled, then
// drains what is already buffered. It also returns if ch is closed.
// Subscribe before starting the station so no event is missed. Write
// failures are logged and do not stop the loop.
func (j *Journal) Run(ctx context.Context, ch <-chan events.Event) error {
	record := func(e events.Event) {
		if err := j.Record(context.WithoutCancel(ctx), e); err != nil {
			j.logger.Warn("journal write failed", "source", e.Source, "kind", e.Kind, "error", err)
			return
		}
		j.logger.Debug("journal recorded event", "source", e.Source, "kind", e.Kind)
	}

	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			record(e)
		case <-ctx.Done():
			for {
				select {
				case e, ok := <-ch:
					if !ok {
						return nil
					}
					record(e)
				default:
					return nil
				}
			}
		}
	}
}
