// Package sqlite implements the local deferred-event journal using pure-Go
// SQLite. Best-effort monitor posts that fail during an outage are parked
// here and replayed in order on the next successful contact. Zero CGO
// required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/eic-swf/testbed/monitor"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// JournalOption configures a Journal.
type JournalOption func(*Journal)

// WithLogger sets a structured logger for the journal. If not set, no logs
// are emitted.
func WithLogger(l *slog.Logger) JournalOption {
	return func(j *Journal) { j.logger = l }
}

// Journal is an append-only queue of monitor system events backed by a local
// SQLite file. Events keep their append order across process restarts.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
}

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Journal using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...JournalOption) *Journal {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	j := &Journal{db: db, logger: nopLogger}
	for _, o := range opts {
		o(j)
	}
	j.logger.Debug("sqlite: journal opened", "path", dbPath)
	return j
}

// Init creates the journal table.
func (j *Journal) Init(ctx context.Context) error {
	_, err := j.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS deferred_events (
		id TEXT PRIMARY KEY,
		seq INTEGER,
		event TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	_, _ = j.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_deferred_seq ON deferred_events(seq)`)
	return nil
}

// Append parks one event at the tail of the journal.
func (j *Journal) Append(ctx context.Context, ev *monitor.SystemEvent) error {
	start := time.Now()
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = j.db.ExecContext(ctx,
		`INSERT INTO deferred_events (id, seq, event, created_at)
		 VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM deferred_events), ?, ?)`,
		uuid.NewString(), string(payload), time.Now().Unix(),
	)
	if err != nil {
		j.logger.Error("sqlite: append failed", "event_type", ev.EventType, "error", err)
		return fmt.Errorf("append event: %w", err)
	}
	j.logger.Debug("sqlite: event parked", "event_type", ev.EventType, "duration", time.Since(start))
	return nil
}

// Pending returns the number of parked events.
func (j *Journal) Pending(ctx context.Context) (int, error) {
	var n int
	if err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM deferred_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// Flush replays parked events oldest first through post. It stops at the
// first failure so order is preserved, incrementing that event's attempt
// counter. Returns the number of events delivered.
func (j *Journal) Flush(ctx context.Context, post func(context.Context, *monitor.SystemEvent) error) (int, error) {
	start := time.Now()
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, event FROM deferred_events ORDER BY seq`)
	if err != nil {
		return 0, fmt.Errorf("list events: %w", err)
	}
	type parked struct {
		id      string
		payload string
	}
	var queue []parked
	for rows.Next() {
		var p parked
		if err := rows.Scan(&p.id, &p.payload); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan event: %w", err)
		}
		queue = append(queue, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate events: %w", err)
	}

	delivered := 0
	for _, p := range queue {
		var ev monitor.SystemEvent
		if err := json.Unmarshal([]byte(p.payload), &ev); err != nil {
			// Unreadable rows would block the queue forever; drop them.
			j.logger.Error("sqlite: dropping corrupt journal row", "id", p.id, "error", err)
			_, _ = j.db.ExecContext(ctx, `DELETE FROM deferred_events WHERE id = ?`, p.id)
			continue
		}
		if err := post(ctx, &ev); err != nil {
			_, _ = j.db.ExecContext(ctx,
				`UPDATE deferred_events SET attempts = attempts + 1 WHERE id = ?`, p.id)
			j.logger.Debug("sqlite: flush stopped", "delivered", delivered, "error", err)
			return delivered, err
		}
		if _, err := j.db.ExecContext(ctx, `DELETE FROM deferred_events WHERE id = ?`, p.id); err != nil {
			return delivered, fmt.Errorf("delete event: %w", err)
		}
		delivered++
	}
	if delivered > 0 {
		j.logger.Info("sqlite: journal flushed", "delivered", delivered, "duration", time.Since(start))
	}
	return delivered, nil
}

// Close closes the underlying database connection.
func (j *Journal) Close() error {
	j.logger.Debug("sqlite: closing journal")
	err := j.db.Close()
	if err != nil {
		j.logger.Error("sqlite: close failed", "error", err)
	}
	return err
}
