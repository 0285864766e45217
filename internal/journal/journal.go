// ABOUTME: SQLite archive of bus events for offline inspection
// ABOUTME: Write-mostly; the runtime never reads it back at startup

package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/yoda/internal/events"
)

// ErrZeroEvent is returned when appending an uninitialised event.
var ErrZeroEvent = errors.New("cannot archive a zero event")

// DefaultListLimit applies when ListByKind is given a non-positive limit.
const DefaultListLimit = 100

// hookWriteTimeout bounds one insert made from the bus hook.
const hookWriteTimeout = 5 * time.Second

// Record is one archived event.
type Record struct {
	ID        string
	Kind      events.Kind
	Message   string
	Payload   string
	CreatedAt time.Time
}

// Journal appends events to a SQLite database.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens or creates the journal at path. Parent directories are created
// if needed. Pass nil logger for default.
func Open(path string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "journal")

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	j := &Journal{db: db, logger: logger}
	if err := j.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("journal opened", "path", path)
	return j, nil
}

func (j *Journal) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS events (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id   TEXT NOT NULL UNIQUE,
			kind       TEXT NOT NULL,
			message    TEXT NOT NULL,
			payload    TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind, seq);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Append archives ev. Appending the same event twice is a no-op.
func (j *Journal) Append(ctx context.Context, ev events.Event) error {
	if ev.IsZero() {
		return ErrZeroEvent
	}

	payload := ""
	if p := ev.Payload(); p != nil {
		payload = p.String()
	}

	_, err := j.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO events (event_id, kind, message, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		ev.ID(),
		string(ev.Kind()),
		ev.Message(),
		payload,
		ev.CreatedAt().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// ListByKind returns up to limit records of kind, oldest first.
// events.KindAll lists every kind.
func (j *Journal) ListByKind(ctx context.Context, kind events.Kind, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `SELECT event_id, kind, message, payload, created_at FROM events`
	args := []any{}
	if kind != events.KindAll {
		query += ` WHERE kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY seq LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var kindStr, createdStr string
		if err := rows.Scan(&rec.ID, &kindStr, &rec.Message, &rec.Payload, &createdStr); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		rec.Kind = events.Kind(kindStr)
		rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}
	return out, nil
}

// Count returns the number of archived events.
func (j *Journal) Count(ctx context.Context) (int, error) {
	var n int
	if err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting events: %w", err)
	}
	return n, nil
}

// Hook returns a bus hook that archives every event it sees. Write errors are
// logged, never returned.
func (j *Journal) Hook() func(events.Event) {
	return func(ev events.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), hookWriteTimeout)
		defer cancel()
		if err := j.Append(ctx, ev); err != nil {
			j.logger.Warn("failed to archive event", "event_id", ev.ID(), "error", err)
		}
	}
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}
