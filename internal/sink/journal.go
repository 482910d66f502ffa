package sink

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/taseebali/soilsimulator-iot/internal/model/messages"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Journal is an append-only SQLite log of transitions. It is never read back
// to restore device state.
type Journal struct {
	db     *sql.DB
	worker *txWorker
	now    func() time.Time
}

// OpenJournal opens (creating if needed) the journal database at path and
// applies pending migrations.
func OpenJournal(ctx context.Context, path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir journal dir: %w", err)
	}
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)",
		path,
	)
	db, err := openDB(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return NewJournal(db), nil
}

// NewJournal wraps an already migrated database.
func NewJournal(db *sql.DB) *Journal {
	return &Journal{db: db, worker: newTxWorker(db), now: time.Now}
}

func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}
	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal ping: %w", err)
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func (j *Journal) Record(ctx context.Context, t messages.Transition) error {
	return j.worker.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO transitions(command_id, device_id, action, reason, valve_open, duration_seconds, moisture_percent, ts_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?);`,
			t.CommandID, t.DeviceID, t.Action, string(t.Reason), boolToInt(t.ValveOpen),
			t.DurationSeconds, t.MoisturePct, t.Timestamp.UTC().UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("journal insert %s: %w", t.DeviceID, err)
		}
		return nil
	})
}

func (j *Journal) Latest(ctx context.Context, limit int, since time.Duration) ([]messages.Transition, error) {
	from := j.now().Add(-since).UTC().UnixMilli()
	rows, err := j.db.QueryContext(ctx, `
SELECT command_id, device_id, action, reason, valve_open, duration_seconds, moisture_percent, ts_ms
FROM transitions
WHERE ts_ms >= ?
ORDER BY ts_ms DESC, id DESC
LIMIT ?;`, from, limit)
	if err != nil {
		return nil, fmt.Errorf("journal query: %w", err)
	}
	defer rows.Close()

	out := make([]messages.Transition, 0, limit)
	for rows.Next() {
		var (
			t      messages.Transition
			reason string
			open   int
			tsMS   int64
		)
		if err := rows.Scan(&t.CommandID, &t.DeviceID, &t.Action, &reason, &open, &t.DurationSeconds, &t.MoisturePct, &tsMS); err != nil {
			return nil, fmt.Errorf("journal scan: %w", err)
		}
		t.Reason = messages.Reason(reason)
		t.ValveOpen = open == 1
		t.Timestamp = time.UnixMilli(tsMS).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

// Close drains pending writes and closes the database.
func (j *Journal) Close() error {
	j.worker.Close()
	return j.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type txFn func(ctx context.Context, tx *sql.Tx) error

type txJob struct {
	ctx context.Context
	fn  txFn
	ch  chan error
}

// txWorker serialises write transactions on the single connection.
type txWorker struct {
	db   *sql.DB
	jobs chan txJob
	done chan struct{}
}

func newTxWorker(db *sql.DB) *txWorker {
	w := &txWorker{
		db:   db,
		jobs: make(chan txJob, 256),
		done: make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *txWorker) Close() {
	close(w.jobs)
	<-w.done
}

func (w *txWorker) Do(ctx context.Context, fn txFn) error {
	ch := make(chan error, 1)
	select {
	case w.jobs <- txJob{ctx: ctx, fn: fn, ch: ch}:
	case <-ctx.Done():
		return ctx.Err()
	}

	// A job that outlives ctx still runs to completion; its result is discarded.
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *txWorker) loop() {
	defer close(w.done)

	for j := range w.jobs {
		tx, err := w.db.BeginTx(j.ctx, nil)
		if err != nil {
			j.ch <- err
			continue
		}
		if err := j.fn(j.ctx, tx); err != nil {
			_ = tx.Rollback()
			j.ch <- err
			continue
		}
		j.ch <- tx.Commit()
	}
}

// Migrate applies the embedded migrations that have not been applied yet.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  applied_at_ms INTEGER NOT NULL
);`); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		version, err := strconv.Atoi(strings.TrimLeft(strings.SplitN(name, "_", 2)[0], "0"))
		if err != nil {
			return fmt.Errorf("bad migration filename %s: %w", name, err)
		}
		var v int
		err = db.QueryRowContext(ctx, "SELECT version FROM schema_migrations WHERE version = ?;", version).Scan(&v)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("check migration %d: %w", version, err)
		}

		body, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations(version, applied_at_ms) VALUES(?, ?);",
			version, time.Now().UTC().UnixMilli(),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
	}
	return nil
}
