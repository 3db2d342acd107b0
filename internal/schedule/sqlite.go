package schedule

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/intake-voice-lab/internal/dispatch"
	"github.com/intake-voice-lab/internal/logging"
)

// sqliteTime is a fixed-width UTC timestamp format. Fixed width keeps
// lexicographic comparison in SQL consistent with chronological order.
const sqliteTime = "2006-01-02 15:04:05.000000000"

// parseChannelLoose tolerates channel values written by older schema
// versions; unknown strings round-trip as-is.
func parseChannelLoose(s string) dispatch.Channel {
	if c, err := dispatch.ParseChannel(s); err == nil {
		return c
	}
	return dispatch.Channel(s)
}

// SQLiteStore persists scheduled tasks in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the task database at path and runs
// migrations. Use ":memory:" for an in-memory database (useful for tests).
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	// WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS scheduled_tasks (
			id             TEXT PRIMARY KEY,
			subject_id     TEXT NOT NULL,
			scheduled_time TEXT NOT NULL,
			kind           TEXT NOT NULL,
			channel        TEXT NOT NULL,
			priority       TEXT NOT NULL DEFAULT 'medium',
			status         TEXT NOT NULL DEFAULT 'scheduled',
			created_at     TEXT NOT NULL,
			sent_at        TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_subject_time
			ON scheduled_tasks (subject_id, scheduled_time);
		CREATE INDEX IF NOT EXISTS idx_tasks_status_time
			ON scheduled_tasks (status, scheduled_time);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logging.Infow("task store opened", "path", path)
	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Persist(ctx context.Context, t *Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks
			(id, subject_id, scheduled_time, kind, channel, priority, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.SubjectID, t.ScheduledTime.UTC().Format(sqliteTime),
		t.Kind, string(t.Channel), t.Priority, string(t.Status),
		t.CreatedAt.UTC().Format(sqliteTime))
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FindConflicts(ctx context.Context, subjectID string, start, end time.Time) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subject_id, scheduled_time, kind, channel, priority, status, created_at
		FROM scheduled_tasks
		WHERE subject_id = ?
		  AND status IN ('scheduled', 'in_progress')
		  AND scheduled_time >= ? AND scheduled_time <= ?`,
		subjectID, start.UTC().Format(sqliteTime), end.UTC().Format(sqliteTime))
	if err != nil {
		return nil, fmt.Errorf("querying conflicts: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *SQLiteStore) Due(ctx context.Context, now time.Time, limit int) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subject_id, scheduled_time, kind, channel, priority, status, created_at
		FROM scheduled_tasks
		WHERE status = 'scheduled' AND scheduled_time <= ?
		ORDER BY scheduled_time
		LIMIT ?`,
		now.UTC().Format(sqliteTime), limit)
	if err != nil {
		return nil, fmt.Errorf("querying due tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *SQLiteStore) Claim(ctx context.Context, taskID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks SET status = 'in_progress'
		WHERE id = ? AND status = 'scheduled'`, taskID)
	if err != nil {
		return false, fmt.Errorf("claiming task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, taskID string, status Status) error {
	var res sql.Result
	var err error
	if status == StatusSent {
		res, err = s.db.ExecContext(ctx, `
			UPDATE scheduled_tasks SET status = ?, sent_at = ? WHERE id = ?`,
			string(status), time.Now().UTC().Format(sqliteTime), taskID)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE scheduled_tasks SET status = ? WHERE id = ?`, string(status), taskID)
	}
	if err != nil {
		return fmt.Errorf("updating task status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanTasks(rows *sql.Rows) ([]Task, error) {
	var out []Task
	for rows.Next() {
		var t Task
		var sched, created, channel, status string
		if err := rows.Scan(&t.ID, &t.SubjectID, &sched, &t.Kind, &channel, &t.Priority, &status, &created); err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		t.Channel = parseChannelLoose(channel)
		t.Status = Status(status)
		var err error
		if t.ScheduledTime, err = time.Parse(sqliteTime, sched); err != nil {
			return nil, fmt.Errorf("parsing scheduled_time: %w", err)
		}
		if t.CreatedAt, err = time.Parse(sqliteTime, created); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
