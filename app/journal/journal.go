// Package journal keeps an audit trail of preference saves in SQLite, one row per save attempt.
// The journal is advisory, the preference documents themselves never depend on it.
package journal

import (
	"context"
	"fmt"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // sqlite driver
)

// Entry is a single save attempt
type Entry struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	Outcome   string    `json:"outcome"`
	LastUsed  int64     `json:"last_used,omitempty"` // lastUsed stamped into the written document
	Size      int       `json:"size,omitempty"`      // size of the written document in bytes
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// entryRow is the db representation of Entry, timestamps kept as unix milliseconds
type entryRow struct {
	ID        int64  `db:"id"`
	UserID    string `db:"user_id"`
	Outcome   string `db:"outcome"`
	LastUsed  int64  `db:"last_used"`
	Size      int    `db:"size"`
	ErrorMsg  string `db:"error_msg"`
	CreatedAt int64  `db:"created_at"`
}

// SQLite implements the journal on top of a SQLite database
type SQLite struct {
	db *sqlx.DB
}

// New opens or creates the journal database at dbPath
func New(dbPath string) (*SQLite, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	// single writer, WAL lets readers run alongside it
	db.SetMaxOpenConns(1)
	pragmas := []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			if closeErr := db.Close(); closeErr != nil {
				return nil, fmt.Errorf("failed to set %q: %w (also failed to close db: %v)", p, err, closeErr)
			}
			return nil, fmt.Errorf("failed to set %q: %w", p, err)
		}
	}

	j := &SQLite{db: db}
	if err := j.initialize(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("%w (also failed to close db: %v)", err, closeErr)
		}
		return nil, err
	}
	return j, nil
}

func (j *SQLite) initialize() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS saves (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			outcome TEXT NOT NULL,
			last_used INTEGER DEFAULT 0,
			size INTEGER DEFAULT 0,
			error_msg TEXT DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_saves_user_id ON saves(user_id, id)`,
	}
	for _, query := range queries {
		if _, err := j.db.Exec(query); err != nil {
			return fmt.Errorf("failed to initialize journal schema: %w", err)
		}
	}
	return nil
}

// Record adds an entry. CreatedAt set to the current time if empty.
func (j *SQLite) Record(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	row := entryRow{UserID: e.UserID, Outcome: e.Outcome, LastUsed: e.LastUsed, Size: e.Size,
		ErrorMsg: e.Error, CreatedAt: e.CreatedAt.UnixMilli()}
	_, err := j.db.NamedExecContext(ctx, `
		INSERT INTO saves (user_id, outcome, last_used, size, error_msg, created_at)
		VALUES (:user_id, :outcome, :last_used, :size, :error_msg, :created_at)`, row)
	if err != nil {
		return fmt.Errorf("failed to record save for %s: %w", e.UserID, err)
	}
	return nil
}

// History returns up to limit most recent entries for the user, newest first
func (j *SQLite) History(ctx context.Context, userID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows := []entryRow{}
	err := j.db.SelectContext(ctx, &rows, `
		SELECT id, user_id, outcome, last_used, size, error_msg, created_at
		FROM saves WHERE user_id = ? ORDER BY id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history for %s: %w", userID, err)
	}

	res := make([]Entry, 0, len(rows))
	for _, r := range rows {
		res = append(res, Entry{ID: r.ID, UserID: r.UserID, Outcome: r.Outcome, LastUsed: r.LastUsed, Size: r.Size,
			Error: r.ErrorMsg, CreatedAt: time.UnixMilli(r.CreatedAt)})
	}
	return res, nil
}

// Prune keeps only the most recent keep entries for each user, returns the number of removed entries
func (j *SQLite) Prune(ctx context.Context, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	res, err := j.db.ExecContext(ctx, `
		DELETE FROM saves WHERE id IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (PARTITION BY user_id ORDER BY id DESC) AS rn FROM saves
			) WHERE rn > ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune journal: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get pruned count: %w", err)
	}
	if removed > 0 {
		log.Printf("[DEBUG] pruned %d journal entries", removed)
	}
	return removed, nil
}

// Close closes the database
func (j *SQLite) Close() error {
	return j.db.Close()
}
