// Package history keeps a journal of sync and clone runs in SQLite.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	xerrors "github.com/schaermu/xsync/internal/errors"
)

// Run statuses
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Entry is one journaled run
type Entry struct {
	ID      int64
	Mode    string
	Source  string
	Dest    string
	DryRun  bool
	Started time.Time
	Elapsed time.Duration
	Status  string
	Error   string

	FoldersCreated  int
	FoldersRemoved  int
	FilesRemoved    int
	FilesUploaded   int
	FilesUpdated    int
	FilesDownloaded int
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	mode TEXT NOT NULL,
	source TEXT NOT NULL,
	dest TEXT NOT NULL,
	dry_run INTEGER NOT NULL,
	started TEXT NOT NULL,
	elapsed_ms INTEGER NOT NULL,
	status TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	folders_created INTEGER NOT NULL DEFAULT 0,
	folders_removed INTEGER NOT NULL DEFAULT 0,
	files_removed INTEGER NOT NULL DEFAULT 0,
	files_uploaded INTEGER NOT NULL DEFAULT 0,
	files_updated INTEGER NOT NULL DEFAULT 0,
	files_downloaded INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS runs_started ON runs (started);
`

// Journal is an open run journal
type Journal struct {
	db   *sql.DB
	path string
}

// Open opens or creates the journal at path
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, xerrors.NewLocalIOError("open history", path, err)
	}

	// Test the database connection to detect corruption early
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, xerrors.NewLocalIOError("open history", path, err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		if isCorruptionError(err) {
			return nil, xerrors.NewLocalIOError("history database is corrupted", path, err)
		}
		return nil, xerrors.NewLocalIOError("create history schema", path, err)
	}

	return &Journal{db: db, path: path}, nil
}

// isCorruptionError checks if an error indicates database corruption
func isCorruptionError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database disk image is malformed") ||
		strings.Contains(msg, "file is not a database")
}

// Record appends entry and returns its id
func (j *Journal) Record(ctx context.Context, e Entry) (int64, error) {
	res, err := j.db.ExecContext(ctx, `
		INSERT INTO runs (mode, source, dest, dry_run, started, elapsed_ms, status, error,
			folders_created, folders_removed, files_removed, files_uploaded, files_updated, files_downloaded)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Mode, e.Source, e.Dest, e.DryRun,
		e.Started.UTC().Format(time.RFC3339Nano), e.Elapsed.Milliseconds(),
		e.Status, e.Error,
		e.FoldersCreated, e.FoldersRemoved, e.FilesRemoved,
		e.FilesUploaded, e.FilesUpdated, e.FilesDownloaded,
	)
	if err != nil {
		return 0, xerrors.NewLocalIOError("record run", j.path, err)
	}
	return res.LastInsertId()
}

// List returns the most recent runs, newest first. A non-positive limit
// returns all of them.
func (j *Journal) List(ctx context.Context, limit int) ([]Entry, error) {
	query := `
		SELECT id, mode, source, dest, dry_run, started, elapsed_ms, status, error,
			folders_created, folders_removed, files_removed, files_uploaded, files_updated, files_downloaded
		FROM runs ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.NewLocalIOError("list runs", j.path, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var entries []Entry
	for rows.Next() {
		var (
			e         Entry
			started   string
			elapsedMS int64
		)
		if err := rows.Scan(&e.ID, &e.Mode, &e.Source, &e.Dest, &e.DryRun, &started, &elapsedMS,
			&e.Status, &e.Error,
			&e.FoldersCreated, &e.FoldersRemoved, &e.FilesRemoved,
			&e.FilesUploaded, &e.FilesUpdated, &e.FilesDownloaded); err != nil {
			return nil, xerrors.NewLocalIOError("scan run", j.path, err)
		}
		e.Started, err = time.Parse(time.RFC3339Nano, started)
		if err != nil {
			return nil, xerrors.NewLocalIOError("parse run timestamp", j.path, fmt.Errorf("run %d: %w", e.ID, err))
		}
		e.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.NewLocalIOError("list runs", j.path, err)
	}
	return entries, nil
}

// Close closes the journal
func (j *Journal) Close() error {
	return j.db.Close()
}
