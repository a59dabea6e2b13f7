// Package db is the SQLite store behind the execution journal.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const memoryPath = ":memory:"

// journalPragmas apply to file-backed journals. WAL lets History reads run
// while the batch writer holds a transaction.
var journalPragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
}

// Database is the journal handle. DB stays exported for the batch writer.
type Database struct {
	DB   *sql.DB
	path string
}

// New opens the journal at path, creating its directory. ":memory:" keeps the
// journal in a single connection for the life of the handle.
func New(path string) (*Database, error) {
	if path == "" {
		return nil, errors.New("journal path is empty")
	}
	if path != memoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
	}

	handle, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	// One writer; an in-memory journal would vanish with a recycled conn.
	handle.SetMaxOpenConns(1)
	handle.SetMaxIdleConns(1)
	if path != memoryPath {
		handle.SetConnMaxLifetime(time.Hour)
	}
	return &Database{DB: handle, path: path}, nil
}

func dsn(path string) string {
	if path == memoryPath {
		return path
	}
	out := "file:" + path
	for i, p := range journalPragmas {
		sep := "&"
		if i == 0 {
			sep = "?"
		}
		out += sep + "_pragma=" + p
	}
	return out
}

// Path is the location the journal was opened from.
func (d *Database) Path() string { return d.path }

// Ping checks that the journal file can be opened and queried.
func (d *Database) Ping(ctx context.Context) error {
	if d == nil || d.DB == nil {
		return errors.New("journal not open")
	}
	var one int
	if err := d.DB.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("ping journal %s: %w", d.path, err)
	}
	return nil
}

func (d *Database) Close() error {
	if d == nil || d.DB == nil {
		return nil
	}
	return d.DB.Close()
}
