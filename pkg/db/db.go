// Package db persists position snapshots and the realized trade history in a
// local SQLite file. One connection, WAL journal; the client is the only
// writer.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // SQLite driver
)

// Database wraps the SQL handle so tests can swap it out.
type Database struct {
	DB *sql.DB
}

// New opens the SQLite snapshot file at path, creating directories as needed.
func New(path string) (*Database, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Snapshot writes are serialized anyway; a single connection keeps
	// SQLite's locking out of the picture.
	db.SetMaxOpenConns(1)

	return &Database{DB: db}, nil
}

// Close releases the underlying handle.
func (d *Database) Close() error {
	if d == nil || d.DB == nil {
		return nil
	}
	return d.DB.Close()
}
