// Package store provides the SQLite persistence layer: devices, songs,
// sync sessions, sync records, and song-device mappings.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"
)

// Sentinel errors returned by store operations.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict indicates a uniqueness constraint was violated.
	ErrConflict = errors.New("store: conflict")

	// ErrVersionConflict indicates an optimistic-concurrency check
	// failed: the row changed since it was read.
	ErrVersionConflict = errors.New("store: version conflict")
)

// Store is a database handle with the schema applied.
type Store struct {
	*sql.DB
}

// New opens (creating if necessary) the SQLite database at path.
// Use ":memory:" for an ephemeral store.
func New(path string) (*Store, error) {
	sqlDB, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	if strings.Contains(path, ":memory:") || strings.Contains(path, "mode=memory") {
		// Every pooled connection to an in-memory database gets its own
		// empty database; pin the pool to the connection that holds the
		// schema.
		sqlDB.SetMaxOpenConns(1)
	}

	s := &Store{sqlDB}
	if err := s.initialize(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return s, nil
}

func (s *Store) initialize() error {
	_, err := s.Exec(schema)
	return err
}

// isConstraintErr reports whether err is a SQLite uniqueness/constraint
// violation.
func isConstraintErr(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}
