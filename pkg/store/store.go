// Package store holds the long-term sinks for promoted records: a directory
// of JSON files (the default), a SQLite database, and a report-only log.
package store

import (
	"fmt"

	"github.com/lazypower/fdleak/pkg/leak"
)

// Backend names accepted by Open.
const (
	BackendDir    = "dir"
	BackendSQLite = "sqlite"
	BackendLog    = "log"
)

// Store persists promoted records. Absence is never an error: Delete
// returns false and Get returns nil.
type Store interface {
	Create(r leak.Record) error
	Delete(id string) (bool, error)
	Get(id string) (*leak.Record, error)
	List() ([]leak.Record, error)
	Prune() (int, error)
	Close() error
}

var (
	_ Store = (*Dir)(nil)
	_ Store = (*DB)(nil)
	_ Store = (*Log)(nil)
)

// Open returns the Store for backend. location is the directory for "dir"
// and the database file for "sqlite"; "log" ignores it.
func Open(backend, location string) (Store, error) {
	switch backend {
	case BackendDir, "":
		d, err := OpenDir(location)
		if err != nil {
			return nil, err
		}
		return d, nil
	case BackendSQLite:
		db, err := OpenDB(location)
		if err != nil {
			return nil, err
		}
		return db, nil
	case BackendLog:
		return NewLog(nil), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}
