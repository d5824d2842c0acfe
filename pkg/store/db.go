package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lazypower/fdleak/pkg/leak"
	_ "modernc.org/sqlite"
)

// DB is a Store backed by a SQLite database.
type DB struct {
	*sql.DB
	Path string
}

// DefaultDBPath returns the default database path: ~/.fdleak/fdleak.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".fdleak", "fdleak.db"), nil
}

// OpenDB opens (or creates) the SQLite database at the given path,
// configures pragmas, and runs migrations.
func OpenDB(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return initDB(sqlDB, path)
}

// OpenMemory opens an in-memory SQLite database for testing.
func OpenMemory() (*DB, error) {
	sqlDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open sqlite memory: %w", err)
	}
	return initDB(sqlDB, ":memory:")
}

func initDB(sqlDB *sql.DB, path string) (*DB, error) {
	// The sweep goroutine and Release callers share the handle. One
	// connection keeps writers from tripping over SQLITE_BUSY and keeps
	// :memory: databases from splitting across connections.
	sqlDB.SetMaxOpenConns(1)

	db := &DB{DB: sqlDB, Path: path}
	if err := db.configurePragmas(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

func (db *DB) configurePragmas() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("pragma %q: %w", p, err)
		}
	}
	return nil
}

// Create inserts or replaces a promoted record.
func (db *DB) Create(r leak.Record) error {
	stack, err := json.Marshal(r.Stack)
	if err != nil {
		return fmt.Errorf("encode stack: %w", err)
	}
	_, err = db.Exec(`
		INSERT OR REPLACE INTO promoted_records (id, identifier, stack, created_at, stored_at)
		VALUES (?, ?, ?, ?, ?)
	`, r.ID, r.Identifier, string(stack), r.CreatedAt.UnixMicro(), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// Delete removes a record and reports whether it existed.
func (db *DB) Delete(id string) (bool, error) {
	result, err := db.Exec(`DELETE FROM promoted_records WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete record: %w", err)
	}
	rows, err := affected(result, "delete record")
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// Get returns a record by id, or nil if there is none.
func (db *DB) Get(id string) (*leak.Record, error) {
	row := db.QueryRow(`
		SELECT id, identifier, stack, created_at FROM promoted_records WHERE id = ?
	`, id)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return r, nil
}

// List returns every record, oldest handle first.
func (db *DB) List() ([]leak.Record, error) {
	rows, err := db.Query(`
		SELECT id, identifier, stack, created_at FROM promoted_records
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var records []leak.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}

// Prune deletes every record and returns how many were removed.
func (db *DB) Prune() (int, error) {
	result, err := db.Exec(`DELETE FROM promoted_records`)
	if err != nil {
		return 0, fmt.Errorf("prune records: %w", err)
	}
	n, err := affected(result, "prune records")
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func affected(result sql.Result, op string) (int64, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: rows affected: %w", op, err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*leak.Record, error) {
	var (
		r         leak.Record
		stack     string
		createdAt int64
	)
	if err := s.Scan(&r.ID, &r.Identifier, &stack, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(stack), &r.Stack); err != nil {
		return nil, fmt.Errorf("decode stack of %s: %w", r.ID, err)
	}
	r.CreatedAt = time.UnixMicro(createdAt)
	return &r, nil
}
