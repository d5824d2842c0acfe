package store

import (
	"errors"
	"testing"
	"time"

	"github.com/lazypower/fdleak/pkg/leak"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testRecord(id string) leak.Record {
	return leak.Record{
		ID:         id,
		Identifier: "/srv/app/handler.go:45 in app.Handler",
		Stack: []string{
			"/srv/app/handler.go:45 in app.Handler",
			"/usr/local/go/src/os/file.go:100 in os.OpenFile",
		},
		CreatedAt: time.Date(2024, 6, 1, 8, 15, 30, 123456000, time.Local),
	}
}

func TestOpenMemory(t *testing.T) {
	db := testDB(t)

	if db.Path != ":memory:" {
		t.Errorf("Path = %q, want :memory:", db.Path)
	}
}

func TestSchemaVersion(t *testing.T) {
	db := testDB(t)

	v, err := db.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != 2 {
		t.Errorf("SchemaVersion = %d, want 2", v)
	}
}

func TestTablesExist(t *testing.T) {
	db := testDB(t)

	tables := []string{"schema_versions", "promoted_records"}
	for _, table := range tables {
		var name string
		err := db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	db := testDB(t)

	// Running migrate again should be a no-op
	if err := db.migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	v, err := db.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != 2 {
		t.Errorf("SchemaVersion after re-migrate = %d, want 2", v)
	}
}

func TestWALMode(t *testing.T) {
	db := testDB(t)

	var mode string
	err := db.QueryRow("PRAGMA journal_mode").Scan(&mode)
	if err != nil {
		t.Fatalf("PRAGMA journal_mode: %v", err)
	}
	// In-memory databases may use "memory" mode instead of WAL
	if mode != "wal" && mode != "memory" {
		t.Errorf("journal_mode = %q, want wal or memory", mode)
	}
}

func TestDBCreateGet(t *testing.T) {
	db := testDB(t)
	want := testRecord("rec-1")

	if err := db.Create(want); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := db.Get("rec-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("Get returned nil for stored record")
	}
	if got.Identifier != want.Identifier {
		t.Errorf("Identifier = %q, want %q", got.Identifier, want.Identifier)
	}
	if len(got.Stack) != 2 || got.Stack[0] != want.Stack[0] || got.Stack[1] != want.Stack[1] {
		t.Errorf("Stack = %v, want %v", got.Stack, want.Stack)
	}
	if !got.CreatedAt.Equal(want.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, want.CreatedAt)
	}
}

func TestDBGetMissing(t *testing.T) {
	db := testDB(t)

	got, err := db.Get("nope")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing record, got %+v", got)
	}
}

func TestDBCreateOverwrites(t *testing.T) {
	db := testDB(t)
	r := testRecord("rec-1")
	if err := db.Create(r); err != nil {
		t.Fatalf("Create: %v", err)
	}

	r.Identifier = "replaced"
	if err := db.Create(r); err != nil {
		t.Fatalf("Create again: %v", err)
	}

	records, err := db.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("len(List) = %d, want 1", len(records))
	}
	if records[0].Identifier != "replaced" {
		t.Errorf("Identifier = %q, want replaced", records[0].Identifier)
	}
}

func TestDBDelete(t *testing.T) {
	db := testDB(t)
	if err := db.Create(testRecord("rec-1")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	ok, err := db.Delete("rec-1")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !ok {
		t.Error("Delete of existing record returned false")
	}

	ok, err = db.Delete("rec-1")
	if err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if ok {
		t.Error("Delete of missing record returned true")
	}
}

type errResult struct{ err error }

func (r errResult) LastInsertId() (int64, error) { return 0, r.err }
func (r errResult) RowsAffected() (int64, error) { return 0, r.err }

func TestAffectedReportsDriverError(t *testing.T) {
	driverErr := errors.New("rows affected not supported")

	_, err := affected(errResult{err: driverErr}, "delete record")
	if !errors.Is(err, driverErr) {
		t.Fatalf("affected error = %v, want wrapped %v", err, driverErr)
	}
	if got := err.Error(); got != "delete record: rows affected: rows affected not supported" {
		t.Errorf("error = %q", got)
	}
}

func TestDBListOrderAndPrune(t *testing.T) {
	db := testDB(t)

	newer := testRecord("b")
	older := testRecord("a")
	older.CreatedAt = newer.CreatedAt.Add(-time.Hour)
	for _, r := range []leak.Record{newer, older} {
		if err := db.Create(r); err != nil {
			t.Fatalf("Create %s: %v", r.ID, err)
		}
	}

	records, err := db.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 2 || records[0].ID != "a" || records[1].ID != "b" {
		t.Fatalf("List order = %v, want [a b]", records)
	}

	n, err := db.Prune()
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 2 {
		t.Errorf("Prune = %d, want 2", n)
	}
	records, _ = db.List()
	if len(records) != 0 {
		t.Errorf("len(List) after prune = %d, want 0", len(records))
	}
}

func TestOpenBackends(t *testing.T) {
	dir := t.TempDir()

	for _, tc := range []struct {
		backend  string
		location string
	}{
		{BackendDir, dir + "/records"},
		{BackendSQLite, dir + "/fdleak.db"},
		{BackendLog, ""},
	} {
		s, err := Open(tc.backend, tc.location)
		if err != nil {
			t.Errorf("Open(%q): %v", tc.backend, err)
			continue
		}
		if err := s.Create(testRecord("rec-1")); err != nil {
			t.Errorf("%s Create: %v", tc.backend, err)
		}
		if ok, err := s.Delete("rec-1"); err != nil || !ok {
			t.Errorf("%s Delete = %v, %v; want true, nil", tc.backend, ok, err)
		}
		s.Close()
	}

	if _, err := Open("s3", ""); err == nil {
		t.Error("expected error for unknown backend")
	}
}
