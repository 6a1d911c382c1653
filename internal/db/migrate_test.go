// Package db tests for database migration management.
package db

import (
	"database/sql"
	"strings"
	"testing"
	"testing/fstest"
)

func memoryDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	// every connection to :memory: is a separate database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func testMigrations() fstest.MapFS {
	return fstest.MapFS{
		"V1__widgets.up.sql":   {Data: []byte(`CREATE TABLE widgets (id INTEGER PRIMARY KEY);`)},
		"V1__widgets.down.sql": {Data: []byte(`DROP TABLE widgets;`)},
		"V2__gadgets.up.sql":   {Data: []byte(`CREATE TABLE gadgets (id INTEGER PRIMARY KEY); CREATE INDEX idx_gadgets ON gadgets(id);`)},
		"V2__gadgets.down.sql": {Data: []byte(`DROP TABLE gadgets;`)},
		"README.md":            {Data: []byte(`not a migration`)},
		"Vx__broken.up.sql":    {Data: []byte(`nonsense`)},
	}
}

func tableExists(t *testing.T, db *sql.DB, name string) bool {
	t.Helper()
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, name).Scan(&n); err != nil {
		t.Fatalf("sqlite_master query failed: %v", err)
	}
	return n == 1
}

// TestInitialize verifies schema_migrations table creation.
func TestInitialize(t *testing.T) {
	db := memoryDB(t)
	m := NewMigrator(db, testMigrations())

	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if !tableExists(t, db, "schema_migrations") {
		t.Fatal("schema_migrations table not found")
	}

	_, err := db.Exec("INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)",
		1, 123456, "test_migration", strings.Repeat("a", 64))
	if err != nil {
		t.Errorf("Failed to insert test row: %v", err)
	}
}

// TestCurrentVersion verifies version tracking.
func TestCurrentVersion(t *testing.T) {
	db := memoryDB(t)
	m := NewMigrator(db, testMigrations())

	if _, err := m.CurrentVersion(); err == nil {
		t.Error("CurrentVersion() should fail before Initialize()")
	}

	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}
	version, err := m.CurrentVersion()
	if err != nil {
		t.Fatalf("CurrentVersion() failed: %v", err)
	}
	if version != 2 {
		t.Errorf("CurrentVersion() = %d, want 2", version)
	}
}

// TestUp verifies migrations apply in order and only once.
func TestUp(t *testing.T) {
	db := memoryDB(t)
	m := NewMigrator(db, testMigrations())

	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("second Up() failed: %v", err)
	}

	if !tableExists(t, db, "widgets") || !tableExists(t, db, "gadgets") {
		t.Error("migrated tables missing")
	}

	applied, err := m.GetAppliedMigrations()
	if err != nil {
		t.Fatalf("GetAppliedMigrations() failed: %v", err)
	}
	if len(applied) != 2 {
		t.Fatalf("applied migrations = %d, want 2", len(applied))
	}
	if applied[0].Description != "widgets" || applied[1].Description != "gadgets" {
		t.Errorf("descriptions = %q, %q", applied[0].Description, applied[1].Description)
	}
	if len(applied[0].Checksum) != 64 {
		t.Errorf("checksum length = %d, want 64", len(applied[0].Checksum))
	}
}

// TestUp_checksumMismatch verifies edited migrations are rejected.
func TestUp_checksumMismatch(t *testing.T) {
	db := memoryDB(t)
	files := testMigrations()

	if err := NewMigrator(db, files).Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	files["V1__widgets.up.sql"] = &fstest.MapFile{Data: []byte(`CREATE TABLE widgets (id TEXT);`)}
	err := NewMigrator(db, files).Up()
	if err == nil {
		t.Fatal("Up() should fail when an applied migration changed")
	}
	if !strings.Contains(err.Error(), "V1") {
		t.Errorf("error should name the migration: %v", err)
	}
}

// TestUp_failingMigrationRollsBack verifies a broken migration leaves no record.
func TestUp_failingMigrationRollsBack(t *testing.T) {
	db := memoryDB(t)
	files := fstest.MapFS{
		"V1__bad.up.sql": {Data: []byte(`CREATE TABLE ok (id INTEGER); CREATE TABLE broken (`)},
	}
	m := NewMigrator(db, files)

	if err := m.Up(); err == nil {
		t.Fatal("Up() should fail on invalid SQL")
	}
	version, err := m.CurrentVersion()
	if err != nil {
		t.Fatalf("CurrentVersion() failed: %v", err)
	}
	if version != 0 {
		t.Errorf("CurrentVersion() = %d, want 0", version)
	}
}

// TestDown verifies the last migration is rolled back.
func TestDown(t *testing.T) {
	db := memoryDB(t)
	m := NewMigrator(db, testMigrations())

	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}
	if err := m.Down(); err != nil {
		t.Fatalf("Down() failed: %v", err)
	}

	if tableExists(t, db, "gadgets") {
		t.Error("gadgets should be dropped")
	}
	if !tableExists(t, db, "widgets") {
		t.Error("widgets should remain")
	}
	version, _ := m.CurrentVersion()
	if version != 1 {
		t.Errorf("CurrentVersion() = %d, want 1", version)
	}
}

func TestDown_nothingApplied(t *testing.T) {
	db := memoryDB(t)
	m := NewMigrator(db, testMigrations())
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if err := m.Down(); err == nil {
		t.Error("Down() should fail with no migrations applied")
	}
}

// TestMigrations_embedded verifies the shipped schema applies and reverts.
func TestMigrations_embedded(t *testing.T) {
	db := memoryDB(t)
	m := NewMigrator(db, Migrations())

	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}
	for _, table := range []string{"pending_orders", "catalog_cache", "deferred_triggers"} {
		if !tableExists(t, db, table) {
			t.Errorf("table %s missing", table)
		}
	}

	for i := 0; i < 3; i++ {
		if err := m.Down(); err != nil {
			t.Fatalf("Down() #%d failed: %v", i+1, err)
		}
	}
	if tableExists(t, db, "pending_orders") {
		t.Error("pending_orders should be dropped after full rollback")
	}
}
