// Package db tests for database migration management.
package db

import (
	"database/sql"
	"strings"
	"testing"
	"testing/fstest"
)

func openMemory(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

// TestInitialize verifies schema_migrations table creation.
func TestInitialize(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, fstest.MapFS{})

	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if err := m.Initialize(); err != nil {
		t.Fatalf("second Initialize() failed: %v", err)
	}

	_, err := db.Exec("INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)",
		1, 123456, "test_migration", strings.Repeat("a", 64))
	if err != nil {
		t.Errorf("Failed to insert test row: %v", err)
	}
}

// TestCurrentVersion verifies version tracking.
func TestCurrentVersion(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, fstest.MapFS{})

	if _, err := m.CurrentVersion(); err == nil {
		t.Error("CurrentVersion() should fail before Initialize()")
	}

	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	version, err := m.CurrentVersion()
	if err != nil || version != 0 {
		t.Errorf("CurrentVersion() = %d, %v; want 0", version, err)
	}

	_, err = db.Exec("INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)",
		3, 123456, "initial", strings.Repeat("a", 64))
	if err != nil {
		t.Fatalf("Failed to insert migration: %v", err)
	}
	version, err = m.CurrentVersion()
	if err != nil || version != 3 {
		t.Errorf("CurrentVersion() = %d, %v; want 3", version, err)
	}
}

// TestUp_appliesInOrder verifies files are applied by version, not by name.
func TestUp_appliesInOrder(t *testing.T) {
	db := openMemory(t)
	fsys := fstest.MapFS{
		"V10__add_index.up.sql": {Data: []byte(`CREATE INDEX idx_places_name ON places(name);`)},
		"V2__create.up.sql":     {Data: []byte(`CREATE TABLE places (id INTEGER PRIMARY KEY, name TEXT);`)},
		"README.md":             {Data: []byte(`ignored`)},
		"Vx__broken.up.sql":     {Data: []byte(`not sql`)},
	}
	m := NewMigrator(db, fsys)

	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	applied, err := m.GetAppliedMigrations()
	if err != nil {
		t.Fatalf("GetAppliedMigrations() failed: %v", err)
	}
	if len(applied) != 2 {
		t.Fatalf("applied %d migrations, want 2", len(applied))
	}
	if applied[0].Version != 2 || applied[0].Description != "create" {
		t.Errorf("first migration = %+v", applied[0])
	}
	if applied[1].Version != 10 || len(applied[1].Checksum) != 64 {
		t.Errorf("second migration = %+v", applied[1])
	}

	// Re-running is a no-op.
	if err := m.Up(); err != nil {
		t.Errorf("Up() second time failed: %v", err)
	}
}

// TestUp_detectsModifiedMigration verifies checksum verification.
func TestUp_detectsModifiedMigration(t *testing.T) {
	db := openMemory(t)
	fsys := fstest.MapFS{
		"V1__create.up.sql": {Data: []byte(`CREATE TABLE places (id INTEGER PRIMARY KEY);`)},
	}
	m := NewMigrator(db, fsys)
	if err := m.Initialize(); err != nil {
		t.Fatal(err)
	}
	if err := m.Up(); err != nil {
		t.Fatal(err)
	}

	fsys["V1__create.up.sql"] = &fstest.MapFile{Data: []byte(`CREATE TABLE places (id TEXT PRIMARY KEY);`)}
	err := m.Up()
	if err == nil || !strings.Contains(err.Error(), "modified") {
		t.Errorf("Up() error = %v, want modified migration error", err)
	}
}

// TestUp_failedMigrationRollsBack verifies a broken file leaves no record.
func TestUp_failedMigrationRollsBack(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, fstest.MapFS{
		"V1__broken.up.sql": {Data: []byte(`CREATE TABLE ;`)},
	})
	if err := m.Initialize(); err != nil {
		t.Fatal(err)
	}
	if err := m.Up(); err == nil {
		t.Fatal("Up() should fail on invalid SQL")
	}
	version, err := m.CurrentVersion()
	if err != nil || version != 0 {
		t.Errorf("CurrentVersion() = %d, %v; want 0", version, err)
	}
}

// TestDown verifies rollback of the latest migration.
func TestDown(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, fstest.MapFS{
		"V1__create.up.sql":   {Data: []byte(`CREATE TABLE places (id INTEGER PRIMARY KEY);`)},
		"V1__create.down.sql": {Data: []byte(`DROP TABLE places;`)},
	})
	if err := m.Initialize(); err != nil {
		t.Fatal(err)
	}

	err := m.Down()
	if err == nil || !strings.Contains(err.Error(), "no migrations to rollback") {
		t.Errorf("Down() on empty schema = %v", err)
	}

	if err := m.Up(); err != nil {
		t.Fatal(err)
	}
	if err := m.Down(); err != nil {
		t.Fatalf("Down() failed: %v", err)
	}

	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE name = 'places'").Scan(&n); err != nil || n != 0 {
		t.Errorf("places table still present (n=%d, err=%v)", n, err)
	}
	if version, _ := m.CurrentVersion(); version != 0 {
		t.Errorf("CurrentVersion() = %d after Down, want 0", version)
	}
}

// TestEmbeddedMigrations verifies the bundled schema applies and rolls back cleanly.
func TestEmbeddedMigrations(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, Migrations())
	if err := m.Initialize(); err != nil {
		t.Fatal(err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	for _, table := range []string{"trips", "notes", "columns", "pending_operations", "sync_metadata"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}

	if err := m.Down(); err != nil {
		t.Fatalf("Down() failed: %v", err)
	}
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='trips'").Scan(&n); err != nil || n != 0 {
		t.Errorf("trips table survived rollback (n=%d, err=%v)", n, err)
	}
}
