package db

import (
	"path/filepath"
	"testing"

	"github.com/cisagov/cyhy-db/internal/testutil"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	dir := testutil.TempDir(t)
	db, err := Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	return db
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := testutil.TempDir(t)
	path := filepath.Join(dir, "test.db")

	db, err := Open(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	db.Close()

	// Reopening re-runs migrations against the existing schema. The ALTER
	// migration fails with "duplicate column name" the second time around
	// and is skipped without aborting the rest.
	db, err = Open(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer db.Close()

	if _, err := db.Exec(`SELECT COUNT(*) FROM ticket`); err != nil {
		t.Fatalf("schema missing after reopen: %v", err)
	}
	if _, err := db.Exec(`SELECT tix_msec_open, tix_msec_to_close, world FROM snapshot`); err != nil {
		t.Fatalf("altered snapshot columns missing after reopen: %v", err)
	}
}
