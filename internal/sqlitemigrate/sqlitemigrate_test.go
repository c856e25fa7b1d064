package sqlitemigrate

import (
	"context"
	"database/sql"
	"testing"
	"testing/fstest"

	_ "modernc.org/sqlite"
)

func TestUpSection(t *testing.T) {
	content := "-- +migrate Up\nCREATE TABLE a (id INTEGER);\n-- +migrate Down\nDROP TABLE a;\n"
	if got := UpSection(content); got != "\nCREATE TABLE a (id INTEGER);\n" {
		t.Fatalf("unexpected up section: %q", got)
	}
	if got := UpSection("CREATE TABLE b (id INTEGER);"); got != "CREATE TABLE b (id INTEGER);" {
		t.Fatalf("unexpected plain section: %q", got)
	}
}

func TestApplyRunsEachMigrationOnce(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer func() {
		_ = db.Close()
	}()
	db.SetMaxOpenConns(1)

	migrations := fstest.MapFS{
		"001_items.sql": {Data: []byte("-- +migrate Up\nCREATE TABLE items (id INTEGER PRIMARY KEY);\n-- +migrate Down\nDROP TABLE items;\n")},
		"002_seed.sql":  {Data: []byte("INSERT INTO items (id) VALUES (1);")},
		"README.md":     {Data: []byte("ignored")},
	}
	ctx := context.Background()
	if err := Apply(ctx, db, migrations, ""); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if err := Apply(ctx, db, migrations, "."); err != nil {
		t.Fatalf("second apply: %v", err)
	}
	var rows int
	if err := db.QueryRow("SELECT COUNT(*) FROM items").Scan(&rows); err != nil {
		t.Fatalf("count items: %v", err)
	}
	if rows != 1 {
		t.Fatalf("seed migration ran %d times", rows)
	}
	var applied int
	if err := db.QueryRow("SELECT COUNT(*) FROM " + migrationTable).Scan(&applied); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if applied != 2 {
		t.Fatalf("expected 2 recorded migrations, got %d", applied)
	}
}

func TestApplyRequiresDB(t *testing.T) {
	if err := Apply(context.Background(), nil, fstest.MapFS{}, ""); err == nil {
		t.Fatal("expected error for nil db")
	}
}
