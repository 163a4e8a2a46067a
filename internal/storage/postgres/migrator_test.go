package postgres

import (
	"strings"
	"testing"
	"testing/fstest"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	t.Parallel()

	migrations, err := loadMigrationsFromFS(migrationsFS)
	if err != nil {
		t.Fatalf("load embedded migrations: %v", err)
	}
	if len(migrations) != 4 {
		t.Fatalf("expected 4 migrations, got %d", len(migrations))
	}
	for i, m := range migrations {
		if m.Version != int64(i+1) {
			t.Fatalf("migration %d has version %d", i, m.Version)
		}
	}
	if !strings.Contains(migrations[0].UpSQL, "inventory_units") {
		t.Fatalf("first migration must create inventory_units")
	}
	if !strings.Contains(migrations[2].UpSQL, "job_history") {
		t.Fatalf("third migration must create job_history")
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	t.Parallel()

	infos, err := EmbeddedMigrations()
	if err != nil {
		t.Fatalf("EmbeddedMigrations failed: %v", err)
	}
	if len(infos) != 4 || infos[0].Version != 1 || infos[3].Name != "outbox_idempotency" {
		t.Fatalf("unexpected migrations: %+v", infos)
	}
}

func TestLoadMigrationsFromFS_SortsByVersion(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"sql/migrations/0002_more.up.sql":   {Data: []byte("CREATE TABLE b (id INT);")},
		"sql/migrations/0002_more.down.sql": {Data: []byte("DROP TABLE b;")},
		"sql/migrations/0001_init.up.sql":   {Data: []byte("CREATE TABLE a (id INT);")},
		"sql/migrations/0001_init.down.sql": {Data: []byte("DROP TABLE a;")},
	}

	migrations, err := loadMigrationsFromFS(fsys)
	if err != nil {
		t.Fatalf("loadMigrationsFromFS failed: %v", err)
	}
	if len(migrations) != 2 || migrations[0].Name != "init" || migrations[1].Name != "more" {
		t.Fatalf("unexpected migrations: %+v", migrations)
	}
	if migrations[1].label() != "2_more" {
		t.Fatalf("unexpected label %q", migrations[1].label())
	}
}

func TestLoadMigrationsFromFS_Errors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		fsys    fstest.MapFS
		wantSub string
	}{
		{
			name:    "missing down",
			fsys:    fstest.MapFS{"sql/migrations/0001_init.up.sql": {Data: []byte("SELECT 1;")}},
			wantSub: "both up and down",
		},
		{
			name:    "invalid name",
			fsys:    fstest.MapFS{"sql/migrations/not_a_migration.sql": {Data: []byte("SELECT 1;")}},
			wantSub: "invalid migration file name",
		},
		{
			name: "empty body",
			fsys: fstest.MapFS{
				"sql/migrations/0001_init.up.sql":   {Data: []byte("  \n")},
				"sql/migrations/0001_init.down.sql": {Data: []byte("SELECT 1;")},
			},
			wantSub: "empty",
		},
		{
			name: "name mismatch",
			fsys: fstest.MapFS{
				"sql/migrations/0001_init.up.sql":    {Data: []byte("SELECT 1;")},
				"sql/migrations/0001_other.down.sql": {Data: []byte("SELECT 1;")},
			},
			wantSub: "name mismatch",
		},
		{
			name:    "no files",
			fsys:    fstest.MapFS{},
			wantSub: "no migration files",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := loadMigrationsFromFS(tc.fsys)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Fatalf("error %q does not contain %q", err, tc.wantSub)
			}
		})
	}
}
