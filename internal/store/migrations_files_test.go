package store

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	sets := map[string]fs.FS{
		"postgres": os.DirFS(filepath.Join("..", "..", "db", "migrations")),
		"sqlite":   SQLiteMigrations(),
	}
	versions := map[string][]string{}
	for name, fsys := range sets {
		ups, err := listMigrations(fsys, "up")
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		downs, err := listMigrations(fsys, "down")
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if len(ups) == 0 {
			t.Fatalf("%s: no migrations discovered", name)
		}
		if len(ups) != len(downs) {
			t.Fatalf("%s: %d up files but %d down files", name, len(ups), len(downs))
		}
		for i := range ups {
			if ups[i].version != downs[i].version {
				t.Fatalf("%s: version %s must include both up and down files", name, ups[i].version)
			}
			versions[name] = append(versions[name], strings.TrimSuffix(ups[i].name, ".up.sql"))
		}
	}
	if strings.Join(versions["postgres"], ",") != strings.Join(versions["sqlite"], ",") {
		t.Fatalf("dialects drifted: postgres=%v sqlite=%v", versions["postgres"], versions["sqlite"])
	}
}

func TestMergeLogMigrationBlocksUpdates(t *testing.T) {
	sqlBytes, err := os.ReadFile(filepath.Join("..", "..", "db", "migrations", "0002_merge_log.up.sql"))
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	for _, snippet := range []string{"merge_log_immutable_guard", "RAISE EXCEPTION", "CREATE TRIGGER trg_merge_log_block_update"} {
		if !strings.Contains(string(sqlBytes), snippet) {
			t.Fatalf("expected migration to contain %q", snippet)
		}
	}
}

func TestRebind(t *testing.T) {
	query := `SELECT id FROM documents WHERE id=? AND fingerprint=?`
	if got := Postgres.rebind(query); got != `SELECT id FROM documents WHERE id=$1 AND fingerprint=$2` {
		t.Fatalf("Postgres.rebind() = %q", got)
	}
	if got := SQLite.rebind(query); got != query {
		t.Fatalf("SQLite.rebind() = %q", got)
	}
}
