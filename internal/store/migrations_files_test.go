package store

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
)

// Migration files are applied in lexical order; every file must carry the
// .up.sql suffix and a numeric prefix so ordering stays stable.
func TestMigrationFilesWellFormed(t *testing.T) {
	dir := filepath.Join("..", "..", "db", "migrations")
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".up.sql") {
			t.Errorf("unexpected migration file %q (want *.up.sql)", name)
			continue
		}
		prefix := strings.SplitN(name, "_", 2)[0]
		if len(prefix) != 4 {
			t.Errorf("migration %q should start with a 4-digit sequence", name)
		}
		contents, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("read migration %s: %v", name, err)
		}
		if strings.TrimSpace(string(contents)) == "" {
			t.Errorf("migration %q is empty", name)
		}
		names = append(names, name)
	}

	if len(names) == 0 {
		t.Fatal("no migrations found")
	}
	if !sort.StringsAreSorted(names) {
		t.Errorf("migration files are not in lexical order: %v", names)
	}
}
