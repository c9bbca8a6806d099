package main

import (
	"io/fs"
	"strings"
	"testing"
	"testing/fstest"
)

func TestMigrationNames_SortedAndFiltered(t *testing.T) {
	fsys := fstest.MapFS{
		"0002_b.up.sql":   {Data: []byte("SELECT 2;")},
		"0001_a.up.sql":   {Data: []byte("SELECT 1;")},
		"0001_a.down.sql": {Data: []byte("SELECT 0;")},
		"README.md":       {Data: []byte("notes")},
	}

	names, err := migrationNames(fsys)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"0001_a.up.sql", "0002_b.up.sql"}
	if len(names) != len(want) {
		t.Fatalf("got %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names[%d] = %s, want %s", i, names[i], want[i])
		}
	}
}

func TestEmbeddedMigrations_DeclareIdentityIndexes(t *testing.T) {
	sub, err := fs.Sub(embedded, "migrations")
	if err != nil {
		t.Fatalf("sub: %v", err)
	}

	names, err := migrationNames(sub)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(names) == 0 {
		t.Fatal("no embedded migrations")
	}

	var all strings.Builder
	for _, name := range names {
		b, err := fs.ReadFile(sub, name)
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		all.Write(b)
	}

	for _, idx := range []string{"leads_place_id_key", "leads_website_domain_key", "leads_phone_digits_key"} {
		if !strings.Contains(all.String(), idx) {
			t.Errorf("missing unique index %s", idx)
		}
	}
}
