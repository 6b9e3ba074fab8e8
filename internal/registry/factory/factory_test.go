package factory

import (
	"path/filepath"
	"testing"

	"github.com/loykin/massawatch/internal/registry"
	"github.com/loykin/massawatch/internal/registry/postgres"
	"github.com/loykin/massawatch/internal/registry/sqlite"
)

func TestOpenSelectsStoreByDSN(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Fatalf("expected error for empty DSN")
	}
	// sql.Open does not connect, so this needs no server
	pg, err := Open("postgres://user@localhost/db")
	if err != nil {
		t.Fatalf("postgres dsn: %v", err)
	}
	if _, ok := pg.(*postgres.Store); !ok {
		t.Fatalf("expected postgres store, got %T", pg)
	}
	_ = pg.Close()

	s, err := Open("sqlite://:memory:")
	if err != nil {
		t.Fatalf("sqlite dsn: %v", err)
	}
	if _, ok := s.(*sqlite.Store); !ok {
		t.Fatalf("expected sqlite store, got %T", s)
	}
	_ = s.Close()

	path := filepath.Join(t.TempDir(), "watching.csv")
	for _, dsn := range []string{path, "csv://" + path} {
		c, err := Open(dsn)
		if err != nil {
			t.Fatalf("csv dsn %q: %v", dsn, err)
		}
		cs, ok := c.(*registry.CSVStore)
		if !ok || cs.Path != path {
			t.Fatalf("expected csv store at %s, got %T %+v", path, c, c)
		}
	}
}
