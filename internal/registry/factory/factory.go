package factory

import (
	"errors"
	"strings"

	"github.com/loykin/massawatch/internal/registry"
	"github.com/loykin/massawatch/internal/registry/postgres"
	"github.com/loykin/massawatch/internal/registry/sqlite"
)

// Open selects a store by DSN:
//   - postgres:// or postgresql:// uses PostgreSQL
//   - sqlite:// uses SQLite at the given path
//   - csv:// or a bare path uses a CSV file
func Open(dsn string) (registry.Store, error) {
	d := strings.TrimSpace(dsn)
	if d == "" {
		return nil, errors.New("empty registry dsn")
	}
	switch {
	case strings.HasPrefix(d, "postgres://"), strings.HasPrefix(d, "postgresql://"):
		return postgres.New(d)
	case strings.HasPrefix(d, "sqlite://"):
		return sqlite.New(strings.TrimPrefix(d, "sqlite://"))
	case strings.HasPrefix(d, "csv://"):
		return registry.NewCSVStore(strings.TrimPrefix(d, "csv://")), nil
	default:
		return registry.NewCSVStore(d), nil
	}
}
