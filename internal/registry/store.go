package registry

import (
	"context"
	"errors"
	"os"
	"strings"
)

// Store persists registry rows. Save replaces the whole content.
type Store interface {
	Load(ctx context.Context) ([]Row, error)
	Save(ctx context.Context, rows []Row) error
	Close() error
}

// CSVStore keeps rows in a CSV file.
type CSVStore struct {
	Path string
}

// NewCSVStore returns a store for path.
func NewCSVStore(path string) *CSVStore {
	return &CSVStore{Path: strings.TrimSpace(path)}
}

// Load returns the rows in the file. A missing file is created empty.
func (s *CSVStore) Load(ctx context.Context) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := readFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, writeFile(s.Path, nil)
	}
	return rows, err
}

func (s *CSVStore) Save(ctx context.Context, rows []Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return writeFile(s.Path, rows)
}

func (s *CSVStore) Close() error { return nil }

// Open loads a registry from st.
func Open(ctx context.Context, st Store) (*Registry, error) {
	rows, err := st.Load(ctx)
	if err != nil {
		return nil, err
	}
	return FromRows(rows)
}

// Flush writes the registry to st.
func (r *Registry) Flush(ctx context.Context, st Store) error {
	return st.Save(ctx, r.Rows())
}
