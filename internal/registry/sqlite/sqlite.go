package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/loykin/massawatch/internal/registry"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

// New opens a SQLite database at path and ensures the schema.
func New(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("empty sqlite path")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// :memory: is per connection
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &Store{db: db}
	if err := s.EnsureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS watches(
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			address TEXT NOT NULL,
			user_id INTEGER NOT NULL,
			on_failure INTEGER NOT NULL,
			on_recovery INTEGER NOT NULL,
			UNIQUE(address, user_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_watches_user ON watches(user_id);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Load(ctx context.Context) ([]registry.Row, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT address, user_id, on_failure, on_recovery FROM watches ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []registry.Row
	for rows.Next() {
		var r registry.Row
		if err := rows.Scan(&r.Subject, &r.Subscriber, &r.OnFailure, &r.OnRecovery); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Save replaces every row in one transaction; seq follows the slice order.
func (s *Store) Save(ctx context.Context, rows []registry.Row) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM watches`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO watches(address, user_id, on_failure, on_recovery) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()
	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r.Subject, r.Subscriber, r.OnFailure, r.OnRecovery); err != nil {
			return fmt.Errorf("insert %s/%d: %w", r.Subject, r.Subscriber, err)
		}
	}
	return tx.Commit()
}

func (s *Store) Close() error { return s.db.Close() }
