package postgres

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/massawatch/internal/registry"
)

type Store struct {
	db *sql.DB
}

// New opens a pgx-backed store. No connection is made until first use.
func New(dsn string) (*Store, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &Store{db: d}, nil
}

func (p *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS watches(
			seq BIGSERIAL PRIMARY KEY,
			address TEXT NOT NULL,
			user_id BIGINT NOT NULL,
			on_failure BOOLEAN NOT NULL,
			on_recovery BOOLEAN NOT NULL,
			UNIQUE(address, user_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_watches_user ON watches(user_id);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *Store) Load(ctx context.Context) ([]registry.Row, error) {
	if err := p.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, `SELECT address, user_id, on_failure, on_recovery FROM watches ORDER BY seq`)
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

func (p *Store) Save(ctx context.Context, rows []registry.Row) error {
	if err := p.EnsureSchema(ctx); err != nil {
		return err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM watches`); err != nil {
		return err
	}
	for _, r := range rows {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO watches(address, user_id, on_failure, on_recovery) VALUES($1,$2,$3,$4)`,
			r.Subject, r.Subscriber, r.OnFailure, r.OnRecovery); err != nil {
			return fmt.Errorf("insert %s/%d: %w", r.Subject, r.Subscriber, err)
		}
	}
	return tx.Commit()
}

func (p *Store) Close() error { return p.db.Close() }
