package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/cursorgate/cursorgate/internal/storage"
)

// SaveProxies replaces the persisted proxy declarations with a snapshot.
func (s *Store) SaveProxies(ctx context.Context, records []storage.ProxyRecord) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM proxies`); err != nil {
		return fmt.Errorf("clear proxies: %w", err)
	}
	for _, rec := range records {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO proxies (name, kind, url, general) VALUES (?, ?, ?, ?)`,
			rec.Name, rec.Kind, nullStr(rec.URL), boolToInt(rec.General),
		)
		if err != nil {
			return fmt.Errorf("insert proxy %s: %w", rec.Name, err)
		}
	}
	return tx.Commit()
}

// LoadProxies returns all persisted proxy declarations.
func (s *Store) LoadProxies(ctx context.Context) ([]storage.ProxyRecord, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT name, kind, url, general FROM proxies ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.ProxyRecord
	for rows.Next() {
		var rec storage.ProxyRecord
		var u sql.NullString
		var general int
		if err := rows.Scan(&rec.Name, &rec.Kind, &u, &general); err != nil {
			return nil, err
		}
		rec.URL = u.String
		rec.General = general != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}
