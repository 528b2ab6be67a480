package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/cursorgate/cursorgate/internal/storage"
)

// SaveTokens replaces the persisted token set with a full snapshot.
func (s *Store) SaveTokens(ctx context.Context, records []storage.TokenRecord) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tokens`); err != nil {
		return fmt.Errorf("clear tokens: %w", err)
	}
	for _, rec := range records {
		tags, err := marshalJSON(rec.Tags)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO tokens (id, alias, jwt, status, checksum, client_key, session_id,
			 config_version, proxy, timezone, region, tags, profile)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.Alias, rec.JWT, rec.Status, rec.Checksum, rec.ClientKey,
			rec.SessionID, nullStr(rec.ConfigVersion), nullStr(rec.Proxy),
			nullStr(rec.Timezone), nullStr(rec.Region), tags, nullBytes(rec.Profile),
		)
		if err != nil {
			return fmt.Errorf("insert token %d: %w", rec.ID, err)
		}
	}
	return tx.Commit()
}

// LoadTokens returns all persisted tokens in id order.
func (s *Store) LoadTokens(ctx context.Context) ([]storage.TokenRecord, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, alias, jwt, status, checksum, client_key, session_id,
		 config_version, proxy, timezone, region, tags, profile
		 FROM tokens ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.TokenRecord
	for rows.Next() {
		var rec storage.TokenRecord
		var configVersion, proxy, timezone, region, tags, profile sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Alias, &rec.JWT, &rec.Status, &rec.Checksum,
			&rec.ClientKey, &rec.SessionID, &configVersion, &proxy, &timezone,
			&region, &tags, &profile); err != nil {
			return nil, err
		}
		rec.ConfigVersion = configVersion.String
		rec.Proxy = proxy.String
		rec.Timezone = timezone.String
		rec.Region = region.String
		if tags.Valid && tags.String != "" {
			if err := json.Unmarshal([]byte(tags.String), &rec.Tags); err != nil {
				return nil, fmt.Errorf("token %d tags: %w", rec.ID, err)
			}
		}
		if profile.Valid {
			rec.Profile = []byte(profile.String)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// --- helpers shared by the stores ---

func marshalJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullBytes(b []byte) sql.NullString {
	return sql.NullString{String: string(b), Valid: len(b) > 0}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
